package binfmt

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"objrun/internal/arch"
)

func parseELF(path string, raw []byte, v Variant) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("binfmt: elf %s: %w", path, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %s: not 64-bit little-endian", ErrUnsupported, path)
	}
	var a arch.Arch
	switch ef.Machine {
	case elf.EM_AARCH64:
		a = arch.AArch64
	case elf.EM_X86_64:
		a = arch.X86_64
	default:
		return nil, fmt.Errorf("%w: %s: machine %v", ErrUnsupported, path, ef.Machine)
	}

	f := &File{Path: path, Format: arch.FormatELF, Type: v.Type, Arch: a, Raw: raw}

	for i, s := range ef.Sections {
		sec := Section{Name: s.Name, Index: i, Addr: s.Addr, Offset: s.Offset, Size: s.Size}
		switch {
		case s.Type == elf.SHT_NOBITS:
			sec.Kind = SectBss
		case s.Flags&elf.SHF_EXECINSTR != 0:
			sec.Kind = SectText
		case s.Flags&elf.SHF_ALLOC != 0:
			if isDynName(s.Name) {
				sec.Kind = SectBss
			} else {
				sec.Kind = SectData
			}
		}
		if sec.Kind != SectOther && sec.Kind != SectBss && s.Size > 0 {
			data, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("binfmt: elf %s: section %s: %w", path, s.Name, err)
			}
			sec.Data = data
		}
		f.Sections = append(f.Sections, sec)
	}

	syms, err := ef.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("binfmt: elf %s: symtab: %w", path, err)
	}
	for _, s := range syms {
		f.Symbols = append(f.Symbols, elfSymbol(&s))
	}

	if v.Type != arch.ObjectRelocatable {
		dsyms, err := ef.DynamicSymbols()
		if err != nil && err != elf.ErrNoSymbols {
			return nil, fmt.Errorf("binfmt: elf %s: dynsym: %w", path, err)
		}
		for _, s := range dsyms {
			if elf.ST_BIND(s.Info) == elf.STB_LOCAL || s.Section == elf.SHN_UNDEF {
				continue
			}
			f.Exports = append(f.Exports, elfSymbol(&s))
		}
	}

	if err := parseELFRelocs(ef, f, syms); err != nil {
		return nil, err
	}
	return f, nil
}

func elfSymbol(s *elf.Symbol) Symbol {
	sym := Symbol{Name: s.Name, Value: s.Value, Size: s.Size, Sect: -1}
	switch s.Section {
	case elf.SHN_UNDEF:
	case elf.SHN_COMMON:
		sym.Common = true
		sym.ComSize = s.Size
	case elf.SHN_ABS:
		sym.Defined = true
	default:
		sym.Defined = true
		sym.Sect = int(s.Section)
	}
	if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
		sym.Kind = SymFunc
	}
	return sym
}

// parseELFRelocs walks every SHT_RELA section and attaches its entries to
// the section named by sh_info. debug/elf applies relocations itself only
// for DWARF, so the entries are decoded here.
func parseELFRelocs(ef *elf.File, f *File, syms []elf.Symbol) error {
	for _, s := range ef.Sections {
		if s.Type != elf.SHT_RELA {
			continue
		}
		target := int(s.Info)
		if target <= 0 || target >= len(f.Sections) {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return fmt.Errorf("binfmt: elf %s: %s: %w", f.Path, s.Name, err)
		}
		rd := bytes.NewReader(data)
		var rela elf.Rela64
		for rd.Len() >= 24 {
			if err := binary.Read(rd, ef.ByteOrder, &rela); err != nil {
				return fmt.Errorf("binfmt: elf %s: %s: %w", f.Path, s.Name, err)
			}
			r := Reloc{
				Off:       rela.Off,
				Type:      elf.R_TYPE64(rela.Info),
				Addend:    rela.Addend,
				HasAddend: true,
				SymSect:   -1,
			}
			// Symbols() drops the leading null entry, hence the -1.
			if idx := int(elf.R_SYM64(rela.Info)); idx > 0 && idx <= len(syms) {
				sym := syms[idx-1]
				r.SymIndex = idx
				r.SymValue = sym.Value
				switch {
				case elf.ST_TYPE(sym.Info) == elf.STT_SECTION:
					r.SymSect = int(sym.Section)
				case sym.Section == elf.SHN_UNDEF || sym.Section == elf.SHN_COMMON:
					r.Sym = sym.Name
					r.Extern = true
				default:
					r.Sym = sym.Name
					r.SymSect = int(sym.Section)
				}
			}
			f.Sections[target].Relocs = append(f.Sections[target].Relocs, r)
		}
	}
	return nil
}
