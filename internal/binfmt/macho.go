package binfmt

import (
	"bytes"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"

	"objrun/internal/arch"
)

// Mach-O nlist type masks. go-macho exposes helpers for some of these,
// but the raw masks keep the classification in one place.
const (
	nStab = 0xe0
	nType = 0x0e
	nExt  = 0x01
	nUndf = 0x00
	nAbs  = 0x02
	nSect = 0x0e
)

const (
	sZerofill   = 0x01
	sGBZerofill = 0x0c
)

func parseMachO(path string, raw []byte, v Variant) (*File, error) {
	mf, err := macho.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("binfmt: macho %s: %w", path, err)
	}
	defer mf.Close()

	var a arch.Arch
	switch mf.CPU {
	case types.CPUArm64:
		a = arch.AArch64
	case types.CPUAmd64:
		a = arch.X86_64
	default:
		return nil, fmt.Errorf("%w: %s: cpu %v", ErrUnsupported, path, mf.CPU)
	}

	f := &File{Path: path, Format: arch.FormatMachO, Type: v.Type, Arch: a, Raw: raw}

	// Sections are kept in load order so that 1-based section ordinals in
	// nlist entries and relocation values map to index+1.
	for i, s := range mf.Sections {
		sec := Section{Name: s.Name, Index: i, Addr: s.Addr, Offset: uint64(s.Offset), Size: s.Size}
		secType := uint32(s.Flags) & 0xff
		switch {
		case secType == sZerofill || secType == sGBZerofill || isDynName(s.Name):
			sec.Kind = SectBss
		case s.Seg == "__TEXT" && s.Name == "__text":
			sec.Kind = SectText
		case s.Seg == "__TEXT" || s.Seg == "__DATA" || s.Seg == "__DATA_CONST":
			sec.Kind = SectData
		}
		if sec.Kind != SectOther && sec.Kind != SectBss && s.Size > 0 {
			data, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("binfmt: macho %s: section %s: %w", path, s.Name, err)
			}
			sec.Data = data
		}
		for _, r := range s.Relocs {
			rel := Reloc{
				Off:     uint64(r.Addr),
				Type:    uint32(r.Type),
				PCRel:   r.Pcrel,
				Extern:  r.Extern,
				Len:     r.Len,
				SymSect: -1,
			}
			if r.Extern {
				rel.SymIndex = int(r.Value)
				if mf.Symtab != nil && int(r.Value) < len(mf.Symtab.Syms) {
					rel.Sym = mf.Symtab.Syms[r.Value].Name
					rel.SymValue = mf.Symtab.Syms[r.Value].Value
				}
			} else {
				// The raw value is a 1-based section ordinal for most
				// types, and the addend payload for ARM64_RELOC_ADDEND.
				rel.SymValue = uint64(r.Value)
				if r.Value > 0 {
					rel.SymSect = int(r.Value) - 1
				}
			}
			sec.Relocs = append(sec.Relocs, rel)
		}
		f.Sections = append(f.Sections, sec)
	}

	if mf.Symtab != nil {
		for _, s := range mf.Symtab.Syms {
			typ := uint8(s.Type)
			if typ&nStab != 0 {
				continue
			}
			sym := Symbol{Name: s.Name, Value: s.Value, Sect: -1}
			switch typ & nType {
			case nUndf:
				if typ&nExt != 0 && s.Value != 0 {
					// Common: the value field carries the block size.
					sym.Common = true
					sym.ComSize = s.Value
					sym.Value = 0
				}
			case nAbs:
				sym.Defined = true
			case nSect:
				sym.Defined = true
				sym.Sect = int(s.Sect) - 1
				if sym.Sect >= 0 && sym.Sect < len(f.Sections) &&
					f.Sections[sym.Sect].Kind == SectText {
					sym.Kind = SymFunc
				}
			}
			f.Symbols = append(f.Symbols, sym)
			if v.Type != arch.ObjectRelocatable && sym.Defined && typ&nExt != 0 {
				f.Exports = append(f.Exports, sym)
			}
		}
	}
	return f, nil
}
