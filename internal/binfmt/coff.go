package binfmt

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"strings"

	"objrun/internal/arch"
)

const (
	imageSymClassExternal = 2
	imageSymDTypeFunction = 2
)

func parseCOFF(path string, raw []byte, v Variant) (*File, error) {
	pf, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("binfmt: coff %s: %w", path, err)
	}
	defer pf.Close()

	var a arch.Arch
	switch pf.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		a = arch.X86_64
	case pe.IMAGE_FILE_MACHINE_ARM64:
		a = arch.AArch64
	default:
		return nil, fmt.Errorf("%w: %s: machine 0x%x", ErrUnsupported, path, pf.Machine)
	}

	f := &File{Path: path, Format: arch.FormatCOFF, Type: v.Type, Arch: a, Raw: raw}

	// Raw COFF symbol table including aux entries; relocation
	// SymbolTableIndex values index this table.
	rawSyms := make(map[int]Symbol)
	for i := 0; i < len(pf.COFFSymbols); {
		cs := &pf.COFFSymbols[i]
		name, err := cs.FullName(pf.StringTable)
		if err != nil {
			name = ""
		}
		sym := Symbol{Name: name, Value: uint64(cs.Value), Sect: -1}
		switch {
		case cs.SectionNumber > 0:
			sym.Defined = true
			sym.Sect = int(cs.SectionNumber) - 1
		case cs.SectionNumber == 0 && cs.Value > 0 && cs.StorageClass == imageSymClassExternal:
			sym.Common = true
			sym.ComSize = uint64(cs.Value)
			sym.Value = 0
		}
		if cs.Type>>4 == imageSymDTypeFunction {
			sym.Kind = SymFunc
		}
		rawSyms[i] = sym
		if cs.StorageClass == imageSymClassExternal || sym.Defined || sym.Common {
			f.Symbols = append(f.Symbols, sym)
		}
		i += 1 + int(cs.NumberOfAuxSymbols)
	}

	for i, s := range pf.Sections {
		sec := Section{
			Name:   s.Name,
			Index:  i,
			Addr:   uint64(s.VirtualAddress),
			Offset: uint64(s.Offset),
			Size:   uint64(s.VirtualSize),
		}
		if sec.Size == 0 {
			sec.Size = uint64(s.Size)
		}
		switch {
		case s.Characteristics&pe.IMAGE_SCN_CNT_UNINITIALIZED_DATA != 0 || isDynName(s.Name):
			sec.Kind = SectBss
		case s.Characteristics&pe.IMAGE_SCN_CNT_CODE != 0 ||
			s.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE != 0:
			sec.Kind = SectText
		case s.Characteristics&pe.IMAGE_SCN_CNT_INITIALIZED_DATA != 0:
			sec.Kind = SectData
		}
		if sec.Kind != SectOther && sec.Kind != SectBss && s.Size > 0 {
			data, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("binfmt: coff %s: section %s: %w", path, s.Name, err)
			}
			sec.Data = data
		}
		for _, r := range s.Relocs {
			rel := Reloc{
				Off:     uint64(r.VirtualAddress) - uint64(s.VirtualAddress),
				Type:    uint32(r.Type),
				SymSect: -1,
			}
			if sym, ok := rawSyms[int(r.SymbolTableIndex)]; ok {
				rel.SymIndex = int(r.SymbolTableIndex)
				rel.Sym = sym.Name
				rel.SymValue = sym.Value
				if sym.Defined {
					rel.SymSect = sym.Sect
				} else {
					rel.Extern = true
				}
			}
			sec.Relocs = append(sec.Relocs, rel)
		}
		f.Sections = append(f.Sections, sec)
	}

	if v.Type == arch.ObjectExecutable {
		if err := parsePEExports(pf, f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// parsePEExports reads the export directory, which debug/pe does not
// surface. Exported names land in the function symbol view; PE carries no
// data/function distinction, so forwarders are the only entries skipped.
func parsePEExports(pf *pe.File, f *File) error {
	oh, ok := pf.OptionalHeader.(*pe.OptionalHeader64)
	if !ok || len(oh.DataDirectory) == 0 {
		return nil
	}
	dir := oh.DataDirectory[0]
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil
	}
	raw, err := peReadRVA(pf, dir.VirtualAddress, 40)
	if err != nil {
		return fmt.Errorf("binfmt: coff %s: export dir: %w", f.Path, err)
	}
	numNames := binary.LittleEndian.Uint32(raw[24:])
	addrFuncs := binary.LittleEndian.Uint32(raw[28:])
	addrNames := binary.LittleEndian.Uint32(raw[32:])
	addrOrds := binary.LittleEndian.Uint32(raw[36:])

	names, err := peReadRVA(pf, addrNames, int(numNames)*4)
	if err != nil {
		return nil
	}
	ords, err := peReadRVA(pf, addrOrds, int(numNames)*2)
	if err != nil {
		return nil
	}
	for i := 0; i < int(numNames); i++ {
		nameRVA := binary.LittleEndian.Uint32(names[i*4:])
		name, err := peReadCString(pf, nameRVA)
		if err != nil || name == "" {
			continue
		}
		ord := binary.LittleEndian.Uint16(ords[i*2:])
		fn, err := peReadRVA(pf, addrFuncs+uint32(ord)*4, 4)
		if err != nil {
			continue
		}
		rva := binary.LittleEndian.Uint32(fn)
		// A function RVA inside the export directory is a forwarder.
		if rva >= dir.VirtualAddress && rva < dir.VirtualAddress+dir.Size {
			continue
		}
		f.Exports = append(f.Exports, Symbol{
			Name:    name,
			Value:   uint64(rva),
			Kind:    SymFunc,
			Defined: true,
			Sect:    -1,
		})
	}
	return nil
}

func peReadRVA(pf *pe.File, rva uint32, n int) ([]byte, error) {
	for _, s := range pf.Sections {
		if rva >= s.VirtualAddress && rva+uint32(n) <= s.VirtualAddress+s.Size {
			data, err := s.Data()
			if err != nil {
				return nil, err
			}
			off := rva - s.VirtualAddress
			if int(off)+n > len(data) {
				return nil, fmt.Errorf("rva 0x%x beyond section data", rva)
			}
			return data[off : int(off)+n], nil
		}
	}
	return nil, fmt.Errorf("rva 0x%x not mapped", rva)
}

func peReadCString(pf *pe.File, rva uint32) (string, error) {
	for _, s := range pf.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.Size {
			data, err := s.Data()
			if err != nil {
				return "", err
			}
			off := int(rva - s.VirtualAddress)
			if off >= len(data) {
				return "", fmt.Errorf("rva 0x%x beyond section data", rva)
			}
			if i := strings.IndexByte(string(data[off:]), 0); i >= 0 {
				return string(data[off : off+i]), nil
			}
			return string(data[off:]), nil
		}
	}
	return "", fmt.Errorf("rva 0x%x not mapped", rva)
}
