// Package binfmt presents ELF, Mach-O and COFF object files through one
// uniform section/symbol/relocation view. Each format keeps its raw
// relocation types; interpretation belongs to the relocation resolver.
package binfmt

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"objrun/internal/arch"
)

var (
	ErrNotObject   = errors.New("binfmt: not a recognized object file")
	ErrUnsupported = errors.New("binfmt: unsupported architecture")
)

// SectionKind classifies a section for the analysis pipeline.
type SectionKind uint8

const (
	SectOther SectionKind = iota
	SectText              // executable code
	SectData              // initialized data
	SectBss               // uninitialized, needs a zero-filled buffer
)

// Section is the uniform section view. Data is nil for SectBss.
type Section struct {
	Name   string
	Index  int
	Addr   uint64 // link-time address (0 for relocatables on most formats)
	Offset uint64 // file offset of the section contents
	Size   uint64
	Data   []byte
	Kind   SectionKind
	Relocs []Reloc
}

// SymKind separates function symbols from data symbols.
type SymKind uint8

const (
	SymData SymKind = iota
	SymFunc
)

// Symbol is the uniform symbol view.
type Symbol struct {
	Name    string
	Value   uint64 // link-time value (section-relative on COFF/ELF-REL)
	Size    uint64
	Sect    int // owning section index; -1 when not section-backed
	Kind    SymKind
	Defined bool
	Common  bool   // undefined with reserved size (COFF/Mach-O commons)
	ComSize uint64 // common block size
}

// Reloc is the uniform relocation view. Type carries the raw
// format-specific relocation type.
type Reloc struct {
	Off       uint64 // offset within the owning section
	Type      uint32
	Sym       string
	SymIndex  int
	SymSect   int   // owning section of a local (non-extern) symbol
	SymValue  uint64
	Addend    int64
	HasAddend bool
	Extern    bool
	PCRel     bool
	Len       uint8 // log2 width (Mach-O)
}

// File is a fully parsed object.
type File struct {
	Path     string
	Format   arch.Format
	Type     arch.ObjectType
	Arch     arch.Arch
	Sections []Section
	Symbols  []Symbol
	Exports  []Symbol // executable/shared export view
	Raw      []byte
}

// Variant is the result of format detection.
type Variant struct {
	Format arch.Format
	Type   arch.ObjectType
}

var (
	elfMagic   = []byte{0x7f, 'E', 'L', 'F'}
	machoMagic = []byte{0xcf, 0xfa, 0xed, 0xfe} // MH_MAGIC_64, little-endian
	iobjMagic  = []byte{'i', 'o', 'b', 'j'}
	mzMagic    = []byte{'M', 'Z'}
)

// Detect sniffs the container format from the leading bytes.
func Detect(head []byte) Variant {
	if len(head) < 4 {
		return Variant{}
	}
	switch {
	case bytes.Equal(head[:4], iobjMagic):
		return Variant{arch.FormatIObj, arch.ObjectRelocatable}
	case bytes.Equal(head[:4], elfMagic):
		// e_type at offset 16.
		if len(head) >= 18 {
			switch uint16(head[16]) | uint16(head[17])<<8 {
			case 1:
				return Variant{arch.FormatELF, arch.ObjectRelocatable}
			case 2:
				return Variant{arch.FormatELF, arch.ObjectExecutable}
			case 3:
				return Variant{arch.FormatELF, arch.ObjectShared}
			}
		}
		return Variant{arch.FormatELF, arch.ObjectUnknown}
	case bytes.Equal(head[:4], machoMagic):
		// filetype at offset 12.
		if len(head) >= 16 {
			switch uint32(head[12]) | uint32(head[13])<<8 | uint32(head[14])<<16 | uint32(head[15])<<24 {
			case 0x1:
				return Variant{arch.FormatMachO, arch.ObjectRelocatable}
			case 0x2:
				return Variant{arch.FormatMachO, arch.ObjectExecutable}
			case 0x6:
				return Variant{arch.FormatMachO, arch.ObjectShared}
			}
		}
		return Variant{arch.FormatMachO, arch.ObjectUnknown}
	case bytes.Equal(head[:2], mzMagic):
		return Variant{arch.FormatCOFF, arch.ObjectExecutable}
	default:
		// COFF objects have no magic; the leading uint16 is the machine.
		switch uint16(head[0]) | uint16(head[1])<<8 {
		case 0x8664, 0xaa64:
			return Variant{arch.FormatCOFF, arch.ObjectRelocatable}
		}
	}
	return Variant{}
}

// Open reads and parses an object file.
func Open(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("binfmt: read: %w", err)
	}
	return Parse(path, raw)
}

// Parse parses an in-memory object image.
func Parse(path string, raw []byte) (*File, error) {
	v := Detect(raw)
	switch v.Format {
	case arch.FormatELF:
		return parseELF(path, raw, v)
	case arch.FormatMachO:
		return parseMachO(path, raw, v)
	case arch.FormatCOFF:
		return parseCOFF(path, raw, v)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotObject, path)
	}
}

// TextSectionName returns the text section name convention per format.
func TextSectionName(f arch.Format) string {
	if f == arch.FormatMachO {
		return "__text"
	}
	return ".text"
}

// isDynName reports whether a section name marks uninitialized storage.
func isDynName(name string) bool {
	return len(name) >= 3 && (name[len(name)-3:] == "bss" ||
		len(name) >= 6 && name[len(name)-6:] == "common")
}
