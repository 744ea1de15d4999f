// Package arch defines target architectures, object formats, the closed
// instruction category set, and the emulator register numbering shared by
// the decoder, the relocation resolver, and the cache artifact.
package arch

import "fmt"

// Arch identifies a supported target architecture.
type Arch uint8

const (
	ArchUnsupported Arch = iota
	AArch64
	X86_64
)

func (a Arch) String() string {
	switch a {
	case AArch64:
		return "aarch64"
	case X86_64:
		return "x86_64"
	default:
		return "unsupported"
	}
}

// MinInsnLen returns the minimum instruction length, which is also the
// skip width used when decoding fails and an abort record is emitted.
func (a Arch) MinInsnLen() int {
	if a == AArch64 {
		return 4
	}
	return 1
}

// Format identifies the container format of an object file.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatCOFF
	FormatIObj // serialized interpretable object cache
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatCOFF:
		return "coff"
	case FormatIObj:
		return "iobj"
	default:
		return "unknown"
	}
}

// ObjectType narrows a format to its relocatable or executable flavor.
type ObjectType uint8

const (
	ObjectUnknown ObjectType = iota
	ObjectRelocatable
	ObjectExecutable
	ObjectShared
)

func (t ObjectType) String() string {
	switch t {
	case ObjectRelocatable:
		return "relocatable"
	case ObjectExecutable:
		return "executable"
	case ObjectShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Triple returns the canonical target triple for diagnostics.
func Triple(a Arch, f Format) string {
	cpu := a.String()
	switch f {
	case FormatELF:
		return cpu + "-linux-gnu"
	case FormatMachO:
		if a == AArch64 {
			return "arm64-apple-macosx"
		}
		return cpu + "-apple-macosx"
	case FormatCOFF:
		return cpu + "-pc-windows-msvc"
	default:
		return fmt.Sprintf("%s-unknown", cpu)
	}
}
