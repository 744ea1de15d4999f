// Package reloc resolves relocations of analyzed objects: it computes
// target addresses, classifies each reference as data or function,
// deduplicates the per-object relocation table, and patches data
// sections in place.
package reloc

import (
	"debug/elf"
	"strings"

	"objrun/internal/arch"
)

// Kind tells the execution engine whether a relocated reference is a
// data access or a control-flow target.
type Kind uint8

const (
	Func Kind = iota
	Data
)

func (k Kind) String() string {
	if k == Data {
		return "data"
	}
	return "func"
}

// Mach-O relocation types (r_type field).
const (
	machoX64Unsigned = 0 // X86_64_RELOC_UNSIGNED
	machoX64Signed   = 1
	machoX64Branch   = 2
	machoX64GOTLoad  = 3
	machoX64GOT      = 4

	machoA64Unsigned       = 0 // ARM64_RELOC_UNSIGNED
	machoA64Branch26       = 2
	machoA64Page21         = 3
	machoA64PageOff12      = 4
	machoA64GOTLoadPage21  = 5
	machoA64GOTLoadPgOff12 = 6
	machoA64Addend         = 10 // carries the addend for the next entry
)

// COFF relocation types.
const (
	coffAMD64Addr64   = 0x0001
	coffAMD64Addr32NB = 0x0003
	coffAMD64Rel32    = 0x0004

	coffARM64Addr32NB      = 0x0002
	coffARM64Branch26      = 0x0003
	coffARM64PageBase21    = 0x0004
	coffARM64PageOffset12A = 0x0006
	coffARM64PageOffset12L = 0x0007
	coffARM64Addr64        = 0x000e
)

// R_AARCH64_GOTREL64 is absent from debug/elf.
const elfA64GOTRel64 = 307

const importPrefix = "__imp_"

// kindOf classifies a relocation as a data or function reference.
// GOT-flavored types always indirect through a pointer, so they are data
// regardless of the referenced symbol. COFF REL32 is ambiguous: the
// shape of the referencing instruction and the import-thunk prefix
// decide it.
func kindOf(a arch.Arch, f arch.Format, rtype uint32, sym string, extern bool, insnType arch.InsnType) Kind {
	switch f {
	case arch.FormatMachO:
		if a == arch.AArch64 {
			switch rtype {
			case machoA64GOTLoadPage21, machoA64GOTLoadPgOff12:
				return Data
			}
		} else {
			switch rtype {
			case machoX64GOT, machoX64GOTLoad:
				return Data
			}
		}
	case arch.FormatELF:
		if a == arch.AArch64 {
			switch elf.R_AARCH64(rtype) {
			case elfA64GOTRel64, elf.R_AARCH64_GOT_LD_PREL19,
				elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC:
				return Data
			}
		} else {
			switch elf.R_X86_64(rtype) {
			case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX,
				elf.R_X86_64_REX_GOTPCRELX:
				return Data
			}
		}
	case arch.FormatCOFF:
		if a == arch.AArch64 {
			if rtype == coffARM64PageOffset12L {
				return Data
			}
			break
		}
		switch rtype {
		case coffAMD64Addr64:
			return Data
		case coffAMD64Rel32:
			if insnType.IsMemoryOp() && extern && strings.HasPrefix(sym, importPrefix) {
				return Data
			}
		}
	}
	return Func
}
