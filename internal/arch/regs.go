package arch

import (
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Reg is an emulator register number. The numbering is part of the cache
// artifact encoding and must never change for an existing value; new
// registers are appended to the end of their bank.
type Reg uint16

const RegInvalid Reg = 0

// aarch64 banks. Each bank is 32 entries wide so bank+index arithmetic
// stays valid even for registers without an architectural slot (X31).
const (
	a64BankX Reg = 0x0100 + iota*0x20 // X0..X30, then SP at +31
	a64BankW                          // W0..W30, then WSP at +31
	a64BankV                          // V0..V31
	a64BankD                          // D0..D31
	a64BankS                          // S0..S31
	a64BankH                          // H0..H31
	a64BankB                          // B0..B31
	a64Misc
)

const (
	A64X0   = a64BankX
	A64SP   = a64BankX + 31
	A64W0   = a64BankW
	A64WSP  = a64BankW + 31
	A64V0   = a64BankV
	A64D0   = a64BankD
	A64S0   = a64BankS
	A64H0   = a64BankH
	A64B0   = a64BankB
	A64XZR  = a64Misc + 0
	A64WZR  = a64Misc + 1
	A64PC   = a64Misc + 2
	A64NZCV = a64Misc + 3
)

// x86-64 banks.
const (
	x64Bank64  Reg = 0x0400 + iota*0x20 // RAX..R15
	x64Bank32                           // EAX..R15D
	x64Bank16                           // AX..R15W
	x64Bank8                            // AL..R15B (REX numbering)
	x64BankXMM                          // XMM0..XMM15
	x64BankSeg                          // ES,CS,SS,DS,FS,GS
	x64Misc
)

const (
	X64RAX  = x64Bank64
	X64RSP  = x64Bank64 + 4
	X64EAX  = x64Bank32
	X64AX   = x64Bank16
	X64AL   = x64Bank8 // decoder order: AL..BL, AH..BH, SPB..DIB, R8B..R15B
	X64XMM0 = x64BankXMM
	X64ES   = x64BankSeg
	X64CS   = x64BankSeg + 1
	X64SS   = x64BankSeg + 2
	X64DS   = x64BankSeg + 3
	X64FS   = x64BankSeg + 4
	X64GS   = x64BankSeg + 5
	X64RIP  = x64Misc + 0
)

// FromARM64 translates an arm64asm register to the emulator numbering.
func FromARM64(r arm64asm.Reg) Reg {
	switch {
	case r >= arm64asm.X0 && r <= arm64asm.X30:
		return A64X0 + Reg(r-arm64asm.X0)
	case r >= arm64asm.W0 && r <= arm64asm.W30:
		return A64W0 + Reg(r-arm64asm.W0)
	case r >= arm64asm.V0 && r <= arm64asm.V31:
		return A64V0 + Reg(r-arm64asm.V0)
	case r >= arm64asm.D0 && r <= arm64asm.D31:
		return A64D0 + Reg(r-arm64asm.D0)
	case r >= arm64asm.S0 && r <= arm64asm.S31:
		return A64S0 + Reg(r-arm64asm.S0)
	case r >= arm64asm.H0 && r <= arm64asm.H31:
		return A64H0 + Reg(r-arm64asm.H0)
	case r >= arm64asm.B0 && r <= arm64asm.B31:
		return A64B0 + Reg(r-arm64asm.B0)
	case r == arm64asm.SP:
		return A64SP
	case r == arm64asm.WSP:
		return A64WSP
	case r == arm64asm.XZR:
		return A64XZR
	case r == arm64asm.WZR:
		return A64WZR
	default:
		return RegInvalid
	}
}

// FromX86 translates an x86asm register to the emulator numbering.
func FromX86(r x86asm.Reg) Reg {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return x64Bank64 + Reg(r-x86asm.RAX)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x64Bank32 + Reg(r-x86asm.EAX)
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x64Bank16 + Reg(r-x86asm.AX)
	case r >= x86asm.AL && r <= x86asm.R15B:
		return x64Bank8 + Reg(r-x86asm.AL)
	case r >= x86asm.X0 && r <= x86asm.X15:
		return x64BankXMM + Reg(r-x86asm.X0)
	case r == x86asm.ES:
		return X64ES
	case r == x86asm.CS:
		return X64CS
	case r == x86asm.SS:
		return X64SS
	case r == x86asm.DS:
		return X64DS
	case r == x86asm.FS:
		return X64FS
	case r == x86asm.GS:
		return X64GS
	case r == x86asm.RIP:
		return X64RIP
	default:
		return RegInvalid
	}
}
