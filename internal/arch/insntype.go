package arch

// InsnType classifies a decoded instruction for the execution engine.
// Hardware instructions run on the emulator untouched; every other
// category needs interpreter assistance (control flow redirection,
// relocation fixups, or segment handling).
type InsnType uint8

const (
	TypeUnknown InsnType = iota
	// TypeAbort marks undecodable bytes. Reaching one at runtime stops
	// execution; the decoder skips MinInsnLen bytes past it.
	TypeAbort
	// TypeHardware is any instruction with no special handling.
	TypeHardware

	// aarch64 categories.
	A64Return
	A64Syscall
	A64Call
	A64CallReg
	A64Jump
	A64JumpCond
	A64JumpReg
	A64Adr
	A64Adrp
	A64LdrSWL // ldrsw Xt, label
	A64LdrWL  // ldr Wt, label
	A64LdrXL  // ldr Xt, label
	A64LdrSL  // ldr St, label
	A64LdrDL  // ldr Dt, label
	A64LdrQL  // ldr Qt, label

	// x86-64 categories.
	X64Return
	X64Syscall
	X64Call
	X64CallReg
	X64CallMem
	X64Jump
	X64JumpCond
	X64JumpReg
	X64JumpMem
	X64Mov8RM
	X64Mov8MR
	X64Mov8MI
	X64Mov16RM
	X64Mov16MR
	X64Mov16MI
	X64Mov32RM
	X64Mov32MR
	X64Mov32MI
	X64Mov64RM
	X64Mov64MR
	X64Mov64MI
	X64Lea32
	X64Lea64
	X64MovapsRM
	X64MovapsMR
	X64MovupsRM
	X64MovupsMR
	X64MovapdRM
	X64MovapdMR
	X64MovupdRM
	X64MovupdMR
	X64Cmp8RM
	X64Cmp8MR
	X64Cmp8MI
	X64Cmp16RM
	X64Cmp16MR
	X64Cmp16MI
	X64Cmp32RM
	X64Cmp32MR
	X64Cmp32MI
	X64Cmp64RM
	X64Cmp64MR
	X64Cmp64MI
	X64Test8MR
	X64Test8MI
	X64Test16MR
	X64Test16MI
	X64Test32MR
	X64Test32MI
	X64Test64MR
	X64Test64MI
	X64Movsx16RM
	X64Movsx32RM
	X64Movsx64RM
	X64Movzx16RM
	X64Movzx32RM
	X64Movzx64RM
	X64Cmov16RM
	X64Cmov32RM
	X64Cmov64RM

	insnTypeMax
)

var insnTypeNames = map[InsnType]string{
	TypeAbort:    "abort",
	TypeHardware: "hardware",
	A64Return:    "return",
	A64Syscall:   "syscall",
	A64Call:      "call",
	A64CallReg:   "call-reg",
	A64Jump:      "jump",
	A64JumpCond:  "jump-cond",
	A64JumpReg:   "jump-reg",
	A64Adr:       "adr",
	A64Adrp:      "adrp",
	A64LdrSWL:    "ldrsw-lit",
	A64LdrWL:     "ldrw-lit",
	A64LdrXL:     "ldrx-lit",
	A64LdrSL:     "ldrs-lit",
	A64LdrDL:     "ldrd-lit",
	A64LdrQL:     "ldrq-lit",
	X64Return:    "return",
	X64Syscall:   "syscall",
	X64Call:      "call",
	X64CallReg:   "call-reg",
	X64CallMem:   "call-mem",
	X64Jump:      "jump",
	X64JumpCond:  "jump-cond",
	X64JumpReg:   "jump-reg",
	X64JumpMem:   "jump-mem",
}

func (t InsnType) String() string {
	if s, ok := insnTypeNames[t]; ok {
		return s
	}
	if t > TypeHardware && t < insnTypeMax {
		return "assisted"
	}
	return "unknown"
}

// IsControlFlow reports whether the category redirects execution.
func (t InsnType) IsControlFlow() bool {
	switch t {
	case A64Return, A64Call, A64CallReg, A64Jump, A64JumpCond, A64JumpReg,
		X64Return, X64Call, X64CallReg, X64CallMem,
		X64Jump, X64JumpCond, X64JumpReg, X64JumpMem:
		return true
	}
	return false
}

// IsCall reports whether the category transfers to a callee with a
// return link. Used by the call graph builder.
func (t InsnType) IsCall() bool {
	switch t {
	case A64Call, A64CallReg, X64Call, X64CallReg, X64CallMem:
		return true
	}
	return false
}

// IsMemoryOp reports whether an x86-64 category references memory through
// an explicit operand. COFF REL32 relocation typing depends on this.
func (t InsnType) IsMemoryOp() bool {
	switch t {
	case X64CallMem, X64JumpMem,
		X64Mov8RM, X64Mov8MR, X64Mov8MI,
		X64Mov16RM, X64Mov16MR, X64Mov16MI,
		X64Mov32RM, X64Mov32MR, X64Mov32MI,
		X64Mov64RM, X64Mov64MR, X64Mov64MI,
		X64Lea32, X64Lea64,
		X64MovapsRM, X64MovapsMR, X64MovupsRM, X64MovupsMR,
		X64MovapdRM, X64MovapdMR, X64MovupdRM, X64MovupdMR,
		X64Cmp8RM, X64Cmp8MR, X64Cmp8MI,
		X64Cmp16RM, X64Cmp16MR, X64Cmp16MI,
		X64Cmp32RM, X64Cmp32MR, X64Cmp32MI,
		X64Cmp64RM, X64Cmp64MR, X64Cmp64MI,
		X64Test8MR, X64Test8MI, X64Test16MR, X64Test16MI,
		X64Test32MR, X64Test32MI, X64Test64MR, X64Test64MI,
		X64Movsx16RM, X64Movsx32RM, X64Movsx64RM,
		X64Movzx16RM, X64Movzx32RM, X64Movzx64RM,
		X64Cmov16RM, X64Cmov32RM, X64Cmov64RM:
		return true
	}
	return false
}
