package insn

import (
	"golang.org/x/arch/x86/x86asm"

	"objrun/internal/arch"
)

func decodeX64(code []byte, res *Result) {
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			res.abort(uint32(off), 1)
			off++
			continue
		}
		raw := code[off : off+inst.Len]
		typ := classifyX64(&inst)
		res.Records = append(res.Records, Record{
			RVA:         uint32(off),
			Len:         uint8(inst.Len),
			Type:        typ,
			SegOverride: hasSegOverride(&inst),
			RelocIndex:  -1,
		})
		if typ != arch.TypeHardware && typ != arch.TypeAbort {
			enc := &opEncoder{}
			encodeX64Args(&inst, enc, typ)
			res.putMeta(raw, enc)
		}
		off += inst.Len
	}
}

func hasSegOverride(inst *x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		switch p & 0xff {
		case 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65: // ES CS SS DS FS GS
			return true
		}
	}
	for _, a := range inst.Args {
		if m, ok := a.(x86asm.Mem); ok && m.Segment != 0 {
			return true
		}
	}
	return false
}

func classifyX64(inst *x86asm.Inst) arch.InsnType {
	switch inst.Op {
	case x86asm.RET:
		return arch.X64Return
	case x86asm.SYSCALL:
		return arch.X64Syscall
	case x86asm.CALL:
		return branchKind(inst, arch.X64Call, arch.X64CallReg, arch.X64CallMem)
	case x86asm.JMP:
		return branchKind(inst, arch.X64Jump, arch.X64JumpReg, arch.X64JumpMem)
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return arch.X64JumpCond
	case x86asm.MOV:
		return memOpKind(inst,
			[4]arch.InsnType{arch.X64Mov8RM, arch.X64Mov16RM, arch.X64Mov32RM, arch.X64Mov64RM},
			[4]arch.InsnType{arch.X64Mov8MR, arch.X64Mov16MR, arch.X64Mov32MR, arch.X64Mov64MR},
			[4]arch.InsnType{arch.X64Mov8MI, arch.X64Mov16MI, arch.X64Mov32MI, arch.X64Mov64MI})
	case x86asm.LEA:
		if regWidth(inst.Args[0]) == 64 {
			return arch.X64Lea64
		}
		return arch.X64Lea32
	case x86asm.MOVAPS:
		return xmmKind(inst, arch.X64MovapsRM, arch.X64MovapsMR)
	case x86asm.MOVUPS:
		return xmmKind(inst, arch.X64MovupsRM, arch.X64MovupsMR)
	case x86asm.MOVAPD:
		return xmmKind(inst, arch.X64MovapdRM, arch.X64MovapdMR)
	case x86asm.MOVUPD:
		return xmmKind(inst, arch.X64MovupdRM, arch.X64MovupdMR)
	case x86asm.CMP:
		return memOpKind(inst,
			[4]arch.InsnType{arch.X64Cmp8RM, arch.X64Cmp16RM, arch.X64Cmp32RM, arch.X64Cmp64RM},
			[4]arch.InsnType{arch.X64Cmp8MR, arch.X64Cmp16MR, arch.X64Cmp32MR, arch.X64Cmp64MR},
			[4]arch.InsnType{arch.X64Cmp8MI, arch.X64Cmp16MI, arch.X64Cmp32MI, arch.X64Cmp64MI})
	case x86asm.TEST:
		return memOpKind(inst,
			[4]arch.InsnType{arch.TypeHardware, arch.TypeHardware, arch.TypeHardware, arch.TypeHardware},
			[4]arch.InsnType{arch.X64Test8MR, arch.X64Test16MR, arch.X64Test32MR, arch.X64Test64MR},
			[4]arch.InsnType{arch.X64Test8MI, arch.X64Test16MI, arch.X64Test32MI, arch.X64Test64MI})
	case x86asm.MOVSX, x86asm.MOVSXD:
		if isMem(inst.Args[1]) {
			return widthPick(regWidth(inst.Args[0]),
				arch.TypeHardware, arch.X64Movsx16RM, arch.X64Movsx32RM, arch.X64Movsx64RM)
		}
	case x86asm.MOVZX:
		if isMem(inst.Args[1]) {
			return widthPick(regWidth(inst.Args[0]),
				arch.TypeHardware, arch.X64Movzx16RM, arch.X64Movzx32RM, arch.X64Movzx64RM)
		}
	case x86asm.CMOVA, x86asm.CMOVAE, x86asm.CMOVB, x86asm.CMOVBE, x86asm.CMOVE,
		x86asm.CMOVG, x86asm.CMOVGE, x86asm.CMOVL, x86asm.CMOVLE, x86asm.CMOVNE,
		x86asm.CMOVNO, x86asm.CMOVNP, x86asm.CMOVNS, x86asm.CMOVO, x86asm.CMOVP,
		x86asm.CMOVS:
		if isMem(inst.Args[1]) {
			return widthPick(regWidth(inst.Args[0]),
				arch.TypeHardware, arch.X64Cmov16RM, arch.X64Cmov32RM, arch.X64Cmov64RM)
		}
	}
	return arch.TypeHardware
}

func branchKind(inst *x86asm.Inst, rel, reg, mem arch.InsnType) arch.InsnType {
	switch inst.Args[0].(type) {
	case x86asm.Rel:
		return rel
	case x86asm.Reg:
		return reg
	case x86asm.Mem:
		return mem
	}
	return rel
}

func xmmKind(inst *x86asm.Inst, rm, mr arch.InsnType) arch.InsnType {
	switch {
	case isMem(inst.Args[1]):
		return rm
	case isMem(inst.Args[0]):
		return mr
	}
	return arch.TypeHardware
}

// memOpKind picks the RM/MR/MI variant by operand shapes and width.
// Instructions with no memory operand stay hardware-executed.
func memOpKind(inst *x86asm.Inst, rm, mr, mi [4]arch.InsnType) arch.InsnType {
	w := opWidth(inst)
	switch {
	case isMem(inst.Args[1]):
		return widthPick(w, rm[0], rm[1], rm[2], rm[3])
	case isMem(inst.Args[0]):
		if _, imm := inst.Args[1].(x86asm.Imm); imm {
			return widthPick(w, mi[0], mi[1], mi[2], mi[3])
		}
		return widthPick(w, mr[0], mr[1], mr[2], mr[3])
	}
	return arch.TypeHardware
}

func widthPick(w int, w8, w16, w32, w64 arch.InsnType) arch.InsnType {
	switch w {
	case 8:
		return w8
	case 16:
		return w16
	case 64:
		return w64
	default:
		return w32
	}
}

func isMem(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Mem)
	return ok
}

// opWidth derives the operand width in bits, preferring an explicit
// register operand over the decoder's data size.
func opWidth(inst *x86asm.Inst) int {
	for _, a := range inst.Args {
		if w := regWidth(a); w != 0 {
			return w
		}
	}
	return inst.DataSize
}

func regWidth(a x86asm.Arg) int {
	r, ok := a.(x86asm.Reg)
	if !ok {
		return 0
	}
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 8
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 16
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 32
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 64
	}
	return 0
}

func encodeX64Args(inst *x86asm.Inst, enc *opEncoder, typ arch.InsnType) {
	if typ == arch.X64JumpCond {
		enc.imm(uint64(condCode(inst.Op)))
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case x86asm.Reg:
			enc.reg(arch.FromX86(v))
		case x86asm.Imm:
			enc.imm(uint64(v))
		case x86asm.Rel:
			enc.imm(uint64(int64(v)))
		case x86asm.Mem:
			enc.reg(arch.FromX86(v.Base))
			enc.reg(arch.FromX86(v.Index))
			enc.reg(arch.FromX86(v.Segment))
			enc.imm(uint64(v.Scale))
			enc.imm(uint64(v.Disp))
		}
	}
}

// condCode maps conditional jump ops to their hardware condition encoding.
func condCode(op x86asm.Op) uint8 {
	switch op {
	case x86asm.JO:
		return 0x0
	case x86asm.JNO:
		return 0x1
	case x86asm.JB:
		return 0x2
	case x86asm.JAE:
		return 0x3
	case x86asm.JE:
		return 0x4
	case x86asm.JNE:
		return 0x5
	case x86asm.JBE:
		return 0x6
	case x86asm.JA:
		return 0x7
	case x86asm.JS:
		return 0x8
	case x86asm.JNS:
		return 0x9
	case x86asm.JP:
		return 0xa
	case x86asm.JNP:
		return 0xb
	case x86asm.JL:
		return 0xc
	case x86asm.JGE:
		return 0xd
	case x86asm.JLE:
		return 0xe
	case x86asm.JG:
		return 0xf
	default:
		return 0xff // loop/jcxz family, no sign-flag encoding
	}
}
