package insn

import (
	"golang.org/x/arch/arm64/arm64asm"

	"objrun/internal/arch"
)

func decodeA64(code []byte, res *Result) {
	for off := 0; off+4 <= len(code); off += 4 {
		raw := code[off : off+4]
		inst, err := arm64asm.Decode(raw)
		if err != nil {
			res.abort(uint32(off), 4)
			continue
		}
		typ := classifyA64(&inst)
		res.Records = append(res.Records, Record{
			RVA:        uint32(off),
			Len:        4,
			Type:       typ,
			RelocIndex: -1,
		})
		if typ != arch.TypeHardware {
			enc := &opEncoder{}
			encodeA64Args(&inst, enc)
			res.putMeta(raw, enc)
		}
	}
	// A trailing fragment shorter than one instruction cannot decode.
	if rem := len(code) % 4; rem != 0 {
		res.abort(uint32(len(code)-rem), rem)
	}
}

func classifyA64(inst *arm64asm.Inst) arch.InsnType {
	switch inst.Op {
	case arm64asm.RET:
		return arch.A64Return
	case arm64asm.SVC:
		return arch.A64Syscall
	case arm64asm.BL:
		return arch.A64Call
	case arm64asm.BLR:
		return arch.A64CallReg
	case arm64asm.B:
		if _, cond := inst.Args[0].(arm64asm.Cond); cond {
			return arch.A64JumpCond
		}
		return arch.A64Jump
	case arm64asm.BR:
		return arch.A64JumpReg
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return arch.A64JumpCond
	case arm64asm.ADR:
		return arch.A64Adr
	case arm64asm.ADRP:
		return arch.A64Adrp
	case arm64asm.LDRSW:
		if isPCRel(inst.Args[1]) {
			return arch.A64LdrSWL
		}
	case arm64asm.LDR:
		if isPCRel(inst.Args[1]) {
			switch reg := inst.Args[0].(type) {
			case arm64asm.Reg:
				switch {
				case reg >= arm64asm.W0 && reg <= arm64asm.W30:
					return arch.A64LdrWL
				case reg >= arm64asm.X0 && reg <= arm64asm.X30:
					return arch.A64LdrXL
				case reg >= arm64asm.S0 && reg <= arm64asm.S31:
					return arch.A64LdrSL
				case reg >= arm64asm.D0 && reg <= arm64asm.D31:
					return arch.A64LdrDL
				case reg >= arm64asm.Q0 && reg <= arm64asm.Q31:
					return arch.A64LdrQL
				}
			}
		}
	}
	return arch.TypeHardware
}

func isPCRel(a arm64asm.Arg) bool {
	_, ok := a.(arm64asm.PCRel)
	return ok
}

func encodeA64Args(inst *arm64asm.Inst, enc *opEncoder) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case arm64asm.Reg:
			enc.reg(arch.FromARM64(v))
		case arm64asm.RegSP:
			enc.reg(arch.FromARM64(arm64asm.Reg(v)))
		case arm64asm.PCRel:
			enc.imm(uint64(int64(v)))
		case arm64asm.Imm:
			enc.imm(uint64(v.Imm))
		case arm64asm.Imm64:
			enc.imm(uint64(v.Imm))
		case arm64asm.Cond:
			enc.imm(uint64(v.Value))
		}
	}
}
