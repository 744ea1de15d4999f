package callgraph

import (
	"fmt"
	"sort"

	"github.com/zboralski/lattice"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"objrun/internal/arch"
	"objrun/internal/insn"
	"objrun/internal/object"
	"objrun/internal/reloc"
)

// BuildCFG constructs a lattice.CFGGraph holding one control flow graph
// per defined function of the given objects. The algorithm:
//  1. Find block leaders: index 0, branch targets, instructions after
//     terminators.
//  2. Partition instructions into blocks by leaders.
//  3. Compute successor edges from each block's last instruction.
func BuildCFG(objs []*object.Object) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, o := range objs {
		for ti := range o.Texts {
			t := &o.Texts[ti]
			spans := sectionSpans(o, t)
			for i, s := range spans {
				end := t.VA + uint64(len(t.Buf))
				if i+1 < len(spans) {
					end = spans[i+1].va
				}
				cg.Funcs = append(cg.Funcs, buildFuncCFG(o, t, s, end))
			}
		}
	}
	return cg
}

// sectionSpans returns the functions starting inside one text section,
// sorted by address. A function extends to the next function or the
// section end.
func sectionSpans(o *object.Object, t *object.TextSection) []funcSpan {
	var spans []funcSpan
	end := t.VA + uint64(len(t.Buf))
	for name, va := range o.FuncSyms {
		if va >= t.VA && va < end {
			spans = append(spans, funcSpan{va: va, name: name})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].va < spans[j].va })
	return spans
}

func buildFuncCFG(o *object.Object, t *object.TextSection, span funcSpan, endVA uint64) *lattice.FuncCFG {
	startRVA := uint32(span.va - t.VA)
	endRVA := uint32(endVA - t.VA)
	lo := sort.Search(len(t.Insns), func(i int) bool { return t.Insns[i].RVA >= startRVA })
	hi := sort.Search(len(t.Insns), func(i int) bool { return t.Insns[i].RVA >= endRVA })
	recs := t.Insns[lo:hi]

	lcfg := &lattice.FuncCFG{Name: span.name}
	if len(recs) == 0 {
		return lcfg
	}

	idxByVA := make(map[uint64]int, len(recs))
	for i := range recs {
		idxByVA[t.VA+uint64(recs[i].RVA)] = i
	}

	// Pass 1: leaders.
	leaders := map[int]bool{0: true}
	for i := range recs {
		if !isTerminator(recs[i].Type) {
			continue
		}
		if i+1 < len(recs) {
			leaders[i+1] = true
		}
		if target, ok := branchTarget(o.Arch, t, &recs[i]); ok {
			if idx, ok := idxByVA[target]; ok {
				leaders[idx] = true
			}
		}
	}
	sorted := make([]int, 0, len(leaders))
	for idx := range leaders {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	// Pass 2: partition.
	blockOf := make(map[int]int, len(sorted))
	for i, start := range sorted {
		end := len(recs)
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		lcfg.Blocks = append(lcfg.Blocks, &lattice.BasicBlock{ID: i, Start: start, End: end})
		blockOf[start] = i
	}

	// Pass 3: successors and call sites.
	for _, blk := range lcfg.Blocks {
		for idx := blk.Start; idx < blk.End; idx++ {
			rec := &recs[idx]
			if !rec.Type.IsCall() {
				continue
			}
			blk.Calls = append(blk.Calls, lattice.CallSite{
				Offset: idx,
				Callee: calleeName(o, t, rec),
			})
		}

		last := &recs[blk.End-1]
		if !isTerminator(last.Type) {
			if next, ok := blockOf[blk.End]; ok {
				blk.Succs = append(blk.Succs, lattice.Successor{BlockID: next})
			}
			continue
		}
		if isReturn(last.Type) {
			blk.Term = true
			continue
		}
		targetBlock := -1
		if target, ok := branchTarget(o.Arch, t, last); ok {
			if idx, ok := idxByVA[target]; ok {
				if bid, ok := blockOf[idx]; ok {
					targetBlock = bid
				}
			}
		}
		if isCond(last.Type) {
			if targetBlock >= 0 {
				blk.Succs = append(blk.Succs, lattice.Successor{BlockID: targetBlock, Cond: "T"})
			}
			if next, ok := blockOf[blk.End]; ok {
				blk.Succs = append(blk.Succs, lattice.Successor{BlockID: next, Cond: "F"})
			}
			continue
		}
		if targetBlock >= 0 {
			blk.Succs = append(blk.Succs, lattice.Successor{BlockID: targetBlock})
		} else {
			// Jump out of the function, or through a register.
			blk.Term = true
		}
	}
	return lcfg
}

func isTerminator(t arch.InsnType) bool {
	switch t {
	case arch.A64Return, arch.A64Jump, arch.A64JumpCond, arch.A64JumpReg,
		arch.X64Return, arch.X64Jump, arch.X64JumpCond, arch.X64JumpReg, arch.X64JumpMem:
		return true
	}
	return false
}

func isCond(t arch.InsnType) bool {
	return t == arch.A64JumpCond || t == arch.X64JumpCond
}

func isReturn(t arch.InsnType) bool {
	return t == arch.A64Return || t == arch.X64Return
}

// calleeName labels a call site: the relocation record when one is
// attached, otherwise the resolved branch target.
func calleeName(o *object.Object, t *object.TextSection, rec *insn.Record) string {
	if rec.RelocIndex >= 0 && int(rec.RelocIndex) < len(o.Relocs.Records) {
		rr := &o.Relocs.Records[rec.RelocIndex]
		if rr.Kind == reloc.Func && rr.Name != "" {
			return rr.Name
		}
	}
	if target, ok := branchTarget(o.Arch, t, rec); ok {
		for name, va := range o.FuncSyms {
			if va == target {
				return name
			}
		}
		return fmt.Sprintf("0x%x", target)
	}
	return fmt.Sprintf("via_0x%x", t.VA+uint64(rec.RVA))
}

// branchTarget re-decodes a control-transfer instruction and computes
// its absolute destination from the pc-relative operand.
func branchTarget(a arch.Arch, t *object.TextSection, rec *insn.Record) (uint64, bool) {
	if int(rec.RVA)+int(rec.Len) > len(t.Buf) {
		return 0, false
	}
	raw := t.Buf[rec.RVA : rec.RVA+uint32(rec.Len)]
	va := t.VA + uint64(rec.RVA)
	switch a {
	case arch.AArch64:
		inst, err := arm64asm.Decode(raw)
		if err != nil {
			return 0, false
		}
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if rel, ok := arg.(arm64asm.PCRel); ok {
				return va + uint64(int64(rel)), true
			}
		}
	case arch.X86_64:
		inst, err := x86asm.Decode(raw, 64)
		if err != nil {
			return 0, false
		}
		for _, arg := range inst.Args {
			if arg == nil {
				break
			}
			if rel, ok := arg.(x86asm.Rel); ok {
				return va + uint64(rec.Len) + uint64(int64(rel)), true
			}
		}
	}
	return 0, false
}
