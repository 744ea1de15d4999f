package reloc

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"objrun/internal/arch"
	"objrun/internal/binfmt"
	"objrun/internal/insn"
)

// testResolver hands out fixed addresses and offsets data requests so
// tests can tell which flavor was asked for.
type testResolver struct {
	addrs map[string]uint64
	calls []string
}

const dataBias = 0x10000

func (r *testResolver) Resolve(name string, wantData bool) (uint64, error) {
	r.calls = append(r.calls, name)
	va := r.addrs[name]
	if wantData {
		return va + dataBias, nil
	}
	return va, nil
}

func TestTableDedup(t *testing.T) {
	tbl := NewTable()
	a := tbl.Add("x", 0x100, Func)
	b := tbl.Add("x_alias", 0x100, Func)
	if a != b {
		t.Errorf("same (target, kind) produced distinct records %d and %d", a, b)
	}
	c := tbl.Add("x", 0x100, Data)
	if c == a {
		t.Error("data record collapsed into function record")
	}
	d := tbl.Add("y", 0x200, Func)
	if d == a || d == c {
		t.Error("distinct target shared a record")
	}
	if len(tbl.Records) != 3 {
		t.Errorf("got %d records, want 3", len(tbl.Records))
	}
}

func textContext(res *testResolver) (*Context, *Section) {
	sections := []Section{
		{Index: 0, Kind: binfmt.SectText, Addr: 0, VA: 0x5000, Buf: make([]byte, 32)},
		{Index: 1, Kind: binfmt.SectData, Addr: 0, VA: 0x9000, Buf: make([]byte, 32)},
	}
	ctx := &Context{
		Arch:     arch.X86_64,
		Format:   arch.FormatELF,
		Sections: sections,
		Resolver: res,
		Table:    NewTable(),
	}
	return ctx, &ctx.Sections[0]
}

func TestProcessText_ExternCall(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"ext_fn": 0x7000}}
	ctx, text := textContext(res)

	recs := []insn.Record{
		{RVA: 0, Len: 5, Type: arch.X64Call, RelocIndex: -1},
		{RVA: 5, Len: 1, Type: arch.X64Return, RelocIndex: -1},
	}
	rels := []binfmt.Reloc{{
		Off: 1, Type: uint32(elf.R_X86_64_PLT32),
		Sym: "ext_fn", Extern: true, Addend: -4, HasAddend: true, SymSect: -1,
	}}
	if err := ctx.ProcessText(text, rels, recs); err != nil {
		t.Fatal(err)
	}
	if recs[0].RelocIndex != 0 {
		t.Fatalf("call record reloc index = %d, want 0", recs[0].RelocIndex)
	}
	if recs[1].RelocIndex != -1 {
		t.Error("ret record acquired a reloc")
	}
	rr := ctx.Table.Records[0]
	if rr.Name != "ext_fn" || rr.Kind != Func || rr.Target != 0x7000 {
		t.Errorf("record = %+v", rr)
	}
}

func TestProcessText_GOTLoadIsData(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"ext_var": 0x7000}}
	ctx, text := textContext(res)

	recs := []insn.Record{{RVA: 0, Len: 7, Type: arch.X64Mov64RM, RelocIndex: -1}}
	rels := []binfmt.Reloc{{
		Off: 3, Type: uint32(elf.R_X86_64_REX_GOTPCRELX),
		Sym: "ext_var", Extern: true, Addend: -4, HasAddend: true, SymSect: -1,
	}}
	if err := ctx.ProcessText(text, rels, recs); err != nil {
		t.Fatal(err)
	}
	rr := ctx.Table.Records[0]
	if rr.Kind != Data {
		t.Errorf("GOT load classified as %v, want data", rr.Kind)
	}
	if rr.Target != 0x7000+dataBias {
		t.Errorf("target = 0x%x, want the pointer slot", rr.Target)
	}
}

func TestProcessText_DedupSameSymbol(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"ext_fn": 0x7000}}
	ctx, text := textContext(res)

	recs := []insn.Record{
		{RVA: 0, Len: 5, Type: arch.X64Call, RelocIndex: -1},
		{RVA: 5, Len: 5, Type: arch.X64Call, RelocIndex: -1},
	}
	rels := []binfmt.Reloc{
		{Off: 1, Type: uint32(elf.R_X86_64_PLT32), Sym: "ext_fn", Extern: true, Addend: -4, HasAddend: true, SymSect: -1},
		{Off: 6, Type: uint32(elf.R_X86_64_PLT32), Sym: "ext_fn", Extern: true, Addend: -4, HasAddend: true, SymSect: -1},
	}
	if err := ctx.ProcessText(text, rels, recs); err != nil {
		t.Fatal(err)
	}
	if len(ctx.Table.Records) != 1 {
		t.Fatalf("got %d records, want 1 (dedup)", len(ctx.Table.Records))
	}
	if recs[0].RelocIndex != recs[1].RelocIndex {
		t.Error("two sites of the same reference got distinct records")
	}
}

func TestProcessText_A64ExactSite(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"callee": 0x7000}}
	ctx, text := textContext(res)
	ctx.Arch = arch.AArch64

	recs := []insn.Record{
		{RVA: 0, Len: 4, Type: arch.TypeHardware, RelocIndex: -1},
		{RVA: 4, Len: 4, Type: arch.A64Call, RelocIndex: -1},
	}
	rels := []binfmt.Reloc{{
		Off: 4, Type: uint32(elf.R_AARCH64_CALL26),
		Sym: "callee", Extern: true, HasAddend: true, SymSect: -1,
	}}
	if err := ctx.ProcessText(text, rels, recs); err != nil {
		t.Fatal(err)
	}
	if recs[0].RelocIndex != -1 || recs[1].RelocIndex != 0 {
		t.Errorf("attachment wrong: %d, %d", recs[0].RelocIndex, recs[1].RelocIndex)
	}
}

func TestProcessText_LocalTarget(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{}}
	ctx, text := textContext(res)
	ctx.Arch = arch.AArch64

	recs := []insn.Record{{RVA: 0, Len: 4, Type: arch.A64Adrp, RelocIndex: -1}}
	rels := []binfmt.Reloc{{
		Off: 0, Type: uint32(elf.R_AARCH64_ADR_PREL_PG_HI21),
		Sym: "local_buf", SymSect: 1, SymValue: 0x10, HasAddend: true,
	}}
	if err := ctx.ProcessText(text, rels, recs); err != nil {
		t.Fatal(err)
	}
	rr := ctx.Table.Records[0]
	if rr.Target != 0x9010 {
		t.Errorf("local target = 0x%x, want 0x9010", rr.Target)
	}
	if len(res.calls) != 0 {
		t.Error("local symbol went through the resolver")
	}
}

func TestProcessData_AbsolutePatchAndStub(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"fn": 0x5008}}
	ctx, _ := textContext(res)
	data := &ctx.Sections[1]

	rels := []binfmt.Reloc{{
		Off: 8, Type: uint32(elf.R_X86_64_64),
		Sym: "fn", Extern: true, HasAddend: true, SymSect: -1,
	}}
	if err := ctx.ProcessData(data, rels); err != nil {
		t.Fatal(err)
	}
	got := binary.LittleEndian.Uint64(data.Buf[8:])
	if got != 0x5008 {
		t.Errorf("patched value = 0x%x, want 0x5008", got)
	}
	// 0x5008 lies inside the text section: the cell must be flagged as a
	// code-pointer stub.
	if len(ctx.Stubs) != 1 {
		t.Fatalf("got %d stubs, want 1", len(ctx.Stubs))
	}
	s := ctx.Stubs[0]
	if s.Offset != 8 || s.Target != 0x5008 || s.Name != "fn" {
		t.Errorf("stub = %+v", s)
	}
}

func TestProcessData_PC32(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"var": 0xA000}}
	ctx, _ := textContext(res)
	data := &ctx.Sections[1]

	rels := []binfmt.Reloc{{
		Off: 4, Type: uint32(elf.R_X86_64_PC32),
		Sym: "var", Extern: true, Addend: -4, HasAddend: true, SymSect: -1,
	}}
	if err := ctx.ProcessData(data, rels); err != nil {
		t.Fatal(err)
	}
	// target + addend - site = 0xA000 - 4 - 0x9004
	want := uint32(0xA000 - 4 - 0x9004)
	got := binary.LittleEndian.Uint32(data.Buf[4:])
	if got != want {
		t.Errorf("pc32 = 0x%x, want 0x%x", got, want)
	}
	if len(ctx.Stubs) != 0 {
		t.Error("pc-relative patch produced a stub")
	}
}

func TestProcessData_COFFRel32UsesSiteAddend(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"var": 0xA000}}
	ctx, _ := textContext(res)
	ctx.Format = arch.FormatCOFF
	data := &ctx.Sections[1]
	binary.LittleEndian.PutUint32(data.Buf[4:], 8) // embedded addend

	rels := []binfmt.Reloc{{
		Off: 4, Type: coffAMD64Rel32, Sym: "var", Extern: true, SymSect: -1,
	}}
	if err := ctx.ProcessData(data, rels); err != nil {
		t.Fatal(err)
	}
	want := uint32(0xA000 + 8 - 0x9004 - 4)
	got := binary.LittleEndian.Uint32(data.Buf[4:])
	if got != want {
		t.Errorf("rel32 = 0x%x, want 0x%x", got, want)
	}
}

func TestProcessData_OutOfRangeSkipped(t *testing.T) {
	res := &testResolver{addrs: map[string]uint64{"var": 0xA000}}
	ctx, _ := textContext(res)
	data := &ctx.Sections[1]

	rels := []binfmt.Reloc{{
		Off: uint64(len(data.Buf)) - 2, Type: uint32(elf.R_X86_64_64),
		Sym: "var", Extern: true, HasAddend: true, SymSect: -1,
	}}
	// Must warn and continue, not fail or write past the buffer.
	if err := ctx.ProcessData(data, rels); err != nil {
		t.Fatal(err)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name   string
		a      arch.Arch
		f      arch.Format
		rtype  uint32
		sym    string
		extern bool
		insn   arch.InsnType
		want   Kind
	}{
		{"elf a64 gotrel64", arch.AArch64, arch.FormatELF, elfA64GOTRel64, "v", true, arch.TypeUnknown, Data},
		{"elf a64 adr got page", arch.AArch64, arch.FormatELF, uint32(elf.R_AARCH64_ADR_GOT_PAGE), "v", true, arch.A64Adrp, Data},
		{"elf a64 call", arch.AArch64, arch.FormatELF, uint32(elf.R_AARCH64_CALL26), "f", true, arch.A64Call, Func},
		{"elf x64 rex gotpcrelx", arch.X86_64, arch.FormatELF, uint32(elf.R_X86_64_REX_GOTPCRELX), "v", true, arch.X64Mov64RM, Data},
		{"elf x64 plt32", arch.X86_64, arch.FormatELF, uint32(elf.R_X86_64_PLT32), "f", true, arch.X64Call, Func},
		{"macho a64 got load page", arch.AArch64, arch.FormatMachO, machoA64GOTLoadPage21, "v", true, arch.A64Adrp, Data},
		{"macho x64 got load", arch.X86_64, arch.FormatMachO, machoX64GOTLoad, "v", true, arch.X64Mov64RM, Data},
		{"macho x64 branch", arch.X86_64, arch.FormatMachO, machoX64Branch, "f", true, arch.X64Call, Func},
		{"coff addr64", arch.X86_64, arch.FormatCOFF, coffAMD64Addr64, "v", true, arch.TypeUnknown, Data},
		{"coff rel32 imp load", arch.X86_64, arch.FormatCOFF, coffAMD64Rel32, "__imp_v", true, arch.X64Mov64RM, Data},
		{"coff rel32 call", arch.X86_64, arch.FormatCOFF, coffAMD64Rel32, "f", true, arch.X64Call, Func},
		{"coff a64 pageoff12l", arch.AArch64, arch.FormatCOFF, coffARM64PageOffset12L, "v", true, arch.TypeUnknown, Data},
	}
	for _, tc := range tests {
		if got := kindOf(tc.a, tc.f, tc.rtype, tc.sym, tc.extern, tc.insn); got != tc.want {
			t.Errorf("%s: kindOf = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeELFAddend(t *testing.T) {
	tests := []struct {
		in, want int64
	}{
		{-4, 0},
		{0, 4},
		{-8, 0},
		{-5, 0},
		{4, 8},
	}
	for _, tc := range tests {
		if got := normalizeELFAddend(tc.in); got != tc.want {
			t.Errorf("normalizeELFAddend(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
