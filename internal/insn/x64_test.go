package insn

import (
	"testing"

	"objrun/internal/arch"
)

func TestDecodeX64_Classify(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want arch.InsnType
	}{
		{"ret", []byte{0xC3}, arch.X64Return},
		{"syscall", []byte{0x0F, 0x05}, arch.X64Syscall},
		{"call rel32", []byte{0xE8, 0x00, 0x00, 0x00, 0x00}, arch.X64Call},
		{"call rax", []byte{0xFF, 0xD0}, arch.X64CallReg},
		{"call [rip+0]", []byte{0xFF, 0x15, 0x00, 0x00, 0x00, 0x00}, arch.X64CallMem},
		{"jmp rel8", []byte{0xEB, 0x10}, arch.X64Jump},
		{"jmp rax", []byte{0xFF, 0xE0}, arch.X64JumpReg},
		{"jmp [rip+0]", []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}, arch.X64JumpMem},
		{"je rel32", []byte{0x0F, 0x84, 0x00, 0x00, 0x00, 0x00}, arch.X64JumpCond},
		{"mov rax,[rip+0]", []byte{0x48, 0x8B, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.X64Mov64RM},
		{"mov eax,[rip+0]", []byte{0x8B, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.X64Mov32RM},
		{"mov [rip+0],rax", []byte{0x48, 0x89, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.X64Mov64MR},
		{"lea rax,[rip+0]", []byte{0x48, 0x8D, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.X64Lea64},
		{"movaps xmm0,[rip+0]", []byte{0x0F, 0x28, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.X64MovapsRM},
		{"cmp rax,[rip+0]", []byte{0x48, 0x3B, 0x05, 0x00, 0x00, 0x00, 0x00}, arch.X64Cmp64RM},
		{"movzx eax,byte [rax]", []byte{0x0F, 0xB6, 0x00}, arch.X64Movzx32RM},
		{"mov rax,rbx", []byte{0x48, 0x89, 0xD8}, arch.TypeHardware},
		{"add eax,1", []byte{0x83, 0xC0, 0x01}, arch.TypeHardware},
	}
	for _, tc := range tests {
		res, err := Decode(tc.code, arch.X86_64)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(res.Records) != 1 {
			t.Fatalf("%s: got %d records, want 1", tc.name, len(res.Records))
		}
		r := res.Records[0]
		if r.Type != tc.want {
			t.Errorf("%s: type = %v, want %v", tc.name, r.Type, tc.want)
		}
		if int(r.Len) != len(tc.code) {
			t.Errorf("%s: len = %d, want %d", tc.name, r.Len, len(tc.code))
		}
	}
}

func TestDecodeX64_SegOverride(t *testing.T) {
	// mov rax, gs:[0x28] carries a GS segment prefix.
	code := []byte{0x65, 0x48, 0x8B, 0x04, 0x25, 0x28, 0x00, 0x00, 0x00}
	res, err := Decode(code, arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("got %d records", len(res.Records))
	}
	if !res.Records[0].SegOverride {
		t.Error("expected segment override flag")
	}
}

func TestDecodeX64_AbortTiling(t *testing.T) {
	// 0x06 (push es) is invalid in 64-bit mode: one-byte abort, then
	// decoding resumes at the next byte.
	code := []byte{0xC3, 0x06, 0xC3}
	res, err := Decode(code, arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(res.Records))
	}
	if res.Records[1].Type != arch.TypeAbort || res.Records[1].Len != 1 {
		t.Errorf("record 1 = %+v, want 1-byte abort", res.Records[1])
	}
	checkTiling(t, res.Records, len(code))
}

func TestDecodeX64_Tiling(t *testing.T) {
	code := []byte{
		0x55,                                     // push rbp
		0x48, 0x8B, 0x05, 0x00, 0x00, 0x00, 0x00, // mov rax,[rip+0]
		0xE8, 0x00, 0x00, 0x00, 0x00, // call rel32
		0x5D, // pop rbp
		0xC3, // ret
	}
	res, err := Decode(code, arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	checkTiling(t, res.Records, len(code))
}

func TestDecodeX64_CondMetadata(t *testing.T) {
	// The condition code leads the operand stream of a jcc.
	code := []byte{0x0F, 0x84, 0x00, 0x00, 0x00, 0x00} // je
	res, err := Decode(code, arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	meta, ok := res.Meta[string(code)]
	if !ok {
		t.Fatal("no metadata for je")
	}
	// cond u64 + rel u64
	if len(meta) != 16 {
		t.Fatalf("metadata length = %d, want 16", len(meta))
	}
	if meta[0] != 0x4 {
		t.Errorf("condition code = 0x%x, want 0x4 (e)", meta[0])
	}
}
