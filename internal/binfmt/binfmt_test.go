package binfmt

import (
	"debug/elf"
	"testing"

	"objrun/internal/arch"
	"objrun/internal/testobj"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		want Variant
	}{
		{"elf rel", []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0}, Variant{arch.FormatELF, arch.ObjectRelocatable}},
		{"elf dyn", []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 3, 0}, Variant{arch.FormatELF, arch.ObjectShared}},
		{"macho obj", []byte{0xcf, 0xfa, 0xed, 0xfe, 0x0c, 0, 0, 1, 0, 0, 0, 0, 0x1, 0, 0, 0}, Variant{arch.FormatMachO, arch.ObjectRelocatable}},
		{"coff amd64", []byte{0x64, 0x86, 0x02, 0x00}, Variant{arch.FormatCOFF, arch.ObjectRelocatable}},
		{"coff arm64", []byte{0x64, 0xaa, 0x02, 0x00}, Variant{arch.FormatCOFF, arch.ObjectRelocatable}},
		{"pe image", []byte{'M', 'Z', 0x90, 0x00}, Variant{arch.FormatCOFF, arch.ObjectExecutable}},
		{"iobj", []byte{'i', 'o', 'b', 'j'}, Variant{arch.FormatIObj, arch.ObjectRelocatable}},
		{"garbage", []byte{0x00, 0x01, 0x02, 0x03}, Variant{}},
		{"short", []byte{0x7f}, Variant{}},
	}
	for _, tc := range tests {
		if got := Detect(tc.head); got != tc.want {
			t.Errorf("%s: Detect = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestParseELFRelocatable(t *testing.T) {
	img := testobj.Build(testobj.Spec{
		Text:    []byte{0x55, 0xC3},
		Data:    make([]byte, 16),
		BssSize: 32,
		Syms: []testobj.Sym{
			{Name: "main", Sect: ".text", Func: true, Global: true, Size: 2},
			{Name: "counter", Sect: ".data", Global: true, Size: 8},
			{Name: "ext_fn", Global: true}, // undefined
		},
		TextRels: []testobj.Rel{
			{Off: 1, Type: uint32(elf.R_X86_64_PLT32), Sym: "ext_fn", Addend: -4},
		},
	})

	f, err := Parse("test.o", img)
	if err != nil {
		t.Fatal(err)
	}
	if f.Format != arch.FormatELF || f.Arch != arch.X86_64 || f.Type != arch.ObjectRelocatable {
		t.Fatalf("parsed as %v/%v/%v", f.Format, f.Arch, f.Type)
	}

	var text, data, bss *Section
	for i := range f.Sections {
		switch f.Sections[i].Name {
		case ".text":
			text = &f.Sections[i]
		case ".data":
			data = &f.Sections[i]
		case ".bss":
			bss = &f.Sections[i]
		}
	}
	if text == nil || text.Kind != SectText || len(text.Data) != 2 {
		t.Fatalf("text section = %+v", text)
	}
	if data == nil || data.Kind != SectData {
		t.Fatalf("data section = %+v", data)
	}
	if bss == nil || bss.Kind != SectBss || bss.Size != 32 {
		t.Fatalf("bss section = %+v", bss)
	}

	if len(text.Relocs) != 1 {
		t.Fatalf("text relocs = %d, want 1", len(text.Relocs))
	}
	r := text.Relocs[0]
	if r.Sym != "ext_fn" || !r.Extern || r.Off != 1 || r.Addend != -4 || !r.HasAddend {
		t.Errorf("reloc = %+v", r)
	}

	syms := map[string]Symbol{}
	for _, s := range f.Symbols {
		syms[s.Name] = s
	}
	if s := syms["main"]; !s.Defined || s.Kind != SymFunc || s.Sect != text.Index {
		t.Errorf("main = %+v", s)
	}
	if s := syms["counter"]; !s.Defined || s.Kind != SymData || s.Sect != data.Index {
		t.Errorf("counter = %+v", s)
	}
	if s := syms["ext_fn"]; s.Defined || s.Common {
		t.Errorf("ext_fn = %+v", s)
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	// 32-bit ELF header.
	head := make([]byte, 64)
	copy(head, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	head[16] = 1
	if _, err := Parse("bad.o", head); err == nil {
		t.Error("32-bit ELF accepted")
	}
}
