package iobj

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"objrun/internal/arch"
	"objrun/internal/arena"
	"objrun/internal/object"
	"objrun/internal/reloc"
	"objrun/internal/testobj"
)

type fixedResolver map[string]uint64

func (r fixedResolver) Resolve(name string, wantData bool) (uint64, error) {
	return r[name], nil
}

const extAddr = 0x7777_0000

func fixture(t *testing.T) string {
	t.Helper()
	img := testobj.Build(testobj.Spec{
		Text: []byte{
			0x55,                         // push rbp
			0xE8, 0x00, 0x00, 0x00, 0x00, // call ext_fn
			0xE8, 0x00, 0x00, 0x00, 0x00, // call helper
			0x5D, // pop rbp
			0xC3, // ret
			0xC3, // helper: ret
		},
		Data: make([]byte, 16),
		Syms: []testobj.Sym{
			{Name: "main", Sect: ".text", Func: true, Global: true, Size: 13},
			{Name: "helper", Sect: ".text", Value: 13, Func: true, Global: true, Size: 1},
			{Name: "handler_ptr", Sect: ".data", Value: 8, Global: true, Size: 8},
			{Name: "ext_fn", Global: true},
		},
		TextRels: []testobj.Rel{
			{Off: 2, Type: uint32(elf.R_X86_64_PLT32), Sym: "ext_fn", Addend: -4},
			{Off: 7, Type: uint32(elf.R_X86_64_PLT32), Sym: "helper", Addend: -4},
		},
		DataRels: []testobj.Rel{
			{Off: 8, Type: uint32(elf.R_X86_64_64), Sym: "main"},
		},
	})
	path := filepath.Join(t.TempDir(), "fixture.o")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCachePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/tmp/demo.o", "/tmp/demo.io"},
		{"/tmp/demo.obj", "/tmp/demo.io"},
		{"demo.cc", "demo.io"},
		{"noext", "noext.io"},
	}
	for _, tc := range tests {
		if got := CachePath(tc.in); got != tc.want {
			t.Errorf("CachePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	src := fixture(t)
	o, err := object.Load(src, object.Config{
		Arena:    arena.New(),
		Resolver: fixedResolver{"ext_fn": extAddr},
	})
	if err != nil {
		t.Fatal(err)
	}

	cache := CachePath(src)
	moduleOf := func(va uint64) (string, bool) {
		if va == extAddr {
			return "libext", true
		}
		return "", false
	}
	if err := Write(cache, o, moduleOf); err != nil {
		t.Fatal(err)
	}

	if !Valid(cache, arch.X86_64) {
		t.Error("fresh artifact reported invalid")
	}
	if Valid(cache, arch.AArch64) {
		t.Error("artifact valid for the wrong architecture")
	}

	art, err := Load(cache)
	if err != nil {
		t.Fatal(err)
	}
	if art.Arch != arch.X86_64 || art.Format != arch.FormatELF || art.Source != src {
		t.Errorf("header = %v/%v/%q", art.Arch, art.Format, art.Source)
	}

	want := o.Texts[0].Insns
	got, ok := art.Texts[o.Texts[0].FRVA]
	if !ok || len(got) != len(want) {
		t.Fatalf("cached records = %d, want %d", len(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if g.RVA != w.RVA || g.Len != w.Len || g.Type != w.Type || g.SegOverride != w.SegOverride {
			t.Errorf("record %d: got %+v, want %+v", i, g, w)
		}
	}
	if len(art.Meta) != len(o.Meta) {
		t.Errorf("metadata entries = %d, want %d", len(art.Meta), len(o.Meta))
	}

	ext := art.Refs["libext"]
	if len(ext) != 1 || ext[0].Symbol != "ext_fn" || ext[0].Kind != reloc.Func {
		t.Errorf("libext refs = %+v", ext)
	}
	// The call to the local helper is the one table record with an
	// intra-object target, carried with its stable RVA.
	self := art.Refs[SelfModule]
	if len(self) != 1 || self[0].Symbol != "helper" || self[0].RVA != 13 {
		t.Errorf("self refs = %+v", self)
	}
	if len(art.Raw) == 0 {
		t.Error("embedded object missing")
	}
}

func TestReadRebuildsObject(t *testing.T) {
	src := fixture(t)
	o, err := object.Load(src, object.Config{
		Arena:    arena.New(),
		Resolver: fixedResolver{"ext_fn": extAddr},
	})
	if err != nil {
		t.Fatal(err)
	}
	cache := CachePath(src)
	moduleOf := func(va uint64) (string, bool) { return "libext", va == extAddr }
	if err := Write(cache, o, moduleOf); err != nil {
		t.Fatal(err)
	}

	var ensured []string
	ensure := func(mod string) error {
		ensured = append(ensured, mod)
		return nil
	}
	o2, err := Read(cache, object.Config{
		Arena:    arena.New(),
		Resolver: fixedResolver{"ext_fn": extAddr},
	}, ensure)
	if err != nil {
		t.Fatal(err)
	}

	if !o2.FromCache {
		t.Error("rebuilt object not marked as cached")
	}
	if len(ensured) != 1 || ensured[0] != "libext" {
		t.Errorf("ensured modules = %v, want [libext]", ensured)
	}

	if len(o2.Texts) != 1 || len(o2.Texts[0].Insns) != len(o.Texts[0].Insns) {
		t.Fatal("instruction records lost across the cache")
	}
	for i, w := range o.Texts[0].Insns {
		g := o2.Texts[0].Insns[i]
		if g.RVA != w.RVA || g.Len != w.Len || g.Type != w.Type {
			t.Errorf("record %d: got %+v, want %+v", i, g, w)
		}
	}
	// Relocation re-ran against the fresh resolver.
	if g := o2.Texts[0].Insns[1]; g.RelocIndex < 0 {
		t.Error("call site lost its relocation on reload")
	}
	if _, ok := o2.FuncSyms["main"]; !ok {
		t.Error("function view missing after rebuild")
	}
}

func TestLoadRejectsDamage(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.io")
	os.WriteFile(bad, []byte("not an artifact at all"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("garbage accepted")
	}

	short := filepath.Join(dir, "short.io")
	os.WriteFile(short, append(magic[:], 1, 0, 0, 0), 0o644)
	if _, err := Load(short); err == nil {
		t.Error("truncated artifact accepted")
	}
}
