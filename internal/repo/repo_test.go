package repo

import (
	"os"
	"path/filepath"
	"testing"

	"objrun/internal/testobj"
)

func TestHashStripsImportPrefix(t *testing.T) {
	if Hash("puts") != Hash("__imp_puts") {
		t.Error("import thunk name hashes differently from its target")
	}
	if Hash("puts") == Hash("printf") {
		t.Error("distinct names collided")
	}
}

func writeModule(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	img := testobj.Build(testobj.Spec{
		Text: []byte{0xC3},
		Data: make([]byte, 8),
		Syms: []testobj.Sym{
			{Name: name + "_init", Sect: ".text", Func: true, Global: true, Size: 1},
			{Name: name + "_state", Sect: ".data", Global: true, Size: 8},
			{Name: "missing_dep", Global: true}, // undefined, must not be indexed
		},
	})
	lib := filepath.Join(dir, name+".o")
	if err := os.WriteFile(lib, img, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestBuildAndFind(t *testing.T) {
	root := t.TempDir()
	alpha := writeModule(t, root, "alpha")
	beta := writeModule(t, root, "beta")
	if err := Build(alpha); err != nil {
		t.Fatal(err)
	}
	if err := Build(beta); err != nil {
		t.Fatal(err)
	}

	x := New(root)
	if got := x.Find("alpha_init"); got != filepath.Join(alpha, "alpha.o") {
		t.Errorf("Find(alpha_init) = %q", got)
	}
	if got := x.Find("beta_state"); got != filepath.Join(beta, "beta.o") {
		t.Errorf("Find(beta_state) = %q", got)
	}
	if got := x.Find("missing_dep"); got != "" {
		t.Errorf("undefined symbol found in %q", got)
	}
	if got := x.Find("no_such_symbol"); got != "" {
		t.Errorf("unknown symbol found in %q", got)
	}

	mods := x.Modules()
	if len(mods) != 2 {
		t.Fatalf("modules = %v", mods)
	}
}

func TestBuildReplacesIndex(t *testing.T) {
	root := t.TempDir()
	dir := writeModule(t, root, "gamma")
	if err := Build(dir); err != nil {
		t.Fatal(err)
	}
	// Rebuild over the existing index; the index file itself is skipped
	// during the walk and the result stays identical.
	if err := Build(dir); err != nil {
		t.Fatal(err)
	}
	x := New(root)
	if got := x.Find("gamma_init"); got == "" {
		t.Error("symbol lost after rebuild")
	}
}

func TestMissingRepositoryIsEmpty(t *testing.T) {
	x := New(filepath.Join(t.TempDir(), "nonexistent"))
	if got := x.Find("anything"); got != "" {
		t.Errorf("Find on missing repo = %q", got)
	}
	if mods := x.Modules(); len(mods) != 0 {
		t.Errorf("modules on missing repo = %v", mods)
	}
}
