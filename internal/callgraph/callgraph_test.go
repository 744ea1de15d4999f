package callgraph

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/lattice/render"

	"objrun/internal/arena"
	"objrun/internal/object"
	"objrun/internal/testobj"
)

type fixedResolver map[string]uint64

func (r fixedResolver) Resolve(name string, wantData bool) (uint64, error) {
	return r[name], nil
}

// graphFixture has main calling helper twice and ext_fn once:
//
//	main:   call helper; call ext_fn; call helper; ret
//	helper: ret
func graphFixture(t *testing.T) *object.Object {
	t.Helper()
	img := testobj.Build(testobj.Spec{
		Text: []byte{
			0xE8, 0x00, 0x00, 0x00, 0x00, // call helper
			0xE8, 0x00, 0x00, 0x00, 0x00, // call ext_fn
			0xE8, 0x00, 0x00, 0x00, 0x00, // call helper
			0xC3, // ret
			0xC3, // helper: ret
		},
		Syms: []testobj.Sym{
			{Name: "main", Sect: ".text", Func: true, Global: true, Size: 16},
			{Name: "helper", Sect: ".text", Value: 16, Func: true, Global: true, Size: 1},
			{Name: "ext_fn", Global: true},
		},
		TextRels: []testobj.Rel{
			{Off: 1, Type: uint32(elf.R_X86_64_PLT32), Sym: "helper", Addend: -4},
			{Off: 6, Type: uint32(elf.R_X86_64_PLT32), Sym: "ext_fn", Addend: -4},
			{Off: 11, Type: uint32(elf.R_X86_64_PLT32), Sym: "helper", Addend: -4},
		},
	})
	path := filepath.Join(t.TempDir(), "graph.o")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}
	o, err := object.Load(path, object.Config{
		Arena:    arena.New(),
		Resolver: fixedResolver{"ext_fn": 0x7777_0000},
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestBuildEdges(t *testing.T) {
	o := graphFixture(t)
	g := Build([]*object.Object{o})

	nodes := map[string]bool{}
	for _, n := range g.Nodes {
		nodes[n] = true
	}
	if !nodes["main"] || !nodes["helper"] {
		t.Errorf("nodes = %v", g.Nodes)
	}

	edges := map[[2]string]int{}
	for _, e := range g.Edges {
		edges[[2]string{e.Caller, e.Callee}]++
	}
	if edges[[2]string{"main", "ext_fn"}] != 1 {
		t.Errorf("edges = %v, want main -> ext_fn once", g.Edges)
	}
	// Two call sites, one edge after dedup. Both sites share one
	// relocation record since they hit the same target.
	if edges[[2]string{"main", "helper"}] != 1 {
		t.Errorf("edges = %v, want main -> helper once", g.Edges)
	}
	if len(edges) != 2 {
		t.Errorf("unexpected extra edges: %v", g.Edges)
	}
}

func TestDOT(t *testing.T) {
	o := graphFixture(t)
	out := render.DOT(Build([]*object.Object{o}), "graph.o")

	if out == "" {
		t.Fatal("empty DOT output")
	}
	for _, want := range []string{"main", "helper", "ext_fn"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
