// Package callgraph builds a call graph over analyzed objects. Nodes are
// the defined functions; a call-classified instruction whose relocation
// record names a function target becomes an edge.
package callgraph

import (
	"fmt"
	"sort"

	"github.com/zboralski/lattice"

	"objrun/internal/object"
	"objrun/internal/reloc"
)

type funcSpan struct {
	va   uint64
	name string
}

// Build constructs the deduplicated call graph of one or more objects.
func Build(objs []*object.Object) *lattice.Graph {
	g := &lattice.Graph{}
	for _, o := range objs {
		spans := funcSpans(o)
		for _, s := range spans {
			g.Nodes = append(g.Nodes, s.name)
		}
		for ti := range o.Texts {
			t := &o.Texts[ti]
			for _, rec := range t.Insns {
				if !rec.Type.IsCall() || rec.RelocIndex < 0 ||
					int(rec.RelocIndex) >= len(o.Relocs.Records) {
					continue
				}
				rr := &o.Relocs.Records[rec.RelocIndex]
				if rr.Kind != reloc.Func || rr.Name == "" {
					continue
				}
				caller := enclosing(spans, t.VA+uint64(rec.RVA))
				if caller == "" {
					caller = fmt.Sprintf("sub_%x", t.VA+uint64(rec.RVA))
				}
				g.Edges = append(g.Edges, lattice.Edge{Caller: caller, Callee: rr.Name})
			}
		}
	}
	g.Dedup()
	return g
}

// funcSpans returns the object's functions sorted by address, restricted
// to those inside a text section.
func funcSpans(o *object.Object) []funcSpan {
	spans := make([]funcSpan, 0, len(o.FuncSyms))
	for name, va := range o.FuncSyms {
		if o.Executable(va) {
			spans = append(spans, funcSpan{va: va, name: name})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].va < spans[j].va })
	return spans
}

// enclosing attributes an address to the nearest preceding function.
func enclosing(spans []funcSpan, va uint64) string {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].va > va })
	if i == 0 {
		return ""
	}
	return spans[i-1].name
}
