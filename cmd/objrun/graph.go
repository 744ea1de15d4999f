package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/lattice/render"

	"objrun/internal/callgraph"
	"objrun/internal/xlog"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	objPath := fs.String("obj", "", "object file")
	out := fs.String("out", "", "output file (default stdout)")
	cfg := fs.Bool("cfg", false, "emit per-function control flow graphs instead of the call graph")
	repoRoot := fs.String("repo", "", "repository root")
	dev := fs.Bool("dev", false, "develop-level diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *objPath == "" {
		return fmt.Errorf("graph: --obj is required")
	}
	xlog.SetDevelop(*dev)

	ld := newLoader(*repoRoot)
	o, err := ld.LoadObject(*objPath)
	if err != nil {
		return err
	}
	title := filepath.Base(o.Path)

	var dot string
	if *cfg {
		dot = render.DOTCFG(callgraph.BuildCFG(ld.Objects()), title)
	} else {
		dot = render.DOT(callgraph.Build(ld.Objects()), title)
	}
	if *out == "" {
		fmt.Print(dot)
		return nil
	}
	if err := os.WriteFile(*out, []byte(dot), 0o644); err != nil {
		return fmt.Errorf("graph: write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "wrote %s for %s\n", *out, o.Path)
	return nil
}
