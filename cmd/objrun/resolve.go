package main

import (
	"flag"
	"fmt"

	"objrun/internal/xlog"
)

func cmdResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	objPath := fs.String("obj", "", "object file")
	sym := fs.String("sym", "", "symbol name")
	data := fs.Bool("data", false, "resolve as a data reference")
	repoRoot := fs.String("repo", "", "repository root")
	dev := fs.Bool("dev", false, "develop-level diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sym == "" {
		return fmt.Errorf("resolve: --sym is required")
	}
	xlog.SetDevelop(*dev)

	ld := newLoader(*repoRoot)
	if *objPath != "" {
		if _, err := ld.LoadObject(*objPath); err != nil {
			return err
		}
	}
	va, err := ld.Resolve(*sym, *data)
	if err != nil {
		return err
	}
	if va == ld.PoisonVA() {
		return fmt.Errorf("resolve: %s: unresolvable (poisoned)", *sym)
	}
	mod, err := ld.Find(va, false)
	if err != nil {
		mod = "?"
	}
	fmt.Printf("%s = 0x%x (%s)\n", *sym, va, mod)
	return nil
}
