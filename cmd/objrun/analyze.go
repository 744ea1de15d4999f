package main

import (
	"flag"
	"fmt"
	"sort"

	"objrun/internal/arch"
	"objrun/internal/loader"
	"objrun/internal/object"
	"objrun/internal/xlog"
)

func cmdAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	objPath := fs.String("obj", "", "object file to analyze")
	repoRoot := fs.String("repo", "", "repository root")
	dev := fs.Bool("dev", false, "develop-level diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *objPath == "" {
		return fmt.Errorf("analyze: --obj is required")
	}
	xlog.SetDevelop(*dev)

	ld := newLoader(*repoRoot)
	o, err := ld.LoadObject(*objPath)
	if err != nil {
		return err
	}
	report(o)
	return nil
}

func newLoader(repoRoot string) *loader.Loader {
	return loader.New(loader.Config{Repo: repoIndex(repoRoot)})
}

func report(o *object.Object) {
	fmt.Printf("object:  %s\n", o.Path)
	fmt.Printf("triple:  %s\n", o.Triple())
	fmt.Printf("format:  %s/%s\n", o.Format, o.Arch)
	if o.FromCache {
		fmt.Println("source:  cache artifact")
	}

	var insns, aborts, assisted int
	counts := make(map[arch.InsnType]int)
	for i := range o.Texts {
		for _, r := range o.Texts[i].Insns {
			insns++
			switch {
			case r.Type == arch.TypeAbort:
				aborts++
			case r.Type != arch.TypeHardware:
				assisted++
			}
			counts[r.Type]++
		}
	}
	fmt.Printf("text:    %d sections, %d instructions (%d assisted, %d abort)\n",
		len(o.Texts), insns, assisted, aborts)
	fmt.Printf("data:    %d sections, %d dynamic buffers\n", len(o.Datas), len(o.Dyns))
	fmt.Printf("symbols: %d functions, %d data\n", len(o.FuncSyms), len(o.DataSyms))
	fmt.Printf("relocs:  %d records, %d code-pointer stubs\n", len(o.Relocs.Records), len(o.Stubs))

	names := make([]string, 0, len(o.FuncSyms))
	for n := range o.FuncSyms {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Printf("  func %-40s 0x%x\n", n, o.FuncSyms[n])
	}
}
