package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "analyze":
		err = cmdAnalyze(os.Args[2:])
	case "cache":
		err = cmdCache(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "resolve":
		err = cmdResolve(os.Args[2:])
	case "hashgen":
		err = cmdHashgen(os.Args[2:])
	case "modules":
		err = cmdModules(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `objrun — object analysis and symbol resolution

Usage:
  objrun analyze --obj <path>                 Analyze an object and print a report
  objrun cache   --obj <path> [--write]       Inspect or write the cache artifact
  objrun graph   --obj <path> [--out <file>]  Emit the call graph as DOT
                 [--cfg]                      Per-function control flow graphs
  objrun resolve --obj <path> --sym <name>    Resolve a symbol through the loader
  objrun hashgen --dir <path>                 Build a module's symbol.hash index
  objrun modules [--repo <dir>]               List installed repository modules

Flags:
  --obj <path>     Object file (.o, .obj) or cache artifact (.io)
  --sym <name>     Symbol name to resolve
  --data           Resolve as a data reference (pointer slot)
  --repo <dir>     Repository root (default ~/.objrun)
  --dev            Enable develop-level diagnostics
`)
}
