package main

import (
	"flag"
	"fmt"

	"objrun/internal/repo"
	"objrun/internal/xlog"
)

func cmdHashgen(args []string) error {
	fs := flag.NewFlagSet("hashgen", flag.ExitOnError)
	dir := fs.String("dir", "", "installed module directory")
	dev := fs.Bool("dev", false, "develop-level diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("hashgen: --dir is required")
	}
	xlog.SetDevelop(*dev)
	return repo.Build(*dir)
}
