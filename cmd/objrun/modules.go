package main

import (
	"flag"
	"fmt"

	"objrun/internal/repo"
)

func repoIndex(root string) *repo.Index {
	return repo.New(root)
}

func cmdModules(args []string) error {
	fs := flag.NewFlagSet("modules", flag.ExitOnError)
	root := fs.String("repo", "", "repository root")
	if err := fs.Parse(args); err != nil {
		return err
	}
	idx := repoIndex(*root)
	mods := idx.Modules()
	if len(mods) == 0 {
		fmt.Printf("no modules installed under %s\n", idx.Root())
		return nil
	}
	for _, m := range mods {
		fmt.Println(m)
	}
	return nil
}
