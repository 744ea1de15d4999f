package main

import (
	"flag"
	"fmt"

	"objrun/internal/iobj"
	"objrun/internal/xlog"
)

func cmdCache(args []string) error {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	objPath := fs.String("obj", "", "object file or cache artifact")
	write := fs.Bool("write", false, "analyze and write the cache artifact")
	repoRoot := fs.String("repo", "", "repository root")
	dev := fs.Bool("dev", false, "develop-level diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *objPath == "" {
		return fmt.Errorf("cache: --obj is required")
	}
	xlog.SetDevelop(*dev)

	if *write {
		ld := newLoader(*repoRoot)
		o, err := ld.LoadObject(*objPath)
		if err != nil {
			return err
		}
		if o.FromCache {
			fmt.Printf("cache: %s is already current\n", iobj.CachePath(*objPath))
			return nil
		}
		ld.CacheAndClean(0)
		fmt.Printf("cache: wrote %s\n", iobj.CachePath(*objPath))
		return nil
	}

	path := *objPath
	art, err := iobj.Load(path)
	if err != nil {
		// Maybe the source was given; try its sibling artifact.
		art, err = iobj.Load(iobj.CachePath(path))
		if err != nil {
			return err
		}
		path = iobj.CachePath(path)
	}
	fmt.Printf("artifact: %s\n", path)
	fmt.Printf("source:   %s\n", art.Source)
	fmt.Printf("target:   %s/%s\n", art.Format, art.Arch)
	var recs int
	for _, t := range art.Texts {
		recs += len(t)
	}
	fmt.Printf("insns:    %d records in %d text sections\n", recs, len(art.Texts))
	fmt.Printf("metadata: %d operand patterns\n", len(art.Meta))
	for _, mod := range art.Order {
		fmt.Printf("refs:     %-24s %d symbols\n", mod, len(art.Refs[mod]))
	}
	fmt.Printf("object:   %d bytes embedded\n", len(art.Raw))
	return nil
}
