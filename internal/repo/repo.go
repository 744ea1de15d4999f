// Package repo manages the installed module repository and its symbol
// hash index. Each installed module directory carries a symbol.hash
// file: per library, a sorted array of 32-bit name hashes. The loader
// consults the index to discover which library defines a symbol nothing
// loaded so far provides.
package repo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"objrun/internal/binfmt"
	"objrun/internal/xlog"
)

var (
	ErrBadIndex = errors.New("repo: malformed symbol.hash")
)

// IndexFile is the per-module index file name.
const IndexFile = "symbol.hash"

const indexVersion = 1

var indexMagic = [4]byte{'s', 'y', 'h', 'x'}

const importPrefix = "__imp_"

// Hash computes the index hash of a symbol name. Import thunk prefixes
// are stripped so that COFF import names and their targets collide.
func Hash(name string) uint32 {
	name = strings.TrimPrefix(name, importPrefix)
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

// DefaultRoot returns the default repository location.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".objrun"
	}
	return filepath.Join(home, ".objrun")
}

type libIndex struct {
	path   string // absolute library path
	hashes []uint32
}

type moduleIndex struct {
	name string
	libs []libIndex
}

// Index is the lazily loaded repository index.
type Index struct {
	root string

	mu     sync.Mutex
	loaded bool
	mods   []moduleIndex
}

func New(root string) *Index {
	if root == "" {
		root = DefaultRoot()
	}
	return &Index{root: root}
}

// Root returns the repository directory.
func (x *Index) Root() string { return x.root }

// Find returns the library path defining symbol, or "" when no installed
// module claims it. The index loads on first use.
func (x *Index) Find(symbol string) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.loaded {
		x.loadLocked()
	}
	h := Hash(symbol)
	for mi := range x.mods {
		for li := range x.mods[mi].libs {
			lib := &x.mods[mi].libs[li]
			i := sort.Search(len(lib.hashes), func(i int) bool {
				return lib.hashes[i] >= h
			})
			if i < len(lib.hashes) && lib.hashes[i] == h {
				return lib.path
			}
		}
	}
	return ""
}

// Modules lists the installed module names.
func (x *Index) Modules() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.loaded {
		x.loadLocked()
	}
	names := make([]string, 0, len(x.mods))
	for i := range x.mods {
		names = append(names, x.mods[i].name)
	}
	return names
}

func (x *Index) loadLocked() {
	x.loaded = true
	entries, err := os.ReadDir(x.root)
	if err != nil {
		xlog.Developf("repo: no repository at %s", x.root)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(x.root, e.Name())
		mod, err := readIndex(dir)
		if err != nil {
			xlog.Runtimef("repo: %s: %v", dir, err)
			continue
		}
		if mod != nil {
			mod.name = e.Name()
			x.mods = append(x.mods, *mod)
		}
	}
	xlog.Developf("repo: loaded %d module indexes from %s", len(x.mods), x.root)
}

func readIndex(dir string) (*moduleIndex, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) < 12 || !bytes.Equal(data[:4], indexMagic[:]) {
		return nil, ErrBadIndex
	}
	if binary.LittleEndian.Uint32(data[4:]) != indexVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadIndex, binary.LittleEndian.Uint32(data[4:]))
	}
	mod := &moduleIndex{}
	off := 8
	libCount := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	for i := 0; i < libCount; i++ {
		if off+4 > len(data) {
			return nil, ErrBadIndex
		}
		nameLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+nameLen+4 > len(data) {
			return nil, ErrBadIndex
		}
		rel := string(data[off : off+nameLen])
		off += nameLen
		count := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+count*4 > len(data) {
			return nil, ErrBadIndex
		}
		hashes := make([]uint32, count)
		for j := 0; j < count; j++ {
			hashes[j] = binary.LittleEndian.Uint32(data[off+j*4:])
		}
		off += count * 4
		mod.libs = append(mod.libs, libIndex{
			path:   filepath.Join(dir, rel),
			hashes: hashes,
		})
	}
	return mod, nil
}

// Build walks a module directory, collects the defined or exported
// symbols of every object and shared library in it, and writes the
// symbol.hash index. Existing indexes are replaced.
func Build(dir string) error {
	var libs []libIndex
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		bf, err := binfmt.Open(path)
		if err != nil {
			// Not every file in a module is an object.
			return nil
		}
		names := exportedNames(bf)
		if len(names) == 0 {
			return nil
		}
		hashes := make([]uint32, 0, len(names))
		for _, n := range names {
			hashes = append(hashes, Hash(n))
		}
		sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		libs = append(libs, libIndex{path: rel, hashes: hashes})
		xlog.Developf("repo: indexed %s (%d symbols)", rel, len(hashes))
		return nil
	})
	if err != nil {
		return fmt.Errorf("repo: walk %s: %w", dir, err)
	}

	var b bytes.Buffer
	b.Write(indexMagic[:])
	putU32(&b, indexVersion)
	putU32(&b, uint32(len(libs)))
	for _, lib := range libs {
		putU32(&b, uint32(len(lib.path)))
		b.WriteString(lib.path)
		putU32(&b, uint32(len(lib.hashes)))
		for _, h := range lib.hashes {
			putU32(&b, h)
		}
	}
	out := filepath.Join(dir, IndexFile)
	if err := os.WriteFile(out, b.Bytes(), 0o644); err != nil {
		return fmt.Errorf("repo: write index: %w", err)
	}
	xlog.Runtimef("repo: wrote %s (%d libraries)", out, len(libs))
	return nil
}

func exportedNames(bf *binfmt.File) []string {
	var names []string
	if len(bf.Exports) > 0 {
		for i := range bf.Exports {
			if bf.Exports[i].Name != "" {
				names = append(names, bf.Exports[i].Name)
			}
		}
		return names
	}
	for i := range bf.Symbols {
		s := &bf.Symbols[i]
		if (s.Defined || s.Common) && s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}
