// Package loader tracks every module an execution can reach: analyzed
// interpretable objects, native libraries, and the simulated globals the
// runtime seeds. Symbol resolution is layered; results are cached, and a
// name nothing provides resolves to a poison address that aborts
// execution when reached.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"objrun/internal/arch"
	"objrun/internal/arena"
	"objrun/internal/binfmt"
	"objrun/internal/iobj"
	"objrun/internal/object"
	"objrun/internal/repo"
	"objrun/internal/xlog"
)

var (
	ErrNoModule  = errors.New("loader: module not found")
	ErrNoAddress = errors.New("loader: address not owned by any module")
)

// NativeInfo describes one module of the surrounding process, supplied
// by the enumerator hook.
type NativeInfo struct {
	Name string
	Path string
	Base uint64
	Size uint64
}

// Bundle configures the eagerly loaded auxiliary library set. The first
// lookup of a name containing Trigger loads every shared library under
// Dir; members matching a Deferred substring load in a second pass.
type Bundle struct {
	Trigger  string
	Dir      string
	Deferred []string
}

// Config supplies loader construction parameters.
type Config struct {
	Arena *arena.Arena
	Repo  *repo.Index
	// Globals seeds simulated process globals: each entry becomes an
	// 8-byte cell holding the given value, resolved by direct reference.
	Globals map[string]uint64
	Bundle  *Bundle
	// Enumerate lists the surrounding process's native modules for
	// reverse lookup. Nil means only explicitly loaded modules exist.
	Enumerate func() []NativeInfo
}

type nativeModule struct {
	name    string
	path    string
	base    uint64
	size    uint64
	exports map[string]uint64 // name -> absolute address
}

type cacheSlot struct {
	value  uint64 // resolved symbol address
	slotVA uint64 // address of the cache cell itself
}

// Loader is the process-wide module registry.
type Loader struct {
	mu    sync.Mutex
	arena *arena.Arena
	repo  *repo.Index
	cfg   Config

	objects  []*object.Object
	objByKey map[string]*object.Object // by base name and by path

	natives  []*nativeModule
	natByKey map[string]*nativeModule

	baseIndex  []*nativeModule // sorted by base
	indexFresh bool

	cache     map[string]*cacheSlot
	slotBuf   []byte
	slotBase  uint64
	slotNext  int
	simulated map[string]uint64 // name -> cell VA

	poisonVA     uint64
	bundleLoaded bool

	analyzed []*object.Object // objects needing a cache artifact on exit
}

// New constructs a loader and seeds the simulated globals.
func New(cfg Config) *Loader {
	ar := cfg.Arena
	if ar == nil {
		ar = arena.New()
	}
	rp := cfg.Repo
	if rp == nil {
		rp = repo.New("")
	}
	l := &Loader{
		arena:    ar,
		repo:     rp,
		cfg:      cfg,
		objByKey: make(map[string]*object.Object),
		natByKey: make(map[string]*nativeModule),
		cache:    make(map[string]*cacheSlot),
	}

	poison := ar.Map(make([]byte, 1), "loader:poison")
	l.poisonVA = poison.Base

	globals := map[string]uint64{"__dso_handle": 0}
	for k, v := range cfg.Globals {
		globals[k] = v
	}
	names := make([]string, 0, len(globals))
	for k := range globals {
		names = append(names, k)
	}
	sort.Strings(names)
	cells := ar.Map(make([]byte, 8*len(names)), "loader:globals")
	l.simulated = make(map[string]uint64, len(names))
	for i, name := range names {
		va := cells.Base + uint64(i*8)
		binary.LittleEndian.PutUint64(cells.Buf[i*8:], globals[name])
		l.simulated[name] = va
	}
	// __dso_handle conventionally points at itself.
	if va, ok := l.simulated["__dso_handle"]; ok {
		binary.LittleEndian.PutUint64(cells.Buf[(va-cells.Base):], va)
	}
	return l
}

// Arena exposes the loader's address space.
func (l *Loader) Arena() *arena.Arena { return l.arena }

// PoisonVA returns the abort address unresolved symbols resolve to.
func (l *Loader) PoisonVA() uint64 { return l.poisonVA }

// LoadObject loads an interpretable object, consulting the cache
// artifact next to the source first. A stale or mismatched artifact
// falls back to full analysis.
func (l *Loader) LoadObject(path string) (*object.Object, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadObjectLocked(path)
}

func (l *Loader) loadObjectLocked(path string) (*object.Object, error) {
	if o, ok := l.objByKey[path]; ok {
		return o, nil
	}
	cfg := object.Config{Arena: l.arena, Resolver: (*lockedResolver)(l)}

	if strings.HasSuffix(path, ".io") {
		o, err := iobj.Read(path, cfg, l.ensureLocked)
		if err != nil {
			return nil, err
		}
		l.registerObjectLocked(o)
		return o, nil
	}

	cachePath := iobj.CachePath(path)
	if a := probeArch(path); a != arch.ArchUnsupported && iobj.Valid(cachePath, a) {
		o, err := iobj.Read(cachePath, cfg, l.ensureLocked)
		if err == nil {
			l.registerObjectLocked(o)
			return o, nil
		}
		xlog.Runtimef("loader: cache %s unusable, reanalyzing: %v", cachePath, err)
	}

	o, err := object.Load(path, cfg)
	if err != nil {
		return nil, err
	}
	l.registerObjectLocked(o)
	l.analyzed = append(l.analyzed, o)
	return o, nil
}

func probeArch(path string) arch.Arch {
	bf, err := binfmt.Open(path)
	if err != nil {
		return arch.ArchUnsupported
	}
	return bf.Arch
}

func (l *Loader) registerObjectLocked(o *object.Object) {
	l.objects = append(l.objects, o)
	l.objByKey[o.Path] = o
	l.objByKey[filepath.Base(o.Path)] = o
}

// LoadNative registers a native library: its image is mapped into the
// arena and its export table parsed for resolution.
func (l *Loader) LoadNative(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.loadNativeLocked(path)
	return err
}

func (l *Loader) loadNativeLocked(path string) (*nativeModule, error) {
	name := filepath.Base(path)
	if m, ok := l.natByKey[name]; ok {
		return m, nil
	}
	bf, err := binfmt.Open(path)
	if err != nil {
		return nil, err
	}
	if bf.Type == arch.ObjectRelocatable {
		return nil, fmt.Errorf("loader: %s: relocatable, load as object", path)
	}
	r := l.arena.Map(bf.Raw, name)
	m := &nativeModule{
		name:    name,
		path:    path,
		base:    r.Base,
		size:    r.Size,
		exports: make(map[string]uint64, len(bf.Exports)),
	}
	for i := range bf.Exports {
		e := &bf.Exports[i]
		m.exports[strings.TrimPrefix(e.Name, "__imp_")] = r.Base + e.Value
	}
	l.natives = append(l.natives, m)
	l.natByKey[name] = m
	l.indexFresh = false
	xlog.Developf("loader: native %s at 0x%x (%d exports)", name, m.base, len(m.exports))
	return m, nil
}

// ensureLocked guarantees a module referenced by a cache artifact is
// present, loading it from the repository if needed.
func (l *Loader) ensureLocked(name string) error {
	if _, ok := l.natByKey[name]; ok {
		return nil
	}
	if _, ok := l.objByKey[name]; ok {
		return nil
	}
	dir := filepath.Join(l.repo.Root(), name)
	if st, err := os.Stat(dir); err == nil && st.IsDir() {
		var found string
		filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || found != "" {
				return err
			}
			if filepath.Base(p) == repo.IndexFile {
				return nil
			}
			var head [18]byte
			if f, err := os.Open(p); err == nil {
				f.Read(head[:])
				f.Close()
			}
			if binfmt.Detect(head[:]).Format != arch.FormatUnknown {
				found = p
			}
			return nil
		})
		if found != "" {
			return l.loadAnyLocked(found)
		}
	}
	return fmt.Errorf("%w: %s", ErrNoModule, name)
}

func (l *Loader) loadAnyLocked(path string) error {
	var head [18]byte
	if f, err := os.Open(path); err == nil {
		f.Read(head[:])
		f.Close()
	}
	v := binfmt.Detect(head[:])
	if v.Type == arch.ObjectRelocatable || v.Format == arch.FormatIObj {
		_, err := l.loadObjectLocked(path)
		return err
	}
	_, err := l.loadNativeLocked(path)
	return err
}

// CacheAndClean writes cache artifacts for freshly analyzed objects.
// Artifacts are only worth writing after a clean run, so a nonzero exit
// code skips them.
func (l *Loader) CacheAndClean(exitCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exitCode != 0 {
		return
	}
	for _, o := range l.analyzed {
		path := iobj.CachePath(o.Path)
		if iobj.Valid(path, o.Arch) {
			continue
		}
		if err := iobj.Write(path, o, func(va uint64) (string, bool) {
			m, err := l.findLocked(va, false)
			if err != nil {
				return "", false
			}
			return m, true
		}); err != nil {
			xlog.Runtimef("loader: cache %s: %v", path, err)
		}
	}
	l.analyzed = nil
}
