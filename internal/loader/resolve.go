package loader

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"objrun/internal/object"
	"objrun/internal/xlog"
)

const slotPage = 4096

// Resolve answers a process-wide symbol lookup. wantData asks for the
// address of a pointer slot holding the symbol address instead of the
// address itself; simulated globals are the exception and always resolve
// to their cell directly.
//
// Resolution is layered: the symbol cache, simulated globals, loaded
// interpretable objects in load order, native modules in load order,
// then the repository hash index for lazy loading. A name nothing
// provides resolves to the poison address, and that result is cached so
// the diagnostic fires once.
func (l *Loader) Resolve(name string, wantData bool) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolveLocked(name, wantData, nil)
}

// ResolveIn resolves a symbol preferring one object's own definitions
// before the process-wide layers.
func (l *Loader) ResolveIn(o *object.Object, name string, wantData bool) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolveLocked(name, wantData, o)
}

// lockedResolver adapts the loader for relocation processing, which runs
// while the loader lock is already held.
type lockedResolver Loader

func (r *lockedResolver) Resolve(name string, wantData bool) (uint64, error) {
	return (*Loader)(r).resolveLocked(name, wantData, nil)
}

func (l *Loader) resolveLocked(name string, wantData bool, local *object.Object) (uint64, error) {
	l.maybeLoadBundleLocked(name)

	if slot, ok := l.cache[name]; ok {
		return slotResult(slot, wantData), nil
	}
	if va, ok := l.simulated[name]; ok {
		return va, nil
	}
	if local != nil {
		if va, ok := local.Symbol(name); ok {
			return slotResult(l.putCacheLocked(name, va), wantData), nil
		}
	}
	if va, ok := l.lookupLoadedLocked(name); ok {
		return slotResult(l.putCacheLocked(name, va), wantData), nil
	}

	// Lazy discovery through the repository hash index.
	if lib := l.repo.Find(name); lib != "" {
		if err := l.loadAnyLocked(lib); err != nil {
			xlog.Runtimef("loader: hash index names %s for %s: %v", lib, name, err)
		} else if va, ok := l.lookupLoadedLocked(name); ok {
			return slotResult(l.putCacheLocked(name, va), wantData), nil
		}
	}

	xlog.Runtimef("loader: unresolvable symbol %q, poisoning; execution reaching it will abort", name)
	slot := l.putCacheLocked(name, l.poisonVA)
	return slotResult(slot, wantData), nil
}

func (l *Loader) lookupLoadedLocked(name string) (uint64, bool) {
	for _, o := range l.objects {
		if va, ok := o.Symbol(name); ok {
			return va, true
		}
	}
	for _, m := range l.natives {
		if va, ok := m.exports[name]; ok {
			return va, true
		}
	}
	return 0, false
}

func slotResult(s *cacheSlot, wantData bool) uint64 {
	if wantData {
		return s.slotVA
	}
	return s.value
}

// putCacheLocked allocates a pointer slot for a resolution result. The
// slot cell holds the address so data references can indirect through
// loader-owned memory.
func (l *Loader) putCacheLocked(name string, value uint64) *cacheSlot {
	if l.slotNext+8 > len(l.slotBuf) {
		buf := make([]byte, slotPage)
		r := l.arena.Map(buf, "loader:slots")
		l.slotBuf = buf
		l.slotBase = r.Base
		l.slotNext = 0
	}
	va := l.slotBase + uint64(l.slotNext)
	binary.LittleEndian.PutUint64(l.slotBuf[l.slotNext:], value)
	l.slotNext += 8
	s := &cacheSlot{value: value, slotVA: va}
	l.cache[name] = s
	return s
}

// maybeLoadBundleLocked loads the configured auxiliary library set the
// first time a triggering name is looked up. Deferred members load in a
// second pass so their dependencies are already present.
func (l *Loader) maybeLoadBundleLocked(name string) {
	b := l.cfg.Bundle
	if b == nil || l.bundleLoaded || b.Trigger == "" || !strings.Contains(name, b.Trigger) {
		return
	}
	l.bundleLoaded = true

	var deferred []string
	filepath.WalkDir(b.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		for _, suffix := range b.Deferred {
			if strings.Contains(filepath.Base(p), suffix) {
				deferred = append(deferred, p)
				return nil
			}
		}
		if err := l.loadAnyLocked(p); err != nil {
			xlog.Developf("loader: bundle %s: %v", p, err)
		}
		return nil
	})
	for _, p := range deferred {
		if err := l.loadAnyLocked(p); err != nil {
			xlog.Developf("loader: bundle deferred %s: %v", p, err)
		}
	}
	xlog.Developf("loader: bundle %s loaded (trigger %q)", b.Dir, b.Trigger)
}

// Find returns the name of the module owning addr. Interpretable objects
// are checked first; native modules are answered from the sorted base
// index, which refreshes from the process enumerator on first use or
// when refresh is set. The index answers with the module of greatest
// base not above addr: native module sizes as reported by enumerators
// are unreliable, so anything past the last base belongs to that module.
func (l *Loader) Find(addr uint64, refresh bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLocked(addr, refresh)
}

func (l *Loader) findLocked(addr uint64, refresh bool) (string, error) {
	for _, o := range l.objects {
		if o.Belong(addr) {
			return filepath.Base(o.Path), nil
		}
	}
	if refresh || !l.indexFresh {
		l.refreshIndexLocked()
	}
	i := sort.Search(len(l.baseIndex), func(i int) bool {
		return l.baseIndex[i].base > addr
	})
	if i > 0 {
		return l.baseIndex[i-1].name, nil
	}
	return "", fmt.Errorf("%w: 0x%x", ErrNoAddress, addr)
}

func (l *Loader) refreshIndexLocked() {
	l.indexFresh = true
	if l.cfg.Enumerate != nil {
		for _, info := range l.cfg.Enumerate() {
			if _, ok := l.natByKey[info.Name]; ok {
				continue
			}
			m := &nativeModule{
				name:    info.Name,
				path:    info.Path,
				base:    info.Base,
				size:    info.Size,
				exports: map[string]uint64{},
			}
			l.natives = append(l.natives, m)
			l.natByKey[info.Name] = m
		}
	}
	l.baseIndex = append(l.baseIndex[:0], l.natives...)
	sort.Slice(l.baseIndex, func(i, j int) bool {
		return l.baseIndex[i].base < l.baseIndex[j].base
	})
}

// Objects returns the loaded interpretable objects in load order.
func (l *Loader) Objects() []*object.Object {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*object.Object(nil), l.objects...)
}

// Natives lists the loaded native modules.
func (l *Loader) Natives() []NativeInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]NativeInfo, 0, len(l.natives))
	for _, m := range l.natives {
		out = append(out, NativeInfo{Name: m.name, Path: m.path, Base: m.base, Size: m.size})
	}
	return out
}
