// Package arena manages the synthetic address space shared by analyzed
// objects and loaded modules. Every buffer that can be the target of a
// resolved symbol or relocation is registered as a region, so a virtual
// address always carries provenance back to its owning buffer.
package arena

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNoRegion = errors.New("arena: address not mapped")

// Base of the synthetic address space. Chosen well above zero so that
// small integers never alias a mapped region.
const baseVA = 0x5000_0000_0000

const regionAlign = 0x10000

// Region is one mapped buffer.
type Region struct {
	Base  uint64
	Size  uint64
	Buf   []byte
	Owner string // module or object that registered the region
}

// Contains reports whether va falls inside the region.
func (r *Region) Contains(va uint64) bool {
	return va >= r.Base && va < r.Base+r.Size
}

// Slice returns the n bytes at va within the region.
func (r *Region) Slice(va uint64, n int) ([]byte, error) {
	if !r.Contains(va) || va+uint64(n) > r.Base+r.Size {
		return nil, fmt.Errorf("arena: [0x%x,+%d) outside region %s", va, n, r.Owner)
	}
	off := va - r.Base
	return r.Buf[off : off+uint64(n)], nil
}

// Arena allocates region bases monotonically and answers reverse lookups.
type Arena struct {
	mu      sync.Mutex
	next    uint64
	regions []*Region // sorted by Base
}

func New() *Arena {
	return &Arena{next: baseVA}
}

// Map registers buf as a new region and returns it. The base is unique
// for the lifetime of the arena; regions are never unmapped.
func (a *Arena) Map(buf []byte, owner string) *Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := uint64(len(buf))
	if size == 0 {
		size = 1 // zero-size regions would break reverse lookup ordering
	}
	r := &Region{Base: a.next, Size: size, Buf: buf, Owner: owner}
	a.next += (size + regionAlign - 1) &^ (regionAlign - 1)
	a.regions = append(a.regions, r)
	return r
}

// Find returns the region containing va.
func (a *Arena) Find(va uint64) (*Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Regions are appended in base order, so binary search applies.
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].Base > va
	})
	if i == 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrNoRegion, va)
	}
	r := a.regions[i-1]
	if !r.Contains(va) {
		return nil, fmt.Errorf("%w: 0x%x", ErrNoRegion, va)
	}
	return r, nil
}

// Slice resolves va to the underlying bytes across all regions.
func (a *Arena) Slice(va uint64, n int) ([]byte, error) {
	r, err := a.Find(va)
	if err != nil {
		return nil, err
	}
	return r.Slice(va, n)
}
