// Package object turns a relocatable file into an interpretable object:
// sections mapped into the address arena, text fully decoded and
// classified, relocations resolved, and symbol tables split into data
// and function views.
package object

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"objrun/internal/arch"
	"objrun/internal/arena"
	"objrun/internal/binfmt"
	"objrun/internal/insn"
	"objrun/internal/reloc"
	"objrun/internal/xlog"
)

var (
	ErrNotRelocatable = errors.New("object: not a relocatable file")
	ErrNoText         = errors.New("object: no text section")
	ErrNoEntry        = errors.New("object: no main entry")
)

// TextSection is one mapped, decoded code section. FRVA is the section's
// file offset relative to the first text section, so cached instruction
// addresses stay valid independent of load addresses.
type TextSection struct {
	Index int
	FRVA  uint32
	VA    uint64
	Buf   []byte
	Insns []insn.Record
}

// DataSection is one mapped initialized data section.
type DataSection struct {
	Index int
	Name  string
	VA    uint64
	Buf   []byte
}

// DynSection is a zero-filled buffer backing BSS or a common block.
type DynSection struct {
	Index int // owning section index, -1 for common blocks
	Name  string
	VA    uint64
	Buf   []byte
}

// Object is a fully analyzed relocatable.
type Object struct {
	Path   string
	Arch   arch.Arch
	Format arch.Format

	Texts []TextSection
	Datas []DataSection
	Dyns  []DynSection

	FuncSyms map[string]uint64
	DataSyms map[string]uint64

	Relocs *reloc.Table
	Stubs  []reloc.Stub
	Meta   map[string][]byte

	// FromCache is set when the object was rebuilt from a cache artifact
	// instead of full analysis.
	FromCache bool
}

// Config supplies the environment an object is analyzed in.
type Config struct {
	Arena    *arena.Arena
	Resolver reloc.Resolver

	// Decoded, when set, supplies previously decoded instruction records
	// for a text section (keyed by FRVA) instead of running the decoder.
	// Used when rebuilding an object from a cache artifact.
	Decoded func(frva uint32) ([]insn.Record, bool)
	// Metadata supplies cached operand metadata alongside Decoded.
	Metadata map[string][]byte
}

// Load runs the full analysis pipeline on a relocatable file.
func Load(path string, cfg Config) (*Object, error) {
	bf, err := binfmt.Open(path)
	if err != nil {
		return nil, err
	}
	return analyze(bf, cfg)
}

// Analyze runs the pipeline on an already parsed file.
func Analyze(bf *binfmt.File, cfg Config) (*Object, error) {
	return analyze(bf, cfg)
}

func analyze(bf *binfmt.File, cfg Config) (*Object, error) {
	if bf.Type != arch.ObjectRelocatable {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRelocatable, bf.Path, bf.Type)
	}

	o := &Object{
		Path:     bf.Path,
		Arch:     bf.Arch,
		Format:   bf.Format,
		FuncSyms: make(map[string]uint64),
		DataSyms: make(map[string]uint64),
		Relocs:   reloc.NewTable(),
		Meta:     make(map[string][]byte),
	}

	// Mapped base per original section index, for symbol and relocation
	// address computation.
	views := make([]reloc.Section, len(bf.Sections))

	textBase := uint64(0)
	haveText := false
	for i := range bf.Sections {
		s := &bf.Sections[i]
		switch s.Kind {
		case binfmt.SectText:
			buf := append([]byte(nil), s.Data...)
			r := cfg.Arena.Map(buf, bf.Path+s.Name)
			if !haveText {
				textBase = s.Offset
				haveText = true
			}
			o.Texts = append(o.Texts, TextSection{
				Index: i,
				FRVA:  uint32(s.Offset - textBase),
				VA:    r.Base,
				Buf:   buf,
			})
			views[i] = reloc.Section{Index: i, Kind: s.Kind, Addr: s.Addr, VA: r.Base, Buf: buf}
		case binfmt.SectData:
			buf := append([]byte(nil), s.Data...)
			r := cfg.Arena.Map(buf, bf.Path+s.Name)
			o.Datas = append(o.Datas, DataSection{Index: i, Name: s.Name, VA: r.Base, Buf: buf})
			views[i] = reloc.Section{Index: i, Kind: s.Kind, Addr: s.Addr, VA: r.Base, Buf: buf}
		case binfmt.SectBss:
			buf := make([]byte, s.Size)
			r := cfg.Arena.Map(buf, bf.Path+s.Name)
			o.Dyns = append(o.Dyns, DynSection{Index: i, Name: s.Name, VA: r.Base, Buf: buf})
			views[i] = reloc.Section{Index: i, Kind: s.Kind, Addr: s.Addr, VA: r.Base, Buf: buf}
		}
	}
	if len(o.Texts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoText, bf.Path)
	}

	// Common blocks get their own zero buffers, addressed by symbol.
	commonVA := make(map[string]uint64)
	for i := range bf.Symbols {
		s := &bf.Symbols[i]
		if !s.Common || s.Name == "" {
			continue
		}
		if _, ok := commonVA[s.Name]; ok {
			continue
		}
		buf := make([]byte, s.ComSize)
		r := cfg.Arena.Map(buf, bf.Path+":common:"+s.Name)
		o.Dyns = append(o.Dyns, DynSection{Index: -1, Name: s.Name, VA: r.Base, Buf: buf})
		commonVA[s.Name] = r.Base
	}

	for ti := range o.Texts {
		ts := &o.Texts[ti]
		if cfg.Decoded != nil {
			if recs, ok := cfg.Decoded(ts.FRVA); ok {
				ts.Insns = recs
				continue
			}
		}
		res, err := insn.Decode(ts.Buf, o.Arch)
		if err != nil {
			return nil, fmt.Errorf("object: %s: %w", bf.Path, err)
		}
		ts.Insns = res.Records
		for k, v := range res.Meta {
			o.Meta[k] = v
		}
	}
	if cfg.Decoded != nil {
		for k, v := range cfg.Metadata {
			o.Meta[k] = v
		}
		o.FromCache = true
	}

	o.buildSymbols(bf, views, commonVA)

	ctx := &reloc.Context{
		Arch:     o.Arch,
		Format:   o.Format,
		Sections: views,
		Resolver: cfg.Resolver,
		Table:    o.Relocs,
	}
	for ti := range o.Texts {
		ts := &o.Texts[ti]
		if err := ctx.ProcessText(&views[ts.Index], bf.Sections[ts.Index].Relocs, ts.Insns); err != nil {
			return nil, fmt.Errorf("object: %s: %w", bf.Path, err)
		}
	}
	for di := range o.Datas {
		ds := &o.Datas[di]
		if err := ctx.ProcessData(&views[ds.Index], bf.Sections[ds.Index].Relocs); err != nil {
			return nil, fmt.Errorf("object: %s: %w", bf.Path, err)
		}
	}
	for di := range o.Dyns {
		ds := &o.Dyns[di]
		if ds.Index < 0 {
			continue
		}
		if err := ctx.ProcessData(&views[ds.Index], bf.Sections[ds.Index].Relocs); err != nil {
			return nil, fmt.Errorf("object: %s: %w", bf.Path, err)
		}
	}
	o.Stubs = ctx.Stubs

	xlog.Developf("object: %s: %d text, %d data, %d dyn, %d relocs, %d funcs, %d datasyms",
		bf.Path, len(o.Texts), len(o.Datas), len(o.Dyns),
		len(o.Relocs.Records), len(o.FuncSyms), len(o.DataSyms))
	return o, nil
}

// buildSymbols fills the function and data symbol views. Compiler
// temporaries and assembler-local labels are excluded.
func (o *Object) buildSymbols(bf *binfmt.File, views []reloc.Section, commonVA map[string]uint64) {
	for i := range bf.Symbols {
		s := &bf.Symbols[i]
		if s.Name == "" || skipSymbol(s.Name) {
			continue
		}
		if s.Common {
			if va, ok := commonVA[s.Name]; ok {
				o.DataSyms[s.Name] = va
			}
			continue
		}
		if !s.Defined || s.Sect < 0 || s.Sect >= len(views) {
			continue
		}
		v := &views[s.Sect]
		if v.Buf == nil && v.VA == 0 {
			continue
		}
		va := v.VA + (s.Value - v.Addr)
		if s.Kind == binfmt.SymFunc || v.Kind == binfmt.SectText {
			o.FuncSyms[s.Name] = va
		} else {
			o.DataSyms[s.Name] = va
		}
	}
}

func skipSymbol(name string) bool {
	return strings.HasPrefix(name, "ltmp") || strings.HasPrefix(name, "l_.")
}

// Symbol looks up a defined symbol in either view.
func (o *Object) Symbol(name string) (uint64, bool) {
	if va, ok := o.FuncSyms[name]; ok {
		return va, true
	}
	va, ok := o.DataSyms[name]
	return va, ok
}

// MainEntry returns the object's entry function.
func (o *Object) MainEntry() (uint64, error) {
	if va, ok := o.FuncSyms["main"]; ok {
		return va, nil
	}
	if va, ok := o.FuncSyms["_main"]; ok {
		return va, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoEntry, o.Path)
}

// Belong reports whether va falls in any of the object's buffers.
func (o *Object) Belong(va uint64) bool {
	for i := range o.Texts {
		t := &o.Texts[i]
		if va >= t.VA && va < t.VA+uint64(len(t.Buf)) {
			return true
		}
	}
	for i := range o.Datas {
		d := &o.Datas[i]
		if va >= d.VA && va < d.VA+uint64(len(d.Buf)) {
			return true
		}
	}
	for i := range o.Dyns {
		d := &o.Dyns[i]
		if va >= d.VA && va < d.VA+uint64(len(d.Buf)) {
			return true
		}
	}
	return false
}

// Executable reports whether va falls in a text section.
func (o *Object) Executable(va uint64) bool {
	_, _, ok := o.textAt(va)
	return ok
}

func (o *Object) textAt(va uint64) (*TextSection, uint64, bool) {
	for i := range o.Texts {
		t := &o.Texts[i]
		if va >= t.VA && va < t.VA+uint64(len(t.Buf)) {
			return t, va - t.VA, true
		}
	}
	return nil, 0, false
}

// VM2RVA converts a mapped text address to its stable text-relative RVA.
func (o *Object) VM2RVA(va uint64) (uint32, bool) {
	t, off, ok := o.textAt(va)
	if !ok {
		return 0, false
	}
	return t.FRVA + uint32(off), true
}

// RVA2VM is the inverse of VM2RVA.
func (o *Object) RVA2VM(rva uint32) (uint64, bool) {
	for i := range o.Texts {
		t := &o.Texts[i]
		if rva >= t.FRVA && uint64(rva-t.FRVA) < uint64(len(t.Buf)) {
			return t.VA + uint64(rva-t.FRVA), true
		}
	}
	return 0, false
}

// InsnAt returns the instruction record covering a text address.
func (o *Object) InsnAt(va uint64) (*insn.Record, bool) {
	t, off, ok := o.textAt(va)
	if !ok {
		return nil, false
	}
	i := sort.Search(len(t.Insns), func(i int) bool {
		return uint64(t.Insns[i].RVA) > off
	})
	if i == 0 {
		return nil, false
	}
	r := &t.Insns[i-1]
	if off >= uint64(r.RVA)+uint64(r.Len) {
		return nil, false
	}
	return r, true
}

// Triple returns the canonical target triple for diagnostics.
func (o *Object) Triple() string {
	return arch.Triple(o.Arch, o.Format)
}
