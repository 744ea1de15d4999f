// Package iobj reads and writes interpretable object cache artifacts.
// An artifact carries the decoded instruction records, the operand
// metadata, the per-module symbol reference lists, and the raw object
// file, so a later run skips the decoder entirely.
package iobj

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"objrun/internal/arch"
	"objrun/internal/binfmt"
	"objrun/internal/insn"
	"objrun/internal/object"
	"objrun/internal/reloc"
	"objrun/internal/xlog"
)

var (
	ErrBadMagic     = errors.New("iobj: bad magic")
	ErrStaleVersion = errors.New("iobj: artifact version mismatch")
	ErrArchMismatch = errors.New("iobj: artifact built for another architecture")
	ErrTruncated    = errors.New("iobj: truncated artifact")
)

const Version = 1

// SelfModule names the object's own reference group in an artifact.
const SelfModule = "self"

var magic = [4]byte{'i', 'o', 'b', 'j'}

const flagSegOverride = 0x1

// Ref is one cached symbol reference.
type Ref struct {
	Symbol string
	Kind   reloc.Kind
	RVA    uint64 // text-relative address for self references
}

// CachePath derives the artifact path for a source or object file.
func CachePath(src string) string {
	ext := filepath.Ext(src)
	return strings.TrimSuffix(src, ext) + ".io"
}

// Valid reports whether path holds a usable artifact for the given
// architecture. Any header mismatch means the caller falls back to full
// analysis.
func Valid(path string, a arch.Arch) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var hdr [12]byte
	if _, err := f.Read(hdr[:]); err != nil {
		return false
	}
	return bytes.Equal(hdr[:4], magic[:]) &&
		binary.LittleEndian.Uint32(hdr[4:]) == Version &&
		arch.Arch(hdr[8]) == a
}

// Write serializes an analyzed object next to its source. moduleOf
// attributes external relocation targets to their owning module.
func Write(path string, o *object.Object, moduleOf func(uint64) (string, bool)) error {
	var b bytes.Buffer
	b.Write(magic[:])
	putU32(&b, Version)
	b.WriteByte(byte(o.Arch))
	b.WriteByte(byte(o.Format))
	putU16(&b, 0)
	putStr(&b, o.Path)

	putU32(&b, uint32(len(o.Texts)))
	for i := range o.Texts {
		t := &o.Texts[i]
		putU32(&b, t.FRVA)
		putU32(&b, uint32(len(t.Insns)))
		for _, r := range t.Insns {
			putU32(&b, r.RVA)
			b.WriteByte(r.Len)
			b.WriteByte(byte(r.Type))
			var flags byte
			if r.SegOverride {
				flags |= flagSegOverride
			}
			b.WriteByte(flags)
			b.WriteByte(0)
		}
	}

	putU32(&b, uint32(len(o.Meta)))
	for k, v := range o.Meta {
		putStr(&b, base64.StdEncoding.EncodeToString([]byte(k)))
		putStr(&b, string(v))
	}

	refs := collectRefs(o, moduleOf)
	putU32(&b, uint32(len(refs.order)))
	for _, mod := range refs.order {
		putStr(&b, mod)
		list := refs.byModule[mod]
		putU32(&b, uint32(len(list)))
		for _, ref := range list {
			putStr(&b, ref.Symbol)
			b.WriteByte(byte(ref.Kind))
			b.WriteByte(0)
			putU16(&b, 0)
			putU64(&b, ref.RVA)
		}
	}

	raw, err := os.ReadFile(o.Path)
	if err != nil {
		return fmt.Errorf("iobj: reread source: %w", err)
	}
	putU32(&b, uint32(len(raw)))
	b.Write(raw)

	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		return fmt.Errorf("iobj: write: %w", err)
	}
	xlog.Developf("iobj: wrote %s (%d bytes)", path, b.Len())
	return nil
}

type refSet struct {
	order    []string
	byModule map[string][]Ref
}

func collectRefs(o *object.Object, moduleOf func(uint64) (string, bool)) *refSet {
	rs := &refSet{byModule: make(map[string][]Ref)}
	add := func(mod string, r Ref) {
		if _, ok := rs.byModule[mod]; !ok {
			rs.order = append(rs.order, mod)
		}
		rs.byModule[mod] = append(rs.byModule[mod], r)
	}
	for _, rec := range o.Relocs.Records {
		if o.Belong(rec.Target) {
			ref := Ref{Symbol: rec.Name, Kind: rec.Kind}
			if rva, ok := o.VM2RVA(rec.Target); ok {
				ref.RVA = uint64(rva)
			}
			add(SelfModule, ref)
			continue
		}
		mod, ok := moduleOf(rec.Target)
		if !ok || mod == "" {
			continue
		}
		add(mod, Ref{Symbol: rec.Name, Kind: rec.Kind})
	}
	return rs
}

// Artifact is a decoded cache file before object reconstruction.
type Artifact struct {
	Arch   arch.Arch
	Format arch.Format
	Source string
	Texts  map[uint32][]insn.Record // keyed by FRVA
	Meta   map[string][]byte
	Refs   map[string][]Ref
	Order  []string // module order as written
	Raw    []byte
}

// Load parses an artifact file without rebuilding the object.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("iobj: read: %w", err)
	}
	return decode(data)
}

// Read rebuilds an interpretable object from an artifact. ensure is
// called for every referenced module before relocation resolution so
// dependent modules are present; a failure there is structural and
// aborts the load.
func Read(path string, cfg object.Config, ensure func(module string) error) (*object.Object, error) {
	art, err := Load(path)
	if err != nil {
		return nil, err
	}
	for _, mod := range art.Order {
		if mod == SelfModule || ensure == nil {
			continue
		}
		if err := ensure(mod); err != nil {
			xlog.Fatalf("iobj: %s: dependent module %s: %v", path, mod, err)
		}
	}
	bf, err := binfmt.Parse(art.Source, art.Raw)
	if err != nil {
		return nil, fmt.Errorf("iobj: %s: embedded object: %w", path, err)
	}
	cfg.Decoded = func(frva uint32) ([]insn.Record, bool) {
		recs, ok := art.Texts[frva]
		return recs, ok
	}
	cfg.Metadata = art.Meta
	return object.Analyze(bf, cfg)
}

func decode(data []byte) (*Artifact, error) {
	rd := &reader{data: data}
	var hdr [4]byte
	copy(hdr[:], rd.bytes(4))
	if hdr != magic {
		return nil, ErrBadMagic
	}
	if v := rd.u32(); v != Version {
		return nil, fmt.Errorf("%w: have %d want %d", ErrStaleVersion, v, Version)
	}
	art := &Artifact{
		Arch:   arch.Arch(rd.u8()),
		Format: arch.Format(rd.u8()),
		Texts:  make(map[uint32][]insn.Record),
		Meta:   make(map[string][]byte),
		Refs:   make(map[string][]Ref),
	}
	rd.u16() // reserved
	art.Source = rd.str()

	for n := rd.u32(); n > 0 && rd.err == nil; n-- {
		frva := rd.u32()
		count := rd.u32()
		recs := make([]insn.Record, 0, count)
		for i := uint32(0); i < count && rd.err == nil; i++ {
			r := insn.Record{
				RVA:        rd.u32(),
				Len:        rd.u8(),
				Type:       arch.InsnType(rd.u8()),
				RelocIndex: -1,
			}
			r.SegOverride = rd.u8()&flagSegOverride != 0
			rd.u8() // pad
			recs = append(recs, r)
		}
		art.Texts[frva] = recs
	}

	for n := rd.u32(); n > 0 && rd.err == nil; n-- {
		key, err := base64.StdEncoding.DecodeString(rd.str())
		if err != nil {
			return nil, fmt.Errorf("iobj: metadata key: %w", err)
		}
		art.Meta[string(key)] = []byte(rd.str())
	}

	for n := rd.u32(); n > 0 && rd.err == nil; n-- {
		mod := rd.str()
		art.Order = append(art.Order, mod)
		count := rd.u32()
		refs := make([]Ref, 0, count)
		for i := uint32(0); i < count && rd.err == nil; i++ {
			ref := Ref{Symbol: rd.str(), Kind: reloc.Kind(rd.u8())}
			rd.u8()
			rd.u16()
			ref.RVA = rd.u64()
			refs = append(refs, ref)
		}
		art.Refs[mod] = refs
	}

	rawLen := rd.u32()
	art.Raw = rd.bytes(int(rawLen))
	if rd.err != nil {
		return nil, rd.err
	}
	return art, nil
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || r.off+n > len(r.data) {
		if r.err == nil {
			r.err = ErrTruncated
		}
		return make([]byte, n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8   { return r.bytes(1)[0] }
func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.bytes(2)) }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }

func (r *reader) str() string {
	n := r.u32()
	return string(r.bytes(int(n)))
}

func putU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func putU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func putStr(b *bytes.Buffer, s string) {
	putU32(b, uint32(len(s)))
	b.WriteString(s)
}
