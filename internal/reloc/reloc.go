package reloc

import (
	"debug/elf"
	"errors"
	"fmt"
	"sort"
	"strings"

	"objrun/internal/arch"
	"objrun/internal/binfmt"
	"objrun/internal/insn"
	"objrun/internal/xlog"
)

var ErrBadSection = errors.New("reloc: relocation references unmapped section")

// Resolver answers external symbol lookups. wantData asks for a pointer
// slot holding the symbol address rather than the address itself.
type Resolver interface {
	Resolve(name string, wantData bool) (uint64, error)
}

// Record is one deduplicated relocated reference of an object.
type Record struct {
	Name   string
	Target uint64
	Kind   Kind
}

type recordKey struct {
	target uint64
	kind   Kind
}

// Table holds an object's relocation records, deduplicated by
// (target, kind).
type Table struct {
	Records []Record
	index   map[recordKey]int32
	byName  map[string]int32
}

func NewTable() *Table {
	return &Table{
		index:  make(map[recordKey]int32),
		byName: make(map[string]int32),
	}
}

// Add appends a record unless an equivalent one exists, and returns its
// index. Two references to the same target with the same kind share one
// record no matter how they were spelled.
func (t *Table) Add(name string, target uint64, kind Kind) int32 {
	k := recordKey{target, kind}
	if idx, ok := t.index[k]; ok {
		return idx
	}
	idx := int32(len(t.Records))
	t.Records = append(t.Records, Record{Name: name, Target: target, Kind: kind})
	t.index[k] = idx
	if name != "" {
		t.byName[name] = idx
	}
	return idx
}

// retype rewrites an existing function record as a data record with a
// new target. Used when a later relocation reveals that an import is
// reached through a pointer slot.
func (t *Table) retype(idx int32, target uint64) {
	r := &t.Records[idx]
	delete(t.index, recordKey{r.Target, r.Kind})
	r.Kind = Data
	r.Target = target
	t.index[recordKey{target, Data}] = idx
}

// Section is the resolver's view of a mapped object section.
type Section struct {
	Index int
	Kind  binfmt.SectionKind
	Addr  uint64 // link-time address
	VA    uint64 // mapped base
	Buf   []byte
}

// Stub marks a data cell patched with the address of interpreted code.
// The execution engine must treat loads of the cell as code pointers.
type Stub struct {
	SectIndex int
	Offset    uint64
	Target    uint64
	Name      string
}

// Context carries everything needed to process one object's relocations.
type Context struct {
	Arch     arch.Arch
	Format   arch.Format
	Sections []Section // indexed by the object's section numbering
	Resolver Resolver
	Table    *Table
	Stubs    []Stub
}

func (c *Context) section(idx int) *Section {
	if idx < 0 || idx >= len(c.Sections) {
		return nil
	}
	s := &c.Sections[idx]
	if s.Buf == nil && s.Kind == binfmt.SectOther {
		return nil
	}
	return s
}

// ProcessText resolves the relocations of a text section and attaches
// each one to the instruction record covering its site.
func (c *Context) ProcessText(sec *Section, relocs []binfmt.Reloc, recs []insn.Record) error {
	var pend int64
	hasPend := false
	for i := range relocs {
		r := &relocs[i]
		if c.isA64Addend(r) {
			pend = signExt24(uint32(r.SymValue))
			hasPend = true
			continue
		}
		addend := r.Addend
		if hasPend {
			addend = pend
			hasPend = false
		}
		if c.Format == arch.FormatELF && c.Arch == arch.X86_64 {
			addend = normalizeELFAddend(addend)
		}

		ri := findRecord(recs, uint32(r.Off), c.Arch)
		insnType := arch.TypeUnknown
		if ri >= 0 {
			insnType = recs[ri].Type
		}
		kind := kindOf(c.Arch, c.Format, r.Type, r.Sym, r.Extern, insnType)

		// A COFF ARM64 GOT-style page-offset load on an import that a
		// previous relocation already recorded as a call target means
		// the record must become a pointer-slot reference.
		if c.Format == arch.FormatCOFF && c.Arch == arch.AArch64 &&
			r.Type == coffARM64PageOffset12L && r.Extern {
			if idx, ok := c.Table.byName[r.Sym]; ok && c.Table.Records[idx].Kind == Func {
				target, err := c.resolveExtern(r.Sym, true)
				if err != nil {
					return err
				}
				c.Table.retype(idx, target)
				if ri >= 0 {
					recs[ri].RelocIndex = idx
				}
				continue
			}
		}

		target, name, err := c.target(r, addend, kind == Data)
		if err != nil {
			xlog.Runtimef("reloc: %s+0x%x type %d: %v", sectName(sec), r.Off, r.Type, err)
			continue
		}
		idx := c.Table.Add(name, target, kind)
		if ri >= 0 {
			recs[ri].RelocIndex = idx
		}
	}
	return nil
}

// ProcessData resolves and patches the relocations of a data section.
func (c *Context) ProcessData(sec *Section, relocs []binfmt.Reloc) error {
	var pend int64
	hasPend := false
	for i := range relocs {
		r := &relocs[i]
		if c.isA64Addend(r) {
			pend = signExt24(uint32(r.SymValue))
			hasPend = true
			continue
		}
		addend := r.Addend
		if hasPend {
			addend = pend
			hasPend = false
		}

		target, name, err := c.dataTarget(sec, r, addend)
		if err != nil {
			xlog.Runtimef("reloc: %s+0x%x type %d: %v", sectName(sec), r.Off, r.Type, err)
			continue
		}
		c.patch(sec, r, target, name)
	}
	return nil
}

func (c *Context) isA64Addend(r *binfmt.Reloc) bool {
	return c.Format == arch.FormatMachO && c.Arch == arch.AArch64 &&
		r.Type == machoA64Addend
}

func (c *Context) resolveExtern(name string, wantData bool) (uint64, error) {
	return c.Resolver.Resolve(strings.TrimPrefix(name, importPrefix), wantData)
}

// target computes the address a text relocation refers to.
func (c *Context) target(r *binfmt.Reloc, addend int64, wantData bool) (uint64, string, error) {
	if r.Extern {
		va, err := c.resolveExtern(r.Sym, wantData)
		return va, r.Sym, err
	}
	sect := c.section(r.SymSect)
	if sect == nil {
		return 0, "", fmt.Errorf("%w: %d", ErrBadSection, r.SymSect)
	}
	name := r.Sym
	if name == "" {
		name = fmt.Sprintf("%s+0x%x", sectName(sect), uint64(int64(r.SymValue)+addend))
	}
	return sect.VA + (r.SymValue - sect.Addr) + uint64(addend), name, nil
}

// dataTarget computes the address a data relocation refers to. Mach-O
// x86-64 local entries carry the link-time address at the patch site
// instead of a symbol value.
func (c *Context) dataTarget(sec *Section, r *binfmt.Reloc, addend int64) (uint64, string, error) {
	if r.Extern {
		va, err := c.resolveExtern(r.Sym, false)
		return va, r.Sym, err
	}
	if c.Format == arch.FormatMachO && c.Arch == arch.X86_64 &&
		(r.Type == machoX64Unsigned || r.Type == machoX64Signed) && r.Sym == "" {
		sect := c.section(r.SymSect)
		if sect == nil {
			return 0, "", fmt.Errorf("%w: %d", ErrBadSection, r.SymSect)
		}
		width := 4
		if r.Len == 3 {
			width = 8
		}
		val, err := readSite(sec, r.Off, width)
		if err != nil {
			return 0, "", err
		}
		return sect.VA + (val - sect.Addr), sectName(sect), nil
	}
	return c.target(r, addend, false)
}

// patch writes the resolved target into the data section.
func (c *Context) patch(sec *Section, r *binfmt.Reloc, target uint64, name string) {
	site := r.Off
	switch {
	case c.Format == arch.FormatELF && c.Arch == arch.X86_64 &&
		elf.R_X86_64(r.Type) == elf.R_X86_64_PC32:
		v := uint32(int64(target) + r.Addend - int64(sec.VA+site))
		if !writeSite(sec, site, uint64(v), 4) {
			return
		}
	case c.Format == arch.FormatCOFF && r.Type == coffAMD64Rel32 && c.Arch == arch.X86_64:
		old, err := readSite(sec, site, 4)
		if err != nil {
			xlog.Runtimef("reloc: patch %s+0x%x: %v", sectName(sec), site, err)
			return
		}
		v := uint32(int64(target) + int64(int32(old)) - int64(sec.VA+site) - 4)
		if !writeSite(sec, site, uint64(v), 4) {
			return
		}
	case c.Format == arch.FormatCOFF &&
		(r.Type == coffAMD64Addr32NB && c.Arch == arch.X86_64 ||
			r.Type == coffARM64Addr32NB && c.Arch == arch.AArch64):
		// Image-relative 32-bit entries are only meaningful inside a
		// linked image; nothing to patch.
		return
	default:
		if !writeSite(sec, site, target, 8) {
			return
		}
		if ts := c.textSectionAt(target); ts != nil {
			c.Stubs = append(c.Stubs, Stub{
				SectIndex: sec.Index,
				Offset:    site,
				Target:    target,
				Name:      name,
			})
		}
	}
}

func (c *Context) textSectionAt(va uint64) *Section {
	for i := range c.Sections {
		s := &c.Sections[i]
		if s.Kind == binfmt.SectText && va >= s.VA && va < s.VA+uint64(len(s.Buf)) {
			return s
		}
	}
	return nil
}

func readSite(sec *Section, off uint64, width int) (uint64, error) {
	if off+uint64(width) > uint64(len(sec.Buf)) {
		return 0, fmt.Errorf("reloc: site 0x%x+%d beyond section", off, width)
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(sec.Buf[off+uint64(i)])
	}
	return v, nil
}

func writeSite(sec *Section, off, val uint64, width int) bool {
	if off+uint64(width) > uint64(len(sec.Buf)) {
		xlog.Runtimef("reloc: patch site 0x%x+%d beyond section %s", off, width, sectName(sec))
		return false
	}
	for i := 0; i < width; i++ {
		sec.Buf[off+uint64(i)] = byte(val >> (8 * i))
	}
	return true
}

func sectName(sec *Section) string {
	return fmt.Sprintf("sect#%d", sec.Index)
}

// findRecord locates the instruction record whose encoding contains the
// relocation site. ARM64 sites coincide with the instruction start; x86
// sites point into the immediate field.
func findRecord(recs []insn.Record, site uint32, a arch.Arch) int {
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].RVA > site
	})
	if i == 0 {
		return -1
	}
	i--
	r := &recs[i]
	if a == arch.AArch64 {
		if r.RVA == site {
			return i
		}
		return -1
	}
	if site >= r.RVA+1 && site+4 <= r.RVA+uint32(r.Len) {
		return i
	}
	return -1
}

// normalizeELFAddend compensates the x86-64 assembler convention of
// folding the PC-relative width into the addend.
func normalizeELFAddend(addend int64) int64 {
	if addend < -4 {
		return 0
	}
	return addend + 4
}

func signExt24(v uint32) int64 {
	v &= 0xffffff
	if v&0x800000 != 0 {
		return int64(v) - 0x1000000
	}
	return int64(v)
}
