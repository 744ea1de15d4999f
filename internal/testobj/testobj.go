// Package testobj builds minimal ELF x86-64 relocatable images in
// memory. It exists for tests that need a real object file without
// shipping binary fixtures.
package testobj

import (
	"bytes"
	"encoding/binary"
)

// Sym describes one symbol of the generated object.
type Sym struct {
	Name   string
	Value  uint64
	Size   uint64
	Sect   string // ".text", ".data" or ".bss"
	Func   bool
	Global bool
}

// Rel describes one RELA entry against a named symbol.
type Rel struct {
	Off    uint64
	Type   uint32
	Sym    string
	Addend int64
}

// Spec describes the object to generate.
type Spec struct {
	Text     []byte
	Data     []byte
	BssSize  uint64
	Syms     []Sym
	TextRels []Rel
	DataRels []Rel
}

const (
	shtNull     = 0
	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
	shtNobits   = 8

	shfWrite = 0x1
	shfAlloc = 0x2
	shfExec  = 0x4
)

// Section indexes in the generated image.
const (
	secText = 1
	secData = 2
	secBss  = 3
)

type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: make(map[string]uint32)}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

// Build assembles the ELF image.
func Build(spec Spec) []byte {
	symstr := newStrtab()
	shstr := newStrtab()

	sectIdx := map[string]uint16{".text": secText, ".data": secData, ".bss": secBss}

	// Symbol table: null entry, locals, then globals. Relocations index
	// symbols by table position.
	type rawSym struct {
		name              uint32
		info, other       uint8
		shndx             uint16
		value, size       uint64
	}
	var locals, globals []rawSym
	symIndex := make(map[string]uint32)
	for _, s := range spec.Syms {
		info := uint8(1) // STT_OBJECT
		if s.Func {
			info = 2 // STT_FUNC
		}
		if s.Global {
			info |= 1 << 4 // STB_GLOBAL
		}
		shndx := sectIdx[s.Sect] // 0 (SHN_UNDEF) for unknown sections
		rs := rawSym{
			name:  symstr.add(s.Name),
			info:  info,
			shndx: shndx,
			value: s.Value,
			size:  s.Size,
		}
		if s.Global {
			globals = append(globals, rs)
		} else {
			locals = append(locals, rs)
		}
	}
	all := append(append([]rawSym{{}}, locals...), globals...)
	// Recompute indexes against the final layout.
	{
		i := uint32(1)
		for _, s := range spec.Syms {
			if !s.Global {
				symIndex[s.Name] = i
				i++
			}
		}
		for _, s := range spec.Syms {
			if s.Global {
				symIndex[s.Name] = i
				i++
			}
		}
	}

	var symtab bytes.Buffer
	for _, s := range all {
		binary.Write(&symtab, binary.LittleEndian, s.name)
		symtab.WriteByte(s.info)
		symtab.WriteByte(s.other)
		binary.Write(&symtab, binary.LittleEndian, s.shndx)
		binary.Write(&symtab, binary.LittleEndian, s.value)
		binary.Write(&symtab, binary.LittleEndian, s.size)
	}

	rela := func(rels []Rel) []byte {
		var b bytes.Buffer
		for _, r := range rels {
			binary.Write(&b, binary.LittleEndian, r.Off)
			binary.Write(&b, binary.LittleEndian, uint64(symIndex[r.Sym])<<32|uint64(r.Type))
			binary.Write(&b, binary.LittleEndian, r.Addend)
		}
		return b.Bytes()
	}
	relaText := rela(spec.TextRels)
	relaData := rela(spec.DataRels)

	type sh struct {
		name                    uint32
		typ                     uint32
		flags                   uint64
		addr, off, size         uint64
		link, info              uint32
		addralign, entsize      uint64
		data                    []byte
	}
	shs := []sh{
		{},
		{name: shstr.add(".text"), typ: shtProgbits, flags: shfAlloc | shfExec, addralign: 16, data: spec.Text},
		{name: shstr.add(".data"), typ: shtProgbits, flags: shfAlloc | shfWrite, addralign: 8, data: spec.Data},
		{name: shstr.add(".bss"), typ: shtNobits, flags: shfAlloc | shfWrite, addralign: 8, size: spec.BssSize},
	}
	symtabIdx := uint32(len(shs) + boolCount(len(relaText) > 0) + boolCount(len(relaData) > 0))
	if len(relaText) > 0 {
		shs = append(shs, sh{name: shstr.add(".rela.text"), typ: shtRela,
			link: symtabIdx, info: secText, addralign: 8, entsize: 24, data: relaText})
	}
	if len(relaData) > 0 {
		shs = append(shs, sh{name: shstr.add(".rela.data"), typ: shtRela,
			link: symtabIdx, info: secData, addralign: 8, entsize: 24, data: relaData})
	}
	strtabIdx := symtabIdx + 1
	shs = append(shs, sh{name: shstr.add(".symtab"), typ: shtSymtab,
		link: strtabIdx, info: uint32(1 + len(locals)), addralign: 8, entsize: 24, data: symtab.Bytes()})
	shs = append(shs, sh{name: shstr.add(".strtab"), typ: shtStrtab, addralign: 1, data: symstr.buf.Bytes()})
	shstrIdx := uint16(len(shs))
	shs = append(shs, sh{name: shstr.add(".shstrtab"), typ: shtStrtab, addralign: 1, data: shstr.buf.Bytes()})

	// Lay out data after the 64-byte ELF header.
	off := uint64(64)
	for i := range shs {
		s := &shs[i]
		if s.typ == shtNull {
			continue
		}
		off = align(off, 8)
		s.off = off
		if s.typ != shtNobits {
			s.size = uint64(len(s.data))
			off += s.size
		}
	}
	shoff := align(off, 8)

	var out bytes.Buffer
	// Elf64_Ehdr.
	out.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&out, binary.LittleEndian, uint16(1))      // ET_REL
	binary.Write(&out, binary.LittleEndian, uint16(0x3e))   // EM_X86_64
	binary.Write(&out, binary.LittleEndian, uint32(1))      // version
	binary.Write(&out, binary.LittleEndian, uint64(0))      // entry
	binary.Write(&out, binary.LittleEndian, uint64(0))      // phoff
	binary.Write(&out, binary.LittleEndian, shoff)          // shoff
	binary.Write(&out, binary.LittleEndian, uint32(0))      // flags
	binary.Write(&out, binary.LittleEndian, uint16(64))     // ehsize
	binary.Write(&out, binary.LittleEndian, uint16(0))      // phentsize
	binary.Write(&out, binary.LittleEndian, uint16(0))      // phnum
	binary.Write(&out, binary.LittleEndian, uint16(64))     // shentsize
	binary.Write(&out, binary.LittleEndian, uint16(len(shs)))
	binary.Write(&out, binary.LittleEndian, shstrIdx)

	for i := range shs {
		s := &shs[i]
		if s.typ == shtNull || s.typ == shtNobits {
			continue
		}
		pad(&out, s.off)
		out.Write(s.data)
	}
	pad(&out, shoff)
	for _, s := range shs {
		binary.Write(&out, binary.LittleEndian, s.name)
		binary.Write(&out, binary.LittleEndian, s.typ)
		binary.Write(&out, binary.LittleEndian, s.flags)
		binary.Write(&out, binary.LittleEndian, s.addr)
		binary.Write(&out, binary.LittleEndian, s.off)
		binary.Write(&out, binary.LittleEndian, s.size)
		binary.Write(&out, binary.LittleEndian, s.link)
		binary.Write(&out, binary.LittleEndian, s.info)
		binary.Write(&out, binary.LittleEndian, s.addralign)
		binary.Write(&out, binary.LittleEndian, s.entsize)
	}
	return out.Bytes()
}

func align(v, n uint64) uint64 { return (v + n - 1) &^ (n - 1) }

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}

func pad(b *bytes.Buffer, to uint64) {
	for uint64(b.Len()) < to {
		b.WriteByte(0)
	}
}
