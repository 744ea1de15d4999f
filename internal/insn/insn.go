// Package insn decodes and classifies machine instructions for the
// interpreter. Decoding tiles a text section completely: every byte
// belongs to exactly one record, undecodable bytes included.
package insn

import (
	"encoding/binary"
	"errors"
	"fmt"

	"objrun/internal/arch"
)

var ErrEmptyText = errors.New("insn: empty text region")

// Record describes one decoded instruction site.
type Record struct {
	RVA         uint32
	Len         uint8
	Type        arch.InsnType
	SegOverride bool  // x86-64 segment prefix present
	RelocIndex  int32 // index into the object's relocation table, -1 if none
}

// Result is a fully decoded text region.
type Result struct {
	Records []Record
	// Meta maps raw instruction bytes to their operand encoding. Records
	// with identical bytes share one entry; only instruction categories
	// needing interpreter assistance are present.
	Meta map[string][]byte
}

// Decode tiles code into classified records.
func Decode(code []byte, a arch.Arch) (*Result, error) {
	if len(code) == 0 {
		return nil, ErrEmptyText
	}
	res := &Result{Meta: make(map[string][]byte)}
	switch a {
	case arch.AArch64:
		decodeA64(code, res)
	case arch.X86_64:
		decodeX64(code, res)
	default:
		return nil, fmt.Errorf("insn: decode: unsupported arch %v", a)
	}
	return res, nil
}

// opEncoder accumulates the operand metadata stream: register numbers as
// 16-bit values, immediates as 64-bit, in operand order.
type opEncoder struct {
	buf []byte
}

func (e *opEncoder) reg(r arch.Reg) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(r))
}

func (e *opEncoder) imm(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (r *Result) putMeta(raw []byte, enc *opEncoder) {
	if len(enc.buf) == 0 {
		return
	}
	key := string(raw)
	if _, ok := r.Meta[key]; ok {
		return
	}
	r.Meta[key] = enc.buf
}

func (r *Result) abort(rva uint32, skip int) {
	r.Records = append(r.Records, Record{
		RVA:        rva,
		Len:        uint8(skip),
		Type:       arch.TypeAbort,
		RelocIndex: -1,
	})
}
