package pagedstore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FieldType is the type of a fixed-size record field.
type FieldType uint8

const (
	Int64 FieldType = iota + 1
	Uint64
	Float64
)

func (t FieldType) String() string {
	switch t {
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("FieldType(%d)", t)
}

// Size returns the width of the field in bytes.
func (t FieldType) Size() int { return 8 }

// Layout describes the fixed-size records held by a store.
type Layout struct {
	types   []FieldType
	offsets []int
	size    int
}

// NewLayout returns a layout of the given fields, packed in order.
func NewLayout(fields ...FieldType) Layout {
	l := Layout{types: fields, offsets: make([]int, len(fields))}
	for i, f := range fields {
		l.offsets[i] = l.size
		l.size += f.Size()
	}
	return l
}

// RecordSize returns the size of one record in bytes.
func (l Layout) RecordSize() int { return l.size }

// NumFields returns the number of fields per record.
func (l Layout) NumFields() int { return len(l.types) }

// Field returns the type of field i.
func (l Layout) Field(i int) FieldType { return l.types[i] }

// Record is a view of one record inside a page.
type Record struct {
	offsets []int
	buf     []byte
}

func (r Record) field(i int) []byte {
	off := r.offsets[i]
	return r.buf[off : off+8]
}

func (r Record) Int64(i int) int64 { return int64(binary.LittleEndian.Uint64(r.field(i))) }
func (r Record) Uint64(i int) uint64 { return binary.LittleEndian.Uint64(r.field(i)) }
func (r Record) Float64(i int) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(r.field(i))) }

func (r Record) SetInt64(i int, v int64) { binary.LittleEndian.PutUint64(r.field(i), uint64(v)) }
func (r Record) SetUint64(i int, v uint64) { binary.LittleEndian.PutUint64(r.field(i), v) }
func (r Record) SetFloat64(i int, v float64) { binary.LittleEndian.PutUint64(r.field(i), math.Float64bits(v)) }

// Bytes returns the raw bytes of the record.
func (r Record) Bytes() []byte { return r.buf }
