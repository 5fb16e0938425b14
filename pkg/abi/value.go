package abi

import (
	"encoding/binary"
	"math"

	"github.com/blacktop/hle/pkg/memory"
)

// Value is one marshaled argument or return value. Scalars live in Bits;
// by-value structs in Bytes.
type Value struct {
	Bits  uint64
	Bytes []byte
}

// Zero is the void or zero value.
var Zero Value

func Word(v uint32) Value      { return Value{Bits: uint64(v)} }
func Int(v int32) Value        { return Value{Bits: uint64(uint32(v))} }
func Addr(a memory.Addr) Value { return Value{Bits: uint64(a)} }
func Long(v uint64) Value      { return Value{Bits: v} }
func Float(v float32) Value    { return Value{Bits: uint64(math.Float32bits(v))} }
func Double(v float64) Value   { return Value{Bits: math.Float64bits(v)} }
func Bytes(b []byte) Value     { return Value{Bytes: b} }
func Boolean(b bool) Value {
	if b {
		return Value{Bits: 1}
	}
	return Value{}
}

func (v Value) U32() uint32       { return uint32(v.Bits) }
func (v Value) I32() int32        { return int32(uint32(v.Bits)) }
func (v Value) U64() uint64       { return v.Bits }
func (v Value) Addr() memory.Addr { return memory.Addr(uint32(v.Bits)) }
func (v Value) F32() float32      { return math.Float32frombits(uint32(v.Bits)) }
func (v Value) F64() float64      { return math.Float64frombits(v.Bits) }
func (v Value) Truthy() bool      { return v.Bits != 0 }

// words encodes v as argument words of type t.
func (v Value) words(t Type) []uint32 {
	switch {
	case t.Kind == Struct:
		buf := make([]byte, t.words()*4)
		copy(buf, v.Bytes)
		out := make([]uint32, t.words())
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
		return out
	case t.Size == 8:
		return []uint32{uint32(v.Bits), uint32(v.Bits >> 32)}
	default:
		return []uint32{extend(t.Kind, uint32(v.Bits))}
	}
}

// fromWords decodes argument words of type t.
func fromWords(t Type, w []uint32) Value {
	switch {
	case t.Kind == Struct:
		buf := make([]byte, len(w)*4)
		for i, x := range w {
			binary.LittleEndian.PutUint32(buf[i*4:], x)
		}
		return Value{Bytes: buf[:t.Size]}
	case t.Size == 8:
		return Value{Bits: uint64(w[0]) | uint64(w[1])<<32}
	default:
		return Value{Bits: uint64(extend(t.Kind, w[0]))}
	}
}

// extend narrows a word to its kind and widens it back to 32 bits.
func extend(k Kind, w uint32) uint32 {
	switch k {
	case Int8:
		return uint32(int32(int8(w)))
	case Int16:
		return uint32(int32(int16(w)))
	case Uint8:
		return w & 0xff
	case Uint16:
		return w & 0xffff
	case Bool:
		if w&0xff != 0 {
			return 1
		}
		return 0
	default:
		return w
	}
}
