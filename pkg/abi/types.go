// Package abi marshals values across the guest/host boundary using the
// Darwin 32-bit ARM calling convention.
package abi

import (
	"fmt"
	"strings"
)

// Kind is the machine-level class of a value.
type Kind uint8

const (
	Void Kind = iota
	Int8
	Int16
	Int32
	Uint8
	Uint16
	Uint32
	Bool
	Ptr
	Int64
	Uint64
	Float32
	Float64
	Struct
)

var kindNames = [...]string{
	Void:    "void",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Bool:    "bool",
	Ptr:     "ptr",
	Int64:   "int64",
	Uint64:  "uint64",
	Float32: "float",
	Float64: "double",
	Struct:  "struct",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Size returns the in-memory size of a scalar kind.
func (k Kind) Size() uint32 {
	switch k {
	case Void:
		return 0
	case Int8, Uint8, Bool:
		return 1
	case Int16, Uint16:
		return 2
	case Int64, Uint64, Float64:
		return 8
	default:
		return 4
	}
}

// IsFloat reports whether k is passed in VFP registers under hard-float.
func (k Kind) IsFloat() bool { return k == Float32 || k == Float64 }

// Type is a Kind plus the byte size of a struct.
type Type struct {
	Kind Kind
	Size uint32
}

// Of returns the Type of a scalar kind.
func Of(k Kind) Type { return Type{Kind: k, Size: k.Size()} }

// StructOf returns a by-value struct type of size bytes.
func StructOf(size uint32) Type { return Type{Kind: Struct, Size: size} }

// words is the number of 32-bit argument words t occupies.
func (t Type) words() int { return int((t.Size + 3) / 4) }

// indirect reports whether a return value of type t goes through the
// hidden r0 pointer.
func (t Type) indirect() bool { return t.Kind == Struct && t.Size > 4 }

func (t Type) String() string {
	if t.Kind == Struct {
		return fmt.Sprintf("struct[%d]", t.Size)
	}
	return t.Kind.String()
}

// Signature is a registered host function's calling convention descriptor.
type Signature struct {
	Args     []Type
	Ret      Type
	Variadic bool
}

// Sig builds a signature of scalar kinds.
func Sig(ret Kind, args ...Kind) Signature {
	s := Signature{Ret: Of(ret)}
	for _, a := range args {
		s.Args = append(s.Args, Of(a))
	}
	return s
}

// Varargs marks s as taking a variadic tail after its fixed arguments.
func (s Signature) Varargs() Signature {
	s.Variadic = true
	return s
}

func (s Signature) String() string {
	var args []string
	for _, a := range s.Args {
		args = append(args, a.String())
	}
	if s.Variadic {
		args = append(args, "...")
	}
	return fmt.Sprintf("%s(%s)", s.Ret, strings.Join(args, ", "))
}
