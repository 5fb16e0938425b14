package machotest

import "github.com/blacktop/hle/pkg/arm"

// Asm assembles one function body at its final address.
type Asm struct {
	L    *Layout
	Base uint32
	Code []uint32
}

func (a *Asm) PC() uint32           { return a.Base + uint32(4*len(a.Code)) }
func (a *Asm) Emit(insns ...uint32) { a.Code = append(a.Code, insns...) }

// Call branches with link to the stub of a lazy import.
func (a *Asm) Call(name string) { a.Emit(arm.Bl(a.PC(), a.L.Stub(name))) }

// Addr loads the address of a function into r.
func (a *Asm) Addr(r arm.Reg, fn string) { a.Emit(arm.Mov32(r, a.L.Func(fn))...) }

// Fn is a function whose body is assembled by body.
func Fn(name string, body func(a *Asm)) Func {
	return Func{Name: name, Code: func(l *Layout) []uint32 {
		a := &Asm{L: l, Base: l.Func(name)}
		body(a)
		return a.Code
	}}
}

// Lazy returns lazy imports of names.
func Lazy(names ...string) []Import {
	var imps []Import
	for _, n := range names {
		imps = append(imps, Import{Name: n, Lazy: true})
	}
	return imps
}
