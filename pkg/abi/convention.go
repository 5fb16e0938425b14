package abi

import (
	"fmt"

	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
)

const argRegs = 4

// Convention selects how floating point values travel. The zero value is
// the iOS soft-float convention.
type Convention struct {
	HardFloat bool
}

// Args is the unmarshaled argument list of one host call.
type Args struct {
	sig  Signature
	vals []Value
	next int // first word after the fixed arguments
	regs [argRegs]uint32
	sp   memory.Addr
	mem  *memory.Memory
	sret memory.Addr
}

func (a *Args) Len() int              { return len(a.vals) }
func (a *Args) Value(i int) Value     { return a.at(i) }
func (a *Args) Int32(i int) int32     { return a.at(i).I32() }
func (a *Args) Uint32(i int) uint32   { return a.at(i).U32() }
func (a *Args) Ptr(i int) memory.Addr { return a.at(i).Addr() }
func (a *Args) Bool(i int) bool       { return a.at(i).Truthy() }
func (a *Args) Int64(i int) int64     { return int64(a.at(i).U64()) }
func (a *Args) Uint64(i int) uint64   { return a.at(i).U64() }
func (a *Args) Float32(i int) float32 { return a.at(i).F32() }
func (a *Args) Float64(i int) float64 { return a.at(i).F64() }
func (a *Args) Struct(i int) []byte   { return a.at(i).Bytes }

// StructReturn is the hidden result pointer of a call returning a large struct.
func (a *Args) StructReturn() memory.Addr { return a.sret }

func (a *Args) at(i int) Value {
	if i < 0 || i >= len(a.vals) {
		return Zero
	}
	return a.vals[i]
}

// VarArgs returns a cursor over the variadic tail.
func (a *Args) VarArgs() *VarArgs {
	return &VarArgs{args: a, word: a.next}
}

// slot is where one argument lives.
type slot struct {
	word int // first argument word, or -1
	vfp  int // first single-precision register, or -1
}

// layout assigns argument words and VFP registers. Variadic calls always use
// the base convention.
func (c Convention) layout(sig Signature) ([]slot, int) {
	word := 0
	if sig.Ret.indirect() {
		word = 1
	}
	var used [16]bool
	vfpDone := false
	hard := c.HardFloat && !sig.Variadic
	out := make([]slot, len(sig.Args))
	for i, t := range sig.Args {
		out[i] = slot{word: -1, vfp: -1}
		if hard && t.Kind.IsFloat() && !vfpDone {
			n := 1
			if t.Kind == Float64 {
				n = 2
			}
			if s := allocVFP(&used, n); s >= 0 {
				out[i].vfp = s
				continue
			}
			vfpDone = true
		}
		out[i].word = word
		word += t.words()
	}
	return out, word
}

// allocVFP back-fills single registers; doubles take an aligned pair.
func allocVFP(used *[16]bool, n int) int {
	for s := 0; s+n <= len(used); s += n {
		free := true
		for k := 0; k < n; k++ {
			free = free && !used[s+k]
		}
		if free {
			for k := 0; k < n; k++ {
				used[s+k] = true
			}
			return s
		}
	}
	return -1
}

func readWord(regs *emu.Registers, mem *memory.Memory, sp memory.Addr, i int) (uint32, error) {
	if i < argRegs {
		return regs.R[i], nil
	}
	return mem.Read32(sp + memory.Addr(4*(i-argRegs)))
}

func readVFP(regs *emu.Registers, s int, t Type) Value {
	if t.Kind == Float64 {
		return Value{Bits: regs.D[s/2]}
	}
	return Float(regs.S(s))
}

// Args unmarshals the arguments of a guest->host call from the guest's
// registers and stack.
func (c Convention) Args(regs *emu.Registers, mem *memory.Memory, sig Signature) (*Args, error) {
	slots, next := c.layout(sig)
	a := &Args{sig: sig, vals: make([]Value, len(sig.Args)), next: next, sp: memory.Addr(regs.SP()), mem: mem}
	copy(a.regs[:], regs.R[:argRegs])
	if sig.Ret.indirect() {
		a.sret = memory.Addr(regs.R[0])
	}
	for i, t := range sig.Args {
		if s := slots[i]; s.vfp >= 0 {
			a.vals[i] = readVFP(regs, s.vfp, t)
			continue
		}
		w := make([]uint32, t.words())
		for k := range w {
			var err error
			if w[k], err = readWord(regs, mem, a.sp, slots[i].word+k); err != nil {
				return nil, fmt.Errorf("failed to read argument %d (%s): %v", i, t, err)
			}
		}
		a.vals[i] = fromWords(t, w)
	}
	return a, nil
}

// Return marshals a host result into the guest's return registers. A large
// struct is written through the hidden pointer the caller passed in r0.
func (c Convention) Return(regs *emu.Registers, mem *memory.Memory, sig Signature, sret memory.Addr, v Value) error {
	t := sig.Ret
	switch {
	case t.Kind == Void:
		return nil
	case t.indirect():
		buf := make([]byte, t.Size)
		copy(buf, v.Bytes)
		if err := mem.WriteBytes(sret, buf); err != nil {
			return fmt.Errorf("failed to write struct return: %v", err)
		}
		regs.R[0] = uint32(sret)
		return nil
	case c.HardFloat && !sig.Variadic && t.Kind == Float32:
		regs.SetS(0, v.F32())
		return nil
	case c.HardFloat && !sig.Variadic && t.Kind == Float64:
		regs.D[0] = v.Bits
		return nil
	}
	w := v.words(t)
	regs.R[0] = w[0]
	if len(w) > 1 {
		regs.R[1] = w[1]
	}
	return nil
}

// Prepare sets up a host->guest call: arguments go to r0-r3, VFP registers
// and a new stack area below SP. Variadic values beyond the signature are
// passed as single words. It returns the hidden struct return buffer, which
// is also carved out of the stack, or 0.
func (c Convention) Prepare(regs *emu.Registers, mem *memory.Memory, sig Signature, args []Value) (memory.Addr, error) {
	if len(args) < len(sig.Args) {
		return 0, fmt.Errorf("%s called with %d arguments", sig, len(args))
	}
	slots, words := c.layout(sig)
	var extra []Value
	if sig.Variadic {
		extra = args[len(sig.Args):]
		for _, v := range extra {
			words += len(v.words(Of(Uint32)))
		}
	}

	sp := memory.Addr(regs.SP())
	var sret memory.Addr
	if sig.Ret.indirect() {
		sp -= memory.Addr(memory.AlignUp(sig.Ret.Size, 8))
		sret = sp
		regs.R[0] = uint32(sret)
	}
	stackWords := max(words-argRegs, 0)
	sp = (sp - memory.Addr(4*stackWords)) &^ 7
	regs.R[emu.SP] = uint32(sp)

	put := func(i int, w uint32) error {
		if i < argRegs {
			regs.R[i] = w
			return nil
		}
		return mem.Write32(sp+memory.Addr(4*(i-argRegs)), w)
	}
	for i, t := range sig.Args {
		if s := slots[i]; s.vfp >= 0 {
			if t.Kind == Float64 {
				regs.D[s.vfp/2] = args[i].Bits
			} else {
				regs.SetS(s.vfp, args[i].F32())
			}
			continue
		}
		for k, w := range args[i].words(t) {
			if err := put(slots[i].word+k, w); err != nil {
				return 0, fmt.Errorf("failed to pass argument %d: %v", i, err)
			}
		}
	}
	if sig.Variadic {
		_, word := c.layout(sig)
		for _, v := range extra {
			for _, w := range v.words(Of(Uint32)) {
				if err := put(word, w); err != nil {
					return 0, fmt.Errorf("failed to pass variadic argument: %v", err)
				}
				word++
			}
		}
	}
	return sret, nil
}

// Result reads the return value of a finished host->guest call.
func (c Convention) Result(regs *emu.Registers, mem *memory.Memory, sig Signature, sret memory.Addr) (Value, error) {
	t := sig.Ret
	switch {
	case t.Kind == Void:
		return Zero, nil
	case t.indirect():
		b, err := mem.ReadBytes(sret, t.Size)
		if err != nil {
			return Zero, fmt.Errorf("failed to read struct return: %v", err)
		}
		return Bytes(b), nil
	case c.HardFloat && !sig.Variadic && t.Kind == Float32:
		return Float(regs.S(0)), nil
	case c.HardFloat && !sig.Variadic && t.Kind == Float64:
		return Value{Bits: regs.D[0]}, nil
	}
	return fromWords(t, []uint32{regs.R[0], regs.R[1]}), nil
}
