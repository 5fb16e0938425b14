package emu

import (
	"fmt"
	"math"

	"github.com/blacktop/go-macho/types"
)

// Registers is a snapshot of the guest register file.
type Registers struct {
	R     [16]uint32
	CPSR  uint32
	FPSCR uint32
	TLS   uint32 // TPIDRURO
	D     [NumD]uint64
}

func (r *Registers) SP() uint32 { return r.R[SP] }
func (r *Registers) LR() uint32 { return r.R[LR] }
func (r *Registers) PC() uint32 { return r.R[PC] }

// Thumb reports whether the snapshot is in Thumb state.
func (r *Registers) Thumb() bool { return r.CPSR&CPSRThumb != 0 }

// Entry returns the PC with bit 0 set for Thumb state, the form Engine.Start takes.
func (r *Registers) Entry() uint32 {
	if r.Thumb() {
		return r.R[PC] | 1
	}
	return r.R[PC]
}

// SetEntry sets PC and the Thumb bit from an interworking address.
func (r *Registers) SetEntry(addr uint32) {
	if addr&1 != 0 {
		r.CPSR |= CPSRThumb
	} else {
		r.CPSR &^= CPSRThumb
	}
	r.R[PC] = addr &^ 1
}

// S returns the n'th single precision register.
func (r *Registers) S(n int) float32 {
	d := r.D[n/2]
	if n%2 == 1 {
		d >>= 32
	}
	return math.Float32frombits(uint32(d))
}

func (r *Registers) SetS(n int, v float32) {
	bits := uint64(math.Float32bits(v))
	if n%2 == 1 {
		r.D[n/2] = r.D[n/2]&0x00000000ffffffff | bits<<32
	} else {
		r.D[n/2] = r.D[n/2]&0xffffffff00000000 | bits
	}
}

func (r *Registers) F64(n int) float64 { return math.Float64frombits(r.D[n]) }

func (r *Registers) SetF64(n int, v float64) { r.D[n] = math.Float64bits(v) }

func (r Registers) String() string {
	return colorHook("[REGISTERS]\n") +
		colorDetails(
			"     r0: %#-10x  r1: %#-10x  r2: %#-10x  r3: %#-10x\n"+
				"     r4: %#-10x  r5: %#-10x  r6: %#-10x  r7: %#-10x\n"+
				"     r8: %#-10x  r9: %#-10x r10: %#-10x r11: %#-10x\n"+
				"     ip: %#-10x  sp: %#-10x  lr: %#-10x  pc: %#-10x\n"+
				"   cpsr: 0x%08x %s",
			r.R[0], r.R[1], r.R[2], r.R[3],
			r.R[4], r.R[5], r.R[6], r.R[7],
			r.R[8], r.R[9], r.R[10], r.R[11],
			r.R[12], r.R[13], r.R[14], r.R[15],
			r.CPSR, cpsr(r.CPSR),
		)
}

// Changed renders only the registers that differ from prev.
func (r Registers) Changed(prev Registers) string {
	var out string
	names := [16]string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10", "r11", "ip", "sp", "lr", "pc"}
	for i := range r.R {
		if r.R[i] != prev.R[i] {
			out += colorDetails("%4s: ", names[i]) + colorChanged("%#x ", r.R[i])
		}
	}
	if r.CPSR != prev.CPSR {
		out += colorDetails("cpsr: ") + colorChanged("%s", cpsr(r.CPSR))
	}
	return out
}

type cpsr uint32

// NZCV
func (p cpsr) N() bool { return types.ExtractBits(uint64(p), 31, 1) != 0 }
func (p cpsr) Z() bool { return types.ExtractBits(uint64(p), 30, 1) != 0 }
func (p cpsr) C() bool { return types.ExtractBits(uint64(p), 29, 1) != 0 }
func (p cpsr) V() bool { return types.ExtractBits(uint64(p), 28, 1) != 0 }
func (p cpsr) Q() bool { return types.ExtractBits(uint64(p), 27, 1) != 0 }

// AIF masks and state
func (p cpsr) A() bool { return types.ExtractBits(uint64(p), 8, 1) != 0 }
func (p cpsr) I() bool { return types.ExtractBits(uint64(p), 7, 1) != 0 }
func (p cpsr) F() bool { return types.ExtractBits(uint64(p), 6, 1) != 0 }
func (p cpsr) T() bool { return types.ExtractBits(uint64(p), 5, 1) != 0 }

func (p cpsr) M() uint64 { return types.ExtractBits(uint64(p), 0, 5) }

func (p cpsr) String() string {
	flag := func(set bool, c string) string {
		if set {
			return c
		}
		return "-"
	}
	state := "arm"
	if p.T() {
		state = "thumb"
	}
	return fmt.Sprintf("[%s%s%s%s%s %s%s%s] %s mode=%#x",
		flag(p.N(), "N"), flag(p.Z(), "Z"), flag(p.C(), "C"), flag(p.V(), "V"), flag(p.Q(), "Q"),
		flag(p.A(), "A"), flag(p.I(), "I"), flag(p.F(), "F"),
		state, p.M())
}
