package abi

import (
	"fmt"

	"github.com/blacktop/hle/pkg/memory"
)

// VarArgs walks the variadic tail of a call. Darwin passes variadic values
// in consecutive words with no alignment padding; floats arrive promoted to
// double.
type VarArgs struct {
	args *Args
	word int
}

func (v *VarArgs) read() (uint32, error) {
	i := v.word
	v.word++
	if i < argRegs {
		return v.args.regs[i], nil
	}
	w, err := v.args.mem.Read32(v.args.sp + memory.Addr(4*(i-argRegs)))
	if err != nil {
		return 0, fmt.Errorf("failed to read variadic argument %d: %v", i, err)
	}
	return w, nil
}

// Word returns the next 32-bit value.
func (v *VarArgs) Word() (uint32, error) { return v.read() }

// Int returns the next value as a signed int.
func (v *VarArgs) Int() (int32, error) {
	w, err := v.read()
	return int32(w), err
}

// Ptr returns the next value as a guest pointer.
func (v *VarArgs) Ptr() (memory.Addr, error) {
	w, err := v.read()
	return memory.Addr(w), err
}

// Long returns the next 64-bit value.
func (v *VarArgs) Long() (uint64, error) {
	lo, err := v.read()
	if err != nil {
		return 0, err
	}
	hi, err := v.read()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// Double returns the next floating point value.
func (v *VarArgs) Double() (float64, error) {
	bits, err := v.Long()
	return Value{Bits: bits}.F64(), err
}
