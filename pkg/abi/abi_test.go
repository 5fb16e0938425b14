package abi

import (
	"reflect"
	"testing"

	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
)

const stackTop = 0x80000

func setup(t *testing.T) (*emu.Registers, *memory.Memory) {
	t.Helper()
	mem := memory.New()
	if _, err := mem.Map(0x40000, 0x40000, memory.PermRW, memory.OwnerStack, "stack"); err != nil {
		t.Fatal(err)
	}
	regs := &emu.Registers{}
	regs.R[emu.SP] = stackTop - 0x100
	return regs, mem
}

func TestArgsSoftFloat(t *testing.T) {
	regs, mem := setup(t)
	sig := Signature{
		Args: []Type{Of(Int8), Of(Int64), Of(Uint16), Of(Float64), Of(Ptr), StructOf(6)},
		Ret:  Of(Int32),
	}
	// words: r0=int8, r1:r2=int64, r3=uint16, [sp]:[sp+4]=double, [sp+8]=ptr, [sp+12..]=struct
	regs.R[0] = 0xffffff80
	regs.R[1] = 0x89abcdef
	regs.R[2] = 0x01234567
	regs.R[3] = 0xdead1234
	sp := memory.Addr(regs.SP())
	dbl := Double(2.5).Bits
	for i, w := range []uint32{uint32(dbl), uint32(dbl >> 32), 0x5000, 0x04030201, 0x0605} {
		if err := mem.Write32(sp+memory.Addr(4*i), w); err != nil {
			t.Fatal(err)
		}
	}

	args, err := Convention{}.Args(regs, mem, sig)
	if err != nil {
		t.Fatalf("Args() error = %v", err)
	}
	if got := args.Int32(0); got != -128 {
		t.Errorf("int8 = %d", got)
	}
	if got := args.Uint64(1); got != 0x0123456789abcdef {
		t.Errorf("int64 = %#x", got)
	}
	if got := args.Uint32(2); got != 0x1234 {
		t.Errorf("uint16 = %#x", got)
	}
	if got := args.Float64(3); got != 2.5 {
		t.Errorf("double = %v", got)
	}
	if got := args.Ptr(4); got != 0x5000 {
		t.Errorf("ptr = %s", got)
	}
	if got := args.Struct(5); !reflect.DeepEqual(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("struct = %v", got)
	}
	if got := args.Uint32(9); got != 0 {
		t.Errorf("out of range argument = %d", got)
	}
}

func TestArgsHardFloat(t *testing.T) {
	regs, mem := setup(t)
	sig := Sig(Float64, Float32, Int32, Float64, Float32)
	regs.SetS(0, 1.5)    // s0
	regs.R[0] = 7        // r0
	regs.SetF64(1, 3.25) // d1 = s2:s3
	regs.SetS(1, -2)     // back-filled s1

	conv := Convention{HardFloat: true}
	args, err := conv.Args(regs, mem, sig)
	if err != nil {
		t.Fatal(err)
	}
	if args.Float32(0) != 1.5 || args.Int32(1) != 7 || args.Float64(2) != 3.25 || args.Float32(3) != -2 {
		t.Errorf("args = %v %v %v %v", args.Float32(0), args.Int32(1), args.Float64(2), args.Float32(3))
	}
	if err := conv.Return(regs, mem, sig, 0, Double(6.5)); err != nil {
		t.Fatal(err)
	}
	if regs.F64(0) != 6.5 {
		t.Errorf("d0 = %v", regs.F64(0))
	}

	// variadic calls fall back to the base convention
	vsig := Sig(Int32, Ptr).Varargs()
	slots, _ := conv.layout(Signature{Args: []Type{Of(Float64)}, Variadic: true})
	if slots[0].vfp != -1 || slots[0].word != 0 {
		t.Errorf("variadic double placed in %+v", slots[0])
	}
	if vsig.String() != "int32(ptr, ...)" {
		t.Errorf("String() = %s", vsig)
	}
}

func TestReturn(t *testing.T) {
	tests := []struct {
		name   string
		ret    Type
		val    Value
		r0, r1 uint32
	}{
		{"int32", Of(Int32), Int(-5), 0xfffffffb, 0},
		{"int8 sign extends", Of(Int8), Word(0x1ff), 0xffffffff, 0},
		{"uint16 masks", Of(Uint16), Word(0x12345), 0x2345, 0},
		{"bool", Of(Bool), Boolean(true), 1, 0},
		{"int64", Of(Int64), Long(0x1122334455667788), 0x55667788, 0x11223344},
		{"soft float", Of(Float32), Float(1), 0x3f800000, 0},
		{"soft double", Of(Float64), Double(1), 0, 0x3ff00000},
		{"small struct", StructOf(4), Bytes([]byte{1, 2, 3, 4}), 0x04030201, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regs, mem := setup(t)
			sig := Signature{Ret: tt.ret}
			if err := (Convention{}).Return(regs, mem, sig, 0, tt.val); err != nil {
				t.Fatal(err)
			}
			if regs.R[0] != tt.r0 || regs.R[1] != tt.r1 {
				t.Errorf("r0:r1 = %#x:%#x, want %#x:%#x", regs.R[0], regs.R[1], tt.r0, tt.r1)
			}
			got, err := Convention{}.Result(regs, mem, sig, 0)
			if err != nil {
				t.Fatal(err)
			}
			want := uint64(tt.r0) | uint64(tt.r1)<<32
			if tt.ret.Kind != Struct && got.Bits != want {
				t.Errorf("Result() = %#x, want %#x", got.Bits, want)
			}
		})
	}
}

func TestStructReturn(t *testing.T) {
	regs, mem := setup(t)
	sig := Signature{Args: []Type{Of(Int32)}, Ret: StructOf(12)}
	sret := memory.Addr(stackTop - 0x40)
	regs.R[0] = uint32(sret)
	regs.R[1] = 99

	args, err := Convention{}.Args(regs, mem, sig)
	if err != nil {
		t.Fatal(err)
	}
	if args.Int32(0) != 99 || args.StructReturn() != sret {
		t.Fatalf("args = %d, sret = %s", args.Int32(0), args.StructReturn())
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if err := (Convention{}).Return(regs, mem, sig, args.StructReturn(), Bytes(want)); err != nil {
		t.Fatal(err)
	}
	got, _ := mem.ReadBytes(sret, 12)
	if !reflect.DeepEqual(got, want) || regs.R[0] != uint32(sret) {
		t.Errorf("struct return = %v r0=%#x", got, regs.R[0])
	}
}

func TestPrepare(t *testing.T) {
	regs, mem := setup(t)
	sig := Signature{
		Args: []Type{Of(Int32), Of(Int32), Of(Int32), Of(Int64), Of(Int32)},
		Ret:  StructOf(8),
	}
	args := []Value{Int(1), Int(2), Int(3), Long(0x0000000500000004), Int(6)}
	oldSP := regs.SP()

	sret, err := Convention{}.Prepare(regs, mem, sig, args)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if sret == 0 || regs.R[0] != uint32(sret) {
		t.Fatalf("sret = %s, r0 = %#x", sret, regs.R[0])
	}
	if regs.SP()%8 != 0 || regs.SP() >= uint32(sret) || uint32(sret)+8 > oldSP {
		t.Errorf("sp = %#x sret = %s old sp = %#x", regs.SP(), sret, oldSP)
	}
	// r0 = sret, r1..r3 = 1,2,3, then int64 and the last int on the stack
	if regs.R[1] != 1 || regs.R[2] != 2 || regs.R[3] != 3 {
		t.Errorf("r1-r3 = %d %d %d", regs.R[1], regs.R[2], regs.R[3])
	}
	var stack [3]uint32
	for i := range stack {
		stack[i], _ = mem.Read32(memory.Addr(regs.SP()) + memory.Addr(4*i))
	}
	if stack != [3]uint32{4, 5, 6} {
		t.Errorf("stack = %v", stack)
	}

	// the callee sees exactly what the host passed
	back, err := Convention{}.Args(regs, mem, sig)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range args {
		if back.Value(i).Bits != v.Bits {
			t.Errorf("arg %d = %#x, want %#x", i, back.Value(i).Bits, v.Bits)
		}
	}

	if err := mem.WriteBytes(sret, []byte{9, 8, 7, 6, 5, 4, 3, 2}); err != nil {
		t.Fatal(err)
	}
	res, err := Convention{}.Result(regs, mem, sig, sret)
	if err != nil || !reflect.DeepEqual(res.Bytes, []byte{9, 8, 7, 6, 5, 4, 3, 2}) {
		t.Errorf("Result() = %v, %v", res.Bytes, err)
	}
}

func TestVarArgs(t *testing.T) {
	regs, mem := setup(t)
	sig := Sig(Int32, Ptr).Varargs()
	regs.R[0] = 0x1000 // format
	regs.R[1] = 42
	dbl := Double(0.5).Bits
	regs.R[2] = uint32(dbl)
	regs.R[3] = uint32(dbl >> 32)
	mem.Write32(memory.Addr(regs.SP()), 0x2000)

	args, err := Convention{}.Args(regs, mem, sig)
	if err != nil {
		t.Fatal(err)
	}
	va := args.VarArgs()
	if n, _ := va.Int(); n != 42 {
		t.Errorf("int = %d", n)
	}
	if f, _ := va.Double(); f != 0.5 {
		t.Errorf("double = %v", f)
	}
	if p, _ := va.Ptr(); p != 0x2000 {
		t.Errorf("ptr = %s", p)
	}

	// host -> guest variadic tail
	regs2, mem2 := setup(t)
	if _, err := (Convention{}).Prepare(regs2, mem2, sig, []Value{Addr(0x1000), Word(1), Word(2), Word(3), Word(4)}); err != nil {
		t.Fatal(err)
	}
	if w, _ := mem2.Read32(memory.Addr(regs2.SP())); regs2.R[3] != 3 || w != 4 {
		t.Errorf("variadic words r3=%d stack=%d", regs2.R[3], w)
	}
}
