package memory

import (
	"errors"
	"reflect"
	"testing"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := New()
	if _, err := m.Map(0x10000, 0x2000, PermRW, OwnerSegment, "__DATA"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x12000, 0x1000, PermRW, OwnerSegment, "__DATA2"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x20000, 0x1000, PermRX, OwnerSegment, "__TEXT"); err != nil {
		t.Fatal(err)
	}
	return m
}

func faultKind(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

func TestAddrAdd(t *testing.T) {
	tests := []struct {
		name string
		a    Addr
		n    uint32
		want Addr
		ok   bool
	}{
		{"simple", 0x1000, 0x10, 0x1010, true},
		{"top", 0xfffffff0, 0xf, 0xffffffff, true},
		{"wrap", 0xfffffff0, 0x10, 0, false},
		{"max", 0xffffffff, 0xffffffff, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.a.Add(tt.n)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Add() = %v, %v, want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestOutOfBounds(t *testing.T) {
	m := newTestMemory(t)
	tests := []struct {
		name string
		addr Addr
		size uint32
		want FaultKind
	}{
		{"null", 0, 4, FaultNull},
		{"null page end", 0xffc, 4, FaultNull},
		{"unmapped", 0x5000, 4, FaultUnmapped},
		{"straddles end", 0x12ffe, 4, FaultUnmapped},
		{"gap", 0x13000, 1, FaultUnmapped},
		{"wraparound", 0xfffffffe, 4, FaultWrap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.ReadBytes(tt.addr, tt.size); faultKind(err) != tt.want {
				t.Errorf("ReadBytes() error = %v, want %s", err, tt.want)
			}
			if err := m.WriteBytes(tt.addr, make([]byte, tt.size)); faultKind(err) != tt.want {
				t.Errorf("WriteBytes() error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestPermissions(t *testing.T) {
	m := newTestMemory(t)
	if err := m.Write32(0x20000, 1); faultKind(err) != FaultProt {
		t.Errorf("write to r-x region: got %v, want permission fault", err)
	}
	if _, err := m.Read32(0x20000); err != nil {
		t.Errorf("read from r-x region: %v", err)
	}
	if _, err := m.Fetch(0x10000, 4); faultKind(err) != FaultProt {
		t.Errorf("fetch from rw- region: got %v, want permission fault", err)
	}
	if err := m.Poke(0x20000, []byte{1, 2, 3, 4}); err != nil {
		t.Errorf("Poke() = %v", err)
	}
	if _, err := m.Reserve(0x40000, 0x1000, "__PAGEZERO"); err != nil {
		t.Fatal(err)
	}
	if err := m.Poke(0x40000, []byte{1}); faultKind(err) != FaultProt {
		t.Errorf("Poke() into reserved region = %v, want permission fault", err)
	}
}

func TestRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	addrs := []Addr{0x10000, 0x10001, 0x11ffc, 0x11ffe, 0x12ff8}
	for _, a := range addrs {
		if err := m.Write8(a, 0xab); err != nil {
			t.Fatal(err)
		}
		if v, _ := m.Read8(a); v != 0xab {
			t.Errorf("Read8(%s) = %#x", a, v)
		}
		if err := m.Write16(a, 0xbeef); err != nil {
			t.Fatal(err)
		}
		if v, _ := m.Read16(a); v != 0xbeef {
			t.Errorf("Read16(%s) = %#x", a, v)
		}
		if err := m.Write32(a, 0xdeadbeef); err != nil {
			t.Fatal(err)
		}
		if v, _ := m.Read32(a); v != 0xdeadbeef {
			t.Errorf("Read32(%s) = %#x", a, v)
		}
		if err := m.Write64(a, 0x0123456789abcdef); err != nil {
			t.Fatal(err)
		}
		if v, _ := m.Read64(a); v != 0x0123456789abcdef {
			t.Errorf("Read64(%s) = %#x", a, v)
		}
		if err := m.WriteF64(a, 3.25); err != nil {
			t.Fatal(err)
		}
		if v, _ := m.ReadF64(a); v != 3.25 {
			t.Errorf("ReadF64(%s) = %v", a, v)
		}
	}
	// 0x11ffe spans two adjacent regions
	if err := m.Write32(0x11ffe, 0xcafebabe); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Read32(0x11ffe); v != 0xcafebabe {
		t.Errorf("cross-region Read32() = %#x", v)
	}
}

func TestStruct(t *testing.T) {
	type pair struct {
		A uint32
		B uint16
		C [2]uint8
	}
	m := newTestMemory(t)
	in := pair{A: 7, B: 9, C: [2]uint8{1, 2}}
	if err := m.WriteStruct(0x10100, in); err != nil {
		t.Fatal(err)
	}
	var out pair
	if err := m.ReadStruct(0x10100, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("ReadStruct() = %+v, want %+v", out, in)
	}
}

func TestCString(t *testing.T) {
	m := newTestMemory(t)
	if err := m.WriteCString(0x10010, "hello"); err != nil {
		t.Fatal(err)
	}
	if s, err := m.CString(0x10010, 0); err != nil || s != "hello" {
		t.Errorf("CString() = %q, %v", s, err)
	}
	if _, err := m.CString(0x10010, 3); faultKind(err) != FaultUnterminated {
		t.Errorf("CString() with short max = %v, want unterminated", err)
	}
	// a string running off the end of mapped memory
	if err := m.Fill(0x12000, 'A', 0x1000); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CString(0x12f00, 0); faultKind(err) != FaultUnterminated {
		t.Errorf("CString() off the end = %v, want unterminated", err)
	}
}

func TestCopy(t *testing.T) {
	m := newTestMemory(t)
	if err := m.WriteBytes(0x10000, []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	if err := m.Copy(0x10002, 0x10000, 4); err != nil {
		t.Fatal(err)
	}
	got, _ := m.ReadBytes(0x10000, 6)
	if want := []byte{1, 2, 1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("Copy() overlapping = %v, want %v", got, want)
	}
	if err := m.Copy(0x20000, 0x10000, 4); faultKind(err) != FaultProt {
		t.Errorf("Copy() into r-x = %v, want permission fault", err)
	}
}

func TestMapOverlap(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x11000, 0x2000, PermRW, OwnerHeap, "overlap"); err == nil {
		t.Error("Map() over an existing region succeeded")
	}
	if _, err := m.Map(0x0, 0x1000, PermRW, OwnerHeap, "null"); err == nil {
		t.Error("Map() over the null page succeeded")
	}
	if _, err := m.Map(0x30001, 0x1000, PermRW, OwnerHeap, "unaligned"); err == nil {
		t.Error("Map() unaligned succeeded")
	}
	if _, err := m.MapShared(0x50000, 0x1000, PermRW, OwnerHost, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.MapShared(0x50000, 0x1000, PermRW, OwnerHost, "b"); err != nil {
		t.Errorf("MapShared() over a shared region = %v", err)
	}
}

func TestFindFree(t *testing.T) {
	m := newTestMemory(t)
	got, err := m.FindFree(0x3000, 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x13000 {
		t.Errorf("FindFree() = %s, want 0x13000", got)
	}
	if got, _ := m.FindFree(0x1000, 0x1000); got != 0x1000 {
		t.Errorf("FindFree() = %s, want 0x1000", got)
	}
}

func TestStacks(t *testing.T) {
	m := New()
	main, err := m.AllocStack(MainStackSize, true, "main")
	if err != nil {
		t.Fatal(err)
	}
	if main.Base != MainStackBase || main.End() != 1<<32 {
		t.Errorf("main stack = %s", main)
	}
	if err := m.Write32(0xfffffffc, 1); err != nil {
		t.Errorf("write at top of stack: %v", err)
	}
	sec, err := m.AllocStack(SecondaryStackSize, false, "thread 1")
	if err != nil {
		t.Fatal(err)
	}
	if sec.Size != SecondaryStackSize || sec.Base < StackSearchBase {
		t.Errorf("secondary stack = %s", sec)
	}
}
