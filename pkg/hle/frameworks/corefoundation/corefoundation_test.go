package corefoundation

import (
	"context"
	"io"
	"testing"

	"github.com/blacktop/hle/internal/machotest"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/emu/interp"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
)

type harness struct {
	t   *testing.T
	env *hle.Env
}

func setup(t *testing.T) *harness {
	t.Helper()
	env, err := hle.New(hle.DefaultConfig(), hle.WithEngine(interp.New()), hle.WithFrameworks(Framework), hle.WithStdout(io.Discard))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { env.Close() })
	b := &machotest.Builder{
		Funcs:   []machotest.Func{{Name: "_main", Code: machotest.Return}},
		Imports: []machotest.Import{{Name: "___CFConstantStringClassReference"}},
		Entry:   "_main",
	}
	if _, err := env.Load(b.WriteFile(t, t.TempDir(), "app")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return &harness{t: t, env: env}
}

func (h *harness) call(name string, sig abi.Signature, args ...abi.Value) abi.Value {
	h.t.Helper()
	addr, err := h.env.Lookup(name)
	if err != nil {
		h.t.Fatal(err)
	}
	v, err := h.env.Call(context.Background(), addr, sig, args...)
	if err != nil {
		h.t.Fatalf("%s() error = %v", name, err)
	}
	return v
}

// words writes vals to guest memory and returns their address.
func (h *harness) words(vals ...memory.Addr) memory.Addr {
	h.t.Helper()
	addr, err := h.env.Memory().Alloc(uint32(4*len(vals) + 4))
	if err != nil {
		h.t.Fatal(err)
	}
	for i, v := range vals {
		if err := h.env.Memory().WritePtr(addr+memory.Addr(4*i), v); err != nil {
			h.t.Fatal(err)
		}
	}
	return addr
}

func (h *harness) str(s string) memory.Addr {
	h.t.Helper()
	obj, err := h.env.Runtime().NSString(s)
	if err != nil {
		h.t.Fatal(err)
	}
	return obj
}

func TestConstantStringClassReference(t *testing.T) {
	h := setup(t)
	isa, err := h.env.Runtime().ConstantStringClass()
	if err != nil {
		t.Fatal(err)
	}
	ref, err := h.env.Lookup("___CFConstantStringClassReference")
	if err != nil {
		t.Fatal(err)
	}
	if ref != isa {
		t.Errorf("___CFConstantStringClassReference = %s, want %s class %s", ref, objc.ConstantStringClassName, isa)
	}
}

func TestStrings(t *testing.T) {
	h := setup(t)
	s := h.str("ünïcode")
	if got := h.call("_CFStringGetLength", abi.Sig(abi.Int32, abi.Ptr), abi.Addr(s)).I32(); got != 7 {
		t.Errorf("CFStringGetLength = %d, want 7", got)
	}
	if got := h.call("_CFGetTypeID", abi.Sig(abi.Uint32, abi.Ptr), abi.Addr(s)).U32(); got != uint32(CFStringTypeID) {
		t.Errorf("CFGetTypeID = %d, want %d", got, CFStringTypeID)
	}
	cstr, err := h.env.Memory().AllocCString("made")
	if err != nil {
		t.Fatal(err)
	}
	made := h.call("_CFStringCreateWithCString", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Uint32), abi.Zero, abi.Addr(cstr), abi.Word(0x08000100)).Addr()
	ptr := h.call("_CFStringGetCStringPtr", abi.Sig(abi.Ptr, abi.Ptr, abi.Uint32), abi.Addr(made), abi.Word(0x08000100)).Addr()
	if got, err := h.env.Memory().CString(ptr, 0); err != nil || got != "made" {
		t.Errorf("CFStringGetCStringPtr = %q, %v", got, err)
	}
	// strings are immortal
	h.call("_CFRelease", abi.Sig(abi.Void, abi.Ptr), abi.Addr(made))
	if got := h.call("_CFGetRetainCount", abi.Sig(abi.Int32, abi.Ptr), abi.Addr(made)).I32(); got != 0x7fffffff {
		t.Errorf("CFGetRetainCount(string) = %#x", got)
	}
}

func TestArrayAndDictionary(t *testing.T) {
	h := setup(t)
	one, two := h.str("one"), h.str("two")

	arr := h.call("_CFArrayCreate", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Int32, abi.Ptr),
		abi.Zero, abi.Addr(h.words(one, two)), abi.Int(2), abi.Zero).Addr()
	if got := h.call("_CFArrayGetCount", abi.Sig(abi.Int32, abi.Ptr), abi.Addr(arr)).I32(); got != 2 {
		t.Errorf("CFArrayGetCount = %d, want 2", got)
	}
	if got := h.call("_CFArrayGetValueAtIndex", abi.Sig(abi.Ptr, abi.Ptr, abi.Int32), abi.Addr(arr), abi.Int(1)).Addr(); got != two {
		t.Errorf("CFArrayGetValueAtIndex(1) = %s, want %s", got, two)
	}
	if got := h.call("_CFGetTypeID", abi.Sig(abi.Uint32, abi.Ptr), abi.Addr(arr)).U32(); got != uint32(CFArrayTypeID) {
		t.Errorf("CFGetTypeID(array) = %d", got)
	}

	callbacks := h.words(0)
	dict := h.call("_CFDictionaryCreate", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Ptr, abi.Int32, abi.Ptr, abi.Ptr),
		abi.Zero, abi.Addr(h.words(one, two)), abi.Addr(h.words(arr, 0)), abi.Int(2), abi.Addr(callbacks), abi.Addr(callbacks)).Addr()
	if got := h.call("_CFDictionaryGetCount", abi.Sig(abi.Int32, abi.Ptr), abi.Addr(dict)).I32(); got != 2 {
		t.Errorf("CFDictionaryGetCount = %d, want 2", got)
	}
	// a different object with the same characters finds the entry
	key, err := h.env.Memory().AllocCString("one")
	if err != nil {
		t.Fatal(err)
	}
	copied, err := h.env.Memory().Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	isa, _ := h.env.Runtime().ConstantStringClass()
	for i, w := range []uint32{uint32(isa), 0x7c8, uint32(key), 3} {
		if err := h.env.Memory().Write32(copied+memory.Addr(4*i), w); err != nil {
			t.Fatal(err)
		}
	}
	get := abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr)
	if got := h.call("_CFDictionaryGetValue", get, abi.Addr(dict), abi.Addr(copied)).Addr(); got != arr {
		t.Errorf("CFDictionaryGetValue(one) = %s, want %s", got, arr)
	}
	if got := h.call("_CFDictionaryGetValue", get, abi.Addr(dict), abi.Addr(h.str("three"))).Addr(); got != 0 {
		t.Errorf("CFDictionaryGetValue(three) = %s, want NULL", got)
	}

	// the dictionary owns a reference to the array
	count := abi.Sig(abi.Int32, abi.Ptr)
	if got := h.call("_CFGetRetainCount", count, abi.Addr(arr)).I32(); got != 2 {
		t.Errorf("array retain count = %d, want 2", got)
	}
	h.call("_CFRetain", abi.Sig(abi.Ptr, abi.Ptr), abi.Addr(dict))
	release := abi.Sig(abi.Void, abi.Ptr)
	h.call("_CFRelease", release, abi.Addr(dict))
	h.call("_CFRelease", release, abi.Addr(dict))
	if got := h.call("_CFGetRetainCount", count, abi.Addr(arr)).I32(); got != 1 {
		t.Errorf("array retain count after freeing the dictionary = %d, want 1", got)
	}
	h.call("_CFRelease", release, abi.Addr(arr))

	addr, err := h.env.Lookup("_CFArrayGetCount")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.env.Call(context.Background(), addr, count, abi.Addr(arr)); err == nil {
		t.Error("CFArrayGetCount on a released array succeeded")
	}
}
