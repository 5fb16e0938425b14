package dyld

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/hle/internal/machotest"
	"github.com/blacktop/hle/pkg/arm"
	"github.com/blacktop/hle/pkg/loader"
	"github.com/blacktop/hle/pkg/memory"
)

type fakeHost struct {
	funcs  map[string]bool
	consts map[string]Constant
}

func (h *fakeHost) HasFunction(name string) bool { return h.funcs[name] }
func (h *fakeHost) Constant(name string) (Constant, bool) {
	c, ok := h.consts[name]
	return c, ok
}

type fakeClasses struct {
	mem  *memory.Memory
	refs map[string]memory.Addr
}

func (c *fakeClasses) ClassRef(name string, meta bool) (memory.Addr, error) {
	key := name
	if meta {
		key = "meta " + name
	}
	if addr, ok := c.refs[key]; ok {
		return addr, nil
	}
	addr, err := c.mem.Alloc(32)
	if err != nil {
		return 0, err
	}
	c.refs[key] = addr
	return addr, nil
}

func (c *fakeClasses) ConstantStringClass() (memory.Addr, error) { return c.ClassRef("__NSCFConstantString", false) }
func (c *fakeClasses) NSString(s string) (memory.Addr, error)     { return c.mem.AllocCString("@" + s) }

func newLinker(t *testing.T) (*Linker, *memory.Memory, *fakeHost) {
	t.Helper()
	mem := memory.New()
	host := &fakeHost{
		funcs:  map[string]bool{"_foo": true, "_puts": true},
		consts: map[string]Constant{"_kSeven": Value(7), "_kNull": NullPtr(), "_kName": NSString("name")},
	}
	l, err := New(mem, host)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, mem, host
}

func mapAll(t *testing.T, mem *memory.Memory, bs ...*machotest.Builder) []*loader.Module {
	t.Helper()
	var mods []*loader.Module
	for _, b := range bs {
		img, err := loader.ParseReader("image", bytes.NewReader(b.MustBuild(t)))
		if err != nil {
			t.Fatalf("ParseReader() error = %v", err)
		}
		m, err := img.Map(mem)
		if err != nil {
			t.Fatalf("Map() error = %v", err)
		}
		mods = append(mods, m)
	}
	return mods
}

func lib(id string, value uint32) *machotest.Builder {
	return &machotest.Builder{
		Type: types.MH_DYLIB,
		ID:   id,
		Funcs: []machotest.Func{{Name: "_X", Code: func(*machotest.Layout) []uint32 {
			return []uint32{arm.MovImm(arm.R0, value), arm.Ret}
		}}},
	}
}

func mainWith(imports ...machotest.Import) *machotest.Builder {
	return &machotest.Builder{
		Funcs:   []machotest.Func{{Name: "_main", Code: machotest.Return}},
		Imports: imports,
		Entry:   "_main",
	}
}

func TestWindow(t *testing.T) {
	l, mem, _ := newLinker(t)
	lo, hi := l.Window()
	if lo != memory.TrampolineBase || hi != uint64(memory.TrampolineBase)+memory.TrampolineSize {
		t.Errorf("window = %s-%#x", lo, hi)
	}
	for _, addr := range []memory.Addr{l.ReturnAddr(), l.ThreadExitAddr(), memory.Addr(hi - 4)} {
		if insn, err := mem.Read32(addr); err != nil || insn != arm.Trap {
			t.Errorf("window word at %s = %#x, %v", addr, insn, err)
		}
	}
	if s, ok := l.Slot(l.ReturnAddr()); !ok || s.Kind != SlotReturn {
		t.Errorf("return slot = %v", s)
	}
	if s, ok := l.Slot(l.ThreadExitAddr()); !ok || s.Kind != SlotThreadExit {
		t.Errorf("thread exit slot = %v", s)
	}
	if err := mem.Write32(l.ReturnAddr(), 0); err == nil {
		t.Errorf("trampoline window is writable")
	}

	a, _ := l.HostTrampoline("_foo")
	b, _ := l.HostTrampoline("_puts")
	c, _ := l.HostTrampoline("_foo")
	if a != c || a == b {
		t.Errorf("host trampolines _foo=%s _puts=%s _foo=%s", a, b, c)
	}
}

func TestResolveOrder(t *testing.T) {
	l, mem, _ := newLinker(t)
	mods := mapAll(t, mem,
		mainWith(machotest.Import{Name: "_X"}),
		lib("libA.dylib", 1),
		lib("libB.dylib", 2),
	)
	if err := l.Link(mods...); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	target := l.Resolve("_X", mods[0])
	if target.Kind != Guest || target.Module != mods[1] {
		t.Fatalf("Resolve(_X) = %+v, want libA", target)
	}
	got, err := mem.ReadPtr(mods[0].Imports[0].Slot)
	if err != nil {
		t.Fatal(err)
	}
	if got != mods[1].Exports["_X"] || got == mods[2].Exports["_X"] {
		t.Errorf("_X bound to %s, want libA's %s", got, mods[1].Exports["_X"])
	}
	if !l.Sealed() {
		t.Errorf("linker is not sealed after Link")
	}
}

func TestLazyBind(t *testing.T) {
	l, mem, _ := newLinker(t)
	mods := mapAll(t, mem,
		mainWith(
			machotest.Import{Name: "_foo", Lazy: true},
			machotest.Import{Name: "_X", Lazy: true},
			machotest.Import{Name: "_missing", Lazy: true},
		),
		lib("libA.dylib", 1),
	)
	if err := l.Link(mods...); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	host, _ := l.HostTrampoline("_foo")
	tests := []struct {
		name string
		kind TargetKind
		addr memory.Addr
	}{
		{"_foo", Host, host},
		{"_X", Guest, mods[1].Exports["_X"]},
		{"_missing", Unresolved, 0},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			imp := mods[0].Imports[i]
			if imp.Name != tt.name || imp.Kind != loader.Lazy {
				t.Fatalf("import %d = %+v", i, imp)
			}
			ptr, _ := mem.ReadPtr(imp.Slot)
			s, ok := l.Slot(ptr)
			if !ok || s.Kind != SlotLazyBind {
				t.Fatalf("lazy pointer %s is not a lazy bind trampoline", ptr)
			}
			target, err := l.BindLazy(s)
			if err != nil {
				t.Fatalf("BindLazy() error = %v", err)
			}
			if target.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", target.Kind, tt.kind)
			}
			if tt.kind == Unresolved {
				if u, ok := l.Slot(target.Addr); !ok || u.Kind != SlotUnimplemented || u.Name != "_missing" {
					t.Errorf("unresolved target = %v", u)
				}
			} else if target.Addr != tt.addr {
				t.Errorf("addr = %s, want %s", target.Addr, tt.addr)
			}
			if ptr, _ := mem.ReadPtr(imp.Slot); ptr != target.Addr {
				t.Errorf("lazy pointer = %s after binding, want %s", ptr, target.Addr)
			}
			again, err := l.BindLazy(s)
			if err != nil || again != target {
				t.Errorf("second BindLazy() = %+v, %v", again, err)
			}
		})
	}
}

func TestNonLazy(t *testing.T) {
	l, mem, _ := newLinker(t)
	classes := &fakeClasses{mem: mem, refs: make(map[string]memory.Addr)}
	l.SetClassLinker(classes)

	b := mainWith(
		machotest.Import{Name: "_gone", Weak: true},
		machotest.Import{Name: "_absent"},
		machotest.Import{Name: "_OBJC_CLASS_$_NSObject"},
		machotest.Import{Name: "_OBJC_METACLASS_$_NSObject"},
		machotest.Import{Name: "___CFConstantStringClassReference"},
		machotest.Import{Name: "_kSeven"},
		machotest.Import{Name: "_kNull"},
		machotest.Import{Name: "_kName"},
		machotest.Import{Name: "dyld_stub_binder"},
	)
	b.Data = []byte{0x10, 0, 0, 0}
	b.ExtRefs = []machotest.ExtRef{{Off: 0, Name: "_X"}}
	mods := mapAll(t, mem, b, lib("libA.dylib", 1))
	if err := l.Link(mods...); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	slot := func(name string) memory.Addr {
		for _, imp := range mods[0].Imports {
			if imp.Name == name {
				ptr, err := mem.ReadPtr(imp.Slot)
				if err != nil {
					t.Fatal(err)
				}
				return ptr
			}
		}
		t.Fatalf("no import %s", name)
		return 0
	}

	if got := slot("_gone"); got != 0 {
		t.Errorf("weak import = %s, want NULL", got)
	}
	if s, ok := l.Slot(slot("_absent")); !ok || s.Kind != SlotUnimplemented {
		t.Errorf("missing import = %v", s)
	}
	if got := slot("_OBJC_CLASS_$_NSObject"); got != classes.refs["NSObject"] || got == 0 {
		t.Errorf("class ref = %s", got)
	}
	if got := slot("_OBJC_METACLASS_$_NSObject"); got != classes.refs["meta NSObject"] {
		t.Errorf("metaclass ref = %s", got)
	}
	if got := slot("___CFConstantStringClassReference"); got != classes.refs["__NSCFConstantString"] {
		t.Errorf("CFString class ref = %s", got)
	}
	if got := slot("_X"); got != mods[1].Exports["_X"]+0x10 {
		t.Errorf("external relocation = %s, want %s+0x10", got, mods[1].Exports["_X"])
	}

	// constants are late linked
	if got := slot("_kSeven"); got != 0 {
		t.Errorf("constant bound before LinkConstants: %s", got)
	}
	if err := l.LinkConstants(); err != nil {
		t.Fatalf("LinkConstants() error = %v", err)
	}
	if v, err := mem.Read32(slot("_kSeven")); err != nil || v != 7 {
		t.Errorf("*_kSeven = %d, %v", v, err)
	}
	if v, err := mem.Read32(slot("_kNull")); err != nil || v != 0 {
		t.Errorf("*_kNull = %d, %v", v, err)
	}
	str, _ := mem.ReadPtr(slot("_kName"))
	if s, err := mem.CString(str, 64); err != nil || s != "@name" {
		t.Errorf("**_kName = %q, %v", s, err)
	}

	unimpl := l.Unimplemented()
	sort.Strings(unimpl)
	if len(unimpl) != 2 || unimpl[0] != "_absent" || unimpl[1] != "dyld_stub_binder" {
		t.Errorf("Unimplemented() = %v", unimpl)
	}
}

func TestProcAddress(t *testing.T) {
	l, mem, _ := newLinker(t)
	mods := mapAll(t, mem, mainWith(), lib("libA.dylib", 1))
	if err := l.Link(mods...); err != nil {
		t.Fatal(err)
	}
	if addr, err := l.ProcAddress("_X"); err != nil || addr != mods[1].Exports["_X"] {
		t.Errorf("ProcAddress(_X) = %s, %v", addr, err)
	}
	addr, err := l.ProcAddress("_puts")
	if s, ok := l.Slot(addr); err != nil || !ok || s.Kind != SlotProcAddress {
		t.Errorf("ProcAddress(_puts) = %v, %v", s, err)
	}
	if again, _ := l.HostTrampoline("_puts"); again != addr {
		t.Errorf("dlsym and import trampolines differ: %s %s", addr, again)
	}
	cell, err := l.ProcAddress("_kSeven")
	if v, _ := mem.Read32(cell); err != nil || v != 7 {
		t.Errorf("ProcAddress(_kSeven) = %s -> %d, %v", cell, v, err)
	}
	if _, err := l.ProcAddress("_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ProcAddress(_nope) error = %v", err)
	}

	mod, sym, off := l.Symbolize(mods[1].Exports["_X"] + 4)
	if mod != "image" || sym != "_X" || off != 4 {
		t.Errorf("Symbolize() = %s %s+%d", mod, sym, off)
	}
	if mod, sym, _ := l.Symbolize(addr); mod != "trampolines" || sym != "_puts" {
		t.Errorf("Symbolize(trampoline) = %s %s", mod, sym)
	}
}

func TestBreakpoint(t *testing.T) {
	l, mem, _ := newLinker(t)
	mods := mapAll(t, mem, mainWith())
	entry := mods[0].Entry
	if err := l.SetBreakpoint(entry); err != nil {
		t.Fatalf("SetBreakpoint() error = %v", err)
	}
	if insn, _ := mem.Read32(entry); insn != arm.Bkpt(0) {
		t.Errorf("insn = %#x, want bkpt", insn)
	}
	if !l.Breakpoint(entry) {
		t.Errorf("Breakpoint() = false")
	}
	if err := l.ClearBreakpoint(entry); err != nil {
		t.Fatal(err)
	}
	if insn, _ := mem.Read32(entry); insn != arm.Ret {
		t.Errorf("insn = %#x after clearing, want bx lr", insn)
	}
	if err := l.SetBreakpoint(entry | 1); err != nil {
		t.Fatal(err)
	}
	if half, _ := mem.Read16(entry); half != arm.ThumbBkpt(0) {
		t.Errorf("thumb insn = %#x", half)
	}
}
