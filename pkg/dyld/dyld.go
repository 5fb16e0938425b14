// Package dyld binds the imports of loaded modules to guest exports or to
// host functions reached through trampolines.
package dyld

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/loader"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/pkg/errors"
)

// ErrSealed is returned when host symbols are registered after linking began.
var ErrSealed = errors.New("host table is sealed: modules are already linked")

// ErrNotFound is returned by ProcAddress for names nobody provides.
var ErrNotFound = errors.New("symbol not found")

const (
	classPrefix     = "_OBJC_CLASS_$_"
	metaclassPrefix = "_OBJC_METACLASS_$_"
	cfStringClass   = "___CFConstantStringClassReference"
)

// imports that exist only for the real dyld and are never called.
var silent = map[string]bool{
	"dyld_stub_binder": true,
	"__dyld_private":   true,
}

// HostTable is the registry of host functions and constants.
type HostTable interface {
	HasFunction(name string) bool
	Constant(name string) (Constant, bool)
}

// ClassLinker provides the guest addresses of runtime classes.
type ClassLinker interface {
	ClassRef(name string, meta bool) (memory.Addr, error)
	ConstantStringClass() (memory.Addr, error)
	NSString(s string) (memory.Addr, error)
}

// TargetKind is the outcome of symbol resolution.
type TargetKind uint8

const (
	Unresolved TargetKind = iota
	Guest
	Host
	HostConstant
)

func (k TargetKind) String() string {
	switch k {
	case Guest:
		return "guest"
	case Host:
		return "host"
	case HostConstant:
		return "host constant"
	default:
		return "unresolved"
	}
}

// A Target is where a symbol resolved to. Addr is the guest address the
// import slot receives: the export, the host trampoline or the constant.
type Target struct {
	Kind   TargetKind
	Addr   memory.Addr
	Module *loader.Module
	Name   string
}

// Linker owns the trampoline window and every module's bindings.
type Linker struct {
	mem     *memory.Memory
	host    HostTable
	classes ClassLinker
	win     *window

	mods      []*loader.Module
	hosts     map[string]*Slot
	unimpl    map[string]*Slot
	constants map[string]memory.Addr
	late      []lateBind
	breaks    map[memory.Addr][]byte

	ret  *Slot
	exit *Slot
}

type lateBind struct {
	mod  *loader.Module
	imp  loader.Import
	cnst Constant
}

// New maps the trampoline window and allocates the return and thread exit
// trampolines.
func New(mem *memory.Memory, host HostTable) (*Linker, error) {
	win, err := newWindow(mem)
	if err != nil {
		return nil, err
	}
	l := &Linker{
		mem:       mem,
		host:      host,
		win:       win,
		hosts:     make(map[string]*Slot),
		unimpl:    make(map[string]*Slot),
		constants: make(map[string]memory.Addr),
		breaks:    make(map[memory.Addr][]byte),
	}
	if l.ret, err = win.alloc(SlotReturn, "return"); err != nil {
		return nil, err
	}
	if l.exit, err = win.alloc(SlotThreadExit, "thread exit"); err != nil {
		return nil, err
	}
	return l, nil
}

// SetClassLinker installs the runtime that backs class references.
func (l *Linker) SetClassLinker(c ClassLinker) { l.classes = c }

// Sealed reports whether a module has been linked.
func (l *Linker) Sealed() bool { return len(l.mods) > 0 }

// Modules returns the linked modules in load order.
func (l *Linker) Modules() []*loader.Module { return l.mods }

// Window returns the trampoline address range.
func (l *Linker) Window() (memory.Addr, uint64) {
	return l.win.region.Base, l.win.region.End()
}

// ReturnAddr is the trampoline host->guest calls return to.
func (l *Linker) ReturnAddr() memory.Addr { return l.ret.Addr }

// ThreadExitAddr is the trampoline secondary threads return to.
func (l *Linker) ThreadExitAddr() memory.Addr { return l.exit.Addr }

// Slot returns the trampoline at addr.
func (l *Linker) Slot(addr memory.Addr) (*Slot, bool) {
	s, ok := l.win.slots[addr&^1]
	return s, ok
}

// HostTrampoline returns the stable trampoline for a host function.
func (l *Linker) HostTrampoline(name string) (memory.Addr, error) {
	return l.hostSlot(name, SlotHost)
}

func (l *Linker) hostSlot(name string, kind SlotKind) (memory.Addr, error) {
	if s, ok := l.hosts[name]; ok {
		return s.Addr, nil
	}
	s, err := l.win.alloc(kind, name)
	if err != nil {
		return 0, err
	}
	l.hosts[name] = s
	return s.Addr, nil
}

func (l *Linker) unimplemented(name string) (memory.Addr, error) {
	if s, ok := l.unimpl[name]; ok {
		return s.Addr, nil
	}
	s, err := l.win.alloc(SlotUnimplemented, name)
	if err != nil {
		return 0, err
	}
	l.unimpl[name] = s
	return s.Addr, nil
}

// Link binds mods, which must be in load order, after any modules linked
// before. Lazy imports are pointed at per-import lazy bind trampolines and
// everything else is bound now. Host constants are queued for LinkConstants.
func (l *Linker) Link(mods ...*loader.Module) error {
	l.mods = append(l.mods, mods...)
	for _, m := range mods {
		for idx := range m.Imports {
			imp := &m.Imports[idx]
			var err error
			if imp.Kind == loader.Lazy {
				err = l.bindLazyStub(m, imp)
			} else {
				err = l.bindNow(m, imp)
			}
			if err != nil {
				return errors.Wrapf(err, "failed to bind %s in %s", imp.Name, m.Name)
			}
		}
	}
	return nil
}

func (l *Linker) bindLazyStub(m *loader.Module, imp *loader.Import) error {
	s, err := l.win.alloc(SlotLazyBind, imp.Name)
	if err != nil {
		return err
	}
	s.Import, s.Module = imp, m
	return l.mem.PokePtr(imp.Slot, s.Addr)
}

func (l *Linker) bindNow(m *loader.Module, imp *loader.Import) error {
	t, err := l.resolveData(imp.Name, m)
	if err != nil {
		return err
	}
	switch t.Kind {
	case HostConstant:
		c, _ := l.host.Constant(imp.Name)
		l.late = append(l.late, lateBind{mod: m, imp: *imp, cnst: c})
		return nil
	case Unresolved:
		if imp.Weak {
			log.Debugf("%s: weak import %s bound to NULL", m.Name, imp.Name)
			return l.mem.PokePtr(imp.Slot, 0)
		}
		addr, err := l.unimplemented(imp.Name)
		if err != nil {
			return err
		}
		if !silent[imp.Name] {
			log.Warnf("%s: no provider for %s import %s", m.Name, imp.Kind, imp.Name)
		}
		return l.mem.PokePtr(imp.Slot, addr)
	}
	log.Debugf("%s: %s %s -> %s %s", m.Name, imp.Kind, imp.Name, t.Kind, t.Addr)
	return l.mem.PokePtr(imp.Slot, t.Addr+memory.Addr(imp.Addend))
}

// LinkConstants materializes the host constants queued by Link. It runs
// after the object runtime has registered its classes.
func (l *Linker) LinkConstants() error {
	late := l.late
	l.late = nil
	for _, lb := range late {
		addr, err := l.materialize(lb.imp.Name, lb.cnst)
		if err != nil {
			return err
		}
		log.Debugf("%s: constant %s -> %s", lb.mod.Name, lb.imp.Name, addr)
		if err := l.mem.PokePtr(lb.imp.Slot, addr+memory.Addr(lb.imp.Addend)); err != nil {
			return err
		}
	}
	return nil
}

// Resolve looks name up in the guest modules in load order, then in the
// host table. The first guest export wins.
func (l *Linker) Resolve(name string, from *loader.Module) Target {
	for _, m := range l.mods {
		if addr, ok := m.Exports[name]; ok {
			return Target{Kind: Guest, Addr: addr, Module: m, Name: name}
		}
	}
	if l.host != nil && l.host.HasFunction(name) {
		addr, err := l.HostTrampoline(name)
		if err != nil {
			log.Errorf("%v", err)
			return Target{Name: name}
		}
		return Target{Kind: Host, Addr: addr, Name: name}
	}
	if l.host != nil {
		if _, ok := l.host.Constant(name); ok {
			return Target{Kind: HostConstant, Addr: l.constants[name], Name: name}
		}
	}
	return Target{Name: name}
}

// resolveData is Resolve plus the runtime's class references.
func (l *Linker) resolveData(name string, from *loader.Module) (Target, error) {
	t := l.Resolve(name, from)
	if t.Kind != Unresolved || l.classes == nil {
		return t, nil
	}
	var addr memory.Addr
	var err error
	switch {
	case strings.HasPrefix(name, classPrefix):
		addr, err = l.classes.ClassRef(strings.TrimPrefix(name, classPrefix), false)
	case strings.HasPrefix(name, metaclassPrefix):
		addr, err = l.classes.ClassRef(strings.TrimPrefix(name, metaclassPrefix), true)
	case name == cfStringClass:
		addr, err = l.classes.ConstantStringClass()
	default:
		return t, nil
	}
	if err != nil {
		return t, err
	}
	return Target{Kind: Host, Addr: addr, Name: name}, nil
}

// BindLazy resolves the import behind a lazy bind trampoline and patches its
// lazy pointer. Binding is idempotent.
func (l *Linker) BindLazy(s *Slot) (Target, error) {
	if s.Kind != SlotLazyBind {
		return Target{}, fmt.Errorf("%s is not a lazy bind trampoline", s)
	}
	if s.bound != nil {
		return *s.bound, nil
	}
	t := l.Resolve(s.Import.Name, s.Module)
	switch t.Kind {
	case Guest, Host:
	case HostConstant:
		return t, fmt.Errorf("%s: lazy import %s is a data symbol", s.Module.Name, s.Import.Name)
	default:
		addr, err := l.unimplemented(s.Import.Name)
		if err != nil {
			return t, err
		}
		t.Addr = addr
	}
	if err := l.mem.PokePtr(s.Import.Slot, t.Addr); err != nil {
		return t, errors.Wrapf(err, "failed to patch lazy pointer of %s", s.Import.Name)
	}
	log.Debugf("%s: bound lazy %s -> %s %s", s.Module.Name, s.Import.Name, t.Kind, t.Addr)
	s.bound = &t
	return t, nil
}

// ProcAddress implements dlsym: guest exports, then host functions, then
// host constants.
func (l *Linker) ProcAddress(name string) (memory.Addr, error) {
	for _, m := range l.mods {
		if addr, ok := m.Exports[name]; ok {
			return addr, nil
		}
	}
	if l.host != nil && l.host.HasFunction(name) {
		return l.hostSlot(name, SlotProcAddress)
	}
	if l.host != nil {
		if c, ok := l.host.Constant(name); ok {
			return l.materialize(name, c)
		}
	}
	return 0, errors.Wrapf(ErrNotFound, "dlsym %s", name)
}

// Symbolize names addr for diagnostics.
func (l *Linker) Symbolize(addr memory.Addr) (module, symbol string, off uint32) {
	if l.win.contains(addr) {
		if s, ok := l.Slot(addr); ok {
			return "trampolines", s.Name, 0
		}
		return "trampolines", "", uint32(addr - l.win.region.Base)
	}
	for _, m := range l.mods {
		if !m.Contains(addr) {
			continue
		}
		if name, off, ok := m.Symbolize(addr); ok {
			return m.Name, name, off
		}
		return m.Name, "", 0
	}
	return "", "", 0
}

// Stats returns the number of allocated trampolines.
func (l *Linker) Stats() (slots, hosts, unimplemented int) {
	return l.win.used(), len(l.hosts), len(l.unimpl)
}

// Unimplemented returns the names bound to unimplemented trampolines.
func (l *Linker) Unimplemented() []string {
	var out []string
	for name := range l.unimpl {
		out = append(out, name)
	}
	return out
}
