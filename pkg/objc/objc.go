// Package objc emulates the Objective-C runtime of a guest process: the
// selector and class tables, message lookup and the class metadata of
// loaded images.
package objc

import (
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/memory"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// ConstantStringClassName is the class of compile-time NSString literals.
	ConstantStringClassName = "__NSCFConstantString"

	// RootClassName is the superclass of placeholder classes, when registered.
	RootClassName = "NSObject"

	maxNameLen   = 1024
	maxDepth     = 256
	lookupCache  = 4096
	constStrInfo = 0x7c8
)

// Sel is a uniqued selector: the guest address of its name.
type Sel memory.Addr

// Imp is a method implementation: a guest code address or a host trampoline.
type Imp memory.Addr

func (s Sel) String() string { return memory.Addr(s).String() }
func (i Imp) String() string { return memory.Addr(i).String() }

// Trampolines hands out the guest addresses of host functions.
type Trampolines interface {
	HostTrampoline(name string) (memory.Addr, error)
}

type cacheKey struct {
	cls memory.Addr
	sel Sel
}

// DoesNotRespondError is a message sent to a receiver whose class chain has
// no implementation of the selector.
type DoesNotRespondError struct {
	Class    string
	Selector string
	Meta     bool
}

func (e *DoesNotRespondError) Error() string {
	if e.Meta {
		return fmt.Sprintf("+[%s %s]: unrecognized selector sent to class", e.Class, e.Selector)
	}
	return fmt.Sprintf("-[%s %s]: unrecognized selector sent to instance", e.Class, e.Selector)
}

// Runtime is the guest's object runtime.
type Runtime struct {
	mem   *memory.Memory
	tramp Trampolines

	sels    map[string]Sel
	selName map[Sel]string

	classes map[string]*Class
	byAddr  map[memory.Addr]*Class
	strings map[string]memory.Addr

	cache *lru.Cache[cacheKey, Imp]
}

// New creates an empty runtime. tramp provides the IMPs of host methods.
func New(mem *memory.Memory, tramp Trampolines) (*Runtime, error) {
	cache, err := lru.New[cacheKey, Imp](lookupCache)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		mem:     mem,
		tramp:   tramp,
		sels:    make(map[string]Sel),
		selName: make(map[Sel]string),
		classes: make(map[string]*Class),
		byAddr:  make(map[memory.Addr]*Class),
		strings: make(map[string]memory.Addr),
		cache:   cache,
	}, nil
}

// Memory returns the guest memory the runtime lives in.
func (r *Runtime) Memory() *memory.Memory { return r.mem }

// RegisterSelectorName returns the unique selector for name, allocating its
// guest string on first use.
func (r *Runtime) RegisterSelectorName(name string) (Sel, error) {
	if sel, ok := r.sels[name]; ok {
		return sel, nil
	}
	addr, err := r.mem.AllocCString(name)
	if err != nil {
		return 0, fmt.Errorf("failed to register selector %q: %v", name, err)
	}
	return r.intern(name, addr), nil
}

// intern uniques name, adopting addr as its selector when name is new.
func (r *Runtime) intern(name string, addr memory.Addr) Sel {
	if sel, ok := r.sels[name]; ok {
		return sel
	}
	sel := Sel(addr)
	r.sels[name] = sel
	r.selName[sel] = name
	return sel
}

// SelectorName returns the name of sel. Selectors the runtime never uniqued
// are read from guest memory.
func (r *Runtime) SelectorName(sel Sel) string {
	if name, ok := r.selName[sel]; ok {
		return name
	}
	name, err := r.mem.CString(memory.Addr(sel), maxNameLen)
	if err != nil {
		return fmt.Sprintf("<sel %s>", sel)
	}
	return name
}

// Selector looks up an already registered selector.
func (r *Runtime) Selector(name string) (Sel, bool) {
	sel, ok := r.sels[name]
	return sel, ok
}

// GetClass returns the named class or nil.
func (r *Runtime) GetClass(name string) *Class { return r.classes[name] }

// ClassAt returns the class or metaclass whose object lives at addr.
func (r *Runtime) ClassAt(addr memory.Addr) (*Class, bool) {
	c, ok := r.byAddr[addr]
	return c, ok
}

// Classes returns every non-meta class sorted by name.
func (r *Runtime) Classes() []*Class {
	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// invalidate drops every cached lookup. Called on each table mutation.
func (r *Runtime) invalidate() {
	if r.cache.Len() > 0 {
		log.Debugf("objc: purging %d cached lookups", r.cache.Len())
	}
	r.cache.Purge()
}
