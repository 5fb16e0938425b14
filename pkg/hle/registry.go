package hle

import (
	"fmt"
	"sort"

	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/pkg/errors"
)

// Handler implements one host function.
type Handler func(c *Call) (abi.Value, error)

// Function is a registered host function.
type Function struct {
	Name    string
	Sig     abi.Signature
	Handler Handler
}

// Registry maps symbol names to host functions and host constants.
// Registration is only possible before the first image is linked.
type Registry struct {
	funcs  map[string]*Function
	consts map[string]dyld.Constant
	sealed func() bool
}

func newRegistry(sealed func() bool) *Registry {
	return &Registry{
		funcs:  make(map[string]*Function),
		consts: make(map[string]dyld.Constant),
		sealed: sealed,
	}
}

// Register adds a host function under its mangled symbol name, e.g. "_puts"
// or "-[NSObject init]".
func (r *Registry) Register(name string, sig abi.Signature, fn Handler) error {
	if r.sealed() {
		return errors.Wrapf(dyld.ErrSealed, "failed to register %s", name)
	}
	if fn == nil {
		return fmt.Errorf("failed to register %s: nil handler", name)
	}
	if _, dup := r.funcs[name]; dup {
		return fmt.Errorf("failed to register %s: already registered", name)
	}
	r.funcs[name] = &Function{Name: name, Sig: sig, Handler: fn}
	return nil
}

// Constant adds a host data symbol.
func (r *Registry) Constant(name string, c dyld.Constant) error {
	if r.sealed() {
		return errors.Wrapf(dyld.ErrSealed, "failed to register constant %s", name)
	}
	if _, dup := r.consts[name]; dup {
		return fmt.Errorf("failed to register constant %s: already registered", name)
	}
	r.consts[name] = c
	return nil
}

// HasFunction reports whether name is a registered host function.
func (r *Registry) HasFunction(name string) bool {
	_, ok := r.funcs[name]
	return ok
}

// Function returns the host function registered as name.
func (r *Registry) Function(name string) (*Function, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered function names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// hostTable is the linker's view of the registry.
type hostTable struct{ r *Registry }

func (h hostTable) HasFunction(name string) bool { return h.r.HasFunction(name) }

func (h hostTable) Constant(name string) (dyld.Constant, bool) {
	c, ok := h.r.consts[name]
	return c, ok
}
