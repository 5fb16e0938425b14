package objc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/memory"
)

// Guest layout of the 32-bit ObjC2 class structures.
const (
	classSize = 20 // isa, superclass, cache, vtable, data
	roSize    = 40

	classIsa   = 0
	classSuper = 4
	classData  = 16

	roFlags         = 0
	roInstanceStart = 4
	roInstanceSize  = 8
	roName          = 16
	roBaseMethods   = 20

	roMeta = 1 << 0
	roRoot = 1 << 1
)

// ErrCycle is returned when a superclass change would make a class its own
// ancestor.
var ErrCycle = errors.New("superclass chain would contain a cycle")

// Class is a class or metaclass. Addr is the guest class object.
type Class struct {
	Name         string
	Addr         memory.Addr
	Super        *Class
	Meta         *Class // nil for a metaclass
	InstanceSize uint32
	Host         bool
	Placeholder  bool
	Image        string

	methods map[Sel]Imp
	isMeta  bool
}

func (c *Class) IsMetaClass() bool { return c.isMeta }

// Method returns the class's own implementation of sel.
func (c *Class) Method(sel Sel) (Imp, bool) {
	imp, ok := c.methods[sel]
	return imp, ok
}

// Selectors returns the class's own selectors in address order.
func (c *Class) Selectors() []Sel {
	out := make([]Sel, 0, len(c.methods))
	for sel := range c.methods {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Class) String() string {
	if c.isMeta {
		return fmt.Sprintf("meta %s (%s)", c.Name, c.Addr)
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.Addr)
}

// MethodSpec binds a selector to a registered host function.
type MethodSpec struct {
	Sel  string
	Func string
}

// ClassSpec describes a host class. A zero InstanceSize inherits the
// superclass's.
type ClassSpec struct {
	Name         string
	Super        string
	InstanceSize uint32
	Methods      []MethodSpec
	ClassMethods []MethodSpec
}

// InstanceMethod is a MethodSpec whose host function is named "-[Class sel]".
func InstanceMethod(class, sel string) MethodSpec {
	return MethodSpec{Sel: sel, Func: fmt.Sprintf("-[%s %s]", class, sel)}
}

// ClassMethod is a MethodSpec whose host function is named "+[Class sel]".
func ClassMethod(class, sel string) MethodSpec {
	return MethodSpec{Sel: sel, Func: fmt.Sprintf("+[%s %s]", class, sel)}
}

// RegisterHostClass creates a host class and its metaclass in guest memory
// and installs its methods. Registering an existing host class adds the
// methods to it; a placeholder is upgraded in place.
func (r *Runtime) RegisterHostClass(spec ClassSpec) (*Class, error) {
	var super *Class
	if spec.Super != "" {
		if super = r.classes[spec.Super]; super == nil {
			return nil, fmt.Errorf("failed to register class %s: unknown superclass %s", spec.Name, spec.Super)
		}
	}
	cls := r.classes[spec.Name]
	switch {
	case cls == nil:
		var err error
		if cls, err = r.allocClassPair(spec.Name, super); err != nil {
			return nil, err
		}
		cls.Host, cls.Meta.Host = true, true
	case cls.Placeholder:
		cls.Placeholder = false
		if err := r.SetSuperclass(cls, super); err != nil {
			return nil, err
		}
	case !cls.Host:
		return nil, fmt.Errorf("failed to register class %s: already defined by %s", spec.Name, cls.Image)
	}
	if spec.InstanceSize != 0 {
		cls.InstanceSize = spec.InstanceSize
		if err := r.mem.Write32(r.ro(cls)+roInstanceSize, spec.InstanceSize); err != nil {
			return nil, err
		}
	}
	if err := r.installHost(cls, spec.Methods); err != nil {
		return nil, err
	}
	if err := r.installHost(cls.Meta, spec.ClassMethods); err != nil {
		return nil, err
	}
	r.invalidate()
	log.Debugf("objc: registered host class %s (%d instance, %d class methods)", spec.Name, len(spec.Methods), len(spec.ClassMethods))
	return cls, nil
}

func (r *Runtime) installHost(cls *Class, specs []MethodSpec) error {
	for _, m := range specs {
		sel, err := r.RegisterSelectorName(m.Sel)
		if err != nil {
			return err
		}
		addr, err := r.tramp.HostTrampoline(m.Func)
		if err != nil {
			return fmt.Errorf("failed to install %s on %s: %v", m.Func, cls.Name, err)
		}
		cls.methods[sel] = Imp(addr)
	}
	return nil
}

// allocClassPair writes a class, its metaclass and their read-only data.
func (r *Runtime) allocClassPair(name string, super *Class) (*Class, error) {
	nameAddr, err := r.mem.AllocCString(name)
	if err != nil {
		return nil, err
	}
	cls := &Class{Name: name, Super: super, InstanceSize: 4, methods: make(map[Sel]Imp)}
	meta := &Class{Name: name, isMeta: true, methods: make(map[Sel]Imp)}
	cls.Meta = meta
	if super != nil {
		cls.InstanceSize = super.InstanceSize
		meta.Super = super.Meta
	} else {
		meta.Super = cls
	}
	for _, c := range []*Class{cls, meta} {
		if c.Addr, err = r.mem.Alloc(classSize + roSize); err != nil {
			return nil, fmt.Errorf("failed to allocate class %s: %v", name, err)
		}
	}
	rootMeta := meta
	for c := super; c != nil; c = c.Super {
		rootMeta = c.Meta
	}

	var clsFlags, metaFlags uint32 = 0, roMeta
	if super == nil {
		clsFlags |= roRoot
		metaFlags |= roRoot
	}
	for _, w := range []struct {
		c     *Class
		isa   memory.Addr
		super memory.Addr
		flags uint32
	}{
		{cls, meta.Addr, addrOf(super), clsFlags},
		{meta, rootMeta.Addr, meta.Super.Addr, metaFlags},
	} {
		ro := w.c.Addr + classSize
		if err := r.writeWords(w.c.Addr, uint32(w.isa), uint32(w.super), 0, 0, uint32(ro)); err != nil {
			return nil, err
		}
		size := cls.InstanceSize
		if w.c.isMeta {
			size = classSize
		}
		if err := r.writeWords(ro, w.flags, size, size, 0, uint32(nameAddr)); err != nil {
			return nil, err
		}
	}
	r.classes[name] = cls
	r.byAddr[cls.Addr] = cls
	r.byAddr[meta.Addr] = meta
	return cls, nil
}

func (r *Runtime) writeWords(addr memory.Addr, words ...uint32) error {
	for i, w := range words {
		if err := r.mem.Write32(addr+memory.Addr(4*i), w); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) ro(c *Class) memory.Addr {
	data, err := r.mem.Read32(c.Addr + classData)
	if err != nil {
		return 0
	}
	return memory.Addr(data &^ 3)
}

func addrOf(c *Class) memory.Addr {
	if c == nil {
		return 0
	}
	return c.Addr
}

// Lookup finds the implementation of sel for instances of cls, walking the
// superclass chain. It always terminates: a revisited class or a chain
// deeper than maxDepth ends the walk with a DoesNotRespondError.
func (r *Runtime) Lookup(cls *Class, sel Sel) (Imp, error) {
	if cls == nil {
		return 0, fmt.Errorf("lookup of %s on a nil class", r.SelectorName(sel))
	}
	key := cacheKey{cls: cls.Addr, sel: sel}
	if imp, ok := r.cache.Get(key); ok {
		return imp, nil
	}
	visited := make(map[*Class]bool)
	for c, depth := cls, 0; c != nil; c, depth = c.Super, depth+1 {
		if visited[c] || depth > maxDepth {
			log.Warnf("objc: superclass chain of %s is cyclic", cls.Name)
			break
		}
		visited[c] = true
		if imp, ok := c.methods[sel]; ok {
			r.cache.Add(key, imp)
			return imp, nil
		}
	}
	return 0, &DoesNotRespondError{Class: cls.Name, Selector: r.SelectorName(sel), Meta: cls.isMeta}
}

// RespondsTo reports whether instances of cls implement sel.
func (r *Runtime) RespondsTo(cls *Class, sel Sel) bool {
	_, err := r.Lookup(cls, sel)
	return err == nil
}

// AddMethod adds sel to cls unless cls itself already implements it.
func (r *Runtime) AddMethod(cls *Class, sel Sel, imp Imp) bool {
	if _, ok := cls.methods[sel]; ok {
		return false
	}
	cls.methods[sel] = imp
	r.invalidate()
	return true
}

// ReplaceMethod sets the implementation of sel on cls and returns the one
// it replaced, or 0.
func (r *Runtime) ReplaceMethod(cls *Class, sel Sel, imp Imp) Imp {
	old := cls.methods[sel]
	cls.methods[sel] = imp
	r.invalidate()
	return old
}

// SetSuperclass changes the superclass of cls and of its metaclass.
func (r *Runtime) SetSuperclass(cls, super *Class) error {
	for c, depth := super, 0; c != nil && depth <= maxDepth; c, depth = c.Super, depth+1 {
		if c == cls {
			return fmt.Errorf("failed to make %s the superclass of %s: %w", super.Name, cls.Name, ErrCycle)
		}
	}
	cls.Super = super
	if err := r.mem.PokePtr(cls.Addr+classSuper, addrOf(super)); err != nil {
		return err
	}
	if cls.Meta != nil {
		cls.Meta.Super = cls
		if super != nil {
			cls.Meta.Super = super.Meta
		}
		if err := r.mem.PokePtr(cls.Meta.Addr+classSuper, cls.Meta.Super.Addr); err != nil {
			return err
		}
	}
	r.invalidate()
	return nil
}
