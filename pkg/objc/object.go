package objc

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/memory"
)

// Alloc returns a zero-filled instance of cls.
func (r *Runtime) Alloc(cls *Class) (memory.Addr, error) {
	obj, err := r.mem.Alloc(max(cls.InstanceSize, 4))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s instance: %v", cls.Name, err)
	}
	if err := r.mem.WritePtr(obj, cls.Addr); err != nil {
		return 0, err
	}
	return obj, nil
}

// ClassOf returns the class of obj. The class of a class object is its
// metaclass.
func (r *Runtime) ClassOf(obj memory.Addr) (*Class, error) {
	if obj == 0 {
		return nil, fmt.Errorf("class of nil")
	}
	isa, err := r.mem.ReadPtr(obj)
	if err != nil {
		return nil, err
	}
	cls, ok := r.byAddr[isa]
	if !ok {
		return nil, fmt.Errorf("object %s has unknown isa %s", obj, isa)
	}
	return cls, nil
}

// SetClass changes the isa of obj and returns its previous class, which is
// nil when the old isa was not a known class.
func (r *Runtime) SetClass(obj memory.Addr, cls *Class) (*Class, error) {
	old, _ := r.ClassOf(obj)
	if err := r.mem.WritePtr(obj, cls.Addr); err != nil {
		return nil, err
	}
	return old, nil
}

// ClassRef returns the class or metaclass object for name. Unknown classes
// are created as placeholders under the root class so the guest sees a
// valid pointer.
func (r *Runtime) ClassRef(name string, meta bool) (memory.Addr, error) {
	cls := r.classes[name]
	if cls == nil {
		log.Warnf("objc: class %s is not implemented, using a placeholder", name)
		var err error
		if cls, err = r.allocClassPair(name, r.classes[RootClassName]); err != nil {
			return 0, err
		}
		cls.Host, cls.Meta.Host = true, true
		cls.Placeholder = true
		r.invalidate()
	}
	if meta {
		return cls.Meta.Addr, nil
	}
	return cls.Addr, nil
}

// ConstantStringClass returns the class of string literals.
func (r *Runtime) ConstantStringClass() (memory.Addr, error) {
	return r.ClassRef(ConstantStringClassName, false)
}

// NSString returns a constant string object holding s. Equal strings share
// one object.
func (r *Runtime) NSString(s string) (memory.Addr, error) {
	if obj, ok := r.strings[s]; ok {
		return obj, nil
	}
	isa, err := r.ConstantStringClass()
	if err != nil {
		return 0, err
	}
	cstr, err := r.mem.AllocCString(s)
	if err != nil {
		return 0, err
	}
	obj, err := r.mem.Alloc(16)
	if err != nil {
		return 0, err
	}
	if err := r.writeWords(obj, uint32(isa), constStrInfo, uint32(cstr), uint32(len(s))); err != nil {
		return 0, err
	}
	r.strings[s] = obj
	return obj, nil
}

// StringValue reads a constant string object: the layout of both
// NSString literals in images and the objects NSString returns.
func (r *Runtime) StringValue(obj memory.Addr) (string, error) {
	if obj == 0 {
		return "", fmt.Errorf("string value of nil")
	}
	cstr, err := r.mem.ReadPtr(obj + 8)
	if err != nil {
		return "", err
	}
	n, err := r.mem.Read32(obj + 12)
	if err != nil {
		return "", err
	}
	b, err := r.mem.ReadBytes(cstr, n)
	if err != nil {
		return "", fmt.Errorf("failed to read string %s: %v", obj, err)
	}
	return string(b), nil
}
