package objc

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/loader"
	"github.com/blacktop/hle/pkg/memory"
)

const (
	methodListFlags = 0xffff0003
	methodSize      = 12

	catClass           = 4
	catInstanceMethods = 8
	catClassMethods    = 12
)

// LoadBinary registers the classes, categories and selectors a module
// defines. It runs after the module is linked so references to classes of
// other images already point at their class objects.
func (r *Runtime) LoadBinary(mod *loader.Module) error {
	defer r.invalidate()

	refs, err := r.pointers(mod, "__objc_selrefs")
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := r.fixSelector(ref); err != nil {
			return fmt.Errorf("%s: %v", mod.Name, err)
		}
	}

	list, err := r.pointers(mod, "__objc_classlist")
	if err != nil {
		return err
	}
	var loaded []*Class
	for _, ref := range list {
		addr, err := r.mem.ReadPtr(ref)
		if err != nil {
			return err
		}
		cls, err := r.readClassPair(addr, mod.Name)
		if err != nil {
			return fmt.Errorf("%s: failed to read class at %s: %v", mod.Name, addr, err)
		}
		loaded = append(loaded, cls)
	}
	// superclasses may appear later in the list or live in another image
	for _, cls := range loaded {
		for _, c := range []*Class{cls, cls.Meta} {
			sup, err := r.mem.ReadPtr(c.Addr + classSuper)
			if err != nil {
				return err
			}
			if sup == 0 {
				continue
			}
			if c.Super = r.byAddr[sup]; c.Super == nil {
				log.Warnf("objc: %s: superclass of %s at %s is unknown", mod.Name, c, sup)
			}
		}
	}

	cats, err := r.pointers(mod, "__objc_catlist")
	if err != nil {
		return err
	}
	for _, ref := range cats {
		addr, err := r.mem.ReadPtr(ref)
		if err != nil {
			return err
		}
		if err := r.loadCategory(addr, mod.Name); err != nil {
			return fmt.Errorf("%s: failed to read category at %s: %v", mod.Name, addr, err)
		}
	}

	for _, name := range []string{"__objc_superrefs", "__objc_classrefs"} {
		crefs, err := r.pointers(mod, name)
		if err != nil {
			return err
		}
		for _, ref := range crefs {
			if addr, err := r.mem.ReadPtr(ref); err == nil && addr != 0 && r.byAddr[addr] == nil {
				log.Warnf("objc: %s: %s entry %s refers to unknown class %s", mod.Name, name, ref, addr)
			}
		}
	}
	log.Debugf("objc: %s: %d selector refs, %d classes, %d categories", mod.Name, len(refs), len(loaded), len(cats))
	return nil
}

// pointers returns the address of each pointer-sized slot of a section.
func (r *Runtime) pointers(mod *loader.Module, name string) ([]memory.Addr, error) {
	sec := mod.SectionByName(name)
	if sec == nil {
		return nil, nil
	}
	if sec.Size%4 != 0 {
		return nil, fmt.Errorf("%s: section %s has size %#x", mod.Name, name, sec.Size)
	}
	out := make([]memory.Addr, 0, sec.Size/4)
	for off := uint32(0); off < sec.Size; off += 4 {
		out = append(out, sec.Addr+memory.Addr(off))
	}
	return out, nil
}

// fixSelector uniques the selector a reference points at and rewrites it.
func (r *Runtime) fixSelector(ref memory.Addr) error {
	str, err := r.mem.ReadPtr(ref)
	if err != nil {
		return err
	}
	name, err := r.mem.CString(str, maxNameLen)
	if err != nil {
		return fmt.Errorf("bad selector reference %s: %v", ref, err)
	}
	if sel := r.intern(name, str); memory.Addr(sel) != str {
		return r.mem.PokePtr(ref, memory.Addr(sel))
	}
	return nil
}

func (r *Runtime) readClassPair(addr memory.Addr, image string) (*Class, error) {
	cls, err := r.readClass(addr, image, false)
	if err != nil {
		return nil, err
	}
	isa, err := r.mem.ReadPtr(addr + classIsa)
	if err != nil {
		return nil, err
	}
	if cls.Meta, err = r.readClass(isa, image, true); err != nil {
		return nil, fmt.Errorf("metaclass of %s: %v", cls.Name, err)
	}
	if old := r.classes[cls.Name]; old != nil && !old.Placeholder {
		log.Warnf("objc: class %s is defined in both %s and %s, using the first", cls.Name, old.Image, image)
	} else {
		r.classes[cls.Name] = cls
	}
	r.byAddr[cls.Addr] = cls
	r.byAddr[cls.Meta.Addr] = cls.Meta
	return cls, nil
}

func (r *Runtime) readClass(addr memory.Addr, image string, meta bool) (*Class, error) {
	data, err := r.mem.ReadPtr(addr + classData)
	if err != nil {
		return nil, err
	}
	ro := data &^ 3
	var w [6]uint32
	for i := range w {
		if w[i], err = r.mem.Read32(ro + memory.Addr(4*i)); err != nil {
			return nil, err
		}
	}
	name, err := r.mem.CString(memory.Addr(w[roName/4]), maxNameLen)
	if err != nil {
		return nil, fmt.Errorf("bad class name: %v", err)
	}
	if (w[roFlags/4]&roMeta != 0) != meta {
		return nil, fmt.Errorf("class %s has meta flag %#x", name, w[roFlags/4])
	}
	c := &Class{
		Name:         name,
		Addr:         addr,
		InstanceSize: w[roInstanceSize/4],
		Image:        image,
		isMeta:       meta,
	}
	if c.methods, err = r.readMethods(memory.Addr(w[roBaseMethods/4])); err != nil {
		return nil, fmt.Errorf("methods of %s: %v", name, err)
	}
	return c, nil
}

// readMethods reads a method_list_t, uniquing the selector of each entry.
func (r *Runtime) readMethods(list memory.Addr) (map[Sel]Imp, error) {
	out := make(map[Sel]Imp)
	if list == 0 {
		return out, nil
	}
	flags, err := r.mem.Read32(list)
	if err != nil {
		return nil, err
	}
	count, err := r.mem.Read32(list + 4)
	if err != nil {
		return nil, err
	}
	entsize := flags &^ methodListFlags
	if entsize < methodSize {
		return nil, fmt.Errorf("method list %s has entry size %d", list, entsize)
	}
	for i := uint32(0); i < count; i++ {
		m := list + 8 + memory.Addr(i*entsize)
		str, err := r.mem.ReadPtr(m)
		if err != nil {
			return nil, err
		}
		name, err := r.mem.CString(str, maxNameLen)
		if err != nil {
			return nil, fmt.Errorf("method %d: bad name: %v", i, err)
		}
		imp, err := r.mem.Read32(m + 8)
		if err != nil {
			return nil, err
		}
		sel := r.intern(name, str)
		if memory.Addr(sel) != str {
			if err := r.mem.PokePtr(m, memory.Addr(sel)); err != nil {
				return nil, err
			}
		}
		out[sel] = Imp(imp)
	}
	return out, nil
}

func (r *Runtime) loadCategory(addr memory.Addr, image string) error {
	var w [4]uint32
	for i := range w {
		var err error
		if w[i], err = r.mem.Read32(addr + memory.Addr(4*i)); err != nil {
			return err
		}
	}
	name, _ := r.mem.CString(memory.Addr(w[0]), maxNameLen)
	cls := r.byAddr[memory.Addr(w[catClass/4])]
	if cls == nil || cls.isMeta {
		log.Warnf("objc: %s: category %s targets unknown class %#x", image, name, w[catClass/4])
		return nil
	}
	for _, t := range []struct {
		list memory.Addr
		into *Class
	}{
		{memory.Addr(w[catInstanceMethods/4]), cls},
		{memory.Addr(w[catClassMethods/4]), cls.Meta},
	} {
		methods, err := r.readMethods(t.list)
		if err != nil {
			return err
		}
		for sel, imp := range methods {
			t.into.methods[sel] = imp
		}
	}
	log.Debugf("objc: %s: attached category %s to %s", image, name, cls.Name)
	return nil
}
