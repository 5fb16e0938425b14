// Package corefoundation implements the CoreFoundation calls iOS apps make
// on strings, arrays and dictionaries. Arrays and dictionaries live on the
// host; the guest only holds their object pointers.
package corefoundation

import (
	"fmt"
	"unicode/utf16"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
)

// Framework registers the CoreFoundation functions.
var Framework = hle.Framework{Name: "CoreFoundation", Install: Install}

type CFTypeID uint32

const (
	CFStringTypeID CFTypeID = iota + 1
	CFDataTypeID
	CFNumberTypeID
	CFArrayTypeID
	CFDictionaryTypeID
	CFBooleanTypeID
	CFSetTypeID
)

const (
	arrayClass      = "__NSCFArray"
	dictionaryClass = "__NSCFDictionary"
)

// CFArray is an immutable array. cfValues is set when it was created with
// CFType callbacks and so owns a reference to each value.
type CFArray struct {
	values   []memory.Addr
	cfValues bool
}

type CFDictionary struct {
	keys     []memory.Addr
	values   []memory.Addr
	cfKeys   bool
	cfValues bool
}

type corefoundation struct {
	env    *hle.Env
	arrays map[memory.Addr]*CFArray
	dicts  map[memory.Addr]*CFDictionary
	refs   map[memory.Addr]int
}

// Install registers the CF functions and ___CFConstantStringClassReference.
func Install(env *hle.Env) error {
	cf := &corefoundation{
		env:    env,
		arrays: make(map[memory.Addr]*CFArray),
		dicts:  make(map[memory.Addr]*CFDictionary),
		refs:   make(map[memory.Addr]int),
	}
	rt := env.Runtime()
	var super string
	if rt.GetClass(objc.RootClassName) != nil {
		super = objc.RootClassName
	}
	for _, name := range []string{arrayClass, dictionaryClass} {
		if _, err := rt.RegisterHostClass(objc.ClassSpec{Name: name, Super: super}); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		name string
		sig  abi.Signature
		fn   hle.Handler
	}{
		{"_CFRetain", abi.Sig(abi.Ptr, abi.Ptr), cf.retain},
		{"_CFRelease", abi.Sig(abi.Void, abi.Ptr), cf.release},
		{"_CFGetRetainCount", abi.Sig(abi.Int32, abi.Ptr), cf.retainCount},
		{"_CFGetTypeID", abi.Sig(abi.Uint32, abi.Ptr), cf.typeID},
		{"_CFStringGetTypeID", abi.Sig(abi.Uint32), typeIDOf(CFStringTypeID)},
		{"_CFArrayGetTypeID", abi.Sig(abi.Uint32), typeIDOf(CFArrayTypeID)},
		{"_CFDictionaryGetTypeID", abi.Sig(abi.Uint32), typeIDOf(CFDictionaryTypeID)},
		{"_CFStringGetLength", abi.Sig(abi.Int32, abi.Ptr), stringLength},
		{"_CFStringGetCStringPtr", abi.Sig(abi.Ptr, abi.Ptr, abi.Uint32), stringCStringPtr},
		{"_CFStringCreateWithCString", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Uint32), stringCreate},
		{"_CFArrayCreate", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Int32, abi.Ptr), cf.arrayCreate},
		{"_CFArrayGetCount", abi.Sig(abi.Int32, abi.Ptr), cf.arrayCount},
		{"_CFArrayGetValueAtIndex", abi.Sig(abi.Ptr, abi.Ptr, abi.Int32), cf.arrayValue},
		{"_CFDictionaryCreate", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Ptr, abi.Int32, abi.Ptr, abi.Ptr), cf.dictCreate},
		{"_CFDictionaryGetCount", abi.Sig(abi.Int32, abi.Ptr), cf.dictCount},
		{"_CFDictionaryGetValue", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr), cf.dictValue},
	} {
		if err := env.Register(f.name, f.sig, f.fn); err != nil {
			return err
		}
	}
	// string literals point their isa at this symbol
	return env.Registry().Constant("___CFConstantStringClassReference", dyld.Custom(func(*memory.Memory) (memory.Addr, error) {
		return rt.ConstantStringClass()
	}))
}

func typeIDOf(id CFTypeID) hle.Handler {
	return func(*hle.Call) (abi.Value, error) { return abi.Word(uint32(id)), nil }
}

func (cf *corefoundation) object(cls string) (memory.Addr, error) {
	rt := cf.env.Runtime()
	obj, err := rt.Alloc(rt.GetClass(cls))
	if err != nil {
		return 0, err
	}
	cf.refs[obj] = 1
	return obj, nil
}

func (cf *corefoundation) retain(c *hle.Call) (abi.Value, error) {
	obj := c.Args.Ptr(0)
	if obj == 0 {
		return abi.Zero, fmt.Errorf("CFRetain called with NULL")
	}
	if n, ok := cf.refs[obj]; ok {
		cf.refs[obj] = n + 1
	}
	return abi.Addr(obj), nil
}

// release frees arrays and dictionaries at zero; other objects are not
// reference counted.
func (cf *corefoundation) release(c *hle.Call) (abi.Value, error) {
	obj := c.Args.Ptr(0)
	if obj == 0 {
		return abi.Zero, fmt.Errorf("CFRelease called with NULL")
	}
	return abi.Zero, cf.unref(obj)
}

func (cf *corefoundation) unref(obj memory.Addr) error {
	n, ok := cf.refs[obj]
	switch {
	case !ok:
		return nil
	case n > 1:
		cf.refs[obj] = n - 1
		return nil
	}
	return cf.free(obj)
}

// free drops the references obj holds and then obj itself.
func (cf *corefoundation) free(obj memory.Addr) error {
	var owned []memory.Addr
	if a, ok := cf.arrays[obj]; ok && a.cfValues {
		owned = a.values
	}
	if d, ok := cf.dicts[obj]; ok {
		if d.cfKeys {
			owned = append(owned, d.keys...)
		}
		if d.cfValues {
			owned = append(owned, d.values...)
		}
	}
	delete(cf.refs, obj)
	delete(cf.arrays, obj)
	delete(cf.dicts, obj)
	log.Debugf("CFRelease: freed %s", obj)
	for _, v := range owned {
		if err := cf.unref(v); err != nil {
			return err
		}
	}
	return cf.env.Memory().Free(obj)
}

// own takes a reference to each tracked object in objs.
func (cf *corefoundation) own(objs []memory.Addr) {
	for _, v := range objs {
		if n, ok := cf.refs[v]; ok {
			cf.refs[v] = n + 1
		}
	}
}

func (cf *corefoundation) retainCount(c *hle.Call) (abi.Value, error) {
	if n, ok := cf.refs[c.Args.Ptr(0)]; ok {
		return abi.Int(int32(n)), nil
	}
	// immortal
	return abi.Int(0x7fffffff), nil
}

func (cf *corefoundation) typeID(c *hle.Call) (abi.Value, error) {
	obj := c.Args.Ptr(0)
	if _, ok := cf.arrays[obj]; ok {
		return abi.Word(uint32(CFArrayTypeID)), nil
	}
	if _, ok := cf.dicts[obj]; ok {
		return abi.Word(uint32(CFDictionaryTypeID)), nil
	}
	if isString(c, obj) {
		return abi.Word(uint32(CFStringTypeID)), nil
	}
	return abi.Zero, fmt.Errorf("CFGetTypeID: %s is not a CoreFoundation object", obj)
}

func isString(c *hle.Call, obj memory.Addr) bool {
	cls, err := c.Env.Runtime().ClassOf(obj)
	if err != nil {
		return false
	}
	for ; cls != nil; cls = cls.Super {
		if cls.Name == objc.ConstantStringClassName || cls.Name == "NSString" {
			return true
		}
	}
	return false
}

func stringLength(c *hle.Call) (abi.Value, error) {
	s, err := c.Env.Runtime().StringValue(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, fmt.Errorf("CFStringGetLength: %w", err)
	}
	return abi.Int(int32(len(utf16.Encode([]rune(s))))), nil
}

func stringCStringPtr(c *hle.Call) (abi.Value, error) {
	cstr, err := c.Mem().ReadPtr(c.Args.Ptr(0) + 8)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(cstr), nil
}

func stringCreate(c *hle.Call) (abi.Value, error) {
	s, err := c.CString(c.Args.Ptr(1))
	if err != nil {
		return abi.Zero, err
	}
	obj, err := c.Env.Runtime().NSString(s)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(obj), nil
}

func (cf *corefoundation) words(addr memory.Addr, n int32) ([]memory.Addr, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative count %d", n)
	}
	out := make([]memory.Addr, n)
	for i := range out {
		v, err := cf.env.Memory().ReadPtr(addr + memory.Addr(4*i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (cf *corefoundation) arrayCreate(c *hle.Call) (abi.Value, error) {
	values, err := cf.words(c.Args.Ptr(1), c.Args.Int32(2))
	if err != nil {
		return abi.Zero, fmt.Errorf("CFArrayCreate: %w", err)
	}
	obj, err := cf.object(arrayClass)
	if err != nil {
		return abi.Zero, err
	}
	a := &CFArray{values: values, cfValues: c.Args.Ptr(3) != 0}
	if a.cfValues {
		cf.own(values)
	}
	cf.arrays[obj] = a
	return abi.Addr(obj), nil
}

func (cf *corefoundation) array(c *hle.Call) (*CFArray, error) {
	a, ok := cf.arrays[c.Args.Ptr(0)]
	if !ok {
		return nil, fmt.Errorf("%s: %s is not a CFArray", c.Name, c.Args.Ptr(0))
	}
	return a, nil
}

func (cf *corefoundation) arrayCount(c *hle.Call) (abi.Value, error) {
	a, err := cf.array(c)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Int(int32(len(a.values))), nil
}

func (cf *corefoundation) arrayValue(c *hle.Call) (abi.Value, error) {
	a, err := cf.array(c)
	if err != nil {
		return abi.Zero, err
	}
	i := c.Args.Int32(1)
	if i < 0 || int(i) >= len(a.values) {
		return abi.Zero, fmt.Errorf("CFArrayGetValueAtIndex: index %d out of bounds (%d)", i, len(a.values))
	}
	return abi.Addr(a.values[i]), nil
}

func (cf *corefoundation) dictCreate(c *hle.Call) (abi.Value, error) {
	n := c.Args.Int32(3)
	keys, err := cf.words(c.Args.Ptr(1), n)
	if err != nil {
		return abi.Zero, fmt.Errorf("CFDictionaryCreate: %w", err)
	}
	values, err := cf.words(c.Args.Ptr(2), n)
	if err != nil {
		return abi.Zero, fmt.Errorf("CFDictionaryCreate: %w", err)
	}
	obj, err := cf.object(dictionaryClass)
	if err != nil {
		return abi.Zero, err
	}
	d := &CFDictionary{keys: keys, values: values, cfKeys: c.Args.Ptr(4) != 0, cfValues: c.Args.Ptr(5) != 0}
	if d.cfKeys {
		cf.own(keys)
	}
	if d.cfValues {
		cf.own(values)
	}
	cf.dicts[obj] = d
	return abi.Addr(obj), nil
}

func (cf *corefoundation) dict(c *hle.Call) (*CFDictionary, error) {
	d, ok := cf.dicts[c.Args.Ptr(0)]
	if !ok {
		return nil, fmt.Errorf("%s: %s is not a CFDictionary", c.Name, c.Args.Ptr(0))
	}
	return d, nil
}

func (cf *corefoundation) dictCount(c *hle.Call) (abi.Value, error) {
	d, err := cf.dict(c)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Int(int32(len(d.keys))), nil
}

// dictValue compares CF keys by string value when both are strings and by
// pointer otherwise.
func (cf *corefoundation) dictValue(c *hle.Call) (abi.Value, error) {
	d, err := cf.dict(c)
	if err != nil {
		return abi.Zero, err
	}
	key := c.Args.Ptr(1)
	var want string
	byValue := d.cfKeys && key != 0 && isString(c, key)
	if byValue {
		if want, err = c.Env.Runtime().StringValue(key); err != nil {
			return abi.Zero, err
		}
	}
	for i, k := range d.keys {
		if k == key {
			return abi.Addr(d.values[i]), nil
		}
		if byValue && k != 0 && isString(c, k) {
			if s, err := c.Env.Runtime().StringValue(k); err == nil && s == want {
				return abi.Addr(d.values[i]), nil
			}
		}
	}
	return abi.Zero, nil
}
