// Package libobjc implements the Objective-C runtime entry points of
// libobjc.A.dylib on top of the emulated object runtime.
package libobjc

import (
	"fmt"

	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
)

// Framework registers the runtime functions.
var Framework = hle.Framework{Name: "libobjc", Install: Install}

// objc_super
const (
	superReceiver = 0
	superClass    = 4
)

// method_t
const methodImp = 8

var (
	sendSig  = abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr).Varargs()
	stretSig = abi.Sig(abi.Void, abi.Ptr, abi.Ptr, abi.Ptr).Varargs()
)

// Install registers the objc_* functions with env.
func Install(env *hle.Env) error {
	for _, f := range []struct {
		name string
		sig  abi.Signature
		fn   hle.Handler
	}{
		{"_objc_msgSend", sendSig, msgSend},
		{"_objc_msgSendSuper", sendSig, msgSendSuper},
		{"_objc_msgSendSuper2", sendSig, msgSendSuper2},
		{"_objc_msgSend_stret", stretSig, msgSendStret},
		{"_objc_getClass", abi.Sig(abi.Ptr, abi.Ptr), getClass},
		{"_sel_registerName", abi.Sig(abi.Ptr, abi.Ptr), registerName},
		{"_class_addMethod", abi.Sig(abi.Bool, abi.Ptr, abi.Ptr, abi.Ptr, abi.Ptr), addMethod},
		{"_class_replaceMethod", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Ptr, abi.Ptr), replaceMethod},
		{"_method_getImplementation", abi.Sig(abi.Ptr, abi.Ptr), methodImplementation},
		{"_object_getClass", abi.Sig(abi.Ptr, abi.Ptr), objectGetClass},
		{"_object_setClass", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr), objectSetClass},
		{"_class_getSuperclass", abi.Sig(abi.Ptr, abi.Ptr), superclass},
	} {
		if err := env.Register(f.name, f.sig, f.fn); err != nil {
			return err
		}
	}
	return nil
}

// send tail calls the implementation of sel for recv's class, starting the
// search at start when it is set.
func send(c *hle.Call, recv memory.Addr, sel objc.Sel, start *objc.Class) (abi.Value, error) {
	rt := c.Env.Runtime()
	cls := start
	if cls == nil {
		var err error
		if cls, err = rt.ClassOf(recv); err != nil {
			return abi.Zero, err
		}
	}
	imp, err := rt.Lookup(cls, sel)
	if err != nil {
		return abi.Zero, err
	}
	c.Goto(memory.Addr(imp))
	return abi.Zero, nil
}

func msgSend(c *hle.Call) (abi.Value, error) {
	recv := c.Args.Ptr(0)
	if recv == 0 {
		// messages to nil return nil
		return abi.Zero, nil
	}
	return send(c, recv, objc.Sel(c.Args.Ptr(1)), nil)
}

// superCall reads an objc_super and points r0 at its receiver.
func superCall(c *hle.Call) (memory.Addr, *objc.Class, error) {
	sup := c.Args.Ptr(0)
	recv, err := c.Mem().ReadPtr(sup + superReceiver)
	if err != nil {
		return 0, nil, err
	}
	clsAddr, err := c.Mem().ReadPtr(sup + superClass)
	if err != nil {
		return 0, nil, err
	}
	cls, ok := c.Env.Runtime().ClassAt(clsAddr)
	if !ok {
		return 0, nil, fmt.Errorf("objc_super %s names unknown class %s", sup, clsAddr)
	}
	c.SetReg(emu.R0, uint32(recv))
	return recv, cls, nil
}

func msgSendSuper(c *hle.Call) (abi.Value, error) {
	recv, cls, err := superCall(c)
	if err != nil || recv == 0 {
		return abi.Zero, err
	}
	return send(c, recv, objc.Sel(c.Args.Ptr(1)), cls)
}

// msgSendSuper2 gets the current class and searches from its superclass.
func msgSendSuper2(c *hle.Call) (abi.Value, error) {
	recv, cls, err := superCall(c)
	if err != nil || recv == 0 {
		return abi.Zero, err
	}
	if cls.Super == nil {
		return abi.Zero, &objc.DoesNotRespondError{Class: cls.Name, Selector: c.Env.Runtime().SelectorName(objc.Sel(c.Args.Ptr(1)))}
	}
	return send(c, recv, objc.Sel(c.Args.Ptr(1)), cls.Super)
}

func msgSendStret(c *hle.Call) (abi.Value, error) {
	recv := c.Args.Ptr(1)
	if recv == 0 {
		return abi.Zero, nil
	}
	return send(c, recv, objc.Sel(c.Args.Ptr(2)), nil)
}

func getClass(c *hle.Call) (abi.Value, error) {
	name, err := c.CString(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	if cls := c.Env.Runtime().GetClass(name); cls != nil && !cls.Placeholder {
		return abi.Addr(cls.Addr), nil
	}
	return abi.Zero, nil
}

func registerName(c *hle.Call) (abi.Value, error) {
	name, err := c.CString(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	sel, err := c.Env.Runtime().RegisterSelectorName(name)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(memory.Addr(sel)), nil
}

func classArg(c *hle.Call, i int) (*objc.Class, error) {
	cls, ok := c.Env.Runtime().ClassAt(c.Args.Ptr(i))
	if !ok {
		return nil, fmt.Errorf("%s: %s is not a class", c.Name, c.Args.Ptr(i))
	}
	return cls, nil
}

func addMethod(c *hle.Call) (abi.Value, error) {
	cls, err := classArg(c, 0)
	if err != nil {
		return abi.Zero, err
	}
	added := c.Env.Runtime().AddMethod(cls, objc.Sel(c.Args.Ptr(1)), objc.Imp(c.Args.Ptr(2)))
	return abi.Boolean(added), nil
}

func replaceMethod(c *hle.Call) (abi.Value, error) {
	cls, err := classArg(c, 0)
	if err != nil {
		return abi.Zero, err
	}
	old := c.Env.Runtime().ReplaceMethod(cls, objc.Sel(c.Args.Ptr(1)), objc.Imp(c.Args.Ptr(2)))
	return abi.Addr(memory.Addr(old)), nil
}

func methodImplementation(c *hle.Call) (abi.Value, error) {
	m := c.Args.Ptr(0)
	if m == 0 {
		return abi.Zero, nil
	}
	imp, err := c.Mem().ReadPtr(m + methodImp)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(imp), nil
}

func objectGetClass(c *hle.Call) (abi.Value, error) {
	obj := c.Args.Ptr(0)
	if obj == 0 {
		return abi.Zero, nil
	}
	cls, err := c.Env.Runtime().ClassOf(obj)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(cls.Addr), nil
}

func objectSetClass(c *hle.Call) (abi.Value, error) {
	obj := c.Args.Ptr(0)
	if obj == 0 {
		return abi.Zero, nil
	}
	cls, err := classArg(c, 1)
	if err != nil {
		return abi.Zero, err
	}
	old, err := c.Env.Runtime().SetClass(obj, cls)
	if err != nil || old == nil {
		return abi.Zero, err
	}
	return abi.Addr(old.Addr), nil
}

func superclass(c *hle.Call) (abi.Value, error) {
	if c.Args.Ptr(0) == 0 {
		return abi.Zero, nil
	}
	cls, err := classArg(c, 0)
	if err != nil || cls.Super == nil {
		return abi.Zero, err
	}
	return abi.Addr(cls.Super.Addr), nil
}
