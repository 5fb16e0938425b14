// Package foundation implements the root classes of Foundation.framework
// that iOS apps message during startup: NSObject, NSThread and NSString,
// plus NSLog.
package foundation

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/hle/frameworks/libc"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
)

// Framework registers the Foundation classes.
var Framework = hle.Framework{Name: "Foundation", Install: Install}

const (
	stringClass = "NSString"
	threadClass = "NSThread"

	// isa, info, cstr, length
	stringSize = 16
)

// Constants are the NSString globals Foundation exports.
var Constants = map[string]string{
	"_NSDefaultRunLoopMode":      "kCFRunLoopDefaultMode",
	"_NSRunLoopCommonModes":      "kCFRunLoopCommonModes",
	"_NSFileTypeDirectory":       "NSFileTypeDirectory",
	"_NSFileTypeRegular":         "NSFileTypeRegular",
	"_NSLocalizedDescriptionKey": "NSLocalizedDescription",
}

var (
	idSig   = abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr)
	voidSig = abi.Sig(abi.Void, abi.Ptr, abi.Ptr)
)

type method struct {
	spec objc.MethodSpec
	sig  abi.Signature
	fn   hle.Handler
}

type foundation struct {
	env     *hle.Env
	threads map[int]memory.Addr
}

// Install registers the classes, NSLog and the string constants with env.
func Install(env *hle.Env) error {
	f := &foundation{env: env, threads: make(map[int]memory.Addr)}
	for _, cls := range []struct {
		name, super string
		size        uint32
		methods     []method
		classes     []method
	}{
		{
			name: objc.RootClassName,
			methods: []method{
				{objc.InstanceMethod(objc.RootClassName, "init"), idSig, self},
				{objc.InstanceMethod(objc.RootClassName, "self"), idSig, self},
				{objc.InstanceMethod(objc.RootClassName, "retain"), idSig, self},
				{objc.InstanceMethod(objc.RootClassName, "autorelease"), idSig, self},
				{objc.InstanceMethod(objc.RootClassName, "release"), voidSig, nop},
				{objc.InstanceMethod(objc.RootClassName, "dealloc"), voidSig, dealloc},
				{objc.InstanceMethod(objc.RootClassName, "class"), idSig, class},
				{objc.InstanceMethod(objc.RootClassName, "respondsToSelector:"), abi.Sig(abi.Bool, abi.Ptr, abi.Ptr, abi.Ptr), respondsToSelector},
				{objc.InstanceMethod(objc.RootClassName, "description"), idSig, description},
			},
			classes: []method{
				{objc.ClassMethod(objc.RootClassName, "alloc"), idSig, alloc},
				{objc.ClassMethod(objc.RootClassName, "new"), idSig, newObject},
				{objc.ClassMethod(objc.RootClassName, "class"), idSig, self},
				{objc.ClassMethod(objc.RootClassName, "self"), idSig, self},
			},
		},
		{
			name:  threadClass,
			super: objc.RootClassName,
			classes: []method{
				{objc.ClassMethod(threadClass, "currentThread"), idSig, f.currentThread},
				{objc.ClassMethod(threadClass, "isMainThread"), abi.Sig(abi.Bool, abi.Ptr, abi.Ptr), isMainThread},
				{objc.ClassMethod(threadClass, "setThreadPriority:"), abi.Sig(abi.Bool, abi.Ptr, abi.Ptr, abi.Float64), setThreadPriority},
			},
		},
		{
			name:  stringClass,
			super: objc.RootClassName,
			size:  stringSize,
			methods: []method{
				{objc.InstanceMethod(stringClass, "length"), abi.Sig(abi.Uint32, abi.Ptr, abi.Ptr), length},
				{objc.InstanceMethod(stringClass, "UTF8String"), idSig, utf8String},
				{objc.InstanceMethod(stringClass, "isEqualToString:"), abi.Sig(abi.Bool, abi.Ptr, abi.Ptr, abi.Ptr), isEqualToString},
				{objc.InstanceMethod(stringClass, "description"), idSig, self},
				{objc.InstanceMethod(stringClass, "copy"), idSig, self},
			},
		},
		{name: objc.ConstantStringClassName, super: stringClass},
	} {
		spec := objc.ClassSpec{Name: cls.name, Super: cls.super, InstanceSize: cls.size}
		for _, m := range cls.methods {
			if err := env.Register(m.spec.Func, m.sig, m.fn); err != nil {
				return err
			}
			spec.Methods = append(spec.Methods, m.spec)
		}
		for _, m := range cls.classes {
			if err := env.Register(m.spec.Func, m.sig, m.fn); err != nil {
				return err
			}
			spec.ClassMethods = append(spec.ClassMethods, m.spec)
		}
		if _, err := env.Runtime().RegisterHostClass(spec); err != nil {
			return err
		}
	}
	if err := env.Register("_NSLog", abi.Sig(abi.Void, abi.Ptr).Varargs(), f.nslog); err != nil {
		return err
	}
	for name, s := range Constants {
		if err := env.Registry().Constant(name, dyld.NSString(s)); err != nil {
			return err
		}
	}
	return nil
}

func self(c *hle.Call) (abi.Value, error) { return abi.Addr(c.Args.Ptr(0)), nil }
func nop(c *hle.Call) (abi.Value, error)  { return abi.Zero, nil }

func alloc(c *hle.Call) (abi.Value, error) {
	rt := c.Env.Runtime()
	cls, ok := rt.ClassAt(c.Args.Ptr(0))
	if !ok {
		return abi.Zero, fmt.Errorf("+alloc sent to %s, which is not a class", c.Args.Ptr(0))
	}
	obj, err := rt.Alloc(cls)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(obj), nil
}

// newObject is +new: alloc followed by a real -init send, so subclasses
// overriding init are honored.
func newObject(c *hle.Call) (abi.Value, error) {
	obj, err := alloc(c)
	if err != nil {
		return abi.Zero, err
	}
	sel, err := c.Env.Runtime().RegisterSelectorName("init")
	if err != nil {
		return abi.Zero, err
	}
	return c.Send(obj.Addr(), sel, abi.Sig(abi.Ptr))
}

func dealloc(c *hle.Call) (abi.Value, error) {
	return abi.Zero, c.Mem().Free(c.Args.Ptr(0))
}

func class(c *hle.Call) (abi.Value, error) {
	cls, err := c.Env.Runtime().ClassOf(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(cls.Addr), nil
}

func respondsToSelector(c *hle.Call) (abi.Value, error) {
	rt := c.Env.Runtime()
	cls, err := rt.ClassOf(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	return abi.Boolean(rt.RespondsTo(cls, objc.Sel(c.Args.Ptr(2)))), nil
}

func description(c *hle.Call) (abi.Value, error) {
	rt := c.Env.Runtime()
	obj := c.Args.Ptr(0)
	cls, err := rt.ClassOf(obj)
	if err != nil {
		return abi.Zero, err
	}
	s, err := rt.NSString(fmt.Sprintf("<%s: %#x>", cls.Name, uint32(obj)))
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(s), nil
}

// currentThread returns one NSThread per context.
func (f *foundation) currentThread(c *hle.Call) (abi.Value, error) {
	if t, ok := f.threads[c.Ctx.ID]; ok {
		return abi.Addr(t), nil
	}
	rt := c.Env.Runtime()
	t, err := rt.Alloc(rt.GetClass(threadClass))
	if err != nil {
		return abi.Zero, err
	}
	f.threads[c.Ctx.ID] = t
	return abi.Addr(t), nil
}

func isMainThread(c *hle.Call) (abi.Value, error) {
	return abi.Boolean(c.Ctx.Main()), nil
}

func setThreadPriority(c *hle.Call) (abi.Value, error) {
	log.Debugf("+[NSThread setThreadPriority:%g] on %s", c.Args.Float64(2), c.Ctx)
	return abi.Boolean(true), nil
}

func stringArg(c *hle.Call, i int) (string, error) {
	s, err := c.Env.Runtime().StringValue(c.Args.Ptr(i))
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.Name, err)
	}
	return s, nil
}

// length counts UTF-16 code units.
func length(c *hle.Call) (abi.Value, error) {
	s, err := stringArg(c, 0)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Word(uint32(len(utf16.Encode([]rune(s))))), nil
}

func utf8String(c *hle.Call) (abi.Value, error) {
	cstr, err := c.Mem().ReadPtr(c.Args.Ptr(0) + 8)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(cstr), nil
}

func isEqualToString(c *hle.Call) (abi.Value, error) {
	if c.Args.Ptr(2) == 0 {
		return abi.Boolean(false), nil
	}
	a, err := stringArg(c, 0)
	if err != nil {
		return abi.Zero, err
	}
	b, err := stringArg(c, 2)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Boolean(a == b), nil
}

// isString reports whether cls is NSString or one of its subclasses.
func isString(cls *objc.Class) bool {
	for ; cls != nil; cls = cls.Super {
		if cls.Name == stringClass {
			return true
		}
	}
	return false
}

// describe is the %@ conversion: the string itself for strings and the
// result of -description for everything else.
func describe(c *hle.Call) func(memory.Addr) (string, error) {
	rt := c.Env.Runtime()
	return func(obj memory.Addr) (string, error) {
		if obj == 0 {
			return "(null)", nil
		}
		cls, err := rt.ClassOf(obj)
		if err != nil {
			return "", err
		}
		if !isString(cls) {
			sel, err := rt.RegisterSelectorName("description")
			if err != nil {
				return "", err
			}
			desc, err := c.Send(obj, sel, abi.Sig(abi.Ptr))
			if err != nil {
				return "", err
			}
			obj = desc.Addr()
		}
		return rt.StringValue(obj)
	}
}

// nslog writes one line to the process's standard output.
func (f *foundation) nslog(c *hle.Call) (abi.Value, error) {
	format, err := stringArg(c, 0)
	if err != nil {
		return abi.Zero, err
	}
	s, err := libc.FormatObjects(c.Mem(), format, c.VarArgs(), describe(c))
	if err != nil {
		return abi.Zero, fmt.Errorf("NSLog(%q): %w", format, err)
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, err = io.WriteString(f.env.Stdout(), s)
	return abi.Zero, err
}
