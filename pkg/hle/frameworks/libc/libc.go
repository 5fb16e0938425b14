// Package libc implements the part of libSystem's C library that iOS
// binaries call directly.
package libc

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/memory"
)

// StackGuard is the value of ___stack_chk_guard.
const StackGuard = 0x6fe3a1c5

var (
	ErrAbort          = errors.New("abort() called")
	ErrStackSmashed   = errors.New("stack buffer overflow detected")
	errCallocOverflow = errors.New("calloc size overflows")
)

// Framework registers the C library.
var Framework = hle.Framework{Name: "libc", Install: Install}

type libc struct {
	env    *hle.Env
	atexit []memory.Addr
}

// Install registers the libc functions and constants with env.
func Install(env *hle.Env) error {
	l := &libc{env: env}
	for _, f := range []struct {
		name string
		sig  abi.Signature
		fn   hle.Handler
	}{
		{"_malloc", abi.Sig(abi.Ptr, abi.Uint32), l.malloc},
		{"_calloc", abi.Sig(abi.Ptr, abi.Uint32, abi.Uint32), l.calloc},
		{"_realloc", abi.Sig(abi.Ptr, abi.Ptr, abi.Uint32), l.realloc},
		{"_free", abi.Sig(abi.Void, abi.Ptr), l.free},
		{"_memcpy", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Uint32), l.memcpy},
		{"_memmove", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr, abi.Uint32), l.memmove},
		{"_memset", abi.Sig(abi.Ptr, abi.Ptr, abi.Int32, abi.Uint32), l.memset},
		{"_strlen", abi.Sig(abi.Uint32, abi.Ptr), l.strlen},
		{"_strcmp", abi.Sig(abi.Int32, abi.Ptr, abi.Ptr), l.strcmp},
		{"_strncmp", abi.Sig(abi.Int32, abi.Ptr, abi.Ptr, abi.Uint32), l.strncmp},
		{"_strcpy", abi.Sig(abi.Ptr, abi.Ptr, abi.Ptr), l.strcpy},
		{"_strdup", abi.Sig(abi.Ptr, abi.Ptr), l.strdup},
		{"_printf", abi.Sig(abi.Int32, abi.Ptr).Varargs(), l.printf},
		{"_puts", abi.Sig(abi.Int32, abi.Ptr), l.puts},
		{"_exit", abi.Sig(abi.Void, abi.Int32), l.exit},
		{"_abort", abi.Sig(abi.Void), l.abort},
		{"_atexit", abi.Sig(abi.Int32, abi.Ptr), l.atexitFn},
		{"_time", abi.Sig(abi.Int32, abi.Ptr), l.time},
		{"___stack_chk_fail", abi.Sig(abi.Void), l.stackChkFail},
	} {
		if err := env.Register(f.name, f.sig, f.fn); err != nil {
			return err
		}
	}
	return env.Registry().Constant("___stack_chk_guard", dyld.Value(StackGuard))
}

func (l *libc) stdout() io.Writer { return l.env.Stdout() }

func (l *libc) malloc(c *hle.Call) (abi.Value, error) {
	addr, err := c.Mem().Alloc(c.Args.Uint32(0))
	if err != nil {
		log.Warnf("malloc(%d): %v", c.Args.Uint32(0), err)
		return abi.Zero, nil
	}
	return abi.Addr(addr), nil
}

func (l *libc) calloc(c *hle.Call) (abi.Value, error) {
	n, size := uint64(c.Args.Uint32(0)), uint64(c.Args.Uint32(1))
	if n*size > 0xffffffff {
		log.Warnf("calloc(%d, %d): %v", n, size, errCallocOverflow)
		return abi.Zero, nil
	}
	addr, err := c.Mem().Alloc(uint32(n * size))
	if err != nil {
		log.Warnf("calloc(%d, %d): %v", n, size, err)
		return abi.Zero, nil
	}
	return abi.Addr(addr), c.Mem().Zero(addr, uint32(n*size))
}

func (l *libc) realloc(c *hle.Call) (abi.Value, error) {
	addr, err := c.Mem().Realloc(c.Args.Ptr(0), c.Args.Uint32(1))
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(addr), nil
}

func (l *libc) free(c *hle.Call) (abi.Value, error) {
	if p := c.Args.Ptr(0); p != 0 {
		return abi.Zero, c.Mem().Free(p)
	}
	return abi.Zero, nil
}

func (l *libc) memcpy(c *hle.Call) (abi.Value, error) {
	dst, src, n := c.Args.Ptr(0), c.Args.Ptr(1), c.Args.Uint32(2)
	if n == 0 {
		return abi.Addr(dst), nil
	}
	return abi.Addr(dst), c.Mem().Copy(dst, src, n)
}

func (l *libc) memmove(c *hle.Call) (abi.Value, error) {
	dst, src, n := c.Args.Ptr(0), c.Args.Ptr(1), c.Args.Uint32(2)
	if n == 0 {
		return abi.Addr(dst), nil
	}
	buf, err := c.Mem().ReadBytes(src, n)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(dst), c.Mem().WriteBytes(dst, buf)
}

func (l *libc) memset(c *hle.Call) (abi.Value, error) {
	dst, n := c.Args.Ptr(0), c.Args.Uint32(2)
	if n == 0 {
		return abi.Addr(dst), nil
	}
	return abi.Addr(dst), c.Mem().Fill(dst, byte(c.Args.Int32(1)), n)
}

func (l *libc) strlen(c *hle.Call) (abi.Value, error) {
	s, err := c.CString(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	return abi.Word(uint32(len(s))), nil
}

func (l *libc) strcmp(c *hle.Call) (abi.Value, error) {
	a, err := c.CString(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	b, err := c.CString(c.Args.Ptr(1))
	if err != nil {
		return abi.Zero, err
	}
	return abi.Int(compare(a, b)), nil
}

func (l *libc) strncmp(c *hle.Call) (abi.Value, error) {
	a, b, n := c.Args.Ptr(0), c.Args.Ptr(1), c.Args.Uint32(2)
	for i := range n {
		x, err := c.Mem().Read8(a + memory.Addr(i))
		if err != nil {
			return abi.Zero, err
		}
		y, err := c.Mem().Read8(b + memory.Addr(i))
		if err != nil {
			return abi.Zero, err
		}
		if x != y {
			return abi.Int(int32(x) - int32(y)), nil
		}
		if x == 0 {
			break
		}
	}
	return abi.Int(0), nil
}

// compare orders a and b as unsigned bytes, like strcmp.
func compare(a, b string) int32 {
	for i := 0; i < len(a) || i < len(b); i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			return int32(x) - int32(y)
		}
	}
	return 0
}

func (l *libc) strcpy(c *hle.Call) (abi.Value, error) {
	dst := c.Args.Ptr(0)
	s, err := c.CString(c.Args.Ptr(1))
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(dst), c.Mem().WriteCString(dst, s)
}

func (l *libc) strdup(c *hle.Call) (abi.Value, error) {
	s, err := c.CString(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	addr, err := c.Mem().AllocCString(s)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(addr), nil
}

func (l *libc) printf(c *hle.Call) (abi.Value, error) {
	f, err := c.CString(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	s, err := Format(c.Mem(), f, c.VarArgs())
	if err != nil {
		return abi.Zero, fmt.Errorf("printf(%q): %w", f, err)
	}
	n, err := io.WriteString(l.stdout(), s)
	if err != nil {
		return abi.Int(-1), nil
	}
	return abi.Int(int32(n)), nil
}

func (l *libc) puts(c *hle.Call) (abi.Value, error) {
	s, err := c.CString(c.Args.Ptr(0))
	if err != nil {
		return abi.Zero, err
	}
	if _, err := io.WriteString(l.stdout(), s+"\n"); err != nil {
		return abi.Int(-1), nil
	}
	return abi.Int(int32(len(s) + 1)), nil
}

// exit runs the atexit handlers in reverse registration order, then the
// images' terminators, and ends the process.
func (l *libc) exit(c *hle.Call) (abi.Value, error) {
	code := int(c.Args.Int32(0))
	for len(l.atexit) > 0 {
		fn := l.atexit[len(l.atexit)-1]
		l.atexit = l.atexit[:len(l.atexit)-1]
		if _, err := c.CallGuest(fn, abi.Sig(abi.Void)); err != nil {
			return abi.Zero, err
		}
	}
	mods := c.Env.Modules()
	for i := len(mods) - 1; i >= 0; i-- {
		for j := len(mods[i].TermFuncs) - 1; j >= 0; j-- {
			if _, err := c.CallGuest(mods[i].TermFuncs[j], abi.Sig(abi.Void)); err != nil {
				return abi.Zero, err
			}
		}
	}
	return abi.Zero, c.Exit(code)
}

func (l *libc) abort(c *hle.Call) (abi.Value, error) { return abi.Zero, ErrAbort }

func (l *libc) atexitFn(c *hle.Call) (abi.Value, error) {
	l.atexit = append(l.atexit, c.Args.Ptr(0))
	return abi.Int(0), nil
}

func (l *libc) time(c *hle.Call) (abi.Value, error) {
	now := uint32(time.Now().Unix())
	if tloc := c.Args.Ptr(0); tloc != 0 {
		if err := c.Mem().Write32(tloc, now); err != nil {
			return abi.Zero, err
		}
	}
	return abi.Word(now), nil
}

func (l *libc) stackChkFail(c *hle.Call) (abi.Value, error) {
	return abi.Zero, fmt.Errorf("%w in %s", ErrStackSmashed, c.ReturnAddr())
}
