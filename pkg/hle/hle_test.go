package hle

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/hle/internal/machotest"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/arm"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/emu/interp"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
)

func newEnv(t *testing.T, cfg Config) *Env {
	t.Helper()
	env, err := New(cfg, WithEngine(interp.New()), WithStdout(io.Discard))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { env.Close() })
	return env
}

func register(t *testing.T, env *Env, name string, sig abi.Signature, h Handler) {
	t.Helper()
	if err := env.Register(name, sig, h); err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
}

func load(t *testing.T, env *Env, b *machotest.Builder) *machotest.Layout {
	t.Helper()
	path := b.WriteFile(t, t.TempDir(), "app")
	if _, err := env.Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return b.Layout()
}

func run(t *testing.T, env *Env) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return env.Run(ctx)
}

// logger records the values guest code passes to _log.
func logger(t *testing.T, env *Env) *[]int32 {
	var got []int32
	register(t, env, "_log", abi.Sig(abi.Void, abi.Int32), func(c *Call) (abi.Value, error) {
		got = append(got, c.Args.Int32(0))
		return abi.Zero, nil
	})
	return &got
}

func TestRunHostCall(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	var arg int32
	register(t, env, "_foo", abi.Sig(abi.Int32, abi.Int32), func(c *Call) (abi.Value, error) {
		arg = c.Args.Int32(0)
		return abi.Int(arg * 2), nil
	})
	l := load(t, env, &machotest.Builder{
		Funcs: []machotest.Func{machotest.Fn("_main", func(a *machotest.Asm) {
			a.Emit(arm.Push(arm.LR), arm.MovImm(arm.R0, 5))
			a.Call("_foo")
			a.Emit(arm.AddImm(arm.R0, arm.R0, 1), arm.Pop(arm.PC))
		})},
		Imports: machotest.Lazy("_foo"),
		Entry:   "_main",
	})
	if err := run(t, env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if arg != 5 {
		t.Errorf("_foo got %d, want 5", arg)
	}
	if env.ExitCode() != 11 {
		t.Errorf("exit code = %d, want 11", env.ExitCode())
	}
	ptr, err := env.Memory().ReadPtr(memory.Addr(l.LazyPointer("_foo")))
	if err != nil {
		t.Fatal(err)
	}
	if slot, ok := env.Linker().Slot(ptr); !ok || slot.Kind != dyld.SlotHost || slot.Name != "_foo" {
		t.Errorf("lazy pointer of _foo = %s, want its host trampoline", ptr)
	}
	if err := env.Run(context.Background()); err == nil {
		t.Errorf("second Run() succeeded")
	}
}

func TestRegisterAfterLoad(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	load(t, env, &machotest.Builder{Funcs: []machotest.Func{{Name: "_main", Code: machotest.Return}}, Entry: "_main"})
	err := env.Register("_late", abi.Sig(abi.Void), func(*Call) (abi.Value, error) { return abi.Zero, nil })
	if !errors.Is(err, dyld.ErrSealed) {
		t.Errorf("Register() error = %v, want ErrSealed", err)
	}
	if err := env.Registry().Constant("_kLate", dyld.Value(1)); !errors.Is(err, dyld.ErrSealed) {
		t.Errorf("Constant() error = %v, want ErrSealed", err)
	}
	if _, err := env.Load("app"); err == nil {
		t.Errorf("second Load() succeeded")
	}
}

func TestGuestExportWins(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	register(t, env, "_foo", abi.Sig(abi.Int32), func(*Call) (abi.Value, error) { return abi.Int(99), nil })

	dir := t.TempDir()
	lib := &machotest.Builder{
		Type: types.MH_DYLIB,
		ID:   "@executable_path/libfoo.dylib",
		Funcs: []machotest.Func{{Name: "_foo", Code: func(*machotest.Layout) []uint32 {
			return []uint32{arm.MovImm(arm.R0, 7), arm.Ret}
		}}},
	}
	lib.WriteFile(t, dir, "libfoo.dylib")
	exe := &machotest.Builder{
		Dylibs: []string{"@executable_path/libfoo.dylib", "/usr/lib/libSystem.B.dylib"},
		Funcs: []machotest.Func{machotest.Fn("_main", func(a *machotest.Asm) {
			a.Emit(arm.Push(arm.LR))
			a.Call("_foo")
			a.Emit(arm.Pop(arm.PC))
		})},
		Imports: machotest.Lazy("_foo"),
		Entry:   "_main",
	}
	if _, err := env.Load(exe.WriteFile(t, dir, "app")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n := len(env.Modules()); n != 2 {
		t.Fatalf("loaded %d modules, want 2", n)
	}
	if err := run(t, env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if env.ExitCode() != 7 {
		t.Errorf("exit code = %d, want 7 from the guest _foo", env.ExitCode())
	}

	addr, err := env.Lookup("_foo")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if _, ok := env.Linker().Slot(addr); ok {
		t.Errorf("Lookup(_foo) = host trampoline %s, want the guest export", addr)
	}
}

func TestUnimplemented(t *testing.T) {
	b := &machotest.Builder{
		Funcs: []machotest.Func{machotest.Fn("_main", func(a *machotest.Asm) {
			a.Emit(arm.Push(arm.LR))
			a.Call("_missing")
			a.Emit(arm.AddImm(arm.R0, arm.R0, 1), arm.Pop(arm.PC))
		})},
		Imports: machotest.Lazy("_missing"),
		Entry:   "_main",
	}
	t.Run("abort", func(t *testing.T) {
		env := newEnv(t, DefaultConfig())
		load(t, env, b)
		err := run(t, env)
		var rf *RuntimeFault
		if !errors.As(err, &rf) || rf.Kind != FaultUnimplemented {
			t.Fatalf("Run() error = %v, want unimplemented fault", err)
		}
		var ue *UnimplementedError
		if !errors.As(err, &ue) || ue.Symbol != "_missing" {
			t.Errorf("fault does not wrap UnimplementedError{_missing}: %v", err)
		}
		if out, err := rf.YAML(); err != nil || len(out) == 0 {
			t.Errorf("YAML() = %q, %v", out, err)
		}
	})
	t.Run("noop", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Unimplemented = UnimplementedNoop
		env := newEnv(t, cfg)
		load(t, env, b)
		if err := run(t, env); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if env.ExitCode() != 1 {
			t.Errorf("exit code = %d, want 1", env.ExitCode())
		}
	})
}

func TestCallGuestRestoresRegisters(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	var before, after emu.Registers
	register(t, env, "_apply", abi.Sig(abi.Int32, abi.Ptr, abi.Int32), func(c *Call) (abi.Value, error) {
		before, _ = c.Env.Bridge().Snapshot()
		v, err := c.CallGuest(c.Args.Ptr(0), abi.Sig(abi.Int32, abi.Int32), abi.Int(c.Args.Int32(1)))
		if err != nil {
			return abi.Zero, err
		}
		after, _ = c.Env.Bridge().Snapshot()
		return abi.Int(v.I32() + 1), nil
	})
	load(t, env, &machotest.Builder{
		Funcs: []machotest.Func{
			machotest.Fn("_main", func(a *machotest.Asm) {
				a.Emit(arm.Push(arm.R4, arm.LR), arm.MovImm(arm.R4, 3))
				a.Addr(arm.R0, "_double")
				a.Emit(arm.MovImm(arm.R1, 5))
				a.Call("_apply")
				a.Emit(arm.AddReg(arm.R0, arm.R0, arm.R4), arm.Pop(arm.R4, arm.PC))
			}),
			{Name: "_double", Code: func(*machotest.Layout) []uint32 {
				// clobbers r4 on purpose
				return []uint32{arm.MovImm(arm.R4, 100), arm.AddReg(arm.R0, arm.R0, arm.R0), arm.Ret}
			}},
		},
		Imports: machotest.Lazy("_apply"),
		Entry:   "_main",
	})
	if err := run(t, env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("registers changed across CallGuest:\n%s", after.Changed(before))
	}
	// double(5)+1 plus the callee-saved r4
	if env.ExitCode() != 14 {
		t.Errorf("exit code = %d, want 14", env.ExitCode())
	}
}

func TestInitFuncsAndCall(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	got := logger(t, env)
	l := load(t, env, &machotest.Builder{
		Funcs: []machotest.Func{
			machotest.Fn("_main", func(a *machotest.Asm) {
				a.Emit(arm.Push(arm.LR), arm.MovImm(arm.R0, 2))
				a.Call("_log")
				a.Emit(arm.MovImm(arm.R0, 0), arm.Pop(arm.PC))
			}),
			machotest.Fn("_init", func(a *machotest.Asm) {
				a.Emit(arm.Push(arm.LR), arm.MovImm(arm.R0, 1))
				a.Call("_log")
				a.Emit(arm.Pop(arm.PC))
			}),
			{Name: "_triple", Code: func(*machotest.Layout) []uint32 {
				return []uint32{arm.AddReg(arm.R1, arm.R0, arm.R0), arm.AddReg(arm.R0, arm.R0, arm.R1), arm.Ret}
			}},
		},
		Imports: machotest.Lazy("_log"),
		Init:    []string{"_init"},
		Entry:   "_main",
	})
	if err := run(t, env); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := []int32{1, 2}; !reflect.DeepEqual(*got, want) {
		t.Errorf("log = %v, want %v", *got, want)
	}

	v, err := env.Call(context.Background(), memory.Addr(l.Func("_triple")), abi.Sig(abi.Int32, abi.Int32), abi.Int(7))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if v.I32() != 21 {
		t.Errorf("_triple(7) = %d, want 21", v.I32())
	}
}

func TestSend(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	var greeted int32
	register(t, env, "_greet_object", abi.Sig(abi.Int32, abi.Ptr), func(c *Call) (abi.Value, error) {
		sel, err := c.Env.Runtime().RegisterSelectorName("greet")
		if err != nil {
			return abi.Zero, err
		}
		v, err := c.Send(c.Args.Ptr(0), sel, abi.Sig(abi.Int32))
		greeted = v.I32()
		return v, err
	})
	l := load(t, env, &machotest.Builder{
		Funcs: []machotest.Func{
			{Name: "_main", Code: machotest.Return},
			{Name: "_greet", Code: func(*machotest.Layout) []uint32 { return []uint32{arm.MovImm(arm.R0, 42), arm.Ret} }},
		},
		Entry: "_main",
	})

	rt := env.Runtime()
	a, err := rt.RegisterHostClass(objc.ClassSpec{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := rt.RegisterHostClass(objc.ClassSpec{Name: "B", Super: "A"})
	if err != nil {
		t.Fatal(err)
	}
	sel, _ := rt.RegisterSelectorName("greet")
	rt.AddMethod(a, sel, objc.Imp(l.Func("_greet")))
	obj, err := rt.Alloc(b)
	if err != nil {
		t.Fatal(err)
	}

	tramp, err := env.Linker().HostTrampoline("_greet_object")
	if err != nil {
		t.Fatal(err)
	}
	v, err := env.Call(context.Background(), tramp, abi.Sig(abi.Int32, abi.Ptr), abi.Addr(obj))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if v.I32() != 42 || greeted != 42 {
		t.Errorf("[b greet] = %d (handler saw %d), want 42", v.I32(), greeted)
	}
}

func TestScheduling(t *testing.T) {
	threads := func(t *testing.T, env *Env) {
		register(t, env, "_spawn", abi.Sig(abi.Int32, abi.Ptr, abi.Uint32), func(c *Call) (abi.Value, error) {
			ctx, err := c.Spawn(c.Args.Ptr(0), c.Args.Uint32(1))
			if err != nil {
				return abi.Zero, err
			}
			return abi.Int(int32(ctx.ID)), nil
		})
		register(t, env, "_yield", abi.Sig(abi.Void), func(c *Call) (abi.Value, error) {
			c.Yield()
			return abi.Zero, nil
		})
	}

	t.Run("yield", func(t *testing.T) {
		env := newEnv(t, DefaultConfig())
		threads(t, env)
		got := logger(t, env)
		load(t, env, &machotest.Builder{
			Funcs: []machotest.Func{
				machotest.Fn("_main", func(a *machotest.Asm) {
					a.Emit(arm.Push(arm.LR))
					a.Addr(arm.R0, "_worker")
					a.Emit(arm.MovImm(arm.R1, 0))
					a.Call("_spawn")
					a.Emit(arm.MovImm(arm.R0, 1))
					a.Call("_log")
					a.Call("_yield")
					a.Emit(arm.MovImm(arm.R0, 3))
					a.Call("_log")
					a.Call("_yield")
					a.Emit(arm.MovImm(arm.R0, 0), arm.Pop(arm.PC))
				}),
				machotest.Fn("_worker", func(a *machotest.Asm) {
					a.Emit(arm.Push(arm.LR), arm.MovImm(arm.R0, 2))
					a.Call("_log")
					a.Call("_yield")
					a.Emit(arm.MovImm(arm.R0, 4))
					a.Call("_log")
					a.Emit(arm.Pop(arm.PC))
				}),
			},
			Imports: machotest.Lazy("_spawn", "_log", "_yield"),
			Entry:   "_main",
		})
		if err := run(t, env); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if want := []int32{1, 2, 3, 4}; !reflect.DeepEqual(*got, want) {
			t.Errorf("log = %v, want %v", *got, want)
		}
		if c, ok := env.Scheduler().Get(1); !ok || c.State != Exited {
			t.Errorf("worker context = %v, want exited", c)
		}
	})

	t.Run("block", func(t *testing.T) {
		env := newEnv(t, DefaultConfig())
		threads(t, env)
		var flag bool
		calls := 0
		register(t, env, "_wait", abi.Sig(abi.Int32), func(c *Call) (abi.Value, error) {
			calls++
			if err := c.Block(func() bool { return flag }); err != nil {
				return abi.Zero, err
			}
			return abi.Int(5), nil
		})
		register(t, env, "_signal", abi.Sig(abi.Void), func(c *Call) (abi.Value, error) {
			flag = true
			return abi.Zero, nil
		})
		load(t, env, &machotest.Builder{
			Funcs: []machotest.Func{
				machotest.Fn("_main", func(a *machotest.Asm) {
					a.Emit(arm.Push(arm.LR))
					a.Addr(arm.R0, "_worker")
					a.Emit(arm.MovImm(arm.R1, 0))
					a.Call("_spawn")
					a.Call("_wait")
					a.Emit(arm.Pop(arm.PC))
				}),
				machotest.Fn("_worker", func(a *machotest.Asm) {
					a.Emit(arm.Push(arm.LR))
					a.Call("_signal")
					a.Emit(arm.Pop(arm.PC))
				}),
			},
			Imports: machotest.Lazy("_spawn", "_wait", "_signal"),
			Entry:   "_main",
		})
		if err := run(t, env); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if env.ExitCode() != 5 || calls != 2 {
			t.Errorf("exit code = %d after %d _wait calls, want 5 after 2", env.ExitCode(), calls)
		}
	})

	t.Run("deadlock", func(t *testing.T) {
		env := newEnv(t, DefaultConfig())
		register(t, env, "_wait", abi.Sig(abi.Void), func(c *Call) (abi.Value, error) {
			return abi.Zero, c.Block(func() bool { return false })
		})
		load(t, env, &machotest.Builder{
			Funcs: []machotest.Func{machotest.Fn("_main", func(a *machotest.Asm) {
				a.Emit(arm.Push(arm.LR))
				a.Call("_wait")
				a.Emit(arm.Pop(arm.PC))
			})},
			Imports: machotest.Lazy("_wait"),
			Entry:   "_main",
		})
		var rf *RuntimeFault
		if err := run(t, env); !errors.As(err, &rf) || rf.Kind != FaultDeadlock {
			t.Errorf("Run() error = %v, want deadlock", err)
		}
	})

	t.Run("preempt", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Slice = 1000
		env := newEnv(t, cfg)
		load(t, env, &machotest.Builder{
			Funcs: []machotest.Func{machotest.Fn("_main", func(a *machotest.Asm) { a.Emit(arm.B(a.PC(), a.PC())) })},
			Entry: "_main",
		})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := env.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Run() error = %v, want deadline exceeded", err)
		}
	})
}

func TestCancelRunsCleanups(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Slice = 1000
	env := newEnv(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var released []int
	register(t, env, "_acquire", abi.Sig(abi.Void), func(c *Call) (abi.Value, error) {
		c.Ctx.Defer(func() { released = append(released, c.Ctx.ID) })
		cancel()
		return abi.Zero, nil
	})
	load(t, env, &machotest.Builder{
		Funcs: []machotest.Func{machotest.Fn("_main", func(a *machotest.Asm) {
			a.Emit(arm.Push(arm.LR))
			a.Call("_acquire")
			a.Emit(arm.B(a.PC(), a.PC()))
		})},
		Imports: machotest.Lazy("_acquire"),
		Entry:   "_main",
	})

	if err := env.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want canceled", err)
	}
	if want := []int{0}; !reflect.DeepEqual(released, want) {
		t.Errorf("cleanups ran for contexts %v, want %v", released, want)
	}
	if n := env.Scheduler().Live(); n != 0 {
		t.Errorf("%d contexts still live after cancel", n)
	}
}

func TestMemoryFaultPolicy(t *testing.T) {
	b := &machotest.Builder{
		Funcs: []machotest.Func{
			machotest.Fn("_main", func(a *machotest.Asm) {
				a.Emit(arm.Push(arm.LR))
				a.Addr(arm.R0, "_worker")
				a.Emit(arm.MovImm(arm.R1, 0))
				a.Call("_spawn")
				a.Call("_yield")
				a.Emit(arm.MovImm(arm.R0, 3), arm.Pop(arm.PC))
			}),
			{Name: "_worker", Code: func(*machotest.Layout) []uint32 {
				return []uint32{arm.MovImm(arm.R0, 0), arm.LdrImm(arm.R0, arm.R0, 0), arm.Ret}
			}},
		},
		Imports: machotest.Lazy("_spawn", "_yield"),
		Entry:   "_main",
	}
	setup := func(t *testing.T, policy string) *Env {
		cfg := DefaultConfig()
		cfg.MemoryFault = policy
		env := newEnv(t, cfg)
		register(t, env, "_spawn", abi.Sig(abi.Void, abi.Ptr, abi.Uint32), func(c *Call) (abi.Value, error) {
			_, err := c.Spawn(c.Args.Ptr(0), c.Args.Uint32(1))
			return abi.Zero, err
		})
		register(t, env, "_yield", abi.Sig(abi.Void), func(c *Call) (abi.Value, error) {
			c.Yield()
			return abi.Zero, nil
		})
		load(t, env, b)
		return env
	}

	t.Run("process", func(t *testing.T) {
		env := setup(t, MemoryFaultProcess)
		var rf *RuntimeFault
		if err := run(t, env); !errors.As(err, &rf) || rf.Kind != FaultMemory {
			t.Fatalf("Run() error = %v, want memory fault", err)
		}
		if rf.Context != 1 || rf.Symbol != "_worker+0x4" {
			t.Errorf("fault in context %d at %q, want context 1 at _worker+0x4", rf.Context, rf.Symbol)
		}
	})
	t.Run("context", func(t *testing.T) {
		env := setup(t, MemoryFaultContext)
		if err := run(t, env); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if env.ExitCode() != 3 {
			t.Errorf("exit code = %d, want 3", env.ExitCode())
		}
	})
}

func TestBreakpoint(t *testing.T) {
	env := newEnv(t, DefaultConfig())
	l := load(t, env, &machotest.Builder{Funcs: []machotest.Func{{Name: "_main", Code: machotest.Return}}, Entry: "_main"})
	if err := env.SetBreakpoint(memory.Addr(l.Func("_main"))); err != nil {
		t.Fatalf("SetBreakpoint() error = %v", err)
	}
	var rf *RuntimeFault
	if err := run(t, env); !errors.As(err, &rf) || rf.Kind != FaultBreakpoint {
		t.Fatalf("Run() error = %v, want breakpoint", err)
	}
	if rf.PC != memory.Addr(l.Func("_main")) || rf.Symbol != "_main" {
		t.Errorf("breakpoint at %s (%s)", rf.PC, rf.Symbol)
	}
}
