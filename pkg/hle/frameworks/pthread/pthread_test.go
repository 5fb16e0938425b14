package pthread

import (
	"context"
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/blacktop/hle/internal/machotest"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/arm"
	"github.com/blacktop/hle/pkg/emu/interp"
	"github.com/blacktop/hle/pkg/hle"
)

func TestMutexAndJoin(t *testing.T) {
	env, err := hle.New(hle.DefaultConfig(), hle.WithEngine(interp.New()), hle.WithFrameworks(Framework))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer env.Close()
	var got []int32
	if err := env.Register("_log", abi.Sig(abi.Void, abi.Int32), func(c *hle.Call) (abi.Value, error) {
		got = append(got, c.Args.Int32(0))
		return abi.Zero, nil
	}); err != nil {
		t.Fatal(err)
	}

	// thread handle at +0, join result at +4, a statically initialized mutex at +8
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data[8:], mutexSig)
	mutex := func(a *machotest.Asm) { a.Emit(arm.Mov32(arm.R0, a.L.Data+8)...) }
	b := &machotest.Builder{
		Funcs: []machotest.Func{
			machotest.Fn("_main", func(a *machotest.Asm) {
				a.Emit(arm.Push(arm.R4, arm.LR))
				a.Emit(arm.Mov32(arm.R0, a.L.Data)...)
				a.Emit(arm.MovImm(arm.R1, 0))
				a.Addr(arm.R2, "_worker")
				a.Emit(arm.MovImm(arm.R3, 0))
				a.Call("_pthread_create")
				mutex(a)
				a.Call("_pthread_mutex_lock")
				a.Call("_sched_yield")
				a.Emit(arm.MovImm(arm.R0, 1))
				a.Call("_log")
				mutex(a)
				a.Call("_pthread_mutex_unlock")
				a.Emit(arm.Mov32(arm.R0, a.L.Data)...)
				a.Emit(arm.LdrImm(arm.R0, arm.R0, 0))
				a.Emit(arm.Mov32(arm.R1, a.L.Data+4)...)
				a.Call("_pthread_join")
				a.Emit(arm.Mov32(arm.R0, a.L.Data+4)...)
				a.Emit(arm.LdrImm(arm.R0, arm.R0, 0))
				a.Emit(arm.Pop(arm.R4, arm.PC))
			}),
			machotest.Fn("_worker", func(a *machotest.Asm) {
				a.Emit(arm.Push(arm.LR))
				mutex(a)
				a.Call("_pthread_mutex_lock")
				a.Emit(arm.MovImm(arm.R0, 2))
				a.Call("_log")
				mutex(a)
				a.Call("_pthread_mutex_unlock")
				a.Emit(arm.MovImm(arm.R0, 9))
				a.Emit(arm.Pop(arm.PC))
			}),
		},
		Imports: machotest.Lazy("_pthread_create", "_pthread_mutex_lock", "_pthread_mutex_unlock",
			"_pthread_join", "_sched_yield", "_log"),
		Data:  data,
		Entry: "_main",
	}
	if _, err := env.Load(b.WriteFile(t, t.TempDir(), "app")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := env.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := []int32{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("critical sections ran in order %v, want %v", got, want)
	}
	if env.ExitCode() != 9 {
		t.Errorf("exit code = %d, want the joined value 9", env.ExitCode())
	}
}

func TestMutexErrors(t *testing.T) {
	env, err := hle.New(hle.DefaultConfig(), hle.WithEngine(interp.New()), hle.WithFrameworks(Framework))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer env.Close()
	b := &machotest.Builder{Funcs: []machotest.Func{{Name: "_main", Code: machotest.Return}}, Data: make([]byte, 64), Entry: "_main"}
	if _, err := env.Load(b.WriteFile(t, t.TempDir(), "app")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	l := b.Layout()
	call := func(name string, args ...abi.Value) int32 {
		t.Helper()
		addr, err := env.Lookup(name)
		if err != nil {
			t.Fatal(err)
		}
		sig := abi.Sig(abi.Int32, abi.Ptr)
		if len(args) == 2 {
			sig = abi.Sig(abi.Int32, abi.Ptr, abi.Ptr)
		}
		v, err := env.Call(context.Background(), addr, sig, args...)
		if err != nil {
			t.Fatalf("%s() error = %v", name, err)
		}
		return v.I32()
	}
	m := abi.Word(l.Data)
	tests := []struct {
		name string
		fn   string
		args []abi.Value
		want int32
	}{
		{"uninitialized", "_pthread_mutex_lock", []abi.Value{m}, EINVAL},
		{"init", "_pthread_mutex_init", []abi.Value{m, abi.Word(0)}, 0},
		{"unlock unowned", "_pthread_mutex_unlock", []abi.Value{m}, EPERM},
		{"lock", "_pthread_mutex_lock", []abi.Value{m}, 0},
		{"relock", "_pthread_mutex_lock", []abi.Value{m}, EDEADLK},
		{"destroy locked", "_pthread_mutex_destroy", []abi.Value{m}, EBUSY},
		{"unlock", "_pthread_mutex_unlock", []abi.Value{m}, 0},
		{"destroy", "_pthread_mutex_destroy", []abi.Value{m}, 0},
		{"join unknown", "_pthread_join", []abi.Value{abi.Word(0x1234), abi.Word(0)}, ESRCH},
	}
	for _, tt := range tests {
		if got := call(tt.fn, tt.args...); got != tt.want {
			t.Errorf("%s: %s() = %d, want %d", tt.name, tt.fn, got, tt.want)
		}
	}
}

func TestMutexCleanupsBounded(t *testing.T) {
	tests := []struct {
		name  string
		locks int
	}{
		{"once", 1},
		{"many", 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := hle.New(hle.DefaultConfig(), hle.WithEngine(interp.New()), hle.WithFrameworks(Framework))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer env.Close()
			b := &machotest.Builder{Funcs: []machotest.Func{{Name: "_main", Code: machotest.Return}}, Data: make([]byte, 64), Entry: "_main"}
			if _, err := env.Load(b.WriteFile(t, t.TempDir(), "app")); err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			m := abi.Word(b.Layout().Data)
			call := func(name string, args ...abi.Value) {
				t.Helper()
				addr, err := env.Lookup(name)
				if err != nil {
					t.Fatal(err)
				}
				sig := abi.Sig(abi.Int32, abi.Ptr)
				if len(args) == 2 {
					sig = abi.Sig(abi.Int32, abi.Ptr, abi.Ptr)
				}
				v, err := env.Call(context.Background(), addr, sig, args...)
				if err != nil || v.I32() != 0 {
					t.Fatalf("%s() = %d, %v", name, v.I32(), err)
				}
			}

			call("_pthread_mutex_init", m, abi.Word(0))
			for range tt.locks {
				call("_pthread_mutex_lock", m)
				call("_pthread_mutex_unlock", m)
			}
			call("_pthread_mutex_lock", m)

			var main *hle.Context
			for _, c := range env.Scheduler().Contexts() {
				if c.Main() {
					main = c
				}
			}
			if main == nil {
				t.Fatal("no main context")
			}
			if got := main.Cleanups(); got != 1 {
				t.Errorf("%d cleanups pending after %d lock/unlock pairs, want 1", got, tt.locks)
			}

		})
	}
}
