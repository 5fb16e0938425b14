package hle

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
)

// Call is the state of one guest to host call handed to a Handler.
type Call struct {
	Env  *Env
	Ctx  *Context
	Name string
	Sig  abi.Signature
	Args *abi.Args

	regs   *emu.Registers // at the trampoline
	target memory.Addr
	jump   bool
	yield  bool
}

// Mem returns guest memory.
func (c *Call) Mem() *memory.Memory { return c.Env.mem }

// VarArgs returns a cursor over the variadic arguments.
func (c *Call) VarArgs() *abi.VarArgs { return c.Args.VarArgs() }

// Regs returns the registers the guest called with.
func (c *Call) Regs() emu.Registers { return *c.regs }

// ReturnAddr is where the guest continues after the call.
func (c *Call) ReturnAddr() memory.Addr { return memory.Addr(c.regs.LR()) }

// Goto turns the call into a tail call: the guest continues at addr with
// its argument registers and return address untouched, and the handler's
// return value is ignored.
func (c *Call) Goto(addr memory.Addr) {
	c.target, c.jump = addr, true
}

// CallGuest runs the guest function at addr on the current context and
// returns its result. The context's registers are restored exactly once the
// callee returns.
func (c *Call) CallGuest(addr memory.Addr, sig abi.Signature, args ...abi.Value) (abi.Value, error) {
	return c.Env.invoke(c.Ctx, addr, sig, args)
}

// Yield lets other contexts run once this call returns. It has no effect
// inside a host to guest call.
func (c *Call) Yield() {
	if c.Ctx.Depth() == 0 {
		c.yield = true
	}
}

// Block parks the context until cond holds and then re-issues the call. A
// handler returns Block's error unchanged. Blocking inside a host to guest
// call on a condition that does not hold is a deadlock.
func (c *Call) Block(cond func() bool) error {
	if cond() {
		return nil
	}
	if c.Ctx.Depth() > 0 {
		return &deadlockError{ctx: c.Ctx.ID}
	}
	c.Env.sched.block(c.Ctx, cond)
	return errRetry
}

// Exit terminates the process with code after unwinding every context.
func (c *Call) Exit(code int) error {
	c.Env.exit(code)
	return errProcessExit
}

// ExitThread terminates the calling context with value.
func (c *Call) ExitThread(value uint32) error {
	if c.Ctx.Main() {
		log.Debugf("main thread exited with %#x, waiting for %d threads", value, c.Env.sched.Live()-1)
	}
	c.Env.sched.Exit(c.Ctx, value)
	return errThreadExit
}

// SetReg changes a register as the guest will see it once the call returns
// or jumps.
func (c *Call) SetReg(r emu.Reg, v uint32) { c.regs.R[r] = v }

// Spawn starts a new context running entry(arg).
func (c *Call) Spawn(entry memory.Addr, arg uint32) (*Context, error) {
	return c.Env.sched.Spawn(entry, arg)
}

// CString reads a NUL terminated guest string.
func (c *Call) CString(addr memory.Addr) (string, error) {
	s, err := c.Env.mem.CString(addr, 0)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.Name, err)
	}
	return s, nil
}

// Send sends sel to recv the way objc_msgSend does and returns the result.
// The receiver and selector are passed ahead of args.
func (c *Call) Send(recv memory.Addr, sel objc.Sel, sig abi.Signature, args ...abi.Value) (abi.Value, error) {
	if recv == 0 {
		return abi.Zero, nil
	}
	rt := c.Env.runtime
	cls, err := rt.ClassOf(recv)
	if err != nil {
		return abi.Zero, err
	}
	imp, err := rt.Lookup(cls, sel)
	if err != nil {
		return abi.Zero, err
	}
	full := abi.Signature{Args: append([]abi.Type{abi.Of(abi.Ptr), abi.Of(abi.Ptr)}, sig.Args...), Ret: sig.Ret, Variadic: sig.Variadic}
	return c.CallGuest(memory.Addr(imp), full, append([]abi.Value{abi.Addr(recv), abi.Addr(memory.Addr(sel))}, args...)...)
}
