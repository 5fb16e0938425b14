package hle

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
	"github.com/pkg/errors"
)

var errInterrupted = errors.New("interrupted")

// invoke runs a host to guest call on c: the callee returns into the Return
// trampoline and the registers are put back exactly as they were.
func (e *Env) invoke(c *Context, addr memory.Addr, sig abi.Signature, args []abi.Value) (abi.Value, error) {
	saved, err := e.bridge.Snapshot()
	if err != nil {
		return abi.Zero, err
	}
	regs := saved
	sret, err := e.conv.Prepare(&regs, e.mem, sig, args)
	if err != nil {
		return abi.Zero, fmt.Errorf("failed to call %s: %v", e.symbolize(addr), err)
	}
	regs.R[emu.LR] = uint32(e.linker.ReturnAddr())
	regs.SetEntry(uint32(addr))
	c.push(Frame{Target: addr, Saved: saved, Sig: sig, Sret: sret})
	depth := c.Depth()
	if err := e.bridge.Restore(regs); err != nil {
		c.pop()
		return abi.Zero, err
	}

	if err := e.execute(c, depth); err != nil {
		if c.Depth() >= depth {
			c.frames = c.frames[:depth-1]
		}
		return abi.Zero, err
	}

	if regs, err = e.bridge.Snapshot(); err != nil {
		return abi.Zero, err
	}
	v, err := e.conv.Result(&regs, e.mem, sig, sret)
	if err != nil {
		return abi.Zero, err
	}
	f := c.pop()
	return v, e.bridge.Restore(f.Saved)
}

// execute runs guest code on c until the frame at depth returns (depth > 0)
// or the context has to give up the CPU (depth 0).
func (e *Env) execute(c *Context, depth int) error {
	var budget uint64
	if depth == 0 {
		budget = e.cfg.Slice
	}
	for {
		if e.stopped.Load() {
			return errInterrupted
		}
		pc, err := e.bridge.PC()
		if err != nil {
			return err
		}
		stop, err := e.bridge.Run(pc, budget)
		if err != nil {
			return e.fault(c, err)
		}
		switch stop.Reason {
		case emu.StopCount:
			if depth == 0 {
				return errSwitch
			}
		case emu.StopRequested:
			return errInterrupted
		case emu.StopTrap:
			done, err := e.trap(c, memory.Addr(stop.Addr), depth)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// trap handles a trampoline hit. done reports that the frame at depth
// returned.
func (e *Env) trap(c *Context, addr memory.Addr, depth int) (bool, error) {
	slot, ok := e.linker.Slot(addr)
	if !ok {
		return false, e.faultf(c, FaultTrampoline, "jump into the trampoline window at %s", addr)
	}
	switch slot.Kind {
	case dyld.SlotReturn:
		if depth == 0 || c.Depth() != depth {
			return false, e.faultf(c, FaultTrampoline, "return trampoline hit with no host to guest call pending")
		}
		return true, nil
	case dyld.SlotThreadExit:
		return false, e.threadExit(c)
	case dyld.SlotLazyBind:
		t, err := e.linker.BindLazy(slot)
		if err != nil {
			return false, e.fault(c, err)
		}
		return false, e.jump(t.Addr)
	case dyld.SlotHost, dyld.SlotProcAddress:
		return false, e.dispatch(c, slot.Name)
	case dyld.SlotUnimplemented:
		return false, e.unimplemented(c, slot.Name)
	}
	return false, e.faultf(c, FaultTrampoline, "unknown trampoline %s", slot)
}

func (e *Env) jump(addr memory.Addr) error {
	regs, err := e.bridge.Snapshot()
	if err != nil {
		return err
	}
	regs.SetEntry(uint32(addr))
	return e.bridge.Restore(regs)
}

// threadExit handles a context's entry function returning. main returning
// is the process calling exit with main's result.
func (e *Env) threadExit(c *Context) error {
	r0, err := e.bridge.Get(emu.R0)
	if err != nil {
		return err
	}
	if !c.Main() {
		e.sched.Exit(c, r0)
		return errThreadExit
	}
	if e.registry.HasFunction("_exit") {
		addr, err := e.linker.HostTrampoline("_exit")
		if err != nil {
			return err
		}
		return e.jump(addr)
	}
	e.exit(int(int32(r0)))
	return errProcessExit
}

// dispatch calls the host function name with the guest's arguments.
func (e *Env) dispatch(c *Context, name string) error {
	fn, ok := e.registry.Function(name)
	if !ok {
		return e.unimplemented(c, name)
	}
	regs, err := e.bridge.Snapshot()
	if err != nil {
		return err
	}
	args, err := e.conv.Args(&regs, e.mem, fn.Sig)
	if err != nil {
		return e.fault(c, fmt.Errorf("%s: %w", name, err))
	}
	call := &Call{Env: e, Ctx: c, Name: name, Sig: fn.Sig, Args: args, regs: &regs}
	log.Debugf("[%d] %s from %s", c.ID, name, e.symbolize(memory.Addr(regs.LR())))

	v, err := fn.Handler(call)
	switch {
	case err == nil:
	case errors.Is(err, errRetry):
		// parked at the trampoline, the call is issued again on wakeup
		if err := e.bridge.Restore(regs); err != nil {
			return err
		}
		return errSwitch
	case isControl(err), errors.Is(err, errInterrupted):
		return err
	case e.cfg.DispatchFault == DispatchNil && isDoesNotRespond(err):
		log.Warnf("%v, returning nil", err)
		v = abi.Zero
	default:
		return e.fault(c, err)
	}

	if call.jump {
		regs.SetEntry(uint32(call.target))
	} else {
		if err := e.conv.Return(&regs, e.mem, fn.Sig, args.StructReturn(), v); err != nil {
			return e.fault(c, fmt.Errorf("%s: %w", name, err))
		}
		regs.SetEntry(regs.LR())
	}
	if err := e.bridge.Restore(regs); err != nil {
		return err
	}
	if call.yield {
		return errSwitch
	}
	return nil
}

func isDoesNotRespond(err error) bool {
	var dnr *objc.DoesNotRespondError
	return errors.As(err, &dnr)
}

// unimplemented applies the unimplemented API policy to a call of name.
func (e *Env) unimplemented(c *Context, name string) error {
	if e.cfg.Unimplemented != UnimplementedNoop {
		return e.fault(c, &UnimplementedError{Symbol: name})
	}
	if !e.warned[name] {
		e.warned[name] = true
		log.Warnf("call to unimplemented function %s, returning 0", name)
	}
	regs, err := e.bridge.Snapshot()
	if err != nil {
		return err
	}
	regs.R[emu.R0] = 0
	regs.SetEntry(regs.LR())
	return e.bridge.Restore(regs)
}

// schedule runs contexts until none is left.
func (e *Env) schedule() error {
	for !e.exited {
		c := e.sched.next()
		if c == nil {
			if e.sched.Live() == 0 {
				return nil
			}
			return e.deadlock()
		}
		if err := e.bridge.Restore(c.Regs); err != nil {
			return err
		}
		err := e.execute(c, 0)
		switch {
		case err == nil, errors.Is(err, errSwitch):
			if c.State == Exited {
				continue
			}
			if c.Regs, err = e.bridge.Snapshot(); err != nil {
				return err
			}
		case errors.Is(err, errThreadExit):
		case errors.Is(err, errProcessExit):
			return nil
		default:
			var rf *RuntimeFault
			if errors.As(err, &rf) && rf.Kind == FaultMemory && e.cfg.MemoryFault == MemoryFaultContext {
				log.Errorf("%v: killing context %d", rf, c.ID)
				if c.Main() {
					e.mainFault = rf
				}
				e.sched.Exit(c, 0)
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Env) deadlock() error {
	var blocked []int
	for _, c := range e.sched.Contexts() {
		blocked = append(blocked, c.ID)
	}
	c := e.sched.Contexts()[0]
	f := &RuntimeFault{
		Kind:      FaultDeadlock,
		Message:   fmt.Sprintf("all contexts %v are blocked", blocked),
		PC:        memory.Addr(c.Regs.Entry()),
		LR:        memory.Addr(c.Regs.LR()),
		Context:   c.ID,
		Registers: c.Regs,
	}
	f.Module, f.Symbol = e.location(f.PC)
	return f
}

// fault turns err into a RuntimeFault located at the current registers.
func (e *Env) fault(c *Context, err error) error {
	var rf *RuntimeFault
	if errors.As(err, &rf) || isControl(err) {
		return err
	}
	regs, _ := e.bridge.Snapshot()
	f := &RuntimeFault{
		Kind:      kindOf(err),
		Message:   err.Error(),
		PC:        memory.Addr(regs.Entry()),
		LR:        memory.Addr(regs.LR()),
		Context:   c.ID,
		Registers: regs,
		Err:       err,
	}
	var mf *memory.Fault
	if errors.As(err, &mf) {
		f.Address = mf.Addr
	}
	var ef *emu.Fault
	if errors.As(err, &ef) {
		f.PC = memory.Addr(ef.PC)
		if ef.Kind == emu.FaultBreakpoint && e.linker.Breakpoint(f.PC) {
			f.Kind = FaultBreakpoint
		}
	}
	// a host fault is reported at the guest call site
	if slot, ok := e.linker.Slot(f.PC); ok {
		mod, caller := e.location(f.LR)
		f.Module, f.Symbol = mod, slot.Name
		if caller != "" {
			f.Symbol = fmt.Sprintf("%s called from %s", slot.Name, caller)
		}
		return f
	}
	f.Module, f.Symbol = e.location(f.PC)
	return f
}

func (e *Env) faultf(c *Context, kind FaultKind, format string, args ...any) error {
	err := e.fault(c, fmt.Errorf(format, args...))
	var rf *RuntimeFault
	if errors.As(err, &rf) {
		rf.Kind = kind
	}
	return err
}

func (e *Env) location(addr memory.Addr) (module, symbol string) {
	mod, sym, off := e.linker.Symbolize(addr &^ 1)
	if sym != "" && off != 0 {
		sym = fmt.Sprintf("%s+%#x", sym, off)
	}
	return mod, sym
}
