package hle

import (
	"fmt"

	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
)

// State is the scheduling state of a Context.
type State uint8

const (
	Runnable State = iota
	Blocked
	Exited
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Frame is one pending host to guest call.
type Frame struct {
	Target memory.Addr
	Saved  emu.Registers
	Sig    abi.Signature
	Sret   memory.Addr
}

// Context is one guest thread.
type Context struct {
	ID    int
	Name  string
	Regs  emu.Registers // valid while the context is switched out
	Stack *memory.Region
	State State
	Value uint32 // exit value

	frames   []Frame
	cleanups []func()
	wait     func() bool
	main     bool
}

// Defer registers fn to run when the context exits. Cleanups run in LIFO
// order.
func (c *Context) Defer(fn func()) { c.cleanups = append(c.cleanups, fn) }

// Cleanups returns the number of cleanups still pending.
func (c *Context) Cleanups() int { return len(c.cleanups) }

// Depth is the number of pending host to guest calls.
func (c *Context) Depth() int { return len(c.frames) }

// Frames returns the pending host to guest calls, innermost last.
func (c *Context) Frames() []Frame { return append([]Frame(nil), c.frames...) }

// Main reports whether c is the process's initial thread.
func (c *Context) Main() bool { return c.main }

func (c *Context) push(f Frame) { c.frames = append(c.frames, f) }

func (c *Context) pop() Frame {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	return f
}

func (c *Context) String() string {
	return fmt.Sprintf("context %d (%s, %s)", c.ID, c.Name, c.State)
}
