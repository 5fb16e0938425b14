package hle

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
)

// Scheduler interleaves contexts round-robin on the single bridge. A context
// runs until it yields, blocks, exits or uses up its instruction slice.
type Scheduler struct {
	mem       *memory.Memory
	exitAddr  memory.Addr
	stackSize uint32

	contexts []*Context // live, in creation order
	exited   map[int]*Context
	cur      *Context
	last     int // index of the last context picked
	nextID   int
}

func newScheduler(mem *memory.Memory, exitAddr memory.Addr, stackSize uint32) *Scheduler {
	return &Scheduler{
		mem:       mem,
		exitAddr:  exitAddr,
		stackSize: stackSize,
		exited:    make(map[int]*Context),
		last:      -1,
	}
}

// Current returns the running context.
func (s *Scheduler) Current() *Context { return s.cur }

// Contexts returns the live contexts.
func (s *Scheduler) Contexts() []*Context { return append([]*Context(nil), s.contexts...) }

// Get returns a live or exited context by ID.
func (s *Scheduler) Get(id int) (*Context, bool) {
	for _, c := range s.contexts {
		if c.ID == id {
			return c, true
		}
	}
	c, ok := s.exited[id]
	return c, ok
}

// newContext registers a context whose registers start at entry on stack.
func (s *Scheduler) newContext(name string, stack *memory.Region, entry memory.Addr) *Context {
	c := &Context{ID: s.nextID, Name: name, Stack: stack, State: Runnable}
	s.nextID++
	c.Regs.CPSR = emu.CPSRUser
	c.Regs.R[emu.SP] = uint32(stack.End() &^ 15)
	c.Regs.R[emu.LR] = uint32(s.exitAddr)
	c.Regs.SetEntry(uint32(entry))
	s.contexts = append(s.contexts, c)
	return c
}

// Spawn creates a runnable thread that calls entry(arg) and exits with its
// return value.
func (s *Scheduler) Spawn(entry memory.Addr, arg uint32) (*Context, error) {
	stack, err := s.mem.AllocStack(s.stackSize, false, fmt.Sprintf("thread %d stack", s.nextID))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate thread stack: %v", err)
	}
	c := s.newContext(fmt.Sprintf("thread %d", s.nextID), stack, entry)
	c.Regs.R[0] = arg
	log.Debugf("sched: spawned %s at %s", c, entry)
	return c, nil
}

// Exit runs the cleanups of c in LIFO order and removes it from scheduling.
// No guest code runs for c afterwards.
func (s *Scheduler) Exit(c *Context, value uint32) {
	if c.State == Exited {
		return
	}
	c.State = Exited
	c.Value = value
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
	c.frames = nil
	for i, x := range s.contexts {
		if x == c {
			s.contexts = append(s.contexts[:i], s.contexts[i+1:]...)
			if i <= s.last {
				s.last--
			}
			break
		}
	}
	s.exited[c.ID] = c
	if c.Stack != nil && !c.main {
		if err := s.mem.Unmap(c.Stack.Base); err != nil {
			log.Warnf("sched: failed to release stack of %s: %v", c, err)
		}
	}
	log.Debugf("sched: %s exited with %#x", c, value)
}

// block parks c until cond holds.
func (s *Scheduler) block(c *Context, cond func() bool) {
	c.State = Blocked
	c.wait = cond
}

// next picks the context after the last one that can run, waking blocked
// contexts whose condition now holds.
func (s *Scheduler) next() *Context {
	n := len(s.contexts)
	for i := 1; i <= n; i++ {
		idx := (s.last + i) % n
		c := s.contexts[idx]
		if c.State == Blocked && c.wait != nil && c.wait() {
			c.State, c.wait = Runnable, nil
		}
		if c.State == Runnable {
			s.last = idx
			s.cur = c
			return c
		}
	}
	return nil
}

// Live returns the number of contexts that have not exited.
func (s *Scheduler) Live() int { return len(s.contexts) }
