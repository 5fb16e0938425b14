// Package pthread maps POSIX threads and mutexes onto the cooperative
// scheduler: every thread is an execution context, and waiting is a
// scheduler block rather than a host lock.
package pthread

import (
	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/memory"
)

// errno values returned by the pthread calls.
const (
	EPERM   = 1
	ESRCH   = 3
	EDEADLK = 11
	EBUSY   = 16
	EINVAL  = 22
)

const (
	threadSize = 16 // guest pthread_t object
	mutexSig   = 0x32aaaba7
)

// Framework registers pthreads.
var Framework = hle.Framework{Name: "pthread", Install: Install}

type mutex struct {
	owner int // context ID, -1 when unlocked
}

type pthreads struct {
	env     *hle.Env
	handles map[int]memory.Addr // context ID to pthread_t
	ids     map[memory.Addr]int
	mutexes map[memory.Addr]*mutex
	held    map[int]map[memory.Addr]*mutex // context ID to mutexes it owns
}

// Install registers the pthread functions with env.
func Install(env *hle.Env) error {
	p := &pthreads{
		env:     env,
		handles: make(map[int]memory.Addr),
		ids:     make(map[memory.Addr]int),
		mutexes: make(map[memory.Addr]*mutex),
		held:    make(map[int]map[memory.Addr]*mutex),
	}
	for _, f := range []struct {
		name string
		sig  abi.Signature
		fn   hle.Handler
	}{
		{"_pthread_create", abi.Sig(abi.Int32, abi.Ptr, abi.Ptr, abi.Ptr, abi.Ptr), p.create},
		{"_pthread_join", abi.Sig(abi.Int32, abi.Ptr, abi.Ptr), p.join},
		{"_pthread_exit", abi.Sig(abi.Void, abi.Ptr), p.exit},
		{"_pthread_self", abi.Sig(abi.Ptr), p.self},
		{"_pthread_mutex_init", abi.Sig(abi.Int32, abi.Ptr, abi.Ptr), p.mutexInit},
		{"_pthread_mutex_lock", abi.Sig(abi.Int32, abi.Ptr), p.mutexLock},
		{"_pthread_mutex_unlock", abi.Sig(abi.Int32, abi.Ptr), p.mutexUnlock},
		{"_pthread_mutex_destroy", abi.Sig(abi.Int32, abi.Ptr), p.mutexDestroy},
		{"_sched_yield", abi.Sig(abi.Int32), p.yield},
		{"_usleep", abi.Sig(abi.Int32, abi.Uint32), p.yield},
	} {
		if err := env.Register(f.name, f.sig, f.fn); err != nil {
			return err
		}
	}
	return nil
}

// handle returns the pthread_t of context id, allocating it on first use.
func (p *pthreads) handle(id int) (memory.Addr, error) {
	if h, ok := p.handles[id]; ok {
		return h, nil
	}
	h, err := p.env.Memory().Alloc(threadSize)
	if err != nil {
		return 0, err
	}
	if err := p.env.Memory().Write32(h, uint32(id)); err != nil {
		return 0, err
	}
	p.handles[id], p.ids[h] = h, id
	return h, nil
}

func (p *pthreads) create(c *hle.Call) (abi.Value, error) {
	out, start, arg := c.Args.Ptr(0), c.Args.Ptr(2), c.Args.Uint32(3)
	if start == 0 {
		return abi.Int(EINVAL), nil
	}
	ctx, err := c.Spawn(start, arg)
	if err != nil {
		log.Warnf("pthread_create: %v", err)
		return abi.Int(EINVAL), nil
	}
	h, err := p.handle(ctx.ID)
	if err != nil {
		return abi.Zero, err
	}
	if out != 0 {
		if err := c.Mem().WritePtr(out, h); err != nil {
			return abi.Zero, err
		}
	}
	return abi.Int(0), nil
}

func (p *pthreads) join(c *hle.Call) (abi.Value, error) {
	id, ok := p.ids[c.Args.Ptr(0)]
	if !ok {
		return abi.Int(ESRCH), nil
	}
	if id == c.Ctx.ID {
		return abi.Int(EDEADLK), nil
	}
	target, ok := c.Env.Scheduler().Get(id)
	if !ok {
		return abi.Int(ESRCH), nil
	}
	if err := c.Block(func() bool { return target.State == hle.Exited }); err != nil {
		return abi.Zero, err
	}
	if out := c.Args.Ptr(1); out != 0 {
		if err := c.Mem().Write32(out, target.Value); err != nil {
			return abi.Zero, err
		}
	}
	return abi.Int(0), nil
}

func (p *pthreads) exit(c *hle.Call) (abi.Value, error) {
	return abi.Zero, c.ExitThread(uint32(c.Args.Ptr(0)))
}

func (p *pthreads) self(c *hle.Call) (abi.Value, error) {
	h, err := p.handle(c.Ctx.ID)
	if err != nil {
		return abi.Zero, err
	}
	return abi.Addr(h), nil
}

// lookup returns the mutex at addr. Statically initialized mutexes are
// created on first use.
func (p *pthreads) lookup(c *hle.Call, addr memory.Addr) (*mutex, bool) {
	if m, ok := p.mutexes[addr]; ok {
		return m, true
	}
	sig, err := c.Mem().Read32(addr)
	if err != nil || sig != mutexSig {
		return nil, false
	}
	m := &mutex{owner: -1}
	p.mutexes[addr] = m
	return m, true
}

func (p *pthreads) mutexInit(c *hle.Call) (abi.Value, error) {
	addr := c.Args.Ptr(0)
	if err := c.Mem().Write32(addr, mutexSig); err != nil {
		return abi.Zero, err
	}
	p.mutexes[addr] = &mutex{owner: -1}
	return abi.Int(0), nil
}

// own records that ctx holds the mutex at addr. A context's first lock
// registers the single cleanup that releases what it holds at exit.
func (p *pthreads) own(ctx *hle.Context, addr memory.Addr, m *mutex) {
	held, ok := p.held[ctx.ID]
	if !ok {
		held = make(map[memory.Addr]*mutex)
		p.held[ctx.ID] = held
		id := ctx.ID
		ctx.Defer(func() {
			for _, m := range p.held[id] {
				if m.owner == id {
					m.owner = -1
				}
			}
			delete(p.held, id)
		})
	}
	held[addr] = m
}

func (p *pthreads) mutexLock(c *hle.Call) (abi.Value, error) {
	addr := c.Args.Ptr(0)
	m, ok := p.lookup(c, addr)
	if !ok {
		return abi.Int(EINVAL), nil
	}
	if m.owner == c.Ctx.ID {
		return abi.Int(EDEADLK), nil
	}
	if err := c.Block(func() bool { return m.owner < 0 }); err != nil {
		return abi.Zero, err
	}
	m.owner = c.Ctx.ID
	p.own(c.Ctx, addr, m)
	return abi.Int(0), nil
}

func (p *pthreads) mutexUnlock(c *hle.Call) (abi.Value, error) {
	addr := c.Args.Ptr(0)
	m, ok := p.lookup(c, addr)
	if !ok {
		return abi.Int(EINVAL), nil
	}
	if m.owner != c.Ctx.ID {
		return abi.Int(EPERM), nil
	}
	m.owner = -1
	delete(p.held[c.Ctx.ID], addr)
	return abi.Int(0), nil
}

func (p *pthreads) mutexDestroy(c *hle.Call) (abi.Value, error) {
	addr := c.Args.Ptr(0)
	m, ok := p.lookup(c, addr)
	if !ok {
		return abi.Int(EINVAL), nil
	}
	if m.owner >= 0 {
		return abi.Int(EBUSY), nil
	}
	delete(p.mutexes, addr)
	return abi.Int(0), c.Mem().Write32(addr, 0)
}

func (p *pthreads) yield(c *hle.Call) (abi.Value, error) {
	c.Yield()
	return abi.Int(0), nil
}
