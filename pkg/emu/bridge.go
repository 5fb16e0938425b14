package emu

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/memory"
)

// StopReason says why Bridge.Run returned.
type StopReason uint8

const (
	StopTrap StopReason = iota + 1
	StopCount
	StopRequested
	StopFault
)

func (s StopReason) String() string {
	switch s {
	case StopTrap:
		return "trap"
	case StopCount:
		return "count"
	case StopRequested:
		return "requested"
	case StopFault:
		return "fault"
	default:
		return "none"
	}
}

// Stop describes the end of one Bridge.Run.
type Stop struct {
	Reason StopReason
	Addr   uint32 // trap address, or the faulting PC
	Fault  *Fault
}

// FaultHandler may repair a fault. Returning true resumes execution at the
// current PC.
type FaultHandler func(b *Bridge, f *Fault) bool

// Bridge drives an Engine and owns its hooks.
type Bridge struct {
	eng Engine
	mem *memory.Memory

	trapLo, trapHi uint32

	stop      Stop
	requested bool
	injected  *Fault

	onUndefined FaultHandler
	onMemFault  FaultHandler
}

// NewBridge attaches eng to mem and installs the bridge hooks.
func NewBridge(eng Engine, mem *memory.Memory) (*Bridge, error) {
	b := &Bridge{eng: eng, mem: mem}
	if err := mem.Observe(eng); err != nil {
		return nil, fmt.Errorf("failed to mirror guest memory: %v", err)
	}
	if err := eng.HookInterrupt(b.interrupt); err != nil {
		return nil, fmt.Errorf("failed to hook interrupts: %v", err)
	}
	if err := eng.HookMemFault(b.memFault); err != nil {
		return nil, fmt.Errorf("failed to hook memory faults: %v", err)
	}
	return b, nil
}

// SetTrapRange makes every entry into [lo, hi) stop the run with StopTrap.
func (b *Bridge) SetTrapRange(lo, hi uint32) error {
	b.trapLo, b.trapHi = lo, hi
	return b.eng.HookTrap(lo, hi, b.trap)
}

func (b *Bridge) inTrapRange(addr uint32) bool {
	return b.trapHi > b.trapLo && addr >= b.trapLo && addr < b.trapHi
}

// Memory returns the guest address space the engine mirrors.
func (b *Bridge) Memory() *memory.Memory { return b.mem }

// Engine returns the wrapped engine.
func (b *Bridge) Engine() Engine { return b.eng }

// OnUndefined installs the handler for undefined instruction, breakpoint and
// supervisor call traps and returns the previous one.
func (b *Bridge) OnUndefined(fn FaultHandler) FaultHandler {
	prev := b.onUndefined
	b.onUndefined = fn
	return prev
}

// OnMemFault installs the memory fault handler and returns the previous one.
func (b *Bridge) OnMemFault(fn FaultHandler) FaultHandler {
	prev := b.onMemFault
	b.onMemFault = fn
	return prev
}

// Get reads a 32-bit register.
func (b *Bridge) Get(reg Reg) (uint32, error) {
	v, err := b.eng.RegRead(reg)
	if err != nil {
		return 0, fmt.Errorf("failed to read register %d: %v", reg, err)
	}
	return uint32(v), nil
}

// Set writes a 32-bit register.
func (b *Bridge) Set(reg Reg, val uint32) error {
	if err := b.eng.RegWrite(reg, uint64(val)); err != nil {
		return fmt.Errorf("failed to write register %d: %v", reg, err)
	}
	return nil
}

// PC returns the program counter with bit 0 set in Thumb state.
func (b *Bridge) PC() (uint32, error) {
	pc, err := b.Get(PC)
	if err != nil {
		return 0, err
	}
	cpsr, err := b.Get(CPSR)
	if err != nil {
		return 0, err
	}
	if cpsr&CPSRThumb != 0 {
		pc |= 1
	}
	return pc, nil
}

// Snapshot captures the whole register file.
func (b *Bridge) Snapshot() (Registers, error) {
	if rf, ok := b.eng.(RegisterFile); ok {
		return rf.SaveRegisters(), nil
	}
	var regs Registers
	for i := R0; i <= PC; i++ {
		v, err := b.eng.RegRead(i)
		if err != nil {
			return regs, fmt.Errorf("failed to read register %d: %v", i, err)
		}
		regs.R[i] = uint32(v)
	}
	v, err := b.eng.RegRead(CPSR)
	if err != nil {
		return regs, fmt.Errorf("failed to read cpsr: %v", err)
	}
	regs.CPSR = uint32(v)
	if v, err = b.eng.RegRead(FPSCR); err == nil {
		regs.FPSCR = uint32(v)
	}
	if v, err = b.eng.RegRead(TPIDRURO); err == nil {
		regs.TLS = uint32(v)
	}
	for n := range NumD {
		v, err := b.eng.RegRead(D(n))
		if err != nil {
			return regs, fmt.Errorf("failed to read d%d: %v", n, err)
		}
		regs.D[n] = v
	}
	return regs, nil
}

// Restore loads a snapshot taken by Snapshot.
func (b *Bridge) Restore(regs Registers) error {
	if rf, ok := b.eng.(RegisterFile); ok {
		rf.RestoreRegisters(regs)
		return nil
	}
	for i := R0; i <= PC; i++ {
		if err := b.eng.RegWrite(i, uint64(regs.R[i])); err != nil {
			return fmt.Errorf("failed to write register %d: %v", i, err)
		}
	}
	if err := b.eng.RegWrite(CPSR, uint64(regs.CPSR)); err != nil {
		return fmt.Errorf("failed to write cpsr: %v", err)
	}
	if err := b.eng.RegWrite(FPSCR, uint64(regs.FPSCR)); err != nil {
		return fmt.Errorf("failed to write fpscr: %v", err)
	}
	if err := b.eng.RegWrite(TPIDRURO, uint64(regs.TLS)); err != nil {
		return fmt.Errorf("failed to write tpidruro: %v", err)
	}
	for n := range NumD {
		if err := b.eng.RegWrite(D(n), regs.D[n]); err != nil {
			return fmt.Errorf("failed to write d%d: %v", n, err)
		}
	}
	return nil
}

// Inject raises f in the guest. A run in progress stops with StopFault; if
// no run is in progress the next Run returns it without executing.
func (b *Bridge) Inject(f *Fault) {
	b.injected = f
	if err := b.eng.Stop(); err != nil {
		log.Debugf("emu: stop for injected fault: %v", err)
	}
}

// Invalidate drops any translated code for a range the host just patched.
func (b *Bridge) Invalidate(addr memory.Addr, size uint32) error {
	return b.eng.InvalidateCache(uint32(addr), size)
}

// RequestStop asks a run in progress to return with StopRequested.
func (b *Bridge) RequestStop() error {
	b.requested = true
	return b.eng.Stop()
}

// Run executes from pc (bit 0 selects Thumb) until a trap address is
// reached, count instructions have run (0 means unbounded), a stop is
// requested or a fault is not repaired by a handler.
func (b *Bridge) Run(pc uint32, count uint64) (Stop, error) {
	if f := b.injected; f != nil {
		b.injected = nil
		return Stop{Reason: StopFault, Addr: f.PC, Fault: f}, f
	}
	for {
		b.stop = Stop{}
		b.requested = false

		err := b.eng.Start(pc, count)

		switch {
		case b.injected != nil:
			f := b.injected
			b.injected = nil
			return Stop{Reason: StopFault, Addr: f.PC, Fault: f}, f
		case b.stop.Reason == StopTrap:
			return b.stop, nil
		case b.stop.Reason == StopFault:
			f := b.stop.Fault
			if b.repair(f) {
				if pc, err = b.PC(); err != nil {
					return Stop{Reason: StopFault, Addr: f.PC, Fault: f}, err
				}
				continue
			}
			return b.stop, f
		case err != nil:
			var f *Fault
			if !errors.As(err, &f) {
				cur, _ := b.Get(PC)
				f = &Fault{Kind: FaultEngine, PC: cur, Err: err}
			}
			return Stop{Reason: StopFault, Addr: f.PC, Fault: f}, f
		case b.requested:
			cur, _ := b.PC()
			return Stop{Reason: StopRequested, Addr: cur}, nil
		default:
			cur, _ := b.PC()
			return Stop{Reason: StopCount, Addr: cur}, nil
		}
	}
}

func (b *Bridge) repair(f *Fault) bool {
	switch f.Kind {
	case FaultMemory:
		return b.onMemFault != nil && b.onMemFault(b, f)
	case FaultUndefined, FaultBreakpoint, FaultSyscall:
		return b.onUndefined != nil && b.onUndefined(b, f)
	}
	return false
}

func (b *Bridge) halt(s Stop) {
	b.stop = s
	if err := b.eng.Stop(); err != nil {
		log.Debugf("emu: stop: %v", err)
	}
}

func (b *Bridge) trap(addr uint32) {
	if b.stop.Reason != 0 {
		return
	}
	b.halt(Stop{Reason: StopTrap, Addr: addr})
}

func (b *Bridge) interrupt(intno Interrupt, pc uint32) {
	if b.stop.Reason != 0 {
		return
	}
	// engines that execute the trap word instead of stopping on entry
	if intno == EXCP_UNDEFINED_INSTRUCTION && b.inTrapRange(pc) {
		b.halt(Stop{Reason: StopTrap, Addr: pc})
		return
	}
	f := Translate(intno, pc)
	if intno == EXCP_SOFTWARE_INTRPT {
		f.PC = pc - 4
	}
	if insn, err := b.mem.Fetch(memory.Addr(f.PC), 4); err == nil {
		f.Insn = uint32(insn[0]) | uint32(insn[1])<<8 | uint32(insn[2])<<16 | uint32(insn[3])<<24
	}
	log.Debugf("emu: %s", colorInterrupt("%s at %#08x", intno, f.PC))
	b.halt(Stop{Reason: StopFault, Addr: f.PC, Fault: f})
}

func (b *Bridge) memFault(acc memory.Access, addr uint32, size int) bool {
	if b.stop.Reason != 0 {
		return false
	}
	pc, _ := b.Get(PC)
	mf := &memory.Fault{Kind: memory.FaultUnmapped, Access: acc, Addr: memory.Addr(addr), Size: uint32(size)}
	switch r := b.mem.RegionOf(memory.Addr(addr)); {
	case addr < memory.NullPageSize:
		mf.Kind = memory.FaultNull
	case r != nil:
		mf.Kind = memory.FaultProt
	}
	b.halt(Stop{Reason: StopFault, Addr: pc, Fault: &Fault{Kind: FaultMemory, PC: pc, Intno: EXCP_DATA_ABORT, Mem: mf}})
	return false
}
