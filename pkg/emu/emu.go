// Package emu is the CPU bridge: it adapts an instruction engine (the
// pure-Go interpreter or unicorn) to the rest of the core and translates
// engine traps into emu.Fault values.
package emu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/hle/pkg/memory"
)

// Reg names a guest register.
type Reg int

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
	CPSR
	FPSCR
	TPIDRURO // c13/c0/3, the user read-only thread register
	D0
)

// D returns the n'th VFP double register.
func D(n int) Reg { return D0 + Reg(n) }

// NumD is the number of VFP double registers the bridge tracks.
const NumD = 16

// CPSR bits.
const (
	CPSRThumb = 1 << 5
	CPSRUser  = 0x10
)

// Interrupt numbers raised by engines (unicorn's ARM EXCP_* values).
type Interrupt uint32

const (
	EXCP_UNDEFINED_INSTRUCTION Interrupt = 1 /* undefined instruction */
	EXCP_SOFTWARE_INTRPT       Interrupt = 2 /* software interrupt */
	EXCP_PREFETCH_ABORT        Interrupt = 3
	EXCP_DATA_ABORT            Interrupt = 4
	EXCP_IRQ                   Interrupt = 5
	EXCP_FIQ                   Interrupt = 6
	EXCP_BKPT                  Interrupt = 7
	EXCP_EXCEPTION_EXIT        Interrupt = 8 /* Return from v7M exception.  */
	EXCP_KERNEL_TRAP           Interrupt = 9 /* Jumped to kernel code page.  */
	EXCP_HVC                   Interrupt = 11
	EXCP_SMC                   Interrupt = 13
	EXCP_SEMIHOST              Interrupt = 16
)

var interruptNames = map[Interrupt]string{
	EXCP_UNDEFINED_INSTRUCTION: "EXCP_UNDEFINED_INSTRUCTION",
	EXCP_SOFTWARE_INTRPT:       "EXCP_SOFTWARE_INTRPT",
	EXCP_PREFETCH_ABORT:        "EXCP_PREFETCH_ABORT",
	EXCP_DATA_ABORT:            "EXCP_DATA_ABORT",
	EXCP_IRQ:                   "EXCP_IRQ",
	EXCP_FIQ:                   "EXCP_FIQ",
	EXCP_BKPT:                  "EXCP_BKPT",
	EXCP_EXCEPTION_EXIT:        "EXCP_EXCEPTION_EXIT",
	EXCP_KERNEL_TRAP:           "EXCP_KERNEL_TRAP",
	EXCP_HVC:                   "EXCP_HVC",
	EXCP_SMC:                   "EXCP_SMC",
	EXCP_SEMIHOST:              "EXCP_SEMIHOST",
}

func (i Interrupt) String() string {
	if s, ok := interruptNames[i]; ok {
		return s
	}
	return "EXCP_UNKNOWN"
}

// TrapFunc is called when execution reaches an address inside a trap range.
type TrapFunc func(addr uint32)

// InterruptFunc is called when the engine raises an exception. pc follows the
// ARM convention: the SVC's successor for EXCP_SOFTWARE_INTRPT, the faulting
// instruction otherwise.
type InterruptFunc func(intno Interrupt, pc uint32)

// MemFaultFunc is called for accesses the engine could not satisfy. It
// returns true if the access was repaired and may be retried.
type MemFaultFunc func(acc memory.Access, addr uint32, size int) bool

// Engine is the narrow register/memory contract an instruction engine must
// implement. Guest memory is mirrored through memory.MapObserver.
type Engine interface {
	memory.MapObserver

	RegRead(reg Reg) (uint64, error)
	RegWrite(reg Reg, val uint64) error

	// Start runs from begin (bit 0 selects Thumb) until a hook stops it or
	// count instructions have run (0 means no limit).
	Start(begin uint32, count uint64) error
	Stop() error

	HookTrap(begin, end uint32, fn TrapFunc) error
	HookInterrupt(fn InterruptFunc) error
	HookMemFault(fn MemFaultFunc) error

	// InvalidateCache drops translated code covering [addr, addr+size).
	InvalidateCache(addr, size uint32) error
	Close() error
}

// RegisterFile is implemented by engines that can move the whole register
// file at once.
type RegisterFile interface {
	SaveRegisters() Registers
	RestoreRegisters(Registers)
}

// EngineFunc creates a fresh engine.
type EngineFunc func() (Engine, error)

var engines = map[string]EngineFunc{}

// RegisterEngine makes an engine available by name. Engine packages call it
// from init.
func RegisterEngine(name string, fn EngineFunc) {
	engines[name] = fn
}

// NewEngine creates the engine registered as name.
func NewEngine(name string) (Engine, error) {
	fn, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown cpu engine %q (available: %s)", name, strings.Join(Engines(), ", "))
	}
	return fn()
}

// Engines lists the registered engine names.
func Engines() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
