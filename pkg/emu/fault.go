package emu

import (
	"fmt"

	"github.com/blacktop/hle/pkg/memory"
)

// FaultKind is the bridge's engine-independent trap taxonomy.
type FaultKind uint8

const (
	FaultUndefined FaultKind = iota + 1
	FaultMemory
	FaultBreakpoint
	FaultSyscall
	FaultUnsupported
	FaultInjected
	FaultEngine
)

func (k FaultKind) String() string {
	switch k {
	case FaultUndefined:
		return "undefined instruction"
	case FaultMemory:
		return "memory fault"
	case FaultBreakpoint:
		return "breakpoint"
	case FaultSyscall:
		return "unhandled supervisor call"
	case FaultUnsupported:
		return "unsupported instruction"
	case FaultInjected:
		return "injected fault"
	case FaultEngine:
		return "engine error"
	default:
		return "cpu fault"
	}
}

// Fault is a trap raised while guest code was running.
type Fault struct {
	Kind  FaultKind
	PC    uint32
	Insn  uint32 // the trapping instruction when known
	Intno Interrupt
	Mem   *memory.Fault
	Err   error
}

func (f *Fault) Error() string {
	switch {
	case f.Mem != nil:
		return fmt.Sprintf("%s at pc %#08x: %v", f.Kind, f.PC, f.Mem)
	case f.Err != nil:
		return fmt.Sprintf("%s at pc %#08x: %v", f.Kind, f.PC, f.Err)
	case f.Kind == FaultSyscall:
		return fmt.Sprintf("%s #%#x at pc %#08x", f.Kind, f.Insn&0xffffff, f.PC)
	default:
		return fmt.Sprintf("%s at pc %#08x (%s)", f.Kind, f.PC, f.Intno)
	}
}

func (f *Fault) Unwrap() error {
	if f.Mem != nil {
		return f.Mem
	}
	return f.Err
}

// Translate maps an engine interrupt onto the fault taxonomy.
func Translate(intno Interrupt, pc uint32) *Fault {
	switch intno {
	case EXCP_UNDEFINED_INSTRUCTION:
		return &Fault{Kind: FaultUndefined, PC: pc, Intno: intno}
	case EXCP_SOFTWARE_INTRPT:
		return &Fault{Kind: FaultSyscall, PC: pc, Intno: intno}
	case EXCP_BKPT:
		return &Fault{Kind: FaultBreakpoint, PC: pc, Intno: intno}
	case EXCP_PREFETCH_ABORT, EXCP_DATA_ABORT:
		return &Fault{Kind: FaultMemory, PC: pc, Intno: intno}
	default:
		return &Fault{Kind: FaultUnsupported, PC: pc, Intno: intno}
	}
}
