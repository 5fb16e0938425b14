package dyld

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/hle/pkg/arm"
	"github.com/blacktop/hle/pkg/memory"
)

// SetBreakpoint patches a BKPT over the instruction at addr. An odd addr
// gets the Thumb encoding. The caller invalidates any translated code.
func (l *Linker) SetBreakpoint(addr memory.Addr) error {
	at := addr &^ 1
	if _, ok := l.breaks[at]; ok {
		return nil
	}
	var insn []byte
	if addr&1 != 0 {
		insn = binary.LittleEndian.AppendUint16(nil, arm.ThumbBkpt(0))
	} else {
		insn = arm.Assemble(arm.Bkpt(0))
	}
	orig, err := l.mem.ReadBytes(at, uint32(len(insn)))
	if err != nil {
		return fmt.Errorf("failed to set breakpoint at %s: %v", addr, err)
	}
	if err := l.mem.Poke(at, insn); err != nil {
		return fmt.Errorf("failed to set breakpoint at %s: %v", addr, err)
	}
	l.breaks[at] = orig
	return nil
}

// ClearBreakpoint restores the instruction under a breakpoint.
func (l *Linker) ClearBreakpoint(addr memory.Addr) error {
	at := addr &^ 1
	orig, ok := l.breaks[at]
	if !ok {
		return fmt.Errorf("no breakpoint at %s", addr)
	}
	if err := l.mem.Poke(at, orig); err != nil {
		return err
	}
	delete(l.breaks, at)
	return nil
}

// Breakpoint reports whether addr holds a breakpoint set by SetBreakpoint.
func (l *Linker) Breakpoint(addr memory.Addr) bool {
	_, ok := l.breaks[addr&^1]
	return ok
}
