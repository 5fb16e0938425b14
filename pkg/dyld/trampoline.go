package dyld

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/hle/pkg/arm"
	"github.com/blacktop/hle/pkg/loader"
	"github.com/blacktop/hle/pkg/memory"
)

// SlotKind is what the execution loop does when a trampoline is hit.
type SlotKind uint8

const (
	SlotHost SlotKind = iota
	SlotLazyBind
	SlotUnimplemented
	SlotReturn
	SlotThreadExit
	SlotProcAddress
)

func (k SlotKind) String() string {
	switch k {
	case SlotHost:
		return "host"
	case SlotLazyBind:
		return "lazy bind"
	case SlotUnimplemented:
		return "unimplemented"
	case SlotReturn:
		return "return"
	case SlotThreadExit:
		return "thread exit"
	case SlotProcAddress:
		return "proc address"
	default:
		return fmt.Sprintf("slot(%d)", k)
	}
}

// A Slot is one trampoline: a 4-byte guest address in the trampoline window
// that is never executed.
type Slot struct {
	Addr memory.Addr
	Kind SlotKind
	Name string

	// lazy binding state
	Import *loader.Import
	Module *loader.Module
	bound  *Target
}

func (s *Slot) String() string {
	if s.Name == "" {
		return fmt.Sprintf("%s@%s", s.Kind, s.Addr)
	}
	return fmt.Sprintf("%s %s@%s", s.Kind, s.Name, s.Addr)
}

// window hands out trampoline slots.
type window struct {
	region *memory.Region
	next   memory.Addr
	slots  map[memory.Addr]*Slot
}

func newWindow(mem *memory.Memory) (*window, error) {
	r, err := mem.Map(memory.TrampolineBase, memory.TrampolineSize, memory.PermRX, memory.OwnerTrampoline, "trampolines")
	if err != nil {
		return nil, fmt.Errorf("failed to map trampoline window: %v", err)
	}
	fill := make([]byte, memory.TrampolineSize)
	for off := 0; off < len(fill); off += 4 {
		binary.LittleEndian.PutUint32(fill[off:], arm.Trap)
	}
	if err := mem.Poke(r.Base, fill); err != nil {
		return nil, fmt.Errorf("failed to fill trampoline window: %v", err)
	}
	return &window{region: r, next: r.Base, slots: make(map[memory.Addr]*Slot)}, nil
}

func (w *window) alloc(kind SlotKind, name string) (*Slot, error) {
	if uint64(w.next)+4 > w.region.End() {
		return nil, fmt.Errorf("trampoline window exhausted allocating %s %s", kind, name)
	}
	s := &Slot{Addr: w.next, Kind: kind, Name: name}
	w.slots[s.Addr] = s
	w.next += 4
	return s, nil
}

func (w *window) contains(addr memory.Addr) bool {
	return w.region.Contains(addr)
}

func (w *window) used() int { return len(w.slots) }
