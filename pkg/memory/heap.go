package memory

import (
	"fmt"
	"sort"
)

const heapAlign = 16

type span struct {
	addr Addr
	size uint32
}

type arena struct {
	region *Region
	free   []span // sorted by addr, coalesced
}

// heap is a first-fit allocator over arenas of at least HeapArenaSize.
type heap struct {
	mem    *Memory
	arenas []*arena
	live   map[Addr]uint32
}

func newHeap(m *Memory) *heap {
	return &heap{mem: m, live: make(map[Addr]uint32)}
}

func (h *heap) alloc(size uint32) (Addr, error) {
	if size == 0 {
		size = 1
	}
	if size > 0xffffffff-heapAlign {
		return 0, fmt.Errorf("failed to allocate %#x bytes: too large", size)
	}
	size = AlignUp(size, heapAlign)
	for _, a := range h.arenas {
		if addr, ok := a.take(size); ok {
			h.live[addr] = size
			return addr, nil
		}
	}
	a, err := h.grow(size)
	if err != nil {
		return 0, err
	}
	addr, _ := a.take(size)
	h.live[addr] = size
	return addr, nil
}

func (h *heap) grow(size uint32) (*arena, error) {
	_, sz := Align(0, uint64(size))
	arenaSize := max(uint32(sz), HeapArenaSize)
	base, err := h.mem.FindFree(arenaSize, HeapSearchBase)
	if err != nil {
		return nil, fmt.Errorf("failed to grow heap: %v", err)
	}
	r, err := h.mem.Map(base, arenaSize, PermRW, OwnerHeap, fmt.Sprintf("heap %d", len(h.arenas)))
	if err != nil {
		return nil, fmt.Errorf("failed to grow heap: %v", err)
	}
	a := &arena{region: r, free: []span{{addr: base, size: arenaSize}}}
	h.arenas = append(h.arenas, a)
	return a, nil
}

func (a *arena) take(size uint32) (Addr, bool) {
	for i, s := range a.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{addr: s.addr + Addr(size), size: s.size - size}
		}
		return s.addr, true
	}
	return 0, false
}

func (a *arena) give(addr Addr, size uint32) {
	idx := sort.Search(len(a.free), func(i int) bool { return a.free[i].addr > addr })
	a.free = append(a.free, span{})
	copy(a.free[idx+1:], a.free[idx:])
	a.free[idx] = span{addr: addr, size: size}
	// merge with the next span, then the previous one
	if idx+1 < len(a.free) && a.free[idx].addr+Addr(a.free[idx].size) == a.free[idx+1].addr {
		a.free[idx].size += a.free[idx+1].size
		a.free = append(a.free[:idx+1], a.free[idx+2:]...)
	}
	if idx > 0 && a.free[idx-1].addr+Addr(a.free[idx-1].size) == a.free[idx].addr {
		a.free[idx-1].size += a.free[idx].size
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	}
}

func (h *heap) free(addr Addr) error {
	size, ok := h.live[addr]
	if !ok {
		return fmt.Errorf("failed to free %s: not an allocated block", addr)
	}
	if err := h.mem.Zero(addr, size); err != nil {
		return err
	}
	delete(h.live, addr)
	for _, a := range h.arenas {
		if a.region.Contains(addr) {
			a.give(addr, size)
			return nil
		}
	}
	return fmt.Errorf("failed to free %s: no arena owns it", addr)
}

// Alloc returns a zero-filled, 16-byte aligned heap block of at least size bytes.
func (m *Memory) Alloc(size uint32) (Addr, error) {
	return m.heap.alloc(size)
}

// Free releases a block returned by Alloc. The block is zero-filled so stale
// reads observe zeroes. Freeing the null address is a no-op.
func (m *Memory) Free(addr Addr) error {
	if addr == 0 {
		return nil
	}
	return m.heap.free(addr)
}

// AllocSize returns the usable size of a live heap block.
func (m *Memory) AllocSize(addr Addr) (uint32, bool) {
	size, ok := m.heap.live[addr]
	return size, ok
}

// Realloc resizes a heap block, preserving its contents.
func (m *Memory) Realloc(addr Addr, size uint32) (Addr, error) {
	if addr == 0 {
		return m.Alloc(size)
	}
	old, ok := m.heap.live[addr]
	if !ok {
		return 0, fmt.Errorf("failed to realloc %s: not an allocated block", addr)
	}
	if AlignUp(max(size, 1), heapAlign) <= old {
		return addr, nil
	}
	n, err := m.Alloc(size)
	if err != nil {
		return 0, err
	}
	if err := m.Copy(n, addr, old); err != nil {
		return 0, err
	}
	return n, m.Free(addr)
}

// AllocAndWrite allocates len(data) bytes and copies data there.
func (m *Memory) AllocAndWrite(data []byte) (Addr, error) {
	addr, err := m.Alloc(uint32(len(data)))
	if err != nil {
		return 0, err
	}
	return addr, m.WriteBytes(addr, data)
}

// AllocCString allocates a NUL terminated copy of s.
func (m *Memory) AllocCString(s string) (Addr, error) {
	return m.AllocAndWrite(append([]byte(s), 0))
}

// AllocStack maps a stack region. The main stack sits at the top of the
// address space, secondary stacks are placed above StackSearchBase.
func (m *Memory) AllocStack(size uint32, main bool, tag string) (*Region, error) {
	_, sz := Align(0, uint64(size))
	size = uint32(sz)
	if main {
		if size != MainStackSize {
			return m.Map(Addr(uint64(1<<32)-uint64(size)), size, PermRW, OwnerStack, tag)
		}
		return m.Map(MainStackBase, size, PermRW, OwnerStack, tag)
	}
	base, err := m.FindFree(size, StackSearchBase)
	if err != nil {
		return nil, err
	}
	return m.Map(base, size, PermRW, OwnerStack, tag)
}
