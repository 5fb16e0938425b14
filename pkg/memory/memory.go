package memory

import (
	"fmt"
	"sort"
)

// MapObserver is notified of region table changes; the CPU engine uses it to
// mirror guest memory.
type MapObserver interface {
	RegionMapped(r *Region) error
	RegionUnmapped(r *Region) error
	RegionProtected(r *Region) error
}

// Memory is the flat 32-bit guest address space. Regions are kept sorted by
// base address and never overlap.
type Memory struct {
	regions   []*Region
	observers []MapObserver
	last      *Region
	heap      *heap
}

// New creates an empty guest address space. The null page is reserved.
func New() *Memory {
	m := &Memory{}
	m.heap = newHeap(m)
	// the null page can never be mapped
	m.regions = append(m.regions, &Region{Base: 0, Size: NullPageSize, Owner: OwnerReserved, Tag: "null page"})
	return m
}

// Observe registers o for region table changes. Already mapped regions are
// replayed to o.
func (m *Memory) Observe(o MapObserver) error {
	for _, r := range m.regions {
		if !r.Backed() {
			continue
		}
		if err := o.RegionMapped(r); err != nil {
			return err
		}
	}
	m.observers = append(m.observers, o)
	return nil
}

// Regions returns a copy of the region table.
func (m *Memory) Regions() []*Region {
	return append([]*Region(nil), m.regions...)
}

// RangeValid reports whether [addr, addr+size) overlaps nothing.
func (m *Memory) RangeValid(addr Addr, size uint32) bool {
	for _, r := range m.regions {
		if r.Overlaps(uint64(addr), uint64(size)) {
			return false
		}
	}
	return true
}

// Map creates a zero-filled region. base and size are page aligned.
func (m *Memory) Map(base Addr, size uint32, perm Perm, owner Owner, tag string) (*Region, error) {
	return m.mapRegion(&Region{Base: base, Size: size, Perm: perm, Owner: owner, Tag: tag}, true)
}

// MapShared is Map for a region that may overlap other shared regions.
func (m *Memory) MapShared(base Addr, size uint32, perm Perm, owner Owner, tag string) (*Region, error) {
	return m.mapRegion(&Region{Base: base, Size: size, Perm: perm, Owner: owner, Tag: tag, Shared: true}, true)
}

// Reserve claims [base, base+size) without backing it; any access faults.
func (m *Memory) Reserve(base Addr, size uint32, tag string) (*Region, error) {
	return m.mapRegion(&Region{Base: base, Size: size, Perm: PermNone, Owner: OwnerReserved, Tag: tag}, false)
}

func (m *Memory) mapRegion(r *Region, backed bool) (*Region, error) {
	if r.Size == 0 {
		return nil, fmt.Errorf("failed to map %q: zero size", r.Tag)
	}
	if r.Base%PageSize != 0 || r.Size%PageSize != 0 {
		return nil, fmt.Errorf("failed to map %q: %s+%#x is not page aligned", r.Tag, r.Base, r.Size)
	}
	if r.End() > 1<<32 {
		return nil, fault(FaultWrap, AccessWrite, r.Base, r.Size)
	}
	if uint64(r.Base) < NullPageSize {
		return nil, fmt.Errorf("failed to map %q at %s: null page", r.Tag, r.Base)
	}
	for _, o := range m.regions {
		if o.Overlaps(uint64(r.Base), uint64(r.Size)) && !(o.Shared && r.Shared) {
			return nil, fmt.Errorf("failed to map %q at %s-%#x: overlaps %s", r.Tag, r.Base, r.End(), o)
		}
	}
	if backed {
		data, err := newBacking(int(r.Size))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate backing for %q: %v", r.Tag, err)
		}
		r.data = data
	}
	idx := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Base >= r.Base })
	m.regions = append(m.regions, nil)
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
	if backed {
		for _, o := range m.observers {
			if err := o.RegionMapped(r); err != nil {
				m.remove(r)
				return nil, fmt.Errorf("failed to mirror region %q: %v", r.Tag, err)
			}
		}
	}
	return r, nil
}

// Unmap removes the region starting at base.
func (m *Memory) Unmap(base Addr) error {
	r := m.regionAt(base)
	if r == nil || r.Base != base {
		return fmt.Errorf("failed to unmap %s: no region starts there", base)
	}
	if r.Backed() {
		for _, o := range m.observers {
			if err := o.RegionUnmapped(r); err != nil {
				return fmt.Errorf("failed to unmirror region %q: %v", r.Tag, err)
			}
		}
	}
	m.remove(r)
	if r.Backed() {
		freeBacking(r.data)
		r.data = nil
	}
	return nil
}

// Protect changes the permissions of the region starting at base.
func (m *Memory) Protect(base Addr, perm Perm) error {
	r := m.regionAt(base)
	if r == nil || r.Base != base {
		return fmt.Errorf("failed to protect %s: no region starts there", base)
	}
	if !r.Backed() {
		return fmt.Errorf("failed to protect %s: region %q is reserved", base, r.Tag)
	}
	r.Perm = perm
	for _, o := range m.observers {
		if err := o.RegionProtected(r); err != nil {
			return fmt.Errorf("failed to mirror protection of %q: %v", r.Tag, err)
		}
	}
	return nil
}

func (m *Memory) remove(r *Region) {
	for i, o := range m.regions {
		if o == r {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			break
		}
	}
	if m.last == r {
		m.last = nil
	}
}

// FindFree returns the lowest page aligned base at or above `above` with
// size free bytes.
func (m *Memory) FindFree(size uint32, above Addr) (Addr, error) {
	_, sz := Align(0, uint64(size))
	base, _ := Align(uint64(above), 0)
	for _, r := range m.regions {
		if r.End() <= base {
			continue
		}
		if base+sz <= uint64(r.Base) {
			break
		}
		if r.End() > base {
			base = r.End()
		}
	}
	if base+sz > 1<<32 {
		return 0, fmt.Errorf("failed to find %#x free bytes above %s", size, above)
	}
	return Addr(base), nil
}

// RegionOf returns the region containing addr, or nil.
func (m *Memory) RegionOf(addr Addr) *Region {
	return m.regionAt(addr)
}

func (m *Memory) regionAt(addr Addr) *Region {
	if m.last != nil && m.last.Contains(addr) {
		return m.last
	}
	idx := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > uint64(addr) })
	if idx < len(m.regions) && m.regions[idx].Contains(addr) {
		m.last = m.regions[idx]
		return m.last
	}
	return nil
}

// span calls fn with the host bytes backing [addr, addr+size), one chunk per
// region crossed. The whole range is checked before fn runs.
func (m *Memory) span(addr Addr, size uint32, acc Access, fn func(b []byte)) error {
	if addr < NullPageSize {
		return fault(FaultNull, acc, addr, size)
	}
	if size == 0 {
		return nil
	}
	if _, ok := addr.Add(size - 1); !ok {
		return fault(FaultWrap, acc, addr, size)
	}
	need := acc.needs()
	var chunks [][]byte
	cur := uint64(addr)
	end := uint64(addr) + uint64(size)
	for cur < end {
		r := m.regionAt(Addr(cur))
		if r == nil {
			return fault(FaultUnmapped, acc, addr, size)
		}
		if !r.Backed() {
			if r.Base == 0 {
				return fault(FaultNull, acc, addr, size)
			}
			return fault(FaultProt, acc, addr, size)
		}
		if need != PermNone && r.Perm&need == 0 {
			return fault(FaultProt, acc, addr, size)
		}
		stop := min(end, r.End())
		off := cur - uint64(r.Base)
		chunks = append(chunks, r.data[off:off+(stop-cur)])
		cur = stop
	}
	for _, c := range chunks {
		fn(c)
	}
	return nil
}
