package memory

import "fmt"

// Region is a contiguous, page aligned range of guest memory.
type Region struct {
	Base   Addr
	Size   uint32
	Perm   Perm
	Owner  Owner
	Tag    string
	Shared bool

	data []byte
}

// End returns the first address past the region. It is a uint64 so the
// region ending at 2^32 is representable.
func (r *Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

func (r *Region) Contains(addr Addr) bool {
	return uint64(r.Base) <= uint64(addr) && uint64(addr) < r.End()
}

func (r *Region) Overlaps(addr, size uint64) bool {
	return uint64(r.Base) < addr+size && addr < r.End()
}

// Backed reports whether the region has host storage (reserved regions do not).
func (r *Region) Backed() bool {
	return r.data != nil
}

// Data returns the region's host backing. It is shared with the CPU engine
// and must not be retained past the region's lifetime.
func (r *Region) Data() []byte {
	return r.data
}

func (r *Region) String() string {
	return fmt.Sprintf("%s-%#09x %s %s %s", r.Base, r.End(), r.Perm, r.Owner, r.Tag)
}
