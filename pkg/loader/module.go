package loader

import (
	"fmt"
	"sort"

	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
)

// ImportKind is where an import's slot came from.
type ImportKind uint8

const (
	Lazy ImportKind = iota
	NonLazy
	ExtReloc
)

func (k ImportKind) String() string {
	switch k {
	case Lazy:
		return "lazy"
	case NonLazy:
		return "non-lazy"
	case ExtReloc:
		return "extreloc"
	default:
		return fmt.Sprintf("import(%d)", k)
	}
}

// An Import is one unresolved reference. Slot is the guest word the linker
// patches; Addend is added to the bound address for external relocations.
type Import struct {
	Name   string
	Slot   memory.Addr
	Kind   ImportKind
	Weak   bool
	Addend uint32
}

// A Section is a mapped section.
type Section struct {
	Seg   string
	Name  string
	Addr  memory.Addr
	Size  uint32
	Flags types.SectionFlag
}

// Contains reports whether addr lies inside the section.
func (s *Section) Contains(addr memory.Addr) bool {
	return addr >= s.Addr && uint64(addr) < uint64(s.Addr)+uint64(s.Size)
}

// A Symbol is a defined symbol of a module, at its slid address.
type Symbol struct {
	Name string
	Addr memory.Addr // Thumb bit clear
}

// A Stub is one entry of a symbol stub section.
type Stub struct {
	Addr memory.Addr
	Size uint32
	Name string
}

// A Module is one mapped image. It is immutable once linking completes,
// except for lazy pointer slots.
type Module struct {
	Name      string
	Path      string
	ID        string
	UUID      uuid.UUID
	Bias      uint32
	Regions   []*memory.Region
	Exports   map[string]memory.Addr
	Imports   []Import
	Entry     memory.Addr
	InitFuncs []memory.Addr
	TermFuncs []memory.Addr
	Dylibs    []string
	MinOS     *version.Version
	Sections  []*Section
	Symbols   []Symbol // sorted by address
	Stubs     []Stub   // sorted by address
}

// Section returns the named section or nil.
func (m *Module) Section(seg, name string) *Section {
	for _, s := range m.Sections {
		if s.Seg == seg && s.Name == name {
			return s
		}
	}
	return nil
}

// SectionByName returns the first section with the given name in any segment.
func (m *Module) SectionByName(name string) *Section {
	for _, s := range m.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Contains reports whether addr lies in one of the module's regions.
func (m *Module) Contains(addr memory.Addr) bool {
	for _, r := range m.Regions {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Lookup returns the address of an exported symbol.
func (m *Module) Lookup(name string) (memory.Addr, bool) {
	addr, ok := m.Exports[name]
	return addr, ok
}

// Symbolize returns the nearest symbol at or below addr and the offset
// from it. Stub addresses are named after their target.
func (m *Module) Symbolize(addr memory.Addr) (string, uint32, bool) {
	if !m.Contains(addr) {
		return "", 0, false
	}
	addr &^= 1
	if i := sort.Search(len(m.Stubs), func(i int) bool { return m.Stubs[i].Addr > addr }); i > 0 {
		if s := m.Stubs[i-1]; uint32(addr-s.Addr) < s.Size {
			return "stub for " + s.Name, uint32(addr - s.Addr), true
		}
	}
	i := sort.Search(len(m.Symbols), func(i int) bool { return m.Symbols[i].Addr > addr })
	if i == 0 {
		return "", 0, false
	}
	s := m.Symbols[i-1]
	return s.Name, uint32(addr - s.Addr), true
}

func (m *Module) String() string {
	return fmt.Sprintf("%s (bias %#x, %d exports, %d imports)", m.Name, m.Bias, len(m.Exports), len(m.Imports))
}
