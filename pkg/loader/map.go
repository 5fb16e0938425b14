package loader

import (
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/hle/pkg/memory"
)

// Map copies the image's segments into fresh regions of mem, applies local
// relocations and collects exports and imports.
func (i *Image) Map(mem *memory.Memory) (*Module, error) {
	f := i.File
	m := &Module{
		Name:    i.Name,
		Path:    i.Path,
		ID:      i.ID,
		UUID:    imageUUID(f),
		Exports: make(map[string]memory.Addr),
		Dylibs:  f.ImportedLibraries(),
		MinOS:   i.MinOS(),
	}

	bias, err := i.bias(mem)
	if err != nil {
		return nil, err
	}
	m.Bias = bias

	for _, seg := range f.Segments() {
		if seg.Memsz == 0 {
			continue
		}
		if isPageZero(seg) {
			if bias == 0 {
				if err := reservePageZero(mem, seg); err != nil {
					log.Debugf("%s: %s stays unreserved: %v", i.Name, seg.Name, err)
				}
			}
			continue
		}
		r, err := i.mapSegment(mem, seg, bias)
		if err != nil {
			i.unmap(mem, m)
			return nil, err
		}
		m.Regions = append(m.Regions, r)
	}

	for _, s := range f.Sections {
		m.Sections = append(m.Sections, &Section{
			Seg:   s.Seg,
			Name:  s.Name,
			Addr:  memory.Addr(uint32(s.Addr) + bias),
			Size:  uint32(s.Size),
			Flags: s.Flags,
		})
	}

	steps := []func(*memory.Memory, *Module) error{
		i.relocate,
		i.symbols,
		i.imports,
		i.entry,
		i.initFuncs,
	}
	for _, step := range steps {
		if err := step(mem, m); err != nil {
			i.unmap(mem, m)
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"module":  m.Name,
		"bias":    memory.Addr(bias),
		"exports": len(m.Exports),
		"imports": len(m.Imports),
	}).Debug("Mapped")
	return m, nil
}

func isPageZero(seg *macho.Segment) bool {
	return seg.Name == "__PAGEZERO" || (seg.Prot == 0 && seg.Maxprot == 0 && seg.Filesz == 0)
}

// reservePageZero keeps the part of __PAGEZERO above the null page unmappable.
func reservePageZero(mem *memory.Memory, seg *macho.Segment) error {
	lo, hi := seg.Addr, segmentEnd(seg)
	if lo < memory.NullPageSize {
		lo = memory.NullPageSize
	}
	if hi <= lo {
		return nil
	}
	_, err := mem.Reserve(memory.Addr(lo), uint32(hi-lo), "__PAGEZERO")
	return err
}

// span returns the VM range covered by every mapped segment.
func (i *Image) span() (uint64, uint64) {
	lo, hi := uint64(1<<32), uint64(0)
	for _, seg := range i.File.Segments() {
		if seg.Memsz == 0 || isPageZero(seg) {
			continue
		}
		lo = min(lo, seg.Addr)
		hi = max(hi, segmentEnd(seg))
	}
	return lo, hi
}

func (i *Image) bias(mem *memory.Memory) (uint32, error) {
	lo, hi := i.span()
	if hi <= lo {
		return 0, loadError(i.Path, Malformed, "no mappable segments")
	}
	lo, size := memory.Align(lo, hi-lo)
	if size > 1<<32-memory.PageSize {
		return 0, loadError(i.Path, Malformed, "image spans %#x bytes", size)
	}
	if !i.Slid() {
		if lo < memory.NullPageSize || !mem.RangeValid(memory.Addr(lo), uint32(size)) {
			return 0, loadError(i.Path, Overlap, "fixed image at %#x-%#x is not free", lo, lo+size)
		}
		return 0, nil
	}
	above := memory.Addr(max(lo, memory.NullPageSize))
	base, err := mem.FindFree(uint32(size), above)
	if err != nil {
		if base, err = mem.FindFree(uint32(size), memory.NullPageSize); err != nil {
			return 0, loadError(i.Path, Overlap, "no room for %#x bytes: %v", size, err)
		}
	}
	return uint32(uint64(base) - lo), nil
}

func (i *Image) mapSegment(mem *memory.Memory, seg *macho.Segment, bias uint32) (*memory.Region, error) {
	base, size := memory.Align(seg.Addr+uint64(bias), seg.Memsz)
	r, err := mem.Map(memory.Addr(base), uint32(size), memory.PermFromProt(uint32(seg.Prot)), memory.OwnerSegment, i.Name+":"+seg.Name)
	if err != nil {
		return nil, loadError(i.Path, Overlap, "failed to map %s: %v", seg.Name, err)
	}
	if seg.Filesz == 0 {
		return r, nil
	}
	dat, err := seg.Data()
	if err != nil {
		mem.Unmap(r.Base)
		return nil, loadError(i.Path, Malformed, "truncated segment %s: %v", seg.Name, err)
	}
	if err := mem.Poke(memory.Addr(uint32(seg.Addr)+bias), dat); err != nil {
		mem.Unmap(r.Base)
		return nil, loadError(i.Path, Malformed, "failed to copy %s: %v", seg.Name, err)
	}
	return r, nil
}

func (i *Image) unmap(mem *memory.Memory, m *Module) {
	for _, r := range m.Regions {
		mem.Unmap(r.Base)
	}
	m.Regions = nil
}

// relocBase is the address local and external relocation offsets are
// relative to: the first segment.
func (i *Image) relocBase() uint32 {
	return uint32(i.File.Segments()[0].Addr)
}

// relocate slides local relocations. Intra-image differences are
// bias-invariant and left alone.
func (i *Image) relocate(mem *memory.Memory, m *Module) error {
	for _, r := range i.locRelocs {
		var addr uint32
		switch {
		case r.Scattered && (r.Type == uint8(types.ARM_RELOC_VANILLA) || r.Type == uint8(types.ARM_RELOC_PB_LA_PTR)):
			addr = r.Addr + i.relocBase()
		case r.Scattered && (r.Type == uint8(types.ARM_RELOC_SECTDIFF) || r.Type == uint8(types.ARM_RELOC_LOCAL_SECTDIFF) || r.Type == uint8(types.ARM_RELOC_PAIR)):
			continue
		case !r.Scattered && r.Type == uint8(types.ARM_RELOC_VANILLA) && !r.Extern:
			addr = r.Addr + i.relocBase()
		default:
			return loadError(i.Path, Unsupported, "local relocation type %d at %#x", r.Type, r.Addr)
		}
		if r.Len != 2 {
			return loadError(i.Path, Unsupported, "local relocation of length %d at %#x", r.Len, r.Addr)
		}
		if m.Bias == 0 {
			continue
		}
		slot := memory.Addr(addr + m.Bias)
		v, err := mem.Read32(slot)
		if err != nil {
			return loadError(i.Path, Malformed, "relocation at %#x: %v", addr, err)
		}
		if err := mem.PokePtr(slot, memory.Addr(v+m.Bias)); err != nil {
			return loadError(i.Path, Malformed, "relocation at %#x: %v", addr, err)
		}
	}
	return nil
}

// symbols collects exports and the symbolization table.
func (i *Image) symbols(mem *memory.Memory, m *Module) error {
	if i.File.Symtab == nil {
		return nil
	}
	for _, s := range i.File.Symtab.Syms {
		if !defined(s) {
			continue
		}
		addr := memory.Addr(uint32(s.Value) + m.Bias)
		if !m.Contains(addr) {
			return loadError(i.Path, Malformed, "symbol %s at %s is outside the image", s.Name, addr)
		}
		m.Symbols = append(m.Symbols, Symbol{Name: s.Name, Addr: addr})
		if !s.Type.IsExternalSym() || s.Type.IsPrivateExternalSym() {
			continue
		}
		if s.Desc.IsArmThumbDefintion() {
			addr |= 1
		}
		if _, dup := m.Exports[s.Name]; !dup {
			m.Exports[s.Name] = addr
		}
	}
	sort.SliceStable(m.Symbols, func(a, b int) bool { return m.Symbols[a].Addr < m.Symbols[b].Addr })
	return nil
}

// imports collects pointer slots, stubs and external relocations.
func (i *Image) imports(mem *memory.Memory, m *Module) error {
	f := i.File
	for _, sect := range f.Sections {
		var kind ImportKind
		switch {
		case sect.Flags.IsLazySymbolPointers():
			kind = Lazy
		case sect.Flags.IsNonLazySymbolPointers():
			kind = NonLazy
		case sect.Flags.IsSymbolStubs():
			syms, err := indirectSymbols(f, sect)
			if err != nil {
				return loadError(i.Path, Malformed, "%v", err)
			}
			for n, s := range syms {
				if s != nil {
					addr := memory.Addr(uint32(sect.Addr) + uint32(n)*sect.Reserved2 + m.Bias)
					m.Stubs = append(m.Stubs, Stub{Addr: addr, Size: sect.Reserved2, Name: s.Name})
				}
			}
			continue
		default:
			continue
		}
		syms, err := indirectSymbols(f, sect)
		if err != nil {
			return loadError(i.Path, Malformed, "%v", err)
		}
		for n, s := range syms {
			slot := memory.Addr(uint32(sect.Addr) + uint32(n)*4 + m.Bias)
			if s == nil {
				if err := i.rebaseLocal(mem, sect, n, slot, m.Bias); err != nil {
					return err
				}
				continue
			}
			m.Imports = append(m.Imports, Import{Name: s.Name, Slot: slot, Kind: kind, Weak: s.Desc.IsWeakReferenced()})
		}
	}
	sort.Slice(m.Stubs, func(a, b int) bool { return m.Stubs[a].Addr < m.Stubs[b].Addr })

	for _, r := range i.extRelocs {
		if r.Scattered || !r.Extern || r.Type != uint8(types.ARM_RELOC_VANILLA) || r.Len != 2 {
			return loadError(i.Path, Unsupported, "external relocation type %d at %#x", r.Type, r.Addr)
		}
		if f.Symtab == nil || r.Value >= uint32(len(f.Symtab.Syms)) {
			return loadError(i.Path, Malformed, "external relocation symbol %d out of range", r.Value)
		}
		s := f.Symtab.Syms[r.Value]
		slot := memory.Addr(r.Addr + i.relocBase() + m.Bias)
		addend, err := mem.Read32(slot)
		if err != nil {
			return loadError(i.Path, Malformed, "external relocation at %#x: %v", r.Addr, err)
		}
		m.Imports = append(m.Imports, Import{Name: s.Name, Slot: slot, Kind: ExtReloc, Weak: s.Desc.IsWeakReferenced(), Addend: addend})
	}
	return nil
}

// rebaseLocal slides a pointer slot whose indirect entry is
// INDIRECT_SYMBOL_LOCAL.
func (i *Image) rebaseLocal(mem *memory.Memory, sect *types.Section, n int, slot memory.Addr, bias uint32) error {
	if bias == 0 {
		return nil
	}
	idx := sect.Reserved1 + uint32(n)
	if i.File.Dysymtab.IndirectSyms[idx]&types.INDIRECT_SYMBOL_ABS != 0 {
		return nil
	}
	v, err := mem.Read32(slot)
	if err != nil {
		return loadError(i.Path, Malformed, "local pointer at %s: %v", slot, err)
	}
	return mem.PokePtr(slot, memory.Addr(v+bias))
}

func (i *Image) entry(mem *memory.Memory, m *Module) error {
	f := i.File
	var entry uint32
	if ep := entryPoint(f); ep != nil {
		text := f.Segment("__TEXT")
		if text == nil {
			return loadError(i.Path, Malformed, "LC_MAIN without __TEXT")
		}
		entry = uint32(text.Addr + ep.EntryOffset)
	} else if regs := threadState(f); regs != nil {
		entry = regs.PC
		if regs.CPSR&(1<<5) != 0 {
			entry |= 1
		}
	} else {
		return nil
	}
	addr := memory.Addr(entry + m.Bias)
	if !m.Contains(addr &^ 1) {
		return loadError(i.Path, Malformed, "entry point %s is outside the image", addr)
	}
	if f.Symtab != nil {
		for _, s := range f.Symtab.Syms {
			if defined(s) && s.Desc.IsArmThumbDefintion() && memory.Addr(uint32(s.Value)+m.Bias) == addr {
				addr |= 1
				break
			}
		}
	}
	m.Entry = addr
	return nil
}

func (i *Image) initFuncs(mem *memory.Memory, m *Module) error {
	for _, sect := range m.Sections {
		var dst *[]memory.Addr
		switch {
		case sect.Flags.IsModInitFuncPointers():
			dst = &m.InitFuncs
		case sect.Flags.IsModTermFuncPointers():
			dst = &m.TermFuncs
		default:
			continue
		}
		for off := uint32(0); off+4 <= sect.Size; off += 4 {
			fn, err := mem.ReadPtr(sect.Addr + memory.Addr(off))
			if err != nil {
				return loadError(i.Path, Malformed, "%s: %v", sect.Name, err)
			}
			*dst = append(*dst, fn)
		}
	}
	return nil
}
