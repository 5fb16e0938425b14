package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// openSlice parses r. Universal binaries are reduced to their newest 32-bit
// ARM slice.
func openSlice(r io.ReaderAt) (*macho.File, error) {
	ff, err := macho.NewFatFile(r)
	if errors.Is(err, macho.ErrNotFat) {
		return macho.NewFile(r)
	}
	if err != nil {
		return nil, err
	}
	var best *macho.FatArch
	var have []string
	for i := range ff.Arches {
		a := &ff.Arches[i]
		have = append(have, a.CPU.String())
		if a.CPU != types.CPUArm {
			continue
		}
		if best == nil || a.SubCPU&types.CpuSubtypeMask > best.SubCPU&types.CpuSubtypeMask {
			best = a
		}
	}
	if best == nil {
		return nil, &LoadError{Kind: ArchMismatch, Err: fmt.Errorf("no 32-bit ARM slice in universal binary (%s)", strings.Join(have, ","))}
	}
	return best.File, nil
}

const relocScattered = 1 << 31

// readRelocs decodes the n relocation_info entries at off. go-macho decodes
// section relocations only, so the dysymtab tables are read here.
func readRelocs(f *macho.File, off, n uint32) ([]types.Reloc, error) {
	if n == 0 {
		return nil, nil
	}
	dat := make([]byte, uint64(n)*8)
	if _, err := f.ReadAt(dat, int64(off)); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d relocations at %#x", n, off)
	}
	relocs := make([]types.Reloc, n)
	for i := range relocs {
		relocs[i] = decodeReloc(f.ByteOrder.Uint32(dat[i*8:]), f.ByteOrder.Uint32(dat[i*8+4:]))
	}
	return relocs, nil
}

// decodeReloc unpacks a little-endian relocation_info or
// scattered_relocation_info.
func decodeReloc(addr, symnum uint32) types.Reloc {
	if addr&relocScattered != 0 {
		return types.Reloc{
			Addr:      addr & (1<<24 - 1),
			Type:      uint8((addr >> 24) & (1<<4 - 1)),
			Len:       uint8((addr >> 28) & (1<<2 - 1)),
			Pcrel:     addr&(1<<30) != 0,
			Value:     symnum,
			Scattered: true,
		}
	}
	return types.Reloc{
		Addr:   addr,
		Value:  symnum & (1<<24 - 1),
		Pcrel:  symnum&(1<<24) != 0,
		Len:    uint8((symnum >> 25) & (1<<2 - 1)),
		Extern: symnum&(1<<27) != 0,
		Type:   uint8((symnum >> 28) & (1<<4 - 1)),
	}
}

func imageUUID(f *macho.File) uuid.UUID {
	if u := f.UUID(); u != nil {
		return uuid.UUID(u.UUID)
	}
	return uuid.Nil
}

func encryptionInfo(f *macho.File) *macho.EncryptionInfo {
	for _, l := range f.Loads {
		if e, ok := l.(*macho.EncryptionInfo); ok {
			return e
		}
	}
	return nil
}

func entryPoint(f *macho.File) *macho.EntryPoint {
	for _, l := range f.Loads {
		if e, ok := l.(*macho.EntryPoint); ok {
			return e
		}
	}
	return nil
}

// threadState returns the ARM registers of LC_UNIXTHREAD, or nil.
func threadState(f *macho.File) *macho.RegsARM {
	for _, l := range f.Loads {
		ut, ok := l.(*macho.UnixThread)
		if !ok {
			continue
		}
		for _, t := range ut.Threads {
			if t.Flavor != types.ThreadFlavor(types.ARM_THREAD_STATE) {
				continue
			}
			var regs macho.RegsARM
			if err := binary.Read(bytes.NewReader(t.Data), f.ByteOrder, &regs); err != nil {
				return nil
			}
			return &regs
		}
	}
	return nil
}

// indirectSymbols returns the symbols referenced by the entries of a pointer
// or stub section. Local and absolute entries are nil.
func indirectSymbols(f *macho.File, sect *types.Section) ([]*macho.Symbol, error) {
	entry := uint64(4)
	if sect.Flags.IsSymbolStubs() {
		entry = uint64(sect.Reserved2)
	}
	if entry == 0 {
		return nil, fmt.Errorf("section %s.%s has a zero entry size", sect.Seg, sect.Name)
	}
	if f.Dysymtab == nil || f.Symtab == nil {
		return nil, fmt.Errorf("section %s.%s needs a dynamic symbol table", sect.Seg, sect.Name)
	}
	out := make([]*macho.Symbol, sect.Size/entry)
	for i := range out {
		idx := sect.Reserved1 + uint32(i)
		if idx >= uint32(len(f.Dysymtab.IndirectSyms)) {
			return nil, fmt.Errorf("section %s.%s: indirect symbol %d out of range", sect.Seg, sect.Name, idx)
		}
		sym := f.Dysymtab.IndirectSyms[idx]
		if sym&(types.INDIRECT_SYMBOL_LOCAL|types.INDIRECT_SYMBOL_ABS) != 0 {
			continue
		}
		if sym >= uint32(len(f.Symtab.Syms)) {
			return nil, fmt.Errorf("section %s.%s: symbol %d out of range", sect.Seg, sect.Name, sym)
		}
		out[i] = &f.Symtab.Syms[sym]
	}
	return out, nil
}

// defined reports whether s is defined in one of the image's sections.
func defined(s macho.Symbol) bool {
	return !s.Type.IsDebugSym() && s.Type.IsDefinedInSection()
}

func segmentEnd(s *macho.Segment) uint64 { return s.Addr + s.Memsz }
