// Package machotest synthesizes small 32-bit ARM Mach-O images for tests.
package machotest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/blacktop/hle/pkg/arm"
)

const (
	pageSize    = 0x1000
	pageZero    = 0x4000
	segCmdSize  = 56
	sectSize    = 68
	stubSize    = 12
	nlistSize   = 12
	relocSize   = 8
	threadCount = 17
)

// A Func is a function placed in __text. Code may be called more than once
// and must always return the same number of instructions.
type Func struct {
	Name  string
	Code  func(l *Layout) []uint32
	Local bool
	Thumb bool
}

// An Import is an undefined symbol. Lazy imports are called through a
// __symbol_stub4 stub and a __la_symbol_ptr slot, the rest get a
// __nl_symbol_ptr slot.
type Import struct {
	Name string
	Lazy bool
	Weak bool
}

// A DataPtr stores the address of a defined symbol at Off in __data.
type DataPtr struct {
	Off    uint32
	Target string
}

// An ExtRef is an external relocation against Name at Off in __data.
type ExtRef struct {
	Off  uint32
	Name string
}

// A Section is an extra section appended to __DATA.
type Section struct {
	Name  string
	Data  []byte
	Flags types.SectionFlag
}

// A FatArch is one slice of a universal binary.
type FatArch struct {
	Cpu    types.CPU
	SubCpu types.CPUSubtype
	Data   []byte
}

// Builder describes an image. The zero value builds a non-PIE executable.
type Builder struct {
	Type       types.HeaderFileType
	Cpu        types.CPU
	SubCpu     types.CPUSubtype
	PIE        bool
	ID         string
	Dylibs     []string
	Funcs      []Func
	Imports    []Import
	Data       []byte
	DataSyms   map[string]uint32
	DataPtrs   []DataPtr
	ExtRefs    []ExtRef
	Sections   []Section
	Entry      string
	UnixThread bool
	Init       []string
	CryptID    uint32
	MinOS      types.Version
	UUID       [16]byte
}

// Layout holds the unslid addresses of everything the builder placed.
type Layout struct {
	TextBase  uint32
	Text      uint32
	Stubs     uint32
	NonLazy   uint32
	Lazy      uint32
	InitFuncs uint32
	Data      uint32
	Extra     map[string]uint32

	funcs map[string]uint32
	stubs map[string]uint32
	nl    map[string]uint32
	la    map[string]uint32
}

// Func returns the address of a function. It panics on unknown names.
func (l *Layout) Func(name string) uint32 { return l.get(l.funcs, name) }

// Stub returns the stub address of a lazy import.
func (l *Layout) Stub(name string) uint32 { return l.get(l.stubs, name) }

// Pointer returns the __nl_symbol_ptr slot of a non-lazy import.
func (l *Layout) Pointer(name string) uint32 { return l.get(l.nl, name) }

// LazyPointer returns the __la_symbol_ptr slot of a lazy import.
func (l *Layout) LazyPointer(name string) uint32 { return l.get(l.la, name) }

func (l *Layout) get(m map[string]uint32, name string) uint32 {
	if m == nil {
		return 0 // sizing pass
	}
	a, ok := m[name]
	if !ok {
		panic(fmt.Sprintf("machotest: unknown symbol %q", name))
	}
	return a
}

func (b *Builder) lazy() (lazy, nonLazy []Import) {
	for _, imp := range b.Imports {
		if imp.Lazy {
			lazy = append(lazy, imp)
		} else {
			nonLazy = append(nonLazy, imp)
		}
	}
	return
}

func (b *Builder) textBase() uint32 {
	if b.Type == types.MH_DYLIB || b.Type == types.MH_BUNDLE {
		return 0
	}
	return pageZero
}

func align(n, to uint32) uint32 { return (n + to - 1) &^ (to - 1) }

// Layout computes section addresses without building the image.
func (b *Builder) Layout() *Layout {
	l, _ := b.layout()
	return l
}

func (b *Builder) layout() (*Layout, [][]uint32) {
	lazy, nonLazy := b.lazy()
	// sizing pass: code length must not depend on addresses
	code := make([][]uint32, len(b.Funcs))
	var textSize uint32
	for i, fn := range b.Funcs {
		code[i] = fn.Code(&Layout{})
		textSize += uint32(len(code[i])) * 4
	}

	l := &Layout{
		TextBase: b.textBase(),
		Extra:    make(map[string]uint32),
		funcs:    make(map[string]uint32),
		stubs:    make(map[string]uint32),
		nl:       make(map[string]uint32),
		la:       make(map[string]uint32),
	}
	l.Text = l.TextBase + pageSize
	addr := l.Text
	for i, fn := range b.Funcs {
		l.funcs[fn.Name] = addr
		addr += uint32(len(code[i])) * 4
	}
	l.Stubs = align(addr, 4)
	for i, imp := range lazy {
		l.stubs[imp.Name] = l.Stubs + uint32(i)*stubSize
	}
	textEnd := l.Stubs + uint32(len(lazy))*stubSize

	dataBase := align(textEnd, pageSize)
	l.NonLazy = dataBase
	for i, imp := range nonLazy {
		l.nl[imp.Name] = l.NonLazy + uint32(i)*4
	}
	l.Lazy = l.NonLazy + uint32(len(nonLazy))*4
	for i, imp := range lazy {
		l.la[imp.Name] = l.Lazy + uint32(i)*4
	}
	l.InitFuncs = l.Lazy + uint32(len(lazy))*4
	l.Data = l.InitFuncs + uint32(len(b.Init))*4
	next := align(l.Data+uint32(len(b.Data)), 4)
	for _, s := range b.Sections {
		l.Extra[s.Name] = next
		next = align(next+uint32(len(s.Data)), 4)
	}
	for name, off := range b.DataSyms {
		l.funcs[name] = l.Data + off
	}

	for i, fn := range b.Funcs {
		code[i] = fn.Code(l)
	}
	return l, code
}

func (b *Builder) hasData() bool {
	return len(b.Data) > 0 || len(b.DataSyms) > 0 || len(b.DataPtrs) > 0 || len(b.ExtRefs) > 0
}

type sect struct {
	name, seg string
	addr      uint32
	data      []byte
	flags     types.SectionFlag
	reserved1 uint32
	reserved2 uint32
}

type sym struct {
	name  string
	typ   types.NType
	sect  uint8
	desc  types.NDescType
	value uint32
}

// Build returns the encoded image.
func (b *Builder) Build() ([]byte, error) {
	if b.Type == 0 {
		b.Type = types.MH_EXECUTE
	}
	if b.Cpu == 0 {
		b.Cpu = types.CPUArm
		if b.SubCpu == 0 {
			b.SubCpu = types.CPUSubtypeArmV7
		}
	}
	bo := binary.LittleEndian
	l, code := b.layout()
	lazy, nonLazy := b.lazy()
	slid := b.PIE || b.textBase() == 0

	// __TEXT contents
	var text bytes.Buffer
	for _, c := range code {
		text.Write(arm.Assemble(c...))
	}
	for text.Len() < int(l.Stubs-l.Text) {
		text.WriteByte(0)
	}
	var stubs bytes.Buffer
	for _, imp := range lazy {
		stubs.Write(arm.Assemble(0xe59fc000, 0xe59cf000, l.la[imp.Name]))
	}

	// __DATA contents
	word := func(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
	var initData []byte
	for _, name := range b.Init {
		a, ok := l.funcs[name]
		if !ok {
			return nil, fmt.Errorf("init function %q is not defined", name)
		}
		initData = append(initData, word(a)...)
	}
	data := append([]byte(nil), b.Data...)
	for _, p := range b.DataPtrs {
		a, ok := l.funcs[p.Target]
		if !ok {
			return nil, fmt.Errorf("data pointer target %q is not defined", p.Target)
		}
		if int(p.Off)+4 > len(data) {
			return nil, fmt.Errorf("data pointer at %#x is outside __data", p.Off)
		}
		bo.PutUint32(data[p.Off:], a)
	}

	var sects []*sect
	textSects := []*sect{{name: "__text", seg: "__TEXT", addr: l.Text, data: text.Bytes(),
		flags: types.Regular | types.PURE_INSTRUCTIONS | types.SOME_INSTRUCTIONS}}
	if len(lazy) > 0 {
		textSects = append(textSects, &sect{name: "__symbol_stub4", seg: "__TEXT", addr: l.Stubs, data: stubs.Bytes(),
			flags:     types.SymbolStubs | types.PURE_INSTRUCTIONS | types.SOME_INSTRUCTIONS,
			reserved1: uint32(len(nonLazy) + len(lazy)), reserved2: stubSize})
	}
	var dataSects []*sect
	if len(nonLazy) > 0 {
		dataSects = append(dataSects, &sect{name: "__nl_symbol_ptr", seg: "__DATA", addr: l.NonLazy,
			data: make([]byte, 4*len(nonLazy)), flags: types.NonLazySymbolPointers})
	}
	if len(lazy) > 0 {
		dataSects = append(dataSects, &sect{name: "__la_symbol_ptr", seg: "__DATA", addr: l.Lazy,
			data: make([]byte, 4*len(lazy)), flags: types.LazySymbolPointers, reserved1: uint32(len(nonLazy))})
	}
	if len(initData) > 0 {
		dataSects = append(dataSects, &sect{name: "__mod_init_func", seg: "__DATA", addr: l.InitFuncs,
			data: initData, flags: types.ModInitFuncPointers})
	}
	dataSect := -1
	if b.hasData() {
		dataSects = append(dataSects, &sect{name: "__data", seg: "__DATA", addr: l.Data, data: data})
		dataSect = len(textSects) + len(dataSects)
	}
	for _, s := range b.Sections {
		dataSects = append(dataSects, &sect{name: s.Name, seg: "__DATA", addr: l.Extra[s.Name], data: s.Data, flags: s.Flags})
	}
	sects = append(append(sects, textSects...), dataSects...)

	// symbols: locals, external definitions, then undefined
	var locals, defs []sym
	for _, fn := range b.Funcs {
		s := sym{name: fn.Name, typ: types.N_SECT, sect: 1, value: l.funcs[fn.Name]}
		if fn.Thumb {
			s.desc |= types.ARM_THUMB_DEF
		}
		if fn.Local {
			locals = append(locals, s)
			continue
		}
		s.typ |= types.N_EXT
		defs = append(defs, s)
	}
	var dataNames []string
	for name := range b.DataSyms {
		dataNames = append(dataNames, name)
	}
	sort.Strings(dataNames)
	for _, name := range dataNames {
		if dataSect < 0 {
			return nil, fmt.Errorf("data symbol %q without __data", name)
		}
		defs = append(defs, sym{name: name, typ: types.N_SECT | types.N_EXT, sect: uint8(dataSect), value: l.funcs[name]})
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].name < defs[j].name })

	var ordinal types.NDescType
	if len(b.Dylibs) > 0 {
		ordinal = 1
	}
	var undefs []sym
	undefIdx := make(map[string]int)
	addUndef := func(name string, weak bool) {
		if _, ok := undefIdx[name]; ok {
			return
		}
		desc := ordinal << 8
		if weak {
			desc |= types.WEAK_REF
		}
		undefIdx[name] = len(undefs)
		undefs = append(undefs, sym{name: name, typ: types.N_UNDF | types.N_EXT, desc: desc})
	}
	for _, imp := range nonLazy {
		addUndef(imp.Name, imp.Weak)
	}
	for _, imp := range lazy {
		addUndef(imp.Name, imp.Weak)
	}
	for _, ref := range b.ExtRefs {
		addUndef(ref.Name, false)
	}
	syms := append(append(append([]sym(nil), locals...), defs...), undefs...)
	firstUndef := uint32(len(locals) + len(defs))

	var indirect []uint32
	for _, imp := range nonLazy {
		indirect = append(indirect, firstUndef+uint32(undefIdx[imp.Name]))
	}
	for range 2 {
		for _, imp := range lazy {
			indirect = append(indirect, firstUndef+uint32(undefIdx[imp.Name]))
		}
	}

	// relocations
	type rel struct{ addr, info uint32 }
	var locRel, extRel []rel
	const vanillaLong = 2 << 25
	if slid {
		for i := range lazy {
			locRel = append(locRel, rel{l.Stubs + uint32(i)*stubSize + 8, vanillaLong | 1})
		}
		for i := range b.Init {
			locRel = append(locRel, rel{l.InitFuncs + uint32(i)*4, vanillaLong | uint32(dataSect)})
		}
		for _, p := range b.DataPtrs {
			locRel = append(locRel, rel{l.Data + p.Off, vanillaLong | uint32(dataSect)})
		}
	}
	for _, ref := range b.ExtRefs {
		if dataSect < 0 {
			return nil, fmt.Errorf("external reference %q without __data", ref.Name)
		}
		extRel = append(extRel, rel{l.Data + ref.Off, vanillaLong | 1<<27 | (firstUndef + uint32(undefIdx[ref.Name]))})
	}

	// segment geometry
	textVM := align(l.Stubs+uint32(stubs.Len()), pageSize) - l.TextBase
	dataBase := l.TextBase + textVM
	dataEnd := l.Data + uint32(len(data))
	for _, s := range b.Sections {
		dataEnd = l.Extra[s.Name] + uint32(len(s.Data))
	}
	dataVM := align(dataEnd-dataBase, pageSize)
	if dataVM == 0 {
		dataVM = pageSize
	}
	linkBase := dataBase + dataVM
	linkOff := textVM + dataVM

	// __LINKEDIT
	var link bytes.Buffer
	locOff := linkOff + uint32(link.Len())
	for _, r := range locRel {
		binary.Write(&link, bo, [2]uint32{r.addr, r.info})
	}
	extOff := linkOff + uint32(link.Len())
	for _, r := range extRel {
		binary.Write(&link, bo, [2]uint32{r.addr, r.info})
	}
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	symOff := linkOff + uint32(link.Len())
	for _, s := range syms {
		idx := uint32(strtab.Len())
		strtab.WriteString(s.name)
		strtab.WriteByte(0)
		binary.Write(&link, bo, types.Nlist32{Nlist: types.Nlist{Name: idx, Type: s.typ, Sect: s.sect, Desc: s.desc}, Value: s.value})
	}
	indOff := linkOff + uint32(link.Len())
	for _, i := range indirect {
		binary.Write(&link, bo, i)
	}
	strOff := linkOff + uint32(link.Len())
	for strtab.Len()%4 != 0 {
		strtab.WriteByte(0)
	}
	link.Write(strtab.Bytes())

	// load commands
	var cmds bytes.Buffer
	ncmd := uint32(0)
	put := func(v any) {
		binary.Write(&cmds, bo, v)
	}
	segment := func(name string, addr, vmsize, off, filesz uint32, prot types.VmProtection, ss []*sect) {
		ncmd++
		var seg types.Segment32
		seg.LoadCmd = types.LC_SEGMENT
		seg.Len = segCmdSize + uint32(len(ss))*sectSize
		copy(seg.Name[:], name)
		seg.Addr, seg.Memsz, seg.Offset, seg.Filesz = addr, vmsize, off, filesz
		seg.Maxprot, seg.Prot, seg.Nsect = prot, prot, uint32(len(ss))
		put(seg)
		for _, s := range ss {
			var sh types.Section32
			copy(sh.Name[:], s.name)
			copy(sh.Seg[:], s.seg)
			sh.Addr, sh.Size = s.addr, uint32(len(s.data))
			sh.Offset = s.addr - addr + off
			sh.Align, sh.Flags = 2, s.flags
			sh.Reserve1, sh.Reserve2 = s.reserved1, s.reserved2
			put(sh)
		}
	}
	if l.TextBase != 0 {
		segment("__PAGEZERO", 0, pageZero, 0, 0, 0, nil)
	}
	segment("__TEXT", l.TextBase, textVM, 0, textVM, 5, textSects)
	segment("__DATA", dataBase, dataVM, textVM, dataVM, 3, dataSects)
	segment("__LINKEDIT", linkBase, align(uint32(link.Len()), pageSize), linkOff, uint32(link.Len()), 1, nil)

	ncmd++
	put(types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24, Symoff: symOff, Nsyms: uint32(len(syms)), Stroff: strOff, Strsize: uint32(strtab.Len())})
	ncmd++
	dt := types.DysymtabCmd{LoadCmd: types.LC_DYSYMTAB, Len: 80,
		Ilocalsym: 0, Nlocalsym: uint32(len(locals)),
		Iextdefsym: uint32(len(locals)), Nextdefsym: uint32(len(defs)),
		Iundefsym: firstUndef, Nundefsym: uint32(len(undefs)),
		Indirectsymoff: indOff, Nindirectsyms: uint32(len(indirect)),
		Extreloff: extOff, Nextrel: uint32(len(extRel)),
		Locreloff: locOff, Nlocrel: uint32(len(locRel)),
	}
	if len(indirect) == 0 {
		dt.Indirectsymoff = 0
	}
	put(dt)

	dylib := func(cmd types.LoadCmd, name string) {
		ncmd++
		size := align(24+uint32(len(name))+1, 4)
		put(types.DylibCmd{LoadCmd: cmd, Len: size, NameOffset: 24, CurrentVersion: 0x10000, CompatVersion: 0x10000})
		buf := make([]byte, size-24)
		copy(buf, name)
		cmds.Write(buf)
	}
	if b.ID != "" {
		dylib(types.LC_ID_DYLIB, b.ID)
	}
	for _, name := range b.Dylibs {
		dylib(types.LC_LOAD_DYLIB, name)
	}
	ncmd++
	put(types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24, UUID: types.UUID(b.UUID)})
	if b.MinOS != 0 {
		ncmd++
		put(types.VersionMinCmd{LoadCmd: types.LC_VERSION_MIN_IPHONEOS, Len: 16, Version: b.MinOS, Sdk: b.MinOS})
	}
	if b.Entry != "" {
		entry, ok := l.funcs[b.Entry]
		if !ok {
			return nil, fmt.Errorf("entry %q is not defined", b.Entry)
		}
		ncmd++
		if b.UnixThread {
			put(types.ThreadCmd{LoadCmd: types.LC_UNIXTHREAD, Len: 16 + threadCount*4})
			put([2]uint32{uint32(types.ARM_THREAD_STATE), threadCount})
			put(macho.RegsARM{PC: entry})
		} else {
			put(types.EntryPointCmd{LoadCmd: types.LC_MAIN, Len: 24, EntryOffset: uint64(entry - l.TextBase)})
		}
	}
	if b.CryptID != 0 {
		ncmd++
		put(types.EncryptionInfoCmd{LoadCmd: types.LC_ENCRYPTION_INFO, Len: 20, Offset: pageSize, Size: textVM - pageSize, CryptID: types.EncryptionSystem(b.CryptID)})
	}
	if types.FileHeaderSize32+cmds.Len() > pageSize {
		return nil, fmt.Errorf("load commands overflow the header page")
	}

	flags := types.DyldLink | types.TwoLevel
	if b.PIE {
		flags |= types.PIE
	}

	out := make([]byte, linkOff+uint32(link.Len()))
	var hdr bytes.Buffer
	binary.Write(&hdr, bo, types.FileHeader{
		Magic: types.Magic32, CPU: b.Cpu, SubCPU: b.SubCpu, Type: b.Type,
		NCommands: ncmd, SizeCommands: uint32(cmds.Len()), Flags: flags,
	})
	// the 32-bit header has no reserved word
	copy(out, hdr.Bytes()[:types.FileHeaderSize32])
	copy(out[types.FileHeaderSize32:], cmds.Bytes())
	for _, s := range sects {
		var base, off uint32
		if s.seg == "__TEXT" {
			base, off = l.TextBase, 0
		} else {
			base, off = dataBase, textVM
		}
		copy(out[s.addr-base+off:], s.data)
	}
	copy(out[linkOff:], link.Bytes())
	return out, nil
}

// MustBuild builds the image or fails the test.
func (b *Builder) MustBuild(t testing.TB) []byte {
	t.Helper()
	dat, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build image: %v", err)
	}
	return dat
}

// WriteFile builds the image into dir/name and returns its path.
func (b *Builder) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.MustBuild(t), 0o644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	return path
}

// Fat wraps slices into a universal binary.
func Fat(archs ...FatArch) []byte {
	be := binary.BigEndian
	out := make([]byte, 8+20*len(archs))
	be.PutUint32(out[0:], uint32(types.MagicFat))
	be.PutUint32(out[4:], uint32(len(archs)))
	for i, a := range archs {
		for len(out)%pageSize != 0 {
			out = append(out, 0)
		}
		rec := 8 + 20*i
		be.PutUint32(out[rec:], uint32(a.Cpu))
		be.PutUint32(out[rec+4:], uint32(a.SubCpu))
		be.PutUint32(out[rec+8:], uint32(len(out)))
		be.PutUint32(out[rec+12:], uint32(len(a.Data)))
		be.PutUint32(out[rec+16:], 12)
		out = append(out, a.Data...)
	}
	return out
}

// Return is a function body that returns its first argument unchanged.
func Return(l *Layout) []uint32 { return []uint32{arm.Ret} }
