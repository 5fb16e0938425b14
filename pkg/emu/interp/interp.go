// Package interp is a small pure-Go A32 interpreter implementing emu.Engine.
//
// It covers the integer instruction set compilers emit for ARMv7 user code
// plus the common VFP subset. Thumb state is not supported.
package interp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
)

var errThumb = errors.New("thumb state is not supported by the interpreter")

// errHalted unwinds an instruction whose hook stopped the engine.
var errHalted = errors.New("halted")

type region struct {
	base uint32
	end  uint64
	perm memory.Perm
	data []byte
}

type trapHook struct {
	begin, end uint32
	fn         emu.TrapFunc
}

// CPU is the interpreter state.
type CPU struct {
	r     [16]uint32
	cpsr  uint32
	fpscr uint32
	tls   uint32
	d     [emu.NumD]uint64

	cur  uint32 // address of the executing instruction
	next uint32 // PC after it

	regions []*region
	last    *region

	traps  []trapHook
	onIntr emu.InterruptFunc
	onMem  emu.MemFaultFunc

	stopped bool
	running bool
}

var _ emu.Engine = (*CPU)(nil)
var _ emu.RegisterFile = (*CPU)(nil)

func init() {
	emu.RegisterEngine("interp", func() (emu.Engine, error) { return New(), nil })
}

// New returns a CPU in ARM user mode.
func New() *CPU {
	return &CPU{cpsr: emu.CPSRUser}
}

func (c *CPU) RegionMapped(r *memory.Region) error {
	reg := &region{base: uint32(r.Base), end: r.End(), perm: r.Perm, data: r.Data()}
	idx := sort.Search(len(c.regions), func(i int) bool { return c.regions[i].base >= reg.base })
	c.regions = append(c.regions, nil)
	copy(c.regions[idx+1:], c.regions[idx:])
	c.regions[idx] = reg
	return nil
}

func (c *CPU) RegionUnmapped(r *memory.Region) error {
	for i, o := range c.regions {
		if o.base == uint32(r.Base) {
			c.regions = append(c.regions[:i], c.regions[i+1:]...)
			c.last = nil
			return nil
		}
	}
	return fmt.Errorf("region %s is not mapped", r.Base)
}

func (c *CPU) RegionProtected(r *memory.Region) error {
	for _, o := range c.regions {
		if o.base == uint32(r.Base) {
			o.perm = r.Perm
			return nil
		}
	}
	return fmt.Errorf("region %s is not mapped", r.Base)
}

func (c *CPU) RegRead(reg emu.Reg) (uint64, error) {
	switch {
	case reg >= emu.R0 && reg <= emu.PC:
		return uint64(c.r[reg]), nil
	case reg == emu.CPSR:
		return uint64(c.cpsr), nil
	case reg == emu.FPSCR:
		return uint64(c.fpscr), nil
	case reg == emu.TPIDRURO:
		return uint64(c.tls), nil
	case reg >= emu.D0 && reg < emu.D(emu.NumD):
		return c.d[reg-emu.D0], nil
	}
	return 0, fmt.Errorf("unknown register %d", reg)
}

func (c *CPU) RegWrite(reg emu.Reg, val uint64) error {
	switch {
	case reg >= emu.R0 && reg <= emu.PC:
		c.r[reg] = uint32(val)
	case reg == emu.CPSR:
		c.cpsr = uint32(val)
	case reg == emu.FPSCR:
		c.fpscr = uint32(val)
	case reg == emu.TPIDRURO:
		c.tls = uint32(val)
	case reg >= emu.D0 && reg < emu.D(emu.NumD):
		c.d[reg-emu.D0] = val
	default:
		return fmt.Errorf("unknown register %d", reg)
	}
	return nil
}

func (c *CPU) SaveRegisters() emu.Registers {
	return emu.Registers{R: c.r, CPSR: c.cpsr, FPSCR: c.fpscr, TLS: c.tls, D: c.d}
}

func (c *CPU) RestoreRegisters(regs emu.Registers) {
	c.r, c.cpsr, c.fpscr, c.tls, c.d = regs.R, regs.CPSR, regs.FPSCR, regs.TLS, regs.D
}

func (c *CPU) HookTrap(begin, end uint32, fn emu.TrapFunc) error {
	if end <= begin {
		return fmt.Errorf("invalid trap range %#x-%#x", begin, end)
	}
	c.traps = append(c.traps, trapHook{begin: begin, end: end, fn: fn})
	return nil
}

func (c *CPU) HookInterrupt(fn emu.InterruptFunc) error {
	c.onIntr = fn
	return nil
}

func (c *CPU) HookMemFault(fn emu.MemFaultFunc) error {
	c.onMem = fn
	return nil
}

// InvalidateCache is a no-op: the interpreter decodes every instruction
// from guest memory.
func (c *CPU) InvalidateCache(addr, size uint32) error { return nil }

func (c *CPU) Close() error {
	c.regions = nil
	c.last = nil
	return nil
}

func (c *CPU) Stop() error {
	c.stopped = true
	return nil
}

// Start runs from begin until stopped, faulted or count instructions have
// executed.
func (c *CPU) Start(begin uint32, count uint64) error {
	if c.running {
		return errors.New("interpreter is already running")
	}
	c.running = true
	defer func() { c.running = false }()

	c.stopped = false
	if begin&1 != 0 {
		c.cpsr |= emu.CPSRThumb
	} else {
		c.cpsr &^= emu.CPSRThumb
	}
	c.r[15] = begin &^ 1

	for n := uint64(0); count == 0 || n < count; n++ {
		pc := c.r[15]
		for _, h := range c.traps {
			if pc >= h.begin && pc < h.end {
				h.fn(pc)
			}
		}
		if c.stopped {
			return nil
		}
		if err := c.step(); err != nil {
			if errors.Is(err, errHalted) {
				return nil
			}
			return err
		}
		if c.stopped {
			return nil
		}
	}
	return nil
}

func (c *CPU) step() error {
	pc := c.r[15]
	if c.cpsr&emu.CPSRThumb != 0 {
		return &emu.Fault{Kind: emu.FaultUnsupported, PC: pc, Err: errThumb}
	}
	insn, err := c.load(pc, 4, memory.AccessExec)
	if err != nil {
		return err
	}
	c.cur = pc
	c.next = pc + 4
	if err := c.exec(uint32(insn)); err != nil {
		return err
	}
	c.r[15] = c.next
	return nil
}

func (c *CPU) find(addr uint32) *region {
	if l := c.last; l != nil && addr >= l.base && uint64(addr) < l.end {
		return l
	}
	idx := sort.Search(len(c.regions), func(i int) bool { return c.regions[i].end > uint64(addr) })
	if idx < len(c.regions) && c.regions[idx].base <= addr {
		c.last = c.regions[idx]
		return c.last
	}
	return nil
}

func (c *CPU) fault(acc memory.Access, addr uint32, size int) error {
	mf := &memory.Fault{Kind: memory.FaultUnmapped, Access: acc, Addr: memory.Addr(addr), Size: uint32(size)}
	switch {
	case addr < memory.NullPageSize:
		mf.Kind = memory.FaultNull
	case c.find(addr) != nil:
		mf.Kind = memory.FaultProt
	}
	return &emu.Fault{Kind: emu.FaultMemory, PC: c.r[15], Intno: emu.EXCP_DATA_ABORT, Mem: mf}
}

// slice returns the host bytes for an access contained in one region.
func (c *CPU) slice(addr uint32, size int, acc memory.Access) []byte {
	r := c.find(addr)
	if r == nil || uint64(addr)+uint64(size) > r.end {
		return nil
	}
	need := memory.PermRead
	switch acc {
	case memory.AccessWrite:
		need = memory.PermWrite
	case memory.AccessExec:
		need = memory.PermExec
	}
	if r.perm&need == 0 {
		return nil
	}
	off := addr - r.base
	return r.data[off : off+uint32(size)]
}

// access resolves [addr, addr+size) for acc. Accesses that straddle two
// regions are assembled byte by byte into tmp.
func (c *CPU) access(addr uint32, size int, acc memory.Access, tmp []byte) ([]byte, bool) {
	if b := c.slice(addr, size, acc); b != nil {
		return b, false
	}
	for i := range size {
		b := c.slice(addr+uint32(i), 1, acc)
		if b == nil {
			return nil, false
		}
		if acc != memory.AccessWrite {
			tmp[i] = b[0]
		}
	}
	return tmp[:size], true
}

func (c *CPU) load(addr uint32, size int, acc memory.Access) (uint64, error) {
	var tmp [8]byte
	for try := 0; try < 2; try++ {
		b, _ := c.access(addr, size, acc, tmp[:])
		if b != nil {
			switch size {
			case 1:
				return uint64(b[0]), nil
			case 2:
				return uint64(binary.LittleEndian.Uint16(b)), nil
			case 4:
				return uint64(binary.LittleEndian.Uint32(b)), nil
			default:
				return binary.LittleEndian.Uint64(b), nil
			}
		}
		if c.onMem == nil || !c.onMem(acc, addr, size) {
			break
		}
	}
	return 0, c.fault(acc, addr, size)
}

func (c *CPU) store(addr uint32, size int, val uint64) error {
	var tmp [8]byte
	for try := 0; try < 2; try++ {
		b, split := c.access(addr, size, memory.AccessWrite, tmp[:])
		if b != nil {
			binary.LittleEndian.PutUint64(tmp[:], val)
			if !split {
				copy(b, tmp[:size])
				return nil
			}
			for i := range size {
				c.slice(addr+uint32(i), 1, memory.AccessWrite)[0] = tmp[i]
			}
			return nil
		}
		if c.onMem == nil || !c.onMem(memory.AccessWrite, addr, size) {
			break
		}
	}
	return c.fault(memory.AccessWrite, addr, size)
}
