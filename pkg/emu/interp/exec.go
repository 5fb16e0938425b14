package interp

import (
	"math/bits"

	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
)

const (
	flagN = 1 << 31
	flagZ = 1 << 30
	flagC = 1 << 29
	flagV = 1 << 28
)

// reg reads a register as an operand; the PC reads 8 ahead.
func (c *CPU) reg(n uint32) uint32 {
	if n == 15 {
		return c.cur + 8
	}
	return c.r[n]
}

func (c *CPU) setReg(n, v uint32) {
	if n == 15 {
		c.branch(v)
		return
	}
	c.r[n] = v
}

// branch is an interworking write to the PC.
func (c *CPU) branch(target uint32) {
	if target&1 != 0 {
		c.cpsr |= emu.CPSRThumb
		c.next = target &^ 1
		return
	}
	c.next = target &^ 3
}

func (c *CPU) carry() uint32 {
	if c.cpsr&flagC != 0 {
		return 1
	}
	return 0
}

func (c *CPU) setNZ(res uint32) {
	c.cpsr &^= flagN | flagZ
	c.cpsr |= res & flagN
	if res == 0 {
		c.cpsr |= flagZ
	}
}

func (c *CPU) setCV(carry, overflow bool) {
	c.cpsr &^= flagC | flagV
	if carry {
		c.cpsr |= flagC
	}
	if overflow {
		c.cpsr |= flagV
	}
}

func (c *CPU) setC(carry bool) {
	if carry {
		c.cpsr |= flagC
	} else {
		c.cpsr &^= flagC
	}
}

func (c *CPU) passes(cond uint32) bool {
	n := c.cpsr&flagN != 0
	z := c.cpsr&flagZ != 0
	cf := c.cpsr&flagC != 0
	v := c.cpsr&flagV != 0
	switch cond {
	case 0x0:
		return z
	case 0x1:
		return !z
	case 0x2:
		return cf
	case 0x3:
		return !cf
	case 0x4:
		return n
	case 0x5:
		return !n
	case 0x6:
		return v
	case 0x7:
		return !v
	case 0x8:
		return cf && !z
	case 0x9:
		return !cf || z
	case 0xa:
		return n == v
	case 0xb:
		return n != v
	case 0xc:
		return !z && n == v
	case 0xd:
		return z || n != v
	default:
		return true
	}
}

func addWithCarry(x, y, cin uint32) (uint32, bool, bool) {
	sum := uint64(x) + uint64(y) + uint64(cin)
	res := uint32(sum)
	return res, sum>>32 != 0, ((x^res)&(y^res))>>31 != 0
}

// shift applies an A32 shift. imm selects the immediate encoding where an
// amount of 0 means LSR/ASR #32 or RRX.
func shift(val, typ, amount, cin uint32, imm bool) (uint32, uint32) {
	if imm {
		switch {
		case typ == 0 && amount == 0:
			return val, cin
		case (typ == 1 || typ == 2) && amount == 0:
			amount = 32
		case typ == 3 && amount == 0: // RRX
			return cin<<31 | val>>1, val & 1
		}
	} else if amount == 0 {
		return val, cin
	}
	switch typ {
	case 0: // LSL
		switch {
		case amount < 32:
			return val << amount, (val >> (32 - amount)) & 1
		case amount == 32:
			return 0, val & 1
		default:
			return 0, 0
		}
	case 1: // LSR
		switch {
		case amount < 32:
			return val >> amount, (val >> (amount - 1)) & 1
		case amount == 32:
			return 0, val >> 31
		default:
			return 0, 0
		}
	case 2: // ASR
		if amount >= 32 {
			if int32(val) < 0 {
				return 0xffffffff, 1
			}
			return 0, 0
		}
		return uint32(int32(val) >> amount), (val >> (amount - 1)) & 1
	default: // ROR
		amount &= 31
		if amount == 0 {
			return val, val >> 31
		}
		res := bits.RotateLeft32(val, -int(amount))
		return res, res >> 31
	}
}

// operand2 decodes a data processing shifter operand.
func (c *CPU) operand2(insn uint32) (uint32, uint32) {
	if insn&(1<<25) != 0 {
		rot := ((insn >> 8) & 0xf) * 2
		val := bits.RotateLeft32(insn&0xff, -int(rot))
		if rot == 0 {
			return val, c.carry()
		}
		return val, val >> 31
	}
	rm := c.reg(insn & 0xf)
	typ := (insn >> 5) & 3
	if insn&(1<<4) != 0 {
		if insn&0xf == 15 {
			rm += 4
		}
		return shift(rm, typ, c.reg((insn>>8)&0xf)&0xff, c.carry(), false)
	}
	return shift(rm, typ, (insn>>7)&0x1f, c.carry(), true)
}

func (c *CPU) undefined() error {
	if c.onIntr != nil {
		c.onIntr(emu.EXCP_UNDEFINED_INSTRUCTION, c.cur)
	}
	if c.stopped {
		return errHalted
	}
	return &emu.Fault{Kind: emu.FaultUndefined, PC: c.cur, Intno: emu.EXCP_UNDEFINED_INSTRUCTION}
}

func (c *CPU) exec(insn uint32) error {
	cond := insn >> 28
	if cond == 0xf {
		return c.execUnconditional(insn)
	}
	if !c.passes(cond) {
		return nil
	}
	switch (insn >> 25) & 7 {
	case 0:
		return c.execMisc(insn)
	case 1:
		switch {
		case insn&0x0ff00000 == 0x03000000: // MOVW
			c.setReg((insn>>12)&0xf, (insn>>4)&0xf000|insn&0xfff)
			return nil
		case insn&0x0ff00000 == 0x03400000: // MOVT
			rd := (insn >> 12) & 0xf
			c.setReg(rd, c.r[rd]&0xffff|((insn>>4)&0xf000|insn&0xfff)<<16)
			return nil
		case insn&0x0fb00000 == 0x03200000: // MSR immediate, hints
			if (insn>>16)&0xf == 0 {
				return nil
			}
			val, _ := c.operand2(insn)
			c.msr(insn, val)
			return nil
		}
		return c.dataProcessing(insn)
	case 2:
		return c.loadStore(insn)
	case 3:
		if insn&(1<<4) != 0 {
			return c.execMedia(insn)
		}
		return c.loadStore(insn)
	case 4:
		return c.loadStoreMultiple(insn)
	case 5:
		off := uint32(int32(insn<<8) >> 6)
		if insn&(1<<24) != 0 {
			c.r[14] = c.cur + 4
		}
		c.next = c.cur + 8 + off
		return nil
	case 6:
		return c.execCoprocLoadStore(insn)
	default:
		if insn&(1<<24) != 0 { // SVC
			c.next = c.cur + 4
			c.r[15] = c.next
			if c.onIntr != nil {
				c.onIntr(emu.EXCP_SOFTWARE_INTRPT, c.next)
				return nil
			}
			return &emu.Fault{Kind: emu.FaultSyscall, PC: c.cur, Insn: insn, Intno: emu.EXCP_SOFTWARE_INTRPT}
		}
		return c.execCoproc(insn)
	}
}

func (c *CPU) execUnconditional(insn uint32) error {
	switch {
	case insn&0xfe000000 == 0xfa000000: // BLX immediate
		off := uint32(int32(insn<<8)>>6) | (insn>>23)&2
		c.r[14] = c.cur + 4
		c.cpsr |= emu.CPSRThumb
		c.next = c.cur + 8 + off
		return nil
	case insn&0xfff000f0 == 0xf5700040, insn&0xfff000f0 == 0xf5700050, insn&0xfff000f0 == 0xf5700060: // DSB, DMB, ISB
		return nil
	case insn&0xfd70f000 == 0xf550f000, insn&0xff70f000 == 0xf450f000: // PLD, PLI
		return nil
	case insn == 0xf57ff01f: // CLREX
		return nil
	}
	return c.undefined()
}

func (c *CPU) msr(insn, val uint32) {
	if insn&(1<<22) != 0 { // SPSR
		return
	}
	if (insn>>19)&1 != 0 {
		c.cpsr = c.cpsr&0x00ffffff | val&0xff000000
	}
}

func (c *CPU) execMisc(insn uint32) error {
	switch {
	case insn&0x0ffffff0 == 0x012fff10: // BX
		c.branch(c.reg(insn & 0xf))
		return nil
	case insn&0x0ffffff0 == 0x012fff30: // BLX register
		target := c.reg(insn & 0xf)
		c.r[14] = c.cur + 4
		c.branch(target)
		return nil
	case insn&0x0ff000f0 == 0x01200070: // BKPT
		if c.onIntr != nil {
			c.onIntr(emu.EXCP_BKPT, c.cur)
		}
		if c.stopped {
			return errHalted
		}
		return &emu.Fault{Kind: emu.FaultBreakpoint, PC: c.cur, Insn: insn, Intno: emu.EXCP_BKPT}
	case insn&0x0fff0ff0 == 0x016f0f10: // CLZ
		c.setReg((insn>>12)&0xf, uint32(bits.LeadingZeros32(c.reg(insn&0xf))))
		return nil
	case insn&0x0fbf0fff == 0x010f0000: // MRS
		c.setReg((insn>>12)&0xf, c.cpsr)
		return nil
	case insn&0x0fb0fff0 == 0x0120f000: // MSR register
		c.msr(insn, c.reg(insn&0xf))
		return nil
	case insn&0x90 == 0x90 && insn&0x0f000000 == 0:
		if insn&0x60 == 0 {
			return c.multiply(insn)
		}
		return c.loadStoreExtra(insn)
	case insn&0x0f0000f0 == 0x01000090:
		return c.exclusive(insn)
	case insn&0x90 == 0x90 && insn&0x60 != 0:
		return c.loadStoreExtra(insn)
	case insn&0x01900000 == 0x01000000:
		// TST/TEQ/CMP/CMN without S are the miscellaneous space
		return c.undefined()
	}
	return c.dataProcessing(insn)
}

func (c *CPU) dataProcessing(insn uint32) error {
	op := (insn >> 21) & 0xf
	s := insn&(1<<20) != 0
	rn := (insn >> 16) & 0xf
	rd := (insn >> 12) & 0xf
	op2, sc := c.operand2(insn)
	a := c.reg(rn)

	var res uint32
	var cf, vf bool
	logical := false
	write := true
	switch op {
	case 0x0: // AND
		res, logical = a&op2, true
	case 0x1: // EOR
		res, logical = a^op2, true
	case 0x2: // SUB
		res, cf, vf = addWithCarry(a, ^op2, 1)
	case 0x3: // RSB
		res, cf, vf = addWithCarry(op2, ^a, 1)
	case 0x4: // ADD
		res, cf, vf = addWithCarry(a, op2, 0)
	case 0x5: // ADC
		res, cf, vf = addWithCarry(a, op2, c.carry())
	case 0x6: // SBC
		res, cf, vf = addWithCarry(a, ^op2, c.carry())
	case 0x7: // RSC
		res, cf, vf = addWithCarry(op2, ^a, c.carry())
	case 0x8: // TST
		res, logical, write = a&op2, true, false
	case 0x9: // TEQ
		res, logical, write = a^op2, true, false
	case 0xa: // CMP
		res, cf, vf = addWithCarry(a, ^op2, 1)
		write = false
	case 0xb: // CMN
		res, cf, vf = addWithCarry(a, op2, 0)
		write = false
	case 0xc: // ORR
		res, logical = a|op2, true
	case 0xd: // MOV
		res, logical = op2, true
	case 0xe: // BIC
		res, logical = a&^op2, true
	case 0xf: // MVN
		res, logical = ^op2, true
	}
	if s && (rd != 15 || !write) {
		c.setNZ(res)
		if logical {
			c.setC(sc != 0)
		} else {
			c.setCV(cf, vf)
		}
	}
	if write {
		c.setReg(rd, res)
	}
	return nil
}

func (c *CPU) multiply(insn uint32) error {
	s := insn&(1<<20) != 0
	rdHi := (insn >> 16) & 0xf
	rdLo := (insn >> 12) & 0xf
	rs := c.reg((insn >> 8) & 0xf)
	rm := c.reg(insn & 0xf)
	switch (insn >> 21) & 0xf {
	case 0x0: // MUL
		res := rm * rs
		c.setReg(rdHi, res)
		if s {
			c.setNZ(res)
		}
	case 0x1: // MLA
		res := rm*rs + c.reg(rdLo)
		c.setReg(rdHi, res)
		if s {
			c.setNZ(res)
		}
	case 0x3: // MLS
		c.setReg(rdHi, c.reg(rdLo)-rm*rs)
	case 0x4, 0x5: // UMULL, UMLAL
		res := uint64(rm) * uint64(rs)
		if insn&(1<<21) != 0 {
			res += uint64(c.reg(rdHi))<<32 | uint64(c.reg(rdLo))
		}
		c.setReg(rdLo, uint32(res))
		c.setReg(rdHi, uint32(res>>32))
		if s {
			c.setNZ64(res)
		}
	case 0x6, 0x7: // SMULL, SMLAL
		res := int64(int32(rm)) * int64(int32(rs))
		if insn&(1<<21) != 0 {
			res += int64(uint64(c.reg(rdHi))<<32 | uint64(c.reg(rdLo)))
		}
		c.setReg(rdLo, uint32(res))
		c.setReg(rdHi, uint32(uint64(res)>>32))
		if s {
			c.setNZ64(uint64(res))
		}
	default:
		return c.undefined()
	}
	return nil
}

func (c *CPU) setNZ64(v uint64) {
	c.cpsr &^= flagN | flagZ
	if v>>63 != 0 {
		c.cpsr |= flagN
	}
	if v == 0 {
		c.cpsr |= flagZ
	}
}

// address computes the effective address and the written-back base for the
// P/U/W addressing forms.
func address(base, off uint32, insn uint32) (addr, wb uint32, writeback bool) {
	pre := insn&(1<<24) != 0
	up := insn&(1<<23) != 0
	w := insn&(1<<21) != 0
	moved := base - off
	if up {
		moved = base + off
	}
	if pre {
		return moved, moved, w
	}
	return base, moved, true
}

func (c *CPU) loadStore(insn uint32) error {
	load := insn&(1<<20) != 0
	byteAcc := insn&(1<<22) != 0
	rn := (insn >> 16) & 0xf
	rt := (insn >> 12) & 0xf

	var off uint32
	if insn&(1<<25) != 0 {
		off, _ = shift(c.reg(insn&0xf), (insn>>5)&3, (insn>>7)&0x1f, c.carry(), true)
	} else {
		off = insn & 0xfff
	}
	base := c.reg(rn)
	if rn == 15 {
		base &^= 3
	}
	addr, wb, writeback := address(base, off, insn)
	size := 4
	if byteAcc {
		size = 1
	}
	if load {
		v, err := c.load(addr, size, memory.AccessRead)
		if err != nil {
			return err
		}
		if writeback {
			c.setReg(rn, wb)
		}
		if rt == 15 {
			c.branch(uint32(v))
		} else {
			c.r[rt] = uint32(v)
		}
		return nil
	}
	val := c.reg(rt)
	if rt == 15 {
		val = c.cur + 8
	}
	if err := c.store(addr, size, uint64(val)); err != nil {
		return err
	}
	if writeback {
		c.setReg(rn, wb)
	}
	return nil
}

func (c *CPU) loadStoreExtra(insn uint32) error {
	load := insn&(1<<20) != 0
	rn := (insn >> 16) & 0xf
	rt := (insn >> 12) & 0xf
	var off uint32
	if insn&(1<<22) != 0 {
		off = (insn>>4)&0xf0 | insn&0xf
	} else {
		off = c.reg(insn & 0xf)
	}
	base := c.reg(rn)
	if rn == 15 {
		base &^= 3
	}
	addr, wb, writeback := address(base, off, insn)
	sh := (insn >> 5) & 3

	switch {
	case sh == 1 && !load: // STRH
		if err := c.store(addr, 2, uint64(c.reg(rt))); err != nil {
			return err
		}
	case sh == 2 && !load: // LDRD
		lo, err := c.load(addr, 4, memory.AccessRead)
		if err != nil {
			return err
		}
		hi, err := c.load(addr+4, 4, memory.AccessRead)
		if err != nil {
			return err
		}
		if writeback {
			c.setReg(rn, wb)
		}
		c.r[rt] = uint32(lo)
		c.r[rt+1] = uint32(hi)
		return nil
	case sh == 3 && !load: // STRD
		if err := c.store(addr, 4, uint64(c.reg(rt))); err != nil {
			return err
		}
		if err := c.store(addr+4, 4, uint64(c.reg(rt+1))); err != nil {
			return err
		}
	default:
		size := 2
		if sh == 2 {
			size = 1
		}
		v, err := c.load(addr, size, memory.AccessRead)
		if err != nil {
			return err
		}
		if writeback {
			c.setReg(rn, wb)
		}
		switch sh {
		case 2: // LDRSB
			v = uint64(uint32(int32(int8(v))))
		case 3: // LDRSH
			v = uint64(uint32(int32(int16(v))))
		}
		c.setReg(rt, uint32(v))
		return nil
	}
	if writeback {
		c.setReg(rn, wb)
	}
	return nil
}

// exclusive implements LDREX/STREX. A single core always holds the monitor.
func (c *CPU) exclusive(insn uint32) error {
	rn := c.reg((insn >> 16) & 0xf)
	rd := (insn >> 12) & 0xf
	size := 4
	switch (insn >> 21) & 3 {
	case 1:
		return c.undefined()
	case 2:
		size = 1
	case 3:
		size = 2
	}
	if insn&(1<<20) != 0 {
		v, err := c.load(rn, size, memory.AccessRead)
		if err != nil {
			return err
		}
		c.setReg(rd, uint32(v))
		return nil
	}
	if err := c.store(rn, size, uint64(c.reg(insn&0xf))); err != nil {
		return err
	}
	c.setReg(rd, 0)
	return nil
}

func (c *CPU) loadStoreMultiple(insn uint32) error {
	load := insn&(1<<20) != 0
	rn := (insn >> 16) & 0xf
	list := insn & 0xffff
	n := uint32(bits.OnesCount32(list))
	base := c.reg(rn)

	var start, wb uint32
	switch (insn >> 23) & 3 {
	case 0: // DA
		start, wb = base-4*n+4, base-4*n
	case 1: // IA
		start, wb = base, base+4*n
	case 2: // DB
		start, wb = base-4*n, base-4*n
	case 3: // IB
		start, wb = base+4, base+4*n
	}
	writeback := insn&(1<<21) != 0

	if load {
		var vals [16]uint32
		addr := start
		for i := range uint32(16) {
			if list&(1<<i) == 0 {
				continue
			}
			v, err := c.load(addr, 4, memory.AccessRead)
			if err != nil {
				return err
			}
			vals[i] = uint32(v)
			addr += 4
		}
		if writeback && list&(1<<rn) == 0 {
			c.r[rn] = wb
		}
		for i := range uint32(16) {
			if list&(1<<i) != 0 {
				c.setReg(i, vals[i])
			}
		}
		return nil
	}
	addr := start
	for i := range uint32(16) {
		if list&(1<<i) == 0 {
			continue
		}
		v := c.reg(i)
		if i == 15 {
			v = c.cur + 8
		}
		if err := c.store(addr, 4, uint64(v)); err != nil {
			return err
		}
		addr += 4
	}
	if writeback {
		c.r[rn] = wb
	}
	return nil
}

func (c *CPU) execMedia(insn uint32) error {
	rd := (insn >> 12) & 0xf
	switch {
	case insn&0x0ff000f0 == 0x07f000f0: // UDF
		return c.undefined()
	case insn&0x0f8000f0 == 0x06800070 && insn&0x00700000 != 0: // SXTB, SXTH, UXTB, UXTH and the accumulating forms
		rot := ((insn >> 10) & 3) * 8
		v := bits.RotateLeft32(c.reg(insn&0xf), -int(rot))
		switch (insn >> 20) & 7 {
		case 2:
			v = uint32(int32(int8(v)))
		case 3:
			v = uint32(int32(int16(v)))
		case 6:
			v &= 0xff
		case 7:
			v &= 0xffff
		default:
			return c.undefined()
		}
		if rn := (insn >> 16) & 0xf; rn != 15 {
			v += c.reg(rn)
		}
		c.setReg(rd, v)
		return nil
	case insn&0x0fff0ff0 == 0x06bf0f30: // REV
		c.setReg(rd, bits.ReverseBytes32(c.reg(insn&0xf)))
		return nil
	case insn&0x0fff0ff0 == 0x06bf0fb0: // REV16
		v := c.reg(insn & 0xf)
		c.setReg(rd, (v&0xff00ff00)>>8|(v&0x00ff00ff)<<8)
		return nil
	case insn&0x0fe00070 == 0x07e00050, insn&0x0fe00070 == 0x07a00050: // UBFX, SBFX
		lsb := (insn >> 7) & 0x1f
		width := (insn>>16)&0x1f + 1
		v := c.reg(insn&0xf) >> lsb
		if width < 32 {
			v &= 1<<width - 1
			if insn&(1<<22) == 0 && v&(1<<(width-1)) != 0 {
				v |= ^uint32(0) << width
			}
		}
		c.setReg(rd, v)
		return nil
	case insn&0x0fe00070 == 0x07c00010: // BFC, BFI
		lsb := (insn >> 7) & 0x1f
		msb := (insn >> 16) & 0x1f
		if msb < lsb {
			return c.undefined()
		}
		mask := uint32((uint64(1)<<(msb-lsb+1) - 1) << lsb)
		var src uint32
		if rn := insn & 0xf; rn != 15 {
			src = c.reg(rn) << lsb
		}
		c.setReg(rd, c.r[rd]&^mask|src&mask)
		return nil
	case insn&0x0ff0f0f0 == 0x0730f010, insn&0x0ff0f0f0 == 0x0710f010: // UDIV, SDIV
		rd = (insn >> 16) & 0xf
		n := c.reg(insn & 0xf)
		m := c.reg((insn >> 8) & 0xf)
		var res uint32
		switch {
		case m == 0:
			res = 0
		case insn&(1<<21) != 0:
			res = n / m
		case int32(n) == -1<<31 && int32(m) == -1:
			res = n
		default:
			res = uint32(int32(n) / int32(m))
		}
		c.setReg(rd, res)
		return nil
	}
	return c.undefined()
}
