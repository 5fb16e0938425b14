package interp

import (
	"math"

	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
)

const fpscrNZCV = 0xf0000000

func (c *CPU) s(n uint32) float32 {
	return math.Float32frombits(c.sbits(n))
}

func (c *CPU) sbits(n uint32) uint32 {
	d := c.d[n/2]
	if n%2 == 1 {
		return uint32(d >> 32)
	}
	return uint32(d)
}

func (c *CPU) setSbits(n, v uint32) {
	if n%2 == 1 {
		c.d[n/2] = c.d[n/2]&0x00000000ffffffff | uint64(v)<<32
	} else {
		c.d[n/2] = c.d[n/2]&0xffffffff00000000 | uint64(v)
	}
}

func (c *CPU) setS(n uint32, v float32) { c.setSbits(n, math.Float32bits(v)) }

func (c *CPU) f64(n uint32) float64 { return math.Float64frombits(c.d[n]) }

func (c *CPU) setF64(n uint32, v float64) { c.d[n] = math.Float64bits(v) }

// vreg decodes a VFP register number: D:Vd for doubles, Vd:D for singles.
func vreg(insn, vshift, bit uint32, double bool) uint32 {
	v := (insn >> vshift) & 0xf
	x := (insn >> bit) & 1
	if double {
		return x<<4 | v
	}
	return v<<1 | x
}

func (c *CPU) validD(n uint32) bool { return n < emu.NumD }

func (c *CPU) execCoprocLoadStore(insn uint32) error {
	if cp := (insn >> 8) & 0xe; cp != 0xa {
		return c.undefined()
	}
	double := insn&(1<<8) != 0
	load := insn&(1<<20) != 0
	rn := (insn >> 16) & 0xf
	imm := (insn & 0xff) * 4

	switch {
	case insn&0x0fe00fd0 == 0x0c400b10: // VMOV two core registers <-> double
		dm := vreg(insn, 0, 5, true)
		if !c.validD(dm) {
			return c.undefined()
		}
		rt := (insn >> 12) & 0xf
		rt2 := (insn >> 16) & 0xf
		if load {
			c.setReg(rt, uint32(c.d[dm]))
			c.setReg(rt2, uint32(c.d[dm]>>32))
		} else {
			c.d[dm] = uint64(c.reg(rt2))<<32 | uint64(c.reg(rt))
		}
		return nil
	case insn&0x0f200e00 == 0x0d000a00: // VLDR, VSTR
		base := c.reg(rn)
		if rn == 15 {
			base &^= 3
		}
		addr := base - imm
		if insn&(1<<23) != 0 {
			addr = base + imm
		}
		vd := vreg(insn, 12, 22, double)
		if double {
			if !c.validD(vd) {
				return c.undefined()
			}
			if load {
				v, err := c.load(addr, 8, memory.AccessRead)
				if err != nil {
					return err
				}
				c.d[vd] = v
				return nil
			}
			return c.store(addr, 8, c.d[vd])
		}
		if load {
			v, err := c.load(addr, 4, memory.AccessRead)
			if err != nil {
				return err
			}
			c.setSbits(vd, uint32(v))
			return nil
		}
		return c.store(addr, 4, uint64(c.sbits(vd)))
	case insn&0x0e000e00 == 0x0c000a00: // VLDM, VSTM, VPUSH, VPOP
		pre := insn&(1<<24) != 0
		up := insn&(1<<23) != 0
		if pre == up {
			return c.undefined()
		}
		base := c.reg(rn)
		addr := base
		wb := base + imm
		if pre {
			addr = base - imm
			wb = addr
		}
		vd := vreg(insn, 12, 22, double)
		count := insn & 0xff
		if double {
			count /= 2
			if !c.validD(vd + count - 1) {
				return c.undefined()
			}
		}
		for i := range count {
			switch {
			case double && load:
				v, err := c.load(addr, 8, memory.AccessRead)
				if err != nil {
					return err
				}
				c.d[vd+i] = v
				addr += 8
			case double:
				if err := c.store(addr, 8, c.d[vd+i]); err != nil {
					return err
				}
				addr += 8
			case load:
				v, err := c.load(addr, 4, memory.AccessRead)
				if err != nil {
					return err
				}
				c.setSbits(vd+i, uint32(v))
				addr += 4
			default:
				if err := c.store(addr, 4, uint64(c.sbits(vd+i))); err != nil {
					return err
				}
				addr += 4
			}
		}
		if insn&(1<<21) != 0 {
			c.setReg(rn, wb)
		}
		return nil
	}
	return c.undefined()
}

func (c *CPU) execCoproc(insn uint32) error {
	switch {
	case insn&0x0fff0fff == 0x0e1d0f70: // MRC p15, 0, rt, c13, c0, 3
		c.setReg((insn>>12)&0xf, c.tls)
		return nil
	case insn&0x0fff0fff == 0x0ef10a10: // VMRS
		if rt := (insn >> 12) & 0xf; rt == 15 {
			c.cpsr = c.cpsr&^fpscrNZCV | c.fpscr&fpscrNZCV
		} else {
			c.setReg(rt, c.fpscr)
		}
		return nil
	case insn&0x0fff0fff == 0x0ee10a10: // VMSR
		c.fpscr = c.reg((insn >> 12) & 0xf)
		return nil
	case insn&0x0fe00f7f == 0x0e000a10: // VMOV core <-> single
		sn := vreg(insn, 16, 7, false)
		rt := (insn >> 12) & 0xf
		if insn&(1<<20) != 0 {
			c.setReg(rt, c.sbits(sn))
		} else {
			c.setSbits(sn, c.reg(rt))
		}
		return nil
	case insn&0x0f000e10 == 0x0e000a00:
		return c.vfpData(insn)
	}
	return c.undefined()
}

func (c *CPU) vfpData(insn uint32) error {
	double := insn&(1<<8) != 0
	opc1 := (insn>>20)&0x3 | (insn>>21)&0x4
	op := insn&(1<<6) != 0
	d := vreg(insn, 12, 22, double)
	n := vreg(insn, 16, 7, double)
	m := vreg(insn, 0, 5, double)
	if double && opc1 != 0x7 && (!c.validD(d) || !c.validD(n) || !c.validD(m)) {
		return c.undefined()
	}

	binop := func(f64 func(a, b float64) float64, f32 func(a, b float32) float32) {
		if double {
			c.setF64(d, f64(c.f64(n), c.f64(m)))
		} else {
			c.setS(d, f32(c.s(n), c.s(m)))
		}
	}

	switch opc1 {
	case 0x0: // VMLA, VMLS
		if double {
			p := c.f64(n) * c.f64(m)
			if op {
				p = -p
			}
			c.setF64(d, c.f64(d)+p)
		} else {
			p := c.s(n) * c.s(m)
			if op {
				p = -p
			}
			c.setS(d, c.s(d)+p)
		}
	case 0x2: // VMUL, VNMUL
		binop(func(a, b float64) float64 {
			if op {
				return -(a * b)
			}
			return a * b
		}, func(a, b float32) float32 {
			if op {
				return -(a * b)
			}
			return a * b
		})
	case 0x3: // VADD, VSUB
		binop(func(a, b float64) float64 {
			if op {
				return a - b
			}
			return a + b
		}, func(a, b float32) float32 {
			if op {
				return a - b
			}
			return a + b
		})
	case 0x4: // VDIV
		if op {
			return c.undefined()
		}
		binop(func(a, b float64) float64 { return a / b }, func(a, b float32) float32 { return a / b })
	case 0x7:
		return c.vfpOther(insn, double, d, m)
	default:
		return c.undefined()
	}
	return nil
}

func (c *CPU) vfpOther(insn uint32, double bool, d, m uint32) error {
	if insn&(1<<6) == 0 { // VMOV immediate
		imm8 := (insn>>12)&0xf0 | insn&0xf
		if double && !c.validD(d) {
			return c.undefined()
		}
		if double {
			c.setF64(d, vfpExpand64(imm8))
		} else {
			c.setS(d, float32(vfpExpand64(imm8)))
		}
		return nil
	}
	opc2 := (insn >> 16) & 0xf
	hi := insn&(1<<7) != 0
	if double {
		switch opc2 {
		case 0x0, 0x1, 0x4, 0x5:
			if !c.validD(d) || !c.validD(m) {
				return c.undefined()
			}
		case 0x7, 0xc, 0xd:
			if !c.validD(m) {
				return c.undefined()
			}
		case 0x8:
			if !c.validD(d) {
				return c.undefined()
			}
		}
	}
	unary := func(f64 func(float64) float64) {
		if double {
			c.setF64(d, f64(c.f64(m)))
		} else {
			c.setS(d, float32(f64(float64(c.s(m)))))
		}
	}
	switch {
	case opc2 == 0x0 && !hi: // VMOV register
		if double {
			c.d[d] = c.d[m]
		} else {
			c.setSbits(d, c.sbits(m))
		}
	case opc2 == 0x0: // VABS
		unary(math.Abs)
	case opc2 == 0x1 && !hi: // VNEG
		unary(func(v float64) float64 { return -v })
	case opc2 == 0x1: // VSQRT
		unary(math.Sqrt)
	case opc2 == 0x4 || opc2 == 0x5: // VCMP, VCMPE
		var a, b float64
		if double {
			a = c.f64(d)
		} else {
			a = float64(c.s(d))
		}
		if opc2 == 0x4 {
			if double {
				b = c.f64(m)
			} else {
				b = float64(c.s(m))
			}
		}
		var nzcv uint32
		switch {
		case math.IsNaN(a) || math.IsNaN(b):
			nzcv = 0x3
		case a == b:
			nzcv = 0x6
		case a < b:
			nzcv = 0x8
		default:
			nzcv = 0x2
		}
		c.fpscr = c.fpscr&^fpscrNZCV | nzcv<<28
	case opc2 == 0x7 && hi: // VCVT between double and single
		if double {
			sd := vreg(insn, 12, 22, false)
			c.setS(sd, float32(c.f64(m)))
		} else {
			dd := vreg(insn, 12, 22, true)
			sm := vreg(insn, 0, 5, false)
			if !c.validD(dd) {
				return c.undefined()
			}
			c.setF64(dd, float64(c.s(sm)))
		}
	case opc2 == 0x8: // VCVT integer to float
		sm := vreg(insn, 0, 5, false)
		raw := c.sbits(sm)
		v := float64(raw)
		if hi {
			v = float64(int32(raw))
		}
		if double {
			c.setF64(d, v)
		} else {
			c.setS(d, float32(v))
		}
	case opc2 == 0xc || opc2 == 0xd: // VCVT float to integer, round toward zero
		sd := vreg(insn, 12, 22, false)
		var v float64
		if double {
			v = c.f64(m)
		} else {
			v = float64(c.s(m))
		}
		c.setSbits(sd, toInt(v, opc2 == 0xd))
	default:
		return c.undefined()
	}
	return nil
}

// toInt converts with saturation, the way VCVT does.
func toInt(v float64, signed bool) uint32 {
	v = math.Trunc(v)
	switch {
	case math.IsNaN(v):
		return 0
	case signed && v >= math.MaxInt32:
		return math.MaxInt32
	case signed && v <= math.MinInt32:
		return 1 << 31
	case signed:
		return uint32(int32(v))
	case v <= 0:
		return 0
	case v >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(v)
	}
}

// vfpExpand64 decodes the 8-bit VFP modified immediate.
func vfpExpand64(imm8 uint32) float64 {
	sign := uint64(imm8>>7) << 63
	b6 := (imm8 >> 6) & 1
	exp := uint64(b6^1)<<10 | uint64(0xff*b6)<<2 | uint64((imm8>>4)&3)
	frac := uint64(imm8&0xf) << 48
	return math.Float64frombits(sign | exp<<52 | frac)
}
