// Package arm encodes the handful of A32 instructions the linker writes into
// guest memory (trampolines, proc-address stubs, breakpoints) and that tests
// use to assemble guest code.
package arm

import (
	"encoding/binary"
	"fmt"
)

// Fixed encodings.
const (
	Ret  uint32 = 0xe12fff1e // bx lr
	Trap uint32 = 0xe7ffdefe // permanently undefined
	Nop  uint32 = 0xe320f000
)

type Reg uint32

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
)

const (
	IP = R12
	FP = R7 // darwin frame pointer
)

// Cond is an A32 condition code.
type Cond uint32

const (
	EQ Cond = iota
	NE
	CS
	CC
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

var condNames = [...]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "", "nv"}

func (c Cond) String() string { return condNames[c&0xf] }

// Data processing opcodes.
const (
	OpAND uint32 = iota
	OpEOR
	OpSUB
	OpRSB
	OpADD
	OpADC
	OpSBC
	OpRSC
	OpTST
	OpTEQ
	OpCMP
	OpCMN
	OpORR
	OpMOV
	OpBIC
	OpMVN
)

// EncodeImm finds the rotated 8-bit form of v.
func EncodeImm(v uint32) (uint32, bool) {
	for rot := uint32(0); rot < 16; rot++ {
		imm := v<<(2*rot) | v>>((32-2*rot)&31)
		if imm <= 0xff {
			return rot<<8 | imm, true
		}
	}
	return 0, false
}

func dpImm(cond Cond, op uint32, s bool, rn, rd Reg, v uint32) uint32 {
	imm, ok := EncodeImm(v)
	if !ok {
		panic(fmt.Sprintf("arm: immediate %#x is not encodable", v))
	}
	insn := uint32(cond)<<28 | 1<<25 | op<<21 | uint32(rn)<<16 | uint32(rd)<<12 | imm
	if s {
		insn |= 1 << 20
	}
	return insn
}

func dpReg(cond Cond, op uint32, s bool, rn, rd, rm Reg) uint32 {
	insn := uint32(cond)<<28 | op<<21 | uint32(rn)<<16 | uint32(rd)<<12 | uint32(rm)
	if s {
		insn |= 1 << 20
	}
	return insn
}

func MovImm(rd Reg, v uint32) uint32     { return dpImm(AL, OpMOV, false, 0, rd, v) }
func MvnImm(rd Reg, v uint32) uint32     { return dpImm(AL, OpMVN, false, 0, rd, v) }
func MovReg(rd, rm Reg) uint32           { return dpReg(AL, OpMOV, false, 0, rd, rm) }
func AddImm(rd, rn Reg, v uint32) uint32 { return dpImm(AL, OpADD, false, rn, rd, v) }
func SubImm(rd, rn Reg, v uint32) uint32 { return dpImm(AL, OpSUB, false, rn, rd, v) }
func AddReg(rd, rn, rm Reg) uint32       { return dpReg(AL, OpADD, false, rn, rd, rm) }
func SubReg(rd, rn, rm Reg) uint32       { return dpReg(AL, OpSUB, false, rn, rd, rm) }
func CmpImm(rn Reg, v uint32) uint32     { return dpImm(AL, OpCMP, true, rn, 0, v) }
func CmpReg(rn, rm Reg) uint32           { return dpReg(AL, OpCMP, true, rn, 0, rm) }

// Cond rewrites the condition field of an AL instruction.
func (c Cond) Apply(insn uint32) uint32 {
	return insn&0x0fffffff | uint32(c)<<28
}

// MovW loads a 16-bit immediate, clearing the top half.
func MovW(rd Reg, v uint16) uint32 {
	return 0xe3000000 | uint32(v>>12)<<16 | uint32(rd)<<12 | uint32(v&0xfff)
}

// MovT loads a 16-bit immediate into the top half.
func MovT(rd Reg, v uint16) uint32 {
	return 0xe3400000 | uint32(v>>12)<<16 | uint32(rd)<<12 | uint32(v&0xfff)
}

// Mov32 loads an arbitrary 32-bit constant with movw/movt.
func Mov32(rd Reg, v uint32) []uint32 {
	return []uint32{MovW(rd, uint16(v)), MovT(rd, uint16(v>>16))}
}

func Mul(rd, rm, rs Reg) uint32 {
	return 0xe0000090 | uint32(rd)<<16 | uint32(rs)<<8 | uint32(rm)
}

func ldst(load, byteSize bool, rt, rn Reg, off int32) uint32 {
	insn := uint32(0xe5000000) | uint32(rn)<<16 | uint32(rt)<<12
	if load {
		insn |= 1 << 20
	}
	if byteSize {
		insn |= 1 << 22
	}
	if off >= 0 {
		insn |= 1 << 23
	} else {
		off = -off
	}
	if off > 0xfff {
		panic(fmt.Sprintf("arm: offset %d out of range", off))
	}
	return insn | uint32(off)
}

// LdrImm is ldr rt, [rn, #off].
func LdrImm(rt, rn Reg, off int32) uint32 { return ldst(true, false, rt, rn, off) }

// StrImm is str rt, [rn, #off].
func StrImm(rt, rn Reg, off int32) uint32 { return ldst(false, false, rt, rn, off) }

func LdrbImm(rt, rn Reg, off int32) uint32 { return ldst(true, true, rt, rn, off) }
func StrbImm(rt, rn Reg, off int32) uint32 { return ldst(false, true, rt, rn, off) }

// LdrLit is ldr rt, [pc, #off]; off is relative to the instruction + 8.
func LdrLit(rt Reg, off int32) uint32 { return ldst(true, false, rt, PC, off) }

func regList(regs []Reg) uint32 {
	var list uint32
	for _, r := range regs {
		list |= 1 << r
	}
	return list
}

// Push is stmdb sp!, {regs}.
func Push(regs ...Reg) uint32 { return 0xe92d0000 | regList(regs) }

// Pop is ldmia sp!, {regs}.
func Pop(regs ...Reg) uint32 { return 0xe8bd0000 | regList(regs) }

func branch(link bool, from, to uint32) uint32 {
	off := int32(to-(from+8)) >> 2
	if off < -(1<<23) || off >= 1<<23 {
		panic(fmt.Sprintf("arm: branch from %#x to %#x out of range", from, to))
	}
	insn := uint32(0xea000000) | uint32(off)&0xffffff
	if link {
		insn |= 1 << 24
	}
	return insn
}

// B encodes a branch at address from to address to.
func B(from, to uint32) uint32 { return branch(false, from, to) }

// Bl encodes a branch with link at address from to address to.
func Bl(from, to uint32) uint32 { return branch(true, from, to) }

func Bx(rm Reg) uint32  { return 0xe12fff10 | uint32(rm) }
func Blx(rm Reg) uint32 { return 0xe12fff30 | uint32(rm) }

// Svc encodes svc #imm; imm must fit in 24 bits.
func Svc(imm uint32) uint32 {
	if imm&0xff000000 != 0 {
		panic(fmt.Sprintf("arm: svc immediate %#x out of range", imm))
	}
	return 0xef000000 | imm
}

// ThumbSvc encodes the 16-bit Thumb svc.
func ThumbSvc(imm uint8) uint16 { return 0xdf00 | uint16(imm) }

func Udf(imm uint16) uint32 {
	return 0xe7f000f0 | uint32(imm>>4)<<8 | uint32(imm&0xf)
}

func Bkpt(imm uint16) uint32 {
	return 0xe1200070 | uint32(imm>>4)<<8 | uint32(imm&0xf)
}

// ThumbBkpt encodes the 16-bit Thumb bkpt.
func ThumbBkpt(imm uint8) uint16 { return 0xbe00 | uint16(imm) }

// Assemble lays out instructions little-endian.
func Assemble(insns ...uint32) []byte {
	out := make([]byte, 4*len(insns))
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(out[4*i:], insn)
	}
	return out
}

// Program is a small assembler buffer that tracks the current address so
// branches can be encoded relative to it.
type Program struct {
	Base   uint32
	insns  []uint32
	labels map[string]uint32
	fixups []fixup
}

type fixup struct {
	at    int
	label string
	link  bool
	cond  Cond
}

func NewProgram(base uint32) *Program {
	return &Program{Base: base, labels: make(map[string]uint32)}
}

// PC returns the address of the next emitted instruction.
func (p *Program) PC() uint32 { return p.Base + uint32(4*len(p.insns)) }

func (p *Program) Emit(insns ...uint32) *Program {
	p.insns = append(p.insns, insns...)
	return p
}

// Label binds name to the current address.
func (p *Program) Label(name string) *Program {
	p.labels[name] = p.PC()
	return p
}

// B emits a branch to a label, resolved by Bytes.
func (p *Program) B(label string) *Program { return p.BCond(AL, label) }

// BCond emits a conditional branch to a label.
func (p *Program) BCond(c Cond, label string) *Program {
	p.fixups = append(p.fixups, fixup{at: len(p.insns), label: label, cond: c})
	return p.Emit(0)
}

// Bl emits a branch with link to a label.
func (p *Program) Bl(label string) *Program {
	p.fixups = append(p.fixups, fixup{at: len(p.insns), label: label, link: true, cond: AL})
	return p.Emit(0)
}

// Bytes resolves label references and returns the encoded program.
func (p *Program) Bytes() ([]byte, error) {
	for _, f := range p.fixups {
		to, ok := p.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("arm: undefined label %q", f.label)
		}
		from := p.Base + uint32(4*f.at)
		p.insns[f.at] = f.cond.Apply(branch(f.link, from, to))
	}
	return Assemble(p.insns...), nil
}

// Len returns the size of the program in bytes.
func (p *Program) Len() uint32 { return uint32(4 * len(p.insns)) }
