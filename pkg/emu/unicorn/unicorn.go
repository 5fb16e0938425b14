//go:build unicorn

// Package unicorn runs guest code on the unicorn engine.
package unicorn

import (
	"fmt"
	"unsafe"

	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

func init() {
	emu.RegisterEngine("unicorn", func() (emu.Engine, error) { return New() })
}

// Engine wraps a unicorn ARM instance. Guest regions are mapped with
// MemMapPtr over the backing owned by memory.Memory.
type Engine struct {
	mu     uc.Unicorn
	onIntr emu.InterruptFunc
	onMem  emu.MemFaultFunc
}

var _ emu.Engine = (*Engine)(nil)

func New() (*Engine, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("failed to create unicorn emulator: %v", err)
	}
	if err := mu.SetCPUModel(uc.CPU_ARM_CORTEX_A15); err != nil {
		return nil, fmt.Errorf("failed to set cpu model: %v", err)
	}
	// enable VFP
	if err := mu.RegWrite(uc.ARM_REG_FPEXC, 0x40000000); err != nil {
		return nil, fmt.Errorf("failed to enable vfp: %v", err)
	}
	e := &Engine{mu: mu}
	if _, err := mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		pc, _ := mu.RegRead(uc.ARM_REG_PC)
		if e.onIntr != nil {
			e.onIntr(emu.Interrupt(intno), uint32(pc))
		}
	}, 1, 0); err != nil {
		return nil, fmt.Errorf("failed to register interrupt hook: %v", err)
	}
	if _, err := mu.HookAdd(uc.HOOK_MEM_READ_INVALID|uc.HOOK_MEM_WRITE_INVALID|uc.HOOK_MEM_FETCH_INVALID,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			if e.onMem == nil {
				return false
			}
			acc := memory.AccessRead
			switch access {
			case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
				acc = memory.AccessWrite
			case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
				acc = memory.AccessExec
			}
			return e.onMem(acc, uint32(addr), size)
		}, 1, 0); err != nil {
		return nil, fmt.Errorf("failed to register invalid memory hook: %v", err)
	}
	return e, nil
}

func ucReg(reg emu.Reg) (int, error) {
	switch {
	case reg >= emu.R0 && reg <= emu.R12:
		return uc.ARM_REG_R0 + int(reg-emu.R0), nil
	case reg == emu.SP:
		return uc.ARM_REG_SP, nil
	case reg == emu.LR:
		return uc.ARM_REG_LR, nil
	case reg == emu.PC:
		return uc.ARM_REG_PC, nil
	case reg == emu.CPSR:
		return uc.ARM_REG_CPSR, nil
	case reg == emu.FPSCR:
		return uc.ARM_REG_FPSCR, nil
	case reg == emu.TPIDRURO:
		return uc.ARM_REG_C13_C0_3, nil
	case reg >= emu.D0 && reg < emu.D(emu.NumD):
		return uc.ARM_REG_D0 + int(reg-emu.D0), nil
	}
	return 0, fmt.Errorf("unknown register %d", reg)
}

func prot(p memory.Perm) int {
	var out int
	if p&memory.PermRead != 0 {
		out |= uc.PROT_READ
	}
	if p&memory.PermWrite != 0 {
		out |= uc.PROT_WRITE
	}
	if p&memory.PermExec != 0 {
		out |= uc.PROT_EXEC
	}
	return out
}

func (e *Engine) RegionMapped(r *memory.Region) error {
	data := r.Data()
	return e.mu.MemMapPtr(uint64(r.Base), uint64(r.Size), prot(r.Perm), unsafe.Pointer(&data[0]))
}

func (e *Engine) RegionUnmapped(r *memory.Region) error {
	return e.mu.MemUnmap(uint64(r.Base), uint64(r.Size))
}

func (e *Engine) RegionProtected(r *memory.Region) error {
	return e.mu.MemProtect(uint64(r.Base), uint64(r.Size), prot(r.Perm))
}

func (e *Engine) RegRead(reg emu.Reg) (uint64, error) {
	r, err := ucReg(reg)
	if err != nil {
		return 0, err
	}
	return e.mu.RegRead(r)
}

func (e *Engine) RegWrite(reg emu.Reg, val uint64) error {
	r, err := ucReg(reg)
	if err != nil {
		return err
	}
	return e.mu.RegWrite(r, val)
}

func (e *Engine) Start(begin uint32, count uint64) error {
	return e.mu.StartWithOptions(uint64(begin), 0, &uc.UcOptions{Count: count})
}

func (e *Engine) Stop() error { return e.mu.Stop() }

func (e *Engine) HookTrap(begin, end uint32, fn emu.TrapFunc) error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		fn(uint32(addr))
	}, uint64(begin), uint64(end-1))
	return err
}

func (e *Engine) HookInterrupt(fn emu.InterruptFunc) error {
	e.onIntr = fn
	return nil
}

func (e *Engine) HookMemFault(fn emu.MemFaultFunc) error {
	e.onMem = fn
	return nil
}

// InvalidateCache rewrites the range through unicorn so translated blocks
// covering it are discarded.
func (e *Engine) InvalidateCache(addr, size uint32) error {
	data, err := e.mu.MemRead(uint64(addr), uint64(size))
	if err != nil {
		return fmt.Errorf("failed to read %#x: %v", addr, err)
	}
	return e.mu.MemWrite(uint64(addr), data)
}

func (e *Engine) Close() error { return e.mu.Close() }
