package memory

import (
	"fmt"

	"github.com/blacktop/go-macho/types"
)

// Guest address space layout.
const (
	PageSize     = 0x1000
	NullPageSize = 0x1000

	MainStackSize      = 1024 * 1024
	MainStackBase Addr = 0xFFF00000 // low end; the stack grows down from 2^32
	SecondaryStackSize = 512 * 1024

	HeapSearchBase  Addr = 0x30000000
	HeapArenaSize        = 1024 * 1024
	StackSearchBase Addr = 0xD0000000

	TrampolineBase Addr = 0xE0000000
	TrampolineSize      = 0x100000
)

// Addr is a 32-bit guest address. It is never a host pointer.
type Addr uint32

// Add returns a+n and whether the sum stayed inside the 32-bit space.
func (a Addr) Add(n uint32) (Addr, bool) {
	sum := uint64(a) + uint64(n)
	if sum > 0xffffffff {
		return 0, false
	}
	return Addr(sum), true
}

// Sub returns a-n and whether the difference stayed non-negative.
func (a Addr) Sub(n uint32) (Addr, bool) {
	if uint32(a) < n {
		return 0, false
	}
	return a - Addr(n), true
}

// MustAdd is Add for offsets the caller already range checked.
func (a Addr) MustAdd(n uint32) Addr {
	sum, ok := a.Add(n)
	if !ok {
		panic(fmt.Sprintf("guest address overflow: %s + %#x", a, n))
	}
	return sum
}

func (a Addr) IsNull() bool { return a == 0 }

func (a Addr) String() string { return fmt.Sprintf("%#08x", uint32(a)) }

// Perm is a region permission set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
	PermRWX       = PermRead | PermWrite | PermExec
)

// PermFromProt converts a Mach-O vm_prot_t into a Perm.
func PermFromProt(prot uint32) Perm {
	p := types.VmProtection(prot)
	var perm Perm
	if p.Read() {
		perm |= PermRead
	}
	if p.Write() {
		perm |= PermWrite
	}
	if p.Execute() {
		perm |= PermExec
	}
	return perm
}

// Prot returns the vm_prot_t form of p.
func (p Perm) Prot() types.VmProtection {
	return types.VmProtection(p & PermRWX)
}

func (p Perm) String() string { return p.Prot().String() }

// Owner identifies who created a region.
type Owner uint8

const (
	OwnerReserved Owner = iota
	OwnerSegment
	OwnerHeap
	OwnerStack
	OwnerTrampoline
	OwnerHost
)

func (o Owner) String() string {
	switch o {
	case OwnerReserved:
		return "reserved"
	case OwnerSegment:
		return "segment"
	case OwnerHeap:
		return "heap"
	case OwnerStack:
		return "stack"
	case OwnerTrampoline:
		return "trampoline"
	case OwnerHost:
		return "host"
	default:
		return fmt.Sprintf("owner(%d)", o)
	}
}

// Align returns a page aligned addr/size covering [addr, addr+size).
func Align(addr, size uint64) (uint64, uint64) {
	const to = uint64(PageSize)
	mask := ^(to - 1)
	right := (addr + size + to - 1) & mask
	addr &= mask
	return addr, right - addr
}

// AlignUp rounds n up to a multiple of to (a power of two).
func AlignUp(n, to uint32) uint32 {
	return (n + to - 1) &^ (to - 1)
}
