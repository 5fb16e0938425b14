package memory

import "fmt"

// Access is the kind of memory access that faulted.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
	accessPoke
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	case accessPoke:
		return "poke"
	default:
		return "access"
	}
}

func (a Access) needs() Perm {
	switch a {
	case AccessWrite:
		return PermWrite
	case AccessExec:
		return PermExec
	case accessPoke:
		return PermNone
	default:
		return PermRead
	}
}

// FaultKind classifies a failed access.
type FaultKind uint8

const (
	FaultUnmapped FaultKind = iota + 1
	FaultProt
	FaultNull
	FaultWrap
	FaultUnterminated
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnmapped:
		return "out of bounds"
	case FaultProt:
		return "permission denied"
	case FaultNull:
		return "null page"
	case FaultWrap:
		return "address wraparound"
	case FaultUnterminated:
		return "unterminated string"
	default:
		return "memory fault"
	}
}

// Fault is returned by every checked accessor when an access touches guest
// memory that is not mapped with a compatible permission.
type Fault struct {
	Kind   FaultKind
	Access Access
	Addr   Addr
	Size   uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory fault: %s %s of %d bytes at %s", f.Kind, f.Access, f.Size, f.Addr)
}

func fault(kind FaultKind, acc Access, addr Addr, size uint32) *Fault {
	return &Fault{Kind: kind, Access: acc, Addr: addr, Size: size}
}
