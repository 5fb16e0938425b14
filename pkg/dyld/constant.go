package dyld

import (
	"fmt"

	"github.com/blacktop/hle/pkg/memory"
)

// ConstantKind is how a host data symbol is materialized in guest memory.
type ConstantKind uint8

const (
	ConstNSString ConstantKind = iota
	ConstNullPtr
	ConstValue
	ConstCustom
)

func (k ConstantKind) String() string {
	switch k {
	case ConstNSString:
		return "NSString"
	case ConstNullPtr:
		return "NULL"
	case ConstValue:
		return "value"
	case ConstCustom:
		return "custom"
	default:
		return fmt.Sprintf("constant(%d)", k)
	}
}

// A Constant is a host-provided data symbol. The guest sees the address of
// a word that holds the constant's value.
type Constant struct {
	Kind   ConstantKind
	String string
	Value  uint32
	Custom func(mem *memory.Memory) (memory.Addr, error)
}

// NSString is a constant NSString object pointer.
func NSString(s string) Constant { return Constant{Kind: ConstNSString, String: s} }

// NullPtr is a pointer variable holding NULL.
func NullPtr() Constant { return Constant{Kind: ConstNullPtr} }

// Value is a 32-bit variable holding v.
func Value(v uint32) Constant { return Constant{Kind: ConstValue, Value: v} }

// Custom runs fn once to produce the symbol's address.
func Custom(fn func(mem *memory.Memory) (memory.Addr, error)) Constant {
	return Constant{Kind: ConstCustom, Custom: fn}
}

// materialize returns the symbol address of c.
func (l *Linker) materialize(name string, c Constant) (memory.Addr, error) {
	if addr, ok := l.constants[name]; ok {
		return addr, nil
	}
	var addr memory.Addr
	var err error
	switch c.Kind {
	case ConstCustom:
		if c.Custom == nil {
			return 0, fmt.Errorf("custom constant %s has no function", name)
		}
		addr, err = c.Custom(l.mem)
	case ConstNSString:
		var str memory.Addr
		if l.classes != nil {
			str, err = l.classes.NSString(c.String)
		} else {
			str, err = l.mem.AllocCString(c.String)
		}
		if err == nil {
			addr, err = l.cell(uint32(str))
		}
	case ConstNullPtr:
		addr, err = l.cell(0)
	case ConstValue:
		addr, err = l.cell(c.Value)
	default:
		return 0, fmt.Errorf("constant %s has unknown kind %s", name, c.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to materialize %s constant %s: %v", c.Kind, name, err)
	}
	l.constants[name] = addr
	return addr, nil
}

func (l *Linker) cell(v uint32) (memory.Addr, error) {
	addr, err := l.mem.Alloc(4)
	if err != nil {
		return 0, err
	}
	return addr, l.mem.Write32(addr, v)
}
