package emu

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/blacktop/hle/pkg/memory"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Field is one typed value in a state file argument.
type Field struct {
	Name  string `yaml:"name,omitempty"`
	Type  string `yaml:"type"`
	Value any    `yaml:"value"`
}

type stack struct {
	Addr       uint64 `yaml:"addr"`
	DataBase64 string `yaml:"data_base64,omitempty"`
}

// State is a YAML description of registers, stack contents and call
// arguments. An argument with one field is passed by value; an argument with
// several fields is packed into a heap struct and passed by pointer.
type State struct {
	Args      [][]Field      `yaml:"args,omitempty"`
	Stack     stack          `yaml:"stack,omitempty"`
	Registers map[string]any `yaml:"registers,omitempty"`
}

func ParseState(name string) (*State, error) {
	var state State

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("error reading state file: %v", err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error unmarshalling state file: %v", err)
	}

	return &state, nil
}

func (state *State) YAML() ([]byte, error) {
	return yaml.Marshal(state)
}

// RegByName maps an assembler register name to a Reg.
func RegByName(name string) (Reg, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "ip":
		return R12, true
	case "fp":
		return R7, true
	case "sp":
		return SP, true
	case "lr":
		return LR, true
	case "pc":
		return PC, true
	case "cpsr":
		return CPSR, true
	case "fpscr":
		return FPSCR, true
	}
	if len(name) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil {
		return 0, false
	}
	switch name[0] {
	case 'r':
		if n >= 0 && n <= 15 {
			return R0 + Reg(n), true
		}
	case 'd':
		if n >= 0 && n < NumD {
			return D(n), true
		}
	}
	return 0, false
}

// SetState writes the state's stack data and registers.
func (b *Bridge) SetState(state *State) error {
	if state.Stack.DataBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(state.Stack.DataBase64)
		if err != nil {
			return fmt.Errorf("failed to decode stack data: %v", err)
		}
		if err := b.mem.WriteBytes(memory.Addr(state.Stack.Addr), data); err != nil {
			return fmt.Errorf("failed to write stack data to %#x: %v", state.Stack.Addr, err)
		}
	}
	for name, val := range state.Registers {
		reg, ok := RegByName(name)
		if !ok {
			return fmt.Errorf("unknown register %q", name)
		}
		v, err := cast.ToUint64E(val)
		if err != nil {
			return fmt.Errorf("failed to parse register %s value %v: %v", name, val, err)
		}
		if err := b.eng.RegWrite(reg, v); err != nil {
			return fmt.Errorf("failed to set register %s to %#x: %v", name, v, err)
		}
	}
	return nil
}

// Words marshals the state's arguments into 32-bit argument words. Strings,
// byte blobs and multi-field structs are allocated on the guest heap.
func (state *State) Words(mem *memory.Memory) ([]uint32, error) {
	var words []uint32
	for i, arg := range state.Args {
		switch len(arg) {
		case 0:
			return nil, fmt.Errorf("arg %d has no fields", i)
		case 1:
			w, err := fieldWords(mem, arg[0])
			if err != nil {
				return nil, fmt.Errorf("arg %d: %v", i, err)
			}
			words = append(words, w...)
		default:
			ptr, err := packStruct(mem, arg)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %v", i, err)
			}
			words = append(words, uint32(ptr))
		}
	}
	return words, nil
}

func fieldWords(mem *memory.Memory, f Field) ([]uint32, error) {
	switch strings.ToLower(f.Type) {
	case "string", "cstring":
		s, err := cast.ToStringE(f.Value)
		if err != nil {
			return nil, err
		}
		ptr, err := mem.AllocCString(s)
		if err != nil {
			return nil, err
		}
		return []uint32{uint32(ptr)}, nil
	case "bytes":
		s, err := cast.ToStringE(f.Value)
		if err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %v", f.Name, err)
		}
		ptr, err := mem.AllocAndWrite(data)
		if err != nil {
			return nil, err
		}
		return []uint32{uint32(ptr)}, nil
	}
	raw, size, err := fieldBytes(f)
	if err != nil {
		return nil, err
	}
	if size == 8 {
		v := binary.LittleEndian.Uint64(raw)
		return []uint32{uint32(v), uint32(v >> 32)}, nil
	}
	var buf [4]byte
	copy(buf[:], raw)
	return []uint32{binary.LittleEndian.Uint32(buf[:])}, nil
}

// fieldBytes encodes a scalar field little-endian.
func fieldBytes(f Field) ([]byte, int, error) {
	buf := make([]byte, 8)
	switch strings.ToLower(f.Type) {
	case "int8", "char":
		v, err := cast.ToInt8E(f.Value)
		buf[0] = byte(v)
		return buf[:1], 1, err
	case "uint8", "byte":
		v, err := cast.ToUint8E(f.Value)
		buf[0] = v
		return buf[:1], 1, err
	case "bool":
		v, err := cast.ToBoolE(f.Value)
		if v {
			buf[0] = 1
		}
		return buf[:1], 1, err
	case "int16", "short":
		v, err := cast.ToInt16E(f.Value)
		binary.LittleEndian.PutUint16(buf, uint16(v))
		return buf[:2], 2, err
	case "uint16":
		v, err := cast.ToUint16E(f.Value)
		binary.LittleEndian.PutUint16(buf, v)
		return buf[:2], 2, err
	case "int", "int32":
		v, err := cast.ToInt32E(f.Value)
		binary.LittleEndian.PutUint32(buf, uint32(v))
		return buf[:4], 4, err
	case "uint", "uint32", "ptr", "pointer":
		v, err := cast.ToUint32E(f.Value)
		binary.LittleEndian.PutUint32(buf, v)
		return buf[:4], 4, err
	case "float", "float32":
		v, err := cast.ToFloat32E(f.Value)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		return buf[:4], 4, err
	case "int64":
		v, err := cast.ToInt64E(f.Value)
		binary.LittleEndian.PutUint64(buf, uint64(v))
		return buf, 8, err
	case "uint64":
		v, err := cast.ToUint64E(f.Value)
		binary.LittleEndian.PutUint64(buf, v)
		return buf, 8, err
	case "double", "float64":
		v, err := cast.ToFloat64E(f.Value)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		return buf, 8, err
	default:
		return nil, 0, fmt.Errorf("unsupported field type %q", f.Type)
	}
}

// packStruct lays the fields out with natural alignment (8-byte values are
// 4-byte aligned, as in the iOS ARM ABI) and allocates the result.
func packStruct(mem *memory.Memory, fields []Field) (memory.Addr, error) {
	var out []byte
	for _, f := range fields {
		raw, size, err := fieldBytes(f)
		if err != nil {
			return 0, fmt.Errorf("field %s: %v", f.Name, err)
		}
		align := min(size, 4)
		for len(out)%align != 0 {
			out = append(out, 0)
		}
		out = append(out, raw...)
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return mem.AllocAndWrite(out)
}
