package memory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ReadBytes copies size bytes starting at addr.
func (m *Memory) ReadBytes(addr Addr, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	if err := m.span(addr, size, AccessRead, func(b []byte) { out = append(out, b...) }); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteBytes copies data to addr.
func (m *Memory) WriteBytes(addr Addr, data []byte) error {
	return m.writeBytes(addr, data, AccessWrite)
}

// Poke writes data ignoring region permissions. The loader uses it to patch
// read-only segments; reserved regions still fault.
func (m *Memory) Poke(addr Addr, data []byte) error {
	return m.writeBytes(addr, data, accessPoke)
}

func (m *Memory) writeBytes(addr Addr, data []byte, acc Access) error {
	return m.span(addr, uint32(len(data)), acc, func(b []byte) { data = data[copy(b, data):] })
}

// Fetch reads size bytes for instruction fetch; the region must be executable.
func (m *Memory) Fetch(addr Addr, size uint32) ([]byte, error) {
	out := make([]byte, 0, size)
	if err := m.span(addr, size, AccessExec, func(b []byte) { out = append(out, b...) }); err != nil {
		return nil, err
	}
	return out, nil
}

// View passes fn a host slice aliasing [addr, addr+size). The slice is only
// valid for the duration of fn and the range must lie in one region.
func (m *Memory) View(addr Addr, size uint32, acc Access, fn func(b []byte) error) error {
	var chunks [][]byte
	if err := m.span(addr, size, acc, func(b []byte) { chunks = append(chunks, b) }); err != nil {
		return err
	}
	switch len(chunks) {
	case 0:
		return fn(nil)
	case 1:
		return fn(chunks[0])
	default:
		return fmt.Errorf("failed to view %s+%#x: range spans %d regions", addr, size, len(chunks))
	}
}

func (m *Memory) read(addr Addr, n uint32) ([]byte, error) {
	var buf [8]byte
	i := 0
	if err := m.span(addr, n, AccessRead, func(b []byte) { i += copy(buf[i:], b) }); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (m *Memory) Read8(addr Addr) (uint8, error) {
	b, err := m.read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Memory) Read16(addr Addr) (uint16, error) {
	b, err := m.read(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Memory) Read32(addr Addr) (uint32, error) {
	b, err := m.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) Read64(addr Addr) (uint64, error) {
	b, err := m.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadPtr reads a guest pointer.
func (m *Memory) ReadPtr(addr Addr) (Addr, error) {
	v, err := m.Read32(addr)
	return Addr(v), err
}

func (m *Memory) ReadF32(addr Addr) (float32, error) {
	v, err := m.Read32(addr)
	return math.Float32frombits(v), err
}

func (m *Memory) ReadF64(addr Addr) (float64, error) {
	v, err := m.Read64(addr)
	return math.Float64frombits(v), err
}

func (m *Memory) Write8(addr Addr, v uint8) error {
	return m.WriteBytes(addr, []byte{v})
}

func (m *Memory) Write16(addr Addr, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return m.WriteBytes(addr, b[:])
}

func (m *Memory) Write32(addr Addr, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WriteBytes(addr, b[:])
}

func (m *Memory) Write64(addr Addr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.WriteBytes(addr, b[:])
}

// WritePtr writes a guest pointer.
func (m *Memory) WritePtr(addr Addr, ptr Addr) error {
	return m.Write32(addr, uint32(ptr))
}

// PokePtr writes a guest pointer ignoring permissions.
func (m *Memory) PokePtr(addr Addr, ptr Addr) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(ptr))
	return m.Poke(addr, b[:])
}

func (m *Memory) WriteF32(addr Addr, v float32) error {
	return m.Write32(addr, math.Float32bits(v))
}

func (m *Memory) WriteF64(addr Addr, v float64) error {
	return m.Write64(addr, math.Float64bits(v))
}

// ReadStruct decodes a fixed-size value (see encoding/binary) at addr.
func (m *Memory) ReadStruct(addr Addr, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("failed to read %T: not a fixed-size value", v)
	}
	dat, err := m.ReadBytes(addr, uint32(size))
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(dat), binary.LittleEndian, v)
}

// WriteStruct encodes a fixed-size value at addr.
func (m *Memory) WriteStruct(addr Addr, v any) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("failed to encode %T: %v", v, err)
	}
	return m.WriteBytes(addr, buf.Bytes())
}

// CString reads a NUL terminated string of at most max bytes (excluding the
// terminator). max == 0 means the rest of the address space.
func (m *Memory) CString(addr Addr, max uint32) (string, error) {
	if addr < NullPageSize {
		return "", fault(FaultNull, AccessRead, addr, 1)
	}
	var out []byte
	cur := addr
	for {
		r := m.regionAt(cur)
		if r == nil || !r.Backed() || r.Perm&PermRead == 0 {
			return "", fault(FaultUnterminated, AccessRead, addr, uint32(len(out)))
		}
		chunk := r.data[cur-r.Base:]
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			out = append(out, chunk[:i]...)
			break
		}
		out = append(out, chunk...)
		if r.End() >= 1<<32 {
			return "", fault(FaultUnterminated, AccessRead, addr, uint32(len(out)))
		}
		cur = Addr(r.End())
		if max != 0 && uint32(len(out)) > max {
			break
		}
	}
	if max != 0 && uint32(len(out)) > max {
		return "", fault(FaultUnterminated, AccessRead, addr, max)
	}
	return string(out), nil
}

// WriteCString writes s followed by a NUL terminator.
func (m *Memory) WriteCString(addr Addr, s string) error {
	return m.WriteBytes(addr, append([]byte(s), 0))
}

// Copy moves size bytes from src to dst. Overlapping ranges are handled like
// memmove.
func (m *Memory) Copy(dst, src Addr, size uint32) error {
	dat, err := m.ReadBytes(src, size)
	if err != nil {
		return err
	}
	return m.WriteBytes(dst, dat)
}

// Fill sets size bytes at addr to v.
func (m *Memory) Fill(addr Addr, v byte, size uint32) error {
	return m.span(addr, size, AccessWrite, func(b []byte) {
		for i := range b {
			b[i] = v
		}
	})
}

// Zero clears size bytes at addr.
func (m *Memory) Zero(addr Addr, size uint32) error {
	return m.span(addr, size, AccessWrite, func(b []byte) { clear(b) })
}
