package libc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/memory"
)

// Format expands a C printf format string, taking the arguments from va.
// Supported conversions are d i u o x X c s p f F e E g G and %%, with
// flags, width, precision (including *) and the h, l, ll, q, j, z and t
// length modifiers.
func Format(mem *memory.Memory, format string, va *abi.VarArgs) (string, error) {
	return FormatObjects(mem, format, va, nil)
}

// FormatObjects is Format with %@ conversions, which print the object
// argument with describe.
func FormatObjects(mem *memory.Memory, format string, va *abi.VarArgs, describe func(obj memory.Addr) (string, error)) (string, error) {
	var out strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			out.WriteByte(format[i])
			continue
		}
		start := i
		i++
		spec := []byte{'%'}
		for i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0 {
			spec = append(spec, format[i])
			i++
		}
		var err error
		if spec, i, err = number(spec, format, i, va); err != nil {
			return out.String(), err
		}
		if i < len(format) && format[i] == '.' {
			spec = append(spec, '.')
			if spec, i, err = number(spec, format, i+1, va); err != nil {
				return out.String(), err
			}
		}
		var long, short int
		for i < len(format) && strings.IndexByte("hlqjzt", format[i]) >= 0 {
			switch format[i] {
			case 'l', 'q':
				long++
			case 'h':
				short++
			}
			i++
		}
		if i >= len(format) {
			out.WriteString(format[start:])
			break
		}
		if !supported(format[i], describe != nil) {
			out.WriteString(format[start : i+1])
			continue
		}
		s, err := convert(mem, string(spec), format[i], long, short, va, describe)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(s)
	}
	return out.String(), nil
}

// number copies a width or precision into spec, reading it from va for *.
func number(spec []byte, format string, i int, va *abi.VarArgs) ([]byte, int, error) {
	if i < len(format) && format[i] == '*' {
		n, err := va.Int()
		if err != nil {
			return spec, i, err
		}
		if n < 0 && spec[len(spec)-1] != '.' {
			spec = append(spec, '-')
			n = -n
		}
		if n < 0 {
			n = 0
		}
		return strconv.AppendInt(spec, int64(n), 10), i + 1, nil
	}
	for i < len(format) && format[i] >= '0' && format[i] <= '9' {
		spec = append(spec, format[i])
		i++
	}
	return spec, i, nil
}

func supported(verb byte, objects bool) bool {
	return strings.IndexByte("%diuoxXcspfFeEgG", verb) >= 0 || verb == '@' && objects
}

// convert formats one argument. short counts h modifiers: h narrows to 16
// bits, hh to 8.
func convert(mem *memory.Memory, spec string, verb byte, long, short int, va *abi.VarArgs, describe func(memory.Addr) (string, error)) (string, error) {
	switch verb {
	case '@':
		obj, err := va.Ptr()
		if err != nil {
			return "", err
		}
		s, err := describe(obj)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(spec+"s", s), nil
	case '%':
		return "%", nil
	case 'd', 'i':
		if long >= 2 {
			v, err := va.Long()
			return fmt.Sprintf(spec+"d", int64(v)), err
		}
		v, err := va.Int()
		switch {
		case short == 1:
			v = int32(int16(v))
		case short >= 2:
			v = int32(int8(v))
		}
		return fmt.Sprintf(spec+"d", v), err
	case 'u', 'o', 'x', 'X':
		gv := map[byte]byte{'u': 'd', 'o': 'o', 'x': 'x', 'X': 'X'}[verb]
		if long >= 2 {
			v, err := va.Long()
			return fmt.Sprintf(hexZero(spec, verb, v == 0)+string(gv), v), err
		}
		v, err := va.Word()
		switch {
		case short == 1:
			v = uint32(uint16(v))
		case short >= 2:
			v = uint32(uint8(v))
		}
		return fmt.Sprintf(hexZero(spec, verb, v == 0)+string(gv), v), err
	case 'c':
		v, err := va.Word()
		return fmt.Sprintf(spec+"c", rune(byte(v))), err
	case 's':
		p, err := va.Ptr()
		if err != nil {
			return "", err
		}
		if p == 0 {
			return fmt.Sprintf(spec+"s", "(null)"), nil
		}
		s, err := mem.CString(p, 0)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(spec+"s", s), nil
	case 'p':
		p, err := va.Ptr()
		return fmt.Sprintf(spec+"#x", uint32(p)), err
	case 'f', 'F', 'e', 'E', 'g', 'G':
		v, err := va.Double()
		return fmt.Sprintf(spec+string(verb), v), err
	}
	return "", nil
}

// hexZero drops the # flag for a zero %x, which C prints without 0x.
func hexZero(spec string, verb byte, zero bool) string {
	if zero && (verb == 'x' || verb == 'X') {
		return strings.ReplaceAll(spec, "#", "")
	}
	return spec
}
