// Package utils holds small formatting helpers shared by the core and the CLI.
package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/blacktop/hle/internal/colors"
)

var colorFaint = colors.FaintHiBlue().SprintFunc()
var colorOffset = colors.ItalicFaintWhite().SprintfFunc()

var zeroRun = regexp.MustCompile(`\s(00\s)+`)

func colorZeros(line string) string {
	if !colors.Enabled() {
		return line
	}
	return zeroRun.ReplaceAllStringFunc(line, func(s string) string { return colorFaint(s) })
}

func toChar(b byte) byte {
	if b < 32 || b > 126 {
		return '.'
	}
	return b
}

// HexDump formats data the way `hexdump -C` does, labelling each line with
// its guest address starting at vaddr. Partial lines are padded so the ASCII
// column stays aligned.
func HexDump(data []byte, vaddr uint32) string {
	var out strings.Builder
	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]
		var hex, ascii strings.Builder
		for i := range 16 {
			if i == 8 {
				hex.WriteByte(' ')
			}
			if i < len(line) {
				fmt.Fprintf(&hex, "%02x ", line[i])
				ascii.WriteByte(toChar(line[i]))
			} else {
				hex.WriteString("   ")
			}
		}
		out.WriteString(colorOffset("%08x", vaddr+uint32(off)))
		out.WriteString("  ")
		out.WriteString(colorZeros(hex.String()))
		fmt.Fprintf(&out, " |%s|\n", ascii.String())
	}
	return out.String()
}
