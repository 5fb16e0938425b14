package memory

import (
	"fmt"
	"io"

	"github.com/blacktop/hle/internal/colors"
	"github.com/dustin/go-humanize"
)

var colorHook = colors.FaintHiBlue().SprintFunc()
var colorDetails = colors.ItalicFaintWhite().SprintfFunc()

// Dump writes the region table to w.
func (m *Memory) Dump(w io.Writer) {
	for _, r := range m.regions {
		fmt.Fprint(w,
			colorHook("    begin: ")+colorDetails("%#09x", uint32(r.Base))+
				colorHook(", end: ")+colorDetails("%#09x", r.End())+
				colorHook(", prot: ")+colorDetails("%s", r.Perm)+
				colorHook(", size: ")+colorDetails("%-8s", humanize.IBytes(uint64(r.Size)))+
				colorHook(", owner: ")+colorDetails("%s %s\n", r.Owner, r.Tag),
		)
	}
}

// HeapStats reports live heap blocks and their total size.
func (m *Memory) HeapStats() (blocks int, bytes uint64) {
	for _, sz := range m.heap.live {
		blocks++
		bytes += uint64(sz)
	}
	return blocks, bytes
}
