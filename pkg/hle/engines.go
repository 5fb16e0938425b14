package hle

// the pure Go interpreter is always available
import _ "github.com/blacktop/hle/pkg/emu/interp"
