package hle

import (
	"fmt"

	"github.com/blacktop/hle/pkg/memory"
	"github.com/hashicorp/go-version"
)

// Policy values.
const (
	UnimplementedAbort = "abort"
	UnimplementedNoop  = "noop"

	MemoryFaultProcess = "process"
	MemoryFaultContext = "context"

	DispatchNil   = "nil"
	DispatchAbort = "abort"

	FloatSoft = "soft"
	FloatHard = "hard"
)

// DefaultMaxOSVersion is the newest iOS release the frameworks claim to cover.
const DefaultMaxOSVersion = "7.1"

// Config selects the engine and the fault policies of an Env.
type Config struct {
	Engine        string
	Unimplemented string
	MemoryFault   string
	DispatchFault string
	MainStack     uint32
	ThreadStack   uint32
	Slice         uint64 // instructions per scheduling turn, 0 runs to yield
	FloatABI      string
	MaxOSVersion  string
}

// DefaultConfig returns the iOS defaults.
func DefaultConfig() Config {
	return Config{
		Engine:        "interp",
		Unimplemented: UnimplementedAbort,
		MemoryFault:   MemoryFaultProcess,
		DispatchFault: DispatchNil,
		MainStack:     memory.MainStackSize,
		ThreadStack:   memory.SecondaryStackSize,
		FloatABI:      FloatSoft,
		MaxOSVersion:  DefaultMaxOSVersion,
	}
}

// withDefaults fills zero fields from DefaultConfig and checks the policies.
func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()
	if c.Engine == "" {
		c.Engine = def.Engine
	}
	if c.Unimplemented == "" {
		c.Unimplemented = def.Unimplemented
	}
	if c.MemoryFault == "" {
		c.MemoryFault = def.MemoryFault
	}
	if c.DispatchFault == "" {
		c.DispatchFault = def.DispatchFault
	}
	if c.MainStack == 0 {
		c.MainStack = def.MainStack
	}
	if c.ThreadStack == 0 {
		c.ThreadStack = def.ThreadStack
	}
	if c.FloatABI == "" {
		c.FloatABI = def.FloatABI
	}
	if c.MaxOSVersion == "" {
		c.MaxOSVersion = def.MaxOSVersion
	}
	for _, p := range []struct {
		key, val string
		allowed  []string
	}{
		{"unimplemented", c.Unimplemented, []string{UnimplementedAbort, UnimplementedNoop}},
		{"memory_fault", c.MemoryFault, []string{MemoryFaultProcess, MemoryFaultContext}},
		{"dispatch_fault", c.DispatchFault, []string{DispatchNil, DispatchAbort}},
		{"float_abi", c.FloatABI, []string{FloatSoft, FloatHard}},
	} {
		ok := false
		for _, a := range p.allowed {
			ok = ok || p.val == a
		}
		if !ok {
			return c, fmt.Errorf("invalid %s policy %q (expected one of %v)", p.key, p.val, p.allowed)
		}
	}
	if _, err := version.NewVersion(c.MaxOSVersion); err != nil {
		return c, fmt.Errorf("invalid max_os_version %q: %v", c.MaxOSVersion, err)
	}
	return c, nil
}
