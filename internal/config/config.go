// Package config is used to load the configuration file
package config

import (
	"fmt"
	"reflect"

	"github.com/blacktop/hle/pkg/hle"
	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

type stack struct {
	Main      Size `mapstructure:"main" json:"main"`
	Secondary Size `mapstructure:"secondary" json:"secondary"`
}

type scheduler struct {
	Slice uint64 `mapstructure:"slice" json:"slice"`
}

// Config is the configuration struct
type Config struct {
	Engine        string    `mapstructure:"engine" json:"engine"`
	Unimplemented string    `mapstructure:"unimplemented" json:"unimplemented"`
	MemoryFault   string    `mapstructure:"memory_fault" json:"memory_fault"`
	DispatchFault string    `mapstructure:"dispatch_fault" json:"dispatch_fault"`
	Stack         stack     `mapstructure:"stack" json:"stack"`
	Scheduler     scheduler `mapstructure:"scheduler" json:"scheduler"`
	FloatABI      string    `mapstructure:"float_abi" json:"float_abi"`
	MaxOSVersion  string    `mapstructure:"max_os_version" json:"max_os_version"`
	Frameworks    []string  `mapstructure:"frameworks" json:"frameworks"`
}

// Size is a byte count written either as a number or as a human readable
// string such as "512KiB".
type Size uint32

func (s Size) String() string { return humanize.IBytes(uint64(s)) }

// ParseSize parses a byte count. Sizes must fit in 32 bits.
func ParseSize(v any) (Size, error) {
	var n uint64
	if str, ok := v.(string); ok {
		var err error
		if n, err = humanize.ParseBytes(str); err != nil {
			return 0, fmt.Errorf("invalid size %q: %v", str, err)
		}
	} else {
		var err error
		if n, err = cast.ToUint64E(v); err != nil {
			return 0, fmt.Errorf("invalid size %v: %v", v, err)
		}
	}
	if n > 1<<32-1 {
		return 0, fmt.Errorf("size %s does not fit in the 32-bit address space", humanize.IBytes(n))
	}
	return Size(n), nil
}

func sizeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Size(0)) {
		return data, nil
	}
	return ParseSize(data)
}

// SetDefaults registers the defaults of every key with v.
func SetDefaults(v *viper.Viper) {
	def := hle.DefaultConfig()
	v.SetDefault("engine", def.Engine)
	v.SetDefault("unimplemented", def.Unimplemented)
	v.SetDefault("memory_fault", def.MemoryFault)
	v.SetDefault("dispatch_fault", def.DispatchFault)
	v.SetDefault("stack.main", humanize.IBytes(uint64(def.MainStack)))
	v.SetDefault("stack.secondary", humanize.IBytes(uint64(def.ThreadStack)))
	v.SetDefault("scheduler.slice", def.Slice)
	v.SetDefault("float_abi", def.FloatABI)
	v.SetDefault("max_os_version", def.MaxOSVersion)
}

func (c *Config) verify() error {
	if c.Engine != "interp" && c.Engine != "unicorn" {
		return fmt.Errorf("config: unknown engine %q (expected interp or unicorn)", c.Engine)
	}
	if c.Stack.Main == 0 || c.Stack.Secondary == 0 {
		return fmt.Errorf("config: stack sizes must be non-zero")
	}
	if c.Stack.Main%4096 != 0 || c.Stack.Secondary%4096 != 0 {
		return fmt.Errorf("config: stack sizes must be page aligned (main %s, secondary %s)", c.Stack.Main, c.Stack.Secondary)
	}
	// the remaining policies are checked by hle.New
	return nil
}

// HLE converts c to the core's configuration.
func (c *Config) HLE() hle.Config {
	return hle.Config{
		Engine:        c.Engine,
		Unimplemented: c.Unimplemented,
		MemoryFault:   c.MemoryFault,
		DispatchFault: c.DispatchFault,
		MainStack:     uint32(c.Stack.Main),
		ThreadStack:   uint32(c.Stack.Secondary),
		Slice:         c.Scheduler.Slice,
		FloatABI:      c.FloatABI,
		MaxOSVersion:  c.MaxOSVersion,
	}
}

// Load unmarshals and verifies the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c *Config

	if err := v.Unmarshal(&c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		sizeHook,
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = new(Config)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}
