package config

import (
	"reflect"
	"strings"
	"testing"

	"github.com/blacktop/hle/pkg/hle"
	"github.com/spf13/viper"
)

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	c, err := load(t, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := c.HLE(), hle.DefaultConfig(); !reflect.DeepEqual(got, want) {
		t.Errorf("HLE() = %+v, want %+v", got, want)
	}
}

func TestLoad(t *testing.T) {
	c, err := load(t, `
engine: unicorn
unimplemented: noop
memory_fault: context
stack:
  main: 2MiB
  secondary: 65536
scheduler:
  slice: 10000
frameworks: [libc, Foundation]
`)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := c.HLE()
	if got.Engine != "unicorn" || got.Unimplemented != hle.UnimplementedNoop || got.MemoryFault != hle.MemoryFaultContext {
		t.Errorf("policies = %+v", got)
	}
	if got.MainStack != 2<<20 || got.ThreadStack != 64<<10 {
		t.Errorf("stacks = %#x %#x, want 2MiB and 64KiB", got.MainStack, got.ThreadStack)
	}
	if got.Slice != 10000 {
		t.Errorf("slice = %d, want 10000", got.Slice)
	}
	if !reflect.DeepEqual(c.Frameworks, []string{"libc", "Foundation"}) {
		t.Errorf("frameworks = %v", c.Frameworks)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"engine", "engine: qemu"},
		{"size", "stack:\n  main: lots"},
		{"unaligned", "stack:\n  main: 1000"},
		{"too big", "stack:\n  secondary: 8GiB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(t, tt.yaml); err == nil {
				t.Errorf("Load(%q) succeeded", tt.yaml)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      any
		want    Size
		wantErr bool
	}{
		{"512KiB", 512 << 10, false},
		{"1 MB", 1000000, false},
		{4096, 4096, false},
		{"4GiB", 0, true},
		{-1, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSize(%v) = %d, %v; want %d, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
