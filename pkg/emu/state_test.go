package emu

import (
	"encoding/base64"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/blacktop/hle/pkg/memory"
)

const (
	textBase  = 0x10000
	stackBase = 0x70000
)

// fakeEngine replays a script from Start instead of executing code.
type fakeEngine struct {
	regs   map[Reg]uint64
	trap   TrapFunc
	intr   InterruptFunc
	memf   MemFaultFunc
	starts int
	run    func(e *fakeEngine, n int) error
}

func (e *fakeEngine) RegionMapped(*memory.Region) error    { return nil }
func (e *fakeEngine) RegionUnmapped(*memory.Region) error  { return nil }
func (e *fakeEngine) RegionProtected(*memory.Region) error { return nil }

func (e *fakeEngine) RegRead(reg Reg) (uint64, error)    { return e.regs[reg], nil }
func (e *fakeEngine) RegWrite(reg Reg, val uint64) error { e.regs[reg] = val; return nil }

func (e *fakeEngine) Start(begin uint32, count uint64) error {
	e.regs[PC] = uint64(begin &^ 1)
	if begin&1 != 0 {
		e.regs[CPSR] |= CPSRThumb
	}
	n := e.starts
	e.starts++
	if e.run == nil {
		return nil
	}
	return e.run(e, n)
}

func (e *fakeEngine) Stop() error { return nil }

func (e *fakeEngine) HookTrap(begin, end uint32, fn TrapFunc) error { e.trap = fn; return nil }
func (e *fakeEngine) HookInterrupt(fn InterruptFunc) error          { e.intr = fn; return nil }
func (e *fakeEngine) HookMemFault(fn MemFaultFunc) error            { e.memf = fn; return nil }

func (e *fakeEngine) InvalidateCache(addr, size uint32) error { return nil }
func (e *fakeEngine) Close() error                            { return nil }

func setup(t *testing.T, run func(e *fakeEngine, n int) error) (*Bridge, *fakeEngine) {
	t.Helper()
	mem := memory.New()
	if _, err := mem.Map(textBase, 0x1000, memory.PermRX, memory.OwnerSegment, "__TEXT"); err != nil {
		t.Fatal(err)
	}
	// udf #0, svc #0x80, bkpt #0
	for i, w := range []uint32{0xe7f000f0, 0xef000080, 0xe1200070} {
		if err := mem.Poke(memory.Addr(textBase+4*i), []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mem.Map(stackBase, 0x1000, memory.PermRW, memory.OwnerStack, "stack"); err != nil {
		t.Fatal(err)
	}
	eng := &fakeEngine{regs: map[Reg]uint64{}, run: run}
	b, err := NewBridge(eng, mem)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.SetTrapRange(0xfff00000, 0xfff01000); err != nil {
		t.Fatal(err)
	}
	return b, eng
}

var errEngine = errors.New("engine exploded")

func TestBridgeFaults(t *testing.T) {
	interrupt := func(intno Interrupt, pc uint32) func(e *fakeEngine, n int) error {
		return func(e *fakeEngine, n int) error {
			e.intr(intno, pc)
			return nil
		}
	}
	memFault := func(acc memory.Access, addr uint32) func(e *fakeEngine, n int) error {
		return func(e *fakeEngine, n int) error {
			e.regs[PC] = textBase + 8
			e.memf(acc, addr, 4)
			return nil
		}
	}
	memStop := func(kind memory.FaultKind, acc memory.Access, addr uint32) Stop {
		return Stop{Reason: StopFault, Addr: textBase + 8, Fault: &Fault{
			Kind:  FaultMemory,
			PC:    textBase + 8,
			Intno: EXCP_DATA_ABORT,
			Mem:   &memory.Fault{Kind: kind, Access: acc, Addr: memory.Addr(addr), Size: 4},
		}}
	}
	tests := []struct {
		name string
		run  func(e *fakeEngine, n int) error
		want Stop
	}{
		{
			name: "undefined instruction",
			run:  interrupt(EXCP_UNDEFINED_INSTRUCTION, textBase),
			want: Stop{Reason: StopFault, Addr: textBase, Fault: &Fault{Kind: FaultUndefined, PC: textBase, Insn: 0xe7f000f0, Intno: EXCP_UNDEFINED_INSTRUCTION}},
		},
		{
			name: "supervisor call reports the svc itself",
			run:  interrupt(EXCP_SOFTWARE_INTRPT, textBase+8),
			want: Stop{Reason: StopFault, Addr: textBase + 4, Fault: &Fault{Kind: FaultSyscall, PC: textBase + 4, Insn: 0xef000080, Intno: EXCP_SOFTWARE_INTRPT}},
		},
		{
			name: "breakpoint",
			run:  interrupt(EXCP_BKPT, textBase+8),
			want: Stop{Reason: StopFault, Addr: textBase + 8, Fault: &Fault{Kind: FaultBreakpoint, PC: textBase + 8, Insn: 0xe1200070, Intno: EXCP_BKPT}},
		},
		{
			name: "prefetch abort outside mapped code",
			run:  interrupt(EXCP_PREFETCH_ABORT, 0x50000000),
			want: Stop{Reason: StopFault, Addr: 0x50000000, Fault: &Fault{Kind: FaultMemory, PC: 0x50000000, Intno: EXCP_PREFETCH_ABORT}},
		},
		{
			name: "unknown interrupt",
			run:  interrupt(EXCP_IRQ, textBase),
			want: Stop{Reason: StopFault, Addr: textBase, Fault: &Fault{Kind: FaultUnsupported, PC: textBase, Insn: 0xe7f000f0, Intno: EXCP_IRQ}},
		},
		{
			name: "trap word executed inside the trap range",
			run:  interrupt(EXCP_UNDEFINED_INSTRUCTION, 0xfff00010),
			want: Stop{Reason: StopTrap, Addr: 0xfff00010},
		},
		{
			name: "trap hook",
			run: func(e *fakeEngine, n int) error {
				e.trap(0xfff00020)
				return nil
			},
			want: Stop{Reason: StopTrap, Addr: 0xfff00020},
		},
		{
			name: "null page read",
			run:  memFault(memory.AccessRead, 0x10),
			want: memStop(memory.FaultNull, memory.AccessRead, 0x10),
		},
		{
			name: "unmapped write",
			run:  memFault(memory.AccessWrite, 0x50000000),
			want: memStop(memory.FaultUnmapped, memory.AccessWrite, 0x50000000),
		},
		{
			name: "write to text",
			run:  memFault(memory.AccessWrite, textBase+0x100),
			want: memStop(memory.FaultProt, memory.AccessWrite, textBase+0x100),
		},
		{
			name: "engine error",
			run: func(e *fakeEngine, n int) error {
				e.regs[PC] = textBase + 4
				return errEngine
			},
			want: Stop{Reason: StopFault, Addr: textBase + 4, Fault: &Fault{Kind: FaultEngine, PC: textBase + 4, Err: errEngine}},
		},
		{
			name: "instruction count exhausted",
			run: func(e *fakeEngine, n int) error {
				e.regs[PC] = textBase + 4
				return nil
			},
			want: Stop{Reason: StopCount, Addr: textBase + 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := setup(t, tt.run)
			got, err := b.Run(textBase, 0)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Run() = %+v (fault %+v), want %+v (fault %+v)", got, got.Fault, tt.want, tt.want.Fault)
			}
			if tt.want.Fault == nil {
				if err != nil {
					t.Errorf("Run() error = %v, want nil", err)
				}
				return
			}
			var f *Fault
			if !errors.As(err, &f) || f != got.Fault {
				t.Errorf("Run() error = %v, want the stop's fault", err)
			}
		})
	}
}

func TestBridgeRepair(t *testing.T) {
	b, eng := setup(t, func(e *fakeEngine, n int) error {
		if n == 0 {
			e.regs[PC] = textBase + 8
			e.memf(memory.AccessRead, 0x60000000, 4)
		}
		return nil
	})
	var seen []memory.FaultKind
	b.OnMemFault(func(b *Bridge, f *Fault) bool {
		seen = append(seen, f.Mem.Kind)
		return true
	})
	got, err := b.Run(textBase|1, 0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := (Stop{Reason: StopCount, Addr: textBase + 8 | 1}); !reflect.DeepEqual(got, want) {
		t.Errorf("Run() = %+v, want %+v", got, want)
	}
	if !reflect.DeepEqual(seen, []memory.FaultKind{memory.FaultUnmapped}) || eng.starts != 2 {
		t.Errorf("handler saw %v over %d starts, want one unmapped fault and a restart", seen, eng.starts)
	}
}

func TestBridgeInject(t *testing.T) {
	b, eng := setup(t, nil)
	want := &Fault{Kind: FaultInjected, PC: textBase}
	b.Inject(want)
	got, err := b.Run(textBase, 0)
	if got.Reason != StopFault || got.Fault != want || err != want {
		t.Errorf("Run() = %+v, %v, want the injected fault", got, err)
	}
	if eng.starts != 0 {
		t.Errorf("engine started %d times, want 0", eng.starts)
	}
	if _, err := b.Run(textBase, 0); err != nil {
		t.Errorf("second Run() error = %v, want nil", err)
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    *State
		wantErr bool
	}{
		{
			name: "registers and arguments",
			yaml: `
registers:
  r0: 1
  sp: 458752
stack:
  addr: 458752
  data_base64: AQID
args:
  - - type: int
      value: -1
  - - name: x
      type: short
      value: 2
    - name: y
      type: double
      value: 1.5
`,
			want: &State{
				Registers: map[string]any{"r0": 1, "sp": 458752},
				Stack:     stack{Addr: 458752, DataBase64: "AQID"},
				Args: [][]Field{
					{{Type: "int", Value: -1}},
					{{Name: "x", Type: "short", Value: 2}, {Name: "y", Type: "double", Value: 1.5}},
				},
			},
		},
		{
			name: "empty",
			yaml: "{}\n",
			want: &State{},
		},
		{
			name:    "malformed",
			yaml:    "registers: [r0\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.yml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := ParseState(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseState() = %#v, want %#v", got, tt.want)
			}
		})
	}

	if _, err := ParseState(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("ParseState() of a missing file succeeded")
	}
}

func TestStateWords(t *testing.T) {
	d := math.Float64bits(1.5)
	tests := []struct {
		name    string
		args    [][]Field
		want    []uint32
		wantErr bool
	}{
		{"int", [][]Field{{{Type: "int", Value: -1}}}, []uint32{0xffffffff}, false},
		{"char", [][]Field{{{Type: "char", Value: -1}}}, []uint32{0xff}, false},
		{"bool", [][]Field{{{Type: "bool", Value: true}}}, []uint32{1}, false},
		{"short from string", [][]Field{{{Type: "short", Value: "-2"}}}, []uint32{0xfffe}, false},
		{"float", [][]Field{{{Type: "float", Value: 1.5}}}, []uint32{math.Float32bits(1.5)}, false},
		{"int64 spans two words", [][]Field{{{Type: "int64", Value: 0x100000002}}}, []uint32{2, 1}, false},
		{"double", [][]Field{{{Type: "double", Value: 1.5}}}, []uint32{uint32(d), uint32(d >> 32)}, false},
		{"several", [][]Field{{{Type: "ptr", Value: 0x1000}}, {{Type: "uint8", Value: 7}}}, []uint32{0x1000, 7}, false},
		{"no fields", [][]Field{{}}, nil, true},
		{"unknown type", [][]Field{{{Type: "quad", Value: 1}}}, nil, true},
		{"bad value", [][]Field{{{Type: "int", Value: "one"}}}, nil, true},
		{"bad base64", [][]Field{{{Name: "blob", Type: "bytes", Value: "!!"}}}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&State{Args: tt.args}).Words(memory.New())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Words() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Words() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestStateWordsHeap(t *testing.T) {
	tests := []struct {
		name string
		arg  []Field
		want []byte
	}{
		{"cstring", []Field{{Type: "string", Value: "hi"}}, []byte("hi\x00")},
		{"bytes", []Field{{Type: "bytes", Value: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}}, []byte{1, 2, 3}},
		{
			name: "struct is aligned and padded",
			arg: []Field{
				{Name: "c", Type: "char", Value: 1},
				{Name: "i", Type: "int", Value: 2},
				{Name: "s", Type: "short", Value: 3},
				{Name: "d", Type: "double", Value: 0},
			},
			want: []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.New()
			words, err := (&State{Args: [][]Field{tt.arg}}).Words(mem)
			if err != nil {
				t.Fatalf("Words() error = %v", err)
			}
			if len(words) != 1 {
				t.Fatalf("Words() = %#x, want one pointer", words)
			}
			got, err := mem.ReadBytes(memory.Addr(words[0]), uint32(len(tt.want)))
			if err != nil {
				t.Fatalf("ReadBytes(%#x) error = %v", words[0], err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("heap data = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetState(t *testing.T) {
	b, eng := setup(t, nil)
	state := &State{
		Registers: map[string]any{"r0": 1, "fp": "2", "sp": stackBase + 0x100, "d3": uint64(1) << 40},
		Stack:     stack{Addr: stackBase, DataBase64: base64.StdEncoding.EncodeToString([]byte{9, 8, 7})},
	}
	if err := b.SetState(state); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	want := map[Reg]uint64{R0: 1, R7: 2, SP: stackBase + 0x100, D(3): 1 << 40}
	if !reflect.DeepEqual(eng.regs, want) {
		t.Errorf("registers = %v, want %v", eng.regs, want)
	}
	got, err := b.Memory().ReadBytes(stackBase, 3)
	if err != nil || !reflect.DeepEqual(got, []byte{9, 8, 7}) {
		t.Errorf("stack = %v, %v, want [9 8 7]", got, err)
	}

	for _, bad := range []*State{
		{Registers: map[string]any{"x0": 1}},
		{Registers: map[string]any{"r1": "one"}},
		{Stack: stack{Addr: 0x50000000, DataBase64: "AQID"}},
	} {
		if err := b.SetState(bad); err == nil {
			t.Errorf("SetState(%+v) succeeded", bad)
		}
	}
}
