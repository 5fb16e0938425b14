package hle

import (
	"fmt"
	"io"

	"github.com/blacktop/hle/internal/colors"
	"github.com/blacktop/hle/internal/utils"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FaultKind classifies a RuntimeFault.
type FaultKind string

const (
	FaultMemory         FaultKind = "memory"
	FaultUnimplemented  FaultKind = "unimplemented"
	FaultDoesNotRespond FaultKind = "does-not-respond"
	FaultCPU            FaultKind = "cpu"
	FaultHost           FaultKind = "host"
	FaultDeadlock       FaultKind = "deadlock"
	FaultTrampoline     FaultKind = "trampoline"
	FaultBreakpoint     FaultKind = "breakpoint"
)

var (
	colorBanner = colors.BoldRed().SprintFunc()
	colorField  = colors.BoldHiBlue().SprintfFunc()
	colorValue  = colors.HiYellow().SprintfFunc()
)

// UnimplementedError is a call to an API no module or host function provides.
type UnimplementedError struct {
	Symbol string
}

func (e *UnimplementedError) Error() string {
	return fmt.Sprintf("call to unimplemented function %s", e.Symbol)
}

// RuntimeFault is the process-level failure Run returns, with enough
// context to find the faulting code.
type RuntimeFault struct {
	Kind      FaultKind
	Message   string
	Address   memory.Addr // faulting data address, when there is one
	PC        memory.Addr
	LR        memory.Addr
	Symbol    string
	Module    string
	Context   int
	Registers emu.Registers
	Err       error
}

func (f *RuntimeFault) Error() string {
	loc := f.PC.String()
	if f.Symbol != "" {
		loc = fmt.Sprintf("%s (%s)", f.PC, f.Symbol)
	}
	return fmt.Sprintf("%s fault in context %d at %s: %s", f.Kind, f.Context, loc, f.Message)
}

func (f *RuntimeFault) Unwrap() error { return f.Err }

type faultReport struct {
	Kind      FaultKind         `yaml:"kind"`
	Message   string            `yaml:"message"`
	Address   string            `yaml:"address,omitempty"`
	PC        string            `yaml:"pc"`
	LR        string            `yaml:"lr"`
	Symbol    string            `yaml:"symbol,omitempty"`
	Module    string            `yaml:"module,omitempty"`
	Context   int               `yaml:"context"`
	Registers map[string]string `yaml:"registers"`
}

var regNames = [16]string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10", "r11", "ip", "sp", "lr", "pc"}

// YAML renders the fault as a crash report.
func (f *RuntimeFault) YAML() ([]byte, error) {
	r := faultReport{
		Kind:      f.Kind,
		Message:   f.Message,
		PC:        f.PC.String(),
		LR:        f.LR.String(),
		Symbol:    f.Symbol,
		Module:    f.Module,
		Context:   f.Context,
		Registers: make(map[string]string),
	}
	if f.Address != 0 {
		r.Address = f.Address.String()
	}
	for i, name := range regNames {
		r.Registers[name] = fmt.Sprintf("%#08x", f.Registers.R[i])
	}
	r.Registers["cpsr"] = fmt.Sprintf("%#08x", f.Registers.CPSR)
	return yaml.Marshal(r)
}

// Print writes a colored report of the fault followed by the region table.
func (f *RuntimeFault) Print(w io.Writer, mem *memory.Memory) {
	fmt.Fprintln(w, colorBanner(fmt.Sprintf("[%s FAULT]", f.Kind)))
	fmt.Fprintf(w, "%s %s\n", colorField("%10s:", "message"), f.Message)
	if f.Address != 0 {
		fmt.Fprintf(w, "%s %s\n", colorField("%10s:", "address"), colorValue("%s", f.Address))
	}
	fmt.Fprintf(w, "%s %s\n", colorField("%10s:", "pc"), colorValue("%s", f.PC))
	fmt.Fprintf(w, "%s %s\n", colorField("%10s:", "lr"), colorValue("%s", f.LR))
	if f.Symbol != "" {
		fmt.Fprintf(w, "%s %s\n", colorField("%10s:", "symbol"), f.Symbol)
	}
	if f.Module != "" {
		fmt.Fprintf(w, "%s %s\n", colorField("%10s:", "module"), f.Module)
	}
	fmt.Fprintf(w, "%s %d\n", colorField("%10s:", "context"), f.Context)
	fmt.Fprintln(w, f.Registers)
	if mem == nil {
		return
	}
	dump := func(label string, addr memory.Addr, n uint32) {
		if data, err := mem.ReadBytes(addr, n); err == nil {
			fmt.Fprintf(w, "%s\n%s", colorField("%10s:", label), utils.HexDump(data, uint32(addr)))
		}
	}
	if f.Address != 0 {
		dump("address", f.Address&^0xf, 64)
	}
	dump("stack", memory.Addr(f.Registers.SP())&^0xf, 64)
	mem.Dump(w)
}

// kindOf classifies an error raised while a context was running.
func kindOf(err error) FaultKind {
	var (
		mf   *memory.Fault
		ue   *UnimplementedError
		dnr  *objc.DoesNotRespondError
		ef   *emu.Fault
		dead *deadlockError
	)
	switch {
	case errors.As(err, &mf):
		return FaultMemory
	case errors.As(err, &ue):
		return FaultUnimplemented
	case errors.As(err, &dnr):
		return FaultDoesNotRespond
	case errors.As(err, &dead):
		return FaultDeadlock
	case errors.As(err, &ef):
		return FaultCPU
	default:
		return FaultHost
	}
}

// control flow signals passed up from handlers to the run loop
var (
	errRetry       = errors.New("call blocked")
	errSwitch      = errors.New("context switch")
	errThreadExit  = errors.New("context exited")
	errProcessExit = errors.New("process exited")
)

func isControl(err error) bool {
	return errors.Is(err, errRetry) || errors.Is(err, errSwitch) ||
		errors.Is(err, errThreadExit) || errors.Is(err, errProcessExit)
}

type deadlockError struct {
	ctx int
}

func (e *deadlockError) Error() string {
	return fmt.Sprintf("context %d blocked inside a host to guest call", e.ctx)
}
