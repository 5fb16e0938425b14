// Package hle is the execution core: it loads an iOS binary into guest
// memory, links its imports against guest modules and host functions, and
// runs it on the CPU bridge, dispatching every trampoline hit to the
// registered host implementation.
package hle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/blacktop/hle/pkg/loader"
	"github.com/blacktop/hle/pkg/memory"
	"github.com/blacktop/hle/pkg/objc"
	"github.com/blacktop/hle/pkg/plist"
	"github.com/hashicorp/go-version"
	"github.com/pkg/errors"
)

// Framework is a set of host functions, constants and classes installed
// into an Env before loading.
type Framework struct {
	Name    string
	Install func(env *Env) error
}

type options struct {
	engine     emu.Engine
	frameworks []Framework
	args       []string
	environ    []string
	stdout     io.Writer
}

// Option configures New.
type Option func(*options)

// WithEngine runs guest code on eng instead of the configured engine.
func WithEngine(eng emu.Engine) Option { return func(o *options) { o.engine = eng } }

// WithFrameworks installs host frameworks.
func WithFrameworks(fw ...Framework) Option {
	return func(o *options) { o.frameworks = append(o.frameworks, fw...) }
}

// WithArgs sets the guest's argv after the program path.
func WithArgs(args ...string) Option { return func(o *options) { o.args = args } }

// WithEnviron sets the guest's environment.
func WithEnviron(env ...string) Option { return func(o *options) { o.environ = env } }

// WithStdout redirects the guest's standard output.
func WithStdout(w io.Writer) Option { return func(o *options) { o.stdout = w } }

// Env is one emulated process.
type Env struct {
	cfg  Config
	conv abi.Convention

	mem      *memory.Memory
	bridge   *emu.Bridge
	linker   *dyld.Linker
	runtime  *objc.Runtime
	registry *Registry
	sched    *Scheduler

	stdout  io.Writer
	args    []string
	environ []string

	mods   []*loader.Module
	main   *loader.Module
	bundle *plist.Bundle
	path   string

	mainCtx   *Context
	startArgs []abi.Value
	started   bool
	exited    bool
	exitCode  int
	mainFault *RuntimeFault
	stopped   atomic.Bool
	warned    map[string]bool
}

// New creates an empty process and installs the given frameworks.
func New(cfg Config, opts ...Option) (*Env, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	eng := o.engine
	if eng == nil {
		if eng, err = emu.NewEngine(cfg.Engine); err != nil {
			return nil, err
		}
	}

	e := &Env{
		cfg:     cfg,
		conv:    abi.Convention{HardFloat: cfg.FloatABI == FloatHard},
		mem:     memory.New(),
		stdout:  o.stdout,
		args:    o.args,
		environ: o.environ,
		warned:  make(map[string]bool),
	}
	if e.bridge, err = emu.NewBridge(eng, e.mem); err != nil {
		return nil, err
	}
	e.registry = newRegistry(func() bool { return e.linker.Sealed() })
	if e.linker, err = dyld.New(e.mem, hostTable{e.registry}); err != nil {
		return nil, errors.Wrap(err, "failed to create linker")
	}
	lo, hi := e.linker.Window()
	if err := e.bridge.SetTrapRange(uint32(lo), uint32(hi)); err != nil {
		return nil, err
	}
	if e.runtime, err = objc.New(e.mem, e.linker); err != nil {
		return nil, err
	}
	e.linker.SetClassLinker(e.runtime)
	e.sched = newScheduler(e.mem, e.linker.ThreadExitAddr(), cfg.ThreadStack)

	for _, fw := range o.frameworks {
		if err := fw.Install(e); err != nil {
			return nil, errors.Wrapf(err, "failed to install framework %s", fw.Name)
		}
		log.Debugf("installed framework %s", fw.Name)
	}
	return e, nil
}

// Close releases the CPU engine.
func (e *Env) Close() error { return e.bridge.Engine().Close() }

func (e *Env) Config() Config             { return e.cfg }
func (e *Env) Convention() abi.Convention { return e.conv }
func (e *Env) Memory() *memory.Memory     { return e.mem }
func (e *Env) Bridge() *emu.Bridge        { return e.bridge }
func (e *Env) Linker() *dyld.Linker       { return e.linker }
func (e *Env) Runtime() *objc.Runtime     { return e.runtime }
func (e *Env) Registry() *Registry        { return e.registry }
func (e *Env) Scheduler() *Scheduler      { return e.sched }
func (e *Env) Stdout() io.Writer          { return e.stdout }
func (e *Env) Modules() []*loader.Module  { return e.mods }
func (e *Env) Main() *loader.Module       { return e.main }
func (e *Env) Bundle() *plist.Bundle      { return e.bundle }
func (e *Env) ExitCode() int              { return e.exitCode }
func (e *Env) Fault() *RuntimeFault       { return e.mainFault }

// Register adds a host function. It fails once a binary is loaded.
func (e *Env) Register(name string, sig abi.Signature, fn Handler) error {
	return e.registry.Register(name, sig, fn)
}

// Load maps the Mach-O or .app bundle at path together with the dylibs it
// embeds, links every import and registers the images' classes. It returns
// the main executable.
func (e *Env) Load(path string) (*loader.Module, error) {
	if e.linker.Sealed() {
		return nil, fmt.Errorf("failed to load %s: %s is already loaded", path, e.path)
	}
	exe := path
	if plist.IsBundle(path) {
		b, err := plist.OpenBundle(path)
		if err != nil {
			return nil, err
		}
		e.bundle, exe = b, b.Executable
		log.WithFields(log.Fields{
			"id":      b.Info.CFBundleIdentifier,
			"version": b.Info.CFBundleVersion,
			"min_os":  b.Info.MinimumOSVersion,
		}).Info("Loading app bundle")
	}
	paths, err := e.imagePaths(exe)
	if err != nil {
		return nil, err
	}
	mods, err := loader.LoadAll(e.mem, paths...)
	if err != nil {
		return nil, err
	}
	for _, m := range mods {
		if m.Path == exe {
			e.main = m
		}
	}
	if e.main == nil {
		return nil, fmt.Errorf("failed to load %s: executable missing from load order", exe)
	}
	e.mods, e.path = mods, exe

	if err := e.linker.Link(mods...); err != nil {
		return nil, errors.Wrap(err, "failed to link")
	}
	for _, m := range mods {
		if err := e.runtime.LoadBinary(m); err != nil {
			return nil, errors.Wrapf(err, "failed to register classes of %s", m.Name)
		}
	}
	if err := e.linker.LinkConstants(); err != nil {
		return nil, errors.Wrap(err, "failed to link constants")
	}
	e.checkVersion()
	slots, hosts, unimpl := e.linker.Stats()
	log.Debugf("loaded %d images: %d trampolines, %d host functions, %d unimplemented", len(mods), slots, hosts, unimpl)
	return e.main, nil
}

// imagePaths returns exe plus every dylib it links that ships next to it.
// Libraries outside the bundle are provided by the host.
func (e *Env) imagePaths(exe string) ([]string, error) {
	seen := map[string]bool{exe: true}
	queue := []string{exe}
	for i := 0; i < len(queue); i++ {
		img, err := loader.Parse(queue[i])
		if err != nil {
			return nil, err
		}
		for _, dl := range img.File.ImportedLibraries() {
			path := bundledPath(dl, filepath.Dir(exe), filepath.Dir(queue[i]))
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			queue = append(queue, path)
		}
		img.Close()
	}
	return queue, nil
}

func bundledPath(name, exeDir, loaderDir string) string {
	var candidates []string
	switch {
	case strings.HasPrefix(name, "@executable_path/"):
		candidates = append(candidates, filepath.Join(exeDir, strings.TrimPrefix(name, "@executable_path/")))
	case strings.HasPrefix(name, "@loader_path/"):
		candidates = append(candidates, filepath.Join(loaderDir, strings.TrimPrefix(name, "@loader_path/")))
	case strings.HasPrefix(name, "@rpath/"):
		rel := strings.TrimPrefix(name, "@rpath/")
		candidates = append(candidates, filepath.Join(exeDir, "Frameworks", rel), filepath.Join(exeDir, rel))
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c
		}
	}
	if len(candidates) > 0 {
		log.Warnf("bundled library %s not found, its symbols go to the host", name)
	}
	return ""
}

func (e *Env) checkVersion() {
	limit, err := version.NewVersion(e.cfg.MaxOSVersion)
	if err != nil {
		return
	}
	var need *version.Version
	if e.main.MinOS != nil {
		need = e.main.MinOS
	}
	if e.bundle != nil && e.bundle.Info.MinimumOSVersion != "" {
		if v, err := version.NewVersion(e.bundle.Info.MinimumOSVersion); err == nil && (need == nil || v.GreaterThan(need)) {
			need = v
		}
	}
	if need != nil && need.GreaterThan(limit) {
		log.Warnf("%s requires iOS %s, frameworks cover up to %s", e.main.Name, need, limit)
	}
}

// Run runs the module initializers and then the entry point until the
// process exits. A failure is returned as a *RuntimeFault.
func (e *Env) Run(ctx context.Context) error {
	if e.main == nil {
		return errors.New("nothing to run: no executable loaded")
	}
	if e.main.Entry == 0 {
		return fmt.Errorf("%s has no entry point", e.main.Name)
	}
	if e.started {
		return errors.New("process already ran")
	}
	e.started = true
	main, err := e.mainContext()
	if err != nil {
		return err
	}
	defer e.watch(ctx)()

	if err := e.bridge.Restore(main.Regs); err != nil {
		return err
	}
	initSig := abi.Sig(abi.Void, abi.Int32, abi.Ptr, abi.Ptr, abi.Ptr)
	for _, m := range e.mods {
		for _, fn := range m.InitFuncs {
			log.Debugf("running initializer %s", e.symbolize(fn))
			if _, err := e.invoke(main, fn, initSig, e.startArgs); err != nil {
				return e.finish(ctx, err)
			}
		}
	}
	if e.exited {
		return e.finish(ctx, nil)
	}
	return e.finish(ctx, e.schedule())
}

// Call runs the guest function at addr on the main context and returns its
// result. Host functions that block inside it deadlock.
func (e *Env) Call(ctx context.Context, addr memory.Addr, sig abi.Signature, args ...abi.Value) (abi.Value, error) {
	if e.main == nil {
		return abi.Zero, errors.New("nothing to call: no executable loaded")
	}
	main, err := e.mainContext()
	if err != nil {
		return abi.Zero, err
	}
	defer e.watch(ctx)()
	if err := e.bridge.Restore(main.Regs); err != nil {
		return abi.Zero, err
	}
	v, err := e.invoke(main, addr, sig, args)
	if err != nil {
		return v, e.finish(ctx, err)
	}
	return v, nil
}

// watch stops the CPU once ctx is done.
func (e *Env) watch(ctx context.Context) func() bool {
	e.stopped.Store(false)
	return context.AfterFunc(ctx, func() {
		e.stopped.Store(true)
		if err := e.bridge.RequestStop(); err != nil {
			log.Debugf("stop request: %v", err)
		}
	})
}

// Lookup resolves a symbol the way dlsym does.
func (e *Env) Lookup(name string) (memory.Addr, error) { return e.linker.ProcAddress(name) }

// SetBreakpoint stops the process with a breakpoint fault when the guest
// reaches addr.
func (e *Env) SetBreakpoint(addr memory.Addr) error {
	if err := e.linker.SetBreakpoint(addr); err != nil {
		return err
	}
	return e.bridge.Invalidate(addr&^1, 4)
}

// Spawn starts a new context running entry(arg).
func (e *Env) Spawn(entry memory.Addr, arg uint32) (*Context, error) { return e.sched.Spawn(entry, arg) }

func (e *Env) finish(ctx context.Context, err error) error {
	switch {
	case err == nil, errors.Is(err, errProcessExit):
		if e.mainFault != nil {
			return e.mainFault
		}
		return nil
	case errors.Is(err, errInterrupted):
		e.unwind()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// exit unwinds every context and records the process exit status.
func (e *Env) exit(code int) {
	if e.exited {
		return
	}
	e.exited, e.exitCode = true, code
	e.unwind()
	log.Debugf("process exited with status %d", code)
}

// unwind exits every live context so their cleanups run. The running
// context goes last.
func (e *Env) unwind() {
	cur := e.sched.Current()
	for _, c := range e.sched.Contexts() {
		if c != cur {
			e.sched.Exit(c, 0)
		}
	}
	if cur != nil {
		e.sched.Exit(cur, 0)
	}
}

// mainContext creates the initial thread with the argument vector the
// kernel would pass: argc, argv, envp and the apple strings on the stack
// and in r0-r3.
func (e *Env) mainContext() (*Context, error) {
	if e.mainCtx != nil {
		return e.mainCtx, nil
	}
	stack, err := e.mem.AllocStack(e.cfg.MainStack, true, "main stack")
	if err != nil {
		return nil, err
	}
	c := e.sched.newContext("main", stack, e.main.Entry)
	c.main = true

	strs := func(list []string) ([]uint32, error) {
		var out []uint32
		for _, s := range list {
			addr, err := e.mem.AllocCString(s)
			if err != nil {
				return nil, err
			}
			out = append(out, uint32(addr))
		}
		return append(out, 0), nil
	}
	argv, err := strs(append([]string{e.path}, e.args...))
	if err != nil {
		return nil, err
	}
	envp, err := strs(e.environ)
	if err != nil {
		return nil, err
	}
	apple, err := strs([]string{"executable_path=" + e.path})
	if err != nil {
		return nil, err
	}
	vec := append([]uint32{uint32(len(argv) - 1)}, argv...)
	vec = append(vec, envp...)
	vec = append(vec, apple...)
	sp := memory.Addr(c.Regs.SP()-uint32(4*len(vec))) &^ 15
	for i, w := range vec {
		if err := e.mem.Write32(sp+memory.Addr(4*i), w); err != nil {
			return nil, err
		}
	}
	argvAddr := sp + 4
	envpAddr := argvAddr + memory.Addr(4*len(argv))
	appleAddr := envpAddr + memory.Addr(4*len(envp))
	c.Regs.R[emu.SP] = uint32(sp)
	c.Regs.R[0], c.Regs.R[1], c.Regs.R[2], c.Regs.R[3] = vec[0], uint32(argvAddr), uint32(envpAddr), uint32(appleAddr)
	e.startArgs = []abi.Value{abi.Word(vec[0]), abi.Addr(argvAddr), abi.Addr(envpAddr), abi.Addr(appleAddr)}
	e.mainCtx = c
	return c, nil
}

// symbolize names addr as symbol+off (module).
func (e *Env) symbolize(addr memory.Addr) string {
	mod, sym, off := e.linker.Symbolize(addr)
	switch {
	case sym != "" && off != 0:
		return fmt.Sprintf("%s+%#x (%s)", sym, off, mod)
	case sym != "":
		return fmt.Sprintf("%s (%s)", sym, mod)
	case mod != "":
		return fmt.Sprintf("%s (%s)", addr, mod)
	}
	return addr.String()
}
