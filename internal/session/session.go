// Package session runs one guest from start to finish: it brings the
// processor into VMX root operation, builds the guest address space and
// initial state, loads the image and steps the vCPU until the guest
// terminates.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/tinyrange/vtx/internal/asm/amd64"
	"github.com/tinyrange/vtx/internal/boot"
	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/devices"
	"github.com/tinyrange/vtx/internal/ept"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/loader"
	"github.com/tinyrange/vtx/internal/mem"
	"github.com/tinyrange/vtx/internal/vmx"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// ErrExitBudget ends a session whose guest is still running after
// Config.MaxExits exits.
var ErrExitBudget = errors.New("session: exit budget exhausted")

// Defaults used when the matching Config field is zero.
const (
	DefaultMemorySize = 16 << 20
	DefaultEntry      = 0x10_0000
	DefaultStackTop   = 0x10_0000
	DefaultTablesBase = 0x1000
	DefaultMaxExits   = 10_000

	// DefaultVendor answers CPUID leaf 0 when the host vendor is unknown.
	DefaultVendor = "GenuineIntel"
)

// Toggle is a feature switch that can be left to the processor.
type Toggle uint8

const (
	ToggleAuto Toggle = iota
	ToggleOn
	ToggleOff
)

func (t Toggle) String() string {
	switch t {
	case ToggleOn:
		return "true"
	case ToggleOff:
		return "false"
	default:
		return "auto"
	}
}

// ParseToggle accepts "auto", "true" or "false".
func ParseToggle(s string) (Toggle, error) {
	switch s {
	case "", "auto":
		return ToggleAuto, nil
	case "true", "on", "yes":
		return ToggleOn, nil
	case "false", "off", "no":
		return ToggleOff, nil
	}
	return ToggleAuto, fmt.Errorf("session: unknown toggle %q", s)
}

// Window is a guest-physical device window. A zero Base places the window
// above RAM.
type Window struct {
	Name string
	Base uint64
	Size uint64
}

// Config describes one guest run.
type Config struct {
	Mode       boot.Mode
	Entry      uint64
	StackTop   uint64
	TablesBase uint64
	// MemorySize is the amount of RAM mapped at guest-physical zero.
	MemorySize uint64
	// IdentityMapSize is passed to the builder. Zero in long mode covers
	// RAM and every device window.
	IdentityMapSize uint64

	// ImagePath names a raw flat binary. Image, when set, is used instead.
	ImagePath string
	Image     []byte
	// Payload selects a built-in payload, assembled for Mode.
	Payload        string
	PayloadOptions amd64.PayloadOptions

	UnrestrictedGuest Toggle
	ControlModel      vmx.ControlModel
	// PreemptionTimer arms the VMX preemption timer with this value. Zero
	// leaves it off.
	PreemptionTimer uint32
	VPID            uint16
	MaxExits        uint64

	// Passthrough windows are backed by host memory and mapped on first
	// touch. MMIO windows are emulated scratch RAM.
	Passthrough []Window
	MMIO        []Window

	ConsolePort uint16
	CPUID       []vmx.CPUIDEntry
	MSRs        map[uint32]uint64

	// LoadProgress receives a copy of the image as it is loaded.
	LoadProgress func(size int64) io.Writer
}

func (c Config) withDefaults() Config {
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.Entry == 0 {
		c.Entry = DefaultEntry
	}
	if c.StackTop == 0 {
		c.StackTop = DefaultStackTop
	}
	if c.TablesBase == 0 {
		c.TablesBase = DefaultTablesBase
	}
	if c.MaxExits == 0 {
		c.MaxExits = DefaultMaxExits
	}
	if c.ConsolePort == 0 {
		c.ConsolePort = devices.DebugPort
	}
	return c
}

// Validate reports configuration errors that do not need a processor.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ImagePath == "" && c.Image == nil && c.Payload == "" {
		return fmt.Errorf("session: no image or payload")
	}
	if c.Payload != "" && (c.ImagePath != "" || c.Image != nil) {
		return fmt.Errorf("session: both an image and payload %q given", c.Payload)
	}
	if !aligned(c.MemorySize) {
		return fmt.Errorf("session: memory size %#x is not page aligned", c.MemorySize)
	}
	if c.Entry >= c.MemorySize {
		return fmt.Errorf("session: entry %#x outside RAM [0, %#x)", c.Entry, c.MemorySize)
	}
	if c.StackTop > c.MemorySize {
		return fmt.Errorf("session: stack top %#x outside RAM [0, %#x]", c.StackTop, c.MemorySize)
	}
	if c.TablesBase >= c.MemorySize {
		return fmt.Errorf("session: tables base %#x outside RAM", c.TablesBase)
	}
	if c.Mode.NeedsUnrestrictedGuest() && c.UnrestrictedGuest == ToggleOff {
		return fmt.Errorf("session: %w: %s", boot.ErrModeRequiresUnrestrictedGuest, c.Mode)
	}
	for _, w := range append(append([]Window(nil), c.Passthrough...), c.MMIO...) {
		if w.Size == 0 || !aligned(w.Size) || !aligned(w.Base) {
			return fmt.Errorf("session: window %s [%#x, +%#x) must be page aligned and non-empty", w.Name, w.Base, w.Size)
		}
	}
	return nil
}

func aligned(v uint64) bool { return hostarch.Addr(v).IsPageAligned() }

// Report summarises a finished run.
type Report struct {
	Exits map[vmx.ExitReason]uint64
	Total uint64
	// Reason is the last exit the guest took.
	Reason     vmx.ExitReason
	RIP        uint64
	// LinearRIP is CS.base + RIP at the last exit.
	LinearRIP  uint64
	Terminated bool

	Image    loader.Image
	Controls vmx.Controls
	Windows  []hv.Region
	Console  []byte
	Elapsed  time.Duration
}

// Session owns everything one guest run needs from the host.
type Session struct {
	Config    Config
	Processor vmx.Processor

	Allocator  hv.PageAllocator
	Translator hv.AddressTranslator
	Memory     hv.PhysicalMemory

	// Devices is the bus the guest sees. A nil group gets a fresh one.
	Devices *devices.Group
	// Console receives guest console output as it is written.
	Console io.Writer
	Logger  *slog.Logger
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// run is the state of one Run call.
type run struct {
	s    *Session
	cfg  Config
	log  *slog.Logger
	host hv.HostMemory

	root    *vmx.Root
	vmcs    *vmx.VMCS
	space   *ept.AddressSpace
	bus     *devices.Group
	console *devices.Console
	layout  *hv.Layout
	vcpu    *vmx.VCPU

	tablesEnd uint64
	cleanup   []func() error
}

// Run executes the guest until it terminates, fails, exhausts the exit
// budget or ctx is cancelled. The processor always leaves root operation
// before Run returns.
func (s *Session) Run(ctx context.Context) (rep *Report, err error) {
	if s.Processor == nil || s.Allocator == nil || s.Translator == nil || s.Memory == nil {
		return nil, fmt.Errorf("session: processor, allocator, translator and memory are required")
	}
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}

	// VMX state belongs to one logical CPU.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	r := &run{
		s:    s,
		cfg:  s.Config.withDefaults(),
		log:  s.logger(),
		host: mem.Translated{PageAllocator: s.Allocator, AddressTranslator: s.Translator},
	}
	defer func() {
		if cerr := r.close(); cerr != nil {
			r.log.Error("session: teardown", "err", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	start := time.Now()
	if err := r.setup(); err != nil {
		return nil, err
	}
	rep = &Report{Controls: r.vcpu.Controls(), Windows: r.windows()}
	rep.Image, err = r.load()
	if err != nil {
		return nil, err
	}

	err = r.loop(ctx, rep)
	rep.Exits = r.vcpu.Stats()
	rep.RIP = r.vcpu.Registers().Guest.RIP
	if err == nil {
		rep.LinearRIP, err = r.vcpu.LinearRIP()
	}
	rep.Reason = r.vcpu.Exit().Reason
	rep.Terminated = r.vcpu.Terminated()
	rep.Console = r.console.Output()
	rep.Elapsed = time.Since(start)
	return rep, err
}

func (r *run) onClose(fn func() error) { r.cleanup = append(r.cleanup, fn) }

// close unwinds setup in reverse order.
func (r *run) close() error {
	var errs []error
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		errs = append(errs, r.cleanup[i]())
	}
	r.cleanup = nil
	return errors.Join(errs...)
}

func (r *run) setup() error {
	cfg := r.cfg

	root, err := vmx.NewRoot(r.s.Processor, r.host, r.log)
	if err != nil {
		return err
	}
	r.root = root
	r.onClose(root.Release)

	caps := root.Capabilities()
	if err := caps.SetModel(cfg.ControlModel); err != nil {
		return fmt.Errorf("session: control model %s: %w", cfg.ControlModel, err)
	}
	unrestricted, err := r.unrestricted(caps)
	if err != nil {
		return err
	}

	if err := root.EnableVMX(); err != nil {
		return err
	}
	region, err := root.AllocateRegion()
	if err != nil {
		return err
	}
	if err := root.EnterRoot(region); err != nil {
		return err
	}
	r.onClose(root.LeaveRoot)
	vmcs, err := root.AllocateVMCS()
	if err != nil {
		return err
	}
	if err := root.Activate(vmcs); err != nil {
		return err
	}
	r.vmcs = vmcs
	r.onClose(func() error { return root.Deactivate(vmcs) })

	if err := r.buildDevices(); err != nil {
		return err
	}

	space, err := ept.New(ept.Config{
		Allocator:  r.s.Allocator,
		Translator: r.s.Translator,
		Memory:     r.s.Memory,
		Logger:     r.log,
	})
	if err != nil {
		return err
	}
	r.space = space
	r.onClose(space.Close)
	if err := space.Map(0, cfg.MemorySize, hostarch.AnyAccess, hv.Backing{Populate: true}); err != nil {
		return fmt.Errorf("session: map RAM: %w", err)
	}

	res, err := boot.Build(boot.Config{
		Mode:              cfg.Mode,
		Entry:             cfg.Entry,
		StackTop:          cfg.StackTop,
		TablesBase:        cfg.TablesBase,
		IdentityMapSize:   r.identityMapSize(),
		UnrestrictedGuest: unrestricted,
	}, space)
	if err != nil {
		return err
	}
	r.log.Debug("session: guest state built",
		"mode", cfg.Mode,
		"rip", fmt.Sprintf("%#x", res.Guest.RIP),
		"tables_end", fmt.Sprintf("%#x", res.TablesEnd))

	features := vmx.DefaultFeatures()
	features.UnrestrictedGuest = unrestricted
	features.LongMode = cfg.Mode.LongMode()
	features.PreemptionTimer = cfg.PreemptionTimer != 0
	features.VPID = cfg.VPID != 0

	vcpu, err := vmx.NewVCPU(root, vmcs, space, r.bus, vmx.Config{
		Features: features,
		Controls: vmx.ControlState{
			PreemptionTimer: cfg.PreemptionTimer,
			VPID:            cfg.VPID,
		},
		CPUID:  r.cpuid(),
		MSRs:   cfg.MSRs,
		Logger: r.log,
	})
	if err != nil {
		return err
	}
	r.vcpu = vcpu
	r.onClose(vcpu.Close)

	if err := vcpu.Configure(res.Guest, res.EntryMSRs); err != nil {
		return err
	}
	r.tablesEnd = res.TablesEnd
	return nil
}

// unrestricted settles the unrestricted-guest toggle against caps.
func (r *run) unrestricted(caps *vmx.Capabilities) (bool, error) {
	avail := caps.Allows(vmx.ControlProc2, vmx.Proc2UnrestrictedGuest)
	switch r.cfg.UnrestrictedGuest {
	case ToggleOn:
		return true, nil
	case ToggleOff:
		return false, nil
	}
	if r.cfg.Mode.NeedsUnrestrictedGuest() && !avail {
		return false, fmt.Errorf("session: %w: %s", boot.ErrModeRequiresUnrestrictedGuest, r.cfg.Mode)
	}
	return avail, nil
}

// buildDevices places every window in the layout and attaches the devices
// to the bus.
func (r *run) buildDevices() error {
	cfg := r.cfg
	r.layout = hv.NewLayout(0, cfg.MemorySize)

	r.bus = r.s.Devices
	if r.bus == nil {
		r.bus = devices.NewGroup(r.log)
	}
	// A console port inside the UART block selects the UART alone.
	debug, uart := cfg.ConsolePort, uint16(devices.COM1)
	if debug >= uart && debug < uart+8 {
		debug = 0
	}
	r.console = devices.NewConsole(debug, uart, r.s.Console)
	if err := r.bus.Add(r.console); err != nil {
		return err
	}

	place := func(w Window, kind string, i int) (hv.Region, error) {
		if w.Name == "" {
			w.Name = fmt.Sprintf("%s%d", kind, i)
		}
		if w.Base == 0 {
			return r.layout.Allocate(hv.RegionRequest{Name: w.Name, Size: w.Size, Alignment: hostarch.PageSize})
		}
		if err := r.layout.RegisterFixed(w.Name, w.Base, w.Size); err != nil {
			return hv.Region{}, err
		}
		return hv.Region{Name: w.Name, Base: w.Base, Size: w.Size}, nil
	}

	for i, w := range cfg.Passthrough {
		reg, err := place(w, "passthrough", i)
		if err != nil {
			return err
		}
		dev, err := devices.NewPassthrough(reg.Name, reg.Base, reg.Size, r.host)
		if err != nil {
			return err
		}
		r.onClose(func() error { return dev.Release(r.s.Allocator) })
		if err := r.bus.Add(dev); err != nil {
			return err
		}
	}

	mmio := cfg.MMIO
	if cfg.Payload == "mmio" && len(mmio) == 0 && len(cfg.Passthrough) == 0 && cfg.PayloadOptions.MMIOBase == 0 {
		mmio = []Window{{Name: "scratch", Size: hostarch.PageSize}}
	}
	for i, w := range mmio {
		reg, err := place(w, "mmio", i)
		if err != nil {
			return err
		}
		if err := r.bus.Add(devices.NewRAM(reg.Name, reg.Base, reg.Size)); err != nil {
			return err
		}
	}
	return nil
}

// windows lists the device regions of the layout.
func (r *run) windows() []hv.Region {
	var out []hv.Region
	for _, reg := range r.layout.Regions() {
		if reg.Base >= r.layout.RAMEnd() || reg.End() <= r.layout.RAMBase() {
			out = append(out, reg)
		}
	}
	return out
}

// identityMapSize covers RAM and every window in long mode.
func (r *run) identityMapSize() uint64 {
	if r.cfg.IdentityMapSize != 0 || !r.cfg.Mode.LongMode() {
		return r.cfg.IdentityMapSize
	}
	top := r.layout.RAMEnd()
	for _, reg := range r.windows() {
		top = max(top, reg.End())
	}
	return hv.AlignUp(top, 1<<30)
}

// cpuid adds a vendor leaf when the configuration has none.
func (r *run) cpuid() []vmx.CPUIDEntry {
	entries := append([]vmx.CPUIDEntry(nil), r.cfg.CPUID...)
	for _, e := range entries {
		if e.Leaf == 0 && e.Subleaf == 0 {
			return entries
		}
	}
	vendor := cpu.HostInfo().Vendor
	if len(vendor) != 12 {
		vendor = DefaultVendor
	}
	ebx, edx, ecx := cpu.VendorLeaf(vendor)
	return append(entries, vmx.CPUIDEntry{EAX: 1, EBX: ebx, ECX: ecx, EDX: edx})
}

// payloadBits is the code width the builder gives the entry point.
func payloadBits(m boot.Mode) amd64.Bits {
	switch m {
	case boot.ModeReal:
		return amd64.Bits16
	case boot.ModeLong:
		return amd64.Bits64
	default:
		return amd64.Bits32
	}
}

func (r *run) payload() ([]byte, error) {
	opts := r.cfg.PayloadOptions
	if opts.Port == 0 {
		opts.Port = r.cfg.ConsolePort
	}
	if opts.MMIOBase == 0 {
		if windows := r.windows(); len(windows) > 0 {
			opts.MMIOBase = windows[0].Base
		}
	}
	prog, err := amd64.Payload(r.cfg.Payload, payloadBits(r.cfg.Mode), opts)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

// load copies the image to the entry point. The image may not overwrite the
// tables or run past RAM.
func (r *run) load() (loader.Image, error) {
	cfg := r.cfg
	opts := []loader.Option{loader.WithLimit(cfg.MemorySize - cfg.Entry)}
	if cfg.LoadProgress != nil {
		opts = append(opts, loader.WithProgress(cfg.LoadProgress))
	}

	var (
		img loader.Image
		err error
	)
	switch {
	case cfg.Payload != "":
		var code []byte
		if code, err = r.payload(); err != nil {
			return img, err
		}
		img, err = loader.LoadBytes(code, r.space, cfg.Entry, opts...)
		img.Path = "payload:" + cfg.Payload
	case cfg.Image != nil:
		img, err = loader.LoadBytes(cfg.Image, r.space, cfg.Entry, opts...)
	default:
		img, err = loader.Load(cfg.ImagePath, r.space, cfg.Entry, opts...)
	}
	if err != nil {
		return img, err
	}
	if img.Addr < r.tablesEnd && cfg.TablesBase < img.End() {
		return img, fmt.Errorf("session: image [%#x, %#x) overlaps the tables [%#x, %#x)",
			img.Addr, img.End(), cfg.TablesBase, r.tablesEnd)
	}
	r.log.Info("session: image loaded", "path", img.Path, "addr", fmt.Sprintf("%#x", img.Addr), "size", img.Size)
	return img, nil
}

// loop steps the vCPU until it terminates. The context is only consulted
// between exits.
func (r *run) loop(ctx context.Context, rep *Report) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if rep.Total >= r.cfg.MaxExits {
			return fmt.Errorf("%w (%d)", ErrExitBudget, r.cfg.MaxExits)
		}
		outcome, err := r.vcpu.Step()
		rep.Total++
		if err != nil {
			r.log.Error("session: guest failed", "reason", r.vcpu.Exit().Reason, "err", err)
			return err
		}
		if outcome == vmx.Terminated {
			r.log.Info("session: guest terminated",
				"reason", r.vcpu.Exit().Reason,
				"rip", fmt.Sprintf("%#x", r.vcpu.Registers().Guest.RIP),
				"exits", rep.Total)
			return nil
		}
	}
}
