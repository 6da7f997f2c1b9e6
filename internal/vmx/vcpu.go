package vmx

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/x86"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// EPTWalkLength is the paging depth of every EPT hierarchy built here.
const EPTWalkLength = 4

// CPUIDEntry is one answer of the guest CPUID table.
type CPUIDEntry struct {
	Leaf, Subleaf      uint32
	EAX, EBX, ECX, EDX uint32
}

type cpuidKey struct{ leaf, subleaf uint32 }

// Config describes a vCPU before it is configured.
type Config struct {
	Features Features

	// Controls carries the exception bitmap, VPID, preemption timer value
	// and TSC offset. Configure fills in the CR masks, read shadows and MSR
	// areas.
	Controls ControlState

	// CPUID answers CPUID exits. Leaves that are absent read as zero.
	CPUID []CPUIDEntry

	// MSRs seeds the virtual MSRs RDMSR and WRMSR exits operate on.
	MSRs map[uint32]uint64

	Dispatcher *Dispatcher
	Logger     *slog.Logger
}

// VCPU is one guest CPU backed by the active VMCS of a Root.
type VCPU struct {
	root  *Root
	vmcs  *VMCS
	proc  Processor
	caps  *Capabilities
	space hv.GuestAddressSpace
	bus   hv.DeviceBus
	log   *slog.Logger

	writer   *Writer
	dispatch *Dispatcher

	features Features
	controls Controls
	state    ControlState
	eptp     EPTPointer
	regs     VmCpuRegisters

	entryMSRs *MSRList
	msrs      map[uint32]uint64
	cpuid     map[cpuidKey]CPUIDEntry

	configured bool
	terminated bool
	stats      map[ExitReason]uint64
}

// NewVCPU binds a vCPU to vmcs, which must be the active VMCS of root.
func NewVCPU(root *Root, vmcs *VMCS, space hv.GuestAddressSpace, bus hv.DeviceBus, cfg Config) (*VCPU, error) {
	if root.Current() != vmcs {
		return nil, ErrNoActiveVMCS
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	d := cfg.Dispatcher
	if d == nil {
		d = NewDispatcher()
	}
	v := &VCPU{
		root:     root,
		vmcs:     vmcs,
		proc:     root.Processor(),
		caps:     root.Capabilities(),
		space:    space,
		bus:      bus,
		log:      log,
		writer:   NewWriter(root.Processor()),
		dispatch: d,
		features: cfg.Features,
		state:    cfg.Controls,
		msrs:     make(map[uint32]uint64),
		cpuid:    make(map[cpuidKey]CPUIDEntry),
		stats:    make(map[ExitReason]uint64),
	}
	maps.Copy(v.msrs, cfg.MSRs)
	for _, e := range cfg.CPUID {
		v.cpuid[cpuidKey{e.Leaf, e.Subleaf}] = e
	}
	return v, nil
}

// Configure negotiates the controls for g and writes the whole VMCS:
// controls, host state, guest state, the EPT pointer and finally TR and the
// link pointer. extra entries are added to the VM-entry MSR-load list.
func (v *VCPU) Configure(g GuestState, extra []MSREntry) error {
	f := v.features
	f.LongMode = g.EFER&cpu.EFERLMA != 0
	controls, err := v.caps.Negotiate(f)
	if err != nil {
		return err
	}
	for _, k := range ControlKinds {
		if dropped := controls.Dropped[k]; dropped != 0 {
			v.log.Warn("vmx: optional controls unavailable", "control", k, "bits", fmt.Sprintf("%#x", dropped))
		}
	}

	if v.entryMSRs == nil {
		if v.entryMSRs, err = NewMSRList(v.root.mem); err != nil {
			return err
		}
	}
	if f.LongMode && controls.Entry&EntryLoadEFER == 0 {
		if err := v.entryMSRs.Set(cpu.MSREFER, g.EFER); err != nil {
			return err
		}
	}
	for _, e := range extra {
		if err := v.entryMSRs.Set(e.Index, e.Value); err != nil {
			return err
		}
	}
	state := v.state
	state.EntryMSRLoad = v.entryMSRs.Area()

	host, err := v.proc.HostState()
	if err != nil {
		return fmt.Errorf("vmx: capture host state: %w", err)
	}

	unrestricted := controls.HasUnrestrictedGuest()
	cr0Fixed0 := v.caps.CR0Fixed0
	if unrestricted {
		cr0Fixed0 &^= cpu.CR0PE | cpu.CR0PG
	}
	state.CR0Mask |= cr0Fixed0 | ^v.caps.CR0Fixed1&0xFFFF_FFFF
	state.CR0Shadow = g.CR0
	state.CR4Mask |= v.caps.CR4Fixed0 | ^v.caps.CR4Fixed1&0xFFFF_FFFF
	state.CR4Shadow = g.CR4
	g.CR0 = v.caps.FixCR0(g.CR0, unrestricted)
	g.CR4 = v.caps.FixCR4(g.CR4)
	if g.LinkPointer == 0 {
		g.LinkPointer = LinkPointerNone
	}

	if err := v.writer.WriteControls(controls, state); err != nil {
		return err
	}
	if err := v.writer.WriteHost(host, controls); err != nil {
		return err
	}
	if err := v.writer.WriteGuest(&g, controls); err != nil {
		return err
	}
	if controls.HasEPT() {
		eptp, err := v.writer.InstallEPT(v.space.PageTableRoot(), EPTWalkLength, hostarch.MemoryTypeWriteBack)
		if err != nil {
			return err
		}
		v.eptp = eptp
	}
	if err := v.writer.Finalize(&g); err != nil {
		return err
	}

	v.controls = controls
	v.state = state
	v.regs.Guest = g
	v.configured = true
	v.terminated = false
	v.log.Debug("vmx: vcpu configured",
		"pin", fmt.Sprintf("%#x", controls.Pin),
		"proc", fmt.Sprintf("%#x", controls.Proc),
		"proc2", fmt.Sprintf("%#x", controls.Proc2),
		"exit", fmt.Sprintf("%#x", controls.Exit),
		"entry", fmt.Sprintf("%#x", controls.Entry),
		"eptp", v.eptp,
	)
	return nil
}

// Step enters the guest once and dispatches the resulting exit.
func (v *VCPU) Step() (Outcome, error) {
	if !v.configured {
		return Terminated, ErrNotConfigured
	}
	if v.terminated {
		return Terminated, ErrTerminated
	}
	g := &v.regs.Guest
	if err := v.proc.VMWrite(GuestRSP, g.GPRs[RSP]); err != nil {
		return v.fail(fmt.Errorf("vmx: write %s: %w", GuestRSP, err))
	}

	restore := v.proc.DisableInterrupts()
	err := v.proc.Enter(!v.vmcs.launched, &g.GPRs, &v.regs.Host)
	restore()
	if err != nil {
		return v.fail(err)
	}

	if err := v.readExit(); err != nil {
		return v.fail(err)
	}
	exit := &g.Exit
	v.stats[exit.Reason]++
	if exit.EntryFailure {
		return v.fail(&EntryFailureError{Reason: exit.Reason, Qualification: exit.Qualification})
	}
	v.vmcs.launched = true

	v.log.Debug("vmx: exit", "reason", exit.Reason, "rip", fmt.Sprintf("%#x", g.RIP),
		"qualification", fmt.Sprintf("%#x", exit.Qualification))

	outcome, err := v.dispatch.Dispatch(v, exit)
	if err != nil {
		return v.fail(err)
	}
	if outcome == Terminated {
		v.terminated = true
		v.log.Info("vmx: guest terminated", "reason", exit.Reason, "rip", fmt.Sprintf("%#x", g.RIP))
	}
	return outcome, nil
}

func (v *VCPU) fail(err error) (Outcome, error) {
	v.terminated = true
	v.log.Error("vmx: vcpu stopped", "err", err)
	return Terminated, err
}

type fieldRead struct {
	f   Field
	dst *uint64
}

func (v *VCPU) readExit() error {
	g := &v.regs.Guest
	reads := []fieldRead{
		{ExitQualification, &g.Exit.Qualification},
		{GuestLinearAddress, &g.Exit.GuestLinear},
		{GuestRIP, &g.RIP},
		{GuestRSP, &g.GPRs[RSP]},
		{GuestRFLAGS, &g.RFLAGS},
		{GuestCR0, &g.CR0},
		{GuestCR3, &g.CR3},
		{GuestCR4, &g.CR4},
	}
	if v.controls.HasEPT() {
		reads = append(reads, fieldRead{GuestPhysicalAddress, &g.Exit.GuestPhysical})
	}
	if v.controls.Exit&ExitSaveEFER != 0 {
		reads = append(reads, fieldRead{GuestEFER, &g.EFER})
	}
	for _, r := range reads {
		value, err := v.proc.VMRead(r.f)
		if err != nil {
			return fmt.Errorf("vmx: read %s: %w", r.f, err)
		}
		*r.dst = value
	}

	var raw [6]uint64
	for i, f := range []Field{ExitReasonField, ExitInstructionLength, ExitInstructionInfo, ExitInterruptionInfo, ExitInterruptionErrorCode, GuestInterruptibility} {
		value, err := v.proc.VMRead(f)
		if err != nil {
			return fmt.Errorf("vmx: read %s: %w", f, err)
		}
		raw[i] = value
	}
	g.Exit.Raw = uint32(raw[0])
	g.Exit.Reason, g.Exit.EntryFailure = DecodeExitReason(g.Exit.Raw)
	g.Exit.InstructionLength = uint32(raw[1])
	g.Exit.InstructionInfo = uint32(raw[2])
	g.Exit.InterruptionInfo = uint32(raw[3])
	g.Exit.InterruptionError = uint32(raw[4])
	g.Interruptibility = uint32(raw[5])
	return nil
}

// AdvanceRIP moves the guest past the instruction that caused the current
// exit, using the VM-exit instruction length.
func (v *VCPU) AdvanceRIP() error {
	return v.advance(uint64(v.regs.Guest.Exit.InstructionLength))
}

// advance adds n to RIP and drops STI and MOV SS blocking, which only
// last for one instruction.
func (v *VCPU) advance(n uint64) error {
	g := &v.regs.Guest
	rip := g.RIP + n
	if !v.long() {
		rip &= 0xFFFF_FFFF
	}
	g.RIP = rip
	values := []fieldValue{{GuestRIP, rip}}
	if block := g.Interruptibility & (BlockingBySTI | BlockingByMovSS); block != 0 {
		g.Interruptibility &^= block
		values = append(values, fieldValue{GuestInterruptibility, uint64(g.Interruptibility)})
	}
	return v.writeFields(values...)
}

// LinearRIP returns CS.base + RIP, the address the guest fetches its next
// instruction from. Outside 64-bit mode it wraps at 4 GiB.
func (v *VCPU) LinearRIP() (uint64, error) {
	csBase, err := v.proc.VMRead(GuestCSBase)
	if err != nil {
		return 0, fmt.Errorf("vmx: read cs base: %w", err)
	}
	linear := csBase + v.regs.Guest.RIP
	if !v.long() {
		linear &= 0xFFFF_FFFF
	}
	return linear, nil
}

// long reports whether the guest executes 64-bit code.
func (v *VCPU) long() bool {
	g := &v.regs.Guest
	return x86.CodeMode(g.CR0, g.EFER, g.Segments[CS].AccessRights) == x86.Mode64
}

func (v *VCPU) writeFields(values ...fieldValue) error {
	return v.writer.write(values...)
}

// syncEFER pushes the guest EFER to wherever VM entry loads it from.
func (v *VCPU) syncEFER() error {
	efer := v.regs.Guest.EFER
	if v.controls.Entry&EntryLoadEFER != 0 {
		return v.writeFields(fieldValue{GuestEFER, efer})
	}
	if err := v.entryMSRs.Set(cpu.MSREFER, efer); err != nil {
		return err
	}
	area := v.entryMSRs.Area()
	return v.writeFields(fieldValue{EntryMSRLoadCount, uint64(area.Count)}, fieldValue{EntryMSRLoadAddress, area.Phys})
}

// MSR returns the guest view of a model-specific register. Unknown MSRs
// read as zero.
func (v *VCPU) MSR(index uint32) uint64 {
	if index == cpu.MSREFER {
		return v.regs.Guest.EFER
	}
	return v.msrs[index]
}

// SetMSR records a guest MSR write. EFER writes reach the guest state.
func (v *VCPU) SetMSR(index uint32, value uint64) error {
	if index != cpu.MSREFER {
		v.msrs[index] = value
		return nil
	}
	// LMA is read-only to software.
	g := &v.regs.Guest
	g.EFER = value&^cpu.EFERLMA | g.EFER&cpu.EFERLMA
	if !v.configured {
		return nil
	}
	return v.syncEFER()
}

// CPUID answers a guest CPUID. A (leaf, subleaf) entry wins over the
// (leaf, 0) entry; anything else reads as zero.
func (v *VCPU) CPUID(leaf, subleaf uint32) CPUIDEntry {
	if e, ok := v.cpuid[cpuidKey{leaf, subleaf}]; ok {
		return e
	}
	if e, ok := v.cpuid[cpuidKey{leaf, 0}]; ok {
		return e
	}
	return CPUIDEntry{Leaf: leaf, Subleaf: subleaf}
}

// RequestInterruptWindow asks for an exit as soon as the guest can take an
// external interrupt.
func (v *VCPU) RequestInterruptWindow() error {
	if v.caps.ControlMSR(ControlProc)>>32&uint64(ProcInterruptWindowExiting) == 0 {
		return &UnsupportedFeatureError{Control: ControlProc, Bits: ProcInterruptWindowExiting}
	}
	v.controls.Proc |= ProcInterruptWindowExiting
	return v.writeFields(fieldValue{ProcBasedControls, uint64(v.controls.Proc)})
}

func (v *VCPU) Registers() *VmCpuRegisters  { return &v.regs }
func (v *VCPU) Exit() *ExitInfo             { return &v.regs.Guest.Exit }
func (v *VCPU) Controls() Controls          { return v.controls }
func (v *VCPU) ControlState() ControlState  { return v.state }
func (v *VCPU) EPTPointer() EPTPointer      { return v.eptp }
func (v *VCPU) Space() hv.GuestAddressSpace { return v.space }
func (v *VCPU) Bus() hv.DeviceBus           { return v.bus }
func (v *VCPU) Terminated() bool            { return v.terminated }

// Stats returns the number of exits seen per reason.
func (v *VCPU) Stats() map[ExitReason]uint64 {
	return maps.Clone(v.stats)
}

// Close releases the MSR-load area. The VMCS stays owned by the Root.
func (v *VCPU) Close() error {
	if v.entryMSRs == nil {
		return nil
	}
	err := v.entryMSRs.Close()
	v.entryMSRs = nil
	return err
}
