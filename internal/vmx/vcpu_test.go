package vmx

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/hv"
)

type vcpuFixture struct {
	p     *fakeProc
	root  *Root
	vmcs  *VMCS
	space *flatSpace
	bus   *fakeBus
	v     *VCPU
}

// newVCPUFixture brings a fake processor to the Active state and binds an
// unconfigured vCPU to its VMCS.
func newVCPUFixture(t *testing.T, cfg Config) *vcpuFixture {
	t.Helper()
	fx := &vcpuFixture{
		p: newFakeProc(),
		space: &flatSpace{
			mem:    make([]byte, 0x10000),
			root:   0x7000,
			window: hv.MMIORegion{Address: 0x8000, Size: 0x1000},
		},
		bus: &fakeBus{
			portValue: make(map[uint16]uint64),
			regs:      make(map[uint64]uint64),
		},
	}
	var err error
	if fx.root, err = NewRoot(fx.p, newFakeMem(), nil); err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	if err := fx.root.EnableVMX(); err != nil {
		t.Fatalf("EnableVMX: %v", err)
	}
	region, err := fx.root.AllocateRegion()
	if err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}
	if err := fx.root.EnterRoot(region); err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	if fx.vmcs, err = fx.root.AllocateVMCS(); err != nil {
		t.Fatalf("AllocateVMCS: %v", err)
	}
	if err := fx.root.Activate(fx.vmcs); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if fx.v, err = NewVCPU(fx.root, fx.vmcs, fx.space, fx.bus, cfg); err != nil {
		t.Fatalf("NewVCPU: %v", err)
	}
	return fx
}

// newConfiguredVCPU is newVCPUFixture followed by Configure(g).
func newConfiguredVCPU(t *testing.T, cfg Config, g GuestState) *vcpuFixture {
	t.Helper()
	fx := newVCPUFixture(t, cfg)
	if err := fx.v.Configure(g, nil); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return fx
}

// script makes successive entries run steps in order, then halt.
func (p *fakeProc) script(steps ...func(p *fakeProc, gprs *GPRs)) {
	p.exit = func(p *fakeProc, gprs *GPRs) {
		if len(steps) == 0 {
			p.setExit(ExitHLT, 0, 1)
			return
		}
		step := steps[0]
		steps = steps[1:]
		step(p, gprs)
	}
}

func (fx *vcpuFixture) step(t *testing.T, want Outcome) {
	t.Helper()
	got, err := fx.v.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got != want {
		t.Fatalf("Step = %s, want %s", got, want)
	}
}

func (fx *vcpuFixture) gprs() *GPRs { return &fx.v.Registers().Guest.GPRs }

func longGuest() GuestState {
	g := flatGuest32()
	g.CR0 = cpu.CR0PE | cpu.CR0ET | cpu.CR0PG
	g.CR3 = 0x2000
	g.CR4 = cpu.CR4PAE
	g.EFER = cpu.EFERLME | cpu.EFERLMA
	g.Segments[CS].AccessRights = ARCode64
	return g
}

func unrestricted() Config {
	return Config{Features: Features{EPT: true, UnrestrictedGuest: true}}
}

func TestNewVCPURequiresActiveVMCS(t *testing.T) {
	fx := newVCPUFixture(t, Config{})
	other, err := fx.root.AllocateVMCS()
	if err != nil {
		t.Fatalf("AllocateVMCS: %v", err)
	}
	if _, err := NewVCPU(fx.root, other, fx.space, fx.bus, Config{}); !errors.Is(err, ErrNoActiveVMCS) {
		t.Fatalf("NewVCPU = %v", err)
	}
	if _, err := fx.v.Step(); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Step before Configure = %v", err)
	}
}

func TestConfigure(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	p := fx.p

	if got := p.fields[GuestCR0]; got != 0x8000_0031 {
		t.Fatalf("guest cr0 = %#x", got)
	}
	if p.fields[CR0ReadShadow] != 0x11 || p.fields[CR0GuestHostMask] != 0x8000_0021 {
		t.Fatalf("cr0 shadow/mask = %#x/%#x", p.fields[CR0ReadShadow], p.fields[CR0GuestHostMask])
	}
	if p.fields[GuestCR4] != 0x2000 || p.fields[CR4ReadShadow] != 0 || p.fields[CR4GuestHostMask]&cpu.CR4VMXE == 0 {
		t.Fatalf("cr4 = %#x shadow %#x mask %#x", p.fields[GuestCR4], p.fields[CR4ReadShadow], p.fields[CR4GuestHostMask])
	}
	if p.fields[EPTPointerField] != 0x701E || fx.v.EPTPointer().Root() != 0x7000 {
		t.Fatalf("eptp = %#x", p.fields[EPTPointerField])
	}
	if p.fields[EntryMSRLoadCount] != 0 {
		t.Fatalf("entry msr count = %d", p.fields[EntryMSRLoadCount])
	}
	if p.writes[len(p.writes)-1] != VMCSLinkPointer || p.fields[VMCSLinkPointer] != LinkPointerNone {
		t.Fatalf("last write %s = %#x", p.writes[len(p.writes)-1], p.fields[VMCSLinkPointer])
	}
	if indexOf(p.writes, ProcBasedControls) > indexOf(p.writes, HostCR0) ||
		indexOf(p.writes, HostCR0) > indexOf(p.writes, GuestCR0) ||
		indexOf(p.writes, GuestCR0) > indexOf(p.writes, EPTPointerField) {
		t.Fatalf("writes out of order: %v", p.writes)
	}
	if !fx.v.Controls().HasEPT() {
		t.Fatalf("controls = %+v", fx.v.Controls())
	}
}

func TestConfigureLongModeEFER(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, longGuest())
	if fx.v.Controls().Entry&EntryIA32eModeGuest == 0 {
		t.Fatalf("entry controls = %#x", fx.v.Controls().Entry)
	}
	if fx.p.fields[EntryMSRLoadCount] != 1 {
		t.Fatalf("entry msr count = %d", fx.p.fields[EntryMSRLoadCount])
	}
	want := []MSREntry{{Index: cpu.MSREFER, Value: cpu.EFERLME | cpu.EFERLMA}}
	if diff := cmp.Diff(want, fx.v.entryMSRs.Entries()); diff != "" {
		t.Fatalf("entry msrs mismatch (-want +got):\n%s", diff)
	}
	e, reserved := DecodeMSREntry(fx.v.entryMSRs.data, 0)
	if e != want[0] || reserved != 0 {
		t.Fatalf("msr area entry = %+v reserved %#x", e, reserved)
	}

	cfg := Config{Features: DefaultFeatures()}
	cfg.Features.LoadEFER = true
	fx = newConfiguredVCPU(t, cfg, longGuest())
	if fx.p.fields[GuestEFER] != cpu.EFERLME|cpu.EFERLMA || fx.p.fields[EntryMSRLoadCount] != 0 {
		t.Fatalf("guest efer = %#x, msr count %d", fx.p.fields[GuestEFER], fx.p.fields[EntryMSRLoadCount])
	}
}

func TestStepHalt(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script()
	fx.step(t, Terminated)

	if !fx.v.Terminated() || !fx.vmcs.Launched() {
		t.Fatal("vcpu not terminated after HLT")
	}
	if fx.p.ops[len(fx.p.ops)-1] != "vmlaunch" {
		t.Fatalf("ops = %q", fx.p.ops)
	}
	if got := fx.v.Registers().Guest.RIP; got != flatGuest32().RIP {
		t.Fatalf("rip after HLT = %#x, want the HLT at %#x", got, flatGuest32().RIP)
	}
	if _, err := fx.v.Step(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Step after termination = %v", err)
	}
	if got := fx.v.Stats()[ExitHLT]; got != 1 {
		t.Fatalf("HLT exits = %d", got)
	}
}

func TestStepTripleFault(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(func(p *fakeProc, _ *GPRs) { p.setExit(ExitTripleFault, 0, 0) })
	fx.step(t, Terminated)
}

func TestStepPortOutput(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(func(p *fakeProc, gprs *GPRs) {
		gprs[RAX] = 'A'
		p.setExit(ExitIOInstruction, IOQualification{Size: 1, Port: 0xE9, Immediate: true}.Encode(), 2)
	})

	fx.step(t, Resumed)
	if fx.p.fields[GuestRIP] != 0x1002 {
		t.Fatalf("rip = %#x, want 0x1002", fx.p.fields[GuestRIP])
	}
	if diff := cmp.Diff([]string{"0xe9:41"}, fx.bus.portWrites); diff != "" {
		t.Fatalf("port writes mismatch (-want +got):\n%s", diff)
	}

	fx.step(t, Terminated)
	if fx.p.ops[len(fx.p.ops)-1] != "vmresume" {
		t.Fatalf("second entry = %q", fx.p.ops[len(fx.p.ops)-1])
	}
	if fx.p.fields[GuestRSP] != 0x8000 {
		t.Fatalf("guest rsp = %#x", fx.p.fields[GuestRSP])
	}
}

func TestStepPortInput(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.bus.portValue[0x60] = 0x1234
	fx.p.script(
		func(p *fakeProc, gprs *GPRs) {
			gprs[RAX] = 0xFFFF
			p.setExit(ExitIOInstruction, IOQualification{Size: 1, In: true, Port: 0x80}.Encode(), 1)
		},
		func(p *fakeProc, gprs *GPRs) {
			gprs[RAX] = 0xFFFF_0000
			p.setExit(ExitIOInstruction, IOQualification{Size: 2, In: true, Port: 0x60}.Encode(), 2)
		},
	)

	fx.step(t, Resumed)
	if got := fx.gprs()[RAX]; got != 0xFF00 {
		t.Fatalf("in from unclaimed port: rax = %#x", got)
	}
	fx.step(t, Resumed)
	if got := fx.gprs()[RAX]; got != 0xFFFF_1234 {
		t.Fatalf("in from port 0x60: rax = %#x", got)
	}
	if fx.p.fields[GuestRIP] != 0x1003 {
		t.Fatalf("rip = %#x", fx.p.fields[GuestRIP])
	}
}

func TestStepVMCALL(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(
		func(p *fakeProc, gprs *GPRs) {
			gprs[RAX] = 5
			p.setExit(ExitVMCALL, 0, 3)
		},
		func(p *fakeProc, gprs *GPRs) {
			gprs[RAX] = HypercallShutdown
			p.setExit(ExitVMCALL, 0, 3)
		},
	)
	fx.step(t, Resumed)
	if fx.gprs()[RAX] != ^uint64(0) || fx.p.fields[GuestRIP] != 0x1003 {
		t.Fatalf("unknown hypercall: rax %#x rip %#x", fx.gprs()[RAX], fx.p.fields[GuestRIP])
	}
	fx.step(t, Terminated)
}

func TestStepCPUID(t *testing.T) {
	cfg := Config{
		Features: DefaultFeatures(),
		CPUID: []CPUIDEntry{
			{Leaf: 0, EAX: 0xD, EBX: 0x756E_6547, ECX: 0x6C65_746E, EDX: 0x4965_6E69},
			{Leaf: 7, EBX: 1},
		},
	}
	fx := newConfiguredVCPU(t, cfg, flatGuest32())
	fx.p.script(func(p *fakeProc, gprs *GPRs) {
		gprs[RAX], gprs[RCX] = 0, 0
		p.setExit(ExitCPUID, 0, 2)
	})
	fx.step(t, Resumed)
	g := fx.gprs()
	if g[RAX] != 0xD || g[RBX] != 0x756E_6547 || g[RCX] != 0x6C65_746E || g[RDX] != 0x4965_6E69 {
		t.Fatalf("cpuid(0) = %#x %#x %#x %#x", g[RAX], g[RBX], g[RCX], g[RDX])
	}

	if e := fx.v.CPUID(7, 1); e.EBX != 1 {
		t.Fatalf("cpuid(7, 1) did not fall back to subleaf 0: %+v", e)
	}
	if e := fx.v.CPUID(0x4000_0000, 0); e != (CPUIDEntry{Leaf: 0x4000_0000}) {
		t.Fatalf("absent leaf = %+v", e)
	}
}

func TestStepMSRs(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures(), MSRs: map[uint32]uint64{0x1B: 0xFEE0_0900}}, flatGuest32())
	fx.p.script(
		func(p *fakeProc, gprs *GPRs) {
			gprs[RCX], gprs[RDX], gprs[RAX] = 0x10, 1, 2
			p.setExit(ExitWRMSR, 0, 2)
		},
		func(p *fakeProc, gprs *GPRs) {
			gprs[RCX], gprs[RDX], gprs[RAX] = 0x10, 0xAA, 0xBB
			p.setExit(ExitRDMSR, 0, 2)
		},
		func(p *fakeProc, gprs *GPRs) {
			gprs[RCX], gprs[RDX], gprs[RAX] = uint64(cpu.MSREFER), 0, cpu.EFERLME|cpu.EFERLMA
			p.setExit(ExitWRMSR, 0, 2)
		},
	)
	fx.step(t, Resumed)
	fx.step(t, Resumed)
	if g := fx.gprs(); g[RAX] != 2 || g[RDX] != 1 {
		t.Fatalf("rdmsr = %#x:%#x", g[RDX], g[RAX])
	}
	if got := fx.v.MSR(0x1B); got != 0xFEE0_0900 {
		t.Fatalf("seeded msr = %#x", got)
	}

	fx.step(t, Resumed)
	if got := fx.v.Registers().Guest.EFER; got != cpu.EFERLME {
		t.Fatalf("efer = %#x, LMA must stay read-only", got)
	}
	if fx.p.fields[EntryMSRLoadCount] != 1 {
		t.Fatalf("entry msr count = %d", fx.p.fields[EntryMSRLoadCount])
	}
}

func TestStepCRAccess(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(
		func(p *fakeProc, gprs *GPRs) {
			gprs[RAX] = cpu.CR4PAE
			p.setExit(ExitCRAccess, CRQualification{CR: 4, Access: CRAccessMovTo, GPR: RAX}.Encode(), 3)
		},
		func(p *fakeProc, gprs *GPRs) {
			p.setExit(ExitCRAccess, CRQualification{CR: 4, Access: CRAccessMovFrom, GPR: RBX}.Encode(), 3)
		},
	)
	fx.step(t, Resumed)
	if fx.p.fields[CR4ReadShadow] != cpu.CR4PAE || fx.p.fields[GuestCR4] != cpu.CR4PAE|cpu.CR4VMXE {
		t.Fatalf("cr4 shadow %#x guest %#x", fx.p.fields[CR4ReadShadow], fx.p.fields[GuestCR4])
	}
	fx.step(t, Resumed)
	if got := fx.gprs()[RBX]; got != cpu.CR4PAE {
		t.Fatalf("mov from cr4 = %#x, VMXE must be hidden", got)
	}
}

func TestStepLMSWAndCLTS(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	lmsw := func(src uint16) func(*fakeProc, *GPRs) {
		return func(p *fakeProc, _ *GPRs) {
			p.setExit(ExitCRAccess, CRQualification{CR: 0, Access: CRAccessLMSW, LMSWSource: src}.Encode(), 3)
		}
	}
	fx.p.script(
		lmsw(uint16(cpu.CR0MP|cpu.CR0TS)),
		func(p *fakeProc, _ *GPRs) {
			p.setExit(ExitCRAccess, CRQualification{CR: 0, Access: CRAccessCLTS}.Encode(), 2)
		},
		lmsw(0),
	)
	for _, want := range []uint64{
		0x11 | cpu.CR0MP | cpu.CR0TS,
		0x11 | cpu.CR0MP,
		0x11, // LMSW cannot clear PE
	} {
		fx.step(t, Resumed)
		if got := fx.p.fields[CR0ReadShadow]; got != want {
			t.Fatalf("cr0 shadow = %#x, want %#x", got, want)
		}
	}
	if got := fx.v.Registers().Guest.RIP; got != flatGuest32().RIP+8 {
		t.Fatalf("rip = %#x", got)
	}
}

func TestStepEnablePagingActivatesLongMode(t *testing.T) {
	g := flatGuest32()
	g.EFER = cpu.EFERLME
	fx := newConfiguredVCPU(t, unrestricted(), g)
	if fx.p.fields[GuestCR0] != 0x31 {
		t.Fatalf("guest cr0 = %#x", fx.p.fields[GuestCR0])
	}
	fx.p.script(func(p *fakeProc, gprs *GPRs) {
		gprs[RAX] = cpu.CR0PG | cpu.CR0ET | cpu.CR0PE
		p.setExit(ExitCRAccess, CRQualification{CR: 0, Access: CRAccessMovTo, GPR: RAX}.Encode(), 3)
	})
	fx.step(t, Resumed)

	if got := fx.v.Registers().Guest.EFER; got != cpu.EFERLME|cpu.EFERLMA {
		t.Fatalf("efer = %#x", got)
	}
	if fx.p.fields[EntryControls]&uint64(EntryIA32eModeGuest) == 0 {
		t.Fatalf("entry controls = %#x", fx.p.fields[EntryControls])
	}
	want := []MSREntry{{Index: cpu.MSREFER, Value: cpu.EFERLME | cpu.EFERLMA}}
	if diff := cmp.Diff(want, fx.v.entryMSRs.Entries()); diff != "" {
		t.Fatalf("entry msrs mismatch (-want +got):\n%s", diff)
	}
}

func TestStepEPTViolation(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(
		func(p *fakeProc, _ *GPRs) {
			p.setExit(ExitEPTViolation, EPTViolation{Read: true}.Encode(), 0)
			p.fields[GuestPhysicalAddress] = 0x8010
		},
		func(p *fakeProc, _ *GPRs) {
			p.setExit(ExitEPTViolation, EPTViolation{Write: true}.Encode(), 0)
			p.fields[GuestPhysicalAddress] = 0x2_0000
		},
	)
	fx.step(t, Resumed)
	if fx.p.fields[GuestRIP] != 0x1000 {
		t.Fatalf("rip moved to %#x on a resolved fault", fx.p.fields[GuestRIP])
	}

	outcome, err := fx.v.Step()
	var te *TranslationError
	if outcome != Terminated || !errors.As(err, &te) || !errors.Is(err, hv.ErrUnresolvedFault) {
		t.Fatalf("Step = %s, %v", outcome, err)
	}
	if te.GPA != 0x2_0000 || !te.Access.Write {
		t.Fatalf("translation error = %+v", te)
	}
	if diff := cmp.Diff([]uint64{0x8010, 0x2_0000}, fx.space.faults); diff != "" {
		t.Fatalf("faults mismatch (-want +got):\n%s", diff)
	}
}

func TestStepEPTMisconfiguration(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(func(p *fakeProc, _ *GPRs) { p.setExit(ExitEPTMisconfig, 0, 0) })
	if _, err := fx.v.Step(); !errors.Is(err, ErrEPTMisconfiguration) {
		t.Fatalf("Step = %v", err)
	}
}

func TestStepMMIOEmulation(t *testing.T) {
	fx := newConfiguredVCPU(t, unrestricted(), flatGuest32())
	fx.bus.mmio = hv.SimpleMMIODevice{
		DeviceName: "regs",
		Regions:    []hv.MMIORegion{{Address: 0xE000_0000, Size: 0x1000}},
	}
	copy(fx.space.mem[0x1000:], []byte{
		0x89, 0x03, // mov [rbx], eax
		0x8B, 0x0B, // mov ecx, [rbx]
		0xC7, 0x03, 0x78, 0x56, 0x34, 0x12, // mov dword [rbx], 0x12345678
	})
	mmio := func(write bool) func(p *fakeProc, gprs *GPRs) {
		return func(p *fakeProc, gprs *GPRs) {
			gprs[RBX] = 0xE000_0010
			p.setExit(ExitEPTViolation, EPTViolation{Read: !write, Write: write}.Encode(), 0)
			p.fields[GuestPhysicalAddress] = 0xE000_0010
		}
	}
	fx.gprs()[RAX] = 0xCAFE_BABE
	fx.p.script(mmio(true), mmio(false), mmio(true))

	fx.step(t, Resumed)
	if got := fx.bus.regs[0xE000_0010]; got != 0xCAFE_BABE {
		t.Fatalf("mmio register = %#x", got)
	}
	if fx.p.fields[GuestRIP] != 0x1002 {
		t.Fatalf("rip = %#x", fx.p.fields[GuestRIP])
	}

	fx.step(t, Resumed)
	if got := fx.gprs()[RCX]; got != 0xCAFE_BABE {
		t.Fatalf("ecx = %#x", got)
	}

	fx.step(t, Resumed)
	if got := fx.bus.regs[0xE000_0010]; got != 0x1234_5678 {
		t.Fatalf("mmio register = %#x", got)
	}
	if fx.p.fields[GuestRIP] != 0x100A {
		t.Fatalf("rip = %#x", fx.p.fields[GuestRIP])
	}
	if len(fx.space.faults) != 0 {
		t.Fatalf("device accesses reached the address space: %#x", fx.space.faults)
	}
}

func TestStepMMIORejectsOtherInstructions(t *testing.T) {
	fx := newConfiguredVCPU(t, unrestricted(), flatGuest32())
	fx.bus.mmio = hv.SimpleMMIODevice{
		DeviceName: "regs",
		Regions:    []hv.MMIORegion{{Address: 0xE000_0000, Size: 0x1000}},
	}
	copy(fx.space.mem[0x1000:], []byte{0x01, 0x03}) // add [rbx], eax
	fx.p.script(func(p *fakeProc, gprs *GPRs) {
		gprs[RBX] = 0xE000_0000
		p.setExit(ExitEPTViolation, EPTViolation{Write: true}.Encode(), 0)
		p.fields[GuestPhysicalAddress] = 0xE000_0000
	})
	if _, err := fx.v.Step(); !errors.Is(err, ErrMMIOInstruction) {
		t.Fatalf("Step = %v", err)
	}
}

type windowDevice struct {
	hv.SimpleMMIODevice
}

func (windowDevice) Backing(addr uint64) (hv.Backing, error) {
	return hv.Backing{Phys: 0x4000_0000 + addr}, nil
}

func TestStepPassthroughMapsWindow(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.bus.mmio = windowDevice{hv.SimpleMMIODevice{
		DeviceName: "fb",
		Regions:    []hv.MMIORegion{{Address: 0xE000_0000, Size: 0x2000}},
	}}
	fx.p.script(func(p *fakeProc, _ *GPRs) {
		p.setExit(ExitEPTViolation, EPTViolation{Write: true}.Encode(), 0)
		p.fields[GuestPhysicalAddress] = 0xE000_1234
	})
	fx.step(t, Resumed)
	if diff := cmp.Diff([]hv.MMIORegion{{Address: 0xE000_0000, Size: 0x2000}}, fx.space.maps); diff != "" {
		t.Fatalf("maps mismatch (-want +got):\n%s", diff)
	}
	if fx.p.fields[GuestRIP] != 0x1000 {
		t.Fatalf("rip = %#x", fx.p.fields[GuestRIP])
	}
}

func TestStepEntryFailure(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(func(p *fakeProc, _ *GPRs) {
		p.setExit(ExitEntryFailGuestState, 4, 0)
		p.fields[ExitReasonField] |= uint64(ExitReasonEntryFailure)
	})
	outcome, err := fx.v.Step()
	var efe *EntryFailureError
	if outcome != Terminated || !errors.As(err, &efe) {
		t.Fatalf("Step = %s, %v", outcome, err)
	}
	if efe.Reason != ExitEntryFailGuestState || efe.Qualification != 4 {
		t.Fatalf("entry failure = %+v", efe)
	}
	if fx.vmcs.Launched() {
		t.Fatal("vmcs marked launched after a failed entry")
	}
	if _, err := fx.v.Step(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("Step after failure = %v", err)
	}
}

func TestStepInstructionError(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.enterErr = FailValid("vmlaunch", uint32(ErrCodeEntryInvalidControls))
	_, err := fx.v.Step()
	var ie *InstructionError
	if !errors.As(err, &ie) || ie.Code != ErrCodeEntryInvalidControls {
		t.Fatalf("Step = %v", err)
	}
}

func TestDispatcherCustomHandlers(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	fx.p.script(func(p *fakeProc, _ *GPRs) { p.setExit(ExitRDTSC, 0, 2) })
	outcome, err := fx.v.Step()
	var ue *UnhandledExitError
	if outcome != Terminated || !errors.As(err, &ue) {
		t.Fatalf("Step = %s, %v", outcome, err)
	}
	if ue.Reason != ExitRDTSC || ue.RIP != 0x1000 {
		t.Fatalf("unhandled exit = %+v", ue)
	}

	d := NewDispatcher()
	d.Handle(ExitRDTSC, func(v *VCPU, _ *ExitInfo) (Outcome, error) {
		g := &v.Registers().Guest
		g.GPRs[RAX], g.GPRs[RDX] = 0x10, 0
		return Resumed, v.AdvanceRIP()
	})
	d.Handle(ExitHLT, nil)
	fx = newConfiguredVCPU(t, Config{Features: DefaultFeatures(), Dispatcher: d}, flatGuest32())
	fx.p.script(func(p *fakeProc, _ *GPRs) { p.setExit(ExitRDTSC, 0, 2) })
	fx.step(t, Resumed)
	if fx.gprs()[RAX] != 0x10 || fx.p.fields[GuestRIP] != 0x1002 {
		t.Fatalf("rdtsc handler: rax %#x rip %#x", fx.gprs()[RAX], fx.p.fields[GuestRIP])
	}
	if _, err := fx.v.Step(); !errors.As(err, &ue) || ue.Reason != ExitHLT {
		t.Fatalf("HLT with handler removed = %v", err)
	}
}

func TestInterruptWindow(t *testing.T) {
	fx := newConfiguredVCPU(t, Config{Features: DefaultFeatures()}, flatGuest32())
	if err := fx.v.RequestInterruptWindow(); err != nil {
		t.Fatalf("RequestInterruptWindow: %v", err)
	}
	if fx.p.fields[ProcBasedControls]&uint64(ProcInterruptWindowExiting) == 0 {
		t.Fatal("interrupt-window exiting not set")
	}
	fx.p.script(func(p *fakeProc, _ *GPRs) { p.setExit(ExitInterruptWindow, 0, 0) })
	fx.step(t, Resumed)
	if fx.p.fields[ProcBasedControls]&uint64(ProcInterruptWindowExiting) != 0 {
		t.Fatal("interrupt-window exiting still set")
	}
	if fx.p.fields[GuestRIP] != 0x1000 {
		t.Fatalf("rip = %#x", fx.p.fields[GuestRIP])
	}
}
