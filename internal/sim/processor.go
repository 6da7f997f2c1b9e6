package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/vmx"
)

var (
	// ErrInvalidOpcode is a #UD raised by a VMX instruction, for example
	// VMXON with CR4.VMXE clear.
	ErrInvalidOpcode = errors.New("sim: invalid opcode (#UD)")
	// ErrGeneralProtection is a #GP raised by a privileged instruction.
	ErrGeneralProtection = errors.New("sim: general protection fault (#GP)")
	// ErrStepLimit ends a VM entry that ran more instructions than
	// Options.StepLimit allows.
	ErrStepLimit = errors.New("sim: guest step limit reached")
	// ErrHalted ends a VM entry whose guest executed HLT without HLT
	// exiting; nothing could ever wake it.
	ErrHalted = errors.New("sim: guest halted with HLT exiting disabled")

	// ErrUnsupported ends a VM entry whose guest did something the
	// interpreter does not model.
	ErrUnsupported = errors.New("sim: guest operation not modelled")

	ErrNoMemory = errors.New("sim: no physical memory configured")
)

// invalidPointer is the current-VMCS pointer outside VMX operation or
// after the current VMCS was cleared.
const invalidPointer = ^uint64(0)

type vmcs struct {
	fields   map[vmx.Field]uint64
	launched bool
}

// Processor is one simulated logical CPU. It is not safe for concurrent
// use, matching the one-thread-per-CPU model of the native backend.
type Processor struct {
	opts Options
	log  *slog.Logger

	msrs      map[uint32]uint64
	crs       map[cpu.ControlRegister]uint64
	physWidth int
	fields    map[vmx.Field]bool

	root    bool
	vmxon   uint64
	current uint64
	regions map[uint64]*vmcs

	interruptsOff bool
	steps         uint64
}

var _ vmx.Processor = (*Processor)(nil)

// New returns a processor outside VMX operation with CR4.VMXE clear.
func New(opts Options) (*Processor, error) {
	if opts.Memory == nil {
		return nil, ErrNoMemory
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{
		opts:      opts,
		log:       log,
		msrs:      opts.msrs(),
		crs:       map[cpu.ControlRegister]uint64{cpu.CR0: hostCR0, cpu.CR3: hostCR3, cpu.CR4: hostCR4},
		physWidth: opts.physWidth(),
		fields:    make(map[vmx.Field]bool),
		current:   invalidPointer,
		regions:   make(map[uint64]*vmcs),
	}
	for _, f := range vmx.Fields() {
		p.fields[f] = true
	}
	return p, nil
}

// Steps is the number of guest instructions executed so far.
func (p *Processor) Steps() uint64 { return p.steps }

// InRoot reports whether VMXON has succeeded and VMXOFF has not.
func (p *Processor) InRoot() bool { return p.root }

func (p *Processor) ReadMSR(index uint32) (uint64, error) {
	v, ok := p.msrs[index]
	if !ok {
		return 0, fmt.Errorf("%w: rdmsr %#x", ErrGeneralProtection, index)
	}
	return v, nil
}

func (p *Processor) WriteMSR(index uint32, value uint64) error {
	switch {
	case index == cpu.MSRFeatureControl:
		if p.msrs[index]&cpu.FeatureControlLocked != 0 {
			return fmt.Errorf("%w: feature control is locked", ErrGeneralProtection)
		}
	case index >= cpu.MSRVMXBasic && index <= cpu.MSRVMXVMFunc:
		return fmt.Errorf("%w: wrmsr to read-only %#x", ErrGeneralProtection, index)
	case index == cpu.MSREFER:
		value = value&^cpu.EFERLMA | p.msrs[index]&cpu.EFERLMA
	}
	p.msrs[index] = value
	return nil
}

func (p *Processor) ReadCR(cr cpu.ControlRegister) (uint64, error) {
	v, ok := p.crs[cr]
	if !ok {
		return 0, fmt.Errorf("%w: read %s", ErrInvalidOpcode, cr)
	}
	return v, nil
}

// WriteCR enforces the VMX fixed bits while in VMX operation.
func (p *Processor) WriteCR(cr cpu.ControlRegister, value uint64) error {
	if _, ok := p.crs[cr]; !ok {
		return fmt.Errorf("%w: write %s", ErrInvalidOpcode, cr)
	}
	if p.root {
		switch cr {
		case cpu.CR0:
			if !fixedOK(value, p.msrs[cpu.MSRVMXCR0Fixed0], p.msrs[cpu.MSRVMXCR0Fixed1]) {
				return fmt.Errorf("%w: cr0 %#x violates VMX fixed bits", ErrGeneralProtection, value)
			}
		case cpu.CR4:
			if !fixedOK(value, p.msrs[cpu.MSRVMXCR4Fixed0], p.msrs[cpu.MSRVMXCR4Fixed1]) {
				return fmt.Errorf("%w: cr4 %#x violates VMX fixed bits", ErrGeneralProtection, value)
			}
		}
	}
	p.crs[cr] = value
	return nil
}

func fixedOK(value, fixed0, fixed1 uint64) bool {
	return value&fixed0 == fixed0 && value&^fixed1&0xFFFF_FFFF == 0
}

// CPUID answers the handful of leaves the hypervisor looks at.
func (p *Processor) CPUID(leaf, _ uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case 0:
		// "GenuineIntel"
		return 0x16, 0x756E_6547, 0x6C65_746E, 0x4965_6E69
	case 1:
		ecx = 1<<0 | 1<<9 | 1<<19 | 1<<20 | 1<<23
		if !p.opts.NoVMX {
			ecx |= 1 << 5
		}
		// Family 6 model 0x5E.
		return 0x0005_06E3, 0, ecx, 0xBFEB_FBFF
	case 0x8000_0000:
		return 0x8000_0008, 0, 0, 0
	case 0x8000_0001:
		return 0, 0, 1, 1<<29 | 1<<20 | 1<<11
	case 0x8000_0008:
		return uint32(48<<8 | p.physWidth), 0, 0, 0
	}
	return 0, 0, 0, 0
}

func (p *Processor) DisableInterrupts() func() {
	prev := p.interruptsOff
	p.interruptsOff = true
	return func() { p.interruptsOff = prev }
}

// HostState reports the host register file as a 64-bit kernel would have
// it.
func (p *Processor) HostState() (vmx.HostState, error) {
	return vmx.HostState{
		CR0: p.crs[cpu.CR0],
		CR3: p.crs[cpu.CR3],
		CR4: p.crs[cpu.CR4],
		Segments: cpu.HostSegments{
			CS:       0x10,
			SS:       0x18,
			DS:       0x18,
			ES:       0x18,
			TR:       0x40,
			TRBase:   0xFFFF_FE00_0000_3000,
			GDTBase:  0xFFFF_FE00_0000_1000,
			GDTLimit: 0x7F,
			IDTBase:  0xFFFF_FE00_0000_0000,
			IDTLimit: 0xFFF,
		},
		EFER: p.msrs[cpu.MSREFER],
		PAT:  p.msrs[cpu.MSRPAT],
	}, nil
}

func (p *Processor) revision() uint32 {
	return uint32(p.msrs[cpu.MSRVMXBasic] & 0x7FFF_FFFF)
}

func (p *Processor) validAddress(addr uint64) bool {
	return addr&0xFFF == 0 && addr>>p.physWidth == 0
}

func (p *Processor) regionRevision(addr uint64) (uint32, error) {
	b, err := p.opts.Memory.PhysicalBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// fail reports VMfailValid when a current VMCS exists to record code in,
// VMfailInvalid otherwise.
func (p *Processor) fail(op string, code vmx.InstructionErrorCode) error {
	v := p.regions[p.current]
	if p.current == invalidPointer || v == nil {
		return fmt.Errorf("sim: %s: %w", op, vmx.ErrVMFailInvalid)
	}
	v.fields[vmx.VMInstructionError] = uint64(code)
	return vmx.FailValid(op, uint32(code))
}

func (p *Processor) VMXOn(region uint64) error {
	if p.crs[cpu.CR4]&cpu.CR4VMXE == 0 {
		return fmt.Errorf("vmxon: %w", ErrInvalidOpcode)
	}
	if p.root {
		return p.fail("vmxon", vmx.ErrCodeVMXONInRoot)
	}
	fc := p.msrs[cpu.MSRFeatureControl]
	if fc&cpu.FeatureControlLocked == 0 || fc&cpu.FeatureControlVMXOutside == 0 {
		return fmt.Errorf("vmxon: %w: feature control %#x", ErrGeneralProtection, fc)
	}
	if !fixedOK(p.crs[cpu.CR0], p.msrs[cpu.MSRVMXCR0Fixed0], p.msrs[cpu.MSRVMXCR0Fixed1]) ||
		!fixedOK(p.crs[cpu.CR4], p.msrs[cpu.MSRVMXCR4Fixed0], p.msrs[cpu.MSRVMXCR4Fixed1]) {
		return fmt.Errorf("vmxon: %w: control registers violate VMX fixed bits", ErrGeneralProtection)
	}
	if !p.validAddress(region) {
		return fmt.Errorf("sim: vmxon %#x: %w", region, vmx.ErrVMFailInvalid)
	}
	rev, err := p.regionRevision(region)
	if err != nil || rev != p.revision() {
		return fmt.Errorf("sim: vmxon revision %#x: %w", rev, vmx.ErrVMFailInvalid)
	}
	p.root = true
	p.vmxon = region
	p.current = invalidPointer
	p.log.Debug("sim: vmxon", "region", fmt.Sprintf("%#x", region))
	return nil
}

func (p *Processor) VMXOff() error {
	if !p.root {
		return fmt.Errorf("vmxoff: %w", ErrInvalidOpcode)
	}
	p.root = false
	p.vmxon = 0
	p.current = invalidPointer
	return nil
}

func (p *Processor) VMClear(addr uint64) error {
	if !p.root {
		return fmt.Errorf("vmclear: %w", ErrInvalidOpcode)
	}
	if !p.validAddress(addr) {
		return p.fail("vmclear", vmx.ErrCodeVMCLEARInvalidAddress)
	}
	if addr == p.vmxon {
		return p.fail("vmclear", vmx.ErrCodeVMCLEARVMXONPointer)
	}
	if v, ok := p.regions[addr]; ok {
		v.launched = false
	}
	if addr == p.current {
		p.current = invalidPointer
	}
	return nil
}

func (p *Processor) VMPtrLd(addr uint64) error {
	if !p.root {
		return fmt.Errorf("vmptrld: %w", ErrInvalidOpcode)
	}
	if !p.validAddress(addr) {
		return p.fail("vmptrld", vmx.ErrCodeVMPTRLDInvalidAddress)
	}
	if addr == p.vmxon {
		return p.fail("vmptrld", vmx.ErrCodeVMPTRLDVMXONPointer)
	}
	rev, err := p.regionRevision(addr)
	if err != nil || rev != p.revision() {
		return p.fail("vmptrld", vmx.ErrCodeVMPTRLDBadRevision)
	}
	if _, ok := p.regions[addr]; !ok {
		p.regions[addr] = &vmcs{fields: make(map[vmx.Field]uint64)}
	}
	p.current = addr
	return nil
}

func (p *Processor) active() (*vmcs, error) {
	if !p.root {
		return nil, ErrInvalidOpcode
	}
	v := p.regions[p.current]
	if p.current == invalidPointer || v == nil {
		return nil, vmx.ErrVMFailInvalid
	}
	return v, nil
}

// Launched reports the launch state of the VMCS at addr.
func (p *Processor) Launched(addr uint64) bool {
	v, ok := p.regions[addr]
	return ok && v.launched
}

func (p *Processor) VMRead(f vmx.Field) (uint64, error) {
	v, err := p.active()
	if err != nil {
		return 0, fmt.Errorf("sim: vmread %s: %w", f, err)
	}
	if f.High() {
		full := f &^ 1
		if !p.fields[full] || full.Width() != vmx.Width64 {
			return 0, p.fail("vmread", vmx.ErrCodeUnsupportedComponent)
		}
		return v.fields[full] >> 32, nil
	}
	if !p.fields[f] {
		return 0, p.fail("vmread", vmx.ErrCodeUnsupportedComponent)
	}
	return v.fields[f], nil
}

func (p *Processor) VMWrite(f vmx.Field, value uint64) error {
	v, err := p.active()
	if err != nil {
		return fmt.Errorf("sim: vmwrite %s: %w", f, err)
	}
	full := f &^ 1
	if !p.fields[full] || (f.High() && full.Width() != vmx.Width64) {
		return p.fail("vmwrite", vmx.ErrCodeUnsupportedComponent)
	}
	// IA32_VMX_MISC bit 29 permits writes to the exit-information fields.
	if f.Kind() == vmx.KindReadOnly && p.msrs[cpu.MSRVMXMisc]&(1<<29) == 0 {
		return p.fail("vmwrite", vmx.ErrCodeVMWRITEReadOnly)
	}
	if f.High() {
		v.fields[full] = v.fields[full]&0xFFFF_FFFF | (value&0xFFFF_FFFF)<<32
		return nil
	}
	v.fields[f] = value & f.Mask()
	return nil
}
