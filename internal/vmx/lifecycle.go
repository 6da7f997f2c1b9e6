package vmx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/hv"
)

const pageSize = 4096

// RootState is the VMX operation state of one logical CPU.
type RootState uint8

const (
	StateDisabled RootState = iota
	StateEnabled
	StateRoot
	StateActive
)

func (s RootState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateRoot:
		return "root"
	default:
		return "active"
	}
}

// Region is a page of host memory handed to the processor by physical
// address: a VMXON region or a VMCS.
type Region struct {
	Data []byte
	Phys uint64
}

// VMCS is a control structure region plus its launch state.
type VMCS struct {
	Region
	launched bool
}

// Launched reports whether VMLAUNCH has succeeded since the last VMCLEAR.
func (v *VMCS) Launched() bool { return v.launched }

// Root owns the VMX operation state of the current logical CPU.
type Root struct {
	proc Processor
	mem  hv.HostMemory
	caps *Capabilities
	log  *slog.Logger

	state   RootState
	vmxon   *Region
	current *VMCS
	vmcs    []*VMCS
}

// NewRoot reads the capability MSRs of proc and returns a Root in the
// Disabled state.
func NewRoot(proc Processor, mem hv.HostMemory, log *slog.Logger) (*Root, error) {
	caps, err := ReadCapabilities(proc)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Root{proc: proc, mem: mem, caps: caps, log: log}, nil
}

func (r *Root) State() RootState            { return r.state }
func (r *Root) Capabilities() *Capabilities { return r.caps }
func (r *Root) Processor() Processor        { return r.proc }

// Current returns the active VMCS, if any.
func (r *Root) Current() *VMCS { return r.current }

// EnableVMX prepares the CPU for VMXON: it checks CPUID and the feature
// control MSR, locks the MSR with VMX enabled when firmware left it
// unlocked, applies the CR0 and CR4 fixed bits and sets CR4.VMXE.
func (r *Root) EnableVMX() error {
	switch r.state {
	case StateEnabled:
		return nil
	case StateRoot, StateActive:
		return ErrAlreadyInRoot
	}

	if !cpu.SupportsVMX(r.proc) {
		return ErrVMXUnsupported
	}

	fc, err := r.proc.ReadMSR(cpu.MSRFeatureControl)
	if err != nil {
		return fmt.Errorf("vmx: read feature control: %w", err)
	}
	if fc&cpu.FeatureControlLocked != 0 {
		if fc&cpu.FeatureControlVMXOutside == 0 {
			return ErrVMXDisabledByFirmware
		}
	} else {
		fc |= cpu.FeatureControlVMXOutside | cpu.FeatureControlLocked
		if err := r.proc.WriteMSR(cpu.MSRFeatureControl, fc); err != nil {
			return fmt.Errorf("vmx: lock feature control: %w", err)
		}
		r.log.Debug("vmx: locked feature control", "value", fmt.Sprintf("%#x", fc))
	}

	cr0, err := r.proc.ReadCR(cpu.CR0)
	if err != nil {
		return fmt.Errorf("vmx: read cr0: %w", err)
	}
	if fixed := r.caps.FixCR0(cr0, false); fixed != cr0 {
		if err := r.proc.WriteCR(cpu.CR0, fixed); err != nil {
			return fmt.Errorf("vmx: write cr0: %w", err)
		}
	}

	cr4, err := r.proc.ReadCR(cpu.CR4)
	if err != nil {
		return fmt.Errorf("vmx: read cr4: %w", err)
	}
	if fixed := r.caps.FixCR4(cr4 | cpu.CR4VMXE); fixed != cr4 {
		if err := r.proc.WriteCR(cpu.CR4, fixed); err != nil {
			return fmt.Errorf("vmx: write cr4: %w", err)
		}
	}

	r.state = StateEnabled
	return nil
}

// AllocateRegion returns a zeroed page together with its physical address.
func (r *Root) AllocateRegion() (Region, error) {
	size := uint64(pageSize)
	if rs := uint64(r.caps.RegionSize()); rs > size {
		size = hv.AlignUp(rs, pageSize)
	}
	data, err := r.mem.AllocatePages(size)
	if err != nil {
		return Region{}, fmt.Errorf("vmx: allocate region: %w", err)
	}
	phys, err := r.mem.VirtualToPhysical(uintptr(unsafe.Pointer(&data[0])))
	if err != nil {
		_ = r.mem.FreePages(data)
		return Region{}, fmt.Errorf("vmx: translate region: %w", err)
	}
	return Region{Data: data, Phys: phys}, nil
}

// FreeRegion returns a region to the allocator.
func (r *Root) FreeRegion(region Region) error {
	if region.Data == nil {
		return nil
	}
	return r.mem.FreePages(region.Data)
}

func (r *Root) stamp(region Region) error {
	if region.Phys%pageSize != 0 {
		return fmt.Errorf("vmx: region at %#x is not page aligned", region.Phys)
	}
	if len(region.Data) < r.caps.RegionSize() || len(region.Data) < 4 {
		return fmt.Errorf("vmx: region of %d bytes is smaller than %d", len(region.Data), r.caps.RegionSize())
	}
	// Bit 31 of the revision dword selects a shadow VMCS and stays clear.
	binary.LittleEndian.PutUint32(region.Data[0:4], r.caps.Revision())
	return nil
}

// EnterRoot executes VMXON with region. On failure the caller keeps
// ownership of region.
func (r *Root) EnterRoot(region Region) error {
	switch r.state {
	case StateDisabled:
		return ErrNotEnabled
	case StateRoot, StateActive:
		return ErrAlreadyInRoot
	}

	if err := r.stamp(region); err != nil {
		return &RootEntryError{Err: err}
	}
	if err := r.proc.VMXOn(region.Phys); err != nil {
		return &RootEntryError{Err: err}
	}

	r.vmxon = &region
	r.state = StateRoot
	r.log.Debug("vmx: entered root operation", "vmxon", fmt.Sprintf("%#x", region.Phys))
	return nil
}

// AllocateVMCS returns a zeroed, revision-stamped control structure.
func (r *Root) AllocateVMCS() (*VMCS, error) {
	if r.state != StateRoot && r.state != StateActive {
		return nil, ErrNotInRoot
	}
	region, err := r.AllocateRegion()
	if err != nil {
		return nil, err
	}
	if err := r.stamp(region); err != nil {
		_ = r.FreeRegion(region)
		return nil, err
	}
	v := &VMCS{Region: region}
	r.vmcs = append(r.vmcs, v)
	return v, nil
}

// Activate makes v the current VMCS: VMCLEAR then VMPTRLD.
func (r *Root) Activate(v *VMCS) error {
	switch r.state {
	case StateDisabled:
		return ErrNotEnabled
	case StateEnabled:
		return ErrNotInRoot
	case StateActive:
		if r.current == v {
			return nil
		}
		return ErrVMCSActive
	}

	if err := r.proc.VMClear(v.Phys); err != nil {
		return fmt.Errorf("vmx: vmclear: %w", err)
	}
	v.launched = false
	if err := r.proc.VMPtrLd(v.Phys); err != nil {
		return fmt.Errorf("vmx: vmptrld: %w", err)
	}

	r.current = v
	r.state = StateActive
	return nil
}

// Deactivate clears v, which must be the current VMCS.
func (r *Root) Deactivate(v *VMCS) error {
	if r.state != StateActive || r.current != v {
		return ErrNoActiveVMCS
	}
	if err := r.proc.VMClear(v.Phys); err != nil {
		return fmt.Errorf("vmx: vmclear: %w", err)
	}
	v.launched = false
	r.current = nil
	r.state = StateRoot
	return nil
}

// LeaveRoot executes VMXOFF and clears CR4.VMXE.
func (r *Root) LeaveRoot() error {
	switch r.state {
	case StateActive:
		return ErrVMCSActive
	case StateDisabled, StateEnabled:
		return ErrNotInRoot
	}

	if err := r.proc.VMXOff(); err != nil {
		return fmt.Errorf("vmx: vmxoff: %w", err)
	}
	r.state = StateDisabled

	cr4, err := r.proc.ReadCR(cpu.CR4)
	if err != nil {
		return fmt.Errorf("vmx: read cr4: %w", err)
	}
	if err := r.proc.WriteCR(cpu.CR4, cr4&^cpu.CR4VMXE); err != nil {
		return fmt.Errorf("vmx: write cr4: %w", err)
	}
	r.log.Debug("vmx: left root operation")
	return nil
}

// Release frees the VMXON region and every VMCS. It must be called outside
// root operation.
func (r *Root) Release() error {
	if r.state == StateRoot || r.state == StateActive {
		return ErrAlreadyInRoot
	}
	var errs []error
	for _, v := range r.vmcs {
		errs = append(errs, r.FreeRegion(v.Region))
	}
	r.vmcs = nil
	if r.vmxon != nil {
		errs = append(errs, r.FreeRegion(*r.vmxon))
		r.vmxon = nil
	}
	return errors.Join(errs...)
}
