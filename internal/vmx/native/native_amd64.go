//go:build amd64

package native

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/vmx"
)

// Processor is vmx.Processor on bare metal.
type Processor struct {
	cpu.Native
}

var _ vmx.Processor = Processor{}

// Register file offsets and host-state encodings used by the entry
// trampoline through go_asm.h.
const (
	offRAX = int(vmx.RAX) * 8
	offRCX = int(vmx.RCX) * 8
	offRDX = int(vmx.RDX) * 8
	offRBX = int(vmx.RBX) * 8
	offRBP = int(vmx.RBP) * 8
	offRSI = int(vmx.RSI) * 8
	offRDI = int(vmx.RDI) * 8
	offR8  = int(vmx.R8) * 8
	offR9  = int(vmx.R9) * 8
	offR10 = int(vmx.R10) * 8
	offR11 = int(vmx.R11) * 8
	offR12 = int(vmx.R12) * 8
	offR13 = int(vmx.R13) * 8
	offR14 = int(vmx.R14) * 8
	offR15 = int(vmx.R15) * 8

	fieldHostRSP = int(vmx.HostRSP)
	fieldHostRIP = int(vmx.HostRIP)
)

func vmxon(phys uint64) uint8

func vmxoff() uint8

func vmclear(phys uint64) uint8

func vmptrld(phys uint64) uint8

func vmread(field uintptr) (value uint64, status uint8)

func vmwrite(field, value uintptr) uint8

func vmenter(launch uintptr, gprs *vmx.GPRs) uint8

// New returns the processor of the current CPU. It fails unless the caller
// runs in ring 0.
func New() (vmx.Processor, error) {
	if !cpu.Privileged() {
		return nil, cpu.ErrNotPrivileged
	}
	return Processor{}, nil
}

func (Processor) check(op string, status uint8) error {
	switch status {
	case statusOK:
		return nil
	case statusFailInvalid:
		return fmt.Errorf("%s: %w", op, vmx.ErrVMFailInvalid)
	}
	code, st := vmread(uintptr(vmx.VMInstructionError))
	if st != statusOK {
		return fmt.Errorf("%s: %w", op, vmx.ErrVMFailInvalid)
	}
	return vmx.FailValid(op, uint32(code))
}

func (p Processor) VMXOn(region uint64) error {
	if !cpu.Privileged() {
		return cpu.ErrNotPrivileged
	}
	return p.check("vmxon", vmxon(region))
}

func (p Processor) VMXOff() error {
	if !cpu.Privileged() {
		return cpu.ErrNotPrivileged
	}
	return p.check("vmxoff", vmxoff())
}

func (p Processor) VMClear(vmcs uint64) error {
	if !cpu.Privileged() {
		return cpu.ErrNotPrivileged
	}
	return p.check("vmclear", vmclear(vmcs))
}

func (p Processor) VMPtrLd(vmcs uint64) error {
	if !cpu.Privileged() {
		return cpu.ErrNotPrivileged
	}
	return p.check("vmptrld", vmptrld(vmcs))
}

func (p Processor) VMRead(f vmx.Field) (uint64, error) {
	if !cpu.Privileged() {
		return 0, cpu.ErrNotPrivileged
	}
	value, status := vmread(uintptr(f))
	if err := p.check("vmread "+f.Name(), status); err != nil {
		return 0, err
	}
	return value & f.Mask(), nil
}

func (p Processor) VMWrite(f vmx.Field, value uint64) error {
	if !cpu.Privileged() {
		return cpu.ErrNotPrivileged
	}
	return p.check("vmwrite "+f.Name(), vmwrite(uintptr(f), uintptr(value&f.Mask())))
}

// Enter runs the guest until the next VM exit. The trampoline writes
// HOST_RSP and HOST_RIP itself, so host is left untouched.
func (p Processor) Enter(launch bool, gprs *vmx.GPRs, _ *vmx.HypervisorState) error {
	if !cpu.Privileged() {
		return cpu.ErrNotPrivileged
	}
	op, l := "vmresume", uintptr(0)
	if launch {
		op, l = "vmlaunch", 1
	}
	return p.check(op, vmenter(l, gprs))
}

// HostState captures the state every VM exit restores.
func (p Processor) HostState() (vmx.HostState, error) {
	var h vmx.HostState
	seg, err := p.HostSegments()
	if err != nil {
		return h, err
	}
	h.Segments = seg

	for _, r := range []struct {
		cr  cpu.ControlRegister
		dst *uint64
	}{
		{cpu.CR0, &h.CR0},
		{cpu.CR3, &h.CR3},
		{cpu.CR4, &h.CR4},
	} {
		if *r.dst, err = p.ReadCR(r.cr); err != nil {
			return h, err
		}
	}

	var sysenterCS uint64
	for _, m := range []struct {
		index uint32
		dst   *uint64
	}{
		{cpu.MSREFER, &h.EFER},
		{cpu.MSRPAT, &h.PAT},
		{cpu.MSRSysenterCS, &sysenterCS},
		{cpu.MSRSysenterESP, &h.SysenterESP},
		{cpu.MSRSysenterEIP, &h.SysenterEIP},
	} {
		if *m.dst, err = p.ReadMSR(m.index); err != nil {
			return h, fmt.Errorf("native: read msr %#x: %w", m.index, err)
		}
	}
	h.SysenterCS = uint32(sysenterCS)
	return h, nil
}
