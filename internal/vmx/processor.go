package vmx

import "github.com/tinyrange/vtx/internal/cpu"

// FieldAccessor reads and writes fields of the current VMCS.
type FieldAccessor interface {
	VMRead(f Field) (uint64, error)
	VMWrite(f Field, value uint64) error
}

// Processor is the VMX instruction surface of one logical CPU.
//
// Failed instructions return ErrVMFailInvalid or an *InstructionError
// carrying the VM-instruction error number.
type Processor interface {
	cpu.Registers
	FieldAccessor

	VMXOn(region uint64) error
	VMXOff() error
	VMClear(vmcs uint64) error
	VMPtrLd(vmcs uint64) error

	// Enter executes VMLAUNCH when launch is set and VMRESUME otherwise.
	// gprs is loaded into the guest before entry (RSP comes from the VMCS)
	// and holds the guest registers at the exit on return. host receives the
	// host registers the exit restored.
	Enter(launch bool, gprs *GPRs, host *HypervisorState) error

	// HostState captures the host state the VMCS host area must describe.
	HostState() (HostState, error)

	// DisableInterrupts masks maskable interrupts on this CPU and returns a
	// function restoring the previous state.
	DisableInterrupts() (restore func())
}

// HostState is the host register state loaded by every VM exit.
type HostState struct {
	CR0, CR3, CR4 uint64
	Segments      cpu.HostSegments

	EFER uint64
	PAT  uint64

	SysenterCS  uint32
	SysenterESP uint64
	SysenterEIP uint64

	// RSP and RIP are the exit stack and landing address. Processors whose
	// entry trampoline writes these fields itself leave them zero.
	RSP uint64
	RIP uint64
}
