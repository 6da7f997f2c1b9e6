package vmx

import (
	"errors"
	"fmt"
	"strings"

	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrVMXUnsupported          = errors.New("vmx: processor does not support VMX")
	ErrVMXDisabledByFirmware   = errors.New("vmx: VMX disabled and locked by firmware")
	ErrTrueControlsUnavailable = errors.New("vmx: processor does not report TRUE control capabilities")
	ErrVMFailInvalid           = errors.New("vmx: VMfailInvalid")

	ErrNotEnabled    = errors.New("vmx: VMX not enabled")
	ErrAlreadyInRoot = errors.New("vmx: already in VMX root operation")
	ErrNotInRoot     = errors.New("vmx: not in VMX root operation")
	ErrVMCSActive    = errors.New("vmx: a VMCS is still active")
	ErrNoActiveVMCS  = errors.New("vmx: VMCS is not the active one")

	ErrNotConfigured = errors.New("vmx: vcpu not configured")
	ErrTerminated    = errors.New("vmx: vcpu session terminated")

	ErrEPTMisconfiguration = errors.New("vmx: EPT misconfiguration")
	ErrMMIOInstruction     = errors.New("vmx: MMIO access by an instruction that cannot be emulated")
)

// InstructionErrorCode is the value of the VM-instruction error field after a
// VMX instruction fails with VMfailValid.
type InstructionErrorCode uint32

const (
	ErrCodeVMCALLInRoot             InstructionErrorCode = 1
	ErrCodeVMCLEARInvalidAddress    InstructionErrorCode = 2
	ErrCodeVMCLEARVMXONPointer      InstructionErrorCode = 3
	ErrCodeVMLAUNCHNonClear         InstructionErrorCode = 4
	ErrCodeVMRESUMENonLaunched      InstructionErrorCode = 5
	ErrCodeVMRESUMEAfterVMXOFF      InstructionErrorCode = 6
	ErrCodeEntryInvalidControls     InstructionErrorCode = 7
	ErrCodeEntryInvalidHostState    InstructionErrorCode = 8
	ErrCodeVMPTRLDInvalidAddress    InstructionErrorCode = 9
	ErrCodeVMPTRLDVMXONPointer      InstructionErrorCode = 10
	ErrCodeVMPTRLDBadRevision       InstructionErrorCode = 11
	ErrCodeUnsupportedComponent     InstructionErrorCode = 12
	ErrCodeVMWRITEReadOnly          InstructionErrorCode = 13
	ErrCodeVMXONInRoot              InstructionErrorCode = 15
	ErrCodeEntryInvalidExecutive    InstructionErrorCode = 16
	ErrCodeEntryNonLaunchedExec     InstructionErrorCode = 17
	ErrCodeEntryExecNotVMXON        InstructionErrorCode = 18
	ErrCodeVMCALLNonClear           InstructionErrorCode = 19
	ErrCodeVMCALLInvalidExitControl InstructionErrorCode = 20
	ErrCodeVMCALLBadMSEGRevision    InstructionErrorCode = 22
	ErrCodeVMXOFFDualMonitor        InstructionErrorCode = 23
	ErrCodeVMCALLInvalidSMMFeatures InstructionErrorCode = 24
	ErrCodeEntryInvalidExecControls InstructionErrorCode = 25
	ErrCodeEntryMovSSBlocking       InstructionErrorCode = 26
	ErrCodeInvalidINVEPTOperand     InstructionErrorCode = 28
)

var instructionErrorText = map[InstructionErrorCode]string{
	ErrCodeVMCALLInRoot:             "VMCALL executed in VMX root operation",
	ErrCodeVMCLEARInvalidAddress:    "VMCLEAR with invalid physical address",
	ErrCodeVMCLEARVMXONPointer:      "VMCLEAR with VMXON pointer",
	ErrCodeVMLAUNCHNonClear:         "VMLAUNCH with non-clear VMCS",
	ErrCodeVMRESUMENonLaunched:      "VMRESUME with non-launched VMCS",
	ErrCodeVMRESUMEAfterVMXOFF:      "VMRESUME after VMXOFF",
	ErrCodeEntryInvalidControls:     "VM entry with invalid control field(s)",
	ErrCodeEntryInvalidHostState:    "VM entry with invalid host-state field(s)",
	ErrCodeVMPTRLDInvalidAddress:    "VMPTRLD with invalid physical address",
	ErrCodeVMPTRLDVMXONPointer:      "VMPTRLD with VMXON pointer",
	ErrCodeVMPTRLDBadRevision:       "VMPTRLD with incorrect VMCS revision identifier",
	ErrCodeUnsupportedComponent:     "VMREAD/VMWRITE from/to unsupported VMCS component",
	ErrCodeVMWRITEReadOnly:          "VMWRITE to read-only VMCS component",
	ErrCodeVMXONInRoot:              "VMXON executed in VMX root operation",
	ErrCodeEntryInvalidExecutive:    "VM entry with invalid executive-VMCS pointer",
	ErrCodeEntryNonLaunchedExec:     "VM entry with non-launched executive VMCS",
	ErrCodeEntryExecNotVMXON:        "VM entry with executive-VMCS pointer not VMXON pointer",
	ErrCodeVMCALLNonClear:           "VMCALL with non-clear VMCS",
	ErrCodeVMCALLInvalidExitControl: "VMCALL with invalid VM-exit control fields",
	ErrCodeVMCALLBadMSEGRevision:    "VMCALL with incorrect MSEG revision identifier",
	ErrCodeVMXOFFDualMonitor:        "VMXOFF under dual-monitor treatment of SMIs and SMM",
	ErrCodeVMCALLInvalidSMMFeatures: "VMCALL with invalid SMM-monitor features",
	ErrCodeEntryInvalidExecControls: "VM entry with invalid VM-execution control fields in executive VMCS",
	ErrCodeEntryMovSSBlocking:       "VM entry with events blocked by MOV SS",
	ErrCodeInvalidINVEPTOperand:     "invalid operand to INVEPT/INVVPID",
}

func (c InstructionErrorCode) String() string {
	if s, ok := instructionErrorText[c]; ok {
		return s
	}
	return "unknown VM-instruction error"
}

// InstructionError is a VMfailValid result: the instruction failed and the
// processor recorded a reason in the VM-instruction error field.
type InstructionError struct {
	Op   string
	Code InstructionErrorCode
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("vmx: %s failed: VM-instruction error %d (%s)", e.Op, uint32(e.Code), e.Code)
}

// FailValid builds the error for a VMfailValid outcome of op.
func FailValid(op string, code uint32) error {
	return &InstructionError{Op: op, Code: InstructionErrorCode(code)}
}

// RootEntryError reports a failed VMXON. The caller still owns the region it
// passed in and must release it.
type RootEntryError struct {
	Err error
}

func (e *RootEntryError) Error() string { return fmt.Sprintf("vmx: vmxon: %v", e.Err) }
func (e *RootEntryError) Unwrap() error { return e.Err }

// EntryFailureError is a VM entry that failed after the instruction itself
// succeeded: the processor reported an exit with the entry-failure bit set.
type EntryFailureError struct {
	Reason        ExitReason
	Qualification uint64
}

func (e *EntryFailureError) Error() string {
	detail := ""
	switch e.Reason {
	case ExitEntryFailMSRLoading:
		detail = fmt.Sprintf(" (MSR-load entry %d)", e.Qualification)
	case ExitEntryFailGuestState:
		switch e.Qualification {
		case 2:
			detail = " (PDPTE loading)"
		case 3:
			detail = " (NMI injection)"
		case 4:
			detail = " (invalid VMCS link pointer)"
		}
	}
	return fmt.Sprintf("vmx: VM entry failed: %s%s", e.Reason, detail)
}

// UnhandledExitError terminates a session whose guest trapped for a reason
// nothing is registered to handle.
type UnhandledExitError struct {
	Reason        ExitReason
	Qualification uint64
	RIP           uint64
}

func (e *UnhandledExitError) Error() string {
	return fmt.Sprintf("vmx: unhandled exit %d (%s) at rip %#x, qualification %#x",
		uint16(e.Reason), e.Reason, e.RIP, e.Qualification)
}

// TranslationError reports a guest-physical access that the address space
// could not resolve.
type TranslationError struct {
	GPA    uint64
	Access hostarch.AccessType
	Err    error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("vmx: unresolved guest-physical access %s at %#x: %v", e.Access, e.GPA, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// UnsupportedFeatureError lists control bits a session needs but the
// processor cannot set.
type UnsupportedFeatureError struct {
	Control ControlKind
	Bits    uint32
}

func (e *UnsupportedFeatureError) Error() string {
	var names []string
	for bit := 0; bit < 32; bit++ {
		if e.Bits&(1<<bit) == 0 {
			continue
		}
		if n := ControlBitName(e.Control, bit); n != "" {
			names = append(names, n)
		} else {
			names = append(names, fmt.Sprintf("bit %d", bit))
		}
	}
	return fmt.Sprintf("vmx: %s controls not supported: %s", e.Control, strings.Join(names, ", "))
}
