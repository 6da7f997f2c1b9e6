package vmx

// Pin-based VM-execution controls.
const (
	PinExternalInterruptExiting uint32 = 1 << 0
	PinNMIExiting               uint32 = 1 << 3
	PinVirtualNMIs              uint32 = 1 << 5
	PinPreemptionTimer          uint32 = 1 << 6
	PinPostedInterrupts         uint32 = 1 << 7
)

// Primary processor-based VM-execution controls.
const (
	ProcInterruptWindowExiting uint32 = 1 << 2
	ProcTSCOffsetting          uint32 = 1 << 3
	ProcHLTExiting             uint32 = 1 << 7
	ProcINVLPGExiting          uint32 = 1 << 9
	ProcMWAITExiting           uint32 = 1 << 10
	ProcRDPMCExiting           uint32 = 1 << 11
	ProcRDTSCExiting           uint32 = 1 << 12
	ProcCR3LoadExiting         uint32 = 1 << 15
	ProcCR3StoreExiting        uint32 = 1 << 16
	ProcCR8LoadExiting         uint32 = 1 << 19
	ProcCR8StoreExiting        uint32 = 1 << 20
	ProcTPRShadow              uint32 = 1 << 21
	ProcNMIWindowExiting       uint32 = 1 << 22
	ProcMOVDRExiting           uint32 = 1 << 23
	ProcUnconditionalIOExiting uint32 = 1 << 24
	ProcIOBitmaps              uint32 = 1 << 25
	ProcMonitorTrapFlag        uint32 = 1 << 27
	ProcMSRBitmaps             uint32 = 1 << 28
	ProcMONITORExiting         uint32 = 1 << 29
	ProcPAUSEExiting           uint32 = 1 << 30
	ProcSecondaryControls      uint32 = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	Proc2VirtualizeAPICAccesses uint32 = 1 << 0
	Proc2EPT                    uint32 = 1 << 1
	Proc2DescriptorTableExiting uint32 = 1 << 2
	Proc2RDTSCP                 uint32 = 1 << 3
	Proc2VirtualizeX2APIC       uint32 = 1 << 4
	Proc2VPID                   uint32 = 1 << 5
	Proc2WBINVDExiting          uint32 = 1 << 6
	Proc2UnrestrictedGuest      uint32 = 1 << 7
	Proc2PAUSELoopExiting       uint32 = 1 << 10
	Proc2RDRANDExiting          uint32 = 1 << 11
	Proc2INVPCID                uint32 = 1 << 12
	Proc2VMFunctions            uint32 = 1 << 13
	Proc2XSAVES                 uint32 = 1 << 20
)

// VM-exit controls.
const (
	ExitSaveDebugControls    uint32 = 1 << 2
	ExitHostAddressSpaceSize uint32 = 1 << 9
	ExitLoadPerfGlobalCtrl   uint32 = 1 << 12
	ExitAcknowledgeInterrupt uint32 = 1 << 15
	ExitSavePAT              uint32 = 1 << 18
	ExitLoadPAT              uint32 = 1 << 19
	ExitSaveEFER             uint32 = 1 << 20
	ExitLoadEFER             uint32 = 1 << 21
	ExitSavePreemptionTimer  uint32 = 1 << 22
)

// VM-entry controls.
const (
	EntryLoadDebugControls     uint32 = 1 << 2
	EntryIA32eModeGuest        uint32 = 1 << 9
	EntrySMM                   uint32 = 1 << 10
	EntryDeactivateDualMonitor uint32 = 1 << 11
	EntryLoadPerfGlobalCtrl    uint32 = 1 << 13
	EntryLoadPAT               uint32 = 1 << 14
	EntryLoadEFER              uint32 = 1 << 15
)

// ControlKind identifies one of the negotiable control fields.
type ControlKind uint8

const (
	ControlPin ControlKind = iota
	ControlProc
	ControlProc2
	ControlExit
	ControlEntry
)

func (k ControlKind) String() string {
	switch k {
	case ControlPin:
		return "pin-based"
	case ControlProc:
		return "processor-based"
	case ControlProc2:
		return "secondary processor-based"
	case ControlExit:
		return "vm-exit"
	default:
		return "vm-entry"
	}
}

// Field returns the VMCS field the control value is written to.
func (k ControlKind) Field() Field {
	switch k {
	case ControlPin:
		return PinBasedControls
	case ControlProc:
		return ProcBasedControls
	case ControlProc2:
		return SecondaryProcBasedControls
	case ControlExit:
		return ExitControls
	default:
		return EntryControls
	}
}

// ControlKinds lists the negotiable controls in write order.
var ControlKinds = []ControlKind{ControlPin, ControlProc, ControlProc2, ControlExit, ControlEntry}

// controlBitNames names the architecturally defined bits of each control for
// capability reports.
var controlBitNames = map[ControlKind]map[int]string{
	ControlPin: {
		0: "External-interrupt exiting",
		3: "NMI exiting",
		5: "Virtual NMIs",
		6: "Activate VMX-preemption timer",
		7: "Process posted interrupts",
	},
	ControlProc: {
		2:  "Interrupt-window exiting",
		3:  "Use TSC offsetting",
		7:  "HLT exiting",
		9:  "INVLPG exiting",
		10: "MWAIT exiting",
		11: "RDPMC exiting",
		12: "RDTSC exiting",
		15: "CR3-load exiting",
		16: "CR3-store exiting",
		17: "Activate tertiary controls",
		19: "CR8-load exiting",
		20: "CR8-store exiting",
		21: "Use TPR shadow",
		22: "NMI-window exiting",
		23: "MOV-DR exiting",
		24: "Unconditional I/O exiting",
		25: "Use I/O bitmaps",
		27: "Monitor trap flag",
		28: "Use MSR bitmaps",
		29: "MONITOR exiting",
		30: "PAUSE exiting",
		31: "Activate secondary controls",
	},
	ControlProc2: {
		0:  "Virtualize APIC accesses",
		1:  "Enable EPT",
		2:  "Descriptor-table exiting",
		3:  "Enable RDTSCP",
		4:  "Virtualize x2APIC mode",
		5:  "Enable VPID",
		6:  "WBINVD exiting",
		7:  "Unrestricted guest",
		8:  "APIC-register virtualization",
		9:  "Virtual-interrupt delivery",
		10: "PAUSE-loop exiting",
		11: "RDRAND exiting",
		12: "Enable INVPCID",
		13: "Enable VM functions",
		14: "VMCS shadowing",
		15: "Enable ENCLS exiting",
		16: "RDSEED exiting",
		17: "Enable PML",
		18: "EPT-violation #VE",
		19: "Conceal VMX from PT",
		20: "Enable XSAVES/XRSTORS",
		22: "Mode-based execute control for EPT",
		25: "Use TSC scaling",
	},
	ControlExit: {
		2:  "Save debug controls",
		9:  "Host address-space size",
		12: "Load IA32_PERF_GLOBAL_CTRL",
		15: "Acknowledge interrupt on exit",
		18: "Save IA32_PAT",
		19: "Load IA32_PAT",
		20: "Save IA32_EFER",
		21: "Load IA32_EFER",
		22: "Save VMX-preemption timer value",
		23: "Clear IA32_BNDCFGS",
		24: "Conceal VMX from PT",
	},
	ControlEntry: {
		2:  "Load debug controls",
		9:  "IA-32e mode guest",
		10: "Entry to SMM",
		11: "Deactivate dual-monitor treatment",
		13: "Load IA32_PERF_GLOBAL_CTRL",
		14: "Load IA32_PAT",
		15: "Load IA32_EFER",
		16: "Load IA32_BNDCFGS",
		17: "Conceal VMX from PT",
	},
}

// ControlBitName returns the architectural name of bit in control k.
func ControlBitName(k ControlKind, bit int) string {
	if n, ok := controlBitNames[k][bit]; ok {
		return n
	}
	return ""
}
