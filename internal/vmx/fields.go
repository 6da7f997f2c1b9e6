package vmx

import "fmt"

// Field is a VMCS component encoding as consumed by VMREAD and VMWRITE.
//
// Encoding layout (SDM Vol. 3 Appendix B):
//
//	bit 0       access type (0 full, 1 high half of a 64-bit field)
//	bits 9:1    index
//	bits 11:10  kind (0 control, 1 read-only data, 2 guest state, 3 host state)
//	bits 14:13  width (0 16-bit, 1 64-bit, 2 32-bit, 3 natural)
type Field uint32

// FieldWidth is the architectural width of a VMCS field.
type FieldWidth uint8

const (
	Width16 FieldWidth = iota
	Width64
	Width32
	WidthNatural
)

func (w FieldWidth) String() string {
	switch w {
	case Width16:
		return "16-bit"
	case Width64:
		return "64-bit"
	case Width32:
		return "32-bit"
	default:
		return "natural"
	}
}

// FieldKind groups fields by the VMCS area they belong to.
type FieldKind uint8

const (
	KindControl FieldKind = iota
	KindReadOnly
	KindGuest
	KindHost
)

func (k FieldKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindReadOnly:
		return "read-only"
	case KindGuest:
		return "guest"
	default:
		return "host"
	}
}

func (f Field) Width() FieldWidth { return FieldWidth((f >> 13) & 3) }
func (f Field) Kind() FieldKind   { return FieldKind((f >> 10) & 3) }
func (f Field) Index() uint32     { return (uint32(f) >> 1) & 0x1FF }
func (f Field) High() bool        { return f&1 != 0 }

// Mask returns the value mask implied by the field width on a 64-bit host.
func (f Field) Mask() uint64 {
	if f.High() {
		return 0xFFFF_FFFF
	}
	switch f.Width() {
	case Width16:
		return 0xFFFF
	case Width32:
		return 0xFFFF_FFFF
	default:
		return ^uint64(0)
	}
}

func (f Field) Name() string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return fmt.Sprintf("field_%#04x", uint32(f))
}

func (f Field) String() string { return f.Name() }

// 16-bit control fields.
const (
	VirtualProcessorID          Field = 0x0000
	PostedInterruptNotification Field = 0x0002
	EPTPIndex                   Field = 0x0004
)

// 16-bit guest-state fields.
const (
	GuestESSelector      Field = 0x0800
	GuestCSSelector      Field = 0x0802
	GuestSSSelector      Field = 0x0804
	GuestDSSelector      Field = 0x0806
	GuestFSSelector      Field = 0x0808
	GuestGSSelector      Field = 0x080A
	GuestLDTRSelector    Field = 0x080C
	GuestTRSelector      Field = 0x080E
	GuestInterruptStatus Field = 0x0810
	GuestPMLIndex        Field = 0x0812
)

// 16-bit host-state fields.
const (
	HostESSelector Field = 0x0C00
	HostCSSelector Field = 0x0C02
	HostSSSelector Field = 0x0C04
	HostDSSelector Field = 0x0C06
	HostFSSelector Field = 0x0C08
	HostGSSelector Field = 0x0C0A
	HostTRSelector Field = 0x0C0C
)

// 64-bit control fields.
const (
	IOBitmapA            Field = 0x2000
	IOBitmapB            Field = 0x2002
	MSRBitmap            Field = 0x2004
	ExitMSRStoreAddress  Field = 0x2006
	ExitMSRLoadAddress   Field = 0x2008
	EntryMSRLoadAddress  Field = 0x200A
	ExecutiveVMCSPointer Field = 0x200C
	PMLAddress           Field = 0x200E
	TSCOffset            Field = 0x2010
	VirtualAPICAddress   Field = 0x2012
	APICAccessAddress    Field = 0x2014
	PostedInterruptDesc  Field = 0x2016
	VMFunctionControls   Field = 0x2018
	EPTPointerField      Field = 0x201A
	EOIExitBitmap0       Field = 0x201C
	EPTPListAddress      Field = 0x2024
	XSSExitingBitmap     Field = 0x202C
	TSCMultiplier        Field = 0x2032
)

// 64-bit read-only data fields.
const (
	GuestPhysicalAddress Field = 0x2400
)

// 64-bit guest-state fields.
const (
	VMCSLinkPointer     Field = 0x2800
	GuestDebugCtl       Field = 0x2802
	GuestPAT            Field = 0x2804
	GuestEFER           Field = 0x2806
	GuestPerfGlobalCtrl Field = 0x2808
	GuestPDPTE0         Field = 0x280A
	GuestPDPTE1         Field = 0x280C
	GuestPDPTE2         Field = 0x280E
	GuestPDPTE3         Field = 0x2810
)

// 64-bit host-state fields.
const (
	HostPAT            Field = 0x2C00
	HostEFER           Field = 0x2C02
	HostPerfGlobalCtrl Field = 0x2C04
)

// 32-bit control fields.
const (
	PinBasedControls           Field = 0x4000
	ProcBasedControls          Field = 0x4002
	ExceptionBitmap            Field = 0x4004
	PageFaultErrorCodeMask     Field = 0x4006
	PageFaultErrorCodeMatch    Field = 0x4008
	CR3TargetCount             Field = 0x400A
	ExitControls               Field = 0x400C
	ExitMSRStoreCount          Field = 0x400E
	ExitMSRLoadCount           Field = 0x4010
	EntryControls              Field = 0x4012
	EntryMSRLoadCount          Field = 0x4014
	EntryInterruptionInfo      Field = 0x4016
	EntryExceptionErrorCode    Field = 0x4018
	EntryInstructionLength     Field = 0x401A
	TPRThreshold               Field = 0x401C
	SecondaryProcBasedControls Field = 0x401E
	PLEGap                     Field = 0x4020
	PLEWindow                  Field = 0x4022
)

// 32-bit read-only data fields.
const (
	VMInstructionError        Field = 0x4400
	ExitReasonField           Field = 0x4402
	ExitInterruptionInfo      Field = 0x4404
	ExitInterruptionErrorCode Field = 0x4406
	IDTVectoringInfo          Field = 0x4408
	IDTVectoringErrorCode     Field = 0x440A
	ExitInstructionLength     Field = 0x440C
	ExitInstructionInfo       Field = 0x440E
)

// 32-bit guest-state fields.
const (
	GuestESLimit          Field = 0x4800
	GuestCSLimit          Field = 0x4802
	GuestSSLimit          Field = 0x4804
	GuestDSLimit          Field = 0x4806
	GuestFSLimit          Field = 0x4808
	GuestGSLimit          Field = 0x480A
	GuestLDTRLimit        Field = 0x480C
	GuestTRLimit          Field = 0x480E
	GuestGDTRLimit        Field = 0x4810
	GuestIDTRLimit        Field = 0x4812
	GuestESAccessRights   Field = 0x4814
	GuestCSAccessRights   Field = 0x4816
	GuestSSAccessRights   Field = 0x4818
	GuestDSAccessRights   Field = 0x481A
	GuestFSAccessRights   Field = 0x481C
	GuestGSAccessRights   Field = 0x481E
	GuestLDTRAccessRights Field = 0x4820
	GuestTRAccessRights   Field = 0x4822
	GuestInterruptibility Field = 0x4824
	GuestActivityState    Field = 0x4826
	GuestSMBase           Field = 0x4828
	GuestSysenterCS       Field = 0x482A
	PreemptionTimerValue  Field = 0x482E
)

// 32-bit host-state fields.
const (
	HostSysenterCS Field = 0x4C00
)

// Natural-width control fields.
const (
	CR0GuestHostMask Field = 0x6000
	CR4GuestHostMask Field = 0x6002
	CR0ReadShadow    Field = 0x6004
	CR4ReadShadow    Field = 0x6006
	CR3Target0       Field = 0x6008
	CR3Target1       Field = 0x600A
	CR3Target2       Field = 0x600C
	CR3Target3       Field = 0x600E
)

// Natural-width read-only data fields.
const (
	ExitQualification  Field = 0x6400
	IORCX              Field = 0x6402
	IORSI              Field = 0x6404
	IORDI              Field = 0x6406
	IORIP              Field = 0x6408
	GuestLinearAddress Field = 0x640A
)

// Natural-width guest-state fields.
const (
	GuestCR0          Field = 0x6800
	GuestCR3          Field = 0x6802
	GuestCR4          Field = 0x6804
	GuestESBase       Field = 0x6806
	GuestCSBase       Field = 0x6808
	GuestSSBase       Field = 0x680A
	GuestDSBase       Field = 0x680C
	GuestFSBase       Field = 0x680E
	GuestGSBase       Field = 0x6810
	GuestLDTRBase     Field = 0x6812
	GuestTRBase       Field = 0x6814
	GuestGDTRBase     Field = 0x6816
	GuestIDTRBase     Field = 0x6818
	GuestDR7          Field = 0x681A
	GuestRSP          Field = 0x681C
	GuestRIP          Field = 0x681E
	GuestRFLAGS       Field = 0x6820
	GuestPendingDebug Field = 0x6822
	GuestSysenterESP  Field = 0x6824
	GuestSysenterEIP  Field = 0x6826
)

// Natural-width host-state fields.
const (
	HostCR0         Field = 0x6C00
	HostCR3         Field = 0x6C02
	HostCR4         Field = 0x6C04
	HostFSBase      Field = 0x6C06
	HostGSBase      Field = 0x6C08
	HostTRBase      Field = 0x6C0A
	HostGDTRBase    Field = 0x6C0C
	HostIDTRBase    Field = 0x6C0E
	HostSysenterESP Field = 0x6C10
	HostSysenterEIP Field = 0x6C12
	HostRSP         Field = 0x6C14
	HostRIP         Field = 0x6C16
)

var fieldNames = map[Field]string{
	VirtualProcessorID:          "VIRTUAL_PROCESSOR_ID",
	PostedInterruptNotification: "POSTED_INTR_NV",
	EPTPIndex:                   "EPTP_INDEX",

	GuestESSelector:      "GUEST_ES_SELECTOR",
	GuestCSSelector:      "GUEST_CS_SELECTOR",
	GuestSSSelector:      "GUEST_SS_SELECTOR",
	GuestDSSelector:      "GUEST_DS_SELECTOR",
	GuestFSSelector:      "GUEST_FS_SELECTOR",
	GuestGSSelector:      "GUEST_GS_SELECTOR",
	GuestLDTRSelector:    "GUEST_LDTR_SELECTOR",
	GuestTRSelector:      "GUEST_TR_SELECTOR",
	GuestInterruptStatus: "GUEST_INTR_STATUS",
	GuestPMLIndex:        "GUEST_PML_INDEX",

	HostESSelector: "HOST_ES_SELECTOR",
	HostCSSelector: "HOST_CS_SELECTOR",
	HostSSSelector: "HOST_SS_SELECTOR",
	HostDSSelector: "HOST_DS_SELECTOR",
	HostFSSelector: "HOST_FS_SELECTOR",
	HostGSSelector: "HOST_GS_SELECTOR",
	HostTRSelector: "HOST_TR_SELECTOR",

	IOBitmapA:            "IO_BITMAP_A",
	IOBitmapB:            "IO_BITMAP_B",
	MSRBitmap:            "MSR_BITMAP",
	ExitMSRStoreAddress:  "VM_EXIT_MSR_STORE_ADDR",
	ExitMSRLoadAddress:   "VM_EXIT_MSR_LOAD_ADDR",
	EntryMSRLoadAddress:  "VM_ENTRY_MSR_LOAD_ADDR",
	ExecutiveVMCSPointer: "EXECUTIVE_VMCS_POINTER",
	PMLAddress:           "PML_ADDRESS",
	TSCOffset:            "TSC_OFFSET",
	VirtualAPICAddress:   "VIRTUAL_APIC_PAGE_ADDR",
	APICAccessAddress:    "APIC_ACCESS_ADDR",
	PostedInterruptDesc:  "POSTED_INTR_DESC_ADDR",
	VMFunctionControls:   "VM_FUNCTION_CONTROL",
	EPTPointerField:      "EPT_POINTER",
	EOIExitBitmap0:       "EOI_EXIT_BITMAP0",
	EPTPListAddress:      "EPTP_LIST_ADDRESS",
	XSSExitingBitmap:     "XSS_EXIT_BITMAP",
	TSCMultiplier:        "TSC_MULTIPLIER",

	GuestPhysicalAddress: "GUEST_PHYSICAL_ADDRESS",

	VMCSLinkPointer:     "VMCS_LINK_POINTER",
	GuestDebugCtl:       "GUEST_IA32_DEBUGCTL",
	GuestPAT:            "GUEST_IA32_PAT",
	GuestEFER:           "GUEST_IA32_EFER",
	GuestPerfGlobalCtrl: "GUEST_IA32_PERF_GLOBAL_CTRL",
	GuestPDPTE0:         "GUEST_PDPTE0",
	GuestPDPTE1:         "GUEST_PDPTE1",
	GuestPDPTE2:         "GUEST_PDPTE2",
	GuestPDPTE3:         "GUEST_PDPTE3",

	HostPAT:            "HOST_IA32_PAT",
	HostEFER:           "HOST_IA32_EFER",
	HostPerfGlobalCtrl: "HOST_IA32_PERF_GLOBAL_CTRL",

	PinBasedControls:           "PIN_BASED_VM_EXEC_CONTROL",
	ProcBasedControls:          "CPU_BASED_VM_EXEC_CONTROL",
	ExceptionBitmap:            "EXCEPTION_BITMAP",
	PageFaultErrorCodeMask:     "PAGE_FAULT_ERROR_CODE_MASK",
	PageFaultErrorCodeMatch:    "PAGE_FAULT_ERROR_CODE_MATCH",
	CR3TargetCount:             "CR3_TARGET_COUNT",
	ExitControls:               "VM_EXIT_CONTROLS",
	ExitMSRStoreCount:          "VM_EXIT_MSR_STORE_COUNT",
	ExitMSRLoadCount:           "VM_EXIT_MSR_LOAD_COUNT",
	EntryControls:              "VM_ENTRY_CONTROLS",
	EntryMSRLoadCount:          "VM_ENTRY_MSR_LOAD_COUNT",
	EntryInterruptionInfo:      "VM_ENTRY_INTR_INFO_FIELD",
	EntryExceptionErrorCode:    "VM_ENTRY_EXCEPTION_ERROR_CODE",
	EntryInstructionLength:     "VM_ENTRY_INSTRUCTION_LEN",
	TPRThreshold:               "TPR_THRESHOLD",
	SecondaryProcBasedControls: "SECONDARY_VM_EXEC_CONTROL",
	PLEGap:                     "PLE_GAP",
	PLEWindow:                  "PLE_WINDOW",

	VMInstructionError:        "VM_INSTRUCTION_ERROR",
	ExitReasonField:           "VM_EXIT_REASON",
	ExitInterruptionInfo:      "VM_EXIT_INTR_INFO",
	ExitInterruptionErrorCode: "VM_EXIT_INTR_ERROR_CODE",
	IDTVectoringInfo:          "IDT_VECTORING_INFO_FIELD",
	IDTVectoringErrorCode:     "IDT_VECTORING_ERROR_CODE",
	ExitInstructionLength:     "VM_EXIT_INSTRUCTION_LEN",
	ExitInstructionInfo:       "VMX_INSTRUCTION_INFO",

	GuestESLimit:          "GUEST_ES_LIMIT",
	GuestCSLimit:          "GUEST_CS_LIMIT",
	GuestSSLimit:          "GUEST_SS_LIMIT",
	GuestDSLimit:          "GUEST_DS_LIMIT",
	GuestFSLimit:          "GUEST_FS_LIMIT",
	GuestGSLimit:          "GUEST_GS_LIMIT",
	GuestLDTRLimit:        "GUEST_LDTR_LIMIT",
	GuestTRLimit:          "GUEST_TR_LIMIT",
	GuestGDTRLimit:        "GUEST_GDTR_LIMIT",
	GuestIDTRLimit:        "GUEST_IDTR_LIMIT",
	GuestESAccessRights:   "GUEST_ES_AR_BYTES",
	GuestCSAccessRights:   "GUEST_CS_AR_BYTES",
	GuestSSAccessRights:   "GUEST_SS_AR_BYTES",
	GuestDSAccessRights:   "GUEST_DS_AR_BYTES",
	GuestFSAccessRights:   "GUEST_FS_AR_BYTES",
	GuestGSAccessRights:   "GUEST_GS_AR_BYTES",
	GuestLDTRAccessRights: "GUEST_LDTR_AR_BYTES",
	GuestTRAccessRights:   "GUEST_TR_AR_BYTES",
	GuestInterruptibility: "GUEST_INTERRUPTIBILITY_INFO",
	GuestActivityState:    "GUEST_ACTIVITY_STATE",
	GuestSMBase:           "GUEST_SMBASE",
	GuestSysenterCS:       "GUEST_SYSENTER_CS",
	PreemptionTimerValue:  "VMX_PREEMPTION_TIMER_VALUE",

	HostSysenterCS: "HOST_IA32_SYSENTER_CS",

	CR0GuestHostMask: "CR0_GUEST_HOST_MASK",
	CR4GuestHostMask: "CR4_GUEST_HOST_MASK",
	CR0ReadShadow:    "CR0_READ_SHADOW",
	CR4ReadShadow:    "CR4_READ_SHADOW",
	CR3Target0:       "CR3_TARGET_VALUE0",
	CR3Target1:       "CR3_TARGET_VALUE1",
	CR3Target2:       "CR3_TARGET_VALUE2",
	CR3Target3:       "CR3_TARGET_VALUE3",

	ExitQualification:  "EXIT_QUALIFICATION",
	IORCX:              "IO_RCX",
	IORSI:              "IO_RSI",
	IORDI:              "IO_RDI",
	IORIP:              "IO_RIP",
	GuestLinearAddress: "GUEST_LINEAR_ADDRESS",

	GuestCR0:          "GUEST_CR0",
	GuestCR3:          "GUEST_CR3",
	GuestCR4:          "GUEST_CR4",
	GuestESBase:       "GUEST_ES_BASE",
	GuestCSBase:       "GUEST_CS_BASE",
	GuestSSBase:       "GUEST_SS_BASE",
	GuestDSBase:       "GUEST_DS_BASE",
	GuestFSBase:       "GUEST_FS_BASE",
	GuestGSBase:       "GUEST_GS_BASE",
	GuestLDTRBase:     "GUEST_LDTR_BASE",
	GuestTRBase:       "GUEST_TR_BASE",
	GuestGDTRBase:     "GUEST_GDTR_BASE",
	GuestIDTRBase:     "GUEST_IDTR_BASE",
	GuestDR7:          "GUEST_DR7",
	GuestRSP:          "GUEST_RSP",
	GuestRIP:          "GUEST_RIP",
	GuestRFLAGS:       "GUEST_RFLAGS",
	GuestPendingDebug: "GUEST_PENDING_DBG_EXCEPTIONS",
	GuestSysenterESP:  "GUEST_SYSENTER_ESP",
	GuestSysenterEIP:  "GUEST_SYSENTER_EIP",

	HostCR0:         "HOST_CR0",
	HostCR3:         "HOST_CR3",
	HostCR4:         "HOST_CR4",
	HostFSBase:      "HOST_FS_BASE",
	HostGSBase:      "HOST_GS_BASE",
	HostTRBase:      "HOST_TR_BASE",
	HostGDTRBase:    "HOST_GDTR_BASE",
	HostIDTRBase:    "HOST_IDTR_BASE",
	HostSysenterESP: "HOST_IA32_SYSENTER_ESP",
	HostSysenterEIP: "HOST_IA32_SYSENTER_EIP",
	HostRSP:         "HOST_RSP",
	HostRIP:         "HOST_RIP",
}

// Fields returns every field in the table. Order is unspecified.
func Fields() []Field {
	out := make([]Field, 0, len(fieldNames))
	for f := range fieldNames {
		out = append(out, f)
	}
	return out
}

// LookupField resolves a field by its diagnostic name.
func LookupField(name string) (Field, bool) {
	for f, n := range fieldNames {
		if n == name {
			return f, true
		}
	}
	return 0, false
}
