package vmx

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// ExitReason is the basic exit reason, bits 15:0 of the exit reason field.
type ExitReason uint16

const (
	ExitExceptionOrNMI        ExitReason = 0
	ExitExternalInterrupt     ExitReason = 1
	ExitTripleFault           ExitReason = 2
	ExitINIT                  ExitReason = 3
	ExitSIPI                  ExitReason = 4
	ExitIOSMI                 ExitReason = 5
	ExitOtherSMI              ExitReason = 6
	ExitInterruptWindow       ExitReason = 7
	ExitNMIWindow             ExitReason = 8
	ExitTaskSwitch            ExitReason = 9
	ExitCPUID                 ExitReason = 10
	ExitGETSEC                ExitReason = 11
	ExitHLT                   ExitReason = 12
	ExitINVD                  ExitReason = 13
	ExitINVLPG                ExitReason = 14
	ExitRDPMC                 ExitReason = 15
	ExitRDTSC                 ExitReason = 16
	ExitRSM                   ExitReason = 17
	ExitVMCALL                ExitReason = 18
	ExitVMCLEAR               ExitReason = 19
	ExitVMLAUNCH              ExitReason = 20
	ExitVMPTRLD               ExitReason = 21
	ExitVMPTRST               ExitReason = 22
	ExitVMREAD                ExitReason = 23
	ExitVMRESUME              ExitReason = 24
	ExitVMWRITE               ExitReason = 25
	ExitVMXOFF                ExitReason = 26
	ExitVMXON                 ExitReason = 27
	ExitCRAccess              ExitReason = 28
	ExitMOVDR                 ExitReason = 29
	ExitIOInstruction         ExitReason = 30
	ExitRDMSR                 ExitReason = 31
	ExitWRMSR                 ExitReason = 32
	ExitEntryFailGuestState   ExitReason = 33
	ExitEntryFailMSRLoading   ExitReason = 34
	ExitMWAIT                 ExitReason = 36
	ExitMonitorTrapFlag       ExitReason = 37
	ExitMONITOR               ExitReason = 39
	ExitPAUSE                 ExitReason = 40
	ExitEntryFailMachineCheck ExitReason = 41
	ExitTPRBelowThreshold     ExitReason = 43
	ExitAPICAccess            ExitReason = 44
	ExitVirtualizedEOI        ExitReason = 45
	ExitGDTRIDTRAccess        ExitReason = 46
	ExitLDTRTRAccess          ExitReason = 47
	ExitEPTViolation          ExitReason = 48
	ExitEPTMisconfig          ExitReason = 49
	ExitINVEPT                ExitReason = 50
	ExitRDTSCP                ExitReason = 51
	ExitPreemptionTimer       ExitReason = 52
	ExitINVVPID               ExitReason = 53
	ExitWBINVD                ExitReason = 54
	ExitXSETBV                ExitReason = 55
	ExitAPICWrite             ExitReason = 56
	ExitRDRAND                ExitReason = 57
	ExitINVPCID               ExitReason = 58
	ExitVMFUNC                ExitReason = 59
	ExitENCLS                 ExitReason = 60
	ExitRDSEED                ExitReason = 61
	ExitPMLFull               ExitReason = 62
	ExitXSAVES                ExitReason = 63
	ExitXRSTORS               ExitReason = 64
	ExitSPPEvent              ExitReason = 66
	ExitUMWAIT                ExitReason = 67
	ExitTPAUSE                ExitReason = 68
	ExitLOADIWKEY             ExitReason = 69
)

var exitReasonNames = map[ExitReason]string{
	ExitExceptionOrNMI:        "exception or NMI",
	ExitExternalInterrupt:     "external interrupt",
	ExitTripleFault:           "triple fault",
	ExitINIT:                  "INIT signal",
	ExitSIPI:                  "start-up IPI",
	ExitIOSMI:                 "I/O SMI",
	ExitOtherSMI:              "other SMI",
	ExitInterruptWindow:       "interrupt window",
	ExitNMIWindow:             "NMI window",
	ExitTaskSwitch:            "task switch",
	ExitCPUID:                 "CPUID",
	ExitGETSEC:                "GETSEC",
	ExitHLT:                   "HLT",
	ExitINVD:                  "INVD",
	ExitINVLPG:                "INVLPG",
	ExitRDPMC:                 "RDPMC",
	ExitRDTSC:                 "RDTSC",
	ExitRSM:                   "RSM",
	ExitVMCALL:                "VMCALL",
	ExitVMCLEAR:               "VMCLEAR",
	ExitVMLAUNCH:              "VMLAUNCH",
	ExitVMPTRLD:               "VMPTRLD",
	ExitVMPTRST:               "VMPTRST",
	ExitVMREAD:                "VMREAD",
	ExitVMRESUME:              "VMRESUME",
	ExitVMWRITE:               "VMWRITE",
	ExitVMXOFF:                "VMXOFF",
	ExitVMXON:                 "VMXON",
	ExitCRAccess:              "control-register access",
	ExitMOVDR:                 "MOV DR",
	ExitIOInstruction:         "I/O instruction",
	ExitRDMSR:                 "RDMSR",
	ExitWRMSR:                 "WRMSR",
	ExitEntryFailGuestState:   "VM-entry failure due to invalid guest state",
	ExitEntryFailMSRLoading:   "VM-entry failure due to MSR loading",
	ExitMWAIT:                 "MWAIT",
	ExitMonitorTrapFlag:       "monitor trap flag",
	ExitMONITOR:               "MONITOR",
	ExitPAUSE:                 "PAUSE",
	ExitEntryFailMachineCheck: "VM-entry failure due to machine-check event",
	ExitTPRBelowThreshold:     "TPR below threshold",
	ExitAPICAccess:            "APIC access",
	ExitVirtualizedEOI:        "virtualized EOI",
	ExitGDTRIDTRAccess:        "access to GDTR or IDTR",
	ExitLDTRTRAccess:          "access to LDTR or TR",
	ExitEPTViolation:          "EPT violation",
	ExitEPTMisconfig:          "EPT misconfiguration",
	ExitINVEPT:                "INVEPT",
	ExitRDTSCP:                "RDTSCP",
	ExitPreemptionTimer:       "VMX-preemption timer expired",
	ExitINVVPID:               "INVVPID",
	ExitWBINVD:                "WBINVD",
	ExitXSETBV:                "XSETBV",
	ExitAPICWrite:             "APIC write",
	ExitRDRAND:                "RDRAND",
	ExitINVPCID:               "INVPCID",
	ExitVMFUNC:                "VMFUNC",
	ExitENCLS:                 "ENCLS",
	ExitRDSEED:                "RDSEED",
	ExitPMLFull:               "page-modification log full",
	ExitXSAVES:                "XSAVES",
	ExitXRSTORS:               "XRSTORS",
	ExitSPPEvent:              "SPP-related event",
	ExitUMWAIT:                "UMWAIT",
	ExitTPAUSE:                "TPAUSE",
	ExitLOADIWKEY:             "LOADIWKEY",
}

func (r ExitReason) String() string {
	if n, ok := exitReasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("exit reason %d", uint16(r))
}

// ExitReasonEntryFailure is bit 31 of the exit reason field.
const ExitReasonEntryFailure uint32 = 1 << 31

// ExitInfo holds the exit-information fields of the most recent VM exit.
type ExitInfo struct {
	Raw               uint32
	Reason            ExitReason
	EntryFailure      bool
	Qualification     uint64
	GuestLinear       uint64
	GuestPhysical     uint64
	InstructionLength uint32
	InstructionInfo   uint32
	InterruptionInfo  uint32
	InterruptionError uint32
}

// DecodeExitReason splits the raw exit reason field.
func DecodeExitReason(raw uint32) (ExitReason, bool) {
	return ExitReason(raw & 0xFFFF), raw&ExitReasonEntryFailure != 0
}

// IOQualification is the decoded qualification of an I/O instruction exit.
type IOQualification struct {
	Size      int
	In        bool
	String    bool
	Rep       bool
	Immediate bool
	Port      uint16
}

func DecodeIOQualification(q uint64) IOQualification {
	return IOQualification{
		Size:      int(q&7) + 1,
		In:        q&(1<<3) != 0,
		String:    q&(1<<4) != 0,
		Rep:       q&(1<<5) != 0,
		Immediate: q&(1<<6) != 0,
		Port:      uint16(q >> 16),
	}
}

func (q IOQualification) Encode() uint64 {
	v := uint64(q.Size-1)&7 | uint64(q.Port)<<16
	if q.In {
		v |= 1 << 3
	}
	if q.String {
		v |= 1 << 4
	}
	if q.Rep {
		v |= 1 << 5
	}
	if q.Immediate {
		v |= 1 << 6
	}
	return v
}

// CRAccessType is bits 5:4 of a control-register access qualification.
type CRAccessType uint8

const (
	CRAccessMovTo CRAccessType = iota
	CRAccessMovFrom
	CRAccessCLTS
	CRAccessLMSW
)

func (t CRAccessType) String() string {
	switch t {
	case CRAccessMovTo:
		return "mov to cr"
	case CRAccessMovFrom:
		return "mov from cr"
	case CRAccessCLTS:
		return "clts"
	default:
		return "lmsw"
	}
}

// CRQualification is the decoded qualification of a control-register access.
type CRQualification struct {
	CR         uint8
	Access     CRAccessType
	LMSWMemory bool
	GPR        GPR
	LMSWSource uint16
}

func DecodeCRQualification(q uint64) CRQualification {
	return CRQualification{
		CR:         uint8(q & 0xF),
		Access:     CRAccessType((q >> 4) & 3),
		LMSWMemory: q&(1<<6) != 0,
		GPR:        GPR((q >> 8) & 0xF),
		LMSWSource: uint16(q >> 16),
	}
}

func (q CRQualification) Encode() uint64 {
	v := uint64(q.CR&0xF) | uint64(q.Access&3)<<4 | uint64(q.GPR&0xF)<<8 | uint64(q.LMSWSource)<<16
	if q.LMSWMemory {
		v |= 1 << 6
	}
	return v
}

// EPTViolation is the decoded qualification of an EPT violation.
type EPTViolation struct {
	Read, Write, Fetch             bool
	Readable, Writable, Executable bool
	LinearValid, TranslatedAccess  bool
}

func DecodeEPTViolation(q uint64) EPTViolation {
	return EPTViolation{
		Read:             q&(1<<0) != 0,
		Write:            q&(1<<1) != 0,
		Fetch:            q&(1<<2) != 0,
		Readable:         q&(1<<3) != 0,
		Writable:         q&(1<<4) != 0,
		Executable:       q&(1<<5) != 0,
		LinearValid:      q&(1<<7) != 0,
		TranslatedAccess: q&(1<<8) != 0,
	}
}

func (v EPTViolation) Encode() uint64 {
	var q uint64
	for i, b := range []bool{v.Read, v.Write, v.Fetch, v.Readable, v.Writable, v.Executable} {
		if b {
			q |= 1 << i
		}
	}
	if v.LinearValid {
		q |= 1 << 7
	}
	if v.TranslatedAccess {
		q |= 1 << 8
	}
	return q
}

// Access returns the kind of access that faulted.
func (v EPTViolation) Access() hostarch.AccessType {
	return hostarch.AccessType{Read: v.Read, Write: v.Write, Execute: v.Fetch}
}
