package vmx

import "fmt"

// GPR indexes a general-purpose register by its hardware encoding.
type GPR uint8

const (
	RAX GPR = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var gprNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r GPR) String() string {
	if int(r) < len(gprNames) {
		return gprNames[r]
	}
	return fmt.Sprintf("gpr%d", uint8(r))
}

// GPRs holds the sixteen general-purpose registers. The layout is shared
// with the entry trampoline.
type GPRs [16]uint64

// Segment names a guest segment register.
type Segment uint8

const (
	ES Segment = iota
	CS
	SS
	DS
	FS
	GS
	LDTR
	TR
	SegmentCount
)

var segmentNames = [SegmentCount]string{"es", "cs", "ss", "ds", "fs", "gs", "ldtr", "tr"}

func (s Segment) String() string {
	if s < SegmentCount {
		return segmentNames[s]
	}
	return fmt.Sprintf("segment%d", uint8(s))
}

type segmentFields struct {
	selector, base, limit, ar Field
}

var segmentFieldTable = [SegmentCount]segmentFields{
	ES:   {GuestESSelector, GuestESBase, GuestESLimit, GuestESAccessRights},
	CS:   {GuestCSSelector, GuestCSBase, GuestCSLimit, GuestCSAccessRights},
	SS:   {GuestSSSelector, GuestSSBase, GuestSSLimit, GuestSSAccessRights},
	DS:   {GuestDSSelector, GuestDSBase, GuestDSLimit, GuestDSAccessRights},
	FS:   {GuestFSSelector, GuestFSBase, GuestFSLimit, GuestFSAccessRights},
	GS:   {GuestGSSelector, GuestGSBase, GuestGSLimit, GuestGSAccessRights},
	LDTR: {GuestLDTRSelector, GuestLDTRBase, GuestLDTRLimit, GuestLDTRAccessRights},
	TR:   {GuestTRSelector, GuestTRBase, GuestTRLimit, GuestTRAccessRights},
}

// Fields returns the four VMCS fields describing s.
func (s Segment) Fields() (selector, base, limit, ar Field) {
	f := segmentFieldTable[s]
	return f.selector, f.base, f.limit, f.ar
}

// Access-rights bits in the VMCS layout.
const (
	ARTypeMask    uint32 = 0xF
	ARAccessed    uint32 = 1 << 0
	ARCodeData    uint32 = 1 << 4
	ARPresent     uint32 = 1 << 7
	ARAvailable   uint32 = 1 << 12
	ARLong        uint32 = 1 << 13
	ARDefaultBig  uint32 = 1 << 14
	ARGranularity uint32 = 1 << 15
	ARUnusable    uint32 = 1 << 16

	arDPLShift = 5
)

// Common access-rights values.
const (
	ARCode64      uint32 = 0xA09B
	ARCode32      uint32 = 0xC09B
	ARData32      uint32 = 0xC093
	ARCode16      uint32 = 0x009B
	ARData16      uint32 = 0x0093
	ARTSSBusy     uint32 = 0x008B
	ARLDTUnusable uint32 = ARUnusable
)

// Segment descriptor types used in checks.
const (
	TypeLDT        = 2
	TypeTSSBusy16  = 3
	TypeTSSBusy64  = 11
	TypeCodeAccess = 0xB
)

// SegmentDescriptor is a guest segment register in VMCS form.
type SegmentDescriptor struct {
	Selector     uint16
	Base         uint64
	Limit        uint32
	AccessRights uint32
}

func (d SegmentDescriptor) Usable() bool     { return d.AccessRights&ARUnusable == 0 }
func (d SegmentDescriptor) Type() uint32     { return d.AccessRights & ARTypeMask }
func (d SegmentDescriptor) Present() bool    { return d.AccessRights&ARPresent != 0 }
func (d SegmentDescriptor) DPL() uint32      { return (d.AccessRights >> arDPLShift) & 3 }
func (d SegmentDescriptor) Long() bool       { return d.AccessRights&ARLong != 0 }
func (d SegmentDescriptor) DefaultBig() bool { return d.AccessRights&ARDefaultBig != 0 }

// GranularityConsistent reports whether the limit agrees with the G bit.
func (d SegmentDescriptor) GranularityConsistent() bool {
	g := d.AccessRights&ARGranularity != 0
	if d.Limit&0xFFF != 0xFFF && g {
		return false
	}
	if d.Limit&0xFFF00000 != 0 && !g {
		return false
	}
	return true
}

// DescriptorTable is a GDTR or IDTR value.
type DescriptorTable struct {
	Base  uint64
	Limit uint32
}

// Guest activity states.
const (
	ActivityActive   uint32 = 0
	ActivityHLT      uint32 = 1
	ActivityShutdown uint32 = 2
	ActivityWaitSIPI uint32 = 3
)

// Guest interruptibility bits.
const (
	BlockingBySTI   uint32 = 1 << 0
	BlockingByMovSS uint32 = 1 << 1
	BlockingBySMI   uint32 = 1 << 2
	BlockingByNMI   uint32 = 1 << 3
)

// LinkPointerNone is the only VMCS link pointer value used without VMCS
// shadowing.
const LinkPointerNone = ^uint64(0)

// GuestState is the virtual CPU state loaded on VM entry and refreshed on
// every exit.
type GuestState struct {
	GPRs   GPRs
	RIP    uint64
	RFLAGS uint64

	CR0, CR2, CR3, CR4 uint64
	DR7                uint64
	EFER               uint64
	PAT                uint64

	Segments   [SegmentCount]SegmentDescriptor
	GDTR, IDTR DescriptorTable

	SysenterCS  uint32
	SysenterESP uint64
	SysenterEIP uint64

	ActivityState    uint32
	Interruptibility uint32
	PendingDebug     uint64
	LinkPointer      uint64

	Exit ExitInfo
}

// Segment returns a pointer to the descriptor for s.
func (g *GuestState) Segment(s Segment) *SegmentDescriptor { return &g.Segments[s] }

// RSP mirrors the guest stack pointer, which the VMCS holds.
func (g *GuestState) RSP() uint64 { return g.GPRs[RSP] }

// HypervisorState is the host register file around one transition.
type HypervisorState struct {
	GPRs   GPRs
	RIP    uint64
	RFLAGS uint64
}

// VmCpuRegisters is the register file of one session.
type VmCpuRegisters struct {
	Guest GuestState
	Host  HypervisorState
}
