package vmx

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// MSRArea locates an MSR list for the VMCS.
type MSRArea struct {
	Phys  uint64
	Count uint32
}

// ControlState is the non-negotiated part of the control area.
type ControlState struct {
	ExceptionBitmap uint32
	PageFaultMask   uint32
	PageFaultMatch  uint32

	CR0Mask, CR0Shadow uint64
	CR4Mask, CR4Shadow uint64

	EntryMSRLoad MSRArea
	ExitMSRStore MSRArea
	ExitMSRLoad  MSRArea

	VPID            uint16
	PreemptionTimer uint32
	TSCOffset       uint64
}

// Writer populates the current VMCS in the order VM entry depends on:
// controls, host, guest, then the finalizing guest fields.
type Writer struct {
	fa FieldAccessor
}

func NewWriter(fa FieldAccessor) *Writer { return &Writer{fa: fa} }

type fieldValue struct {
	f Field
	v uint64
}

func (w *Writer) write(values ...fieldValue) error {
	for _, fv := range values {
		if err := w.fa.VMWrite(fv.f, fv.v); err != nil {
			return fmt.Errorf("vmx: write %s: %w", fv.f, err)
		}
	}
	return nil
}

// WriteControls writes the execution, exit and entry control fields.
func (w *Writer) WriteControls(c Controls, s ControlState) error {
	values := []fieldValue{
		{PinBasedControls, uint64(c.Pin)},
		{ProcBasedControls, uint64(c.Proc)},
	}
	if c.SecondaryActive() {
		values = append(values, fieldValue{SecondaryProcBasedControls, uint64(c.Proc2)})
	}
	values = append(values,
		fieldValue{ExitControls, uint64(c.Exit)},
		fieldValue{EntryControls, uint64(c.Entry)},
		fieldValue{ExceptionBitmap, uint64(s.ExceptionBitmap)},
		fieldValue{PageFaultErrorCodeMask, uint64(s.PageFaultMask)},
		fieldValue{PageFaultErrorCodeMatch, uint64(s.PageFaultMatch)},
		fieldValue{CR3TargetCount, 0},
		fieldValue{CR0GuestHostMask, s.CR0Mask},
		fieldValue{CR0ReadShadow, s.CR0Shadow},
		fieldValue{CR4GuestHostMask, s.CR4Mask},
		fieldValue{CR4ReadShadow, s.CR4Shadow},
		fieldValue{EntryMSRLoadCount, uint64(s.EntryMSRLoad.Count)},
		fieldValue{EntryMSRLoadAddress, s.EntryMSRLoad.Phys},
		fieldValue{ExitMSRStoreCount, uint64(s.ExitMSRStore.Count)},
		fieldValue{ExitMSRStoreAddress, s.ExitMSRStore.Phys},
		fieldValue{ExitMSRLoadCount, uint64(s.ExitMSRLoad.Count)},
		fieldValue{ExitMSRLoadAddress, s.ExitMSRLoad.Phys},
		fieldValue{EntryInterruptionInfo, 0},
	)
	if c.SecondaryActive() && c.Proc2&Proc2VPID != 0 {
		values = append(values, fieldValue{VirtualProcessorID, uint64(s.VPID)})
	}
	if c.Pin&PinPreemptionTimer != 0 {
		values = append(values, fieldValue{PreemptionTimerValue, uint64(s.PreemptionTimer)})
	}
	if c.Proc&ProcTSCOffsetting != 0 {
		values = append(values, fieldValue{TSCOffset, s.TSCOffset})
	}
	return w.write(values...)
}

// WriteHost writes the host-state area.
func (w *Writer) WriteHost(h HostState, c Controls) error {
	seg := h.Segments
	// Host selectors must have RPL and TI clear.
	sel := func(s uint16) uint64 { return uint64(s &^ 7) }

	values := []fieldValue{
		{HostCR0, h.CR0},
		{HostCR3, h.CR3},
		{HostCR4, h.CR4},
		{HostESSelector, sel(seg.ES)},
		{HostCSSelector, sel(seg.CS)},
		{HostSSSelector, sel(seg.SS)},
		{HostDSSelector, sel(seg.DS)},
		{HostFSSelector, sel(seg.FS)},
		{HostGSSelector, sel(seg.GS)},
		{HostTRSelector, sel(seg.TR)},
		{HostFSBase, seg.FSBase},
		{HostGSBase, seg.GSBase},
		{HostTRBase, seg.TRBase},
		{HostGDTRBase, seg.GDTBase},
		{HostIDTRBase, seg.IDTBase},
		{HostSysenterCS, uint64(h.SysenterCS)},
		{HostSysenterESP, h.SysenterESP},
		{HostSysenterEIP, h.SysenterEIP},
	}
	if c.Exit&ExitLoadEFER != 0 {
		values = append(values, fieldValue{HostEFER, h.EFER})
	}
	if c.Exit&ExitLoadPAT != 0 {
		values = append(values, fieldValue{HostPAT, h.PAT})
	}
	if h.RSP != 0 {
		values = append(values, fieldValue{HostRSP, h.RSP})
	}
	if h.RIP != 0 {
		values = append(values, fieldValue{HostRIP, h.RIP})
	}
	return w.write(values...)
}

// WriteGuest writes the guest-state area except TR and the link pointer.
// The descriptor-table registers go first since later segment state is
// interpreted against them.
func (w *Writer) WriteGuest(g *GuestState, c Controls) error {
	values := []fieldValue{
		{GuestGDTRBase, g.GDTR.Base},
		{GuestGDTRLimit, uint64(g.GDTR.Limit)},
		{GuestIDTRBase, g.IDTR.Base},
		{GuestIDTRLimit, uint64(g.IDTR.Limit)},
		{GuestCR0, g.CR0},
		{GuestCR3, g.CR3},
		{GuestCR4, g.CR4},
		{GuestDR7, g.DR7},
	}
	for s := ES; s <= LDTR; s++ {
		values = append(values, segmentValues(s, g.Segments[s])...)
	}
	values = append(values,
		fieldValue{GuestRSP, g.GPRs[RSP]},
		fieldValue{GuestRIP, g.RIP},
		fieldValue{GuestRFLAGS, g.RFLAGS},
		fieldValue{GuestActivityState, uint64(g.ActivityState)},
		fieldValue{GuestInterruptibility, uint64(g.Interruptibility)},
		fieldValue{GuestPendingDebug, g.PendingDebug},
		fieldValue{GuestSysenterCS, uint64(g.SysenterCS)},
		fieldValue{GuestSysenterESP, g.SysenterESP},
		fieldValue{GuestSysenterEIP, g.SysenterEIP},
	)
	if c.Entry&EntryLoadDebugControls != 0 {
		values = append(values, fieldValue{GuestDebugCtl, 0})
	}
	if c.Entry&EntryLoadEFER != 0 {
		values = append(values, fieldValue{GuestEFER, g.EFER})
	}
	if c.Entry&EntryLoadPAT != 0 {
		values = append(values, fieldValue{GuestPAT, g.PAT})
	}
	return w.write(values...)
}

// Finalize writes TR and then the VMCS link pointer.
func (w *Writer) Finalize(g *GuestState) error {
	values := segmentValues(TR, g.Segments[TR])
	values = append(values, fieldValue{VMCSLinkPointer, g.LinkPointer})
	return w.write(values...)
}

func segmentValues(s Segment, d SegmentDescriptor) []fieldValue {
	sel, base, limit, ar := s.Fields()
	return []fieldValue{
		{sel, uint64(d.Selector)},
		{base, d.Base},
		{limit, uint64(d.Limit)},
		{ar, uint64(d.AccessRights)},
	}
}

// InstallEPT encodes and writes the EPT pointer.
func (w *Writer) InstallEPT(root uint64, walkLength int, mt hostarch.MemoryType) (EPTPointer, error) {
	p, err := MakeEPTPointer(root, walkLength, mt, false)
	if err != nil {
		return 0, err
	}
	if err := w.write(fieldValue{EPTPointerField, uint64(p)}); err != nil {
		return 0, err
	}
	return p, nil
}

// EPTPointer is the value of the EPT pointer field.
type EPTPointer uint64

const (
	eptMemTypeUC   = 0
	eptMemTypeWB   = 6
	eptWalkShift   = 3
	eptADEnable    = 1 << 6
	eptRootMask    = 0x000F_FFFF_FFFF_F000
	eptMemTypeMask = 7
)

// MakeEPTPointer encodes an EPT pointer. Only 4-level walks and the
// write-back and uncacheable memory types are accepted.
func MakeEPTPointer(root uint64, walkLength int, mt hostarch.MemoryType, accessedDirty bool) (EPTPointer, error) {
	if root&^eptRootMask != 0 {
		return 0, fmt.Errorf("vmx: EPT root %#x is not a page-aligned physical address", root)
	}
	if walkLength != 4 {
		return 0, fmt.Errorf("vmx: unsupported EPT walk length %d", walkLength)
	}
	var memType uint64
	switch mt {
	case hostarch.MemoryTypeWriteBack:
		memType = eptMemTypeWB
	case hostarch.MemoryTypeUncached:
		memType = eptMemTypeUC
	default:
		return 0, fmt.Errorf("vmx: unsupported EPT paging-structure memory type %s", mt)
	}
	p := root | uint64(walkLength-1)<<eptWalkShift | memType
	if accessedDirty {
		p |= eptADEnable
	}
	return EPTPointer(p), nil
}

func (p EPTPointer) Root() uint64        { return uint64(p) & eptRootMask }
func (p EPTPointer) WalkLength() int     { return int((uint64(p)>>eptWalkShift)&7) + 1 }
func (p EPTPointer) AccessedDirty() bool { return uint64(p)&eptADEnable != 0 }

// MemoryType decodes the paging-structure memory type. ok is false for
// encodings other than WB and UC.
func (p EPTPointer) MemoryType() (mt hostarch.MemoryType, ok bool) {
	switch uint64(p) & eptMemTypeMask {
	case eptMemTypeWB:
		return hostarch.MemoryTypeWriteBack, true
	case eptMemTypeUC:
		return hostarch.MemoryTypeUncached, true
	}
	return 0, false
}

func (p EPTPointer) String() string {
	mt, _ := p.MemoryType()
	return fmt.Sprintf("eptp{root=%#x walk=%d type=%s ad=%t}", p.Root(), p.WalkLength(), mt.ShortString(), p.AccessedDirty())
}
