package sim

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/ept"
	"github.com/tinyrange/vtx/internal/vmx"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// checkError is a failed VM-entry check. Control and host checks fail the
// instruction with code; guest checks fail the entry with an exit.
type checkError struct {
	code   vmx.InstructionErrorCode
	reason vmx.ExitReason
	qual   uint64
	what   string
}

func (e *checkError) Error() string { return "sim: vm entry check: " + e.what }

func controlCheck(format string, args ...any) *checkError {
	return &checkError{code: vmx.ErrCodeEntryInvalidControls, what: fmt.Sprintf(format, args...)}
}

func hostCheck(format string, args ...any) *checkError {
	return &checkError{code: vmx.ErrCodeEntryInvalidHostState, what: fmt.Sprintf(format, args...)}
}

func guestCheck(qual uint64, format string, args ...any) *checkError {
	return &checkError{reason: vmx.ExitEntryFailGuestState, qual: qual, what: fmt.Sprintf(format, args...)}
}

func canonical(addr uint64) bool {
	top := int64(addr) >> 47
	return top == 0 || top == -1
}

// controlMSR returns the capability MSR entry checks use for k.
func (p *Processor) controlMSR(k vmx.ControlKind) uint64 {
	trueCtls := p.msrs[cpu.MSRVMXBasic]&(1<<55) != 0
	switch k {
	case vmx.ControlPin:
		if trueCtls {
			return p.msrs[cpu.MSRVMXTruePinbasedCtls]
		}
		return p.msrs[cpu.MSRVMXPinbasedCtls]
	case vmx.ControlProc:
		if trueCtls {
			return p.msrs[cpu.MSRVMXTrueProcbasedCtls]
		}
		return p.msrs[cpu.MSRVMXProcbasedCtls]
	case vmx.ControlProc2:
		return p.msrs[cpu.MSRVMXProcbasedCtls2]
	case vmx.ControlExit:
		if trueCtls {
			return p.msrs[cpu.MSRVMXTrueExitCtls]
		}
		return p.msrs[cpu.MSRVMXExitCtls]
	default:
		if trueCtls {
			return p.msrs[cpu.MSRVMXTrueEntryCtls]
		}
		return p.msrs[cpu.MSRVMXEntryCtls]
	}
}

// entryControls reads the five control fields. The secondary controls
// read as zero unless the primary controls activate them.
func entryControls(f map[vmx.Field]uint64) vmx.Controls {
	c := vmx.Controls{
		Pin:   uint32(f[vmx.PinBasedControls]),
		Proc:  uint32(f[vmx.ProcBasedControls]),
		Exit:  uint32(f[vmx.ExitControls]),
		Entry: uint32(f[vmx.EntryControls]),
	}
	if c.SecondaryActive() {
		c.Proc2 = uint32(f[vmx.SecondaryProcBasedControls])
	}
	return c
}

func (p *Processor) checkControls(f map[vmx.Field]uint64, c vmx.Controls) *checkError {
	for _, k := range vmx.ControlKinds {
		if k == vmx.ControlProc2 && !c.SecondaryActive() {
			continue
		}
		capability := p.controlMSR(k)
		value := c.Value(k)
		required, allowed := uint32(capability), uint32(capability>>32)
		if value&required != required {
			return controlCheck("%s controls %#x lack required bits %#x", k, value, required&^value)
		}
		if value&^allowed != 0 {
			return controlCheck("%s controls %#x set disallowed bits %#x", k, value, value&^allowed)
		}
	}

	misc := p.msrs[cpu.MSRVMXMisc]
	if n := f[vmx.CR3TargetCount]; n > misc>>16&0x1FF {
		return controlCheck("CR3-target count %d", n)
	}
	if c.Pin&vmx.PinVirtualNMIs != 0 && c.Pin&vmx.PinNMIExiting == 0 {
		return controlCheck("virtual NMIs without NMI exiting")
	}
	if c.Pin&vmx.PinPreemptionTimer == 0 && c.Exit&vmx.ExitSavePreemptionTimer != 0 {
		return controlCheck("saving an inactive preemption timer")
	}
	if c.Proc2&vmx.Proc2UnrestrictedGuest != 0 && c.Proc2&vmx.Proc2EPT == 0 {
		return controlCheck("unrestricted guest without EPT")
	}
	if c.Proc2&vmx.Proc2VPID != 0 && f[vmx.VirtualProcessorID] == 0 {
		return controlCheck("VPID enabled with VPID 0")
	}
	if c.Proc2&vmx.Proc2EPT != 0 {
		if err := p.checkEPTP(f[vmx.EPTPointerField]); err != nil {
			return err
		}
	}
	for _, area := range []struct {
		name        string
		count, addr vmx.Field
	}{
		{"VM-entry MSR-load", vmx.EntryMSRLoadCount, vmx.EntryMSRLoadAddress},
		{"VM-exit MSR-store", vmx.ExitMSRStoreCount, vmx.ExitMSRStoreAddress},
		{"VM-exit MSR-load", vmx.ExitMSRLoadCount, vmx.ExitMSRLoadAddress},
	} {
		if f[area.count] == 0 {
			continue
		}
		addr := f[area.addr]
		end := addr + f[area.count]*vmx.MSREntrySize - 1
		if addr&0xF != 0 || end>>p.physWidth != 0 || end < addr {
			return controlCheck("%s area %#x", area.name, addr)
		}
	}
	if info := f[vmx.EntryInterruptionInfo]; info&(1<<31) != 0 {
		return controlCheck("event injection %#x is not supported", info)
	}
	if c.Entry&vmx.EntrySMM != 0 || c.Entry&vmx.EntryDeactivateDualMonitor != 0 {
		return controlCheck("SMM entry controls outside SMM")
	}
	return nil
}

func (p *Processor) checkEPTP(eptp uint64) *checkError {
	capEPT := p.msrs[cpu.MSRVMXEPTVPIDCap]
	ptr := vmx.EPTPointer(eptp)
	mt, ok := ptr.MemoryType()
	switch {
	case !ok:
		return controlCheck("EPT pointer %#x memory type", eptp)
	case mt == hostarch.MemoryTypeUncached && capEPT&vmx.EPTCapUncacheable == 0,
		mt == hostarch.MemoryTypeWriteBack && capEPT&vmx.EPTCapWriteBack == 0:
		return controlCheck("EPT paging-structure memory type %s unsupported", mt.ShortString())
	}
	if ptr.WalkLength() != ept.Levels || capEPT&vmx.EPTCapWalkLength4 == 0 {
		return controlCheck("EPT walk length %d", ptr.WalkLength())
	}
	if ptr.AccessedDirty() && capEPT&vmx.EPTCapAccessedDirty == 0 {
		return controlCheck("EPT accessed/dirty flags unsupported")
	}
	if eptp&0xF80 != 0 || eptp>>p.physWidth != 0 {
		return controlCheck("EPT pointer %#x reserved bits", eptp)
	}
	return nil
}

func (p *Processor) checkHost(f map[vmx.Field]uint64, c vmx.Controls) *checkError {
	cr0, cr4 := f[vmx.HostCR0], f[vmx.HostCR4]
	if !fixedOK(cr0, p.msrs[cpu.MSRVMXCR0Fixed0], p.msrs[cpu.MSRVMXCR0Fixed1]) {
		return hostCheck("host CR0 %#x violates fixed bits", cr0)
	}
	if !fixedOK(cr4, p.msrs[cpu.MSRVMXCR4Fixed0], p.msrs[cpu.MSRVMXCR4Fixed1]) {
		return hostCheck("host CR4 %#x violates fixed bits", cr4)
	}
	if cr3 := f[vmx.HostCR3]; cr3>>p.physWidth != 0 {
		return hostCheck("host CR3 %#x beyond physical width", cr3)
	}
	if c.Exit&vmx.ExitHostAddressSpaceSize == 0 {
		return hostCheck("64-bit host without host address-space size")
	}
	if cr4&cpu.CR4PAE == 0 {
		return hostCheck("64-bit host with CR4.PAE clear")
	}
	for _, sel := range []vmx.Field{vmx.HostESSelector, vmx.HostCSSelector, vmx.HostSSSelector, vmx.HostDSSelector, vmx.HostFSSelector, vmx.HostGSSelector, vmx.HostTRSelector} {
		if f[sel]&7 != 0 {
			return hostCheck("%s %#x has RPL or TI set", sel, f[sel])
		}
	}
	if f[vmx.HostCSSelector] == 0 || f[vmx.HostTRSelector] == 0 {
		return hostCheck("null host CS or TR selector")
	}
	for _, base := range []vmx.Field{vmx.HostFSBase, vmx.HostGSBase, vmx.HostTRBase, vmx.HostGDTRBase, vmx.HostIDTRBase, vmx.HostSysenterESP, vmx.HostSysenterEIP, vmx.HostRIP} {
		if !canonical(f[base]) {
			return hostCheck("%s %#x is not canonical", base, f[base])
		}
	}
	if c.Exit&vmx.ExitLoadEFER != 0 {
		efer := f[vmx.HostEFER]
		if efer&^eferValid != 0 {
			return hostCheck("host EFER %#x reserved bits", efer)
		}
		if efer&cpu.EFERLMA == 0 || efer&cpu.EFERLME == 0 {
			return hostCheck("host EFER %#x without long mode", efer)
		}
	}
	if c.Exit&vmx.ExitLoadPAT != 0 && !validPAT(f[vmx.HostPAT]) {
		return hostCheck("host PAT %#x", f[vmx.HostPAT])
	}
	return nil
}

const eferValid = cpu.EFERSCE | cpu.EFERLME | cpu.EFERLMA | cpu.EFERNXE

func validPAT(pat uint64) bool {
	for i := 0; i < 8; i++ {
		switch pat >> (8 * i) & 0xFF {
		case 0, 1, 4, 5, 6, 7:
		default:
			return false
		}
	}
	return true
}

// Reserved access-rights bits of a usable segment: 11:8 and 31:17.
const arReserved = 0xF00 | 0xFFFE_0000

// checkGuest applies the guest-state checks to the loaded state g. Failing
// checks produce exit reason 33 with the entry-failure bit.
func (p *Processor) checkGuest(f map[vmx.Field]uint64, c vmx.Controls, g *guest) *checkError {
	ia32e := c.Entry&vmx.EntryIA32eModeGuest != 0
	unrestricted := c.Proc2&vmx.Proc2UnrestrictedGuest != 0

	fixed0 := p.msrs[cpu.MSRVMXCR0Fixed0]
	if unrestricted {
		fixed0 &^= cpu.CR0PE | cpu.CR0PG
	}
	if !fixedOK(g.cr0, fixed0, p.msrs[cpu.MSRVMXCR0Fixed1]) {
		return guestCheck(0, "guest CR0 %#x violates fixed bits", g.cr0)
	}
	if g.cr0&cpu.CR0PG != 0 && g.cr0&cpu.CR0PE == 0 {
		return guestCheck(0, "guest CR0 %#x has PG without PE", g.cr0)
	}
	if !fixedOK(g.cr4, p.msrs[cpu.MSRVMXCR4Fixed0], p.msrs[cpu.MSRVMXCR4Fixed1]) {
		return guestCheck(0, "guest CR4 %#x violates fixed bits", g.cr4)
	}
	if ia32e && (g.cr0&cpu.CR0PG == 0 || g.cr4&cpu.CR4PAE == 0) {
		return guestCheck(0, "IA-32e mode guest without paging and PAE")
	}
	if !ia32e && g.cr4&cpu.CR4PCIDE != 0 {
		return guestCheck(0, "CR4.PCIDE outside IA-32e mode")
	}
	if g.cr3>>p.physWidth != 0 {
		return guestCheck(0, "guest CR3 %#x beyond physical width", g.cr3)
	}
	if !canonical(f[vmx.GuestSysenterESP]) || !canonical(f[vmx.GuestSysenterEIP]) {
		return guestCheck(0, "guest SYSENTER ESP/EIP not canonical")
	}
	if c.Entry&vmx.EntryLoadEFER != 0 {
		if g.efer&^eferValid != 0 {
			return guestCheck(0, "guest EFER %#x reserved bits", g.efer)
		}
		if (g.efer&cpu.EFERLMA != 0) != ia32e {
			return guestCheck(0, "guest EFER.LMA disagrees with the IA-32e mode guest control")
		}
		if g.cr0&cpu.CR0PG != 0 && (g.efer&cpu.EFERLME != 0) != (g.efer&cpu.EFERLMA != 0) {
			return guestCheck(0, "guest EFER.LME disagrees with EFER.LMA")
		}
	}
	if c.Entry&vmx.EntryLoadPAT != 0 && !validPAT(f[vmx.GuestPAT]) {
		return guestCheck(0, "guest PAT %#x", f[vmx.GuestPAT])
	}

	if err := checkSegments(g, ia32e, unrestricted); err != nil {
		return err
	}

	for _, base := range []vmx.Field{vmx.GuestGDTRBase, vmx.GuestIDTRBase} {
		if !canonical(f[base]) {
			return guestCheck(0, "%s %#x is not canonical", base, f[base])
		}
	}
	if f[vmx.GuestGDTRLimit] > 0xFFFF || f[vmx.GuestIDTRLimit] > 0xFFFF {
		return guestCheck(0, "descriptor-table limit above 0xffff")
	}

	cs := g.segs[vmx.CS]
	if !ia32e || !cs.Long() {
		if g.rip>>32 != 0 {
			return guestCheck(0, "guest RIP %#x outside 64-bit mode", g.rip)
		}
	} else if !canonical(g.rip) {
		return guestCheck(0, "guest RIP %#x is not canonical", g.rip)
	}
	if g.rflags&rflagsReserved != 0 || g.rflags&cpu.RFLAGSReserved1 == 0 {
		return guestCheck(0, "guest RFLAGS %#x reserved bits", g.rflags)
	}
	if (ia32e || g.cr0&cpu.CR0PE == 0) && g.rflags&cpu.RFLAGSVM != 0 {
		return guestCheck(0, "guest RFLAGS.VM in IA-32e or real mode")
	}

	misc := p.msrs[cpu.MSRVMXMisc]
	switch g.activity {
	case vmx.ActivityActive:
	case vmx.ActivityHLT:
		if misc&(1<<6) == 0 {
			return guestCheck(0, "HLT activity state unsupported")
		}
	case vmx.ActivityShutdown:
		if misc&(1<<7) == 0 {
			return guestCheck(0, "shutdown activity state unsupported")
		}
	case vmx.ActivityWaitSIPI:
		if misc&(1<<8) == 0 {
			return guestCheck(0, "wait-for-SIPI activity state unsupported")
		}
	default:
		return guestCheck(0, "activity state %d", g.activity)
	}
	if g.activity == vmx.ActivityHLT && g.segs[vmx.SS].DPL() != 0 {
		return guestCheck(0, "HLT activity state with SS.DPL %d", g.segs[vmx.SS].DPL())
	}

	block := g.interruptibility
	if block&^0x1F != 0 {
		return guestCheck(0, "interruptibility state %#x reserved bits", block)
	}
	if block&vmx.BlockingBySTI != 0 && block&vmx.BlockingByMovSS != 0 {
		return guestCheck(0, "blocking by both STI and MOV SS")
	}
	if block&vmx.BlockingBySTI != 0 && g.rflags&cpu.RFLAGSIF == 0 {
		return guestCheck(0, "blocking by STI with RFLAGS.IF clear")
	}
	if f[vmx.GuestPendingDebug]&^uint64(0x1_500F) != 0 {
		return guestCheck(0, "pending debug exceptions %#x reserved bits", f[vmx.GuestPendingDebug])
	}
	if f[vmx.VMCSLinkPointer] != vmx.LinkPointerNone {
		return guestCheck(4, "VMCS link pointer %#x", f[vmx.VMCSLinkPointer])
	}
	return nil
}

// RFLAGS bits 63:22, 15, 5 and 3 are reserved.
const rflagsReserved = ^uint64(0x3F_FFFF) | 1<<15 | 1<<5 | 1<<3

func checkSegments(g *guest, ia32e, unrestricted bool) *checkError {
	cs, ss, tr, ldtr := g.segs[vmx.CS], g.segs[vmx.SS], g.segs[vmx.TR], g.segs[vmx.LDTR]
	v8086 := g.rflags&cpu.RFLAGSVM != 0

	if tr.Selector&4 != 0 {
		return guestCheck(0, "TR selector %#x has TI set", tr.Selector)
	}
	if ldtr.Usable() && ldtr.Selector&4 != 0 {
		return guestCheck(0, "LDTR selector %#x has TI set", ldtr.Selector)
	}
	if !v8086 && !unrestricted && ss.Selector&3 != cs.Selector&3 {
		return guestCheck(0, "SS.RPL differs from CS.RPL")
	}

	for _, s := range []vmx.Segment{vmx.TR, vmx.FS, vmx.GS} {
		if !canonical(g.segs[s].Base) {
			return guestCheck(0, "%s base %#x is not canonical", s, g.segs[s].Base)
		}
	}
	if ldtr.Usable() && !canonical(ldtr.Base) {
		return guestCheck(0, "LDTR base %#x is not canonical", ldtr.Base)
	}
	if cs.Base>>32 != 0 {
		return guestCheck(0, "CS base %#x above 4GiB", cs.Base)
	}
	for _, s := range []vmx.Segment{vmx.SS, vmx.DS, vmx.ES} {
		if d := g.segs[s]; d.Usable() && d.Base>>32 != 0 {
			return guestCheck(0, "%s base %#x above 4GiB", s, d.Base)
		}
	}
	if v8086 {
		return nil
	}

	switch cs.Type() {
	case 9, 11, 13, 15:
	case 3:
		if !unrestricted {
			return guestCheck(0, "CS type 3 requires unrestricted guest")
		}
	default:
		return guestCheck(0, "CS type %d", cs.Type())
	}
	if cs.AccessRights&vmx.ARCodeData == 0 || !cs.Present() || cs.AccessRights&arReserved != 0 {
		return guestCheck(0, "CS access rights %#x", cs.AccessRights)
	}
	if ia32e && cs.Long() && cs.DefaultBig() {
		return guestCheck(0, "64-bit CS with D/B set")
	}
	if !cs.GranularityConsistent() {
		return guestCheck(0, "CS limit %#x disagrees with G", cs.Limit)
	}
	switch cs.Type() {
	case 9, 11:
		if cs.DPL() != ss.DPL() {
			return guestCheck(0, "CS.DPL %d differs from SS.DPL %d", cs.DPL(), ss.DPL())
		}
	case 13, 15:
		if cs.DPL() > ss.DPL() {
			return guestCheck(0, "conforming CS.DPL above SS.DPL")
		}
	}

	if ss.Usable() {
		if t := ss.Type(); t != 3 && t != 7 {
			return guestCheck(0, "SS type %d", t)
		}
		if !unrestricted && ss.DPL() != uint32(ss.Selector&3) {
			return guestCheck(0, "SS.DPL differs from its RPL")
		}
	}
	if g.cr0&cpu.CR0PE == 0 && ss.DPL() != 0 {
		return guestCheck(0, "SS.DPL must be 0 in real mode")
	}
	for _, s := range []vmx.Segment{vmx.SS, vmx.DS, vmx.ES, vmx.FS, vmx.GS} {
		d := g.segs[s]
		if !d.Usable() {
			continue
		}
		if d.Type()&1 == 0 {
			return guestCheck(0, "%s type %d is not accessed", s, d.Type())
		}
		if d.Type()&8 != 0 && d.Type()&2 == 0 {
			return guestCheck(0, "%s is an unreadable code segment", s)
		}
		if d.AccessRights&vmx.ARCodeData == 0 || !d.Present() || d.AccessRights&arReserved != 0 {
			return guestCheck(0, "%s access rights %#x", s, d.AccessRights)
		}
		if !d.GranularityConsistent() {
			return guestCheck(0, "%s limit %#x disagrees with G", s, d.Limit)
		}
	}

	switch tr.Type() {
	case vmx.TypeTSSBusy64:
	case vmx.TypeTSSBusy16:
		if ia32e {
			return guestCheck(0, "16-bit TSS in IA-32e mode")
		}
	default:
		return guestCheck(0, "TR type %d", tr.Type())
	}
	if tr.AccessRights&vmx.ARCodeData != 0 || !tr.Present() || !tr.Usable() || tr.AccessRights&arReserved != 0 {
		return guestCheck(0, "TR access rights %#x", tr.AccessRights)
	}
	if !tr.GranularityConsistent() {
		return guestCheck(0, "TR limit %#x disagrees with G", tr.Limit)
	}

	if ldtr.Usable() {
		if ldtr.Type() != vmx.TypeLDT || ldtr.AccessRights&vmx.ARCodeData != 0 || !ldtr.Present() ||
			ldtr.AccessRights&arReserved != 0 || !ldtr.GranularityConsistent() {
			return guestCheck(0, "LDTR access rights %#x", ldtr.AccessRights)
		}
	}
	return nil
}
