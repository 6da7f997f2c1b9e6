package sim

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/vmx"
)

// guest is the register state the interpreter runs on. General-purpose
// registers live in machine.gprs.
type guest struct {
	cr0, cr2, cr3, cr4 uint64
	efer               uint64
	rip, rflags        uint64
	segs               [vmx.SegmentCount]vmx.SegmentDescriptor
	activity           uint32
	interruptibility   uint32
}

func loadGuest(f map[vmx.Field]uint64) *guest {
	g := &guest{
		cr0:              f[vmx.GuestCR0],
		cr3:              f[vmx.GuestCR3],
		cr4:              f[vmx.GuestCR4],
		efer:             f[vmx.GuestEFER],
		rip:              f[vmx.GuestRIP],
		rflags:           f[vmx.GuestRFLAGS],
		activity:         uint32(f[vmx.GuestActivityState]),
		interruptibility: uint32(f[vmx.GuestInterruptibility]),
	}
	for s := vmx.Segment(0); s < vmx.SegmentCount; s++ {
		sel, base, limit, ar := s.Fields()
		g.segs[s] = vmx.SegmentDescriptor{
			Selector:     uint16(f[sel]),
			Base:         f[base],
			Limit:        uint32(f[limit]),
			AccessRights: uint32(f[ar]),
		}
	}
	return g
}

// vmExit is a VM exit produced by the interpreter or a failed entry.
type vmExit struct {
	reason   vmx.ExitReason
	failure  bool
	qual     uint64
	linear   uint64
	gpa      uint64
	length   uint32
	info     uint32
	intInfo  uint32
	intError uint32
}

func (p *Processor) Enter(launch bool, gprs *vmx.GPRs, host *vmx.HypervisorState) error {
	op := "vmresume"
	if launch {
		op = "vmlaunch"
	}
	v, err := p.active()
	if err != nil {
		return fmt.Errorf("sim: %s: %w", op, err)
	}
	switch {
	case launch && v.launched:
		return p.fail(op, vmx.ErrCodeVMLAUNCHNonClear)
	case !launch && !v.launched:
		return p.fail(op, vmx.ErrCodeVMRESUMENonLaunched)
	}

	f := v.fields
	c := entryControls(f)
	if cerr := p.checkControls(f, c); cerr != nil {
		p.log.Debug("sim: vm entry failed", "op", op, "err", cerr)
		return p.fail(op, cerr.code)
	}
	if cerr := p.checkHost(f, c); cerr != nil {
		p.log.Debug("sim: vm entry failed", "op", op, "err", cerr)
		return p.fail(op, cerr.code)
	}

	hostEFER := p.msrs[cpu.MSREFER]
	g := loadGuest(f)
	if cerr := p.checkGuest(f, c, g); cerr != nil {
		p.log.Debug("sim: vm entry failed", "op", op, "err", cerr)
		p.exit(f, c, nil, gprs, host, hostEFER, &vmExit{reason: cerr.reason, failure: true, qual: cerr.qual})
		return nil
	}

	ia32e := c.Entry&vmx.EntryIA32eModeGuest != 0
	if c.Entry&vmx.EntryLoadEFER == 0 {
		// LME follows the control only while paging is on.
		g.efer = hostEFER &^ cpu.EFERLMA
		if g.cr0&cpu.CR0PG != 0 {
			g.efer &^= cpu.EFERLME
		}
		if ia32e {
			g.efer |= cpu.EFERLMA
			if g.cr0&cpu.CR0PG != 0 {
				g.efer |= cpu.EFERLME
			}
		}
	}
	if index, err := p.loadMSRs(f, g, ia32e); err != nil {
		if index == 0 {
			return err
		}
		p.log.Debug("sim: vm entry failed", "op", op, "err", err)
		p.exit(f, c, nil, gprs, host, hostEFER, &vmExit{reason: vmx.ExitEntryFailMSRLoading, failure: true, qual: uint64(index)})
		return nil
	}

	v.launched = true
	m := newMachine(p, f, c, g, gprs)
	exit, err := m.run()
	if err != nil {
		return fmt.Errorf("sim: %s: %w", op, err)
	}
	p.exit(f, c, m, gprs, host, hostEFER, exit)
	return nil
}

// loadMSRs processes the VM-entry MSR-load list. A failure returns the
// 1-based index of the offending entry; index 0 means the list itself could
// not be read.
func (p *Processor) loadMSRs(f map[vmx.Field]uint64, g *guest, ia32e bool) (int, error) {
	count := f[vmx.EntryMSRLoadCount]
	if count == 0 {
		return 0, nil
	}
	b, err := p.opts.Memory.PhysicalBytes(f[vmx.EntryMSRLoadAddress], count*vmx.MSREntrySize)
	if err != nil {
		return 0, fmt.Errorf("sim: read VM-entry MSR-load area: %w", err)
	}
	for i := 0; i < int(count); i++ {
		e, reserved := vmx.DecodeMSREntry(b, i)
		switch {
		case reserved != 0:
			return i + 1, fmt.Errorf("sim: MSR-load entry %d has reserved bits %#x", i+1, reserved)
		case e.Index>>8 == 0x8, e.Index == 0x9B, e.Index == 0x9E,
			e.Index == cpu.MSRFSBase, e.Index == cpu.MSRGSBase:
			return i + 1, fmt.Errorf("sim: MSR %#x cannot be loaded on VM entry", e.Index)
		case e.Index == cpu.MSREFER:
			if e.Value&^eferValid != 0 {
				return i + 1, fmt.Errorf("sim: MSR-load EFER %#x reserved bits", e.Value)
			}
			g.efer = e.Value &^ cpu.EFERLMA
			if ia32e {
				g.efer |= cpu.EFERLMA
			}
		default:
			if err := p.WriteMSR(e.Index, e.Value); err != nil {
				return i + 1, err
			}
		}
	}
	return 0, nil
}

// exit completes a VM exit: it saves guest state when m is non-nil, records
// the exit information and loads the host state.
func (p *Processor) exit(f map[vmx.Field]uint64, c vmx.Controls, m *machine, gprs *vmx.GPRs, host *vmx.HypervisorState, hostEFER uint64, e *vmExit) {
	raw := uint64(e.reason)
	if e.failure {
		raw |= uint64(vmx.ExitReasonEntryFailure)
	}
	f[vmx.ExitReasonField] = raw
	f[vmx.ExitQualification] = e.qual
	f[vmx.GuestLinearAddress] = e.linear
	f[vmx.GuestPhysicalAddress] = e.gpa
	f[vmx.ExitInstructionLength] = uint64(e.length)
	f[vmx.ExitInstructionInfo] = uint64(e.info)
	f[vmx.ExitInterruptionInfo] = uint64(e.intInfo)
	f[vmx.ExitInterruptionErrorCode] = uint64(e.intError)
	f[vmx.IDTVectoringInfo] = 0

	if m != nil {
		g := m.g
		*gprs = m.gprs
		f[vmx.GuestRIP] = g.rip
		f[vmx.GuestRSP] = m.gprs[vmx.RSP]
		f[vmx.GuestRFLAGS] = g.rflags
		f[vmx.GuestCR0] = g.cr0
		f[vmx.GuestCR3] = g.cr3
		f[vmx.GuestCR4] = g.cr4
		f[vmx.GuestActivityState] = uint64(g.activity)
		f[vmx.GuestInterruptibility] = uint64(g.interruptibility)
		if c.Exit&vmx.ExitSaveEFER != 0 {
			f[vmx.GuestEFER] = g.efer
		}
		if c.Exit&vmx.ExitSavePreemptionTimer != 0 {
			f[vmx.PreemptionTimerValue] = uint64(m.timer)
		}
		entry := uint32(f[vmx.EntryControls]) &^ vmx.EntryIA32eModeGuest
		if g.efer&cpu.EFERLMA != 0 {
			entry |= vmx.EntryIA32eModeGuest
		}
		f[vmx.EntryControls] = uint64(entry)
		p.storeMSRs(f)
	}
	f[vmx.EntryInterruptionInfo] &^= 1 << 31

	p.crs[cpu.CR0] = f[vmx.HostCR0]
	p.crs[cpu.CR3] = f[vmx.HostCR3]
	p.crs[cpu.CR4] = f[vmx.HostCR4]
	if c.Exit&vmx.ExitLoadEFER != 0 {
		p.msrs[cpu.MSREFER] = f[vmx.HostEFER]
	} else {
		p.msrs[cpu.MSREFER] = hostEFER | cpu.EFERLMA | cpu.EFERLME
	}
	if c.Exit&vmx.ExitLoadPAT != 0 {
		p.msrs[cpu.MSRPAT] = f[vmx.HostPAT]
	}
	p.loadHostMSRs(f)

	host.GPRs[vmx.RSP] = f[vmx.HostRSP]
	host.RIP = f[vmx.HostRIP]
	host.RFLAGS = cpu.RFLAGSReserved1

	p.log.Debug("sim: vm exit", "reason", e.reason, "failure", e.failure,
		"qualification", fmt.Sprintf("%#x", e.qual), "steps", p.steps)
}

// storeMSRs fills the VM-exit MSR-store area with the current MSR values.
func (p *Processor) storeMSRs(f map[vmx.Field]uint64) {
	count := f[vmx.ExitMSRStoreCount]
	if count == 0 {
		return
	}
	b, err := p.opts.Memory.PhysicalBytes(f[vmx.ExitMSRStoreAddress], count*vmx.MSREntrySize)
	if err != nil {
		p.log.Warn("sim: VM-exit MSR-store area unreadable", "err", err)
		return
	}
	for i := 0; i < int(count); i++ {
		e, _ := vmx.DecodeMSREntry(b, i)
		e.Value = p.msrs[e.Index]
		vmx.EncodeMSREntries(b[i*vmx.MSREntrySize:], []vmx.MSREntry{e})
	}
}

// loadHostMSRs applies the VM-exit MSR-load list. Entries that fail are
// logged and skipped.
func (p *Processor) loadHostMSRs(f map[vmx.Field]uint64) {
	count := f[vmx.ExitMSRLoadCount]
	if count == 0 {
		return
	}
	b, err := p.opts.Memory.PhysicalBytes(f[vmx.ExitMSRLoadAddress], count*vmx.MSREntrySize)
	if err != nil {
		p.log.Warn("sim: VM-exit MSR-load area unreadable", "err", err)
		return
	}
	for i := 0; i < int(count); i++ {
		e, _ := vmx.DecodeMSREntry(b, i)
		if err := p.WriteMSR(e.Index, e.Value); err != nil {
			p.log.Warn("sim: VM-exit MSR load", "msr", fmt.Sprintf("%#x", e.Index), "err", err)
		}
	}
}
