package vmx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/x86"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Outcome is the result of handling one VM exit.
type Outcome uint8

const (
	Resumed Outcome = iota
	Terminated
)

func (o Outcome) String() string {
	if o == Resumed {
		return "resumed"
	}
	return "terminated"
}

// HypercallShutdown is the VMCALL number (in RAX) a guest uses to end the
// session.
const HypercallShutdown = 0

// ExitHandler handles one exit reason. Handlers that emulate an instruction
// advance RIP themselves.
type ExitHandler func(v *VCPU, exit *ExitInfo) (Outcome, error)

// Dispatcher maps exit reasons to handlers.
type Dispatcher struct {
	handlers map[ExitReason]ExitHandler
}

// NewDispatcher returns a dispatcher with the default policy installed.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[ExitReason]ExitHandler)}
	d.Handle(ExitTripleFault, terminate)
	d.Handle(ExitHLT, terminate)
	d.Handle(ExitVMCALL, handleVMCALL)
	d.Handle(ExitCRAccess, handleCRAccess)
	d.Handle(ExitIOInstruction, handleIO)
	d.Handle(ExitRDMSR, handleRDMSR)
	d.Handle(ExitWRMSR, handleWRMSR)
	d.Handle(ExitCPUID, handleCPUID)
	d.Handle(ExitExternalInterrupt, resume)
	d.Handle(ExitPreemptionTimer, resume)
	d.Handle(ExitInterruptWindow, handleInterruptWindow)
	d.Handle(ExitEPTViolation, handleEPTViolation)
	d.Handle(ExitEPTMisconfig, handleEPTMisconfig)
	return d
}

// Handle installs h for reason, replacing any previous handler. A nil h
// removes the handler.
func (d *Dispatcher) Handle(reason ExitReason, h ExitHandler) {
	if h == nil {
		delete(d.handlers, reason)
		return
	}
	d.handlers[reason] = h
}

// Dispatch runs the handler for exit. Reasons without a handler end the
// session with an *UnhandledExitError.
func (d *Dispatcher) Dispatch(v *VCPU, exit *ExitInfo) (Outcome, error) {
	h, ok := d.handlers[exit.Reason]
	if !ok {
		return Terminated, &UnhandledExitError{
			Reason:        exit.Reason,
			Qualification: exit.Qualification,
			RIP:           v.regs.Guest.RIP,
		}
	}
	return h(v, exit)
}

func terminate(*VCPU, *ExitInfo) (Outcome, error) { return Terminated, nil }

func resume(*VCPU, *ExitInfo) (Outcome, error) { return Resumed, nil }

func handleVMCALL(v *VCPU, _ *ExitInfo) (Outcome, error) {
	gprs := &v.regs.Guest.GPRs
	if gprs[RAX] == HypercallShutdown {
		return Terminated, nil
	}
	v.log.Debug("vmx: unknown hypercall", "nr", gprs[RAX])
	gprs[RAX] = ^uint64(0)
	return Resumed, v.AdvanceRIP()
}

func handleCRAccess(v *VCPU, exit *ExitInfo) (Outcome, error) {
	q := DecodeCRQualification(exit.Qualification)
	g := &v.regs.Guest
	switch q.Access {
	case CRAccessMovTo:
		if err := v.writeCR(q.CR, g.GPRs[q.GPR]); err != nil {
			return Terminated, err
		}
	case CRAccessMovFrom:
		value, err := v.readCR(q.CR)
		if err != nil {
			return Terminated, err
		}
		if !v.long() {
			value &= 0xFFFF_FFFF
		}
		g.GPRs[q.GPR] = value
	case CRAccessCLTS:
		v.state.CR0Shadow &^= cpu.CR0TS
		g.CR0 &^= cpu.CR0TS
		if err := v.writeFields(fieldValue{CR0ReadShadow, v.state.CR0Shadow}, fieldValue{GuestCR0, g.CR0}); err != nil {
			return Terminated, err
		}
	case CRAccessLMSW:
		// LMSW loads CR0 bits 3:0 but cannot clear PE.
		cr0, err := v.readCR(0)
		if err != nil {
			return Terminated, err
		}
		src := uint64(q.LMSWSource) & 0xF
		value := cr0&^0xE | src | cr0&cpu.CR0PE
		if err := v.writeCR(0, value); err != nil {
			return Terminated, err
		}
	}
	return Resumed, v.AdvanceRIP()
}

// readCR returns the value the guest observes: shadowed bits from the read
// shadow, the rest from the guest register.
func (v *VCPU) readCR(cr uint8) (uint64, error) {
	g := &v.regs.Guest
	switch cr {
	case 0:
		return g.CR0&^v.state.CR0Mask | v.state.CR0Shadow&v.state.CR0Mask, nil
	case 3:
		return g.CR3, nil
	case 4:
		return g.CR4&^v.state.CR4Mask | v.state.CR4Shadow&v.state.CR4Mask, nil
	case 8:
		return 0, nil
	}
	return 0, fmt.Errorf("vmx: read of unsupported control register cr%d", cr)
}

func (v *VCPU) writeCR(cr uint8, value uint64) error {
	g := &v.regs.Guest
	switch cr {
	case 0:
		v.state.CR0Shadow = value
		g.CR0 = v.caps.FixCR0(value, v.controls.HasUnrestrictedGuest())
		if err := v.writeFields(fieldValue{CR0ReadShadow, value}, fieldValue{GuestCR0, g.CR0}); err != nil {
			return err
		}
		return v.updateLongMode()
	case 3:
		g.CR3 = value
		return v.writeFields(fieldValue{GuestCR3, value})
	case 4:
		v.state.CR4Shadow = value
		g.CR4 = v.caps.FixCR4(value)
		return v.writeFields(fieldValue{CR4ReadShadow, value}, fieldValue{GuestCR4, g.CR4})
	case 8:
		return nil
	}
	return fmt.Errorf("vmx: write to unsupported control register cr%d", cr)
}

// updateLongMode activates or deactivates IA-32e mode after the guest
// toggles CR0.PG with EFER.LME set.
func (v *VCPU) updateLongMode() error {
	g := &v.regs.Guest
	if g.EFER&cpu.EFERLME == 0 {
		return nil
	}
	active := g.CR0&cpu.CR0PG != 0
	if active == (g.EFER&cpu.EFERLMA != 0) {
		return nil
	}
	if active {
		g.EFER |= cpu.EFERLMA
		v.controls.Entry |= EntryIA32eModeGuest
	} else {
		g.EFER &^= cpu.EFERLMA
		v.controls.Entry &^= EntryIA32eModeGuest
	}
	if err := v.writeFields(fieldValue{EntryControls, uint64(v.controls.Entry)}); err != nil {
		return err
	}
	return v.syncEFER()
}

func handleIO(v *VCPU, exit *ExitInfo) (Outcome, error) {
	q := DecodeIOQualification(exit.Qualification)
	gprs := &v.regs.Guest.GPRs
	if q.String {
		v.log.Debug("vmx: ignoring string I/O", "port", fmt.Sprintf("%#x", q.Port), "in", q.In)
		return Resumed, v.AdvanceRIP()
	}

	var buf [8]byte
	data := buf[:q.Size]
	acc := x86.Operand{Kind: x86.KindReg, Reg: int(RAX)}
	if q.In {
		err := v.bus.ReadPort(q.Port, data)
		switch {
		case errors.Is(err, hv.ErrNoDevice):
			clear(data)
		case err != nil:
			return Terminated, fmt.Errorf("vmx: I/O port %#04x read: %w", q.Port, err)
		}
		x86.WriteReg((*[16]uint64)(gprs), acc, q.Size, binary.LittleEndian.Uint64(buf[:]))
	} else {
		binary.LittleEndian.PutUint64(buf[:], x86.ReadReg((*[16]uint64)(gprs), acc, q.Size))
		err := v.bus.WritePort(q.Port, data)
		switch {
		case errors.Is(err, hv.ErrNoDevice):
			v.log.Debug("vmx: write to unclaimed port", "port", fmt.Sprintf("%#x", q.Port))
		case err != nil:
			return Terminated, fmt.Errorf("vmx: I/O port %#04x write: %w", q.Port, err)
		}
	}
	return Resumed, v.AdvanceRIP()
}

func handleRDMSR(v *VCPU, _ *ExitInfo) (Outcome, error) {
	gprs := &v.regs.Guest.GPRs
	index := uint32(gprs[RCX])
	value := v.MSR(index)
	gprs[RAX] = value & 0xFFFF_FFFF
	gprs[RDX] = value >> 32
	return Resumed, v.AdvanceRIP()
}

func handleWRMSR(v *VCPU, _ *ExitInfo) (Outcome, error) {
	gprs := &v.regs.Guest.GPRs
	index := uint32(gprs[RCX])
	value := gprs[RDX]<<32 | gprs[RAX]&0xFFFF_FFFF
	if err := v.SetMSR(index, value); err != nil {
		return Terminated, err
	}
	return Resumed, v.AdvanceRIP()
}

func handleCPUID(v *VCPU, _ *ExitInfo) (Outcome, error) {
	gprs := &v.regs.Guest.GPRs
	e := v.CPUID(uint32(gprs[RAX]), uint32(gprs[RCX]))
	gprs[RAX] = uint64(e.EAX)
	gprs[RBX] = uint64(e.EBX)
	gprs[RCX] = uint64(e.ECX)
	gprs[RDX] = uint64(e.EDX)
	return Resumed, v.AdvanceRIP()
}

func handleInterruptWindow(v *VCPU, _ *ExitInfo) (Outcome, error) {
	v.controls.Proc &^= ProcInterruptWindowExiting
	if err := v.writeFields(fieldValue{ProcBasedControls, uint64(v.controls.Proc)}); err != nil {
		return Terminated, err
	}
	return Resumed, nil
}

// handleEPTViolation resolves a guest-physical fault. Addresses claimed by a
// passthrough device are mapped directly, other device addresses are
// emulated one instruction at a time, and everything else goes to the
// address space. RIP only moves for emulated accesses.
func handleEPTViolation(v *VCPU, exit *ExitInfo) (Outcome, error) {
	gpa := exit.GuestPhysical
	access := DecodeEPTViolation(exit.Qualification).Access()

	if dev, ok := v.bus.FindDevice(gpa); ok {
		if pt, ok := dev.(hv.PassthroughDevice); ok {
			if err := v.mapPassthrough(pt, gpa); err != nil {
				return Terminated, &TranslationError{GPA: gpa, Access: access, Err: err}
			}
			return Resumed, nil
		}
		if err := v.emulateMMIO(dev, gpa); err != nil {
			return Terminated, err
		}
		return Resumed, nil
	}

	err := v.space.HandleFault(gpa, access)
	if err != nil {
		return Terminated, &TranslationError{GPA: gpa, Access: access, Err: err}
	}
	v.log.Debug("vmx: resolved EPT violation", "gpa", fmt.Sprintf("%#x", gpa), "access", access)
	return Resumed, nil
}

func handleEPTMisconfig(v *VCPU, exit *ExitInfo) (Outcome, error) {
	return Terminated, &TranslationError{GPA: exit.GuestPhysical, Err: ErrEPTMisconfiguration}
}

func (v *VCPU) mapPassthrough(dev hv.PassthroughDevice, gpa uint64) error {
	for _, r := range dev.MMIORegions() {
		if !r.Contains(gpa) {
			continue
		}
		b, err := dev.Backing(r.Address)
		if err != nil {
			return err
		}
		if err := v.space.Map(r.Address, r.Size, hostarch.ReadWrite, b); err != nil {
			return err
		}
		v.log.Debug("vmx: mapped passthrough window", "device", dev.Name(), "region", r)
		return nil
	}
	return hv.ErrUnresolvedFault
}

// emulateMMIO decodes the guest instruction at RIP and performs its memory
// operand against dev. EPT violations do not report an instruction length,
// so the decoded length advances RIP.
func (v *VCPU) emulateMMIO(dev hv.MemoryMappedIODevice, gpa uint64) error {
	g := &v.regs.Guest
	linear, err := v.LinearRIP()
	if err != nil {
		return err
	}
	mode := x86.CodeMode(g.CR0, g.EFER, g.Segments[CS].AccessRights)
	paging := x86.Paging{CR0: g.CR0, CR3: g.CR3, CR4: g.CR4, EFER: g.EFER}

	code, err := v.fetch(paging, linear)
	if err != nil {
		return fmt.Errorf("vmx: fetch instruction at %#x: %w", linear, err)
	}
	inst, err := x86.Decode(code, mode)
	if err != nil {
		return fmt.Errorf("vmx: decode instruction at %#x: %w", linear, err)
	}
	if inst.Op != x86.OpMov || !inst.IsMemoryAccess() {
		return fmt.Errorf("%w: %s at %#x", ErrMMIOInstruction, inst, g.RIP)
	}

	gprs := (*[16]uint64)(&g.GPRs)
	if inst.Src.Kind == x86.KindMem {
		value, err := v.bus.HandleRead(dev, gpa, inst.Size)
		if err != nil {
			return fmt.Errorf("vmx: MMIO read at %#x: %w", gpa, err)
		}
		x86.WriteReg(gprs, inst.Dst, inst.Size, value)
	} else {
		var value uint64
		if inst.Src.Kind == x86.KindImm {
			value = uint64(inst.Src.Imm) & x86.SizeMask(inst.Size)
		} else {
			value = x86.ReadReg(gprs, inst.Src, inst.Size)
		}
		if err := v.bus.HandleWrite(dev, gpa, inst.Size, value); err != nil {
			return fmt.Errorf("vmx: MMIO write at %#x: %w", gpa, err)
		}
	}
	v.log.Debug("vmx: emulated MMIO", "device", dev.Name(), "gpa", fmt.Sprintf("%#x", gpa), "inst", inst)
	return v.advance(uint64(inst.Len))
}

// fetch reads up to one instruction's worth of bytes at linear, stopping
// at the first page that does not translate.
func (v *VCPU) fetch(p x86.Paging, linear uint64) ([]byte, error) {
	buf := make([]byte, x86.MaxInstructionLength)
	first := int(0x1000 - linear&0xFFF)
	if first >= len(buf) {
		return buf, p.ReadLinear(v.space, linear, buf, true)
	}
	if err := p.ReadLinear(v.space, linear, buf[:first], true); err != nil {
		return nil, err
	}
	if err := p.ReadLinear(v.space, linear+uint64(first), buf[first:], true); err != nil {
		return buf[:first], nil
	}
	return buf, nil
}
