package sim

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/ept"
	"github.com/tinyrange/vtx/internal/vmx"
	"github.com/tinyrange/vtx/internal/x86"
)

// machine runs one VM entry's worth of guest instructions.
type machine struct {
	p    *Processor
	f    map[vmx.Field]uint64
	c    vmx.Controls
	g    *guest
	gprs vmx.GPRs
	mode x86.Mode

	eptRoot uint64

	timer     uint32
	timerTick uint64
	timerRate uint

	executed int
}

func newMachine(p *Processor, f map[vmx.Field]uint64, c vmx.Controls, g *guest, gprs *vmx.GPRs) *machine {
	m := &machine{
		p:         p,
		f:         f,
		c:         c,
		g:         g,
		gprs:      *gprs,
		timer:     uint32(f[vmx.PreemptionTimerValue]),
		timerRate: uint(p.msrs[cpu.MSRVMXMisc] & 0x1F),
	}
	m.gprs[vmx.RSP] = f[vmx.GuestRSP]
	if c.HasEPT() {
		m.eptRoot = vmx.EPTPointer(f[vmx.EPTPointerField]).Root()
	}
	m.updateMode()
	return m
}

func (m *machine) updateMode() {
	m.mode = x86.CodeMode(m.g.cr0, m.g.efer, m.g.segs[vmx.CS].AccessRights)
}

func (m *machine) regs() *[16]uint64 { return (*[16]uint64)(&m.gprs) }

// run executes instructions until one of them, or a pending event, causes a
// VM exit.
func (m *machine) run() (*vmExit, error) {
	limit := m.p.opts.StepLimit
	for {
		if exit := m.pending(); exit != nil {
			return exit, nil
		}
		if m.g.activity != vmx.ActivityActive {
			if m.c.Pin&vmx.PinPreemptionTimer != 0 {
				m.timer = 0
				return &vmExit{reason: vmx.ExitPreemptionTimer}, nil
			}
			return nil, ErrHalted
		}
		if limit > 0 && m.executed >= limit {
			return nil, ErrStepLimit
		}
		exit, err := m.step()
		if err != nil {
			return m.fault(err)
		}
		if exit != nil {
			return exit, nil
		}
		m.executed++
		m.p.steps++
		m.tick()
	}
}

// pending reports an exit due before the next instruction.
func (m *machine) pending() *vmExit {
	if m.c.Pin&vmx.PinPreemptionTimer != 0 && m.timer == 0 {
		return &vmExit{reason: vmx.ExitPreemptionTimer}
	}
	if m.c.Proc&vmx.ProcInterruptWindowExiting != 0 && m.g.rflags&cpu.RFLAGSIF != 0 &&
		m.g.interruptibility&(vmx.BlockingBySTI|vmx.BlockingByMovSS) == 0 {
		return &vmExit{reason: vmx.ExitInterruptWindow}
	}
	return nil
}

// tick advances the preemption timer, which counts down once every
// 2^rate instructions.
func (m *machine) tick() {
	if m.c.Pin&vmx.PinPreemptionTimer == 0 {
		return
	}
	m.timerTick++
	if m.timerTick >= 1<<m.timerRate {
		m.timerTick = 0
		if m.timer > 0 {
			m.timer--
		}
	}
}

// fault turns an error raised by an instruction into its VM exit. Errors
// that are not guest events abort the entry.
func (m *machine) fault(err error) (*vmExit, error) {
	var (
		violation *eptFault
		misconfig *ept.MisconfigError
		exc       *exception
	)
	switch {
	case errors.As(err, &violation):
		return violation.exit(), nil
	case errors.As(err, &misconfig):
		return &vmExit{reason: vmx.ExitEPTMisconfig, gpa: misconfig.GPA}, nil
	case errors.As(err, &exc):
		return m.raise(exc), nil
	}
	return nil, err
}

// raise reports an exception through the exception bitmap. IDT delivery
// is not modelled, so an exception the bitmap does not intercept becomes a
// triple fault.
func (m *machine) raise(e *exception) *vmExit {
	intercept := uint32(m.f[vmx.ExceptionBitmap])&(1<<e.vector) != 0
	if e.vector == vectorPF {
		mask, match := uint32(m.f[vmx.PageFaultErrorCodeMask]), uint32(m.f[vmx.PageFaultErrorCodeMatch])
		if e.code&mask != match {
			intercept = !intercept
		}
	}
	if !intercept {
		m.p.log.Debug("sim: unintercepted guest exception", "vector", e.vector, "rip", fmt.Sprintf("%#x", m.g.rip))
		return &vmExit{reason: vmx.ExitTripleFault}
	}
	// Vector, type 3 (hardware exception), valid.
	info := uint32(e.vector) | 3<<8 | 1<<31
	if e.hasCode {
		info |= 1 << 11
	}
	exit := &vmExit{reason: vmx.ExitExceptionOrNMI, intInfo: info, intError: e.code}
	if e.vector == vectorPF {
		exit.qual = e.cr2
	}
	return exit
}

func (m *machine) ripMask() uint64 {
	switch m.mode {
	case x86.Mode64:
		return ^uint64(0)
	case x86.Mode32:
		return 0xFFFF_FFFF
	default:
		return 0xFFFF
	}
}

func (m *machine) step() (*vmExit, error) {
	code, ferr := m.fetch()
	if code == nil {
		return nil, ferr
	}
	inst, err := x86.Decode(code, m.mode)
	if err != nil {
		if ferr != nil && errors.Is(err, x86.ErrTruncated) {
			return nil, ferr
		}
		m.p.log.Debug("sim: undecodable guest instruction", "rip", fmt.Sprintf("%#x", m.g.rip), "err", err)
		return nil, invalidOpcode()
	}
	next := (m.g.rip + uint64(inst.Len)) & m.ripMask()

	// STI and MOV SS blocking covers exactly one instruction.
	prior := m.g.interruptibility & (vmx.BlockingBySTI | vmx.BlockingByMovSS)
	exit, err := m.execute(inst, next)
	if err != nil || exit != nil {
		return exit, err
	}
	m.g.interruptibility &^= prior
	return nil, nil
}

// instExit is a VM exit caused by inst itself. RIP stays on the
// instruction.
func (m *machine) instExit(reason vmx.ExitReason, inst x86.Inst, qual uint64) *vmExit {
	return &vmExit{reason: reason, qual: qual, length: uint32(inst.Len)}
}

func (m *machine) execute(inst x86.Inst, next uint64) (*vmExit, error) {
	switch inst.Op {
	case x86.OpNop:
	case x86.OpHlt:
		if m.c.Proc&vmx.ProcHLTExiting != 0 {
			return m.instExit(vmx.ExitHLT, inst, 0), nil
		}
		m.g.activity = vmx.ActivityHLT
	case x86.OpUD2:
		return nil, invalidOpcode()
	case x86.OpCPUID:
		return m.instExit(vmx.ExitCPUID, inst, 0), nil
	case x86.OpRdmsr:
		return m.instExit(vmx.ExitRDMSR, inst, 0), nil
	case x86.OpWrmsr:
		return m.instExit(vmx.ExitWRMSR, inst, 0), nil
	case x86.OpVmcall:
		return m.instExit(vmx.ExitVMCALL, inst, 0), nil
	case x86.OpIn, x86.OpOut, x86.OpIns, x86.OpOuts:
		return m.io(inst, next)
	case x86.OpMovToCR, x86.OpMovFromCR, x86.OpClts:
		return m.crAccess(inst, next)

	case x86.OpMov:
		v, err := m.load(inst.Src, inst, next)
		if err != nil {
			return nil, err
		}
		if err := m.store(inst.Dst, inst, next, v); err != nil {
			return nil, err
		}
	case x86.OpAdd, x86.OpOr, x86.OpAnd, x86.OpSub, x86.OpXor, x86.OpCmp, x86.OpTest:
		a, err := m.load(inst.Dst, inst, next)
		if err != nil {
			return nil, err
		}
		b, err := m.load(inst.Src, inst, next)
		if err != nil {
			return nil, err
		}
		r := m.alu(inst.Op, a, b, inst.Size)
		if inst.Op != x86.OpCmp && inst.Op != x86.OpTest {
			if err := m.store(inst.Dst, inst, next, r); err != nil {
				return nil, err
			}
		}
	case x86.OpInc, x86.OpDec:
		a, err := m.load(inst.Dst, inst, next)
		if err != nil {
			return nil, err
		}
		if err := m.store(inst.Dst, inst, next, m.incdec(a, inst.Size, inst.Op == x86.OpInc)); err != nil {
			return nil, err
		}

	case x86.OpPush:
		if err := m.push(x86.ReadReg(m.regs(), inst.Dst, inst.Size), inst.Size); err != nil {
			return nil, err
		}
	case x86.OpPop:
		v, err := m.pop(inst.Size)
		if err != nil {
			return nil, err
		}
		x86.WriteReg(m.regs(), inst.Dst, inst.Size, v)
	case x86.OpJmp:
		next = m.branch(next, inst)
	case x86.OpJcc:
		if m.condition(inst.Cond) {
			next = m.branch(next, inst)
		}
	case x86.OpCall:
		if err := m.push(next, inst.Size); err != nil {
			return nil, err
		}
		next = m.branch(next, inst)
	case x86.OpRet:
		v, err := m.pop(inst.Size)
		if err != nil {
			return nil, err
		}
		next = v & m.ripMask()

	case x86.OpCli:
		m.g.rflags &^= cpu.RFLAGSIF
	case x86.OpSti:
		if m.g.rflags&cpu.RFLAGSIF == 0 {
			m.g.rflags |= cpu.RFLAGSIF
			m.g.interruptibility |= vmx.BlockingBySTI
		}
	default:
		return nil, invalidOpcode()
	}
	m.g.rip = next
	return nil, nil
}

func (m *machine) branch(next uint64, inst x86.Inst) uint64 {
	return (next + uint64(inst.Src.Imm)) & x86.SizeMask(inst.Size) & m.ripMask()
}

func (m *machine) address(op x86.Operand, inst x86.Inst, next uint64) (vmx.Segment, uint64) {
	s := vmx.DS
	if x86.UsesStackSegment(op) {
		s = vmx.SS
	}
	return s, x86.EffectiveAddress(m.regs(), op, inst.AddrSize, next)
}

func (m *machine) load(op x86.Operand, inst x86.Inst, next uint64) (uint64, error) {
	switch op.Kind {
	case x86.KindReg:
		return x86.ReadReg(m.regs(), op, inst.Size), nil
	case x86.KindImm:
		return uint64(op.Imm) & x86.SizeMask(inst.Size), nil
	case x86.KindMem:
		s, off := m.address(op, inst, next)
		return m.read(s, off, inst.Size)
	}
	return 0, invalidOpcode()
}

func (m *machine) store(op x86.Operand, inst x86.Inst, next, v uint64) error {
	switch op.Kind {
	case x86.KindReg:
		x86.WriteReg(m.regs(), op, inst.Size, v)
		return nil
	case x86.KindMem:
		s, off := m.address(op, inst, next)
		return m.write(s, off, inst.Size, v)
	}
	return invalidOpcode()
}

// stackMask is the width of the stack pointer: RSP in 64-bit mode, ESP or
// SP by SS.B otherwise.
func (m *machine) stackMask() uint64 {
	switch {
	case m.mode == x86.Mode64:
		return ^uint64(0)
	case m.g.segs[vmx.SS].DefaultBig():
		return 0xFFFF_FFFF
	default:
		return 0xFFFF
	}
}

func (m *machine) push(v uint64, size int) error {
	mask := m.stackMask()
	rsp := m.gprs[vmx.RSP]
	sp := (rsp - uint64(size)) & mask
	if err := m.write(vmx.SS, sp, size, v); err != nil {
		return err
	}
	m.gprs[vmx.RSP] = rsp&^mask | sp
	return nil
}

func (m *machine) pop(size int) (uint64, error) {
	mask := m.stackMask()
	rsp := m.gprs[vmx.RSP]
	v, err := m.read(vmx.SS, rsp&mask, size)
	if err != nil {
		return 0, err
	}
	m.gprs[vmx.RSP] = rsp&^mask | (rsp+uint64(size))&mask
	return v, nil
}

// io exits for port I/O the I/O controls intercept. Ports nobody
// intercepts are unconnected: reads return all ones and writes vanish.
func (m *machine) io(inst x86.Inst, next uint64) (*vmExit, error) {
	q := vmx.IOQualification{Size: inst.Size, In: inst.Op == x86.OpIn || inst.Op == x86.OpIns}
	switch inst.Op {
	case x86.OpIn, x86.OpOut:
		port := inst.Src
		if inst.Op == x86.OpOut {
			port = inst.Dst
		}
		if port.Kind == x86.KindImm {
			q.Immediate = true
			q.Port = uint16(port.Imm)
		} else {
			q.Port = uint16(m.gprs[vmx.RDX])
		}
	default:
		q.String = true
		q.Rep = inst.Rep
		q.Port = uint16(m.gprs[vmx.RDX])
	}

	exits, err := m.ioExits(q.Port, q.Size)
	if err != nil {
		return nil, err
	}
	if exits {
		return m.instExit(vmx.ExitIOInstruction, inst, q.Encode()), nil
	}
	if q.String {
		return nil, fmt.Errorf("%w: string I/O on port %#x without I/O exiting", ErrUnsupported, q.Port)
	}
	if q.In {
		acc := x86.Operand{Kind: x86.KindReg, Reg: int(vmx.RAX)}
		x86.WriteReg(m.regs(), acc, q.Size, ^uint64(0))
	}
	m.g.rip = next
	return nil, nil
}

// ioExits consults the I/O controls and, when enabled, the I/O bitmaps.
// An access exits if any byte it touches is intercepted.
func (m *machine) ioExits(port uint16, size int) (bool, error) {
	if m.c.Proc&vmx.ProcIOBitmaps == 0 {
		return m.c.Proc&vmx.ProcUnconditionalIOExiting != 0, nil
	}
	for i := 0; i < size; i++ {
		p := uint32(port) + uint32(i)
		if p > 0xFFFF {
			return true, nil
		}
		bitmap := m.f[vmx.IOBitmapA]
		if p >= 0x8000 {
			bitmap = m.f[vmx.IOBitmapB]
			p -= 0x8000
		}
		b, err := m.p.opts.Memory.PhysicalBytes(bitmap+uint64(p/8), 1)
		if err != nil {
			return false, fmt.Errorf("sim: read I/O bitmap: %w", err)
		}
		if b[0]&(1<<(p%8)) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// crAccess runs MOV to and from control registers and CLTS under the
// guest/host masks and read shadows.
func (m *machine) crAccess(inst x86.Inst, next uint64) (*vmExit, error) {
	mask0, shadow0 := m.f[vmx.CR0GuestHostMask], m.f[vmx.CR0ReadShadow]
	mask4, shadow4 := m.f[vmx.CR4GuestHostMask], m.f[vmx.CR4ReadShadow]
	exit := func(access vmx.CRAccessType, gpr int) *vmExit {
		q := vmx.CRQualification{CR: uint8(inst.CR), Access: access, GPR: vmx.GPR(gpr & 15)}
		return m.instExit(vmx.ExitCRAccess, inst, q.Encode())
	}

	switch inst.Op {
	case x86.OpClts:
		if mask0&cpu.CR0TS == 0 {
			m.g.cr0 &^= cpu.CR0TS
		} else if shadow0&cpu.CR0TS != 0 {
			return exit(vmx.CRAccessCLTS, 0), nil
		}

	case x86.OpMovFromCR:
		var v uint64
		switch inst.CR {
		case 0:
			v = m.g.cr0&^mask0 | shadow0&mask0
		case 2:
			v = m.g.cr2
		case 3:
			if m.c.Proc&vmx.ProcCR3StoreExiting != 0 {
				return exit(vmx.CRAccessMovFrom, inst.Dst.Reg), nil
			}
			v = m.g.cr3
		case 4:
			v = m.g.cr4&^mask4 | shadow4&mask4
		case 8:
			if m.c.Proc&vmx.ProcCR8StoreExiting != 0 {
				return exit(vmx.CRAccessMovFrom, inst.Dst.Reg), nil
			}
		default:
			return nil, invalidOpcode()
		}
		m.gprs[inst.Dst.Reg&15] = v & x86.SizeMask(inst.Size)

	case x86.OpMovToCR:
		v := m.gprs[inst.Src.Reg&15] & x86.SizeMask(inst.Size)
		switch inst.CR {
		case 0:
			if (v^shadow0)&mask0 != 0 {
				return exit(vmx.CRAccessMovTo, inst.Src.Reg), nil
			}
			if err := m.setCR0(v&^mask0 | m.g.cr0&mask0); err != nil {
				return nil, err
			}
		case 2:
			m.g.cr2 = v
		case 3:
			if m.cr3Exits(v) {
				return exit(vmx.CRAccessMovTo, inst.Src.Reg), nil
			}
			m.g.cr3 = v
		case 4:
			if (v^shadow4)&mask4 != 0 {
				return exit(vmx.CRAccessMovTo, inst.Src.Reg), nil
			}
			m.g.cr4 = v&^mask4 | m.g.cr4&mask4
		case 8:
			if m.c.Proc&vmx.ProcCR8LoadExiting != 0 {
				return exit(vmx.CRAccessMovTo, inst.Src.Reg), nil
			}
		default:
			return nil, invalidOpcode()
		}
	}
	m.g.rip = next
	return nil, nil
}

// setCR0 loads a CR0 value the masks let through, activating or
// deactivating IA-32e mode when EFER.LME is set.
func (m *machine) setCR0(v uint64) error {
	if v&cpu.CR0PG != 0 && v&cpu.CR0PE == 0 {
		return generalProtection()
	}
	enabling := v&cpu.CR0PG != 0 && m.g.cr0&cpu.CR0PG == 0
	if enabling && m.g.efer&cpu.EFERLME != 0 && m.g.cr4&cpu.CR4PAE == 0 {
		return generalProtection()
	}
	m.g.cr0 = v
	if m.g.efer&cpu.EFERLME != 0 {
		if v&cpu.CR0PG != 0 {
			m.g.efer |= cpu.EFERLMA
		} else {
			m.g.efer &^= cpu.EFERLMA
		}
	}
	m.updateMode()
	return nil
}

// cr3Exits reports whether loading v into CR3 exits: CR3-load exiting is
// on and v matches none of the CR3-target values.
func (m *machine) cr3Exits(v uint64) bool {
	if m.c.Proc&vmx.ProcCR3LoadExiting == 0 {
		return false
	}
	targets := []vmx.Field{vmx.CR3Target0, vmx.CR3Target1, vmx.CR3Target2, vmx.CR3Target3}
	n := min(int(m.f[vmx.CR3TargetCount]), len(targets))
	for _, t := range targets[:n] {
		if m.f[t] == v {
			return false
		}
	}
	return true
}
