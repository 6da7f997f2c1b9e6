package vmx

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// testMSRs is a Skylake-class set of VMX capability MSRs.
func testMSRs() map[uint32]uint64 {
	return map[uint32]uint64{
		cpu.MSRFeatureControl:       cpu.FeatureControlLocked | cpu.FeatureControlVMXOutside,
		cpu.MSRVMXBasic:             0x00DA_0400_0000_0004,
		cpu.MSRVMXPinbasedCtls:      0x0000_007F_0000_0016,
		cpu.MSRVMXProcbasedCtls:     0xFFF9_FFFE_0401_E172,
		cpu.MSRVMXExitCtls:          0x01FF_FFFF_0003_6DFF,
		cpu.MSRVMXEntryCtls:         0x0003_FFFF_0000_11FF,
		cpu.MSRVMXMisc:              0x7004_C1E7,
		cpu.MSRVMXCR0Fixed0:         0x8000_0021,
		cpu.MSRVMXCR0Fixed1:         0xFFFF_FFFF,
		cpu.MSRVMXCR4Fixed0:         0x2000,
		cpu.MSRVMXCR4Fixed1:         0x0037_67FF,
		cpu.MSRVMXVMCSEnum:          0x2E,
		cpu.MSRVMXProcbasedCtls2:    0x0053_FFFF_0000_0000,
		cpu.MSRVMXEPTVPIDCap:        0x0F01_0673_4141,
		cpu.MSRVMXTruePinbasedCtls:  0x0000_007F_0000_0016,
		cpu.MSRVMXTrueProcbasedCtls: 0xFFF9_FFFE_0400_6172,
		cpu.MSRVMXTrueExitCtls:      0x01FF_FFFF_0003_6DFB,
		cpu.MSRVMXTrueEntryCtls:     0x0003_FFFF_0000_11FB,
	}
}

type fakeProc struct {
	msrs   map[uint32]uint64
	crs    map[cpu.ControlRegister]uint64
	ecx    uint32
	fields map[Field]uint64
	writes []Field
	ops    []string

	vmxonErr error
	enterErr error
	// exit fills in the exit fields on every Enter.
	exit func(p *fakeProc, gprs *GPRs)
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		msrs:   testMSRs(),
		crs:    map[cpu.ControlRegister]uint64{cpu.CR0: 0x8005_0033, cpu.CR3: 0x1000, cpu.CR4: 0x0020},
		ecx:    1 << 5,
		fields: make(map[Field]uint64),
	}
}

var _ Processor = (*fakeProc)(nil)

func (p *fakeProc) ReadMSR(index uint32) (uint64, error) { return p.msrs[index], nil }

func (p *fakeProc) WriteMSR(index uint32, value uint64) error {
	p.msrs[index] = value
	return nil
}

func (p *fakeProc) ReadCR(cr cpu.ControlRegister) (uint64, error) { return p.crs[cr], nil }

func (p *fakeProc) WriteCR(cr cpu.ControlRegister, value uint64) error {
	p.crs[cr] = value
	return nil
}

func (p *fakeProc) CPUID(leaf, _ uint32) (uint32, uint32, uint32, uint32) {
	if leaf == 1 {
		return 0, 0, p.ecx, 0
	}
	return 0, 0, 0, 0
}

func (p *fakeProc) VMRead(f Field) (uint64, error) { return p.fields[f], nil }

func (p *fakeProc) VMWrite(f Field, value uint64) error {
	p.writes = append(p.writes, f)
	p.fields[f] = value
	return nil
}

func (p *fakeProc) VMXOn(region uint64) error {
	if p.vmxonErr != nil {
		return p.vmxonErr
	}
	p.ops = append(p.ops, fmt.Sprintf("vmxon %#x", region))
	return nil
}

func (p *fakeProc) VMXOff() error {
	p.ops = append(p.ops, "vmxoff")
	return nil
}

func (p *fakeProc) VMClear(vmcs uint64) error {
	p.ops = append(p.ops, fmt.Sprintf("vmclear %#x", vmcs))
	return nil
}

func (p *fakeProc) VMPtrLd(vmcs uint64) error {
	p.ops = append(p.ops, fmt.Sprintf("vmptrld %#x", vmcs))
	return nil
}

func (p *fakeProc) Enter(launch bool, gprs *GPRs, _ *HypervisorState) error {
	if launch {
		p.ops = append(p.ops, "vmlaunch")
	} else {
		p.ops = append(p.ops, "vmresume")
	}
	if p.enterErr != nil {
		return p.enterErr
	}
	if p.exit != nil {
		p.exit(p, gprs)
	}
	return nil
}

func (p *fakeProc) HostState() (HostState, error) {
	return HostState{
		CR0: p.crs[cpu.CR0],
		CR3: p.crs[cpu.CR3],
		CR4: p.crs[cpu.CR4],
		Segments: cpu.HostSegments{
			CS:      0x10,
			SS:      0x18,
			DS:      0x18,
			ES:      0x18,
			TR:      0x40,
			GDTBase: 0xFFFF_8000_0000_1000,
			IDTBase: 0xFFFF_8000_0000_2000,
		},
	}, nil
}

func (p *fakeProc) DisableInterrupts() func() { return func() {} }

// setExit makes the next Enter report reason with the given qualification
// and instruction length.
func (p *fakeProc) setExit(reason ExitReason, qual uint64, length uint32) {
	p.fields[ExitReasonField] = uint64(reason)
	p.fields[ExitQualification] = qual
	p.fields[ExitInstructionLength] = uint64(length)
}

type fakeMem struct {
	next  uint64
	phys  map[uintptr]uint64
	freed int
}

func newFakeMem() *fakeMem {
	return &fakeMem{next: 0x10_0000, phys: make(map[uintptr]uint64)}
}

func (m *fakeMem) AllocatePages(size uint64) ([]byte, error) {
	b := make([]byte, size)
	m.phys[uintptr(unsafe.Pointer(&b[0]))] = m.next
	m.next += (size + 0xFFF) &^ 0xFFF
	return b, nil
}

func (m *fakeMem) FreePages([]byte) error {
	m.freed++
	return nil
}

func (m *fakeMem) VirtualToPhysical(addr uintptr) (uint64, error) {
	p, ok := m.phys[addr]
	if !ok {
		return 0, hv.ErrOutOfRange
	}
	return p, nil
}

// flatSpace is a guest address space over a byte slice. Faults inside
// window are resolved, all others are not.
type flatSpace struct {
	mem    []byte
	root   uint64
	window hv.MMIORegion
	faults []uint64
	maps   []hv.MMIORegion
}

func (s *flatSpace) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.mem)) {
		return 0, io.EOF
	}
	n := copy(p, s.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *flatSpace) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.mem)) {
		return 0, hv.ErrOutOfRange
	}
	return copy(s.mem[off:], p), nil
}

func (s *flatSpace) PageTableRoot() uint64 { return s.root }

func (s *flatSpace) Map(gpa, size uint64, _ hostarch.AccessType, _ hv.Backing) error {
	s.maps = append(s.maps, hv.MMIORegion{Address: gpa, Size: size})
	return nil
}

func (s *flatSpace) Unmap(uint64, uint64) error { return nil }

func (s *flatSpace) Translate(gpa uint64) (uint64, error) { return gpa, nil }

func (s *flatSpace) HandleFault(gpa uint64, _ hostarch.AccessType) error {
	s.faults = append(s.faults, gpa)
	if s.window.Contains(gpa) {
		return nil
	}
	return hv.ErrUnresolvedFault
}

// fakeBus records port writes and serves a single MMIO register file.
type fakeBus struct {
	portWrites []string
	portValue  map[uint16]uint64
	mmio       hv.MemoryMappedIODevice
	regs       map[uint64]uint64
}

func (b *fakeBus) ReadPort(port uint16, data []byte) error {
	v, ok := b.portValue[port]
	if !ok {
		return hv.ErrNoDevice
	}
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
	return nil
}

func (b *fakeBus) WritePort(port uint16, data []byte) error {
	b.portWrites = append(b.portWrites, fmt.Sprintf("%#x:%x", port, data))
	return nil
}

func (b *fakeBus) FindDevice(addr uint64) (hv.MemoryMappedIODevice, bool) {
	if b.mmio == nil {
		return nil, false
	}
	for _, r := range b.mmio.MMIORegions() {
		if r.Contains(addr) {
			return b.mmio, true
		}
	}
	return nil, false
}

func (b *fakeBus) HandleRead(_ hv.MemoryMappedIODevice, addr uint64, width int) (uint64, error) {
	return b.regs[addr] & (1<<(8*width) - 1), nil
}

func (b *fakeBus) HandleWrite(_ hv.MemoryMappedIODevice, addr uint64, _ int, value uint64) error {
	b.regs[addr] = value
	return nil
}
