package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vtx/internal/ept"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/vmx"
	"github.com/tinyrange/vtx/internal/x86"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var fetchAccess = hostarch.AccessType{Execute: true}

// eptFault is an EPT violation raised by a guest access.
type eptFault struct {
	gpa, linear uint64
	access      hostarch.AccessType
	// allowed is the combined permission of the walk; zero when the
	// address is not mapped at all.
	allowed hostarch.AccessType
	// final is set for the access to the translated address, clear for an
	// access to a guest paging structure.
	final bool
}

func (e *eptFault) Error() string {
	return fmt.Sprintf("sim: EPT violation on %s of %#x", e.access, e.gpa)
}

func (e *eptFault) exit() *vmExit {
	q := vmx.EPTViolation{
		Read:             e.access.Read,
		Write:            e.access.Write,
		Fetch:            e.access.Execute,
		Readable:         e.allowed.Read,
		Writable:         e.allowed.Write,
		Executable:       e.allowed.Execute,
		LinearValid:      true,
		TranslatedAccess: e.final,
	}
	return &vmExit{reason: vmx.ExitEPTViolation, qual: q.Encode(), linear: e.linear, gpa: e.gpa}
}

// Exception vectors the interpreter raises.
const (
	vectorUD = 6
	vectorGP = 13
	vectorPF = 14
)

// exception is a guest fault.
type exception struct {
	vector  uint8
	code    uint32
	hasCode bool
	// cr2 is the faulting linear address of a #PF.
	cr2 uint64
}

func (e *exception) Error() string {
	return fmt.Sprintf("sim: guest exception %d (error code %#x)", e.vector, e.code)
}

func invalidOpcode() error { return &exception{vector: vectorUD} }

func generalProtection() error { return &exception{vector: vectorGP, hasCode: true} }

func pageFault(pf *x86.PageFault) error {
	var code uint32
	if pf.Present {
		code |= 1 << 0
	}
	if pf.Write {
		code |= 1 << 1
	}
	if pf.Fetch {
		code |= 1 << 4
	}
	return &exception{vector: vectorPF, code: code, hasCode: true, cr2: pf.Linear}
}

// hostPhys translates gpa through EPT, or returns it unchanged without EPT.
func (m *machine) hostPhys(gpa uint64, at hostarch.AccessType, linear uint64, final bool) (uint64, error) {
	if !m.c.HasEPT() {
		return gpa, nil
	}
	leaf, err := ept.Walk(m.p.opts.Memory, m.eptRoot, gpa)
	switch {
	case errors.Is(err, hv.ErrUnresolvedFault):
		return 0, &eptFault{gpa: gpa, linear: linear, access: at, final: final}
	case err != nil:
		return 0, err
	case !leaf.Access.SupersetOf(at):
		return 0, &eptFault{gpa: gpa, linear: linear, access: at, allowed: leaf.Access, final: final}
	}
	return leaf.Phys, nil
}

// bytes returns the host view of n guest-physical bytes that do not cross a
// page boundary.
func (m *machine) bytes(gpa uint64, n int, at hostarch.AccessType, linear uint64, final bool) ([]byte, error) {
	phys, err := m.hostPhys(gpa, at, linear, final)
	if err != nil {
		return nil, err
	}
	return m.p.opts.Memory.PhysicalBytes(phys, uint64(n))
}

// tableReader reads guest paging structures for the walk translating
// linear.
type tableReader struct {
	m      *machine
	linear uint64
}

func (r tableReader) ReadAt(p []byte, off int64) (int, error) {
	b, err := r.m.bytes(uint64(off), len(p), hostarch.Read, r.linear, false)
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (m *machine) paging() x86.Paging {
	return x86.Paging{CR0: m.g.cr0, CR3: m.g.cr3, CR4: m.g.cr4, EFER: m.g.efer}
}

// translate maps a linear address to a guest-physical one.
func (m *machine) translate(linear uint64, at hostarch.AccessType) (uint64, error) {
	gpa, err := m.paging().Translate(tableReader{m, linear}, linear, at.Write, at.Execute)
	var pf *x86.PageFault
	if errors.As(err, &pf) {
		return 0, pageFault(pf)
	}
	return gpa, err
}

// access copies between buf and guest linear memory, one page at a time.
func (m *machine) access(linear uint64, buf []byte, at hostarch.AccessType) error {
	for len(buf) > 0 {
		n := min(len(buf), int(hostarch.PageSize-linear%hostarch.PageSize))
		gpa, err := m.translate(linear, at)
		if err != nil {
			return err
		}
		b, err := m.bytes(gpa, n, at, linear, true)
		if err != nil {
			return err
		}
		if at.Write {
			copy(b, buf[:n])
		} else {
			copy(buf[:n], b)
		}
		buf = buf[n:]
		linear = (linear + uint64(n)) & m.linearMask()
	}
	return nil
}

func (m *machine) linearMask() uint64 {
	if m.mode == x86.Mode64 {
		return ^uint64(0)
	}
	return 0xFFFF_FFFF
}

// linear forms the linear address of off in segment s. Only FS and GS
// keep their bases in 64-bit mode.
func (m *machine) linear(s vmx.Segment, off uint64) uint64 {
	if m.mode == x86.Mode64 && s != vmx.FS && s != vmx.GS {
		return off
	}
	return (m.g.segs[s].Base + off) & m.linearMask()
}

func (m *machine) read(s vmx.Segment, off uint64, size int) (uint64, error) {
	var buf [8]byte
	if err := m.access(m.linear(s, off), buf[:size], hostarch.Read); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (m *machine) write(s vmx.Segment, off uint64, size int, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.access(m.linear(s, off), buf[:size], hostarch.Write)
}

// fetch reads up to MaxInstructionLength bytes at RIP. A fault past the
// first byte truncates the buffer and is returned alongside it, so the
// caller only reports it when the instruction really extends that far.
func (m *machine) fetch() ([]byte, error) {
	buf := make([]byte, x86.MaxInstructionLength)
	start := m.linear(vmx.CS, m.g.rip)
	first := min(len(buf), int(hostarch.PageSize-start%hostarch.PageSize))
	if err := m.access(start, buf[:first], fetchAccess); err != nil {
		return nil, err
	}
	if first == len(buf) {
		return buf, nil
	}
	next := (start + uint64(first)) & m.linearMask()
	if err := m.access(next, buf[first:], fetchAccess); err != nil {
		return buf[:first], err
	}
	return buf, nil
}
