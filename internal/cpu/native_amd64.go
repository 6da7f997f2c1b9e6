//go:build amd64

package cpu

import (
	"encoding/binary"
	"unsafe"
)

// Native executes the privileged register instructions directly on the
// current logical CPU. Outside ring 0 every privileged method fails with
// ErrNotPrivileged instead of faulting.
type Native struct{}

var _ Registers = Native{}

func readCS() uint16

func rdmsr(reg uintptr) uintptr

func wrmsr(reg, value uintptr)

func readCR0() uintptr

func writeCR0(value uintptr)

func readCR2() uintptr

func readCR3() uintptr

func writeCR3(value uintptr)

func readCR4() uintptr

func writeCR4(value uintptr)

func cpuidRaw(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

func saveFlagsAndDisable() uintptr

func restoreFlags(flags uintptr)

func sgdt(dst *[10]byte)

func sidt(dst *[10]byte)

func readSelectors(dst *[7]uint16)

// linearPointer reinterprets a linear address from a descriptor table
// register as a pointer.
func linearPointer(addr uint64) unsafe.Pointer {
	p := uintptr(addr)
	return *(*unsafe.Pointer)(unsafe.Pointer(&p))
}

// Privileged reports whether the caller executes at CPL 0.
func Privileged() bool {
	return readCS()&3 == 0
}

func (Native) ReadMSR(index uint32) (uint64, error) {
	if !Privileged() {
		return 0, ErrNotPrivileged
	}
	return uint64(rdmsr(uintptr(index))), nil
}

func (Native) WriteMSR(index uint32, value uint64) error {
	if !Privileged() {
		return ErrNotPrivileged
	}
	wrmsr(uintptr(index), uintptr(value))
	return nil
}

func (Native) ReadCR(cr ControlRegister) (uint64, error) {
	if !Privileged() {
		return 0, ErrNotPrivileged
	}
	switch cr {
	case CR0:
		return uint64(readCR0()), nil
	case CR2:
		return uint64(readCR2()), nil
	case CR3:
		return uint64(readCR3()), nil
	case CR4:
		return uint64(readCR4()), nil
	default:
		return 0, unsupportedCR(cr)
	}
}

func (Native) WriteCR(cr ControlRegister, value uint64) error {
	if !Privileged() {
		return ErrNotPrivileged
	}
	switch cr {
	case CR0:
		writeCR0(uintptr(value))
	case CR3:
		writeCR3(uintptr(value))
	case CR4:
		writeCR4(uintptr(value))
	default:
		return unsupportedCR(cr)
	}
	return nil
}

// CPUID is unprivileged and always executes.
func (Native) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidRaw(leaf, subleaf)
}

// DisableInterrupts clears RFLAGS.IF and returns a function restoring the
// previous interrupt flag. Outside ring 0 it is a no-op.
func (Native) DisableInterrupts() (restore func()) {
	if !Privileged() {
		return func() {}
	}
	flags := saveFlagsAndDisable()
	return func() { restoreFlags(flags) }
}

// HostSegments captures the selectors and descriptor tables of the running
// CPU, including the task register base decoded from the GDT.
func (Native) HostSegments() (HostSegments, error) {
	if !Privileged() {
		return HostSegments{}, ErrNotPrivileged
	}

	var sel [7]uint16
	readSelectors(&sel)

	var gdtr, idtr [10]byte
	sgdt(&gdtr)
	sidt(&idtr)

	seg := HostSegments{
		CS:       sel[0],
		SS:       sel[1],
		DS:       sel[2],
		ES:       sel[3],
		FS:       sel[4],
		GS:       sel[5],
		TR:       sel[6],
		GDTLimit: binary.LittleEndian.Uint16(gdtr[0:2]),
		GDTBase:  binary.LittleEndian.Uint64(gdtr[2:10]),
		IDTLimit: binary.LittleEndian.Uint16(idtr[0:2]),
		IDTBase:  binary.LittleEndian.Uint64(idtr[2:10]),
	}

	if idx := uint64(seg.TR &^ 7); idx != 0 && idx+16 <= uint64(seg.GDTLimit)+1 {
		desc := unsafe.Slice((*byte)(linearPointer(seg.GDTBase+idx)), 16)
		seg.TRBase = SystemDescriptorBase(desc)
	}

	fsBase, _ := Native{}.ReadMSR(MSRFSBase)
	gsBase, _ := Native{}.ReadMSR(MSRGSBase)
	seg.FSBase = fsBase
	seg.GSBase = gsBase

	return seg, nil
}
