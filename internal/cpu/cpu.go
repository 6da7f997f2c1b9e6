// Package cpu exposes the model-specific and control registers of the
// current logical CPU.
//
// There is no object identity here: a Registers value is a capability for
// "the CPU this goroutine is running on". Callers that need a stable CPU must
// lock their goroutine to an OS thread and pin that thread first.
package cpu

import (
	"errors"
	"fmt"
)

var (
	ErrNotPrivileged = errors.New("cpu: privileged instruction outside ring 0")
	ErrReadOnly      = errors.New("cpu: register interface is read-only")
)

// Model-specific register indices.
const (
	MSRFeatureControl uint32 = 0x0000003A
	MSRSysenterCS     uint32 = 0x00000174
	MSRSysenterESP    uint32 = 0x00000175
	MSRSysenterEIP    uint32 = 0x00000176
	MSRDebugCtl       uint32 = 0x000001D9
	MSRPAT            uint32 = 0x00000277

	MSRVMXBasic          uint32 = 0x00000480
	MSRVMXPinbasedCtls   uint32 = 0x00000481
	MSRVMXProcbasedCtls  uint32 = 0x00000482
	MSRVMXExitCtls       uint32 = 0x00000483
	MSRVMXEntryCtls      uint32 = 0x00000484
	MSRVMXMisc           uint32 = 0x00000485
	MSRVMXCR0Fixed0      uint32 = 0x00000486
	MSRVMXCR0Fixed1      uint32 = 0x00000487
	MSRVMXCR4Fixed0      uint32 = 0x00000488
	MSRVMXCR4Fixed1      uint32 = 0x00000489
	MSRVMXVMCSEnum       uint32 = 0x0000048A
	MSRVMXProcbasedCtls2 uint32 = 0x0000048B
	MSRVMXEPTVPIDCap     uint32 = 0x0000048C

	MSRVMXTruePinbasedCtls  uint32 = 0x0000048D
	MSRVMXTrueProcbasedCtls uint32 = 0x0000048E
	MSRVMXTrueExitCtls      uint32 = 0x0000048F
	MSRVMXTrueEntryCtls     uint32 = 0x00000490
	MSRVMXVMFunc            uint32 = 0x00000491

	MSREFER         uint32 = 0xC0000080
	MSRStar         uint32 = 0xC0000081
	MSRLStar        uint32 = 0xC0000082
	MSRFSBase       uint32 = 0xC0000100
	MSRGSBase       uint32 = 0xC0000101
	MSRKernelGSBase uint32 = 0xC0000102
	MSRTSCAux       uint32 = 0xC0000103
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLocked       uint64 = 1 << 0
	FeatureControlVMXInsideSMX uint64 = 1 << 1
	FeatureControlVMXOutside   uint64 = 1 << 2
)

// CR0 bits.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31
)

// CR4 bits.
const (
	CR4VME        uint64 = 1 << 0
	CR4PVI        uint64 = 1 << 1
	CR4TSD        uint64 = 1 << 2
	CR4DE         uint64 = 1 << 3
	CR4PSE        uint64 = 1 << 4
	CR4PAE        uint64 = 1 << 5
	CR4MCE        uint64 = 1 << 6
	CR4PGE        uint64 = 1 << 7
	CR4PCE        uint64 = 1 << 8
	CR4OSFXSR     uint64 = 1 << 9
	CR4OSXMMEXCPT uint64 = 1 << 10
	CR4UMIP       uint64 = 1 << 11
	CR4LA57       uint64 = 1 << 12
	CR4VMXE       uint64 = 1 << 13
	CR4SMXE       uint64 = 1 << 14
	CR4FSGSBASE   uint64 = 1 << 16
	CR4PCIDE      uint64 = 1 << 17
	CR4OSXSAVE    uint64 = 1 << 18
	CR4SMEP       uint64 = 1 << 20
	CR4SMAP       uint64 = 1 << 21
)

// IA32_EFER bits.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// RFLAGS bits.
const (
	RFLAGSCF        uint64 = 1 << 0
	RFLAGSReserved1 uint64 = 1 << 1
	RFLAGSPF        uint64 = 1 << 2
	RFLAGSZF        uint64 = 1 << 6
	RFLAGSSF        uint64 = 1 << 7
	RFLAGSTF        uint64 = 1 << 8
	RFLAGSIF        uint64 = 1 << 9
	RFLAGSDF        uint64 = 1 << 10
	RFLAGSOF        uint64 = 1 << 11
	RFLAGSVM        uint64 = 1 << 17
)

// ControlRegister names one of the architectural control registers.
type ControlRegister uint8

const (
	CR0 ControlRegister = 0
	CR2 ControlRegister = 2
	CR3 ControlRegister = 3
	CR4 ControlRegister = 4
	CR8 ControlRegister = 8
)

func (c ControlRegister) String() string {
	return fmt.Sprintf("cr%d", uint8(c))
}

// Registers is the primitive register surface of the current logical CPU.
type Registers interface {
	ReadMSR(index uint32) (uint64, error)
	WriteMSR(index uint32, value uint64) error
	ReadCR(cr ControlRegister) (uint64, error)
	WriteCR(cr ControlRegister, value uint64) error
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
}

// CPUID.1:ECX feature bit for VMX.
const cpuidVMX = 1 << 5

// SupportsVMX reports whether CPUID leaf 1 advertises VMX on r.
func SupportsVMX(r Registers) bool {
	_, _, ecx, _ := r.CPUID(1, 0)
	return ecx&cpuidVMX != 0
}
