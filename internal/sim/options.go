// Package sim is a software implementation of the VMX instruction surface.
// It keeps VMCS contents in memory, applies the VM-entry checks and runs
// guests through a small x86 interpreter, so the whole hypervisor stack can
// be exercised without ring 0.
package sim

import (
	"log/slog"
	"maps"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/hv"
)

// DefaultPhysAddrWidth is the MAXPHYADDR the processor reports.
const DefaultPhysAddrWidth = 39

// Host register values at reset.
const (
	hostCR0  = 0x8005_0033
	hostCR3  = 0x0010_0000
	hostCR4  = 0x0000_06F0
	hostEFER = cpu.EFERSCE | cpu.EFERLME | cpu.EFERLMA | cpu.EFERNXE
	hostPAT  = 0x0007_0406_0007_0406
)

// SkylakeMSRs returns the VMX capability MSRs of a Skylake-class part:
// TRUE controls, EPT with 4-level walks and WB/UC tables, unrestricted
// guest and the preemption timer. IA32_FEATURE_CONTROL is left unlocked.
func SkylakeMSRs() map[uint32]uint64 {
	return map[uint32]uint64{
		cpu.MSRFeatureControl:       0,
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
		cpu.MSRVMXVMFunc:            0,
		cpu.MSREFER:                 hostEFER,
		cpu.MSRPAT:                  hostPAT,
	}
}

// Options configures a Processor.
type Options struct {
	// Memory is the host-physical memory the processor reads VMXON and
	// VMCS regions, MSR lists, EPT tables and guest pages from.
	Memory hv.PhysicalMemory

	// MSRs override entries of SkylakeMSRs. A zero capability MSR makes
	// the matching feature unavailable.
	MSRs map[uint32]uint64

	// NoVMX clears the VMX bit of CPUID leaf 1.
	NoVMX bool

	// PhysAddrWidth is MAXPHYADDR. Zero selects DefaultPhysAddrWidth.
	PhysAddrWidth int

	// StepLimit bounds the instructions one VM entry may execute before
	// Enter fails with ErrStepLimit. Zero means no limit.
	StepLimit int

	Logger *slog.Logger
}

func (o Options) msrs() map[uint32]uint64 {
	m := SkylakeMSRs()
	maps.Copy(m, o.MSRs)
	return m
}

func (o Options) physWidth() int {
	if o.PhysAddrWidth <= 0 || o.PhysAddrWidth > 52 {
		return DefaultPhysAddrWidth
	}
	return o.PhysAddrWidth
}
