package cpu

import (
	"github.com/klauspost/cpuid/v2"
)

// Info summarises the host processor for diagnostics.
type Info struct {
	Vendor     string
	Brand      string
	Family     int
	Model      int
	Logical    int
	VMX        bool
	Hypervisor bool
}

// HostInfo reports the processor the process runs on.
func HostInfo() Info {
	c := cpuid.CPU
	return Info{
		Vendor:     c.VendorString,
		Brand:      c.BrandName,
		Family:     c.Family,
		Model:      c.Model,
		Logical:    c.LogicalCores,
		VMX:        c.Supports(cpuid.VMX),
		Hypervisor: c.Supports(cpuid.HYPERVISOR),
	}
}

// HasVMX reports whether the host processor advertises VT-x.
func HasVMX() bool {
	return cpuid.CPU.Supports(cpuid.VMX)
}

// VendorLeaf packs a 12-byte vendor string into the EBX, EDX and ECX values
// of CPUID leaf 0. Shorter strings are padded with spaces.
func VendorLeaf(vendor string) (ebx, edx, ecx uint32) {
	var b [12]byte
	for i := range b {
		b[i] = ' '
	}
	copy(b[:], vendor)
	word := func(i int) uint32 {
		return uint32(b[i]) | uint32(b[i+1])<<8 | uint32(b[i+2])<<16 | uint32(b[i+3])<<24
	}
	return word(0), word(4), word(8)
}
