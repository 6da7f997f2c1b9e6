package cpu

import (
	"encoding/binary"
	"fmt"
)

// HostSegments is a snapshot of the segment state VMX needs in the host-state
// area of a VMCS.
type HostSegments struct {
	CS, SS, DS, ES, FS, GS, TR uint16

	FSBase uint64
	GSBase uint64
	TRBase uint64

	GDTBase  uint64
	GDTLimit uint16
	IDTBase  uint64
	IDTLimit uint16
}

// SystemDescriptorBase decodes the base address of a 16-byte long-mode
// system descriptor (TSS or LDT).
func SystemDescriptorBase(desc []byte) uint64 {
	if len(desc) < 16 {
		return 0
	}
	base := uint64(binary.LittleEndian.Uint16(desc[2:4]))
	base |= uint64(desc[4]) << 16
	base |= uint64(desc[7]) << 24
	base |= uint64(binary.LittleEndian.Uint32(desc[8:12])) << 32
	return base
}

func unsupportedCR(cr ControlRegister) error {
	return fmt.Errorf("cpu: unsupported control register %s", cr)
}
