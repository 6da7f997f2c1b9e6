package boot

import (
	"encoding/binary"

	"github.com/tinyrange/vtx/internal/vmx"
)

// EncodeDescriptor packs a code or data segment into the 8-byte GDT format.
// limit is byte granular; when ar has the G bit the low 12 bits are dropped.
func EncodeDescriptor(base uint32, limit uint32, ar uint32) uint64 {
	if ar&vmx.ARGranularity != 0 {
		limit >>= 12
	}
	d := uint64(limit & 0xFFFF)
	d |= uint64(base&0xFF_FFFF) << 16
	d |= uint64(ar&0xFF) << 40
	d |= uint64(limit>>16&0xF) << 48
	d |= uint64(ar>>12&0xF) << 52
	d |= uint64(base>>24) << 56
	return d
}

// DecodeDescriptor reverses EncodeDescriptor.
func DecodeDescriptor(d uint64) (base uint32, limit uint32, ar uint32) {
	base = uint32(d>>16&0xFF_FFFF) | uint32(d>>56)<<24
	limit = uint32(d&0xFFFF) | uint32(d>>48&0xF)<<16
	ar = uint32(d>>40&0xFF) | uint32(d>>52&0xF)<<12
	if ar&vmx.ARGranularity != 0 {
		limit = limit<<12 | 0xFFF
	}
	return base, limit, ar
}

// putSystemDescriptor writes a 16-byte 64-bit system descriptor.
func putSystemDescriptor(b []byte, base uint64, limit uint32, ar uint32) {
	binary.LittleEndian.PutUint64(b[0:], EncodeDescriptor(uint32(base), limit, ar))
	binary.LittleEndian.PutUint64(b[8:], base>>32)
}
