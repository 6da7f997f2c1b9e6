package mem

import (
	"unsafe"

	"github.com/tinyrange/vtx/internal/hv"
)

// Identity is a translator for ring-0 environments whose host page tables
// identity-map physical memory.
type Identity struct{}

var (
	_ hv.AddressTranslator = Identity{}
	_ hv.PhysicalMemory    = Identity{}
)

func (Identity) VirtualToPhysical(addr uintptr) (uint64, error) { return uint64(addr), nil }

func (Identity) PhysicalBytes(phys, length uint64) ([]byte, error) {
	if phys == 0 {
		return nil, hv.ErrOutOfRange
	}
	return unsafe.Slice((*byte)(physPointer(phys)), length), nil
}

// physPointer reinterprets an identity-mapped physical address as a
// pointer. The caller keeps the memory alive.
func physPointer(phys uint64) unsafe.Pointer {
	addr := uintptr(phys)
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

// Translated pairs an allocator with a different translator, for example an
// arena with Identity on a host that identity-maps its memory.
type Translated struct {
	hv.PageAllocator
	hv.AddressTranslator
}

var _ hv.HostMemory = Translated{}
