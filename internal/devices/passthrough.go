package devices

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/vtx/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Passthrough is an MMIO window backed directly by host memory. The first
// guest access faults, the dispatcher installs an EPT mapping from Backing,
// and later accesses no longer exit.
type Passthrough struct {
	name   string
	region hv.MMIORegion
	host   []byte
	phys   uint64
}

var _ hv.PassthroughDevice = (*Passthrough)(nil)

// NewPassthrough allocates size bytes of host memory for a window at base.
func NewPassthrough(name string, base, size uint64, mem hv.HostMemory) (*Passthrough, error) {
	if !hostarch.Addr(base).IsPageAligned() || !hostarch.Addr(size).IsPageAligned() || size == 0 {
		return nil, fmt.Errorf("devices: passthrough window [%#x, +%#x) must be page aligned", base, size)
	}
	b, err := mem.AllocatePages(size)
	if err != nil {
		return nil, fmt.Errorf("devices: allocate passthrough backing: %w", err)
	}
	phys, err := mem.VirtualToPhysical(uintptr(unsafe.Pointer(&b[0])))
	if err != nil {
		_ = mem.FreePages(b)
		return nil, fmt.Errorf("devices: translate passthrough backing: %w", err)
	}
	return &Passthrough{
		name:   name,
		region: hv.MMIORegion{Address: base, Size: size},
		host:   b,
		phys:   phys,
	}, nil
}

func (p *Passthrough) Name() string                 { return p.name }
func (p *Passthrough) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{p.region} }

// Bytes is the host view of the window.
func (p *Passthrough) Bytes() []byte { return p.host }

// Backing describes the host memory behind the window containing addr.
func (p *Passthrough) Backing(addr uint64) (hv.Backing, error) {
	if !p.region.Contains(addr) {
		return hv.Backing{}, fmt.Errorf("%s: %#x outside %s: %w", p.name, addr, p.region, hv.ErrOutOfRange)
	}
	return hv.Backing{Phys: p.phys, Bytes: p.host, MemType: hostarch.MemoryTypeUncached}, nil
}

func (p *Passthrough) ReadMMIO(addr uint64, data []byte) error {
	if addr < p.region.Address || addr+uint64(len(data)) > p.region.End() {
		return hv.ErrOutOfRange
	}
	copy(data, p.host[addr-p.region.Address:])
	return nil
}

func (p *Passthrough) WriteMMIO(addr uint64, data []byte) error {
	if addr < p.region.Address || addr+uint64(len(data)) > p.region.End() {
		return hv.ErrOutOfRange
	}
	copy(p.host[addr-p.region.Address:], data)
	return nil
}

// Release returns the backing to mem.
func (p *Passthrough) Release(mem hv.PageAllocator) error {
	if p.host == nil {
		return nil
	}
	err := mem.FreePages(p.host)
	p.host = nil
	return err
}
