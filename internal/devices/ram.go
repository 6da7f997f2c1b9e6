package devices

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
)

// RAM is an MMIO region backed by a byte slice. Every access traps and is
// emulated, which makes it useful for observing guest MMIO.
type RAM struct {
	name   string
	region hv.MMIORegion
	data   []byte

	Reads, Writes int
}

var _ hv.MemoryMappedIODevice = (*RAM)(nil)

func NewRAM(name string, base, size uint64) *RAM {
	return &RAM{
		name:   name,
		region: hv.MMIORegion{Address: base, Size: size},
		data:   make([]byte, size),
	}
}

func (r *RAM) Name() string                 { return r.name }
func (r *RAM) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{r.region} }

// Bytes exposes the backing store.
func (r *RAM) Bytes() []byte { return r.data }

func (r *RAM) slice(addr uint64, n int) ([]byte, error) {
	if addr < r.region.Address || addr+uint64(n) > r.region.End() {
		return nil, fmt.Errorf("%s: access [%#x, +%d) outside %s: %w", r.name, addr, n, r.region, hv.ErrOutOfRange)
	}
	off := addr - r.region.Address
	return r.data[off : off+uint64(n)], nil
}

func (r *RAM) ReadMMIO(addr uint64, data []byte) error {
	b, err := r.slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(data, b)
	r.Reads++
	return nil
}

func (r *RAM) WriteMMIO(addr uint64, data []byte) error {
	b, err := r.slice(addr, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	r.Writes++
	return nil
}
