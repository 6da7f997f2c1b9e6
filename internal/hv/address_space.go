package hv

import (
	"fmt"
	"sort"
	"sync"
)

// Region is a named guest-physical range in a Layout.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

func (r Region) End() uint64 { return r.Base + r.Size }

// RegionRequest asks a Layout for a dynamically placed region.
type RegionRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// Layout manages the guest-physical address map of a session. RAM starts at
// ramBase; device windows are either placed at fixed addresses or allocated
// above RAM.
type Layout struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// next is the next candidate address for Allocate.
	next uint64

	allocations  []Region
	fixedRegions []Region
}

// NewLayout creates a layout with RAM at [ramBase, ramBase+ramSize).
func NewLayout(ramBase, ramSize uint64) *Layout {
	return &Layout{
		ramBase: ramBase,
		ramSize: ramSize,
		next:    AlignUp(ramBase+ramSize, 0x1000),
	}
}

// Allocate places a region above RAM, aligned to the requested alignment.
func (l *Layout) Allocate(req RegionRequest) (Region, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Size == 0 {
		return Region{}, fmt.Errorf("layout: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("layout: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := AlignUp(l.next, alignment)
	size := AlignUp(req.Size, alignment)

	// Skip over fixed regions registered above RAM.
	for {
		r, ok := l.overlapLocked(base, size)
		if !ok {
			break
		}
		base = AlignUp(r.End(), alignment)
	}

	alloc := Region{Name: req.Name, Base: base, Size: size}
	l.allocations = append(l.allocations, alloc)
	l.next = base + size
	return alloc, nil
}

// RegisterFixed registers a region at a fixed address. It fails when the
// region overlaps RAM or any other region.
func (l *Layout) RegisterFixed(name string, base, size uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("layout: cannot register zero-size fixed region %s", name)
	}

	end := base + size
	if end < base {
		return fmt.Errorf("layout: fixed region %s at 0x%x wraps the address space", name, base)
	}

	ramEnd := l.ramBase + l.ramSize
	if base < ramEnd && end > l.ramBase {
		return fmt.Errorf("layout: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, end, l.ramBase, ramEnd)
	}
	if r, ok := l.overlapLocked(base, size); ok {
		return fmt.Errorf("layout: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
			name, base, end, r.Name, r.Base, r.End())
	}

	l.fixedRegions = append(l.fixedRegions, Region{Name: name, Base: base, Size: size})
	return nil
}

func (l *Layout) overlapLocked(base, size uint64) (Region, bool) {
	end := base + size
	for _, set := range [][]Region{l.fixedRegions, l.allocations} {
		for _, r := range set {
			if base < r.End() && end > r.Base {
				return r, true
			}
		}
	}
	return Region{}, false
}

// Lookup returns the region containing addr. RAM is reported as "ram".
func (l *Layout) Lookup(addr uint64) (Region, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if addr >= l.ramBase && addr < l.ramBase+l.ramSize {
		return Region{Name: "ram", Base: l.ramBase, Size: l.ramSize}, true
	}
	for _, set := range [][]Region{l.fixedRegions, l.allocations} {
		for _, r := range set {
			if addr >= r.Base && addr < r.End() {
				return r, true
			}
		}
	}
	return Region{}, false
}

// Regions returns RAM and every device region sorted by base address.
func (l *Layout) Regions() []Region {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Region, 0, 1+len(l.fixedRegions)+len(l.allocations))
	out = append(out, Region{Name: "ram", Base: l.ramBase, Size: l.ramSize})
	out = append(out, l.fixedRegions...)
	out = append(out, l.allocations...)
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

func (l *Layout) RAMBase() uint64 { return l.ramBase }
func (l *Layout) RAMSize() uint64 { return l.ramSize }
func (l *Layout) RAMEnd() uint64  { return l.ramBase + l.ramSize }

// AlignUp aligns value up to the specified alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
