// Package mem provides host page allocation for the VMX core: an mmap-backed
// arena with a synthetic physical address space, and an identity translator
// for environments where host virtual and physical addresses coincide.
package mem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/tinyrange/vtx/internal/hv"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var ErrExhausted = errors.New("mem: arena exhausted")

// DefaultPhysBase is where an arena's physical addresses start unless
// configured otherwise.
const DefaultPhysBase = 0x1_0000_0000

// ArenaConfig configures NewArena.
type ArenaConfig struct {
	// Size is rounded up to a page.
	Size uint64
	// PhysBase is the physical address reported for the first byte. It must
	// be page aligned. Zero selects DefaultPhysBase.
	PhysBase uint64
	// Lock pins the arena with mlock so it is never paged out.
	Lock bool
}

func pageRoundUp(n uint64) (uint64, bool) {
	a, ok := hostarch.Addr(n).RoundUp()
	return uint64(a), ok
}

type span struct {
	off  uint64
	size uint64
}

// Arena carves page-aligned allocations out of a single anonymous mapping.
// Every byte has a stable physical address PhysBase+offset, which is what the
// software processor and the EPT tables see.
type Arena struct {
	mu sync.Mutex

	mem  []byte
	base uint64

	next uint64
	free []span
	live map[uint64]uint64
}

var (
	_ hv.HostMemory     = (*Arena)(nil)
	_ hv.PhysicalMemory = (*Arena)(nil)
)

// NewArena maps cfg.Size bytes of anonymous memory.
func NewArena(cfg ArenaConfig) (*Arena, error) {
	size, ok := pageRoundUp(cfg.Size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("mem: invalid arena size %#x", cfg.Size)
	}
	base := cfg.PhysBase
	if base == 0 {
		base = DefaultPhysBase
	}
	if !hostarch.Addr(base).IsPageAligned() {
		return nil, fmt.Errorf("mem: physical base %#x is not page aligned", base)
	}

	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap arena of %#x bytes: %w", size, err)
	}
	if cfg.Lock {
		if err := unix.Mlock(b); err != nil {
			_ = unix.Munmap(b)
			return nil, fmt.Errorf("mem: mlock arena: %w", err)
		}
	}
	return &Arena{mem: b, base: base, live: make(map[uint64]uint64)}, nil
}

// Close unmaps the arena. Slices handed out earlier must not be used after.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

func (a *Arena) PhysBase() uint64 { return a.base }

func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// Used reports the bytes currently allocated.
func (a *Arena) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n uint64
	for _, size := range a.live {
		n += size
	}
	return n
}

// AllocatePages returns size bytes rounded up to a page, zeroed.
func (a *Arena) AllocatePages(size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil, fmt.Errorf("mem: arena closed")
	}
	size, ok := pageRoundUp(size)
	if !ok {
		return nil, fmt.Errorf("mem: allocation of %#x bytes overflows", size)
	}
	if size == 0 {
		size = hostarch.PageSize
	}

	off, ok := a.takeFreeLocked(size)
	if !ok {
		if a.next+size > uint64(len(a.mem)) {
			return nil, fmt.Errorf("%w: need %#x bytes, %#x left", ErrExhausted, size, uint64(len(a.mem))-a.next)
		}
		off = a.next
		a.next += size
	}
	a.live[off] = size

	b := a.mem[off : off+size : off+size]
	clear(b)
	return b, nil
}

// takeFreeLocked is first fit over the free list.
func (a *Arena) takeFreeLocked(size uint64) (uint64, bool) {
	for i, s := range a.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{off: s.off + size, size: s.size - size}
		}
		return s.off, true
	}
	return 0, false
}

// FreePages returns an allocation to the arena.
func (a *Arena) FreePages(b []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	off, err := a.offsetLocked(b)
	if err != nil {
		return err
	}
	size, ok := a.live[off]
	if !ok {
		return fmt.Errorf("mem: free of %#x which is not an allocation", a.base+off)
	}
	delete(a.live, off)
	a.free = append(a.free, span{off: off, size: size})
	a.coalesceLocked()
	return nil
}

func (a *Arena) coalesceLocked() {
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })
	out := a.free[:0]
	for _, s := range a.free {
		if n := len(out); n > 0 && out[n-1].off+out[n-1].size == s.off {
			out[n-1].size += s.size
			continue
		}
		out = append(out, s)
	}
	a.free = out

	// Hand a free tail back to the bump pointer.
	if n := len(a.free); n > 0 && a.free[n-1].off+a.free[n-1].size == a.next {
		a.next = a.free[n-1].off
		a.free = a.free[:n-1]
	}
}

func (a *Arena) offsetLocked(b []byte) (uint64, error) {
	if len(b) == 0 || a.mem == nil {
		return 0, hv.ErrOutOfRange
	}
	start := uintptr(unsafe.Pointer(&a.mem[0]))
	p := uintptr(unsafe.Pointer(&b[0]))
	if p < start || p >= start+uintptr(len(a.mem)) {
		return 0, fmt.Errorf("mem: %#x is outside the arena: %w", p, hv.ErrOutOfRange)
	}
	return uint64(p - start), nil
}

// VirtualToPhysical translates a host pointer into the arena.
func (a *Arena) VirtualToPhysical(addr uintptr) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return 0, hv.ErrOutOfRange
	}
	start := uintptr(unsafe.Pointer(&a.mem[0]))
	if addr < start || addr >= start+uintptr(len(a.mem)) {
		return 0, fmt.Errorf("mem: virtual %#x is outside the arena: %w", addr, hv.ErrOutOfRange)
	}
	return a.base + uint64(addr-start), nil
}

// PhysicalBytes returns the host view of [phys, phys+length).
func (a *Arena) PhysicalBytes(phys, length uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if phys < a.base {
		return nil, fmt.Errorf("mem: physical %#x below arena: %w", phys, hv.ErrOutOfRange)
	}
	off := phys - a.base
	if off > uint64(len(a.mem)) || length > uint64(len(a.mem))-off {
		return nil, fmt.Errorf("mem: physical [%#x, %#x) outside arena: %w", phys, phys+length, hv.ErrOutOfRange)
	}
	return a.mem[off : off+length : off+length], nil
}

// Physical returns the physical address of the first byte of b.
func (a *Arena) Physical(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, hv.ErrOutOfRange
	}
	return a.VirtualToPhysical(uintptr(unsafe.Pointer(&b[0])))
}
