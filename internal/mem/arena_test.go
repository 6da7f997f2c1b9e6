package mem

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/tinyrange/vtx/internal/hv"
)

func newTestArena(t *testing.T, size uint64) *Arena {
	t.Helper()
	a, err := NewArena(ArenaConfig{Size: size, PhysBase: 0x4000_0000})
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArenaAllocate(t *testing.T) {
	a := newTestArena(t, 0x10000)

	b, err := a.AllocatePages(10)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if len(b) != 0x1000 {
		t.Fatalf("len = %#x, want 0x1000", len(b))
	}
	phys, err := a.Physical(b)
	if err != nil {
		t.Fatalf("Physical: %v", err)
	}
	if phys != 0x4000_0000 {
		t.Fatalf("phys = %#x, want 0x40000000", phys)
	}

	c, err := a.AllocatePages(0x2000)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if p, _ := a.Physical(c); p != 0x4000_1000 {
		t.Fatalf("second allocation at %#x, want 0x40001000", p)
	}
	if a.Used() != 0x3000 {
		t.Fatalf("Used = %#x, want 0x3000", a.Used())
	}

	// Writes through the allocation are visible through the physical view.
	c[0x1004] = 0xAB
	view, err := a.PhysicalBytes(0x4000_2000, 0x10)
	if err != nil {
		t.Fatalf("PhysicalBytes: %v", err)
	}
	if view[4] != 0xAB {
		t.Fatalf("view[4] = %#x, want 0xab", view[4])
	}
}

func TestArenaFreeReuses(t *testing.T) {
	a := newTestArena(t, 0x4000)

	first, _ := a.AllocatePages(0x1000)
	second, _ := a.AllocatePages(0x1000)
	first[0] = 1
	if err := a.FreePages(first); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	again, err := a.AllocatePages(0x1000)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if &again[0] != &first[0] {
		t.Fatal("freed page was not reused")
	}
	if again[0] != 0 {
		t.Fatal("reused page was not zeroed")
	}
	if err := a.FreePages(again); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	if err := a.FreePages(second); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	if a.Used() != 0 {
		t.Fatalf("Used = %#x after freeing everything", a.Used())
	}

	// Everything coalesced back, so the whole arena is available again.
	all, err := a.AllocatePages(0x4000)
	if err != nil {
		t.Fatalf("AllocatePages(all): %v", err)
	}
	if err := a.FreePages(all[0x1000:]); err == nil {
		t.Fatal("expected freeing the middle of an allocation to fail")
	}
}

func TestArenaExhausted(t *testing.T) {
	a := newTestArena(t, 0x2000)
	if _, err := a.AllocatePages(0x3000); !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}

func TestArenaTranslateOutside(t *testing.T) {
	a := newTestArena(t, 0x1000)

	var outside [8]byte
	if _, err := a.VirtualToPhysical(uintptr(unsafe.Pointer(&outside[0]))); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("VirtualToPhysical(outside) err = %v", err)
	}
	if _, err := a.PhysicalBytes(0x3FFF_F000, 0x10); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("PhysicalBytes(below) err = %v", err)
	}
	if _, err := a.PhysicalBytes(0x4000_0F00, 0x200); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("PhysicalBytes(straddling end) err = %v", err)
	}
	if err := a.FreePages(outside[:]); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("FreePages(outside) err = %v", err)
	}
}

func TestNewArenaValidation(t *testing.T) {
	if _, err := NewArena(ArenaConfig{}); err == nil {
		t.Fatal("expected zero size to fail")
	}
	if _, err := NewArena(ArenaConfig{Size: 0x1000, PhysBase: 0x1234}); err == nil {
		t.Fatal("expected unaligned physical base to fail")
	}
}

func TestArenaDefaultBase(t *testing.T) {
	a, err := NewArena(ArenaConfig{Size: 0x1000})
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	defer a.Close()
	if a.PhysBase() != DefaultPhysBase {
		t.Fatalf("PhysBase = %#x", a.PhysBase())
	}
}

func TestIdentity(t *testing.T) {
	buf := make([]byte, 16)
	p := uintptr(unsafe.Pointer(&buf[0]))
	phys, err := Identity{}.VirtualToPhysical(p)
	if err != nil || phys != uint64(p) {
		t.Fatalf("VirtualToPhysical = %#x, %v", phys, err)
	}
	view, err := Identity{}.PhysicalBytes(phys, uint64(len(buf)))
	if err != nil {
		t.Fatalf("PhysicalBytes: %v", err)
	}
	view[3] = 0xA5
	if buf[3] != 0xA5 || len(view) != len(buf) {
		t.Fatalf("PhysicalBytes does not alias the identity-mapped buffer")
	}
	if _, err := (Identity{}).PhysicalBytes(0, 8); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("PhysicalBytes(0) err = %v", err)
	}
}
