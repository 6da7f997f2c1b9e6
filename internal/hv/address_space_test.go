package hv

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLayoutAllocate(t *testing.T) {
	l := NewLayout(0, 0x100_0000)

	a, err := l.Allocate(RegionRequest{Name: "console", Size: 0x10})
	if err != nil {
		t.Fatalf("Allocate console: %v", err)
	}
	if a.Base != 0x100_0000 || a.Size != 0x1000 {
		t.Fatalf("console = %+v, want base 0x1000000 size 0x1000", a)
	}

	b, err := l.Allocate(RegionRequest{Name: "window", Size: 0x20_0000, Alignment: 0x20_0000})
	if err != nil {
		t.Fatalf("Allocate window: %v", err)
	}
	if b.Base != 0x120_0000 {
		t.Fatalf("window base = %#x, want 0x1200000", b.Base)
	}

	if _, err := l.Allocate(RegionRequest{Name: "zero"}); err == nil {
		t.Fatal("expected zero-size allocation to fail")
	}
	if _, err := l.Allocate(RegionRequest{Name: "odd", Size: 0x1000, Alignment: 0x3000}); err == nil {
		t.Fatal("expected non power of two alignment to fail")
	}
}

func TestLayoutAllocateSkipsFixed(t *testing.T) {
	l := NewLayout(0, 0x10_0000)
	if err := l.RegisterFixed("rom", 0x10_0000, 0x2000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}
	r, err := l.Allocate(RegionRequest{Name: "dev", Size: 0x1000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if r.Base != 0x10_2000 {
		t.Fatalf("dev base = %#x, want 0x102000", r.Base)
	}
}

func TestLayoutRegisterFixed(t *testing.T) {
	l := NewLayout(0x1000, 0x10_0000)

	tests := []struct {
		name    string
		base    uint64
		size    uint64
		wantErr bool
	}{
		{"passthrough", 0xE000_0000, 0x1000, false},
		{"overlap-ram", 0x8000, 0x1000, true},
		{"overlap-window", 0xE000_0800, 0x1000, true},
		{"zero", 0xF000_0000, 0, true},
		{"wrap", ^uint64(0) - 0xFFF, 0x2000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.RegisterFixed(tt.name, tt.base, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RegisterFixed(%#x, %#x) err = %v, wantErr %v", tt.base, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestLayoutLookupAndRegions(t *testing.T) {
	l := NewLayout(0, 0x10_0000)
	if err := l.RegisterFixed("passthrough", 0xE000_0000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}
	if _, err := l.Allocate(RegionRequest{Name: "scratch", Size: 0x1000}); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if r, ok := l.Lookup(0x5000); !ok || r.Name != "ram" {
		t.Fatalf("Lookup(0x5000) = %+v, %v", r, ok)
	}
	if r, ok := l.Lookup(0xE000_0010); !ok || r.Name != "passthrough" {
		t.Fatalf("Lookup(0xE0000010) = %+v, %v", r, ok)
	}
	if _, ok := l.Lookup(0x20_0000); ok {
		t.Fatal("Lookup(0x200000) found a region")
	}

	want := []Region{
		{Name: "ram", Base: 0, Size: 0x10_0000},
		{Name: "scratch", Base: 0x10_0000, Size: 0x1000},
		{Name: "passthrough", Base: 0xE000_0000, Size: 0x1000},
	}
	if diff := cmp.Diff(want, l.Regions()); diff != "" {
		t.Fatalf("Regions mismatch (-want +got):\n%s", diff)
	}
}

func TestAlignUp(t *testing.T) {
	for _, tt := range []struct{ v, a, want uint64 }{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0x1234, 0, 0x1234},
		{0x20_0001, 0x20_0000, 0x40_0000},
	} {
		if got := AlignUp(tt.v, tt.a); got != tt.want {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", tt.v, tt.a, got, tt.want)
		}
	}
}

func TestMMIORegion(t *testing.T) {
	r := MMIORegion{Address: 0xE000_0000, Size: 0x1000}
	if !r.Contains(0xE000_0FFF) || r.Contains(0xE000_1000) || r.Contains(0xDFFF_FFFF) {
		t.Fatalf("Contains boundaries wrong for %s", r)
	}
	if r.String() != "[0xe0000000-0xe0001000)" {
		t.Fatalf("String() = %q", r.String())
	}
}
