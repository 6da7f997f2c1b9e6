package devices

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/mem"
)

func TestGroupFindDevice(t *testing.T) {
	g := NewGroup(nil)
	low := NewRAM("low", 0xD000_0000, 0x1000)
	high := NewRAM("high", 0xE000_0000, 0x2000)
	for _, d := range []hv.Device{high, low} {
		if err := g.Add(d); err != nil {
			t.Fatalf("Add(%s): %v", d.Name(), err)
		}
	}

	tests := []struct {
		addr uint64
		want string
	}{
		{0xD000_0000, "low"},
		{0xD000_0FFF, "low"},
		{0xD000_1000, ""},
		{0xCFFF_FFFF, ""},
		{0xE000_1FFF, "high"},
		{0xE000_2000, ""},
	}
	for _, tt := range tests {
		dev, ok := g.FindDevice(tt.addr)
		got := ""
		if ok {
			got = dev.Name()
		}
		if got != tt.want {
			t.Errorf("FindDevice(%#x) = %q, want %q", tt.addr, got, tt.want)
		}
	}

	want := []hv.MMIORegion{{Address: 0xD000_0000, Size: 0x1000}, {Address: 0xE000_0000, Size: 0x2000}}
	if diff := cmp.Diff(want, g.Regions()); diff != "" {
		t.Fatalf("Regions mismatch (-want +got):\n%s", diff)
	}
	if names := []string{g.Devices()[0].Name(), g.Devices()[1].Name()}; names[0] != "high" || names[1] != "low" {
		t.Fatalf("Devices = %v", names)
	}
}

func TestGroupRejectsConflicts(t *testing.T) {
	g := NewGroup(nil)
	if err := g.Add(NewRAM("a", 0xE000_0000, 0x1000)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Add(NewConsole(DebugPort, 0, nil)); err != nil {
		t.Fatalf("Add(console): %v", err)
	}

	tests := []struct {
		name string
		dev  hv.Device
	}{
		{"duplicate-name", NewRAM("a", 0xF000_0000, 0x1000)},
		{"overlap-start", NewRAM("b", 0xDFFF_F800, 0x1000)},
		{"overlap-inside", NewRAM("c", 0xE000_0800, 0x10)},
		{"overlap-cover", NewRAM("d", 0xD000_0000, 0x2000_0000)},
		{"zero-size", NewRAM("e", 0xF000_0000, 0)},
		{"port-claimed", hv.SimpleX86IOPortDevice{DeviceName: "f", Ports: []uint16{DebugPort}}},
		{"no-intercepts", namedOnly("g")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Add(tt.dev); err == nil {
				t.Fatalf("Add(%s) succeeded", tt.dev.Name())
			}
		})
	}

	// Adjacent regions are fine.
	if err := g.Add(NewRAM("adjacent", 0xE000_1000, 0x1000)); err != nil {
		t.Fatalf("Add(adjacent): %v", err)
	}
}

type namedOnly string

func (n namedOnly) Name() string { return string(n) }

func TestGroupReadWrite(t *testing.T) {
	g := NewGroup(nil)
	r := NewRAM("scratch", 0xE000_0000, 0x100)
	if err := g.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := g.HandleWrite(r, 0xE000_0010, 4, 0x1122_3344_5566); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}
	if !bytes.Equal(r.Bytes()[0x10:0x15], []byte{0x66, 0x55, 0x44, 0x33, 0}) {
		t.Fatalf("backing = % x", r.Bytes()[0x10:0x15])
	}
	v, err := g.HandleRead(r, 0xE000_0010, 2)
	if err != nil {
		t.Fatalf("HandleRead: %v", err)
	}
	if v != 0x5566 {
		t.Fatalf("HandleRead = %#x, want 0x5566", v)
	}
	if r.Reads != 1 || r.Writes != 1 {
		t.Fatalf("reads/writes = %d/%d", r.Reads, r.Writes)
	}

	if _, err := g.HandleRead(r, 0xE000_00FE, 4); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("HandleRead(crossing end) err = %v", err)
	}
	if _, err := g.HandleRead(r, 0xE000_0000, 3); err == nil {
		t.Fatal("expected width 3 to be rejected")
	}
	other := NewRAM("other", 0xF000_0000, 0x100)
	if err := g.HandleWrite(other, 0xF000_0000, 1, 0); !errors.Is(err, hv.ErrNoDevice) {
		t.Fatalf("HandleWrite(unregistered) err = %v", err)
	}
}

func TestGroupPorts(t *testing.T) {
	g := NewGroup(nil)
	var out bytes.Buffer
	if err := g.Add(NewConsole(DebugPort, COM1, &out)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.WritePort(DebugPort, []byte{'o'}); err != nil {
		t.Fatalf("WritePort: %v", err)
	}
	if err := g.WritePort(COM1, []byte{'k'}); err != nil {
		t.Fatalf("WritePort(COM1): %v", err)
	}
	if out.String() != "ok" {
		t.Fatalf("console output = %q", out.String())
	}

	data := []byte{0}
	if err := g.ReadPort(COM1+5, data); err != nil || data[0]&lsrTHRE == 0 {
		t.Fatalf("LSR = %#x, %v", data[0], err)
	}
	if err := g.ReadPort(0x80, data); !errors.Is(err, hv.ErrNoDevice) {
		t.Fatalf("ReadPort(0x80) err = %v", err)
	}
	if err := g.WritePort(0x80, data); !errors.Is(err, hv.ErrNoDevice) {
		t.Fatalf("WritePort(0x80) err = %v", err)
	}
}

func TestPassthrough(t *testing.T) {
	arena, err := mem.NewArena(mem.ArenaConfig{Size: 0x4000, PhysBase: 0x4000_0000})
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	defer arena.Close()

	p, err := NewPassthrough("flash", 0xE000_0000, 0x1000, arena)
	if err != nil {
		t.Fatalf("NewPassthrough: %v", err)
	}
	b, err := p.Backing(0xE000_0800)
	if err != nil {
		t.Fatalf("Backing: %v", err)
	}
	if b.Phys != 0x4000_0000 || len(b.Bytes) != 0x1000 {
		t.Fatalf("backing = phys %#x len %#x", b.Phys, len(b.Bytes))
	}
	if _, err := p.Backing(0xE000_1000); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("Backing(outside) err = %v", err)
	}

	g := NewGroup(nil)
	if err := g.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.HandleWrite(p, 0xE000_0004, 4, 0x646C6670); err != nil {
		t.Fatalf("HandleWrite: %v", err)
	}
	if string(p.Bytes()[4:8]) != "pfld" {
		t.Fatalf("host view = %q", p.Bytes()[4:8])
	}

	if _, err := NewPassthrough("bad", 0xE000_0010, 0x1000, arena); err == nil {
		t.Fatal("expected unaligned window to fail")
	}
	if err := p.Release(arena); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if arena.Used() != 0 {
		t.Fatalf("arena used = %#x after Release", arena.Used())
	}
}
