package vmx

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMSRList(t *testing.T) {
	mem := newFakeMem()
	l, err := NewMSRList(mem)
	if err != nil {
		t.Fatalf("NewMSRList: %v", err)
	}
	if area := l.Area(); area != (MSRArea{}) {
		t.Fatalf("empty list area = %+v", area)
	}

	if err := l.Set(0xC000_0080, 0x500); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := l.Set(0x277, 0x0007_0406_0007_0406); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := l.Set(0xC000_0080, 0x100); err != nil {
		t.Fatalf("Set: %v", err)
	}

	want := []MSREntry{{Index: 0xC000_0080, Value: 0x100}, {Index: 0x277, Value: 0x0007_0406_0007_0406}}
	if diff := cmp.Diff(want, l.Entries()); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	for i, w := range want {
		got, reserved := DecodeMSREntry(l.data, i)
		if got != w || reserved != 0 {
			t.Fatalf("area entry %d = %+v reserved %#x", i, got, reserved)
		}
	}
	if area := l.Area(); area.Count != 2 || area.Phys != 0x10_0000 {
		t.Fatalf("area = %+v", area)
	}

	for i := uint32(len(want)); i < pageSize/MSREntrySize; i++ {
		if err := l.Set(0x1000+i, uint64(i)); err != nil {
			t.Fatalf("Set entry %d: %v", i, err)
		}
	}
	if err := l.Set(0x2000, 1); err == nil {
		t.Fatal("Set succeeded on a full area")
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil || mem.freed != 1 {
		t.Fatalf("second Close = %v, freed %d", err, mem.freed)
	}
}

func TestEncodeMSREntriesTruncates(t *testing.T) {
	buf := make([]byte, MSREntrySize+8)
	n := EncodeMSREntries(buf, []MSREntry{{Index: 1, Value: 2}, {Index: 3, Value: 4}})
	if n != 1 {
		t.Fatalf("encoded %d entries into %d bytes", n, len(buf))
	}
}
