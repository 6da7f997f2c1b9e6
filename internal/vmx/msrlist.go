package vmx

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/tinyrange/vtx/internal/hv"
)

// MSREntrySize is the size of one entry in a VM-entry or VM-exit MSR area.
const MSREntrySize = 16

// MSREntry is one {index, reserved, value} record of an MSR area.
type MSREntry struct {
	Index uint32
	Value uint64
}

// EncodeMSREntries lays entries out in the architectural format.
func EncodeMSREntries(dst []byte, entries []MSREntry) int {
	n := 0
	for _, e := range entries {
		if len(dst) < (n+1)*MSREntrySize {
			break
		}
		b := dst[n*MSREntrySize:]
		binary.LittleEndian.PutUint32(b[0:4], e.Index)
		binary.LittleEndian.PutUint32(b[4:8], 0)
		binary.LittleEndian.PutUint64(b[8:16], e.Value)
		n++
	}
	return n
}

// DecodeMSREntry reads entry i of an MSR area. reserved is the dword after
// the index, which must be zero.
func DecodeMSREntry(b []byte, i int) (e MSREntry, reserved uint32) {
	b = b[i*MSREntrySize:]
	return MSREntry{
		Index: binary.LittleEndian.Uint32(b[0:4]),
		Value: binary.LittleEndian.Uint64(b[8:16]),
	}, binary.LittleEndian.Uint32(b[4:8])
}

// MSRList is a one-page MSR area the processor reads by physical address.
type MSRList struct {
	mem     hv.PageAllocator
	data    []byte
	phys    uint64
	entries []MSREntry
}

func NewMSRList(mem hv.HostMemory) (*MSRList, error) {
	data, err := mem.AllocatePages(pageSize)
	if err != nil {
		return nil, fmt.Errorf("vmx: allocate msr area: %w", err)
	}
	phys, err := mem.VirtualToPhysical(uintptr(unsafe.Pointer(&data[0])))
	if err != nil {
		_ = mem.FreePages(data)
		return nil, fmt.Errorf("vmx: translate msr area: %w", err)
	}
	return &MSRList{mem: mem, data: data, phys: phys}, nil
}

// Set adds or replaces the entry for index.
func (l *MSRList) Set(index uint32, value uint64) error {
	for i := range l.entries {
		if l.entries[i].Index == index {
			l.entries[i].Value = value
			l.flush()
			return nil
		}
	}
	if (len(l.entries)+1)*MSREntrySize > len(l.data) {
		return fmt.Errorf("vmx: msr area full (%d entries)", len(l.entries))
	}
	l.entries = append(l.entries, MSREntry{Index: index, Value: value})
	l.flush()
	return nil
}

func (l *MSRList) flush() {
	EncodeMSREntries(l.data, l.entries)
}

func (l *MSRList) Entries() []MSREntry {
	out := make([]MSREntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Area returns the VMCS description of the list.
func (l *MSRList) Area() MSRArea {
	if len(l.entries) == 0 {
		return MSRArea{}
	}
	return MSRArea{Phys: l.phys, Count: uint32(len(l.entries))}
}

func (l *MSRList) Close() error {
	if l.data == nil {
		return nil
	}
	err := l.mem.FreePages(l.data)
	l.data = nil
	return err
}
