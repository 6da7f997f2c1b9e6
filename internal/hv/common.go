// Package hv defines the collaborators the VMX core consumes: host page
// allocation, address translation, guest memory, the guest-physical address
// space and emulated devices.
package hv

import (
	"errors"
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrUnresolvedFault = errors.New("guest-physical address not mapped")
	ErrNoDevice        = errors.New("no device claims the address")
	ErrOutOfRange      = errors.New("address out of range")
)

// PageAllocator hands out zeroed, page-aligned host memory.
type PageAllocator interface {
	AllocatePages(size uint64) ([]byte, error)
	FreePages(b []byte) error
}

// AddressTranslator maps host virtual addresses to host physical addresses.
type AddressTranslator interface {
	VirtualToPhysical(addr uintptr) (uint64, error)
}

// HostMemory is what the VMX lifecycle needs to place VMXON and VMCS regions.
type HostMemory interface {
	PageAllocator
	AddressTranslator
}

// PhysicalMemory is a view of host physical memory.
type PhysicalMemory interface {
	PhysicalBytes(phys, length uint64) ([]byte, error)
}

// GuestMemory reads and writes guest-physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Backing is the host memory behind a guest-physical mapping.
type Backing struct {
	// Phys is the host physical address of the first byte.
	Phys uint64
	// Bytes is the host view of the same range. It may be nil for ranges
	// the host never touches directly.
	Bytes   []byte
	MemType hostarch.MemoryType
	// Populate asks the address space to allocate fresh zeroed host pages
	// for the range. Phys and Bytes are ignored.
	Populate bool
}

// GuestAddressSpace is the guest-physical address space behind EPT.
type GuestAddressSpace interface {
	GuestMemory

	// PageTableRoot is the host physical address of the top-level table.
	PageTableRoot() uint64
	Map(gpa, size uint64, access hostarch.AccessType, backing Backing) error
	Unmap(gpa, size uint64) error
	Translate(gpa uint64) (uint64, error)
	// HandleFault resolves an EPT violation. It returns ErrUnresolvedFault
	// when nothing can be mapped at gpa.
	HandleFault(gpa uint64, access hostarch.AccessType) error
}

// MMIORegion is a guest-physical range claimed by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) End() uint64 { return r.Address + r.Size }

func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr < r.End()
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Address, r.End())
}

// Device is anything that can be attached to a device bus.
type Device interface {
	Name() string
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// PassthroughDevice is an MMIO device whose window maps straight to host
// memory instead of trapping each access.
type PassthroughDevice interface {
	MemoryMappedIODevice

	Backing(addr uint64) (Backing, error)
}

type SimpleMMIODevice struct {
	DeviceName string
	Regions    []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) Name() string              { return d.DeviceName }
func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	DeviceName string
	Ports      []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) Name() string      { return d.DeviceName }
func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
	_ X86IOPortDevice      = SimpleX86IOPortDevice{}
)

// DeviceBus routes port I/O and MMIO accesses to devices.
type DeviceBus interface {
	// ReadPort and WritePort return ErrNoDevice when nothing claims port.
	ReadPort(port uint16, data []byte) error
	WritePort(port uint16, data []byte) error

	FindDevice(addr uint64) (MemoryMappedIODevice, bool)
	HandleRead(dev MemoryMappedIODevice, addr uint64, width int) (uint64, error)
	HandleWrite(dev MemoryMappedIODevice, addr uint64, width int, value uint64) error
}
