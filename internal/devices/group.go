// Package devices provides the device bus the VMX exit dispatcher routes
// port I/O and MMIO accesses to, plus a small set of illustrative devices.
package devices

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/tinyrange/vtx/internal/hv"
)

type mmioBinding struct {
	region hv.MMIORegion
	dev    hv.MemoryMappedIODevice
}

func lessBinding(a, b mmioBinding) bool { return a.region.Address < b.region.Address }

// Group is a device bus. MMIO regions are kept in a btree ordered by base
// address and may not overlap; each I/O port belongs to at most one device.
type Group struct {
	mu sync.RWMutex

	devices map[string]hv.Device
	mmio    *btree.BTreeG[mmioBinding]
	ports   map[uint16]hv.X86IOPortDevice
	log     *slog.Logger
}

var _ hv.DeviceBus = (*Group)(nil)

// NewGroup returns an empty bus. A nil logger selects slog.Default.
func NewGroup(log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	return &Group{
		devices: make(map[string]hv.Device),
		mmio:    btree.NewG(8, lessBinding),
		ports:   make(map[uint16]hv.X86IOPortDevice),
		log:     log,
	}
}

// Add registers dev and its intercepts. A device may claim MMIO regions,
// I/O ports or both. Nothing is registered when any intercept conflicts.
func (g *Group) Add(dev hv.Device) error {
	if dev == nil {
		return fmt.Errorf("devices: device is nil")
	}
	name := dev.Name()
	if name == "" {
		return fmt.Errorf("devices: device name is empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.devices[name]; exists {
		return fmt.Errorf("devices: device %q already registered", name)
	}

	mmioDev, isMMIO := dev.(hv.MemoryMappedIODevice)
	pioDev, isPIO := dev.(hv.X86IOPortDevice)
	if !isMMIO && !isPIO {
		return fmt.Errorf("devices: device %q has no MMIO regions or I/O ports", name)
	}

	var regions []hv.MMIORegion
	if isMMIO {
		regions = mmioDev.MMIORegions()
		for i, r := range regions {
			if r.Size == 0 {
				return fmt.Errorf("devices: device %q: MMIO region at %#x has zero size", name, r.Address)
			}
			if r.End() < r.Address {
				return fmt.Errorf("devices: device %q: MMIO region at %#x with size %#x overflows", name, r.Address, r.Size)
			}
			if other, ok := g.overlapLocked(r); ok {
				return fmt.Errorf("devices: device %q: MMIO region %s overlaps %q at %s",
					name, r, other.dev.Name(), other.region)
			}
			for _, prev := range regions[:i] {
				if r.Address < prev.End() && prev.Address < r.End() {
					return fmt.Errorf("devices: device %q: MMIO regions %s and %s overlap", name, prev, r)
				}
			}
		}
	}
	var ports []uint16
	if isPIO {
		ports = pioDev.IOPorts()
		for _, port := range ports {
			if owner, exists := g.ports[port]; exists {
				return fmt.Errorf("devices: device %q: I/O port %#x already claimed by %q", name, port, owner.Name())
			}
		}
	}

	for _, r := range regions {
		g.mmio.ReplaceOrInsert(mmioBinding{region: r, dev: mmioDev})
	}
	for _, port := range ports {
		g.ports[port] = pioDev
	}
	g.devices[name] = dev
	g.log.Debug("devices: registered", "device", name, "regions", len(regions), "ports", len(ports))
	return nil
}

// overlapLocked finds an existing region overlapping r. Regions never
// overlap each other, so only the last region starting before r's end can.
func (g *Group) overlapLocked(r hv.MMIORegion) (mmioBinding, bool) {
	var found mmioBinding
	var ok bool
	g.mmio.DescendLessOrEqual(mmioBinding{region: hv.MMIORegion{Address: r.End() - 1}}, func(b mmioBinding) bool {
		found, ok = b, b.region.End() > r.Address
		return false
	})
	return found, ok
}

func (g *Group) lookupLocked(addr uint64) (mmioBinding, bool) {
	var found mmioBinding
	var ok bool
	g.mmio.DescendLessOrEqual(mmioBinding{region: hv.MMIORegion{Address: addr}}, func(b mmioBinding) bool {
		found, ok = b, b.region.Contains(addr)
		return false
	})
	return found, ok
}

// FindDevice returns the device whose MMIO region contains addr.
func (g *Group) FindDevice(addr uint64) (hv.MemoryMappedIODevice, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	b, ok := g.lookupLocked(addr)
	if !ok {
		return nil, false
	}
	return b.dev, true
}

// Device returns a registered device by name.
func (g *Group) Device(name string) (hv.Device, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	dev, ok := g.devices[name]
	return dev, ok
}

// Devices lists the registered devices sorted by name.
func (g *Group) Devices() []hv.Device {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.devices))
	for name := range g.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]hv.Device, len(names))
	for i, name := range names {
		out[i] = g.devices[name]
	}
	return out
}

// Regions lists every MMIO region in address order.
func (g *Group) Regions() []hv.MMIORegion {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]hv.MMIORegion, 0, g.mmio.Len())
	g.mmio.Ascend(func(b mmioBinding) bool {
		out = append(out, b.region)
		return true
	})
	return out
}

func checkWidth(width int) error {
	switch width {
	case 1, 2, 4, 8:
		return nil
	default:
		return fmt.Errorf("devices: invalid access width %d", width)
	}
}

// checkAccess verifies that [addr, addr+width) lies inside one of dev's
// regions.
func (g *Group) checkAccess(dev hv.MemoryMappedIODevice, addr uint64, width int) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	g.mu.RLock()
	b, ok := g.lookupLocked(addr)
	g.mu.RUnlock()
	if !ok || b.dev != dev {
		return fmt.Errorf("devices: %#x is not claimed by %q: %w", addr, dev.Name(), hv.ErrNoDevice)
	}
	if addr+uint64(width) > b.region.End() {
		return fmt.Errorf("devices: %d-byte access at %#x crosses the end of %s: %w", width, addr, b.region, hv.ErrOutOfRange)
	}
	return nil
}

// HandleRead performs a little-endian read of width bytes.
func (g *Group) HandleRead(dev hv.MemoryMappedIODevice, addr uint64, width int) (uint64, error) {
	if err := g.checkAccess(dev, addr, width); err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := dev.ReadMMIO(addr, buf[:width]); err != nil {
		return 0, fmt.Errorf("devices: %s read at %#x: %w", dev.Name(), addr, err)
	}
	var v uint64
	for i := width - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	g.log.Debug("devices: mmio read", "device", dev.Name(), "addr", fmt.Sprintf("%#x", addr), "width", width, "value", fmt.Sprintf("%#x", v))
	return v, nil
}

// HandleWrite performs a little-endian write of the low width bytes of value.
func (g *Group) HandleWrite(dev hv.MemoryMappedIODevice, addr uint64, width int, value uint64) error {
	if err := g.checkAccess(dev, addr, width); err != nil {
		return err
	}
	var buf [8]byte
	for i := 0; i < width; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	g.log.Debug("devices: mmio write", "device", dev.Name(), "addr", fmt.Sprintf("%#x", addr), "width", width, "value", fmt.Sprintf("%#x", value))
	if err := dev.WriteMMIO(addr, buf[:width]); err != nil {
		return fmt.Errorf("devices: %s write at %#x: %w", dev.Name(), addr, err)
	}
	return nil
}

func (g *Group) portDevice(port uint16) (hv.X86IOPortDevice, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	dev, ok := g.ports[port]
	return dev, ok
}

// ReadPort dispatches an IN. It returns hv.ErrNoDevice for unclaimed ports.
func (g *Group) ReadPort(port uint16, data []byte) error {
	dev, ok := g.portDevice(port)
	if !ok {
		return fmt.Errorf("devices: I/O port %#04x: %w", port, hv.ErrNoDevice)
	}
	return dev.ReadIOPort(port, data)
}

// WritePort dispatches an OUT. It returns hv.ErrNoDevice for unclaimed ports.
func (g *Group) WritePort(port uint16, data []byte) error {
	dev, ok := g.portDevice(port)
	if !ok {
		return fmt.Errorf("devices: I/O port %#04x: %w", port, hv.ErrNoDevice)
	}
	return dev.WriteIOPort(port, data)
}
