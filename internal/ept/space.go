package ept

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/tinyrange/vtx/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var ErrUnaligned = errors.New("ept: address or size not page aligned")

// Config wires an AddressSpace to host memory.
type Config struct {
	// Allocator provides table pages and populated backings.
	Allocator hv.PageAllocator
	// Translator turns table pages into host physical addresses.
	Translator hv.AddressTranslator
	// Memory gives access to the host physical memory behind mappings.
	Memory hv.PhysicalMemory
	Logger *slog.Logger
}

type window struct {
	base, size uint64
	// host is the host physical address backing base. Zero means each page
	// gets fresh memory when it is first touched.
	host   uint64
	access hostarch.AccessType
}

// AddressSpace is a guest-physical address space described by a 4-level EPT
// hierarchy. Ranges are mapped with 2MiB leaves where both sides are aligned
// and 4KiB leaves elsewhere; remapping part of a 2MiB leaf splits it.
type AddressSpace struct {
	mu sync.Mutex

	alloc hv.PageAllocator
	trans hv.AddressTranslator
	mem   hv.PhysicalMemory
	log   *slog.Logger

	root   uint64
	tables map[uint64][]byte
	// owned are populated backings freed with the address space.
	owned   [][]byte
	windows []window
}

var _ hv.GuestAddressSpace = (*AddressSpace)(nil)

// New allocates an empty hierarchy.
func New(cfg Config) (*AddressSpace, error) {
	if cfg.Allocator == nil || cfg.Translator == nil || cfg.Memory == nil {
		return nil, fmt.Errorf("ept: allocator, translator and memory are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &AddressSpace{
		alloc:  cfg.Allocator,
		trans:  cfg.Translator,
		mem:    cfg.Memory,
		log:    log,
		tables: make(map[uint64][]byte),
	}
	root, err := s.newTable()
	if err != nil {
		return nil, err
	}
	s.root = root
	return s, nil
}

func (s *AddressSpace) newTable() (uint64, error) {
	b, err := s.alloc.AllocatePages(hostarch.PageSize)
	if err != nil {
		return 0, fmt.Errorf("ept: allocate table: %w", err)
	}
	phys, err := s.trans.VirtualToPhysical(uintptr(unsafe.Pointer(&b[0])))
	if err != nil {
		_ = s.alloc.FreePages(b)
		return 0, fmt.Errorf("ept: translate table: %w", err)
	}
	s.tables[phys] = b
	return phys, nil
}

func (s *AddressSpace) freeTable(phys uint64) {
	b, ok := s.tables[phys]
	if !ok {
		return
	}
	delete(s.tables, phys)
	_ = s.alloc.FreePages(b)
}

func (s *AddressSpace) entry(table uint64, idx uint64) uint64 {
	return binary.LittleEndian.Uint64(s.tables[table][idx*8:])
}

func (s *AddressSpace) setEntry(table uint64, idx uint64, v uint64) {
	binary.LittleEndian.PutUint64(s.tables[table][idx*8:], v)
}

// PageTableRoot is the host physical address of the PML4.
func (s *AddressSpace) PageTableRoot() uint64 { return s.root }

// Tables reports how many table pages the hierarchy uses.
func (s *AddressSpace) Tables() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables)
}

// Close frees every table page and every populated backing.
func (s *AddressSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for phys, b := range s.tables {
		if err := s.alloc.FreePages(b); err != nil {
			errs = append(errs, err)
		}
		delete(s.tables, phys)
	}
	for _, b := range s.owned {
		if err := s.alloc.FreePages(b); err != nil {
			errs = append(errs, err)
		}
	}
	s.owned = nil
	return errors.Join(errs...)
}

func aligned(v uint64) bool { return hostarch.Addr(v).IsPageAligned() }

// Map installs [gpa, gpa+size) with the given permissions.
func (s *AddressSpace) Map(gpa, size uint64, at hostarch.AccessType, backing hv.Backing) error {
	if size == 0 || !aligned(gpa) || !aligned(size) {
		return fmt.Errorf("%w: map [%#x, +%#x)", ErrUnaligned, gpa, size)
	}
	if gpa+size < gpa {
		return fmt.Errorf("ept: map [%#x, +%#x) wraps", gpa, size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	host := backing.Phys
	if backing.Populate {
		b, err := s.alloc.AllocatePages(size)
		if err != nil {
			return fmt.Errorf("ept: populate [%#x, +%#x): %w", gpa, size, err)
		}
		phys, err := s.trans.VirtualToPhysical(uintptr(unsafe.Pointer(&b[0])))
		if err != nil {
			_ = s.alloc.FreePages(b)
			return fmt.Errorf("ept: translate backing: %w", err)
		}
		s.owned = append(s.owned, b)
		host = phys
	} else if !aligned(host) {
		return fmt.Errorf("%w: backing %#x", ErrUnaligned, host)
	}

	flags := Perms(at) | MemType(backing.MemType)<<memTypeShift
	if err := s.mapLocked(gpa, host, size, flags); err != nil {
		return err
	}
	s.log.Debug("ept: mapped",
		"gpa", fmt.Sprintf("%#x", gpa),
		"host", fmt.Sprintf("%#x", host),
		"size", fmt.Sprintf("%#x", size),
		"access", at,
		"memtype", backing.MemType.ShortString())
	return nil
}

func (s *AddressSpace) mapLocked(gpa, host, size, flags uint64) error {
	for off := uint64(0); off < size; {
		g, h := gpa+off, host+off
		level := 1
		if g%hostarch.HugePageSize == 0 && h%hostarch.HugePageSize == 0 && size-off >= hostarch.HugePageSize {
			level = 2
		}
		leaf := h | flags
		if level > 1 {
			leaf |= EntryLarge
		}
		if err := s.setLeaf(g, level, leaf); err != nil {
			return err
		}
		off += levelSize(level)
	}
	return nil
}

// tableFor returns the table at level that covers gpa, creating and
// splitting upper levels as needed.
func (s *AddressSpace) tableFor(gpa uint64, level int) (uint64, error) {
	table := s.root
	for l := Levels; l > level; l-- {
		idx := index(gpa, l)
		e := s.entry(table, idx)
		switch {
		case e&entryPerms == 0:
			next, err := s.newTable()
			if err != nil {
				return 0, err
			}
			s.setEntry(table, idx, next|entryPerms)
			table = next
		case e&EntryLarge != 0:
			next, err := s.split(e, l)
			if err != nil {
				return 0, err
			}
			s.setEntry(table, idx, next|entryPerms)
			table = next
		default:
			table = e & addrMask
		}
	}
	return table, nil
}

// split replaces a large leaf at level with a table of leaves one level
// down that map the same memory with the same attributes.
func (s *AddressSpace) split(large uint64, level int) (uint64, error) {
	next, err := s.newTable()
	if err != nil {
		return 0, err
	}
	child := level - 1
	attrs := large &^ addrMask
	if child == 1 {
		attrs &^= EntryLarge
	}
	base := large & addrMask
	for i := uint64(0); i < entriesPerPage; i++ {
		s.setEntry(next, i, base+i*levelSize(child)|attrs)
	}
	s.log.Debug("ept: split large page", "level", level, "host", fmt.Sprintf("%#x", base))
	return next, nil
}

func (s *AddressSpace) setLeaf(gpa uint64, level int, leaf uint64) error {
	table, err := s.tableFor(gpa, level)
	if err != nil {
		return err
	}
	idx := index(gpa, level)
	old := s.entry(table, idx)
	if level > 1 && old&entryPerms != 0 && old&EntryLarge == 0 {
		s.freeSubtree(old&addrMask, level-1)
	}
	s.setEntry(table, idx, leaf)
	return nil
}

func (s *AddressSpace) freeSubtree(table uint64, level int) {
	if level > 1 {
		for i := uint64(0); i < entriesPerPage; i++ {
			e := s.entry(table, i)
			if e&entryPerms != 0 && e&EntryLarge == 0 {
				s.freeSubtree(e&addrMask, level-1)
			}
		}
	}
	s.freeTable(table)
}

// Unmap removes [gpa, gpa+size). Unmapped holes inside the range are
// skipped.
func (s *AddressSpace) Unmap(gpa, size uint64) error {
	if !aligned(gpa) || !aligned(size) {
		return fmt.Errorf("%w: unmap [%#x, +%#x)", ErrUnaligned, gpa, size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for off := uint64(0); off < size; {
		g := gpa + off
		leaf, level, table := s.lookup(g)
		if leaf == 0 {
			// Skip the whole hole at the level the walk stopped.
			off += levelSize(level) - g&(levelSize(level)-1)
			continue
		}
		span := levelSize(level)
		if g%span != 0 || size-off < span {
			// Partial unmap of a large leaf: split, then clear one page.
			t, err := s.tableFor(g, 1)
			if err != nil {
				return err
			}
			s.setEntry(t, index(g, 1), 0)
			off += hostarch.PageSize
			continue
		}
		s.setEntry(table, index(g, level), 0)
		off += span
	}
	s.log.Debug("ept: unmapped", "gpa", fmt.Sprintf("%#x", gpa), "size", fmt.Sprintf("%#x", size))
	return nil
}

// lookup finds the leaf covering gpa. When there is none it returns a zero
// leaf and the level at which the walk stopped.
func (s *AddressSpace) lookup(gpa uint64) (leaf uint64, level int, table uint64) {
	table = s.root
	for level = Levels; level >= 1; level-- {
		e := s.entry(table, index(gpa, level))
		if e&entryPerms == 0 {
			return 0, level, table
		}
		if level == 1 || e&EntryLarge != 0 {
			return e, level, table
		}
		table = e & addrMask
	}
	panic("unreachable")
}

// Translate returns the host physical address behind gpa.
func (s *AddressSpace) Translate(gpa uint64) (uint64, error) {
	leaf, err := s.Walk(gpa)
	if err != nil {
		return 0, err
	}
	return leaf.Phys, nil
}

// Walk translates gpa the way the processor would.
func (s *AddressSpace) Walk(gpa uint64) (Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Walk(tableMemory{s}, s.root, gpa)
}

// tableMemory reads table pages straight from the address space so walks do
// not depend on the physical memory view covering them.
type tableMemory struct{ s *AddressSpace }

func (t tableMemory) PhysicalBytes(phys, length uint64) ([]byte, error) {
	page := phys &^ (hostarch.PageSize - 1)
	b, ok := t.s.tables[page]
	if !ok {
		return nil, fmt.Errorf("ept: %#x is not a table page: %w", phys, hv.ErrOutOfRange)
	}
	off := phys - page
	if off+length > uint64(len(b)) {
		return nil, hv.ErrOutOfRange
	}
	return b[off : off+length], nil
}

// AddPassthrough registers a window that is mapped lazily, one page per EPT
// violation. With host set, page base+n maps to host+n; with host zero each
// page is backed by fresh memory.
func (s *AddressSpace) AddPassthrough(base, size, host uint64) error {
	if size == 0 || !aligned(base) || !aligned(size) || !aligned(host) {
		return fmt.Errorf("%w: passthrough [%#x, +%#x)", ErrUnaligned, base, size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.windows {
		if base < w.base+w.size && w.base < base+size {
			return fmt.Errorf("ept: passthrough [%#x, +%#x) overlaps [%#x, +%#x)", base, size, w.base, w.size)
		}
	}
	s.windows = append(s.windows, window{base: base, size: size, host: host, access: hostarch.AnyAccess})
	return nil
}

// HandleFault resolves an EPT violation at gpa. An access the existing
// mapping already permits is treated as resolved; a fault inside a
// passthrough window maps the page; anything else is ErrUnresolvedFault.
func (s *AddressSpace) HandleFault(gpa uint64, at hostarch.AccessType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if leaf, err := Walk(tableMemory{s}, s.root, gpa); err == nil {
		if leaf.Access.SupersetOf(at) {
			return nil
		}
		return fmt.Errorf("ept: %s access to %#x not permitted (%s): %w", at, gpa, leaf.Access, hv.ErrUnresolvedFault)
	}

	page := gpa &^ (hostarch.PageSize - 1)
	for _, w := range s.windows {
		if page < w.base || page >= w.base+w.size {
			continue
		}
		host := w.host
		if host != 0 {
			host += page - w.base
		} else {
			b, err := s.alloc.AllocatePages(hostarch.PageSize)
			if err != nil {
				return fmt.Errorf("ept: back passthrough page %#x: %w", page, err)
			}
			if host, err = s.trans.VirtualToPhysical(uintptr(unsafe.Pointer(&b[0]))); err != nil {
				_ = s.alloc.FreePages(b)
				return fmt.Errorf("ept: translate passthrough page: %w", err)
			}
			s.owned = append(s.owned, b)
		}
		flags := Perms(w.access) | MemTypeUC<<memTypeShift | EntryIgnorePAT
		if err := s.setLeaf(page, 1, host|flags); err != nil {
			return err
		}
		s.log.Debug("ept: mapped passthrough page", "gpa", fmt.Sprintf("%#x", page), "host", fmt.Sprintf("%#x", host))
		return nil
	}
	return fmt.Errorf("ept: %#x: %w", gpa, hv.ErrUnresolvedFault)
}

// ReadAt reads guest-physical memory.
func (s *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	return s.access(p, off, false)
}

// WriteAt writes guest-physical memory.
func (s *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	return s.access(p, off, true)
}

func (s *AddressSpace) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, hv.ErrOutOfRange
	}
	done := 0
	gpa := uint64(off)
	for done < len(p) {
		hpa, err := s.Translate(gpa)
		if err != nil {
			return done, err
		}
		n := int(hostarch.PageSize - gpa&(hostarch.PageSize-1))
		if n > len(p)-done {
			n = len(p) - done
		}
		b, err := s.mem.PhysicalBytes(hpa, uint64(n))
		if err != nil {
			return done, fmt.Errorf("ept: host memory for %#x: %w", gpa, err)
		}
		if write {
			copy(b, p[done:done+n])
		} else {
			copy(p[done:done+n], b)
		}
		done += n
		gpa += uint64(n)
	}
	return done, nil
}
