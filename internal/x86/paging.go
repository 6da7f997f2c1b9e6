package x86

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Paging-structure entry bits.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWrite    uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	PTEAccessed uint64 = 1 << 5
	PTEDirty    uint64 = 1 << 6
	PTEPageSize uint64 = 1 << 7
	PTENoExec   uint64 = 1 << 63

	pteAddrMask uint64 = 0x000F_FFFF_FFFF_F000
)

const (
	cr0PE   = 1 << 0
	cr0WP   = 1 << 16
	cr0PG   = 1 << 31
	cr4PSE  = 1 << 4
	cr4PAE  = 1 << 5
	eferLMA = 1 << 10
	eferNXE = 1 << 11
)

// PageFault describes a failed guest linear-address translation.
type PageFault struct {
	Linear  uint64
	Write   bool
	Fetch   bool
	Present bool
}

func (e *PageFault) Error() string {
	kind := "read"
	switch {
	case e.Write:
		kind = "write"
	case e.Fetch:
		kind = "fetch"
	}
	if e.Present {
		return fmt.Sprintf("x86: page protection fault on %s of %#x", kind, e.Linear)
	}
	return fmt.Sprintf("x86: page not present on %s of %#x", kind, e.Linear)
}

// Paging is the guest paging configuration.
type Paging struct {
	CR0, CR3, CR4, EFER uint64
}

// Enabled reports whether linear addresses are translated.
func (p Paging) Enabled() bool {
	return p.CR0&cr0PG != 0 && p.CR0&cr0PE != 0
}

// Translate maps a guest linear address to a guest-physical address by
// walking the guest page tables held in mem. Supervisor accesses are
// assumed.
func (p Paging) Translate(mem io.ReaderAt, linear uint64, write, fetch bool) (uint64, error) {
	if !p.Enabled() {
		return linear, nil
	}
	switch {
	case p.EFER&eferLMA != 0:
		return p.walk64(mem, linear, write, fetch)
	case p.CR4&cr4PAE != 0:
		return p.walkPAE(mem, linear, write, fetch)
	default:
		return p.walk32(mem, linear&0xFFFF_FFFF, write, fetch)
	}
}

func (p Paging) fault(linear uint64, write, fetch, present bool) error {
	return &PageFault{Linear: linear, Write: write, Fetch: fetch, Present: present}
}

// check applies the accumulated permissions of a walk.
func (p Paging) check(linear uint64, writable, noExec, write, fetch bool) error {
	if write && !writable && p.CR0&cr0WP != 0 {
		return p.fault(linear, write, fetch, true)
	}
	if fetch && noExec && p.EFER&eferNXE != 0 {
		return p.fault(linear, write, fetch, true)
	}
	return nil
}

func read64(mem io.ReaderAt, addr uint64) (uint64, error) {
	var b [8]byte
	if _, err := mem.ReadAt(b[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("x86: read paging entry at %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func read32(mem io.ReaderAt, addr uint64) (uint64, error) {
	var b [4]byte
	if _, err := mem.ReadAt(b[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("x86: read paging entry at %#x: %w", addr, err)
	}
	return uint64(binary.LittleEndian.Uint32(b[:])), nil
}

func (p Paging) walk64(mem io.ReaderAt, linear uint64, write, fetch bool) (uint64, error) {
	table := p.CR3 & pteAddrMask
	writable, noExec := true, false
	for level := 4; level >= 1; level-- {
		shift := 12 + 9*uint(level-1)
		idx := (linear >> shift) & 0x1FF
		entry, err := read64(mem, table+idx*8)
		if err != nil {
			return 0, err
		}
		if entry&PTEPresent == 0 {
			return 0, p.fault(linear, write, fetch, false)
		}
		writable = writable && entry&PTEWrite != 0
		noExec = noExec || entry&PTENoExec != 0
		if level == 1 || (level <= 3 && entry&PTEPageSize != 0) {
			if err := p.check(linear, writable, noExec, write, fetch); err != nil {
				return 0, err
			}
			mask := uint64(1)<<shift - 1
			return entry&pteAddrMask&^mask | linear&mask, nil
		}
		table = entry & pteAddrMask
	}
	panic("unreachable")
}

func (p Paging) walkPAE(mem io.ReaderAt, linear uint64, write, fetch bool) (uint64, error) {
	linear &= 0xFFFF_FFFF
	pdpte, err := read64(mem, p.CR3&0xFFFF_FFE0+(linear>>30)*8)
	if err != nil {
		return 0, err
	}
	if pdpte&PTEPresent == 0 {
		return 0, p.fault(linear, write, fetch, false)
	}
	table := pdpte & pteAddrMask
	writable, noExec := true, false
	for level := 2; level >= 1; level-- {
		shift := 12 + 9*uint(level-1)
		idx := (linear >> shift) & 0x1FF
		entry, err := read64(mem, table+idx*8)
		if err != nil {
			return 0, err
		}
		if entry&PTEPresent == 0 {
			return 0, p.fault(linear, write, fetch, false)
		}
		writable = writable && entry&PTEWrite != 0
		noExec = noExec || entry&PTENoExec != 0
		if level == 1 || entry&PTEPageSize != 0 {
			if err := p.check(linear, writable, noExec, write, fetch); err != nil {
				return 0, err
			}
			mask := uint64(1)<<shift - 1
			return entry&pteAddrMask&^mask | linear&mask, nil
		}
		table = entry & pteAddrMask
	}
	panic("unreachable")
}

func (p Paging) walk32(mem io.ReaderAt, linear uint64, write, fetch bool) (uint64, error) {
	pde, err := read32(mem, p.CR3&0xFFFF_F000+(linear>>22)*4)
	if err != nil {
		return 0, err
	}
	if pde&PTEPresent == 0 {
		return 0, p.fault(linear, write, fetch, false)
	}
	if pde&PTEPageSize != 0 && p.CR4&cr4PSE != 0 {
		if err := p.check(linear, pde&PTEWrite != 0, false, write, fetch); err != nil {
			return 0, err
		}
		// Bits 20:13 of a 4MiB PDE hold physical address bits 39:32.
		high := (pde >> 13 & 0xFF) << 32
		return high | pde&0xFFC0_0000 | linear&0x3F_FFFF, nil
	}
	pte, err := read32(mem, pde&0xFFFF_F000+(linear>>12&0x3FF)*4)
	if err != nil {
		return 0, err
	}
	if pte&PTEPresent == 0 {
		return 0, p.fault(linear, write, fetch, false)
	}
	writable := pde&PTEWrite != 0 && pte&PTEWrite != 0
	if err := p.check(linear, writable, false, write, fetch); err != nil {
		return 0, err
	}
	return pte&0xFFFF_F000 | linear&0xFFF, nil
}

// ReadLinear reads len(dst) bytes at a guest linear address, translating
// each page separately.
func (p Paging) ReadLinear(mem io.ReaderAt, linear uint64, dst []byte, fetch bool) error {
	for len(dst) > 0 {
		gpa, err := p.Translate(mem, linear, false, fetch)
		if err != nil {
			return err
		}
		n := int(0x1000 - linear&0xFFF)
		if n > len(dst) {
			n = len(dst)
		}
		if _, err := mem.ReadAt(dst[:n], int64(gpa)); err != nil {
			return fmt.Errorf("x86: read %#x: %w", gpa, err)
		}
		dst = dst[n:]
		linear += uint64(n)
	}
	return nil
}
