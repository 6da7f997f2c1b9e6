// Package ept builds and walks the extended page tables that translate
// guest-physical addresses to host-physical addresses.
package ept

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vtx/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Entry bits shared by every level.
const (
	EntryRead      uint64 = 1 << 0
	EntryWrite     uint64 = 1 << 1
	EntryExecute   uint64 = 1 << 2
	EntryIgnorePAT uint64 = 1 << 6
	EntryLarge     uint64 = 1 << 7
	EntryAccessed  uint64 = 1 << 8
	EntryDirty     uint64 = 1 << 9

	entryPerms     = EntryRead | EntryWrite | EntryExecute
	memTypeShift   = 3
	memTypeMask    = 7 << memTypeShift
	addrMask       = 0x000F_FFFF_FFFF_F000
	entriesPerPage = 512
)

// EPT memory type encodings.
const (
	MemTypeUC = 0
	MemTypeWC = 1
	MemTypeWT = 4
	MemTypeWP = 5
	MemTypeWB = 6
)

// Levels is the number of paging levels walked from the root.
const Levels = 4

var ErrMisconfigured = errors.New("ept: misconfigured entry")

// MisconfigError identifies the entry that made a walk fail with
// ErrMisconfigured.
type MisconfigError struct {
	GPA   uint64
	Level int
	Entry uint64
}

func (e *MisconfigError) Error() string {
	return fmt.Sprintf("ept: misconfigured level %d entry %#x translating %#x", e.Level, e.Entry, e.GPA)
}

func (e *MisconfigError) Unwrap() error { return ErrMisconfigured }

// Leaf is the result of a successful walk.
type Leaf struct {
	// Phys is the host physical address gpa translates to.
	Phys    uint64
	Level   int
	Access  hostarch.AccessType
	MemType uint8
}

// PageSize is the size of the page the leaf maps.
func (l Leaf) PageSize() uint64 { return levelSize(l.Level) }

func levelShift(level int) uint { return 12 + 9*uint(level-1) }

func levelSize(level int) uint64 { return 1 << levelShift(level) }

func index(gpa uint64, level int) uint64 {
	return (gpa >> levelShift(level)) & (entriesPerPage - 1)
}

// MemType converts a host memory type to its EPT encoding.
func MemType(mt hostarch.MemoryType) uint64 {
	switch mt {
	case hostarch.MemoryTypeUncached:
		return MemTypeUC
	case hostarch.MemoryTypeWriteCombine:
		return MemTypeWC
	default:
		return MemTypeWB
	}
}

// Perms converts an access type to entry permission bits.
func Perms(at hostarch.AccessType) uint64 {
	var p uint64
	if at.Read {
		p |= EntryRead
	}
	if at.Write {
		p |= EntryWrite
	}
	if at.Execute {
		p |= EntryExecute
	}
	return p
}

func access(entry uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    entry&EntryRead != 0,
		Write:   entry&EntryWrite != 0,
		Execute: entry&EntryExecute != 0,
	}
}

func misconfigured(entry uint64, level int, leaf bool) bool {
	// Write without read is reserved.
	if entry&EntryWrite != 0 && entry&EntryRead == 0 {
		return true
	}
	if level == Levels && entry&EntryLarge != 0 {
		return true
	}
	if leaf {
		switch (entry & memTypeMask) >> memTypeShift {
		case 2, 3, 7:
			return true
		}
	}
	return false
}

// Walk translates gpa through the hierarchy rooted at the host physical
// address root. Table pages are read through mem. A not-present entry ends
// the walk with hv.ErrUnresolvedFault; an entry the processor would reject
// ends it with a *MisconfigError.
func Walk(mem hv.PhysicalMemory, root, gpa uint64) (Leaf, error) {
	table := root & addrMask
	perms := entryPerms
	for level := Levels; level >= 1; level-- {
		b, err := mem.PhysicalBytes(table+index(gpa, level)*8, 8)
		if err != nil {
			return Leaf{}, fmt.Errorf("ept: read level %d table %#x: %w", level, table, err)
		}
		entry := binary.LittleEndian.Uint64(b)
		if entry&entryPerms == 0 {
			return Leaf{}, fmt.Errorf("ept: %#x not mapped at level %d: %w", gpa, level, hv.ErrUnresolvedFault)
		}
		leaf := level == 1 || entry&EntryLarge != 0
		if misconfigured(entry, level, leaf) {
			return Leaf{}, &MisconfigError{GPA: gpa, Level: level, Entry: entry}
		}
		perms &= entry
		if leaf {
			mask := levelSize(level) - 1
			return Leaf{
				Phys:    entry&addrMask&^mask | gpa&mask,
				Level:   level,
				Access:  access(perms),
				MemType: uint8((entry & memTypeMask) >> memTypeShift),
			}, nil
		}
		table = entry & addrMask
	}
	panic("unreachable")
}
