package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/hv"
	"github.com/tinyrange/vtx/internal/vmx"
	"github.com/tinyrange/vtx/internal/x86"
)

var (
	ErrModeRequiresUnrestrictedGuest = errors.New("boot: mode requires unrestricted guest")
	ErrNotMapped                     = errors.New("boot: address outside the identity map")
)

// GDT selectors of the flat layout.
const (
	SelectorCode32 uint16 = 0x08
	SelectorData   uint16 = 0x10
	SelectorCode64 uint16 = 0x18
	SelectorTSS    uint16 = 0x20
)

// Offsets inside the tables page range.
const (
	gdtOffset   = 0x000
	idtOffset   = 0x100
	tssOffset   = 0x200
	pagingStart = 0x1000

	gdtEntries = 16
	tssLimit   = 0x67

	pageSize  = 0x1000
	pse4M     = 4 << 20
	page2M    = 2 << 20
	page1G    = 1 << 30
	maxPaged4 = 1 << 32
)

// DefaultPAT is the power-on value of IA32_PAT.
const DefaultPAT = 0x0007_0406_0007_0406

// SegmentLayout overrides the flat selectors. Real mode uses CodeSelector
// and DataSelector as paragraph numbers; the other modes place the code and
// data descriptors at those GDT slots.
type SegmentLayout struct {
	CodeSelector uint16
	DataSelector uint16
	CodeBase     uint64
	DataBase     uint64
}

// Config describes the guest to build.
type Config struct {
	Mode     Mode
	Entry    uint64
	StackTop uint64
	// TablesBase is the page-aligned guest-physical address of the GDT,
	// IDT, TSS and page tables.
	TablesBase uint64
	// IdentityMapSize bounds the identity map of the paged modes. Zero
	// selects 1GiB for long mode and 4GiB for 32-bit paging.
	IdentityMapSize uint64
	// UnrestrictedGuest must be set for the real and unpaged protected
	// modes.
	UnrestrictedGuest bool
	Segments          *SegmentLayout
}

// Result is the guest state Build produced and where it put things.
type Result struct {
	Guest vmx.GuestState
	EFER  uint64
	// EntryMSRs lists the MSRs to load on VM entry.
	EntryMSRs []vmx.MSREntry

	GDT, IDT, TSS uint64
	// PageTables is the guest CR3 target, zero in the unpaged modes.
	PageTables uint64
	// TablesEnd is the first guest-physical address after everything Build
	// wrote.
	TablesEnd uint64
}

// Build writes the descriptor tables, TSS and page tables for cfg.Mode into
// mem and returns the matching guest state.
func Build(cfg Config, mem hv.GuestMemory) (*Result, error) {
	if cfg.Mode.NeedsUnrestrictedGuest() && !cfg.UnrestrictedGuest {
		return nil, fmt.Errorf("%w: %s", ErrModeRequiresUnrestrictedGuest, cfg.Mode)
	}
	if cfg.TablesBase&(pageSize-1) != 0 {
		return nil, fmt.Errorf("boot: tables base %#x is not page aligned", cfg.TablesBase)
	}
	if _, ok := modeNames[cfg.Mode]; !ok {
		return nil, fmt.Errorf("boot: unknown mode %d", cfg.Mode)
	}

	b := &builder{cfg: cfg, mem: mem}
	b.res.GDT = cfg.TablesBase + gdtOffset
	b.res.IDT = cfg.TablesBase + idtOffset
	b.res.TSS = cfg.TablesBase + tssOffset
	b.res.TablesEnd = cfg.TablesBase + pagingStart
	b.initGuest()

	var err error
	switch cfg.Mode {
	case ModeReal:
		err = b.real()
	case ModeProtected:
		err = b.protected(false)
	case ModeProtectedPaged:
		err = b.protected(true)
	case ModeLong:
		err = b.long()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Entry >= cfg.TablesBase && cfg.Entry < b.res.TablesEnd {
		return nil, fmt.Errorf("boot: entry %#x lies inside the tables [%#x, %#x)", cfg.Entry, cfg.TablesBase, b.res.TablesEnd)
	}
	if err := b.writeTables(); err != nil {
		return nil, err
	}
	return &b.res, nil
}

type builder struct {
	cfg Config
	mem hv.GuestMemory
	res Result
	gdt [gdtEntries]uint64
}

func (b *builder) initGuest() {
	g := &b.res.Guest
	g.RIP = b.cfg.Entry
	g.GPRs[vmx.RSP] = b.cfg.StackTop
	g.RFLAGS = cpu.RFLAGSReserved1
	g.DR7 = 0x400
	g.PAT = DefaultPAT
	g.ActivityState = vmx.ActivityActive
	g.LinkPointer = vmx.LinkPointerNone
	g.Segments[vmx.LDTR] = vmx.SegmentDescriptor{AccessRights: vmx.ARLDTUnusable}
	g.GDTR = vmx.DescriptorTable{Base: b.res.GDT, Limit: gdtEntries*8 - 1}
	// An empty IDT turns any guest exception into a triple fault.
	g.IDTR = vmx.DescriptorTable{Base: b.res.IDT, Limit: 0}
}

func (b *builder) layout(code, data uint16) (SegmentLayout, error) {
	l := SegmentLayout{CodeSelector: code, DataSelector: data}
	if b.cfg.Segments != nil {
		l = *b.cfg.Segments
	}
	if b.cfg.Mode == ModeReal {
		return l, nil
	}
	for _, sel := range []uint16{l.CodeSelector, l.DataSelector} {
		idx := sel >> 3
		if idx == 0 || idx >= gdtEntries || sel&7 != 0 || sel == SelectorTSS || sel == SelectorTSS+8 {
			return l, fmt.Errorf("boot: selector %#x is not a free GDT slot", sel)
		}
	}
	if l.CodeSelector == l.DataSelector {
		return l, fmt.Errorf("boot: code and data share selector %#x", l.CodeSelector)
	}
	return l, nil
}

func (b *builder) setSegments(code, data vmx.SegmentDescriptor) {
	g := &b.res.Guest
	g.Segments[vmx.CS] = code
	for _, s := range []vmx.Segment{vmx.ES, vmx.SS, vmx.DS, vmx.FS, vmx.GS} {
		g.Segments[s] = data
	}
}

// tss installs the busy TSS descriptor the guest TR points at.
func (b *builder) tss() {
	b.res.Guest.Segments[vmx.TR] = vmx.SegmentDescriptor{
		Selector:     SelectorTSS,
		Base:         b.res.TSS,
		Limit:        tssLimit,
		AccessRights: vmx.ARTSSBusy,
	}
}

func (b *builder) real() error {
	l, err := b.layout(uint16(b.cfg.Entry>>4)&0xF000, uint16((b.cfg.StackTop-1)>>4)&0xF000)
	if err != nil {
		return err
	}
	codeBase := uint64(l.CodeSelector) << 4
	if b.cfg.Entry < codeBase || b.cfg.Entry-codeBase > 0xFFFF {
		return fmt.Errorf("boot: real-mode entry %#x not reachable from cs=%#x", b.cfg.Entry, l.CodeSelector)
	}
	dataBase := uint64(l.DataSelector) << 4
	if b.cfg.StackTop < dataBase || b.cfg.StackTop-dataBase > 0xFFFF {
		return fmt.Errorf("boot: real-mode stack %#x not reachable from ss=%#x", b.cfg.StackTop, l.DataSelector)
	}

	g := &b.res.Guest
	g.RIP = b.cfg.Entry - codeBase
	g.GPRs[vmx.RSP] = b.cfg.StackTop - dataBase
	g.CR0 = cpu.CR0ET | cpu.CR0NE
	b.setSegments(
		vmx.SegmentDescriptor{Selector: l.CodeSelector, Base: codeBase, Limit: 0xFFFF, AccessRights: vmx.ARCode16},
		vmx.SegmentDescriptor{Selector: l.DataSelector, Base: dataBase, Limit: 0xFFFF, AccessRights: vmx.ARData16},
	)
	// TR only has to look like a busy TSS; nothing reads it in real mode.
	g.Segments[vmx.TR] = vmx.SegmentDescriptor{Limit: 0xFFFF, AccessRights: vmx.ARTSSBusy}
	return nil
}

func (b *builder) flat(codeAR uint32, defaultCode uint16) (SegmentLayout, error) {
	l, err := b.layout(defaultCode, SelectorData)
	if err != nil {
		return l, err
	}
	code := vmx.SegmentDescriptor{Selector: l.CodeSelector, Base: l.CodeBase, Limit: 0xFFFF_FFFF, AccessRights: codeAR}
	data := vmx.SegmentDescriptor{Selector: l.DataSelector, Base: l.DataBase, Limit: 0xFFFF_FFFF, AccessRights: vmx.ARData32}
	b.setSegments(code, data)

	b.gdt[SelectorCode32>>3] = EncodeDescriptor(0, 0xFFFF_FFFF, vmx.ARCode32)
	b.gdt[SelectorData>>3] = EncodeDescriptor(0, 0xFFFF_FFFF, vmx.ARData32)
	b.gdt[SelectorCode64>>3] = EncodeDescriptor(0, 0xFFFF_FFFF, vmx.ARCode64)
	b.gdt[l.CodeSelector>>3] = EncodeDescriptor(uint32(l.CodeBase), 0xFFFF_FFFF, codeAR)
	b.gdt[l.DataSelector>>3] = EncodeDescriptor(uint32(l.DataBase), 0xFFFF_FFFF, vmx.ARData32)
	b.tss()
	return l, nil
}

func (b *builder) protected(paged bool) error {
	if _, err := b.flat(vmx.ARCode32, SelectorCode32); err != nil {
		return err
	}
	g := &b.res.Guest
	g.CR0 = cpu.CR0PE | cpu.CR0ET | cpu.CR0NE
	if !paged {
		return nil
	}

	size := b.cfg.IdentityMapSize
	if size == 0 || size > maxPaged4 {
		size = maxPaged4
	}
	if err := b.checkMapped(size); err != nil {
		return err
	}
	pd := b.cfg.TablesBase + pagingStart
	entries := make([]byte, pageSize)
	for i := uint64(0); i*pse4M < size; i++ {
		binary.LittleEndian.PutUint32(entries[i*4:], uint32(i*pse4M|x86.PTEPresent|x86.PTEWrite|x86.PTEPageSize))
	}
	if err := b.write(pd, entries, "page directory"); err != nil {
		return err
	}
	b.res.PageTables = pd
	b.res.TablesEnd = pd + pageSize

	g.CR0 |= cpu.CR0PG | cpu.CR0WP
	g.CR3 = pd
	g.CR4 = cpu.CR4PSE
	return nil
}

func (b *builder) long() error {
	if _, err := b.flat(vmx.ARCode64, SelectorCode64); err != nil {
		return err
	}

	size := b.cfg.IdentityMapSize
	if size == 0 {
		size = page1G
	}
	if size > 512*page1G {
		return fmt.Errorf("boot: identity map of %#x bytes exceeds one PML4 entry", size)
	}
	if err := b.checkMapped(size); err != nil {
		return err
	}

	pml4 := b.cfg.TablesBase + pagingStart
	pdpt := pml4 + pageSize
	pdBase := pdpt + pageSize

	page := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(page, pdpt|x86.PTEPresent|x86.PTEWrite)
	if err := b.write(pml4, page, "pml4"); err != nil {
		return err
	}

	dirs := (size + page1G - 1) / page1G
	clear(page)
	for i := uint64(0); i < dirs; i++ {
		binary.LittleEndian.PutUint64(page[i*8:], (pdBase+i*pageSize)|x86.PTEPresent|x86.PTEWrite)
	}
	if err := b.write(pdpt, page, "pdpt"); err != nil {
		return err
	}

	for d := uint64(0); d < dirs; d++ {
		clear(page)
		for i := uint64(0); i < 512; i++ {
			phys := d*page1G + i*page2M
			if phys >= size {
				break
			}
			binary.LittleEndian.PutUint64(page[i*8:], phys|x86.PTEPresent|x86.PTEWrite|x86.PTEPageSize)
		}
		if err := b.write(pdBase+d*pageSize, page, "page directory"); err != nil {
			return err
		}
	}
	b.res.PageTables = pml4
	b.res.TablesEnd = pdBase + dirs*pageSize

	g := &b.res.Guest
	g.CR0 = cpu.CR0PE | cpu.CR0MP | cpu.CR0ET | cpu.CR0NE | cpu.CR0WP | cpu.CR0PG
	g.CR3 = pml4
	g.CR4 = cpu.CR4PAE
	g.EFER = cpu.EFERLME | cpu.EFERLMA
	b.res.EFER = g.EFER
	b.res.EntryMSRs = []vmx.MSREntry{{Index: cpu.MSREFER, Value: g.EFER}}
	return nil
}

func (b *builder) checkMapped(size uint64) error {
	if b.cfg.Entry >= size {
		return fmt.Errorf("%w: entry %#x, map ends at %#x", ErrNotMapped, b.cfg.Entry, size)
	}
	if b.cfg.StackTop == 0 || b.cfg.StackTop-1 >= size {
		return fmt.Errorf("%w: stack top %#x, map ends at %#x", ErrNotMapped, b.cfg.StackTop, size)
	}
	return nil
}

func (b *builder) write(addr uint64, data []byte, what string) error {
	if _, err := b.mem.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("boot: write %s at %#x: %w", what, addr, err)
	}
	return nil
}

// writeTables stores the GDT (with the TSS descriptor), the IDT page slot
// and a zeroed TSS.
func (b *builder) writeTables() error {
	page := make([]byte, pagingStart)
	for i, d := range b.gdt {
		binary.LittleEndian.PutUint64(page[gdtOffset+i*8:], d)
	}
	putSystemDescriptor(page[gdtOffset+int(SelectorTSS):], b.res.TSS, tssLimit, vmx.ARTSSBusy)
	// I/O map base past the limit: no I/O permission bitmap.
	binary.LittleEndian.PutUint16(page[tssOffset+0x66:], tssLimit+1)
	return b.write(b.cfg.TablesBase, page, "descriptor tables")
}
