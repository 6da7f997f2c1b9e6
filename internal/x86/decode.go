// Package x86 decodes the small subset of x86 instructions that guest
// payloads use and walks guest page tables.
package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnsupported = errors.New("x86: unsupported instruction")
	ErrTruncated   = errors.New("x86: truncated instruction")
)

// MaxInstructionLength is the architectural limit on instruction length.
const MaxInstructionLength = 15

// Mode is the default operand and address size of the code segment.
type Mode uint8

const (
	Mode16 Mode = iota
	Mode32
	Mode64
)

func (m Mode) String() string {
	switch m {
	case Mode16:
		return "16-bit"
	case Mode32:
		return "32-bit"
	default:
		return "64-bit"
	}
}

// CodeMode derives the execution mode from CR0.PE, IA32_EFER.LMA and the
// L and D/B bits of the code segment access rights.
func CodeMode(cr0, efer uint64, csAccessRights uint32) Mode {
	const (
		arLong    = 1 << 13
		arDefault = 1 << 14
	)
	if cr0&1 == 0 {
		return Mode16
	}
	if efer&(1<<10) != 0 && csAccessRights&arLong != 0 {
		return Mode64
	}
	if csAccessRights&arDefault != 0 {
		return Mode32
	}
	return Mode16
}

// Op is a decoded operation.
type Op uint8

const (
	OpInvalid Op = iota
	OpNop
	OpHlt
	OpUD2
	OpCPUID
	OpRdmsr
	OpWrmsr
	OpVmcall
	OpIn
	OpOut
	OpIns
	OpOuts
	OpMov
	OpMovToCR
	OpMovFromCR
	OpClts
	OpAdd
	OpOr
	OpAnd
	OpSub
	OpXor
	OpCmp
	OpTest
	OpInc
	OpDec
	OpPush
	OpPop
	OpJmp
	OpJcc
	OpCall
	OpRet
	OpCli
	OpSti
)

var opNames = map[Op]string{
	OpInvalid:   "(bad)",
	OpNop:       "nop",
	OpHlt:       "hlt",
	OpUD2:       "ud2",
	OpCPUID:     "cpuid",
	OpRdmsr:     "rdmsr",
	OpWrmsr:     "wrmsr",
	OpVmcall:    "vmcall",
	OpIn:        "in",
	OpOut:       "out",
	OpIns:       "ins",
	OpOuts:      "outs",
	OpMov:       "mov",
	OpMovToCR:   "mov cr",
	OpMovFromCR: "mov from cr",
	OpClts:      "clts",
	OpAdd:       "add",
	OpOr:        "or",
	OpAnd:       "and",
	OpSub:       "sub",
	OpXor:       "xor",
	OpCmp:       "cmp",
	OpTest:      "test",
	OpInc:       "inc",
	OpDec:       "dec",
	OpPush:      "push",
	OpPop:       "pop",
	OpJmp:       "jmp",
	OpJcc:       "jcc",
	OpCall:      "call",
	OpRet:       "ret",
	OpCli:       "cli",
	OpSti:       "sti",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op%d", uint8(o))
}

// OperandKind says how an operand is addressed.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindReg
	KindMem
	KindImm
)

// NoReg marks an absent base or index register.
const NoReg = -1

// Operand is one decoded operand.
type Operand struct {
	Kind OperandKind

	// Reg is the hardware register number. HighByte selects AH, CH, DH or
	// BH of register Reg.
	Reg      int
	HighByte bool

	Base, Index int
	Scale       uint8
	Disp        int64
	RIPRelative bool

	Imm int64
}

// Inst is a decoded instruction.
type Inst struct {
	Op       Op
	Len      int
	Size     int
	AddrSize int
	Dst, Src Operand
	// Cond is the condition code of a Jcc.
	Cond uint8
	// CR is the control register of a MOV CR.
	CR  int
	Rep bool
}

func (i Inst) String() string {
	return fmt.Sprintf("%s/%d (len %d)", i.Op, i.Size*8, i.Len)
}

// IsMemoryAccess reports whether the instruction reads or writes memory
// through a ModRM operand.
func (i Inst) IsMemoryAccess() bool {
	return i.Dst.Kind == KindMem || i.Src.Kind == KindMem
}

type decoder struct {
	code     []byte
	pos      int
	mode     Mode
	opSize   int
	addrSize int
	rex      byte
	rep      bool
}

// Decode decodes the first instruction in code.
func Decode(code []byte, mode Mode) (Inst, error) {
	d := &decoder{code: code, mode: mode}
	switch mode {
	case Mode16:
		d.opSize, d.addrSize = 2, 2
	case Mode32:
		d.opSize, d.addrSize = 4, 4
	default:
		d.opSize, d.addrSize = 4, 8
	}
	inst, err := d.decode()
	if err != nil {
		return Inst{}, err
	}
	inst.Len = d.pos
	inst.AddrSize = d.addrSize
	inst.Rep = d.rep
	return inst, nil
}

func (d *decoder) next() (byte, error) {
	if d.pos >= len(d.code) || d.pos >= MaxInstructionLength {
		return 0, ErrTruncated
	}
	b := d.code[d.pos]
	d.pos++
	return b, nil
}

// imm reads a sign-extended little-endian immediate of n bytes.
func (d *decoder) imm(n int) (int64, error) {
	if d.pos+n > len(d.code) {
		return 0, ErrTruncated
	}
	b := d.code[d.pos : d.pos+n]
	d.pos += n
	switch n {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	default:
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
}

func (d *decoder) rexW() bool { return d.rex&0x08 != 0 }
func (d *decoder) rexR() int  { return int(d.rex>>2&1) << 3 }
func (d *decoder) rexX() int  { return int(d.rex>>1&1) << 3 }
func (d *decoder) rexB() int  { return int(d.rex&1) << 3 }

// reg builds a register operand, mapping byte registers 4-7 to AH..BH when
// no REX prefix is present.
func (d *decoder) reg(n, size int) Operand {
	if size == 1 && d.rex == 0 && n >= 4 && n < 8 {
		return Operand{Kind: KindReg, Reg: n - 4, HighByte: true}
	}
	return Operand{Kind: KindReg, Reg: n}
}

func (d *decoder) decode() (Inst, error) {
	var b byte
	var err error

prefixes:
	for {
		if b, err = d.next(); err != nil {
			return Inst{}, err
		}
		switch b {
		case 0x66:
			if d.opSize == 2 {
				d.opSize = 4
			} else {
				d.opSize = 2
			}
			if d.mode == Mode64 {
				d.opSize = 2
			}
		case 0x67:
			switch d.mode {
			case Mode16:
				d.addrSize = 4
			case Mode32:
				d.addrSize = 2
			default:
				d.addrSize = 4
			}
		case 0xF3:
			d.rep = true
		case 0xF2, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
		default:
			break prefixes
		}
	}

	if d.mode == Mode64 && b >= 0x40 && b <= 0x4F {
		d.rex = b
		if d.rexW() {
			d.opSize = 8
		}
		if b, err = d.next(); err != nil {
			return Inst{}, err
		}
	}

	switch {
	case b < 0x40 && b&7 < 6 && b != 0x0F:
		return d.alu(b)
	case b >= 0x40 && b <= 0x4F:
		// INC/DEC r16/r32 outside 64-bit mode.
		op := OpInc
		if b >= 0x48 {
			op = OpDec
		}
		return Inst{Op: op, Size: d.opSize, Dst: d.reg(int(b&7), d.opSize)}, nil
	case b >= 0x50 && b <= 0x57, b >= 0x58 && b <= 0x5F:
		op := OpPush
		if b >= 0x58 {
			op = OpPop
		}
		size := d.opSize
		if d.mode == Mode64 && size != 2 {
			size = 8
		}
		return Inst{Op: op, Size: size, Dst: d.reg(int(b&7)|d.rexB(), size)}, nil
	case b >= 0x70 && b <= 0x7F:
		rel, err := d.imm(1)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpJcc, Size: d.branchSize(), Cond: b & 0xF, Src: Operand{Kind: KindImm, Imm: rel}}, nil
	case b >= 0xB0 && b <= 0xB7:
		v, err := d.imm(1)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpMov, Size: 1, Dst: d.reg(int(b&7)|d.rexB(), 1), Src: Operand{Kind: KindImm, Imm: v}}, nil
	case b >= 0xB8 && b <= 0xBF:
		v, err := d.imm(d.opSize)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpMov, Size: d.opSize, Dst: d.reg(int(b&7)|d.rexB(), d.opSize), Src: Operand{Kind: KindImm, Imm: v}}, nil
	}

	switch b {
	case 0x0F:
		return d.twoByte()
	case 0x80, 0x81, 0x83:
		return d.group1(b)
	case 0x84, 0x85:
		size := d.sized(b&1 == 0)
		reg, rm, err := d.modrm(size)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpTest, Size: size, Dst: rm, Src: d.reg(reg, size)}, nil
	case 0xA8, 0xA9:
		size := d.sized(b == 0xA8)
		v, err := d.imm(immSize(size))
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpTest, Size: size, Dst: Operand{Kind: KindReg, Reg: 0}, Src: Operand{Kind: KindImm, Imm: v}}, nil
	case 0x88, 0x89:
		size := d.sized(b == 0x88)
		reg, rm, err := d.modrm(size)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpMov, Size: size, Dst: rm, Src: d.reg(reg, size)}, nil
	case 0x8A, 0x8B:
		size := d.sized(b == 0x8A)
		reg, rm, err := d.modrm(size)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpMov, Size: size, Dst: d.reg(reg, size), Src: rm}, nil
	case 0xC6, 0xC7:
		size := d.sized(b == 0xC6)
		sub, rm, err := d.modrm(size)
		if err != nil {
			return Inst{}, err
		}
		if sub&7 != 0 {
			return Inst{}, ErrUnsupported
		}
		v, err := d.imm(immSize(size))
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpMov, Size: size, Dst: rm, Src: Operand{Kind: KindImm, Imm: v}}, nil
	case 0xFE, 0xFF:
		size := d.sized(b == 0xFE)
		sub, rm, err := d.modrm(size)
		if err != nil {
			return Inst{}, err
		}
		switch sub & 7 {
		case 0:
			return Inst{Op: OpInc, Size: size, Dst: rm}, nil
		case 1:
			return Inst{Op: OpDec, Size: size, Dst: rm}, nil
		}
		return Inst{}, ErrUnsupported
	case 0x90:
		return Inst{Op: OpNop}, nil
	case 0xC3:
		return Inst{Op: OpRet, Size: d.stackSize()}, nil
	case 0xE8, 0xE9:
		rel, err := d.imm(d.relSize())
		if err != nil {
			return Inst{}, err
		}
		op := OpJmp
		if b == 0xE8 {
			op = OpCall
		}
		return Inst{Op: op, Size: d.branchSize(), Src: Operand{Kind: KindImm, Imm: rel}}, nil
	case 0xEB:
		rel, err := d.imm(1)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpJmp, Size: d.branchSize(), Src: Operand{Kind: KindImm, Imm: rel}}, nil
	case 0xE4, 0xE5, 0xE6, 0xE7:
		port, err := d.imm(1)
		if err != nil {
			return Inst{}, err
		}
		return d.io(b, Operand{Kind: KindImm, Imm: port & 0xFF}), nil
	case 0xEC, 0xED, 0xEE, 0xEF:
		return d.io(b, Operand{Kind: KindReg, Reg: 2}), nil
	case 0x6C, 0x6D:
		return Inst{Op: OpIns, Size: d.ioSize(b == 0x6C)}, nil
	case 0x6E, 0x6F:
		return Inst{Op: OpOuts, Size: d.ioSize(b == 0x6E)}, nil
	case 0xF4:
		return Inst{Op: OpHlt}, nil
	case 0xFA:
		return Inst{Op: OpCli}, nil
	case 0xFB:
		return Inst{Op: OpSti}, nil
	}
	return Inst{}, fmt.Errorf("%w: opcode %#02x", ErrUnsupported, b)
}

func (d *decoder) twoByte() (Inst, error) {
	b, err := d.next()
	if err != nil {
		return Inst{}, err
	}
	switch {
	case b >= 0x80 && b <= 0x8F:
		rel, err := d.imm(d.relSize())
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpJcc, Size: d.branchSize(), Cond: b & 0xF, Src: Operand{Kind: KindImm, Imm: rel}}, nil
	}
	switch b {
	case 0x0B:
		return Inst{Op: OpUD2}, nil
	case 0xA2:
		return Inst{Op: OpCPUID}, nil
	case 0x32:
		return Inst{Op: OpRdmsr}, nil
	case 0x30:
		return Inst{Op: OpWrmsr}, nil
	case 0x06:
		return Inst{Op: OpClts}, nil
	case 0x01:
		m, err := d.next()
		if err != nil {
			return Inst{}, err
		}
		if m == 0xC1 {
			return Inst{Op: OpVmcall}, nil
		}
		return Inst{}, fmt.Errorf("%w: 0f 01 %02x", ErrUnsupported, m)
	case 0x1F:
		if _, _, err := d.modrm(d.opSize); err != nil {
			return Inst{}, err
		}
		return Inst{Op: OpNop}, nil
	case 0x20, 0x22:
		m, err := d.next()
		if err != nil {
			return Inst{}, err
		}
		// The mod field is ignored: CR moves always use registers.
		cr := int(m>>3&7) | d.rexR()
		gpr := Operand{Kind: KindReg, Reg: int(m&7) | d.rexB()}
		size := 4
		if d.mode == Mode64 {
			size = 8
		}
		if b == 0x20 {
			return Inst{Op: OpMovFromCR, Size: size, CR: cr, Dst: gpr}, nil
		}
		return Inst{Op: OpMovToCR, Size: size, CR: cr, Src: gpr}, nil
	}
	return Inst{}, fmt.Errorf("%w: opcode 0f %02x", ErrUnsupported, b)
}

var aluOps = [8]Op{OpAdd, OpOr, OpInvalid, OpInvalid, OpAnd, OpSub, OpXor, OpCmp}

func (d *decoder) alu(b byte) (Inst, error) {
	op := aluOps[b>>3&7]
	if op == OpInvalid {
		return Inst{}, fmt.Errorf("%w: opcode %#02x", ErrUnsupported, b)
	}
	switch b & 7 {
	case 0, 1:
		size := d.sized(b&7 == 0)
		reg, rm, err := d.modrm(size)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: op, Size: size, Dst: rm, Src: d.reg(reg, size)}, nil
	case 2, 3:
		size := d.sized(b&7 == 2)
		reg, rm, err := d.modrm(size)
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: op, Size: size, Dst: d.reg(reg, size), Src: rm}, nil
	default:
		size := d.sized(b&7 == 4)
		v, err := d.imm(immSize(size))
		if err != nil {
			return Inst{}, err
		}
		return Inst{Op: op, Size: size, Dst: Operand{Kind: KindReg, Reg: 0}, Src: Operand{Kind: KindImm, Imm: v}}, nil
	}
}

func (d *decoder) group1(b byte) (Inst, error) {
	size := d.sized(b == 0x80)
	sub, rm, err := d.modrm(size)
	if err != nil {
		return Inst{}, err
	}
	op := aluOps[sub&7]
	if op == OpInvalid {
		return Inst{}, fmt.Errorf("%w: group1 /%d", ErrUnsupported, sub&7)
	}
	n := immSize(size)
	if b != 0x81 {
		n = 1
	}
	v, err := d.imm(n)
	if err != nil {
		return Inst{}, err
	}
	return Inst{Op: op, Size: size, Dst: rm, Src: Operand{Kind: KindImm, Imm: v}}, nil
}

func (d *decoder) io(b byte, port Operand) Inst {
	size := d.ioSize(b&1 == 0)
	acc := Operand{Kind: KindReg, Reg: 0}
	if b&2 == 0 {
		return Inst{Op: OpIn, Size: size, Dst: acc, Src: port}
	}
	return Inst{Op: OpOut, Size: size, Dst: port, Src: acc}
}

func (d *decoder) sized(byteOp bool) int {
	if byteOp {
		return 1
	}
	return d.opSize
}

func (d *decoder) ioSize(byteOp bool) int {
	if byteOp {
		return 1
	}
	if d.opSize == 2 {
		return 2
	}
	return 4
}

func (d *decoder) stackSize() int {
	if d.mode == Mode64 && d.opSize != 2 {
		return 8
	}
	return d.opSize
}

// branchSize is the width of the instruction pointer after a near branch.
func (d *decoder) branchSize() int {
	if d.mode == Mode64 {
		return 8
	}
	return d.opSize
}

func (d *decoder) relSize() int {
	if d.opSize == 2 && d.mode != Mode64 {
		return 2
	}
	return 4
}

// immSize is the immediate width for an operand size: 64-bit operations
// take a sign-extended 32-bit immediate.
func immSize(size int) int {
	if size == 8 {
		return 4
	}
	return size
}

// modrm decodes a ModRM byte and any SIB and displacement. It returns the
// reg field (extended by REX.R) and the r/m operand.
func (d *decoder) modrm(size int) (int, Operand, error) {
	m, err := d.next()
	if err != nil {
		return 0, Operand{}, err
	}
	mod := m >> 6
	reg := int(m>>3&7) | d.rexR()
	rm := int(m & 7)

	if mod == 3 {
		return reg, d.reg(rm|d.rexB(), size), nil
	}
	if d.addrSize == 2 {
		op, err := d.modrm16(mod, rm)
		return reg, op, err
	}

	op := Operand{Kind: KindMem, Base: NoReg, Index: NoReg, Scale: 1}
	switch {
	case rm == 4:
		sib, err := d.next()
		if err != nil {
			return 0, Operand{}, err
		}
		op.Scale = 1 << (sib >> 6)
		if idx := int(sib>>3&7) | d.rexX(); idx != 4 {
			op.Index = idx
		}
		base := int(sib & 7)
		if base == 5 && mod == 0 {
			disp, err := d.imm(4)
			if err != nil {
				return 0, Operand{}, err
			}
			op.Disp = disp
			return reg, op, nil
		}
		op.Base = base | d.rexB()
	case rm == 5 && mod == 0:
		disp, err := d.imm(4)
		if err != nil {
			return 0, Operand{}, err
		}
		op.Disp = disp
		op.RIPRelative = d.mode == Mode64
		return reg, op, nil
	default:
		op.Base = rm | d.rexB()
	}

	switch mod {
	case 1:
		disp, err := d.imm(1)
		if err != nil {
			return 0, Operand{}, err
		}
		op.Disp = disp
	case 2:
		disp, err := d.imm(4)
		if err != nil {
			return 0, Operand{}, err
		}
		op.Disp = disp
	}
	return reg, op, nil
}

// 16-bit addressing forms, indexed by the r/m field.
var modrm16Table = [8][2]int{
	{3, 6},     // bx+si
	{3, 7},     // bx+di
	{5, 6},     // bp+si
	{5, 7},     // bp+di
	{6, NoReg}, // si
	{7, NoReg}, // di
	{5, NoReg}, // bp
	{3, NoReg}, // bx
}

func (d *decoder) modrm16(mod byte, rm int) (Operand, error) {
	op := Operand{Kind: KindMem, Base: modrm16Table[rm][0], Index: modrm16Table[rm][1], Scale: 1}
	if mod == 0 && rm == 6 {
		disp, err := d.imm(2)
		if err != nil {
			return Operand{}, err
		}
		op.Base = NoReg
		op.Disp = disp & 0xFFFF
		return op, nil
	}
	switch mod {
	case 1:
		disp, err := d.imm(1)
		if err != nil {
			return Operand{}, err
		}
		op.Disp = disp
	case 2:
		disp, err := d.imm(2)
		if err != nil {
			return Operand{}, err
		}
		op.Disp = disp
	}
	return op, nil
}
