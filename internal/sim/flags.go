package sim

import (
	"math/bits"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/x86"
)

const (
	rflagsAF    = 1 << 4
	arithFlags  = cpu.RFLAGSCF | cpu.RFLAGSPF | rflagsAF | cpu.RFLAGSZF | cpu.RFLAGSSF | cpu.RFLAGSOF
	rflagsFixed = cpu.RFLAGSReserved1
)

func signBit(size int) uint64 { return 1 << (8*size - 1) }

// result sets ZF, SF and PF from r and CF, OF and AF as given.
func (m *machine) result(r uint64, size int, cf, of, af bool) {
	f := m.g.rflags &^ arithFlags
	r &= x86.SizeMask(size)
	if r == 0 {
		f |= cpu.RFLAGSZF
	}
	if r&signBit(size) != 0 {
		f |= cpu.RFLAGSSF
	}
	if bits.OnesCount8(uint8(r))%2 == 0 {
		f |= cpu.RFLAGSPF
	}
	if cf {
		f |= cpu.RFLAGSCF
	}
	if of {
		f |= cpu.RFLAGSOF
	}
	if af {
		f |= rflagsAF
	}
	m.g.rflags = f | rflagsFixed
}

// alu computes a two-operand arithmetic or logic operation and updates
// the flags. The returned value is meaningless for CMP and TEST.
func (m *machine) alu(op x86.Op, a, b uint64, size int) uint64 {
	mask := x86.SizeMask(size)
	a, b = a&mask, b&mask
	sign := signBit(size)
	switch op {
	case x86.OpAdd:
		r := (a + b) & mask
		m.result(r, size, r < a, ^(a^b)&(a^r)&sign != 0, (a^b^r)&0x10 != 0)
		return r
	case x86.OpSub, x86.OpCmp:
		r := (a - b) & mask
		m.result(r, size, a < b, (a^b)&(a^r)&sign != 0, (a^b^r)&0x10 != 0)
		return r
	case x86.OpAnd, x86.OpTest:
		r := a & b
		m.result(r, size, false, false, false)
		return r
	case x86.OpOr:
		r := a | b
		m.result(r, size, false, false, false)
		return r
	case x86.OpXor:
		r := a ^ b
		m.result(r, size, false, false, false)
		return r
	}
	panic("sim: alu: unexpected op " + op.String())
}

// incdec adds delta (1 or -1) to a. CF is left alone.
func (m *machine) incdec(a uint64, size int, inc bool) uint64 {
	mask := x86.SizeMask(size)
	a &= mask
	cf := m.g.rflags&cpu.RFLAGSCF != 0
	var r uint64
	var of bool
	if inc {
		r = (a + 1) & mask
		of = r == signBit(size)
	} else {
		r = (a - 1) & mask
		of = a == signBit(size)
	}
	m.result(r, size, cf, of, (a^r)&0x10 != 0)
	return r
}

// condition evaluates a Jcc condition code.
func (m *machine) condition(cc uint8) bool {
	f := m.g.rflags
	cf := f&cpu.RFLAGSCF != 0
	zf := f&cpu.RFLAGSZF != 0
	sf := f&cpu.RFLAGSSF != 0
	of := f&cpu.RFLAGSOF != 0
	pf := f&cpu.RFLAGSPF != 0

	var v bool
	switch cc >> 1 {
	case 0:
		v = of
	case 1:
		v = cf
	case 2:
		v = zf
	case 3:
		v = cf || zf
	case 4:
		v = sf
	case 5:
		v = pf
	case 6:
		v = sf != of
	case 7:
		v = zf || sf != of
	}
	return v != (cc&1 != 0)
}
