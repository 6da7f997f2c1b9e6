package x86

// SizeMask returns the value mask for an operand size in bytes.
func SizeMask(size int) uint64 {
	switch size {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	case 4:
		return 0xFFFF_FFFF
	default:
		return ^uint64(0)
	}
}

// SignExtend sign-extends the low size bytes of v.
func SignExtend(v uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	default:
		return v
	}
}

// ReadReg reads a register operand of the given size.
func ReadReg(gprs *[16]uint64, op Operand, size int) uint64 {
	v := gprs[op.Reg&15]
	if op.HighByte {
		return (v >> 8) & 0xFF
	}
	return v & SizeMask(size)
}

// WriteReg writes a register operand. 32-bit writes clear the upper half of
// the register; narrower writes preserve the remaining bits.
func WriteReg(gprs *[16]uint64, op Operand, size int, value uint64) {
	r := &gprs[op.Reg&15]
	switch {
	case op.HighByte:
		*r = *r&^0xFF00 | (value&0xFF)<<8
	case size == 1:
		*r = *r&^0xFF | value&0xFF
	case size == 2:
		*r = *r&^0xFFFF | value&0xFFFF
	case size == 4:
		*r = value & 0xFFFF_FFFF
	default:
		*r = value
	}
}

// EffectiveAddress computes the offset of a memory operand. next is the
// address of the following instruction, used for RIP-relative operands.
func EffectiveAddress(gprs *[16]uint64, op Operand, addrSize int, next uint64) uint64 {
	var ea uint64
	if op.RIPRelative {
		ea = next
	}
	if op.Base != NoReg {
		ea += gprs[op.Base&15]
	}
	if op.Index != NoReg {
		ea += gprs[op.Index&15] * uint64(op.Scale)
	}
	ea += uint64(op.Disp)
	return ea & SizeMask(addrSize)
}

// UsesStackSegment reports whether a memory operand defaults to SS.
func UsesStackSegment(op Operand) bool {
	return op.Base == 4 || op.Base == 5
}
