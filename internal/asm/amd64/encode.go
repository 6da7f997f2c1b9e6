package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

// byteREX reports whether reg is SPL, BPL, SIL or DIL, which only exist
// behind a REX prefix.
func byteREX(reg Reg, info registerCode) bool {
	return reg.size == size8 && info.needsRex && !info.high
}

// header returns the prefixes of an instruction with the given operand
// size. mem marks instructions with a memory operand, which need an
// address-size override in 16-bit code.
func (c *Context) header(size operandSize, rex rexState, mem bool) ([]byte, error) {
	out := make([]byte, 0, 15)
	switch size {
	case size64:
		if c.bits != Bits64 {
			return nil, fmt.Errorf("64-bit operand in %s code", c.bits)
		}
		rex.w = true
	case size16, size32:
		if size != c.bits.defaultSize() {
			out = append(out, 0x66)
		}
	}
	if mem && c.bits == Bits16 {
		out = append(out, 0x67)
	}
	if p := rex.prefix(); p != 0 {
		if c.bits != Bits64 {
			return nil, fmt.Errorf("register needs a REX prefix in %s code", c.bits)
		}
		out = append(out, p)
	}
	return out, nil
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func (c *Context) encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(c.bits); err != nil {
		return memEncoding{}, err
	}

	baseInfo, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}

	var indexInfo registerCode
	if mem.hasIndex {
		if mem.index.id == RSP {
			return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
		}
		indexInfo, err = regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
	}

	enc := memEncoding{
		rex: rexState{
			b: baseInfo.high,
			x: mem.hasIndex && indexInfo.high,
		},
	}

	// A base code of 5 with mod 00 means "no base", so [rbp] and [r13]
	// always carry a displacement.
	rm := baseInfo.code
	disp := mem.disp
	switch {
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		enc.modrm = 0x40
		enc.disp = []byte{byte(disp)}
	default:
		enc.modrm = 0x80
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(disp))
		enc.disp = buf[:]
	}

	if mem.hasIndex || rm == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = indexInfo.code
		}

		scaleBits := byte(0)
		switch mem.scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			return memEncoding{}, fmt.Errorf("invalid scale %d", mem.scale)
		}

		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | baseInfo.code}
		rm = 4
	}

	enc.modrm |= rm
	return enc, nil
}

// memInst encodes opcode with a ModRM memory operand. reg is the value of
// the ModRM reg field and regHigh its REX.R extension.
func (c *Context) memInst(size operandSize, opcode []byte, reg byte, regHigh, force bool, mem Memory, imm []byte) ([]byte, error) {
	enc, err := c.encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}
	rex := enc.rex
	rex.r = regHigh
	rex.force = force

	out, err := c.header(size, rex, true)
	if err != nil {
		return nil, err
	}
	out = append(out, opcode...)
	out = append(out, enc.modrm|reg<<3)
	out = append(out, enc.sib...)
	out = append(out, enc.disp...)
	out = append(out, imm...)
	return out, nil
}

// regInst encodes opcode with a register-direct ModRM byte.
func (c *Context) regInst(size operandSize, opcode []byte, reg byte, regHigh bool, rm registerCode, force bool, imm []byte) ([]byte, error) {
	out, err := c.header(size, rexState{r: regHigh, b: rm.high, force: force}, false)
	if err != nil {
		return nil, err
	}
	out = append(out, opcode...)
	out = append(out, 0xC0|reg<<3|rm.code)
	out = append(out, imm...)
	return out, nil
}

func immediate(size operandSize, value int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	return buf[:size]
}

func (c *Context) encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}

	out, err := c.header(reg.size, rexState{b: info.high, force: byteREX(reg, info)}, false)
	if err != nil {
		return nil, err
	}
	switch reg.size {
	case size8:
		out = append(out, 0xB0+info.code)
	case size16, size32, size64:
		out = append(out, 0xB8+info.code)
	default:
		return nil, fmt.Errorf("unsupported register width %d", reg.size)
	}
	return append(out, immediate(reg.size, value)...), nil
}

func (c *Context) encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}
	return c.encodeALURegReg(chooseOpcode(dst.size, 0x89, 0x88), dst, src)
}

func (c *Context) encodeMovMemReg(mem Memory, src Reg) ([]byte, error) {
	info, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	opcode := chooseOpcode(src.size, 0x89, 0x88)
	return c.memInst(src.size, []byte{opcode}, info.code, info.high, byteREX(src, info), mem, nil)
}

func (c *Context) encodeMovRegMem(dst Reg, mem Memory) ([]byte, error) {
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	opcode := chooseOpcode(dst.size, 0x8B, 0x8A)
	return c.memInst(dst.size, []byte{opcode}, info.code, info.high, byteREX(dst, info), mem, nil)
}

func (c *Context) encodeMovMemImm(mem Memory, size operandSize, value int64) ([]byte, error) {
	immSize := size
	if size == size64 {
		if value < math.MinInt32 || value > math.MaxInt32 {
			return nil, fmt.Errorf("immediate %#x does not sign-extend from 32 bits", value)
		}
		immSize = size32
	}
	opcode := chooseOpcode(size, 0xC7, 0xC6)
	return c.memInst(size, []byte{opcode}, 0, false, false, mem, immediate(immSize, value))
}

func (c *Context) encodeALURegImm(op byte, reg Reg, value int32) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}

	opcode := byte(0x81)
	var imm []byte
	switch reg.size {
	case size8:
		opcode = 0x80
		imm = []byte{byte(value)}
	case size16, size32, size64:
		if value >= math.MinInt8 && value <= math.MaxInt8 {
			opcode = 0x83
			imm = []byte{byte(value)}
		} else if reg.size == size16 {
			if value < math.MinInt16 || value > math.MaxUint16 {
				return nil, fmt.Errorf("immediate %#x does not fit 16 bits", value)
			}
			imm = immediate(size16, int64(value))
		} else {
			imm = immediate(size32, int64(value))
		}
	default:
		return nil, fmt.Errorf("unsupported width %d", reg.size)
	}
	return c.regInst(reg.size, []byte{opcode}, op, false, info, byteREX(reg, info), imm)
}

func (c *Context) encodeALURegReg(opcode byte, dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", dst.size, src.size)
	}

	dstInfo, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	srcInfo, err := regInfo(src.id)
	if err != nil {
		return nil, err
	}
	force := byteREX(dst, dstInfo) || byteREX(src, srcInfo)
	return c.regInst(dst.size, []byte{opcode}, srcInfo.code, srcInfo.high, dstInfo, force, nil)
}

func chooseOpcode(size operandSize, wide, narrow byte) byte {
	if size == size8 {
		return narrow
	}
	return wide
}

// encodeIncDec uses the FE/FF group, which also works in 64-bit code where
// 0x40-0x4F are REX prefixes.
func (c *Context) encodeIncDec(reg Reg, sub byte) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	opcode := chooseOpcode(reg.size, 0xFF, 0xFE)
	return c.regInst(reg.size, []byte{opcode}, sub, false, info, byteREX(reg, info), nil)
}

// encodeStack encodes PUSH or POP of a register at the stack width.
func (c *Context) encodeStack(base byte, reg Reg) ([]byte, error) {
	want := c.bits.defaultSize()
	if c.bits == Bits64 {
		want = size64
	}
	if err := reg.checkWidth(want); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	out, err := c.header(c.bits.defaultSize(), rexState{b: info.high}, false)
	if err != nil {
		return nil, err
	}
	return append(out, base+info.code), nil
}

// encodeIO encodes IN or OUT. port is the immediate port byte, nil for the
// DX forms.
func (c *Context) encodeIO(opcode byte, acc Reg, port []byte) ([]byte, error) {
	if acc.id != RAX {
		return nil, fmt.Errorf("port I/O uses the accumulator, not register %d", acc.id)
	}
	if acc.size == size64 {
		return nil, fmt.Errorf("port I/O is at most 32 bits wide")
	}
	out, err := c.header(acc.size, rexState{}, false)
	if err != nil {
		return nil, err
	}
	if acc.size != size8 {
		opcode |= 1
	}
	out = append(out, opcode)
	return append(out, port...), nil
}

// encodeMovCR encodes MOV to (0F 22) or from (0F 20) a control register.
// The general register is always the full mode width.
func (c *Context) encodeMovCR(opcode byte, cr ControlReg, reg Reg) ([]byte, error) {
	switch cr {
	case CR0, CR2, CR3, CR4, CR8:
	default:
		return nil, fmt.Errorf("unsupported control register CR%d", cr)
	}
	want := size32
	if c.bits == Bits64 {
		want = size64
	}
	if err := reg.checkWidth(want); err != nil {
		return nil, err
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	return c.regInst(c.bits.defaultSize(), []byte{0x0F, opcode}, byte(cr)&7, cr >= 8, info, false, nil)
}

func encodeHlt() []byte    { return []byte{0xF4} }
func encodeNop() []byte    { return []byte{0x90} }
func encodeRet() []byte    { return []byte{0xC3} }
func encodeCli() []byte    { return []byte{0xFA} }
func encodeSti() []byte    { return []byte{0xFB} }
func encodeCpuid() []byte  { return []byte{0x0F, 0xA2} }
func encodeRdmsr() []byte  { return []byte{0x0F, 0x32} }
func encodeWrmsr() []byte  { return []byte{0x0F, 0x30} }
func encodeUd2() []byte    { return []byte{0x0F, 0x0B} }
func encodeVmcall() []byte { return []byte{0x0F, 0x01, 0xC1} }
