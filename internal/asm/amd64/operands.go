package amd64

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/asm"
)

type operandSize uint8

const (
	size8  operandSize = 1
	size16 operandSize = 2
	size32 operandSize = 4
	size64 operandSize = 8
)

// Bits is the default operand width of the code segment the program runs
// in.
type Bits uint8

const (
	Bits16 Bits = 16
	Bits32 Bits = 32
	Bits64 Bits = 64
)

func (b Bits) String() string {
	switch b {
	case Bits16:
		return "16-bit"
	case Bits32:
		return "32-bit"
	case Bits64:
		return "64-bit"
	}
	return fmt.Sprintf("Bits(%d)", uint8(b))
}

func (b Bits) valid() bool {
	return b == Bits16 || b == Bits32 || b == Bits64
}

// defaultSize is the operand size used without a 0x66 prefix.
func (b Bits) defaultSize() operandSize {
	if b == Bits16 {
		return size16
	}
	return size32
}

// AddressReg returns id at the width the mode addresses memory with. 16-bit
// code uses 32-bit addressing behind an address-size prefix.
func (b Bits) AddressReg(id asm.Variable) Reg {
	if b == Bits64 {
		return Reg64(id)
	}
	return Reg32(id)
}

// WordReg returns id at the mode's default operand width.
func (b Bits) WordReg(id asm.Variable) Reg {
	return Reg{id: id, size: b.defaultSize()}
}

// Reg represents a general-purpose register with an explicit operand size.
type Reg struct {
	id   asm.Variable
	size operandSize
}

func (r Reg) checkWidth(expected operandSize) error {
	if r.size != expected {
		return fmt.Errorf("expected %d-bit register, got %d-bit width", expected*8, r.size*8)
	}
	return nil
}

// Reg64 constructs a 64-bit register operand backed by the provided register id.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand backed by the provided register id.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg16 constructs a 16-bit register operand backed by the provided register id.
func Reg16(id asm.Variable) Reg { return Reg{id: id, size: size16} }

// Reg8 constructs an 8-bit register operand backed by the provided register id.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// Memory describes an effective address used by memory operands.
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
}

// ControlReg identifies a control register.
type ControlReg uint8

const (
	CR0 ControlReg = 0
	CR2 ControlReg = 2
	CR3 ControlReg = 3
	CR4 ControlReg = 4
	CR8 ControlReg = 8
)

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{
		base:    base,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// WithDisp returns a copy of the memory operand with the supplied displacement added.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

// validate checks the address registers against the address width of bits.
func (m Memory) validate(bits Bits) error {
	if !m.hasBase {
		return fmt.Errorf("memory operand requires base register")
	}
	want := size32
	if bits == Bits64 {
		want = size64
	}
	if m.base.size != want {
		return fmt.Errorf("base register must be %d-bit in %s code", want*8, bits)
	}
	if m.hasIndex {
		if m.index.size != want {
			return fmt.Errorf("index register must be %d-bit in %s code", want*8, bits)
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d", m.scale)
		}
	}
	return nil
}

type fragmentFunc func(*Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error {
	c, ok := ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 asm: fragment emitted into %T", ctx)
	}
	return f(c)
}

// emit wraps an encoder as a fragment.
func emit(enc func(*Context) ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx *Context) error {
		bytes, err := enc(ctx)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}
