package amd64

import (
	"github.com/tinyrange/vtx/internal/asm"
)

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovRegImm(dst, value)
	})
}

func MovReg(dst, src Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovRegReg(dst, src)
	})
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovMemReg(mem, src)
	})
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovRegMem(dst, mem)
	})
}

func MovStoreImm8(mem Memory, value byte) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovMemImm(mem, size8, int64(value))
	})
}

func MovStoreImm32(mem Memory, value int32) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovMemImm(mem, size32, int64(value))
	})
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return aluImm(0x00, reg, value)
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return aluReg(0x01, 0x00, dst, src)
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return aluImm(0x05, reg, value)
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return aluReg(0x29, 0x28, dst, src)
}

func OrRegImm(reg Reg, value int32) asm.Fragment {
	return aluImm(0x01, reg, value)
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return aluReg(0x09, 0x08, dst, src)
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return aluImm(0x04, reg, value)
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return aluReg(0x21, 0x20, dst, src)
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return aluReg(0x31, 0x30, dst, src)
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return aluImm(0x07, reg, value)
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return aluReg(0x39, 0x38, dst, src)
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return aluReg(0x85, 0x84, dst, src)
}

func aluImm(op byte, reg Reg, value int32) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeALURegImm(op, reg, value)
	})
}

func aluReg(wide, narrow byte, dst, src Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeALURegReg(chooseOpcode(dst.size, wide, narrow), dst, src)
	})
}

func Inc(reg Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeIncDec(reg, 0)
	})
}

func Dec(reg Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeIncDec(reg, 1)
	})
}

func Push(reg Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeStack(0x50, reg)
	})
}

func Pop(reg Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeStack(0x58, reg)
	})
}

// OutImm writes the accumulator acc (AL, AX or EAX) to an 8-bit port.
func OutImm(port uint8, acc Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeIO(0xE6, acc, []byte{port})
	})
}

// OutDX writes the accumulator acc to the port in DX.
func OutDX(acc Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeIO(0xEE, acc, nil)
	})
}

func OutDXAL() asm.Fragment {
	return OutDX(Reg8(RAX))
}

// InImm reads an 8-bit port into the accumulator acc.
func InImm(port uint8, acc Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeIO(0xE4, acc, []byte{port})
	})
}

// InDX reads the port in DX into the accumulator acc.
func InDX(acc Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeIO(0xEC, acc, nil)
	})
}

func MovToCR(cr ControlReg, src Reg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovCR(0x22, cr, src)
	})
}

func MovFromCR(dst Reg, cr ControlReg) asm.Fragment {
	return emit(func(ctx *Context) ([]byte, error) {
		return ctx.encodeMovCR(0x20, cr, dst)
	})
}

func fixed(code []byte) asm.Fragment {
	return asm.Bytes(code...)
}

func Hlt() asm.Fragment    { return fixed(encodeHlt()) }
func Nop() asm.Fragment    { return fixed(encodeNop()) }
func Ret() asm.Fragment    { return fixed(encodeRet()) }
func Cli() asm.Fragment    { return fixed(encodeCli()) }
func Sti() asm.Fragment    { return fixed(encodeSti()) }
func Cpuid() asm.Fragment  { return fixed(encodeCpuid()) }
func Rdmsr() asm.Fragment  { return fixed(encodeRdmsr()) }
func Wrmsr() asm.Fragment  { return fixed(encodeWrmsr()) }
func Ud2() asm.Fragment    { return fixed(encodeUd2()) }
func Vmcall() asm.Fragment { return fixed(encodeVmcall()) }

func JumpIfNotEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpNotEqual}
}

func JumpIfNotZero(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpNotZero}
}

func JumpIfAboveOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAboveOrEqual}
}

func JumpIfBelowOrEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpBelowOrEqual}
}

func JumpIfBelow(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpBelow}
}

func JumpIfEqual(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpEqual}
}

func JumpIfLess(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpLess}
}

func JumpIfAbove(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAbove}
}

func JumpIfGreater(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpGreater}
}

func JumpIfSign(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpSign}
}
