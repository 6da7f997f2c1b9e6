// Package amd64 assembles small x86 guest payloads. Programs are emitted for
// one code-segment width (real mode, 32-bit protected mode or 64-bit long
// mode) and use only relative branches, so they run at any load address.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/vtx/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

type jump struct {
	label asm.Label
	kind  jumpKind
}

type call struct {
	label asm.Label
}

func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, kind: jumpAlways}
}

func Call(label asm.Label) asm.Fragment {
	return &call{label: label}
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 asm: jump emitted into %T", _ctx)
	}
	pos, width := ctx.emitJump(j.kind)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos, width: width})
	return nil
}

func (c *call) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("amd64 asm: call emitted into %T", _ctx)
	}
	ctx.EmitBytes([]byte{0xE8})
	pos, width := ctx.emitRel()
	ctx.jumps = append(ctx.jumps, jumpPatch{label: c.label, pos: pos, width: width})
	return nil
}

// EmitProgram assembles fragment for code running with the given width.
func EmitProgram(bits Bits, fragment asm.Fragment) (asm.Program, error) {
	if !bits.valid() {
		return asm.Program{}, fmt.Errorf("amd64 asm: unsupported code width %d", uint8(bits))
	}
	ctx := newContext(bits)
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(bits Bits, fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(bits, fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

type Context struct {
	bits   Bits
	text   []byte
	labels map[asm.Label]int
	jumps  []jumpPatch
}

type jumpPatch struct {
	label asm.Label
	pos   int
	width int
}

type jumpKind int

const (
	jumpAlways jumpKind = iota
	jumpEqual
	jumpSign
	jumpNotEqual
	jumpNotZero
	jumpAboveOrEqual
	jumpBelowOrEqual
	jumpAbove
	jumpBelow
	jumpLess
	jumpGreater
)

// Condition codes of the 0F 8x Jcc encodings.
var jumpConditions = map[jumpKind]byte{
	jumpEqual:        0x4,
	jumpSign:         0x8,
	jumpNotEqual:     0x5,
	jumpNotZero:      0x5,
	jumpAboveOrEqual: 0x3,
	jumpBelowOrEqual: 0x6,
	jumpAbove:        0x7,
	jumpBelow:        0x2,
	jumpLess:         0xC,
	jumpGreater:      0xF,
}

func newContext(bits Bits) *Context {
	return &Context{
		bits:   bits,
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) Bits() Bits { return c.bits }

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

// relWidth is the size of a near branch displacement: 16 bits in 16-bit
// code, 32 bits otherwise.
func (c *Context) relWidth() int {
	if c.bits == Bits16 {
		return 2
	}
	return 4
}

func (c *Context) emitRel() (int, int) {
	width := c.relWidth()
	pos := len(c.text)
	c.text = append(c.text, make([]byte, width)...)
	return pos, width
}

func (c *Context) emitJump(kind jumpKind) (int, int) {
	if kind == jumpAlways {
		c.text = append(c.text, 0xE9)
		return c.emitRel()
	}
	cc, ok := jumpConditions[kind]
	if !ok {
		panic(fmt.Sprintf("unsupported jump kind %d", kind))
	}
	c.text = append(c.text, 0x0F, 0x80|cc)
	return c.emitRel()
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + j.width)
		switch j.width {
		case 2:
			if rel < math.MinInt16 || rel > math.MaxInt16 {
				return asm.Program{}, fmt.Errorf("branch to label %q out of range", j.label)
			}
			binary.LittleEndian.PutUint16(c.text[j.pos:], uint16(int16(rel)))
		default:
			if rel < math.MinInt32 || rel > math.MaxInt32 {
				return asm.Program{}, fmt.Errorf("branch to label %q out of range", j.label)
			}
			binary.LittleEndian.PutUint32(c.text[j.pos:], uint32(int32(rel)))
		}
	}
	return asm.NewProgram(c.text, c.labels), nil
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	switch v {
	case RAX:
		return registerCode{code: 0, high: false}, nil
	case RBX:
		return registerCode{code: 3, high: false}, nil
	case RCX:
		return registerCode{code: 1, high: false}, nil
	case RDX:
		return registerCode{code: 2, high: false}, nil
	case RSI:
		return registerCode{code: 6, high: false, needsRex: true}, nil
	case RDI:
		return registerCode{code: 7, high: false, needsRex: true}, nil
	case RSP:
		return registerCode{code: 4, high: false, needsRex: true}, nil
	case RBP:
		return registerCode{code: 5, high: false, needsRex: true}, nil
	case R8:
		return registerCode{code: 0, high: true, needsRex: true}, nil
	case R9:
		return registerCode{code: 1, high: true, needsRex: true}, nil
	case R10:
		return registerCode{code: 2, high: true, needsRex: true}, nil
	case R11:
		return registerCode{code: 3, high: true, needsRex: true}, nil
	case R12:
		return registerCode{code: 4, high: true, needsRex: true}, nil
	case R13:
		return registerCode{code: 5, high: true, needsRex: true}, nil
	case R14:
		return registerCode{code: 6, high: true, needsRex: true}, nil
	case R15:
		return registerCode{code: 7, high: true, needsRex: true}, nil
	default:
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
}
