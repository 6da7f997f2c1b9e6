// Package asm holds the architecture-neutral pieces of the guest payload
// assembler: fragments, labels and the assembled program.
package asm

import (
	"fmt"
	"sort"
)

type Variable int

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type rawBytes []byte

// Bytes emits data verbatim.
func Bytes(data ...byte) Fragment {
	return rawBytes(append([]byte(nil), data...))
}

func (b rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(b)
	return nil
}

// Program is assembled guest code. It is position independent: every
// branch is relative.
type Program struct {
	code   []byte
	labels map[Label]int
}

func NewProgram(code []byte, labels map[Label]int) Program {
	p := Program{
		code:   append([]byte(nil), code...),
		labels: make(map[Label]int, len(labels)),
	}
	for l, off := range labels {
		p.labels[l] = off
	}
	return p
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int { return len(p.code) }

// Offset returns the offset of label from the start of the program.
func (p Program) Offset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// Labels lists the defined labels in address order.
func (p Program) Labels() []Label {
	out := make([]Label, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if p.labels[out[i]] != p.labels[out[j]] {
			return p.labels[out[i]] < p.labels[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
