package amd64

import (
	"fmt"
	"sort"

	"github.com/tinyrange/vtx/internal/asm"
	"github.com/tinyrange/vtx/internal/cpu"
)

// PayloadOptions parameterises the built-in payloads.
type PayloadOptions struct {
	// Port receives console output. Zero selects the 0xE9 debug port.
	Port uint16
	// Message is what out-hlt prints.
	Message string
	// MMIOBase is the guest-physical address the mmio payload writes to.
	MMIOBase uint64
	// MSR is the register the msr payload writes and reads back.
	MSR uint32
	// MMIOValue is stored at MMIOBase; its low byte is echoed to Port.
	MMIOValue int32
}

const (
	DefaultPort      = 0xE9
	DefaultMessage   = "Hello from the guest\n"
	DefaultMSR       = cpu.MSRTSCAux
	DefaultMMIOValue = 0x12345678
)

func (o PayloadOptions) withDefaults() PayloadOptions {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Message == "" {
		o.Message = DefaultMessage
	}
	if o.MSR == 0 {
		o.MSR = DefaultMSR
	}
	if o.MMIOValue == 0 {
		o.MMIOValue = DefaultMMIOValue
	}
	return o
}

type payloadFunc func(bits Bits, o PayloadOptions) (asm.Fragment, error)

var payloads = map[string]payloadFunc{
	"hlt":     hltPayload,
	"out-hlt": outHltPayload,
	"cpuid":   cpuidPayload,
	"msr":     msrPayload,
	"mmio":    mmioPayload,
}

// PayloadNames lists the built-in payloads.
func PayloadNames() []string {
	names := make([]string, 0, len(payloads))
	for name := range payloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Payload assembles the built-in payload name for code of the given width.
func Payload(name string, bits Bits, opts PayloadOptions) (asm.Program, error) {
	fn, ok := payloads[name]
	if !ok {
		return asm.Program{}, fmt.Errorf("amd64 asm: unknown payload %q (have %v)", name, PayloadNames())
	}
	frag, err := fn(bits, opts.withDefaults())
	if err != nil {
		return asm.Program{}, fmt.Errorf("amd64 asm: payload %s: %w", name, err)
	}
	prog, err := EmitProgram(bits, frag)
	if err != nil {
		return asm.Program{}, fmt.Errorf("amd64 asm: payload %s: %w", name, err)
	}
	return prog, nil
}

func hltPayload(Bits, PayloadOptions) (asm.Fragment, error) {
	return asm.Group{
		asm.MarkLabel("halt"),
		Hlt(),
	}, nil
}

// echo writes s to the port already loaded into DX.
func echo(s string) asm.Fragment {
	g := make(asm.Group, 0, 2*len(s))
	for i := 0; i < len(s); i++ {
		g = append(g,
			MovImmediate(Reg8(RAX), int64(s[i])),
			OutDXAL(),
		)
	}
	return g
}

func outHltPayload(_ Bits, o PayloadOptions) (asm.Fragment, error) {
	return asm.Group{
		MovImmediate(Reg16(RDX), int64(o.Port)),
		echo(o.Message),
		asm.MarkLabel("halt"),
		Hlt(),
	}, nil
}

// cpuidPayload prints the vendor string from leaf 0. The three registers
// are stored just below the stack pointer and echoed a byte at a time.
func cpuidPayload(bits Bits, o PayloadOptions) (asm.Fragment, error) {
	sp := bits.AddressReg(RSP)
	idx := bits.AddressReg(RDI)
	vendor := Mem(sp).WithDisp(-12)
	return asm.Group{
		XorRegReg(Reg32(RAX), Reg32(RAX)),
		Cpuid(),
		MovToMemory(vendor, Reg32(RBX)),
		MovToMemory(Mem(sp).WithDisp(-8), Reg32(RDX)),
		MovToMemory(Mem(sp).WithDisp(-4), Reg32(RCX)),
		MovImmediate(Reg16(RDX), int64(o.Port)),
		XorRegReg(idx, idx),
		asm.MarkLabel("next"),
		MovFromMemory(Reg8(RAX), MemIndex(sp, idx, 1).WithDisp(-12)),
		OutDXAL(),
		Inc(idx),
		CmpRegImm(idx, 12),
		JumpIfNotEqual("next"),
		echo("\n"),
		asm.MarkLabel("halt"),
		Hlt(),
	}, nil
}

// msrPayload writes 'V' to an MSR, reads it back, echoes the low byte and
// shuts down through VMCALL.
func msrPayload(_ Bits, o PayloadOptions) (asm.Fragment, error) {
	return asm.Group{
		MovImmediate(Reg32(RCX), int64(o.MSR)),
		MovImmediate(Reg32(RAX), 'V'),
		XorRegReg(Reg32(RDX), Reg32(RDX)),
		Wrmsr(),
		XorRegReg(Reg32(RAX), Reg32(RAX)),
		Rdmsr(),
		MovImmediate(Reg16(RDX), int64(o.Port)),
		OutDXAL(),
		XorRegReg(Reg32(RAX), Reg32(RAX)),
		asm.MarkLabel("shutdown"),
		Vmcall(),
	}, nil
}

// mmioPayload stores a word at MMIOBase, loads it back and echoes the low
// byte.
func mmioPayload(bits Bits, o PayloadOptions) (asm.Fragment, error) {
	if bits == Bits16 {
		return nil, fmt.Errorf("needs flat 32-bit or 64-bit addressing")
	}
	if o.MMIOBase == 0 {
		return nil, fmt.Errorf("no MMIO base address")
	}
	if bits == Bits32 && o.MMIOBase > 0xFFFF_FFFC {
		return nil, fmt.Errorf("MMIO base %#x is above 4GiB", o.MMIOBase)
	}
	base := bits.AddressReg(RBX)
	return asm.Group{
		MovImmediate(base, int64(o.MMIOBase)),
		MovStoreImm32(Mem(base), o.MMIOValue),
		MovFromMemory(Reg32(RCX), Mem(base)),
		MovImmediate(Reg16(RDX), int64(o.Port)),
		MovReg(Reg8(RAX), Reg8(RCX)),
		OutDXAL(),
		asm.MarkLabel("halt"),
		Hlt(),
	}, nil
}
