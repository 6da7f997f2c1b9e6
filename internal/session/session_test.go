package session

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vtx/internal/asm"
	"github.com/tinyrange/vtx/internal/asm/amd64"
	"github.com/tinyrange/vtx/internal/boot"
	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/mem"
	"github.com/tinyrange/vtx/internal/sim"
	"github.com/tinyrange/vtx/internal/vmx"
)

const (
	testRAM   = 2 << 20
	testEntry = 0x1_0000
	testStack = 0xF000
)

var allModes = []boot.Mode{boot.ModeReal, boot.ModeProtected, boot.ModeProtectedPaged, boot.ModeLong}

// newSession returns a session over a simulated processor. cfg gets the
// test memory layout unless it sets its own.
func newSession(t *testing.T, cfg Config) (*Session, *sim.Processor, *bytes.Buffer) {
	t.Helper()
	arena, err := mem.NewArena(mem.ArenaConfig{Size: 32 << 20})
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	t.Cleanup(func() { _ = arena.Close() })

	proc, err := sim.New(sim.Options{Memory: arena, StepLimit: 10_000})
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = testRAM
	}
	if cfg.Entry == 0 {
		cfg.Entry = testEntry
	}
	if cfg.StackTop == 0 {
		cfg.StackTop = testStack
	}
	out := &bytes.Buffer{}
	return &Session{
		Config:     cfg,
		Processor:  proc,
		Allocator:  arena,
		Translator: arena,
		Memory:     arena,
		Console:    out,
	}, proc, out
}

func mustRun(t *testing.T, s *Session) *Report {
	t.Helper()
	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run(%s, %s): %v", s.Config.Mode, s.Config.Payload, err)
	}
	if !rep.Terminated {
		t.Fatalf("guest not terminated: %+v", rep)
	}
	return rep
}

func TestRunHltEveryMode(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			s, proc, _ := newSession(t, Config{Mode: mode, Payload: "hlt"})
			rep := mustRun(t, s)
			if rep.Reason != vmx.ExitHLT {
				t.Fatalf("reason = %s", rep.Reason)
			}
			if diff := cmp.Diff(map[vmx.ExitReason]uint64{vmx.ExitHLT: 1}, rep.Exits); diff != "" {
				t.Fatalf("exits mismatch (-want +got):\n%s", diff)
			}
			if rep.Total != 1 {
				t.Fatalf("total = %d", rep.Total)
			}
			// HLT exits leave RIP on the HLT itself, the first byte of the image.
			if rep.LinearRIP != testEntry {
				t.Fatalf("linear rip = %#x, want %#x", rep.LinearRIP, testEntry)
			}
			if mode != boot.ModeReal && rep.RIP != testEntry {
				t.Fatalf("rip = %#x, want %#x", rep.RIP, testEntry)
			}
			if proc.InRoot() {
				t.Fatalf("processor still in root operation")
			}
		})
	}
}

func TestRunOutHlt(t *testing.T) {
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			s, _, out := newSession(t, Config{
				Mode:           mode,
				Payload:        "out-hlt",
				PayloadOptions: amd64.PayloadOptions{Message: "hi\n"},
			})
			rep := mustRun(t, s)
			if got := out.String(); got != "hi\n" {
				t.Fatalf("console = %q", got)
			}
			if !bytes.Equal(rep.Console, []byte("hi\n")) {
				t.Fatalf("report console = %q", rep.Console)
			}
			if rep.Exits[vmx.ExitIOInstruction] != 3 {
				t.Fatalf("I/O exits = %d", rep.Exits[vmx.ExitIOInstruction])
			}
		})
	}
}

func TestRunOutHltOnUART(t *testing.T) {
	s, _, out := newSession(t, Config{
		Mode:           boot.ModeLong,
		Payload:        "out-hlt",
		ConsolePort:    0x3F8,
		PayloadOptions: amd64.PayloadOptions{Message: "uart"},
	})
	mustRun(t, s)
	if got := out.String(); got != "uart" {
		t.Fatalf("console = %q", got)
	}
}

func TestRunCPUIDVendor(t *testing.T) {
	ebx, edx, ecx := cpu.VendorLeaf("TinyVTXGuest")
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			s, _, out := newSession(t, Config{
				Mode:    mode,
				Payload: "cpuid",
				CPUID:   []vmx.CPUIDEntry{{Leaf: 0, EAX: 1, EBX: ebx, ECX: ecx, EDX: edx}},
			})
			rep := mustRun(t, s)
			if got := out.String(); got != "TinyVTXGuest\n" {
				t.Fatalf("console = %q", got)
			}
			if rep.Exits[vmx.ExitCPUID] != 1 {
				t.Fatalf("CPUID exits = %d", rep.Exits[vmx.ExitCPUID])
			}
		})
	}
}

func TestRunCPUIDDefaultsToAVendor(t *testing.T) {
	s, _, out := newSession(t, Config{Mode: boot.ModeLong, Payload: "cpuid"})
	mustRun(t, s)
	if got := out.Len(); got != 13 {
		t.Fatalf("console %q is not a 12-byte vendor and a newline", out.String())
	}
}

func TestRunMSRShutdown(t *testing.T) {
	s, _, out := newSession(t, Config{Mode: boot.ModeLong, Payload: "msr"})
	rep := mustRun(t, s)
	if rep.Reason != vmx.ExitVMCALL {
		t.Fatalf("reason = %s", rep.Reason)
	}
	if got := out.String(); got != "V" {
		t.Fatalf("console = %q", got)
	}
	if rep.Exits[vmx.ExitWRMSR] != 1 || rep.Exits[vmx.ExitRDMSR] != 1 {
		t.Fatalf("exits = %v", rep.Exits)
	}
}

func TestRunMMIOScratch(t *testing.T) {
	for _, mode := range []boot.Mode{boot.ModeProtected, boot.ModeProtectedPaged, boot.ModeLong} {
		t.Run(mode.String(), func(t *testing.T) {
			s, _, out := newSession(t, Config{Mode: mode, Payload: "mmio"})
			rep := mustRun(t, s)
			if got := out.String(); got != "x" {
				t.Fatalf("console = %q", got)
			}
			// Both the store and the load are emulated.
			if rep.Exits[vmx.ExitEPTViolation] != 2 {
				t.Fatalf("EPT violations = %d", rep.Exits[vmx.ExitEPTViolation])
			}
			if len(rep.Windows) != 1 || rep.Windows[0].Name != "scratch" || rep.Windows[0].Base < testRAM {
				t.Fatalf("windows = %+v", rep.Windows)
			}
		})
	}
}

func TestRunPassthroughWindow(t *testing.T) {
	s, _, out := newSession(t, Config{
		Mode:        boot.ModeLong,
		Payload:     "mmio",
		Passthrough: []Window{{Name: "bar", Base: 0xE000_0000, Size: 0x1000}},
	})
	rep := mustRun(t, s)
	if got := out.String(); got != "x" {
		t.Fatalf("console = %q", got)
	}
	// The first touch maps the window; the load runs without exiting.
	if rep.Exits[vmx.ExitEPTViolation] != 1 {
		t.Fatalf("EPT violations = %d", rep.Exits[vmx.ExitEPTViolation])
	}
}

func TestRunRawImage(t *testing.T) {
	code, err := amd64.EmitBytes(amd64.Bits32, asm.Group{
		amd64.MovImmediate(amd64.Reg16(amd64.RDX), 0xE9),
		amd64.MovImmediate(amd64.Reg8(amd64.RAX), '!'),
		amd64.OutDXAL(),
		amd64.Hlt(),
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	s, _, out := newSession(t, Config{Mode: boot.ModeProtected, Image: code})
	rep := mustRun(t, s)
	if out.String() != "!" {
		t.Fatalf("console = %q", out.String())
	}
	if rep.Image.Addr != testEntry || rep.Image.Size != uint64(len(code)) {
		t.Fatalf("image = %+v", rep.Image)
	}
}

func spin(t *testing.T) []byte {
	t.Helper()
	code, err := amd64.EmitBytes(amd64.Bits32, asm.Group{
		amd64.MovImmediate(amd64.Reg16(amd64.RDX), 0xE9),
		amd64.MovImmediate(amd64.Reg8(amd64.RAX), '.'),
		asm.MarkLabel("top"),
		amd64.OutDXAL(),
		amd64.Jump("top"),
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return code
}

func TestRunExitBudget(t *testing.T) {
	s, proc, out := newSession(t, Config{Mode: boot.ModeProtected, Image: spin(t), MaxExits: 5})
	rep, err := s.Run(context.Background())
	if !errors.Is(err, ErrExitBudget) {
		t.Fatalf("Run error = %v, want ErrExitBudget", err)
	}
	if rep == nil || rep.Total != 5 || rep.Terminated {
		t.Fatalf("report = %+v", rep)
	}
	if out.String() != "....." {
		t.Fatalf("console = %q", out.String())
	}
	if proc.InRoot() {
		t.Fatalf("processor still in root operation")
	}
}

func TestRunCancelled(t *testing.T) {
	s, proc, _ := newSession(t, Config{Mode: boot.ModeProtected, Image: spin(t)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if rep == nil || rep.Total != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if proc.InRoot() {
		t.Fatalf("processor still in root operation")
	}
}

func TestRunUnmappedAccess(t *testing.T) {
	code, err := amd64.EmitBytes(amd64.Bits32, asm.Group{
		amd64.MovImmediate(amd64.Reg32(amd64.RBX), 0x4000_0000),
		amd64.MovFromMemory(amd64.Reg32(amd64.RAX), amd64.Mem(amd64.Reg32(amd64.RBX))),
		amd64.Hlt(),
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	s, proc, _ := newSession(t, Config{Mode: boot.ModeProtected, Image: code})
	rep, err := s.Run(context.Background())
	var terr *vmx.TranslationError
	if !errors.As(err, &terr) {
		t.Fatalf("Run error = %v, want a TranslationError", err)
	}
	if terr.GPA != 0x4000_0000 {
		t.Fatalf("faulting GPA = %#x", terr.GPA)
	}
	if rep == nil || rep.Reason != vmx.ExitEPTViolation {
		t.Fatalf("report = %+v", rep)
	}
	if proc.InRoot() {
		t.Fatalf("processor still in root operation")
	}
}

func TestRunImageOverlapsTables(t *testing.T) {
	s, _, _ := newSession(t, Config{
		Mode:       boot.ModeLong,
		Entry:      0x1800,
		Image:      make([]byte, 0x3000),
		TablesBase: 0x3000,
	})
	if _, err := s.Run(context.Background()); err == nil {
		t.Fatalf("Run succeeded with an image over the page tables")
	}
}

func TestRunRequiresUnrestrictedGuest(t *testing.T) {
	arena, err := mem.NewArena(mem.ArenaConfig{Size: 32 << 20})
	if err != nil {
		t.Skipf("mmap unavailable: %v", err)
	}
	defer arena.Close()
	// No secondary controls at all.
	proc, err := sim.New(sim.Options{Memory: arena, MSRs: map[uint32]uint64{
		cpu.MSRVMXProcbasedCtls2: 0,
	}})
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	s := &Session{
		Config:     Config{Mode: boot.ModeReal, Payload: "hlt", MemorySize: testRAM, Entry: testEntry, StackTop: testStack},
		Processor:  proc,
		Allocator:  arena,
		Translator: arena,
		Memory:     arena,
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, boot.ErrModeRequiresUnrestrictedGuest) {
		t.Fatalf("Run error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"payload", Config{Payload: "hlt"}, true},
		{"nothing to run", Config{}, false},
		{"image and payload", Config{Payload: "hlt", ImagePath: "x.bin"}, false},
		{"entry past RAM", Config{Payload: "hlt", MemorySize: 1 << 20, Entry: 2 << 20}, false},
		{"unaligned memory", Config{Payload: "hlt", MemorySize: 0x1234}, false},
		{"real mode without unrestricted guest", Config{Payload: "hlt", Mode: boot.ModeReal, UnrestrictedGuest: ToggleOff}, false},
		{"unaligned window", Config{Payload: "hlt", MMIO: []Window{{Base: 0x1000_0100, Size: 0x1000}}}, false},
		{"empty window", Config{Payload: "hlt", Passthrough: []Window{{Base: 0x1000_0000}}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestParseToggle(t *testing.T) {
	for in, want := range map[string]Toggle{"": ToggleAuto, "auto": ToggleAuto, "true": ToggleOn, "off": ToggleOff} {
		got, err := ParseToggle(in)
		if err != nil || got != want {
			t.Fatalf("ParseToggle(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseToggle("maybe"); err == nil {
		t.Fatalf("ParseToggle accepted maybe")
	}
}
