package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vtx/internal/boot"
	"github.com/tinyrange/vtx/internal/session"
	"github.com/tinyrange/vtx/internal/vmx"
)

const example = `
image: payload.bin
mode: long
entry: 0x100000
stack: 0x100000
memory: 16MiB
tables: 0x1000
unrestricted_guest: auto
control_model: legacy
preemption_timer: 0
max_exits: 1000
passthrough:
  - base: 0xE0000000
    size: 0x1000
console_port: 0xE9
cpuid:
  - leaf: 0
    eax: 0xD
msrs:
  - index: 0xC0000103
    value: 7
`

func TestLoadExample(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guest.yaml")
	if err := os.WriteFile(path, []byte(example), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg, err := f.Session()
	if err != nil {
		t.Fatalf("Session: %v", err)
	}

	want := session.Config{
		Mode:         boot.ModeLong,
		ImagePath:    filepath.Join(dir, "payload.bin"),
		Entry:        0x10_0000,
		StackTop:     0x10_0000,
		MemorySize:   16 << 20,
		TablesBase:   0x1000,
		ControlModel: vmx.ControlModelLegacy,
		MaxExits:     1000,
		Passthrough:  []session.Window{{Base: 0xE000_0000, Size: 0x1000}},
		ConsolePort:  0xE9,
		CPUID:        []vmx.CPUIDEntry{{Leaf: 0, EAX: 0xD}},
		MSRs:         map[uint32]uint64{0xC000_0103: 7},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("session config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]Size{
		"4096":   4096,
		"0x1000": 0x1000,
		"0x1B":   0x1B,
		"64KiB":  64 << 10,
		"16MiB":  16 << 20,
		"16 MiB": 16 << 20,
		"2M":     2 << 20,
		"1G":     1 << 30,
		"512B":   512,
	} {
		got, err := ParseSize(in)
		if err != nil || got != want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "lots", "16TiB", "99999999999999999999G"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) succeeded", in)
		}
	}
}

func TestSizeString(t *testing.T) {
	for sz, want := range map[Size]string{0: "0", 512: "512", 64 << 10: "64KiB", 16 << 20: "16MiB", 3 << 30: "3GiB"} {
		if got := sz.String(); got != want {
			t.Errorf("Size(%d).String() = %q, want %q", uint64(sz), got, want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":    "payload: hlt\nbogus: 1\n",
		"bad integer":    "payload: hlt\nentry: zero\n",
		"bad size":       "payload: hlt\nmemory: many\n",
		"integer as map": "payload: hlt\nentry: {a: 1}\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("Parse succeeded")
			}
		})
	}
}

func TestSessionErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"no image":      "mode: long\n",
		"bad mode":      "payload: hlt\nmode: virtual-8086\n",
		"bad toggle":    "payload: hlt\nunrestricted_guest: sometimes\n",
		"bad model":     "payload: hlt\ncontrol_model: new\n",
		"wide port":     "payload: hlt\nconsole_port: 0x10000\n",
		"wide cpuid":    "payload: hlt\ncpuid:\n  - leaf: 0x100000000\n",
		"unaligned mem": "payload: hlt\nmemory: 0x1234\n",
	} {
		t.Run(name, func(t *testing.T) {
			f, err := Parse([]byte(doc))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if _, err := f.Session(); err == nil || !strings.HasPrefix(err.Error(), "config:") {
				t.Fatalf("Session error = %v", err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	f, err := Parse([]byte("payload: out-hlt\nmessage: hi\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, err := f.Session()
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if cfg.Mode != boot.ModeLong || cfg.PayloadOptions.Message != "hi" || cfg.ImagePath != "" {
		t.Fatalf("config = %+v", cfg)
	}
}
