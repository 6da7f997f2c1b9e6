// Package config reads guest session descriptions from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinyrange/vtx/internal/asm/amd64"
	"github.com/tinyrange/vtx/internal/boot"
	"github.com/tinyrange/vtx/internal/session"
	"github.com/tinyrange/vtx/internal/vmx"
	"gopkg.in/yaml.v3"
)

// File is the on-disk session description.
type File struct {
	Image   string `yaml:"image"`
	Payload string `yaml:"payload"`
	// Message replaces the text the out-hlt payload prints.
	Message string `yaml:"message"`

	Mode        string `yaml:"mode"`
	Entry       Hex    `yaml:"entry"`
	Stack       Hex    `yaml:"stack"`
	Memory      Size   `yaml:"memory"`
	Tables      Hex    `yaml:"tables"`
	IdentityMap Size   `yaml:"identity_map"`

	UnrestrictedGuest string `yaml:"unrestricted_guest"`
	ControlModel      string `yaml:"control_model"`
	PreemptionTimer   uint32 `yaml:"preemption_timer"`
	VPID              uint16 `yaml:"vpid"`
	MaxExits          uint64 `yaml:"max_exits"`

	Passthrough []Window `yaml:"passthrough"`
	MMIO        []Window `yaml:"mmio"`
	ConsolePort Hex      `yaml:"console_port"`
	CPUID       []CPUID  `yaml:"cpuid"`
	MSRs        []MSR    `yaml:"msrs"`

	// dir resolves a relative Image.
	dir string
}

type Window struct {
	Name string `yaml:"name"`
	Base Hex    `yaml:"base"`
	Size Size   `yaml:"size"`
}

type CPUID struct {
	Leaf    Hex `yaml:"leaf"`
	Subleaf Hex `yaml:"subleaf"`
	EAX     Hex `yaml:"eax"`
	EBX     Hex `yaml:"ebx"`
	ECX     Hex `yaml:"ecx"`
	EDX     Hex `yaml:"edx"`
}

type MSR struct {
	Index Hex `yaml:"index"`
	Value Hex `yaml:"value"`
}

// Hex is an unsigned integer written in any Go integer syntax, usually
// hexadecimal.
type Hex uint64

// UnmarshalYAML implements yaml.Unmarshaler for Hex.
func (h *Hex) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", value.Line)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(value.Value), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid integer %q", value.Line, value.Value)
	}
	*h = Hex(v)
	return nil
}

// Size is a byte count with an optional binary suffix: 4096, 0x1000, 64KiB,
// 16MiB or 1G.
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10}, {"MiB", 20}, {"GiB", 30},
	{"K", 10}, {"M", 20}, {"G", 30},
	{"B", 0},
}

// ParseSize parses the Size syntax.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	shift := uint(0)
	for _, u := range sizeSuffixes {
		if strings.HasSuffix(s, u.suffix) && !strings.HasPrefix(s, "0x") {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			shift = u.shift
			break
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v > ^uint64(0)>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(v << shift), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (sz *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a size", value.Line)
	}
	v, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*sz = v
	return nil
}

func (sz Size) String() string {
	for _, u := range []struct {
		suffix string
		shift  uint
	}{{"GiB", 30}, {"MiB", 20}, {"KiB", 10}} {
		if sz != 0 && uint64(sz)&(1<<u.shift-1) == 0 {
			return fmt.Sprintf("%d%s", uint64(sz)>>u.shift, u.suffix)
		}
	}
	return strconv.FormatUint(uint64(sz), 10)
}

// Load reads and decodes the file at path. A relative image path is
// resolved against the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

// Parse decodes one YAML document. Unknown keys are errors.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("config: %w", err)
	}
	return &f, nil
}

// ImagePath is Image resolved against the directory the file came from.
func (f *File) ImagePath() string {
	if f.Image == "" || filepath.IsAbs(f.Image) || f.dir == "" {
		return f.Image
	}
	return filepath.Join(f.dir, f.Image)
}

// Session converts the file into a run configuration.
func (f *File) Session() (session.Config, error) {
	cfg := session.Config{
		ImagePath:       f.ImagePath(),
		Payload:         f.Payload,
		PayloadOptions:  amd64.PayloadOptions{Message: f.Message},
		Entry:           uint64(f.Entry),
		StackTop:        uint64(f.Stack),
		MemorySize:      uint64(f.Memory),
		TablesBase:      uint64(f.Tables),
		IdentityMapSize: uint64(f.IdentityMap),
		PreemptionTimer: f.PreemptionTimer,
		VPID:            f.VPID,
		MaxExits:        f.MaxExits,
	}

	var err error
	if f.Mode != "" {
		if cfg.Mode, err = boot.ParseMode(f.Mode); err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
	} else {
		cfg.Mode = boot.ModeLong
	}
	if cfg.UnrestrictedGuest, err = session.ParseToggle(f.UnrestrictedGuest); err != nil {
		return cfg, fmt.Errorf("config: unrestricted_guest: %w", err)
	}
	if cfg.ControlModel, err = vmx.ParseControlModel(f.ControlModel); err != nil {
		return cfg, fmt.Errorf("config: control_model: %w", err)
	}
	if f.ConsolePort > 0xFFFF {
		return cfg, fmt.Errorf("config: console_port %#x is not an I/O port", uint64(f.ConsolePort))
	}
	cfg.ConsolePort = uint16(f.ConsolePort)

	for _, w := range f.Passthrough {
		cfg.Passthrough = append(cfg.Passthrough, session.Window{Name: w.Name, Base: uint64(w.Base), Size: uint64(w.Size)})
	}
	for _, w := range f.MMIO {
		cfg.MMIO = append(cfg.MMIO, session.Window{Name: w.Name, Base: uint64(w.Base), Size: uint64(w.Size)})
	}
	for i, c := range f.CPUID {
		for _, v := range []Hex{c.Leaf, c.Subleaf, c.EAX, c.EBX, c.ECX, c.EDX} {
			if v > 0xFFFF_FFFF {
				return cfg, fmt.Errorf("config: cpuid[%d]: %#x does not fit 32 bits", i, uint64(v))
			}
		}
		cfg.CPUID = append(cfg.CPUID, vmx.CPUIDEntry{
			Leaf:    uint32(c.Leaf),
			Subleaf: uint32(c.Subleaf),
			EAX:     uint32(c.EAX),
			EBX:     uint32(c.EBX),
			ECX:     uint32(c.ECX),
			EDX:     uint32(c.EDX),
		})
	}
	if len(f.MSRs) > 0 {
		cfg.MSRs = make(map[uint32]uint64, len(f.MSRs))
		for i, m := range f.MSRs {
			if m.Index > 0xFFFF_FFFF {
				return cfg, fmt.Errorf("config: msrs[%d]: index %#x does not fit 32 bits", i, uint64(m.Index))
			}
			cfg.MSRs[uint32(m.Index)] = uint64(m.Value)
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
