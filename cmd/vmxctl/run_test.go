package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vtx/internal/config"
)

func parseRunFlags(t *testing.T, args ...string) (*runFlags, *cobra.Command) {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	o := &runFlags{}
	o.register(cmd)
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("Parse(%q): %v", args, err)
	}
	return o, cmd
}

func TestRunFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guest.yaml")
	if err := os.WriteFile(path, []byte("image: guest.bin\nmode: long\nmax_exits: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	o, cmd := parseRunFlags(t, "--config", path, "--payload", "out-hlt", "--mode", "protected", "--memory", "4MiB")
	f, err := o.file(cmd)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if f.Payload != "out-hlt" || f.Image != "" {
		t.Fatalf("payload/image = %q/%q", f.Payload, f.Image)
	}
	if f.Mode != "protected" || f.Memory != config.Size(4<<20) || f.MaxExits != 5 {
		t.Fatalf("file = %+v", f)
	}
}

func TestRunFlagsDefaultPayload(t *testing.T) {
	o, cmd := parseRunFlags(t)
	f, err := o.file(cmd)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if f.Payload != "out-hlt" || f.Mode != "" {
		t.Fatalf("file = %+v", f)
	}
	if _, err := f.Session(); err != nil {
		t.Fatalf("Session: %v", err)
	}
}

func TestRunFlagsBadMemory(t *testing.T) {
	o, cmd := parseRunFlags(t, "--memory", "lots")
	if _, err := o.file(cmd); err == nil {
		t.Fatalf("file accepted --memory lots")
	}
}

func TestRunUnknownBackend(t *testing.T) {
	o, _ := parseRunFlags(t, "--backend", "qemu")
	if _, _, err := o.session(1 << 20); err == nil {
		t.Fatalf("session accepted backend %q", o.backend)
	}
}
