package native

import (
	"errors"
	"testing"

	"github.com/tinyrange/vtx/internal/cpu"
)

func TestNewOutsideRingZero(t *testing.T) {
	p, err := New()
	if err == nil {
		t.Skipf("running in ring 0 with %T", p)
	}
	if !errors.Is(err, cpu.ErrNotPrivileged) && !errors.Is(err, ErrUnsupportedArch) {
		t.Fatalf("New = %v", err)
	}
}
