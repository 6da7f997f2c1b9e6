// Package boot builds the initial guest CPU state and the descriptor and
// page tables the guest needs to run in the requested processor mode.
package boot

import (
	"fmt"
	"strings"
)

// Mode is the processor mode the guest starts in.
type Mode uint8

const (
	ModeReal Mode = iota
	// ModeProtected is flat 32-bit protected mode without paging.
	ModeProtected
	// ModeProtectedPaged is flat 32-bit protected mode with identity-mapped
	// 4MiB PSE pages.
	ModeProtectedPaged
	// ModeLong is 64-bit mode with identity-mapped 2MiB pages.
	ModeLong
)

var modeNames = map[Mode]string{
	ModeReal:           "real",
	ModeProtected:      "protected",
	ModeProtectedPaged: "protected-paged",
	ModeLong:           "long",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode accepts the names String returns.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("boot: unknown mode %q (want real, protected, protected-paged or long)", s)
}

// NeedsUnrestrictedGuest reports whether the mode runs with CR0.PE or
// CR0.PG clear, which VMX only permits under unrestricted guest.
func (m Mode) NeedsUnrestrictedGuest() bool {
	return m == ModeReal || m == ModeProtected
}

func (m Mode) LongMode() bool { return m == ModeLong }

func (m Mode) Paged() bool { return m == ModeProtectedPaged || m == ModeLong }
