// Package native issues VMX instructions on the logical CPU the calling
// goroutine runs on. The caller must lock the goroutine to its OS thread
// for the whole lifetime of a VMX root session. Outside ring 0 every
// operation fails with cpu.ErrNotPrivileged.
package native

import "errors"

// ErrUnsupportedArch is returned on hosts that are not x86-64.
var ErrUnsupportedArch = errors.New("native: VMX requires an amd64 host")

const (
	statusOK uint8 = iota
	statusFailInvalid
	statusFailValid
)
