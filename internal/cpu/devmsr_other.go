//go:build !linux

package cpu

import "errors"

// ErrNoMSRDevice is returned where the host has no msr driver.
var ErrNoMSRDevice = errors.New("cpu: msr device requires linux")

// DevMSR is only implemented on Linux.
type DevMSR struct{ cpu int }

var _ Registers = (*DevMSR)(nil)

func OpenDevMSR(int) (*DevMSR, error) { return nil, ErrNoMSRDevice }

func (d *DevMSR) CPU() int                               { return d.cpu }
func (d *DevMSR) Close() error                           { return nil }
func (d *DevMSR) ReadMSR(uint32) (uint64, error)         { return 0, ErrNoMSRDevice }
func (d *DevMSR) WriteMSR(uint32, uint64) error          { return ErrReadOnly }
func (d *DevMSR) ReadCR(ControlRegister) (uint64, error) { return 0, ErrReadOnly }
func (d *DevMSR) WriteCR(ControlRegister, uint64) error  { return ErrReadOnly }
func (d *DevMSR) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return Native{}.CPUID(leaf, subleaf)
}

func OnlineCPUs() ([]int, error) { return nil, ErrNoMSRDevice }

func PinToCPU(int) error { return ErrNoMSRDevice }
