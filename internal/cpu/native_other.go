//go:build !amd64

package cpu

// Native is unavailable off amd64; every privileged method fails.
type Native struct{}

var _ Registers = Native{}

func Privileged() bool { return false }

func (Native) ReadMSR(uint32) (uint64, error) { return 0, ErrNotPrivileged }

func (Native) WriteMSR(uint32, uint64) error { return ErrNotPrivileged }

func (Native) ReadCR(ControlRegister) (uint64, error) { return 0, ErrNotPrivileged }

func (Native) WriteCR(ControlRegister, uint64) error { return ErrNotPrivileged }

func (Native) CPUID(uint32, uint32) (eax, ebx, ecx, edx uint32) { return 0, 0, 0, 0 }

func (Native) DisableInterrupts() (restore func()) { return func() {} }

func (Native) HostSegments() (HostSegments, error) { return HostSegments{}, ErrNotPrivileged }
