//go:build linux

package cpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
)

// DevMSR reads the model-specific registers of one CPU through the Linux msr
// driver. It is read-only: writes and control-register access fail with
// ErrReadOnly. CPUID executes on whichever CPU the caller happens to run on.
type DevMSR struct {
	cpu int
	f   *os.File
}

var _ Registers = (*DevMSR)(nil)

// OpenDevMSR opens /dev/cpu/<cpu>/msr. The msr kernel module must be loaded
// and the caller needs CAP_SYS_RAWIO.
func OpenDevMSR(cpu int) (*DevMSR, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("cpu: open %s: %w", path, err)
	}
	return &DevMSR{cpu: cpu, f: f}, nil
}

// CPU returns the logical CPU number this reader is bound to.
func (d *DevMSR) CPU() int { return d.cpu }

func (d *DevMSR) Close() error { return d.f.Close() }

func (d *DevMSR) ReadMSR(index uint32) (uint64, error) {
	var buf [8]byte
	n, err := unix.Pread(int(d.f.Fd()), buf[:], int64(index))
	if err != nil {
		return 0, fmt.Errorf("cpu: read msr %#x on cpu %d: %w", index, d.cpu, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("cpu: short read of msr %#x on cpu %d", index, d.cpu)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *DevMSR) WriteMSR(uint32, uint64) error { return ErrReadOnly }

func (d *DevMSR) ReadCR(ControlRegister) (uint64, error) { return 0, ErrReadOnly }

func (d *DevMSR) WriteCR(ControlRegister, uint64) error { return ErrReadOnly }

func (d *DevMSR) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return Native{}.CPUID(leaf, subleaf)
}

// OnlineCPUs lists the CPUs that expose an msr device node.
func OnlineCPUs() ([]int, error) {
	matches, err := filepath.Glob("/dev/cpu/[0-9]*")
	if err != nil {
		return nil, err
	}
	var cpus []int
	for _, m := range matches {
		n, err := strconv.Atoi(filepath.Base(m))
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(m, "msr")); errors.Is(err, os.ErrNotExist) {
			continue
		}
		cpus = append(cpus, n)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// PinToCPU binds the calling OS thread to one CPU. The caller must have
// locked its goroutine to the thread.
func PinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("cpu: pin to cpu %d: %w", cpu, err)
	}
	return nil
}
