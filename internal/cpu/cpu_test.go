package cpu

import "testing"

type cpuidOnly struct {
	ecx uint32
}

func (c cpuidOnly) ReadMSR(uint32) (uint64, error)         { return 0, ErrReadOnly }
func (c cpuidOnly) WriteMSR(uint32, uint64) error          { return ErrReadOnly }
func (c cpuidOnly) ReadCR(ControlRegister) (uint64, error) { return 0, ErrReadOnly }
func (c cpuidOnly) WriteCR(ControlRegister, uint64) error  { return ErrReadOnly }
func (c cpuidOnly) CPUID(leaf, _ uint32) (uint32, uint32, uint32, uint32) {
	if leaf == 1 {
		return 0, 0, c.ecx, 0
	}
	return 0, 0, 0, 0
}

func TestSupportsVMX(t *testing.T) {
	if !SupportsVMX(cpuidOnly{ecx: 1 << 5}) {
		t.Fatalf("expected VMX to be reported")
	}
	if SupportsVMX(cpuidOnly{ecx: ^uint32(1 << 5)}) {
		t.Fatalf("VMX reported with bit 5 clear")
	}
}

func TestSystemDescriptorBase(t *testing.T) {
	desc := []byte{
		0x67, 0x00, // limit
		0x00, 0x30, // base 15:0
		0x12,       // base 23:16
		0x8B, 0x00, // type, flags
		0x34,                   // base 31:24
		0x78, 0x56, 0x00, 0x00, // base 63:32
		0, 0, 0, 0,
	}
	if got, want := SystemDescriptorBase(desc), uint64(0x0000567834123000); got != want {
		t.Fatalf("base = %#x, want %#x", got, want)
	}
	if got := SystemDescriptorBase(desc[:8]); got != 0 {
		t.Fatalf("short descriptor decoded to %#x", got)
	}
}

func TestControlRegisterString(t *testing.T) {
	if CR4.String() != "cr4" {
		t.Fatalf("unexpected name %q", CR4.String())
	}
}

func TestNativeOutsideRing0(t *testing.T) {
	if Privileged() {
		t.Skip("running at CPL 0")
	}
	if _, err := (Native{}).ReadMSR(MSRVMXBasic); err != ErrNotPrivileged {
		t.Fatalf("ReadMSR error = %v, want ErrNotPrivileged", err)
	}
	if err := (Native{}).WriteCR(CR4, 0); err != ErrNotPrivileged {
		t.Fatalf("WriteCR error = %v, want ErrNotPrivileged", err)
	}
}

func TestVendorLeaf(t *testing.T) {
	ebx, edx, ecx := VendorLeaf("GenuineIntel")
	if ebx != 0x756e6547 || edx != 0x49656e69 || ecx != 0x6c65746e {
		t.Fatalf("VendorLeaf = %#x %#x %#x", ebx, edx, ecx)
	}
	_, _, ecx = VendorLeaf("short")
	if ecx != 0x20202020 {
		t.Fatalf("padding = %#x", ecx)
	}
}
