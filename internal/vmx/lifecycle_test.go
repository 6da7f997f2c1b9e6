package vmx

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/vtx/internal/cpu"
)

func newTestRoot(t *testing.T, p *fakeProc) (*Root, *fakeMem) {
	t.Helper()
	mem := newFakeMem()
	root, err := NewRoot(p, mem, nil)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return root, mem
}

func TestEnableVMX(t *testing.T) {
	p := newFakeProc()
	root, _ := newTestRoot(t, p)
	if err := root.EnableVMX(); err != nil {
		t.Fatalf("EnableVMX: %v", err)
	}
	if root.State() != StateEnabled {
		t.Fatalf("state = %s", root.State())
	}
	if p.crs[cpu.CR4]&cpu.CR4VMXE == 0 {
		t.Fatalf("cr4 = %#x, VMXE clear", p.crs[cpu.CR4])
	}
	if p.crs[cpu.CR0] != 0x8005_0033 {
		t.Fatalf("cr0 changed to %#x", p.crs[cpu.CR0])
	}
	// Enabling twice is a no-op.
	if err := root.EnableVMX(); err != nil {
		t.Fatalf("second EnableVMX: %v", err)
	}
}

func TestEnableVMXFeatureControl(t *testing.T) {
	p := newFakeProc()
	p.msrs[cpu.MSRFeatureControl] = cpu.FeatureControlLocked
	root, _ := newTestRoot(t, p)
	if err := root.EnableVMX(); !errors.Is(err, ErrVMXDisabledByFirmware) {
		t.Fatalf("locked without VMX: err = %v", err)
	}

	p = newFakeProc()
	p.msrs[cpu.MSRFeatureControl] = 0
	root, _ = newTestRoot(t, p)
	if err := root.EnableVMX(); err != nil {
		t.Fatalf("unlocked: %v", err)
	}
	want := cpu.FeatureControlLocked | cpu.FeatureControlVMXOutside
	if got := p.msrs[cpu.MSRFeatureControl]; got != want {
		t.Fatalf("feature control = %#x, want %#x", got, want)
	}
}

func TestRootLifecycle(t *testing.T) {
	p := newFakeProc()
	root, mem := newTestRoot(t, p)

	region, err := root.AllocateRegion()
	if err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}
	if len(region.Data) != pageSize || region.Phys%pageSize != 0 {
		t.Fatalf("region = %d bytes at %#x", len(region.Data), region.Phys)
	}
	if err := root.EnterRoot(region); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("EnterRoot before enable: %v", err)
	}
	if err := root.EnableVMX(); err != nil {
		t.Fatalf("EnableVMX: %v", err)
	}
	if _, err := root.AllocateVMCS(); !errors.Is(err, ErrNotInRoot) {
		t.Fatalf("AllocateVMCS outside root: %v", err)
	}
	if err := root.EnterRoot(region); err != nil {
		t.Fatalf("EnterRoot: %v", err)
	}
	if got := binary.LittleEndian.Uint32(region.Data); got != 4 {
		t.Fatalf("vmxon revision = %d", got)
	}
	if err := root.EnterRoot(region); !errors.Is(err, ErrAlreadyInRoot) {
		t.Fatalf("second EnterRoot: %v", err)
	}

	vmcs, err := root.AllocateVMCS()
	if err != nil {
		t.Fatalf("AllocateVMCS: %v", err)
	}
	if got := binary.LittleEndian.Uint32(vmcs.Data); got != 4 {
		t.Fatalf("vmcs revision = %d", got)
	}
	if err := root.Activate(vmcs); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if root.State() != StateActive || root.Current() != vmcs {
		t.Fatalf("state = %s", root.State())
	}
	other, err := root.AllocateVMCS()
	if err != nil {
		t.Fatalf("AllocateVMCS: %v", err)
	}
	if err := root.Activate(other); !errors.Is(err, ErrVMCSActive) {
		t.Fatalf("Activate second vmcs: %v", err)
	}
	if err := root.LeaveRoot(); !errors.Is(err, ErrVMCSActive) {
		t.Fatalf("LeaveRoot with active vmcs: %v", err)
	}
	if err := root.Deactivate(other); !errors.Is(err, ErrNoActiveVMCS) {
		t.Fatalf("Deactivate inactive vmcs: %v", err)
	}
	if err := root.Deactivate(vmcs); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := root.Release(); !errors.Is(err, ErrAlreadyInRoot) {
		t.Fatalf("Release in root: %v", err)
	}
	if err := root.LeaveRoot(); err != nil {
		t.Fatalf("LeaveRoot: %v", err)
	}
	if root.State() != StateDisabled {
		t.Fatalf("state = %s", root.State())
	}
	if p.crs[cpu.CR4]&cpu.CR4VMXE != 0 {
		t.Fatal("VMXE still set after LeaveRoot")
	}

	wantOps := []string{"vmxon 0x100000", "vmclear 0x101000", "vmptrld 0x101000", "vmclear 0x101000", "vmxoff"}
	if len(p.ops) != len(wantOps) {
		t.Fatalf("ops = %q, want %q", p.ops, wantOps)
	}
	for i := range wantOps {
		if p.ops[i] != wantOps[i] {
			t.Fatalf("ops = %q, want %q", p.ops, wantOps)
		}
	}

	if err := root.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if mem.freed != 3 {
		t.Fatalf("freed %d regions, want 3", mem.freed)
	}
}

func TestEnterRootFailure(t *testing.T) {
	p := newFakeProc()
	p.vmxonErr = ErrVMFailInvalid
	root, _ := newTestRoot(t, p)
	if err := root.EnableVMX(); err != nil {
		t.Fatalf("EnableVMX: %v", err)
	}
	region, err := root.AllocateRegion()
	if err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}
	err = root.EnterRoot(region)
	var ree *RootEntryError
	if !errors.As(err, &ree) || !errors.Is(err, ErrVMFailInvalid) {
		t.Fatalf("EnterRoot = %v, want RootEntryError wrapping VMfailInvalid", err)
	}
	if root.State() != StateEnabled {
		t.Fatalf("state = %s", root.State())
	}
	if err := root.Activate(&VMCS{Region: region}); !errors.Is(err, ErrNotInRoot) {
		t.Fatalf("Activate outside root: %v", err)
	}
}
