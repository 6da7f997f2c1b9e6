package vmx

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vtx/internal/cpu"
)

func newTestCaps(t *testing.T, p *fakeProc) *Capabilities {
	t.Helper()
	caps, err := ReadCapabilities(p)
	if err != nil {
		t.Fatalf("ReadCapabilities: %v", err)
	}
	return caps
}

func TestNegotiatePure(t *testing.T) {
	capability := uint64(0x0000_00FF_0000_0011)
	got := Negotiate(capability, 0x102)
	want := ControlValue{Value: 0x13, Dropped: 0x100, Forced: 0x11}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Negotiate mismatch (-want +got):\n%s", diff)
	}
	if again := Negotiate(capability, got.Value); again.Value != got.Value || again.Dropped != 0 {
		t.Fatalf("renegotiating %#x gave %+v", got.Value, again)
	}
}

func TestReadCapabilities(t *testing.T) {
	caps := newTestCaps(t, newFakeProc())

	if caps.Revision() != 4 {
		t.Fatalf("revision = %d", caps.Revision())
	}
	if caps.RegionSize() != 0x400 {
		t.Fatalf("region size = %#x", caps.RegionSize())
	}
	if caps.RegionMemoryType() != 6 {
		t.Fatalf("region memory type = %d", caps.RegionMemoryType())
	}
	if !caps.HasTrueControls() || caps.Model() != ControlModelTrue {
		t.Fatalf("model = %s, true controls %v", caps.Model(), caps.HasTrueControls())
	}
	if caps.PreemptionTimerRate() != 7 {
		t.Fatalf("preemption timer rate = %d", caps.PreemptionTimerRate())
	}
	if caps.CR3TargetCount() != 4 {
		t.Fatalf("cr3 target count = %d", caps.CR3TargetCount())
	}
	if caps.MaxMSRListSize() != 512 {
		t.Fatalf("max msr list = %d", caps.MaxMSRListSize())
	}
	if !caps.SupportsActivityHLT() {
		t.Fatal("activity HLT not reported")
	}
	if !caps.HasEPT(EPTCapWalkLength4 | EPTCapWriteBack | EPTCap2MBPages) {
		t.Fatalf("EPT caps %#x missing 4-level WB 2M", caps.EPTVPID)
	}
	if caps.ControlMSR(ControlProc2) != 0x0053_FFFF_0000_0000 {
		t.Fatalf("proc2 msr = %#x", caps.ControlMSR(ControlProc2))
	}
}

func TestReadCapabilitiesWithoutVMX(t *testing.T) {
	p := newFakeProc()
	p.ecx = 0
	if _, err := ReadCapabilities(p); !errors.Is(err, ErrVMXUnsupported) {
		t.Fatalf("err = %v, want ErrVMXUnsupported", err)
	}
}

func TestNegotiateModels(t *testing.T) {
	caps := newTestCaps(t, newFakeProc())

	got, err := caps.Negotiate(DefaultFeatures())
	if err != nil {
		t.Fatalf("Negotiate(true): %v", err)
	}
	want := Controls{Pin: 0x16, Proc: 0x8500_61F2, Proc2: Proc2EPT, Exit: 0x0003_6FFB, Entry: 0x11FB}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("true controls mismatch (-want +got):\n%s", diff)
	}

	if err := caps.SetModel(ControlModelLegacy); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	got, err = caps.Negotiate(DefaultFeatures())
	if err != nil {
		t.Fatalf("Negotiate(legacy): %v", err)
	}
	want = Controls{Pin: 0x16, Proc: 0x8501_E1F2, Proc2: Proc2EPT, Exit: 0x0003_6FFF, Entry: 0x11FF}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("legacy controls mismatch (-want +got):\n%s", diff)
	}
}

func TestNegotiateDropsOptionalBits(t *testing.T) {
	caps := newTestCaps(t, newFakeProc())
	f := DefaultFeatures()
	f.Proc2 = 1 << 30
	got, err := caps.Negotiate(f)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Proc2 != Proc2EPT {
		t.Fatalf("proc2 = %#x", got.Proc2)
	}
	if got.Dropped[ControlProc2] != 1<<30 {
		t.Fatalf("dropped = %#x", got.Dropped[ControlProc2])
	}
}

func TestNegotiateMissingRequired(t *testing.T) {
	p := newFakeProc()
	p.msrs[cpu.MSRVMXProcbasedCtls2] = 0x0000_0001_0000_0000
	caps := newTestCaps(t, p)

	_, err := caps.Negotiate(DefaultFeatures())
	var ufe *UnsupportedFeatureError
	if !errors.As(err, &ufe) {
		t.Fatalf("err = %v, want UnsupportedFeatureError", err)
	}
	if ufe.Control != ControlProc2 || ufe.Bits != Proc2EPT {
		t.Fatalf("unsupported = %s %#x", ufe.Control, ufe.Bits)
	}
	if caps.EPTVPID != 0 {
		t.Fatalf("EPT capabilities read without EPT support: %#x", caps.EPTVPID)
	}
}

func TestNegotiateLongModeWithEFER(t *testing.T) {
	caps := newTestCaps(t, newFakeProc())
	got, err := caps.Negotiate(Features{EPT: true, UnrestrictedGuest: true, LongMode: true, LoadEFER: true})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got.Entry&(EntryIA32eModeGuest|EntryLoadEFER) != EntryIA32eModeGuest|EntryLoadEFER {
		t.Fatalf("entry = %#x", got.Entry)
	}
	if got.Exit&(ExitSaveEFER|ExitLoadEFER|ExitHostAddressSpaceSize) != ExitSaveEFER|ExitLoadEFER|ExitHostAddressSpaceSize {
		t.Fatalf("exit = %#x", got.Exit)
	}
	if !got.HasUnrestrictedGuest() || !got.HasEPT() {
		t.Fatalf("proc2 = %#x", got.Proc2)
	}
}

func TestSetModelWithoutTrueControls(t *testing.T) {
	p := newFakeProc()
	p.msrs[cpu.MSRVMXBasic] &^= 1 << 55
	caps := newTestCaps(t, p)
	if caps.Model() != ControlModelLegacy {
		t.Fatalf("model = %s", caps.Model())
	}
	if err := caps.SetModel(ControlModelTrue); !errors.Is(err, ErrTrueControlsUnavailable) {
		t.Fatalf("SetModel(true) = %v", err)
	}
	if err := caps.SetModel(ControlModelAuto); err != nil || caps.Model() != ControlModelLegacy {
		t.Fatalf("SetModel(auto) = %v, model %s", err, caps.Model())
	}
}

func TestParseControlModel(t *testing.T) {
	for in, want := range map[string]ControlModel{"": ControlModelAuto, "auto": ControlModelAuto, "legacy": ControlModelLegacy, "true": ControlModelTrue} {
		got, err := ParseControlModel(in)
		if err != nil || got != want {
			t.Fatalf("ParseControlModel(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseControlModel("sometimes"); err == nil {
		t.Fatal("ParseControlModel accepted an unknown model")
	}
}

func TestFixedBits(t *testing.T) {
	caps := newTestCaps(t, newFakeProc())
	if got := caps.FixCR0(0, false); got != 0x8000_0021 {
		t.Fatalf("FixCR0(0) = %#x", got)
	}
	if got := caps.FixCR0(0x10, true); got != 0x30 {
		t.Fatalf("FixCR0(ET, unrestricted) = %#x", got)
	}
	if got := caps.FixCR4(0); got != 0x2000 {
		t.Fatalf("FixCR4(0) = %#x", got)
	}
	if got := caps.FixCR4(1 << 30); got != 0x2000 {
		t.Fatalf("FixCR4(bit 30) = %#x", got)
	}
}

func reportSettings(t *testing.T, caps *Capabilities) map[[2]int]ControlSetting {
	t.Helper()
	settings := make(map[[2]int]ControlSetting)
	for _, row := range caps.Report() {
		if row.Name == "" {
			t.Fatalf("unnamed row %+v", row)
		}
		settings[[2]int{int(row.Kind), row.Bit}] = row.Setting
	}
	return settings
}

func TestReport(t *testing.T) {
	settings := reportSettings(t, newTestCaps(t, newFakeProc()))
	for _, tc := range []struct {
		kind ControlKind
		bit  int
		want ControlSetting
	}{
		{ControlProc, 7, SettingYes},
		{ControlProc, 15, SettingDefault},
		{ControlProc, 17, SettingNo},
		{ControlExit, 2, SettingDefault},
		{ControlExit, 9, SettingYes},
		{ControlProc2, 1, SettingYes},
	} {
		got, ok := settings[[2]int{int(tc.kind), tc.bit}]
		if !ok {
			t.Fatalf("no report row for %s bit %d", tc.kind, tc.bit)
		}
		if got != tc.want {
			t.Fatalf("%s bit %d = %s, want %s", tc.kind, tc.bit, got, tc.want)
		}
	}
}

func TestReportLegacyOnly(t *testing.T) {
	p := newFakeProc()
	p.msrs[cpu.MSRVMXBasic] &^= 1 << 55
	settings := reportSettings(t, newTestCaps(t, p))
	if got := settings[[2]int{int(ControlProc), 15}]; got != SettingForced {
		t.Fatalf("CR3-load exiting = %s, want forced", got)
	}
}
