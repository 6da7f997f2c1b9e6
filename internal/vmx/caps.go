package vmx

import (
	"fmt"

	"github.com/tinyrange/vtx/internal/cpu"
)

// ControlModel selects which family of capability MSRs governs the pin,
// primary processor, exit and entry controls.
type ControlModel uint8

const (
	// ControlModelAuto picks TRUE when IA32_VMX_BASIC advertises it.
	ControlModelAuto ControlModel = iota
	ControlModelLegacy
	ControlModelTrue
)

func (m ControlModel) String() string {
	switch m {
	case ControlModelLegacy:
		return "legacy"
	case ControlModelTrue:
		return "true"
	default:
		return "auto"
	}
}

// ParseControlModel accepts "auto", "legacy" or "true".
func ParseControlModel(s string) (ControlModel, error) {
	switch s {
	case "", "auto":
		return ControlModelAuto, nil
	case "legacy":
		return ControlModelLegacy, nil
	case "true":
		return ControlModelTrue, nil
	}
	return ControlModelAuto, fmt.Errorf("vmx: unknown control model %q", s)
}

const (
	basicRevisionMask = 0x7FFFFFFF
	basicTrueControls = 1 << 55
)

// EPT/VPID capability bits.
const (
	EPTCapExecuteOnly   uint64 = 1 << 0
	EPTCapWalkLength4   uint64 = 1 << 6
	EPTCapUncacheable   uint64 = 1 << 8
	EPTCapWriteBack     uint64 = 1 << 14
	EPTCap2MBPages      uint64 = 1 << 16
	EPTCap1GBPages      uint64 = 1 << 17
	EPTCapINVEPT        uint64 = 1 << 20
	EPTCapAccessedDirty uint64 = 1 << 21
	EPTCapINVVPID       uint64 = 1 << 32
)

// Capabilities is a snapshot of the VMX capability MSRs of one processor.
type Capabilities struct {
	Basic     uint64
	Misc      uint64
	CR0Fixed0 uint64
	CR0Fixed1 uint64
	CR4Fixed0 uint64
	CR4Fixed1 uint64
	VMCSEnum  uint64
	EPTVPID   uint64

	legacyCtls [5]uint64
	trueCtls   [5]uint64
	model      ControlModel
}

var legacyControlMSRs = [5]uint32{
	ControlPin:   cpu.MSRVMXPinbasedCtls,
	ControlProc:  cpu.MSRVMXProcbasedCtls,
	ControlProc2: cpu.MSRVMXProcbasedCtls2,
	ControlExit:  cpu.MSRVMXExitCtls,
	ControlEntry: cpu.MSRVMXEntryCtls,
}

var trueControlMSRs = [5]uint32{
	ControlPin:   cpu.MSRVMXTruePinbasedCtls,
	ControlProc:  cpu.MSRVMXTrueProcbasedCtls,
	ControlProc2: cpu.MSRVMXProcbasedCtls2,
	ControlExit:  cpu.MSRVMXTrueExitCtls,
	ControlEntry: cpu.MSRVMXTrueEntryCtls,
}

// ReadCapabilities reads every VMX capability MSR from r.
func ReadCapabilities(r cpu.Registers) (*Capabilities, error) {
	if !cpu.SupportsVMX(r) {
		return nil, ErrVMXUnsupported
	}

	c := &Capabilities{}
	read := func(index uint32, dst *uint64) error {
		v, err := r.ReadMSR(index)
		if err != nil {
			return fmt.Errorf("vmx: read msr %#x: %w", index, err)
		}
		*dst = v
		return nil
	}

	for _, m := range []struct {
		index uint32
		dst   *uint64
	}{
		{cpu.MSRVMXBasic, &c.Basic},
		{cpu.MSRVMXMisc, &c.Misc},
		{cpu.MSRVMXCR0Fixed0, &c.CR0Fixed0},
		{cpu.MSRVMXCR0Fixed1, &c.CR0Fixed1},
		{cpu.MSRVMXCR4Fixed0, &c.CR4Fixed0},
		{cpu.MSRVMXCR4Fixed1, &c.CR4Fixed1},
		{cpu.MSRVMXVMCSEnum, &c.VMCSEnum},
	} {
		if err := read(m.index, m.dst); err != nil {
			return nil, err
		}
	}

	for _, k := range []ControlKind{ControlPin, ControlProc, ControlExit, ControlEntry} {
		if err := read(legacyControlMSRs[k], &c.legacyCtls[k]); err != nil {
			return nil, err
		}
	}
	if c.HasTrueControls() {
		for _, k := range []ControlKind{ControlPin, ControlProc, ControlExit, ControlEntry} {
			if err := read(trueControlMSRs[k], &c.trueCtls[k]); err != nil {
				return nil, err
			}
		}
	}

	// The secondary controls and EPT capabilities only exist when the
	// primary controls allow activating them.
	if uint32(c.legacyCtls[ControlProc]>>32)&ProcSecondaryControls != 0 {
		if err := read(cpu.MSRVMXProcbasedCtls2, &c.legacyCtls[ControlProc2]); err != nil {
			return nil, err
		}
		c.trueCtls[ControlProc2] = c.legacyCtls[ControlProc2]

		proc2Allowed := uint32(c.legacyCtls[ControlProc2] >> 32)
		if proc2Allowed&(Proc2EPT|Proc2VPID) != 0 {
			if err := read(cpu.MSRVMXEPTVPIDCap, &c.EPTVPID); err != nil {
				return nil, err
			}
		}
	}

	if c.HasTrueControls() {
		c.model = ControlModelTrue
	} else {
		c.model = ControlModelLegacy
	}
	return c, nil
}

// Revision is the VMCS revision identifier stamped into VMXON and VMCS regions.
func (c *Capabilities) Revision() uint32 { return uint32(c.Basic & basicRevisionMask) }

// RegionSize is the number of bytes the processor uses in VMXON and VMCS regions.
func (c *Capabilities) RegionSize() int { return int((c.Basic >> 32) & 0x1FFF) }

// RegionMemoryType is the memory type the processor uses to access VMCS
// regions: 0 uncacheable, 6 write-back.
func (c *Capabilities) RegionMemoryType() uint8 { return uint8((c.Basic >> 50) & 0xF) }

func (c *Capabilities) HasTrueControls() bool { return c.Basic&basicTrueControls != 0 }

// PreemptionTimerRate is the shift between the TSC and the VMX-preemption timer.
func (c *Capabilities) PreemptionTimerRate() uint { return uint(c.Misc & 0x1F) }

func (c *Capabilities) CR3TargetCount() int { return int((c.Misc >> 16) & 0x1FF) }

// MaxMSRListSize is the recommended maximum number of entries in each MSR list.
func (c *Capabilities) MaxMSRListSize() int { return 512 * (int((c.Misc>>25)&7) + 1) }

// SupportsActivityHLT reports whether the HLT activity state may be entered.
func (c *Capabilities) SupportsActivityHLT() bool { return c.Misc&(1<<6) != 0 }

func (c *Capabilities) HasEPT(bits uint64) bool { return c.EPTVPID&bits == bits }

// Model returns the control model in use.
func (c *Capabilities) Model() ControlModel { return c.model }

// SetModel chooses the control model for every subsequent negotiation.
func (c *Capabilities) SetModel(m ControlModel) error {
	switch m {
	case ControlModelAuto:
		if c.HasTrueControls() {
			c.model = ControlModelTrue
		} else {
			c.model = ControlModelLegacy
		}
	case ControlModelTrue:
		if !c.HasTrueControls() {
			return ErrTrueControlsUnavailable
		}
		c.model = ControlModelTrue
	case ControlModelLegacy:
		c.model = ControlModelLegacy
	default:
		return fmt.Errorf("vmx: unknown control model %d", m)
	}
	return nil
}

// ControlMSR returns the capability MSR value that governs k under the
// current model. Secondary controls are zero when they cannot be activated.
func (c *Capabilities) ControlMSR(k ControlKind) uint64 {
	if c.model == ControlModelTrue {
		return c.trueCtls[k]
	}
	return c.legacyCtls[k]
}

// Allows reports whether every bit of bits may be set in control k. Secondary
// bits also need the primary controls to allow activating them.
func (c *Capabilities) Allows(k ControlKind, bits uint32) bool {
	if k == ControlProc2 && !c.Allows(ControlProc, ProcSecondaryControls) {
		return false
	}
	return uint32(c.ControlMSR(k)>>32)&bits == bits
}

// LegacyControlMSR and TrueControlMSR expose both families for reports.
func (c *Capabilities) LegacyControlMSR(k ControlKind) uint64 { return c.legacyCtls[k] }
func (c *Capabilities) TrueControlMSR(k ControlKind) uint64   { return c.trueCtls[k] }

// ControlValue is the outcome of negotiating one control field.
type ControlValue struct {
	Value uint32
	// Dropped holds desired bits the processor does not allow to be 1.
	Dropped uint32
	// Forced holds bits that were not desired but must be 1.
	Forced uint32
}

// Negotiate computes a control value from a capability MSR and the desired
// bits. The low half of capability lists bits that must be 1, the high half
// bits that may be 1.
func Negotiate(capability uint64, desired uint32) ControlValue {
	required := uint32(capability)
	allowed := uint32(capability >> 32)
	return ControlValue{
		Value:   (desired | required) & allowed,
		Dropped: desired &^ allowed,
		Forced:  required &^ desired,
	}
}

// Features is the set of behaviours a session asks of the processor.
type Features struct {
	EPT               bool
	UnrestrictedGuest bool
	LongMode          bool
	LoadEFER          bool
	PreemptionTimer   bool
	VPID              bool

	// Extra bits requested on a best-effort basis. Bits the processor
	// cannot set are reported in Controls.Dropped and otherwise ignored.
	Pin, Proc, Proc2, Exit, Entry uint32
}

// DefaultFeatures is what the session run loop asks for.
func DefaultFeatures() Features {
	return Features{EPT: true}
}

// Controls is the negotiated value of every control field.
type Controls struct {
	Pin, Proc, Proc2, Exit, Entry uint32

	// Dropped lists best-effort bits per control that could not be set.
	Dropped [5]uint32
}

// Value returns the negotiated value for k.
func (c Controls) Value(k ControlKind) uint32 {
	switch k {
	case ControlPin:
		return c.Pin
	case ControlProc:
		return c.Proc
	case ControlProc2:
		return c.Proc2
	case ControlExit:
		return c.Exit
	default:
		return c.Entry
	}
}

func (c *Controls) set(k ControlKind, v uint32) {
	switch k {
	case ControlPin:
		c.Pin = v
	case ControlProc:
		c.Proc = v
	case ControlProc2:
		c.Proc2 = v
	case ControlExit:
		c.Exit = v
	default:
		c.Entry = v
	}
}

// SecondaryActive reports whether the secondary controls field is in effect.
func (c Controls) SecondaryActive() bool { return c.Proc&ProcSecondaryControls != 0 }

func (c Controls) HasEPT() bool {
	return c.SecondaryActive() && c.Proc2&Proc2EPT != 0
}

func (c Controls) HasUnrestrictedGuest() bool {
	return c.SecondaryActive() && c.Proc2&Proc2UnrestrictedGuest != 0
}

// Negotiate derives every control field from f under the current model.
func (c *Capabilities) Negotiate(f Features) (Controls, error) {
	var desired, required [5]uint32

	required[ControlProc] = ProcHLTExiting | ProcUnconditionalIOExiting
	if f.PreemptionTimer {
		required[ControlPin] |= PinPreemptionTimer
	}
	if f.EPT {
		required[ControlProc2] |= Proc2EPT
	}
	if f.UnrestrictedGuest {
		required[ControlProc2] |= Proc2UnrestrictedGuest
	}
	if f.VPID {
		required[ControlProc2] |= Proc2VPID
	}
	required[ControlExit] = ExitHostAddressSpaceSize
	if f.LongMode {
		required[ControlEntry] |= EntryIA32eModeGuest
	}
	if f.LoadEFER {
		required[ControlExit] |= ExitSaveEFER | ExitLoadEFER
		required[ControlEntry] |= EntryLoadEFER
	}

	desired[ControlPin] = f.Pin
	desired[ControlProc] = f.Proc
	desired[ControlProc2] = f.Proc2
	desired[ControlExit] = f.Exit
	desired[ControlEntry] = f.Entry
	if required[ControlProc2]|desired[ControlProc2] != 0 {
		required[ControlProc] |= ProcSecondaryControls
	}

	var out Controls
	for _, k := range ControlKinds {
		if k == ControlProc2 && (required[ControlProc]|desired[ControlProc])&ProcSecondaryControls == 0 {
			continue
		}
		v := Negotiate(c.ControlMSR(k), desired[k]|required[k])
		if missing := v.Dropped & required[k]; missing != 0 {
			return Controls{}, &UnsupportedFeatureError{Control: k, Bits: missing}
		}
		out.set(k, v.Value)
		out.Dropped[k] = v.Dropped
	}
	return out, nil
}

// FixCR0 applies the CR0 fixed bits. With unrestricted guest PE and PG may
// be clear.
func (c *Capabilities) FixCR0(value uint64, unrestricted bool) uint64 {
	fixed0 := c.CR0Fixed0
	if unrestricted {
		fixed0 &^= cpu.CR0PE | cpu.CR0PG
	}
	return (value | fixed0) & c.CR0Fixed1
}

// FixCR4 applies the CR4 fixed bits.
func (c *Capabilities) FixCR4(value uint64) uint64 {
	return (value | c.CR4Fixed0) & c.CR4Fixed1
}

// ControlSetting classifies one control bit for capability reports.
type ControlSetting uint8

const (
	// SettingNo means the bit must be 0.
	SettingNo ControlSetting = iota
	// SettingForced means the bit must be 1.
	SettingForced
	// SettingYes means the bit may be 0 or 1.
	SettingYes
	// SettingDefault means the legacy MSR forces the bit but the TRUE MSR
	// allows it to be cleared.
	SettingDefault
)

func (s ControlSetting) String() string {
	switch s {
	case SettingNo:
		return "no"
	case SettingForced:
		return "forced"
	case SettingYes:
		return "yes"
	default:
		return "default"
	}
}

// ControlBit is one row of a capability report.
type ControlBit struct {
	Kind    ControlKind
	Bit     int
	Name    string
	Setting ControlSetting
}

// Report classifies every named control bit.
func (c *Capabilities) Report() []ControlBit {
	var rows []ControlBit
	for _, k := range ControlKinds {
		legacy := c.legacyCtls[k]
		for bit := 0; bit < 32; bit++ {
			name := ControlBitName(k, bit)
			if name == "" {
				continue
			}
			mask := uint32(1) << bit
			canBeZero := uint32(legacy)&mask == 0
			canBeOne := uint32(legacy>>32)&mask != 0

			setting := SettingNo
			switch {
			case canBeZero && canBeOne:
				setting = SettingYes
			case canBeOne:
				setting = SettingForced
				if k != ControlProc2 && c.HasTrueControls() && uint32(c.trueCtls[k])&mask == 0 {
					setting = SettingDefault
				}
			}
			rows = append(rows, ControlBit{Kind: k, Bit: bit, Name: name, Setting: setting})
		}
	}
	return rows
}
