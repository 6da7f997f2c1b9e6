package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/mem"
	"github.com/tinyrange/vtx/internal/sim"
	"github.com/tinyrange/vtx/internal/vmx"
)

// Capability sources.
const (
	sourceAuto   = "auto"
	sourceSim    = "sim"
	sourceMSR    = "msr"
	sourceNative = "native"
)

// openRegisters returns a register reader for one CPU. The close function
// is never nil.
func openRegisters(source string, n int) (cpu.Registers, func() error, error) {
	nop := func() error { return nil }
	switch source {
	case sourceSim:
		arena, err := mem.NewArena(mem.ArenaConfig{Size: 64 << 10})
		if err != nil {
			return nil, nop, err
		}
		p, err := sim.New(sim.Options{Memory: arena})
		if err != nil {
			_ = arena.Close()
			return nil, nop, err
		}
		return p, arena.Close, nil
	case sourceMSR:
		d, err := cpu.OpenDevMSR(n)
		if err != nil {
			return nil, nop, err
		}
		return d, d.Close, nil
	case sourceNative:
		return cpu.Native{}, nop, nil
	case sourceAuto:
		r, closer, err := openRegisters(sourceMSR, n)
		if err == nil {
			return r, closer, nil
		}
		slog.Warn("msr device unavailable, reporting the simulated processor", "err", err)
		return openRegisters(sourceSim, n)
	}
	return nil, nop, fmt.Errorf("unknown capability source %q (want auto, sim, msr or native)", source)
}

func readCaps(source string, n int, model vmx.ControlModel) (*vmx.Capabilities, error) {
	r, closer, err := openRegisters(source, n)
	if err != nil {
		return nil, err
	}
	defer closer()
	caps, err := vmx.ReadCapabilities(r)
	if err != nil {
		return nil, err
	}
	if err := caps.SetModel(model); err != nil {
		return nil, err
	}
	return caps, nil
}

// fingerprint holds every capability MSR value for comparing CPUs.
type fingerprint struct {
	Basic, Misc, CR0Fixed0, CR0Fixed1, CR4Fixed0, CR4Fixed1, VMCSEnum, EPTVPID uint64
	Legacy, True                                                               [5]uint64
}

func fingerprintOf(c *vmx.Capabilities) fingerprint {
	f := fingerprint{
		Basic: c.Basic, Misc: c.Misc,
		CR0Fixed0: c.CR0Fixed0, CR0Fixed1: c.CR0Fixed1,
		CR4Fixed0: c.CR4Fixed0, CR4Fixed1: c.CR4Fixed1,
		VMCSEnum: c.VMCSEnum, EPTVPID: c.EPTVPID,
	}
	for _, k := range vmx.ControlKinds {
		f.Legacy[k] = c.LegacyControlMSR(k)
		f.True[k] = c.TrueControlMSR(k)
	}
	return f
}

// readAllCPUs reads the capabilities of every CPU with an msr device
// concurrently. Each reader pins its thread so CPUID runs on the same CPU.
func readAllCPUs(model vmx.ControlModel) ([]int, []*vmx.Capabilities, error) {
	cpus, err := cpu.OnlineCPUs()
	if err != nil {
		return nil, nil, err
	}
	if len(cpus) == 0 {
		return nil, nil, fmt.Errorf("no CPU exposes an msr device; is the msr module loaded?")
	}
	out := make([]*vmx.Capabilities, len(cpus))
	var g errgroup.Group
	for i, n := range cpus {
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := cpu.PinToCPU(n); err != nil {
				return err
			}
			caps, err := readCaps(sourceMSR, n, model)
			if err != nil {
				return fmt.Errorf("cpu %d: %w", n, err)
			}
			out[i] = caps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return cpus, out, nil
}

func printSummary(w io.Writer, c *vmx.Capabilities) {
	yesNo := func(b bool) string {
		if b {
			return good("yes")
		}
		return bad("no")
	}
	fmt.Fprintf(w, "revision\t%#x\n", c.Revision())
	fmt.Fprintf(w, "region size\t%d bytes\n", c.RegionSize())
	fmt.Fprintf(w, "true controls\t%s\n", yesNo(c.HasTrueControls()))
	fmt.Fprintf(w, "control model\t%s\n", c.Model())
	fmt.Fprintf(w, "ept\t%s\n", yesNo(c.Allows(vmx.ControlProc2, vmx.Proc2EPT)))
	fmt.Fprintf(w, "ept 4-level walk\t%s\n", yesNo(c.HasEPT(vmx.EPTCapWalkLength4)))
	fmt.Fprintf(w, "ept write-back\t%s\n", yesNo(c.HasEPT(vmx.EPTCapWriteBack)))
	fmt.Fprintf(w, "unrestricted guest\t%s\n", yesNo(c.Allows(vmx.ControlProc2, vmx.Proc2UnrestrictedGuest)))
	fmt.Fprintf(w, "vpid\t%s\n", yesNo(c.Allows(vmx.ControlProc2, vmx.Proc2VPID)))
	fmt.Fprintf(w, "preemption timer\t%s (rate 2^%d)\n", yesNo(c.Allows(vmx.ControlPin, vmx.PinPreemptionTimer)), c.PreemptionTimerRate())
	fmt.Fprintf(w, "msr list limit\t%d\n", c.MaxMSRListSize())
}

func printReport(w io.Writer, c *vmx.Capabilities) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", bold("control"), bold("bit"), bold("name"), bold("setting"))
	for _, row := range c.Report() {
		setting := row.Setting.String()
		switch row.Setting {
		case vmx.SettingYes:
			setting = good(setting)
		case vmx.SettingNo:
			setting = bad(setting)
		default:
			setting = warn(setting)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", row.Kind, row.Bit, row.Name, setting)
	}
}

var capsCmd = &cobra.Command{
	Use:   "caps",
	Short: "Report the VMX capability MSRs and every control bit",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		modelName, _ := cmd.Flags().GetString("model")
		allCPUs, _ := cmd.Flags().GetBool("all-cpus")
		n, _ := cmd.Flags().GetInt("cpu")

		model, err := vmx.ParseControlModel(modelName)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()

		if allCPUs {
			cpus, all, err := readAllCPUs(model)
			if err != nil {
				return err
			}
			ref := fingerprintOf(all[0])
			fmt.Fprintf(w, "%s\t%d CPUs\n", bold("cpus"), len(cpus))
			for i, c := range all {
				status := good("matches cpu ") + fmt.Sprint(cpus[0])
				if fingerprintOf(c) != ref {
					status = bad("differs from cpu ") + fmt.Sprint(cpus[0])
				}
				fmt.Fprintf(w, "cpu %d\t%s\n", cpus[i], status)
			}
			fmt.Fprintln(w)
			printSummary(w, all[0])
			return nil
		}

		caps, err := readCaps(source, n, model)
		if err != nil {
			return err
		}
		printSummary(w, caps)
		fmt.Fprintln(w)
		printReport(w, caps)
		return nil
	},
}

func init() {
	capsCmd.Flags().String("source", sourceAuto, "where to read capabilities: auto, sim, msr or native")
	capsCmd.Flags().String("model", "auto", "control model: auto, legacy or true")
	capsCmd.Flags().Bool("all-cpus", false, "read every CPU through the msr device and compare them")
	capsCmd.Flags().Int("cpu", 0, "CPU to read through the msr device")
	rootCmd.AddCommand(capsCmd)
}
