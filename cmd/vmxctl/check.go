package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vtx/internal/cpu"
	"github.com/tinyrange/vtx/internal/vmx"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether this host can run the VT-x backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()

		info := cpu.HostInfo()
		fmt.Fprintf(w, "cpu\t%s (%s, family %d model %d, %d threads)\n", info.Brand, info.Vendor, info.Family, info.Model, info.Logical)
		if info.VMX {
			fmt.Fprintf(w, "vmx\t%s\n", good("advertised by CPUID"))
		} else {
			fmt.Fprintf(w, "vmx\t%s\n", bad("not advertised by CPUID"))
		}
		if info.Hypervisor {
			fmt.Fprintf(w, "hypervisor\t%s\n", warn("running under a hypervisor; nested VMX may be missing"))
		}

		if _, err := cpu.Native{}.ReadMSR(cpu.MSRFeatureControl); err != nil {
			fmt.Fprintf(w, "native backend\t%s\n", warn(err.Error()))
		} else {
			fmt.Fprintf(w, "native backend\t%s\n", good("ring 0"))
		}

		d, err := cpu.OpenDevMSR(0)
		if err != nil {
			fmt.Fprintf(w, "msr device\t%s\n", warn(err.Error()))
		} else {
			defer d.Close()
			checkFeatureControl(w, d)
		}

		fmt.Fprintf(w, "sim backend\t%s\n", good("available"))
		return nil
	},
}

// checkFeatureControl reports how firmware left IA32_FEATURE_CONTROL and
// whether the capability MSRs can be read.
func checkFeatureControl(w *tabwriter.Writer, r cpu.Registers) {
	fc, err := r.ReadMSR(cpu.MSRFeatureControl)
	switch {
	case err != nil:
		fmt.Fprintf(w, "feature control\t%s\n", bad(err.Error()))
	case fc&cpu.FeatureControlLocked == 0:
		fmt.Fprintf(w, "feature control\t%s\n", warn("unlocked; VMXON will lock it with VMX enabled"))
	case fc&cpu.FeatureControlVMXOutside == 0:
		fmt.Fprintf(w, "feature control\t%s\n", bad("locked with VMX disabled by firmware"))
	default:
		fmt.Fprintf(w, "feature control\t%s\n", good("locked with VMX enabled"))
	}

	caps, err := vmx.ReadCapabilities(r)
	switch {
	case errors.Is(err, vmx.ErrVMXUnsupported):
		fmt.Fprintf(w, "capabilities\t%s\n", bad("VMX unsupported"))
	case err != nil:
		fmt.Fprintf(w, "capabilities\t%s\n", bad(err.Error()))
	default:
		fmt.Fprintf(w, "capabilities\t%s\n", good(fmt.Sprintf("revision %#x, %s controls", caps.Revision(), caps.Model())))
	}
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
