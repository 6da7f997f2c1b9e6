// Command vmxctl inspects VT-x support and runs small guests through the
// hypervisor core, either on the simulated processor or natively in ring 0.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:           "vmxctl",
	Short:         "Drive a minimal Intel VT-x hypervisor core",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debugLogging {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		if !stdoutIsTerminal() {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "log every VM exit")
}

func stdoutIsTerminal() bool { return term.IsTerminal(int(os.Stdout.Fd())) }

var (
	good = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", bad("error:"), err)
		os.Exit(1)
	}
}
