package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tinyrange/vtx/internal/asm/amd64"
	"github.com/tinyrange/vtx/internal/config"
	"github.com/tinyrange/vtx/internal/mem"
	"github.com/tinyrange/vtx/internal/session"
	"github.com/tinyrange/vtx/internal/sim"
	"github.com/tinyrange/vtx/internal/vmx"
	"github.com/tinyrange/vtx/internal/vmx/native"
)

// hostOverhead is arena space beyond guest RAM for VMX regions, EPT tables
// and device backings.
const hostOverhead = 16 << 20

type runFlags struct {
	config       string
	image        string
	payload      string
	message      string
	mode         string
	memory       string
	entry        uint64
	stack        uint64
	maxExits     uint64
	consolePort  uint16
	unrestricted string
	model        string
	preemption   uint32
	backend      string
	stepLimit    int
	noProgress   bool
}

var runOpts runFlags

// file merges the configuration file with the flags the user set.
func (o *runFlags) file(cmd *cobra.Command) (*config.File, error) {
	f := &config.File{}
	if o.config != "" {
		var err error
		if f, err = config.Load(o.config); err != nil {
			return nil, err
		}
	}
	changed := cmd.Flags().Changed
	if changed("image") {
		f.Image, f.Payload = o.image, ""
	}
	if changed("payload") {
		f.Payload, f.Image = o.payload, ""
	}
	if changed("message") {
		f.Message = o.message
	}
	if changed("mode") {
		f.Mode = o.mode
	}
	if changed("memory") {
		sz, err := config.ParseSize(o.memory)
		if err != nil {
			return nil, fmt.Errorf("--memory: %w", err)
		}
		f.Memory = sz
	}
	if changed("entry") {
		f.Entry = config.Hex(o.entry)
	}
	if changed("stack") {
		f.Stack = config.Hex(o.stack)
	}
	if changed("max-exits") {
		f.MaxExits = o.maxExits
	}
	if changed("console-port") {
		f.ConsolePort = config.Hex(o.consolePort)
	}
	if changed("unrestricted-guest") {
		f.UnrestrictedGuest = o.unrestricted
	}
	if changed("control-model") {
		f.ControlModel = o.model
	}
	if changed("preemption-timer") {
		f.PreemptionTimer = o.preemption
	}
	if f.Image == "" && f.Payload == "" {
		f.Payload = "out-hlt"
	}
	return f, nil
}

// session returns a session with its processor and host memory chosen by
// --backend. The close function releases the arena.
func (o *runFlags) session(memory uint64) (*session.Session, func() error, error) {
	arena, err := mem.NewArena(mem.ArenaConfig{Size: memory + hostOverhead})
	if err != nil {
		return nil, nil, err
	}
	s := &session.Session{Allocator: arena, Translator: arena, Memory: arena}

	var proc vmx.Processor
	switch o.backend {
	case "sim":
		proc, err = sim.New(sim.Options{Memory: arena, StepLimit: o.stepLimit})
	case "native":
		// Ring 0 with identity-mapped host memory.
		proc, err = native.New()
		s.Translator, s.Memory = mem.Identity{}, mem.Identity{}
	default:
		err = fmt.Errorf("unknown backend %q (want sim or native)", o.backend)
	}
	if err != nil {
		_ = arena.Close()
		return nil, nil, err
	}
	s.Processor = proc
	return s, arena.Close, nil
}

func progress(name string) func(size int64) io.Writer {
	return func(size int64) io.Writer {
		return progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("loading "+name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
	}
}

func printRunReport(w io.Writer, rep *session.Report, runErr error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	status := good("terminated")
	switch {
	case runErr != nil:
		status = bad("failed")
	case !rep.Terminated:
		status = warn("stopped")
	}
	fmt.Fprintf(tw, "%s\t%s after %d exits in %s\n", bold("guest"), status, rep.Total, rep.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(tw, "image\t%s at %#x (%d bytes)\n", rep.Image.Path, rep.Image.Addr, rep.Image.Size)
	fmt.Fprintf(tw, "last exit\t%s at rip %#x (linear %#x)\n", rep.Reason, rep.RIP, rep.LinearRIP)
	for _, win := range rep.Windows {
		fmt.Fprintf(tw, "window\t%s [%#x, %#x)\n", win.Name, win.Base, win.End())
	}

	reasons := make([]vmx.ExitReason, 0, len(rep.Exits))
	for r := range rep.Exits {
		reasons = append(reasons, r)
	}
	slices.Sort(reasons)
	for _, r := range reasons {
		fmt.Fprintf(tw, "  %s\t%d\n", r, rep.Exits[r])
	}
}

var runCmd = &cobra.Command{
	Use:   "run [config.yaml]",
	Short: "Run a guest image or built-in payload to completion",
	Long: "Run loads a raw flat binary (or assembles a built-in payload), builds the guest\n" +
		"for the requested processor mode and steps it until it halts, shuts down through\n" +
		"VMCALL or fails. Built-in payloads: " + strings.Join(amd64.PayloadNames(), ", ") + ".",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			runOpts.config = args[0]
		}
		f, err := runOpts.file(cmd)
		if err != nil {
			return err
		}
		cfg, err := f.Session()
		if err != nil {
			return err
		}
		if cfg.ImagePath != "" && !runOpts.noProgress && stdoutIsTerminal() {
			cfg.LoadProgress = progress(filepath.Base(cfg.ImagePath))
		}

		memory := cfg.MemorySize
		if memory == 0 {
			memory = session.DefaultMemorySize
		}
		s, closeHost, err := runOpts.session(memory)
		if err != nil {
			return err
		}
		defer closeHost()

		console := newConsoleWriter(os.Stdout, !stdoutIsTerminal())
		s.Config = cfg
		s.Console = console

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		rep, runErr := s.Run(ctx)
		_ = console.Flush()
		if rep != nil {
			printRunReport(os.Stderr, rep, runErr)
		}
		return runErr
	},
}

// register binds the run flags to cmd.
func (o *runFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.config, "config", "", "YAML session file")
	f.StringVar(&o.image, "image", "", "raw flat binary to load at the entry point")
	f.StringVar(&o.payload, "payload", "", "built-in payload: "+strings.Join(amd64.PayloadNames(), ", "))
	f.StringVar(&o.message, "message", "", "text the out-hlt payload prints")
	f.StringVar(&o.mode, "mode", "long", "guest mode: real, protected, protected-paged or long")
	f.StringVar(&o.memory, "memory", "16MiB", "guest RAM mapped at address zero")
	f.Uint64Var(&o.entry, "entry", session.DefaultEntry, "guest-physical load and entry address")
	f.Uint64Var(&o.stack, "stack", session.DefaultStackTop, "initial stack pointer")
	f.Uint64Var(&o.maxExits, "max-exits", session.DefaultMaxExits, "stop after this many VM exits")
	f.Uint16Var(&o.consolePort, "console-port", 0xE9, "I/O port the payloads print to")
	f.StringVar(&o.unrestricted, "unrestricted-guest", "auto", "auto, true or false")
	f.StringVar(&o.model, "control-model", "auto", "auto, legacy or true")
	f.Uint32Var(&o.preemption, "preemption-timer", 0, "arm the VMX preemption timer (0 disables)")
	f.StringVar(&o.backend, "backend", "sim", "processor backend: sim or native")
	f.IntVar(&o.stepLimit, "step-limit", 1_000_000, "instructions the simulated guest may run per entry")
	f.BoolVar(&o.noProgress, "no-progress", false, "do not draw the image load progress bar")
}

func init() {
	runOpts.register(runCmd)
	rootCmd.AddCommand(runCmd)
}
