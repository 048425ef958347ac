// Command rtlsim drives the build/run/memmap/inspect workflow over a
// parsed hardware design: build a simulator from analyzer IR, drive it
// through a stimulus script, or report on a previously built program's
// memory layout without recompiling.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oisee/rtlsim/pkg/build"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/program"
	rtlrun "github.com/oisee/rtlsim/pkg/runtime"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rtlsim",
		Short: "RTL simulator — build, run, and inspect JIT-compiled hardware designs",
	}

	rootCmd.AddCommand(buildCmd(), runCmd(), memmapCmd(), inspectCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadDesign reads the analyzer IR the front end would otherwise hand
// off in-process (§6); this CLI accepts it pre-serialized as JSON since
// the parser itself is out of scope (§1).
func loadDesign(path string) (*hdl.Design, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var d hdl.Design
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &d, nil
}

// parseLoopFlags turns --false-loop values of the form "from->to" and
// --true-loop values of the form "from->to:maxIter" into the LoopDecl
// lists build.Options takes. maxIter is the text after the last colon,
// so a "to" path may itself contain a colon.
func parseLoopFlags(falseLoops, trueLoops []string) ([]build.LoopDecl, []build.LoopDecl, error) {
	var fl []build.LoopDecl
	for _, s := range falseLoops {
		parts := strings.SplitN(s, "->", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("invalid --false-loop %q: want from->to", s)
		}
		fl = append(fl, build.LoopDecl{From: strings.TrimSpace(parts[0]), To: strings.TrimSpace(parts[1])})
	}
	var tl []build.LoopDecl
	for _, s := range trueLoops {
		parts := strings.SplitN(s, "->", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("invalid --true-loop %q: want from->to:maxIter", s)
		}
		colon := strings.LastIndex(parts[1], ":")
		if colon < 0 {
			return nil, nil, fmt.Errorf("invalid --true-loop %q: missing maxIter", s)
		}
		maxIter, err := strconv.Atoi(strings.TrimSpace(parts[1][colon+1:]))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --true-loop %q: %w", s, err)
		}
		tl = append(tl, build.LoopDecl{From: strings.TrimSpace(parts[0]), To: strings.TrimSpace(parts[1][:colon]), MaxIter: maxIter})
	}
	return fl, tl, nil
}

// simFlags are the build-option flags shared by every subcommand that
// compiles a design before doing its work.
type simFlags struct {
	fourState bool
	optimize  bool
	clockType string
	resetType string
}

func (s *simFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&s.fourState, "four-state", false, "Evaluate with 0/1/X/Z semantics")
	cmd.Flags().BoolVar(&s.optimize, "optimize", true, "Run the optimizer passes before compiling")
	cmd.Flags().StringVar(&s.clockType, "clock-type", "rising", "Default clock polarity: rising or falling")
	cmd.Flags().StringVar(&s.resetType, "reset-type", "async_high", "Default reset kind: async_high, async_low, sync_high or sync_low")
}

func (s *simFlags) options() (build.Options, error) {
	opts := build.Options{FourState: s.fourState, Optimize: s.optimize}
	switch s.clockType {
	case "rising":
		opts.ClockType = hdl.PosEdge
	case "falling":
		opts.ClockType = hdl.NegEdge
	default:
		return opts, fmt.Errorf("invalid --clock-type %q: want rising or falling", s.clockType)
	}
	switch s.resetType {
	case "async_high":
		opts.ResetType = hdl.ResetAsyncHigh
	case "async_low":
		opts.ResetType = hdl.ResetAsyncLow
	case "sync_high":
		opts.ResetType = hdl.ResetSyncHigh
	case "sync_low":
		opts.ResetType = hdl.ResetSyncLow
	default:
		return opts, fmt.Errorf("invalid --reset-type %q: want async_high, async_low, sync_high or sync_low", s.resetType)
	}
	return opts, nil
}

func buildCmd() *cobra.Command {
	var irPath, layoutOut string
	var warningsAsErrors, jsonLayout bool
	var numWorkers int
	var falseLoops, trueLoops []string
	var sf simFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile an analyzer IR design into a runnable program layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if irPath == "" {
				return fmt.Errorf("--ir is required")
			}
			design, err := loadDesign(irPath)
			if err != nil {
				return err
			}
			fl, tl, err := parseLoopFlags(falseLoops, trueLoops)
			if err != nil {
				return err
			}

			opts, err := sf.options()
			if err != nil {
				return err
			}
			opts.FalseLoops = fl
			opts.TrueLoops = tl
			opts.WarningsAsErrors = warningsAsErrors
			opts.NumWorkers = numWorkers

			res, err := build.Build(design, opts)
			if err != nil {
				return err
			}

			fmt.Printf("Built %q\n", design.Top)
			fmt.Printf("  Signals:    %d\n", len(res.Program.Signals))
			fmt.Printf("  Events:     %d\n", len(res.Program.EventIDs))
			fmt.Printf("  Stable:     %d bytes\n", res.Program.StableSize)
			fmt.Printf("  Total:      %d bytes\n", res.Program.TotalSize)
			for _, w := range res.Warnings {
				fmt.Printf("  warning: %s\n", w.Error())
			}

			if layoutOut != "" {
				if jsonLayout {
					if err := program.SaveLayoutJSON(layoutOut, res.Program); err != nil {
						return err
					}
				} else if err := program.SaveLayout(layoutOut, res.Program); err != nil {
					return err
				}
				fmt.Printf("Layout written to %s\n", layoutOut)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&irPath, "ir", "", "Analyzer IR JSON file (required)")
	cmd.Flags().StringVar(&layoutOut, "layout-out", "", "Write the program layout (memmap/hierarchy/events) here")
	cmd.Flags().BoolVar(&jsonLayout, "json", false, "Write --layout-out as JSON instead of gob")
	cmd.Flags().BoolVar(&warningsAsErrors, "warnings-as-errors", false, "Treat inferred-latch warnings as a build failure")
	cmd.Flags().IntVar(&numWorkers, "workers", 0, "Per-domain lowering/compile worker count (0 = NumCPU)")
	cmd.Flags().StringArrayVar(&falseLoops, "false-loop", nil, "from->to signal path: known-false combinational edge")
	cmd.Flags().StringArrayVar(&trueLoops, "true-loop", nil, "from->to:maxIter signal path: bounded fixed-point loop")
	sf.register(cmd)
	return cmd
}

func memmapCmd() *cobra.Command {
	var irPath string
	var sf simFlags

	cmd := &cobra.Command{
		Use:   "memmap",
		Short: "Print a built design's signal memory map (§6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if irPath == "" {
				return fmt.Errorf("--ir is required")
			}
			design, err := loadDesign(irPath)
			if err != nil {
				return err
			}
			opts, err := sf.options()
			if err != nil {
				return err
			}
			res, err := build.Build(design, opts)
			if err != nil {
				return err
			}
			printMemmap(res.Program.SignalsSorted())
			return nil
		},
	}
	cmd.Flags().StringVar(&irPath, "ir", "", "Analyzer IR JSON file (required)")
	sf.register(cmd)
	return cmd
}

func printMemmap(signals []program.SignalInfo) {
	fmt.Printf("%-32s %8s %6s %6s %6s %-8s\n", "name", "offset", "bits", "bytes", "4state", "kind")
	for _, s := range signals {
		kind := "internal"
		switch s.Kind {
		case program.SignalInput:
			kind = "input"
		case program.SignalOutput:
			kind = "output"
		}
		fmt.Printf("%-32s %8d %6d %6d %6t %-8s\n", s.Name, s.Offset, s.BitWidth, s.ByteSize, s.Is4State, kind)
	}
}

func inspectCmd() *cobra.Command {
	var layoutPath string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a saved program layout's hierarchy and memory map without recompiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			if layoutPath == "" {
				return fmt.Errorf("--layout is required")
			}
			p, err := program.LoadLayout(layoutPath)
			if err != nil {
				return err
			}
			fmt.Printf("Events: %d\n", len(p.EventIDs))
			for name := range p.EventIDs {
				fmt.Printf("  %s\n", name)
			}
			fmt.Println("Hierarchy:")
			printHierarchy(p.Hierarchy, 1)
			fmt.Println()
			printMemmap(p.SignalsSorted())
			return nil
		},
	}
	cmd.Flags().StringVar(&layoutPath, "layout", "", "Saved layout file from `build --layout-out` (required)")
	return cmd
}

func printHierarchy(h *program.Hierarchy, depth int) {
	if h == nil {
		return
	}
	fmt.Printf("%s%s (%s)\n", strings.Repeat("  ", depth), h.InstanceName, h.ModuleName)
	for _, c := range h.Children {
		printHierarchy(c, depth+1)
	}
}

func runCmd() *cobra.Command {
	var irPath, scriptPath string
	var sf simFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a design and drive it through a stimulus script (§4.8)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if irPath == "" {
				return fmt.Errorf("--ir is required")
			}
			design, err := loadDesign(irPath)
			if err != nil {
				return err
			}
			opts, err := sf.options()
			if err != nil {
				return err
			}
			res, err := build.Build(design, opts)
			if err != nil {
				return err
			}

			var script *os.File
			if scriptPath == "" || scriptPath == "-" {
				script = os.Stdin
			} else {
				script, err = os.Open(scriptPath)
				if err != nil {
					return err
				}
				defer script.Close()
			}
			return runScript(res.Simulator, res.Program, script)
		},
	}
	cmd.Flags().StringVar(&irPath, "ir", "", "Analyzer IR JSON file (required)")
	cmd.Flags().StringVar(&scriptPath, "script", "", "Stimulus script file (default: stdin)")
	sf.register(cmd)
	return cmd
}

// runScript interprets one directive per line against sim:
//
//	clock <event> <period> <delay>   AddClock
//	schedule <event> <time> <value>  Schedule
//	tick <event>                     Tick
//	step                             Step, repeated until no events remain
//	rununtil <time>                  RunUntil
//	set <signal> <value>             write an input-typed signal
//	dump <label>                     Dump
//	print <signal>                   read and print a Stable value
//
// Blank lines and lines starting with # are ignored; every other line
// is split on whitespace into a directive and its arguments.
func runScript(sim *rtlrun.Simulator, prog *program.Program, f *os.File) error {
	byName := make(map[string]program.SignalInfo, len(prog.Signals))
	for _, s := range prog.Signals {
		byName[s.Name] = s
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "clock":
			if len(fields) != 4 {
				return fmt.Errorf("clock: want <event> <period> <delay>, got %q", line)
			}
			period, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return err
			}
			delay, err := strconv.ParseInt(fields[3], 10, 64)
			if err != nil {
				return err
			}
			if trap := sim.AddClock(fields[1], rtlrun.Time(period), rtlrun.Time(delay)); trap != nil {
				return trap
			}
		case "schedule":
			if len(fields) != 4 {
				return fmt.Errorf("schedule: want <event> <time> <value>, got %q", line)
			}
			t, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return err
			}
			v, err := strconv.ParseUint(fields[3], 0, 64)
			if err != nil {
				return err
			}
			if trap := sim.Schedule(fields[1], rtlrun.Time(t), v); trap != nil {
				return trap
			}
		case "tick":
			if len(fields) != 2 {
				return fmt.Errorf("tick: want <event>, got %q", line)
			}
			if trap := sim.Tick(fields[1]); trap != nil {
				return trap
			}
		case "step":
			for {
				_, ok, trap := sim.Step()
				if trap != nil {
					return trap
				}
				if !ok {
					break
				}
			}
		case "rununtil":
			if len(fields) != 2 {
				return fmt.Errorf("rununtil: want <time>, got %q", line)
			}
			t, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return err
			}
			if trap := sim.RunUntil(rtlrun.Time(t)); trap != nil {
				return trap
			}
		case "set":
			if len(fields) != 3 {
				return fmt.Errorf("set: want <signal> <value>, got %q", line)
			}
			v, err := strconv.ParseUint(fields[2], 0, 64)
			if err != nil {
				return err
			}
			if trap := sim.SetInput(fields[1], v); trap != nil {
				return trap
			}
		case "dump":
			label := ""
			if len(fields) > 1 {
				label = strings.Join(fields[1:], " ")
			}
			sim.Dump(label)
		case "print":
			if len(fields) != 2 {
				return fmt.Errorf("print: want <signal>, got %q", line)
			}
			s, ok := byName[fields[1]]
			if !ok {
				return fmt.Errorf("print: unknown signal %q", fields[1])
			}
			if s.BitWidth > 64 {
				lo, hi := sim.Buffer().StableWide(s.Addr)
				if s.Is4State {
					unkLo, unkHi := sim.Buffer().StableXWide(s.Addr)
					fmt.Printf("%s = %s\n", s.Name, formatFourStateWide(lo, hi, unkLo, unkHi, s.BitWidth))
				} else {
					fmt.Printf("%s = 0x%x%016x\n", s.Name, hi, lo)
				}
			} else {
				val := sim.Buffer().Stable(s.Addr)
				if s.Is4State {
					unk := sim.Buffer().StableX(s.Addr)
					fmt.Printf("%s = %s\n", s.Name, formatFourState(val, unk, s.BitWidth))
				} else {
					fmt.Printf("%s = %d\n", s.Name, val)
				}
			}
		default:
			return fmt.Errorf("unknown directive %q", fields[0])
		}
	}
	fmt.Printf("t=%d: simulation complete\n", sim.Now())
	return scanner.Err()
}

// formatFourState renders width low bits of (val, unk) most-significant
// bit first, one character per bit: 0, 1, or X (§7's value/mask pair).
func formatFourState(val, unk uint64, width int) string {
	var b strings.Builder
	for i := width - 1; i >= 0; i-- {
		bit := uint64(1) << uint(i)
		switch {
		case unk&bit != 0:
			b.WriteByte('X')
		case val&bit != 0:
			b.WriteByte('1')
		default:
			b.WriteByte('0')
		}
	}
	return b.String()
}

// formatFourStateWide is formatFourState's counterpart for a signal
// wider than 64 bits, walking the high limb's bits above position 64
// before falling through to the low limb.
func formatFourStateWide(valLo, valHi, unkLo, unkHi uint64, width int) string {
	var b strings.Builder
	for i := width - 1; i >= 0; i-- {
		var val, unk uint64
		bit := i
		if bit >= 64 {
			val, unk = valHi, unkHi
			bit -= 64
		} else {
			val, unk = valLo, unkLo
		}
		mask := uint64(1) << uint(bit)
		switch {
		case unk&mask != 0:
			b.WriteByte('X')
		case val&mask != 0:
			b.WriteByte('1')
		default:
			b.WriteByte('0')
		}
	}
	return b.String()
}
