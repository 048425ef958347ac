package build

import (
	"runtime"

	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/jit"
	"github.com/oisee/rtlsim/pkg/vcd"
)

// LoopDecl is one host-declared false_loop/true_loop annotation (§6,
// §12), in its raw "instance.path:variable" signal-path form
// on both ends. MaxIter is meaningful only for a true_loop declaration.
type LoopDecl struct {
	From, To string
	MaxIter  int
}

// Options configures one Build invocation: a flat, CLI-flag-populated
// options bag passed by value, not a builder chain.
type Options struct {
	// FalseLoops/TrueLoops name residual combinational cycles the host
	// has inspected and knows the correct resolution for, each as a
	// (from, to) pair of signal paths (§12).
	FalseLoops []LoopDecl
	TrueLoops  []LoopDecl

	// FourState compiles every execution unit with 0/1/X/Z evaluation
	// (§6's four_state build option). Off, unknown-bit masks are
	// ignored and the two-state boundary behaviors apply throughout.
	FourState bool

	// Optimize runs pkg/optimize's fixed-order rewrite passes over
	// every lowered function before compiling it.
	Optimize bool

	// ClockType is the clock polarity applied to any trigger whose
	// clock leaves its edge unspecified (§6 project configuration).
	// The zero value is rising-edge.
	ClockType hdl.EdgePolarity

	// ResetType is the reset polarity for triggers that name a reset
	// without one. The zero value is asynchronous active-high.
	ResetType hdl.ResetKind

	// WarningsAsErrors promotes non-fatal build observations (latch
	// inference, §9 Open Question 1) to a build failure. Off by default.
	WarningsAsErrors bool

	// NumWorkers bounds the per-domain lowering/compilation pool.
	// <= 0 defaults to runtime.NumCPU().
	NumWorkers int

	// Trace, when non-nil, is threaded into every jit.Compile call
	// (§4.7's compile-time trace option).
	Trace jit.Trace

	// VCD, when non-nil, receives the built simulator's Dump calls.
	VCD vcd.WaveformSink
}

func (o Options) numWorkers() int {
	if o.NumWorkers > 0 {
		return o.NumWorkers
	}
	return runtime.NumCPU()
}
