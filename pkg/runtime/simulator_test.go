package runtime

import (
	"testing"

	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/jit"
	"github.com/oisee/rtlsim/pkg/program"
	"github.com/oisee/rtlsim/pkg/sir"
	"github.com/oisee/rtlsim/pkg/vcd"
)

var (
	addrD   = sir.Addr{Instance: 0, Local: 0}
	addrQ   = sir.Addr{Instance: 0, Local: 1}
	addrClk = sir.Addr{Instance: 0, Local: 2}
)

func emptyComb() *jit.Function {
	b := sir.NewBuilder("comb")
	b.Terminate(sir.Return{})
	return jit.Compile(b.Finish(), jit.Config{})
}

// ffEvalApply compiles "q <= d": load d from Stable, store directly to
// q's Stable word, modeling the flip-flop's eval+commit as one
// function the way a single-phase fast-path domain body would.
func ffEvalApply() *jit.Function {
	b := sir.NewBuilder("ff_eval_apply")
	d := b.Reg()
	b.Emit(sir.Load{Dst: d, Addr: addrD, LSB: 0, MSB: 0, Region: sir.RegionStable})
	b.Emit(sir.Store{Src: d, Addr: addrQ, LSB: 0, MSB: 0, Region: sir.RegionStable})
	b.Terminate(sir.Return{})
	return jit.Compile(b.Finish(), jit.Config{})
}

func newSingleFlopProgram() *program.Program {
	return program.New(
		emptyComb(),
		map[program.EventID]*program.Domain{
			0: {
				Name:      "ff",
				EvalApply: ffEvalApply(),
				ClockAddr: addrClk,
				ClockEdge: hdl.PosEdge,
			},
		},
		map[string]program.EventID{"clk": 0},
		map[program.EventID]sir.Addr{0: addrClk},
		map[program.EventID]int{0: 1},
		8, 8,
		[]program.SignalInfo{
			{Name: "d", Addr: addrD, BitWidth: 1, Kind: program.SignalInput},
			{Name: "q", Addr: addrQ, BitWidth: 1, Kind: program.SignalOutput},
			{Name: "clk", Addr: addrClk, BitWidth: 1, Kind: program.SignalInput},
		},
		nil,
	)
}

func TestTickRunsEvalApplyAroundCombinational(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)
	sim.Buffer().SetInput(addrD, 1)
	if trap := sim.Tick("clk"); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if got := sim.Buffer().Stable(addrQ); got != 1 {
		t.Fatalf("expected q=1 after tick, got %d", got)
	}
}

func TestTickUnknownEventFails(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)
	if trap := sim.Tick("nope"); trap == nil {
		t.Fatalf("expected an unknown-event diagnostic")
	}
}

func TestStepDiscoversPosedgeAndAppliesDomain(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)
	sim.Buffer().SetInput(addrD, 1)

	if trap := sim.Schedule("clk", 0, 0); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if _, ok, trap := sim.Step(); !ok || trap != nil {
		t.Fatalf("expected first step to process the baseline 0, ok=%v trap=%v", ok, trap)
	}
	if got := sim.Buffer().Stable(addrQ); got != 0 {
		t.Fatalf("expected q unchanged before any edge, got %d", got)
	}

	if trap := sim.Schedule("clk", 5, 1); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	tm, ok, trap := sim.Step()
	if !ok || trap != nil {
		t.Fatalf("expected second step to process the rising edge, ok=%v trap=%v", ok, trap)
	}
	if tm != 5 {
		t.Fatalf("expected processed time 5, got %d", tm)
	}
	if got := sim.Buffer().Stable(addrQ); got != 1 {
		t.Fatalf("expected q=1 after the posedge drives eval_apply, got %d", got)
	}
}

func TestAddClockTogglesAndDrivesDomainOnEachPosedge(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)
	sim.Buffer().SetInput(addrD, 1)

	if trap := sim.AddClock("clk", 10, 0); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}

	// t=0: rising edge (a never-seen clk reads as 0, so the first 1 is an edge).
	if _, ok, trap := sim.Step(); !ok || trap != nil {
		t.Fatalf("step 1: ok=%v trap=%v", ok, trap)
	}
	if got := sim.Buffer().Stable(addrQ); got != 1 {
		t.Fatalf("expected q=1 after the clock's first rising edge, got %d", got)
	}

	sim.Buffer().SetInput(addrD, 0)
	// t=5: falling edge, no domain trigger (posedge-only).
	if _, ok, trap := sim.Step(); !ok || trap != nil {
		t.Fatalf("step 2: ok=%v trap=%v", ok, trap)
	}
	if got := sim.Buffer().Stable(addrQ); got != 1 {
		t.Fatalf("expected q unchanged on the falling edge, got %d", got)
	}

	// t=10: second rising edge picks up the new d value.
	if _, ok, trap := sim.Step(); !ok || trap != nil {
		t.Fatalf("step 3: ok=%v trap=%v", ok, trap)
	}
	if got := sim.Buffer().Stable(addrQ); got != 0 {
		t.Fatalf("expected q=0 after the second rising edge, got %d", got)
	}
}

func TestScheduleInThePastFails(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)
	sim.Schedule("clk", 10, 1)
	sim.Step()
	if trap := sim.Schedule("clk", 0, 0); trap == nil {
		t.Fatalf("expected a past-time-schedule diagnostic")
	}
}

func TestDisposedSimulatorRejectsOperations(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)
	sim.Dispose()
	if trap := sim.EvalComb(); trap == nil {
		t.Fatalf("expected a disposed-simulator diagnostic")
	}
}

func TestRunUntilAdvancesTimeWithNoRemainingEvents(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)
	if trap := sim.RunUntil(100); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if sim.Now() != 100 {
		t.Fatalf("expected time advanced to 100, got %d", sim.Now())
	}
}

func TestDumpEmitsFullSnapshotThenOnlyChanges(t *testing.T) {
	sink := vcd.NewCollector()
	sim := New(newSingleFlopProgram(), sink)
	sim.Dump("init")
	if len(sink.Dumps) != 1 || len(sink.Dumps[0].Samples) != 3 {
		t.Fatalf("expected first dump to snapshot all 3 signals, got %+v", sink.Dumps)
	}
	sim.Dump("unchanged")
	if len(sink.Dumps[1].Samples) != 0 {
		t.Fatalf("expected no samples when nothing changed, got %+v", sink.Dumps[1])
	}
	sim.Buffer().SetInput(addrQ, 1)
	sim.Dump("changed")
	if len(sink.Dumps[2].Samples) != 1 || sink.Dumps[2].Samples[0].Name != "q" {
		t.Fatalf("expected exactly one changed sample (q), got %+v", sink.Dumps[2])
	}
}

func TestSetInputWritesInputAndRejectsOutput(t *testing.T) {
	sim := New(newSingleFlopProgram(), nil)

	if trap := sim.SetInput("d", 1); trap != nil {
		t.Fatalf("unexpected trap writing an input: %v", trap)
	}
	if got := sim.Buffer().Stable(addrD); got != 1 {
		t.Fatalf("expected d=1 after SetInput, got %d", got)
	}

	trap := sim.SetInput("q", 1)
	if trap == nil {
		t.Fatalf("expected writing an output to be rejected")
	}
	if trap.Kind != diag.KindOutputWrittenByHost {
		t.Fatalf("expected output-written-by-host, got %v", trap.Kind)
	}

	if trap := sim.SetInput("nosuch", 1); trap == nil {
		t.Fatalf("expected an unknown signal name to be rejected")
	}
}
