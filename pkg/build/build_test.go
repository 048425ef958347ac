package build

import (
	"fmt"
	"strings"
	"testing"

	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/program"
	rtlrun "github.com/oisee/rtlsim/pkg/runtime"
	"github.com/oisee/rtlsim/pkg/sir"
)

func ref(name string) hdl.Expr { return hdl.Expr{Kind: hdl.ExprRef, Name: name} }
func ptrE(e hdl.Expr) *hdl.Expr { return &e }
func constE(v uint64, w int) hdl.Expr {
	return hdl.Expr{Kind: hdl.ExprConst, ConstValue: v, ConstWidth: w}
}
func binE(op hdl.BinOp, l, r hdl.Expr) hdl.Expr {
	return hdl.Expr{Kind: hdl.ExprBinary, Op: op, Left: ptrE(l), Right: ptrE(r)}
}
func notE(x hdl.Expr) hdl.Expr {
	return hdl.Expr{Kind: hdl.ExprUnary, UnOp: hdl.OpNot, Operand: ptrE(x)}
}
func sliceE(name string, lsb, msb int) hdl.Expr {
	return hdl.Expr{Kind: hdl.ExprSlice, Base: ptrE(ref(name)), LSB: lsb, MSB: msb}
}
func assign(lhs, rhs hdl.Expr) hdl.Stmt {
	return hdl.Stmt{Kind: hdl.StmtAssign, LHS: lhs, RHS: rhs}
}
func ifS(cond hdl.Expr, then, els []hdl.Stmt) hdl.Stmt {
	return hdl.Stmt{Kind: hdl.StmtIf, Cond: cond, Then: then, Else: els}
}

func mustBuild(t *testing.T, d *hdl.Design, opts Options) *Result {
	t.Helper()
	res, err := Build(d, opts)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	return res
}

func signalAddr(t *testing.T, prog *program.Program, name string) sir.Addr {
	t.Helper()
	for _, s := range prog.Signals {
		if s.Name == name {
			return s.Addr
		}
	}
	t.Fatalf("no signal named %q in built program", name)
	return sir.Addr{}
}

// TestBuildAdderProducesBitExactSum drives a 16+16->17 bit adder
// through the whole pipeline and checks the carry-out bit lands
// exactly where the width extension says it should.
func TestBuildAdderProducesBitExactSum(t *testing.T) {
	mod := hdl.Module{
		Name: "adder",
		Ports: []hdl.Port{
			{Name: "a", Dir: hdl.DirInput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 16}},
			{Name: "b", Dir: hdl.DirInput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 16}},
			{Name: "sum", Dir: hdl.DirOutput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 17}},
		},
		Comb: []hdl.CombBlock{{Body: []hdl.Stmt{
			assign(ref("sum"), binE(hdl.OpAdd, ref("a"), ref("b"))),
		}}},
	}
	design := &hdl.Design{Modules: []hdl.Module{mod}, Top: "adder"}

	res := mustBuild(t, design, Options{})
	sim := res.Simulator

	addrA := signalAddr(t, res.Program, "adder.a")
	addrB := signalAddr(t, res.Program, "adder.b")
	addrSum := signalAddr(t, res.Program, "adder.sum")

	sim.Buffer().SetInput(addrA, 0xFFFF)
	sim.Buffer().SetInput(addrB, 1)
	if trap := sim.EvalComb(); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if got, want := sim.Buffer().Stable(addrSum), uint64(0x10000); got != want {
		t.Fatalf("expected carry into bit 16 giving sum=0x%x, got 0x%x", want, got)
	}
}

// TestBuildPartialAssignmentConcatTwoDisjointDrivers checks that two
// slice assignments to non-overlapping halves of the same variable
// both take effect, rather than one clobbering the other.
func TestBuildPartialAssignmentConcatTwoDisjointDrivers(t *testing.T) {
	mod := hdl.Module{
		Name: "splitter",
		Ports: []hdl.Port{
			{Name: "a", Dir: hdl.DirInput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 4}},
			{Name: "b", Dir: hdl.DirInput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 4}},
			{Name: "y", Dir: hdl.DirOutput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 8}},
		},
		Comb: []hdl.CombBlock{{Body: []hdl.Stmt{
			assign(sliceE("y", 0, 3), ref("a")),
			assign(sliceE("y", 4, 7), ref("b")),
		}}},
	}
	design := &hdl.Design{Modules: []hdl.Module{mod}, Top: "splitter"}

	res := mustBuild(t, design, Options{})
	sim := res.Simulator

	addrA := signalAddr(t, res.Program, "splitter.a")
	addrB := signalAddr(t, res.Program, "splitter.b")
	addrY := signalAddr(t, res.Program, "splitter.y")

	sim.Buffer().SetInput(addrA, 0xA)
	sim.Buffer().SetInput(addrB, 0x5)
	if trap := sim.EvalComb(); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if got, want := sim.Buffer().Stable(addrY), uint64(0x5A); got != want {
		t.Fatalf("expected y=0x%x from two disjoint drivers, got 0x%x", want, got)
	}
}

// divTopDesign builds a two-stage ripple divider: c1 toggles on every
// rising edge of clkIn, c2 toggles on every rising edge of c1 — a
// clock domain driven entirely by another domain's output, with no
// simulated delay between the two.
func divTopDesign() *hdl.Design {
	mod := hdl.Module{
		Name: "divtop",
		Vars: []hdl.VarDecl{
			{Name: "clkIn", Type: hdl.Type{Kind: hdl.TypeLogic, Width: 1}},
			{Name: "c1", Type: hdl.Type{Kind: hdl.TypeLogic, Width: 1}},
			{Name: "c2", Type: hdl.Type{Kind: hdl.TypeLogic, Width: 1}},
		},
		FlipFlops: []hdl.FlipFlopBlock{
			{
				Trigger: hdl.Trigger{Clock: "clkIn", ClockEdge: hdl.PosEdge},
				Body:    []hdl.Stmt{assign(ref("c1"), notE(ref("c1")))},
			},
			{
				Trigger: hdl.Trigger{Clock: "c1", ClockEdge: hdl.PosEdge},
				Body:    []hdl.Stmt{assign(ref("c2"), notE(ref("c2")))},
			},
		},
	}
	return &hdl.Design{Modules: []hdl.Module{mod}, Top: "divtop"}
}

// TestBuildZeroDelayClockDividerCascades checks that a flip-flop output
// driving another flip-flop's clock re-triggers the second domain
// within the same simulated instant the first one settles (§5's
// cascade re-scan), producing a bit-exact divide-by-four waveform.
func TestBuildZeroDelayClockDividerCascades(t *testing.T) {
	res := mustBuild(t, divTopDesign(), Options{})
	sim := res.Simulator

	addrC1 := signalAddr(t, res.Program, "divtop.c1")
	addrC2 := signalAddr(t, res.Program, "divtop.c2")

	type step struct {
		t              int64
		clkIn          uint64
		wantC1, wantC2 uint64
	}
	steps := []step{
		{0, 1, 1, 1},  // clkIn posedge -> c1 0->1 (posedge) -> c2 0->1
		{10, 0, 1, 1}, // clkIn negedge, no trigger
		{20, 1, 0, 1}, // clkIn posedge -> c1 1->0 (negedge on c1, c2 unaffected)
		{30, 0, 0, 1}, // clkIn negedge, no trigger
		{40, 1, 1, 0}, // clkIn posedge -> c1 0->1 (posedge) -> c2 1->0
	}
	for _, s := range steps {
		if trap := sim.Schedule("clkIn", rtlrun.Time(s.t), s.clkIn); trap != nil {
			t.Fatalf("t=%d: unexpected schedule trap: %v", s.t, trap)
		}
		if _, ok, trap := sim.Step(); !ok || trap != nil {
			t.Fatalf("t=%d: expected step to process the event, ok=%v trap=%v", s.t, ok, trap)
		}
		if got := sim.Buffer().Stable(addrC1); got != s.wantC1 {
			t.Fatalf("t=%d: expected c1=%d, got %d", s.t, s.wantC1, got)
		}
		if got := sim.Buffer().Stable(addrC2); got != s.wantC2 {
			t.Fatalf("t=%d: expected c2=%d, got %d", s.t, s.wantC2, got)
		}
	}
}

// counterBankDesign declares n independent 32-bit counters in one
// module, every one clocked by clk and zeroed by an active-high
// asynchronous reset.
func counterBankDesign(n int) *hdl.Design {
	mod := hdl.Module{
		Name: "bank",
		Vars: []hdl.VarDecl{
			{Name: "clk", Type: hdl.Type{Kind: hdl.TypeLogic, Width: 1}},
			{Name: "rst", Type: hdl.Type{Kind: hdl.TypeLogic, Width: 1}},
		},
	}
	trig := hdl.Trigger{
		Clock: "clk", ClockEdge: hdl.PosEdge,
		HasReset: true, Reset: "rst", ResetKind: hdl.ResetAsyncHigh,
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("cnt%d", i)
		mod.Vars = append(mod.Vars, hdl.VarDecl{Name: name, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 32}})
		mod.FlipFlops = append(mod.FlipFlops, hdl.FlipFlopBlock{
			Trigger: trig,
			Body: []hdl.Stmt{ifS(ref("rst"),
				[]hdl.Stmt{assign(ref(name), constE(0, 32))},
				[]hdl.Stmt{assign(ref(name), binE(hdl.OpAdd, ref(name), constE(1, 32)))},
			)},
		})
	}
	return &hdl.Design{Modules: []hdl.Module{mod}, Top: "bank"}
}

// TestBuildThousandCountersAsyncReset asserts reset, releases it, then
// clocks the bank N times and expects every one of the 1000 counters
// to read exactly N.
func TestBuildThousandCountersAsyncReset(t *testing.T) {
	const numCounters = 1000
	const numTicks = 7

	res := mustBuild(t, counterBankDesign(numCounters), Options{})
	sim := res.Simulator

	addrs := make(map[string]sir.Addr, len(res.Program.Signals))
	for _, s := range res.Program.Signals {
		addrs[s.Name] = s.Addr
	}

	now := rtlrun.Time(0)
	do := func(event string, value uint64) {
		t.Helper()
		if trap := sim.Schedule(event, now, value); trap != nil {
			t.Fatalf("t=%d: schedule %s=%d: %v", now, event, value, trap)
		}
		if _, ok, trap := sim.Step(); !ok || trap != nil {
			t.Fatalf("t=%d: step for %s=%d: ok=%v trap=%v", now, event, value, ok, trap)
		}
		now += 5
	}

	do("rst", 1)
	do("clk", 1) // clocked while in reset: counters stay zero
	do("clk", 0)
	do("rst", 0)
	for i := 0; i < numTicks; i++ {
		do("clk", 1)
		do("clk", 0)
	}

	for i := 0; i < numCounters; i++ {
		name := fmt.Sprintf("bank.cnt%d", i)
		addr, found := addrs[name]
		if !found {
			t.Fatalf("no signal named %q in built program", name)
		}
		if got := sim.Buffer().Stable(addr); got != numTicks {
			t.Fatalf("%s: expected %d after %d ticks, got %d", name, numTicks, numTicks, got)
		}
	}
}

// TestBuildRejectsMultipleDrivers feeds two always-comb blocks that
// both assign y[3:0] and expects the build to fail naming the
// conflicting bit range.
func TestBuildRejectsMultipleDrivers(t *testing.T) {
	mod := hdl.Module{
		Name: "dual",
		Ports: []hdl.Port{
			{Name: "a", Dir: hdl.DirInput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 4}},
			{Name: "y", Dir: hdl.DirOutput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 4}},
		},
		Comb: []hdl.CombBlock{
			{Body: []hdl.Stmt{assign(ref("y"), ref("a"))}},
			{Body: []hdl.Stmt{assign(ref("y"), notE(ref("a")))}},
		},
	}
	design := &hdl.Design{Modules: []hdl.Module{mod}, Top: "dual"}

	_, err := Build(design, Options{})
	if err == nil {
		t.Fatalf("expected a multiple-driver build error")
	}
	if !strings.Contains(err.Error(), "y[3:0]") {
		t.Fatalf("expected the error to name the conflicting range y[3:0], got: %v", err)
	}
}

// TestBuildFourStateDominantZeroAnd drives y = a & b with a fully
// unknown and b zero: the AND must resolve to a defined 0 (dominant
// zero), and with b all-ones the unknown must propagate through.
func TestBuildFourStateDominantZeroAnd(t *testing.T) {
	mod := hdl.Module{
		Name: "gate",
		Ports: []hdl.Port{
			{Name: "a", Dir: hdl.DirInput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 4}},
			{Name: "b", Dir: hdl.DirInput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 4}},
			{Name: "y", Dir: hdl.DirOutput, Type: hdl.Type{Kind: hdl.TypeLogic, Width: 4}},
		},
		Comb: []hdl.CombBlock{{Body: []hdl.Stmt{
			assign(ref("y"), binE(hdl.OpAnd, ref("a"), ref("b"))),
		}}},
	}
	design := &hdl.Design{Modules: []hdl.Module{mod}, Top: "gate"}

	res := mustBuild(t, design, Options{FourState: true})
	sim := res.Simulator

	addrA := signalAddr(t, res.Program, "gate.a")
	addrB := signalAddr(t, res.Program, "gate.b")
	addrY := signalAddr(t, res.Program, "gate.y")

	sim.Buffer().SetInput(addrA, 0)
	sim.Buffer().SetInputX(addrA, 0b1111)
	sim.Buffer().SetInput(addrB, 0)
	if trap := sim.EvalComb(); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if got := sim.Buffer().StableX(addrY); got != 0 {
		t.Fatalf("X & 0 must be a defined 0, got mask %04b", got)
	}
	if got := sim.Buffer().Stable(addrY); got != 0 {
		t.Fatalf("X & 0 must have value 0, got %04b", got)
	}

	sim.Buffer().SetInput(addrB, 0b1111)
	if trap := sim.EvalComb(); trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if got := sim.Buffer().StableX(addrY); got != 0b1111 {
		t.Fatalf("X & 1 must stay unknown, got mask %04b", got)
	}
}

// TestBuildResolvesDefaultClockPolarity builds a flip-flop whose
// trigger left its clock edge to the project default, with the default
// set to falling edge, and checks only the falling transition fires it.
func TestBuildResolvesDefaultClockPolarity(t *testing.T) {
	mod := hdl.Module{
		Name: "defclk",
		Vars: []hdl.VarDecl{
			{Name: "clk", Type: hdl.Type{Kind: hdl.TypeLogic, Width: 1}},
			{Name: "q", Type: hdl.Type{Kind: hdl.TypeLogic, Width: 8}},
		},
		FlipFlops: []hdl.FlipFlopBlock{{
			Trigger: hdl.Trigger{Clock: "clk", ClockEdge: hdl.EdgeDefault},
			Body:    []hdl.Stmt{assign(ref("q"), binE(hdl.OpAdd, ref("q"), constE(1, 8)))},
		}},
	}
	design := &hdl.Design{Modules: []hdl.Module{mod}, Top: "defclk"}

	res := mustBuild(t, design, Options{ClockType: hdl.NegEdge})
	sim := res.Simulator
	addrQ := signalAddr(t, res.Program, "defclk.q")

	do := func(tm int64, v uint64) {
		t.Helper()
		if trap := sim.Schedule("clk", rtlrun.Time(tm), v); trap != nil {
			t.Fatalf("t=%d: %v", tm, trap)
		}
		if _, ok, trap := sim.Step(); !ok || trap != nil {
			t.Fatalf("t=%d: ok=%v trap=%v", tm, ok, trap)
		}
	}

	do(0, 1) // rising: not the configured edge
	if got := sim.Buffer().Stable(addrQ); got != 0 {
		t.Fatalf("expected q untouched on the rising edge, got %d", got)
	}
	do(10, 0) // falling: fires
	if got := sim.Buffer().Stable(addrQ); got != 1 {
		t.Fatalf("expected q=1 after the falling edge, got %d", got)
	}
}
