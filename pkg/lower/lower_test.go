package lower

import (
	"testing"

	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/logic"
	"github.com/oisee/rtlsim/pkg/schedule"
	"github.com/oisee/rtlsim/pkg/sir"
)

func TestCombLowersBinaryToLoadAndStore(t *testing.T) {
	a := expr.New()
	addrA := expr.Addr{Instance: 0, Local: 0}
	addrB := expr.Addr{Instance: 0, Local: 1}
	addrC := expr.Addr{Instance: 0, Local: 2}

	sum := a.Binary(hdl.OpAdd, a.Input(addrA, 0, 0, 3), a.Input(addrB, 0, 0, 3))
	prog := &schedule.Program{Comb: []logic.LogicPath{
		{Target: logic.BitRef{Addr: addrC, LSB: 0, MSB: 3}, Expr: sum, Name: "c"},
	}}

	fn := Comb(a, prog)
	if len(fn.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(fn.Blocks))
	}
	instrs := fn.Blocks[0].Instrs
	var loads, stores, binaries int
	for _, in := range instrs {
		switch v := in.(type) {
		case sir.Load:
			loads++
			if v.Region != sir.RegionStable {
				t.Fatalf("expected comb loads to read Stable")
			}
		case sir.Store:
			stores++
			if v.Region != sir.RegionStable {
				t.Fatalf("expected comb stores to write Stable")
			}
		case sir.Binary:
			binaries++
		}
	}
	if loads != 2 || binaries != 1 || stores != 1 {
		t.Fatalf("expected 2 loads, 1 binary, 1 store; got %d/%d/%d", loads, binaries, stores)
	}
	if _, ok := fn.Blocks[0].Term.(sir.Return); !ok {
		t.Fatalf("expected a Return terminator")
	}
}

func TestCombLowersMuxToBranchAndPhi(t *testing.T) {
	a := expr.New()
	addrSel := expr.Addr{Instance: 0, Local: 0}
	addrA := expr.Addr{Instance: 0, Local: 1}
	addrB := expr.Addr{Instance: 0, Local: 2}
	addrOut := expr.Addr{Instance: 0, Local: 3}

	mux := a.Mux(a.Input(addrSel, 0, 0, 0), a.Input(addrA, 0, 0, 3), a.Input(addrB, 0, 0, 3))
	prog := &schedule.Program{Comb: []logic.LogicPath{
		{Target: logic.BitRef{Addr: addrOut, LSB: 0, MSB: 3}, Expr: mux, Name: "out"},
	}}

	fn := Comb(a, prog)
	if len(fn.Blocks) != 4 {
		t.Fatalf("expected 4 blocks (entry, then, else, merge), got %d", len(fn.Blocks))
	}
	if _, ok := fn.Blocks[0].Term.(sir.Branch); !ok {
		t.Fatalf("expected entry block to end in a Branch")
	}
	mergeBlk := fn.Blocks[3]
	phi, ok := mergeBlk.Instrs[0].(sir.Phi)
	if !ok {
		t.Fatalf("expected merge block's first instruction to be a Phi, got %T", mergeBlk.Instrs[0])
	}
	if len(phi.Incoming) != 2 {
		t.Fatalf("expected 2 incoming Phi edges, got %d", len(phi.Incoming))
	}
	if _, ok := mergeBlk.Term.(sir.Return); !ok {
		t.Fatalf("expected merge block to end in Return")
	}
}

func TestCombLowersDynamicWriteToPerBitSelect(t *testing.T) {
	a := expr.New()
	addrIdx := expr.Addr{Instance: 0, Local: 0}
	addrVal := expr.Addr{Instance: 0, Local: 1}
	addrArr := expr.Addr{Instance: 0, Local: 2}

	idx := a.Input(addrIdx, 0, 0, 1)
	val := a.Input(addrVal, 0, 0, 3)
	prog := &schedule.Program{Comb: []logic.LogicPath{
		{
			Target: logic.BitRef{Addr: addrArr, LSB: 0, MSB: 3},
			Name:   "arr",
			Dyn:    &logic.DynWrite{Index: idx, Value: val},
		},
	}}

	fn := Comb(a, prog)
	if len(fn.Blocks) != 1 {
		t.Fatalf("expected a straight-line function for dynamic write, got %d blocks", len(fn.Blocks))
	}
	var stores int
	for _, in := range fn.Blocks[0].Instrs {
		if s, ok := in.(sir.Store); ok {
			stores++
			if s.Region != sir.RegionStable {
				t.Fatalf("expected comb dynamic write to target Stable")
			}
		}
	}
	if stores != 4 {
		t.Fatalf("expected one Store per bit (4), got %d", stores)
	}
}

func TestEvalOnlyWritesWorkingRegion(t *testing.T) {
	a := expr.New()
	addrD := expr.Addr{Instance: 0, Local: 0}
	addrQ := expr.Addr{Instance: 0, Local: 1}
	ds := schedule.DomainSchedule{
		Domain: logic.Domain{Name: "clk"},
		Eval: []logic.LogicPath{
			{Target: logic.BitRef{Addr: addrQ, LSB: 0, MSB: 0}, Expr: a.Input(addrD, 0, 0, 0), Name: "q"},
		},
	}

	fn := EvalOnly(a, ds)
	var stores, commits int
	for _, in := range fn.Blocks[0].Instrs {
		switch v := in.(type) {
		case sir.Store:
			stores++
			if v.Region != sir.RegionWorking {
				t.Fatalf("expected eval_only to write Working")
			}
		case sir.Commit:
			commits++
		}
	}
	if stores != 1 || commits != 0 {
		t.Fatalf("expected 1 store and no commits, got %d/%d", stores, commits)
	}
}

func TestApplyEmitsCommitsOnly(t *testing.T) {
	addrQ := expr.Addr{Instance: 0, Local: 1}
	ds := schedule.DomainSchedule{
		Domain: logic.Domain{Name: "clk"},
		Eval: []logic.LogicPath{
			{Target: logic.BitRef{Addr: addrQ, LSB: 0, MSB: 0}, Name: "q"},
		},
	}

	fn := Apply(ds)
	if len(fn.Blocks[0].Instrs) != 1 {
		t.Fatalf("expected exactly 1 instruction, got %d", len(fn.Blocks[0].Instrs))
	}
	if _, ok := fn.Blocks[0].Instrs[0].(sir.Commit); !ok {
		t.Fatalf("expected a Commit instruction, got %T", fn.Blocks[0].Instrs[0])
	}
}

func TestEvalApplyCombinesStoreAndCommitPerTarget(t *testing.T) {
	a := expr.New()
	addrD := expr.Addr{Instance: 0, Local: 0}
	addrQ := expr.Addr{Instance: 0, Local: 1}
	ds := schedule.DomainSchedule{
		Domain: logic.Domain{Name: "clk"},
		Eval: []logic.LogicPath{
			{Target: logic.BitRef{Addr: addrQ, LSB: 0, MSB: 0}, Expr: a.Input(addrD, 0, 0, 0), Name: "q"},
		},
	}

	fn := EvalApply(a, ds)
	var stores, commits int
	for _, in := range fn.Blocks[0].Instrs {
		switch in.(type) {
		case sir.Store:
			stores++
		case sir.Commit:
			commits++
		}
	}
	if stores != 1 || commits != 1 {
		t.Fatalf("expected 1 store and 1 commit, got %d/%d", stores, commits)
	}
}

// TestEvalApplyRunsEveryEvalBeforeAnyCommit pins the simultaneity rule
// within one domain: a flip-flop reading another flip-flop of the same
// domain must observe its pre-step value, so no commit may precede any
// eval's loads (the shift-register case).
func TestEvalApplyRunsEveryEvalBeforeAnyCommit(t *testing.T) {
	a := expr.New()
	addrD := expr.Addr{Instance: 0, Local: 0}
	addrQ1 := expr.Addr{Instance: 0, Local: 1}
	addrQ2 := expr.Addr{Instance: 0, Local: 2}
	ds := schedule.DomainSchedule{
		Domain: logic.Domain{Name: "clk"},
		Eval: []logic.LogicPath{
			{Target: logic.BitRef{Addr: addrQ1, LSB: 0, MSB: 0}, Expr: a.Input(addrD, 0, 0, 0), Name: "q1"},
			{Target: logic.BitRef{Addr: addrQ2, LSB: 0, MSB: 0}, Expr: a.Input(addrQ1, 0, 0, 0), Name: "q2"},
		},
	}

	fn := EvalApply(a, ds)
	seenCommit := false
	for _, in := range fn.Blocks[0].Instrs {
		switch in.(type) {
		case sir.Commit:
			seenCommit = true
		case sir.Load, sir.Store:
			if seenCommit {
				t.Fatalf("found a %T after the first Commit; every eval must run first", in)
			}
		}
	}
	if !seenCommit {
		t.Fatalf("expected commits in eval_apply")
	}
}
