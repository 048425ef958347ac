// Package schedule implements the scheduler (§4.4): it builds a
// dependency graph over the atomized combinational program from
// bit-range overlap, topologically sorts it with Kahn's algorithm,
// rejects any two atoms that drive the exact same bits (multiple
// drivers), and resolves residual cycles against host-declared
// false_loop/true_loop overrides before giving up with a fatal
// combinational-cycle diagnostic. It also partitions flip-flop bodies
// into clock/reset trigger domains and assigns each a stable id.
package schedule

import (
	"fmt"
	"sort"

	"github.com/oisee/rtlsim/pkg/atomize"
	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/logic"
)

// LoopKind distinguishes the two host overrides a combinational cycle
// can carry (§12).
type LoopKind int

const (
	// LoopFalse marks a signal path the host asserts never actually
	// oscillates: the scheduler may use its previous value to break
	// the cycle rather than recomputing it to a fixed point.
	LoopFalse LoopKind = iota
	// LoopTrue marks a signal path that requires iterating its whole
	// cycle to a fixed point every evaluation, bounded by a budget.
	LoopTrue
)

// LoopOverride names one address the host has annotated as part of a
// combinational cycle, and how the scheduler should treat it. MaxIter
// is meaningful only when Kind is LoopTrue: the iteration budget parsed
// from the host's true_loop declaration (§12).
type LoopOverride struct {
	Addr    expr.Addr
	Kind    LoopKind
	MaxIter int
}

// TrueLoopGroup is a residual cycle promoted to bounded fixed-point
// iteration at runtime rather than rejected as an error (§12,
// §9 Open Question 3). InsertAt is the position in Program.Comb's order
// this group's members occupied when they were pulled out of the
// ordinary topological sort — the IR lowerer splices the group's
// bounded-iteration block there instead of lowering its members as
// ordinary single-pass atoms.
type TrueLoopGroup struct {
	Members  []logic.LogicPath
	MaxIter  int
	InsertAt int
}

// DomainSchedule is every flip-flop body sharing one trigger, merged
// and given a final, globally unique domain id.
type DomainSchedule struct {
	Domain logic.Domain
	Eval   []logic.LogicPath
}

// Program is the fully scheduled design: the combinational atoms in
// dependency order, the trigger domains, and any bounded fixed-point
// loops the comb program required.
type Program struct {
	Comb      []logic.LogicPath
	Domains   []DomainSchedule
	TrueLoops []TrueLoopGroup
}

// Schedule builds a Program from an atomized design.
func Schedule(d *atomize.Design, overrides []LoopOverride) (*Program, error) {
	overrideMap := make(map[expr.Addr]LoopKind, len(overrides))
	maxIterMap := make(map[expr.Addr]int, len(overrides))
	for _, o := range overrides {
		overrideMap[o.Addr] = o.Kind
		if o.Kind == LoopTrue && o.MaxIter > maxIterMap[o.Addr] {
			maxIterMap[o.Addr] = o.MaxIter
		}
	}

	if err := checkMultipleDrivers(d.Comb); err != nil {
		return nil, err
	}

	order, loops, err := topoSort(d.Comb, overrideMap, maxIterMap)
	if err != nil {
		return nil, err
	}

	domains, err := scheduleDomains(d.FlipFlops)
	if err != nil {
		return nil, err
	}

	return &Program{Comb: order, Domains: domains, TrueLoops: loops}, nil
}

// checkMultipleDrivers rejects any two atoms that drive the exact same
// bit range of the same address — the one case atomization's alignment
// guarantee cannot itself resolve (§4.4).
func checkMultipleDrivers(atoms []logic.LogicPath) error {
	type key struct {
		addr     expr.Addr
		lsb, msb int
	}
	seen := make(map[key]logic.LogicPath)
	for _, a := range atoms {
		k := key{a.Target.Addr, a.Target.LSB, a.Target.MSB}
		if prior, ok := seen[k]; ok {
			return diag.MultipleDrivers(prior.Name, a.Name)
		}
		seen[k] = a
	}
	return nil
}

func dependsOn(a, b logic.LogicPath) bool {
	for _, s := range a.Sources {
		if s.Overlaps(b.Target) {
			return true
		}
	}
	return false
}

// topoSort orders atoms so every atom follows everything it reads.
// Ties are broken by Name so the result is reproducible across runs.
func topoSort(atoms []logic.LogicPath, overrides map[expr.Addr]LoopKind, maxIter map[expr.Addr]int) ([]logic.LogicPath, []TrueLoopGroup, error) {
	n := len(atoms)
	deps := make([][]int, n)       // deps[i]: indices that must run before i
	dependents := make([][]int, n) // dependents[j]: indices that read atom j's output
	for i, a := range atoms {
		for j, b := range atoms {
			if i == j {
				continue
			}
			if dependsOn(a, b) {
				deps[i] = append(deps[i], j)
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	indegree := make([]int, n)
	for i := range atoms {
		indegree[i] = len(deps[i])
	}
	scheduled := make([]bool, n)

	var order []logic.LogicPath
	var loops []TrueLoopGroup

	ready := func() []int {
		var r []int
		for i := range atoms {
			if !scheduled[i] && indegree[i] == 0 {
				r = append(r, i)
			}
		}
		sort.Slice(r, func(x, y int) bool { return atoms[r[x]].Name < atoms[r[y]].Name })
		return r
	}

	schedule := func(i int) {
		scheduled[i] = true
		order = append(order, atoms[i])
		for _, dep := range dependents[i] {
			indegree[dep]--
		}
	}

	for {
		progressed := false
		for _, i := range ready() {
			schedule(i)
			progressed = true
		}
		if progressed {
			remaining := false
			for i := range atoms {
				if !scheduled[i] {
					remaining = true
				}
			}
			if !remaining {
				break
			}
			continue
		}

		// Stuck: every unscheduled atom has an unsatisfied dependency.
		var remaining []int
		for i := range atoms {
			if !scheduled[i] {
				remaining = append(remaining, i)
			}
		}
		if len(remaining) == 0 {
			break
		}

		if brokeAny := breakFalseLoops(remaining, atoms, overrides, schedule); brokeAny {
			continue
		}

		if group, ok := promoteTrueLoop(remaining, atoms, overrides, maxIter); ok {
			group.InsertAt = len(order)
			for _, i := range remaining {
				scheduled[i] = true
				for _, dep := range dependents[i] {
					indegree[dep]--
				}
			}
			loops = append(loops, group)
			continue
		}

		names := make([]string, len(remaining))
		for k, i := range remaining {
			names[k] = atoms[i].Name
		}
		return nil, nil, diag.CombinationalCycle(names)
	}

	return order, loops, nil
}

// breakFalseLoops force-schedules every remaining atom whose address
// the host marked false_loop, using its stale (previous-cycle) value
// to satisfy whatever still depends on it.
func breakFalseLoops(remaining []int, atoms []logic.LogicPath, overrides map[expr.Addr]LoopKind, schedule func(int)) bool {
	var toBreak []int
	for _, i := range remaining {
		if kind, ok := overrides[atoms[i].Target.Addr]; ok && kind == LoopFalse {
			toBreak = append(toBreak, i)
		}
	}
	if len(toBreak) == 0 {
		return false
	}
	sort.Slice(toBreak, func(x, y int) bool { return atoms[toBreak[x]].Name < atoms[toBreak[y]].Name })
	for _, i := range toBreak {
		schedule(i)
	}
	return true
}

// promoteTrueLoop turns a residual cycle into a bounded fixed-point
// group if any member carries a true_loop override. The group's budget
// is the largest max_iter declared among its members' overrides (a host
// that marks several addresses in one cycle true_loop with different
// budgets gets the most permissive one, rather than the build failing
// on the disagreement).
func promoteTrueLoop(remaining []int, atoms []logic.LogicPath, overrides map[expr.Addr]LoopKind, maxIter map[expr.Addr]int) (TrueLoopGroup, bool) {
	hasTrue := false
	budget := 0
	for _, i := range remaining {
		addr := atoms[i].Target.Addr
		if overrides[addr] == LoopTrue {
			hasTrue = true
			if maxIter[addr] > budget {
				budget = maxIter[addr]
			}
		}
	}
	if !hasTrue {
		return TrueLoopGroup{}, false
	}
	sorted := append([]int(nil), remaining...)
	sort.Slice(sorted, func(x, y int) bool { return atoms[sorted[x]].Name < atoms[sorted[y]].Name })
	group := TrueLoopGroup{MaxIter: budget}
	for _, i := range sorted {
		group.Members = append(group.Members, atoms[i])
	}
	return group, true
}

// triggerKey identifies one trigger domain within one instance. Two
// instances driven from the same physical clock net are scheduled as
// separate domains (documented simplification, see DESIGN.md); two
// always-ff blocks within the same instance on the same trigger merge.
type triggerKey struct {
	instance int
	trigger  hdl.Trigger
}

func scheduleDomains(bodies []logic.FlipFlopBody) ([]DomainSchedule, error) {
	byKey := make(map[triggerKey]*DomainSchedule)
	var order []triggerKey

	for _, body := range bodies {
		inst := -1
		for _, p := range body.Eval {
			inst = p.Target.Addr.Instance
			break
		}
		key := triggerKey{instance: inst, trigger: body.Domain.Trigger}
		ds, ok := byKey[key]
		if !ok {
			ds = &DomainSchedule{Domain: logic.Domain{Trigger: body.Domain.Trigger, Name: body.Domain.Name}}
			byKey[key] = ds
			order = append(order, key)
		}
		ds.Eval = append(ds.Eval, body.Eval...)
	}

	// cross-body multiple-driver check once bodies sharing a domain are merged
	merged := make([]DomainSchedule, 0, len(order))
	for _, key := range order {
		ds := byKey[key]
		if err := checkMultipleDrivers(ds.Eval); err != nil {
			return nil, err
		}
		merged = append(merged, *ds)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Domain.Name != merged[j].Domain.Name {
			return merged[i].Domain.Name < merged[j].Domain.Name
		}
		return fmt.Sprintf("%+v", merged[i].Domain.Trigger) < fmt.Sprintf("%+v", merged[j].Domain.Trigger)
	})
	for i := range merged {
		merged[i].Domain.ID = i
	}
	return merged, nil
}
