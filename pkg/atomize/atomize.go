// Package atomize implements bit-boundary splitting (§4.3): every
// logic path is cut at every bit position referenced as a target or
// source boundary anywhere in the flattened design, so that afterward
// any two atoms targeting the same address either cover the identical
// range or are disjoint — the precondition the scheduler's
// multiple-driver check and dependency graph both rely on.
package atomize

import (
	"fmt"
	"sort"

	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/flatten"
	"github.com/oisee/rtlsim/pkg/logic"
)

// Design is the flattened design after every logic path has been split
// to bit-aligned atoms.
type Design struct {
	Comb      []logic.LogicPath
	FlipFlops []logic.FlipFlopBody
	VarWidth  map[expr.Addr]int
}

// Atomize splits every logic path in fd against the union of all bit
// boundaries referenced anywhere in the design.
func Atomize(fd *flatten.FlattenedDesign, a *expr.Arena) *Design {
	bounds := collectBoundaries(fd)

	out := &Design{VarWidth: fd.VarWidth}
	for _, p := range fd.Comb {
		out.Comb = append(out.Comb, splitPath(a, p, bounds)...)
	}
	for _, ff := range fd.FlipFlops {
		split := logic.FlipFlopBody{Domain: ff.Domain}
		for _, p := range ff.Eval {
			split.Eval = append(split.Eval, splitPath(a, p, bounds)...)
		}
		out.FlipFlops = append(out.FlipFlops, split)
	}
	return out
}

func collectBoundaries(fd *flatten.FlattenedDesign) map[expr.Addr]map[int]bool {
	bounds := make(map[expr.Addr]map[int]bool)
	mark := func(addr expr.Addr, bit int) {
		set, ok := bounds[addr]
		if !ok {
			set = make(map[int]bool)
			bounds[addr] = set
		}
		set[bit] = true
	}
	markRef := func(b logic.BitRef) {
		mark(b.Addr, b.LSB)
		mark(b.Addr, b.MSB+1)
	}
	walk := func(p logic.LogicPath) {
		markRef(p.Target)
		for _, s := range p.Sources {
			markRef(s)
		}
	}
	for _, p := range fd.Comb {
		walk(p)
	}
	for _, ff := range fd.FlipFlops {
		for _, p := range ff.Eval {
			walk(p)
		}
	}
	for addr, set := range fd.Boundaries {
		for b := range set {
			mark(addr, b)
		}
	}
	return bounds
}

// splitPath cuts one logic path at every boundary strictly inside its
// target range. Dynamic-index writes are left whole: the destination
// bit is runtime-determined, so there is nothing in the target range
// that atomization could align a sub-driver against (§4.1).
func splitPath(a *expr.Arena, p logic.LogicPath, bounds map[expr.Addr]map[int]bool) []logic.LogicPath {
	if p.Dyn != nil {
		return []logic.LogicPath{p}
	}
	set := bounds[p.Target.Addr]
	var cuts []int
	for b := range set {
		if b > p.Target.LSB && b <= p.Target.MSB {
			cuts = append(cuts, b)
		}
	}
	if len(cuts) == 0 {
		return []logic.LogicPath{p}
	}
	sort.Ints(cuts)

	edges := append([]int{p.Target.LSB}, cuts...)
	edges = append(edges, p.Target.MSB+1)

	var atoms []logic.LogicPath
	for i := 0; i < len(edges)-1; i++ {
		lsb, msb := edges[i], edges[i+1]-1
		var subExpr expr.NodeID
		if lsb == p.Target.LSB && msb == p.Target.MSB {
			subExpr = p.Expr
		} else {
			subExpr = a.Slice(p.Expr, lsb-p.Target.LSB, msb-p.Target.LSB)
		}
		atoms = append(atoms, logic.LogicPath{
			Target:  logic.BitRef{Addr: p.Target.Addr, LSB: lsb, MSB: msb},
			Expr:    subExpr,
			Sources: sourceRefs(a, subExpr),
			Name:    fmt.Sprintf("%s[%d:%d]", p.Name, msb, lsb),
		})
	}
	return atoms
}

func sourceRefs(a *expr.Arena, id expr.NodeID) []logic.BitRef {
	var refs []logic.BitRef
	for _, n := range a.Sources(id) {
		refs = append(refs, logic.BitRef{Addr: n.Addr, LSB: n.LSB, MSB: n.MSB})
	}
	return refs
}
