package optimize

import (
	"fmt"
	"sort"

	"github.com/oisee/rtlsim/pkg/sir"
)

// scheduleBlock reorders a block's instructions for locality —
// clustering operations against the same address together — while
// preserving every register def-before-use edge and the relative
// order of any two memory operations whose address ranges overlap.
func scheduleBlock(b *sir.Block) {
	n := len(b.Instrs)
	if n == 0 {
		return
	}
	deps := make([][]int, n)
	regDef := make(map[sir.Reg]int, n)
	for i, in := range b.Instrs {
		for _, d := range defsOf(in) {
			regDef[d] = i
		}
	}
	for i, in := range b.Instrs {
		for _, u := range usesOf(in) {
			if j, ok := regDef[u]; ok && j != i {
				deps[i] = append(deps[i], j)
			}
		}
	}

	type memOp struct {
		idx int
		rng addrRange
	}
	var mem []memOp
	for i, in := range b.Instrs {
		for _, r := range memEffects(in) {
			mem = append(mem, memOp{i, r})
		}
	}
	for x := 0; x < len(mem); x++ {
		for y := x + 1; y < len(mem); y++ {
			if mem[x].rng.overlaps(mem[y].rng) {
				deps[mem[y].idx] = append(deps[mem[y].idx], mem[x].idx)
			}
		}
	}

	dependents := make([][]int, n)
	indegree := make([]int, n)
	for i := range b.Instrs {
		for _, j := range deps[i] {
			dependents[j] = append(dependents[j], i)
		}
		indegree[i] = len(deps[i])
	}

	priority := func(i int) string {
		if r, ok := memEffect(b.Instrs[i]); ok {
			return fmt.Sprintf("%d.%d.%04d.%06d", r.addr.Instance, r.addr.Local, r.lsb, i)
		}
		return fmt.Sprintf("~%06d", i)
	}

	scheduled := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		var ready []int
		for i := 0; i < n; i++ {
			if !scheduled[i] && indegree[i] == 0 {
				ready = append(ready, i)
			}
		}
		sort.Slice(ready, func(x, y int) bool { return priority(ready[x]) < priority(ready[y]) })
		pick := ready[0]
		scheduled[pick] = true
		order = append(order, pick)
		for _, dep := range dependents[pick] {
			indegree[dep]--
		}
	}

	out := make([]sir.Instruction, n)
	for pos, i := range order {
		out[pos] = b.Instrs[i]
	}
	b.Instrs = out
}
