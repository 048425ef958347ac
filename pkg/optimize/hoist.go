package optimize

import "github.com/oisee/rtlsim/pkg/sir"

// hoistCommonPrefix moves instructions both arms of a branch compute
// identically (same op and operands, ignoring Dst) up into the
// branching block, ahead of the Branch terminator — the earliest
// point both arms' shared inputs are already available. Equality
// ignoring Dst is safe here: since register ids are globally unique
// and each arm's own fresh registers never coincide, two instructions
// can only match on operands if those operands name registers already
// shared from the dominating block, so hoisting introduces no new
// dependency the branching block doesn't already satisfy.
func hoistCommonPrefix(fn *sir.Function) {
	subst := regSubst{}
	for _, b := range fn.Blocks {
		br, ok := b.Term.(sir.Branch)
		if !ok {
			continue
		}
		then := fn.Blocks[br.Then]
		els := fn.Blocks[br.Else]

		n := 0
		for n < len(then.Instrs) && n < len(els.Instrs) {
			a, bI := then.Instrs[n], els.Instrs[n]
			ak, aok := pureKey(a)
			bk, bok := pureKey(bI)
			if !aok || !bok || ak != bk {
				break
			}
			n++
		}
		if n == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			b.Instrs = append(b.Instrs, then.Instrs[i])
			if elseDst, ok := defOf(els.Instrs[i]); ok {
				if thenDst, ok := defOf(then.Instrs[i]); ok {
					subst[elseDst] = thenDst
				}
			}
		}
		then.Instrs = then.Instrs[n:]
		els.Instrs = els.Instrs[n:]
	}
	applySubst(fn, subst)
}
