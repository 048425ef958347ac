package optimize

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/sir"
)

// hashCons deduplicates pure value-producing instructions (Imm,
// Binary, Unary, Concat) that compute the same result from the same
// operands within one block — a second, IR-level hash-consing pass
// to catch redundancy the lowerer's per-node memo couldn't see, such
// as the same shift amount rematerialized by two separate Slice
// lowerings. Load is deliberately excluded here: its value depends on
// region contents, which forwardLoads reasons about with address
// tracking instead of pure structural equality.
func hashCons(fn *sir.Function) {
	subst := regSubst{}
	for _, b := range fn.Blocks {
		seen := make(map[string]sir.Reg)
		kept := b.Instrs[:0]
		for _, in := range b.Instrs {
			key, ok := pureKey(in)
			if !ok {
				kept = append(kept, in)
				continue
			}
			if prior, dup := seen[key]; dup {
				dst, _ := defOf(in)
				subst[dst] = prior
				continue
			}
			if dst, ok := defOf(in); ok {
				seen[key] = dst
			}
			kept = append(kept, in)
		}
		b.Instrs = kept
	}
	applySubst(fn, subst)
}

// pureKey returns a structural key for in, ignoring its Dst register,
// or ok=false if in is not a pure value-producing instruction safe to
// dedup by content alone.
func pureKey(in sir.Instruction) (string, bool) {
	switch v := in.(type) {
	case sir.Imm:
		return fmt.Sprintf("imm:%d:%d", v.Value, v.Width), true
	case sir.Binary:
		return fmt.Sprintf("bin:%d:%d:%d:%d", v.Op, v.Left, v.Right, v.Width), true
	case sir.Unary:
		return fmt.Sprintf("un:%d:%d:%d", v.Op, v.Src, v.Width), true
	case sir.Concat:
		if v.Wide {
			// Two defs (Dst, DstHi); a single-register substitution
			// cannot replace it, so leave wide Concats alone.
			return "", false
		}
		key := fmt.Sprintf("cat:%d:", v.Width)
		for _, p := range v.Parts {
			key += fmt.Sprintf("%d/%d;", p.Src, p.Width)
			if p.Wide {
				key += fmt.Sprintf("^%d;", p.SrcHi)
			}
		}
		return key, true
	}
	return "", false
}
