// Package optimize implements the fixed-order SIR rewrite passes
// (§4.6): global hash-consing, hoisting, load/store coalescing,
// redundant-load forwarding, commit sinking, dead-store elimination,
// and locality-preserving instruction scheduling. Every pass preserves
// observable Stable-region contents at eval-comb boundaries and the
// trigger bitmap — no pass may reorder a Store/Commit past another
// Store/Commit whose address range overlaps it.
package optimize

import "github.com/oisee/rtlsim/pkg/sir"

// Run applies all eight passes, in fixed order, to fn and returns it.
func Run(fn *sir.Function) *sir.Function {
	hashCons(fn)
	hoistCommonPrefix(fn)
	for _, b := range fn.Blocks {
		loadCoalesce(fn, b)
		storeCoalesce(fn, b)
		forwardLoads(fn, b)
		sinkCommits(b)
		deadStoreElim(b)
		scheduleBlock(b)
	}
	return fn
}

// regSubst maps an eliminated register to the register that replaces
// it. resolve follows chains so a substitution built incrementally
// (pass N's replacement itself later replaced by pass N+1) still
// resolves to the final register.
type regSubst map[sir.Reg]sir.Reg

func (s regSubst) resolve(r sir.Reg) sir.Reg {
	for {
		next, ok := s[r]
		if !ok || next == r {
			return r
		}
		r = next
	}
}

// applySubst rewrites every register operand in fn through s. Dst
// fields of instructions that still exist are left as-is — only uses
// are redirected, so a substituted-away Dst simply stops being
// produced once its defining instruction is dropped by the caller.
func applySubst(fn *sir.Function, s regSubst) {
	if len(s) == 0 {
		return
	}
	f := s.resolve
	for _, b := range fn.Blocks {
		for i, in := range b.Instrs {
			b.Instrs[i] = rewriteUses(in, f)
		}
		b.Term = rewriteTermUses(b.Term, f)
	}
}

func rewriteUses(in sir.Instruction, f func(sir.Reg) sir.Reg) sir.Instruction {
	switch v := in.(type) {
	case sir.Imm:
		return v
	case sir.Binary:
		v.Left, v.Right = f(v.Left), f(v.Right)
		return v
	case sir.BinaryCarry:
		v.Left, v.Right, v.CarryIn = f(v.Left), f(v.Right), f(v.CarryIn)
		return v
	case sir.Unary:
		v.Src = f(v.Src)
		return v
	case sir.Load:
		return v
	case sir.Store:
		v.Src = f(v.Src)
		return v
	case sir.Commit:
		return v
	case sir.Concat:
		parts := make([]sir.ConcatOperand, len(v.Parts))
		for i, p := range v.Parts {
			p.Src = f(p.Src)
			parts[i] = p
		}
		v.Parts = parts
		return v
	case sir.Phi:
		incoming := make([]sir.PhiEdge, len(v.Incoming))
		for i, e := range v.Incoming {
			e.Src = f(e.Src)
			incoming[i] = e
		}
		v.Incoming = incoming
		return v
	}
	return in
}

func rewriteTermUses(t sir.Terminator, f func(sir.Reg) sir.Reg) sir.Terminator {
	if v, ok := t.(sir.Branch); ok {
		v.Cond = f(v.Cond)
		return v
	}
	return t
}

// defOf returns the single register an instruction produces, if any.
// Instructions with more than one def (BinaryCarry, wide Concat) are
// deliberately excluded — passes that dedup or forward through defOf
// cannot substitute a multi-def instruction with one register.
func defOf(in sir.Instruction) (sir.Reg, bool) {
	switch v := in.(type) {
	case sir.Imm:
		return v.Dst, true
	case sir.Binary:
		return v.Dst, true
	case sir.Unary:
		return v.Dst, true
	case sir.Load:
		return v.Dst, true
	case sir.Concat:
		if v.Wide {
			return 0, false
		}
		return v.Dst, true
	case sir.Phi:
		return v.Dst, true
	}
	return 0, false
}

// defsOf returns every register an instruction produces, for passes
// (scheduleBlock) that need complete def information rather than a
// substitutable single def.
func defsOf(in sir.Instruction) []sir.Reg {
	switch v := in.(type) {
	case sir.BinaryCarry:
		return []sir.Reg{v.Dst, v.CarryOut}
	case sir.Concat:
		if v.Wide {
			return []sir.Reg{v.Dst, v.DstHi}
		}
		return []sir.Reg{v.Dst}
	}
	if d, ok := defOf(in); ok {
		return []sir.Reg{d}
	}
	return nil
}

// usesOf returns the registers an instruction reads.
func usesOf(in sir.Instruction) []sir.Reg {
	switch v := in.(type) {
	case sir.Binary:
		return []sir.Reg{v.Left, v.Right}
	case sir.BinaryCarry:
		return []sir.Reg{v.Left, v.Right, v.CarryIn}
	case sir.Unary:
		return []sir.Reg{v.Src}
	case sir.Store:
		return []sir.Reg{v.Src}
	case sir.Concat:
		var out []sir.Reg
		for _, p := range v.Parts {
			out = append(out, p.Src)
			if p.Wide {
				out = append(out, p.SrcHi)
			}
		}
		return out
	case sir.Phi:
		out := make([]sir.Reg, len(v.Incoming))
		for i, e := range v.Incoming {
			out[i] = e.Src
		}
		return out
	}
	return nil
}

// addrRange identifies the memory-effect footprint of a Load, Store,
// or Commit, for alias analysis. ok is false for register-only
// instructions with no memory effect.
type addrRange struct {
	addr     sir.Addr
	region   sir.Region
	lsb, msb int
}

func (r addrRange) overlaps(o addrRange) bool {
	return r.addr == o.addr && r.region == o.region && r.lsb <= o.msb && o.lsb <= r.msb
}

// newReg allocates a fresh virtual register for a pass that needs to
// introduce one (coalescing's wide Load/Store, derived shift+mask).
func newReg(fn *sir.Function) sir.Reg {
	r := sir.Reg(fn.NumRegs)
	fn.NumRegs++
	return r
}

func maskOfWidth(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

func memEffect(in sir.Instruction) (addrRange, bool) {
	switch v := in.(type) {
	case sir.Load:
		return addrRange{v.Addr, v.Region, v.LSB, v.MSB}, true
	case sir.Store:
		return addrRange{v.Addr, v.Region, v.LSB, v.MSB}, true
	case sir.Commit:
		// A Commit touches both regions at this address; this reports
		// the Working side (what a preceding Store could alias) —
		// passes that must also see the Stable write (scheduleBlock)
		// go through memEffects instead.
		return addrRange{v.Addr, sir.RegionWorking, v.LSB, v.MSB}, true
	}
	return addrRange{}, false
}

// memEffects returns every address range an instruction touches: one
// for Load/Store, both regions for Commit.
func memEffects(in sir.Instruction) []addrRange {
	if v, ok := in.(sir.Commit); ok {
		return []addrRange{
			{v.Addr, sir.RegionWorking, v.LSB, v.MSB},
			{v.Addr, sir.RegionStable, v.LSB, v.MSB},
		}
	}
	if r, ok := memEffect(in); ok {
		return []addrRange{r}
	}
	return nil
}
