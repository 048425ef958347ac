package optimize

import "github.com/oisee/rtlsim/pkg/sir"

// forwardLoads replaces a Load that exactly repeats an address/region/
// bit-range already known from an earlier Load or Store in the same
// block with the register already holding that value, then drops the
// now-redundant Load. An intervening Store or Commit that overlaps a
// tracked range (even partially) invalidates it, since the known
// register no longer reflects the current contents.
func forwardLoads(fn *sir.Function, b *sir.Block) {
	type known struct {
		rng addrRange
		reg sir.Reg
	}
	var live []known
	subst := regSubst{}

	invalidate := func(r addrRange) {
		kept := live[:0]
		for _, k := range live {
			if !k.rng.overlaps(r) {
				kept = append(kept, k)
			}
		}
		live = kept
	}
	lookup := func(r addrRange) (sir.Reg, bool) {
		for _, k := range live {
			if k.rng == r {
				return k.reg, true
			}
		}
		return 0, false
	}

	var out []sir.Instruction
	for _, in := range b.Instrs {
		switch v := in.(type) {
		case sir.Load:
			r := addrRange{v.Addr, v.Region, v.LSB, v.MSB}
			if reg, ok := lookup(r); ok {
				subst[v.Dst] = reg
				continue
			}
			live = append(live, known{r, v.Dst})
			out = append(out, in)
		case sir.Store:
			r := addrRange{v.Addr, v.Region, v.LSB, v.MSB}
			invalidate(r)
			live = append(live, known{r, v.Src})
			out = append(out, in)
		case sir.Commit:
			invalidate(addrRange{v.Addr, sir.RegionStable, v.LSB, v.MSB})
			invalidate(addrRange{v.Addr, sir.RegionWorking, v.LSB, v.MSB})
			out = append(out, in)
		default:
			out = append(out, in)
		}
	}
	b.Instrs = out
	applySubst(fn, subst)
}
