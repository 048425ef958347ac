package optimize

import "github.com/oisee/rtlsim/pkg/sir"

// deadStoreElim removes a Working-region Store whose bits are never
// read by a later Load and never consumed by a matching Commit within
// the block — a write with no observer, left behind after commit
// sinking already folded the common Store-then-Commit case.
func deadStoreElim(b *sir.Block) {
	var out []sir.Instruction
	for i, in := range b.Instrs {
		st, ok := in.(sir.Store)
		if !ok || st.Region != sir.RegionWorking {
			out = append(out, in)
			continue
		}
		r := addrRange{st.Addr, st.Region, st.LSB, st.MSB}
		if isObserved(b.Instrs[i+1:], r) {
			out = append(out, in)
		}
	}
	b.Instrs = out
}

func isObserved(rest []sir.Instruction, r addrRange) bool {
	for _, in := range rest {
		switch v := in.(type) {
		case sir.Load:
			if (addrRange{v.Addr, v.Region, v.LSB, v.MSB}).overlaps(r) {
				return true
			}
		case sir.Commit:
			if v.Addr == r.addr && v.LSB <= r.msb && r.lsb <= v.MSB {
				return true
			}
		case sir.Store:
			// A later Store to the exact same range with no observation
			// in between would make this one dead too, but that case is
			// itself recursively handled: keep scanning past it since it
			// doesn't observe this store's value, only overwrites it.
		}
	}
	return false
}
