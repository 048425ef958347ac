package optimize

import "github.com/oisee/rtlsim/pkg/sir"

// sinkCommits folds a Store to Working immediately followed by a
// Commit of the exact same address/bit-range into a single Store that
// writes Stable directly — safe because nothing observes the
// intermediate Working write between the two instructions.
func sinkCommits(b *sir.Block) {
	var out []sir.Instruction
	for i := 0; i < len(b.Instrs); i++ {
		st, ok := b.Instrs[i].(sir.Store)
		if ok && i+1 < len(b.Instrs) && st.Region == sir.RegionWorking {
			if cm, ok2 := b.Instrs[i+1].(sir.Commit); ok2 &&
				cm.Addr == st.Addr && cm.LSB == st.LSB && cm.MSB == st.MSB {
				out = append(out, sir.Store{Src: st.Src, Addr: st.Addr, LSB: st.LSB, MSB: st.MSB, Region: sir.RegionStable})
				i++ // consumed the Commit too
				continue
			}
		}
		out = append(out, b.Instrs[i])
	}
	b.Instrs = out
}
