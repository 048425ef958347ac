package optimize

import (
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/sir"
)

// loadCoalesce merges two adjacent Loads of the same address/region
// into one wider Load, recovering each original register via
// shift+mask — the inverse of how the lowerer split a wide slice in
// the first place.
func loadCoalesce(fn *sir.Function, b *sir.Block) {
	var out []sir.Instruction
	for i := 0; i < len(b.Instrs); i++ {
		cur, ok := b.Instrs[i].(sir.Load)
		if !ok || i+1 >= len(b.Instrs) {
			out = append(out, b.Instrs[i])
			continue
		}
		next, ok2 := b.Instrs[i+1].(sir.Load)
		if !ok2 || cur.Addr != next.Addr || cur.Region != next.Region || !adjacentRange(cur.LSB, cur.MSB, next.LSB, next.MSB) {
			out = append(out, b.Instrs[i])
			continue
		}
		lo, hi := cur, next
		if lo.LSB > hi.LSB {
			lo, hi = hi, lo
		}
		wide := newReg(fn)
		out = append(out, sir.Load{Dst: wide, Addr: cur.Addr, LSB: lo.LSB, MSB: hi.MSB, Region: cur.Region})
		out = append(out, deriveSlice(fn, wide, lo.LSB, hi.MSB, cur.Dst, cur.LSB, cur.MSB)...)
		out = append(out, deriveSlice(fn, wide, lo.LSB, hi.MSB, next.Dst, next.LSB, next.MSB)...)
		i++ // consumed both cur and next
	}
	b.Instrs = out
}

func adjacentRange(lsb1, msb1, lsb2, msb2 int) bool {
	return msb1+1 == lsb2 || msb2+1 == lsb1
}

// deriveSlice recovers bits [lsb,msb] of a register spanning
// [wideLSB,wideMSB] into dst via shift-then-mask.
func deriveSlice(fn *sir.Function, wide sir.Reg, wideLSB, wideMSB int, dst sir.Reg, lsb, msb int) []sir.Instruction {
	width := wideMSB - wideLSB + 1
	shiftAmt := uint64(lsb - wideLSB)
	var instrs []sir.Instruction
	shifted := wide
	if shiftAmt != 0 {
		amtReg := newReg(fn)
		instrs = append(instrs, sir.Imm{Dst: amtReg, Value: shiftAmt, Width: width})
		shifted = newReg(fn)
		instrs = append(instrs, sir.Binary{Dst: shifted, Op: hdl.OpShrLogical, Left: wide, Right: amtReg, Width: width})
	}
	maskReg := newReg(fn)
	instrs = append(instrs, sir.Imm{Dst: maskReg, Value: maskOfWidth(msb - lsb + 1), Width: width})
	instrs = append(instrs, sir.Binary{Dst: dst, Op: hdl.OpAnd, Left: shifted, Right: maskReg, Width: msb - lsb + 1})
	return instrs
}

// storeCoalesce merges two adjacent Stores of the same address/region
// into a Concat of their source registers followed by one wider
// Store.
func storeCoalesce(fn *sir.Function, b *sir.Block) {
	var out []sir.Instruction
	for i := 0; i < len(b.Instrs); i++ {
		cur, ok := b.Instrs[i].(sir.Store)
		if !ok || i+1 >= len(b.Instrs) {
			out = append(out, b.Instrs[i])
			continue
		}
		next, ok2 := b.Instrs[i+1].(sir.Store)
		if !ok2 || cur.Addr != next.Addr || cur.Region != next.Region || !adjacentRange(cur.LSB, cur.MSB, next.LSB, next.MSB) {
			out = append(out, b.Instrs[i])
			continue
		}
		hiPart, loPart := cur, next
		if loPart.LSB > hiPart.LSB {
			hiPart, loPart = loPart, hiPart
		}
		merged := newReg(fn)
		out = append(out, sir.Concat{Dst: merged, Width: hiPart.MSB - loPart.LSB + 1, Parts: []sir.ConcatOperand{
			{Src: hiPart.Src, Width: hiPart.MSB - hiPart.LSB + 1},
			{Src: loPart.Src, Width: loPart.MSB - loPart.LSB + 1},
		}})
		out = append(out, sir.Store{Src: merged, Addr: cur.Addr, LSB: loPart.LSB, MSB: hiPart.MSB, Region: cur.Region})
		i++ // consumed both cur and next
	}
	b.Instrs = out
}
