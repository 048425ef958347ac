package jit

import (
	"fmt"
	"math/bits"

	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/fourstate"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/sir"
)

func maskWidth(v uint64, width int) uint64 {
	if width >= 64 {
		return v
	}
	return v & ((uint64(1) << uint(width)) - 1)
}

func signExtend(v uint64, width int) int64 {
	if width >= 64 {
		return int64(v)
	}
	if v&(uint64(1)<<uint(width-1)) != 0 {
		v |= ^uint64(0) << uint(width)
	}
	return int64(v)
}

func evalBinary(op hdl.BinOp, l, r uint64, lw, rw, outw int) uint64 {
	switch op {
	case hdl.OpAdd:
		return maskWidth(l+r, outw)
	case hdl.OpSub:
		return maskWidth(l-r, outw)
	case hdl.OpMul:
		return maskWidth(l*r, outw)
	case hdl.OpAnd:
		return maskWidth(l&r, outw)
	case hdl.OpOr:
		return maskWidth(l|r, outw)
	case hdl.OpXor:
		return maskWidth(l^r, outw)
	case hdl.OpShl:
		return maskWidth(l<<uint(r), outw)
	case hdl.OpShrLogical:
		return maskWidth(l>>uint(r), outw)
	case hdl.OpShrArith:
		return maskWidth(uint64(signExtend(l, lw)>>uint(r)), outw)
	case hdl.OpLtSigned:
		return boolBit(signExtend(l, lw) < signExtend(r, rw))
	case hdl.OpLtUnsigned:
		return boolBit(l < r)
	case hdl.OpLeSigned:
		return boolBit(signExtend(l, lw) <= signExtend(r, rw))
	case hdl.OpLeUnsigned:
		return boolBit(l <= r)
	case hdl.OpGtSigned:
		return boolBit(signExtend(l, lw) > signExtend(r, rw))
	case hdl.OpGtUnsigned:
		return boolBit(l > r)
	case hdl.OpGeSigned:
		return boolBit(signExtend(l, lw) >= signExtend(r, rw))
	case hdl.OpGeUnsigned:
		return boolBit(l >= r)
	case hdl.OpEq, hdl.OpCaseEq:
		return boolBit(l == r)
	case hdl.OpNeq, hdl.OpCaseNeq:
		return boolBit(l != r)
	}
	panic(fmt.Sprintf("jit: unhandled BinOp %d", op))
}

func evalUnary(op hdl.UnOp, v uint64, width int) uint64 {
	switch op {
	case hdl.OpNot:
		return maskWidth(^v, width)
	case hdl.OpNeg:
		return maskWidth(uint64(-signExtend(v, width)), width)
	case hdl.OpLogNot:
		return boolBit(v == 0)
	case hdl.OpRedAnd:
		return boolBit(maskWidth(^v, width) == 0)
	case hdl.OpRedOr:
		return boolBit(v != 0)
	case hdl.OpRedXor:
		var parity uint64
		for i := 0; i < width; i++ {
			parity ^= (v >> uint(i)) & 1
		}
		return parity
	}
	panic(fmt.Sprintf("jit: unhandled UnOp %d", op))
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// evalBinaryFS extends evalBinary with 4-state unknown-bit propagation
// (§7, §8 scenario 4). And/Or/Xor route through pkg/fourstate's
// dominant-zero/one semantics, Add/Sub through its unknown-bit-upward
// carry rule, and case equality through its exact X comparison; shifts
// go all-X on an unknown or oversized amount. Every other operator
// falls back to "any unknown input bit taints the whole result" (a
// pessimistic but always-sound rule), computing the defined case with
// the existing two-state evalBinary.
func evalBinaryFS(op hdl.BinOp, lv, lu, rv, ru uint64, lw, rw, outw int) (uint64, uint64) {
	lword, rword := fourstate.Word{Val: lv, Unk: lu}, fourstate.Word{Val: rv, Unk: ru}
	switch op {
	case hdl.OpAnd:
		w := fourstate.And(lword, rword)
		return w.Val, w.Unk
	case hdl.OpOr:
		w := fourstate.Or(lword, rword)
		return w.Val, w.Unk
	case hdl.OpXor:
		w := fourstate.Xor(lword, rword)
		return maskWidth(w.Val, outw), maskWidth(w.Unk, outw)
	case hdl.OpAdd:
		w := fourstate.Add(lword, rword, outw)
		return w.Val, w.Unk
	case hdl.OpSub:
		w := fourstate.Sub(lword, rword, outw)
		return w.Val, w.Unk
	case hdl.OpCaseEq:
		return boolBit(fourstate.CaseEqual(lword, rword, maxWidth(lw, rw))), 0
	case hdl.OpCaseNeq:
		return boolBit(!fourstate.CaseEqual(lword, rword, maxWidth(lw, rw))), 0
	case hdl.OpShl, hdl.OpShrLogical, hdl.OpShrArith:
		// Shift-amount overflow is all-X in 4-state regardless of
		// direction (§8 boundary behaviour), so an unknown or
		// out-of-range shift amount always taints the whole result.
		if lu != 0 || ru != 0 || r64(rv, ru) >= uint64(outw) {
			return 0, fullMask(outw)
		}
		return evalBinary(op, lv, rv, lw, rw, outw), 0
	default:
		if (lu&fullMask(lw)) != 0 || (ru&fullMask(rw)) != 0 {
			return 0, fullMask(outw)
		}
		return evalBinary(op, lv, rv, lw, rw, outw), 0
	}
}

// addSubCarry computes one limb of a multi-limb Add/Sub: l and r are
// pre-masked to width bits, cin is the incoming carry/borrow bit. It
// returns the limb result and the outgoing carry/borrow bit, using
// math/bits' hardware-carry primitives for the width==64 case and a
// plain overflow check (safe since both operands already fit in width
// bits) for narrower limbs.
func addSubCarry(op hdl.BinOp, l, r, cin uint64, width int) (result, carryOut uint64) {
	l, r = maskWidth(l, width), maskWidth(r, width)
	var sum, c uint64
	switch op {
	case hdl.OpAdd:
		sum, c = bits.Add64(l, r, cin&1)
	case hdl.OpSub:
		sum, c = bits.Sub64(l, r, cin&1)
	default:
		panic(fmt.Sprintf("jit: BinaryCarry on non add/sub op %d", op))
	}
	if width >= 64 {
		return sum, c
	}
	mask := (uint64(1) << uint(width)) - 1
	return sum & mask, (sum >> uint(width)) & 1
}

// placeBits ORs width bits of v (pre-masked) into the (lo,hi) 128-bit
// accumulator at absolute bit offset off — the lowerer's wide Concat
// instruction packs every part into its result this way, one part at
// a time, straddling the 64-bit limb boundary when a part's placement
// calls for it.
func placeBits(lo, hi *uint64, v uint64, width, off int) {
	v = maskWidth(v, width)
	if off >= 64 {
		*hi |= v << uint(off-64)
		return
	}
	*lo |= v << uint(off)
	if off+width > 64 {
		*hi |= v >> uint(64-off)
	}
}

func r64(v, u uint64) uint64 {
	if u != 0 {
		return ^uint64(0)
	}
	return v
}

func maxWidth(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func fullMask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

// evalUnaryFS is evalUnary's 4-state counterpart: bitwise invert and
// the three reductions route through pkg/fourstate; arithmetic negate
// and logical-not fall back to the pessimistic any-unknown-taints-all
// rule, same as evalBinaryFS's default arm.
func evalUnaryFS(op hdl.UnOp, v, u uint64, width int) (uint64, uint64) {
	w := fourstate.Word{Val: v, Unk: u}
	switch op {
	case hdl.OpNot:
		out := fourstate.Not(w)
		return maskWidth(out.Val, width), maskWidth(out.Unk, width)
	case hdl.OpRedAnd:
		out := fourstate.ReduceAnd(w, width)
		return out.Val, out.Unk
	case hdl.OpRedOr:
		out := fourstate.ReduceOr(w, width)
		return out.Val, out.Unk
	case hdl.OpRedXor:
		out := fourstate.ReduceXor(w, width)
		return out.Val, out.Unk
	default:
		if (u & fullMask(width)) != 0 {
			if op == hdl.OpNeg {
				return 0, fullMask(width)
			}
			return 0, 1
		}
		return evalUnary(op, v, width), 0
	}
}

func compileInstr(in sir.Instruction, widths map[sir.Reg]int, blockID, index int, cfg Config) op {
	trace := cfg.Trace
	switch v := in.(type) {
	case sir.Imm:
		val := maskWidth(v.Value, v.Width)
		return func(m Memory, regs, masks []uint64, _ int) {
			regs[v.Dst] = val
			masks[v.Dst] = 0
			traceLine(trace, blockID, index, "imm")
		}
	case sir.Binary:
		lw, rw := widths[v.Left], widths[v.Right]
		if !cfg.FourState {
			return func(m Memory, regs, masks []uint64, _ int) {
				regs[v.Dst] = evalBinary(v.Op, regs[v.Left], regs[v.Right], lw, rw, v.Width)
				traceLine(trace, blockID, index, "binary")
			}
		}
		return func(m Memory, regs, masks []uint64, _ int) {
			val, unk := evalBinaryFS(v.Op, regs[v.Left], masks[v.Left], regs[v.Right], masks[v.Right], lw, rw, v.Width)
			regs[v.Dst] = val
			masks[v.Dst] = unk
			traceLine(trace, blockID, index, "binary")
		}
	case sir.Unary:
		sw := widths[v.Src]
		if !cfg.FourState {
			return func(m Memory, regs, masks []uint64, _ int) {
				regs[v.Dst] = evalUnary(v.Op, regs[v.Src], sw)
				traceLine(trace, blockID, index, "unary")
			}
		}
		return func(m Memory, regs, masks []uint64, _ int) {
			val, unk := evalUnaryFS(v.Op, regs[v.Src], masks[v.Src], sw)
			regs[v.Dst] = val
			masks[v.Dst] = unk
			traceLine(trace, blockID, index, "unary")
		}
	case sir.BinaryCarry:
		width := v.Width
		if !cfg.FourState {
			return func(m Memory, regs, masks []uint64, _ int) {
				val, carry := addSubCarry(v.Op, regs[v.Left], regs[v.Right], regs[v.CarryIn], width)
				regs[v.Dst] = val
				regs[v.CarryOut] = carry
				traceLine(trace, blockID, index, "binarycarry")
			}
		}
		return func(m Memory, regs, masks []uint64, _ int) {
			lu, ru, cu := masks[v.Left], masks[v.Right], masks[v.CarryIn]
			if (lu&fullMask(width)) != 0 || (ru&fullMask(width)) != 0 || cu != 0 {
				regs[v.Dst] = 0
				masks[v.Dst] = fullMask(width)
				regs[v.CarryOut] = 0
				masks[v.CarryOut] = 1
				traceLine(trace, blockID, index, "binarycarry")
				return
			}
			val, carry := addSubCarry(v.Op, regs[v.Left], regs[v.Right], regs[v.CarryIn], width)
			regs[v.Dst] = val
			masks[v.Dst] = 0
			regs[v.CarryOut] = carry
			masks[v.CarryOut] = 0
			traceLine(trace, blockID, index, "binarycarry")
		}
	case sir.Load:
		return func(m Memory, regs, masks []uint64, _ int) {
			if v.Region == sir.RegionStable {
				regs[v.Dst] = m.LoadStable(v.Addr, v.LSB, v.MSB)
				masks[v.Dst] = m.LoadStableX(v.Addr, v.LSB, v.MSB)
			} else {
				regs[v.Dst] = m.LoadWorking(v.Addr, v.LSB, v.MSB)
				masks[v.Dst] = m.LoadWorkingX(v.Addr, v.LSB, v.MSB)
			}
			traceLine(trace, blockID, index, "load")
		}
	case sir.Store:
		return func(m Memory, regs, masks []uint64, _ int) {
			if v.Region == sir.RegionStable {
				m.StoreStable(v.Addr, v.LSB, v.MSB, regs[v.Src])
				m.StoreStableX(v.Addr, v.LSB, v.MSB, masks[v.Src])
			} else {
				m.StoreWorking(v.Addr, v.LSB, v.MSB, regs[v.Src])
				m.StoreWorkingX(v.Addr, v.LSB, v.MSB, masks[v.Src])
			}
			traceLine(trace, blockID, index, "store")
		}
	case sir.Commit:
		return func(m Memory, regs, masks []uint64, _ int) {
			m.Commit(v.Addr, v.LSB, v.MSB)
			m.CommitX(v.Addr, v.LSB, v.MSB)
			traceLine(trace, blockID, index, "commit")
		}
	case sir.Concat:
		parts := append([]sir.ConcatOperand(nil), v.Parts...)
		wide := v.Wide
		return func(m Memory, regs, masks []uint64, _ int) {
			var lo, hi, unkLo, unkHi uint64
			shift := v.Width
			for _, p := range parts {
				shift -= p.Width
				loWidth := p.Width
				if p.Wide {
					loWidth = 64
				}
				placeBits(&lo, &hi, regs[p.Src], loWidth, shift)
				placeBits(&unkLo, &unkHi, masks[p.Src], loWidth, shift)
				if p.Wide {
					hiWidth := p.Width - 64
					placeBits(&lo, &hi, regs[p.SrcHi], hiWidth, shift+64)
					placeBits(&unkLo, &unkHi, masks[p.SrcHi], hiWidth, shift+64)
				}
			}
			loResWidth := v.Width
			if wide {
				loResWidth = 64
			}
			regs[v.Dst] = maskWidth(lo, loResWidth)
			masks[v.Dst] = maskWidth(unkLo, loResWidth)
			if wide {
				hiResWidth := v.Width - 64
				regs[v.DstHi] = maskWidth(hi, hiResWidth)
				masks[v.DstHi] = maskWidth(unkHi, hiResWidth)
			}
			traceLine(trace, blockID, index, "concat")
		}
	case sir.Phi:
		incoming := append([]sir.PhiEdge(nil), v.Incoming...)
		return func(m Memory, regs, masks []uint64, prevBlock int) {
			for _, e := range incoming {
				if e.Block == prevBlock {
					regs[v.Dst] = regs[e.Src]
					masks[v.Dst] = masks[e.Src]
					break
				}
			}
			traceLine(trace, blockID, index, "phi")
		}
	}
	panic(fmt.Sprintf("jit: unhandled instruction %T", in))
}

func compileTerm(t sir.Terminator, fnName string) terminator {
	switch v := t.(type) {
	case sir.Jump:
		target := v.Target
		return func(m Memory, regs, masks []uint64) (int, bool, *diag.Diagnostic) {
			return target, false, nil
		}
	case sir.Branch:
		return func(m Memory, regs, masks []uint64) (int, bool, *diag.Diagnostic) {
			if regs[v.Cond] != 0 {
				return v.Then, false, nil
			}
			return v.Else, false, nil
		}
	case sir.Return:
		return func(m Memory, regs, masks []uint64) (int, bool, *diag.Diagnostic) {
			return 0, true, nil
		}
	case sir.Error:
		code := v.Code
		return func(m Memory, regs, masks []uint64) (int, bool, *diag.Diagnostic) {
			return 0, true, diag.GeneratedError(code, fnName)
		}
	}
	panic(fmt.Sprintf("jit: unhandled terminator %T", t))
}

func traceLine(trace Trace, block, index int, kind string) {
	if trace == nil {
		return
	}
	trace(block, index, kind)
}
