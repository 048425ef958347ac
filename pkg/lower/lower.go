// Package lower translates the expression DAG and the scheduled
// program into the register IR (§4.5): one Load/Binary/Unary/Concat
// instruction per DAG node (memoized, so a hash-consed subexpression
// lowers once), Slice as a shift-then-mask pair, Mux as an actual
// branch to a then/else block merged by a Phi (never a select
// instruction — the DAG's node vocabulary stops at Mux, but SIR is a
// CFG, and a CFG's natural way to choose between two computed values
// is control flow), and a dynamic-index write as a per-bit arithmetic
// select rather than per-bit branching, to keep the lowered body
// straight-line except where Mux genuinely demands otherwise.
//
// A value wider than one 64-bit register lowers to a pair of limbs
// (wideReg below) rather than a single sir.Reg: Lo carries bits
// [63:0], Hi carries bits beyond that, up to a 128-bit total — the
// widest boundary width the simulator's own documented behaviour
// tests for. Every instruction this package emits still moves at most
// one 64-bit limb at a time; a wide value's two limbs are two separate
// Load/Store/Binary instructions rather than one instruction carrying
// more than 64 bits, since a virtual register is a single uint64.
package lower

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/logic"
	"github.com/oisee/rtlsim/pkg/schedule"
	"github.com/oisee/rtlsim/pkg/sir"
)

// wideReg is the lowered form of one expression node: one limb (Lo)
// for any value up to 64 bits, two limbs (Lo, Hi) for anything wider.
type wideReg struct {
	Lo, Hi sir.Reg
	Wide   bool
	Width  int
}

type memo map[expr.NodeID]wideReg

func cloneMemo(m memo) memo {
	out := make(memo, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toSirAddr(a expr.Addr) sir.Addr {
	return sir.Addr{Instance: a.Instance, Local: a.Local}
}

// limbWidths splits a value's total width into its low limb's width
// (up to 64) and its high limb's width (0 when the value isn't wide).
func limbWidths(width int) (lo, hi int) {
	if width > 64 {
		return 64, width - 64
	}
	return width, 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// lowering carries the shared state for lowering one function body.
type lowering struct {
	arena *expr.Arena
	b     *sir.Builder
	top   memo
}

func (l *lowering) lowerNode(id expr.NodeID) wideReg {
	return l.lowerInto(id, l.top)
}

func (l *lowering) lowerInto(id expr.NodeID, m memo) wideReg {
	if r, ok := m[id]; ok {
		return r
	}
	n := l.arena.Node(id)
	var r wideReg
	switch n.Kind {
	case expr.KindInput:
		r = l.lowerInput(n, m)
	case expr.KindConstant:
		r = l.lowerConstant(n)
	case expr.KindBinary:
		left := l.lowerInto(n.Left, m)
		right := l.lowerInto(n.Right, m)
		r = l.lowerBinary(n, left, right)
	case expr.KindUnary:
		src := l.lowerInto(n.Operand, m)
		r = l.lowerUnary(n, src)
	case expr.KindConcat:
		r = l.lowerConcat(n, m)
	case expr.KindSlice:
		r = l.lowerSlice(n, m)
	case expr.KindMux:
		r = l.lowerMux(n, m)
	}
	m[id] = r
	return r
}

// lowerInput loads a static bit-range reference directly. A reference
// carrying a dynamic index lowers to the full range shifted right by
// the index: the selected position lands at bit 0, and an out-of-range
// index resolves through the oversized-shift rule — zero in two-state
// evaluation, all-X in four-state.
func (l *lowering) lowerInput(n expr.Node, m memo) wideReg {
	whole := l.loadAddr(toSirAddr(n.Addr), n.LSB, n.MSB, sir.RegionStable)
	if n.DynIndex == 0 {
		return whole
	}
	if whole.Wide {
		panic("lower: dynamic index on references wider than 64 bits is not supported")
	}
	idx := l.lowerInto(n.DynIndex, m)
	r := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: r, Op: hdl.OpShrLogical, Left: whole.Lo, Right: idx.Lo, Width: whole.Width})
	return wideReg{Lo: r, Width: whole.Width}
}

// loadAddr emits one Load per limb needed to cover [lsb:msb], each
// bounded to 64 bits, into a fresh register apiece.
func (l *lowering) loadAddr(addr sir.Addr, lsb, msb int, region sir.Region) wideReg {
	width := msb - lsb + 1
	loW, hiW := limbWidths(width)
	lo := l.b.Reg()
	loMSB := lsb + loW - 1
	l.b.Emit(sir.Load{Dst: lo, Addr: addr, LSB: lsb, MSB: loMSB, Region: region})
	if hiW == 0 {
		return wideReg{Lo: lo, Width: width}
	}
	hi := l.b.Reg()
	l.b.Emit(sir.Load{Dst: hi, Addr: addr, LSB: loMSB + 1, MSB: msb, Region: region})
	return wideReg{Lo: lo, Hi: hi, Wide: true, Width: width}
}

// storeAddr is loadAddr's write-side counterpart.
func (l *lowering) storeAddr(addr sir.Addr, lsb, msb int, region sir.Region, v wideReg) {
	width := msb - lsb + 1
	loW, _ := limbWidths(width)
	loMSB := lsb + loW - 1
	l.b.Emit(sir.Store{Src: v.Lo, Addr: addr, LSB: lsb, MSB: loMSB, Region: region})
	if loMSB < msb {
		l.b.Emit(sir.Store{Src: v.Hi, Addr: addr, LSB: loMSB + 1, MSB: msb, Region: region})
	}
}

func (l *lowering) lowerConstant(n expr.Node) wideReg {
	loW, hiW := limbWidths(n.Width)
	lo := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: lo, Value: maskOf(loW) & n.ConstValue, Width: loW})
	if hiW == 0 {
		return wideReg{Lo: lo, Width: n.Width}
	}
	// ConstValue is a single uint64, so any bits beyond position 63
	// are, by construction, always zero (§3's constant representation
	// never carries a nonzero high limb).
	hi := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: hi, Value: 0, Width: hiW})
	return wideReg{Lo: lo, Hi: hi, Wide: true, Width: n.Width}
}

func (l *lowering) lowerZero(width int) wideReg {
	loW, hiW := limbWidths(width)
	lo := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: lo, Value: 0, Width: loW})
	if hiW == 0 {
		return wideReg{Lo: lo, Width: width}
	}
	hi := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: hi, Value: 0, Width: hiW})
	return wideReg{Lo: lo, Hi: hi, Wide: true, Width: width}
}

// hiOrZero returns v's high limb, zero-extending a narrower v on the fly.
func (l *lowering) hiOrZero(v wideReg, hiWidth int) sir.Reg {
	if v.Wide {
		return v.Hi
	}
	z := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: z, Value: 0, Width: hiWidth})
	return z
}

// hiSignExtend returns v's high limb, sign-extending a narrower v from
// its own sign bit (for signed wide comparisons) by broadcasting the
// sign bit through an arithmetic right shift, the same trick evalBinary
// uses for a single register.
func (l *lowering) hiSignExtend(v wideReg, hiWidth int) sir.Reg {
	if v.Wide {
		return v.Hi
	}
	amt := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: amt, Value: uint64(v.Width - 1), Width: v.Width})
	r := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: r, Op: hdl.OpShrArith, Left: v.Lo, Right: amt, Width: hiWidth})
	return r
}

func (l *lowering) lowerBinary(n expr.Node, left, right wideReg) wideReg {
	if !left.Wide && !right.Wide && n.Width <= 64 {
		r := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: r, Op: n.BinOp, Left: left.Lo, Right: right.Lo, Width: n.Width})
		return wideReg{Lo: r, Width: n.Width}
	}
	switch n.BinOp {
	case hdl.OpAnd, hdl.OpOr, hdl.OpXor:
		return l.lowerWideBitwise(n.BinOp, left, right, n.Width)
	case hdl.OpEq, hdl.OpNeq, hdl.OpCaseEq, hdl.OpCaseNeq:
		return l.lowerWideEquality(n.BinOp, left, right)
	case hdl.OpLtSigned, hdl.OpLtUnsigned, hdl.OpLeSigned, hdl.OpLeUnsigned,
		hdl.OpGtSigned, hdl.OpGtUnsigned, hdl.OpGeSigned, hdl.OpGeUnsigned:
		return l.lowerWideCompare(n.BinOp, left, right)
	case hdl.OpAdd, hdl.OpSub:
		return l.lowerWideAddSub(n.BinOp, left, right, n.Width)
	default:
		// Multiply and the shift family need either a full multi-limb
		// multiplier or a runtime-variable cross-limb shift; neither
		// is implemented, so an operand wider than 64 bits is rejected
		// here rather than silently truncated.
		panic(fmt.Sprintf("lower: BinOp %d on operands wider than 64 bits is not supported", n.BinOp))
	}
}

func (l *lowering) lowerWideBitwise(op hdl.BinOp, left, right wideReg, width int) wideReg {
	loW, hiW := limbWidths(width)
	lo := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: lo, Op: op, Left: left.Lo, Right: right.Lo, Width: loW})
	if hiW == 0 {
		return wideReg{Lo: lo, Width: width}
	}
	leftHi := l.hiOrZero(left, hiW)
	rightHi := l.hiOrZero(right, hiW)
	hi := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: hi, Op: op, Left: leftHi, Right: rightHi, Width: hiW})
	return wideReg{Lo: lo, Hi: hi, Wide: true, Width: width}
}

func (l *lowering) lowerWideEquality(op hdl.BinOp, left, right wideReg) wideReg {
	width := maxInt(left.Width, right.Width)
	_, hiW := limbWidths(width)
	eqOp, combine := hdl.OpEq, hdl.OpAnd
	switch op {
	case hdl.OpNeq:
		eqOp, combine = hdl.OpNeq, hdl.OpOr
	case hdl.OpCaseEq:
		eqOp, combine = hdl.OpCaseEq, hdl.OpAnd
	case hdl.OpCaseNeq:
		eqOp, combine = hdl.OpCaseNeq, hdl.OpOr
	}
	loEq := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: loEq, Op: eqOp, Left: left.Lo, Right: right.Lo, Width: 1})
	if hiW == 0 {
		return wideReg{Lo: loEq, Width: 1}
	}
	leftHi := l.hiOrZero(left, hiW)
	rightHi := l.hiOrZero(right, hiW)
	hiEq := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: hiEq, Op: eqOp, Left: leftHi, Right: rightHi, Width: 1})
	out := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: out, Op: combine, Left: loEq, Right: hiEq, Width: 1})
	return wideReg{Lo: out, Width: 1}
}

func isSignedCompareOp(op hdl.BinOp) bool {
	switch op {
	case hdl.OpLtSigned, hdl.OpLeSigned, hdl.OpGtSigned, hdl.OpGeSigned:
		return true
	}
	return false
}

// orderOps splits a relational operator into the strict comparison
// used to decide the high limb (which alone carries the sign) and the
// unsigned comparison used to break a tie on the low limb.
func orderOps(op hdl.BinOp) (hiOp, loOp hdl.BinOp) {
	switch op {
	case hdl.OpLtSigned:
		return hdl.OpLtSigned, hdl.OpLtUnsigned
	case hdl.OpLtUnsigned:
		return hdl.OpLtUnsigned, hdl.OpLtUnsigned
	case hdl.OpLeSigned:
		return hdl.OpLtSigned, hdl.OpLeUnsigned
	case hdl.OpLeUnsigned:
		return hdl.OpLtUnsigned, hdl.OpLeUnsigned
	case hdl.OpGtSigned:
		return hdl.OpGtSigned, hdl.OpGtUnsigned
	case hdl.OpGtUnsigned:
		return hdl.OpGtUnsigned, hdl.OpGtUnsigned
	case hdl.OpGeSigned:
		return hdl.OpGtSigned, hdl.OpGeUnsigned
	case hdl.OpGeUnsigned:
		return hdl.OpGtUnsigned, hdl.OpGeUnsigned
	}
	panic(fmt.Sprintf("lower: orderOps on non-order BinOp %d", op))
}

// lowerWideCompare decides a relational comparison high limb first
// (since only the top limb carries the sign bit), falling through to
// the low limb only when the high limbs are equal.
func (l *lowering) lowerWideCompare(op hdl.BinOp, left, right wideReg) wideReg {
	width := maxInt(left.Width, right.Width)
	_, hiW := limbWidths(width)
	if hiW == 0 {
		_, loOp := orderOps(op)
		out := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: out, Op: loOp, Left: left.Lo, Right: right.Lo, Width: 1})
		return wideReg{Lo: out, Width: 1}
	}

	var leftHi, rightHi sir.Reg
	if isSignedCompareOp(op) {
		leftHi = l.hiSignExtend(left, hiW)
		rightHi = l.hiSignExtend(right, hiW)
	} else {
		leftHi = l.hiOrZero(left, hiW)
		rightHi = l.hiOrZero(right, hiW)
	}

	hiOp, loOp := orderOps(op)
	hiOrder := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: hiOrder, Op: hiOp, Left: leftHi, Right: rightHi, Width: 1})
	hiEq := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: hiEq, Op: hdl.OpEq, Left: leftHi, Right: rightHi, Width: 1})
	loOrder := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: loOrder, Op: loOp, Left: left.Lo, Right: right.Lo, Width: 1})
	tie := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: tie, Op: hdl.OpAnd, Left: hiEq, Right: loOrder, Width: 1})
	out := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: out, Op: hdl.OpOr, Left: hiOrder, Right: tie, Width: 1})
	return wideReg{Lo: out, Width: 1}
}

// lowerWideAddSub ripples a single carry/borrow bit from the low limb
// into the high limb via two BinaryCarry instructions.
func (l *lowering) lowerWideAddSub(op hdl.BinOp, left, right wideReg, width int) wideReg {
	loW, hiW := limbWidths(width)
	carryIn := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: carryIn, Value: 0, Width: 1})
	lo := l.b.Reg()
	carryOut := l.b.Reg()
	l.b.Emit(sir.BinaryCarry{Dst: lo, CarryOut: carryOut, Op: op, Left: left.Lo, Right: right.Lo, CarryIn: carryIn, Width: loW})
	if hiW == 0 {
		return wideReg{Lo: lo, Width: width}
	}
	leftHi := l.hiOrZero(left, hiW)
	rightHi := l.hiOrZero(right, hiW)
	hi := l.b.Reg()
	hiCarryOut := l.b.Reg()
	l.b.Emit(sir.BinaryCarry{Dst: hi, CarryOut: hiCarryOut, Op: op, Left: leftHi, Right: rightHi, CarryIn: carryOut, Width: hiW})
	return wideReg{Lo: lo, Hi: hi, Wide: true, Width: width}
}

func (l *lowering) lowerUnary(n expr.Node, src wideReg) wideReg {
	if !src.Wide && n.Width <= 64 {
		r := l.b.Reg()
		l.b.Emit(sir.Unary{Dst: r, Op: n.UnOp, Src: src.Lo, Width: n.Width})
		return wideReg{Lo: r, Width: n.Width}
	}
	switch n.UnOp {
	case hdl.OpNot:
		loW, hiW := limbWidths(n.Width)
		lo := l.b.Reg()
		l.b.Emit(sir.Unary{Dst: lo, Op: hdl.OpNot, Src: src.Lo, Width: loW})
		if hiW == 0 {
			return wideReg{Lo: lo, Width: n.Width}
		}
		hi := l.b.Reg()
		l.b.Emit(sir.Unary{Dst: hi, Op: hdl.OpNot, Src: src.Hi, Width: hiW})
		return wideReg{Lo: lo, Hi: hi, Wide: true, Width: n.Width}
	case hdl.OpRedAnd, hdl.OpRedOr, hdl.OpRedXor:
		return l.lowerWideReduce(n.UnOp, src)
	case hdl.OpLogNot:
		anyBit := l.lowerWideReduce(hdl.OpRedOr, src)
		zero := l.b.Reg()
		l.b.Emit(sir.Imm{Dst: zero, Value: 0, Width: 1})
		out := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: out, Op: hdl.OpEq, Left: anyBit.Lo, Right: zero, Width: 1})
		return wideReg{Lo: out, Width: 1}
	case hdl.OpNeg:
		zero := l.lowerZero(src.Width)
		return l.lowerWideAddSub(hdl.OpSub, zero, src, src.Width)
	}
	panic(fmt.Sprintf("lower: UnOp %d on an operand wider than 64 bits is not supported", n.UnOp))
}

func (l *lowering) lowerWideReduce(op hdl.UnOp, src wideReg) wideReg {
	loW, hiW := limbWidths(src.Width)
	loR := l.b.Reg()
	l.b.Emit(sir.Unary{Dst: loR, Op: op, Src: src.Lo, Width: loW})
	if hiW == 0 {
		return wideReg{Lo: loR, Width: 1}
	}
	hiR := l.b.Reg()
	l.b.Emit(sir.Unary{Dst: hiR, Op: op, Src: src.Hi, Width: hiW})
	combine := hdl.OpOr
	switch op {
	case hdl.OpRedAnd:
		combine = hdl.OpAnd
	case hdl.OpRedXor:
		combine = hdl.OpXor
	}
	out := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: out, Op: combine, Left: loR, Right: hiR, Width: 1})
	return wideReg{Lo: out, Width: 1}
}

func (l *lowering) lowerConcat(n expr.Node, m memo) wideReg {
	parts := make([]sir.ConcatOperand, len(n.Parts))
	for i, p := range n.Parts {
		v := l.lowerInto(p.ID, m)
		parts[i] = sir.ConcatOperand{Src: v.Lo, SrcHi: v.Hi, Wide: v.Wide, Width: p.Width}
	}
	_, hiW := limbWidths(n.Width)
	dst := l.b.Reg()
	if hiW == 0 {
		l.b.Emit(sir.Concat{Dst: dst, Parts: parts, Width: n.Width})
		return wideReg{Lo: dst, Width: n.Width}
	}
	dstHi := l.b.Reg()
	l.b.Emit(sir.Concat{Dst: dst, DstHi: dstHi, Wide: true, Parts: parts, Width: n.Width})
	return wideReg{Lo: dst, Hi: dstHi, Wide: true, Width: n.Width}
}

// limbAt returns src's limb idx (0 = low, 1 = high), synthesizing a
// zero register if src has no such limb — only reachable for an
// out-of-bounds request, since Arena.Mux/Slice/Concat already enforce
// that every limb actually used lies within a node's declared width.
func (l *lowering) limbAt(src wideReg, idx int) sir.Reg {
	if idx == 0 {
		return src.Lo
	}
	if idx == 1 && src.Wide {
		return src.Hi
	}
	r := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: r, Value: 0, Width: 1})
	return r
}

func (l *lowering) limbWidthAt(src wideReg, idx int) int {
	loW, hiW := limbWidths(src.Width)
	if idx == 0 {
		return loW
	}
	return hiW
}

// lowerSlice expresses Source[MSB:LSB] one output limb at a time.
// LSB/MSB are compile-time constants, so each output limb draws from
// at most two of the source's limbs at a statically known bit offset —
// no dynamic (runtime-variable) shift is ever needed here.
func (l *lowering) lowerSlice(n expr.Node, m memo) wideReg {
	src := l.lowerInto(n.Source, m)
	loW, hiW := limbWidths(n.Width)
	lo := l.extractStatic(src, n.LSB, loW)
	if hiW == 0 {
		return wideReg{Lo: lo, Width: n.Width}
	}
	hi := l.extractStatic(src, n.LSB+64, hiW)
	return wideReg{Lo: lo, Hi: hi, Wide: true, Width: n.Width}
}

// extractStatic emits instructions computing the width bits of src
// starting at absolute bit position start (a compile-time constant).
func (l *lowering) extractStatic(src wideReg, start, width int) sir.Reg {
	limbIdx := start / 64
	offset := start % 64
	limbA := l.limbAt(src, limbIdx)
	limbAWidth := l.limbWidthAt(src, limbIdx)

	shiftedA := limbA
	if offset > 0 {
		amt := l.b.Reg()
		l.b.Emit(sir.Imm{Dst: amt, Value: uint64(offset), Width: limbAWidth})
		shifted := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: shifted, Op: hdl.OpShrLogical, Left: limbA, Right: amt, Width: limbAWidth})
		shiftedA = shifted
	}

	result := shiftedA
	if offset+width > limbAWidth {
		limbB := l.limbAt(src, limbIdx+1)
		highBits := limbAWidth - offset
		amt := l.b.Reg()
		l.b.Emit(sir.Imm{Dst: amt, Value: uint64(highBits), Width: width})
		shiftedB := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: shiftedB, Op: hdl.OpShl, Left: limbB, Right: amt, Width: width})
		combined := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: combined, Op: hdl.OpOr, Left: shiftedA, Right: shiftedB, Width: width})
		result = combined
	}

	maskReg := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: maskReg, Value: maskOf(width), Width: width})
	out := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: out, Op: hdl.OpAnd, Left: result, Right: maskReg, Width: width})
	return out
}

func maskOf(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

// lowerMux forces a branch: cond is evaluated in the current
// (dominating) block, then and else are each lowered in their own
// block against a private copy of the memo so neither arm's
// computations leak into the other or past the merge — only the Phi
// result is recorded in the memo that dominates what follows. then and
// else always share one width (Arena.Mux's invariant), so either both
// arms are wide or neither is.
func (l *lowering) lowerMux(n expr.Node, m memo) wideReg {
	cond := l.lowerInto(n.Cond, m)

	thenBlk := l.b.NewBlock()
	elseBlk := l.b.NewBlock()
	mergeBlk := l.b.NewBlock()
	l.b.Terminate(sir.Branch{Cond: cond.Lo, Then: thenBlk, Else: elseBlk})

	l.b.SetCurrent(thenBlk)
	thenMemo := cloneMemo(m)
	thenReg := l.lowerInto(n.Then, thenMemo)
	l.b.Terminate(sir.Jump{Target: mergeBlk})

	l.b.SetCurrent(elseBlk)
	elseMemo := cloneMemo(m)
	elseReg := l.lowerInto(n.Else, elseMemo)
	l.b.Terminate(sir.Jump{Target: mergeBlk})

	l.b.SetCurrent(mergeBlk)
	loW, hiW := limbWidths(n.Width)
	dst := l.b.Reg()
	l.b.Emit(sir.Phi{Dst: dst, Width: loW, Incoming: []sir.PhiEdge{
		{Block: thenBlk, Src: thenReg.Lo},
		{Block: elseBlk, Src: elseReg.Lo},
	}})
	if hiW == 0 {
		return wideReg{Lo: dst, Width: n.Width}
	}
	dstHi := l.b.Reg()
	l.b.Emit(sir.Phi{Dst: dstHi, Width: hiW, Incoming: []sir.PhiEdge{
		{Block: thenBlk, Src: l.limbAt(thenReg, 1)},
		{Block: elseBlk, Src: l.limbAt(elseReg, 1)},
	}})
	return wideReg{Lo: dst, Hi: dstHi, Wide: true, Width: n.Width}
}

// emitPath lowers one logic path's driving expression and stores it,
// expanding a dynamic-index write into a per-bit arithmetic select
// (§4.1, §4.5) instead of Go-level branching per bit, so the function
// stays straight-line except where a genuine Mux is present.
func (l *lowering) emitPath(p logic.LogicPath, region sir.Region) {
	if p.Dyn == nil {
		src := l.lowerNode(p.Expr)
		l.storeAddr(toSirAddr(p.Target.Addr), p.Target.LSB, p.Target.MSB, region, src)
		return
	}
	l.emitDynWrite(p, region)
}

func (l *lowering) emitDynWrite(p logic.LogicPath, region sir.Region) {
	idx := l.lowerNode(p.Dyn.Index)
	value := l.lowerNode(p.Dyn.Value)
	width := p.Target.Width()
	if width > 64 {
		panic("lower: dynamic-index write on variables wider than 64 bits is not supported")
	}
	one := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: one, Value: 1, Width: 1})

	// Place the written value at the indexed position up front; each
	// bit's select below then compares against the same shifted word.
	shifted := l.b.Reg()
	l.b.Emit(sir.Binary{Dst: shifted, Op: hdl.OpShl, Left: value.Lo, Right: idx.Lo, Width: width})
	value = wideReg{Lo: shifted, Width: width}

	for bit := 0; bit < width; bit++ {
		bitConst := l.b.Reg()
		l.b.Emit(sir.Imm{Dst: bitConst, Value: uint64(bit), Width: idx.Width})
		cmp := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: cmp, Op: hdl.OpEq, Left: idx.Lo, Right: bitConst, Width: 1})
		notCmp := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: notCmp, Op: hdl.OpXor, Left: cmp, Right: one, Width: 1})

		valueBit := l.extractStatic(value, bit, 1)
		prevBit := l.b.Reg()
		l.b.Emit(sir.Load{Dst: prevBit, Addr: toSirAddr(p.Target.Addr), LSB: p.Target.LSB + bit, MSB: p.Target.LSB + bit, Region: sir.RegionStable})

		kept := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: kept, Op: hdl.OpAnd, Left: prevBit, Right: notCmp, Width: 1})
		written := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: written, Op: hdl.OpAnd, Left: valueBit, Right: cmp, Width: 1})
		selected := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: selected, Op: hdl.OpOr, Left: kept, Right: written, Width: 1})

		l.b.Emit(sir.Store{Src: selected, Addr: toSirAddr(p.Target.Addr), LSB: p.Target.LSB + bit, MSB: p.Target.LSB + bit, Region: region})
	}
}

// Comb lowers the scheduled combinational program into one function
// that reads and writes the Stable region directly — wires have no
// separate apply phase; only flip-flops do (§4.8). Any bounded
// fixed-point group the scheduler pulled out of the ordinary
// topological order (schedule.Program.TrueLoops) is spliced back in at
// the position it occupied (TrueLoopGroup.InsertAt), so atoms
// depending on the group's outputs still observe them in dependency
// order even though the group itself isn't an ordinary single-pass
// atom.
func Comb(a *expr.Arena, prog *schedule.Program) *sir.Function {
	b := sir.NewBuilder("eval_comb")
	l := &lowering{arena: a, b: b, top: make(memo)}

	byPos := make(map[int][]schedule.TrueLoopGroup, len(prog.TrueLoops))
	for _, g := range prog.TrueLoops {
		byPos[g.InsertAt] = append(byPos[g.InsertAt], g)
	}
	emitGroupsAt := func(pos int) {
		for gi, g := range byPos[pos] {
			emitTrueLoop(l, g, trueLoopErrorCode(pos, gi))
		}
	}

	emitGroupsAt(0)
	for i, p := range prog.Comb {
		l.emitPath(p, sir.RegionStable)
		emitGroupsAt(i + 1)
	}
	b.Terminate(sir.Return{})
	return b.Finish()
}

// trueLoopErrorCode gives each spliced group a distinct Error(code)
// payload (§7.2's "e.g. true_loop budget exceeded") so a host seeing a
// KindGeneratedError diagnostic from eval_comb can tell which group
// failed to converge even though all groups share the one compiled
// function.
func trueLoopErrorCode(pos, groupIndexAtPos int) int {
	return 1000 + pos*16 + groupIndexAtPos
}

// emitTrueLoop unrolls group's members maxIter times, each round
// reading whatever the previous round left in Stable, then traps with
// errCode if the final round still changed any member's target —
// the group never reached a fixed point within its budget (§9 Open
// Question 3, §12). Unrolling rather than a native back-edge
// keeps every register single-assignment, which the rest of the
// lowerer and the optimizer both assume.
func emitTrueLoop(l *lowering, group schedule.TrueLoopGroup, errCode int) {
	maxIter := group.MaxIter
	if maxIter < 1 {
		maxIter = 1
	}

	for round := 0; round < maxIter-1; round++ {
		l.top = make(memo)
		for _, p := range group.Members {
			l.emitPath(p, sir.RegionStable)
		}
	}

	before := make([]wideReg, len(group.Members))
	for i, p := range group.Members {
		before[i] = l.loadAddr(toSirAddr(p.Target.Addr), p.Target.LSB, p.Target.MSB, sir.RegionStable)
	}

	l.top = make(memo)
	for _, p := range group.Members {
		l.emitPath(p, sir.RegionStable)
	}

	changed := l.b.Reg()
	l.b.Emit(sir.Imm{Dst: changed, Value: 0, Width: 1})
	for i, p := range group.Members {
		after := l.loadAddr(toSirAddr(p.Target.Addr), p.Target.LSB, p.Target.MSB, sir.RegionStable)
		diff := l.lowerWideEquality(hdl.OpNeq, before[i], after)
		next := l.b.Reg()
		l.b.Emit(sir.Binary{Dst: next, Op: hdl.OpOr, Left: changed, Right: diff.Lo, Width: 1})
		changed = next
	}

	errBlk := l.b.NewBlock()
	doneBlk := l.b.NewBlock()
	l.b.Terminate(sir.Branch{Cond: changed, Then: errBlk, Else: doneBlk})

	l.b.SetCurrent(errBlk)
	l.b.Terminate(sir.Error{Code: errCode})

	l.b.SetCurrent(doneBlk)
	l.top = make(memo)
}

// EvalOnly lowers one trigger domain's next-state computation into the
// Working region without committing it, for the multi-domain step
// shape where every domain's next state must be computed before any
// domain commits (§4.8's simultaneity rule).
func EvalOnly(a *expr.Arena, ds schedule.DomainSchedule) *sir.Function {
	b := sir.NewBuilder("eval_only." + ds.Domain.Name)
	l := &lowering{arena: a, b: b, top: make(memo)}
	for _, p := range ds.Eval {
		l.emitPath(p, sir.RegionWorking)
	}
	b.Terminate(sir.Return{})
	return b.Finish()
}

// Apply lowers one trigger domain's commit: copy each of its targets
// from Working to Stable.
func Apply(ds schedule.DomainSchedule) *sir.Function {
	b := sir.NewBuilder("apply." + ds.Domain.Name)
	for _, p := range ds.Eval {
		b.Emit(sir.Commit{Addr: toSirAddr(p.Target.Addr), LSB: p.Target.LSB, MSB: p.Target.MSB})
	}
	b.Terminate(sir.Return{})
	return b.Finish()
}

// EvalApply lowers the single-phase variant: eval and commit in one
// function, used when a domain is stepped alone with no cross-domain
// hazard to avoid. Every eval still runs before any commit — two
// flip-flops within the one domain must observe each other's pre-step
// values, the same simultaneity the split eval_only/apply pair
// provides across domains.
func EvalApply(a *expr.Arena, ds schedule.DomainSchedule) *sir.Function {
	b := sir.NewBuilder("eval_apply." + ds.Domain.Name)
	l := &lowering{arena: a, b: b, top: make(memo)}
	for _, p := range ds.Eval {
		l.emitPath(p, sir.RegionWorking)
	}
	for _, p := range ds.Eval {
		b.Emit(sir.Commit{Addr: toSirAddr(p.Target.Addr), LSB: p.Target.LSB, MSB: p.Target.MSB})
	}
	b.Terminate(sir.Return{})
	return b.Finish()
}
