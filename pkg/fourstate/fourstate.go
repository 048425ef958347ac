// Package fourstate implements the 0/1/X/Z value space as a value/mask
// pair, normalized so that value & mask == 0 always holds (§7 of the
// simulator spec). X is mask=1,value=0; Z is not distinguished from X
// at the bit-operator level (both are "unknown" to the monotone
// operators below), and the runtime stores only the value/mask pair,
// so Z is not kept apart from X anywhere.
package fourstate

import "math/bits"

// Word is a 4-state bit vector up to 64 bits wide: Val holds the
// defined-bit values, Unk holds the unknown-bit mask. Invariant:
// Val &^ Unk == Val (no defined bit may be set where Unk is set).
type Word struct {
	Val uint64
	Unk uint64
}

// Normalize clears any Val bits that coincide with Unk bits, restoring
// the value&mask==0 invariant after an operation that may have violated
// it transiently.
func (w Word) Normalize() Word {
	return Word{Val: w.Val &^ w.Unk, Unk: w.Unk}
}

// Mask returns w truncated to the low `width` bits.
func (w Word) Mask(width int) Word {
	if width >= 64 {
		return w
	}
	m := uint64(1)<<uint(width) - 1
	return Word{Val: w.Val & m, Unk: w.Unk & m}
}

// IsFullyDefined reports whether every bit of the low `width` bits is 0 or 1.
func (w Word) IsFullyDefined(width int) bool {
	return w.Mask(width).Unk == 0
}

// And computes w & o with dominant-zero semantics: a defined 0 on
// either side forces the result bit to defined 0 even if the other side
// is unknown (§8 scenario 4). Monotone: widening unknowns in an input
// never narrows an unknown output bit to defined.
func And(a, b Word) Word {
	zeroA := ^a.Val &^ a.Unk // bits a is defined 0 on
	zeroB := ^b.Val &^ b.Unk
	dominantZero := zeroA | zeroB
	val := a.Val & b.Val &^ dominantZero
	unk := (a.Unk | b.Unk) &^ dominantZero
	return Word{Val: val, Unk: unk}.Normalize()
}

// Or computes w | o with dominant-one semantics (dual of And).
func Or(a, b Word) Word {
	oneA := a.Val &^ a.Unk
	oneB := b.Val &^ b.Unk
	dominantOne := oneA | oneB
	unk := (a.Unk | b.Unk) &^ dominantOne
	return Word{Val: dominantOne, Unk: unk}
}

// Xor computes w ^ o. Any unknown input bit makes the output bit unknown.
func Xor(a, b Word) Word {
	unk := a.Unk | b.Unk
	val := (a.Val ^ b.Val) &^ unk
	return Word{Val: val, Unk: unk}
}

// Not computes the bitwise complement. Unknown bits stay unknown.
func Not(a Word) Word {
	return Word{Val: ^a.Val &^ a.Unk, Unk: a.Unk}
}

// ReduceAnd ANDs together every bit of the low `width` bits.
func ReduceAnd(a Word, width int) Word {
	a = a.Mask(width)
	if a.Unk == 0 {
		if bits.OnesCount64(a.Val) == width {
			return Word{Val: 1}
		}
		return Word{}
	}
	// Any defined-0 bit dominates regardless of unknowns.
	definedZero := (^a.Val &^ a.Unk) & maskOf(width)
	if definedZero != 0 {
		return Word{}
	}
	return Word{Unk: 1}
}

// ReduceOr ORs together every bit of the low `width` bits.
func ReduceOr(a Word, width int) Word {
	a = a.Mask(width)
	definedOne := a.Val &^ a.Unk
	if definedOne != 0 {
		return Word{Val: 1}
	}
	if a.Unk != 0 {
		return Word{Unk: 1}
	}
	return Word{}
}

// ReduceXor XORs together every bit of the low `width` bits. Unknown if
// any input bit is unknown (parity of unknown count can't be resolved).
func ReduceXor(a Word, width int) Word {
	a = a.Mask(width)
	if a.Unk != 0 {
		return Word{Unk: 1}
	}
	if bits.OnesCount64(a.Val)%2 == 1 {
		return Word{Val: 1}
	}
	return Word{}
}

// Add computes two-state-correct addition when both operands are fully
// defined; if either operand carries an unknown bit, every bit of the
// result at or above the lowest unknown bit position becomes unknown,
// since a carry chain could propagate that uncertainty upward.
func Add(a, b Word, width int) Word {
	a, b = a.Mask(width), b.Mask(width)
	if a.Unk == 0 && b.Unk == 0 {
		return Word{Val: (a.Val + b.Val)}.Mask(width)
	}
	lowest := lowestUnknownBit(a.Unk|b.Unk, width)
	unk := spanFrom(lowest, width)
	return Word{Val: 0, Unk: unk}
}

// Sub mirrors Add's unknown-propagation rule: a borrow chain could
// taint every bit at or above the lowest unknown input bit.
func Sub(a, b Word, width int) Word {
	a, b = a.Mask(width), b.Mask(width)
	if a.Unk == 0 && b.Unk == 0 {
		return Word{Val: (a.Val - b.Val)}.Mask(width)
	}
	lowest := lowestUnknownBit(a.Unk|b.Unk, width)
	unk := spanFrom(lowest, width)
	return Word{Val: 0, Unk: unk}
}

func lowestUnknownBit(unk uint64, width int) int {
	if unk == 0 {
		return width
	}
	return bits.TrailingZeros64(unk)
}

func spanFrom(lsb, width int) uint64 {
	if lsb >= width {
		return 0
	}
	full := uint64(1)<<uint(width) - 1
	if width >= 64 {
		full = ^uint64(0)
	}
	return full &^ (uint64(1)<<uint(lsb) - 1)
}

// Equal reports structural equality of two 4-state words over width bits.
func Equal(a, b Word, width int) bool {
	a, b = a.Mask(width), b.Mask(width)
	return a == b
}

// CaseEqual implements wildcard case-equality (===? semantics in
// Verilog terms): X/Z positions in either operand compare equal
// unconditionally; defined positions must match exactly.
func CaseEqual(a, b Word, width int) bool {
	a, b = a.Mask(width), b.Mask(width)
	care := ^(a.Unk | b.Unk) & maskOf(width)
	return (a.Val & care) == (b.Val & care)
}

func maskOf(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(width) - 1
}
