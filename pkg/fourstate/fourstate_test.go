package fourstate

import "testing"

func x(width int) Word { return Word{Unk: maskOf(width)} }
func v(val uint64) Word { return Word{Val: val} }

func TestAndDominantZero(t *testing.T) {
	// a=X, b=0 => y=0 (§8 scenario 4)
	got := And(x(1), v(0))
	if got != (Word{Val: 0, Unk: 0}) {
		t.Fatalf("X & 0 = %+v, want defined 0", got)
	}
	// a=X, b=1 => y=X
	got = And(x(1), v(1))
	if got.Unk == 0 {
		t.Fatalf("X & 1 = %+v, want X", got)
	}
}

func TestOrDominantOne(t *testing.T) {
	got := Or(x(1), v(1))
	if got != (Word{Val: 1, Unk: 0}) {
		t.Fatalf("X | 1 = %+v, want defined 1", got)
	}
	got = Or(x(1), v(0))
	if got.Unk == 0 {
		t.Fatalf("X | 0 = %+v, want X", got)
	}
}

func TestMonotonicity(t *testing.T) {
	// Introducing X in an input must never turn an X output bit defined.
	defined := And(v(1), v(1))
	withUnknown := And(x(1), v(1))
	if defined.Unk != 0 {
		t.Fatalf("baseline should be fully defined")
	}
	if withUnknown.Unk == 0 {
		t.Fatalf("widening an input to X must not produce a defined output bit here")
	}
}

func TestNormalizeInvariant(t *testing.T) {
	w := Word{Val: 0b11, Unk: 0b10}
	n := w.Normalize()
	if n.Val&n.Unk != 0 {
		t.Fatalf("value & mask != 0 after normalize: %+v", n)
	}
}

func TestCaseEquality(t *testing.T) {
	if !CaseEqual(x(4), v(0b1010), 4) {
		t.Fatalf("case-equality must treat X as wildcard")
	}
	if CaseEqual(v(0b0101), v(0b1010), 4) {
		t.Fatalf("case-equality must still require defined bits to match")
	}
}

func TestAddPropagatesUnknownUpward(t *testing.T) {
	a := Word{Val: 0, Unk: 0b0001}
	b := Word{Val: 0}
	got := Add(a, b, 4)
	if got.Unk&0b1111 != 0b1111 {
		t.Fatalf("Add with unknown low bit should make every bit at/above it unknown, got %+v", got)
	}
}

func TestSubPropagatesUnknownUpward(t *testing.T) {
	a := Word{Val: 0, Unk: 0b0001}
	b := Word{Val: 0}
	got := Sub(a, b, 4)
	if got.Unk&0b1111 != 0b1111 {
		t.Fatalf("Sub with unknown low bit should make every bit at/above it unknown, got %+v", got)
	}
}

func TestSubDefinedOperands(t *testing.T) {
	got := Sub(v(5), v(3), 4)
	if got.Unk != 0 || got.Val != 2 {
		t.Fatalf("Sub(5,3) should be fully-defined 2, got %+v", got)
	}
}

func TestReduceAndOr(t *testing.T) {
	if ReduceAnd(v(0b1111), 4) != (Word{Val: 1}) {
		t.Fatalf("reduce-and of all ones should be 1")
	}
	if ReduceAnd(v(0b1110), 4) != (Word{}) {
		t.Fatalf("reduce-and with a defined zero bit should be 0 regardless of others")
	}
	if ReduceOr(v(0), 4) != (Word{}) {
		t.Fatalf("reduce-or of all zero should be 0")
	}
	if ReduceOr(Word{Val: 0b0010}, 4) != (Word{Val: 1}) {
		t.Fatalf("reduce-or with a defined one bit should be 1")
	}
}
