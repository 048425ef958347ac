// Package logic defines the shared domain types produced by the
// symbolic evaluator and consumed by the flattener, atomizer,
// scheduler, and IR lowerer: bit-ranged references, logic paths, and
// flip-flop bodies (§3).
package logic

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
)

// BitRef is a bit-ranged reference: (address, [lsb, msb]). References
// to different intervals of the same variable are independent (§3).
type BitRef struct {
	Addr     expr.Addr
	LSB, MSB int
}

// Overlaps reports whether two bit references share both an address
// and at least one bit position.
func (b BitRef) Overlaps(o BitRef) bool {
	return b.Addr == o.Addr && b.LSB <= o.MSB && o.LSB <= b.MSB
}

// Width returns the number of bits this reference spans.
func (b BitRef) Width() int {
	return b.MSB - b.LSB + 1
}

func (b BitRef) String() string {
	return fmt.Sprintf("i%d.v%d[%d:%d]", b.Addr.Instance, b.Addr.Local, b.MSB, b.LSB)
}

// LogicPath is a combinational assignment: target = expr(sources…)
// (§3). Name is a best-effort human-readable label used in diagnostics.
//
// Dyn is non-nil for a dynamic-index write (§4.1): the destination bit
// position is unknown until run time, so Target conservatively spans
// the whole variable and the lowerer expands Dyn into a per-bit
// self-select (write Value's bit where Index selects it, keep the
// prior bit elsewhere) rather than treating Expr as the driving value.
type LogicPath struct {
	Target  BitRef
	Expr    expr.NodeID
	Sources []BitRef
	Name    string
	Dyn     *DynWrite
}

// DynWrite carries the index and value expressions of a dynamic-index
// assignment (§4.1's "self-select" rule).
type DynWrite struct {
	Index expr.NodeID
	Value expr.NodeID
}

// Domain is the set of flip-flops sharing one trigger: a clock edge
// with an optional asynchronous reset (§4/glossary).
type Domain struct {
	ID      int
	Trigger hdl.Trigger
	Name    string
}

// FlipFlopBody is one flip-flop's eval computation: it reads Stable
// and produces the bits of next-state (Working) per target (§3). The
// apply (Working -> Stable commit) is mechanically derived from these
// targets by the IR lowerer, so it is not stored separately here.
type FlipFlopBody struct {
	Domain Domain
	Eval   []LogicPath
}
