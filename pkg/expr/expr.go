// Package expr implements the hash-consed expression arena (§3, §9's
// "cyclic reference graphs ⇒ arena + integer ids" re-architecture). The
// arena owns every node; all traversal and reference is by stable
// NodeID rather than pointer, which makes the DAG trivially shareable
// across modules during flattening and lets the optimizer's
// global-hash-consing pass (§4.6 pass 1) work across module boundaries
// by sharing one arena.
package expr

import (
	"fmt"
	"sync"

	"github.com/oisee/rtlsim/pkg/hdl"
)

// NodeID is a stable reference into an Arena. The zero value is never
// a valid id (arenas start numbering at 1) so a NodeID field left
// unset is easy to catch.
type NodeID uint32

// Kind tags which arm of Node is populated — the tagged-variant
// re-architecture of what the source language expresses as distinct
// expression subtypes (§9).
type Kind uint8

const (
	KindInput Kind = iota
	KindConstant
	KindBinary
	KindUnary
	KindMux
	KindConcat
	KindSlice
)

// Addr is a global, region-qualified address once the flattener and
// atomizer have run; before that, Addr.Local identifies a variable
// scoped to one not-yet-flattened module.
type Addr struct {
	Instance int // instance id, -1 before flattening
	Local    int // local variable id within the owning module
}

// ConcatPart is one element of a Concat node: a sub-expression and its
// declared width, ordered high-to-low.
type ConcatPart struct {
	ID    NodeID
	Width int
}

// Node is one arena entry. Only the fields relevant to Kind are
// meaningful: one struct, one tag, an exhaustive switch on Kind
// wherever a Node is consumed, rather than a type per node kind.
type Node struct {
	Kind  Kind
	Width int // every node has a known bit width (§3 invariant)

	// KindInput
	Addr     Addr
	DynIndex NodeID // 0 ⇒ static access; else the dynamic index expression
	LSB, MSB int     // bit range read, meaningful for KindInput and KindSlice

	// KindConstant
	ConstValue uint64 // low 64 bits of the constant; a Width beyond 64 always reads zero above bit 63, since no builder ever constructs a nonzero high limb (the lowerer's zero-extension relies on this)

	// KindBinary
	BinOp       hdl.BinOp
	Left, Right NodeID

	// KindUnary
	UnOp    hdl.UnOp
	Operand NodeID

	// KindMux
	Cond, Then, Else NodeID

	// KindConcat
	Parts []ConcatPart

	// KindSlice
	Source NodeID
}

// fingerprint is the structural key used for hash-consing: two nodes
// with identical fingerprints are semantically identical and may share
// one NodeID. Slices are not hashable as map keys, so KindConcat's
// Parts are folded into a string key instead of included by value.
type fingerprint struct {
	kind        Kind
	width       int
	addr        Addr
	dynIndex    NodeID
	lsb, msb    int
	constValue  uint64
	binOp       hdl.BinOp
	left, right NodeID
	unOp        hdl.UnOp
	operand     NodeID
	cond, then_, else_ NodeID
	source      NodeID
	partsKey    string
}

// Arena owns every node for one build. A single Arena may be shared
// across all modules in a design so that hash-consing (§4.6 pass 1)
// dedupes identical sub-expressions regardless of which module
// produced them.
type Arena struct {
	mu    sync.Mutex
	nodes []Node // index 0 unused; NodeID 1..len(nodes)-1
	index map[fingerprint]NodeID
}

// New creates an empty arena.
func New() *Arena {
	return &Arena{
		nodes: make([]Node, 1), // reserve id 0 as "invalid"
		index: make(map[fingerprint]NodeID),
	}
}

// Node returns the node stored at id.
func (a *Arena) Node(id NodeID) Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes[id]
}

// Len returns the number of live nodes (excluding the reserved zero id).
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes) - 1
}

// intern is the single choke point guarding concurrent-safe interning:
// every node creation funnels through here under the lock, so one
// arena can be shared by the build pipeline's per-domain worker pool
// (pkg/build), which lowers trigger domains concurrently.
func (a *Arena) intern(n Node, fp fingerprint) NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.index[fp]; ok {
		return id
	}
	id := NodeID(len(a.nodes))
	a.nodes = append(a.nodes, n)
	a.index[fp] = id
	return id
}

// Input interns a reference to a bit range of a variable, optionally
// with a dynamic index (§3 Input node).
func (a *Arena) Input(addr Addr, dynIndex NodeID, lsb, msb int) NodeID {
	n := Node{Kind: KindInput, Width: msb - lsb + 1, Addr: addr, DynIndex: dynIndex, LSB: lsb, MSB: msb}
	fp := fingerprint{kind: KindInput, width: n.Width, addr: addr, dynIndex: dynIndex, lsb: lsb, msb: msb}
	return a.intern(n, fp)
}

// Constant interns an unbounded-looking integer constant truncated to width.
func (a *Arena) Constant(value uint64, width int) NodeID {
	if width < 64 {
		value &= (uint64(1) << uint(width)) - 1
	}
	n := Node{Kind: KindConstant, Width: width, ConstValue: value}
	fp := fingerprint{kind: KindConstant, width: width, constValue: value}
	return a.intern(n, fp)
}

// resultWidth computes a binary op's result width from its operand widths.
func resultWidth(op hdl.BinOp, lw, rw int) int {
	switch op {
	case hdl.OpLtSigned, hdl.OpLtUnsigned, hdl.OpLeSigned, hdl.OpLeUnsigned,
		hdl.OpGtSigned, hdl.OpGtUnsigned, hdl.OpGeSigned, hdl.OpGeUnsigned,
		hdl.OpEq, hdl.OpNeq, hdl.OpCaseEq, hdl.OpCaseNeq:
		return 1
	case hdl.OpShl, hdl.OpShrLogical, hdl.OpShrArith:
		return lw
	default:
		if lw > rw {
			return lw
		}
		return rw
	}
}

// widthOf reads a node's width under the arena lock — the building
// blocks below (Binary, Unary, Mux, Slice) need a sibling node's width
// before they hold the lock themselves for interning.
func (a *Arena) widthOf(id NodeID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes[id].Width
}

// Binary interns a binary operator node.
func (a *Arena) Binary(op hdl.BinOp, left, right NodeID) NodeID {
	width := resultWidth(op, a.widthOf(left), a.widthOf(right))
	n := Node{Kind: KindBinary, Width: width, BinOp: op, Left: left, Right: right}
	fp := fingerprint{kind: KindBinary, width: width, binOp: op, left: left, right: right}
	return a.intern(n, fp)
}

// Unary interns a unary operator node.
func (a *Arena) Unary(op hdl.UnOp, operand NodeID) NodeID {
	width := a.widthOf(operand)
	switch op {
	case hdl.OpLogNot, hdl.OpRedAnd, hdl.OpRedOr, hdl.OpRedXor:
		width = 1
	}
	n := Node{Kind: KindUnary, Width: width, UnOp: op, Operand: operand}
	fp := fingerprint{kind: KindUnary, width: width, unOp: op, operand: operand}
	return a.intern(n, fp)
}

// Mux interns a condition-then-else multiplexer node. then and else
// must share a width; that width is the Mux's width.
func (a *Arena) Mux(cond, then, els NodeID) NodeID {
	width := a.widthOf(then)
	n := Node{Kind: KindMux, Width: width, Cond: cond, Then: then, Else: els}
	fp := fingerprint{kind: KindMux, width: width, cond: cond, then_: then, else_: els}
	return a.intern(n, fp)
}

// Concat interns a high-to-low concatenation. The result width is the
// sum of part widths (§3 invariant).
func (a *Arena) Concat(parts []ConcatPart) NodeID {
	total := 0
	key := ""
	for _, p := range parts {
		total += p.Width
		key += fmt.Sprintf("%d/%d;", p.ID, p.Width)
	}
	partsCopy := append([]ConcatPart(nil), parts...)
	n := Node{Kind: KindConcat, Width: total, Parts: partsCopy}
	fp := fingerprint{kind: KindConcat, width: total, partsKey: key}
	return a.intern(n, fp)
}

// Slice interns a bit-range selection of an existing expression. The
// operand's range must lie within the operand's own width (§3 invariant).
func (a *Arena) Slice(source NodeID, lsb, msb int) NodeID {
	if msb >= a.widthOf(source) || lsb < 0 || lsb > msb {
		panic("expr: slice range out of bounds")
	}
	n := Node{Kind: KindSlice, Width: msb - lsb + 1, Source: source, LSB: lsb, MSB: msb}
	fp := fingerprint{kind: KindSlice, source: source, lsb: lsb, msb: msb}
	return a.intern(n, fp)
}

// Sources returns every Input node reachable from id, deduplicated by
// (address, bit range) — the "source set" of a logic path (§3).
func (a *Arena) Sources(id NodeID) []Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[NodeID]bool)
	var out []Node
	var walk func(NodeID)
	walk = func(id NodeID) {
		if id == 0 || seen[id] {
			return
		}
		seen[id] = true
		n := a.nodes[id]
		switch n.Kind {
		case KindInput:
			out = append(out, n)
			walk(n.DynIndex)
		case KindBinary:
			walk(n.Left)
			walk(n.Right)
		case KindUnary:
			walk(n.Operand)
		case KindMux:
			walk(n.Cond)
			walk(n.Then)
			walk(n.Else)
		case KindConcat:
			for _, p := range n.Parts {
				walk(p.ID)
			}
		case KindSlice:
			walk(n.Source)
		}
	}
	walk(id)
	return out
}
