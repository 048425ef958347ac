// Package eval implements the symbolic evaluator (§4.1): it lowers one
// combinational or flip-flop-eval statement body into an expression DAG
// plus the set of logic paths that body produces, by evaluating
// statements over a per-variable symbolic store (an interval map from
// bit position to Unassigned or Assigned(node, sources)).
package eval

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/logic"
)

// VarInfo describes one variable visible to a block: its local id,
// bit width, and array dimensions (empty for scalars).
type VarInfo struct {
	ID    int
	Width int
	Dims  []int
}

// Scope maps variable names to their local-id/width metadata for one module.
type Scope struct {
	Vars map[string]VarInfo
}

func (s *Scope) width(id int) int {
	for _, v := range s.Vars {
		if v.ID == id {
			return v.Width
		}
	}
	return 0
}

type segState uint8

const (
	segUnassigned segState = iota
	segAssigned
)

// segment is one maximal run of bits in a variable's symbolic store
// sharing the same assignment state.
type segment struct {
	lsb, msb int
	state    segState
	node     expr.NodeID
}

// varStore is the symbolic store (§4.1) for one variable within one
// block evaluation.
type varStore struct {
	addr  expr.Addr
	width int
	segs  []segment // sorted ascending by lsb, contiguous over [0, width-1]
}

func newVarStore(addr expr.Addr, width int) *varStore {
	return &varStore{addr: addr, width: width, segs: []segment{{0, width - 1, segUnassigned, 0}}}
}

// clone deep-copies the store for conditional-arm evaluation (§4.1:
// "clone the store, evaluate the then arm in the clone").
func (vs *varStore) clone() *varStore {
	segs := make([]segment, len(vs.segs))
	copy(segs, vs.segs)
	return &varStore{addr: vs.addr, width: vs.width, segs: segs}
}

// splitAt ensures a segment boundary exists exactly at bit position at
// (0 < at < width), slicing the containing segment's node if assigned.
func (vs *varStore) splitAt(a *expr.Arena, at int) {
	if at <= 0 || at >= vs.width {
		return
	}
	for i, seg := range vs.segs {
		if seg.lsb < at && at <= seg.msb {
			left := segment{lsb: seg.lsb, msb: at - 1, state: seg.state}
			right := segment{lsb: at, msb: seg.msb, state: seg.state}
			if seg.state == segAssigned {
				left.node = a.Slice(seg.node, 0, at-1-seg.lsb)
				right.node = a.Slice(seg.node, at-seg.lsb, seg.msb-seg.lsb)
			}
			vs.segs = append(vs.segs[:i], append([]segment{left, right}, vs.segs[i+1:]...)...)
			return
		}
	}
}

// write assigns node (spanning exactly [lsb,msb]) into the store,
// splitting existing segments at the boundaries first.
func (vs *varStore) write(a *expr.Arena, lsb, msb int, node expr.NodeID) {
	vs.splitAt(a, lsb)
	vs.splitAt(a, msb+1)
	var out []segment
	for _, seg := range vs.segs {
		if seg.lsb >= lsb && seg.msb <= msb {
			part := node
			if seg.lsb != lsb || seg.msb != msb {
				part = a.Slice(node, seg.lsb-lsb, seg.msb-lsb)
			}
			out = append(out, segment{lsb: seg.lsb, msb: seg.msb, state: segAssigned, node: part})
		} else {
			out = append(out, seg)
		}
	}
	vs.segs = out
}

// read returns a node covering exactly [lsb,msb]. Unassigned bits are
// synthesized as Input nodes referencing the pre-block value at that
// address (§4.1's "substitute the pre-condition value").
func (vs *varStore) read(a *expr.Arena, lsb, msb int) expr.NodeID {
	vs.splitAt(a, lsb)
	vs.splitAt(a, msb+1)
	var parts []expr.ConcatPart
	for i := len(vs.segs) - 1; i >= 0; i-- { // high-to-low for Concat
		seg := vs.segs[i]
		if seg.msb < lsb || seg.lsb > msb {
			continue
		}
		var id expr.NodeID
		if seg.state == segAssigned {
			id = seg.node
		} else {
			id = a.Input(vs.addr, 0, seg.lsb, seg.msb)
		}
		parts = append(parts, expr.ConcatPart{ID: id, Width: seg.msb - seg.lsb + 1})
	}
	if len(parts) == 1 {
		return parts[0].ID
	}
	return a.Concat(parts)
}

// Evaluator lowers statement bodies for one module into the shared arena.
type Evaluator struct {
	Arena      *expr.Arena
	Scope      *Scope
	Instance   int                  // owning instance id, -1 before flattening
	Boundaries map[int]map[int]bool // per-variable bit-boundary set (§4.1 last line)

	stores    map[int]*varStore
	warn      []Diagnostic
	dynWrites []logic.LogicPath
}

// Diagnostic is a non-fatal observation surfaced from evaluation, e.g.
// latch inference (§9 Open Question 1: reported, not silently created).
type Diagnostic struct {
	Message string
	Var     string
}

// New creates an evaluator over the given arena and scope.
func New(a *expr.Arena, scope *Scope, instance int) *Evaluator {
	return &Evaluator{
		Arena:      a,
		Scope:      scope,
		Instance:   instance,
		Boundaries: make(map[int]map[int]bool),
		stores:     make(map[int]*varStore),
	}
}

func (e *Evaluator) mark(varID, bit int) {
	set, ok := e.Boundaries[varID]
	if !ok {
		set = make(map[int]bool)
		e.Boundaries[varID] = set
	}
	set[bit] = true
}

func (e *Evaluator) store(v VarInfo) *varStore {
	vs, ok := e.stores[v.ID]
	if !ok {
		vs = newVarStore(expr.Addr{Instance: e.Instance, Local: v.ID}, v.Width)
		e.stores[v.ID] = vs
	}
	return vs
}

// EvaluateBlock evaluates one statement list (a combinational block or
// a flip-flop eval body) and returns the logic paths it produces: one
// per bit range of each touched variable whose value differs from its
// pre-block state, with identity paths elided (§4.1 last paragraph).
func (e *Evaluator) EvaluateBlock(stmts []hdl.Stmt) ([]logic.LogicPath, []Diagnostic) {
	e.stores = make(map[int]*varStore)
	e.dynWrites = nil
	for _, s := range stmts {
		e.evalStmt(s)
	}

	paths := append([]logic.LogicPath(nil), e.dynWrites...)
	for varID, vs := range e.stores {
		v := e.varInfoByID(varID)
		for _, seg := range vs.segs {
			if seg.state != segAssigned {
				continue
			}
			pre := e.Arena.Input(vs.addr, 0, seg.lsb, seg.msb)
			if seg.node == pre {
				continue // identity assignment, elided
			}
			e.mark(varID, seg.lsb)
			e.mark(varID, seg.msb+1)
			target := logic.BitRef{Addr: vs.addr, LSB: seg.lsb, MSB: seg.msb}
			paths = append(paths, logic.LogicPath{
				Target:  target,
				Expr:    seg.node,
				Sources: e.sourceRefs(seg.node),
				Name:    fmt.Sprintf("%s[%d:%d]", v.name, seg.msb, seg.lsb),
			})
		}
	}
	diags := e.warn
	e.warn = nil
	return paths, diags
}

type namedVar struct {
	VarInfo
	name string
}

func (e *Evaluator) varInfoByID(id int) namedVar {
	for name, v := range e.Scope.Vars {
		if v.ID == id {
			return namedVar{VarInfo: v, name: name}
		}
	}
	return namedVar{}
}

func (e *Evaluator) sourceRefs(id expr.NodeID) []logic.BitRef {
	var refs []logic.BitRef
	for _, n := range e.Arena.Sources(id) {
		refs = append(refs, logic.BitRef{Addr: n.Addr, LSB: n.LSB, MSB: n.MSB})
	}
	return refs
}

func (e *Evaluator) evalStmt(s hdl.Stmt) {
	switch s.Kind {
	case hdl.StmtAssign:
		e.evalAssign(s.LHS, s.RHS)
	case hdl.StmtIf:
		e.evalIf(s.Cond, s.Then, s.Else)
	case hdl.StmtCase:
		e.evalCase(s)
	}
}

// evalAssign handles both simple and dynamic-index assignment (§4.1).
func (e *Evaluator) evalAssign(lhs, rhs hdl.Expr) {
	name := lhs.Name
	if lhs.Kind == hdl.ExprSlice && lhs.Base != nil {
		name = lhs.Base.Name
	}
	v, ok := e.Scope.Vars[name]
	if !ok {
		return
	}
	vs := e.store(v)

	if lhs.Kind == hdl.ExprIndex && lhs.Index != nil {
		e.evalDynamicIndexAssign(v, vs, lhs, rhs)
		return
	}

	lsb, msb := e.lhsRange(v, lhs)
	target := msb - lsb + 1
	var rhsID expr.NodeID
	var rw int
	if rhs.Kind == hdl.ExprBinary && (rhs.Op == hdl.OpAdd || rhs.Op == hdl.OpSub) {
		// Add/Sub operands narrower than the target are widened first, so
		// a carry out of the operands' own width reaches the target.
		l, lw := e.evalExpr(*rhs.Left)
		r, rrw := e.evalExpr(*rhs.Right)
		if lw < target {
			l = e.widthAdjust(l, lw, target)
		}
		if rrw < target {
			r = e.widthAdjust(r, rrw, target)
		}
		rhsID = e.Arena.Binary(rhs.Op, l, r)
		rw = e.Arena.Node(rhsID).Width
	} else {
		rhsID, rw = e.evalExpr(rhs)
	}
	node := e.widthAdjust(rhsID, rw, target)
	vs.write(e.Arena, lsb, msb, node)
}

func (e *Evaluator) lhsRange(v VarInfo, lhs hdl.Expr) (int, int) {
	switch lhs.Kind {
	case hdl.ExprSlice:
		return lhs.LSB, lhs.MSB
	default:
		return 0, v.Width - 1
	}
}

// evalDynamicIndexAssign models arr[expr] = value conservatively: the
// destination bit position is unknown at compile time, so the whole
// variable becomes the target and the expression reads the previous
// value everywhere except at the computed index, a self-select (§4.1).
// The per-bit self-select itself can't be expressed as a single DAG
// node (§3 lists no "select by dynamic bit position" node kind); it is
// recorded as a DynWrite and expanded into per-bit compare/select
// instructions by the IR lowerer (§4.5), the same way Mux lowering
// creates fresh blocks per arm rather than trying to stay expression-level.
func (e *Evaluator) evalDynamicIndexAssign(v VarInfo, vs *varStore, lhs, rhs hdl.Expr) {
	idxID, _ := e.evalExpr(*lhs.Index)
	rhsID, rw := e.evalExpr(rhs)
	value := e.widthAdjust(rhsID, rw, v.Width)

	target := logic.BitRef{Addr: vs.addr, LSB: 0, MSB: v.Width - 1}
	sources := append(e.sourceRefs(idxID), e.sourceRefs(value)...)
	sources = append(sources, target) // self-select reads the variable's own prior value
	e.dynWrites = append(e.dynWrites, logic.LogicPath{
		Target:  target,
		Sources: sources,
		Name:    fmt.Sprintf("%s[<dynamic>]", e.varInfoByID(v.ID).name),
		Dyn:     &logic.DynWrite{Index: idxID, Value: value},
	})
}

// evalIf implements §4.1's conditional rule: evaluate cond; clone store
// for each arm; merge with a Mux; substitute the pre-condition value for
// ranges left Unassigned in either arm (implicit self-assignment when
// an else is missing).
func (e *Evaluator) evalIf(cond hdl.Expr, then, els []hdl.Stmt) {
	condID, _ := e.evalExpr(cond)

	preStores := e.snapshotStores()
	thenStores := e.cloneStores()
	e.stores = thenStores
	for _, s := range then {
		e.evalStmt(s)
	}
	afterThen := e.stores

	e.stores = e.cloneStoresFrom(preStores)
	for _, s := range els {
		e.evalStmt(s)
	}
	afterElse := e.stores

	if len(els) == 0 {
		e.warn = append(e.warn, Diagnostic{Message: "if without else: missing branch treated as pass-through (possible latch)"})
	}

	e.stores = e.mergeBranches(preStores, afterThen, afterElse, condID)
}

func (e *Evaluator) rangeValueOrPre(ok bool, arm *varStore, pre *varStore, lsb, msb int) expr.NodeID {
	if ok {
		return arm.read(e.Arena, lsb, msb)
	}
	return pre.read(e.Arena, lsb, msb)
}

func (e *Evaluator) snapshotStores() map[int]*varStore {
	out := make(map[int]*varStore, len(e.stores))
	for id, vs := range e.stores {
		out[id] = vs
	}
	return out
}

func (e *Evaluator) cloneStores() map[int]*varStore {
	return e.cloneStoresFrom(e.stores)
}

func (e *Evaluator) cloneStoresFrom(src map[int]*varStore) map[int]*varStore {
	out := make(map[int]*varStore, len(src))
	for id, vs := range src {
		out[id] = vs.clone()
	}
	return out
}

// evalCase desugars a case statement into a nested if/else chain over
// case-equality comparisons, reusing evalIf's merge logic.
func (e *Evaluator) evalCase(s hdl.Stmt) {
	e.evalCaseArms(s.CaseSel, s.Cases, s.Default)
}

func (e *Evaluator) evalCaseArms(sel hdl.Expr, arms []logicCaseArm, def []hdl.Stmt) {
	if len(arms) == 0 {
		for _, st := range def {
			e.evalStmt(st)
		}
		return
	}
	arm := arms[0]
	constExpr := hdl.Expr{Kind: hdl.ExprConst, ConstValue: arm.Value, ConstWidth: arm.Width}
	cond := hdl.Expr{Kind: hdl.ExprBinary, Op: hdl.OpCaseEq, Left: &sel, Right: &constExpr}
	e.evalIfWithRemainingCase(cond, arm.Body, sel, arms[1:], def)
}

// evalIfWithRemainingCase evaluates one case arm as an if, with the
// remaining arms (plus default) as the else branch.
func (e *Evaluator) evalIfWithRemainingCase(cond hdl.Expr, then []hdl.Stmt, sel hdl.Expr, rest []logicCaseArm, def []hdl.Stmt) {
	condID, _ := e.evalExpr(cond)

	preStores := e.snapshotStores()
	thenStores := e.cloneStores()
	e.stores = thenStores
	for _, st := range then {
		e.evalStmt(st)
	}
	afterThen := e.stores

	e.stores = e.cloneStoresFrom(preStores)
	e.evalCaseArms(sel, rest, def)
	afterElse := e.stores

	merged := e.mergeBranches(preStores, afterThen, afterElse, condID)
	e.stores = merged
}

func (e *Evaluator) mergeBranches(pre, afterThen, afterElse map[int]*varStore, condID expr.NodeID) map[int]*varStore {
	merged := e.cloneStoresFrom(pre)

	// Walk the union of variables across pre and both arms: a variable
	// whose first assignment happens inside an arm has no pre entry, so
	// iterating pre alone would drop everything the arms did to it. The
	// flip-flop-body staple `if (rst) q = 0 else q = q + 1` assigns q
	// nowhere else, so every key set must contribute.
	varIDs := make(map[int]bool, len(pre)+len(afterThen)+len(afterElse))
	for id := range pre {
		varIDs[id] = true
	}
	for id := range afterThen {
		varIDs[id] = true
	}
	for id := range afterElse {
		varIDs[id] = true
	}

	for varID := range varIDs {
		tStore, tOK := afterThen[varID]
		eStore, eOK := afterElse[varID]
		if !tOK && !eOK {
			continue
		}
		preV, preOK := pre[varID]
		if !preOK {
			// First touched inside an arm: its pre-conditional state is
			// the variable's untouched full range, so an all-Unassigned
			// store stands in — rangeValueOrPre's pre.read then
			// synthesizes the pre-block Input value exactly as it does
			// for a variable pre had seen but not fully covered.
			ref := tStore
			if !tOK {
				ref = eStore
			}
			preV = newVarStore(ref.addr, ref.width)
			merged[varID] = preV.clone()
		}
		var boundaries []int
		if tOK {
			for _, seg := range tStore.segs {
				boundaries = append(boundaries, seg.lsb, seg.msb+1)
			}
		}
		if eOK {
			for _, seg := range eStore.segs {
				boundaries = append(boundaries, seg.lsb, seg.msb+1)
			}
		}
		mv := merged[varID]
		for _, b := range boundaries {
			mv.splitAt(e.Arena, b)
		}
		for i := range mv.segs {
			lsb, msb := mv.segs[i].lsb, mv.segs[i].msb
			thenNode := e.rangeValueOrPre(tOK, tStore, preV, lsb, msb)
			elseNode := e.rangeValueOrPre(eOK, eStore, preV, lsb, msb)
			if thenNode == elseNode {
				mv.segs[i] = segment{lsb: lsb, msb: msb, state: segAssigned, node: thenNode}
				continue
			}
			mux := e.Arena.Mux(condID, thenNode, elseNode)
			mv.segs[i] = segment{lsb: lsb, msb: msb, state: segAssigned, node: mux}
		}
	}
	return merged
}

type logicCaseArm = hdl.CaseArm

// widthAdjust zero-extends or truncates a node to exactly the target width.
func (e *Evaluator) widthAdjust(id expr.NodeID, width, target int) expr.NodeID {
	if width == target {
		return id
	}
	if width > target {
		return e.Arena.Slice(id, 0, target-1)
	}
	zeros := e.Arena.Constant(0, target-width)
	return e.Arena.Concat([]expr.ConcatPart{{ID: zeros, Width: target - width}, {ID: id, Width: width}})
}

// evalExpr lowers a syntax-tree expression into an arena node,
// returning the node and its width.
func (e *Evaluator) evalExpr(x hdl.Expr) (expr.NodeID, int) {
	switch x.Kind {
	case hdl.ExprConst:
		return e.Arena.Constant(x.ConstValue, x.ConstWidth), x.ConstWidth
	case hdl.ExprRef:
		v, ok := e.Scope.Vars[x.Name]
		if !ok {
			return e.Arena.Constant(0, 1), 1
		}
		vs := e.store(v)
		return vs.read(e.Arena, 0, v.Width-1), v.Width
	case hdl.ExprIndex:
		v, ok := e.Scope.Vars[x.Name]
		if !ok {
			return e.Arena.Constant(0, 1), 1
		}
		vs := e.store(v)
		if x.Index != nil {
			idxID, _ := e.evalExpr(*x.Index)
			elemWidth := v.Width
			return e.Arena.Input(vs.addr, idxID, 0, elemWidth-1), elemWidth
		}
		return vs.read(e.Arena, 0, v.Width-1), v.Width
	case hdl.ExprSlice:
		base := *x.Base
		if base.Kind == hdl.ExprRef {
			v, ok := e.Scope.Vars[base.Name]
			if ok {
				vs := e.store(v)
				return vs.read(e.Arena, x.LSB, x.MSB), x.MSB - x.LSB + 1
			}
		}
		id, _ := e.evalExpr(base)
		return e.Arena.Slice(id, x.LSB, x.MSB), x.MSB - x.LSB + 1
	case hdl.ExprBinary:
		l, lw := e.evalExpr(*x.Left)
		r, rw := e.evalExpr(*x.Right)
		_, _ = lw, rw
		return e.Arena.Binary(x.Op, l, r), widthOfBinary(e.Arena, x.Op, l, r)
	case hdl.ExprUnary:
		op, ow := e.evalExpr(*x.Operand)
		_ = ow
		id := e.Arena.Unary(x.UnOp, op)
		return id, e.Arena.Node(id).Width
	case hdl.ExprConcat:
		var parts []expr.ConcatPart
		total := 0
		for _, p := range x.Parts {
			id, w := e.evalExpr(p)
			parts = append(parts, expr.ConcatPart{ID: id, Width: w})
			total += w
		}
		return e.Arena.Concat(parts), total
	}
	return e.Arena.Constant(0, 1), 1
}

func widthOfBinary(a *expr.Arena, op hdl.BinOp, l, r expr.NodeID) int {
	id := a.Binary(op, l, r)
	return a.Node(id).Width
}
