package flatten

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/eval"
	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/logic"
)

// portLocalID finds a port's position in its module's port list, which
// is also its local variable id (buildScope assigns ids in Module.Scope
// order, ports first).
func portLocalID(mod *hdl.Module, name string) (id int, port hdl.Port, ok bool) {
	for i, p := range mod.Ports {
		if p.Name == name {
			return i, p, true
		}
	}
	return 0, hdl.Port{}, false
}

// wirePortBindings turns one instantiation's port connections into
// logic paths crossing the instance boundary (§4.2): an input port's
// binding expression, evaluated in the parent's scope, drives the
// child's input atom; an output port's value, read from the child,
// drives the parent net named by the binding.
func (f *Flattener) wirePortBindings(parentCompiled *CompiledModule, parentIID int, childMod *hdl.Module, childIID int, inst hdl.Instance, childPath string, out *FlattenedDesign) error {
	for _, b := range inst.Bindings {
		localID, port, ok := portLocalID(childMod, b.Port)
		if !ok {
			return diag.UnresolvedReference(childPath + "." + b.Port)
		}
		width := port.Type.Width
		if width == 0 {
			width = 1
		}
		childAddr := expr.Addr{Instance: childIID, Local: localID}

		switch port.Dir {
		case hdl.DirInput:
			nodeID, w := resolveExpr(f.Arena, parentCompiled.Scope, parentIID, b.Expr)
			nodeID = adjustWidth(f.Arena, nodeID, w, width)
			p := logic.LogicPath{
				Target:  logic.BitRef{Addr: childAddr, LSB: 0, MSB: width - 1},
				Expr:    nodeID,
				Sources: sourceRefs(f.Arena, nodeID),
				Name:    fmt.Sprintf("%s.%s", childPath, b.Port),
			}
			out.Comb = append(out.Comb, p)

		case hdl.DirOutput:
			addr, lsb, msb, err := resolveAssignableRef(parentCompiled.Scope, parentIID, b.Expr)
			if err != nil {
				return err
			}
			src := f.Arena.Input(childAddr, 0, 0, width-1)
			p := logic.LogicPath{
				Target:  logic.BitRef{Addr: addr, LSB: lsb, MSB: msb},
				Expr:    adjustWidth(f.Arena, src, width, msb-lsb+1),
				Sources: []logic.BitRef{{Addr: childAddr, LSB: 0, MSB: width - 1}},
				Name:    fmt.Sprintf("%s.%s", childPath, b.Port),
			}
			out.Comb = append(out.Comb, p)

		default:
			return diag.New(diag.KindMalformedIR, []string{childPath + "." + b.Port},
				"inout port bindings are not supported")
		}
	}
	return nil
}

// resolveExpr evaluates a binding expression against the parent's
// compiled scope into a plain arena node: a reference to another
// variable's value is always an Input over its full current range,
// since cross-instance reads never see a partial symbolic store (only
// one evaluator invocation within a single block ever does) — the
// scheduler guarantees exactly one driver resolves that address later.
func resolveExpr(a *expr.Arena, scope *eval.Scope, iid int, x hdl.Expr) (expr.NodeID, int) {
	switch x.Kind {
	case hdl.ExprConst:
		return a.Constant(x.ConstValue, x.ConstWidth), x.ConstWidth
	case hdl.ExprRef:
		v, ok := scope.Vars[x.Name]
		if !ok {
			return a.Constant(0, 1), 1
		}
		return a.Input(expr.Addr{Instance: iid, Local: v.ID}, 0, 0, v.Width-1), v.Width
	case hdl.ExprIndex:
		v, ok := scope.Vars[x.Name]
		if !ok {
			return a.Constant(0, 1), 1
		}
		addr := expr.Addr{Instance: iid, Local: v.ID}
		if x.Index != nil {
			idxID, _ := resolveExpr(a, scope, iid, *x.Index)
			return a.Input(addr, idxID, 0, v.Width-1), v.Width
		}
		return a.Input(addr, 0, 0, v.Width-1), v.Width
	case hdl.ExprSlice:
		base := *x.Base
		if base.Kind == hdl.ExprRef {
			if v, ok := scope.Vars[base.Name]; ok {
				return a.Input(expr.Addr{Instance: iid, Local: v.ID}, 0, x.LSB, x.MSB), x.MSB - x.LSB + 1
			}
		}
		id, _ := resolveExpr(a, scope, iid, base)
		return a.Slice(id, x.LSB, x.MSB), x.MSB - x.LSB + 1
	case hdl.ExprBinary:
		l, _ := resolveExpr(a, scope, iid, *x.Left)
		r, _ := resolveExpr(a, scope, iid, *x.Right)
		id := a.Binary(x.Op, l, r)
		return id, a.Node(id).Width
	case hdl.ExprUnary:
		op, _ := resolveExpr(a, scope, iid, *x.Operand)
		id := a.Unary(x.UnOp, op)
		return id, a.Node(id).Width
	case hdl.ExprConcat:
		var parts []expr.ConcatPart
		total := 0
		for _, p := range x.Parts {
			id, w := resolveExpr(a, scope, iid, p)
			parts = append(parts, expr.ConcatPart{ID: id, Width: w})
			total += w
		}
		return a.Concat(parts), total
	}
	return a.Constant(0, 1), 1
}

// resolveAssignableRef resolves an output-port binding's destination:
// it must name a plain variable or a static slice of one, since a
// computed expression has nowhere to receive a drive (§4.2).
func resolveAssignableRef(scope *eval.Scope, iid int, x hdl.Expr) (expr.Addr, int, int, error) {
	switch x.Kind {
	case hdl.ExprRef:
		v, ok := scope.Vars[x.Name]
		if !ok {
			return expr.Addr{}, 0, 0, diag.UnresolvedReference(x.Name)
		}
		return expr.Addr{Instance: iid, Local: v.ID}, 0, v.Width - 1, nil
	case hdl.ExprSlice:
		base := *x.Base
		if base.Kind != hdl.ExprRef {
			return expr.Addr{}, 0, 0, diag.New(diag.KindMalformedIR, nil, "output port binding must be a variable or a static slice of one")
		}
		v, ok := scope.Vars[base.Name]
		if !ok {
			return expr.Addr{}, 0, 0, diag.UnresolvedReference(base.Name)
		}
		return expr.Addr{Instance: iid, Local: v.ID}, x.LSB, x.MSB, nil
	default:
		return expr.Addr{}, 0, 0, diag.New(diag.KindMalformedIR, nil, "output port binding must be a variable or a static slice of one")
	}
}

func adjustWidth(a *expr.Arena, id expr.NodeID, width, target int) expr.NodeID {
	if width == target {
		return id
	}
	if width > target {
		return a.Slice(id, 0, target-1)
	}
	zeros := a.Constant(0, target-width)
	return a.Concat([]expr.ConcatPart{{ID: zeros, Width: target - width}, {ID: id, Width: width}})
}

func sourceRefs(a *expr.Arena, id expr.NodeID) []logic.BitRef {
	var refs []logic.BitRef
	for _, n := range a.Sources(id) {
		refs = append(refs, logic.BitRef{Addr: n.Addr, LSB: n.LSB, MSB: n.MSB})
	}
	return refs
}
