// Package flatten implements hierarchy flattening (§4.2): it walks the
// instance tree from the design's top module, assigns every instance a
// global id, evaluates each distinct module body exactly once, and
// rewrites the resulting logic paths so
// every address is instance-qualified. Port bindings become ordinary
// logic paths connecting the two sides of the boundary.
package flatten

import (
	"fmt"
	"sort"

	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/eval"
	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/logic"
)

// maxVarWidth is the widest a declared variable may be: the register
// IR lowers every value into at most two 64-bit limbs (pkg/lower), so
// anything wider is rejected here rather than silently truncated
// downstream.
const maxVarWidth = 128

// CompiledModule is one module body evaluated once, addressed with the
// -1 "not yet flattened" instance placeholder (§3's Addr doc comment).
// Flattening remaps this placeholder onto a real instance id at every
// use site instead of re-running the evaluator per instantiation.
type CompiledModule struct {
	Module     *hdl.Module
	Scope      *eval.Scope
	Comb       []logic.LogicPath
	FlipFlops  []logic.FlipFlopBody
	Boundaries map[int]map[int]bool
	Warnings   []eval.Diagnostic
}

func buildScope(mod *hdl.Module) *eval.Scope {
	scope := &eval.Scope{Vars: make(map[string]eval.VarInfo)}
	for i, v := range mod.Scope() {
		scope.Vars[v.Name] = eval.VarInfo{ID: i, Width: v.Type.Width, Dims: v.Type.Dims}
	}
	return scope
}

func compileModule(a *expr.Arena, mod *hdl.Module) *CompiledModule {
	cm := &CompiledModule{
		Module:     mod,
		Scope:      buildScope(mod),
		Boundaries: make(map[int]map[int]bool),
	}

	for _, blk := range mod.Comb {
		e := eval.New(a, cm.Scope, -1)
		paths, diags := e.EvaluateBlock(blk.Body)
		cm.Comb = append(cm.Comb, paths...)
		cm.Warnings = append(cm.Warnings, diags...)
		mergeBoundaries(cm.Boundaries, e.Boundaries)
	}

	for _, blk := range mod.FlipFlops {
		e := eval.New(a, cm.Scope, -1)
		paths, diags := e.EvaluateBlock(blk.Body)
		cm.Warnings = append(cm.Warnings, diags...)
		mergeBoundaries(cm.Boundaries, e.Boundaries)
		cm.FlipFlops = append(cm.FlipFlops, logic.FlipFlopBody{
			Domain: logic.Domain{Trigger: blk.Trigger, Name: blk.Trigger.Clock},
			Eval:   paths,
		})
	}
	return cm
}

func mergeBoundaries(dst, src map[int]map[int]bool) {
	for varID, bits := range src {
		set, ok := dst[varID]
		if !ok {
			set = make(map[int]bool)
			dst[varID] = set
		}
		for b := range bits {
			set[b] = true
		}
	}
}

// moduleKey gives each distinct (module, resolved generic bindings)
// pair a stable identity (§4.2, §12): two non-generic
// instantiations of the same module share one key and therefore one
// compiled body; two generic instantiations with different bindings
// never do, even if their bodies happen to end up structurally
// identical once interned.
func moduleKey(name string, generics []hdl.GenericBinding) string {
	if len(generics) == 0 {
		return name
	}
	sorted := append([]hdl.GenericBinding(nil), generics...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	key := name
	for _, g := range sorted {
		key += fmt.Sprintf("#%s=%d", g.Name, g.Value)
	}
	return key
}

// FlatInstance is one instantiation's place in the flattened design.
type FlatInstance struct {
	ID         int
	Path       string // dotted hierarchical name, e.g. "top.core.alu"
	ModuleName string
	ModuleKey  string
}

// FlattenedDesign is every logic path and flip-flop body in the design,
// globally addressed, plus the instance table and per-address metadata
// the atomizer and scheduler need next.
type FlattenedDesign struct {
	Instances  []FlatInstance
	Comb       []logic.LogicPath
	FlipFlops  []logic.FlipFlopBody
	VarWidth   map[expr.Addr]int
	Boundaries map[expr.Addr]map[int]bool
	Warnings   []InstanceWarning
}

// InstanceWarning attaches the flattened instance path to a non-fatal
// evaluator observation (§9 Open Question 1), so a host surfacing
// latch-inference warnings can name the exact instance they came from
// rather than just the variable local to its module.
type InstanceWarning struct {
	InstancePath string
	eval.Diagnostic
}

// Flattener walks one design's instance hierarchy into a FlattenedDesign.
type Flattener struct {
	Design *hdl.Design
	Arena  *expr.Arena

	compiled map[string]*CompiledModule
	nextID   int
}

// New creates a flattener over the given design, emitting nodes into a.
// Sharing one arena across the whole design is what lets the optimizer's
// later global hash-consing pass dedupe across instance boundaries.
func New(d *hdl.Design, a *expr.Arena) *Flattener {
	return &Flattener{Design: d, Arena: a, compiled: make(map[string]*CompiledModule)}
}

// Flatten runs the worklist from the design's declared top module.
func (f *Flattener) Flatten() (*FlattenedDesign, error) {
	top, ok := f.Design.ByName(f.Design.Top)
	if !ok {
		return nil, diag.UnresolvedReference(f.Design.Top)
	}
	out := &FlattenedDesign{
		VarWidth:   make(map[expr.Addr]int),
		Boundaries: make(map[expr.Addr]map[int]bool),
	}
	if _, err := f.flattenInstance(top, nil, f.Design.Top, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Flattener) flattenInstance(mod *hdl.Module, generics []hdl.GenericBinding, path string, out *FlattenedDesign) (int, error) {
	key := moduleKey(mod.Name, generics)
	compiledMod, ok := f.compiled[key]
	if !ok {
		compiledMod = compileModule(f.Arena, mod)
		f.compiled[key] = compiledMod
	}

	iid := f.nextID
	f.nextID++
	out.Instances = append(out.Instances, FlatInstance{ID: iid, Path: path, ModuleName: mod.Name, ModuleKey: key})

	memo := make(map[expr.NodeID]expr.NodeID)
	for _, p := range compiledMod.Comb {
		out.Comb = append(out.Comb, remapPath(f.Arena, p, iid, memo))
	}
	for _, ff := range compiledMod.FlipFlops {
		out.FlipFlops = append(out.FlipFlops, remapFlipFlop(f.Arena, ff, iid, memo))
	}
	for varID, bits := range compiledMod.Boundaries {
		addr := expr.Addr{Instance: iid, Local: varID}
		set, ok := out.Boundaries[addr]
		if !ok {
			set = make(map[int]bool)
			out.Boundaries[addr] = set
		}
		for b := range bits {
			set[b] = true
		}
	}
	for name, v := range compiledMod.Scope.Vars {
		if v.Width > maxVarWidth {
			return 0, diag.WidthExceedsLimit(path+"."+name, v.Width, maxVarWidth)
		}
		out.VarWidth[expr.Addr{Instance: iid, Local: v.ID}] = v.Width
	}
	for _, w := range compiledMod.Warnings {
		out.Warnings = append(out.Warnings, InstanceWarning{InstancePath: path, Diagnostic: w})
	}

	for _, inst := range mod.Instances {
		childMod, ok := f.Design.ByName(inst.Module)
		if !ok {
			return 0, diag.UnresolvedReference(path + "." + inst.Name + " -> " + inst.Module)
		}
		childPath := path + "." + inst.Name
		childIID, err := f.flattenInstance(childMod, inst.Generics, childPath, out)
		if err != nil {
			return 0, err
		}
		if err := f.wirePortBindings(compiledMod, iid, childMod, childIID, inst, childPath, out); err != nil {
			return 0, err
		}
	}
	return iid, nil
}

// remap rebuilds a node tree, substituting iid for every placeholder
// (-1) instance in an Input address. Pure nodes (constants, and
// operators whose operands didn't change) are re-interned as-is, so
// the arena's hash-consing can still collapse identical computations
// across instances even though the raw -1-addressed graph is not
// literally shared past this point.
func remap(a *expr.Arena, id expr.NodeID, iid int, memo map[expr.NodeID]expr.NodeID) expr.NodeID {
	if id == 0 {
		return 0
	}
	if out, ok := memo[id]; ok {
		return out
	}
	n := a.Node(id)
	var out expr.NodeID
	switch n.Kind {
	case expr.KindInput:
		addr := n.Addr
		if addr.Instance < 0 {
			addr.Instance = iid
		}
		dyn := remap(a, n.DynIndex, iid, memo)
		out = a.Input(addr, dyn, n.LSB, n.MSB)
	case expr.KindConstant:
		out = a.Constant(n.ConstValue, n.Width)
	case expr.KindBinary:
		out = a.Binary(n.BinOp, remap(a, n.Left, iid, memo), remap(a, n.Right, iid, memo))
	case expr.KindUnary:
		out = a.Unary(n.UnOp, remap(a, n.Operand, iid, memo))
	case expr.KindMux:
		out = a.Mux(remap(a, n.Cond, iid, memo), remap(a, n.Then, iid, memo), remap(a, n.Else, iid, memo))
	case expr.KindConcat:
		parts := make([]expr.ConcatPart, len(n.Parts))
		for i, p := range n.Parts {
			parts[i] = expr.ConcatPart{ID: remap(a, p.ID, iid, memo), Width: p.Width}
		}
		out = a.Concat(parts)
	case expr.KindSlice:
		out = a.Slice(remap(a, n.Source, iid, memo), n.LSB, n.MSB)
	}
	memo[id] = out
	return out
}

func remapBitRef(b logic.BitRef, iid int) logic.BitRef {
	addr := b.Addr
	if addr.Instance < 0 {
		addr.Instance = iid
	}
	return logic.BitRef{Addr: addr, LSB: b.LSB, MSB: b.MSB}
}

func remapPath(a *expr.Arena, p logic.LogicPath, iid int, memo map[expr.NodeID]expr.NodeID) logic.LogicPath {
	out := logic.LogicPath{
		Target:  remapBitRef(p.Target, iid),
		Expr:    remap(a, p.Expr, iid, memo),
		Name:    p.Name,
		Sources: make([]logic.BitRef, len(p.Sources)),
	}
	for i, s := range p.Sources {
		out.Sources[i] = remapBitRef(s, iid)
	}
	if p.Dyn != nil {
		out.Dyn = &logic.DynWrite{
			Index: remap(a, p.Dyn.Index, iid, memo),
			Value: remap(a, p.Dyn.Value, iid, memo),
		}
	}
	return out
}

func remapFlipFlop(a *expr.Arena, ff logic.FlipFlopBody, iid int, memo map[expr.NodeID]expr.NodeID) logic.FlipFlopBody {
	out := logic.FlipFlopBody{Domain: ff.Domain, Eval: make([]logic.LogicPath, len(ff.Eval))}
	for i, p := range ff.Eval {
		out.Eval[i] = remapPath(a, p, iid, memo)
	}
	return out
}
