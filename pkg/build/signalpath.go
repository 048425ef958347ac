package build

import (
	"strings"

	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/schedule"
)

// signalPath is one resolved "instance.path[idx]:variable" reference
// (§12). The instance-path half is matched verbatim against
// flatten.FlatInstance.Path, so any "[index]" segments a generate-style
// front end baked into an instance name resolve for free as ordinary
// path text — rtlsim's own hdl.Instance has no array-instance concept,
// so no separate index arithmetic is needed here.
type signalPath struct {
	Addr  expr.Addr
	Width int
}

// resolveSignalPath splits raw on its last colon into an instance path
// and a variable name, matches the instance path against r's flattened
// instance table, and looks the variable up in that instance's
// module's declaration-order scope (whose index is also the variable's
// local id, per pkg/flatten/ports.go's documented convention).
func (r *resolver) resolveSignalPath(raw string) (signalPath, error) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return signalPath{}, diag.New(diag.KindMalformedIR, []string{raw},
			"signal path %q is missing the instance:variable separator", raw)
	}
	instPath := strings.TrimSpace(raw[:idx])
	varName := strings.TrimSpace(raw[idx+1:])

	inst, ok := r.instanceByPath[instPath]
	if !ok {
		return signalPath{}, diag.UnresolvedReference(raw)
	}
	mod, ok := r.design.ByName(inst.ModuleName)
	if !ok {
		return signalPath{}, diag.UnresolvedReference(raw)
	}
	for i, v := range mod.Scope() {
		if v.Name == varName {
			return signalPath{Addr: expr.Addr{Instance: inst.ID, Local: i}, Width: v.Type.Width}, nil
		}
	}
	return signalPath{}, diag.UnresolvedReference(raw)
}

// loopOverrides resolves every host-declared false_loop/true_loop pair
// into schedule.LoopOverride values. The "from" half is validated but,
// matching pkg/schedule's exact-whole-address key (checkMultipleDrivers
// / topoSort's override lookup), only the "to" half's resolved address
// is actually wired into the scheduler override.
func (r *resolver) loopOverrides(opts Options) ([]schedule.LoopOverride, error) {
	var overrides []schedule.LoopOverride
	for _, d := range opts.FalseLoops {
		if _, err := r.resolveSignalPath(d.From); err != nil {
			return nil, unknownLoopName("false_loop", d.From)
		}
		to, err := r.resolveSignalPath(d.To)
		if err != nil {
			return nil, unknownLoopName("false_loop", d.To)
		}
		overrides = append(overrides, schedule.LoopOverride{Addr: to.Addr, Kind: schedule.LoopFalse})
	}
	for _, d := range opts.TrueLoops {
		if _, err := r.resolveSignalPath(d.From); err != nil {
			return nil, unknownLoopName("true_loop", d.From)
		}
		to, err := r.resolveSignalPath(d.To)
		if err != nil {
			return nil, unknownLoopName("true_loop", d.To)
		}
		overrides = append(overrides, schedule.LoopOverride{Addr: to.Addr, Kind: schedule.LoopTrue, MaxIter: d.MaxIter})
	}
	return overrides, nil
}

func unknownLoopName(decl, raw string) *diag.Diagnostic {
	return diag.New(diag.KindUnknownEventName, []string{raw},
		"%s declaration names unknown signal path %q", decl, raw)
}
