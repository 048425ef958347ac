package build

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/lower"
	"github.com/oisee/rtlsim/pkg/optimize"
	"github.com/oisee/rtlsim/pkg/program"
	"github.com/oisee/rtlsim/pkg/schedule"
	"github.com/oisee/rtlsim/pkg/sir"
)

// domainTask is one trigger domain's independent compile work: the
// pool's unit of concurrency, one per trigger domain.
type domainTask struct {
	id  program.EventID
	ds  schedule.DomainSchedule
	out *program.Domain
	err error
}

// compileDomains resolves each scheduled domain's clock/reset addresses,
// lowers and compiles its eval_apply/eval_only/apply bodies (in
// parallel across domains, via domainPool), and derives the host-facing
// event name/address/width tables Schedule/Tick/AddClock resolve
// against.
func (r *resolver) compileDomains(a *expr.Arena, prog *schedule.Program, opts Options) (
	map[program.EventID]*program.Domain, map[string]program.EventID, map[program.EventID]sir.Addr, map[program.EventID]int, error,
) {
	tasks := make([]*domainTask, len(prog.Domains))
	for i, ds := range prog.Domains {
		tasks[i] = &domainTask{id: program.EventID(i), ds: ds}
	}

	pool := newDomainPool(opts.numWorkers())
	pool.run(tasks, func(t *domainTask) {
		dom, err := r.compileOneDomain(a, t.ds, opts)
		t.out, t.err = dom, err
	})

	domains := make(map[program.EventID]*program.Domain, len(tasks))
	eventIDs := make(map[string]program.EventID)
	eventAddrs := make(map[program.EventID]sir.Addr)
	eventWidths := make(map[program.EventID]int)
	nextEventID := program.EventID(len(tasks))

	usedNames := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.err != nil {
			return nil, nil, nil, nil, t.err
		}
		domains[t.id] = t.out

		clockName := uniqueName(usedNames, t.ds.Domain.Trigger.Clock, r.instancePathFor(t.ds))
		eventIDs[clockName] = t.id
		eventAddrs[t.id] = t.out.ClockAddr
		eventWidths[t.id] = 1

		if t.out.HasAsyncReset {
			resetName := uniqueName(usedNames, t.ds.Domain.Trigger.Reset, r.instancePathFor(t.ds))
			eventIDs[resetName] = nextEventID
			eventAddrs[nextEventID] = t.out.ResetAddr
			eventWidths[nextEventID] = 1
			nextEventID++
		}
	}

	return domains, eventIDs, eventAddrs, eventWidths, nil
}

// uniqueName returns name if it is not already taken, or name qualified
// with the owning instance's path otherwise — a host-facing name
// collision is expected whenever two instances reuse a conventional
// clock/reset net name like "clk", and disambiguating only on actual
// collision keeps the common single-instance case's event names short.
func uniqueName(used map[string]bool, name, instancePath string) string {
	if !used[name] {
		used[name] = true
		return name
	}
	qualified := fmt.Sprintf("%s.%s", instancePath, name)
	used[qualified] = true
	return qualified
}

func (r *resolver) instancePathFor(ds schedule.DomainSchedule) string {
	if len(ds.Eval) == 0 {
		return ""
	}
	return r.instanceByID[ds.Eval[0].Target.Addr.Instance].Path
}

// compileOneDomain resolves ds's owning instance and trigger
// clock/reset addresses, then lowers and compiles all three of its
// execution-unit shapes (§4.7/§4.8): the single-phase eval_apply fast
// path, and the eval_only/apply pair multi-domain simultaneity needs.
func (r *resolver) compileOneDomain(a *expr.Arena, ds schedule.DomainSchedule, opts Options) (*program.Domain, error) {
	if len(ds.Eval) == 0 {
		return nil, diag.New(diag.KindMalformedIR, []string{ds.Domain.Name}, "trigger domain %q has no driven targets", ds.Domain.Name)
	}
	instanceID := ds.Eval[0].Target.Addr.Instance
	inst, ok := r.instanceByID[instanceID]
	if !ok {
		return nil, diag.New(diag.KindMalformedIR, nil, "domain %q references unknown instance %d", ds.Domain.Name, instanceID)
	}
	mod, ok := r.design.ByName(inst.ModuleName)
	if !ok {
		return nil, diag.UnresolvedReference(inst.ModuleName)
	}

	trig := resolveTrigger(ds.Domain.Trigger, opts)
	clockAddr, err := localAddr(mod, instanceID, trig.Clock)
	if err != nil {
		return nil, err
	}

	dom := &program.Domain{
		Name:      ds.Domain.Name,
		ClockAddr: clockAddr,
		ClockEdge: trig.ClockEdge,
	}

	// A synchronous reset is folded into the eval body by the analyzer
	// (hdl.Trigger.SyncReset), so only an asynchronous reset needs its
	// own trigger address here.
	if trig.HasReset && !trig.SyncReset {
		resetAddr, err := localAddr(mod, instanceID, trig.Reset)
		if err != nil {
			return nil, err
		}
		dom.HasAsyncReset = true
		dom.ResetAddr = resetAddr
		dom.ResetKind = trig.ResetKind
	}

	evalApplyIR := lower.EvalApply(a, ds)
	evalOnlyIR := lower.EvalOnly(a, ds)
	applyIR := lower.Apply(ds)
	if opts.Optimize {
		evalApplyIR = optimize.Run(evalApplyIR)
		evalOnlyIR = optimize.Run(evalOnlyIR)
		applyIR = optimize.Run(applyIR)
	}

	dom.EvalApply = compileFn(evalApplyIR, opts)
	dom.EvalOnly = compileFn(evalOnlyIR, opts)
	dom.Apply = compileFn(applyIR, opts)
	return dom, nil
}

// resolveTrigger substitutes the project-level defaults (§6's
// clock_type/reset_type configuration) into a trigger the analyzer
// left polarity-unspecified. A defaulted reset's synchronicity follows
// the resolved kind.
func resolveTrigger(trig hdl.Trigger, opts Options) hdl.Trigger {
	if trig.ClockEdge == hdl.EdgeDefault {
		trig.ClockEdge = opts.ClockType
	}
	if trig.HasReset && trig.ResetKind == hdl.ResetDefault {
		trig.ResetKind = opts.ResetType
		trig.SyncReset = !trig.ResetKind.Async()
	}
	return trig
}

func localAddr(mod *hdl.Module, instanceID int, name string) (sir.Addr, error) {
	for i, v := range mod.Scope() {
		if v.Name == name {
			return sir.Addr{Instance: instanceID, Local: i}, nil
		}
	}
	return sir.Addr{}, diag.UnresolvedReference(mod.Name + "." + name)
}
