// Package build implements Build (§4.2-§4.8 end to end): it drives
// analyzer IR through the flattener, atomizer, scheduler, and IR
// lowerer, compiles every resulting function with pkg/jit, and
// assembles the result into a runnable pkg/runtime.Simulator. Per-domain
// lowering and compilation runs on a worker pool, with trigger domains
// as the pool's unit of work.
package build

import (
	"fmt"

	"github.com/oisee/rtlsim/pkg/atomize"
	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/expr"
	"github.com/oisee/rtlsim/pkg/flatten"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/lower"
	"github.com/oisee/rtlsim/pkg/optimize"
	"github.com/oisee/rtlsim/pkg/program"
	rtlrun "github.com/oisee/rtlsim/pkg/runtime"
	"github.com/oisee/rtlsim/pkg/schedule"
)

// Result is everything one Build invocation produces: a ready-to-drive
// simulator, its backing Program (for memmap/inspect-style reporting),
// and every non-fatal diagnostic collected along the way (latch
// inference warnings when Options.WarningsAsErrors is off).
type Result struct {
	Simulator *rtlrun.Simulator
	Program   *program.Program
	Warnings  []diag.Diagnostic
}

// resolver carries the shared, read-only state every build stage below
// needs: the original design (for module lookups by name) and the
// flattened instance table (for signal-path and event resolution).
type resolver struct {
	design         *hdl.Design
	fd             *flatten.FlattenedDesign
	instanceByPath map[string]flatten.FlatInstance
	instanceByID   map[int]flatten.FlatInstance
}

func newResolver(design *hdl.Design, fd *flatten.FlattenedDesign) *resolver {
	r := &resolver{
		design:         design,
		fd:             fd,
		instanceByPath: make(map[string]flatten.FlatInstance, len(fd.Instances)),
		instanceByID:   make(map[int]flatten.FlatInstance, len(fd.Instances)),
	}
	for _, inst := range fd.Instances {
		r.instanceByPath[inst.Path] = inst
		r.instanceByID[inst.ID] = inst
	}
	return r
}

// Build compiles design into a runnable simulator (§1's pipeline, end
// to end). A non-nil error is always a fatal build diagnostic (§7.1);
// warnings carries any non-fatal observation even on success.
func Build(design *hdl.Design, opts Options) (*Result, error) {
	arena := expr.New()

	fd, err := flatten.New(design, arena).Flatten()
	if err != nil {
		return nil, err
	}
	r := newResolver(design, fd)

	overrides, err := r.loopOverrides(opts)
	if err != nil {
		return nil, err
	}

	var warnings []diag.Diagnostic
	for _, w := range fd.Warnings {
		warnings = append(warnings, diag.Diagnostic{
			Kind:  diag.KindLatchInferred,
			Msg:   fmt.Sprintf("%s: %s", w.InstancePath, w.Message),
			Names: []string{w.InstancePath, w.Var},
		})
	}
	if opts.WarningsAsErrors && len(warnings) > 0 {
		first := warnings[0]
		return nil, fmt.Errorf("build: %d warning(s) treated as errors: %w", len(warnings), &first)
	}

	atomized := atomize.Atomize(fd, arena)

	schedProg, err := schedule.Schedule(atomized, overrides)
	if err != nil {
		return nil, err
	}

	combIR := lower.Comb(arena, schedProg)
	if opts.Optimize {
		combIR = optimize.Run(combIR)
	}
	combFn := compileFn(combIR, opts)

	domains, eventIDs, eventAddrs, eventWidths, err := r.compileDomains(arena, schedProg, opts)
	if err != nil {
		return nil, err
	}

	signals, hierarchy, stableSize, totalSize := r.buildMemoryMap(opts)

	prog := program.New(combFn, domains, eventIDs, eventAddrs, eventWidths, stableSize, totalSize, signals, hierarchy)
	sim := rtlrun.New(prog, opts.VCD)

	return &Result{Simulator: sim, Program: prog, Warnings: warnings}, nil
}
