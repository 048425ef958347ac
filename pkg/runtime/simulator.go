// Package runtime drives a built Program (§4.8, §5): a two-region
// memory buffer, a time-ordered event scheduler, edge discovery, the
// multi-phase eval_only/apply step split, and the cascade re-scan that
// lets one flip-flop's output clock another. It is single-threaded and
// not re-entrant; a simulator instance shares no mutable state with
// any other (§5).
package runtime

import (
	"sort"

	"github.com/oisee/rtlsim/pkg/diag"
	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/program"
	"github.com/oisee/rtlsim/pkg/sir"
	"github.com/oisee/rtlsim/pkg/vcd"
)

// EventID is program.EventID, aliased for brevity within this package.
type EventID = program.EventID

type clockState struct {
	period Time
}

// limbPair is a comparable snapshot of a signal's two-limb value, so
// Dump's change-detection map works for wide signals the same way it
// does for narrow ones.
type limbPair struct {
	Lo, Hi uint64
}

// Simulator is one running instance of a built Program.
type Simulator struct {
	prog *program.Program
	buf  *Buffer
	sch  *scheduler

	now Time

	// lastTrigger retains each domain's last-observed trigger bit, the
	// bitmap §4.8's state list names — compared against a domain's
	// current clock/reset bit on every event to discover edges (§5
	// step 2).
	lastTrigger map[EventID]uint64

	clocks map[EventID]*clockState
	sink   vcd.WaveformSink

	lastSnapshot map[string]limbPair // for Dump's "only changed signals" rule
	dumped       bool

	disposed bool
}

// New creates a simulator over prog with a fresh, zeroed buffer. sink
// may be nil; Dump becomes a no-op in that case.
func New(prog *program.Program, sink vcd.WaveformSink) *Simulator {
	return &Simulator{
		prog:        prog,
		buf:         NewBuffer(),
		sch:         newScheduler(),
		lastTrigger: make(map[EventID]uint64),
		clocks:      make(map[EventID]*clockState),
		sink:        sink,
	}
}

// Buffer exposes the memory buffer for read-only host inspection
// between Step calls (§5's shared-resource policy). Writes through it
// bypass the "input positions only" rule the runtime itself enforces
// on Schedule/AddClock, so hosts should treat it as read-only.
func (s *Simulator) Buffer() *Buffer { return s.buf }

// Now returns current simulation time.
func (s *Simulator) Now() Time { return s.now }

func (s *Simulator) checkLive() *diag.Diagnostic {
	if s.disposed {
		return diag.New(diag.KindDisposedSimulator, nil, "operation on disposed simulator")
	}
	return nil
}

// Dispose idempotently releases the simulator's state. §5's "scoped
// release" has no separate native resources to free in this backend
// (the compiled jit.Function closures are ordinary garbage-collected
// Go values), so Dispose's only observable effect is making every
// further operation fail with KindDisposedSimulator.
func (s *Simulator) Dispose() {
	s.disposed = true
}

// EvalComb invokes the combinational program once. Idempotent when
// inputs are unchanged, since the combinational SIR is a pure function
// of Stable (§4.8).
func (s *Simulator) EvalComb() *diag.Diagnostic {
	if d := s.checkLive(); d != nil {
		return d
	}
	return s.prog.Comb.Run(s.buf)
}

// Tick treats event as a single edge: settle combinational, run that
// event's eval_apply, settle combinational again (§4.8).
func (s *Simulator) Tick(eventName string) *diag.Diagnostic {
	if d := s.checkLive(); d != nil {
		return d
	}
	id, ok := s.prog.EventID(eventName)
	if !ok {
		return unknownEvent(eventName)
	}
	dom, ok := s.prog.Domain(id)
	if !ok {
		return unknownEvent(eventName)
	}
	if d := s.prog.Comb.Run(s.buf); d != nil {
		return d
	}
	if dom.EvalApply != nil {
		if d := dom.EvalApply.Run(s.buf); d != nil {
			return d
		}
	}
	return s.prog.Comb.Run(s.buf)
}

// Schedule is a one-shot event: event's value becomes value at t.
// t must be >= current time (§4.8).
func (s *Simulator) Schedule(eventName string, t Time, value uint64) *diag.Diagnostic {
	if d := s.checkLive(); d != nil {
		return d
	}
	id, ok := s.prog.EventID(eventName)
	if !ok {
		return unknownEvent(eventName)
	}
	if t < s.now {
		return diag.New(diag.KindPastTimeSchedule, []string{eventName}, "scheduled time %d precedes current time %d", t, s.now)
	}
	s.sch.schedule(t, id, value)
	return nil
}

// AddClock schedules a toggling event at initialDelay, initialDelay +
// period/2, initialDelay + period, … (§4.8). Once registered, every
// further toggle is queued automatically as its predecessor fires
// (see applyEvents), so callers need not call AddClock again.
func (s *Simulator) AddClock(eventName string, period Time, initialDelay Time) *diag.Diagnostic {
	if d := s.checkLive(); d != nil {
		return d
	}
	id, ok := s.prog.EventID(eventName)
	if !ok {
		return unknownEvent(eventName)
	}
	s.clocks[id] = &clockState{period: period}
	s.sch.schedule(s.now+initialDelay, id, 1)
	return nil
}

func unknownEvent(name string) *diag.Diagnostic {
	return diag.New(diag.KindUnknownEvent, []string{name}, "unknown event %q", name)
}

// SetInput writes a host-supplied value into an input-typed signal's
// Stable word between Step calls (§5's shared-resource policy: host
// writes may only change input-typed positions). Writing any other
// position is rejected.
func (s *Simulator) SetInput(name string, value uint64) *diag.Diagnostic {
	if d := s.checkLive(); d != nil {
		return d
	}
	sig, ok := s.prog.SignalByName(name)
	if !ok {
		return diag.New(diag.KindUnresolvedReference, []string{name}, "unknown signal %q", name)
	}
	if sig.Kind != program.SignalInput {
		return diag.New(diag.KindOutputWrittenByHost, []string{name}, "signal %q is not an input", name)
	}
	s.buf.SetInput(sig.Addr, value)
	return nil
}

// Step pulls the next scheduler event(s), applies them, discovers
// edges, runs the (possibly multi-phase) domain step, settles
// combinational, and advances time (§5's Step algorithm). It returns
// the processed time, or ok=false if no events remain.
func (s *Simulator) Step() (t Time, ok bool, trap *diag.Diagnostic) {
	if d := s.checkLive(); d != nil {
		return 0, false, d
	}
	events := s.sch.popMin()
	if len(events) == 0 {
		return 0, false, nil
	}
	t = events[0].time
	s.now = t

	triggered := s.applyEvents(events)

	for len(triggered) > 0 {
		next, trap := s.runDomains(triggered)
		if trap != nil {
			return t, true, trap
		}
		triggered = next
	}

	if d := s.prog.Comb.Run(s.buf); d != nil {
		return t, true, d
	}
	return t, true, nil
}

// applyEvents writes every event's value to Stable, re-arms any clock
// among them, and returns the set of domains whose trigger bit
// actually transitioned (§5 step 1-2).
func (s *Simulator) applyEvents(events []pendingEvent) []EventID {
	for _, e := range events {
		addr, width, ok := s.prog.EventAddr(e.event)
		if ok {
			s.buf.StoreStable(addr, 0, width-1, e.value)
		}
		if cs, isClock := s.clocks[e.event]; isClock {
			s.sch.schedule(e.time+cs.period/2, e.event, 1-e.value)
		}
	}
	return s.cascade()
}

// domainTriggered compares a domain's clock (and, for an
// asynchronous reset, its reset) bit against the retained last value,
// honoring edge polarity, and updates the retained value (§5 step 2).
func (s *Simulator) domainTriggered(id EventID, dom *program.Domain) bool {
	edge := false
	if fired := s.edgeOn(id*2, dom.ClockAddr, dom.ClockEdge == hdl.PosEdge); fired {
		edge = true
	}
	if dom.HasAsyncReset {
		if fired := s.edgeOn(id*2+1, dom.ResetAddr, dom.ResetKind.ActiveHigh()); fired {
			edge = true
		}
	}
	return edge
}

// edgeOn reports whether bit's current Stable value is a rising (or,
// when rising is false, falling) transition from the retained value
// keyed by key, updating the retained value regardless.
func (s *Simulator) edgeOn(key EventID, addr sir.Addr, rising bool) bool {
	cur := s.buf.LoadStable(addr, 0, 0)
	prev := s.lastTrigger[key] // zero-valued for a never-seen key, matching Stable's zero-initialized default
	s.lastTrigger[key] = cur
	if rising {
		return prev == 0 && cur == 1
	}
	return prev == 1 && cur == 0
}

// runDomains invokes eval_only/apply for every domain in ids,
// discovers any new domains the applies' state changes cascade into
// (§5 steps 4-5), and returns them for another pass (empty when the
// cascade has settled).
func (s *Simulator) runDomains(ids []EventID) ([]EventID, *diag.Diagnostic) {
	if len(ids) == 1 {
		dom, ok := s.prog.Domain(ids[0])
		if ok && dom.EvalApply != nil {
			if d := dom.EvalApply.Run(s.buf); d != nil {
				return nil, d
			}
			return s.cascade(), nil
		}
	}
	for _, id := range ids {
		dom, ok := s.prog.Domain(id)
		if !ok || dom.EvalOnly == nil {
			continue
		}
		if d := dom.EvalOnly.Run(s.buf); d != nil {
			return nil, d
		}
	}
	for _, id := range ids {
		dom, ok := s.prog.Domain(id)
		if !ok || dom.Apply == nil {
			continue
		}
		if d := dom.Apply.Run(s.buf); d != nil {
			return nil, d
		}
	}
	return s.cascade(), nil
}

// cascade re-scans every domain's trigger for edges newly created by
// the applies just performed (§5 step 5: e.g. a flip-flop output that
// is itself another flip-flop's clock).
func (s *Simulator) cascade() []EventID {
	var next []EventID
	for id, dom := range s.prog.Domains {
		if s.domainTriggered(id, dom) {
			next = append(next, id)
		}
	}
	// Domains is a map; sorting keeps the multi-phase invocation order
	// deterministic across runs (§5 step 4).
	sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
	return next
}

// RunUntil steps repeatedly until the next event exceeds endTime or
// none remain, then advances current time to endTime (§4.8).
func (s *Simulator) RunUntil(endTime Time) *diag.Diagnostic {
	if d := s.checkLive(); d != nil {
		return d
	}
	for {
		peek, ok := s.sch.peekTime()
		if !ok || peek > endTime {
			break
		}
		_, stepped, trap := s.Step()
		if trap != nil {
			return trap
		}
		if !stepped {
			break
		}
	}
	if endTime > s.now {
		s.now = endTime
	}
	return nil
}

// Dump notifies the waveform sink with current Stable values labeled
// by label, emitting every signal on the first call (§6's full initial
// snapshot) and only changed signals thereafter.
func (s *Simulator) Dump(label string) {
	if s.sink == nil {
		return
	}
	var samples []vcd.Sample
	if s.lastSnapshot == nil {
		s.lastSnapshot = make(map[string]limbPair)
	}
	for _, sig := range s.prog.Signals {
		var v limbPair
		if sig.BitWidth > 64 {
			v.Lo, v.Hi = s.buf.StableWide(sig.Addr)
		} else {
			v.Lo = s.buf.Stable(sig.Addr)
		}
		prev, known := s.lastSnapshot[sig.Name]
		if !s.dumped || !known || prev != v {
			samples = append(samples, vcd.Sample{Name: sig.Name, Value: v.Lo, ValueHi: v.Hi})
		}
		s.lastSnapshot[sig.Name] = v
	}
	s.dumped = true
	s.sink.Dump(label, int64(s.now), samples)
}
