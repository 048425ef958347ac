// Package program holds the final build artifact a simulator runs
// against: compiled function pointers keyed by event, the address
// layout, and the hierarchy/event name maps a host needs to drive and
// inspect a simulator (§4.7, §6 downstream interfaces).
package program

import (
	"sort"
	"sync"

	"github.com/oisee/rtlsim/pkg/hdl"
	"github.com/oisee/rtlsim/pkg/jit"
	"github.com/oisee/rtlsim/pkg/sir"
)

// EventID identifies one clock/reset-like trigger domain.
type EventID int

// Domain is one trigger domain's compiled bodies (§4.5/§4.7) plus the
// trigger condition the runtime's edge discovery tests against the
// retained "last trigger value" bitmap (§5 step 2): the single-phase
// fast path and the eval_only/apply pair the multi-phase step
// algorithm uses when more than one domain triggers together.
type Domain struct {
	Name      string
	EvalApply *jit.Function
	EvalOnly  *jit.Function
	Apply     *jit.Function

	ClockAddr sir.Addr
	ClockEdge hdl.EdgePolarity

	HasAsyncReset bool
	ResetAddr     sir.Addr
	ResetKind     hdl.ResetKind
}

// SignalKind distinguishes how a memory-mapped position is written.
type SignalKind int

const (
	SignalInternal SignalKind = iota
	SignalInput
	SignalOutput
)

// SignalInfo is one entry of the memory map (§6). Addr is the
// underlying SIR address Buffer stores this signal's word(s) at —
// not part of the host-facing memory map shape §6 describes, but
// needed internally to resolve a signal name back to storage for
// Dump and host inspection helpers.
type SignalInfo struct {
	Name            string
	Addr            sir.Addr
	Offset          int
	BitWidth        int
	ByteSize        int
	Is4State        bool
	Kind            SignalKind
	ArrayDims       []int
	AssociatedClock string
}

// Hierarchy is one node of the instance-hierarchy tree (§6), each
// carrying its own slice of the flat memory map.
type Hierarchy struct {
	InstanceName string
	ModuleName   string
	Signals      []SignalInfo
	Children     []*Hierarchy
}

// Program is the immutable artifact pkg/build produces and
// pkg/runtime executes. A *Program is shared read-only by every
// simulator instance built from it; per-instance mutable state (the
// memory buffer, the scheduler, current time) lives in pkg/runtime.
type Program struct {
	mu sync.Mutex

	Comb        *jit.Function
	Domains     map[EventID]*Domain
	EventIDs    map[string]EventID
	EventAddrs  map[EventID]sir.Addr
	EventWidths map[EventID]int
	StableSize  int
	TotalSize   int
	Signals     []SignalInfo
	Hierarchy   *Hierarchy
}

// New assembles a Program from its built components.
func New(comb *jit.Function, domains map[EventID]*Domain, eventIDs map[string]EventID, eventAddrs map[EventID]sir.Addr, eventWidths map[EventID]int, stableSize, totalSize int, signals []SignalInfo, hierarchy *Hierarchy) *Program {
	return &Program{
		Comb:        comb,
		Domains:     domains,
		EventIDs:    eventIDs,
		EventAddrs:  eventAddrs,
		EventWidths: eventWidths,
		StableSize:  stableSize,
		TotalSize:   totalSize,
		Signals:     signals,
		Hierarchy:   hierarchy,
	}
}

// Domain looks up a trigger domain's compiled bodies by event id.
func (p *Program) Domain(id EventID) (*Domain, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.Domains[id]
	return d, ok
}

// EventID resolves an event name to its id.
func (p *Program) EventID(name string) (EventID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.EventIDs[name]
	return id, ok
}

// EventAddr resolves an event id to the address/width a scheduled
// value is written into on Stable.
func (p *Program) EventAddr(id EventID) (sir.Addr, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, ok := p.EventAddrs[id]
	if !ok {
		return sir.Addr{}, 0, false
	}
	return addr, p.EventWidths[id], true
}

// SignalByName resolves one memory-map entry by its hierarchical name.
func (p *Program) SignalByName(name string) (SignalInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalInfo{}, false
}

// SignalsSorted returns the memory map sorted by offset, the order a
// host wants when printing a `memmap` report.
func (p *Program) SignalsSorted() []SignalInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SignalInfo, len(p.Signals))
	copy(out, p.Signals)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}
