// Package diag implements the two error kinds from §7: build errors
// (surfaced before a simulator is produced) and runtime errors
// (surfaced while a built simulator is running). Both are plain
// structs carrying a kind, a message, and the offending names — no
// error-wrapping hierarchy beyond stdlib's plain fmt.Errorf("...: %w", err).
package diag

import "fmt"

// Kind enumerates every diagnostic the core can raise.
type Kind int

const (
	// Build errors (§7.1) — all fatal, raised before a simulator exists.
	KindUnresolvedReference Kind = iota
	KindWidthMismatch
	KindMultipleDrivers
	KindCombinationalCycle
	KindUnknownEventName
	KindMalformedIR

	// Non-fatal build-time observation (§9 Open Question 1).
	KindLatchInferred

	// Runtime errors (§7.2).
	KindGeneratedError // Error(code) from compiled SIR, e.g. true_loop budget exceeded
	KindUnknownEvent
	KindPastTimeSchedule
	KindDisposedSimulator
	KindOutputWrittenByHost
)

func (k Kind) String() string {
	switch k {
	case KindUnresolvedReference:
		return "unresolved-reference"
	case KindWidthMismatch:
		return "width-mismatch"
	case KindMultipleDrivers:
		return "multiple-drivers"
	case KindCombinationalCycle:
		return "combinational-cycle"
	case KindUnknownEventName:
		return "unknown-event-name"
	case KindMalformedIR:
		return "malformed-ir"
	case KindLatchInferred:
		return "latch-inferred"
	case KindGeneratedError:
		return "generated-error"
	case KindUnknownEvent:
		return "unknown-event"
	case KindPastTimeSchedule:
		return "past-time-schedule"
	case KindDisposedSimulator:
		return "disposed-simulator"
	case KindOutputWrittenByHost:
		return "output-written-by-host"
	default:
		return "unknown-diagnostic"
	}
}

// Fatal reports whether this kind aborts the build (or, at runtime,
// leaves the simulator in a not-further-runnable state per §7).
func (k Kind) Fatal() bool {
	return k != KindLatchInferred
}

// Diagnostic is one reported build or runtime condition.
type Diagnostic struct {
	Kind  Kind
	Msg   string
	Names []string // offending logic path / address / event names
	Code  int      // meaningful for KindGeneratedError: the Error(code) payload
}

func (d *Diagnostic) Error() string {
	if len(d.Names) == 0 {
		return fmt.Sprintf("%s: %s", d.Kind, d.Msg)
	}
	return fmt.Sprintf("%s: %s (%v)", d.Kind, d.Msg, d.Names)
}

// New builds a diagnostic with a formatted message.
func New(kind Kind, names []string, format string, args ...any) *Diagnostic {
	return &Diagnostic{Kind: kind, Msg: fmt.Sprintf(format, args...), Names: names}
}

// MultipleDrivers reports two logic paths driving overlapping bits of
// the same address (§4.4).
func MultipleDrivers(a, b string) *Diagnostic {
	return New(KindMultipleDrivers, []string{a, b}, "both %q and %q drive overlapping bits", a, b)
}

// CombinationalCycle reports a cycle the scheduler could not
// topologically sort and that was not marked false_loop/true_loop (§4.4).
func CombinationalCycle(members []string) *Diagnostic {
	return New(KindCombinationalCycle, members, "combinational cycle among %d logic paths not marked false_loop or true_loop", len(members))
}

// UnresolvedReference reports a hierarchical reference the flattener
// could not resolve (§4.2).
func UnresolvedReference(path string) *Diagnostic {
	return New(KindUnresolvedReference, []string{path}, "unresolved hierarchical reference %q", path)
}

// WidthExceedsLimit reports a declared signal wider than the lowerer's
// two-limb register representation can carry (§8's widest boundary
// width is 128 bits).
func WidthExceedsLimit(path string, width, limit int) *Diagnostic {
	return New(KindWidthMismatch, []string{path}, "variable %q declared with width %d exceeds the %d-bit limit", path, width, limit)
}

// GeneratedError reports an Error(code) instruction reached at runtime
// (§4.5 terminators, §7.2).
func GeneratedError(code int, unit string) *Diagnostic {
	d := New(KindGeneratedError, []string{unit}, "execution unit %q raised Error(%d)", unit, code)
	d.Code = code
	return d
}
