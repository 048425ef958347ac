package runtime

import "testing"

func TestSchedulerPeekTimeReflectsMinimum(t *testing.T) {
	s := newScheduler()
	s.schedule(10, 1, 1)
	s.schedule(5, 2, 1)
	t_, ok := s.peekTime()
	if !ok || t_ != 5 {
		t.Fatalf("expected min time 5, got %v (ok=%v)", t_, ok)
	}
}

func TestSchedulerPopMinExtractsAllEventsAtMinimumTime(t *testing.T) {
	s := newScheduler()
	s.schedule(5, 1, 1)
	s.schedule(5, 2, 0)
	s.schedule(10, 3, 1)

	batch := s.popMin()
	if len(batch) != 2 {
		t.Fatalf("expected 2 events at time 5, got %d", len(batch))
	}
	for _, e := range batch {
		if e.time != 5 {
			t.Fatalf("expected time 5, got %d", e.time)
		}
	}
	remaining := s.popMin()
	if len(remaining) != 1 || remaining[0].time != 10 {
		t.Fatalf("expected 1 remaining event at time 10, got %v", remaining)
	}
}

func TestSchedulerPopMinPreservesInsertionOrderAtSameTime(t *testing.T) {
	s := newScheduler()
	s.schedule(0, 1, 100)
	s.schedule(0, 2, 200)
	s.schedule(0, 3, 300)

	batch := s.popMin()
	if len(batch) != 3 {
		t.Fatalf("expected 3 events, got %d", len(batch))
	}
	for i, want := range []EventID{1, 2, 3} {
		if batch[i].event != want {
			t.Fatalf("expected insertion order preserved, event[%d] = %v, want %v", i, batch[i].event, want)
		}
	}
}

func TestSchedulerPopMinOnEmptyReturnsNil(t *testing.T) {
	s := newScheduler()
	if batch := s.popMin(); batch != nil {
		t.Fatalf("expected nil on empty scheduler, got %v", batch)
	}
}
