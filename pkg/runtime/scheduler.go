package runtime

import "container/heap"

// Time is simulated time, in the host's chosen unit (§5).
type Time int64

// pendingEvent is one scheduled (time, event, value) triple (§5). seq
// breaks ties between events sharing a time in insertion order, since
// Go's heap does not otherwise guarantee FIFO among equal keys.
type pendingEvent struct {
	time  Time
	seq   int64
	event EventID
	value uint64
}

type eventHeap []pendingEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(pendingEvent)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// scheduler is the time-ordered min-heap of pending events (§5): equal
// times are processed in insertion order.
type scheduler struct {
	h       eventHeap
	nextSeq int64
}

func newScheduler() *scheduler {
	s := &scheduler{}
	heap.Init(&s.h)
	return s
}

func (s *scheduler) schedule(t Time, event EventID, value uint64) {
	heap.Push(&s.h, pendingEvent{time: t, seq: s.nextSeq, event: event, value: value})
	s.nextSeq++
}

// peekTime returns the minimum pending time, if any.
func (s *scheduler) peekTime() (Time, bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0].time, true
}

// popMin extracts every pending event sharing the minimum time, in
// insertion order (§5 step 1).
func (s *scheduler) popMin() []pendingEvent {
	t, ok := s.peekTime()
	if !ok {
		return nil
	}
	var out []pendingEvent
	for len(s.h) > 0 && s.h[0].time == t {
		out = append(out, heap.Pop(&s.h).(pendingEvent))
	}
	return out
}
