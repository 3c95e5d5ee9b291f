package phaseloop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// TimerID identifies a scheduled timer or interval for cancellation.
type TimerID uint64

// loopTimer is a Timers-phase entry. Its readiness predicate is implicit:
// the deadline must have elapsed.
type loopTimer struct {
	when      time.Time
	fn        func()
	id        TimerID
	seq       uint64
	cancelled atomic.Bool
}

// timerHeap is a min-heap ordered by deadline, then by scheduling sequence,
// so timers with equal deadlines preserve FIFO submission order.
type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*loopTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// timerTable owns the timer heap plus an ID index for cancellation. The heap
// is consumed by the loop goroutine; schedule/cancel may be called from any
// goroutine.
type timerTable struct {
	mu     sync.Mutex
	heap   timerHeap
	byID   map[TimerID]*loopTimer
	nextID atomic.Uint64
}

func newTimerTable() *timerTable {
	return &timerTable{
		byID: make(map[TimerID]*loopTimer),
	}
}

// schedule registers a timer firing at when and returns its ID.
func (t *timerTable) schedule(when time.Time, seq uint64, fn func()) TimerID {
	lt := &loopTimer{
		when: when,
		fn:   fn,
		id:   TimerID(t.nextID.Add(1)),
		seq:  seq,
	}
	t.mu.Lock()
	heap.Push(&t.heap, lt)
	t.byID[lt.id] = lt
	t.mu.Unlock()
	return lt.id
}

// cancel marks a timer cancelled. The heap entry is skipped (without side
// effects) when it surfaces; only the ID index is cleaned eagerly.
func (t *timerTable) cancel(id TimerID) error {
	t.mu.Lock()
	lt, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	t.mu.Unlock()
	if !ok {
		return ErrTimerNotFound
	}
	lt.cancelled.Store(true)
	return nil
}

// popExpired removes and returns the next timer whose deadline has elapsed,
// or nil. Cancelled entries are discarded in passing.
func (t *timerTable) popExpired(now time.Time) *loopTimer {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.heap) > 0 {
		top := t.heap[0]
		if top.cancelled.Load() {
			heap.Pop(&t.heap)
			continue
		}
		if top.when.After(now) {
			return nil
		}
		heap.Pop(&t.heap)
		delete(t.byID, top.id)
		return top
	}
	return nil
}

// nextDeadline returns the earliest pending deadline, if any.
func (t *timerTable) nextDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.heap) > 0 {
		top := t.heap[0]
		if top.cancelled.Load() {
			heap.Pop(&t.heap)
			continue
		}
		return top.when, true
	}
	return time.Time{}, false
}

// pending returns the number of live (non-cancelled) timers.
func (t *timerTable) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// clear drops all pending timers without executing them.
func (t *timerTable) clear() {
	t.mu.Lock()
	t.heap = nil
	t.byID = make(map[TimerID]*loopTimer)
	t.mu.Unlock()
}

// intervalIDBase keeps interval IDs in a separate namespace from one-shot
// timer IDs, so the two cancellation surfaces cannot collide.
const intervalIDBase = TimerID(1) << 48

// intervalState tracks a repeating timer across invocations.
type intervalState struct {
	fn       func()
	loop     *Loop
	interval time.Duration
	id       TimerID
	current  TimerID // current underlying one-shot timer
	m        sync.Mutex
	canceled atomic.Bool
}

// reschedule arms the next firing, unless the interval has been cancelled.
// Runs on the loop goroutine, immediately after the user callback.
func (s *intervalState) reschedule() {
	if s.canceled.Load() {
		return
	}
	s.m.Lock()
	defer s.m.Unlock()
	if s.canceled.Load() {
		return
	}
	id, err := s.loop.ScheduleTimer(s.interval, s.run)
	if err != nil {
		return
	}
	s.current = id
}

// run executes one firing of the interval.
func (s *intervalState) run() {
	if s.canceled.Load() {
		return
	}
	s.fn()
	s.reschedule()
}
