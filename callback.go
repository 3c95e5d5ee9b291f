package phaseloop

import (
	"sync/atomic"
)

// ReadyFunc is a per-callback readiness predicate. It is evaluated on the
// loop goroutine each tick; a callback whose predicate returns false remains
// queued for a later tick. A nil predicate means "always ready".
type ReadyFunc func() bool

// callback lifecycle states. Transitions are CAS-guarded so that a callback
// can never be present in two queues at once; a failed cbIdle→cbQueued
// transition is a SchedulingFault.
const (
	cbIdle uint32 = iota
	cbQueued
	cbRunning
	cbDone
)

// callback is a single unit of work plus the metadata the loop needs to
// order, cancel, and attribute it. It is owned by exactly one queue until
// dequeued; ownership transfers to the loop during execution.
type callback struct {
	fn        func()
	ready     ReadyFunc
	seq       uint64
	origin    Origin
	cancelled atomic.Bool
	state     atomic.Uint32
}

// markQueued transitions the callback into a queue. Returns false if the
// callback is already queued or running somewhere, which indicates a
// violated ownership contract.
func (cb *callback) markQueued() bool {
	return cb.state.CompareAndSwap(cbIdle, cbQueued)
}

// markRunning transfers ownership from the queue to the loop.
func (cb *callback) markRunning() bool {
	return cb.state.CompareAndSwap(cbQueued, cbRunning)
}

// markDone releases the callback. Done callbacks are never reused.
func (cb *callback) markDone() {
	cb.state.Store(cbDone)
}
