// Package phaseloop provides a cooperative, single-threaded phase scheduler
// with strict priority ordering, deadline timers, readiness-gated phase
// callbacks, and a fixed-size worker pool for offloading CPU-bound work.
//
// # Architecture
//
// All callback execution happens on one goroutine, the scheduler loop, so
// callbacks never race with each other and shared state needs no locking.
// Work is organized into two priority queues plus five phases:
//
//  1. Immediate queue: drained to emptiness before anything else runs
//  2. Microtask queue: drained after every callback, re-checking Immediate
//     before each microtask
//  3. Phases, one tick per full traversal: Timers → Pending I/O → Poll →
//     Check → Close
//
// The priority rule is re-applied after every single callback execution, not
// per batch: an immediate scheduled from inside a microtask preempts the
// remaining microtasks.
//
// Timers never fire early and preserve submission order among equal
// deadlines. Phase callbacks may carry a readiness predicate
// ([Loop.ScheduleWhen]); an entry that is not ready is retained, in order,
// for a later tick.
//
// # Suspension and Termination
//
// The Poll phase is the only point where the loop suspends. It sleeps only
// when no ready work exists anywhere, bounded by the configured poll timeout
// and the next timer deadline, and wakes on timer expiry, I/O readiness,
// worker completion, or an external schedule call.
//
// [Loop.Run] returns naturally once every queue is empty, no timer is
// pending, no worker task is outstanding, and no FD registration remains.
// [Loop.Shutdown] stops the loop early after draining the priority queues;
// [Loop.Close] stops it without draining.
//
// # Worker Pool
//
// [Loop.SubmitWork] dispatches CPU-bound work to a fixed set of pool slots
// without ever blocking the caller. Results come back as completion
// callbacks on the Immediate queue (or Microtask queue, see
// [WithCompletionTarget]); the pool itself never executes loop callbacks, so
// the single-consumer invariant holds. [WorkerHandle.Cancel] guarantees no
// completion for tasks that have not started, and is advisory for tasks
// already executing.
//
// # Failure Isolation
//
// A panicking callback is recovered, reported as a [CallbackFault], and the
// loop continues with the next callback. Worker panics and errors surface as
// [WorkerFault], both through the fault observer and as the completion's
// error result. A [SchedulingFault] (a callback observed in two queues at
// once) is fatal: it aborts Run with the fault as the error. Every fault
// reaches the observer installed via [WithFaultObserver] exactly once.
//
// # Usage
//
//	loop, err := phaseloop.New(
//	    phaseloop.WithPoolSize(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_, _ = loop.ScheduleTimer(100*time.Millisecond, func() {
//	    fmt.Println("after 100ms")
//	})
//	_, _ = loop.SubmitWork(func(in any) (any, error) {
//	    return heavyComputation(in)
//	}, input, func(res phaseloop.WorkerResult) {
//	    fmt.Println("done:", res.Value, res.Err)
//	})
//
//	// Returns once all scheduled work has run.
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package phaseloop
