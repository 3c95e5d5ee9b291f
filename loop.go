package phaseloop

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var loopIDCounter atomic.Uint64

// Loop is the scheduler loop: the single authoritative driver and the only
// component permitted to dequeue-and-execute callbacks.
//
// Priority order, re-applied after every single callback execution (not just
// after a batch): Immediate queue, then Microtask queue, then the current
// phase. Phases cycle Timers → Pending I/O → Poll → Check → Close; one full
// traversal is a tick. Poll is the only suspension point.
//
// Run terminates naturally once every queue is empty, no timer is pending,
// no worker task is outstanding, and no FD registration remains. Shutdown
// and Close stop it early.
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	// State machine (cache-line padded internally)
	state *loopState

	logger   *logiface.Logger[logiface.Event]
	reporter *faultReporter
	metrics  *metricsState // nil unless WithMetrics(true)

	// Priority queues (multi-producer, loop-consumed)
	immediates callbackQueue
	microtasks callbackQueue

	// Phase queues; the PhaseTimers slot is unused (timers live in the heap)
	phases [numPhases]phaseQueue
	timers *timerTable

	intervals      map[TimerID]*intervalState
	intervalsMu    sync.Mutex
	nextIntervalID atomic.Uint64

	pool   *workerPool
	poller poller

	completionTarget CompletionTarget
	pollTimeout      time.Duration

	// seq is the monotonic scheduling sequence used for tie-breaking.
	seq atomic.Uint64

	// fatal holds the first scheduling fault; it aborts Run.
	fatal atomic.Pointer[SchedulingFault]

	wakePending atomic.Uint32

	// In-flight schedule-call counter for shutdown/termination synchronization
	inflight atomic.Int64

	loopGoroutineID atomic.Uint64
	tickTime        time.Time // cached per-tick time, loop goroutine only

	// stopping distinguishes an externally requested stop from the loop's
	// own transient Terminating window during the final idle check.
	stopping      atomic.Bool
	discardOnStop atomic.Bool
	stopOnce      sync.Once
	loopDone      chan struct{}

	// pollErr records a poller failure; loop goroutine only.
	pollErr error

	id uint64
}

// New creates a new loop. The caller must eventually call Run, Shutdown, or
// Close to release the poller resources.
func New(opts ...Option) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	p, err := newPoller()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:               loopIDCounter.Add(1),
		state:            newLoopState(),
		logger:           cfg.logger,
		timers:           newTimerTable(),
		intervals:        make(map[TimerID]*intervalState),
		poller:           p,
		completionTarget: cfg.completionTarget,
		pollTimeout:      cfg.pollTimeout,
		loopDone:         make(chan struct{}),
	}
	if cfg.metricsEnabled {
		l.metrics = &metricsState{}
	}
	l.reporter = newFaultReporter(cfg.observer, cfg.logger, l.metrics)
	l.pool = newWorkerPool(l, cfg.poolSize, l.metrics)

	return l, nil
}

// Run runs the loop and blocks until it terminates: naturally (all queues
// empty, no timers, no outstanding worker tasks, no FD registrations), via
// Shutdown()/Close(), or via ctx cancellation. A SchedulingFault aborts Run
// with that fault as the error; ordinary callback failures are recovered
// per-callback and reported without halting the loop.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateIdle, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)
	return l.run(ctx)
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	defer func() { _ = l.poller.close() }()

	l.pool.start()
	l.logDebug("phaseloop: loop started")

	// Context watcher wakes the loop on cancellation.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.poller.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			l.stopLoop()
			l.logDebug("phaseloop: loop stopped, context cancelled")
			return ctx.Err()
		default:
		}

		if f := l.fatal.Load(); f != nil {
			l.discardOnStop.Store(true)
			l.stopLoop()
			return f
		}

		if l.state.Load() == StateTerminating {
			l.stopLoop()
			if l.pollErr != nil {
				return fmt.Errorf("phaseloop: poll wait failed: %w", l.pollErr)
			}
			l.logDebug("phaseloop: loop stopped")
			return nil
		}

		// The Immediate queue drains to emptiness before the very first
		// phase, and between ticks.
		l.barrier()

		if l.idle() {
			// Commit only from Terminating, so producers are rejected while
			// the verdict is re-checked. A producer accepted before the
			// transition either completed its push (visible to the second
			// check) or still holds the in-flight counter.
			if !l.state.TryTransition(StateRunning, StateTerminating) {
				continue
			}
			if !l.idle() {
				l.state.Store(StateRunning)
				continue
			}
			l.state.Store(StateTerminated)
			l.pool.stop()
			l.logDebug("phaseloop: loop drained, terminating")
			return nil
		}

		l.tick()
	}
}

// stopLoop performs the shutdown sequence: stop the pool first so all
// pending completions land in the queues, drain (unless Close requested
// discard), then mark terminated.
func (l *Loop) stopLoop() {
	l.stopping.Store(true)
	if l.state.Load() != StateTerminating {
		// ctx cancellation or fatal fault arrived without Shutdown/Close.
		l.beginTerminate()
	}
	l.pool.stop()
	l.drainOnStop()
	l.timers.clear()
	l.state.Store(StateTerminated)
}

// beginTerminate moves any live state to Terminating.
func (l *Loop) beginTerminate() {
	for {
		st := l.state.Load()
		if st == StateTerminating || st == StateTerminated {
			return
		}
		if l.state.TryTransition(st, StateTerminating) {
			return
		}
	}
}

// drainOnStop executes queued priority callbacks during graceful shutdown.
// Phase-queue entries and pending timers are dropped: their readiness was
// never observed. Repeated empty checks close the race with in-flight
// schedule calls.
func (l *Loop) drainOnStop() {
	if l.discardOnStop.Load() {
		return
	}
	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		for l.inflight.Load() > 0 {
			runtime.Gosched()
		}
		drained := false
		for {
			cb := l.immediates.pop()
			if cb == nil {
				break
			}
			l.execute(cb)
			drained = true
		}
		for {
			cb := l.microtasks.pop()
			if cb == nil {
				break
			}
			l.execute(cb)
			drained = true
		}
		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}
}

// idle reports whether the termination condition holds: nothing queued,
// nothing pending, nothing outstanding.
func (l *Loop) idle() bool {
	if l.inflight.Load() > 0 {
		return false
	}
	if l.immediates.len() > 0 || l.microtasks.len() > 0 {
		return false
	}
	for i := range l.phases {
		if l.phases[i].len() > 0 {
			return false
		}
	}
	if l.timers.pending() > 0 {
		return false
	}
	if l.pool.outstanding.Load() > 0 {
		return false
	}
	if l.poller.registeredFDs() > 0 {
		return false
	}
	return true
}

// tick is one full traversal of the five phases, with the priority drain
// rule applied between every phase transition (and, via execute, between
// every callback inside a phase).
func (l *Loop) tick() {
	if l.metrics != nil {
		l.metrics.recordTick()
	}
	l.tickTime = time.Now()

	l.runTimers()
	l.barrier()
	l.runPhase(PhasePendingIO)
	l.barrier()
	l.pollPhase()
	l.barrier()
	l.runPhase(PhaseCheck)
	l.barrier()
	l.runPhase(PhaseClose)
	l.barrier()
}

// runTimers executes all timers whose deadline elapsed by the start of this
// tick, earliest first, FIFO among equal deadlines.
func (l *Loop) runTimers() {
	for !l.interrupted() {
		lt := l.timers.popExpired(l.tickTime)
		if lt == nil {
			return
		}
		cb := &callback{fn: lt.fn, origin: OriginTimers, seq: lt.seq}
		cb.state.Store(cbQueued)
		l.execute(cb)
		l.barrier()
	}
}

// runPhase drains the ready entries of one phase queue. Entries whose
// readiness predicate does not hold are retained, in order, for a later
// tick. The snapshot bounds self-rescheduling into the same phase.
func (l *Loop) runPhase(p Phase) {
	if l.interrupted() {
		return
	}
	entries := l.phases[p].take()
	if len(entries) == 0 {
		return
	}
	var deferred []*callback
	for i, cb := range entries {
		if l.interrupted() {
			deferred = append(deferred, entries[i:]...)
			break
		}
		if cb.cancelled.Load() {
			cb.markDone()
			continue
		}
		if cb.ready != nil && !cb.ready() {
			deferred = append(deferred, cb)
			continue
		}
		l.execute(cb)
		l.barrier()
	}
	l.phases[p].requeueFront(deferred)
}

// pollPhase is the only suspension point. The loop suspends only when no
// ready work exists anywhere, for at most pollTimeout, capped by the next
// timer deadline; it wakes on timer expiry, I/O readiness, worker
// completion, or an external schedule call.
func (l *Loop) pollPhase() {
	timeout := l.pollWaitTimeout()
	events := l.pollWait(timeout)

	// Refresh the tick clock after a potentially long suspension.
	l.tickTime = time.Now()

	if l.timersExpired(l.tickTime) {
		// A timer deadline was crossed since this tick's Timers phase ran.
		// Defer this tick's poll work so the Timers phase, which precedes
		// Poll in the fixed phase order, runs first next tick.
		for _, ev := range events {
			l.enqueueIOEvent(ev)
		}
		return
	}

	l.runPhase(PhasePoll)

	for _, ev := range events {
		if l.interrupted() {
			l.enqueueIOEvent(ev)
			continue
		}
		cb := &callback{fn: l.ioEventFunc(ev), origin: OriginPoll, seq: l.seq.Add(1)}
		cb.state.Store(cbQueued)
		l.execute(cb)
		l.barrier()
	}
}

// ioEventFunc adapts a fired FD event into a plain callback body.
func (l *Loop) ioEventFunc(ev ioEvent) func() {
	return func() { ev.cb(ev.events) }
}

// enqueueIOEvent queues a fired FD event into the Poll phase for the next tick.
func (l *Loop) enqueueIOEvent(ev ioEvent) {
	cb := &callback{fn: l.ioEventFunc(ev), origin: OriginPoll, seq: l.seq.Add(1)}
	cb.state.Store(cbQueued)
	l.phases[PhasePoll].push(cb)
}

// pollWaitTimeout computes the suspension bound: zero whenever any ready
// work exists, otherwise pollTimeout capped by the earliest timer deadline.
func (l *Loop) pollWaitTimeout() time.Duration {
	if l.interrupted() {
		return 0
	}
	if l.immediates.len() > 0 || l.microtasks.len() > 0 {
		return 0
	}
	now := time.Now()
	if l.timersExpired(now) {
		return 0
	}
	for i := range l.phases {
		if l.phases[i].hasReady() {
			return 0
		}
	}

	timeout := l.pollTimeout
	if next, ok := l.timers.nextDeadline(); ok {
		d := next.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < timeout {
			timeout = d
		}
	}
	return timeout
}

// timersExpired reports whether any live timer deadline has elapsed.
func (l *Loop) timersExpired(now time.Time) bool {
	next, ok := l.timers.nextDeadline()
	return ok && !next.After(now)
}

// pollWait performs the actual wait, handling the Running⇄Polling state
// transitions and the producer wake race: a producer that pushed work (or
// scheduled a timer) before observing StatePolling sent no wake, so the
// suspension bound is recomputed after the transition; producers that arrive
// after the recomputation observe StatePolling and wake us.
func (l *Loop) pollWait(timeout time.Duration) []ioEvent {
	if timeout > 0 {
		if !l.state.TryTransition(StateRunning, StatePolling) {
			timeout = 0
		} else {
			if t := l.pollWaitTimeout(); t < timeout {
				timeout = t
			}
			if timeout <= 0 {
				l.state.TryTransition(StatePolling, StateRunning)
			}
		}
	}

	events, err := l.poller.wait(timeout)

	if timeout > 0 {
		l.state.TryTransition(StatePolling, StateRunning)
	}
	l.wakePending.Store(0)

	if err != nil {
		l.pollErr = err
		l.logPollError(err)
		l.stopping.Store(true)
		l.beginTerminate()
		return nil
	}
	return events
}

// wakeLoop wakes the loop iff it is suspended in the Poll phase. Wake-ups
// are deduplicated; failures during shutdown (poller closed) are expected
// and ignored because the queued work is drained regardless.
func (l *Loop) wakeLoop() {
	if l.state.Load() != StatePolling {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.poller.wake(); err != nil {
			l.wakePending.Store(0)
		}
	}
}

// barrier applies the priority drain rule: Immediate drains fully first,
// then Microtask, re-checking Immediate before every microtask so that
// immediates always preempt. Called after every single callback execution.
//
// A callback that perpetually reschedules itself into the Immediate queue
// starves the phases indefinitely; that hazard is inherent to the priority
// contract and is the caller's responsibility.
func (l *Loop) barrier() {
	for {
		if cb := l.immediates.pop(); cb != nil {
			l.execute(cb)
			continue
		}
		if cb := l.microtasks.pop(); cb != nil {
			l.execute(cb)
			continue
		}
		return
	}
}

// execute runs a single callback with panic recovery. A panic is reported
// as a CallbackFault; execution continues with the next callback.
func (l *Loop) execute(cb *callback) {
	if cb.cancelled.Load() {
		cb.markDone()
		return
	}
	if !cb.markRunning() {
		l.raiseFatal(&SchedulingFault{
			Message: "callback dequeued in unexpected state",
			Seq:     cb.seq,
			Origin:  cb.origin,
		})
		return
	}

	var start time.Time
	if l.metrics != nil {
		start = time.Now()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				l.reporter.report(&CallbackFault{
					Cause:  panicToError(r, debug.Stack()),
					Seq:    cb.seq,
					Origin: cb.origin,
				})
			}
		}()
		cb.fn()
	}()

	cb.markDone()
	if l.metrics != nil {
		l.metrics.recordExec(cb.origin, time.Since(start))
	}
}

// interrupted reports whether the loop should stop mid-tick.
func (l *Loop) interrupted() bool {
	if l.fatal.Load() != nil {
		return true
	}
	st := l.state.Load()
	return st == StateTerminating || st == StateTerminated
}

// raiseFatal records the first scheduling fault and wakes the loop so it
// aborts promptly. The fault reaches the observer exactly once, here.
func (l *Loop) raiseFatal(f *SchedulingFault) {
	if l.fatal.CompareAndSwap(nil, f) {
		l.reporter.report(f)
	}
	l.wakeLoop()
}

// ----------------------------------------------------------------------------
// Scheduling surface
// ----------------------------------------------------------------------------

// newCallback allocates a callback with the next scheduling sequence.
func (l *Loop) newCallback(origin Origin, fn func(), ready ReadyFunc) *callback {
	return &callback{fn: fn, ready: ready, origin: origin, seq: l.seq.Add(1)}
}

// enqueue transitions a callback into a priority queue. A callback already
// owned by a queue is a SchedulingFault.
func (l *Loop) enqueue(q *callbackQueue, cb *callback) error {
	if !cb.markQueued() {
		f := &SchedulingFault{
			Message: "callback enqueued while already owned by a queue",
			Seq:     cb.seq,
			Origin:  cb.origin,
		}
		l.raiseFatal(f)
		return f
	}
	q.push(cb)
	l.wakeLoop()
	return nil
}

// ScheduleImmediate schedules a callback on the Immediate queue, the
// highest-priority queue: it is drained to emptiness before the loop looks
// at any other queue. A nil fn is a no-op.
func (l *Loop) ScheduleImmediate(fn func()) error {
	if fn == nil {
		return nil
	}
	l.inflight.Add(1)
	defer l.inflight.Add(-1)
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	return l.enqueue(&l.immediates, l.newCallback(OriginImmediate, fn, nil))
}

// ScheduleMicrotask schedules a callback on the Microtask queue: it runs
// after the current callback, before the next queued operation anywhere.
func (l *Loop) ScheduleMicrotask(fn func()) error {
	if fn == nil {
		return nil
	}
	l.inflight.Add(1)
	defer l.inflight.Add(-1)
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	return l.enqueue(&l.microtasks, l.newCallback(OriginMicrotask, fn, nil))
}

// Schedule queues a callback into the named phase, always ready.
// Scheduling into PhaseTimers is equivalent to ScheduleTimer with zero delay.
func (l *Loop) Schedule(phase Phase, fn func()) error {
	return l.ScheduleWhen(phase, fn, nil)
}

// ScheduleWhen queues a callback into the named phase with a readiness
// predicate; the callback stays queued until the predicate holds at that
// phase of some tick. PhaseTimers does not accept predicates (its readiness
// is the deadline; use ScheduleTimer).
func (l *Loop) ScheduleWhen(phase Phase, fn func(), ready ReadyFunc) error {
	if fn == nil {
		return nil
	}
	if !phase.Valid() {
		return ErrInvalidPhase
	}
	if phase == PhaseTimers {
		if ready != nil {
			return ErrInvalidPhase
		}
		_, err := l.ScheduleTimer(0, fn)
		return err
	}
	l.inflight.Add(1)
	defer l.inflight.Add(-1)
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}
	cb := l.newCallback(phaseOrigin(phase), fn, ready)
	if !cb.markQueued() {
		f := &SchedulingFault{Message: "callback enqueued while already owned by a queue", Seq: cb.seq, Origin: cb.origin}
		l.raiseFatal(f)
		return f
	}
	l.phases[phase].push(cb)
	l.wakeLoop()
	return nil
}

// ScheduleTimer schedules fn to execute in the Timers phase once delay has
// elapsed. It never executes early; timers with equal deadlines preserve
// submission order. Negative delays are treated as zero.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, nil
	}
	if delay < 0 {
		delay = 0
	}
	l.inflight.Add(1)
	defer l.inflight.Add(-1)
	if !l.state.CanAcceptWork() {
		return 0, ErrLoopTerminated
	}
	id := l.timers.schedule(time.Now().Add(delay), l.seq.Add(1), fn)
	l.wakeLoop()
	return id, nil
}

// CancelTimer cancels a scheduled timer. The loop skips cancelled entries
// without side effects. Returns ErrTimerNotFound if the timer does not
// exist or already fired; safe to call multiple times.
func (l *Loop) CancelTimer(id TimerID) error {
	err := l.timers.cancel(id)
	if err == nil {
		l.wakeLoop()
	}
	return err
}

// ScheduleInterval schedules fn to execute repeatedly, every interval, in
// the Timers phase. Each firing is scheduled after the previous one
// completes. Cancel with CancelInterval.
func (l *Loop) ScheduleInterval(interval time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, nil
	}
	if interval <= 0 {
		return 0, fmt.Errorf("phaseloop: interval must be positive, got %v", interval)
	}

	s := &intervalState{fn: fn, loop: l, interval: interval}
	s.id = intervalIDBase + TimerID(l.nextIntervalID.Add(1))

	s.m.Lock()
	first, err := l.ScheduleTimer(interval, s.run)
	if err != nil {
		s.m.Unlock()
		return 0, err
	}
	s.current = first
	s.m.Unlock()

	l.intervalsMu.Lock()
	l.intervals[s.id] = s
	l.intervalsMu.Unlock()

	return s.id, nil
}

// CancelInterval cancels a repeating timer. Safe to call from within the
// interval's own callback. Returns ErrIntervalNotFound for unknown IDs.
func (l *Loop) CancelInterval(id TimerID) error {
	l.intervalsMu.Lock()
	s, ok := l.intervals[id]
	if ok {
		delete(l.intervals, id)
	}
	l.intervalsMu.Unlock()
	if !ok {
		return ErrIntervalNotFound
	}

	// Mark before locking so a concurrently-running firing exits instead of
	// rescheduling.
	s.canceled.Store(true)

	s.m.Lock()
	defer s.m.Unlock()
	if s.current != 0 {
		_ = l.timers.cancel(s.current)
	}
	return nil
}

// SubmitWork dispatches CPU-bound work to the worker pool, delivering the
// result to complete via the configured completion target queue. Submission
// never blocks: if all slots are busy the task queues FIFO for the next
// free slot. A nil fn is a no-op returning a nil handle.
func (l *Loop) SubmitWork(fn WorkerFunc, input any, complete CompletionFunc) (*WorkerHandle, error) {
	return l.SubmitWorkTo(l.completionTarget, fn, input, complete)
}

// SubmitWorkTo is SubmitWork with a per-task completion target override.
func (l *Loop) SubmitWorkTo(target CompletionTarget, fn WorkerFunc, input any, complete CompletionFunc) (*WorkerHandle, error) {
	if fn == nil {
		return nil, nil
	}
	if target != CompletionImmediate && target != CompletionMicrotask {
		return nil, fmt.Errorf("phaseloop: invalid completion target %d", target)
	}
	l.inflight.Add(1)
	defer l.inflight.Add(-1)
	if !l.state.CanAcceptWork() {
		return nil, ErrLoopTerminated
	}
	t := &workerTask{
		fn:       fn,
		input:    input,
		complete: complete,
		target:   target,
		seq:      l.seq.Add(1),
	}
	if err := l.pool.submit(t); err != nil {
		return nil, err
	}
	return &WorkerHandle{task: t, pool: l.pool}, nil
}

// deliverCompletion enqueues a worker task's completion callback onto the
// target priority queue, preserving the single-consumer invariant: the pool
// never executes completions directly.
func (l *Loop) deliverCompletion(t *workerTask, res WorkerResult) {
	fn := func() {
		defer func() {
			l.pool.outstanding.Add(-1)
			if l.metrics != nil {
				l.metrics.workerCompleted.Add(1)
			}
		}()
		if t.complete != nil {
			t.complete(res)
		}
	}
	cb := l.newCallback(OriginWorker, fn, nil)
	cb.state.Store(cbQueued)

	if l.state.Load() == StateTerminated {
		l.pool.outstanding.Add(-1)
		return
	}
	if t.target == CompletionMicrotask {
		l.microtasks.push(cb)
	} else {
		l.immediates.push(cb)
	}
	l.wakeLoop()
}

// RegisterFD registers a file descriptor for I/O readiness monitoring; its
// callback executes in the Poll phase. Active registrations count as
// pending work for termination purposes. Returns ErrPollerUnsupported on
// platforms without a native poller.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	err := l.poller.registerFD(fd, events, cb)
	if err == nil {
		l.wakeLoop()
	}
	return err
}

// UnregisterFD removes a file descriptor from monitoring. Call before
// closing the descriptor.
func (l *Loop) UnregisterFD(fd int) error {
	err := l.poller.unregisterFD(fd)
	if err == nil {
		l.wakeLoop()
	}
	return err
}

// ModifyFD updates the events being monitored for a file descriptor.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.modifyFD(fd, events)
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Shutdown gracefully stops the loop: queued Immediate and Microtask
// callbacks run to completion, phase entries and pending timers are
// dropped. Blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	ran := false
	l.stopOnce.Do(func() {
		ran = true
		result = l.shutdownImpl(ctx)
	})
	if ran {
		return result
	}
	if l.state.IsTerminal() {
		return nil
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		st := l.state.Load()
		if st == StateTerminated {
			return ErrLoopTerminated
		}
		if st == StateTerminating {
			if l.stopping.Load() {
				return ErrLoopTerminated
			}
			// The loop holds Terminating briefly while re-checking its
			// termination verdict; it settles to Terminated or Running.
			runtime.Gosched()
			continue
		}
		if st == StateIdle {
			if l.state.TryTransition(StateIdle, StateTerminated) {
				_ = l.poller.close()
				return nil
			}
			continue
		}
		if l.state.TryTransition(st, StateTerminating) {
			l.stopping.Store(true)
			_ = l.poller.wake()
			break
		}
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately terminates the loop without draining. Queued callbacks
// are discarded. Does not wait for the loop goroutine to exit.
func (l *Loop) Close() error {
	l.discardOnStop.Store(true)
	for {
		st := l.state.Load()
		switch st {
		case StateTerminated:
			return ErrLoopTerminated
		case StateTerminating:
			if l.stopping.Load() {
				return nil
			}
			runtime.Gosched()
		case StateIdle:
			if l.state.TryTransition(StateIdle, StateTerminated) {
				_ = l.poller.close()
				return nil
			}
		default:
			if l.state.TryTransition(st, StateTerminating) {
				l.stopping.Store(true)
				_ = l.poller.wake()
				return nil
			}
		}
	}
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns a snapshot of loop statistics. Zero value unless
// WithMetrics(true) was set.
func (l *Loop) Metrics() Metrics {
	if l.metrics == nil {
		return Metrics{}
	}
	return l.metrics.snapshot()
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
