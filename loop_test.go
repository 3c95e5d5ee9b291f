package phaseloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects execution order from the loop goroutine. No locking is
// needed for appends made from callbacks (single consumer), but the mutex
// covers reads from the test goroutine after Run returns.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.order = append(r.order, s)
	r.mu.Unlock()
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestLoop_emptyLoopTerminatesNaturally(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_priorityOrderingAcrossAllQueues(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, loop.Schedule(PhaseClose, func() { rec.add("close") }))
	require.NoError(t, loop.Schedule(PhaseCheck, func() { rec.add("check") }))
	require.NoError(t, loop.Schedule(PhasePoll, func() { rec.add("poll") }))
	require.NoError(t, loop.Schedule(PhasePendingIO, func() { rec.add("pendingio") }))
	_, err = loop.ScheduleTimer(0, func() { rec.add("timer") })
	require.NoError(t, err)
	require.NoError(t, loop.ScheduleMicrotask(func() { rec.add("microtask") }))
	require.NoError(t, loop.ScheduleImmediate(func() { rec.add("immediate") }))

	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []string{
		"immediate", "microtask",
		"timer", "pendingio", "poll", "check", "close",
	}, rec.get())
}

func TestLoop_immediatePreemptsQueuedMicrotasks(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, loop.ScheduleMicrotask(func() {
		rec.add("m1")
		_ = loop.ScheduleMicrotask(func() { rec.add("m2") })
		_ = loop.ScheduleImmediate(func() { rec.add("i1") })
	}))

	require.NoError(t, loop.Run(context.Background()))

	// The immediate scheduled from inside m1 runs before m2, even though m2
	// was scheduled first.
	assert.Equal(t, []string{"m1", "i1", "m2"}, rec.get())
}

func TestLoop_microtaskDrainsAfterEachCallback(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, loop.Schedule(PhaseCheck, func() {
		rec.add("check1")
		_ = loop.ScheduleMicrotask(func() { rec.add("micro-from-check1") })
	}))
	require.NoError(t, loop.Schedule(PhaseCheck, func() { rec.add("check2") }))

	require.NoError(t, loop.Run(context.Background()))

	// The microtask runs between the two check callbacks, not after the
	// phase completes.
	assert.Equal(t, []string{"check1", "micro-from-check1", "check2"}, rec.get())
}

func TestLoop_timerPhasePrecedesPollWorkReadySameTick(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	const delay = 30 * time.Millisecond
	start := time.Now()

	var rec recorder
	_, err = loop.ScheduleTimer(delay, func() { rec.add("timer") })
	require.NoError(t, err)
	require.NoError(t, loop.ScheduleWhen(PhasePoll, func() { rec.add("poll") }, func() bool {
		return time.Since(start) >= delay
	}))

	require.NoError(t, loop.Run(context.Background()))

	// Both became ready while the loop was suspended; the fixed phase order
	// puts Timers first.
	assert.Equal(t, []string{"timer", "poll"}, rec.get())
}

func TestLoop_callbackPanicIsRecoveredAndReported(t *testing.T) {
	var faults []Fault
	var mu sync.Mutex
	loop, err := New(WithFaultObserver(func(f Fault) {
		mu.Lock()
		faults = append(faults, f)
		mu.Unlock()
	}))
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, loop.ScheduleImmediate(func() { panic("boom") }))
	require.NoError(t, loop.ScheduleImmediate(func() { rec.add("survivor") }))

	require.NoError(t, loop.Run(context.Background()))

	assert.Equal(t, []string{"survivor"}, rec.get())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, faults, 1)
	cf, ok := faults[0].(*CallbackFault)
	require.True(t, ok, "expected *CallbackFault, got %T", faults[0])
	assert.Equal(t, OriginImmediate, cf.Origin)
	assert.False(t, cf.Fatal())

	var pe PanicError
	require.True(t, errors.As(cf.Cause, &pe))
	assert.Equal(t, "boom", pe.Value)
}

func TestLoop_schedulingFaultAbortsRun(t *testing.T) {
	var faults []Fault
	var mu sync.Mutex
	loop, err := New(WithFaultObserver(func(f Fault) {
		mu.Lock()
		faults = append(faults, f)
		mu.Unlock()
	}))
	require.NoError(t, err)

	// Force a double-enqueue of the same callback.
	cb := loop.newCallback(OriginImmediate, func() {}, nil)
	require.NoError(t, loop.enqueue(&loop.immediates, cb))
	err = loop.enqueue(&loop.immediates, cb)

	var sf *SchedulingFault
	require.ErrorAs(t, err, &sf)
	assert.True(t, sf.Fatal())

	runErr := loop.Run(context.Background())
	assert.ErrorAs(t, runErr, &sf)
	assert.Equal(t, StateTerminated, loop.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, faults, 1, "fault must reach the observer exactly once")
	assert.Equal(t, "scheduling", faults[0].FaultCategory())
}

func TestLoop_readinessGatedEntryRetainedAcrossTicks(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var rec recorder
	var gate sync.Mutex
	open := false

	require.NoError(t, loop.ScheduleWhen(PhaseCheck, func() { rec.add("gated") }, func() bool {
		gate.Lock()
		defer gate.Unlock()
		return open
	}))
	require.NoError(t, loop.Schedule(PhaseCheck, func() { rec.add("ungated") }))
	_, err = loop.ScheduleTimer(20*time.Millisecond, func() {
		rec.add("timer")
		gate.Lock()
		open = true
		gate.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, loop.Run(context.Background()))

	// The gated entry is skipped while its predicate is false; the entry
	// scheduled after it is free to run in the meantime.
	assert.Equal(t, []string{"ungated", "timer", "gated"}, rec.get())
}

func TestLoop_reentrantRunRejected(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var inner error
	require.NoError(t, loop.ScheduleImmediate(func() {
		inner = loop.Run(context.Background())
	}))
	require.NoError(t, loop.Run(context.Background()))
	assert.ErrorIs(t, inner, ErrReentrantRun)
}

func TestLoop_secondRunRejectedWhileRunning(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	release := make(chan struct{})
	_, err = loop.SubmitWork(func(any) (any, error) {
		<-release
		return nil, nil
	}, nil, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		st := loop.State()
		return st == StateRunning || st == StatePolling
	}, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestLoop_terminatedLoopRejectsWork(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Run(context.Background()))

	assert.ErrorIs(t, loop.ScheduleImmediate(func() {}), ErrLoopTerminated)
	assert.ErrorIs(t, loop.ScheduleMicrotask(func() {}), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Schedule(PhaseCheck, func() {}), ErrLoopTerminated)
	_, err = loop.ScheduleTimer(time.Second, func() {})
	assert.ErrorIs(t, err, ErrLoopTerminated)
	_, err = loop.SubmitWork(func(any) (any, error) { return nil, nil }, nil, nil)
	assert.ErrorIs(t, err, ErrLoopTerminated)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
}

func TestLoop_invalidPhaseRejected(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer func() { _ = loop.Close() }()

	assert.ErrorIs(t, loop.Schedule(Phase(99), func() {}), ErrInvalidPhase)
	// PhaseTimers does not accept readiness predicates.
	assert.ErrorIs(t, loop.ScheduleWhen(PhaseTimers, func() {}, func() bool { return true }), ErrInvalidPhase)
}

func TestLoop_scheduleTimersPhaseActsAsZeroDelayTimer(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var rec recorder
	require.NoError(t, loop.Schedule(PhaseTimers, func() { rec.add("timer") }))
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, []string{"timer"}, rec.get())
}

func TestLoop_contextCancellationStopsRun(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	// A far-future timer keeps the loop suspended in the Poll phase.
	_, err = loop.ScheduleTimer(time.Hour, func() { t.Error("timer must not fire") })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return loop.State() == StatePolling
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_shutdownStopsPollingLoop(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	_, err = loop.ScheduleTimer(time.Hour, func() { t.Error("timer must not fire") })
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return loop.State() == StatePolling
	}, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, StateTerminated, loop.State())

	// Idempotent.
	assert.NoError(t, loop.Shutdown(ctx))
}

func TestLoop_shutdownBeforeRun(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	require.NoError(t, loop.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
}

func TestLoop_closeBeforeRun(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	require.NoError(t, loop.Close())
	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.ScheduleImmediate(func() {}), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
}

func TestLoop_intervalFiresRepeatedlyUntilCancelled(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var count int
	var id TimerID
	id, err = loop.ScheduleInterval(5*time.Millisecond, func() {
		count++
		if count == 3 {
			assert.NoError(t, loop.CancelInterval(id))
		}
	})
	require.NoError(t, err)

	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, 3, count)

	assert.ErrorIs(t, loop.CancelInterval(id), ErrIntervalNotFound)
}

func TestLoop_intervalValidation(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer func() { _ = loop.Close() }()

	_, err = loop.ScheduleInterval(0, func() {})
	assert.Error(t, err)
	_, err = loop.ScheduleInterval(-time.Second, func() {})
	assert.Error(t, err)

	id, err := loop.ScheduleInterval(time.Second, nil)
	assert.NoError(t, err)
	assert.Zero(t, id)
}

func TestLoop_nilCallbacksAreNoOps(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	require.NoError(t, loop.ScheduleImmediate(nil))
	require.NoError(t, loop.ScheduleMicrotask(nil))
	require.NoError(t, loop.Schedule(PhaseCheck, nil))
	id, err := loop.ScheduleTimer(time.Second, nil)
	require.NoError(t, err)
	assert.Zero(t, id)
	h, err := loop.SubmitWork(nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	// Nothing was actually scheduled, so the loop drains instantly.
	require.NoError(t, loop.Run(context.Background()))
}

func TestLoop_metricsSnapshot(t *testing.T) {
	loop, err := New(WithMetrics(true))
	require.NoError(t, err)

	require.NoError(t, loop.ScheduleImmediate(func() {}))
	_, err = loop.ScheduleTimer(time.Millisecond, func() {})
	require.NoError(t, err)
	_, err = loop.SubmitWork(func(in any) (any, error) { return in, nil }, 42, func(WorkerResult) {})
	require.NoError(t, err)

	require.NoError(t, loop.Run(context.Background()))

	m := loop.Metrics()
	assert.NotZero(t, m.Ticks)
	assert.GreaterOrEqual(t, m.Executed, uint64(3))
	assert.NotZero(t, m.ExecutedByOrigin[OriginImmediate])
	assert.NotZero(t, m.ExecutedByOrigin[OriginTimers])
	assert.NotZero(t, m.ExecutedByOrigin[OriginWorker])
	assert.Equal(t, uint64(1), m.WorkerSubmitted)
	assert.Equal(t, uint64(1), m.WorkerCompleted)
	assert.NotZero(t, m.Latency.Samples)
}

func TestLoop_metricsDisabledByDefault(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	require.NoError(t, loop.ScheduleImmediate(func() {}))
	require.NoError(t, loop.Run(context.Background()))
	assert.Equal(t, Metrics{}, loop.Metrics())
}

func TestLoop_pollWaitHonorsTimerScheduledBeforeSuspension(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer func() { _ = loop.poller.close() }()

	// Schedule while the loop is not yet polling, so wakeLoop is a no-op and
	// pollWait must discover the deadline itself after entering StatePolling.
	loop.state.Store(StateRunning)
	loop.timers.schedule(time.Now().Add(20*time.Millisecond), loop.seq.Add(1), func() {})

	start := time.Now()
	loop.pollWait(loop.pollTimeout)
	assert.Less(t, time.Since(start), time.Second,
		"suspension must be capped by the timer deadline, not pollTimeout")
	assert.Equal(t, StateRunning, loop.State())
}

func TestLoop_pollWaitHonorsPhaseWorkQueuedBeforeSuspension(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer func() { _ = loop.poller.close() }()

	loop.state.Store(StateRunning)
	require.NoError(t, loop.Schedule(PhaseCheck, func() {}))

	start := time.Now()
	loop.pollWait(loop.pollTimeout)
	assert.Less(t, time.Since(start), time.Second,
		"ready phase work must prevent suspension")
	assert.Equal(t, StateRunning, loop.State())
}

func TestLoop_acceptedWorkExecutesBeforeNaturalTermination(t *testing.T) {
	// A schedule call that returns nil must have its callback executed even
	// when it races the loop's final idle check.
	for i := 0; i < 200; i++ {
		loop, err := New()
		require.NoError(t, err)

		var accepted, executed atomic.Int64
		schedule := func() bool {
			if loop.ScheduleImmediate(func() { executed.Add(1) }) != nil {
				return false
			}
			accepted.Add(1)
			return true
		}
		require.True(t, schedule())

		done := make(chan struct{})
		go func() {
			defer close(done)
			for n := 0; n < 50; n++ {
				if !schedule() {
					return
				}
			}
		}()

		require.NoError(t, loop.Run(context.Background()))
		<-done
		require.Equal(t, accepted.Load(), executed.Load())
		require.Equal(t, StateTerminated, loop.State())
	}
}

func TestLoop_pollerFailureAbortsRunWithError(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	// Keep the loop from terminating naturally before it reaches the Poll
	// phase, then fail the waiter underneath it.
	require.NoError(t, loop.Schedule(PhaseCheck, func() {}))
	require.NoError(t, loop.poller.close())

	err = loop.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollerClosed)
	assert.Equal(t, StateTerminated, loop.State())
}
