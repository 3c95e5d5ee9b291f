// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package phaseloop

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// WorkerFunc is a unit of CPU-bound work executed on a worker-pool slot,
// never on the loop goroutine. It must not capture or mutate state reachable
// from the loop's queues; only the input value and the returned output cross
// the boundary.
type WorkerFunc func(input any) (any, error)

// WorkerResult carries a worker task's output into its completion callback.
// On failure Err is a *WorkerFault wrapping the task's error or recovered
// panic; Value is nil.
type WorkerResult struct {
	Value any
	Err   error
}

// CompletionFunc receives a worker task's result. It executes on the loop
// goroutine, via the Immediate or Microtask queue (see WithCompletionTarget).
type CompletionFunc func(WorkerResult)

// Worker task lifecycle states.
const (
	taskPending uint32 = iota
	taskRunning
	taskDone
	taskCancelled
)

// workerTask owns a copy of its input, a result slot written exactly once,
// and a completion signal (the enqueued completion callback).
type workerTask struct {
	fn       WorkerFunc
	input    any
	complete CompletionFunc
	target   CompletionTarget
	seq      uint64
	state    atomic.Uint32
	discard  atomic.Bool
}

// WorkerHandle allows cancelling a submitted worker task.
type WorkerHandle struct {
	task *workerTask
	pool *workerPool
}

// Cancel attempts to cancel the task.
//
// If the task has not started, Cancel returns true and its completion
// callback is guaranteed never to be enqueued. If the task is already
// executing, cancellation is advisory only: Cancel returns false, the task
// runs to completion on its slot, and its result is discarded rather than
// enqueued.
func (h *WorkerHandle) Cancel() bool {
	t := h.task
	if t.state.CompareAndSwap(taskPending, taskCancelled) {
		if h.pool.metrics != nil {
			h.pool.metrics.workerCancelled.Add(1)
		}
		return true
	}
	t.discard.Store(true)
	return false
}

// workerPool is a fixed set of slot goroutines consuming an unbounded FIFO
// backlog. Submission never blocks the caller. The pool never executes
// completion callbacks itself; it hands them to the loop's priority queues.
type workerPool struct {
	loop        *Loop
	metrics     *metricsState
	cond        *sync.Cond
	backlog     []*workerTask
	mu          sync.Mutex
	wg          sync.WaitGroup
	size        int
	outstanding atomic.Int64
	stopped     bool
}

func newWorkerPool(loop *Loop, size int, metrics *metricsState) *workerPool {
	p := &workerPool{
		loop:    loop,
		metrics: metrics,
		size:    size,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// start launches the slot goroutines. Called once, from Run.
func (p *workerPool) start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.slot()
	}
}

// stop waits for in-flight tasks to finish, then cancels the remaining
// backlog. Queued tasks that never started get no completion callback.
func (p *workerPool) stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	backlog := p.backlog
	p.backlog = nil
	p.mu.Unlock()
	for _, t := range backlog {
		if t.state.CompareAndSwap(taskPending, taskCancelled) {
			p.outstanding.Add(-1)
		}
	}
}

// submit appends a task to the backlog. Never blocks.
func (p *workerPool) submit(t *workerTask) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrLoopTerminated
	}
	p.backlog = append(p.backlog, t)
	p.cond.Signal()
	p.mu.Unlock()

	p.outstanding.Add(1)
	if p.metrics != nil {
		p.metrics.workerSubmitted.Add(1)
	}
	return nil
}

// next blocks until a task is available or the pool stops.
func (p *workerPool) next() *workerTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.backlog) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return nil
	}
	t := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	return t
}

// slot is one pool execution context.
func (p *workerPool) slot() {
	defer p.wg.Done()
	for {
		t := p.next()
		if t == nil {
			return
		}
		p.run(t)
	}
}

// run executes a single task. Failure inside the task is captured and
// delivered as an error result, never thrown back into the slot.
func (p *workerPool) run(t *workerTask) {
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		// Cancelled before start: skip without side effects.
		p.settle()
		return
	}

	var res WorkerResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				fault := &WorkerFault{Seq: t.seq, Cause: panicToError(r, debug.Stack())}
				p.loop.reporter.report(fault)
				res = WorkerResult{Err: fault}
			}
		}()
		value, err := t.fn(t.input)
		if err != nil {
			fault := &WorkerFault{Seq: t.seq, Cause: err}
			p.loop.reporter.report(fault)
			res = WorkerResult{Err: fault}
			return
		}
		res = WorkerResult{Value: value}
	}()

	if t.discard.Load() {
		// Cancelled while executing: discard the result.
		t.state.Store(taskCancelled)
		if p.metrics != nil {
			p.metrics.workerCancelled.Add(1)
		}
		p.settle()
		return
	}

	t.state.Store(taskDone)
	p.loop.deliverCompletion(t, res)
}

// settle releases an outstanding slot count without delivering a completion,
// and wakes the loop so its termination condition is re-evaluated.
func (p *workerPool) settle() {
	p.outstanding.Add(-1)
	p.loop.wakeLoop()
}
