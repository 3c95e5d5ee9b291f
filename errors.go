package phaseloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("phaseloop: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("phaseloop: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("phaseloop: cannot call Run() from within the loop")

	// ErrTimerNotFound is returned when cancelling a timer that does not
	// exist or has already fired.
	ErrTimerNotFound = errors.New("phaseloop: timer not found")

	// ErrIntervalNotFound is returned when cancelling an interval that does
	// not exist or has already been cancelled.
	ErrIntervalNotFound = errors.New("phaseloop: interval not found")

	// ErrInvalidPhase is returned when scheduling into a phase that does not exist.
	ErrInvalidPhase = errors.New("phaseloop: invalid phase")

	// ErrPollerUnsupported is returned by FD registration on platforms
	// without a native poller implementation.
	ErrPollerUnsupported = errors.New("phaseloop: fd polling not supported on this platform")
)

// Fault is implemented by the three fault categories delivered to the fault
// observer: CallbackFault and WorkerFault are recovered locally,
// SchedulingFault is fatal and aborts Run.
//
// Every fault reaches the observer exactly once.
type Fault interface {
	error

	// FaultCategory returns a stable short name ("callback", "worker",
	// "scheduling"), used as the rate-limiting key for fault logging.
	FaultCategory() string

	// Fatal reports whether this fault aborts the loop.
	Fatal() bool
}

// CallbackFault reports a panic raised by a scheduled callback during
// execution. It is caught at the loop boundary; execution continues with the
// next callback per the ordering rules.
type CallbackFault struct {
	Cause  error
	Seq    uint64
	Origin Origin
}

// Error implements the error interface.
func (f *CallbackFault) Error() string {
	return fmt.Sprintf("phaseloop: callback fault (origin=%s seq=%d): %v", f.Origin, f.Seq, f.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (f *CallbackFault) Unwrap() error { return f.Cause }

// FaultCategory implements Fault.
func (f *CallbackFault) FaultCategory() string { return "callback" }

// Fatal implements Fault.
func (f *CallbackFault) Fatal() bool { return false }

// WorkerFault reports a failure inside a worker task. It is delivered as an
// error value through the normal completion path and never crashes the pool
// slot; the slot is recycled for the next queued task.
type WorkerFault struct {
	Cause error
	Seq   uint64
}

// Error implements the error interface.
func (f *WorkerFault) Error() string {
	return fmt.Sprintf("phaseloop: worker fault (seq=%d): %v", f.Seq, f.Cause)
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (f *WorkerFault) Unwrap() error { return f.Cause }

// FaultCategory implements Fault.
func (f *WorkerFault) FaultCategory() string { return "worker" }

// Fatal implements Fault.
func (f *WorkerFault) Fatal() bool { return false }

// SchedulingFault reports an invariant violation, e.g. a callback enqueued
// into two queues. It indicates a fundamentally violated contract rather
// than a user-level failure, so it aborts Run.
type SchedulingFault struct {
	Message string
	Seq     uint64
	Origin  Origin
}

// Error implements the error interface.
func (f *SchedulingFault) Error() string {
	return fmt.Sprintf("phaseloop: scheduling fault (origin=%s seq=%d): %s", f.Origin, f.Seq, f.Message)
}

// FaultCategory implements Fault.
func (f *SchedulingFault) FaultCategory() string { return "scheduling" }

// Fatal implements Fault.
func (f *SchedulingFault) Fatal() bool { return true }

// PanicError wraps a recovered panic value so it can travel as an error.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("phaseloop: panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] through the cause chain.
// If the panic value is not an error, returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// panicToError normalizes a recovered panic value.
func panicToError(v any, stack []byte) error {
	return PanicError{Value: v, Stack: stack}
}
