package phaseloop

// Structured logging integrates via logiface; attach a logger with
// WithLogger. All log points are debug-level except faults (see observer.go)
// and poll errors, which are error-level.

// logDebug emits a debug event with the loop id attached, if a logger is
// configured. Message-only; callers needing fields use l.logger directly.
func (l *Loop) logDebug(msg string) {
	if l.logger == nil {
		return
	}
	l.logger.Debug().
		Uint64("loop", l.id).
		Log(msg)
}

// logPollError records a poll failure. Poll errors are terminal: the loop
// cannot suspend safely once its waker is broken.
func (l *Loop) logPollError(err error) {
	if l.logger == nil {
		return
	}
	l.logger.Err().
		Err(err).
		Uint64("loop", l.id).
		Log("phaseloop: poll failed, terminating loop")
}
