// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package phaseloop

// Phase identifies one of the five phase queues processed by the loop, in
// fixed order, once per tick.
type Phase uint8

const (
	// PhaseTimers releases callbacks whose deadline has elapsed, earliest
	// deadline first, FIFO among equal deadlines.
	PhaseTimers Phase = iota
	// PhasePendingIO holds callbacks deferred from a previous tick's I/O
	// activity, e.g. error callbacks for failed operations.
	PhasePendingIO
	// PhasePoll is where the loop suspends when no ready work exists
	// anywhere; I/O readiness callbacks execute here.
	PhasePoll
	// PhaseCheck runs immediately after Poll, before Close, for callbacks
	// that explicitly requested that position.
	PhaseCheck
	// PhaseClose is reserved for teardown callbacks associated with
	// resources being released.
	PhaseClose

	numPhases = int(PhaseClose) + 1
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseTimers:
		return "Timers"
	case PhasePendingIO:
		return "PendingIO"
	case PhasePoll:
		return "Poll"
	case PhaseCheck:
		return "Check"
	case PhaseClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// Valid returns true if p names one of the five phases.
func (p Phase) Valid() bool {
	return int(p) < numPhases
}

// Origin is a tagged variant identifying which queue a callback belongs to.
// It is carried by faults so observers can attribute failures without
// runtime type inspection.
type Origin uint8

const (
	// OriginImmediate is the highest-priority queue, drained to emptiness
	// before any phase advances.
	OriginImmediate Origin = iota
	// OriginMicrotask is the second-priority queue, drained fully after
	// every single callback execution.
	OriginMicrotask
	// OriginTimers through OriginClose attribute a callback to its phase.
	OriginTimers
	OriginPendingIO
	OriginPoll
	OriginCheck
	OriginClose
	// OriginWorker marks a worker-pool completion callback. The queue it
	// drains into is configurable (see WithCompletionTarget).
	OriginWorker

	numOrigins = int(OriginWorker) + 1
)

// String returns the origin name.
func (o Origin) String() string {
	switch o {
	case OriginImmediate:
		return "Immediate"
	case OriginMicrotask:
		return "Microtask"
	case OriginTimers:
		return "Timers"
	case OriginPendingIO:
		return "PendingIO"
	case OriginPoll:
		return "Poll"
	case OriginCheck:
		return "Check"
	case OriginClose:
		return "Close"
	case OriginWorker:
		return "Worker"
	default:
		return "Unknown"
	}
}

// phaseOrigin maps a phase to the origin tag carried by its callbacks.
func phaseOrigin(p Phase) Origin {
	switch p {
	case PhaseTimers:
		return OriginTimers
	case PhasePendingIO:
		return OriginPendingIO
	case PhasePoll:
		return OriginPoll
	case PhaseCheck:
		return OriginCheck
	default:
		return OriginClose
	}
}
