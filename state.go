package phaseloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the scheduler loop.
//
// State Machine:
//
//	StateIdle (0) → StateRunning (2)          [Run()]
//	StateRunning (2) → StatePolling (3)       [poll suspension via CAS]
//	StateRunning (2) → StateTerminating (4)   [Shutdown(), Close(), natural drain]
//	StatePolling (3) → StateRunning (2)       [wake via CAS]
//	StatePolling (3) → StateTerminating (4)   [Shutdown(), Close()]
//	StateTerminating (4) → StateTerminated (1) [shutdown complete]
//	StateTerminated (1) → (terminal)
//
// State Transition Rules:
//   - Use TryTransition() (CAS) for temporary states (Running, Polling)
//   - Use Store() for irreversible states (Terminated)
type LoopState uint64

const (
	// StateIdle indicates the loop has been created but not started.
	StateIdle LoopState = 0
	// StateTerminated indicates the loop has stopped and is fully shut down.
	StateTerminated LoopState = 1
	// StateRunning indicates the loop is actively processing callbacks.
	StateRunning LoopState = 2
	// StatePolling indicates the loop is suspended in the Poll phase waiting
	// for a timer deadline, I/O readiness, or a worker completion.
	StatePolling LoopState = 3
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating LoopState = 4
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StatePolling:
		return "Polling"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopState is a lock-free state machine with cache-line padding.
//
// Uses pure atomic CAS operations with no mutex. Cache-line padding prevents
// false sharing between the loop goroutine and producers checking the state.
type loopState struct { // betteralign:ignore
	_ [64]byte      // Cache line padding (before value) //nolint:unused
	v atomic.Uint64 // State value
	_ [56]byte      // Pad to complete cache line (64 - 8 = 56) //nolint:unused
}

// newLoopState creates a new state machine in the Idle state.
func newLoopState() *loopState {
	s := &loopState{}
	s.v.Store(uint64(StateIdle))
	return s
}

// Load returns the current state atomically.
func (s *loopState) Load() LoopState {
	return LoopState(s.v.Load())
}

// Store atomically stores a new state.
func (s *loopState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *loopState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsTerminal returns true if the current state is terminal (Terminated).
func (s *loopState) IsTerminal() bool {
	return s.Load() == StateTerminated
}

// CanAcceptWork returns true if the loop can accept new callbacks.
func (s *loopState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateIdle || state == StateRunning || state == StatePolling
}
