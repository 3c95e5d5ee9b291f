package phaseloop

import (
	"errors"
	"time"
)

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOCallback is the callback type for I/O events. It executes in the Poll
// phase, on the loop goroutine, subject to the same drain rules as any
// other callback.
type IOCallback func(IOEvents)

// FD registration errors.
var (
	ErrFDOutOfRange        = errors.New("phaseloop: fd out of range")
	ErrFDAlreadyRegistered = errors.New("phaseloop: fd already registered")
	ErrFDNotRegistered     = errors.New("phaseloop: fd not registered")
	ErrPollerClosed        = errors.New("phaseloop: poller closed")
)

// ioEvent is a fired readiness event awaiting dispatch in the Poll phase.
type ioEvent struct {
	cb     IOCallback
	events IOEvents
}

// poller abstracts the Poll-phase wake-set: it blocks the loop until a
// timeout, an external wake, or (where supported) FD readiness. Linux uses
// epoll plus an eventfd; other platforms fall back to a channel-based waiter
// where suspension and wake-up work but registerFD returns
// ErrPollerUnsupported. Always call unregisterFD before closing a file
// descriptor to prevent stale event delivery due to FD recycling.
type poller interface {
	// wake interrupts a concurrent wait. Safe from any goroutine.
	wake() error
	// wait blocks for up to timeout and returns any fired FD events.
	// A zero timeout polls without blocking.
	wait(timeout time.Duration) ([]ioEvent, error)
	registerFD(fd int, events IOEvents, cb IOCallback) error
	unregisterFD(fd int) error
	modifyFD(fd int, events IOEvents) error
	// registeredFDs returns the number of active registrations; the loop
	// treats them as pending work for termination purposes.
	registeredFDs() int
	close() error
}
