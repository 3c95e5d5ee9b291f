//go:build !linux

package phaseloop

import (
	"sync/atomic"
	"time"
)

// chanPoller is the portable fallback waiter: suspension and wake-up via a
// signal channel, no FD readiness support.
type chanPoller struct {
	wakeCh  chan struct{}
	closeCh chan struct{}
	closed  atomic.Bool
}

func newPoller() (poller, error) {
	return &chanPoller{
		wakeCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}, nil
}

func (p *chanPoller) wake() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	select {
	case p.wakeCh <- struct{}{}:
	default: // Wake already pending
	}
	return nil
}

func (p *chanPoller) wait(timeout time.Duration) ([]ioEvent, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}
	if timeout <= 0 {
		// Non-blocking: consume a pending wake, if any.
		select {
		case <-p.wakeCh:
		default:
		}
		return nil, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.wakeCh:
	case <-timer.C:
	case <-p.closeCh:
		return nil, ErrPollerClosed
	}
	return nil, nil
}

func (p *chanPoller) registerFD(int, IOEvents, IOCallback) error { return ErrPollerUnsupported }
func (p *chanPoller) unregisterFD(int) error                     { return ErrPollerUnsupported }
func (p *chanPoller) modifyFD(int, IOEvents) error               { return ErrPollerUnsupported }
func (p *chanPoller) registeredFDs() int                         { return 0 }

func (p *chanPoller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPollerClosed
	}
	close(p.closeCh)
	return nil
}
