//go:build linux

package phaseloop

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
}

// epollPoller implements poller using epoll plus an eventfd for wake-up.
//
// Dispatch safety: callback pointers are copied under RLock and executed by
// the loop outside the lock, so UnregisterFD does not guarantee immediate
// cessation of in-flight callbacks. Callers must close FDs only after their
// callbacks have completed.
type epollPoller struct {
	eventBuf [128]unix.EpollEvent
	fired    []ioEvent
	fds      map[int]fdInfo
	fdMu     sync.RWMutex
	epfd     int
	wakeFD   int
	closed   atomic.Bool
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &epollPoller{
		epfd:   epfd,
		wakeFD: wakeFD,
		fds:    make(map[int]fdInfo),
	}, nil
}

func (p *epollPoller) wake() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFD, buf[:])
	// EAGAIN means the counter is already non-zero: a wake is pending.
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) wait(timeout time.Duration) ([]ioEvent, error) {
	if p.closed.Load() {
		return nil, ErrPollerClosed
	}

	ms := int(timeout.Milliseconds())
	// Ceiling rounding: if 0 < timeout < 1ms, round up to 1ms.
	if ms == 0 && timeout > 0 {
		ms = 1
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.fired = p.fired[:0]
	for i := 0; i < n; i++ {
		ev := &p.eventBuf[i]
		fd := int(ev.Fd)
		if fd == p.wakeFD {
			p.drainWake()
			continue
		}
		p.fdMu.RLock()
		info, ok := p.fds[fd]
		p.fdMu.RUnlock()
		if !ok {
			continue // Unregistered between wait and dispatch
		}
		p.fired = append(p.fired, ioEvent{cb: info.callback, events: epollToEvents(ev.Events)})
	}
	return p.fired, nil
}

// drainWake resets the eventfd counter.
func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) registerFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if _, ok := p.fds[fd]; ok {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events}
	p.fdMu.Unlock()

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
	if err != nil {
		p.fdMu.Lock()
		delete(p.fds, fd) // Rollback
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *epollPoller) unregisterFD(fd int) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	if _, ok := p.fds[fd]; !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.fdMu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) modifyFD(fd int, events IOEvents) error {
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.fdMu.Lock()
	info, ok := p.fds[fd]
	if !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	info.events = events
	p.fds[fd] = info
	p.fdMu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) registeredFDs() int {
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	return len(p.fds)
}

func (p *epollPoller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrPollerClosed
	}
	err := unix.Close(p.epfd)
	if cerr := unix.Close(p.wakeFD); err == nil {
		err = cerr
	}
	return err
}

// eventsToEpoll converts IOEvents to epoll event bits.
func eventsToEpoll(events IOEvents) uint32 {
	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	// EPOLLERR and EPOLLHUP are always reported; no need to request them.
	return ep
}

// epollToEvents converts epoll event bits to IOEvents.
func epollToEvents(ep uint32) IOEvents {
	var events IOEvents
	if ep&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ep&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ep&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
