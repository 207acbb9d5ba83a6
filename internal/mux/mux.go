// Package mux implements the single-threaded connection multiplexer: the
// subsystem the original source calls sockets-handler.c/.h. One goroutine
// blocks in poll(2) over every registered descriptor; readiness is
// dispatched to a per-descriptor callback with the raw readiness mask, and
// callers mutate interest from any goroutine through a registration map
// guarded by a mutex. A self-pipe wakes the blocked poll call whenever that
// map changes between poll returns.
package mux

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/relaycache/relay/contrib/log"
)

// Callback receives a descriptor and the poll readiness bits that fired
// (unix.POLLIN, unix.POLLOUT, unix.POLLHUP, unix.POLLERR, ...). It must
// not block — the multiplexer is single-threaded and services every
// connection from this one call.
type Callback func(fd int, revents int16)

// AcceptFunc is invoked when the listening socket becomes readable. The
// callback is responsible for calling accept(2) itself (in a loop, until
// EAGAIN) and registering whatever connections it accepts.
type AcceptFunc func()

type registration struct {
	fd       int
	interest int16
	cb       Callback
}

// Mux is a poll(2)-based event multiplexer. The zero value is not usable;
// use New.
type Mux struct {
	log *log.Helper

	listenerFd int
	onAccept   AcceptFunc

	pipeR int
	pipeW int

	mu      sync.Mutex
	regs    map[int]*registration
	changed bool

	closing bool
}

// New creates a multiplexer that will watch listenerFd for incoming
// connections (dispatched to onAccept) alongside whatever descriptors are
// later registered with Add. listenerFd and the internally created
// self-pipe occupy the multiplexer's first two slots and never reach user
// callbacks.
func New(logger log.Logger, listenerFd int, onAccept AcceptFunc) (*Mux, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK); err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(listenerFd, true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	return &Mux{
		log:        log.NewHelper(logger),
		listenerFd: listenerFd,
		onAccept:   onAccept,
		pipeR:      fds[0],
		pipeW:      fds[1],
		regs:       make(map[int]*registration),
	}, nil
}

// Add registers fd with no interest bits set. The caller must follow up
// with EnableIn/EnableOut/EnableIO to receive any callbacks.
func (m *Mux) Add(fd int, cb Callback) {
	_ = unix.SetNonblock(fd, true)

	m.mu.Lock()
	m.regs[fd] = &registration{fd: fd, cb: cb}
	m.changed = true
	m.mu.Unlock()

	m.wake()
}

// Remove unlinks fd from the registration set and closes it. Safe to call
// from the callback owning fd or from any other goroutine.
func (m *Mux) Remove(fd int) {
	m.mu.Lock()
	delete(m.regs, fd)
	m.changed = true
	m.mu.Unlock()

	unix.Close(fd)
	m.wake()
}

// EnableIn arms read readiness for fd.
func (m *Mux) EnableIn(fd int) { m.setInterest(fd, unix.POLLIN, true) }

// EnableOut arms write readiness for fd.
func (m *Mux) EnableOut(fd int) { m.setInterest(fd, unix.POLLOUT, true) }

// EnableIO arms both read and write readiness for fd.
func (m *Mux) EnableIO(fd int) { m.setInterest(fd, unix.POLLIN|unix.POLLOUT, true) }

// CancelIn disarms read readiness for fd.
func (m *Mux) CancelIn(fd int) { m.setInterest(fd, unix.POLLIN, false) }

// CancelOut disarms write readiness for fd.
func (m *Mux) CancelOut(fd int) { m.setInterest(fd, unix.POLLOUT, false) }

// CancelIO disarms both read and write readiness for fd.
func (m *Mux) CancelIO(fd int) { m.setInterest(fd, unix.POLLIN|unix.POLLOUT, false) }

func (m *Mux) setInterest(fd int, bits int16, enable bool) {
	m.mu.Lock()
	r, ok := m.regs[fd]
	if !ok {
		m.mu.Unlock()
		return
	}
	if enable {
		r.interest |= bits
	} else {
		r.interest &^= bits
	}
	m.changed = true
	m.mu.Unlock()

	m.wake()
}

func (m *Mux) wake() {
	var b [1]byte
	_, err := unix.Write(m.pipeW, b[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		m.log.Errorf("mux: wake write failed: %v", err)
	}
}

// snapshot rebuilds the pollfd slice from the current registration map.
// Called only from the poll loop goroutine.
func (m *Mux) snapshot() []unix.PollFd {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.changed = false

	pfds := make([]unix.PollFd, 0, len(m.regs)+2)
	pfds = append(pfds, unix.PollFd{Fd: int32(m.listenerFd), Events: unix.POLLIN})
	pfds = append(pfds, unix.PollFd{Fd: int32(m.pipeR), Events: unix.POLLIN})
	for _, r := range m.regs {
		if r.interest == 0 {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(r.fd), Events: r.interest})
	}
	return pfds
}

func (m *Mux) lookup(fd int) (Callback, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[fd]
	if !ok {
		return nil, false
	}
	return r.cb, true
}

func (m *Mux) drainPipe() {
	var buf [64]byte
	for {
		_, err := unix.Read(m.pipeR, buf[:])
		if err != nil {
			return
		}
	}
}

// Run blocks, servicing readiness events until Shutdown is called or an
// unrecoverable poll error occurs.
func (m *Mux) Run() error {
	pfds := m.snapshot()

	for {
		n, err := unix.Poll(pfds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		if n > 0 {
			m.dispatch(pfds)
		}

		m.mu.Lock()
		closing := m.closing
		changed := m.changed
		m.mu.Unlock()

		if closing {
			m.shutdownHangups()
			return nil
		}
		if changed {
			pfds = m.snapshot()
		}
	}
}

func (m *Mux) dispatch(pfds []unix.PollFd) {
	for i := range pfds {
		revents := pfds[i].Revents
		if revents == 0 {
			continue
		}
		fd := int(pfds[i].Fd)

		switch fd {
		case m.listenerFd:
			m.onAccept()
		case m.pipeR:
			m.drainPipe()
		default:
			if cb, ok := m.lookup(fd); ok {
				cb(fd, revents)
			}
		}
	}
}

// shutdownHangups delivers a final hangup callback to every still-
// registered descriptor, then closes the self-pipe. Called only from
// Run's own goroutine once it observes the closing flag, so every
// callback invocation — including this last round of hangups — stays on
// the single poll thread the spec requires; nothing here can race a
// dispatch that is still in flight.
func (m *Mux) shutdownHangups() {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.regs))
	for _, r := range m.regs {
		regs = append(regs, r)
	}
	m.regs = make(map[int]*registration)
	m.mu.Unlock()

	for _, r := range regs {
		r.cb(r.fd, unix.POLLHUP)
	}

	unix.Close(m.pipeR)
	unix.Close(m.pipeW)
}

// Shutdown asks Run to stop after its current poll cycle: it flags
// closing and wakes the self-pipe so a blocked poll(2) call returns
// promptly. It does not run the hangup fan-out itself — that happens on
// Run's goroutine (see shutdownHangups) once it observes the flag, so a
// descriptor's callback is never invoked concurrently from both
// Shutdown's caller and an in-flight dispatch.
func (m *Mux) Shutdown() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	m.wake()
}

// Len reports the number of descriptors currently registered (excluding
// the listener and self-pipe) — used by metrics.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}
