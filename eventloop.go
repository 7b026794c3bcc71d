// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relayproxy

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness kinds the loop is asked to watch for on
// a given fd (spec's GLOSSARY: "interest mask"), expressed as a small sum
// type rather than raw integer flags per spec §9's re-architecture note —
// though it is still backed by the epoll bitmask values so Add/Modify can
// hand it straight to epoll_ctl.
type Interest uint32

const (
	None      Interest = 0
	Readable  Interest = unix.EPOLLIN
	Writable  Interest = unix.EPOLLOUT
	ReadWrite          = Readable | Writable
)

// Handler is invoked when its registered fd becomes ready. Returning a
// non-zero error propagates out of Run and terminates the loop (spec
// §4.4): only the listener's own handler and the poll primitive itself are
// expected to ever do this; per-connection handlers translate their own
// errors into pair teardown and return nil.
type Handler interface {
	HandleEvent(fd int, ready Interest) error
}

type entry struct {
	fd       int
	interest Interest
	handler  Handler
}

// Loop is the readiness-based multiplexer of spec §4.4: a fixed-capacity
// table of (fd, interest, handler) entries driven by epoll_wait, with
// add/modify/remove/run/teardown operations. The table is addressed by a
// small fd->slot index for O(1) dispatch; entries themselves preserve the
// spec's "vacant iff fd == -1" and high-water-mark invariants.
type Loop struct {
	epfd     int
	entries  [maxEvents]entry
	fdIndex  map[int]int
	highWater int
	count    int
	running  int32
}

// NewLoop creates an epoll instance and an empty event table.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	l := &Loop{epfd: epfd, fdIndex: make(map[int]int, maxEvents)}
	for i := range l.entries {
		l.entries[i].fd = -1
	}
	atomic.StoreInt32(&l.running, 1)
	return l, nil
}

// Add registers fd for the given interest, invoking h on readiness.
// Rejects duplicate fds and a full table (spec §4.4).
func (l *Loop) Add(fd int, interest Interest, h Handler) error {
	if _, exists := l.fdIndex[fd]; exists {
		return ErrInvalidArgument
	}
	if l.count >= maxEvents {
		return ErrCapacity
	}
	slot := -1
	for i := 0; i < l.highWater; i++ {
		if l.entries[i].fd == -1 {
			slot = i
			break
		}
	}
	if slot == -1 {
		slot = l.highWater
		l.highWater++
	}
	ev := unix.EpollEvent{Events: uint32(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	l.entries[slot] = entry{fd: fd, interest: interest, handler: h}
	l.fdIndex[fd] = slot
	l.count++
	return nil
}

// Modify updates the interest mask for an already-registered fd. Any
// readiness already observed for fd in the in-progress Run iteration is
// implicitly stale after this call returns, satisfying spec §4.4's
// "clears pending readiness bits so the current iteration does not
// re-dispatch based on stale state" — Run always re-reads l.entries[slot]
// and masks the observed readiness with its current interest before
// invoking a handler, so a Modify from within a callback is seen by the
// very next dispatch, including within the same scan.
func (l *Loop) Modify(fd int, interest Interest) error {
	slot, ok := l.fdIndex[fd]
	if !ok {
		return ErrInvalidArgument
	}
	ev := unix.EpollEvent{Events: uint32(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	l.entries[slot].interest = interest
	return nil
}

// Remove vacates fd's slot and drops the kernel-side registration. It is
// idempotent: removing an fd that is not registered is a no-op, which is
// what lets the same handler be detached twice (once per leg) without
// special-casing at the call site (spec §4.4).
func (l *Loop) Remove(fd int) error {
	slot, ok := l.fdIndex[fd]
	if !ok {
		return nil
	}
	delete(l.fdIndex, fd)
	l.entries[slot] = entry{fd: -1}
	l.count--
	for l.highWater > 0 && l.entries[l.highWater-1].fd == -1 {
		l.highWater--
	}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Stop clears the run flag; Run exits at its next iteration boundary
// (spec §5: "a volatile run flag set by a signal handler").
func (l *Loop) Stop() {
	atomic.StoreInt32(&l.running, 0)
}

// Run loops, waiting for readiness and dispatching to each ready entry's
// handler, until Stop is called or a handler/poll error propagates out.
// timeout bounds each individual epoll_wait call; zero blocks indefinitely
// between wakes (spec §5).
func (l *Loop) Run(timeout time.Duration) error {
	msTimeout := -1
	if timeout > 0 {
		msTimeout = int(timeout / time.Millisecond)
		if msTimeout <= 0 {
			msTimeout = 1
		}
	}
	events := make([]unix.EpollEvent, maxEvents)
	for atomic.LoadInt32(&l.running) == 1 {
		n, err := unix.EpollWait(l.epfd, events, msTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			slot, ok := l.fdIndex[fd]
			if !ok {
				continue
			}
			e := l.entries[slot]
			if e.fd == -1 || e.fd != fd {
				continue
			}
			ready := Interest(events[i].Events) & (e.interest | Interest(unix.EPOLLHUP|unix.EPOLLERR))
			if ready == 0 {
				continue
			}
			if err := e.handler.HandleEvent(fd, ready); err != nil {
				return err
			}
		}
	}
	return nil
}

// Teardown closes every live entry's fd and, if cleanup is non-nil, applies
// it to that entry's handler, then empties the table. cleanup may be
// invoked more than once for the same handler instance (a connection
// pair's two legs each hold a reference to it); handlers must tolerate
// that (spec §4.4).
func (l *Loop) Teardown(cleanup func(Handler)) {
	for i := 0; i < l.highWater; i++ {
		e := l.entries[i]
		if e.fd == -1 {
			continue
		}
		unix.Close(e.fd)
		if cleanup != nil {
			cleanup(e.handler)
		}
		l.entries[i] = entry{fd: -1}
	}
	l.fdIndex = make(map[int]int)
	l.count = 0
	l.highWater = 0
	unix.Close(l.epfd)
}
