// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package epoll wraps the kernel's edge-triggered readiness mechanism behind
// a small registry. Registrations carry an opaque token that the event loop
// resolves back to a connection slot; the listener uses a distinguished
// token.
//
// The edge-triggered contract is strict: a Readable event obliges the
// handler to read until the socket would block, a Writable event to write
// until the outbound buffer is empty or the socket would block. An undrained
// socket produces no further edges until the peer acts again.
package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ListenerToken marks events that belong to the listening socket rather than
// a connection slot.
const ListenerToken int32 = -1

// Interest is the subset of readiness conditions a registration asks for.
// Error and peer-close conditions are always delivered.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

// Flags describes the conditions reported with a ready event.
type Flags uint32

const (
	FlagReadable Flags = 1 << iota
	FlagWritable
	FlagPeerClosed
	FlagHangUp
	FlagError
)

// Event is one readiness notification.
type Event struct {
	Token int32
	Flags Flags
}

// Registry owns the epoll descriptor and the reusable event buffers.
type Registry struct {
	fd     int
	events []unix.EpollEvent
	ready  []Event
}

// New creates the epoll instance sized for maxEvents per wait.
func New(maxEvents int) (*Registry, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Registry{
		fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, maxEvents),
	}, nil
}

func mask(interest Interest) uint32 {
	m := uint32(unix.EPOLLET) | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	if interest&Readable != 0 {
		m |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

// Register adds fd with the given interest. The token is returned verbatim
// with every event for this fd.
func (r *Registry) Register(fd int, interest Interest, token int32) error {
	ev := unix.EpollEvent{Events: mask(interest), Fd: token}
	if err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Modify replaces the interest set for an already-registered fd. It must be
// called every time the interest changes; edge-triggered registrations do
// not re-arm themselves.
func (r *Registry) Modify(fd int, interest Interest, token int32) error {
	ev := unix.EpollEvent{Events: mask(interest), Fd: token}
	if err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the interest list. Already-removed or
// already-closed descriptors are not an error; the fd is gone either way.
func (r *Registry) Unregister(fd int) error {
	err := unix.EpollCtl(r.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks up to timeoutMs for readiness. It may return zero events on
// timeout. Interruption by a signal is not an error and reports no events.
// The returned slice is reused by the next Wait.
func (r *Registry) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(r.fd, r.events, timeoutMs)
	if err == unix.EINTR {
		return r.ready[:0], nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := &r.events[i]
		var f Flags
		if ev.Events&unix.EPOLLIN != 0 {
			f |= FlagReadable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			f |= FlagWritable
		}
		if ev.Events&unix.EPOLLRDHUP != 0 {
			f |= FlagPeerClosed
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			f |= FlagHangUp
		}
		if ev.Events&unix.EPOLLERR != 0 {
			f |= FlagError
		}
		r.ready[i] = Event{Token: ev.Fd, Flags: f}
	}
	return r.ready[:n], nil
}

// Close releases the epoll descriptor.
func (r *Registry) Close() error {
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}
