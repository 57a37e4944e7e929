// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package buffer provides the fixed-capacity byte window used on both sides
// of a proxied connection. Data is appended at the tail and drained from the
// head; when a drain empties the buffer both cursors snap back to zero, which
// is the primary space-reclamation path under edge-triggered I/O.
package buffer

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a non-blocking socket has no data to
	// read or no room to accept a write.
	ErrWouldBlock = errors.New("operation would block")

	// ErrNoSpace is returned by ReadFrom when the writable tail is empty.
	// The caller must compact or apply backpressure before retrying.
	ErrNoSpace = errors.New("buffer has no writable space")
)

// Buffer is a linear byte window over a fixed allocation.
// Readable span is [head, tail); writable tail is [tail, cap).
type Buffer struct {
	data []byte
	head int
	tail int
}

// New creates a buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of readable bytes.
func (b *Buffer) Len() int { return b.tail - b.head }

// Free returns the number of writable bytes at the tail.
func (b *Buffer) Free() int { return len(b.data) - b.tail }

// IsEmpty reports whether there is nothing to drain.
func (b *Buffer) IsEmpty() bool { return b.head == b.tail }

// IsFull reports whether the writable tail is exhausted.
func (b *Buffer) IsFull() bool { return b.tail == len(b.data) }

// Clear resets both cursors without touching the allocation.
func (b *Buffer) Clear() {
	b.head = 0
	b.tail = 0
}

// Bytes returns the readable span. The slice aliases the buffer and is only
// valid until the next mutation.
func (b *Buffer) Bytes() []byte { return b.data[b.head:b.tail] }

// Append copies as much of p as fits into the writable tail and returns the
// number of bytes copied.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.data[b.tail:], p)
	b.tail += n
	return n
}

// Discard advances the head past n drained bytes. A discard that empties the
// buffer resets both cursors.
func (b *Buffer) Discard(n int) {
	b.head += n
	if b.head >= b.tail {
		b.head = 0
		b.tail = 0
	}
}

// Compact moves the readable span to offset zero. No-op when head is already
// at zero.
func (b *Buffer) Compact() {
	if b.head == 0 {
		return
	}
	n := copy(b.data, b.data[b.head:b.tail])
	b.head = 0
	b.tail = n
}

// ReadFrom fills the writable tail from a non-blocking socket.
// It returns the number of bytes read. io.EOF signals that the peer closed,
// ErrWouldBlock that the socket is drained, ErrNoSpace that the tail is
// exhausted. Reads interrupted by a signal are retried.
func (b *Buffer) ReadFrom(fd int) (int, error) {
	if b.IsFull() {
		return 0, ErrNoSpace
	}
	for {
		n, err := unix.Read(fd, b.data[b.tail:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		b.tail += n
		return n, nil
	}
}

// WriteTo drains the readable span to a non-blocking socket. On a full drain
// both cursors reset to zero; a partial write only advances the head.
// ErrWouldBlock signals that the socket buffer is full.
func (b *Buffer) WriteTo(fd int) (int, error) {
	if b.IsEmpty() {
		return 0, nil
	}
	for {
		n, err := unix.Write(fd, b.data[b.head:b.tail])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err != nil {
			return 0, err
		}
		b.Discard(n)
		return n, nil
	}
}
