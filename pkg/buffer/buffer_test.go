// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package buffer

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

// socketPair returns two connected non-blocking stream sockets.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestBuffer_AppendAndDiscard(t *testing.T) {
	b := New(16)

	if !b.IsEmpty() {
		t.Fatal("new buffer should be empty")
	}
	if n := b.Append([]byte("hello")); n != 5 {
		t.Fatalf("Append() = %d, want 5", n)
	}
	if b.Len() != 5 || b.Free() != 11 {
		t.Fatalf("Len/Free = %d/%d, want 5/11", b.Len(), b.Free())
	}

	b.Discard(2)
	if got := string(b.Bytes()); got != "llo" {
		t.Fatalf("Bytes() = %q, want %q", got, "llo")
	}

	// Draining the rest must reset both cursors.
	b.Discard(3)
	if !b.IsEmpty() {
		t.Fatal("buffer should be empty after full discard")
	}
	if b.Free() != 16 {
		t.Fatalf("Free() = %d after reset, want 16", b.Free())
	}
}

func TestBuffer_AppendTruncatesAtCapacity(t *testing.T) {
	b := New(4)
	if n := b.Append([]byte("hello")); n != 4 {
		t.Fatalf("Append() = %d, want 4", n)
	}
	if !b.IsFull() {
		t.Fatal("buffer should be full")
	}
	if n := b.Append([]byte("x")); n != 0 {
		t.Fatalf("Append() on full buffer = %d, want 0", n)
	}
}

func TestBuffer_Compact(t *testing.T) {
	b := New(8)
	b.Append([]byte("abcdef"))
	b.Discard(4)

	b.Compact()
	if got := string(b.Bytes()); got != "ef" {
		t.Fatalf("Bytes() after compact = %q, want %q", got, "ef")
	}
	if b.Free() != 6 {
		t.Fatalf("Free() after compact = %d, want 6", b.Free())
	}

	// Compacting an already-compacted buffer changes nothing.
	b.Compact()
	if got := string(b.Bytes()); got != "ef" {
		t.Fatalf("Bytes() after second compact = %q, want %q", got, "ef")
	}
}

func TestBuffer_ReadFrom(t *testing.T) {
	a, z := socketPair(t)

	b := New(64)
	if _, err := b.ReadFrom(a); err != ErrWouldBlock {
		t.Fatalf("ReadFrom on empty socket: err = %v, want ErrWouldBlock", err)
	}

	if _, err := unix.Write(z, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := b.ReadFrom(a)
	if err != nil || n != 4 {
		t.Fatalf("ReadFrom() = %d, %v; want 4, nil", n, err)
	}
	if !bytes.Equal(b.Bytes(), []byte("ping")) {
		t.Fatalf("Bytes() = %q, want %q", b.Bytes(), "ping")
	}

	unix.Close(z)
	if _, err := b.ReadFrom(a); err != io.EOF {
		t.Fatalf("ReadFrom after peer close: err = %v, want io.EOF", err)
	}
}

func TestBuffer_ReadFrom_NoSpace(t *testing.T) {
	a, z := socketPair(t)
	if _, err := unix.Write(z, []byte("xy")); err != nil {
		t.Fatalf("write: %v", err)
	}

	b := New(2)
	if _, err := b.ReadFrom(a); err != nil {
		t.Fatalf("first ReadFrom: %v", err)
	}
	if _, err := b.ReadFrom(a); err != ErrNoSpace {
		t.Fatalf("ReadFrom on full buffer: err = %v, want ErrNoSpace", err)
	}
}

func TestBuffer_WriteTo_DrainsAndResets(t *testing.T) {
	a, z := socketPair(t)

	b := New(64)
	b.Append([]byte("response"))
	n, err := b.WriteTo(a)
	if err != nil || n != 8 {
		t.Fatalf("WriteTo() = %d, %v; want 8, nil", n, err)
	}
	if !b.IsEmpty() || b.Free() != 64 {
		t.Fatal("full drain must reset both cursors")
	}

	got := make([]byte, 8)
	if _, err := unix.Read(z, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "response" {
		t.Fatalf("peer received %q, want %q", got, "response")
	}
}

func TestBuffer_WriteTo_WouldBlock(t *testing.T) {
	a, _ := socketPair(t)

	// Nobody reads the peer end; the socket buffer must eventually fill.
	b := New(4096)
	payload := make([]byte, 4096)
	blocked := false
	for i := 0; i < 10000; i++ {
		b.Clear()
		b.Append(payload)
		if _, err := b.WriteTo(a); err == ErrWouldBlock {
			blocked = true
			break
		} else if err != nil {
			t.Fatalf("WriteTo: %v", err)
		}
	}
	if !blocked {
		t.Fatal("WriteTo never reported ErrWouldBlock on a full socket")
	}
}

func TestBuffer_Clear(t *testing.T) {
	b := New(8)
	b.Append([]byte("abc"))
	b.Discard(1)
	b.Clear()
	if !b.IsEmpty() || b.Free() != 8 {
		t.Fatal("Clear must reset both cursors")
	}
}
