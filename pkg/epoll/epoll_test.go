// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package epoll

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(32)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

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

// waitFor polls until an event for the given token arrives or attempts run
// out.
func waitFor(t *testing.T, r *Registry, token int32) Event {
	t.Helper()
	for i := 0; i < 20; i++ {
		events, err := r.Wait(100)
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		for _, ev := range events {
			if ev.Token == token {
				return ev
			}
		}
	}
	t.Fatalf("no event for token %d", token)
	return Event{}
}

func TestRegistry_ReadableEvent(t *testing.T) {
	r := newRegistry(t)
	a, z := socketPair(t)

	if err := r.Register(a, Readable, 7); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := unix.Write(z, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitFor(t, r, 7)
	if ev.Flags&FlagReadable == 0 {
		t.Fatalf("event flags = %v, want readable", ev.Flags)
	}
}

func TestRegistry_WaitTimeout(t *testing.T) {
	r := newRegistry(t)
	a, _ := socketPair(t)

	if err := r.Register(a, Readable, 1); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	events, err := r.Wait(10)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("Wait() returned %d events, want 0", len(events))
	}
}

func TestRegistry_ModifyToWritable(t *testing.T) {
	r := newRegistry(t)
	a, _ := socketPair(t)

	if err := r.Register(a, Readable, 3); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Modify(a, Writable, 3); err != nil {
		t.Fatalf("Modify() error = %v", err)
	}

	// An idle stream socket is immediately writable.
	ev := waitFor(t, r, 3)
	if ev.Flags&FlagWritable == 0 {
		t.Fatalf("event flags = %v, want writable", ev.Flags)
	}
}

func TestRegistry_PeerClose(t *testing.T) {
	r := newRegistry(t)
	a, z := socketPair(t)

	if err := r.Register(a, Readable, 9); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	unix.Close(z)

	ev := waitFor(t, r, 9)
	if ev.Flags&(FlagPeerClosed|FlagHangUp|FlagReadable) == 0 {
		t.Fatalf("event flags = %v, want peer-close indication", ev.Flags)
	}
}

func TestRegistry_UnregisterTolerant(t *testing.T) {
	r := newRegistry(t)
	a, _ := socketPair(t)

	if err := r.Register(a, Readable, 1); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Unregister(a); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	// Second removal of the same fd must not be an error.
	if err := r.Unregister(a); err != nil {
		t.Fatalf("repeated Unregister() error = %v", err)
	}
}

func TestRegistry_ListenerToken(t *testing.T) {
	r := newRegistry(t)
	a, z := socketPair(t)

	if err := r.Register(a, Readable, ListenerToken); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := unix.Write(z, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitFor(t, r, ListenerToken)
	if ev.Token != ListenerToken {
		t.Fatalf("token = %d, want %d", ev.Token, ListenerToken)
	}
}
