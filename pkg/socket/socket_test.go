// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestParseIPv4(t *testing.T) {
	tests := []struct {
		addr    string
		want    [4]byte
		wantErr bool
	}{
		{"127.0.0.1", [4]byte{127, 0, 0, 1}, false},
		{"0.0.0.0", [4]byte{0, 0, 0, 0}, false},
		{"192.168.1.100", [4]byte{192, 168, 1, 100}, false},
		{"::1", [4]byte{}, true},
		{"not-an-ip", [4]byte{}, true},
		{"", [4]byte{}, true},
	}

	for _, tt := range tests {
		got, err := ParseIPv4(tt.addr)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseIPv4(%q) expected error", tt.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseIPv4(%q) error = %v", tt.addr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIPv4(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestListen_EphemeralPort(t *testing.T) {
	fd, err := Listen("127.0.0.1", 0, 16)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer Close(fd)

	port, err := BoundPort(fd)
	if err != nil {
		t.Fatalf("BoundPort() error = %v", err)
	}
	if port == 0 {
		t.Fatal("expected a non-zero ephemeral port")
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	if _, err := Listen("::1", 0, 16); err == nil {
		t.Fatal("expected error for non-IPv4 address")
	}
}

func TestDialAndAccept(t *testing.T) {
	lfd, err := Listen("127.0.0.1", 0, 16)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer Close(lfd)
	port, err := BoundPort(lfd)
	if err != nil {
		t.Fatalf("BoundPort() error = %v", err)
	}

	cfd, status, err := Dial("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer Close(cfd)
	if status != Connected && status != Connecting {
		t.Fatalf("Dial() status = %v", status)
	}

	// The accepted fd shows up once the handshake lands.
	var afd int
	var sa unix.Sockaddr
	deadline := time.Now().Add(2 * time.Second)
	for {
		afd, sa, err = Accept(lfd)
		if err == nil {
			break
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			t.Fatalf("Accept() error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Accept() never returned a connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer Close(afd)

	if ip := SockaddrIP(sa); ip != "127.0.0.1" {
		t.Errorf("SockaddrIP() = %q, want 127.0.0.1", ip)
	}

	// Once writable, the connect outcome is in SO_ERROR.
	if status == Connecting {
		deadline = time.Now().Add(2 * time.Second)
		for {
			if err := SoError(cfd); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("connect never completed")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestAccept_EmptyQueue(t *testing.T) {
	lfd, err := Listen("127.0.0.1", 0, 16)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer Close(lfd)

	if _, _, err := Accept(lfd); err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		t.Fatalf("Accept() on empty queue: err = %v, want EAGAIN", err)
	}
}

func TestDial_InvalidAddress(t *testing.T) {
	if _, _, err := Dial("bogus", 80); err == nil {
		t.Fatal("expected error for invalid address")
	}
}
