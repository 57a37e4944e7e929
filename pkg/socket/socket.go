// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package socket provides the non-blocking IPv4 TCP primitives the event
// loop is built on: listener setup, asynchronous backend dialing, and the
// accept path. Every descriptor returned by this package is already
// non-blocking and close-on-exec.
package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// DialStatus reports the outcome of an asynchronous connect.
type DialStatus int

const (
	// Connected means connect completed synchronously (rare fast path).
	Connected DialStatus = iota

	// Connecting means connect is in progress; readiness for write on the
	// socket signals completion, SO_ERROR carries the result.
	Connecting
)

// ParseIPv4 resolves a dotted-quad address into its 4-byte form.
func ParseIPv4(addr string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(addr)
	if ip == nil {
		return out, fmt.Errorf("invalid address %q", addr)
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("address %q is not IPv4", addr)
	}
	copy(out[:], v4)
	return out, nil
}

// newSocket creates a non-blocking TCP socket and applies the common option
// set in a fixed order: SO_REUSEADDR, SO_REUSEPORT (best effort),
// SO_KEEPALIVE, TCP_NODELAY.
func newSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := ApplyOptions(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ApplyOptions sets the common socket options on fd. SO_REUSEPORT is not
// available everywhere, so its failure is ignored.
func ApplyOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("setsockopt SO_KEEPALIVE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}
	return nil
}

// Listen creates a listening socket bound to addr:port. The listener is
// additionally configured with TCP_DEFER_ACCEPT so the loop is only woken
// once data arrives on a new connection.
func Listen(addr string, port int, backlog int) (int, error) {
	ip, err := ParseIPv4(addr)
	if err != nil {
		return -1, err
	}
	fd, err := newSocket()
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s:%d: %w", addr, port, err)
	}
	return fd, nil
}

// BoundPort returns the local port fd is bound to. Useful when binding to
// port 0.
func BoundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("unexpected sockaddr family")
	}
	return sa4.Port, nil
}

// Dial initiates a non-blocking connect to addr:port. With a non-blocking
// socket, connect either completes immediately or reports in-progress; any
// other result is a failure and no descriptor is returned.
func Dial(addr string, port int) (int, DialStatus, error) {
	ip, err := ParseIPv4(addr)
	if err != nil {
		return -1, 0, err
	}
	fd, err := newSocket()
	if err != nil {
		return -1, 0, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		return fd, Connected, nil
	case unix.EINPROGRESS:
		return fd, Connecting, nil
	default:
		unix.Close(fd)
		return -1, 0, fmt.Errorf("connect %s:%d: %w", addr, port, err)
	}
}

// Accept accepts one pending connection on the listener. The accepted
// descriptor is non-blocking with the common options applied. unix.EAGAIN is
// returned unchanged when the queue is drained.
func Accept(listenFd int) (int, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	if err := ApplyOptions(fd); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, sa, nil
}

// SockaddrString renders an accepted peer address for logging.
func SockaddrString(sa unix.Sockaddr) string {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d", sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3], sa4.Port)
	}
	return "unknown"
}

// SockaddrIP returns just the address part of an accepted peer, used as the
// rate-limiting key.
func SockaddrIP(sa unix.Sockaddr) string {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d", sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
	}
	return "unknown"
}

// SoError reads and clears the pending error on a socket. A zero return
// means an asynchronous connect completed successfully.
func SoError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// Close releases a descriptor, tolerating already-closed fds.
func Close(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}
