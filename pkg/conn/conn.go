// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package conn holds the per-socket connection record, its state machine,
// and the fixed-capacity pool the records live in. Records are addressed by
// slot ID; the peer link is a slot ID rather than a pointer, so closing one
// side can null both links without leaving a cycle.
package conn

import (
	"time"

	"github.com/Brownie44l1/epoll-proxy/pkg/buffer"
	httpparser "github.com/Brownie44l1/epoll-proxy/pkg/parser/http"
)

// ID addresses a pool slot. None means unpaired.
type ID = int32

// None is the absent peer ID.
const None ID = -1

// Role distinguishes the two ends of a proxied pair.
type Role int

const (
	RoleClient Role = iota
	RoleBackend
)

// String returns a string representation of the role.
func (r Role) String() string {
	if r == RoleBackend {
		return "backend"
	}
	return "client"
}

// State is a connection's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateReadingRequest
	StateRequestComplete
	StateWritingResponse
	StateClosing
)

var stateNames = [...]string{
	StateClosed:          "closed",
	StateConnecting:      "connecting",
	StateConnected:       "connected",
	StateReadingRequest:  "reading_request",
	StateRequestComplete: "request_complete",
	StateWritingResponse: "writing_response",
	StateClosing:         "closing",
}

// String returns a string representation of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var baseTime = time.Now()

// NowMillis returns a monotonic timestamp in milliseconds.
func NowMillis() int64 {
	return time.Since(baseTime).Milliseconds()
}

// Conn is one pool slot: an owned descriptor plus the forwarding state
// around it. All mutation happens on the event-loop thread.
type Conn struct {
	id    ID
	inUse bool

	FD    int
	Role  Role
	State State
	Peer  ID

	ReadBuf  *buffer.Buffer
	WriteBuf *buffer.Buffer

	// LastActive is a monotonic millisecond timestamp updated on every
	// successful read or write, consulted by the idle sweep.
	LastActive int64

	// DialStarted marks when an asynchronous connect began, for the
	// connect-timeout sweep. Zero outside StateConnecting.
	DialStarted int64

	// HTTP-mode fields. Request is nil on backends and in TCP mode.
	Request         *httpparser.Request
	KeepAlive       bool
	RequestsHandled uint32

	SessionID  string
	RemoteAddr string
}

// ID returns the slot ID.
func (c *Conn) ID() ID { return c.id }

// InUse reports whether the slot is allocated.
func (c *Conn) InUse() bool { return c.inUse }

// Touch records activity now.
func (c *Conn) Touch() { c.LastActive = NowMillis() }

// Alive reports whether the connection participates in forwarding.
func (c *Conn) Alive() bool {
	return c.inUse && c.State != StateClosed && c.State != StateClosing
}

// WantsRead decides whether the event loop should keep Readable interest on
// this connection. Reading is wanted in Connected and ReadingRequest, and
// only while the peer's write buffer has room; an HTTP client still awaiting
// its request head has no peer and reads for itself. This predicate is the
// whole backpressure mechanism: dropping Readable lets the kernel receive
// window fill and slow the remote sender.
func (c *Conn) WantsRead(peer *Conn) bool {
	switch c.State {
	case StateConnected, StateReadingRequest:
	default:
		return false
	}
	if peer == nil {
		return c.State == StateReadingRequest && c.Peer == None
	}
	return !peer.WriteBuf.IsFull()
}

// WantsWrite decides whether the event loop should keep Writable interest:
// either an asynchronous connect is pending completion or there are bytes
// queued to drain.
func (c *Conn) WantsWrite() bool {
	return c.State == StateConnecting || !c.WriteBuf.IsEmpty()
}

// reset returns the slot to its pristine state.
func (c *Conn) reset() {
	c.FD = -1
	c.Role = RoleClient
	c.State = StateClosed
	c.Peer = None
	c.ReadBuf.Clear()
	c.WriteBuf.Clear()
	c.LastActive = 0
	c.DialStarted = 0
	c.Request = nil
	c.KeepAlive = false
	c.RequestsHandled = 0
	c.SessionID = ""
	c.RemoteAddr = ""
}
