// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"testing"
)

func TestConn_WantsRead(t *testing.T) {
	p := newTestPool(4)
	c := p.Alloc()
	peer := p.Alloc()
	p.Pair(c, peer)

	c.State = StateConnected
	if !c.WantsRead(peer) {
		t.Fatal("connected conn with roomy peer should want to read")
	}

	// Backpressure: a full peer write buffer stops reading.
	for !peer.WriteBuf.IsFull() {
		peer.WriteBuf.Append(make([]byte, 64))
	}
	if c.WantsRead(peer) {
		t.Fatal("conn must not read while peer write buffer is full")
	}

	c.State = StateClosing
	if c.WantsRead(peer) {
		t.Fatal("closing conn must not read")
	}
}

func TestConn_WantsRead_AwaitingRequestHead(t *testing.T) {
	p := newTestPool(2)
	c := p.Alloc()
	c.State = StateReadingRequest

	// An HTTP client reading its own request has no peer yet.
	if !c.WantsRead(nil) {
		t.Fatal("client awaiting request head should want to read")
	}

	c.State = StateWritingResponse
	if c.WantsRead(nil) {
		t.Fatal("client writing a response should not want to read")
	}
}

func TestConn_WantsWrite(t *testing.T) {
	p := newTestPool(2)
	c := p.Alloc()

	c.State = StateConnecting
	if !c.WantsWrite() {
		t.Fatal("connecting conn must watch for writability")
	}

	c.State = StateConnected
	if c.WantsWrite() {
		t.Fatal("connected conn with empty write buffer should not want to write")
	}

	c.WriteBuf.Append([]byte("pending"))
	if !c.WantsWrite() {
		t.Fatal("conn with queued bytes must want to write")
	}
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		StateClosed:          "closed",
		StateConnecting:      "connecting",
		StateConnected:       "connected",
		StateReadingRequest:  "reading_request",
		StateRequestComplete: "request_complete",
		StateWritingResponse: "writing_response",
		StateClosing:         "closing",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestConn_Touch(t *testing.T) {
	p := newTestPool(2)
	c := p.Alloc()

	before := c.LastActive
	c.Touch()
	if c.LastActive < before {
		t.Fatal("Touch must not move time backwards")
	}
}
