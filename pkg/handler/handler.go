// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	httpparser "github.com/Brownie44l1/epoll-proxy/pkg/parser/http"
)

// Context carries per-session metadata into lifecycle hooks.
type Context struct {
	// SessionID is a unique identifier for this client connection.
	SessionID string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// Mode is the proxy mode handling the session (tcp, http).
	Mode string

	// RequestsHandled counts requests completed on this session so far.
	RequestsHandled uint32
}

// Handler defines lifecycle callbacks invoked by the forwarding engine.
//
// Hooks run on the event-loop thread and must not block: no I/O, no lock
// waits, no sleeps. A slow hook stalls every connection the proxy carries.
//
// OnAccept and OnRequest may veto by returning an error: a vetoed accept is
// closed immediately, a vetoed request is answered 400 and the connection
// closed after the flush. Errors from notification hooks are logged and
// otherwise ignored.
type Handler interface {
	// OnAccept is called after a client connection is accepted and its slot
	// allocated, before any backend resource is committed.
	OnAccept(ctx context.Context, hctx *Context) error

	// OnRequest is called in HTTP mode when a complete, valid request head
	// has been parsed, before the backend dial.
	OnRequest(ctx context.Context, hctx *Context, req *httpparser.Request) error

	// OnForward is called after each forwarded chunk with the byte count.
	OnForward(ctx context.Context, hctx *Context, bytes int) error

	// OnDisconnect is called when the client connection is released.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows everything and
// records nothing. Useful as a default and in tests.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) OnAccept(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnRequest(ctx context.Context, hctx *Context, req *httpparser.Request) error {
	return nil
}

func (h *NoopHandler) OnForward(ctx context.Context, hctx *Context, bytes int) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
