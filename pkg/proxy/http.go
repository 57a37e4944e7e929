// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Brownie44l1/epoll-proxy/pkg/buffer"
	"github.com/Brownie44l1/epoll-proxy/pkg/conn"
	"github.com/Brownie44l1/epoll-proxy/pkg/parser"
)

// handleReadHTTP reads from an HTTP client. While awaiting a request head
// it feeds the parser after every read; while relaying an opaque chunked
// body it behaves like the transparent path. In any other state the data is
// left in the kernel until re-entry re-arms the interest.
func (p *Proxy) handleReadHTTP(ctx context.Context, client *conn.Conn) {
	if p.streamsChunkedBody(client) {
		p.relayChunkedBody(ctx, client)
		return
	}
	if client.State != conn.StateReadingRequest {
		return
	}

	for {
		n, err := client.ReadBuf.ReadFrom(client.FD)
		if n > 0 {
			client.Touch()
			p.stats.bytesReceived.Add(uint64(n))
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.BytesTransferred.WithLabelValues("in").Add(float64(n))
			}
			p.advanceRequest(ctx, client)
			if !client.InUse() || client.State != conn.StateReadingRequest {
				return
			}
			continue
		}

		switch err {
		case buffer.ErrWouldBlock:
			p.refreshInterest(client)
			return
		case buffer.ErrNoSpace:
			// The head cannot fit the buffer and the request is still
			// incomplete; it will never complete.
			p.stats.requestsError.Add(1)
			p.queueError(ctx, client, 413)
			return
		case io.EOF:
			p.closeConn(ctx, client)
			return
		default:
			if !quietError(err) {
				p.logger.Debug("client read error",
					slog.String("session", client.SessionID),
					slog.String("error", err.Error()))
			}
			p.stats.errors.Add(1)
			p.closeConn(ctx, client)
			return
		}
	}
}

// relayChunkedBody forwards client bytes to the backend transparently while
// a chunked request body is in flight.
func (p *Proxy) relayChunkedBody(ctx context.Context, client *conn.Conn) {
	for {
		n, err := client.ReadBuf.ReadFrom(client.FD)
		if n > 0 {
			client.Touch()
			p.stats.bytesReceived.Add(uint64(n))
			backend := p.pool.Peer(client)
			if backend == nil {
				break
			}
			p.forward(ctx, client, backend)
			continue
		}
		switch err {
		case buffer.ErrWouldBlock, buffer.ErrNoSpace:
		case io.EOF:
			p.closeConn(ctx, client)
			return
		default:
			p.stats.errors.Add(1)
			p.closeConn(ctx, client)
			return
		}
		break
	}

	p.refreshInterest(client)
	if backend := p.pool.Peer(client); backend != nil {
		p.refreshInterest(backend)
	}
}

// advanceRequest runs the parser over the buffered prefix and acts on the
// verdict: dispatch on a complete valid head, an error response otherwise.
func (p *Proxy) advanceRequest(ctx context.Context, client *conn.Conn) {
	switch client.Request.Parse(client.ReadBuf.Bytes()) {
	case parser.NeedMore:
		// A parsed head whose declared body busts the cap can be rejected
		// before the body ever arrives.
		if client.Request.HeadEnd > 0 && !client.Request.Valid() {
			p.stats.requestsError.Add(1)
			p.observeRequest(client, "invalid")
			p.queueError(ctx, client, 400)
			return
		}
		if int64(client.ReadBuf.Len()) > p.cfg.MaxRequestSize {
			p.stats.requestsError.Add(1)
			p.queueError(ctx, client, 413)
		}

	case parser.Invalid:
		p.stats.requestsError.Add(1)
		p.observeRequest(client, "invalid")
		p.queueError(ctx, client, 400)

	case parser.Complete:
		req := client.Request
		if !req.Valid() {
			p.stats.requestsError.Add(1)
			p.observeRequest(client, "invalid")
			p.queueError(ctx, client, 400)
			return
		}

		hctx := &p.hctx[client.ID()]
		hctx.RequestsHandled = client.RequestsHandled
		if err := p.cfg.Handler.OnRequest(ctx, hctx, req); err != nil {
			p.logger.Debug("request vetoed",
				slog.String("session", client.SessionID),
				slog.String("error", err.Error()))
			p.stats.requestsError.Add(1)
			p.queueError(ctx, client, 400)
			return
		}

		p.stats.requestsTotal.Add(1)
		switch req.Method {
		case parser.MethodGet:
			p.stats.requestsGet.Add(1)
		case parser.MethodPost:
			p.stats.requestsPost.Add(1)
		}
		p.observeRequest(client, "ok")

		client.State = conn.StateRequestComplete
		p.dispatchRequest(ctx, client)
	}
}

// dispatchRequest opens the per-request backend, moves the buffered request
// onto its write buffer, and wires the pair up.
func (p *Proxy) dispatchRequest(ctx context.Context, client *conn.Conn) {
	req := client.Request
	client.KeepAlive = req.KeepAlive
	total := int(req.TotalLength)

	// Every request after the first on this connection is a keep-alive
	// reuse.
	if client.RequestsHandled > 0 {
		p.stats.keepAliveReused.Add(1)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.KeepAliveReuse.Inc()
		}
	}

	if total > client.WriteBuf.Cap() {
		p.logger.Warn("request exceeds forwarding buffer",
			slog.String("session", client.SessionID),
			slog.Int("total", total))
		p.stats.requestsError.Add(1)
		p.queueError(ctx, client, 413)
		return
	}

	backend, code := p.dialBackend(ctx)
	if backend == nil {
		p.queueError(ctx, client, code)
		return
	}

	p.pool.Pair(client, backend)
	backend.WriteBuf.Append(client.ReadBuf.Bytes()[:total])
	client.ReadBuf.Discard(total)
	client.State = conn.StateWritingResponse
	p.reqStart[client.ID()] = conn.NowMillis()

	// Chunked body bytes that arrived with the head stream straight on.
	if req.Chunked && !client.ReadBuf.IsEmpty() {
		p.forward(ctx, client, backend)
	}

	if err := p.registry.Register(backend.FD, p.interestFor(backend), backend.ID()); err != nil {
		p.logger.Error("register backend failed", slog.String("error", err.Error()))
		p.closeConn(ctx, backend)
		p.queueError(ctx, client, 502)
		return
	}
	p.refreshInterest(client)

	p.logger.Debug("request dispatched",
		slog.String("session", client.SessionID),
		slog.String("method", req.Method.String()),
		slog.String("path", req.Path),
		slog.Bool("keep_alive", req.KeepAlive))
}

// finishResponse runs once a response has fully flushed to the client and
// the backend is gone: either re-enter for the next keep-alive request or
// close.
func (p *Proxy) finishResponse(ctx context.Context, client *conn.Conn) {
	client.RequestsHandled++
	p.hctx[client.ID()].RequestsHandled = client.RequestsHandled

	if p.cfg.Metrics != nil {
		if start := p.reqStart[client.ID()]; start > 0 {
			p.cfg.Metrics.RequestDuration.Observe(float64(conn.NowMillis()-start) / 1000)
			p.reqStart[client.ID()] = 0
		}
	}

	if !client.KeepAlive || client.RequestsHandled >= p.cfg.MaxRequestsPerConn {
		p.closeConn(ctx, client)
		return
	}

	client.WriteBuf.Clear()
	client.Request.Reset()
	client.State = conn.StateReadingRequest

	// Pipelined bytes already buffered belong to the next request.
	if !client.ReadBuf.IsEmpty() {
		p.advanceRequest(ctx, client)
		if !client.InUse() {
			return
		}
	}
	p.refreshInterest(client)
}

// queueError places a proxy-generated error response on the client's write
// buffer and arranges for the connection to close after the flush. If the
// response cannot fit even after compaction, the connection closes rather
// than truncate.
func (p *Proxy) queueError(ctx context.Context, client *conn.Conn, code int) {
	if peer := p.pool.Peer(client); peer != nil {
		p.closeConn(ctx, peer)
	}

	body := statusBody(code)
	resp := fmt.Sprintf("%sContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		statusLine(code), len(body), body)

	client.KeepAlive = false
	client.State = conn.StateWritingResponse
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ErrorResponses.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
	}

	if client.WriteBuf.Free() < len(resp) {
		client.WriteBuf.Compact()
	}
	if client.WriteBuf.Free() < len(resp) {
		p.logger.Warn("no room for error response, closing",
			slog.String("session", client.SessionID),
			slog.Int("code", code))
		p.closeConn(ctx, client)
		return
	}
	client.WriteBuf.Append([]byte(resp))
	p.refreshInterest(client)
}

func (p *Proxy) observeRequest(client *conn.Conn, status string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RequestsTotal.WithLabelValues(client.Request.Method.String(), status).Inc()
	}
}

func statusLine(code int) string {
	switch code {
	case 400:
		return "HTTP/1.1 400 Bad Request\r\n"
	case 413:
		return "HTTP/1.1 413 Request Entity Too Large\r\n"
	case 502:
		return "HTTP/1.1 502 Bad Gateway\r\n"
	case 503:
		return "HTTP/1.1 503 Service Unavailable\r\n"
	default:
		return "HTTP/1.1 500 Internal Server Error\r\n"
	}
}

func statusBody(code int) string {
	switch code {
	case 400:
		return "Bad Request\n"
	case 413:
		return "Request Entity Too Large\n"
	case 502:
		return "Bad Gateway\n"
	case 503:
		return "Service Unavailable\n"
	default:
		return "Internal Server Error\n"
	}
}
