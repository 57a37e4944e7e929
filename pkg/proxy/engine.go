// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/Brownie44l1/epoll-proxy/pkg/buffer"
	"github.com/Brownie44l1/epoll-proxy/pkg/conn"
	"github.com/Brownie44l1/epoll-proxy/pkg/epoll"
	proxyerr "github.com/Brownie44l1/epoll-proxy/pkg/errors"
	"github.com/Brownie44l1/epoll-proxy/pkg/handler"
	httpparser "github.com/Brownie44l1/epoll-proxy/pkg/parser/http"
	"github.com/Brownie44l1/epoll-proxy/pkg/socket"
)

// handleAccept drains the listen queue. Edge-triggered: multiple
// connections may be pending behind one event.
func (p *Proxy) handleAccept(ctx context.Context) {
	for {
		fd, sa, err := socket.Accept(p.listenFd)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			p.logger.Error("accept failed", slog.String("error", err.Error()))
			return
		}

		if p.cfg.Limiter != nil && !p.cfg.Limiter.Allow(socket.SockaddrIP(sa)) {
			p.stats.rateLimited.Add(1)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.RateLimited.Inc()
			}
			socket.Close(fd)
			continue
		}

		client := p.pool.Alloc()
		if client == nil {
			p.logger.Warn("rejecting client",
				slog.String("error", proxyerr.ErrPoolExhausted.Error()))
			p.stats.poolExhausted.Add(1)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.PoolExhausted.Inc()
			}
			socket.Close(fd)
			continue
		}

		client.FD = fd
		client.Role = conn.RoleClient
		client.RemoteAddr = socket.SockaddrString(sa)
		client.SessionID = uuid.New().String()
		p.stats.totalConnections.Add(1)
		p.observeOpen(conn.RoleClient)

		hctx := &p.hctx[client.ID()]
		*hctx = handler.Context{
			SessionID:  client.SessionID,
			RemoteAddr: client.RemoteAddr,
			Mode:       p.cfg.Mode.String(),
		}
		if err := p.cfg.Handler.OnAccept(ctx, hctx); err != nil {
			p.logger.Debug("accept vetoed",
				slog.String("session", client.SessionID),
				slog.String("remote", client.RemoteAddr),
				slog.String("error", err.Error()))
			p.closeConn(ctx, client)
			continue
		}

		if p.cfg.Mode == ModeHTTP {
			p.acceptHTTP(ctx, client)
		} else {
			p.acceptTCP(ctx, client)
		}
	}
}

// acceptTCP immediately dials the upstream and pairs both sides. Any
// failure closes the freshly-accepted client; no response is owed in this
// mode.
func (p *Proxy) acceptTCP(ctx context.Context, client *conn.Conn) {
	client.State = conn.StateConnected

	backend, _ := p.dialBackend(ctx)
	if backend == nil {
		p.closeConn(ctx, client)
		return
	}

	p.pool.Pair(client, backend)

	if err := p.registry.Register(client.FD, epoll.Readable, client.ID()); err != nil {
		p.logger.Error("register client failed", slog.String("error", err.Error()))
		p.closePair(ctx, client)
		return
	}
	if err := p.registry.Register(backend.FD, p.interestFor(backend), backend.ID()); err != nil {
		p.logger.Error("register backend failed", slog.String("error", err.Error()))
		p.closePair(ctx, client)
		return
	}

	p.logger.Debug("pair established",
		slog.String("session", client.SessionID),
		slog.String("remote", client.RemoteAddr),
		slog.String("backend_state", backend.State.String()))
}

// acceptHTTP registers the client for reading; the backend is dialed per
// request once a head parses.
func (p *Proxy) acceptHTTP(ctx context.Context, client *conn.Conn) {
	client.State = conn.StateReadingRequest
	client.Request = httpparser.NewRequest()

	if err := p.registry.Register(client.FD, epoll.Readable, client.ID()); err != nil {
		p.logger.Error("register client failed", slog.String("error", err.Error()))
		p.closeConn(ctx, client)
		return
	}

	p.logger.Debug("client accepted",
		slog.String("session", client.SessionID),
		slog.String("remote", client.RemoteAddr))
}

// dialBackend allocates and connects an upstream slot, consulting the
// circuit breaker. On failure everything is released and the returned code
// is the response an HTTP client is owed: 503 for refused or exhausted, 502
// for an unreachable backend. TCP callers ignore the code.
func (p *Proxy) dialBackend(ctx context.Context) (*conn.Conn, int) {
	if p.cfg.Breaker != nil {
		if err := p.cfg.Breaker.Allow(); err != nil {
			p.logger.Debug("backend dial refused by circuit breaker")
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.CircuitRefused.Inc()
			}
			return nil, 503
		}
	}

	fd, status, err := socket.Dial(p.cfg.BackendAddr, p.cfg.BackendPort)
	if err != nil {
		if p.cfg.Breaker != nil {
			p.cfg.Breaker.Record(err)
		}
		p.stats.errors.Add(1)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.DialFailures.Inc()
		}
		p.logger.Warn("backend dial failed",
			slog.String("error", proxyerr.Wrap(err, proxyerr.ErrBackendUnavailable.Error()).Error()))
		return nil, 502
	}

	backend := p.pool.Alloc()
	if backend == nil {
		p.logger.Warn("connection pool exhausted for backend")
		p.stats.poolExhausted.Add(1)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.PoolExhausted.Inc()
		}
		socket.Close(fd)
		return nil, 503
	}

	backend.FD = fd
	backend.Role = conn.RoleBackend
	if status == socket.Connected {
		backend.State = conn.StateConnected
		if p.cfg.Breaker != nil {
			p.cfg.Breaker.Record(nil)
		}
	} else {
		backend.State = conn.StateConnecting
		backend.DialStarted = conn.NowMillis()
	}
	p.stats.totalConnections.Add(1)
	p.observeOpen(conn.RoleBackend)
	return backend, 0
}

// handleRead drains the socket and forwards after every successful read.
// HTTP clients take the parsing path instead.
func (p *Proxy) handleRead(ctx context.Context, c *conn.Conn) {
	if p.cfg.Mode == ModeHTTP && c.Role == conn.RoleClient {
		p.handleReadHTTP(ctx, c)
		return
	}

	if c.State != conn.StateConnected {
		return
	}

	for {
		n, err := c.ReadBuf.ReadFrom(c.FD)
		if n > 0 {
			c.Touch()
			p.stats.bytesReceived.Add(uint64(n))
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.BytesTransferred.WithLabelValues("in").Add(float64(n))
			}
			peer := p.pool.Peer(c)
			if peer == nil {
				// Unpaired survivor of a half-closed HTTP session; nothing
				// left to forward to.
				p.closeConn(ctx, c)
				return
			}
			p.forward(ctx, c, peer)
			continue
		}

		switch err {
		case buffer.ErrWouldBlock:
			// Drained; the edge contract is satisfied.
		case buffer.ErrNoSpace:
			// Peer's write buffer is full and ours backed up: backpressure.
			// Interest recomputation below drops Readable.
		case io.EOF:
			p.handleEOF(ctx, c)
			return
		default:
			if !quietError(err) {
				p.logger.Debug("read error",
					slog.Int("slot", int(c.ID())),
					slog.String("error", err.Error()))
			}
			p.stats.errors.Add(1)
			p.closePair(ctx, c)
			return
		}
		break
	}

	p.refreshInterest(c)
	if peer := p.pool.Peer(c); peer != nil {
		p.refreshInterest(peer)
	}
}

// handleEOF applies the close policy for a clean remote shutdown: TCP
// closes the pair; an HTTP backend EOF marks the response complete; an HTTP
// client EOF closes only the client.
func (p *Proxy) handleEOF(ctx context.Context, c *conn.Conn) {
	if p.cfg.Mode == ModeHTTP && c.Role == conn.RoleBackend {
		client := p.pool.Peer(c)
		p.closeConn(ctx, c)
		if client != nil && client.State == conn.StateWritingResponse && client.WriteBuf.IsEmpty() {
			p.finishResponse(ctx, client)
		} else if client != nil {
			// Remaining response bytes flush first; the write handler
			// finishes the request once the buffer drains.
			p.refreshInterest(client)
		}
		return
	}
	p.closePair(ctx, c)
}

// handleWrite drains the write buffer until empty or the socket would
// block, then applies the HTTP post-drain decisions.
func (p *Proxy) handleWrite(ctx context.Context, c *conn.Conn) {
	for !c.WriteBuf.IsEmpty() {
		n, err := c.WriteBuf.WriteTo(c.FD)
		if n > 0 {
			c.Touch()
			p.stats.bytesSent.Add(uint64(n))
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.BytesTransferred.WithLabelValues("out").Add(float64(n))
			}
			continue
		}
		if err == nil || err == buffer.ErrWouldBlock {
			break
		}
		if !quietError(err) {
			p.logger.Debug("write error",
				slog.Int("slot", int(c.ID())),
				slog.String("error", err.Error()))
		}
		p.stats.errors.Add(1)
		if p.cfg.Mode == ModeHTTP && c.Role == conn.RoleClient {
			p.closeConn(ctx, c)
		} else {
			p.closePair(ctx, c)
		}
		return
	}

	if p.cfg.Mode == ModeHTTP && c.Role == conn.RoleClient &&
		c.WriteBuf.IsEmpty() && c.State == conn.StateWritingResponse && c.Peer == conn.None {
		// Response fully flushed and the backend is gone: the request is
		// done. Decide between keep-alive re-entry and close.
		p.finishResponse(ctx, c)
		return
	}

	p.refreshInterest(c)
	if peer := p.pool.Peer(c); peer != nil {
		p.refreshInterest(peer)
	}
}

// handleConnect resolves an asynchronous connect via SO_ERROR.
func (p *Proxy) handleConnect(ctx context.Context, c *conn.Conn) {
	err := socket.SoError(c.FD)
	if p.cfg.Breaker != nil {
		p.cfg.Breaker.Record(err)
	}
	if err != nil {
		p.logger.Warn("backend connect failed", slog.String("error", err.Error()))
		p.stats.errors.Add(1)
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.DialFailures.Inc()
		}
		p.failBackend(ctx, c)
		return
	}

	c.State = conn.StateConnected
	c.DialStarted = 0
	c.Touch()
	p.refreshInterest(c)
	if peer := p.pool.Peer(c); peer != nil {
		p.refreshInterest(peer)
	}
}

// failBackend tears down a backend whose connect never completed. The HTTP
// client it was serving is owed a 502; a TCP pair just closes.
func (p *Proxy) failBackend(ctx context.Context, backend *conn.Conn) {
	client := p.pool.Peer(backend)
	p.closeConn(ctx, backend)
	if client == nil {
		return
	}
	if p.cfg.Mode == ModeHTTP && client.Role == conn.RoleClient {
		p.queueError(ctx, client, 502)
	} else {
		p.closeConn(ctx, client)
	}
}

// handleError services error and hangup conditions. SO_ERROR is read for
// logging only; the close policy matches the EOF policy per role.
func (p *Proxy) handleError(ctx context.Context, c *conn.Conn) {
	if err := socket.SoError(c.FD); err != nil && !quietError(err) {
		p.logger.Debug("connection error",
			slog.Int("slot", int(c.ID())),
			slog.String("role", c.Role.String()),
			slog.String("error", err.Error()))
	}
	p.stats.errors.Add(1)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ConnectionErrors.WithLabelValues(c.Role.String()).Inc()
	}

	if c.State == conn.StateConnecting {
		if p.cfg.Breaker != nil {
			p.cfg.Breaker.Record(unix.ECONNREFUSED)
		}
		p.failBackend(ctx, c)
		return
	}

	if p.cfg.Mode == ModeHTTP && c.Role == conn.RoleClient {
		p.closeConn(ctx, c)
		return
	}
	p.closePair(ctx, c)
}

// forward copies from src's read buffer into dst's write buffer, compacting
// the destination first when its tail is nearly exhausted. A full drain of
// the source resets its cursors.
func (p *Proxy) forward(ctx context.Context, src, dst *conn.Conn) int {
	if dst.WriteBuf.Free() < compactThreshold {
		dst.WriteBuf.Compact()
	}
	n := dst.WriteBuf.Append(src.ReadBuf.Bytes())
	src.ReadBuf.Discard(n)

	if n > 0 {
		client := src
		if client.Role != conn.RoleClient {
			client = dst
		}
		if err := p.cfg.Handler.OnForward(ctx, &p.hctx[client.ID()], n); err != nil {
			p.logger.Debug("forward hook error", slog.String("error", err.Error()))
		}
	}
	return n
}

// interestFor computes the event mask a connection should be registered
// with right now. When neither predicate holds, interest falls back to
// Readable so errors and remote close are still delivered.
func (p *Proxy) interestFor(c *conn.Conn) epoll.Interest {
	peer := p.pool.Peer(c)
	var interest epoll.Interest
	if c.WantsRead(peer) || p.streamsChunkedBody(c) {
		interest |= epoll.Readable
	}
	if c.WantsWrite() {
		interest |= epoll.Writable
	}
	if interest == 0 {
		interest = epoll.Readable
	}
	return interest
}

// streamsChunkedBody reports whether an HTTP client is relaying an opaque
// chunked body to its backend and must keep reading while the response is
// outstanding.
func (p *Proxy) streamsChunkedBody(c *conn.Conn) bool {
	if p.cfg.Mode != ModeHTTP || c.Role != conn.RoleClient {
		return false
	}
	if c.State != conn.StateWritingResponse || c.Request == nil || !c.Request.Chunked {
		return false
	}
	peer := p.pool.Peer(c)
	return peer != nil && !peer.WriteBuf.IsFull()
}

// refreshInterest pushes the recomputed mask into the registry. A failure
// here means the fd is already dying; it gets a debug line and nothing else.
func (p *Proxy) refreshInterest(c *conn.Conn) {
	if !c.InUse() || c.FD < 0 || c.State == conn.StateClosed || c.State == conn.StateClosing {
		return
	}
	if err := p.registry.Modify(c.FD, p.interestFor(c), c.ID()); err != nil {
		p.logger.Debug("interest update failed",
			slog.Int("slot", int(c.ID())),
			slog.String("error", err.Error()))
	}
}

// closeConn unregisters and closes the descriptor, breaks the pairing on
// both sides, releases parser state, and returns the slot. Calling it twice
// on the same slot is safe: the second call finds the slot out of use.
func (p *Proxy) closeConn(ctx context.Context, c *conn.Conn) {
	if !c.InUse() {
		return
	}
	c.State = conn.StateClosing

	if c.FD >= 0 {
		_ = p.registry.Unregister(c.FD)
		socket.Close(c.FD)
		c.FD = -1
	}
	p.pool.Unpair(c)
	c.Request = nil

	if c.Role == conn.RoleClient {
		if err := p.cfg.Handler.OnDisconnect(ctx, &p.hctx[c.ID()]); err != nil {
			p.logger.Debug("disconnect hook error", slog.String("error", err.Error()))
		}
	}
	p.observeClose(c.Role)
	p.pool.Free(c)
}

// closePair closes both sides. The peer reference is snapshotted first
// because the first close unpairs.
func (p *Proxy) closePair(ctx context.Context, c *conn.Conn) {
	peer := p.pool.Peer(c)
	p.closeConn(ctx, c)
	if peer != nil {
		p.closeConn(ctx, peer)
	}
}

func (p *Proxy) observeOpen(role conn.Role) {
	p.stats.activeConnections.Add(1)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ConnectionsTotal.WithLabelValues(role.String()).Inc()
		p.cfg.Metrics.ActiveConnections.WithLabelValues(role.String()).Inc()
	}
}

func (p *Proxy) observeClose(role conn.Role) {
	p.stats.activeConnections.Add(^uint64(0))
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ActiveConnections.WithLabelValues(role.String()).Dec()
	}
}

// quietError reports peer-originated noise that is expected under churn and
// not worth more than a debug line.
func quietError(err error) bool {
	return err == unix.ECONNRESET || err == unix.EPIPE
}
