// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/epoll-proxy/pkg/breaker"
	"github.com/Brownie44l1/epoll-proxy/pkg/conn"
	"github.com/Brownie44l1/epoll-proxy/pkg/epoll"
	proxyerr "github.com/Brownie44l1/epoll-proxy/pkg/errors"
	"github.com/Brownie44l1/epoll-proxy/pkg/handler"
	"github.com/Brownie44l1/epoll-proxy/pkg/metrics"
	"github.com/Brownie44l1/epoll-proxy/pkg/ratelimit"
	"github.com/Brownie44l1/epoll-proxy/pkg/socket"
)

// Mode selects how accepted connections are proxied. The selected mode is
// authoritative: TCP mode never invokes HTTP parsing.
type Mode int

const (
	// ModeTCP shuttles bytes transparently between client and backend.
	ModeTCP Mode = iota

	// ModeHTTP parses and validates the request head before dialing the
	// backend, and can keep the client alive across requests.
	ModeHTTP
)

// String returns a string representation of the mode.
func (m Mode) String() string {
	if m == ModeHTTP {
		return "http"
	}
	return "tcp"
}

// ParseMode recognizes "tcp" and "http".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "tcp":
		return ModeTCP, nil
	case "http":
		return ModeHTTP, nil
	default:
		return 0, fmt.Errorf("invalid mode %q (want tcp or http)", s)
	}
}

// Tuning defaults. All are overridable through Config.
const (
	DefaultMaxConnections     = 10000
	DefaultMaxEventsPerWait   = 256
	DefaultBufferSize         = 16384
	DefaultListenBacklog      = 511
	DefaultConnectTimeout     = 5 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
	DefaultMaxRequestsPerConn = 1000
	DefaultMaxRequestSize     = 10 * 1024 * 1024

	// waitTimeoutMs bounds every readiness wait so the maintenance pass
	// runs about once per second.
	waitTimeoutMs = 1000

	// compactThreshold is the writable-tail low-water mark below which a
	// forward compacts the destination buffer first.
	compactThreshold = 1024
)

// Config holds the proxy configuration.
type Config struct {
	// ListenAddr is the IPv4 address to listen on.
	ListenAddr string

	// ListenPort is the listening port. Port 0 binds an ephemeral port,
	// readable afterwards via ListenPort().
	ListenPort int

	// BackendAddr and BackendPort name the upstream every client pair
	// dials.
	BackendAddr string
	BackendPort int

	// Mode selects tcp or http proxying.
	Mode Mode

	MaxConnections     int
	MaxEventsPerWait   int
	BufferSize         int
	ListenBacklog      int
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	MaxRequestsPerConn uint32
	MaxRequestSize     int64

	// Logger for proxy events; slog.Default when nil.
	Logger *slog.Logger

	// Handler receives lifecycle hooks; NoopHandler when nil.
	Handler handler.Handler

	// Metrics is optional Prometheus instrumentation.
	Metrics *metrics.Metrics

	// Breaker optionally guards backend dialing.
	Breaker *breaker.CircuitBreaker

	// Limiter optionally bounds the accept rate per client address.
	Limiter *ratelimit.Limiter
}

func (c *Config) withDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Handler == nil {
		c.Handler = &handler.NoopHandler{}
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxEventsPerWait == 0 {
		c.MaxEventsPerWait = DefaultMaxEventsPerWait
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ListenBacklog == 0 {
		c.ListenBacklog = DefaultListenBacklog
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxRequestsPerConn == 0 {
		c.MaxRequestsPerConn = DefaultMaxRequestsPerConn
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = DefaultMaxRequestSize
	}
}

// Validate rejects configurations the proxy cannot serve.
func (c *Config) Validate() error {
	if _, err := socket.ParseIPv4(c.ListenAddr); err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	if _, err := socket.ParseIPv4(c.BackendAddr); err != nil {
		return fmt.Errorf("backend address: %w", err)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		return fmt.Errorf("invalid backend port %d", c.BackendPort)
	}
	if c.ListenAddr == c.BackendAddr && c.ListenPort == c.BackendPort {
		return fmt.Errorf("listen and backend endpoints are identical")
	}
	return nil
}

// Proxy is the single-threaded forwarding core. All connection state is
// owned by the goroutine inside Run; Stop and the stats accessors are the
// only safe cross-thread surface.
type Proxy struct {
	cfg    Config
	logger *slog.Logger

	registry   *epoll.Registry
	pool       *conn.Pool
	listenFd   int
	listenPort int

	// hctx holds one hook context per pool slot, reused across sessions.
	hctx []handler.Context

	// reqStart records, per slot, when the current request completed
	// parsing, for the duration histogram.
	reqStart []int64

	stats counters

	stopping atomic.Bool
	closed   atomic.Bool
	lastTick atomic.Int64

	lastMaintenance int64
}

// New initializes the proxy: pool, readiness registry, listener. Any
// failure here is fatal and Run is never entered.
func New(cfg Config) (*Proxy, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := epoll.New(cfg.MaxEventsPerWait)
	if err != nil {
		return nil, err
	}

	listenFd, err := socket.Listen(cfg.ListenAddr, cfg.ListenPort, cfg.ListenBacklog)
	if err != nil {
		registry.Close()
		return nil, err
	}

	port, err := socket.BoundPort(listenFd)
	if err != nil {
		socket.Close(listenFd)
		registry.Close()
		return nil, err
	}

	if err := registry.Register(listenFd, epoll.Readable, epoll.ListenerToken); err != nil {
		socket.Close(listenFd)
		registry.Close()
		return nil, err
	}

	p := &Proxy{
		cfg:        cfg,
		logger:     cfg.Logger,
		registry:   registry,
		pool:       conn.NewPool(cfg.MaxConnections, cfg.BufferSize, cfg.Logger),
		listenFd:   listenFd,
		listenPort: port,
		hctx:       make([]handler.Context, cfg.MaxConnections),
		reqStart:   make([]int64, cfg.MaxConnections),
	}

	p.logger.Info("proxy listening",
		slog.String("mode", cfg.Mode.String()),
		slog.String("listen", fmt.Sprintf("%s:%d", cfg.ListenAddr, port)),
		slog.String("backend", fmt.Sprintf("%s:%d", cfg.BackendAddr, cfg.BackendPort)))

	return p, nil
}

// ListenPort returns the bound listening port.
func (p *Proxy) ListenPort() int { return p.listenPort }

// PoolCapacity returns the fixed connection slot count.
func (p *Proxy) PoolCapacity() int { return p.pool.Capacity() }

// LastTick returns the monotonic millisecond timestamp of the loop's most
// recent wake-up. Health checks use it as a liveness heartbeat.
func (p *Proxy) LastTick() int64 { return p.lastTick.Load() }

// LoopIdleMillis returns how long ago the loop last woke up, or zero before
// the first wake-up.
func (p *Proxy) LoopIdleMillis() int64 {
	tick := p.lastTick.Load()
	if tick == 0 {
		return 0
	}
	return conn.NowMillis() - tick
}

// Stop requests a graceful exit from Run. Safe from any goroutine.
func (p *Proxy) Stop() { p.stopping.Store(true) }

// Run drives the event loop until the context is cancelled or Stop is
// called, then performs Shutdown. Per-connection errors never escape the
// loop; only a broken readiness wait is fatal.
func (p *Proxy) Run(ctx context.Context) error {
	defer p.Shutdown()

	for !p.stopping.Load() && ctx.Err() == nil {
		events, err := p.registry.Wait(waitTimeoutMs)
		if err != nil {
			return fmt.Errorf("readiness wait: %w", err)
		}
		p.lastTick.Store(conn.NowMillis())
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.EventsPerWait.Observe(float64(len(events)))
		}

		for i := range events {
			p.dispatch(ctx, events[i])
		}

		now := conn.NowMillis()
		if now-p.lastMaintenance >= 1000 {
			p.lastMaintenance = now
			p.sweep(ctx, now)
		}
	}

	p.logger.Info("event loop exiting")
	return nil
}

// dispatch routes one readiness event. Within a wake-up, connect completion
// and writes are handled before reads so outbound buffers drain first.
func (p *Proxy) dispatch(ctx context.Context, ev epoll.Event) {
	if ev.Token == epoll.ListenerToken {
		p.handleAccept(ctx)
		return
	}

	c := p.pool.Get(ev.Token)
	if c == nil || !c.InUse() || c.FD < 0 {
		// The slot was closed earlier in this wake-up.
		return
	}

	if ev.Flags&epoll.FlagError != 0 {
		p.handleError(ctx, c)
		return
	}

	if c.State == conn.StateConnecting && ev.Flags&epoll.FlagWritable != 0 {
		p.handleConnect(ctx, c)
		if c.InUse() && c.State == conn.StateConnected {
			p.handleWrite(ctx, c)
		}
		return
	}

	if ev.Flags&epoll.FlagWritable != 0 {
		p.handleWrite(ctx, c)
	}
	if !c.InUse() || c.FD < 0 {
		return
	}
	if ev.Flags&epoll.FlagReadable != 0 {
		// A read that drains to EOF takes the graceful close path even
		// when the peer-closed flag rode along with the data.
		p.handleRead(ctx, c)
		return
	}
	if ev.Flags&(epoll.FlagPeerClosed|epoll.FlagHangUp) != 0 {
		p.handleError(ctx, c)
	}
}

// sweep is the per-second maintenance pass: connect timeouts and idle
// connections.
func (p *Proxy) sweep(ctx context.Context, now int64) {
	connectMs := p.cfg.ConnectTimeout.Milliseconds()
	idleMs := p.cfg.IdleTimeout.Milliseconds()

	p.pool.Each(func(c *conn.Conn) {
		if !c.Alive() {
			return
		}
		if c.State == conn.StateConnecting && now-c.DialStarted > connectMs {
			p.logger.Debug("backend connect timeout", slog.Int("slot", int(c.ID())))
			if p.cfg.Breaker != nil {
				p.cfg.Breaker.Record(proxyerr.ErrTimeout)
			}
			p.stats.errors.Add(1)
			p.failBackend(ctx, c)
			return
		}
		if idleMs > 0 && now-c.LastActive > idleMs {
			p.logger.Debug("closing idle connection",
				slog.Int("slot", int(c.ID())),
				slog.String("role", c.Role.String()))
			p.stats.idleClosed.Add(1)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.IdleClosed.Inc()
			}
			p.closePair(ctx, c)
		}
	})
}

// Shutdown closes every live connection, the listener, and the registry.
// It is idempotent, and Run calls it on exit. It closes connections without
// synchronizing with the loop, so it is not safe to call while Run is still
// dispatching events.
func (p *Proxy) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.stopping.Store(true)

	p.pool.Each(func(c *conn.Conn) {
		p.closeConn(context.Background(), c)
	})

	if p.listenFd >= 0 {
		_ = p.registry.Unregister(p.listenFd)
		socket.Close(p.listenFd)
		p.listenFd = -1
	}
	_ = p.registry.Close()

	s := p.Stats()
	p.logger.Info("proxy stopped",
		slog.Uint64("total_connections", s.TotalConnections),
		slog.Uint64("bytes_received", s.BytesReceived),
		slog.Uint64("bytes_sent", s.BytesSent),
		slog.Uint64("requests_total", s.RequestsTotal),
		slog.Uint64("requests_error", s.RequestsError),
		slog.Uint64("keep_alive_reused", s.KeepAliveReused),
		slog.Uint64("errors", s.Errors))
}
