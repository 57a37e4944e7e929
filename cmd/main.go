// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	eproxy "github.com/Brownie44l1/epoll-proxy"
	"github.com/Brownie44l1/epoll-proxy/pkg/breaker"
	"github.com/Brownie44l1/epoll-proxy/pkg/handler"
	"github.com/Brownie44l1/epoll-proxy/pkg/health"
	"github.com/Brownie44l1/epoll-proxy/pkg/metrics"
	"github.com/Brownie44l1/epoll-proxy/pkg/proxy"
	"github.com/Brownie44l1/epoll-proxy/pkg/ratelimit"
)

const envPrefix = "PROXY_"

func usage() {
	prog := os.Args[0]
	fmt.Printf("Usage: %s [OPTIONS]\n", prog)
	fmt.Printf("\n")
	fmt.Printf("High-performance TCP/HTTP reverse proxy using edge-triggered I/O.\n")
	fmt.Printf("\n")
	fmt.Printf("Options:\n")
	fmt.Printf("  -l, --listen ADDR         Listen address (default: 0.0.0.0)\n")
	fmt.Printf("  -p, --port PORT           Listen port (default: 8080)\n")
	fmt.Printf("  -b, --backend ADDR        Backend address (default: 127.0.0.1)\n")
	fmt.Printf("  -P, --backend-port PORT   Backend port (default: 8081)\n")
	fmt.Printf("  -m, --mode MODE           Proxy mode: tcp or http (default: http)\n")
	fmt.Printf("  -h, --help                Show this help message\n")
	fmt.Printf("\n")
	fmt.Printf("Environment variables with the %s prefix provide the defaults;\n", envPrefix)
	fmt.Printf("flags take precedence. A .env file is loaded when present.\n")
	fmt.Printf("\n")
	fmt.Printf("Examples:\n")
	fmt.Printf("  # Forward port 8080 to localhost:8081\n")
	fmt.Printf("  %s\n", prog)
	fmt.Printf("\n")
	fmt.Printf("  # Forward external port 80 to a backend server, transparently\n")
	fmt.Printf("  %s -m tcp -l 0.0.0.0 -p 80 -b 192.168.1.100 -P 8080\n", prog)
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

func main() {
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}

	cfg, err := eproxy.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// Flags default to the environment-derived values, so a flag given on
	// the command line always wins.
	flag.Usage = usage
	flag.StringVar(&cfg.ListenAddr, "l", cfg.ListenAddr, "listen address")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "listen address")
	flag.IntVar(&cfg.ListenPort, "p", cfg.ListenPort, "listen port")
	flag.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "listen port")
	flag.StringVar(&cfg.BackendAddr, "b", cfg.BackendAddr, "backend address")
	flag.StringVar(&cfg.BackendAddr, "backend", cfg.BackendAddr, "backend address")
	flag.IntVar(&cfg.BackendPort, "P", cfg.BackendPort, "backend port")
	flag.IntVar(&cfg.BackendPort, "backend-port", cfg.BackendPort, "backend port")
	flag.StringVar(&cfg.Mode, "m", cfg.Mode, "proxy mode (tcp or http)")
	flag.StringVar(&cfg.Mode, "mode", cfg.Mode, "proxy mode (tcp or http)")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	mode, err := proxy.ParseMode(cfg.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New("eproxy", prometheus.DefaultRegisterer)

	var cb *breaker.CircuitBreaker
	if cfg.BreakerMaxFailures > 0 {
		cb = breaker.New(breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})
		cb.OnStateChange(func(from, to breaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitPerClient > 0 {
		global := cfg.RateLimitGlobal
		if global == 0 {
			global = cfg.RateLimitPerClient * int64(cfg.MaxConnections)
		}
		limiter = ratelimit.NewLimiter(
			cfg.RateLimitPerClient, cfg.RateLimitPerClient,
			global, global, cfg.MaxConnections)
	}

	p, err := proxy.New(proxy.Config{
		ListenAddr:     cfg.ListenAddr,
		ListenPort:     cfg.ListenPort,
		BackendAddr:    cfg.BackendAddr,
		BackendPort:    cfg.BackendPort,
		Mode:           mode,
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.IdleTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
		Handler:        &handler.NoopHandler{},
		Metrics:        m,
		Breaker:        cb,
		Limiter:        limiter,
	})
	if err != nil {
		logger.Error("proxy initialization failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.Register("event_loop", func(ctx context.Context) error {
		// Three missed wait timeouts means the loop is wedged.
		if p.LoopIdleMillis() > 3000 {
			return fmt.Errorf("event loop stalled")
		}
		return nil
	})
	checker.Register("pool_headroom", func(ctx context.Context) error {
		s := p.Stats()
		if s.ActiveConnections >= uint64(p.PoolCapacity()) {
			return fmt.Errorf("connection pool exhausted")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})

	g.Go(func() error {
		return serveHTTP(ctx, cfg.MetricsPort, promhttp.Handler(), logger, "metrics")
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/health", checker.HTTPHandler())
		mux.Handle("/healthz/live", health.LivenessHandler())
		mux.Handle("/healthz/ready", checker.ReadinessHandler())
		return serveHTTP(ctx, cfg.HealthPort, mux, logger, "health")
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("proxy service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("proxy service stopped")
}

// serveHTTP runs an ancillary HTTP server until the context is cancelled.
func serveHTTP(ctx context.Context, port int, h http.Handler, logger *slog.Logger, name string) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" server started", slog.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
