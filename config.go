// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package eproxy holds the top-level configuration shared by the command
// line entry points.
package eproxy

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven configuration. Command-line flags
// override these values in cmd/.
type Config struct {
	// Endpoints
	ListenAddr  string `env:"LISTEN_ADDR"  envDefault:"0.0.0.0"`
	ListenPort  int    `env:"LISTEN_PORT"  envDefault:"8080"`
	BackendAddr string `env:"BACKEND_ADDR" envDefault:"127.0.0.1"`
	BackendPort int    `env:"BACKEND_PORT" envDefault:"8081"`
	Mode        string `env:"MODE"         envDefault:"http"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8880"`

	// Resource limits
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"10000"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT"    envDefault:"60s"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`

	// Rate limiting (accepts per second). Zero disables the limiter.
	RateLimitPerClient int64 `env:"RATE_LIMIT_PER_CLIENT" envDefault:"0"`
	RateLimitGlobal    int64 `env:"RATE_LIMIT_GLOBAL"     envDefault:"0"`

	// Circuit breaker around backend dialing. Zero failures disables it.
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

// NewConfig parses the environment with the given options.
func NewConfig(opts env.Options) (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot serve.
func (c Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		return fmt.Errorf("invalid backend port %d", c.BackendPort)
	}
	if c.ListenAddr == c.BackendAddr && c.ListenPort == c.BackendPort {
		return fmt.Errorf("listen and backend endpoints are identical")
	}
	if c.Mode != "tcp" && c.Mode != "http" {
		return fmt.Errorf("invalid mode %q (want tcp or http)", c.Mode)
	}
	return nil
}
