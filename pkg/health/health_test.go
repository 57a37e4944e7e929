// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestChecker_HealthyAndDegraded(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("always_ok", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Fatalf("Health() = %v, want healthy", status)
	}
	if len(checks) != 1 || checks[0].Status != StatusHealthy {
		t.Fatalf("unexpected checks: %+v", checks)
	}

	c.Register("broken", func(ctx context.Context) error { return errors.New("boom") })
	status, checks = c.Health(context.Background())
	if status != StatusDegraded {
		t.Fatalf("Health() = %v, want degraded", status)
	}
	if len(checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(checks))
	}
}

func TestChecker_CachesResults(t *testing.T) {
	c := NewChecker(time.Minute)
	calls := 0
	c.Register("counted", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Fatalf("check ran %d times inside the cache TTL, want 1", calls)
	}
}

func TestReadinessHandler_FailsOnDegraded(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("broken", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness code = %d, want 503", rec.Code)
	}
}

func TestHTTPHandler_DegradedStillServes(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("broken", func(ctx context.Context) error { return errors.New("down") })

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health code = %d, want 200 for degraded", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("body = %q, want degraded status", rec.Body.String())
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness code = %d, want 200", rec.Code)
	}
}
