// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_ExhaustionAndRefill(t *testing.T) {
	tb := NewTokenBucket(2, 100)

	if !tb.Allow() || !tb.Allow() {
		t.Fatal("the first two acquisitions should pass")
	}
	if tb.Allow() {
		t.Fatal("third acquisition should be denied")
	}

	time.Sleep(50 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket should have refilled")
	}
}

func TestTokenBucket_CapacityCeiling(t *testing.T) {
	tb := NewTokenBucket(3, 1000)
	time.Sleep(20 * time.Millisecond)
	if got := tb.Available(); got > 3 {
		t.Fatalf("Available() = %d, want at most capacity 3", got)
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	l := NewLimiter(1, 1, 100, 100, 10)

	if !l.Allow("10.0.0.1") {
		t.Fatal("first accept for a client should pass")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("second accept inside the same second should be denied")
	}

	// A different client has its own bucket.
	if !l.Allow("10.0.0.2") {
		t.Fatal("a different client should not be affected")
	}
}

func TestLimiter_GlobalBucket(t *testing.T) {
	l := NewLimiter(100, 100, 2, 1, 10)

	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("accepts within the global budget should pass")
	}
	if l.Allow("c") {
		t.Fatal("the global bucket should deny the third accept")
	}
}

func TestLimiter_BoundedClients(t *testing.T) {
	l := NewLimiter(10, 10, 1000, 1000, 4)

	for i := 0; i < 16; i++ {
		l.Allow(string(rune('a' + i)))
	}
	if got := l.Clients(); got > 8 {
		t.Fatalf("Clients() = %d, want eviction to bound tracked clients", got)
	}
}

func TestLimiter_Remove(t *testing.T) {
	l := NewLimiter(1, 1, 100, 100, 10)
	l.Allow("x")
	l.Remove("x")
	if !l.Allow("x") {
		t.Fatal("a removed client starts with a fresh bucket")
	}
}
