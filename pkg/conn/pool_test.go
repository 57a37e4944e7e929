// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func newTestPool(capacity int) *Pool {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPool(capacity, 64, logger)
}

func TestPool_AllocFree(t *testing.T) {
	p := newTestPool(4)

	c := p.Alloc()
	if c == nil {
		t.Fatal("Alloc() returned nil on a fresh pool")
	}
	if !c.InUse() {
		t.Fatal("allocated slot should be in use")
	}
	if c.State != StateClosed || c.Peer != None || c.FD != -1 {
		t.Fatal("allocated slot was not zeroed")
	}
	if p.Active() != 1 || p.Total() != 1 {
		t.Fatalf("Active/Total = %d/%d, want 1/1", p.Active(), p.Total())
	}

	p.Free(c)
	if c.InUse() {
		t.Fatal("freed slot should not be in use")
	}
	if p.Active() != 0 {
		t.Fatalf("Active() = %d after free, want 0", p.Active())
	}
}

func TestPool_Exhaustion(t *testing.T) {
	p := newTestPool(2)

	a := p.Alloc()
	b := p.Alloc()
	if a == nil || b == nil {
		t.Fatal("expected two successful allocations")
	}
	if c := p.Alloc(); c != nil {
		t.Fatal("Alloc() on exhausted pool should return nil")
	}

	// Returning one slot makes exactly one allocation possible again.
	p.Free(a)
	if c := p.Alloc(); c == nil {
		t.Fatal("Alloc() after free should succeed")
	}
	if c := p.Alloc(); c != nil {
		t.Fatal("pool should be exhausted again")
	}
}

func TestPool_FreeListInvariant(t *testing.T) {
	const capacity = 8
	p := newTestPool(capacity)

	var held []*Conn
	for i := 0; i < 5; i++ {
		held = append(held, p.Alloc())
	}
	if got := p.FreeSlots() + len(held); got != capacity {
		t.Fatalf("free + in-use = %d, want %d", got, capacity)
	}

	for _, c := range held {
		p.Free(c)
	}
	if p.FreeSlots() != capacity {
		t.Fatalf("FreeSlots() = %d after freeing all, want %d", p.FreeSlots(), capacity)
	}
}

func TestPool_DoubleFree(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	p := NewPool(2, 64, logger)

	c := p.Alloc()
	p.Free(c)
	p.Free(c)

	// Exactly one free-list push: the pool must not over-count.
	if p.FreeSlots() != 2 {
		t.Fatalf("FreeSlots() = %d after double free, want 2", p.FreeSlots())
	}
	if !bytes.Contains(logBuf.Bytes(), []byte("double free")) {
		t.Fatal("double free was not logged")
	}
}

func TestPool_PairUnpair(t *testing.T) {
	p := newTestPool(4)

	a := p.Alloc()
	b := p.Alloc()
	p.Pair(a, b)

	if a.Peer != b.ID() || b.Peer != a.ID() {
		t.Fatal("pairing must be bidirectional")
	}
	if p.Peer(a) != b || p.Peer(b) != a {
		t.Fatal("Peer() must resolve both directions")
	}

	p.Unpair(a)
	if a.Peer != None || b.Peer != None {
		t.Fatal("unpairing must null both sides")
	}
	if p.Peer(a) != nil || p.Peer(b) != nil {
		t.Fatal("Peer() must return nil after unpair")
	}
}

func TestPool_FreeResetsSlot(t *testing.T) {
	p := newTestPool(2)

	a := p.Alloc()
	b := p.Alloc()
	a.FD = 42
	a.State = StateConnected
	a.ReadBuf.Append([]byte("leftover"))
	p.Pair(a, b)

	p.Unpair(a)
	p.Free(a)

	c := p.Alloc()
	if c.FD != -1 || c.State != StateClosed || c.Peer != None || !c.ReadBuf.IsEmpty() {
		t.Fatal("recycled slot must come back pristine")
	}
}

func TestPool_Each(t *testing.T) {
	p := newTestPool(4)
	a := p.Alloc()
	p.Alloc()

	count := 0
	p.Each(func(c *Conn) { count++ })
	if count != 2 {
		t.Fatalf("Each visited %d slots, want 2", count)
	}

	// Each must tolerate the callback freeing the slot it is handed.
	p.Each(func(c *Conn) { p.Free(c) })
	if p.Active() != 0 {
		t.Fatalf("Active() = %d after freeing via Each, want 0", p.Active())
	}
	_ = a
}
