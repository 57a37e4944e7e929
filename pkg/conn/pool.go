// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"log/slog"

	"github.com/Brownie44l1/epoll-proxy/pkg/buffer"
)

// Pool is a fixed slab of connection records with a LIFO free list. It never
// grows; exhaustion is reported to the caller, which applies the configured
// rejection policy. The pool is owned by the event-loop thread and is not
// safe for concurrent use.
type Pool struct {
	logger *slog.Logger
	conns  []Conn
	free   []ID

	total  uint64
	active uint64
}

// NewPool allocates capacity slots, each carrying two buffers of bufSize
// bytes. All memory is committed up front; the hot path never allocates.
func NewPool(capacity, bufSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger: logger,
		conns:  make([]Conn, capacity),
		free:   make([]ID, 0, capacity),
	}
	for i := range p.conns {
		c := &p.conns[i]
		c.id = ID(i)
		c.ReadBuf = buffer.New(bufSize)
		c.WriteBuf = buffer.New(bufSize)
		c.reset()
	}
	// LIFO: push in reverse so slot 0 is handed out first.
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, ID(i))
	}
	return p
}

// Alloc pops a slot from the free list, zeroed and ready for initialization.
// Returns nil when the pool is exhausted.
func (p *Pool) Alloc() *Conn {
	if len(p.free) == 0 {
		return nil
	}
	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	c := &p.conns[id]
	c.reset()
	c.inUse = true
	c.Touch()

	p.total++
	p.active++
	return c
}

// Free pushes a slot back. The caller must already have closed the fd,
// unregistered it, and broken the pairing. Freeing a slot that is not in use
// is an invariant violation: it is logged and the push is refused so the
// slot cannot appear on the free list twice.
func (p *Pool) Free(c *Conn) {
	if !c.inUse {
		p.logger.Error("connection double free",
			slog.Int("slot", int(c.id)),
			slog.String("state", c.State.String()))
		return
	}
	c.reset()
	c.inUse = false
	p.free = append(p.free, c.id)
	p.active--
}

// Get resolves a slot ID. Out-of-range IDs (including None) return nil.
func (p *Pool) Get(id ID) *Conn {
	if id < 0 || int(id) >= len(p.conns) {
		return nil
	}
	return &p.conns[id]
}

// Peer resolves c's paired connection, nil when unpaired.
func (p *Pool) Peer(c *Conn) *Conn {
	if c.Peer == None {
		return nil
	}
	peer := p.Get(c.Peer)
	if peer == nil || !peer.inUse {
		return nil
	}
	return peer
}

// Pair links a client and backend bidirectionally.
func (p *Pool) Pair(a, b *Conn) {
	a.Peer = b.id
	b.Peer = a.id
}

// Unpair breaks the link on both sides.
func (p *Pool) Unpair(c *Conn) {
	if peer := p.Peer(c); peer != nil {
		peer.Peer = None
	}
	c.Peer = None
}

// Capacity returns the fixed slot count.
func (p *Pool) Capacity() int { return len(p.conns) }

// FreeSlots returns the number of slots on the free list.
func (p *Pool) FreeSlots() int { return len(p.free) }

// Active returns the number of slots currently in use.
func (p *Pool) Active() uint64 { return p.active }

// Total returns the number of allocations over the pool's lifetime.
func (p *Pool) Total() uint64 { return p.total }

// Each calls fn for every in-use slot. Used by shutdown and the idle sweep;
// fn may free the slot it is given.
func (p *Pool) Each(fn func(*Conn)) {
	for i := range p.conns {
		if p.conns[i].inUse {
			fn(&p.conns[i])
		}
	}
}
