// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import "sync/atomic"

// counters is the loop-side statistics store. The loop is the only writer;
// atomics make the snapshot safe to take from other goroutines (health
// checks, tests, the shutdown summary).
type counters struct {
	totalConnections  atomic.Uint64
	activeConnections atomic.Uint64
	bytesReceived     atomic.Uint64
	bytesSent        atomic.Uint64
	errors           atomic.Uint64

	requestsTotal   atomic.Uint64
	requestsGet     atomic.Uint64
	requestsPost    atomic.Uint64
	requestsError   atomic.Uint64
	keepAliveReused atomic.Uint64

	poolExhausted atomic.Uint64
	rateLimited   atomic.Uint64
	idleClosed    atomic.Uint64
}

// Stats is a point-in-time snapshot of proxy statistics.
type Stats struct {
	TotalConnections  uint64
	ActiveConnections uint64
	BytesReceived     uint64
	BytesSent         uint64
	Errors            uint64

	RequestsTotal   uint64
	RequestsGet     uint64
	RequestsPost    uint64
	RequestsError   uint64
	KeepAliveReused uint64

	PoolExhausted uint64
	RateLimited   uint64
	IdleClosed    uint64
}

// Stats returns a snapshot of the proxy statistics.
func (p *Proxy) Stats() Stats {
	return Stats{
		TotalConnections:  p.stats.totalConnections.Load(),
		ActiveConnections: p.stats.activeConnections.Load(),
		BytesReceived:     p.stats.bytesReceived.Load(),
		BytesSent:         p.stats.bytesSent.Load(),
		Errors:            p.stats.errors.Load(),
		RequestsTotal:     p.stats.requestsTotal.Load(),
		RequestsGet:       p.stats.requestsGet.Load(),
		RequestsPost:      p.stats.requestsPost.Load(),
		RequestsError:     p.stats.requestsError.Load(),
		KeepAliveReused:   p.stats.keepAliveReused.Load(),
		PoolExhausted:     p.stats.poolExhausted.Load(),
		RateLimited:       p.stats.rateLimited.Load(),
		IdleClosed:        p.stats.idleClosed.Load(),
	}
}
