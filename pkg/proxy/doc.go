// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

/*
Package proxy implements the readiness-driven forwarding core: a
single-threaded, edge-triggered event loop that accepts clients, opens a
dedicated upstream connection for each, and shuttles bytes between the two.

Two modes are supported. TCP mode is byte-transparent: the upstream is
dialed as soon as the client is accepted and the pair forwards in both
directions until either side closes. HTTP mode parses and validates the
client's request head first, dials a fresh upstream per request, and can
keep the client connection alive across requests.

# Architecture

Everything runs on one goroutine inside Run. Handlers are non-blocking and
run to completion; the only blocking call is the readiness wait, bounded to
one second so the maintenance pass (idle sweep, connect timeouts) runs
regularly. There are no locks around connection state because nothing else
touches it; the statistics snapshot and Stop are the only cross-thread
surface.

Flow control is expressed through the interest mask alone: when a peer's
write buffer fills, the source side drops its Readable interest, the kernel
receive window fills, and the remote sender slows down. No bytes are queued
beyond the two fixed buffers each connection owns.

# Usage

	p, err := proxy.New(proxy.Config{
		ListenAddr:  "0.0.0.0",
		ListenPort:  8080,
		BackendAddr: "127.0.0.1",
		BackendPort: 8081,
		Mode:        proxy.ModeHTTP,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}

Run blocks until the context is cancelled or Stop is called, then closes
every connection and releases the listener and registry. Startup failures
(registry creation, bind, listener registration) are reported by New; after
that no per-connection error can break the loop.
*/
package proxy
