// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

/*
Package http implements the streaming HTTP/1.x request-head recognizer used
by the proxy's HTTP mode.

The parser is invoked on every client read with the full buffered prefix.
Until the CRLFCRLF terminator appears it reports NeedMore and keeps no
partial state; once the head is visible it is recognized in a single pass:
request line, ordered header block, and the cached fields the proxy acts on
(Host, Content-Length, Transfer-Encoding, Connection).

Completeness follows the body-length rules: a chunked request is complete at
the head (the body streams opaquely upstream), a request with a declared
Content-Length is complete once that many body bytes are buffered, and
GET/HEAD/DELETE are complete at the head. Any other method without a
declared length is invalid.

Limits are enforced during recognition, never by truncation: an oversize
name, value, path, host, or header count makes the request invalid.
*/
package http
