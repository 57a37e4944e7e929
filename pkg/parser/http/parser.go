// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"strings"

	"github.com/Brownie44l1/epoll-proxy/pkg/parser"
)

// Limits on the accepted request head. A violation makes the request
// invalid, never truncated.
const (
	MaxMethodLen   = 16
	MaxPathLen     = 8192
	MaxHostLen     = 256
	MaxHeaders     = 64
	MaxHeaderName  = 128
	MaxHeaderValue = 8192

	// MaxContentLength caps the declared body size a request may carry.
	MaxContentLength = 100 * 1024 * 1024
)

var crlfcrlf = []byte("\r\n\r\n")

// Header is one name/value pair. Duplicates are preserved in arrival order;
// the proxy never coalesces.
type Header struct {
	Name  string
	Value string
}

// Request is the parse state for one client request head. It is reused
// across keep-alive requests via Reset.
type Request struct {
	Method    parser.Method
	RawMethod string
	Path      string
	Version   parser.Version
	Host      string
	Headers   []Header

	// ContentLength is -1 when the request carries no Content-Length header.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool

	// Complete latches once the head (and, for requests with a declared
	// length, the body) is fully buffered.
	Complete bool

	// HeadEnd is the offset of the first byte after CRLFCRLF.
	HeadEnd int

	// TotalLength is HeadEnd plus the body length when known. For chunked
	// requests only the head counts; the body streams opaquely upstream.
	TotalLength int64
}

// NewRequest returns an initialized request ready for the first parse.
func NewRequest() *Request {
	r := &Request{}
	r.Reset()
	return r
}

// Reset returns the request to its initial state for keep-alive reuse.
// HTTP/1.1 semantics are the defaults until the head says otherwise.
func (r *Request) Reset() {
	r.Method = parser.MethodUnknown
	r.RawMethod = ""
	r.Path = ""
	r.Version = parser.Version11
	r.Host = ""
	r.Headers = r.Headers[:0]
	r.ContentLength = -1
	r.Chunked = false
	r.KeepAlive = true
	r.Complete = false
	r.HeadEnd = 0
	r.TotalLength = 0
}

// Parse examines the buffered prefix of the client stream. It is called
// after every read: until CRLFCRLF appears it reports NeedMore, after that
// it recognizes the head in one pass and decides completeness from the body
// length rules.
func (r *Request) Parse(data []byte) parser.Status {
	if r.Complete {
		return parser.Complete
	}

	headEnd := bytes.Index(data, crlfcrlf)
	if headEnd < 0 {
		return parser.NeedMore
	}
	r.HeadEnd = headEnd + len(crlfcrlf)

	// A re-parse after more body bytes arrived starts from scratch.
	r.Headers = r.Headers[:0]

	head := data[:headEnd]
	lineEnd := bytes.Index(head, []byte("\r\n"))
	reqLine := head
	rest := []byte(nil)
	if lineEnd >= 0 {
		reqLine = head[:lineEnd]
		rest = head[lineEnd+2:]
	}

	if !r.parseRequestLine(reqLine) {
		return parser.Invalid
	}

	for len(rest) > 0 {
		var line []byte
		if i := bytes.Index(rest, []byte("\r\n")); i >= 0 {
			line, rest = rest[:i], rest[i+2:]
		} else {
			line, rest = rest, nil
		}
		if len(line) == 0 {
			break
		}
		if !r.parseHeader(line) {
			return parser.Invalid
		}
	}

	r.decideKeepAlive()

	switch {
	case r.Chunked:
		// Head forwarded as-is; chunked body bytes stream opaquely to the
		// backend once the pair is wired up.
		r.TotalLength = int64(r.HeadEnd)
		r.Complete = true
	case r.ContentLength >= 0:
		r.TotalLength = int64(r.HeadEnd) + r.ContentLength
		if int64(len(data)) >= r.TotalLength {
			r.Complete = true
		}
	case r.Method == parser.MethodGet || r.Method == parser.MethodHead || r.Method == parser.MethodDelete:
		r.TotalLength = int64(r.HeadEnd)
		r.Complete = true
	default:
		// A body-bearing method with no declared length is unframeable.
		return parser.Invalid
	}

	if r.Complete {
		return parser.Complete
	}
	return parser.NeedMore
}

// parseRequestLine splits "METHOD SP target SP version".
func (r *Request) parseRequestLine(line []byte) bool {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 || sp == 0 || sp >= MaxMethodLen {
		return false
	}
	method := line[:sp]
	r.RawMethod = string(method)
	r.Method = parser.ParseMethod(method)

	restLine := trimLeftOWS(line[sp+1:])
	sp = bytes.IndexByte(restLine, ' ')
	if sp <= 0 {
		return false
	}
	path := restLine[:sp]
	if len(path) >= MaxPathLen {
		return false
	}
	r.Path = string(path)

	version := trimLeftOWS(restLine[sp+1:])
	r.Version = parser.ParseVersion(version)
	return r.Version != parser.VersionUnknown
}

// parseHeader recognizes one "name ':' OWS value OWS" line and caches the
// semantically significant fields.
func (r *Request) parseHeader(line []byte) bool {
	if len(r.Headers) >= MaxHeaders {
		return false
	}
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	name := trimRightOWS(line[:colon])
	if len(name) == 0 || len(name) >= MaxHeaderName {
		return false
	}
	value := trimRightOWS(trimLeftOWS(line[colon+1:]))
	if len(value) >= MaxHeaderValue {
		return false
	}

	h := Header{Name: string(name), Value: string(value)}
	r.Headers = append(r.Headers, h)

	switch {
	case parser.EqualFold(name, "Host"):
		if len(h.Value) >= MaxHostLen {
			return false
		}
		r.Host = h.Value
	case parser.EqualFold(name, "Content-Length"):
		r.ContentLength = atoi64(h.Value)
	case parser.EqualFold(name, "Transfer-Encoding"):
		if strings.EqualFold(h.Value, "chunked") {
			r.Chunked = true
		}
	}
	return true
}

// decideKeepAlive applies the version default and the Connection override:
// HTTP/1.1 keeps alive unless "close"; HTTP/1.0 closes unless "keep-alive".
func (r *Request) decideKeepAlive() {
	conn, ok := r.HeaderValue("Connection")
	if r.Version == parser.Version10 {
		r.KeepAlive = ok && strings.EqualFold(conn, "keep-alive")
	} else {
		r.KeepAlive = !(ok && strings.EqualFold(conn, "close"))
	}
}

// HeaderValue returns the first header with the given name,
// case-insensitively.
func (r *Request) HeaderValue(name string) (string, bool) {
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i].Name, name) {
			return r.Headers[i].Value, true
		}
	}
	return "", false
}

// Valid reports whether a complete head describes a request the proxy is
// willing to forward.
func (r *Request) Valid() bool {
	if r.Method == parser.MethodUnknown {
		return false
	}
	if r.Path == "" {
		return false
	}
	if r.Version == parser.VersionUnknown {
		return false
	}
	if r.ContentLength > MaxContentLength {
		return false
	}
	return true
}

func trimLeftOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}

func trimRightOWS(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// atoi64 mirrors atoll: it parses an optional sign and the leading digit
// run, ignoring any trailing junk.
func atoi64(s string) int64 {
	var n int64
	i := 0
	neg := false
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int64(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}
