/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package status carries the RFC 7230 status-code classes plus the
// transport-layer sentinel codes the dispatcher uses for conditions that
// never reach the wire (a broken socket, a failed handshake, a request the
// peer wants retried on a fresh connection).
package status

import "errors"

// Code is either a real HTTP status code (100-599) or one of the
// transport sentinels below (all outside that range).
type Code int

const (
	// Continue through GatewayTimeout mirror RFC 7230/7231;
	// only the ones the dispatcher inspects directly are named.
	Continue           Code = 100
	OK                 Code = 200
	NoContent          Code = 204
	PartialContent     Code = 206
	MovedPermanently   Code = 301
	Found              Code = 302
	NotModified        Code = 304
	BadRequest         Code = 400
	Unauthorized       Code = 401
	Forbidden          Code = 403
	NotFound           Code = 404
	ProxyAuthRequired  Code = 407
	RequestTimeout     Code = 408
	InternalError      Code = 500
	BadGateway         Code = 502
	ServiceUnavailable Code = 503
	GatewayTimeout     Code = 504

	// None is never sent on the wire. Transport conditions live below 100,
	// matching libsoup's SOUP_STATUS_* sentinel range so the two code
	// spaces can never collide.
	None            Code = 0
	Malformed       Code = 1
	IOError         Code = 2
	SSLFailed       Code = 3
	TLSFailed       Code = 4
	TryAgain        Code = 5
	Cancelled       Code = 6
	TransportError  Code = 7
	ConnectFailed   Code = 8
	ProxyNegFailed  Code = 9
)

// Class reports the RFC 7230 class (1xx..5xx) of a real HTTP status code.
// It returns 0 for transport sentinels.
func (c Code) Class() int {
	if c < 100 || c >= 600 {
		return 0
	}
	return int(c) / 100
}

func (c Code) IsTransport() bool { return c < 100 || c >= 600 }
func (c Code) IsInformational() bool { return c.Class() == 1 }
func (c Code) IsSuccessful() bool    { return c.Class() == 2 }
func (c Code) IsRedirection() bool   { return c.Class() == 3 }
func (c Code) IsClientError() bool   { return c.Class() == 4 }
func (c Code) IsServerError() bool   { return c.Class() == 5 }

// Text returns a short label, falling back to "status" for anything not
// named above.
func (c Code) Text() string {
	if s, ok := text[c]; ok {
		return s
	}
	return "status"
}

func (c Code) String() string { return c.Text() }

var text = map[Code]string{
	Continue:           "Continue",
	OK:                 "OK",
	NoContent:          "No Content",
	PartialContent:     "Partial Content",
	MovedPermanently:   "Moved Permanently",
	Found:               "Found",
	NotModified:        "Not Modified",
	BadRequest:         "Bad Request",
	Unauthorized:       "Unauthorized",
	Forbidden:          "Forbidden",
	NotFound:           "Not Found",
	ProxyAuthRequired:  "Proxy Authentication Required",
	RequestTimeout:     "Request Timeout",
	InternalError:      "Internal Server Error",
	BadGateway:         "Bad Gateway",
	ServiceUnavailable: "Service Unavailable",
	GatewayTimeout:     "Gateway Timeout",
	None:               "no status",
	Malformed:          "malformed message",
	IOError:            "I/O error",
	SSLFailed:          "SSL/TLS negotiation failed",
	TLSFailed:          "TLS handshake failed",
	TryAgain:           "try again on a fresh connection",
	Cancelled:          "cancelled",
	TransportError:     "transport error",
	ConnectFailed:      "connect failed",
	ProxyNegFailed:     "proxy negotiation failed",
}

// Sentinel errors surfaced across dispatcher/pool/conn package boundaries.
// Named and phrased the way the teacher names its own transport sentinels
// in types_transport.go (errConnBroken, errReadLoopExiting, ...).
var (
	ErrConnBroken      = errors.New("dispatch: connection is in bad state")
	ErrKeepAliveOff    = errors.New("dispatch: keep-alives disabled for this host")
	ErrReadLoopExiting = errors.New("dispatch: read loop exiting")
	ErrIdleTimeout     = errors.New("dispatch: idle connection timeout")
	ErrPipelineBroken  = errors.New("dispatch: pipeline desynchronized, must restart on new connection")
	ErrTooManyIdle     = errors.New("dispatch: too many idle connections")
	ErrTooManyIdleHost = errors.New("dispatch: too many idle connections for host")
	ErrPoolClosed      = errors.New("dispatch: pool is closed")
)
