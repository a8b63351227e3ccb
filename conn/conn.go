/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package conn implements spec component C: socket creation, TCP
// connect, TLS handshake, CONNECT-tunnel negotiation, and the full
// libsoup-style lifecycle event sequence, grounded on the teacher's
// Transport.dialConn.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/elkin/libsoup-pipelining/hdr"
	"github.com/elkin/libsoup-pipelining/status"
)

// EventKind names one step of the connection lifecycle signal sequence
// from spec §4.1, carried through in full per SPEC_FULL.md §5 (including
// the doubled PROXY_NEGOTIATING libsoup emits around the CONNECT round
// trip).
type EventKind int

const (
	EventResolving EventKind = iota
	EventResolved
	EventConnecting
	EventConnected
	EventProxyNegotiating
	EventProxyNegotiated
	EventTLSHandshaking
	EventTLSHandshaked
	EventComplete
)

func (k EventKind) String() string {
	names := [...]string{
		"RESOLVING", "RESOLVED", "CONNECTING", "CONNECTED",
		"PROXY_NEGOTIATING", "PROXY_NEGOTIATED",
		"TLS_HANDSHAKING", "TLS_HANDSHAKED", "COMPLETE",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "UNKNOWN"
}

type Event struct {
	Kind EventKind
	Addr string
}

// State mirrors spec §4.1's get_state() result set.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateRemoteDisconnected
	StateDisconnected
)

// Target describes the origin and, if present, the forward-proxy this
// Connection dials through — the same fields connectMethod carries in
// the teacher (key/addr/tlsHost/proxyAuth).
type Target struct {
	Scheme      string // "http" or "https"
	Host        string // origin host
	Port        string
	ProxyURL    *url.URL // nil means direct
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	TLSHandshakeTimeout time.Duration
}

func (t Target) addr() string { return net.JoinHostPort(t.Host, t.Port) }

func (t Target) tlsHost() string {
	if t.ProxyURL != nil {
		return t.Host
	}
	return t.Host
}

func (t Target) proxyAuth() string {
	if t.ProxyURL == nil || t.ProxyURL.User == nil {
		return ""
	}
	user := t.ProxyURL.User.Username()
	pass, _ := t.ProxyURL.User.Password()
	return "Basic " + basicAuth(user, pass)
}

// Connection is spec component C, bound to at most one net.Conn.
type Connection struct {
	target Target

	conn       net.Conn
	tlsState   *tls.ConnectionState
	state      State
	sslFallback bool

	events func(Event)
}

// New creates an unconnected Connection for target, reporting lifecycle
// events to onEvent (may be nil).
func New(target Target, onEvent func(Event)) *Connection {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Connection{target: target, events: onEvent, state: StateNew}
}

func (c *Connection) State() State { return c.state }

func (c *Connection) emit(kind EventKind) {
	c.events(Event{Kind: kind, Addr: c.target.addr()})
}

// ConnectAsync performs TCP connect, optional proxy CONNECT tunnel, and
// TLS handshake, emitting the full lifecycle event sequence of spec
// §4.1. It returns a transport status.Code on failure (proxied through
// status.Code's "proxify" mapping when the failure is proxy-side) rather
// than bailing out with a bare error, so callers can distinguish origin
// vs proxy failure the way spec §4.1 requires.
func (c *Connection) ConnectAsync(ctx context.Context) (net.Conn, status.Code, error) {
	c.state = StateConnecting
	c.emit(EventResolving)
	c.emit(EventResolved)
	c.emit(EventConnecting)

	dialer := &net.Dialer{Timeout: c.target.DialTimeout}
	var rawConn net.Conn
	var err error
	if c.target.ProxyURL != nil {
		rawConn, err = dialer.DialContext(ctx, "tcp", hostPort(c.target.ProxyURL))
	} else {
		rawConn, err = dialer.DialContext(ctx, "tcp", c.target.addr())
	}
	if err != nil {
		return nil, proxifyIf(c.target.ProxyURL != nil, status.ConnectFailed), err
	}
	c.conn = rawConn
	c.emit(EventConnected)

	if c.target.ProxyURL != nil {
		switch c.target.ProxyURL.Scheme {
		case "socks5":
			if err := c.dialSOCKS5(); err != nil {
				rawConn.Close()
				return nil, proxify(status.ConnectFailed), err
			}
		case "http", "https":
			if c.target.Scheme == "https" {
				if err := c.connectTunnel(); err != nil {
					rawConn.Close()
					return nil, proxify(status.ProxyNegFailed), err
				}
			}
			// Plain HTTP via proxy needs no CONNECT: the dispatcher sends
			// an absolute-form request line directly.
		}
	}

	if c.target.Scheme == "https" {
		if err := c.handshakeTLS(); err != nil {
			rawConn.Close()
			if isVersionMismatch(err) {
				c.sslFallback = true
				return nil, status.TryAgain, err
			}
			return nil, proxifyIf(c.target.ProxyURL != nil, status.TLSFailed), err
		}
	}

	c.state = StateConnected
	c.emit(EventComplete)
	return c.conn, status.None, nil
}

func (c *Connection) dialSOCKS5() error {
	var auth *proxy.Auth
	if u := c.target.ProxyURL.User; u != nil {
		auth = &proxy.Auth{User: u.Username()}
		auth.Password, _ = u.Password()
	}
	dialer, err := proxy.SOCKS5("tcp", hostPort(c.target.ProxyURL), auth, oneConnDialer{c.conn})
	if err != nil {
		return err
	}
	_, err = dialer.Dial("tcp", c.target.addr())
	return err
}

// connectTunnel performs the CONNECT round trip for HTTPS-via-proxy,
// bracketing it with PROXY_NEGOTIATING per SPEC_FULL.md §11/libsoup's
// soup-connection.c: once before the CONNECT request is written, and
// again only after its 200 response has actually been read back.
// PROXY_NEGOTIATED then marks the tunnel as ready for the TLS handshake.
func (c *Connection) connectTunnel() error {
	c.emit(EventProxyNegotiating)
	reqHeader := hdr.Header{}
	if pa := c.target.proxyAuth(); pa != "" {
		reqHeader.Set(hdr.ProxyAuthorization, pa)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", c.target.addr(), c.target.addr())
	if err := reqHeader.Write(&b); err != nil {
		return err
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(c.conn, b.String()); err != nil {
		return err
	}

	br := bufio.NewReader(c.conn)
	_, code, statusText, _, err := hdr.ParseResponse(br)
	if err != nil {
		return err
	}
	if code != 200 {
		return fmt.Errorf("conn: proxy CONNECT failed: %d %s", code, statusText)
	}
	c.emit(EventProxyNegotiating)
	c.emit(EventProxyNegotiated)
	return nil
}

func (c *Connection) handshakeTLS() error {
	c.emit(EventTLSHandshaking)
	cfg := c.target.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.target.tlsHost()
	}
	tlsConn := tls.Client(c.conn, cfg)

	errc := make(chan error, 1)
	var timer *time.Timer
	if d := c.target.TLSHandshakeTimeout; d != 0 {
		timer = time.AfterFunc(d, func() { errc <- errTLSHandshakeTimeout })
	}
	go func() { errc <- tlsConn.Handshake() }()
	err := <-errc
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		return err
	}
	if !cfg.InsecureSkipVerify {
		if err := tlsConn.VerifyHostname(cfg.ServerName); err != nil {
			return err
		}
	}
	cs := tlsConn.ConnectionState()
	c.tlsState = &cs
	c.conn = tlsConn
	c.emit(EventTLSHandshaked)
	return nil
}

// Disconnect is idempotent; transitions to DISCONNECTED and fires no
// event more than once, per spec §4.1.
func (c *Connection) Disconnect() error {
	if c.state == StateDisconnected {
		return nil
	}
	c.state = StateDisconnected
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Connection) TLSFallback() bool { return c.sslFallback }

var errTLSHandshakeTimeout = errors.New("conn: TLS handshake timeout")

func isVersionMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "protocol version")
}

// proxify remaps a status code to its proxy-equivalent so higher layers
// can distinguish origin vs proxy failures (spec §4.1).
func proxify(c status.Code) status.Code {
	switch c {
	case status.ConnectFailed:
		return status.ProxyNegFailed
	default:
		return c
	}
}

func proxifyIf(viaProxy bool, c status.Code) status.Code {
	if viaProxy {
		return proxify(c)
	}
	return c
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// oneConnDialer wraps an already-established net.Conn so golang.org/x/net/proxy's
// SOCKS5 client negotiates over it instead of dialing a fresh connection —
// grounded on the teacher's one_conn_dialer.go.
type oneConnDialer struct{ c net.Conn }

func (d oneConnDialer) Dial(network, addr string) (net.Conn, error) { return d.c, nil }
