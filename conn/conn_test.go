/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package conn

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elkin/libsoup-pipelining/hdr"
	"github.com/elkin/libsoup-pipelining/status"
)

func TestConnectAsyncDirectHTTP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 3)
		_, _ = c.Read(buf)
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	var events []EventKind
	target := Target{Scheme: "http", Host: host, Port: port, DialTimeout: 2 * time.Second}
	c := New(target, func(ev Event) { events = append(events, ev.Kind) })

	netConn, code, err := c.ConnectAsync(context.Background())
	require.NoError(t, err)
	require.Equal(t, status.None, code)
	require.NotNil(t, netConn)
	require.Equal(t, StateConnected, c.State())

	require.Equal(t, []EventKind{
		EventResolving, EventResolved, EventConnecting, EventConnected, EventComplete,
	}, events)

	require.NoError(t, c.Disconnect())
}

func TestConnectAsyncDialFailureReturnsConnectFailed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // guarantees nothing is listening on addr anymore

	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	target := Target{Scheme: "http", Host: host, Port: port, DialTimeout: 500 * time.Millisecond}
	c := New(target, nil)

	_, code, err := c.ConnectAsync(context.Background())
	require.Error(t, err)
	require.Equal(t, status.ConnectFailed, code)
}

func TestConnectTunnelSuccess(t *testing.T) {
	client, proxySide := net.Pipe()
	defer client.Close()
	defer proxySide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		br := bufio.NewReader(proxySide)
		method, uri, _, _, err := hdr.ParseRequest(br)
		if err != nil {
			return
		}
		if method != "CONNECT" || uri != "example.com:443" {
			return
		}
		_, _ = proxySide.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	var events []EventKind
	c := &Connection{
		target: Target{Scheme: "https", Host: "example.com", Port: "443"},
		conn:   client,
		events: func(ev Event) { events = append(events, ev.Kind) },
	}

	err := c.connectTunnel()
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventProxyNegotiating, EventProxyNegotiating, EventProxyNegotiated}, events)

	<-done
}

func TestConnectTunnelFailureNon200(t *testing.T) {
	client, proxySide := net.Pipe()
	defer client.Close()
	defer proxySide.Close()

	go func() {
		br := bufio.NewReader(proxySide)
		if _, _, _, _, err := hdr.ParseRequest(br); err != nil {
			return
		}
		_, _ = proxySide.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
	}()

	c := &Connection{
		target: Target{Scheme: "https", Host: "example.com", Port: "443"},
		conn:   client,
		events: func(Event) {},
	}

	err := c.connectTunnel()
	require.Error(t, err)
}

func TestDisconnectIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := &Connection{conn: client, state: StateConnected}
	require.NoError(t, c.Disconnect())
	require.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Disconnect(), "second Disconnect must be a no-op, not double-close")
}

func TestProxifyMapping(t *testing.T) {
	require.Equal(t, status.ProxyNegFailed, proxify(status.ConnectFailed))
	require.Equal(t, status.TLSFailed, proxify(status.TLSFailed))

	require.Equal(t, status.ProxyNegFailed, proxifyIf(true, status.ConnectFailed))
	require.Equal(t, status.ConnectFailed, proxifyIf(false, status.ConnectFailed))
}

func TestHostPortDefaultsByScheme(t *testing.T) {
	u, err := url.Parse("https://proxy.example.com")
	require.NoError(t, err)
	require.Equal(t, "proxy.example.com:443", hostPort(u))

	u2, err := url.Parse("http://proxy.example.com")
	require.NoError(t, err)
	require.Equal(t, "proxy.example.com:80", hostPort(u2))

	u3, err := url.Parse("http://proxy.example.com:8080")
	require.NoError(t, err)
	require.Equal(t, "proxy.example.com:8080", hostPort(u3))
}

func TestBasicAuthEncoding(t *testing.T) {
	require.Equal(t, "dXNlcjpwYXNz", basicAuth("user", "pass"))
}

func TestEventKindString(t *testing.T) {
	require.Equal(t, "RESOLVING", EventResolving.String())
	require.Equal(t, "COMPLETE", EventComplete.String())
	require.Equal(t, "UNKNOWN", EventKind(999).String())
}
