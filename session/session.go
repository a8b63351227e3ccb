/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package session implements spec component F: the thin driver that sits
// above the pool, resolving an origin's proxy, asking the pool for a
// dispatcher, dialing+binding one when none is available, and re-queueing
// an item when the dispatcher fires io-msg-restart. It deliberately stays
// thin — the session object itself is named out of scope beyond its
// contract in spec §1 — grounded on the orchestration shape of the
// teacher's Transport.RoundTrip, trimmed to just that control flow.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elkin/libsoup-pipelining/conn"
	"github.com/elkin/libsoup-pipelining/dispatcher"
	"github.com/elkin/libsoup-pipelining/hdr"
	"github.com/elkin/libsoup-pipelining/item"
	"github.com/elkin/libsoup-pipelining/pool"
)

// ProxyFunc resolves the forward proxy (if any) to use for a request URL,
// mirroring the teacher's Transport.Proxy field shape.
type ProxyFunc func(u *url.URL) (*url.URL, error)

// Driver is spec component F.
type Driver struct {
	Pool      *pool.Pool
	Proxy     ProxyFunc
	TLSConfig *tls.Config

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration

	Events func(origin string, ev conn.Event)

	log *logrus.Entry
}

// New builds a Driver around an already-constructed Pool.
func New(p *pool.Pool, proxy ProxyFunc, tlsConfig *tls.Config, log *logrus.Logger) *Driver {
	if log == nil {
		log = logrus.New()
	}
	return &Driver{
		Pool:                p,
		Proxy:               proxy,
		TLSConfig:           tlsConfig,
		DialTimeout:         30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		log:                 log.WithField("component", "session"),
	}
}

// Do enqueues a request, driving the proxy resolution / dispatcher
// selection / dial-and-bind / io-msg-restart sequence of spec §4.3 end to
// end, and blocks until the item reaches a terminal state.
func (d *Driver) Do(ctx context.Context, method, rawURL string, header hdr.Header, body io.ReadCloser) (*item.Item, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	origin := originKey(u)

	done := make(chan struct{})
	it := item.New(ctx, method, u.RequestURI(), header, body, func(it *item.Item, _ interface{}) {
		close(done)
	}, nil)

	if err := d.submit(ctx, origin, u, it); err != nil {
		return it, err
	}

	select {
	case <-done:
		return it, it.Err
	case <-ctx.Done():
		it.CancelWith(ctx.Err())
		return it, ctx.Err()
	}
}

// submit implements the allocate-or-reuse step: it takes the dispatcher
// the pool selects, or dials and binds a new one, and enqueues it there.
// An Enqueue error (the selected dispatcher has no socket) is returned
// without a second attempt.
func (d *Driver) submit(ctx context.Context, origin string, u *url.URL, it *item.Item) error {
	proxyURL, err := d.resolveProxy(u)
	if err != nil {
		return err
	}
	viaProxy := proxyURL != nil
	viaHTTPS := u.Scheme == "https"

	disp := d.Pool.GetDispatcher(origin, viaHTTPS, viaProxy, false)
	if disp == nil {
		disp, err = d.dialAndBind(ctx, origin, u, proxyURL)
		if err != nil {
			it.CancelWith(err)
			return err
		}
	}
	return disp.Enqueue(it)
}

// dialAndBind performs spec §4.3.2's allocation: pop-idle-or-construct via
// the pool, then drive the full connect/tunnel/TLS lifecycle and bind the
// resulting socket. The IOMsgRestart handler it installs passes each
// restarted item back to submit; how many times one item is restarted is
// not limited.
func (d *Driver) dialAndBind(ctx context.Context, origin string, u *url.URL, proxyURL *url.URL) (*dispatcher.Dispatcher, error) {
	h := dispatcher.Handlers{
		IOMsgRestart: func(restarted *item.Item) {
			if restarted.Cancelled || restarted.IOError {
				return
			}
			if err := d.submit(context.Background(), origin, u, restarted); err != nil {
				restarted.CancelWith(err)
			}
		},
	}
	disp := d.Pool.AllocDispatcher(origin, proxyURL != nil, h)

	target := conn.Target{
		Scheme:              u.Scheme,
		Host:                u.Hostname(),
		Port:                portFor(u),
		TLSConfig:           d.TLSConfig,
		DialTimeout:         d.DialTimeout,
		TLSHandshakeTimeout: d.TLSHandshakeTimeout,
	}
	if proxyURL != nil {
		target.ProxyURL = proxyURL
	}

	c := conn.New(target, func(ev conn.Event) {
		if d.Events != nil {
			d.Events(origin, ev)
		}
	})
	netConn, code, err := c.ConnectAsync(ctx)
	if err != nil {
		d.Pool.Reclaim(origin, disp)
		return nil, fmt.Errorf("session: connect %s failed (%s): %w", origin, code, err)
	}
	disp.Bind(netConn, proxyURL != nil, u.Scheme == "https")
	return disp, nil
}

func (d *Driver) resolveProxy(u *url.URL) (*url.URL, error) {
	if d.Proxy == nil {
		return nil, nil
	}
	return d.Proxy(u)
}

func originKey(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

func portFor(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}
