/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pool

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/elkin/libsoup-pipelining/dispatcher"
	"github.com/elkin/libsoup-pipelining/hdr"
	"github.com/elkin/libsoup-pipelining/item"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// bindDispatcher attaches d to one end of an in-memory pipe, leaving the
// other end unread so any write-side item sticks in the queue
// deterministically — enough to give QueueLength a stable, non-zero value
// without waiting on real I/O to complete.
func bindDispatcher(t *testing.T, d *dispatcher.Dispatcher) {
	t.Helper()
	client, _ := net.Pipe()
	d.Bind(client, false, false)
	t.Cleanup(func() { d.Close() })
}

func enqueueStuck(t *testing.T, d *dispatcher.Dispatcher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		it := item.New(context.Background(), "GET", "/", hdr.Header{hdr.Host: {"example.com"}}, nil, nil, nil)
		require.NoError(t, d.Enqueue(it))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 10, cfg.MaxIODispatchers)
	require.Equal(t, 2, cfg.MaxIODispatchersPerHost)
	require.Equal(t, 4, cfg.MaxPipelinedMsgs)
	require.Equal(t, 8192, cfg.ResponseBlockSize)
	require.Equal(t, 3*time.Second, cfg.IdleTimeout)
}

func TestGetDispatcherNoHostReturnsNil(t *testing.T) {
	p := New(DefaultConfig(), discardLogger(), nil)
	require.Nil(t, p.GetDispatcher("http://example.com", false, false, false))
}

func TestAllocDispatcherTracksLive(t *testing.T) {
	p := New(DefaultConfig(), discardLogger(), nil)
	d := p.AllocDispatcher("http://example.com", false, dispatcher.Handlers{})
	require.NotNil(t, d)
	require.Len(t, p.hosts["http://example.com"].live, 1)
	require.Empty(t, p.idle)
}

func TestGetDispatcherPicksLeastQueueLength(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIODispatchersPerHost = 5
	p := New(cfg, discardLogger(), nil)

	origin := "http://example.com"
	d1 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d1)
	d2 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d2)

	enqueueStuck(t, d1, 1)
	enqueueStuck(t, d2, 2)

	got := p.GetDispatcher(origin, false, false, false)
	require.Same(t, d1, got)
}

func TestGetDispatcherUseFirstAvailConn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIODispatchersPerHost = 5
	cfg.UseFirstAvailConn = true
	p := New(cfg, discardLogger(), nil)

	origin := "http://example.com"
	d1 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d1)
	d2 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d2)

	enqueueStuck(t, d1, 1)

	got := p.GetDispatcher(origin, false, false, false)
	require.Same(t, d2, got, "first idle (zero-queue) dispatcher wins under use_first_avail_conn")
}

func TestGetDispatcherMakeAllConnsFirstly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MakeAllConnsFirstly = true
	cfg.MaxIODispatchersPerHost = 2
	p := New(cfg, discardLogger(), nil)

	origin := "http://example.com"
	d := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d)

	require.Nil(t, p.GetDispatcher(origin, false, false, false), "must force a new connection until per-host max is reached")
}

func TestGetDispatcherRespectsDontPipelineViaHTTPS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIODispatchersPerHost = 5
	cfg.PipelineViaHTTPS = false
	p := New(cfg, discardLogger(), nil)

	origin := "https://example.com"
	d := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d)

	got := p.GetDispatcher(origin, true, false, false)
	require.NotNil(t, got, "an idle dispatcher is still selectable, just not for pipelining")
	require.False(t, got.PipeliningSupported())
}

func TestReclaimEvictsOldestBeyondMaxIODispatchers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIODispatchers = 1
	p := New(cfg, discardLogger(), nil)

	origin := "http://example.com"
	d1 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d1)
	d2 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d2)

	p.Reclaim(origin, d1)
	require.Len(t, p.idle, 1)
	require.Same(t, d1, p.idle[0])

	p.Reclaim(origin, d2)
	require.Len(t, p.idle, 1, "idle FIFO must stay bounded by MaxIODispatchers")
	require.Same(t, d2, p.idle[0])
	require.Empty(t, p.hosts[origin].live)
}

func TestAllocDispatcherReusesIdleBeforeConstructing(t *testing.T) {
	p := New(DefaultConfig(), discardLogger(), nil)
	origin := "http://example.com"

	d1 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d1)
	p.Reclaim(origin, d1)
	require.Len(t, p.idle, 1)

	d2 := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	require.Same(t, d1, d2, "AllocDispatcher must pop the idle FIFO before constructing a new dispatcher")
	require.Empty(t, p.idle)
}

func TestPipeliningUnsupportedMarksHostRecordSticky(t *testing.T) {
	p := New(DefaultConfig(), discardLogger(), nil)
	origin := "http://example.com"

	d := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d)

	d.SetPipeliningSupport(false, "Connection: close")

	hr := p.hosts[origin]
	require.False(t, hr.supportsPipelining)
	require.Equal(t, "Connection: close", hr.pipeliningDisabledReason)
}

func TestIdleTimeoutReclaimsDispatcher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	p := New(cfg, discardLogger(), nil)
	origin := "http://example.com"

	d := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, d)

	deadline := time.After(500 * time.Millisecond)
	for {
		p.mu.Lock()
		n := len(p.idle)
		p.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for idle-timeout reclaim")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSetPipelineLimitsUpdatesHostRecords(t *testing.T) {
	p := New(DefaultConfig(), discardLogger(), nil)
	origin := "http://example.com"
	live := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, live)
	idle := p.AllocDispatcher(origin, false, dispatcher.Handlers{})
	bindDispatcher(t, idle)
	p.Reclaim(origin, idle)

	p.SetPipelineLimits(8, 16384)

	require.Equal(t, 8, p.cfg.MaxPipelinedMsgs)
	require.Equal(t, 16384, p.cfg.ResponseBlockSize)
	require.Equal(t, 8, p.hosts[origin].maxPipelinedMsgs)
	require.True(t, live.IsQueueFull() == false, "sanity: live dispatcher still usable")
	enqueueStuck(t, live, 8)
	require.True(t, live.IsQueueFull(), "updated MaxPipelinedMsgs must apply to an already-live dispatcher")
}

func TestOriginDispatcherIDIsUnique(t *testing.T) {
	require.Equal(t, "http://example.com#1", originDispatcherID("http://example.com", 1))
	require.Equal(t, "http://example.com#42", originDispatcherID("http://example.com", 42))
}
