/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package pool implements spec components D (Host Record) and E
// (Dispatcher Pool): per-origin connection accounting, dispatcher
// selection, idle-reuse eviction, and the pool-wide tunables, grounded
// on the teacher's Transport.getConn/getIdleConn/tryPutIdleConn family.
package pool

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/elkin/libsoup-pipelining/dispatcher"
)

// Config is the pool-wide tunable set of spec §4.3.4.
type Config struct {
	MaxIODispatchers        int
	MaxIODispatchersPerHost int
	MaxPipelinedMsgs        int
	ResponseBlockSize       int
	IdleTimeout             time.Duration
	MakeAllConnsFirstly     bool
	UseFirstAvailConn       bool
	PipelineViaProxy        bool
	PipelineViaHTTPS        bool
	// ThreadSafe is copied into each new dispatcher's Config, where no code
	// reads it. Pool and Dispatcher take their mutexes whatever its value —
	// see DESIGN.md's Open Questions.
	ThreadSafe bool
}

// DefaultConfig matches spec §4.3.4's enumerated defaults.
func DefaultConfig() Config {
	return Config{
		MaxIODispatchers:        10,
		MaxIODispatchersPerHost: 2,
		MaxPipelinedMsgs:        4,
		ResponseBlockSize:       8192,
		IdleTimeout:             3 * time.Second,
	}
}

// hostRecord is spec component D: per-(host,port) connection accounting.
type hostRecord struct {
	origin string

	live []*dispatcher.Dispatcher

	supportsPipelining bool // sticky: once cleared, stays cleared
	pipeliningDisabledReason string
	maxPipelinedMsgs   int

	lastActivity time.Time
}

// Pool is spec component E: the global registry plus idle-reuse FIFO.
type Pool struct {
	mu sync.Mutex

	cfg Config
	log *logrus.Entry

	hosts map[string]*hostRecord
	idle  []*dispatcher.Dispatcher // FIFO, bounded by cfg.MaxIODispatchers... see DESIGN.md

	dispatcherSeq int

	metrics *metrics
}

type metrics struct {
	idleHostSeconds        *prometheus.GaugeVec
	pipeliningDisabledTotal *prometheus.CounterVec
	liveDispatchers         prometheus.Gauge
	idleDispatchers         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		idleHostSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_host_idle_seconds",
			Help: "Seconds since the last activity on a host record.",
		}, []string{"origin"}),
		pipeliningDisabledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_pipelining_disabled_total",
			Help: "Count of times pipelining was disabled for a host, by reason.",
		}, []string{"origin", "reason"}),
		liveDispatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_live_dispatchers",
			Help: "Number of dispatchers bound to a live connection.",
		}),
		idleDispatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_idle_dispatchers",
			Help: "Number of dispatchers sitting in the idle-reuse FIFO.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.idleHostSeconds, m.pipeliningDisabledTotal, m.liveDispatchers, m.idleDispatchers)
	}
	return m
}

// New builds a Pool. reg may be nil to skip Prometheus registration
// (useful in tests).
func New(cfg Config, log *logrus.Logger, reg prometheus.Registerer) *Pool {
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		cfg:     cfg,
		log:     log.WithField("component", "pool"),
		hosts:   make(map[string]*hostRecord),
		metrics: newMetrics(reg),
	}
}

func (p *Pool) hostRecordLocked(origin string) *hostRecord {
	hr, ok := p.hosts[origin]
	if !ok {
		hr = &hostRecord{
			origin:             origin,
			supportsPipelining: true,
			maxPipelinedMsgs:   p.cfg.MaxPipelinedMsgs,
			lastActivity:       time.Now(),
		}
		p.hosts[origin] = hr
	}
	return hr
}

// GetDispatcher implements the selection algorithm of spec §4.3.1,
// steps 1-7.
func (p *Pool) GetDispatcher(origin string, viaHTTPS, viaProxy, connectionClose bool) *dispatcher.Dispatcher {
	p.mu.Lock()
	defer p.mu.Unlock()

	hr := p.hostRecordLocked(origin)

	// step 2: prefer opening a new connection before reusing one.
	if p.cfg.MakeAllConnsFirstly && len(hr.live) < p.cfg.MaxIODispatchersPerHost {
		return nil
	}

	dontPipeline := (viaProxy && !p.cfg.PipelineViaProxy) ||
		(viaHTTPS && !p.cfg.PipelineViaHTTPS) ||
		!hr.supportsPipelining ||
		connectionClose

	var best *dispatcher.Dispatcher
	bestLen := -1
	for _, d := range hr.live {
		candidate := (dontPipeline && d.IsQueueEmpty()) || (!dontPipeline && !d.IsQueueFull())
		if !candidate {
			continue
		}
		l := d.QueueLength()
		if p.cfg.UseFirstAvailConn {
			if l == 0 {
				best = d
				break
			}
			if best == nil {
				best = d
			}
			continue
		}
		if best == nil || l < bestLen {
			best = d
			bestLen = l
		}
	}
	if best == nil {
		return nil
	}
	best.SetPipeliningSupport(!dontPipeline, "")
	return best
}

// AllocDispatcher implements spec §4.3.2: pop an idle dispatcher if any,
// else construct one, configure it from the pool's tunables, and enqueue
// it in the Host Record.
func (p *Pool) AllocDispatcher(origin string, viaProxy bool, h dispatcher.Handlers) *dispatcher.Dispatcher {
	p.mu.Lock()
	defer p.mu.Unlock()

	hr := p.hostRecordLocked(origin)

	var d *dispatcher.Dispatcher
	if len(p.idle) > 0 {
		d = p.idle[0]
		p.idle = p.idle[1:]
		p.metrics.idleDispatchers.Set(float64(len(p.idle)))
	} else {
		p.dispatcherSeq++
		id := originDispatcherID(origin, p.dispatcherSeq)
		cfg := dispatcher.Config{
			MaxPipelinedRequests: p.cfg.MaxPipelinedMsgs,
			ResponseBlockSize:    p.cfg.ResponseBlockSize,
			IdleTimeout:          p.cfg.IdleTimeout,
			ThreadSafe:           p.cfg.ThreadSafe,
		}
		d = dispatcher.New(id, origin, cfg, wrapHandlers(h, p, hr, origin), p.log.Logger.WithField("pool", "alloc"))
	}

	hr.live = append(hr.live, d)
	p.metrics.liveDispatchers.Set(float64(p.totalLiveLocked()))
	return d
}

func (p *Pool) totalLiveLocked() int {
	n := 0
	for _, hr := range p.hosts {
		n += len(hr.live)
	}
	return n
}

// wrapHandlers installs the pool's own reclaim-to-idle and
// pipelining-blacklist behavior around whatever handlers the session
// layer supplied, per spec §4.3.2 ("hook the dispatcher's idle-timeout
// to the connection's disconnect").
func wrapHandlers(h dispatcher.Handlers, p *Pool, hr *hostRecord, origin string) dispatcher.Handlers {
	userIdle := h.IdleTimeout
	h.IdleTimeout = func(d *dispatcher.Dispatcher) {
		if userIdle != nil {
			userIdle(d)
		}
		p.Reclaim(origin, d)
	}
	userPipe := h.PipeliningUnsupported
	h.PipeliningUnsupported = func(d *dispatcher.Dispatcher, reason string) {
		p.mu.Lock()
		hr.supportsPipelining = false
		hr.pipeliningDisabledReason = reason
		p.mu.Unlock()
		p.metrics.pipeliningDisabledTotal.WithLabelValues(origin, reason).Inc()
		if userPipe != nil {
			userPipe(d, reason)
		}
	}
	return h
}

// Reclaim moves d from its Host Record's live list to the idle-reuse
// FIFO, bounded by Config.MaxIODispatchers — the resolution DESIGN.md
// records for spec §3's Open Question on the FIFO's bound, mirroring the
// teacher's idleLRU eviction.
func (p *Pool) Reclaim(origin string, d *dispatcher.Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hr, ok := p.hosts[origin]
	if ok {
		hr.live = removeDispatcher(hr.live, d)
		hr.lastActivity = time.Now()
		p.metrics.idleHostSeconds.WithLabelValues(origin).Set(0)
	}

	if len(p.idle) >= p.cfg.MaxIODispatchers {
		oldest := p.idle[0]
		p.idle = p.idle[1:]
		oldest.Close()
	}
	p.idle = append(p.idle, d)
	p.metrics.idleDispatchers.Set(float64(len(p.idle)))
	p.metrics.liveDispatchers.Set(float64(p.totalLiveLocked()))
}

func removeDispatcher(list []*dispatcher.Dispatcher, d *dispatcher.Dispatcher) []*dispatcher.Dispatcher {
	out := list[:0]
	for _, x := range list {
		if x != d {
			out = append(out, x)
		}
	}
	return out
}

// SetPipelineLimits propagates a max-pipelined-msgs / response-block-size
// change to every live and idle dispatcher, per spec §4.3.4's closing
// paragraph.
func (p *Pool) SetPipelineLimits(maxPipelined, responseBlockSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.MaxPipelinedMsgs = maxPipelined
	p.cfg.ResponseBlockSize = responseBlockSize
	for _, hr := range p.hosts {
		hr.maxPipelinedMsgs = maxPipelined
		for _, d := range hr.live {
			d.SetLimits(maxPipelined, responseBlockSize)
		}
	}
	for _, d := range p.idle {
		d.SetLimits(maxPipelined, responseBlockSize)
	}
}

func originDispatcherID(origin string, seq int) string {
	return origin + "#" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
