/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package dispatcher implements the per-connection I/O state machine: it
// owns one socket, serializes writes and reads of one or more pipelined
// items across it, and drives chunked/content-length/EOF body framing and
// the idle timeout. A response asking to close the connection clears the
// dispatcher's pipelining support; the dispatcher does not close the
// socket on that account. Content decoding is available as DecodeBody; the
// read path itself hands raw body bytes to GotChunk. It is the Go-goroutine
// rendition of a readiness-driven state machine, modeled directly on the
// teacher's persistConn.readLoop/writeLoop pair.
package dispatcher

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/elkin/libsoup-pipelining/chunked"
	"github.com/elkin/libsoup-pipelining/codec"
	"github.com/elkin/libsoup-pipelining/hdr"
	"github.com/elkin/libsoup-pipelining/item"
	"github.com/elkin/libsoup-pipelining/status"
)

// Handlers are the signals a Dispatcher fires, hooked by the Pool the way
// spec §4.3.2 describes ("hook the dispatcher's idle-timeout to the
// connection's disconnect").
type Handlers struct {
	IdleTimeout           func(d *Dispatcher)
	IOMsgRestart          func(it *item.Item)
	PipeliningUnsupported func(d *Dispatcher, reason string)
	WroteHeaders          func(it *item.Item)
	WroteInformational    func(it *item.Item)
	GotInformational      func(it *item.Item)
	GotChunk              func(it *item.Item, p []byte)
	WroteChunk            func(it *item.Item)
}

// Config is the subset of pool-level tunables that apply per dispatcher
// (spec §4.3.4); Pool propagates changes to every live and idle
// dispatcher.
type Config struct {
	MaxPipelinedRequests int
	ResponseBlockSize    int
	IdleTimeout          time.Duration
	ThreadSafe           bool
}

// Dispatcher is spec component B, bound to at most one net.Conn at a
// time (nil meaning detached/idle).
type Dispatcher struct {
	mu sync.Mutex // guards the fields below; taken whatever Config.ThreadSafe says

	log *logrus.Entry

	id     string
	origin string

	cfg      Config
	handlers Handlers

	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	isTLS  bool
	viaProxy bool

	readQueue  []*item.Item
	writeQueue []*item.Item
	paused     []*item.Item
	pending    chan *item.Item

	pipeliningSupported bool

	finishedCount int

	idleTimer *time.Timer
	closech   chan struct{}
	closeOnce sync.Once
	closedErr error

	// writewake is a coalesced wakeup, not a work queue: writeLoop always
	// resumes d.writeQueue's head, never whatever this channel yields, so
	// a dropped/coalesced signal never reorders or loses a write.
	writewake chan struct{}
}

// New constructs a Dispatcher with no socket bound; Bind attaches one.
func New(id, origin string, cfg Config, h Handlers, log *logrus.Entry) *Dispatcher {
	if cfg.MaxPipelinedRequests <= 0 {
		cfg.MaxPipelinedRequests = 1
	}
	if cfg.ResponseBlockSize <= 0 {
		cfg.ResponseBlockSize = 8192
	}
	return &Dispatcher{
		id:                   id,
		origin:               origin,
		cfg:                  cfg,
		handlers:              h,
		log:                  log.WithFields(logrus.Fields{"dispatcher_id": id, "origin": origin}),
		pipeliningSupported:  true,
		pending:              make(chan *item.Item, 16),
		closech:              make(chan struct{}),
		writewake:            make(chan struct{}, 1),
	}
}

// wake schedules writeLoop to re-examine d.writeQueue's head. Non-blocking:
// if a wakeup is already pending, this one coalesces into it rather than
// blocking or being silently lost — the pending wakeup still forces a fresh
// look at the queue head once consumed.
func (d *Dispatcher) wake() {
	select {
	case d.writewake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) ID() string     { return d.id }
func (d *Dispatcher) Origin() string { return d.origin }

// Bind attaches conn and starts the read/write goroutines — spec §4.2.9's
// "socket (re)binding", the bind side.
func (d *Dispatcher) Bind(conn net.Conn, viaProxy, isTLS bool) {
	d.mu.Lock()
	d.conn = conn
	d.viaProxy = viaProxy
	d.isTLS = isTLS
	d.br = bufio.NewReader(conn)
	d.bw = bufio.NewWriter(conn)
	d.closech = make(chan struct{})
	d.mu.Unlock()

	go d.writeLoop()
	go d.readLoop()
	d.armIdleTimer()
}

// Unbind implements the detach half of §4.2.9: clears the socket and
// drains both queues. An item that has been neither cancelled nor errored
// gets io-msg-restart only when it is idempotent, has no response headers
// yet, and at least one earlier item on this connection finished; any
// other such item is finished with IOError set.
func (d *Dispatcher) Unbind(reason error) {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	toRestart := make([]*item.Item, 0, len(d.readQueue)+len(d.writeQueue))
	toRestart = append(toRestart, d.writeQueue...)
	toRestart = append(toRestart, d.readQueue...)
	d.writeQueue = nil
	d.readQueue = nil
	finished := d.finishedCount
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	d.closeOnce.Do(func() {
		d.closedErr = reason
		close(d.closech)
	})

	// restart gate: only retry a message that is safe to replay whole —
	// idempotent, no response bytes seen yet for it, and at least one
	// earlier message on this connection already finished (so we know the
	// failure isn't this message corrupting its own framing).
	seen := map[*item.Item]bool{}
	for _, it := range toRestart {
		if seen[it] || it.Cancelled || it.IOError {
			continue
		}
		seen[it] = true
		if !it.Idempotent || it.GotResponseHeaders || finished == 0 {
			it.IOError = true
			if it.Err == nil {
				it.Err = reason
			}
			it.Finish()
			continue
		}
		if d.handlers.IOMsgRestart != nil {
			d.handlers.IOMsgRestart(it)
		}
	}
}

// IsQueueEmpty reports spec §4.2.5's is_queue_empty.
func (d *Dispatcher) IsQueueEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.readQueue) == 0 && len(d.writeQueue) == 0 && len(d.paused) == 0 && len(d.pending) == 0
}

// QueueLength is the number of outstanding (not-yet-done) items.
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.writeQueue)
	for _, it := range d.readQueue {
		found := false
		for _, w := range d.writeQueue {
			if w == it {
				found = true
				break
			}
		}
		if !found {
			n++
		}
	}
	return n
}

// IsQueueFull implements spec §4.2.5.
func (d *Dispatcher) IsQueueFull() bool {
	return d.QueueLength() >= d.cfg.MaxPipelinedRequests
}

// SetLimits updates the live pipelining/read-block tunables, per spec
// §4.3.4's requirement that a pool-wide limit change propagate to every
// live and idle dispatcher, not just ones constructed afterward.
func (d *Dispatcher) SetLimits(maxPipelinedRequests, responseBlockSize int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if maxPipelinedRequests > 0 {
		d.cfg.MaxPipelinedRequests = maxPipelinedRequests
	}
	if responseBlockSize > 0 {
		d.cfg.ResponseBlockSize = responseBlockSize
	}
}

func (d *Dispatcher) PipeliningSupported() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipeliningSupported
}

// SetPipeliningSupport implements spec §4.3.3's sticky blacklist: once
// cleared it never turns back on for this dispatcher's lifetime.
func (d *Dispatcher) SetPipeliningSupport(supported bool, reason string) {
	d.mu.Lock()
	was := d.pipeliningSupported
	if !supported {
		d.pipeliningSupported = false
	}
	d.mu.Unlock()
	if was && !supported && d.handlers.PipeliningUnsupported != nil {
		d.handlers.PipeliningUnsupported(d, reason)
	}
}

// Enqueue admits it to both the read and write queues (spec §4.2.5) and
// schedules the write/read loops to look at it.
func (d *Dispatcher) Enqueue(it *item.Item) error {
	d.mu.Lock()
	if d.conn == nil {
		d.mu.Unlock()
		return status.ErrConnBroken
	}
	d.cancelIdleTimerLocked()
	d.writeQueue = append(d.writeQueue, it)
	d.readQueue = append(d.readQueue, it)
	d.mu.Unlock()

	d.wake()
	return nil
}

// Pause implements spec §4.2.6.
func (d *Dispatcher) Pause(it *item.Item) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it.Paused = true
	if it.WriteState == item.NotStarted && it.ReadState == item.NotStarted {
		d.removeFromLocked(&d.writeQueue, it)
		d.removeFromLocked(&d.readQueue, it)
		d.paused = append(d.paused, it)
	}
}

// Unpause implements spec §4.2.6: re-admits the item to the active
// queues and re-enters the correct processor.
func (d *Dispatcher) Unpause(it *item.Item) {
	d.mu.Lock()
	it.Paused = false
	d.removeFromLocked(&d.paused, it)
	if it.WriteState != item.Done {
		d.writeQueue = append(d.writeQueue, it)
	}
	if it.ReadState != item.Done {
		d.readQueue = append(d.readQueue, it)
	}
	d.mu.Unlock()

	d.wake()
}

func (d *Dispatcher) removeFromLocked(q *[]*item.Item, it *item.Item) {
	out := (*q)[:0]
	for _, x := range *q {
		if x != it {
			out = append(out, x)
		}
	}
	*q = out
}

func (d *Dispatcher) armIdleTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armIdleTimerLocked()
}

func (d *Dispatcher) armIdleTimerLocked() {
	if d.cfg.IdleTimeout <= 0 {
		return
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.cfg.IdleTimeout, func() {
		if d.handlers.IdleTimeout != nil {
			d.handlers.IdleTimeout(d)
		}
	})
}

func (d *Dispatcher) cancelIdleTimerLocked() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}

func (d *Dispatcher) maybeArmIdle() {
	if d.IsQueueEmpty() {
		d.armIdleTimer()
	}
}

// writeLoop is the write-side driver goroutine, grounded on
// persistConn.writeLoop. It always resumes d.writeQueue's head — never
// whatever writewake happens to deliver — so a second, already-enqueued
// item can never jump ahead of a first item parked in Blocking (e.g.
// waiting on a 100-continue) and corrupt request framing on the wire.
func (d *Dispatcher) writeLoop() {
	for {
		d.mu.Lock()
		var head *item.Item
		if len(d.writeQueue) > 0 {
			head = d.writeQueue[0]
		}
		d.mu.Unlock()

		if head == nil || !head.ActiveForWrite() {
			select {
			case <-d.writewake:
			case <-d.closech:
				return
			}
			continue
		}
		d.driveWrite(head)
	}
}

// readLoop is the read-side driver goroutine, grounded on
// persistConn.readLoop.
func (d *Dispatcher) readLoop() {
	for {
		d.mu.Lock()
		var next *item.Item
		if len(d.readQueue) > 0 {
			next = d.readQueue[0]
		}
		d.mu.Unlock()

		if next == nil {
			select {
			case <-d.closech:
				return
			case <-time.After(time.Millisecond):
				continue
			}
		}
		if !next.ActiveForRead() {
			select {
			case <-d.closech:
				return
			case <-time.After(time.Millisecond):
				continue
			}
		}
		if err := d.driveRead(next); err != nil {
			d.log.WithError(err).WithField("item_id", next.TraceID.String()).Warn("read loop: item failed")
			next.IOError = true
			next.Err = err
			d.mu.Lock()
			d.removeFromLocked(&d.readQueue, next)
			d.mu.Unlock()
			next.Finish()
			d.Unbind(err)
			return
		}
		if next.ReadState == item.Done {
			d.mu.Lock()
			d.removeFromLocked(&d.readQueue, next)
			d.finishedCount++
			d.mu.Unlock()
			if next.IsDone() {
				next.Finish()
			}
			d.maybeArmIdle()
		}
	}
}

func (d *Dispatcher) finishWriteLocked(it *item.Item) {
	d.removeFromLocked(&d.writeQueue, it)
}

// driveWrite advances it.WriteState to completion or to a blocking point
// (BLOCKING, WOULD_BLOCK-equivalent error), per spec §4.2.2.
func (d *Dispatcher) driveWrite(it *item.Item) error {
	for it.ActiveForWrite() {
		switch it.WriteState {
		case item.NotStarted:
			it.WriteState = item.Headers
		case item.Headers:
			if err := d.writeHeaders(it); err != nil {
				return d.failItem(it, err)
			}
		case item.Body:
			done, err := d.writeBody(it)
			if err != nil {
				return d.failItem(it, err)
			}
			if done {
				it.WriteState = item.Finishing
			}
		case item.ChunkSize, item.Chunk, item.ChunkEnd:
			done, err := d.writeChunked(it)
			if err != nil {
				return d.failItem(it, err)
			}
			if done {
				it.WriteState = item.Trailers
			}
		case item.Trailers:
			if err := d.bw.Flush(); err != nil {
				return d.failItem(it, err)
			}
			it.WriteState = item.Finishing
		case item.Finishing:
			it.WriteState = item.Done
			d.mu.Lock()
			d.finishWriteLocked(it)
			d.mu.Unlock()
			return nil
		case item.Blocking:
			return nil
		default:
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) failItem(it *item.Item, err error) error {
	it.IOError = true
	it.Err = err
	d.mu.Lock()
	d.finishWriteLocked(it)
	d.removeFromLocked(&d.readQueue, it)
	d.mu.Unlock()
	it.Finish()
	return err
}

// writeHeaders serializes the request line and headers, sends them, and
// computes write-encoding/write-length — spec §4.2.2's HEADERS state.
func (d *Dispatcher) writeHeaders(it *item.Item) error {
	if it.ReqHdr == nil {
		it.ReqHdr = hdr.Header{}
	}
	hdr.SetTraceID(it.ReqHdr, it.TraceID)
	fmt.Fprintf(&it.ScratchBuf, "%s %s HTTP/1.1\r\n", it.Method, it.URI)
	if err := it.ReqHdr.Write(&it.ScratchBuf); err != nil {
		return err
	}
	it.ScratchBuf.WriteString("\r\n")

	if _, err := d.bw.Write(it.ScratchBuf.Bytes()); err != nil {
		return err
	}
	it.ScratchBuf.Reset()
	if err := d.bw.Flush(); err != nil {
		return err
	}

	te, err := hdr.FixTransferEncoding(it.ReqHdr)
	if err != nil {
		return err
	}
	length, err := hdr.DetermineLength(false, 0, it.Method, it.ReqHdr, te)
	if err != nil {
		return err
	}
	it.WriteLength = length
	switch {
	case len(te) > 0:
		it.WriteEncoding = item.EncodingChunked
	case length > 0:
		it.WriteEncoding = item.EncodingContentLength
	case length == 0:
		it.WriteEncoding = item.EncodingNone
	default:
		it.WriteEncoding = item.EncodingEOF
	}

	wants100, err := hdr.GetExpectations(it.ReqHdr)
	if err != nil {
		return err
	}
	if d.handlers.WroteHeaders != nil {
		d.handlers.WroteHeaders(it)
	}
	if wants100 {
		it.Expect100Continue = true
		it.WriteState = item.Blocking
		d.mu.Lock()
		d.readQueue = append(d.readQueue, it)
		d.mu.Unlock()
		return nil
	}
	if it.Body == nil || it.WriteEncoding == item.EncodingNone {
		it.WriteState = item.Finishing
		return nil
	}
	if it.WriteEncoding == item.EncodingChunked {
		it.WriteState = item.ChunkSize
	} else {
		it.WriteState = item.Body
	}
	return nil
}

// writeBody pulls the next body chunk for a CONTENT_LENGTH or
// EOF-terminated request, per spec §4.2.2's BODY state.
func (d *Dispatcher) writeBody(it *item.Item) (done bool, err error) {
	buf := make([]byte, 32*1024)
	if it.WriteEncoding == item.EncodingContentLength {
		remaining := it.WriteLength - it.WriteBodyOffset
		if remaining <= 0 {
			return true, nil
		}
		if int64(len(buf)) > remaining {
			buf = buf[:remaining]
		}
	}
	n, rerr := it.Body.Read(buf)
	if n > 0 {
		if _, werr := d.bw.Write(buf[:n]); werr != nil {
			return false, werr
		}
		if ferr := d.bw.Flush(); ferr != nil {
			return false, ferr
		}
		it.WriteBodyOffset += int64(n)
		if d.handlers.WroteChunk != nil {
			d.handlers.WroteChunk(it)
		}
	}
	if rerr == io.EOF {
		if it.WriteEncoding == item.EncodingEOF || it.WriteBodyOffset >= it.WriteLength {
			return true, nil
		}
		return false, io.ErrUnexpectedEOF
	}
	if rerr != nil {
		return false, rerr
	}
	return false, nil
}

// writeChunked drives CHUNK_SIZE/CHUNK/CHUNK_END for a chunked request
// body using the chunked.Writer wire encoder.
func (d *Dispatcher) writeChunked(it *item.Item) (done bool, err error) {
	cw := chunked.NewWriter(d.bw)
	buf := make([]byte, 32*1024)
	n, rerr := it.Body.Read(buf)
	if n > 0 {
		if _, werr := cw.Write(buf[:n]); werr != nil {
			return false, werr
		}
		if ferr := d.bw.Flush(); ferr != nil {
			return false, ferr
		}
		if d.handlers.WroteChunk != nil {
			d.handlers.WroteChunk(it)
		}
	}
	if rerr == io.EOF {
		if err := cw.Close(nil); err != nil {
			return false, err
		}
		return true, nil
	}
	if rerr != nil {
		return false, rerr
	}
	return false, nil
}

// driveRead advances it.ReadState to completion, per spec §4.2.3.
func (d *Dispatcher) driveRead(it *item.Item) error {
	for it.ActiveForRead() {
		switch it.ReadState {
		case item.NotStarted:
			it.ReadState = item.Headers
		case item.Headers:
			if err := d.readHeaders(it); err != nil {
				return err
			}
		case item.Body:
			done, err := d.readBody(it)
			if err != nil {
				return err
			}
			if done {
				it.ReadState = item.Finishing
			} else {
				return nil // one chunk per driveRead call; readLoop re-enters
			}
		case item.ChunkSize, item.Chunk, item.ChunkEnd:
			done, err := d.readChunked(it)
			if err != nil {
				return err
			}
			if done {
				it.ReadState = item.Trailers
			} else {
				return nil
			}
		case item.Trailers:
			// Consume the trailer fields and the final blank line so the
			// next pipelined response starts at its status line.
			if _, err := hdr.NewHeaderReader(d.br).ReadMIMEHeader(); err != nil {
				return err
			}
			it.ReadState = item.Finishing
		case item.Finishing:
			it.ReadState = item.Done
			if it.WriteState == item.Blocking {
				// A final response arrived without a 100 Continue (a 100
				// would have released the writer in readHeaders): the body
				// is not sent and the write side ends here.
				it.WriteState = item.Done
				d.mu.Lock()
				d.finishWriteLocked(it)
				d.mu.Unlock()
				d.wake()
			}
			return nil
		case item.Blocking:
			return nil
		default:
			return nil
		}
	}
	return nil
}

// readHeaders accumulates and parses the response headers, per spec
// §4.2.3's HEADERS state, including the 1xx/100-continue release path.
func (d *Dispatcher) readHeaders(it *item.Item) error {
	proto, code, statusText, header, err := hdr.ParseResponse(d.br)
	if err != nil {
		it.RespStatus = int(status.Malformed)
		it.ReqHdr.Set(hdr.Connection, "close")
		it.ReadState = item.Finishing
		return err
	}
	if code == 100 {
		if d.handlers.GotInformational != nil {
			d.handlers.GotInformational(it)
		}
		if it.WriteState == item.Blocking {
			it.WroteContinue = true
			it.WriteState = item.Body
			if it.WriteEncoding == item.EncodingChunked {
				it.WriteState = item.ChunkSize
			}
			d.wake()
		}
		// Loop back for the real response; re-entering readHeaders leaves
		// ReadState at Headers.
		return nil
	}

	it.RespProto = proto
	it.RespStatus = code
	it.RespStatusText = statusText
	it.RespHdr = header
	it.GotResponseHeaders = true

	te, err := hdr.FixTransferEncoding(header)
	if err != nil {
		return err
	}
	length, err := hdr.DetermineLength(true, code, it.Method, header, te)
	if err != nil {
		return err
	}
	it.ReadLength = length
	close_ := hdr.ShouldClose(1, 1, header, true)

	switch {
	case len(te) > 0:
		it.ReadEncoding = item.EncodingChunked
	case length == 0:
		it.ReadEncoding = item.EncodingNone
	case length > 0:
		it.ReadEncoding = item.EncodingContentLength
	default:
		it.ReadEncoding = item.EncodingEOF
	}
	it.ReadEOFOK = it.ReadEncoding == item.EncodingEOF || (it.ReadEncoding == item.EncodingContentLength && close_)

	if it.ReadEncoding == item.EncodingChunked {
		it.ReadState = item.ChunkSize
	} else if it.ReadEncoding == item.EncodingNone || it.Method == "HEAD" {
		it.ReadState = item.Finishing
	} else {
		it.ReadState = item.Body
	}

	if close_ || code <= 199 {
		d.SetPipeliningSupport(false, "Connection: close on response")
	}
	return nil
}

func (d *Dispatcher) readBody(it *item.Item) (done bool, err error) {
	blockSize := d.cfg.ResponseBlockSize
	buf := make([]byte, blockSize)
	if it.ReadEncoding == item.EncodingContentLength && it.ReadLength >= 0 {
		remaining := it.ReadLength
		if int64(len(buf)) > remaining {
			if remaining == 0 {
				return true, nil
			}
			buf = buf[:remaining]
		}
	}
	n, rerr := d.br.Read(buf)
	if n > 0 {
		if d.handlers.GotChunk != nil {
			d.handlers.GotChunk(it, buf[:n])
		}
		if it.ReadEncoding == item.EncodingContentLength {
			it.ReadLength -= int64(n)
			if it.ReadLength <= 0 {
				return true, nil
			}
		}
	}
	if rerr == io.EOF {
		if it.ReadEOFOK {
			return true, nil
		}
		return false, io.ErrUnexpectedEOF
	}
	if rerr != nil {
		return false, rerr
	}
	return false, nil
}

func (d *Dispatcher) readChunked(it *item.Item) (done bool, err error) {
	// One chunked.Reader serves the whole body: it carries the pending
	// chunk-end CRLF from one Read to the next.
	cr := chunked.NewReader(d.br)
	buf := make([]byte, d.cfg.ResponseBlockSize)
	for {
		n, rerr := cr.Read(buf)
		if n > 0 && d.handlers.GotChunk != nil {
			d.handlers.GotChunk(it, buf[:n])
		}
		if rerr == io.EOF {
			return true, nil
		}
		if rerr != nil {
			return false, rerr
		}
	}
}

// DecodeBody wraps r with the content-decoder chain named by
// Content-Encoding, per spec §4.2.7.
func DecodeBody(r io.Reader, header hdr.Header) io.ReadCloser {
	enc := header.Get(hdr.ContentEncoding)
	if enc == "" {
		return io.NopCloser(r)
	}
	chain := codec.NewChain(r, []string{enc})
	if chain.Empty() {
		return io.NopCloser(r)
	}
	return struct {
		io.Reader
		io.Closer
	}{chain, chain}
}

// Close disconnects the dispatcher, firing Unbind's drain/restart path.
func (d *Dispatcher) Close() error {
	d.Unbind(status.ErrConnBroken)
	return nil
}
