/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package item holds the per-request work-item state a Dispatcher drives
// through its read/write state machine: one Item per in-flight message on
// a connection, tracking cursors, buffers, and queue membership the way
// the teacher's Request/Response pair tracks a single round trip, but
// generalized to cover several pipelined messages sharing one socket.
package item

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/elkin/libsoup-pipelining/hdr"
)

// ReadState and WriteState name the per-direction cursor of §4.2.1's state
// machine. Both directions share the same state set so a single String
// method and the same DONE sentinel serve both.
type State int

const (
	NotStarted State = iota
	Headers
	Blocking // write only: parked waiting on a 100-continue response
	Body
	ChunkSize
	Chunk
	ChunkEnd
	Trailers
	Finishing
	Done
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Headers:
		return "HEADERS"
	case Blocking:
		return "BLOCKING"
	case Body:
		return "BODY"
	case ChunkSize:
		return "CHUNK_SIZE"
	case Chunk:
		return "CHUNK"
	case ChunkEnd:
		return "CHUNK_END"
	case Trailers:
		return "TRAILERS"
	case Finishing:
		return "FINISHING"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Encoding is the body-framing mode of one direction of one Item.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingContentLength
	EncodingChunked
	EncodingEOF
	EncodingUnrecognized
)

// Queue names which of a Dispatcher's three queues an Item currently
// belongs to, mirroring the "membership links" of spec §3. An item is a
// member of at most one of Read/Write at a time per direction's progress,
// and Paused is mutually exclusive with either being active.
type Queue int

const (
	QueueNone Queue = iota
	QueueRead
	QueueWrite
	QueuePaused
)

// CompletionFunc is invoked exactly once, after an Item has been unlinked
// from every queue — on normal completion, cancellation, or a transport
// error. datum is whatever opaque value the caller supplied when it
// enqueued the request.
type CompletionFunc func(it *Item, datum interface{})

// Item is one in-flight request/response pair being driven by a
// Dispatcher. Exported fields are touched by the dispatcher package only;
// callers outside it should treat an Item as opaque beyond TraceID and
// Err.
type Item struct {
	mu sync.Mutex // taken by Lock/Unlock; the dispatcher package does not take it

	TraceID uuid.UUID

	Ctx    context.Context
	Cancel context.CancelFunc

	Method string
	URI    string
	ReqHdr hdr.Header
	Body   readCloser // request body stream, nil for bodyless requests

	RespProto      string
	RespStatus     int
	RespStatusText string
	RespHdr        hdr.Header

	ReadState  State
	WriteState State

	ReadEncoding  Encoding
	WriteEncoding Encoding

	ReadLength  int64 // remaining bytes for a length-delimited read body; -1 once unknown/EOF-terminated
	WriteLength int64

	WriteBodyOffset      int64
	ChunkBytesWritten     int64

	MetaBuf  bytes.Buffer // header / chunk-size line accumulation (read side)
	ScratchBuf bytes.Buffer // header / chunk-size line serialization (write side)
	CurChunk []byte        // current outgoing body chunk

	SniffBuf           []byte
	NeedContentSniffed bool
	NeedGotChunk       bool

	ReadBlocked  bool
	WriteBlocked bool
	Paused       bool
	Cancelled    bool
	IOError      bool
	Err          error

	ReadEOFOK bool // EOF is an acceptable body terminator for this item

	Queue Queue

	Expect100Continue bool
	WroteContinue      bool
	Idempotent         bool // GET/HEAD: safe to retry via io-msg-restart
	GotResponseHeaders bool // a non-1xx status line has been parsed for this item

	onComplete CompletionFunc
	datum      interface{}
	done       bool
}

type readCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// New creates an Item for method/uri with a fresh trace ID, ready to be
// admitted to a Dispatcher's read and write queues.
func New(ctx context.Context, method, uri string, header hdr.Header, body readCloser, onComplete CompletionFunc, datum interface{}) *Item {
	ctx, cancel := context.WithCancel(ctx)
	return &Item{
		TraceID:    uuid.New(),
		Ctx:        ctx,
		Cancel:     cancel,
		Method:     method,
		URI:        uri,
		ReqHdr:     header,
		Body:       body,
		ReadLength: -1,
		WriteLength: -1,
		onComplete: onComplete,
		datum:      datum,
		Idempotent: method == "GET" || method == "HEAD",
	}
}

// Lock/Unlock acquire and release the item's own mutex, spec §5's
// "per-item lock handle". They always lock, whatever the owning
// Dispatcher's configuration; the dispatcher package does not call them.
func (it *Item) Lock()   { it.mu.Lock() }
func (it *Item) Unlock() { it.mu.Unlock() }

// IsDone reports whether both directions have reached State Done.
func (it *Item) IsDone() bool { return it.ReadState == Done && it.WriteState == Done }

// ActiveForWrite reports whether the item is eligible for write processing:
// not paused, not cancelled, and not parked in BLOCKING.
func (it *Item) ActiveForWrite() bool {
	return !it.Paused && !it.Cancelled && it.WriteState != Blocking
}

func (it *Item) ActiveForRead() bool {
	return !it.Paused && !it.Cancelled
}

// Finish unlinks the item from all queues and invokes its completion
// callback exactly once, per spec §3's invariant that a done or cancelled
// item is unlinked before the callback fires.
func (it *Item) Finish() {
	if it.done {
		return
	}
	it.done = true
	it.Queue = QueueNone
	if it.Cancel != nil {
		it.Cancel()
	}
	if it.onComplete != nil {
		it.onComplete(it, it.datum)
	}
}

// CancelWith sets cancelled and the supplied error, then finishes the item —
// named CancelWith to avoid colliding with the context.CancelFunc field
// Cancel.
func (it *Item) CancelWith(err error) {
	it.Cancelled = true
	it.Err = err
	it.Finish()
}
