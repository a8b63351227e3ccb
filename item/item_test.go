/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package item

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elkin/libsoup-pipelining/hdr"
)

func TestNewSetsDefaults(t *testing.T) {
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, nil, nil)
	require.NotEqual(t, [16]byte{}, it.TraceID)
	require.EqualValues(t, -1, it.ReadLength)
	require.EqualValues(t, -1, it.WriteLength)
	require.True(t, it.Idempotent)
	require.Equal(t, NotStarted, it.ReadState)
	require.Equal(t, NotStarted, it.WriteState)
}

func TestNewPostIsNotIdempotent(t *testing.T) {
	it := New(context.Background(), "POST", "/", hdr.Header{}, nil, nil, nil)
	require.False(t, it.Idempotent)
}

func TestIsDone(t *testing.T) {
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, nil, nil)
	require.False(t, it.IsDone())
	it.ReadState = Done
	require.False(t, it.IsDone())
	it.WriteState = Done
	require.True(t, it.IsDone())
}

func TestActiveForWrite(t *testing.T) {
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, nil, nil)
	require.True(t, it.ActiveForWrite())

	it.WriteState = Blocking
	require.False(t, it.ActiveForWrite())
	it.WriteState = NotStarted

	it.Paused = true
	require.False(t, it.ActiveForWrite())
	it.Paused = false

	it.Cancelled = true
	require.False(t, it.ActiveForWrite())
}

func TestActiveForRead(t *testing.T) {
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, nil, nil)
	require.True(t, it.ActiveForRead())
	it.Paused = true
	require.False(t, it.ActiveForRead())
	it.Paused = false
	it.Cancelled = true
	require.False(t, it.ActiveForRead())
}

func TestFinishInvokesCompletionOnce(t *testing.T) {
	calls := 0
	var gotDatum interface{}
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, func(_ *Item, datum interface{}) {
		calls++
		gotDatum = datum
	}, "payload")

	it.Queue = QueueWrite
	it.Finish()
	require.Equal(t, 1, calls)
	require.Equal(t, "payload", gotDatum)
	require.Equal(t, QueueNone, it.Queue)

	it.Finish()
	require.Equal(t, 1, calls, "Finish must be idempotent")
}

func TestFinishCancelsContext(t *testing.T) {
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, nil, nil)
	it.Finish()
	require.Error(t, it.Ctx.Err())
}

func TestCancelWith(t *testing.T) {
	calls := 0
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, func(_ *Item, _ interface{}) {
		calls++
	}, nil)

	sentinel := errors.New("boom")
	it.CancelWith(sentinel)

	require.True(t, it.Cancelled)
	require.Equal(t, sentinel, it.Err)
	require.Equal(t, 1, calls)
	require.False(t, it.ActiveForRead())
	require.False(t, it.ActiveForWrite())
}

func TestLockUnlockDoesNotPanic(t *testing.T) {
	it := New(context.Background(), "GET", "/", hdr.Header{}, nil, nil, nil)
	it.Lock()
	it.Unlock()
}
