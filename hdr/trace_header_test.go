/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSetTraceIDRoundTrips(t *testing.T) {
	h := Header{}
	id := uuid.New()
	SetTraceID(h, id)

	got, ok := TraceID(h)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestTraceIDMissingOrMalformed(t *testing.T) {
	_, ok := TraceID(Header{})
	require.False(t, ok)

	h := Header{}
	h.Set(XTraceID, "not-a-uuid")
	_, ok = TraceID(h)
	require.False(t, ok)
}
