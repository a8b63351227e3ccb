/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import "github.com/google/uuid"

// SetTraceID stamps id onto h's X-Trace-Id header, propagating an item's
// trace ID onto the wire so a pipelined request can be correlated against
// its response (and against upstream proxy/server logs) the way the
// teacher's trc package correlated RoundTrip calls by pointer identity —
// here there is no shared process memory to key off of, so the ID travels
// in the header instead.
func SetTraceID(h Header, id uuid.UUID) {
	h.Set(XTraceID, id.String())
}

// TraceID reads back the X-Trace-Id header set by SetTraceID, if present
// and well-formed.
func TraceID(h Header) (uuid.UUID, bool) {
	v := h.Get(XTraceID)
	if v == "" {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
