/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import (
	"bufio"
	"io"
)

// ReadLine reads a single line, stripping the trailing CRLF (or LF). Use
// ReadMIMEHeader to read header fields after the request/status line.
func (r *HeaderReader) ReadLine() (string, error) {
	line, err := r.readLineSlice()
	return string(line), err
}

func (r *HeaderReader) readLineSlice() ([]byte, error) {
	var line []byte
	for {
		l, more, err := r.R.ReadLine()
		if err != nil {
			return nil, err
		}
		// Avoid the copy if the first call produced a full line.
		if line == nil && !more {
			return l, nil
		}
		line = append(line, l...)
		if !more {
			break
		}
	}
	return line, nil
}

// ReadMIMEHeader reads header lines in the classic "key: value" format
// until it hits a blank line or EOF, and returns the accumulated Header.
// Obsolete line folding is not supported: a continuation line without a
// colon is reported as a malformed header line.
func (r *HeaderReader) ReadMIMEHeader() (Header, error) {
	h := make(Header, 4)
	for {
		kv, err := r.readLineSlice()
		if len(kv) == 0 {
			return h, err
		}

		// Key ends at first colon.
		i := indexByte(kv, ':')
		if i < 0 {
			return h, &badStringError{"malformed header line", string(kv)}
		}
		key := string(trim(kv[:i]))
		if !ValidHeaderFieldName(key) {
			return h, &badStringError{"malformed header field name", key}
		}
		i++ // skip colon
		for i < len(kv) && isLWS(kv[i]) {
			i++
		}
		value := string(trim(kv[i:]))
		h[CanonicalHeaderKey(key)] = append(h[CanonicalHeaderKey(key)], value)

		if err != nil {
			return h, err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

type badStringError struct {
	what string
	str  string
}

func (e *badStringError) Error() string { return e.what + " " + e.str }

// NewHeaderReaderSize is a convenience wrapper around NewHeaderReader that
// also sizes the underlying bufio.Reader, mirroring bufio.NewReaderSize.
func NewHeaderReaderSize(r io.Reader, size int) *HeaderReader {
	return NewHeaderReader(bufio.NewReaderSize(r, size))
}
