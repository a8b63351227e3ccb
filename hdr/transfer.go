/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
)

const (
	methodHead = "HEAD"
	tokenClose = "close"
	tokenKA    = "keep-alive"
	tokenChunk = "chunked"
)

// ParseRequestLine splits "GET /foo HTTP/1.1" into its three parts.
func ParseRequestLine(line string) (method, requestURI, proto string, ok bool) {
	s1 := strings.IndexByte(line, ' ')
	if s1 < 0 {
		return "", "", "", false
	}
	s2 := strings.IndexByte(line[s1+1:], ' ')
	if s2 < 0 {
		return "", "", "", false
	}
	s2 += s1 + 1
	return line[:s1], line[s1+1 : s2], line[s2+1:], true
}

// ParseRequest reads a request line plus headers from b. It does not
// consume the body; callers use the returned length/encoding to decide how
// to read it.
func ParseRequest(b *bufio.Reader) (method, requestURI, proto string, header Header, err error) {
	tp := NewHeaderReader(b)
	line, err := tp.ReadLine()
	if err != nil {
		return "", "", "", nil, err
	}
	var ok bool
	method, requestURI, proto, ok = ParseRequestLine(line)
	if !ok {
		return "", "", "", nil, &badStringError{"malformed HTTP request", line}
	}
	header, err = tp.ReadMIMEHeader()
	if err != nil {
		return "", "", "", nil, err
	}
	return method, requestURI, proto, header, nil
}

// ParseResponse reads a status line plus headers from b.
func ParseResponse(b *bufio.Reader) (proto string, statusCode int, status string, header Header, err error) {
	tp := NewHeaderReader(b)
	line, err := tp.ReadLine()
	if err != nil {
		return "", 0, "", nil, err
	}
	proto, status, ok := cutSpace(line)
	if !ok {
		return "", 0, "", nil, &badStringError{"malformed HTTP response", line}
	}
	statusCode, status = splitStatus(status)
	if statusCode < 100 || statusCode > 999 {
		return "", 0, "", nil, &badStringError{"malformed HTTP status code", status}
	}
	header, err = tp.ReadMIMEHeader()
	if err != nil {
		return "", 0, "", nil, err
	}
	return proto, statusCode, status, header, nil
}

func cutSpace(s string) (before, after string, found bool) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func splitStatus(s string) (int, string) {
	code, reason := s, ""
	if i := strings.IndexByte(s, ' '); i >= 0 {
		code, reason = s[:i], s[i+1:]
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return -1, s
	}
	return n, reason
}

// BodyAllowedForStatus reports whether a given response status code
// permits a body (RFC 2616 §4.4).
func BodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204, status == 304:
		return false
	}
	return true
}

func chunkedEncoding(te []string) bool { return len(te) > 0 && te[0] == tokenChunk }

// FixTransferEncoding normalizes the Transfer-Encoding header into a clean
// []string, rejecting anything with "chunked" not last (RFC 7230 §3.3.1).
func FixTransferEncoding(header Header) ([]string, error) {
	raw, present := header[TransferEncoding]
	if !present {
		return nil, nil
	}
	header.Del(TransferEncoding)

	if len(raw) == 1 {
		if v := strings.ToLower(TrimString(raw[0])); v == "chunked" || v == "" {
			if v == "" {
				return nil, nil
			}
			return []string{tokenChunk}, nil
		}
	}

	var encodings []string
	seenChunked := false
	for _, v := range raw {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(TrimString(tok))
			if tok == "" {
				continue
			}
			if seenChunked {
				return nil, fmt.Errorf("hdr: unsupported transfer encoding after chunked: %q", tok)
			}
			if tok == tokenChunk {
				seenChunked = true
			}
			encodings = append(encodings, tok)
		}
	}
	if len(encodings) > 1 {
		return nil, fmt.Errorf("hdr: unsupported multiple Transfer-Encoding values: %q", raw)
	}
	if len(encodings) > 0 && encodings[len(encodings)-1] != tokenChunk {
		return nil, fmt.Errorf("hdr: refusing to implicitly de-chunk %q", encodings)
	}
	return encodings, nil
}

// DetermineLength implements RFC 2616 §4.4's "Message Length" algorithm,
// returning the expected body length (-1 meaning "read until EOF or close",
// already resolved in the chunked case to -1 as well — callers distinguish
// the two by inspecting te).
func DetermineLength(isResponse bool, statusCode int, requestMethod string, header Header, te []string) (int64, error) {
	isRequest := !isResponse
	contentLens := header[ContentLength]

	if len(contentLens) > 1 {
		first := strings.TrimSpace(contentLens[0])
		for _, ct := range contentLens[1:] {
			if first != strings.TrimSpace(ct) {
				return 0, fmt.Errorf("hdr: message cannot contain multiple Content-Length headers; got %q", contentLens)
			}
		}
		header.Del(ContentLength)
		header.Add(ContentLength, first)
		contentLens = header[ContentLength]
	}

	if requestMethod == methodHead {
		if isRequest && len(contentLens) > 0 && !(len(contentLens) == 1 && contentLens[0] == "0") {
			return 0, fmt.Errorf("hdr: HEAD request cannot contain a Content-Length; got %q", contentLens)
		}
		return 0, nil
	}
	if statusCode/100 == 1 {
		return 0, nil
	}
	switch statusCode {
	case 204, 304:
		return 0, nil
	}

	if chunkedEncoding(te) {
		return -1, nil
	}

	var cl string
	if len(contentLens) == 1 {
		cl = strings.TrimSpace(contentLens[0])
	}
	if cl != "" {
		n, err := ParseContentLength(cl)
		if err != nil {
			return -1, err
		}
		return n, nil
	}
	header.Del(ContentLength)

	if isRequest {
		return 0, nil
	}
	return -1, nil
}

// ParseContentLength trims s and parses it as a non-negative length.
func ParseContentLength(cl string) (int64, error) {
	cl = strings.TrimSpace(cl)
	if cl == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return 0, &badStringError{"bad Content-Length", cl}
	}
	return n, nil
}

// ShouldClose reports whether the connection should be closed once this
// message's body has been fully sent/received, per the HTTP/1.0 vs 1.1
// Connection-header default (RFC 7230 §6.1).
func ShouldClose(major, minor int, header Header, removeCloseHeader bool) bool {
	if major < 1 {
		return true
	}
	conv := header[Connection]
	hasClose := valuesContainToken(conv, tokenClose)
	if major == 1 && minor == 0 {
		return hasClose || !valuesContainToken(conv, tokenKA)
	}
	if hasClose && removeCloseHeader {
		header.Del(Connection)
	}
	return hasClose
}

func valuesContainToken(values []string, token string) bool {
	for _, v := range values {
		if httpguts.HeaderValuesContainsToken([]string{v}, token) {
			return true
		}
	}
	return false
}

// DetermineTrailer validates and extracts the announced trailer field
// names from the Trailer header (RFC 7230 §4.4), rejecting forbidden keys.
func DetermineTrailer(header Header, te []string) (Header, error) {
	vv, ok := header[Trailer]
	if !ok {
		return nil, nil
	}
	header.Del(Trailer)

	trailer := make(Header)
	for _, v := range vv {
		for _, key := range strings.Split(v, ",") {
			key = CanonicalHeaderKey(TrimString(key))
			if key == "" {
				continue
			}
			switch key {
			case TransferEncoding, Trailer, ContentLength:
				return nil, &badStringError{"bad trailer key", key}
			}
			trailer[key] = nil
		}
	}
	if len(trailer) == 0 {
		return nil, nil
	}
	if !chunkedEncoding(te) {
		return nil, fmt.Errorf("hdr: trailer header without chunked transfer encoding")
	}
	return trailer, nil
}

// GetExpectations reports whether the message declares "Expect:
// 100-continue", the only expectation this dispatcher understands (RFC
// 7231 §5.1.1); any other expectation value is surfaced as an error so the
// caller can respond 417.
func GetExpectations(header Header) (wants100Continue bool, err error) {
	vv, ok := header[Expect]
	if !ok {
		return false, nil
	}
	for _, v := range vv {
		if !tokenEqualFold(TrimString(v), "100-continue") {
			return false, fmt.Errorf("hdr: unsupported expectation %q", v)
		}
		wants100Continue = true
	}
	return wants100Continue, nil
}

func tokenEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if a[i] >= utf8.RuneSelf || b[i] >= utf8.RuneSelf {
			return false
		}
		if lowerASCIIByte(a[i]) != lowerASCIIByte(b[i]) {
			return false
		}
	}
	return true
}

func lowerASCIIByte(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + toLower
	}
	return b
}
