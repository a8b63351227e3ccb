/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package codec

import (
	"bytes"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestDecodeOutcome(t *testing.T) {
	require.Equal(t, Converted, Decode(3, nil))
	require.Equal(t, Finished, Decode(0, io.EOF))
	require.Equal(t, Errored, Decode(0, io.ErrUnexpectedEOF))
}

func TestChainEmptyPassesThrough(t *testing.T) {
	c := NewChain(strings.NewReader("hello"), nil)
	require.True(t, c.Empty())
	got, err := ioutil.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestChainGzipRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("hello, gzip"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	c := NewChain(&buf, []string{"gzip"})
	got, err := ioutil.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "hello, gzip", string(got))
	require.NoError(t, c.Close())
}

func TestChainGzipCorruptHeader(t *testing.T) {
	c := NewChain(strings.NewReader("not a gzip stream"), []string{"gzip"})
	_, err := ioutil.ReadAll(c)
	require.Error(t, err)
}

func TestChainUnrecognizedEncodingPassesThrough(t *testing.T) {
	c := NewChain(strings.NewReader("identity body"), []string{"identity"})
	got, err := ioutil.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "identity body", string(got))
}

func TestChainDeflateRawRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = fw.Write([]byte("hello, raw deflate"))
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	c := NewChain(&buf, []string{"deflate"})
	got, err := ioutil.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "hello, raw deflate", string(got))
}
