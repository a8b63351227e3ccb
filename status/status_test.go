/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package status

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClass(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{OK, "2xx"},
		{NotModified, "3xx"},
		{BadRequest, "4xx"},
		{InternalError, "5xx"},
		{Continue, "1xx"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.code.Class(), "code %d", c.code)
	}
}

func TestIsTransport(t *testing.T) {
	require.True(t, Malformed.IsTransport())
	require.True(t, TryAgain.IsTransport())
	require.False(t, OK.IsTransport())
}

func TestPredicates(t *testing.T) {
	require.True(t, Continue.IsInformational())
	require.True(t, OK.IsSuccessful())
	require.True(t, Found.IsRedirection())
	require.True(t, NotFound.IsClientError())
	require.True(t, BadGateway.IsServerError())
	require.False(t, OK.IsClientError())
}

func TestText(t *testing.T) {
	require.Equal(t, "OK", OK.Text())
	require.Equal(t, "Not Found", NotFound.Text())
	require.Equal(t, "status", Code(999).Text())
}

func TestSentinelErrorsDistinct(t *testing.T) {
	errs := []error{ErrConnBroken, ErrKeepAliveOff, ErrReadLoopExiting, ErrIdleTimeout,
		ErrPipelineBroken, ErrTooManyIdle, ErrTooManyIdleHost, ErrPoolClosed}
	seen := map[string]bool{}
	for _, e := range errs {
		require.False(t, seen[e.Error()], "duplicate sentinel message %q", e.Error())
		seen[e.Error()] = true
	}
}
