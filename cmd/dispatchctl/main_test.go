/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package main

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvProxyPrefersSchemeSpecificVar(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "http://secure-proxy.example.com:8080")
	t.Setenv("HTTP_PROXY", "http://plain-proxy.example.com:8080")

	httpsURL, _ := url.Parse("https://example.com/")
	proxyURL, err := envProxy(httpsURL)
	require.NoError(t, err)
	require.Equal(t, "secure-proxy.example.com:8080", proxyURL.Host)

	httpURL, _ := url.Parse("http://example.com/")
	proxyURL, err = envProxy(httpURL)
	require.NoError(t, err)
	require.Equal(t, "plain-proxy.example.com:8080", proxyURL.Host)
}

func TestEnvProxyUnsetReturnsNil(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("HTTP_PROXY", "")

	u, _ := url.Parse("http://example.com/")
	proxyURL, err := envProxy(u)
	require.NoError(t, err)
	require.Nil(t, proxyURL)
}

func TestDefaultConfigMatchesPoolDefaults(t *testing.T) {
	cfg := defaultConfig()
	require.Equal(t, 10, cfg.MaxIODispatchers)
	require.Equal(t, 2, cfg.MaxIODispatchersPerHost)
}

func TestNewRootCmdBindsFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NotNil(t, cmd.Flags().Lookup("max-io-dispatchers"))
	require.NotNil(t, cmd.Flags().Lookup("idle-timeout"))
	require.Equal(t, "dispatchctl URL", cmd.Use)
}
