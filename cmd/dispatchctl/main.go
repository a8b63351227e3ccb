/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Command dispatchctl drives the connection pool against a single origin
// from the command line, for manual smoke-testing of the pool/dispatcher/
// conn stack. Flag/config wiring follows the cobra+viper idiom the
// retrieved pack's config-heavy repos use for their own CLI tunables.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/elkin/libsoup-pipelining/conn"
	"github.com/elkin/libsoup-pipelining/hdr"
	"github.com/elkin/libsoup-pipelining/pool"
	"github.com/elkin/libsoup-pipelining/session"
)

func defaultConfig() pool.Config {
	cfg := pool.DefaultConfig()
	return cfg
}

// envProxy resolves a forward proxy from HTTPS_PROXY/HTTP_PROXY, the way
// the teacher's Transport.Proxy default (httpproxy.FromEnvironment) does,
// trimmed to the two schemes this command exercises.
func envProxy(u *url.URL) (*url.URL, error) {
	var raw string
	switch u.Scheme {
	case "https":
		raw = os.Getenv("HTTPS_PROXY")
	default:
		raw = os.Getenv("HTTP_PROXY")
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DISPATCHCTL")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "dispatchctl URL",
		Short: "exercise the dispatcher pool against a single origin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v, args[0])
		},
	}

	flags := root.Flags()
	flags.Int("max-io-dispatchers", 10, "maximum dispatchers kept in the pool's idle-reuse FIFO")
	flags.Int("max-io-dispatchers-per-host", 2, "per-origin dispatcher count for the pool's make-all-conns-firstly rule, which this command leaves off")
	flags.Int("max-pipelined-msgs", 4, "maximum pipelined items per dispatcher")
	flags.Int("response-block-size", 8192, "read buffer size for response bodies")
	flags.Duration("idle-timeout", 3*time.Second, "idle timeout before a dispatcher is reclaimed")
	flags.Bool("pipeline-via-proxy", false, "allow pipelining over a forward proxy")
	flags.Bool("pipeline-via-https", false, "allow pipelining over TLS")
	flags.Bool("use-first-avail-conn", false, "pick the first available dispatcher instead of the least-loaded one")
	flags.String("method", "GET", "HTTP method to issue")
	flags.Duration("request-timeout", 30*time.Second, "overall request deadline")
	flags.Bool("verbose", false, "log every lifecycle event")

	_ = v.BindPFlags(flags)

	return root
}

func run(v *viper.Viper, rawURL string) error {
	log := logrus.New()
	if v.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := defaultConfig()
	cfg.MaxIODispatchers = v.GetInt("max-io-dispatchers")
	cfg.MaxIODispatchersPerHost = v.GetInt("max-io-dispatchers-per-host")
	cfg.MaxPipelinedMsgs = v.GetInt("max-pipelined-msgs")
	cfg.ResponseBlockSize = v.GetInt("response-block-size")
	cfg.IdleTimeout = v.GetDuration("idle-timeout")
	cfg.PipelineViaProxy = v.GetBool("pipeline-via-proxy")
	cfg.PipelineViaHTTPS = v.GetBool("pipeline-via-https")
	cfg.UseFirstAvailConn = v.GetBool("use-first-avail-conn")

	p := pool.New(cfg, log, nil)
	drv := session.New(p, envProxy, nil, log)
	drv.Events = func(origin string, ev conn.Event) {
		log.WithFields(logrus.Fields{"origin": origin, "event": ev.Kind.String(), "addr": ev.Addr}).Debug("connection lifecycle")
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("request-timeout"))
	defer cancel()

	it, err := drv.Do(ctx, v.GetString("method"), rawURL, hdr.Header{}, nil)
	if err != nil {
		return fmt.Errorf("dispatchctl: %w", err)
	}
	fmt.Printf("%s %d %s\n", it.RespProto, it.RespStatus, it.RespStatusText)
	for k, vv := range it.RespHdr {
		for _, vs := range vv {
			fmt.Printf("%s: %s\n", k, vs)
		}
	}
	return nil
}
