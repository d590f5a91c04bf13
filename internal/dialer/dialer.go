// Copyright 2026 The Kestrel Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dialer opens upstream connections directly, through an
// HTTP CONNECT proxy, or through a SOCKS5 proxy, classifying failures
// into the core's error kinds so callers can map them to client
// status codes without knowing which transport was used.
package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/agentpool"
	"github.com/kestrelproxy/mitmcore/internal/perr"
)

// DialOptions carries the per-dial knobs a caller may need to override
// away from the Dialer's defaults.
type DialOptions struct {
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Upstream describes an optional intermediate proxy (HTTP CONNECT or
// SOCKS5) a Dialer routes through instead of dialing origins directly.
type Upstream struct {
	Kind     UpstreamKind
	Addr     string // host:port of the upstream proxy
	Username string
	Password string
}

// UpstreamKind selects the upstream proxy protocol.
type UpstreamKind int

const (
	// UpstreamNone dials origins directly.
	UpstreamNone UpstreamKind = iota
	UpstreamHTTPConnect
	UpstreamSOCKS5
)

// Dialer opens connections to origins named by an agentpool.OriginKey,
// optionally routed through a configured Upstream. It satisfies
// agentpool.Dialer.
type Dialer struct {
	upstream       Upstream
	defaultTimeout time.Duration
	log            *zap.Logger
}

// Options configures a Dialer.
type Options struct {
	Upstream Upstream
	Timeout  time.Duration // default 30s
	Logger   *zap.Logger
}

// New builds a Dialer.
func New(opts Options) *Dialer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dialer{upstream: opts.Upstream, defaultTimeout: opts.Timeout, log: opts.Logger}
}

// Dial implements agentpool.Dialer using the Dialer's default options.
func (d *Dialer) Dial(ctx context.Context, key agentpool.OriginKey) (agentpool.Conn, error) {
	return d.DialWithOptions(ctx, key, DialOptions{})
}

// DialDirect opens a raw TCP stream to addr ("host:port"), routed
// through the configured upstream if any, with no TLS handshake of
// its own — used by the CONNECT tunnel, which forwards opaque bytes
// and never terminates TLS itself.
func (d *Dialer) DialDirect(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.defaultTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	switch d.upstream.Kind {
	case UpstreamHTTPConnect:
		conn, err = dialHTTPConnect(ctx, d.upstream, addr)
	case UpstreamSOCKS5:
		conn, err = dialSOCKS5(ctx, d.upstream, addr)
	default:
		var dl net.Dialer
		conn, err = dl.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return conn, nil
}

// DialWithOptions opens a connection to key's host:port, routed
// through the configured upstream if any, applying opts for this one
// dial (e.g. a per-request InsecureSkipVerify override).
func (d *Dialer) DialWithOptions(ctx context.Context, key agentpool.OriginKey, opts DialOptions) (net.Conn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(key.Host, fmt.Sprintf("%d", key.Port))

	var conn net.Conn
	var err error
	switch d.upstream.Kind {
	case UpstreamHTTPConnect:
		conn, err = dialHTTPConnect(ctx, d.upstream, addr)
	case UpstreamSOCKS5:
		conn, err = dialSOCKS5(ctx, d.upstream, addr)
	default:
		var dl net.Dialer
		conn, err = dl.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, classifyDialErr(err)
	}

	if key.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         key.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, perr.New(perr.KindUpstreamProtocol, "upstream TLS handshake failed", err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// classifyDialErr maps raw net/syscall errors onto the core's closed
// set of upstream error kinds.
func classifyDialErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return perr.New(perr.KindUpstreamTimeout, "dial timed out", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return perr.New(perr.KindUpstreamRefused, "connection refused", err)
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return perr.New(perr.KindUpstreamUnreachable, "host unreachable", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perr.New(perr.KindUpstreamTimeout, "dial timed out", err)
	}
	return perr.New(perr.KindUpstreamUnreachable, "dial failed", err)
}
