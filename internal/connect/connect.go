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

// Package connect implements the CONNECT method: either an opaque
// byte tunnel to the real origin, or a redirect into a local fake
// server that terminates TLS so the pipeline can see the traffic.
package connect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/fakeserver"
	"github.com/kestrelproxy/mitmcore/internal/perr"
	"github.com/kestrelproxy/mitmcore/internal/policy"
	"github.com/kestrelproxy/mitmcore/internal/reverseproxy"
)

// Dialer opens a direct TCP connection to a CONNECT target. Declared
// narrowly (host:port in, net.Conn out) so this package doesn't need
// to know about origin pooling — CONNECT tunnels are one socket per
// request, never pooled.
type Dialer interface {
	DialDirect(ctx context.Context, addr string) (net.Conn, error)
}

// Recorder receives CONNECT observations for metrics export.
type Recorder interface {
	ConnectionAccepted(kind string)
	TrafficIn(n int64)
	TrafficOut(n int64)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionAccepted(string) {}
func (nopRecorder) TrafficIn(int64)           {}
func (nopRecorder) TrafficOut(int64)          {}

// Options configures a Handler.
type Options struct {
	Policy     *policy.Policy
	FakeServer *fakeserver.Pool
	Dialer     Dialer
	// AgentName is reported in the Proxy-agent header of the CONNECT
	// success reply. Defaults to "kestrel-mitmcore".
	AgentName string
	Recorder  Recorder
	Logger    *zap.Logger
}

// Handler serves HTTP CONNECT requests.
type Handler struct {
	policy    *policy.Policy
	fake      *fakeserver.Pool
	dial      Dialer
	agentName string
	rec       Recorder
	log       *zap.Logger
}

// New builds a Handler.
func New(opts Options) *Handler {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AgentName == "" {
		opts.AgentName = "kestrel-mitmcore"
	}
	return &Handler{
		policy:    opts.Policy,
		fake:      opts.FakeServer,
		dial:      opts.Dialer,
		agentName: opts.AgentName,
		rec:       opts.Recorder,
		log:       opts.Logger,
	}
}

// connectEstablished is the base CONNECT success reply spec §6
// requires: status line plus the Proxy-agent header identifying this
// proxy. Optional diagnostic headers are never added here.
func (h *Handler) connectEstablished() []byte {
	return []byte("HTTP/1.1 200 Connection Established\r\nProxy-agent: " + h.agentName + "\r\n\r\n")
}

// ServeHTTP handles one CONNECT request: parse the authority, consult
// policy, then either tunnel opaquely or redirect into a fake server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "443"
	}
	if _, convErr := strconv.Atoi(port); convErr != nil {
		port = "443"
	}

	decision := h.policy.Decide(policy.Input{Host: host})

	if decision == policy.Tunnel {
		h.tunnel(w, r, net.JoinHostPort(host, port))
		return
	}
	h.interceptViaFakeServer(w, r, host)
}

// tunnel dials the real origin directly and splices bytes both ways,
// replying 200 Connection Established before any origin data flows.
func (h *Handler) tunnel(w http.ResponseWriter, r *http.Request, addr string) {
	upstream, err := h.dial.DialDirect(r.Context(), addr)
	if err != nil {
		h.writeDialError(w, err)
		return
	}

	clientConn, err := reverseproxy.Hijack(w)
	if err != nil {
		_ = upstream.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	if _, err := clientConn.Write(h.connectEstablished()); err != nil {
		_ = clientConn.Close()
		_ = upstream.Close()
		return
	}

	h.rec.ConnectionAccepted("tunnel")
	aToB, bToA, _ := reverseproxy.Splice(clientConn, upstream)
	h.rec.TrafficIn(aToB)
	h.rec.TrafficOut(bToA)
}

// interceptViaFakeServer gets (or creates) a fake TLS-terminating
// server covering host, then tunnels the client's raw bytes into it
// exactly as tunnel() would into a real origin — the client still
// believes it's talking TLS straight through to host.
func (h *Handler) interceptViaFakeServer(w http.ResponseWriter, r *http.Request, host string) {
	srv, err := h.fake.GetOrCreate(r.Context(), host)
	if err != nil {
		h.writeDialError(w, err)
		return
	}

	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port))
	if err != nil {
		h.writeDialError(w, perr.New(perr.KindListenFailed, "dialing local fake server", err))
		return
	}

	clientConn, err := reverseproxy.Hijack(w)
	if err != nil {
		_ = local.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	if _, err := clientConn.Write(h.connectEstablished()); err != nil {
		_ = clientConn.Close()
		_ = local.Close()
		return
	}

	h.rec.ConnectionAccepted("intercept")
	aToB, bToA, _ := reverseproxy.Splice(clientConn, local)
	h.rec.TrafficIn(aToB)
	h.rec.TrafficOut(bToA)
}

// writeDialError maps a dial failure to the short plaintext CONNECT
// error body the spec calls for, never a full HTML error page.
func (h *Handler) writeDialError(w http.ResponseWriter, err error) {
	status := classifyConnectErr(err)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(http.StatusText(status)))
}

func classifyConnectErr(err error) int {
	if pe, ok := perr.As(err); ok && pe.Status != 0 {
		return pe.Status
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, syscall.EHOSTUNREACH):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
