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

// Package upgrade forwards WebSocket (and other Connection: Upgrade)
// handshakes byte-for-byte: only the interceptUpgrade pipeline phase
// runs, the 101 response is relayed unmodified, and everything after
// it is raw-spliced without ever parsing a WebSocket frame.
package upgrade

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/perr"
	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
	"github.com/kestrelproxy/mitmcore/internal/reverseproxy"
)

// Dialer opens a direct connection to the upgrade target, one socket
// per upgraded connection — these are never pooled, since an upgraded
// connection is held open for the session's lifetime.
type Dialer interface {
	DialDirect(ctx context.Context, addr string) (net.Conn, error)
}

// Recorder receives upgrade-handler observations for metrics export.
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
	Pipeline *pipeline.Manager
	Dialer   Dialer
	CtxPool  *reqctx.Pool
	Recorder Recorder
	Logger   *zap.Logger
}

// Handler serves Connection: Upgrade requests (WebSocket and others).
type Handler struct {
	pipe    *pipeline.Manager
	dial    Dialer
	ctxPool *reqctx.Pool
	rec     Recorder
	log     *zap.Logger
}

// New builds a Handler.
func New(opts Options) *Handler {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{pipe: opts.Pipeline, dial: opts.Dialer, ctxPool: opts.CtxPool, rec: opts.Recorder, log: opts.Logger}
}

// ServeHTTP runs the upgrade-only pipeline phase, dials the origin,
// forwards the (possibly modified) handshake request, relays the 101
// response unchanged, then splices raw bytes for the life of the
// connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := h.ctxPool.Acquire(r, h.log, nil)
	defer h.ctxPool.Release(rc)

	ctx := r.Context()

	decision, err := h.pipe.RunUpgrade(ctx, rc)
	if err != nil {
		http.Error(w, http.StatusText(perr.StatusFor(err)), perr.StatusFor(err))
		return
	}
	if dr, ok := decision.(pipeline.DirectResponseDecision); ok {
		for k, vv := range dr.Headers {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(dr.Status)
		if len(dr.Body) > 0 {
			_, _ = w.Write(dr.Body)
		}
		return
	}
	// Any ModifyAndForwardDecision has already been merged into rc.Request
	// (== r) by the pipeline as each intercepting stage ran.

	addr := targetAddr(r)
	upstream, err := h.dial.DialDirect(ctx, addr)
	if err != nil {
		http.Error(w, http.StatusText(perr.StatusFor(err)), perr.StatusFor(err))
		return
	}

	outreq := r.Clone(ctx)
	outreq.RequestURI = ""
	if err := outreq.Write(upstream); err != nil {
		_ = upstream.Close()
		http.Error(w, "failed writing upgrade request upstream", http.StatusBadGateway)
		return
	}

	_ = upstream.SetReadDeadline(time.Now().Add(30 * time.Second))
	resp, err := http.ReadResponse(newBufReader(upstream), outreq)
	if err != nil {
		_ = upstream.Close()
		http.Error(w, "failed reading upgrade response upstream", http.StatusBadGateway)
		return
	}
	_ = upstream.SetReadDeadline(time.Time{})

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// origin declined the upgrade: relay its response verbatim and
		// stop, no splice.
		reverseproxy.CopyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = reverseproxy.PooledCopy(w, resp.Body)
		_ = resp.Body.Close()
		_ = upstream.Close()
		return
	}

	clientConn, err := reverseproxy.Hijack(w)
	if err != nil {
		_ = resp.Body.Close()
		_ = upstream.Close()
		return
	}

	if err := writeSwitchingProtocols(clientConn, resp); err != nil {
		_ = clientConn.Close()
		_ = upstream.Close()
		return
	}

	h.rec.ConnectionAccepted("upgrade")
	aToB, bToA, _ := reverseproxy.Splice(clientConn, upstream)
	h.rec.TrafficIn(aToB)
	h.rec.TrafficOut(bToA)
}

func targetAddr(r *http.Request) string {
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	port := r.URL.Port()
	if port == "" {
		if r.TLS != nil || r.URL.Scheme == "https" || r.URL.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}
