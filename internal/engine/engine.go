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

// Package engine implements the plain-HTTP request lifecycle: consult
// policy, run the interception pipeline, forward to upstream through
// the agent pool, and stream the response back.
package engine

import (
	"bufio"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/agentpool"
	"github.com/kestrelproxy/mitmcore/internal/perr"
	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/policy"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
	"github.com/kestrelproxy/mitmcore/internal/reverseproxy"
)

// Recorder receives request-engine observations for metrics export.
type Recorder interface {
	RequestOutcome(outcome string)
	TrafficIn(n int64)
	TrafficOut(n int64)
}

type nopRecorder struct{}

func (nopRecorder) RequestOutcome(string) {}
func (nopRecorder) TrafficIn(int64)       {}
func (nopRecorder) TrafficOut(int64)      {}

// Options configures an Engine.
type Options struct {
	Policy    *policy.Policy
	Pipeline  *pipeline.Manager
	Agents    *agentpool.Pool
	CtxPool   *reqctx.Pool
	Recorder  Recorder
	Metrics   reqctx.Recorder
	Logger    *zap.Logger
	RoundTrip time.Duration // per-request upstream round trip deadline, default 60s
}

// Engine serves plain HTTP requests arriving either directly (a
// client proxying a plain http:// URL) or from a fake server's
// plaintext side after TLS termination.
type Engine struct {
	policy    *policy.Policy
	pipe      *pipeline.Manager
	agents    *agentpool.Pool
	ctxPool   *reqctx.Pool
	rec       Recorder
	metrics   reqctx.Recorder
	log       *zap.Logger
	rtTimeout time.Duration

	failMu    sync.Mutex
	failUntil map[string]time.Time
}

// New builds an Engine.
func New(opts Options) *Engine {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RoundTrip <= 0 {
		opts.RoundTrip = 60 * time.Second
	}
	return &Engine{
		policy:    opts.Policy,
		pipe:      opts.Pipeline,
		agents:    opts.Agents,
		ctxPool:   opts.CtxPool,
		rec:       opts.Recorder,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		rtTimeout: opts.RoundTrip,
		failUntil: make(map[string]time.Time),
	}
}

// ServeHTTP implements the plain-HTTP lifecycle: acquire context,
// consult policy, run beforeRequest, dial or reuse an upstream socket,
// run beforeResponse, stream the response, release the socket, then
// run afterResponse. A tunnel decision skips the pipeline entirely and
// proxies the request/response straight through.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !e.pipe.TryAcquire() {
		http.Error(w, "proxy overloaded", http.StatusServiceUnavailable)
		e.rec.RequestOutcome("overloaded")
		return
	}
	defer e.pipe.Release()

	rc := e.ctxPool.Acquire(r, e.log, e.metrics)
	defer e.ctxPool.Release(rc)

	decision := e.policy.Decide(policy.Input{Host: r.Host, URL: r.URL.String(), Path: r.URL.Path})
	rc.Intercepted = decision == policy.Intercept

	ctx := r.Context()

	if decision == policy.Tunnel {
		e.tunnelPlain(ctx, rc, w, r)
		return
	}

	bd, err := e.pipe.RunBeforeRequest(ctx, rc)
	if err != nil {
		e.handleError(ctx, rc, w, err, "pipeline_error")
		return
	}
	if dr, ok := bd.(pipeline.DirectResponseDecision); ok {
		e.writeDirectResponse(ctx, rc, w, dr)
		return
	}
	if _, ok := bd.(pipeline.StopDecision); ok {
		e.closeNoResponse(w)
		return
	}
	// Any ModifyAndForwardDecision has already been merged into rc.Request
	// (== r) by the pipeline as each stage ran, so there is nothing left
	// to apply here.

	outreq := buildOutboundRequest(r)

	key := originKeyFor(r)
	sock, err := e.acquireSocket(ctx, key)
	if err != nil {
		e.handleError(ctx, rc, w, err, "upstream_error")
		return
	}

	if err := outreq.Write(sock.Conn); err != nil {
		e.agents.Discard(sock)
		e.handleError(ctx, rc, w, perr.New(perr.KindUpstreamProtocol, "writing request to upstream", err), "upstream_error")
		return
	}

	_ = sock.Conn.SetDeadline(time.Now().Add(e.rtTimeout))
	br := bufio.NewReader(sock.Conn)
	resp, err := http.ReadResponse(br, outreq)
	if err != nil {
		e.agents.Discard(sock)
		e.handleError(ctx, rc, w, perr.New(perr.KindUpstreamProtocol, "reading response from upstream", err), "upstream_error")
		return
	}
	_ = sock.Conn.SetDeadline(time.Time{})

	rc.Response = resp
	keepAlive := !resp.Close && !r.Close && resp.ProtoAtLeast(1, 1)

	rbd, err := e.pipe.RunBeforeResponse(ctx, rc)
	if err != nil {
		_ = resp.Body.Close()
		e.agents.Discard(sock)
		e.handleError(ctx, rc, w, err, "pipeline_error")
		return
	}
	if dr, ok := rbd.(pipeline.DirectResponseDecision); ok {
		_ = resp.Body.Close()
		e.agents.Release(sock, false)
		e.writeDirectResponse(ctx, rc, w, dr)
		return
	}

	reverseproxy.StripHopByHop(resp.Header)
	reverseproxy.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := reverseproxy.PooledCopy(w, resp.Body)
	rc.ResponseSize = n
	e.rec.TrafficOut(n)
	_ = resp.Body.Close()

	e.agents.Release(sock, keepAlive)

	if _, err := e.pipe.RunAfterResponse(ctx, rc); err != nil {
		e.log.Warn("afterResponse pipeline error", zap.Error(err))
	}
	e.rec.RequestOutcome("ok")
}

// tunnelPlain implements the Tunnel branch of the plain-HTTP lifecycle:
// the interception pipeline never runs. The request is forwarded
// verbatim (minus hop-by-hop headers) over a pooled upstream socket and
// the response is streamed straight back to the client.
func (e *Engine) tunnelPlain(ctx context.Context, rc *reqctx.RequestContext, w http.ResponseWriter, r *http.Request) {
	outreq := buildOutboundRequest(r)

	key := originKeyFor(r)
	sock, err := e.acquireSocket(ctx, key)
	if err != nil {
		e.handleError(ctx, rc, w, err, "upstream_error")
		return
	}

	if err := outreq.Write(sock.Conn); err != nil {
		e.agents.Discard(sock)
		e.handleError(ctx, rc, w, perr.New(perr.KindUpstreamProtocol, "writing request to upstream", err), "upstream_error")
		return
	}

	_ = sock.Conn.SetDeadline(time.Now().Add(e.rtTimeout))
	br := bufio.NewReader(sock.Conn)
	resp, err := http.ReadResponse(br, outreq)
	if err != nil {
		e.agents.Discard(sock)
		e.handleError(ctx, rc, w, perr.New(perr.KindUpstreamProtocol, "reading response from upstream", err), "upstream_error")
		return
	}
	_ = sock.Conn.SetDeadline(time.Time{})

	keepAlive := !resp.Close && !r.Close && resp.ProtoAtLeast(1, 1)

	reverseproxy.StripHopByHop(resp.Header)
	reverseproxy.CopyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := reverseproxy.PooledCopy(w, resp.Body)
	rc.ResponseSize = n
	e.rec.TrafficOut(n)
	_ = resp.Body.Close()

	e.agents.Release(sock, keepAlive)
	e.rec.RequestOutcome("tunnel")
}

func (e *Engine) acquireSocket(ctx context.Context, key agentpool.OriginKey) (*agentpool.Socket, error) {
	if until, failing := e.recentlyFailed(key.String()); failing {
		return nil, perr.New(perr.KindUpstreamUnreachable, "upstream recently failed, fast-failing until "+until.Format(time.RFC3339), nil)
	}
	sock, err := e.agents.Acquire(ctx, key)
	if err != nil {
		if pe, ok := perr.As(err); ok && pe.Kind != perr.KindOverloaded {
			e.markFailed(key.String())
		}
		return nil, err
	}
	return sock, nil
}

// failTTL bounds how long a failing origin is fast-failed without a
// fresh dial attempt, keeping clients from piling up on a host that
// just refused a connection.
const failTTL = 5 * time.Second

func (e *Engine) recentlyFailed(key string) (time.Time, bool) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	until, ok := e.failUntil[key]
	if !ok {
		return time.Time{}, false
	}
	if time.Now().After(until) {
		delete(e.failUntil, key)
		return time.Time{}, false
	}
	return until, true
}

func (e *Engine) markFailed(key string) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	e.failUntil[key] = time.Now().Add(failTTL)
}

func (e *Engine) handleError(ctx context.Context, rc *reqctx.RequestContext, w http.ResponseWriter, err error, outcome string) {
	rc.Err = err
	decision, errOnError := e.pipe.RunOnError(ctx, rc, err)
	if errOnError == nil {
		if dr, ok := decision.(pipeline.DirectResponseDecision); ok {
			e.writeDirectResponse(ctx, rc, w, dr)
			return
		}
	}
	status := perr.StatusFor(err)
	e.log.Warn("request failed",
		zap.String("request_id", rc.RequestID), zap.String("outcome", outcome), zap.Error(err))
	http.Error(w, http.StatusText(status), status)
	e.rec.RequestOutcome(outcome)
}

func (e *Engine) writeDirectResponse(ctx context.Context, rc *reqctx.RequestContext, w http.ResponseWriter, dr pipeline.DirectResponseDecision) {
	rc.DirectResponse = true
	rc.Response = &http.Response{StatusCode: dr.Status, Header: dr.Headers}
	if _, err := e.pipe.RunAfterResponse(ctx, rc); err != nil {
		e.log.Warn("afterResponse on direct response failed", zap.Error(err))
	}
	for k, vv := range dr.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(dr.Status)
	if len(dr.Body) > 0 {
		_, _ = w.Write(dr.Body)
	}
	e.rec.RequestOutcome("direct_response")
}

func (e *Engine) closeNoResponse(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			e.rec.RequestOutcome("stopped")
			return
		}
	}
	http.Error(w, "", http.StatusForbidden)
	e.rec.RequestOutcome("stopped")
}

// buildOutboundRequest clones r into the shape sent upstream: a
// relative request line, hop-by-hop headers stripped, Host preserved.
func buildOutboundRequest(r *http.Request) *http.Request {
	outreq := r.Clone(r.Context())
	outreq.RequestURI = ""
	if outreq.URL.Scheme == "" {
		outreq.URL.Scheme = "http"
	}
	if outreq.URL.Host == "" {
		outreq.URL.Host = r.Host
	}
	reverseproxy.StripHopByHop(outreq.Header)
	outreq.Header.Set("Host", r.Host)
	outreq.Close = false
	return outreq
}

func originKeyFor(r *http.Request) agentpool.OriginKey {
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
	}
	port := r.URL.Port()
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		p = 80
	}
	return agentpool.OriginKey{Scheme: scheme, Host: host, Port: p}
}
