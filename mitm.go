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

// Package mitmcore wires the proxy's managers — policy, pipeline,
// agent pool, cert factory, fake server pool, dialer, request engine,
// CONNECT handler, and upgrade handler — into one runnable Proxy.
package mitmcore

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/agentpool"
	"github.com/kestrelproxy/mitmcore/internal/certfactory"
	"github.com/kestrelproxy/mitmcore/internal/connect"
	"github.com/kestrelproxy/mitmcore/internal/dialer"
	"github.com/kestrelproxy/mitmcore/internal/engine"
	"github.com/kestrelproxy/mitmcore/internal/fakeserver"
	"github.com/kestrelproxy/mitmcore/internal/listener"
	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/policy"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
	"github.com/kestrelproxy/mitmcore/internal/upgrade"
)

// Config is the plain-data configuration a Proxy is built from. It has
// no dependency on how a caller obtained it (flags, a config file, a
// Go literal), matching the teacher's preference for narrow option
// structs over a config-module registry.
type Config struct {
	CA    certfactory.RootCA
	Fixed *certfactory.FixedCert

	Policy policy.Config

	Upstream dialer.Upstream

	Stages []pipeline.Stage

	CertCacheCapacity int
	CertTTL           time.Duration
	CertValidity      time.Duration

	FakeServerCapacity int

	AgentMaxInUse       int
	AgentMaxIdle        int
	AgentIdleTTL        time.Duration
	AgentRequestTimeout time.Duration

	PipelineStageTimeout  time.Duration
	PipelineMaxConcurrent int

	DialTimeout time.Duration
	RoundTrip   time.Duration

	// ProxyAgentName is reported in the Proxy-agent header of every
	// CONNECT "200 Connection Established" reply. Defaults to
	// "kestrel-mitmcore".
	ProxyAgentName string

	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Proxy owns every manager and exposes the single http.Handler (and
// accept loop) that serves both plain-HTTP and CONNECT traffic. It is
// the only type in this package that knows about every subsystem;
// every manager it builds holds only the narrow interface it needs
// back, never a reference to Proxy itself.
type Proxy struct {
	log     *zap.Logger
	metrics *Metrics
	reg     *prometheus.Registry

	certs  *certfactory.Factory
	fake   *fakeserver.Pool
	agents *agentpool.Pool
	dial   *dialer.Dialer
	pol    *policy.Policy
	pipe   *pipeline.Manager

	ctxPool  *reqctx.Pool
	eng      *engine.Engine
	connectH *connect.Handler
	upgradeH *upgrade.Handler
	dispatch *listener.Dispatcher

	servers []*http.Server
	lns     []net.Listener
}

// New builds every manager in dependency order and assembles a Proxy.
// The returned Proxy has not started listening; call ListenAndServe or
// embed Handler() behind a caller-owned server next.
func New(ctx context.Context, cfg Config) (*Proxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = Log()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.ProxyAgentName == "" {
		cfg.ProxyAgentName = "kestrel-mitmcore"
	}
	metrics := NewMetrics(cfg.Registry)

	certs, err := certfactory.New(certfactory.Options{
		CA:       cfg.CA,
		Capacity: cfg.CertCacheCapacity,
		TTL:      cfg.CertTTL,
		Validity: cfg.CertValidity,
		Fixed:    cfg.Fixed,
		Recorder: certRecorder{metrics},
		Logger:   cfg.Logger.Named("certfactory"),
	})
	if err != nil {
		return nil, err
	}

	d := dialer.New(dialer.Options{
		Upstream: cfg.Upstream,
		Timeout:  cfg.DialTimeout,
		Logger:   cfg.Logger.Named("dialer"),
	})

	agents := agentpool.New(agentpool.Options{
		Dialer:         d,
		MaxInUse:       cfg.AgentMaxInUse,
		MaxIdle:        cfg.AgentMaxIdle,
		IdleTTL:        cfg.AgentIdleTTL,
		RequestTimeout: cfg.AgentRequestTimeout,
		Recorder:       agentRecorder{metrics},
		Logger:         cfg.Logger.Named("agentpool"),
	})

	pol := policy.New(cfg.Policy)

	pipe, err := pipeline.New(ctx, pipeline.Options{
		Stages:        cfg.Stages,
		StageTimeout:  cfg.PipelineStageTimeout,
		MaxConcurrent: cfg.PipelineMaxConcurrent,
		Logger:        cfg.Logger.Named("pipeline"),
	})
	if err != nil {
		_ = agents.Close()
		return nil, err
	}

	ctxPool := reqctx.NewPool()

	eng := engine.New(engine.Options{
		Policy:    pol,
		Pipeline:  pipe,
		Agents:    agents,
		CtxPool:   ctxPool,
		Recorder:  engineRecorder{metrics},
		Metrics:   pipelineRecorder{metrics},
		Logger:    cfg.Logger.Named("engine"),
		RoundTrip: cfg.RoundTrip,
	})

	upgradeH := upgrade.New(upgrade.Options{
		Pipeline: pipe,
		Dialer:   d,
		CtxPool:  ctxPool,
		Recorder: connectRecorder{metrics},
		Logger:   cfg.Logger.Named("upgrade"),
	})

	// The dispatcher is handed to the fake server pool below so that
	// plaintext traffic terminated at a fake TLS listener re-enters the
	// same classify-and-route logic a direct plain request would; its
	// Connect field is filled in once the CONNECT handler exists, since
	// the two have a mutual dependency (fake servers are created by the
	// CONNECT handler, but requests *inside* a fake server flow back
	// through this same dispatcher).
	dispatch := &listener.Dispatcher{
		Upgrade: upgradeH,
		Plain:   eng,
	}

	fake := fakeserver.New(fakeserver.Options{
		Factory:  certs,
		Handler:  dispatch,
		Capacity: cfg.FakeServerCapacity,
		Recorder: fakeServerRecorder{metrics},
		Logger:   cfg.Logger.Named("fakeserver"),
	})

	connectH := connect.New(connect.Options{
		Policy:     pol,
		FakeServer: fake,
		Dialer:     d,
		AgentName:  cfg.ProxyAgentName,
		Recorder:   connectRecorder{metrics},
		Logger:     cfg.Logger.Named("connect"),
	})
	dispatch.Connect = connectH

	return &Proxy{
		log:      cfg.Logger,
		metrics:  metrics,
		reg:      cfg.Registry,
		certs:    certs,
		fake:     fake,
		agents:   agents,
		dial:     d,
		pol:      pol,
		pipe:     pipe,
		ctxPool:  ctxPool,
		eng:      eng,
		connectH: connectH,
		upgradeH: upgradeH,
		dispatch: dispatch,
	}, nil
}

// Handler returns the Proxy's single entrypoint http.Handler, suitable
// for embedding behind a caller's own http.Server or net.Listener
// instead of using ListenAndServe below.
func (p *Proxy) Handler() http.Handler { return p.dispatch }

// Registry exposes the Proxy's dedicated Prometheus registry, for a
// caller that wants to serve its own /metrics endpoint alongside the
// proxy traffic listener.
func (p *Proxy) Registry() *prometheus.Registry { return p.reg }

// AgentStats returns a snapshot of the agent pool's counters.
func (p *Proxy) AgentStats() agentpool.Stats { return p.agents.Stats() }

// ListenAndServe opens a plaintext listener at addr and serves proxy
// traffic (plain HTTP, CONNECT, and Upgrade requests alike arrive here
// as ordinary HTTP/1.1 requests from the client's perspective) until
// ctx is canceled or Shutdown is called.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: p.dispatch}

	p.lns = append(p.lns, ln)
	p.servers = append(p.servers, srv)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return p.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops every accept loop this Proxy opened via
// ListenAndServe, then releases its managers' own background state
// (agent pool idle sockets, fake server listeners).
func (p *Proxy) Shutdown(ctx context.Context) error {
	for _, srv := range p.servers {
		_ = srv.Shutdown(ctx)
	}
	return p.Close()
}

// Close releases every manager's background resources without first
// shutting down any http.Server — used by an embedder that owns its
// own accept loop and only wants this Proxy's managers torn down.
func (p *Proxy) Close() error {
	p.pipe.Close(context.Background())
	_ = p.fake.Close()
	_ = p.agents.Close()
	return nil
}

// LoadRootCA parses a PEM-encoded certificate and private key pair
// into a certfactory.RootCA, the shape New requires. On-disk layout
// and first-run self-signed CA generation are the CLI entrypoint's
// concern, not this package's.
func LoadRootCA(certPEM, keyPEM []byte) (certfactory.RootCA, error) {
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return certfactory.RootCA{}, fmt.Errorf("parsing root CA cert/key: %w", err)
	}
	leaf := tlsCert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			return certfactory.RootCA{}, fmt.Errorf("parsing root CA certificate: %w", err)
		}
	}
	signer, ok := tlsCert.PrivateKey.(crypto.Signer)
	if !ok {
		return certfactory.RootCA{}, fmt.Errorf("root CA private key does not implement crypto.Signer")
	}
	return certfactory.RootCA{Cert: leaf, Key: signer}, nil
}
