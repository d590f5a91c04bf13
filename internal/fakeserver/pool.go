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

// Package fakeserver maintains a bounded LRU of local TLS-terminating
// endpoints, one per mintable hostname, reusable across every hostname
// covered by the same certificate's SAN set.
package fakeserver

import (
	"container/list"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kestrelproxy/mitmcore/internal/certfactory"
	"github.com/kestrelproxy/mitmcore/internal/perr"
)

// sslFlagKey marks requests arriving through a fake server's TLS
// listener, so downstream handlers (request engine, upgrade handler)
// can tell an intercepted CONNECT apart from a plain-HTTP request.
type sslFlagKey struct{}

// SSLFlag reports whether r arrived through TLS termination at a fake
// server.
func SSLFlag(r *http.Request) bool {
	v, _ := r.Context().Value(sslFlagKey{}).(bool)
	return v
}

// Server is a single fake TLS-terminating endpoint.
type Server struct {
	Port     int
	SANSet   map[string]struct{}
	listener net.Listener
	lastUsed time.Time
}

func (s *Server) covers(hostname string) bool {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if _, ok := s.SANSet[hostname]; ok {
		return true
	}
	// wildcard-aware: a server whose SAN set includes "*.b.c" also
	// covers any other hostname under that same parent domain.
	if net.ParseIP(hostname) != nil {
		return false
	}
	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return false
	}
	wc := "*." + strings.Join(labels[1:], ".")
	_, ok := s.SANSet[wc]
	return ok
}

// Recorder receives pool observations for metrics export.
type Recorder interface {
	FakeServerActive(delta int)
	FakeServerEvicted()
}

type nopRecorder struct{}

func (nopRecorder) FakeServerActive(int) {}
func (nopRecorder) FakeServerEvicted()   {}

// Options configures a Pool.
type Options struct {
	Factory  *certfactory.Factory
	Handler  http.Handler // shared dispatcher: classifies request vs. upgrade
	Capacity int          // default 100
	Recorder Recorder
	Logger   *zap.Logger
}

// Pool is a bounded LRU of Servers.
type Pool struct {
	factory  *certfactory.Factory
	handler  http.Handler
	capacity int
	rec      Recorder
	log      *zap.Logger

	mu      sync.Mutex
	order   *list.List // front = MRU
	entries map[*list.Element]*Server
	sf      singleflight.Group
}

// New builds a Pool.
func New(opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		factory:  opts.Factory,
		handler:  opts.Handler,
		capacity: opts.Capacity,
		rec:      opts.Recorder,
		log:      opts.Logger,
		order:    list.New(),
		entries:  make(map[*list.Element]*Server),
	}
}

// GetOrCreate returns a fake server covering hostname, creating one
// (and the TLS listener behind it) if none of the pooled servers cover
// it yet. Concurrent misses for the same hostname collapse into a
// single listener creation.
func (p *Pool) GetOrCreate(ctx context.Context, hostname string) (*Server, error) {
	if srv, ok := p.lookupAndPromote(hostname); ok {
		return srv, nil
	}

	v, err, _ := p.sf.Do(hostname, func() (interface{}, error) {
		// re-check under the singleflight key: another goroutine may
		// have just finished creating a server that covers us.
		if srv, ok := p.lookupAndPromote(hostname); ok {
			return srv, nil
		}
		return p.create(hostname)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Server), nil
}

func (p *Pool) lookupAndPromote(hostname string) (*Server, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.order.Front(); e != nil; e = e.Next() {
		srv := p.entries[e]
		if srv.covers(hostname) {
			srv.lastUsed = time.Now()
			p.order.MoveToFront(e)
			return srv, true
		}
	}
	return nil, false
}

func (p *Pool) create(hostname string) (*Server, error) {
	// A certificate covering hostname may already sit in the factory's
	// cache even though no pooled Server currently serves it (e.g. its
	// previous Server was LRU-evicted from this pool but the cert itself
	// hasn't expired). Reusing it avoids a redundant synthesis.
	entry, ok := p.factory.FindCovering(hostname)
	if !ok {
		var err error
		entry, err = p.factory.GetCert(hostname, nil)
		if err != nil {
			return nil, err
		}
	}

	tlsCfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = hostname
			}
			leaf, err := p.factory.GetCert(host, nil)
			if err != nil {
				return nil, err
			}
			return &leaf.TLSCert, nil
		},
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", tlsCfg)
	if err != nil {
		return nil, perr.New(perr.KindListenFailed, "opening fake server listener", err)
	}

	srv := &Server{
		Port:     ln.Addr().(*net.TCPAddr).Port,
		SANSet:   entry.SANSet,
		listener: ln,
		lastUsed: time.Now(),
	}

	go p.serve(srv)

	p.mu.Lock()
	p.evictIfFullLocked()
	el := p.order.PushFront(srv)
	p.entries[el] = srv
	p.mu.Unlock()

	p.rec.FakeServerActive(1)
	p.log.Debug("created fake server", zap.String("hostname", hostname), zap.Int("port", srv.Port))
	return srv, nil
}

// serve runs the fake server's HTTP(S) event loop until its listener
// is closed; each plaintext request or upgrade is dispatched through
// the shared handler with the SSL flag set, satisfying "a listener
// also handles request and upgrade events by forwarding each
// plaintext event to the Request Engine / Upgrade Handler".
func (p *Pool) serve(srv *Server) {
	httpSrv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), sslFlagKey{}, true)
			p.handler.ServeHTTP(w, r.WithContext(ctx))
		}),
	}
	_ = httpSrv.Serve(srv.listener)
}

// evictIfFullLocked drops the LRU entry when the pool is at capacity.
// Its listening socket is closed asynchronously; in-flight accepted
// connections are allowed to drain (closing a net.Listener never
// interrupts already-accepted conns). Must be called with p.mu held.
func (p *Pool) evictIfFullLocked() {
	if p.order.Len() < p.capacity {
		return
	}
	back := p.order.Back()
	if back == nil {
		return
	}
	srv := p.entries[back]
	p.order.Remove(back)
	delete(p.entries, back)
	go func() {
		_ = srv.listener.Close()
	}()
	p.rec.FakeServerActive(-1)
	p.rec.FakeServerEvicted()
}

// Close shuts down every fake server in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.order.Front(); e != nil; e = e.Next() {
		_ = p.entries[e].listener.Close()
	}
	p.order.Init()
	p.entries = make(map[*list.Element]*Server)
	return nil
}
