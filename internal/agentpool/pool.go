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

// Package agentpool keeps per-origin pools of keep-alive sockets to
// upstream hosts, dialed on demand through a pluggable Dialer and
// reused across requests until they idle out or the peer closes them.
package agentpool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/perr"
)

// OriginKey identifies one agent pool bucket. Two otherwise-equal keys
// with different CustomSocketID values are disjoint pools, which is
// how stateful upstream auth schemes like NTLM pin a client to one
// physical connection across several logical requests.
type OriginKey struct {
	Scheme         string
	Host           string
	Port           int
	TLSFingerprint string
	CustomSocketID string
}

func (k OriginKey) String() string {
	if k.CustomSocketID != "" {
		return fmt.Sprintf("%s://%s:%d#%s", k.Scheme, k.Host, k.Port, k.CustomSocketID)
	}
	return fmt.Sprintf("%s://%s:%d", k.Scheme, k.Host, k.Port)
}

// Dialer opens a fresh transport-layer stream to an origin. It is
// satisfied by internal/dialer.Dialer; declared narrowly here to avoid
// a dependency from this package on that one.
type Dialer interface {
	Dial(ctx context.Context, key OriginKey) (Conn, error)
}

// Conn is the minimal socket surface the pool needs: the read, write,
// close and deadline methods of a net.Conn. Reuse health is judged by
// the pool from idle age alone (see healthy), not by the Conn.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

// Socket wraps a pooled connection with its bookkeeping.
type Socket struct {
	Conn      Conn
	Key       OriginKey
	CreatedAt time.Time
	LastUsed  time.Time

	el *list.Element // position in the idle list, nil while in-use
}

// Recorder receives pool observations for metrics export.
type Recorder interface {
	NewConnection()
	ReuseConnection()
	Timeout()
	Error()
}

type nopRecorder struct{}

func (nopRecorder) NewConnection()   {}
func (nopRecorder) ReuseConnection() {}
func (nopRecorder) Timeout()         {}
func (nopRecorder) Error()           {}

// Stats is a point-in-time snapshot of the pool's monotonic counters.
type Stats struct {
	NewConnections   int64
	ReuseConnections int64
	Timeouts         int64
	Errors           int64
}

// ReuseRate is the fraction of acquisitions served from the idle pool.
func (s Stats) ReuseRate() float64 {
	total := s.NewConnections + s.ReuseConnections
	if total == 0 {
		return 0
	}
	return float64(s.ReuseConnections) / float64(total)
}

type bucket struct {
	mu         sync.Mutex
	idle       *list.List // front = most recently released
	inUseCount int
}

// Options configures a Pool.
type Options struct {
	Dialer          Dialer
	MaxInUse        int           // per-origin, default 256
	MaxIdle         int           // per-origin, default 256
	IdleTTL         time.Duration // default 30s
	RequestTimeout  time.Duration // default 60s
	CleanupInterval time.Duration // default 60s
	Recorder        Recorder
	Logger          *zap.Logger
}

// Pool is a set of per-origin socket buckets.
type Pool struct {
	dialer         Dialer
	maxInUse       int
	maxIdle        int
	idleTTL        time.Duration
	requestTimeout time.Duration
	rec            Recorder
	log            *zap.Logger

	mu      sync.Mutex
	buckets map[OriginKey]*bucket

	newConns   atomic.Int64
	reuseConns atomic.Int64
	timeouts   atomic.Int64
	errors     atomic.Int64

	stopSweep context.CancelFunc
}

// New builds a Pool and starts its background idle sweeper. Call
// Close to stop the sweeper and drain sockets.
func New(opts Options) *Pool {
	if opts.MaxInUse <= 0 {
		opts.MaxInUse = 256
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 256
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 60 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dialer:         opts.Dialer,
		maxInUse:       opts.MaxInUse,
		maxIdle:        opts.MaxIdle,
		idleTTL:        opts.IdleTTL,
		requestTimeout: opts.RequestTimeout,
		rec:            opts.Recorder,
		log:            opts.Logger,
		buckets:        make(map[OriginKey]*bucket),
		stopSweep:      cancel,
	}
	go p.sweepLoop(ctx, opts.CleanupInterval)
	return p
}

// RequestTimeout returns the configured per-request timeout so
// callers (the request engine) can bound their round trip.
func (p *Pool) RequestTimeout() time.Duration { return p.requestTimeout }

func (p *Pool) bucketFor(key OriginKey) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{idle: list.New()}
		p.buckets[key] = b
	}
	return b
}

// errPoolExhausted signals that an origin bucket has reached its
// in-use cap; the engine translates this into a 503-class response.
var errPoolExhausted = perr.New(perr.KindOverloaded, "agent pool exhausted for origin", nil)

// Acquire returns a healthy idle socket for key if one exists,
// otherwise dials a fresh one via the configured Dialer. It returns
// errPoolExhausted if the origin is already at MaxInUse.
//
// Per-origin buckets admit unboundedly many concurrent dials up to
// MaxInUse: the spec's at-most-one-in-flight coalescing guarantee
// governs the cert cache and fake server pool's shared *build*
// events (one cert, one listener), not the agent pool's sockets —
// concurrent requests to the same origin legitimately need concurrent
// sockets, bounded only by MaxInUse (see the testable property in
// spec.md §8: "the number of upstream TCP connects... is ≤
// max_in_use_per_origin", which only holds if concurrent dials are
// allowed up to that bound).
func (p *Pool) Acquire(ctx context.Context, key OriginKey) (*Socket, error) {
	b := p.bucketFor(key)

	b.mu.Lock()
	for e := b.idle.Front(); e != nil; e = e.Next() {
		sock := e.Value.(*Socket)
		b.idle.Remove(e)
		if p.healthy(sock) {
			sock.el = nil
			b.inUseCount++
			b.mu.Unlock()
			p.reuseConns.Add(1)
			p.rec.ReuseConnection()
			return sock, nil
		}
		_ = sock.Conn.Close()
	}
	if b.inUseCount >= p.maxInUse {
		b.mu.Unlock()
		p.errors.Add(1)
		p.rec.Error()
		return nil, errPoolExhausted
	}
	b.inUseCount++
	b.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, key)
	if err != nil {
		b.mu.Lock()
		b.inUseCount--
		b.mu.Unlock()
		p.errors.Add(1)
		p.rec.Error()
		return nil, err
	}

	p.newConns.Add(1)
	p.rec.NewConnection()
	now := time.Now()
	return &Socket{Conn: conn, Key: key, CreatedAt: now, LastUsed: now}, nil
}

// healthy reports whether an idle socket is still within its TTL. The
// caller has already removed it from the idle list; on a healthy
// result the caller must update bookkeeping, on unhealthy the caller
// closes it.
func (p *Pool) healthy(sock *Socket) bool {
	return time.Since(sock.LastUsed) < p.idleTTL
}

// Release returns a socket to the idle pool if keepAlive is true and
// it's still healthy and the idle pool has room; otherwise it closes
// the socket outright.
func (p *Pool) Release(sock *Socket, keepAlive bool) {
	b := p.bucketFor(sock.Key)

	b.mu.Lock()
	b.inUseCount--
	if !keepAlive || !p.healthy(sock) || b.idle.Len() >= p.maxIdle {
		b.mu.Unlock()
		_ = sock.Conn.Close()
		return
	}
	sock.LastUsed = time.Now()
	sock.el = b.idle.PushFront(sock)
	b.mu.Unlock()
}

// Discard closes a socket without returning it to the idle pool —
// used on client abort or any path where the socket's state is no
// longer trustworthy for reuse.
func (p *Pool) Discard(sock *Socket) {
	b := p.bucketFor(sock.Key)
	b.mu.Lock()
	b.inUseCount--
	b.mu.Unlock()
	_ = sock.Conn.Close()
}

// Stats returns a snapshot of the pool's monotonic counters.
func (p *Pool) Stats() Stats {
	return Stats{
		NewConnections:   p.newConns.Load(),
		ReuseConnections: p.reuseConns.Load(),
		Timeouts:         p.timeouts.Load(),
		Errors:           p.errors.Load(),
	}
}

// RecordTimeout lets callers (the request engine) attribute a request
// timeout to the pool's counters.
func (p *Pool) RecordTimeout() {
	p.timeouts.Add(1)
	p.rec.Timeout()
}

func (p *Pool) sweepLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.sweepOnce()
		}
	}
}

func (p *Pool) sweepOnce() {
	p.mu.Lock()
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		var next *list.Element
		for e := b.idle.Front(); e != nil; e = next {
			next = e.Next()
			sock := e.Value.(*Socket)
			if time.Since(sock.LastUsed) >= p.idleTTL {
				b.idle.Remove(e)
				_ = sock.Conn.Close()
			}
		}
		b.mu.Unlock()
	}
}

// Close stops the background sweeper and closes every pooled idle
// socket. In-use sockets are left to their callers.
func (p *Pool) Close() error {
	p.stopSweep()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buckets {
		b.mu.Lock()
		for e := b.idle.Front(); e != nil; e = e.Next() {
			_ = e.Value.(*Socket).Conn.Close()
		}
		b.idle.Init()
		b.mu.Unlock()
	}
	return nil
}
