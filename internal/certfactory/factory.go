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

package certfactory

import (
	"crypto/rand"
	"crypto/tls"
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kestrelproxy/mitmcore/internal/perr"
)

// maxSerial bounds the random serial numbers the factory mints; 2^159
// keeps collisions astronomically unlikely for any realistic cache
// lifetime, the same bound google/martian's mitm package uses.
var maxSerial = new(big.Int).Lsh(big.NewInt(1), 159)

// FixedCert is a pinned certificate/key pair that bypasses synthesis
// entirely. It can be installed globally on a Factory, or supplied
// per-call by a caller that pinned one at interception time; per-call
// always wins (context override > global fixed > dynamic).
type FixedCert struct {
	CertPEM []byte
	KeyPEM  []byte
	TLSCert tls.Certificate
}

// Recorder receives factory observations for metrics export. It is a
// narrow interface (rather than a dependency on the root package's
// Metrics type) so this package has no import-cycle risk.
type Recorder interface {
	CertSynthesized()
	CertCacheHit()
	CertCacheMiss()
}

type nopRecorder struct{}

func (nopRecorder) CertSynthesized() {}
func (nopRecorder) CertCacheHit()    {}
func (nopRecorder) CertCacheMiss()   {}

// Options configures a Factory.
type Options struct {
	CA         RootCA
	Capacity   int           // default 1000
	TTL        time.Duration // default 24h
	Validity   time.Duration // default 365d, the cert's own NotBefore/NotAfter span
	Fixed      *FixedCert    // optional global pinned cert
	Recorder   Recorder
	Logger     *zap.Logger
}

// Factory mints and caches leaf certificates signed by a root CA, at
// most one synthesis in flight per hostname at a time.
type Factory struct {
	ca       RootCA
	capacity int
	ttl      time.Duration
	validity time.Duration
	fixed    *FixedCert
	rec      Recorder
	log      *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *LeafCertEntry]
	sf    singleflight.Group
}

// New builds a Factory. The root CA must already be loaded and parsed;
// on-disk layout and first-run generation are the caller's concern.
func New(opts Options) (*Factory, error) {
	if opts.CA.Cert == nil || opts.CA.Key == nil {
		return nil, perr.New(perr.KindCaNotLoaded, "root CA cert/key not supplied", nil)
	}
	if time.Now().After(opts.CA.Cert.NotAfter) {
		return nil, perr.New(perr.KindCaExpired, "root CA certificate has expired", nil)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Validity <= 0 {
		opts.Validity = 365 * 24 * time.Hour
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	// The underlying LRU only needs to hold more entries than we ever
	// manually evict below it; we implement our own oldest-created_at
	// eviction on top rather than relying on its access-recency order,
	// so a plain non-evicting cache of this capacity is sufficient.
	cache, err := lru.New[string, *LeafCertEntry](opts.Capacity)
	if err != nil {
		return nil, perr.New(perr.KindCertSynthesisFailed, "constructing cert cache", err)
	}

	return &Factory{
		ca:       opts.CA,
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		validity: opts.Validity,
		fixed:    opts.Fixed,
		rec:      opts.Recorder,
		log:      opts.Logger,
		cache:    cache,
	}, nil
}

// GetCert returns a leaf certificate for hostname, synthesizing and
// caching one if needed. override, when non-nil, takes precedence
// over any globally configured fixed cert (context override > global
// fixed > dynamic), and is never cached since it's call-scoped.
func (f *Factory) GetCert(hostname string, override *FixedCert) (*LeafCertEntry, error) {
	hostname = normalizeHost(hostname)

	if override != nil {
		return fixedEntry(override, hostname), nil
	}
	if f.fixed != nil {
		return fixedEntry(f.fixed, hostname), nil
	}

	f.mu.Lock()
	if entry, ok := f.cache.Get(hostname); ok {
		if time.Now().Before(entry.CreatedAt.Add(f.ttl)) && time.Now().Before(entry.NotAfter) {
			f.mu.Unlock()
			f.rec.CertCacheHit()
			return entry, nil
		}
		// expired: fall through to re-synthesize, replacing the entry.
	}
	f.mu.Unlock()

	f.rec.CertCacheMiss()

	// singleflight collapses concurrent misses for the same hostname
	// into a single synthesis, satisfying the at-most-one-build
	// invariant without a per-key mutex map.
	v, err, _ := f.sf.Do(hostname, func() (interface{}, error) {
		serial, err := rand.Int(rand.Reader, maxSerial)
		if err != nil {
			return nil, perr.New(perr.KindCertSynthesisFailed, "generating serial number", err)
		}
		entry, err := synthesize(f.ca, hostname, f.validity, serial)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		f.evictOldestLocked()
		f.cache.Add(hostname, entry)
		f.mu.Unlock()

		f.rec.CertSynthesized()
		f.log.Debug("synthesized leaf certificate",
			zap.String("hostname", hostname),
			zap.String("fingerprint", fingerprintString(entry.Fingerprint)),
		)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LeafCertEntry), nil
}

// FindCovering scans the cache for any unexpired entry whose SAN set
// covers hostname, used by the fake server pool to decide whether an
// existing fake server already serves this hostname.
func (f *Factory) FindCovering(hostname string) (*LeafCertEntry, bool) {
	hostname = normalizeHost(hostname)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range f.cache.Keys() {
		entry, ok := f.cache.Peek(key)
		if !ok || time.Now().After(entry.NotAfter) {
			continue
		}
		if entry.CoversHost(hostname) {
			return entry, true
		}
	}
	return nil, false
}

// evictOldestLocked drops the entry with the oldest CreatedAt when the
// cache is at capacity, per the data-model eviction rule. Must be
// called with f.mu held.
func (f *Factory) evictOldestLocked() {
	if f.cache.Len() < f.capacity {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	first := true
	for _, key := range f.cache.Keys() {
		entry, ok := f.cache.Peek(key)
		if !ok {
			continue
		}
		if first || entry.CreatedAt.Before(oldestAt) {
			oldestKey, oldestAt, first = key, entry.CreatedAt, false
		}
	}
	if !first {
		f.cache.Remove(oldestKey)
	}
}

func fixedEntry(fc *FixedCert, hostname string) *LeafCertEntry {
	now := time.Now()
	notAfter := now.Add(365 * 24 * time.Hour)
	if fc.TLSCert.Leaf != nil {
		notAfter = fc.TLSCert.Leaf.NotAfter
	}
	_, _, sanSet := sanSetFor(hostname)
	return &LeafCertEntry{
		CertPEM:   fc.CertPEM,
		KeyPEM:    fc.KeyPEM,
		TLSCert:   fc.TLSCert,
		NotBefore: now,
		NotAfter:  notAfter,
		SANSet:    sanSet,
		CreatedAt: now,
	}
}
