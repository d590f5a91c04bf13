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

package fakeserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelproxy/mitmcore/internal/certfactory"
)

func testFactory(t *testing.T) *certfactory.Factory {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	f, err := certfactory.New(certfactory.Options{CA: certfactory.RootCA{Cert: cert, Key: key}})
	require.NoError(t, err)
	return f
}

func TestGetOrCreateCreatesThenReusesForSameHostname(t *testing.T) {
	p := New(Options{Factory: testFactory(t), Handler: http.NotFoundHandler()})
	defer p.Close()

	srv1, err := p.GetOrCreate(context.Background(), "example.com")
	require.NoError(t, err)

	srv2, err := p.GetOrCreate(context.Background(), "example.com")
	require.NoError(t, err)
	require.Same(t, srv1, srv2)
}

func TestGetOrCreateReusesAcrossWildcardCoverage(t *testing.T) {
	p := New(Options{Factory: testFactory(t), Handler: http.NotFoundHandler()})
	defer p.Close()

	srv1, err := p.GetOrCreate(context.Background(), "foo.example.com")
	require.NoError(t, err)

	srv2, err := p.GetOrCreate(context.Background(), "bar.example.com")
	require.NoError(t, err)
	require.Same(t, srv1, srv2)
}

func TestGetOrCreateConcurrentMissesCoalesce(t *testing.T) {
	p := New(Options{Factory: testFactory(t), Handler: http.NotFoundHandler()})
	defer p.Close()

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Server, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			srv, err := p.GetOrCreate(context.Background(), "concurrent.example.com")
			require.NoError(t, err)
			results[i] = srv
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestEvictionClosesOldestServerAtCapacity(t *testing.T) {
	rec := &countingRecorder{}
	p := New(Options{Factory: testFactory(t), Handler: http.NotFoundHandler(), Capacity: 2, Recorder: rec})
	defer p.Close()

	srv1, err := p.GetOrCreate(context.Background(), "one.example.net")
	require.NoError(t, err)
	_, err = p.GetOrCreate(context.Background(), "two.example.org")
	require.NoError(t, err)
	_, err = p.GetOrCreate(context.Background(), "three.example.com")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := srv1.listener.Accept()
		return err != nil
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, rec.evicted.Load())
}

type synthCountingRecorder struct {
	synthesized atomic.Int64
}

func (s *synthCountingRecorder) CertSynthesized() { s.synthesized.Add(1) }
func (synthCountingRecorder) CertCacheHit()       {}
func (synthCountingRecorder) CertCacheMiss()      {}

func TestCreateReusesCoveringCertStillCachedAfterServerEviction(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	certRec := &synthCountingRecorder{}
	factory, err := certfactory.New(certfactory.Options{
		CA:       certfactory.RootCA{Cert: cert, Key: key},
		Capacity: 10, // cert cache outlives the 1-entry server pool below
		Recorder: certRec,
	})
	require.NoError(t, err)

	// Pool capacity 1 forces "one.example.net"'s Server to be evicted
	// as soon as a second, uncovered hostname is requested, even though
	// its certificate remains in the factory's (larger) cache.
	p := New(Options{Factory: factory, Handler: http.NotFoundHandler(), Capacity: 1})
	defer p.Close()

	srv1, err := p.GetOrCreate(context.Background(), "one.example.net")
	require.NoError(t, err)
	require.EqualValues(t, 1, certRec.synthesized.Load())

	_, err = p.GetOrCreate(context.Background(), "two.example.org")
	require.NoError(t, err)
	require.EqualValues(t, 2, certRec.synthesized.Load())

	require.Eventually(t, func() bool {
		_, err := srv1.listener.Accept()
		return err != nil
	}, time.Second, 5*time.Millisecond)

	srv3, err := p.GetOrCreate(context.Background(), "one.example.net")
	require.NoError(t, err)
	require.NotSame(t, srv1, srv3) // a new Server/listener, since srv1 was evicted
	require.EqualValues(t, 2, certRec.synthesized.Load(), "create should reuse the still-cached cert via FindCovering instead of re-synthesizing")
}

func TestSSLFlagReflectsContextValue(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)
	require.False(t, SSLFlag(req))

	ctx := context.WithValue(req.Context(), sslFlagKey{}, true)
	req = req.WithContext(ctx)
	require.True(t, SSLFlag(req))
}

type countingRecorder struct {
	active  atomic.Int64
	evicted atomic.Int64
}

func (c *countingRecorder) FakeServerActive(delta int) { c.active.Add(int64(delta)) }
func (c *countingRecorder) FakeServerEvicted()         { c.evicted.Add(1) }
