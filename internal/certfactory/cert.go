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

// Package certfactory mints per-hostname leaf certificates signed by a
// configurable root CA, caching them in a bounded, TTL-expiring store
// with at-most-one synthesis per hostname in flight at a time.
package certfactory

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/kestrelproxy/mitmcore/internal/perr"
)

// RootCA bundles the long-lived CA certificate and its private key.
// The core never generates or persists this itself (on-disk layout is
// an external concern); it is handed an already-parsed pair at
// construction time.
type RootCA struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// LeafCertEntry is a minted (or pinned) certificate/key pair, owned
// exclusively by the Factory's cache once inserted.
type LeafCertEntry struct {
	CertPEM     []byte
	KeyPEM      []byte
	TLSCert     tls.Certificate
	NotBefore   time.Time
	NotAfter    time.Time
	SANSet      map[string]struct{}
	CreatedAt   time.Time
	Fingerprint [32]byte
}

// CoversHost reports whether this entry's SAN set covers hostname,
// either directly or via a wildcard of hostname's parent domain.
func (e *LeafCertEntry) CoversHost(hostname string) bool {
	hostname = normalizeHost(hostname)
	if _, ok := e.SANSet[hostname]; ok {
		return true
	}
	if wc, ok := wildcardParent(hostname); ok {
		if _, ok := e.SANSet[wc]; ok {
			return true
		}
	}
	return false
}

func normalizeHost(hostname string) string {
	return strings.ToLower(strings.TrimSpace(hostname))
}

// wildcardParent returns "*.b.c" for a multi-label, non-IP hostname
// "a.b.c", and false for single-label hosts or IP literals, mirroring
// the SAN-set invariant from the data model.
func wildcardParent(hostname string) (string, bool) {
	if net.ParseIP(hostname) != nil {
		return "", false
	}
	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return "", false
	}
	return "*." + strings.Join(labels[1:], "."), true
}

// sanSetFor builds the SAN set for hostname per the data model
// invariant: the hostname itself, plus the wildcard of its parent
// domain for multi-label non-IP hosts, plus the IP form when hostname
// is itself an IP literal.
func sanSetFor(hostname string) (dnsNames []string, ips []net.IP, set map[string]struct{}) {
	hostname = normalizeHost(hostname)
	set = make(map[string]struct{}, 2)

	if ip := net.ParseIP(hostname); ip != nil {
		ips = append(ips, ip)
		set[hostname] = struct{}{}
		return
	}

	dnsNames = append(dnsNames, hostname)
	set[hostname] = struct{}{}
	if wc, ok := wildcardParent(hostname); ok {
		dnsNames = append(dnsNames, wc)
		set[wc] = struct{}{}
	}
	return
}

// synthesize mints a fresh RSA-2048 leaf certificate for hostname,
// signed by ca, valid for validFor starting now. Grounded on the
// google/martian mitm.Config.cert flow and Caddy's self-signed
// certificate builder: generate a key, build a template with the SAN
// invariants, sign with the CA's key, PEM-encode both halves.
func synthesize(ca RootCA, hostname string, validFor time.Duration, serial *big.Int) (*LeafCertEntry, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, perr.New(perr.KindCertSynthesisFailed, "generating leaf key", err)
	}

	dnsNames, ips, sanSet := sanSetFor(hostname)

	now := time.Now()
	notAfter := now.Add(validFor)
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		Issuer:       ca.Cert.Subject,
		NotBefore:    now.Add(-5 * time.Minute), // tolerate modest clock skew
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, &key.PublicKey, ca.Key)
	if err != nil {
		return nil, perr.New(perr.KindCertSynthesisFailed, "signing leaf certificate", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, perr.New(perr.KindCertSynthesisFailed, "parsing synthesized leaf", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, perr.New(perr.KindCertSynthesisFailed, "marshaling leaf key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(append(bytes.Clone(certPEM), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})...), keyPEM)
	if err != nil {
		return nil, perr.New(perr.KindCertSynthesisFailed, "building tls.Certificate", err)
	}
	tlsCert.Leaf = leaf

	return &LeafCertEntry{
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		TLSCert:     tlsCert,
		NotBefore:   tmpl.NotBefore,
		NotAfter:    tmpl.NotAfter,
		SANSet:      sanSet,
		CreatedAt:   now,
		Fingerprint: sha256.Sum256(der),
	}, nil
}

// fingerprintString renders a fingerprint for logging.
func fingerprintString(fp [32]byte) string {
	return fmt.Sprintf("%x", fp[:8])
}
