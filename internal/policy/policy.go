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

// Package policy decides, for a given CONNECT authority or request
// URL, whether the core should tunnel traffic opaquely or intercept
// it through the pipeline.
package policy

import (
	"strings"
)

// Decision is the outcome of consulting a Policy.
type Decision int

const (
	// Tunnel means forward bytes without TLS interception.
	Tunnel Decision = iota
	// Intercept means terminate TLS locally and run the pipeline.
	Intercept
)

func (d Decision) String() string {
	if d == Intercept {
		return "intercept"
	}
	return "tunnel"
}

// Policy is an immutable set of interception rules. The zero value
// (no sets populated) always tunnels, matching the "nothing
// configured" edge case.
type Policy struct {
	domains          map[string]struct{}
	urls             map[string]struct{}
	urlPrefixes      []string
	pathPrefixes     []string
	fastDomains      map[string]struct{}
	staticExtensions map[string]struct{}
}

// Config is the plain-data form a Policy is built from.
type Config struct {
	Domains          []string
	URLs             []string
	URLPrefixes      []string
	PathPrefixes     []string
	FastDomains      []string
	StaticExtensions []string
}

// New builds a Policy from cfg, lower-casing and deduplicating the
// domain/extension sets so lookups are case-insensitive.
func New(cfg Config) *Policy {
	p := &Policy{
		domains:          toSet(cfg.Domains),
		urls:             toSet(cfg.URLs),
		urlPrefixes:      append([]string(nil), cfg.URLPrefixes...),
		pathPrefixes:     append([]string(nil), cfg.PathPrefixes...),
		fastDomains:      toSet(cfg.FastDomains),
		staticExtensions: toSet(cfg.StaticExtensions),
	}
	return p
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimSpace(item))] = struct{}{}
	}
	return set
}

// Input bundles the request-shaped fields Decide needs. For a CONNECT
// request, Host is the authority and URL/Path are empty.
type Input struct {
	Host string
	URL  string
	Path string
}

// Decide runs the five-step policy algorithm in order:
//
//  1. host in fast_domains -> Tunnel (explicit fast-path bypass).
//  2. path/URL ends with a configured static extension -> Tunnel.
//  3. no domains/urls/prefixes configured at all -> Tunnel (the proxy
//     is "off" for interception purposes until configured).
//  4. host in domains AND (path matches a path_prefix, OR URL matches
//     a url_prefix, OR full URL in urls, OR none of those three sets
//     are configured at all) -> Intercept.
//  5. otherwise -> Tunnel.
func (p *Policy) Decide(in Input) Decision {
	host := strings.ToLower(strings.TrimSpace(in.Host))
	if _, ok := p.fastDomains[host]; ok {
		return Tunnel
	}

	if p.hasStaticExtension(in.Path) || p.hasStaticExtension(in.URL) {
		return Tunnel
	}

	if len(p.domains) == 0 && len(p.urls) == 0 && len(p.urlPrefixes) == 0 && len(p.pathPrefixes) == 0 {
		return Tunnel
	}

	if _, ok := p.domains[host]; !ok {
		return Tunnel
	}

	if len(p.urls) == 0 && len(p.urlPrefixes) == 0 && len(p.pathPrefixes) == 0 {
		// Domains alone were configured: a hostname match suffices.
		return Intercept
	}

	if _, ok := p.urls[strings.ToLower(in.URL)]; ok {
		return Intercept
	}
	for _, prefix := range p.urlPrefixes {
		if strings.HasPrefix(in.URL, prefix) {
			return Intercept
		}
	}
	for _, prefix := range p.pathPrefixes {
		if strings.HasPrefix(in.Path, prefix) {
			return Intercept
		}
	}

	return Tunnel
}

func (p *Policy) hasStaticExtension(s string) bool {
	if s == "" || len(p.staticExtensions) == 0 {
		return false
	}
	idx := strings.LastIndexByte(s, '.')
	if idx < 0 {
		return false
	}
	ext := strings.ToLower(s[idx:])
	// trim any trailing query/fragment that slipped in with a raw URL
	if q := strings.IndexAny(ext, "?#"); q >= 0 {
		ext = ext[:q]
	}
	_, ok := p.staticExtensions[ext]
	return ok
}
