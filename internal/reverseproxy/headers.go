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

// Package reverseproxy holds the header-stripping and buffer-pooled
// copy helpers shared by the plain-HTTP request engine, the CONNECT
// tunnel, and the WebSocket upgrade handler.
package reverseproxy

import (
	"net/http"
	"strings"
)

// hopHeaders are stripped before forwarding a message to the other
// side of the proxy, per RFC 2616 §13.5.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop deletes the standard hop-by-hop headers from h, plus
// any additional header names h's own Connection field nominates.
func StripHopByHop(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// skipHeaders are left alone on the destination side when it already
// has a value for them, to avoid duplicated/conflicting fields.
var skipHeaders = map[string]struct{}{
	"Content-Type":        {},
	"Content-Disposition": {},
	"Accept-Ranges":       {},
	"Set-Cookie":          {},
	"Cache-Control":       {},
	"Expires":             {},
}

// CopyHeader merges src into dst, skipping a small set of
// already-present headers that shouldn't be overwritten, and
// otherwise replacing dst's value so repeated proxying doesn't
// accumulate duplicate fields. Server is the exception: src's values
// are appended to dst's.
func CopyHeader(dst, src http.Header) {
	for k, vv := range src {
		if _, ok := dst[k]; ok {
			if _, shouldSkip := skipHeaders[k]; shouldSkip {
				continue
			}
			if k != "Server" {
				dst.Del(k)
			}
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// IsWebsocketUpgrade reports whether r is requesting a WebSocket
// upgrade per RFC 6455.
func IsWebsocketUpgrade(r *http.Request) bool {
	return containsToken(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func containsToken(header, token string) bool {
	for _, f := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(f), token) {
			return true
		}
	}
	return false
}
