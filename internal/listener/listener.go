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

// Package listener classifies each inbound HTTP request as CONNECT,
// a WebSocket upgrade handshake, or a plain request (any other Upgrade
// request counts as plain), and dispatches it to the matching handler. It is the single http.Handler the core's accept
// loop (and every fake server) ultimately serves through.
package listener

import (
	"net/http"

	"github.com/kestrelproxy/mitmcore/internal/reverseproxy"
)

// Dispatcher routes one classified request to its handler.
type Dispatcher struct {
	Connect http.Handler
	Upgrade http.Handler
	Plain   http.Handler
}

// ServeHTTP implements http.Handler, classifying r and delegating.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		d.Connect.ServeHTTP(w, r)
	case reverseproxy.IsWebsocketUpgrade(r):
		d.Upgrade.ServeHTTP(w, r)
	default:
		d.Plain.ServeHTTP(w, r)
	}
}
