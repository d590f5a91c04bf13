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

// Package middleware holds the built-in interceptors a cmd entrypoint
// can wire into the pipeline out of the box, beyond whatever an
// embedder supplies of their own.
package middleware

import (
	"context"
	"net/http"

	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

// HeaderInjector adds a fixed set of request headers to every
// intercepted request before it's forwarded upstream, e.g. to tag
// traffic that passed through this proxy.
type HeaderInjector struct {
	pipeline.BaseInterceptor
	Headers map[string]string
}

func (h *HeaderInjector) Name() string { return "header-injector" }

func (h *HeaderInjector) BeforeRequest(_ context.Context, rc *reqctx.RequestContext) (pipeline.Decision, error) {
	if len(h.Headers) == 0 {
		return pipeline.ContinueDecision(), nil
	}
	hdr := make(http.Header, len(h.Headers))
	for k, v := range h.Headers {
		hdr.Set(k, v)
	}
	return pipeline.ModifyAndForward(hdr, "", "", nil), nil
}
