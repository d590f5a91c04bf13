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

package pipeline

import (
	"context"

	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

// Interceptor is the capability-set a pipeline stage implements: any
// subset of the four phase hooks, each independently optional. Stages
// embed BaseInterceptor to get Continue-everywhere defaults and
// override only the hooks they care about.
type Interceptor interface {
	Name() string

	ShouldIntercept(ctx context.Context, rc *reqctx.RequestContext) bool

	BeforeRequest(ctx context.Context, rc *reqctx.RequestContext) (Decision, error)
	BeforeResponse(ctx context.Context, rc *reqctx.RequestContext) (Decision, error)
	AfterResponse(ctx context.Context, rc *reqctx.RequestContext) (Decision, error)
	OnError(ctx context.Context, rc *reqctx.RequestContext, cause error) (Decision, error)

	// InterceptsUpgrade reports whether this stage wants to see the
	// beforeRequest-equivalent hook for WebSocket upgrade requests,
	// which otherwise bypass beforeResponse/afterResponse entirely.
	InterceptsUpgrade() bool
}

// BaseInterceptor is a no-op embeddable base: every hook returns
// Continue and does nothing, ShouldIntercept defaults to true, and
// InterceptsUpgrade defaults to false. Embed it and override only
// what you need.
type BaseInterceptor struct{}

func (BaseInterceptor) ShouldIntercept(context.Context, *reqctx.RequestContext) bool { return true }

func (BaseInterceptor) BeforeRequest(context.Context, *reqctx.RequestContext) (Decision, error) {
	return ContinueDecision(), nil
}

func (BaseInterceptor) BeforeResponse(context.Context, *reqctx.RequestContext) (Decision, error) {
	return ContinueDecision(), nil
}

func (BaseInterceptor) AfterResponse(context.Context, *reqctx.RequestContext) (Decision, error) {
	return ContinueDecision(), nil
}

func (BaseInterceptor) OnError(context.Context, *reqctx.RequestContext, error) (Decision, error) {
	return ContinueDecision(), nil
}

func (BaseInterceptor) InterceptsUpgrade() bool { return false }
