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

// Package reqctx defines the per-request state threaded through the
// interception pipeline, and a free-list pool for reusing its
// allocations across requests without ever sharing one concurrently.
package reqctx

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder receives per-request observations for metrics export.
type Recorder interface {
	PipelineStageRun(stage, phase string)
	PipelineStageFail(stage, phase string)
	PipelineStageDuration(stage, phase string, d time.Duration)
}

// RequestContext is the mutable record one in-flight request carries
// through beforeRequest -> beforeResponse -> afterResponse -> onError.
// It is acquired from a Pool at accept time and released back to it
// once the request is fully handled; never retain one past Release.
type RequestContext struct {
	// RequestID correlates the request's log lines and metrics across
	// every pipeline phase; assigned fresh on each Acquire.
	RequestID string

	Request  *http.Request
	Response *http.Response

	SSLFlag     bool
	StartTime   time.Time
	Stopped     bool
	Intercepted bool

	// MetaBag lets middleware/interceptor stages pass data to later
	// stages of the same request without a shared package-level map.
	MetaBag map[string]any

	RequestSize  int64
	ResponseSize int64

	Err error

	// ModifiedRequest/DirectResponse record the effect of the last
	// ModifyAndForward/DirectResponse decision seen, so the engine can
	// tell a stage actually changed something from a plain Continue.
	ModifiedRequest bool
	DirectResponse  bool

	Logger  *zap.Logger
	Metrics Recorder
}

func (c *RequestContext) reset() {
	c.RequestID = ""
	c.Request = nil
	c.Response = nil
	c.SSLFlag = false
	c.StartTime = time.Time{}
	c.Stopped = false
	c.Intercepted = false
	for k := range c.MetaBag {
		delete(c.MetaBag, k)
	}
	c.RequestSize = 0
	c.ResponseSize = 0
	c.Err = nil
	c.ModifiedRequest = false
	c.DirectResponse = false
	c.Logger = nil
	c.Metrics = nil
}

// Pool is a sync.Pool-backed free list of *RequestContext, avoiding
// one allocation per request on the hot path.
type Pool struct {
	pool sync.Pool
}

// NewPool builds an empty Pool.
func NewPool() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() any { return &RequestContext{MetaBag: make(map[string]any, 4)} },
		},
	}
}

// Acquire returns a reset *RequestContext ready for a new request.
func (p *Pool) Acquire(r *http.Request, logger *zap.Logger, metrics Recorder) *RequestContext {
	rc := p.pool.Get().(*RequestContext)
	rc.RequestID = uuid.NewString()
	rc.Request = r
	rc.StartTime = time.Now()
	rc.Logger = logger
	rc.Metrics = metrics
	return rc
}

// Release resets rc and returns it to the pool. Callers must not touch
// rc after calling Release.
func (p *Pool) Release(rc *RequestContext) {
	rc.reset()
	p.pool.Put(rc)
}
