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

package middleware

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

func TestHeaderInjectorNoopWhenEmpty(t *testing.T) {
	h := &HeaderInjector{}
	decision, err := h.BeforeRequest(context.Background(), &reqctx.RequestContext{})
	require.NoError(t, err)
	require.Equal(t, pipeline.ContinueDecision(), decision)
}

func TestHeaderInjectorBuildsModifyAndForward(t *testing.T) {
	h := &HeaderInjector{Headers: map[string]string{"X-Proxied-By": "kestrel"}}
	decision, err := h.BeforeRequest(context.Background(), &reqctx.RequestContext{})
	require.NoError(t, err)

	mf, ok := decision.(pipeline.ModifyAndForwardDecision)
	require.True(t, ok)
	require.Equal(t, "kestrel", mf.Headers.Get("X-Proxied-By"))
}

func TestAccessLogEmitsStructuredFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	a := &AccessLog{Logger: zap.New(core)}

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)

	rc := &reqctx.RequestContext{
		RequestID:    "req-1",
		Intercepted:  true,
		StartTime:    time.Now().Add(-10 * time.Millisecond),
		RequestSize:  42,
		ResponseSize: 128,
		Request:      req,
		Response:     &http.Response{StatusCode: 200},
	}

	decision, err := a.AfterResponse(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, pipeline.ContinueDecision(), decision)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-1", fields["request_id"])
	require.Equal(t, true, fields["intercepted"])
	require.EqualValues(t, 42, fields["request_size"])
	require.EqualValues(t, 200, fields["status"])
}

func TestAccessLogFallsBackToRequestContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	a := &AccessLog{}

	rc := &reqctx.RequestContext{Logger: zap.New(core)}
	_, err := a.AfterResponse(context.Background(), rc)
	require.NoError(t, err)
	require.Len(t, logs.All(), 1)
}

func TestAccessLogNoopWithoutAnyLogger(t *testing.T) {
	a := &AccessLog{}
	rc := &reqctx.RequestContext{}
	decision, err := a.AfterResponse(context.Background(), rc)
	require.NoError(t, err)
	require.Equal(t, pipeline.ContinueDecision(), decision)
}
