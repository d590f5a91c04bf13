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
	"time"

	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/pipeline"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

// AccessLog emits one structured log line per completed request,
// mirroring the teacher's access-log middleware but driven off
// RequestContext instead of a caddyhttp.Replacer.
type AccessLog struct {
	pipeline.BaseInterceptor
	Logger *zap.Logger
}

func (a *AccessLog) Name() string { return "access-log" }

func (a *AccessLog) AfterResponse(_ context.Context, rc *reqctx.RequestContext) (pipeline.Decision, error) {
	log := a.Logger
	if log == nil {
		log = rc.Logger
	}
	if log == nil {
		return pipeline.ContinueDecision(), nil
	}

	fields := []zap.Field{
		zap.String("request_id", rc.RequestID),
		zap.Bool("intercepted", rc.Intercepted),
		zap.Duration("duration", time.Since(rc.StartTime)),
		zap.Int64("request_size", rc.RequestSize),
		zap.Int64("response_size", rc.ResponseSize),
	}
	if rc.Request != nil {
		fields = append(fields, zap.String("method", rc.Request.Method), zap.String("host", rc.Request.Host))
	}
	if rc.Response != nil {
		fields = append(fields, zap.Int("status", rc.Response.StatusCode))
	}
	log.Info("request completed", fields...)
	return pipeline.ContinueDecision(), nil
}
