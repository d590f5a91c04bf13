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
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelproxy/mitmcore/internal/perr"
	"github.com/kestrelproxy/mitmcore/internal/reqctx"
)

// Phase names a pipeline hook, used for metric labels and logging.
type Phase string

const (
	PhaseBeforeRequest  Phase = "before_request"
	PhaseBeforeResponse Phase = "before_response"
	PhaseAfterResponse  Phase = "after_response"
	PhaseOnError        Phase = "on_error"
	PhaseUpgrade        Phase = "upgrade"
)

// Options configures a Manager.
type Options struct {
	Stages        []Stage
	StageTimeout  time.Duration // default 30s
	MaxConcurrent int           // default 50
	Logger        *zap.Logger
}

// Manager runs a fixed, ordered set of Stages through each phase of a
// request's lifecycle, enforcing a per-stage timeout and a bound on
// the number of requests executing pipeline stages concurrently.
type Manager struct {
	stages       []Stage
	stageTimeout time.Duration
	sem          chan struct{}
	log          *zap.Logger
}

// New sorts stages by (priority asc, name asc) for a deterministic,
// reproducible execution order, runs each stage's Initialize hook, and
// returns the assembled Manager.
func New(ctx context.Context, opts Options) (*Manager, error) {
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 50
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	stages := append([]Stage(nil), opts.Stages...)
	sort.SliceStable(stages, func(i, j int) bool {
		if stages[i].Priority != stages[j].Priority {
			return stages[i].Priority < stages[j].Priority
		}
		return stages[i].Name < stages[j].Name
	})

	for _, s := range stages {
		if s.Initialize == nil {
			continue
		}
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	return &Manager{
		stages:       stages,
		stageTimeout: opts.StageTimeout,
		sem:          make(chan struct{}, opts.MaxConcurrent),
		log:          opts.Logger,
	}, nil
}

// TryAcquire reserves one of the Manager's concurrency slots. It
// returns false immediately (never blocks) when the pipeline is
// already running MaxConcurrent requests, letting the caller degrade
// to an Overloaded response rather than queuing indefinitely.
func (m *Manager) TryAcquire() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a concurrency slot acquired via TryAcquire.
func (m *Manager) Release() { <-m.sem }

// RunBeforeRequest runs every stage's BeforeRequest hook in order.
// ModifyAndForward deltas accumulate across stages instead of
// stopping the phase; only DirectResponse/Stop short-circuit it.
func (m *Manager) RunBeforeRequest(ctx context.Context, rc *reqctx.RequestContext) (Decision, error) {
	return m.run(ctx, rc, PhaseBeforeRequest, func(ictx context.Context, i Interceptor) (Decision, error) {
		return i.BeforeRequest(ictx, rc)
	})
}

// RunBeforeResponse runs every stage's BeforeResponse hook in order.
func (m *Manager) RunBeforeResponse(ctx context.Context, rc *reqctx.RequestContext) (Decision, error) {
	return m.run(ctx, rc, PhaseBeforeResponse, func(ictx context.Context, i Interceptor) (Decision, error) {
		return i.BeforeResponse(ictx, rc)
	})
}

// RunAfterResponse runs every stage's AfterResponse hook in order.
func (m *Manager) RunAfterResponse(ctx context.Context, rc *reqctx.RequestContext) (Decision, error) {
	return m.run(ctx, rc, PhaseAfterResponse, func(ictx context.Context, i Interceptor) (Decision, error) {
		return i.AfterResponse(ictx, rc)
	})
}

// RunOnError runs every stage's OnError hook in order, passing cause
// through to each. Critical errors encountered here are not re-thrown
// again: onError is the terminal phase.
func (m *Manager) RunOnError(ctx context.Context, rc *reqctx.RequestContext, cause error) (Decision, error) {
	return m.run(ctx, rc, PhaseOnError, func(ictx context.Context, i Interceptor) (Decision, error) {
		return i.OnError(ictx, rc, cause)
	})
}

// RunUpgrade runs BeforeRequest on only the stages that declared
// InterceptsUpgrade, for a WebSocket upgrade request, which otherwise
// never sees BeforeResponse/AfterResponse.
func (m *Manager) RunUpgrade(ctx context.Context, rc *reqctx.RequestContext) (Decision, error) {
	return m.run(ctx, rc, PhaseUpgrade, func(ictx context.Context, i Interceptor) (Decision, error) {
		if !i.InterceptsUpgrade() {
			return ContinueDecision(), nil
		}
		return i.BeforeRequest(ictx, rc)
	})
}

func (m *Manager) run(
	ctx context.Context,
	rc *reqctx.RequestContext,
	phase Phase,
	hook func(context.Context, Interceptor) (Decision, error),
) (Decision, error) {
	var (
		accumulated ModifyAndForwardDecision
		modified    bool
	)

	for _, stage := range m.stages {
		if !stage.Interceptor.ShouldIntercept(ctx, rc) {
			continue
		}

		stageCtx, cancel := context.WithTimeout(ctx, m.stageTimeout)
		start := time.Now()
		decision, err := hook(stageCtx, stage.Interceptor)
		elapsed := time.Since(start)
		cancel()

		if rc.Metrics != nil {
			rc.Metrics.PipelineStageRun(stage.Name, string(phase))
			rc.Metrics.PipelineStageDuration(stage.Name, string(phase), elapsed)
		}

		if err != nil {
			if rc.Metrics != nil {
				rc.Metrics.PipelineStageFail(stage.Name, string(phase))
			}
			pe, ok := perr.As(err)
			if ok && !pe.Critical {
				m.log.Warn("pipeline stage failed, continuing",
					zap.String("stage", stage.Name), zap.String("phase", string(phase)), zap.Error(err))
				continue
			}
			if !ok && stageCtx.Err() != nil && ctx.Err() == nil {
				// The stage overran its own timeout: StageTimeout is
				// non-critical, so it is logged and the phase goes on.
				m.log.Warn("pipeline stage timed out, continuing",
					zap.String("stage", stage.Name), zap.String("phase", string(phase)),
					zap.Error(perr.New(perr.KindStageTimeout, "pipeline stage timed out", err)))
				continue
			}
			if stageCtx.Err() != nil {
				err = perr.NewCritical(perr.KindStageTimeout, "pipeline stage timed out", err)
			}
			return nil, err
		}

		switch d := decision.(type) {
		case continueDecision:
			// nothing to merge, move to the next stage.
		case ModifyAndForwardDecision:
			// Apply this stage's delta to the live request immediately
			// so later stages in the same phase (ShouldIntercept and
			// their hooks alike) observe it, then keep running the
			// phase instead of short-circuiting.
			mergeModifyAndForward(rc, d)
			accumulated = accumulateModifyAndForward(accumulated, d)
			modified = true
		default:
			return decision, nil
		}
	}
	if modified {
		return accumulated, nil
	}
	return ContinueDecision(), nil
}

// Close runs every stage's Destroy hook, ignoring individual errors
// beyond logging them (Close is best-effort shutdown).
func (m *Manager) Close(ctx context.Context) {
	for _, s := range m.stages {
		if s.Destroy == nil {
			continue
		}
		if err := s.Destroy(ctx); err != nil {
			m.log.Warn("stage destroy failed", zap.String("stage", s.Name), zap.Error(err))
		}
	}
}
