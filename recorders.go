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

package mitmcore

import "time"

// These adapters satisfy each internal package's narrow Recorder
// interface by forwarding to the shared *Metrics, so no subpackage
// needs to import this package's concrete type (which would cycle
// back through internal/* in the other direction).

type certRecorder struct{ m *Metrics }

func (r certRecorder) CertSynthesized() { r.m.CertSynthesisTotal.Inc() }
func (r certRecorder) CertCacheHit()    { r.m.CertCacheHitTotal.Inc() }
func (r certRecorder) CertCacheMiss()   { r.m.CertCacheMissTotal.Inc() }

type fakeServerRecorder struct{ m *Metrics }

func (r fakeServerRecorder) FakeServerActive(delta int) { r.m.FakeServerActive.Add(float64(delta)) }
func (r fakeServerRecorder) FakeServerEvicted()          { r.m.FakeServerEvictedTotal.Inc() }

type agentRecorder struct{ m *Metrics }

func (r agentRecorder) NewConnection()   { r.m.AgentNewConnTotal.Inc() }
func (r agentRecorder) ReuseConnection() { r.m.AgentReuseConnTotal.Inc() }
func (r agentRecorder) Timeout()         { r.m.AgentTimeoutTotal.Inc() }
func (r agentRecorder) Error()           { r.m.AgentErrorTotal.Inc() }

type pipelineRecorder struct{ m *Metrics }

func (r pipelineRecorder) PipelineStageRun(stage, phase string) {
	r.m.PipelineStageRuns.WithLabelValues(stage, phase).Inc()
}

func (r pipelineRecorder) PipelineStageFail(stage, phase string) {
	r.m.PipelineStageFails.WithLabelValues(stage, phase).Inc()
}

func (r pipelineRecorder) PipelineStageDuration(stage, phase string, d time.Duration) {
	r.m.PipelineStageTime.WithLabelValues(stage, phase).Observe(d.Seconds())
}

type engineRecorder struct{ m *Metrics }

func (r engineRecorder) RequestOutcome(outcome string) { r.m.RequestTotal.WithLabelValues(outcome).Inc() }
func (r engineRecorder) TrafficIn(n int64)             { r.m.TrafficBytesIn.Add(float64(n)) }
func (r engineRecorder) TrafficOut(n int64)            { r.m.TrafficBytesOut.Add(float64(n)) }

type connectRecorder struct{ m *Metrics }

func (r connectRecorder) ConnectionAccepted(kind string) { r.m.ConnectionTotal.WithLabelValues(kind).Inc() }
func (r connectRecorder) TrafficIn(n int64)              { r.m.TrafficBytesIn.Add(float64(n)) }
func (r connectRecorder) TrafficOut(n int64)             { r.m.TrafficBytesOut.Add(float64(n)) }
