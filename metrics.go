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

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of Prometheus collectors the proxy core updates.
// It is owned by a Proxy, registered against a registry the Proxy
// owns (never the global default registry, so embedding multiple
// Proxy instances in one process never collides), and handed down to
// every manager that needs to record an observation.
//
// Names mirror the dotted names from the observability events section
// of the spec, translated to Prometheus' underscore convention.
type Metrics struct {
	RequestTotal       *prometheus.CounterVec
	ConnectionTotal    *prometheus.CounterVec
	ConnectionActive   prometheus.Gauge
	TrafficBytesIn     prometheus.Counter
	TrafficBytesOut    prometheus.Counter
	PipelineStageRuns  *prometheus.CounterVec
	PipelineStageFails *prometheus.CounterVec
	PipelineStageTime  *prometheus.HistogramVec

	CertSynthesisTotal prometheus.Counter
	CertCacheHitTotal  prometheus.Counter
	CertCacheMissTotal prometheus.Counter

	FakeServerActive       prometheus.Gauge
	FakeServerEvictedTotal prometheus.Counter

	AgentNewConnTotal   prometheus.Counter
	AgentReuseConnTotal prometheus.Counter
	AgentTimeoutTotal   prometheus.Counter
	AgentErrorTotal     prometheus.Counter
}

// NewMetrics builds and registers a fresh set of collectors against
// reg. Passing a dedicated *prometheus.Registry (not
// prometheus.DefaultRegisterer) lets multiple Proxy instances coexist
// in a single process without metric name collisions, matching the
// per-Context registry ownership pattern this core was grown from.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const ns = "mitmproxy"

	return &Metrics{
		RequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "request_total",
			Help: "Count of plain-HTTP requests handled, by outcome.",
		}, []string{"outcome"}),
		ConnectionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "connection_total",
			Help: "Count of accepted connections, by kind.",
		}, []string{"kind"}),
		ConnectionActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "connection_active",
			Help: "Number of currently active client connections.",
		}),
		TrafficBytesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "traffic_bytes_in_total",
			Help: "Total bytes read from clients.",
		}),
		TrafficBytesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "traffic_bytes_out_total",
			Help: "Total bytes written to clients.",
		}),
		PipelineStageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "pipeline_stage_executions_total",
			Help: "Count of pipeline stage invocations, by stage name and phase.",
		}, []string{"stage", "phase"}),
		PipelineStageFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "pipeline_stage_errors_total",
			Help: "Count of pipeline stage failures, by stage name and phase.",
		}, []string{"stage", "phase"}),
		PipelineStageTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "pipeline_stage_duration_seconds",
			Help:    "Pipeline stage execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "phase"}),
		CertSynthesisTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "cert_synthesis_total",
			Help: "Count of leaf certificates synthesized from the root CA.",
		}),
		CertCacheHitTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "cert_cache_hit_total",
			Help: "Count of cert factory lookups served from cache.",
		}),
		CertCacheMissTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "cert_cache_miss_total",
			Help: "Count of cert factory lookups that required synthesis.",
		}),
		FakeServerActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "fakeserver_active",
			Help: "Number of fake TLS-terminating servers currently listening.",
		}),
		FakeServerEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "fakeserver_evicted_total",
			Help: "Count of fake servers evicted from the LRU pool.",
		}),
		AgentNewConnTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "agent_new_connections_total",
			Help: "Count of new upstream connections dialed by the agent pool.",
		}),
		AgentReuseConnTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "agent_reuse_connections_total",
			Help: "Count of upstream connections served from the idle pool.",
		}),
		AgentTimeoutTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "agent_timeouts_total",
			Help: "Count of agent pool request timeouts.",
		}),
		AgentErrorTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "agent_errors_total",
			Help: "Count of agent pool dial/IO errors.",
		}),
	}
}
