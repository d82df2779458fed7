// Package metrics exposes Prometheus collectors for the buffering core:
// SBQ task latency, GC eviction counters, buffer depth gauges, and
// orchestrator completion state. Service-labelled CounterVec/HistogramVec
// registered at construction time.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const service = "dashbuffer"

var defaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

// Metrics bundles every collector this engine registers. Construct once
// per process with NewRegistered (or New for tests that want an isolated
// registry).
type Metrics struct {
	SBQTaskLatency   *prometheus.HistogramVec // labels: type, kind, outcome
	SBQTaskTotal     *prometheus.CounterVec   // labels: type, kind, outcome
	GCEvictions      *prometheus.CounterVec   // labels: type
	BufferDepthSecs  *prometheus.GaugeVec     // labels: type
	OrchestratorDone *prometheus.GaugeVec     // labels: type; 1 = buffer-complete
}

// New builds a Metrics bundle and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SBQTaskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "sbq_task_duration_milliseconds",
			Help:        "Serialised Buffer Queue task latency.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     defaultLatencyBuckets,
		}, []string{"type", "kind", "outcome"}),
		SBQTaskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sbq_tasks_total",
			Help:        "Serialised Buffer Queue tasks processed, partitioned by outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"type", "kind", "outcome"}),
		GCEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gc_evictions_total",
			Help:        "Garbage collector removal tasks issued, by buffer type.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"type"}),
		BufferDepthSecs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "buffer_depth_seconds",
			Help:        "Seconds of inventoried, buffered media ahead of the current position, by buffer type.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"type"}),
		OrchestratorDone: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "orchestrator_buffer_complete",
			Help:        "1 when a buffer type's Consecutive Period Buffers process has reached buffer-complete, else 0.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"type"}),
	}

	reg.MustRegister(m.SBQTaskLatency, m.SBQTaskTotal, m.GCEvictions, m.BufferDepthSecs, m.OrchestratorDone)
	return m
}

// NewRegistered builds a Metrics bundle registered against the global
// default Prometheus registry, for wiring into cmd/bufdemo.
func NewRegistered() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Noop builds a Metrics bundle registered against a private registry
// nobody scrapes, for callers that do not care about metrics (tests, or a
// component built before a process-wide Metrics is available). Mirrors
// logger.Discard(): a real, usable value rather than a nil to check for.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveSBQTask records one completed SBQ task.
func (m *Metrics) ObserveSBQTask(bufferType, kind, outcome string, durationMS float64) {
	m.SBQTaskLatency.WithLabelValues(bufferType, kind, outcome).Observe(durationMS)
	m.SBQTaskTotal.WithLabelValues(bufferType, kind, outcome).Inc()
}

// RecordEviction increments the GC eviction counter for a buffer type.
func (m *Metrics) RecordEviction(bufferType string) {
	m.GCEvictions.WithLabelValues(bufferType).Inc()
}

// SetBufferDepth reports the current buffered-ahead depth for a type.
func (m *Metrics) SetBufferDepth(bufferType string, seconds float64) {
	m.BufferDepthSecs.WithLabelValues(bufferType).Set(seconds)
}

// SetOrchestratorComplete reports a type's buffer-complete state.
func (m *Metrics) SetOrchestratorComplete(bufferType string, complete bool) {
	v := 0.0
	if complete {
		v = 1.0
	}
	m.OrchestratorDone.WithLabelValues(bufferType).Set(v)
}
