// Package metrics exposes Prometheus instrumentation for the frame pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	FramesTotal      *prometheus.CounterVec // by outcome: ok, degraded, invalid, dropped
	FrameLatency     prometheus.Histogram   // ProcessFrame wall time
	FindingsTotal    *prometheus.CounterVec // by severity
	TransitionsTotal *prometheus.CounterVec // by target phase
	DispatchTotal    *prometheus.CounterVec // by channel and outcome
	DegradedTotal    *prometheus.CounterVec // by capability
	StorageErrors    prometheus.Counter
	ActiveSessions   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec // by reason
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injectwatch_frames_total",
			Help: "Frames processed by outcome",
		}, []string{"outcome"}),
		FrameLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "injectwatch_frame_seconds",
			Help:    "Time spent processing one frame",
			Buckets: []float64{.005, .01, .025, .05, .08, .1, .25, .5, 1},
		}),
		FindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injectwatch_findings_total",
			Help: "Rule findings by severity",
		}, []string{"severity"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injectwatch_phase_transitions_total",
			Help: "Phase transitions by target phase",
		}, []string{"phase"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injectwatch_dispatch_total",
			Help: "Feedback dispatch results by channel and outcome",
		}, []string{"channel", "outcome"}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injectwatch_perception_degraded_total",
			Help: "Perception capabilities missing from a frame",
		}, []string{"capability"}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "injectwatch_storage_errors_total",
			Help: "Record writes that failed or were dropped",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "injectwatch_active_sessions",
			Help: "Sessions not yet finalized",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "injectwatch_sessions_finalized_total",
			Help: "Finalized sessions by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.FrameLatency,
		m.FindingsTotal,
		m.TransitionsTotal,
		m.DispatchTotal,
		m.DegradedTotal,
		m.StorageErrors,
		m.ActiveSessions,
		m.SessionsTotal,
	)
	return m
}

func (m *Metrics) Frame(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Inc()
	if seconds >= 0 {
		m.FrameLatency.Observe(seconds)
	}
}

func (m *Metrics) Finding(severity string) {
	if m == nil {
		return
	}
	m.FindingsTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) Transition(phase string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) Dispatch(channel, outcome string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Degraded(capability string) {
	if m == nil {
		return
	}
	m.DegradedTotal.WithLabelValues(capability).Inc()
}

func (m *Metrics) StorageError() {
	if m == nil {
		return
	}
	m.StorageErrors.Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionFinalized(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
}
