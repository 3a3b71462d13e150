package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the counter or gauge value of the series matching labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if !matches(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s %v not found", name, labels)
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			found++
		}
	}
	return found == len(labels)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Frame("ok", 0.01)
	m.Frame("degraded", 0.09)
	m.Frame("dropped", -1)
	m.Finding("Critical")
	m.Dispatch("voice", "started")
	m.Degraded("pose")
	m.StorageError()
	m.SessionStarted()
	m.SessionStarted()
	m.SessionFinalized("SessionTimeout")
	m.Transition("Positioning")

	assert.Equal(t, 1.0, value(t, reg, "injectwatch_frames_total", map[string]string{"outcome": "ok"}))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_frames_total", map[string]string{"outcome": "dropped"}))
	assert.Equal(t, 2.0, value(t, reg, "injectwatch_frame_seconds", nil))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_findings_total", map[string]string{"severity": "Critical"}))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_dispatch_total", map[string]string{"channel": "voice", "outcome": "started"}))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_perception_degraded_total", map[string]string{"capability": "pose"}))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_storage_errors_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_active_sessions", nil))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_sessions_finalized_total", map[string]string{"reason": "SessionTimeout"}))
	assert.Equal(t, 1.0, value(t, reg, "injectwatch_phase_transitions_total", map[string]string{"phase": "Positioning"}))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Frame("ok", 0)
		m.Finding("Info")
		m.Dispatch("voice", "dropped")
		m.SessionStarted()
		m.SessionFinalized("Completed")
	})
}
