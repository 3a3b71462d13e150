package orchestrator

import (
	"fmt"
	"time"

	"github.com/user/injectwatch/internal/arbiter"
	"github.com/user/injectwatch/internal/delivery"
	"github.com/user/injectwatch/internal/gateway"
	"github.com/user/injectwatch/internal/metrics"
	"github.com/user/injectwatch/internal/perception"
	"github.com/user/injectwatch/internal/rules"
	"github.com/user/injectwatch/internal/types"
)

// Options tunes the pipeline. Zero durations fall back to the defaults.
type Options struct {
	Thresholds         rules.Thresholds
	Feedback           arbiter.Config
	PerceptionDeadline time.Duration
	IdleTimeout        time.Duration
	HistorySize        int
	DrainTimeout       time.Duration
	RatePerSecond      float64
	Burst              int
	RecordBuffer       int
	Retry              *gateway.RetryPolicy
}

func DefaultOptions() Options {
	return Options{
		Thresholds:         rules.DefaultThresholds(),
		Feedback:           arbiter.DefaultConfig(),
		PerceptionDeadline: 80 * time.Millisecond,
		IdleTimeout:        300 * time.Second,
		HistorySize:        64,
		DrainTimeout:       2 * time.Second,
		RatePerSecond:      4,
		Burst:              4,
		RecordBuffer:       256,
		Retry:              gateway.DefaultRetryPolicy(),
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.PerceptionDeadline <= 0 {
		o.PerceptionDeadline = def.PerceptionDeadline
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.HistorySize <= 0 {
		o.HistorySize = def.HistorySize
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	if o.RecordBuffer <= 0 {
		o.RecordBuffer = def.RecordBuffer
	}
	if o.Retry == nil {
		o.Retry = def.Retry
	}
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Capabilities perception.Capabilities
	Sinks        *delivery.Registry
	Sessions     types.SessionStore
	Events       types.EventStore
	Summaries    types.SummaryStore
	Metrics      *metrics.Metrics
	// Clock defaults to time.Now. It stamps session start, aborts and sweeps;
	// frames carry their own time.
	Clock func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.Sinks == nil:
		return fmt.Errorf("sinks: %w", ErrMissingDependency)
	case d.Sessions == nil:
		return fmt.Errorf("session store: %w", ErrMissingDependency)
	case d.Events == nil:
		return fmt.Errorf("event store: %w", ErrMissingDependency)
	case d.Summaries == nil:
		return fmt.Errorf("summary store: %w", ErrMissingDependency)
	}
	return nil
}
