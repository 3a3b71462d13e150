package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/injectwatch/internal/types"
)

// SimSink stands in for a real voice, haptic or display device. It logs the
// plan and holds the channel for Latency plus the content's own duration.
type SimSink struct {
	Channel types.Channel
	Latency time.Duration

	unavailable atomic.Bool

	mu      sync.Mutex
	emitted []types.PlanID
}

func NewSimSink(channel types.Channel, latency time.Duration) *SimSink {
	return &SimSink{Channel: channel, Latency: latency}
}

// SetAvailable toggles whether Emit fails with ErrChannelUnavailable.
func (s *SimSink) SetAvailable(ok bool) { s.unavailable.Store(!ok) }

func (s *SimSink) Emit(ctx context.Context, plan types.FeedbackPlan) error {
	if s.unavailable.Load() {
		return fmt.Errorf("%s sink: %w", s.Channel, ErrChannelUnavailable)
	}
	hold := s.Latency + holdTime(plan)
	timer := time.NewTimer(hold)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		slog.Debug("emit cancelled", "channel", s.Channel, "plan_id", plan.ID)
		return ctx.Err()
	case <-timer.C:
	}

	switch s.Channel {
	case types.ChannelHaptic:
		slog.Info("vibrate", "plan_id", plan.ID, "pattern", plan.Content.Pattern, "pulses", len(plan.Content.Pulses))
	case types.ChannelDisplay:
		slog.Info("overlay", "plan_id", plan.ID, "style", plan.Content.Style, "text", plan.Content.Message)
	default:
		slog.Info("speak", "plan_id", plan.ID, "tone", plan.Content.Tone, "text", plan.Content.Message)
	}
	s.mu.Lock()
	s.emitted = append(s.emitted, plan.ID)
	s.mu.Unlock()
	return nil
}

// Emitted returns the ids of the plans emitted so far.
func (s *SimSink) Emitted() []types.PlanID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PlanID, len(s.emitted))
	copy(out, s.emitted)
	return out
}

func holdTime(plan types.FeedbackPlan) time.Duration {
	var d time.Duration
	for _, p := range plan.Content.Pulses {
		d += p.Duration
	}
	return d
}

// NewSimRegistry registers a SimSink for every channel.
func NewSimRegistry(latency time.Duration) (*Registry, map[types.Channel]*SimSink) {
	reg := NewRegistry()
	sinks := make(map[types.Channel]*SimSink, len(types.Channels))
	for _, ch := range types.Channels {
		s := NewSimSink(ch, latency)
		reg.Register(ch, s)
		sinks[ch] = s
	}
	return reg, sinks
}
