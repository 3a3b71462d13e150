// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/injectwatch/internal/types"
)

// ErrChannelUnavailable is returned by a sink that cannot emit right now.
var ErrChannelUnavailable = errors.New("channel unavailable")

// Sink renders a feedback plan on one output channel. Emit must return
// promptly once ctx is cancelled.
type Sink interface {
	Emit(ctx context.Context, plan types.FeedbackPlan) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, plan types.FeedbackPlan) error

func (f SinkFunc) Emit(ctx context.Context, plan types.FeedbackPlan) error { return f(ctx, plan) }

// Registry routes plans to the sink registered for their channel.
type Registry struct {
	mu    sync.RWMutex
	sinks map[types.Channel]Sink
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[types.Channel]Sink),
	}
}

// Register adds or replaces the sink for channel.
func (r *Registry) Register(channel types.Channel, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[channel] = sink
}

// Sink returns the sink registered for channel.
func (r *Registry) Sink(channel types.Channel) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[channel]
	return s, ok
}

// Channels lists the registered channels in name order.
func (r *Registry) Channels() []types.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Channel, 0, len(r.sinks))
	for ch := range r.sinks {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deliver emits plan on its channel's sink. A channel with no sink is
// reported as unavailable.
func (r *Registry) Deliver(ctx context.Context, plan types.FeedbackPlan) error {
	sink, ok := r.Sink(plan.Channel)
	if !ok {
		return fmt.Errorf("no sink for channel %s: %w", plan.Channel, ErrChannelUnavailable)
	}
	return sink.Emit(ctx, plan)
}
