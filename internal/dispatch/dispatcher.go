// Package dispatch schedules feedback plans on independent output channels.
//
// Each channel runs at most one job. A plan for a busy channel is dropped if
// it is less urgent than the running job and otherwise preempts it: the
// running job is cancelled and the new one emits after it has returned.
// Non-critical plans also pass a global token bucket.
//
// Every accepted or rejected plan produces exactly one Event, collected until
// the owner calls Drain.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/injectwatch/internal/delivery"
	"github.com/user/injectwatch/internal/types"
)

var ErrClosed = errors.New("dispatcher closed")

// Outcome is the immediate answer to Dispatch.
type Outcome string

const (
	OutcomeStarted     Outcome = "started"
	OutcomePreempted   Outcome = "preempted"
	OutcomeDropped     Outcome = "dropped"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeClosed      Outcome = "closed"
)

type Result struct {
	PlanID  types.PlanID
	Channel types.Channel
	Outcome Outcome
	// Replaced is the job cancelled by a preemption.
	Replaced types.PlanID
}

// EventKind is the terminal state of a plan.
type EventKind string

const (
	EventDelivered   EventKind = "delivered"
	EventCancelled   EventKind = "cancelled"
	EventUnavailable EventKind = "unavailable"
	EventDropped     EventKind = "dropped"
	EventRateLimited EventKind = "rate_limited"
	EventRejected    EventKind = "rejected"
)

type Event struct {
	Plan types.FeedbackPlan
	Kind EventKind
	Err  error
	At   time.Time
}

type Options struct {
	// RatePerSecond bounds non-critical plans across all channels, measured on
	// the clock passed to Dispatch. Zero or negative disables the limit.
	RatePerSecond float64
	Burst         int
	// Observe, if set, is called for every event as it is recorded.
	Observe func(Event)
}

type job struct {
	plan   types.FeedbackPlan
	cancel context.CancelFunc
	done   chan struct{}
}

type Dispatcher struct {
	sinks   *delivery.Registry
	limiter *rate.Limiter
	observe func(Event)

	mu     sync.Mutex
	lanes  map[types.Channel]*job
	events []Event
	closed bool
	wg     sync.WaitGroup
}

func New(sinks *delivery.Registry, opts Options) *Dispatcher {
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		limiter: rate.NewLimiter(limit, burst),
		observe: opts.Observe,
		lanes:   make(map[types.Channel]*job),
	}
}

// Dispatch never blocks on a sink. now is the caller's clock reading on the
// same timeline as plan.ScheduledAt; the job waits for the difference.
func (d *Dispatcher) Dispatch(plan types.FeedbackPlan, now time.Time) Result {
	res := Result{PlanID: plan.ID, Channel: plan.Channel}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.record(plan, EventRejected, ErrClosed)
		res.Outcome = OutcomeClosed
		return res
	}
	if _, ok := d.sinks.Sink(plan.Channel); !ok {
		d.record(plan, EventUnavailable, fmt.Errorf("no sink for channel %s: %w", plan.Channel, delivery.ErrChannelUnavailable))
		res.Outcome = OutcomeUnavailable
		return res
	}
	cur := d.lanes[plan.Channel]
	if cur != nil && plan.Urgency < cur.plan.Urgency {
		d.record(plan, EventDropped, nil)
		res.Outcome = OutcomeDropped
		return res
	}
	if plan.Urgency < types.SeverityCritical && !d.limiter.AllowN(now, 1) {
		d.record(plan, EventRateLimited, nil)
		res.Outcome = OutcomeRateLimited
		return res
	}

	res.Outcome = OutcomeStarted
	if cur != nil {
		cur.cancel()
		res.Outcome = OutcomePreempted
		res.Replaced = cur.plan.ID
		slog.Debug("preempt", "channel", plan.Channel, "plan_id", plan.ID, "replaced", cur.plan.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{plan: plan, cancel: cancel, done: make(chan struct{})}
	d.lanes[plan.Channel] = j
	d.wg.Add(1)
	go d.run(ctx, j, cur, plan.ScheduledAt.Sub(now))
	return res
}

func (d *Dispatcher) run(ctx context.Context, j, prev *job, wait time.Duration) {
	defer d.wg.Done()
	defer close(j.done)
	defer j.cancel()

	if prev != nil {
		<-prev.done
	}

	err := ctx.Err()
	if err == nil && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-timer.C:
		}
		timer.Stop()
	}
	if err == nil {
		err = d.sinks.Deliver(ctx, j.plan)
	}

	kind := EventDelivered
	switch {
	case err == nil:
	case ctx.Err() != nil:
		kind = EventCancelled
	default:
		kind = EventUnavailable
		if !errors.Is(err, delivery.ErrChannelUnavailable) {
			err = fmt.Errorf("%w: %v", delivery.ErrChannelUnavailable, err)
		}
		slog.Warn("channel unavailable", "channel", j.plan.Channel, "plan_id", j.plan.ID, "error", err)
	}

	d.mu.Lock()
	if d.lanes[j.plan.Channel] == j {
		delete(d.lanes, j.plan.Channel)
	}
	d.record(j.plan, kind, err)
	d.mu.Unlock()
}

// record must be called with d.mu held.
func (d *Dispatcher) record(plan types.FeedbackPlan, kind EventKind, err error) {
	ev := Event{Plan: plan, Kind: kind, Err: err, At: time.Now()}
	d.events = append(d.events, ev)
	if d.observe != nil {
		d.observe(ev)
	}
}

// Drain returns and clears the events recorded so far.
func (d *Dispatcher) Drain() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.events
	d.events = nil
	return out
}

// Busy reports whether channel has a running job and its urgency.
func (d *Dispatcher) Busy(channel types.Channel) (types.Severity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.lanes[channel]
	if !ok {
		return 0, false
	}
	return j.plan.Urgency, true
}

// Close stops accepting plans and waits for running jobs to finish. If ctx
// ends first the remaining jobs are cancelled and awaited.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	for _, j := range d.lanes {
		j.cancel()
	}
	d.mu.Unlock()
	<-done
	return ctx.Err()
}
