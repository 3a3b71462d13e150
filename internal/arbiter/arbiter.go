// Package arbiter turns findings into deduplicated, prioritised feedback
// plans.
//
// An Arbiter holds the alert state of one session. Every finding maps to an
// alert keyed by (kind, locus). A key that was emitted recently is merged into
// the existing alert until its severity-dependent suppression window lapses,
// unless the new finding is more severe. Surviving alerts take an in-flight
// slot of their severity or wait in a deferred queue until Done frees one.
// The queue serves the longest-waiting alert first within a severity, and a
// deferred Critical alert stays queued until it is emitted.
//
// The arbiter never reads the clock; all times are passed in, so a fixed
// sequence of calls always yields the same plans.
package arbiter

import (
	"fmt"
	"sort"
	"time"

	"github.com/user/injectwatch/internal/types"
)

type alert struct {
	rec           types.AlertRecord
	suppressUntil time.Time
	// waitingSince is set while the alert sits in the deferred queue.
	waitingSince time.Time
}

type slot struct {
	severity types.Severity
	pending  map[types.PlanID]struct{}
}

type Arbiter struct {
	cfg      Config
	alerts   map[types.AlertKey]*alert
	inflight map[types.AlertKey]*slot
	used     map[types.Severity]int
	deferred []types.Finding
}

func New(cfg Config) (*Arbiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Arbiter{
		cfg:      cfg,
		alerts:   make(map[types.AlertKey]*alert),
		inflight: make(map[types.AlertKey]*slot),
		used:     make(map[types.Severity]int),
	}, nil
}

// Arbitrate consumes one frame's findings. phase is the session phase after
// the state machine ran and is stamped on the plans.
func (a *Arbiter) Arbitrate(findings []types.Finding, phase types.Phase, now time.Time) []types.FeedbackPlan {
	a.expireLapsed(now)

	var survivors []types.Finding
	for _, f := range findings {
		key := f.Key()
		al, ok := a.alerts[key]
		if !ok {
			al = &alert{rec: types.AlertRecord{Key: key, Severity: f.Severity, FirstSeen: f.At}}
			a.alerts[key] = al
		}
		if f.At.After(al.rec.LastSeen) {
			al.rec.LastSeen = f.At
		}
		if now.Before(al.suppressUntil) && f.Severity <= al.rec.Severity {
			al.rec.Suppressed++
			continue
		}
		al.rec.Severity = f.Severity
		al.suppressUntil = now.Add(a.cfg.Policy(f.Severity).Suppress)
		survivors = append(survivors, f)
	}
	for _, f := range survivors {
		key := f.Key()
		if _, busy := a.inflight[key]; busy {
			a.release(key)
		}
		a.enqueue(f, now)
	}
	return a.promote(phase, now)
}

// Done reports that a plan reached a terminal dispatch state. When the last
// plan of an alert is done its slot frees and deferred alerts are promoted;
// the promoted plans are returned.
func (a *Arbiter) Done(plan types.FeedbackPlan, now time.Time) []types.FeedbackPlan {
	s, ok := a.inflight[plan.Key]
	if !ok {
		return nil
	}
	if _, ok := s.pending[plan.ID]; !ok {
		return nil
	}
	delete(s.pending, plan.ID)
	if len(s.pending) > 0 {
		return nil
	}
	a.release(plan.Key)
	return a.promote(plan.Phase, now)
}

// Flush expires every deferred alert. Used when the session ends.
func (a *Arbiter) Flush() {
	for _, f := range a.deferred {
		al := a.alerts[f.Key()]
		al.rec.Expired++
		al.waitingSince = time.Time{}
	}
	a.deferred = nil
}

func (a *Arbiter) Deferred() int { return len(a.deferred) }

func (a *Arbiter) InFlight() int { return len(a.inflight) }

// Log returns the alert records ordered by key.
func (a *Arbiter) Log() []types.AlertRecord {
	out := make([]types.AlertRecord, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// enqueue adds f to the deferred queue, replacing an older finding of the
// same key without resetting its wait.
func (a *Arbiter) enqueue(f types.Finding, now time.Time) {
	al := a.alerts[f.Key()]
	if al.waitingSince.IsZero() {
		al.waitingSince = now
	}
	for i := range a.deferred {
		if a.deferred[i].Key() == f.Key() {
			a.deferred[i] = f
			return
		}
	}
	a.deferred = append(a.deferred, f)
}

// lapsed reports whether a deferred finding's window ran out. Critical
// alerts never lapse while queued.
func (a *Arbiter) lapsed(f types.Finding, now time.Time) bool {
	if f.Severity >= types.SeverityCritical {
		return false
	}
	return !now.Before(a.alerts[f.Key()].suppressUntil)
}

func (a *Arbiter) release(key types.AlertKey) {
	s := a.inflight[key]
	a.used[s.severity]--
	delete(a.inflight, key)
}

func (a *Arbiter) promote(phase types.Phase, now time.Time) []types.FeedbackPlan {
	a.sortByPriority(a.deferred)
	var plans []types.FeedbackPlan
	keep := a.deferred[:0]
	for _, f := range a.deferred {
		al := a.alerts[f.Key()]
		switch {
		case a.lapsed(f, now):
			al.rec.Expired++
			al.waitingSince = time.Time{}
		case a.used[f.Severity] < a.cfg.Policy(f.Severity).Cap:
			plans = append(plans, a.emit(f, phase, now)...)
		default:
			keep = append(keep, f)
		}
	}
	a.deferred = keep
	return plans
}

func (a *Arbiter) expireLapsed(now time.Time) {
	keep := a.deferred[:0]
	for _, f := range a.deferred {
		if a.lapsed(f, now) {
			al := a.alerts[f.Key()]
			al.rec.Expired++
			al.waitingSince = time.Time{}
			continue
		}
		keep = append(keep, f)
	}
	a.deferred = keep
}

func (a *Arbiter) emit(f types.Finding, phase types.Phase, now time.Time) []types.FeedbackPlan {
	key := f.Key()
	al := a.alerts[key]
	al.rec.Emitted++
	al.waitingSince = time.Time{}
	at := now.Add(a.cfg.Policy(f.Severity).Delay)
	msg := message(f)

	plan := func(ch types.Channel, c types.Content) types.FeedbackPlan {
		return types.FeedbackPlan{
			ID:          types.PlanID(fmt.Sprintf("%s#%d:%s", key, al.rec.Emitted, ch)),
			Key:         key,
			Channel:     ch,
			Content:     c,
			Urgency:     f.Severity,
			Phase:       phase,
			ScheduledAt: at,
		}
	}

	plans := []types.FeedbackPlan{plan(types.ChannelVoice, types.Content{Message: msg, Tone: tone(f.Severity)})}
	if pattern, ok := hapticPattern(f.Severity, a.cfg.Sensitivity); ok {
		plans = append(plans, plan(types.ChannelHaptic, types.Content{Pattern: pattern, Pulses: Pulses(pattern)}))
	}
	st, d := style(f.Severity)
	plans = append(plans, plan(types.ChannelDisplay, types.Content{Message: msg, Style: st, Duration: d}))

	s := &slot{severity: f.Severity, pending: make(map[types.PlanID]struct{}, len(plans))}
	for _, p := range plans {
		s.pending[p.ID] = struct{}{}
	}
	a.inflight[key] = s
	a.used[f.Severity]++
	return plans
}

// sortByPriority orders by severity, then time spent waiting in the queue,
// then finding time, then key.
func (a *Arbiter) sortByPriority(fs []types.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Severity != fs[j].Severity {
			return fs[i].Severity > fs[j].Severity
		}
		wi, wj := a.alerts[fs[i].Key()].waitingSince, a.alerts[fs[j].Key()].waitingSince
		if !wi.Equal(wj) {
			return wi.Before(wj)
		}
		if !fs[i].At.Equal(fs[j].At) {
			return fs[i].At.Before(fs[j].At)
		}
		return fs[i].Key().String() < fs[j].Key().String()
	})
}
