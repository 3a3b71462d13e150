// Package orchestrator runs monitoring sessions: it owns the session
// registry and drives each frame through perception, rule evaluation, the
// phase machine, the arbiter and the dispatcher.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/injectwatch/internal/arbiter"
	"github.com/user/injectwatch/internal/dispatch"
	"github.com/user/injectwatch/internal/perception"
	"github.com/user/injectwatch/internal/phase"
	"github.com/user/injectwatch/internal/rules"
	"github.com/user/injectwatch/internal/types"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrClosed            = errors.New("orchestrator closed")
	ErrStorageWrite      = errors.New("storage write failed")
	ErrMissingDependency = errors.New("missing dependency")
)

// ErrPerceptionTimeout marks a capability that missed the frame deadline.
var ErrPerceptionTimeout = perception.ErrTimeout

const recordSource = "pipeline"

// FrameResult describes what one frame did to its session.
type FrameResult struct {
	SessionID  types.SessionID
	FrameID    types.FrameID
	Phase      types.Phase
	Transition *phase.Transition
	Findings   []types.Finding
	Plans      []types.FeedbackPlan
	Dispatched []dispatch.Result
	Degraded   []perception.Degradation
	// Invalid is set when the observation failed validation.
	Invalid error
	// Outcome is set when the frame ended the session.
	Outcome *types.Outcome
	Elapsed time.Duration
}

type Orchestrator struct {
	opts  Options
	deps  Deps
	eval  *rules.Evaluator
	rec   *recorder
	clock func() time.Time

	mu       sync.RWMutex
	sessions map[types.SessionID]*session
	closed   bool
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	opts.applyDefaults()
	eval, err := rules.New(opts.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	if err := opts.Feedback.Validate(); err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		opts:     opts,
		deps:     deps,
		eval:     eval,
		rec:      newRecorder(opts.RecordBuffer, opts.Retry, deps.Metrics),
		clock:    clock,
		sessions: make(map[types.SessionID]*session),
	}, nil
}

// StartSession registers a new session in Idle for the given profile.
func (o *Orchestrator) StartSession(ctx context.Context, profile types.Profile) (types.SessionID, error) {
	cfg := o.opts.Feedback
	if profile.Sensitivity != "" {
		cfg.Sensitivity = profile.Sensitivity
	}
	arb, err := arbiter.New(cfg)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	now := o.clock()
	id := types.NewSessionID()
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           id,
		profile:      profile,
		startedAt:    now,
		ctx:          sctx,
		cancel:       cancel,
		machine:      phase.New(now),
		track:        rules.Track{Phase: types.PhaseIdle},
		arbiter:      arb,
		lastActivity: now,
		historySize:  o.opts.HistorySize,
		index: types.SessionIndex{
			SessionID: id,
			Profile:   profile.Name,
			Status:    types.StatusActive,
			Phase:     types.PhaseIdle,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	s.dispatcher = dispatch.New(o.deps.Sinks, dispatch.Options{
		RatePerSecond: o.opts.RatePerSecond,
		Burst:         o.opts.Burst,
		Observe: func(ev dispatch.Event) {
			slog.Debug("dispatch event", "session_id", string(id), "plan_id", string(ev.Plan.ID), "channel", string(ev.Plan.Channel), "kind", string(ev.Kind))
		},
	})

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("start session: %w", ErrClosed)
	}
	o.sessions[id] = s
	o.mu.Unlock()

	idx := s.index
	if err := o.deps.Sessions.Create(ctx, &idx); err != nil {
		o.mu.Lock()
		delete(o.sessions, id)
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("start session: %w", err)
	}
	o.deps.Metrics.SessionStarted()
	o.appendEvent(id, 0, types.EventSessionStarted, now, profile)
	slog.Info("session started", "session_id", string(id), "profile", profile.Name, "expected_site", string(profile.ExpectedSite))
	return id, nil
}

func (o *Orchestrator) lookup(id types.SessionID) (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// ProcessFrame runs one frame through the session's pipeline: perception
// under the frame deadline, then evaluator, phase machine, arbiter and
// dispatcher. Storage writes are queued and never block the frame.
func (o *Orchestrator) ProcessFrame(ctx context.Context, id types.SessionID, frame types.Frame) (*FrameResult, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	begin := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		return nil, fmt.Errorf("process frame %s: %w", frame.ID, ErrSessionClosed)
	}
	if frame.At.After(s.lastFrameAt) {
		s.lastFrameAt = frame.At
	}
	res := &FrameResult{SessionID: id, FrameID: frame.ID}
	o.collect(s, frame.At, res)

	fctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	det := perception.Detect(fctx, o.deps.Capabilities, frame, o.opts.PerceptionDeadline)
	stop()
	cancel()
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("process frame %s: %w", frame.ID, ErrSessionClosed)
	}
	res.Degraded = det.Degraded
	s.stats.Frames++
	if len(det.Degraded) > 0 {
		s.stats.DegradedFrames++
	}

	obs := types.NewObservation(frame.ID, frame.At, det.Detections)
	rec := types.FrameRecord{FrameID: frame.ID, At: frame.At}
	for _, d := range det.Degraded {
		rec.Degraded = append(rec.Degraded, string(d.Capability))
		o.deps.Metrics.Degraded(string(d.Capability))
		if !errors.Is(d.Err, perception.ErrNoCapability) {
			slog.Debug("capability degraded", "session_id", string(id), "frame_id", frame.ID, "capability", string(d.Capability), "error", d.Err)
		}
	}

	findings, track, err := o.eval.Evaluate(rules.Input{
		Observation:  obs,
		Phase:        s.machine.Current(),
		ExpectedSite: s.profile.ExpectedSite,
		Track:        s.track,
	})
	if err != nil {
		slog.Warn("invalid observation", "session_id", string(id), "frame_id", frame.ID, "error", err)
		s.stats.InvalidFrames++
		res.Invalid = err
		rec.Invalid = err.Error()
		findings = nil
	} else {
		s.track = track
	}

	if err == nil && obs.Qualifying(o.opts.Thresholds.MinConfidence) {
		s.lastActivity = frame.At
	} else if idle := frame.At.Sub(s.lastActivity); idle >= o.opts.IdleTimeout {
		slog.Warn("session idle", "session_id", string(id), "idle", idle)
		res.Outcome = o.terminate(s, types.ReasonSessionTimeout, frame.At)
		res.Phase = s.machine.Current()
		rec.Phase = res.Phase
		if tr := lastTransition(s); tr != nil && tr.To == types.PhaseAborted {
			res.Transition = tr
			entry := tr.Entry()
			rec.Transition = &entry
		}
		o.finishFrame(s, res, rec, begin)
		o.archive(s)
		return res, nil
	}

	res.Findings = findings
	rec.Findings = findings
	s.count(findings)
	for _, f := range findings {
		o.deps.Metrics.Finding(f.Severity.String())
	}

	if tr, moved := s.machine.Apply(findings, frame.At); moved {
		res.Transition = &tr
		entry := tr.Entry()
		rec.Transition = &entry
		o.recordTransition(s, tr)
	}

	for _, plan := range s.arbiter.Arbitrate(findings, s.machine.Current(), frame.At) {
		res.Plans = append(res.Plans, plan)
		res.Dispatched = append(res.Dispatched, o.dispatch(s, plan, frame.At))
	}
	for _, p := range res.Plans {
		rec.Plans = append(rec.Plans, p.ID)
	}

	res.Phase = s.machine.Current()
	rec.Phase = res.Phase
	if res.Phase == types.PhaseComplete {
		res.Outcome = o.terminate(s, types.ReasonCompleted, frame.At)
	}
	o.finishFrame(s, res, rec, begin)
	if res.Outcome != nil {
		o.archive(s)
	}
	return res, nil
}

func (o *Orchestrator) finishFrame(s *session, res *FrameResult, rec types.FrameRecord, begin time.Time) {
	s.remember(rec)
	o.appendEvent(s.id, rec.FrameID, types.EventFrame, rec.At, rec)
	res.Elapsed = time.Since(begin)

	outcome := "ok"
	switch {
	case res.Invalid != nil:
		outcome = "invalid"
	case len(res.Degraded) > 0:
		outcome = "degraded"
	}
	o.deps.Metrics.Frame(outcome, res.Elapsed.Seconds())
}

func lastTransition(s *session) *phase.Transition {
	h := s.machine.History()
	if len(h) == 0 {
		return nil
	}
	return &h[len(h)-1]
}

// collect drains dispatcher completions, frees arbiter slots and dispatches
// whatever the arbiter promotes.
func (o *Orchestrator) collect(s *session, now time.Time, res *FrameResult) {
	for _, ev := range s.dispatcher.Drain() {
		if ev.Kind == dispatch.EventUnavailable {
			s.stats.ChannelFailures++
			slog.Warn("channel unavailable", "session_id", string(s.id), "channel", string(ev.Plan.Channel), "plan_id", string(ev.Plan.ID), "error", ev.Err)
		}
		for _, plan := range s.arbiter.Done(ev.Plan, now) {
			res.Plans = append(res.Plans, plan)
			res.Dispatched = append(res.Dispatched, o.dispatch(s, plan, now))
		}
	}
}

func (o *Orchestrator) dispatch(s *session, plan types.FeedbackPlan, now time.Time) dispatch.Result {
	r := s.dispatcher.Dispatch(plan, now)
	o.deps.Metrics.Dispatch(string(plan.Channel), string(r.Outcome))
	switch r.Outcome {
	case dispatch.OutcomeStarted, dispatch.OutcomePreempted:
		s.stats.PlansDispatched++
	}
	return r
}

func (o *Orchestrator) recordTransition(s *session, tr phase.Transition) {
	slog.Info("phase transition", "session_id", string(s.id), "from", tr.From.String(), "to", tr.To.String(), "trigger", string(tr.Trigger), "reason", tr.Reason)
	o.deps.Metrics.Transition(tr.To.String())
	payload := struct {
		From types.Phase `json:"from"`
		types.PhaseEntry
	}{From: tr.From, PhaseEntry: tr.Entry()}
	o.appendEvent(s.id, 0, types.EventPhaseTransition, tr.At, payload)

	s.index.Phase = tr.To
	s.index.UpdatedAt = tr.At
	o.updateIndex(s)
}

// finalize ends and archives the session. The caller holds s.mu.
func (o *Orchestrator) finalize(s *session, reason string, at time.Time) *types.Outcome {
	if s.outcome != nil {
		return s.outcome
	}
	out := o.terminate(s, reason, at)
	o.archive(s)
	return out
}

// terminate moves the session to its terminal phase and fixes the outcome.
func (o *Orchestrator) terminate(s *session, reason string, at time.Time) *types.Outcome {
	s.cancel()
	if !s.machine.Current().Terminal() {
		if tr, err := s.machine.Abort(reason, at); err == nil {
			o.recordTransition(s, tr)
		}
	}
	s.outcome = &types.Outcome{Phase: s.machine.Current(), Reason: reason, At: at}
	return s.outcome
}

// archive drains the dispatcher, persists the summary and drops the session
// from the registry.
func (o *Orchestrator) archive(s *session) {
	reason, at := s.outcome.Reason, s.outcome.At
	s.arbiter.Flush()
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.DrainTimeout)
	if err := s.dispatcher.Close(ctx); err != nil {
		slog.Warn("dispatcher drain cut short", "session_id", string(s.id), "error", err)
	}
	cancel()
	for _, ev := range s.dispatcher.Drain() {
		if ev.Kind == dispatch.EventUnavailable {
			s.stats.ChannelFailures++
		}
	}

	summary := s.summary()
	o.appendEvent(s.id, 0, types.EventSessionFinalized, at, summary)
	if err := o.deps.Summaries.Put(context.Background(), summary); err != nil {
		o.rec.fail(record{sessionID: s.id, what: "summary"}, fmt.Errorf("%w: %w", ErrStorageWrite, err))
	}

	s.index.Status = types.StatusAborted
	if s.outcome.Phase == types.PhaseComplete {
		s.index.Status = types.StatusCompleted
	}
	s.index.Phase = s.outcome.Phase
	s.index.Reason = reason
	s.index.UpdatedAt = at
	o.updateIndex(s)

	o.mu.Lock()
	delete(o.sessions, s.id)
	o.mu.Unlock()

	o.deps.Metrics.SessionFinalized(reason)
	slog.Info("session finalized", "session_id", string(s.id), "phase", s.outcome.Phase.String(), "reason", reason, "frames", s.stats.Frames)
}

// AbortSession ends a session with the given reason, cancelling any
// perception still running for it. An empty reason means UserAbort.
func (o *Orchestrator) AbortSession(ctx context.Context, id types.SessionID, reason string) (*types.Outcome, error) {
	if reason == "" {
		reason = types.ReasonUserAbort
	}
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		return nil, fmt.Errorf("abort session %s: %w", id, ErrSessionClosed)
	}
	return o.finalize(s, reason, s.clamp(o.clock())), nil
}

// SweepIdle aborts every session without a qualifying observation since
// now minus the idle timeout. It returns the aborted session ids.
func (o *Orchestrator) SweepIdle(now time.Time) []types.SessionID {
	var aborted []types.SessionID
	for _, s := range o.active() {
		s.mu.Lock()
		if s.outcome == nil && now.Sub(s.lastActivity) >= o.opts.IdleTimeout {
			slog.Warn("session idle", "session_id", string(s.id), "idle", now.Sub(s.lastActivity))
			o.finalize(s, types.ReasonSessionTimeout, s.clamp(now))
			aborted = append(aborted, s.id)
		}
		s.mu.Unlock()
	}
	return aborted
}

func (o *Orchestrator) active() []*session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

// Active returns the ids of sessions that have not been finalized.
func (o *Orchestrator) Active() []types.SessionID {
	var ids []types.SessionID
	for _, s := range o.active() {
		ids = append(ids, s.id)
	}
	return ids
}

// GetSummary returns the live summary of an active session or the archived
// summary of a finalized one.
func (o *Orchestrator) GetSummary(ctx context.Context, id types.SessionID) (*types.SessionSummary, error) {
	if s, err := o.lookup(id); err == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.summary(), nil
	}
	summary, err := o.deps.Summaries.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", id, err)
	}
	return summary, nil
}

// History returns the recent frame records of an active session, oldest
// first.
func (o *Orchestrator) History(id types.SessionID) ([]types.FrameRecord, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FrameRecord, len(s.history))
	copy(out, s.history)
	return out, nil
}

// StorageFailures reports record writes that were dropped or failed.
func (o *Orchestrator) StorageFailures() int64 { return o.rec.failures() }

// Close finalizes every active session with reason Shutdown and flushes
// pending records.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, s := range o.active() {
		s.cancel()
		s.mu.Lock()
		if s.outcome == nil {
			o.finalize(s, types.ReasonShutdown, s.clamp(o.clock()))
		}
		s.mu.Unlock()
	}
	return o.rec.close(ctx)
}

func (o *Orchestrator) appendEvent(id types.SessionID, frameID types.FrameID, typ string, at time.Time, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.rec.fail(record{sessionID: id, what: typ}, fmt.Errorf("marshal %s: %w", typ, err))
		return
	}
	ev := &types.Event{
		ID:        types.NewEventID(),
		SessionID: id,
		FrameID:   frameID,
		Type:      typ,
		Source:    recordSource,
		At:        at,
		Payload:   data,
	}
	o.rec.submit(record{sessionID: id, what: typ, write: func(ctx context.Context) error {
		return o.deps.Events.Append(ctx, ev)
	}})
}

func (o *Orchestrator) updateIndex(s *session) {
	idx := s.index
	o.rec.submit(record{sessionID: s.id, what: "index", write: func(ctx context.Context) error {
		return o.deps.Sessions.Update(ctx, &idx)
	}})
}
