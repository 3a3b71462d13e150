package orchestrator

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/injectwatch/internal/delivery"
	"github.com/user/injectwatch/internal/dispatch"
	"github.com/user/injectwatch/internal/gateway"
	"github.com/user/injectwatch/internal/metrics"
	"github.com/user/injectwatch/internal/perception"
	"github.com/user/injectwatch/internal/rules"
	"github.com/user/injectwatch/internal/state"
	"github.com/user/injectwatch/internal/types"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	o         *Orchestrator
	sessions  *state.SessionStore
	events    types.EventStore
	summaries *state.SummaryStore
	sinks     map[types.Channel]*delivery.SimSink
	now       atomic.Int64
}

func (h *harness) clock() time.Time { return time.Unix(0, h.now.Load()).UTC() }

func (h *harness) set(at time.Time) { h.now.Store(at.UnixNano()) }

func newHarness(t *testing.T, caps perception.Capabilities, mutate func(*Options, *Deps)) *harness {
	t.Helper()
	dir := t.TempDir()
	summaries, err := state.NewSummaryStore(dir, 8)
	require.NoError(t, err)
	reg, sinks := delivery.NewSimRegistry(0)

	h := &harness{
		sessions:  state.NewSessionStore(dir),
		events:    state.NewEventStore(dir),
		summaries: summaries,
		sinks:     sinks,
	}
	h.set(t0)

	opts := DefaultOptions()
	opts.DrainTimeout = 100 * time.Millisecond
	opts.RatePerSecond = 0
	deps := Deps{
		Capabilities: caps,
		Sinks:        reg,
		Sessions:     h.sessions,
		Events:       h.events,
		Summaries:    summaries,
		Metrics:      metrics.NewMetrics(prometheus.NewRegistry()),
		Clock:        h.clock,
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	h.o, err = New(deps, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.o.Close(context.Background()) })
	return h
}

func scenario(t *testing.T, yml string) *perception.Scenario {
	t.Helper()
	sc, err := perception.ParseScenario([]byte(yml))
	require.NoError(t, err)
	return sc
}

func TestIdleTimeoutAbortsSession(t *testing.T) {
	h := newHarness(t, perception.Capabilities{}, nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	var last *FrameResult
	for i := 0; i <= 300; i++ {
		res, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: types.FrameID(i + 1), At: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		last = res
		if res.Outcome != nil {
			break
		}
	}
	require.NotNil(t, last.Outcome)
	assert.Equal(t, types.FrameID(301), last.FrameID)
	assert.Equal(t, types.PhaseAborted, last.Outcome.Phase)
	assert.Equal(t, types.ReasonSessionTimeout, last.Outcome.Reason)
	require.NotNil(t, last.Transition)
	assert.Equal(t, types.PhaseAborted, last.Transition.To)

	summary, err := h.o.GetSummary(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, summary.Outcome)
	assert.Equal(t, types.ReasonSessionTimeout, summary.Outcome.Reason)
	require.Len(t, summary.Transitions, 2)
	assert.Equal(t, types.PhaseAborted, summary.Transitions[1].Phase)
	assert.Equal(t, 301, summary.Stats.Frames)
	assert.Equal(t, 301, summary.Stats.DegradedFrames)

	_, err = h.o.ProcessFrame(ctx, id, types.Frame{ID: 302, At: t0.Add(301 * time.Second)})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestActivityPostponesIdleTimeout(t *testing.T) {
	sc := scenario(t, `
steps:
  - duration: 1s
    site: upper_arm
  - duration: 400s
`)
	h := newHarness(t, perception.NewSimulator(sc, t0).Capabilities(), nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	res, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: 1, At: t0.Add(500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Nil(t, res.Outcome)

	res, err = h.o.ProcessFrame(ctx, id, types.Frame{ID: 2, At: t0.Add(300 * time.Second)})
	require.NoError(t, err)
	assert.Nil(t, res.Outcome, "activity at 0.5s moves the deadline")

	res, err = h.o.ProcessFrame(ctx, id, types.Frame{ID: 3, At: t0.Add(300*time.Second + 500*time.Millisecond)})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, types.ReasonSessionTimeout, res.Outcome.Reason)
}

func TestCriticalAngleReachesEveryChannel(t *testing.T) {
	sc := scenario(t, `
steps:
  - duration: 2s
    angle: 30
    pose_confidence: 0.95
`)
	h := newHarness(t, perception.NewSimulator(sc, t0).Capabilities(), nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	res, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: 1, At: t0})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, types.SeverityCritical, res.Findings[0].Severity)
	assert.Equal(t, types.KindAngleOutOfRange, res.Findings[0].Kind)

	var channels []types.Channel
	for _, p := range res.Plans {
		channels = append(channels, p.Channel)
		assert.Equal(t, types.SeverityCritical, p.Urgency)
	}
	assert.ElementsMatch(t, []types.Channel{types.ChannelVoice, types.ChannelHaptic, types.ChannelDisplay}, channels)
	for _, d := range res.Dispatched {
		assert.Equal(t, dispatch.OutcomeStarted, d.Outcome)
	}
	assert.Equal(t, types.PhaseIdle, res.Phase, "critical findings never move the phase")

	// same key inside the window is merged
	res, err = h.o.ProcessFrame(ctx, id, types.Frame{ID: 2, At: t0.Add(100 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, res.Findings, 1)
	assert.Empty(t, res.Plans)

	require.Eventually(t, func() bool {
		return len(h.sinks[types.ChannelVoice].Emitted()) == 1 &&
			len(h.sinks[types.ChannelHaptic].Emitted()) == 1 &&
			len(h.sinks[types.ChannelDisplay].Emitted()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCriticalSurvivesHapticFailure(t *testing.T) {
	sc := scenario(t, `
steps:
  - duration: 2s
    angle: 120
`)
	h := newHarness(t, perception.NewSimulator(sc, t0).Capabilities(), nil)
	h.sinks[types.ChannelHaptic].SetAvailable(false)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	_, err = h.o.ProcessFrame(ctx, id, types.Frame{ID: 1, At: t0})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.sinks[types.ChannelVoice].Emitted()) == 1 && len(h.sinks[types.ChannelDisplay].Emitted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	out, err := h.o.AbortSession(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, types.ReasonUserAbort, out.Reason)

	summary, err := h.o.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stats.ChannelFailures)
}

func TestNormalScenarioCompletes(t *testing.T) {
	sc, err := perception.LoadScenario("normal")
	require.NoError(t, err)
	h := newHarness(t, perception.NewSimulator(sc, t0).Capabilities(), nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, sc.Profile)
	require.NoError(t, err)

	var seen []types.Phase
	var outcome *types.Outcome
	for _, frame := range sc.Frames(t0) {
		res, err := h.o.ProcessFrame(ctx, id, frame)
		require.NoError(t, err)
		if res.Transition != nil {
			seen = append(seen, res.Transition.To)
		}
		if res.Outcome != nil {
			outcome = res.Outcome
			break
		}
	}
	require.NotNil(t, outcome)
	assert.Equal(t, types.PhaseComplete, outcome.Phase)
	assert.Equal(t, types.ReasonCompleted, outcome.Reason)
	assert.Equal(t, []types.Phase{
		types.PhaseSiteDetection,
		types.PhasePositioning,
		types.PhaseInjecting,
		types.PhaseWithdrawal,
		types.PhaseComplete,
	}, seen)

	require.NoError(t, h.o.Close(ctx))
	idx, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, idx.Status)
	assert.Equal(t, types.PhaseComplete, idx.Phase)

	n, err := h.events.Count(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, n, int64(100))
	tail, err := h.events.Tail(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, types.EventSessionFinalized, tail[0].Type)
}

func TestAbortSession(t *testing.T) {
	h := newHarness(t, perception.Capabilities{}, nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	h.set(t0.Add(5 * time.Second))
	out, err := h.o.AbortSession(ctx, id, types.ReasonUserAbort)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAborted, out.Phase)
	assert.Equal(t, t0.Add(5*time.Second), out.At)

	_, err = h.o.AbortSession(ctx, id, types.ReasonUserAbort)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, h.o.Active())
}

type slowPose struct{ started chan struct{} }

func (p slowPose) EstimatePose(ctx context.Context, frame types.Frame) (*types.Pose, error) {
	close(p.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAbortCancelsPerception(t *testing.T) {
	pose := slowPose{started: make(chan struct{})}
	h := newHarness(t, perception.Capabilities{Pose: pose}, func(o *Options, _ *Deps) {
		o.PerceptionDeadline = 5 * time.Second
	})
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: 1, At: t0})
		errc <- err
	}()
	<-pose.started
	begin := time.Now()
	_, err = h.o.AbortSession(ctx, id, "")
	require.NoError(t, err)
	assert.ErrorIs(t, <-errc, ErrSessionClosed)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestSweepIdle(t *testing.T) {
	h := newHarness(t, perception.Capabilities{}, nil)
	ctx := context.Background()
	a, err := h.o.StartSession(ctx, types.Profile{Name: "a"})
	require.NoError(t, err)
	h.set(t0.Add(100 * time.Second))
	b, err := h.o.StartSession(ctx, types.Profile{Name: "b"})
	require.NoError(t, err)

	assert.Empty(t, h.o.SweepIdle(t0.Add(299*time.Second)))
	assert.Equal(t, []types.SessionID{a}, h.o.SweepIdle(t0.Add(300*time.Second)))
	assert.Equal(t, []types.SessionID{b}, h.o.Active())

	summary, err := h.o.GetSummary(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonSessionTimeout, summary.Outcome.Reason)
}

func TestInvalidObservationContinues(t *testing.T) {
	bad := perception.Capabilities{Site: siteFunc(func() *types.SiteDetection {
		return &types.SiteDetection{Site: types.SiteThigh, Confidence: math.NaN()}
	})}
	h := newHarness(t, bad, nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	res, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: 1, At: t0})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Invalid, rules.ErrInvalidObservation)
	var inv *rules.InvalidObservationError
	require.True(t, errors.As(res.Invalid, &inv))
	assert.Equal(t, "site.confidence", inv.Field)
	assert.Empty(t, res.Findings)

	summary, err := h.o.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, summary.Outcome)
	assert.Equal(t, 1, summary.Stats.InvalidFrames)
}

func TestInvalidObservationsDoNotCountAsActivity(t *testing.T) {
	bad := perception.Capabilities{Site: siteFunc(func() *types.SiteDetection {
		return &types.SiteDetection{Site: types.SiteThigh, Confidence: 1.5}
	})}
	h := newHarness(t, bad, nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	var last *FrameResult
	for i := 0; i <= 400; i++ {
		res, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: types.FrameID(i + 1), At: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		last = res
		if res.Outcome != nil {
			break
		}
	}
	require.NotNil(t, last.Outcome)
	assert.Equal(t, types.FrameID(301), last.FrameID)
	assert.Equal(t, types.ReasonSessionTimeout, last.Outcome.Reason)
	assert.ErrorIs(t, last.Invalid, rules.ErrInvalidObservation)

	summary, err := h.o.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 301, summary.Stats.InvalidFrames)
}

type siteFunc func() *types.SiteDetection

func (f siteFunc) ClassifySite(ctx context.Context, frame types.Frame) (*types.SiteDetection, error) {
	return f(), nil
}

func TestDegradedFrameKeepsRunning(t *testing.T) {
	sc := scenario(t, `
steps:
  - duration: 1s
    angle: 60
    site: thigh
    latency:
      pose: 300ms
`)
	h := newHarness(t, perception.NewSimulator(sc, t0).Capabilities(), func(o *Options, _ *Deps) {
		o.PerceptionDeadline = 30 * time.Millisecond
	})
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	res, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: 1, At: t0})
	require.NoError(t, err)
	require.NotEmpty(t, res.Degraded)
	assert.Equal(t, perception.CapPose, res.Degraded[0].Capability)
	assert.ErrorIs(t, res.Degraded[0].Err, ErrPerceptionTimeout)
	assert.Equal(t, types.PhaseSiteDetection, res.Phase, "site still answered in time")
}

type failingEvents struct{ calls atomic.Int32 }

func (f *failingEvents) Append(ctx context.Context, event *types.Event) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func (f *failingEvents) Tail(ctx context.Context, id types.SessionID, limit int) ([]*types.Event, error) {
	return nil, nil
}

func (f *failingEvents) Count(ctx context.Context, id types.SessionID) (int64, error) { return 0, nil }

func TestStorageFailureDoesNotStopSession(t *testing.T) {
	events := &failingEvents{}
	h := newHarness(t, perception.Capabilities{}, func(o *Options, d *Deps) {
		d.Events = events
		o.Retry = &gateway.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	})
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: types.FrameID(i), At: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	require.NoError(t, h.o.Close(ctx))
	assert.GreaterOrEqual(t, h.o.StorageFailures(), int64(4))
	assert.GreaterOrEqual(t, events.calls.Load(), int32(8), "each write is retried")
}

func TestHistoryIsBounded(t *testing.T) {
	h := newHarness(t, perception.Capabilities{}, func(o *Options, _ *Deps) {
		o.HistorySize = 3
	})
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := h.o.ProcessFrame(ctx, id, types.Frame{ID: types.FrameID(i), At: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	hist, err := h.o.History(id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, types.FrameID(3), hist[0].FrameID)
	assert.Equal(t, types.FrameID(5), hist[2].FrameID)
}

func TestCloseFinalizesWithShutdown(t *testing.T) {
	h := newHarness(t, perception.Capabilities{}, nil)
	ctx := context.Background()
	id, err := h.o.StartSession(ctx, types.Profile{Name: "demo"})
	require.NoError(t, err)
	require.NoError(t, h.o.Close(ctx))

	summary, err := h.o.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonShutdown, summary.Outcome.Reason)

	_, err = h.o.StartSession(ctx, types.Profile{Name: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewRejectsBadConfig(t *testing.T) {
	reg, _ := delivery.NewSimRegistry(0)
	dir := t.TempDir()
	summaries, err := state.NewSummaryStore(dir, 1)
	require.NoError(t, err)
	deps := Deps{Sinks: reg, Sessions: state.NewSessionStore(dir), Events: state.NewEventStore(dir), Summaries: summaries}

	opts := DefaultOptions()
	opts.Feedback.Warning.Suppress = 0
	_, err = New(deps, opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Thresholds.AngleWarnLow = 100
	_, err = New(deps, opts)
	assert.ErrorIs(t, err, rules.ErrInvalidThresholds)

	_, err = New(Deps{}, DefaultOptions())
	assert.ErrorIs(t, err, ErrMissingDependency)
}
