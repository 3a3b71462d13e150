package phase

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/injectwatch/internal/types"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func finding(kind types.FindingKind, sev types.Severity, p types.Phase) types.Finding {
	return types.Finding{Kind: kind, Severity: sev, Phase: p, At: t0}
}

func driveToComplete(t *testing.T, m *Machine) {
	t.Helper()
	steps := []types.FindingKind{
		types.KindSiteDetected,
		types.KindSiteConfirmed,
		types.KindAngleStable,
		types.KindPhaseComplete,
		types.KindPhaseComplete,
	}
	for i, kind := range steps {
		_, ok := m.Apply([]types.Finding{finding(kind, types.SeverityInfo, m.Current())}, t0.Add(time.Duration(i+1)*time.Second))
		require.True(t, ok, "step %d (%s)", i, kind)
	}
}

func TestHappyPath(t *testing.T) {
	m := New(t0)
	assert.Equal(t, types.PhaseIdle, m.Current())
	driveToComplete(t, m)
	assert.Equal(t, types.PhaseComplete, m.Current())

	hist := m.History()
	require.Len(t, hist, 5)
	assert.Equal(t, types.PhaseIdle, hist[0].From)
	assert.Equal(t, types.PhaseSiteDetection, hist[0].To)
	assert.Equal(t, types.KindSiteDetected, hist[0].Trigger)

	_, ok := m.Apply([]types.Finding{finding(types.KindPhaseComplete, types.SeverityInfo, types.PhaseComplete)}, t0)
	assert.False(t, ok, "terminal phase must not move")
}

func TestNoFindingNoTransition(t *testing.T) {
	m := New(t0)
	_, ok := m.Apply(nil, t0)
	assert.False(t, ok)
	_, ok = m.Apply([]types.Finding{finding(types.KindAngleOutOfRange, types.SeverityWarning, types.PhaseIdle)}, t0)
	assert.False(t, ok)
	assert.Equal(t, types.PhaseIdle, m.Current())
}

func TestCriticalNeverTransitions(t *testing.T) {
	m := New(t0)
	_, ok := m.Apply([]types.Finding{finding(types.KindSiteDetected, types.SeverityCritical, types.PhaseIdle)}, t0)
	assert.False(t, ok)
	assert.Equal(t, types.PhaseIdle, m.Current())
}

func TestStaleFindingIgnored(t *testing.T) {
	m := New(t0)
	_, ok := m.Apply([]types.Finding{finding(types.KindSiteDetected, types.SeverityInfo, types.PhaseIdle)}, t0)
	require.True(t, ok)

	// the Injecting completion finding cannot move SiteDetection
	_, ok = m.Apply([]types.Finding{finding(types.KindPhaseComplete, types.SeverityInfo, types.PhaseInjecting)}, t0)
	assert.False(t, ok)
	assert.Equal(t, types.PhaseSiteDetection, m.Current())
}

func TestOneStepPerEvaluation(t *testing.T) {
	m := New(t0)
	findings := []types.Finding{
		finding(types.KindSiteDetected, types.SeverityInfo, types.PhaseIdle),
		finding(types.KindSiteConfirmed, types.SeverityInfo, types.PhaseSiteDetection),
		finding(types.KindAngleStable, types.SeverityInfo, types.PhasePositioning),
	}
	tr, ok := m.Apply(findings, t0)
	require.True(t, ok)
	assert.Equal(t, types.PhaseSiteDetection, tr.To)
	assert.Equal(t, types.PhaseSiteDetection, m.Current())
}

func TestAbort(t *testing.T) {
	m := New(t0)
	_, ok := m.Apply([]types.Finding{finding(types.KindSiteDetected, types.SeverityInfo, types.PhaseIdle)}, t0)
	require.True(t, ok)

	tr, err := m.Abort(types.ReasonSessionTimeout, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAborted, tr.To)
	assert.Equal(t, types.ReasonSessionTimeout, tr.Reason)

	_, err = m.Abort(types.ReasonUserAbort, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestResetFromAnyPhase(t *testing.T) {
	m := New(t0)
	driveToComplete(t, m)
	tr := m.Reset(t0.Add(time.Hour))
	assert.Equal(t, types.PhaseComplete, tr.From)
	assert.Equal(t, types.PhaseIdle, m.Current())
}

func TestNeverMovesBackward(t *testing.T) {
	m := New(t0)
	kinds := []types.FindingKind{
		types.KindSiteDetected, types.KindSiteConfirmed, types.KindAngleStable,
		types.KindPhaseComplete, types.KindAngleOutOfRange, types.KindSiteMismatch,
	}
	phases := []types.Phase{types.PhaseIdle, types.PhaseSiteDetection, types.PhasePositioning, types.PhaseInjecting, types.PhaseWithdrawal}
	// deterministic pseudo-random walk over findings
	seed := uint32(7)
	for i := 0; i < 500; i++ {
		seed = seed*1664525 + 1013904223
		kind := kinds[int(seed>>8)%len(kinds)]
		p := phases[int(seed>>16)%len(phases)]
		before := m.Current()
		tr, ok := m.Apply([]types.Finding{finding(kind, types.SeverityInfo, p)}, t0)
		if ok {
			assert.Greater(t, int(tr.To), int(before), "backward move %s -> %s", before, tr.To)
			assert.Equal(t, int(before)+1, int(tr.To))
		}
	}
}

func TestCorruptStatePanics(t *testing.T) {
	m := &Machine{current: types.Phase(42)}
	assert.Panics(t, func() { m.Current() })
}

func TestReplayRoundTrip(t *testing.T) {
	m := New(t0)
	driveToComplete(t, m)

	summary := types.SessionSummary{SessionID: types.NewSessionID(), Transitions: m.Entries()}
	data, err := json.Marshal(summary)
	require.NoError(t, err)
	var decoded types.SessionSummary
	require.NoError(t, json.Unmarshal(data, &decoded))

	got, err := Replay(decoded.Transitions)
	require.NoError(t, err)
	assert.Equal(t, m.Current(), got)

	aborted := New(t0)
	_, err = aborted.Abort(types.ReasonUserAbort, t0.Add(time.Second))
	require.NoError(t, err)
	got, err = Replay(aborted.Entries())
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAborted, got)
}

func TestReplayRejectsSkips(t *testing.T) {
	_, err := Replay([]types.PhaseEntry{
		{Phase: types.PhaseIdle, EnteredAt: t0},
		{Phase: types.PhasePositioning, EnteredAt: t0.Add(time.Second)},
	})
	assert.ErrorIs(t, err, ErrInvalidLog)

	_, err = Replay(nil)
	assert.ErrorIs(t, err, ErrInvalidLog)

	_, err = Replay([]types.PhaseEntry{
		{Phase: types.PhaseIdle, EnteredAt: t0},
		{Phase: types.PhaseAborted, EnteredAt: t0},
		{Phase: types.PhaseAborted, EnteredAt: t0},
	})
	assert.ErrorIs(t, err, ErrInvalidLog)
}
