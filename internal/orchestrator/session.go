package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/user/injectwatch/internal/arbiter"
	"github.com/user/injectwatch/internal/dispatch"
	"github.com/user/injectwatch/internal/phase"
	"github.com/user/injectwatch/internal/rules"
	"github.com/user/injectwatch/internal/types"
)

// session is the pipeline state of one monitoring session. Everything below
// mu is owned by whoever holds it; frames of a session never overlap.
type session struct {
	id        types.SessionID
	profile   types.Profile
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	machine      *phase.Machine
	track        rules.Track
	arbiter      *arbiter.Arbiter
	dispatcher   *dispatch.Dispatcher
	lastActivity time.Time
	lastFrameAt  time.Time
	history      []types.FrameRecord
	historySize  int
	stats        types.SessionStats
	index        types.SessionIndex
	outcome      *types.Outcome
}

func (s *session) remember(rec types.FrameRecord) {
	if len(s.history) >= s.historySize {
		n := copy(s.history, s.history[1:])
		s.history = s.history[:n]
	}
	s.history = append(s.history, rec)
}

func (s *session) summary() *types.SessionSummary {
	return &types.SessionSummary{
		SessionID:   s.id,
		Profile:     s.profile,
		StartedAt:   s.startedAt,
		Transitions: s.machine.Entries(),
		Alerts:      s.arbiter.Log(),
		Outcome:     s.outcome,
		Stats:       s.stats,
	}
}

func (s *session) count(findings []types.Finding) {
	for _, f := range findings {
		switch f.Severity {
		case types.SeverityCritical:
			s.stats.CriticalFindings++
		case types.SeverityWarning:
			s.stats.WarningFindings++
		default:
			s.stats.InfoFindings++
		}
	}
}

// clamp keeps timestamps of out-of-band events from running behind the
// frame clock.
func (s *session) clamp(at time.Time) time.Time {
	if at.Before(s.lastFrameAt) {
		return s.lastFrameAt
	}
	return at
}
