// Package phase owns the procedural phase of a session.
package phase

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/injectwatch/internal/types"
)

var (
	ErrTerminal   = errors.New("session already terminal")
	ErrInvalidLog = errors.New("invalid phase log")
)

const ReasonReset = "Reset"

// Transition is one entry of the machine's log.
type Transition struct {
	From    types.Phase       `json:"from"`
	To      types.Phase       `json:"to"`
	Trigger types.FindingKind `json:"trigger,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	At      time.Time         `json:"at"`
}

// Entry is the summary form of t.
func (t Transition) Entry() types.PhaseEntry {
	return types.PhaseEntry{Phase: t.To, EnteredAt: t.At, Trigger: t.Trigger, Reason: t.Reason}
}

type edge struct {
	from    types.Phase
	trigger types.FindingKind
	to      types.Phase
}

// table is scanned in order; the first edge whose trigger is present wins.
var table = []edge{
	{types.PhaseIdle, types.KindSiteDetected, types.PhaseSiteDetection},
	{types.PhaseSiteDetection, types.KindSiteConfirmed, types.PhasePositioning},
	{types.PhasePositioning, types.KindAngleStable, types.PhaseInjecting},
	{types.PhaseInjecting, types.KindPhaseComplete, types.PhaseWithdrawal},
	{types.PhaseWithdrawal, types.KindPhaseComplete, types.PhaseComplete},
}

// Machine is the per-session phase state. It is driven by a single pipeline
// and is not safe for concurrent use.
type Machine struct {
	current   types.Phase
	startedAt time.Time
	history   []Transition
}

func New(at time.Time) *Machine {
	return &Machine{current: types.PhaseIdle, startedAt: at}
}

// Current panics if the stored phase is out of range: that can only follow
// memory corruption, and no safe phase exists to continue from.
func (m *Machine) Current() types.Phase {
	m.check()
	return m.current
}

func (m *Machine) check() {
	if !m.current.Valid() {
		panic(fmt.Sprintf("phase: corrupt state %d", int(m.current)))
	}
}

// Apply consumes one frame's findings and takes at most one forward step.
// Findings raised for another phase and Critical findings never trigger.
func (m *Machine) Apply(findings []types.Finding, at time.Time) (Transition, bool) {
	m.check()
	if m.current.Terminal() || len(findings) == 0 {
		return Transition{}, false
	}
	for _, e := range table {
		if e.from != m.current {
			continue
		}
		for _, f := range findings {
			if f.Kind != e.trigger || f.Phase != m.current || f.Severity == types.SeverityCritical {
				continue
			}
			return m.move(e.to, e.trigger, "", at), true
		}
	}
	return Transition{}, false
}

// Abort moves any non-terminal phase to Aborted.
func (m *Machine) Abort(reason string, at time.Time) (Transition, error) {
	m.check()
	if m.current.Terminal() {
		return Transition{}, fmt.Errorf("abort from %s: %w", m.current, ErrTerminal)
	}
	return m.move(types.PhaseAborted, "", reason, at), nil
}

// Reset returns the machine to Idle from any phase.
func (m *Machine) Reset(at time.Time) Transition {
	m.check()
	return m.move(types.PhaseIdle, "", ReasonReset, at)
}

func (m *Machine) move(to types.Phase, trigger types.FindingKind, reason string, at time.Time) Transition {
	t := Transition{From: m.current, To: to, Trigger: trigger, Reason: reason, At: at}
	m.current = to
	m.history = append(m.history, t)
	return t
}

func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Entries returns the phase-transition log in summary form, starting with
// the initial Idle entry.
func (m *Machine) Entries() []types.PhaseEntry {
	out := make([]types.PhaseEntry, 0, len(m.history)+1)
	out = append(out, types.PhaseEntry{Phase: types.PhaseIdle, EnteredAt: m.startedAt})
	for _, t := range m.history {
		out = append(out, t.Entry())
	}
	return out
}

// Allowed reports whether a single step from -> to is legal.
func Allowed(from, to types.Phase) bool {
	switch {
	case !from.Valid() || !to.Valid():
		return false
	case to == types.PhaseIdle:
		return true
	case to == types.PhaseAborted:
		return !from.Terminal()
	}
	for _, e := range table {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}

// Replay reconstructs the final phase from a summary transition log and
// rejects logs the machine could not have produced.
func Replay(log []types.PhaseEntry) (types.Phase, error) {
	if len(log) == 0 {
		return types.PhaseIdle, fmt.Errorf("%w: empty", ErrInvalidLog)
	}
	if log[0].Phase != types.PhaseIdle {
		return types.PhaseIdle, fmt.Errorf("%w: starts in %s", ErrInvalidLog, log[0].Phase)
	}
	cur := log[0]
	for i, next := range log[1:] {
		if next.EnteredAt.Before(cur.EnteredAt) {
			return types.PhaseIdle, fmt.Errorf("%w: entry %d goes back in time", ErrInvalidLog, i+1)
		}
		if !Allowed(cur.Phase, next.Phase) {
			return types.PhaseIdle, fmt.Errorf("%w: %s -> %s at entry %d", ErrInvalidLog, cur.Phase, next.Phase, i+1)
		}
		cur = next
	}
	return cur.Phase, nil
}
