// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Event types written to the record sink.
const (
	EventSessionStarted   = "session_started"
	EventFrame            = "frame"
	EventPhaseTransition  = "phase_transition"
	EventSessionFinalized = "session_finalized"
)

// Terminal outcome reasons.
const (
	ReasonCompleted      = "Completed"
	ReasonSessionTimeout = "SessionTimeout"
	ReasonUserAbort      = "UserAbort"
	ReasonShutdown       = "Shutdown"
)

// Session index statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Event is one line of a session's append-only record log.
type Event struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	FrameID   FrameID         `json:"frame_id,omitempty"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionIndex is the persisted directory entry of a session.
type SessionIndex struct {
	SessionID SessionID `json:"session_id"`
	Profile   string    `json:"profile"`
	Status    string    `json:"status"`
	Phase     Phase     `json:"phase"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sensitivity tunes how many channels non-critical feedback uses.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Profile is the per-user context a session runs with.
type Profile struct {
	Name         string      `json:"name" yaml:"name"`
	ExpectedSite Site        `json:"expected_site,omitempty" yaml:"expected_site,omitempty"`
	Sensitivity  Sensitivity `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
}

// PhaseEntry records when a session entered a phase.
type PhaseEntry struct {
	Phase     Phase       `json:"phase"`
	EnteredAt time.Time   `json:"entered_at"`
	Trigger   FindingKind `json:"trigger,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// AlertRecord is the summary view of one alert key.
type AlertRecord struct {
	Key        AlertKey  `json:"key"`
	Severity   Severity  `json:"severity"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Emitted    int       `json:"emitted"`
	Suppressed int       `json:"suppressed"`
	Expired    int       `json:"expired"`
}

// Outcome is the terminal result of a session.
type Outcome struct {
	Phase  Phase     `json:"phase"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// SessionStats counts pipeline activity over a session.
type SessionStats struct {
	Frames           int `json:"frames"`
	DegradedFrames   int `json:"degraded_frames"`
	InvalidFrames    int `json:"invalid_frames"`
	InfoFindings     int `json:"info_findings"`
	WarningFindings  int `json:"warning_findings"`
	CriticalFindings int `json:"critical_findings"`
	PlansDispatched  int `json:"plans_dispatched"`
	ChannelFailures  int `json:"channel_failures"`
}

// SessionSummary is the persisted record of a session.
type SessionSummary struct {
	SessionID   SessionID     `json:"session_id"`
	Profile     Profile       `json:"profile"`
	StartedAt   time.Time     `json:"started_at"`
	Transitions []PhaseEntry  `json:"transitions"`
	Alerts      []AlertRecord `json:"alerts"`
	Outcome     *Outcome      `json:"outcome,omitempty"`
	Stats       SessionStats  `json:"stats"`
}

// FrameRecord is the payload of an EventFrame event.
type FrameRecord struct {
	FrameID    FrameID     `json:"frame_id"`
	At         time.Time   `json:"at"`
	Phase      Phase       `json:"phase"`
	Degraded   []string    `json:"degraded,omitempty"`
	Invalid    string      `json:"invalid,omitempty"`
	Findings   []Finding   `json:"findings,omitempty"`
	Plans      []PlanID    `json:"plans,omitempty"`
	Transition *PhaseEntry `json:"transition,omitempty"`
}
