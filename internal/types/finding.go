// internal/types/finding.go
package types

import (
	"fmt"
	"time"
)

// Severity ranks findings, alerts and plan urgency. Higher is more urgent.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityCritical
)

// Severities lists all severities from most to least urgent.
var Severities = []Severity{SeverityCritical, SeverityWarning, SeverityInfo}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("invalid severity %d", int(s))
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// FindingKind names the condition a rule detected.
type FindingKind string

const (
	KindAngleOutOfRange FindingKind = "angle_out_of_range"
	KindSiteMismatch    FindingKind = "site_mismatch"
	KindSpeedTooFast    FindingKind = "speed_too_fast"
	KindSiteDetected    FindingKind = "site_detected"
	KindSiteConfirmed   FindingKind = "site_confirmed"
	KindAngleStable     FindingKind = "angle_stable"
	KindPhaseComplete   FindingKind = "phase_complete"
)

// Finding is a single rule-evaluation output for one frame.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Phase    Phase       `json:"phase"`
	Locus    string      `json:"locus"`
	Value    float64     `json:"value"`
	Detail   string      `json:"detail,omitempty"`
	FrameID  FrameID     `json:"frame_id"`
	At       time.Time   `json:"at"`
}

// AlertKey identifies an alert for deduplication.
type AlertKey struct {
	Kind  FindingKind `json:"kind"`
	Locus string      `json:"locus"`
}

func (k AlertKey) String() string {
	return string(k.Kind) + ":" + k.Locus
}

// Key returns the deduplication key of the finding.
func (f Finding) Key() AlertKey {
	return AlertKey{Kind: f.Kind, Locus: f.Locus}
}
