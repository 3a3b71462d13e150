// Package rules maps one observation and the current phase to findings.
//
// Evaluation is pure: the rolling-window memory the temporal rules need is
// carried in a Track value that callers pass in and get back, so an
// Evaluator can be shared between sessions and goroutines.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/injectwatch/internal/types"
)

var ErrInvalidObservation = errors.New("invalid observation")

// InvalidObservationError names the field that failed validation.
type InvalidObservationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *InvalidObservationError) Error() string {
	return fmt.Sprintf("invalid observation: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidObservationError) Unwrap() error { return ErrInvalidObservation }

func invalid(field string, v float64, reason string) error {
	return &InvalidObservationError{Field: field, Value: v, Reason: reason}
}

// Track is the per-session memory of the temporal rules. Streak and window
// state belongs to Track.Phase and is reset when the phase changes.
type Track struct {
	Phase types.Phase `json:"phase"`

	SiteMismatch int        `json:"site_mismatch,omitempty"`
	SiteStable   int        `json:"site_stable,omitempty"`
	LastSite     types.Site `json:"last_site,omitempty"`
	AngleStable  int        `json:"angle_stable,omitempty"`

	HighSince     time.Time `json:"high_since,omitempty"`
	VeryHighSince time.Time `json:"very_high_since,omitempty"`
	LastFlowAt    time.Time `json:"last_flow_at,omitempty"`

	PlungeSeen bool      `json:"plunge_seen,omitempty"`
	RestSince  time.Time `json:"rest_since,omitempty"`
	RemovedAt  time.Time `json:"removed_at,omitempty"`
}

type Input struct {
	Observation types.Observation
	Phase       types.Phase
	// ExpectedSite is the profile's site; empty accepts any recommended site.
	ExpectedSite types.Site
	Track        Track
}

type Evaluator struct {
	th Thresholds
}

func New(th Thresholds) (*Evaluator, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{th: th}, nil
}

func (e *Evaluator) Thresholds() Thresholds { return e.th }

// Evaluate runs the angle, site, speed and progress rules in that order. On
// error the input track is returned unchanged and no findings are produced.
func (e *Evaluator) Evaluate(in Input) ([]types.Finding, Track, error) {
	if !in.Phase.Valid() {
		return nil, in.Track, fmt.Errorf("evaluate: phase %d out of range", int(in.Phase))
	}
	if err := validate(in.Observation); err != nil {
		return nil, in.Track, fmt.Errorf("evaluate frame %s: %w", in.Observation.FrameID(), err)
	}
	if in.Phase.Terminal() {
		return nil, Track{Phase: in.Phase}, nil
	}

	tr := in.Track
	if tr.Phase != in.Phase {
		tr = Track{Phase: in.Phase}
	}
	obs := in.Observation
	emit := func(kind types.FindingKind, sev types.Severity, locus string, value float64, detail string) types.Finding {
		return types.Finding{
			Kind:     kind,
			Severity: sev,
			Phase:    in.Phase,
			Locus:    locus,
			Value:    value,
			Detail:   detail,
			FrameID:  obs.FrameID(),
			At:       obs.At(),
		}
	}

	var findings, progress []types.Finding

	// angle
	angle, hasAngle, err := e.elbowAngle(obs)
	if err != nil {
		return nil, in.Track, fmt.Errorf("evaluate frame %s: %w", obs.FrameID(), err)
	}
	if hasAngle {
		sev := e.th.AngleSeverity(angle)
		if sev != 0 {
			findings = append(findings, emit(types.KindAngleOutOfRange, sev, Elbow, angle,
				fmt.Sprintf("angle %.1f outside [%.0f, %.0f]", angle, e.th.AngleWarnLow, e.th.AngleWarnHigh)))
		}
		if in.Phase == types.PhasePositioning {
			if sev == 0 {
				tr.AngleStable++
			} else {
				tr.AngleStable = 0
			}
			if tr.AngleStable >= e.th.AngleStableFrames {
				progress = append(progress, emit(types.KindAngleStable, types.SeverityInfo, Elbow, angle, ""))
			}
		}
	}

	// site
	if site, ok := obs.Site(); ok {
		switch in.Phase {
		case types.PhaseIdle:
			if site.Confidence >= e.th.SiteDetectConfidence {
				progress = append(progress, emit(types.KindSiteDetected, types.SeverityInfo, string(site.Site), site.Confidence, ""))
			}
		case types.PhaseSiteDetection, types.PhasePositioning:
			if site.Confidence < e.th.MinConfidence {
				break
			}
			if acceptable(site.Site, in.ExpectedSite) {
				tr.SiteMismatch = 0
				if site.Site == tr.LastSite {
					tr.SiteStable++
				} else {
					tr.SiteStable = 1
				}
				tr.LastSite = site.Site
				if in.Phase == types.PhaseSiteDetection && tr.SiteStable >= e.th.SiteStableFrames {
					progress = append(progress, emit(types.KindSiteConfirmed, types.SeverityInfo, string(site.Site), float64(tr.SiteStable), ""))
				}
			} else {
				tr.SiteStable = 0
				tr.LastSite = ""
				tr.SiteMismatch++
				if tr.SiteMismatch >= e.th.SiteMismatchFrames {
					detail := "site not recommended"
					if in.ExpectedSite != "" {
						detail = "expected " + string(in.ExpectedSite)
					}
					findings = append(findings, emit(types.KindSiteMismatch, types.SeverityWarning, string(site.Site), float64(tr.SiteMismatch), detail))
				}
			}
		}
	}

	// speed and plunge progress
	at := obs.At()
	if flow, ok := obs.Flow(); ok && flow.Confidence >= e.th.MinConfidence {
		switch in.Phase {
		case types.PhaseInjecting:
			if !tr.LastFlowAt.IsZero() && at.Sub(tr.LastFlowAt) > e.th.SpeedWindow {
				tr.HighSince, tr.VeryHighSince = time.Time{}, time.Time{}
			}
			tr.LastFlowAt = at
			tr.HighSince = runStart(tr.HighSince, flow.Speed > e.th.HighSpeed, at)
			tr.VeryHighSince = runStart(tr.VeryHighSince, flow.Speed > e.th.VeryHighSpeed, at)
			switch {
			case sustained(tr.VeryHighSince, at, e.th.SpeedWindow):
				findings = append(findings, emit(types.KindSpeedTooFast, types.SeverityCritical, "plunger", flow.Speed,
					fmt.Sprintf("speed above %.1f for %s", e.th.VeryHighSpeed, e.th.SpeedWindow)))
			case sustained(tr.HighSince, at, e.th.SpeedWindow):
				findings = append(findings, emit(types.KindSpeedTooFast, types.SeverityWarning, "plunger", flow.Speed,
					fmt.Sprintf("speed above %.1f for %s", e.th.HighSpeed, e.th.SpeedWindow)))
			}

			if flow.Speed > e.th.RestSpeed {
				tr.PlungeSeen = true
				tr.RestSince = time.Time{}
			} else if tr.PlungeSeen {
				tr.RestSince = runStart(tr.RestSince, true, at)
				if sustained(tr.RestSince, at, e.th.SettleTime) {
					progress = append(progress, emit(types.KindPhaseComplete, types.SeverityInfo, "plunge", flow.Speed, "plunge done"))
				}
			}
		case types.PhaseWithdrawal:
			if flow.Retracting && tr.RemovedAt.IsZero() {
				tr.RemovedAt = at
			}
		}
	}
	if in.Phase == types.PhaseWithdrawal && sustained(tr.RemovedAt, at, e.th.WithdrawalDwell) {
		progress = append(progress, emit(types.KindPhaseComplete, types.SeverityInfo, "needle", at.Sub(tr.RemovedAt).Seconds(), "needle removed"))
	}

	return append(findings, progress...), tr, nil
}

// elbowAngle reports false when the pose is absent or not confident enough.
func (e *Evaluator) elbowAngle(obs types.Observation) (float64, bool, error) {
	conf, ok := obs.PoseConfidence()
	if !ok || conf < e.th.MinConfidence {
		return 0, false, nil
	}
	var kps [3]types.Keypoint
	for i, name := range []string{Shoulder, Elbow, Wrist} {
		kp, ok := obs.Keypoint(name)
		if !ok || kp.Confidence < e.th.MinConfidence {
			return 0, false, nil
		}
		kps[i] = kp
	}
	deg, err := JointAngle(kps[0], kps[1], kps[2])
	if err != nil {
		return 0, false, err
	}
	return deg, true, nil
}

func acceptable(site, expected types.Site) bool {
	if expected != "" {
		return site == expected
	}
	return site.Recommended()
}

func runStart(since time.Time, active bool, at time.Time) time.Time {
	if !active {
		return time.Time{}
	}
	if since.IsZero() {
		return at
	}
	return since
}

func sustained(since, at time.Time, window time.Duration) bool {
	return !since.IsZero() && at.Sub(since) >= window
}

func validate(obs types.Observation) error {
	if pose, ok := obs.Pose(); ok {
		if !unitInterval(pose.Confidence) {
			return invalid("pose.confidence", pose.Confidence, "outside [0,1]")
		}
		for name, kp := range pose.Keypoints {
			if !finite(kp.X) || !finite(kp.Y) {
				return invalid("pose.keypoints."+name, kp.X, "non-finite coordinate")
			}
			if !unitInterval(kp.Confidence) {
				return invalid("pose.keypoints."+name+".confidence", kp.Confidence, "outside [0,1]")
			}
		}
	}
	if site, ok := obs.Site(); ok {
		if !unitInterval(site.Confidence) {
			return invalid("site.confidence", site.Confidence, "outside [0,1]")
		}
		if site.Site == "" {
			return invalid("site.site", 0, "empty category")
		}
	}
	if flow, ok := obs.Flow(); ok {
		if !unitInterval(flow.Confidence) {
			return invalid("flow.confidence", flow.Confidence, "outside [0,1]")
		}
		if !finite(flow.Speed) || flow.Speed < 0 {
			return invalid("flow.speed", flow.Speed, "must be finite and non-negative")
		}
	}
	return nil
}
