package arbiter

import (
	"fmt"
	"time"

	"github.com/user/injectwatch/internal/types"
)

// Haptic pattern names.
const (
	PatternStrongWarning  = "strong_warning"
	PatternDoubleClick    = "double_click"
	PatternGentleReminder = "gentle_reminder"
)

var patterns = map[string][]types.Pulse{
	PatternStrongWarning: {{Intensity: 100, Duration: time.Second}},
	PatternDoubleClick: {
		{Intensity: 50, Duration: 50 * time.Millisecond},
		{Intensity: 0, Duration: 50 * time.Millisecond},
		{Intensity: 50, Duration: 50 * time.Millisecond},
	},
	PatternGentleReminder: {{Intensity: 30, Duration: 200 * time.Millisecond}},
}

// Pulses returns a copy of the named pattern.
func Pulses(pattern string) []types.Pulse {
	p := patterns[pattern]
	out := make([]types.Pulse, len(p))
	copy(out, p)
	return out
}

func message(f types.Finding) string {
	switch f.Kind {
	case types.KindAngleOutOfRange:
		if f.Severity == types.SeverityCritical {
			return fmt.Sprintf("Stop. Injection angle %.0f degrees, hold the pen between 45 and 90 degrees", f.Value)
		}
		return fmt.Sprintf("Injection angle %.0f degrees is near the limit, adjust slightly", f.Value)
	case types.KindSiteMismatch:
		return fmt.Sprintf("The %s is not the planned injection site", siteName(f.Locus))
	case types.KindSpeedTooFast:
		if f.Severity == types.SeverityCritical {
			return "Stop pressing, the injection is far too fast"
		}
		return "Slow down, press the plunger more gently"
	case types.KindSiteDetected:
		return fmt.Sprintf("Injection site found: %s", siteName(f.Locus))
	case types.KindSiteConfirmed:
		return "Site confirmed, position the pen"
	case types.KindAngleStable:
		return "Angle is good, start the injection"
	case types.KindPhaseComplete:
		if f.Phase == types.PhaseWithdrawal {
			return "Injection complete"
		}
		return "Dose delivered, hold for a moment then withdraw the needle"
	}
	return string(f.Kind)
}

func siteName(locus string) string {
	switch types.Site(locus) {
	case types.SiteUpperArm:
		return "upper arm"
	case "":
		return "site"
	}
	return locus
}

func tone(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "high"
	case types.SeverityWarning:
		return "medium"
	}
	return "low"
}

func style(s types.Severity) (string, time.Duration) {
	switch s {
	case types.SeverityCritical:
		return "error", 5 * time.Second
	case types.SeverityWarning:
		return "warning", 3 * time.Second
	}
	return "info", 2 * time.Second
}

// hapticPattern reports the vibration for a severity under the given
// sensitivity. Critical is never reduced.
func hapticPattern(s types.Severity, sens types.Sensitivity) (string, bool) {
	switch s {
	case types.SeverityCritical:
		return PatternStrongWarning, true
	case types.SeverityWarning:
		return PatternDoubleClick, sens != types.SensitivityLow
	}
	return PatternGentleReminder, sens == types.SensitivityHigh
}
