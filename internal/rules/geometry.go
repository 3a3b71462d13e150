package rules

import (
	"math"

	"github.com/user/injectwatch/internal/types"
)

// Keypoint names of the injecting arm. The angle is measured at Elbow.
const (
	Shoulder = "shoulder"
	Elbow    = "elbow"
	Wrist    = "wrist"
)

// JointAngle returns the angle in degrees at vertex b formed by a-b-c,
// rounded to 1e-6 so exact band edges compare equal.
func JointAngle(a, b, c types.Keypoint) (float64, error) {
	ux, uy := a.X-b.X, a.Y-b.Y
	vx, vy := c.X-b.X, c.Y-b.Y
	nu := math.Hypot(ux, uy)
	nv := math.Hypot(vx, vy)
	if nu == 0 || nv == 0 {
		return 0, invalid("pose.keypoints", 0, "coincident keypoints")
	}
	cos := (ux*vx + uy*vy) / (nu * nv)
	cos = math.Max(-1, math.Min(1, cos))
	deg := math.Acos(cos) * 180 / math.Pi
	return math.Round(deg*1e6) / 1e6, nil
}

// AngleSeverity classifies an elbow angle. Zero means inside the target band.
func (t Thresholds) AngleSeverity(deg float64) types.Severity {
	switch {
	case deg < t.AngleCritLow || deg > t.AngleCritHigh:
		return types.SeverityCritical
	case deg < t.AngleWarnLow || deg > t.AngleWarnHigh:
		return types.SeverityWarning
	}
	return 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func unitInterval(v float64) bool {
	return finite(v) && v >= 0 && v <= 1
}
