package rules

import (
	"errors"
	"fmt"
	"time"
)

// Thresholds holds every tunable constant the evaluator uses.
type Thresholds struct {
	// MinConfidence gates every detection; below it a detection is ignored.
	MinConfidence float64

	// Elbow angle bands in degrees, both inclusive. The default critical band
	// is the target band widened by a 5 degree tolerance.
	AngleWarnLow  float64
	AngleWarnHigh float64
	AngleCritLow  float64
	AngleCritHigh float64

	SiteDetectConfidence float64
	SiteMismatchFrames   int
	SiteStableFrames     int
	AngleStableFrames    int

	HighSpeed     float64
	VeryHighSpeed float64
	SpeedWindow   time.Duration

	// RestSpeed separates plunge motion from a settled plunger.
	RestSpeed       float64
	SettleTime      time.Duration
	WithdrawalDwell time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinConfidence:        0.5,
		AngleWarnLow:         45,
		AngleWarnHigh:        90,
		AngleCritLow:         40,
		AngleCritHigh:        95,
		SiteDetectConfidence: 0.6,
		SiteMismatchFrames:   3,
		SiteStableFrames:     5,
		AngleStableFrames:    3,
		HighSpeed:            10,
		VeryHighSpeed:        20,
		SpeedWindow:          time.Second,
		RestSpeed:            1,
		SettleTime:           time.Second,
		WithdrawalDwell:      5 * time.Second,
	}
}

var ErrInvalidThresholds = errors.New("invalid thresholds")

func (t Thresholds) Validate() error {
	switch {
	case t.MinConfidence < 0 || t.MinConfidence > 1:
		return fmt.Errorf("%w: min confidence %v outside [0,1]", ErrInvalidThresholds, t.MinConfidence)
	case t.SiteDetectConfidence < 0 || t.SiteDetectConfidence > 1:
		return fmt.Errorf("%w: site detect confidence %v outside [0,1]", ErrInvalidThresholds, t.SiteDetectConfidence)
	case !(t.AngleCritLow <= t.AngleWarnLow && t.AngleWarnLow < t.AngleWarnHigh && t.AngleWarnHigh <= t.AngleCritHigh):
		return fmt.Errorf("%w: angle bands must nest", ErrInvalidThresholds)
	case t.SiteMismatchFrames <= 0 || t.SiteStableFrames <= 0 || t.AngleStableFrames <= 0:
		return fmt.Errorf("%w: frame counts must be positive", ErrInvalidThresholds)
	case t.HighSpeed <= 0 || t.VeryHighSpeed < t.HighSpeed:
		return fmt.Errorf("%w: speed limits", ErrInvalidThresholds)
	case t.RestSpeed < 0 || t.RestSpeed >= t.HighSpeed:
		return fmt.Errorf("%w: rest speed %v", ErrInvalidThresholds, t.RestSpeed)
	case t.SpeedWindow <= 0 || t.SettleTime <= 0 || t.WithdrawalDwell <= 0:
		return fmt.Errorf("%w: windows must be positive", ErrInvalidThresholds)
	}
	return nil
}
