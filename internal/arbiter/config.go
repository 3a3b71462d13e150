package arbiter

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/injectwatch/internal/types"
)

var ErrInvalidConfig = errors.New("invalid arbiter config")

// Policy is the per-severity arbitration setting.
type Policy struct {
	// Suppress is how long an emitted key stays merged. Must be positive.
	Suppress time.Duration
	// Cap is the number of alerts of this severity allowed in flight.
	Cap int
	// Delay is added to the arbitration time to schedule the plans.
	Delay time.Duration
}

type Config struct {
	Info     Policy
	Warning  Policy
	Critical Policy

	Sensitivity types.Sensitivity
}

func DefaultConfig() Config {
	return Config{
		Info:        Policy{Suppress: 5 * time.Second, Cap: 1, Delay: time.Second},
		Warning:     Policy{Suppress: 3 * time.Second, Cap: 1, Delay: 200 * time.Millisecond},
		Critical:    Policy{Suppress: time.Second, Cap: 1, Delay: 0},
		Sensitivity: types.SensitivityMedium,
	}
}

func (c Config) Policy(s types.Severity) Policy {
	switch s {
	case types.SeverityCritical:
		return c.Critical
	case types.SeverityWarning:
		return c.Warning
	}
	return c.Info
}

func (c Config) Validate() error {
	for _, s := range types.Severities {
		p := c.Policy(s)
		if p.Suppress <= 0 {
			return fmt.Errorf("%w: %s suppression window %s must be positive", ErrInvalidConfig, s, p.Suppress)
		}
		if p.Cap < 1 {
			return fmt.Errorf("%w: %s cap %d", ErrInvalidConfig, s, p.Cap)
		}
		if p.Delay < 0 {
			return fmt.Errorf("%w: %s delay %s", ErrInvalidConfig, s, p.Delay)
		}
	}
	switch c.Sensitivity {
	case "", types.SensitivityLow, types.SensitivityMedium, types.SensitivityHigh:
	default:
		return fmt.Errorf("%w: sensitivity %q", ErrInvalidConfig, c.Sensitivity)
	}
	return nil
}
