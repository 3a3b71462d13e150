package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a human string ("80ms", "5m0s").
type Duration struct {
	time.Duration
}

func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", val, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(val)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}
