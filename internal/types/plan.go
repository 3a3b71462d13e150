// internal/types/plan.go
package types

import "time"

// Channel is an independent output modality.
type Channel string

const (
	ChannelVoice   Channel = "voice"
	ChannelHaptic  Channel = "haptic"
	ChannelDisplay Channel = "display"
)

var Channels = []Channel{ChannelVoice, ChannelHaptic, ChannelDisplay}

// Vibration pulse in a haptic pattern.
type Pulse struct {
	Intensity int           `json:"intensity"`
	Duration  time.Duration `json:"duration"`
}

// Content is the channel-specific payload of a plan. Only the fields of the
// plan's channel are set.
type Content struct {
	Message string `json:"message,omitempty"`

	// voice
	Tone string `json:"tone,omitempty"`

	// haptic
	Pattern string  `json:"pattern,omitempty"`
	Pulses  []Pulse `json:"pulses,omitempty"`

	// display
	Style    string        `json:"style,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// FeedbackPlan is one scheduled emission on one channel.
type FeedbackPlan struct {
	ID          PlanID    `json:"id"`
	Key         AlertKey  `json:"key"`
	Channel     Channel   `json:"channel"`
	Content     Content   `json:"content"`
	Urgency     Severity  `json:"urgency"`
	Phase       Phase     `json:"phase"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
