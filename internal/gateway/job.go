package gateway

import (
	"context"
	"time"

	"github.com/user/injectwatch/internal/types"
)

// Job carries one frame to its session's pipeline.
type Job struct {
	SessionID  types.SessionID
	Frame      types.Frame
	EnqueuedAt time.Time
	Ctx        context.Context
	// OnDone, if set, receives the processor's error after the frame ran.
	OnDone func(error)
}

// NewJob creates a Job for the given session and frame.
func NewJob(sessionID types.SessionID, frame types.Frame) *Job {
	return &Job{
		SessionID:  sessionID,
		Frame:      frame,
		EnqueuedAt: time.Now(),
	}
}
