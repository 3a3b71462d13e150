// internal/types/ids.go
package types

import (
	"strconv"

	"github.com/google/uuid"
)

type SessionID string
type EventID string
type PlanID string

// FrameID is the capture sequence number of a frame within a session.
type FrameID uint64

func (f FrameID) String() string {
	return strconv.FormatUint(uint64(f), 10)
}

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}
