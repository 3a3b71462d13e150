// internal/types/interfaces.go
package types

import "context"

type SessionStore interface {
	Create(ctx context.Context, session *SessionIndex) error
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
}

// EventStore is the durable append sink for session records.
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*Event, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

type SummaryStore interface {
	Put(ctx context.Context, summary *SessionSummary) error
	Get(ctx context.Context, id SessionID) (*SessionSummary, error)
}

type ProfileStore interface {
	Get(ctx context.Context, name string) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
	Put(ctx context.Context, profile *Profile) error
	Delete(ctx context.Context, name string) error
}
