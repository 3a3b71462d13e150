// Package state provides filesystem-backed storage implementations.
package state

import (
	"errors"

	"github.com/user/injectwatch/internal/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.EventStore = (*SQLiteEventStore)(nil)
var _ types.SummaryStore = (*SummaryStore)(nil)
var _ types.ProfileStore = (*ProfileStore)(nil)
