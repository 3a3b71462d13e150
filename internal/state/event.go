// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/injectwatch/internal/types"
)

// EventStore is a JSONL-backed append-only record log.
// Events are stored per-session in sessions/<sessionID>/events.jsonl.
type EventStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sessionLog
}

// sessionLog guards one session's file and caches its line count.
type sessionLog struct {
	mu     sync.Mutex
	seq    int64
	loaded bool
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: make(map[types.SessionID]*sessionLog),
	}
}

// getLog returns the per-session log state, creating one if it doesn't exist.
func (e *EventStore) getLog(sessionID types.SessionID) *sessionLog {
	e.mu.Lock()
	defer e.mu.Unlock()

	if l, ok := e.locks[sessionID]; ok {
		return l
	}
	l := &sessionLog{}
	e.locks[sessionID] = l
	return l
}

func (e *EventStore) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

// count reads the event file and counts lines. Caller must hold the session lock.
func (e *EventStore) count(sessionID types.SessionID) (int64, error) {
	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan events file: %w", err)
	}
	return count, nil
}

// Append adds an event to the session's log with an auto-incremented
// sequence number. The file is counted once per process; later appends use
// the cached counter.
func (e *EventStore) Append(_ context.Context, event *types.Event) error {
	l := e.getLog(event.SessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	// Ensure the session directory exists
	dir := filepath.Dir(e.eventsPath(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	if !l.loaded {
		existing, err := e.count(event.SessionID)
		if err != nil {
			return err
		}
		l.seq, l.loaded = existing, true
	}
	event.Seq = l.seq + 1

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	l.seq++
	return nil
}

// Tail returns the last N events for the given session.
func (e *EventStore) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.Event, error) {
	l := e.getLog(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	// Return last N events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}

	return events, nil
}

// Count returns the number of events for the given session.
func (e *EventStore) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	l := e.getLog(sessionID)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return l.seq, nil
	}
	return e.count(sessionID)
}
