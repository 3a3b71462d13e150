// internal/state/sqlite.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/user/injectwatch/internal/types"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteEventStore keeps the record log in a single SQLite database instead
// of per-session JSONL files.
type SQLiteEventStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteEventStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteEventStore(path string) (*SQLiteEventStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Debug("sqlite event store ready", "path", path)
	return &SQLiteEventStore{db: db}, nil
}

func (s *SQLiteEventStore) Close() error {
	return s.db.Close()
}

// Append assigns the next sequence number for the session and inserts the
// event in one transaction.
func (s *SQLiteEventStore) Append(ctx context.Context, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE session_id = ?`, event.SessionID).Scan(&last); err != nil {
		return fmt.Errorf("query seq: %w", err)
	}
	event.Seq = last.Int64 + 1

	payload := event.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, frame_id, seq, type, source, at, payload) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, int64(event.FrameID), event.Seq, event.Type, event.Source, event.At.UTC(), string(payload))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Tail returns the last limit events of the session in sequence order.
func (s *SQLiteEventStore) Tail(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, frame_id, seq, type, source, at, payload FROM (
			SELECT * FROM events WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var (
			ev      types.Event
			frameID int64
			at      time.Time
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &frameID, &ev.Seq, &ev.Type, &ev.Source, &at, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.FrameID = types.FrameID(frameID)
		ev.At = at
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func (s *SQLiteEventStore) Count(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
