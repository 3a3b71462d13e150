// internal/state/sqlite_test.go
package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/injectwatch/internal/types"
)

func TestSQLiteEventStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "records.db")
	store, err := NewSQLiteEventStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	sid := types.NewSessionID()
	other := types.NewSessionID()

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		ev := &types.Event{
			ID:        types.NewEventID(),
			SessionID: sid,
			FrameID:   types.FrameID(i),
			Type:      types.EventFrame,
			Source:    "pipeline",
			At:        at.Add(time.Duration(i) * time.Second),
			Payload:   json.RawMessage(`{"frame_id":1}`),
		}
		if err := store.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
		if ev.Seq != int64(i) {
			t.Errorf("expected seq %d, got %d", i, ev.Seq)
		}
	}
	if err := store.Append(ctx, &types.Event{ID: types.NewEventID(), SessionID: other, Type: types.EventSessionStarted, Source: "pipeline", At: at}); err != nil {
		t.Fatal(err)
	}

	n, err := store.Count(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 events, got %d", n)
	}

	tail, err := store.Tail(ctx, sid, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("unexpected tail: %+v", tail)
	}
	if tail[1].FrameID != 5 || !tail[1].At.Equal(at.Add(5*time.Second)) {
		t.Errorf("unexpected event fields: %+v", tail[1])
	}

	all, err := store.Tail(ctx, sid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("expected all 5 events, got %d", len(all))
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Sequence continues after reopen
	store, err = NewSQLiteEventStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ev := &types.Event{ID: types.NewEventID(), SessionID: sid, Type: types.EventSessionFinalized, Source: "pipeline", At: at}
	if err := store.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 6 {
		t.Errorf("expected seq 6 after reopen, got %d", ev.Seq)
	}
}
