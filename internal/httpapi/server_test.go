package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/injectwatch/internal/metrics"
	"github.com/user/injectwatch/internal/orchestrator"
	"github.com/user/injectwatch/internal/state"
	"github.com/user/injectwatch/internal/types"
)

type fakeSessions struct {
	active    map[types.SessionID]bool
	summaries map[types.SessionID]*types.SessionSummary
	aborted   []string
}

func (f *fakeSessions) GetSummary(ctx context.Context, id types.SessionID) (*types.SessionSummary, error) {
	if s, ok := f.summaries[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("get summary %s: %w", id, state.ErrNotFound)
}

func (f *fakeSessions) AbortSession(ctx context.Context, id types.SessionID, reason string) (*types.Outcome, error) {
	if !f.active[id] {
		return nil, fmt.Errorf("session %s: %w", id, orchestrator.ErrSessionNotFound)
	}
	if reason == "" {
		reason = types.ReasonUserAbort
	}
	f.aborted = append(f.aborted, reason)
	delete(f.active, id)
	return &types.Outcome{Phase: types.PhaseAborted, Reason: reason}, nil
}

func (f *fakeSessions) History(id types.SessionID) ([]types.FrameRecord, error) {
	if !f.active[id] {
		return nil, orchestrator.ErrSessionNotFound
	}
	return []types.FrameRecord{{FrameID: 7, Phase: types.PhasePositioning}}, nil
}

func (f *fakeSessions) Active() []types.SessionID {
	var ids []types.SessionID
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids
}

func setupServer(t *testing.T) (*Server, *fakeSessions, types.SessionID) {
	t.Helper()
	dir := t.TempDir()
	sessions := state.NewSessionStore(dir)
	events := state.NewEventStore(dir)
	ctx := context.Background()

	id := types.SessionID("s-1")
	now := time.Now()
	if err := sessions.Create(ctx, &types.SessionIndex{SessionID: id, Profile: "demo", Phase: types.PhasePositioning, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := events.Append(ctx, &types.Event{ID: types.NewEventID(), SessionID: id, Type: types.EventFrame, Source: "test", At: now, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatal(err)
		}
	}

	live := &fakeSessions{
		active: map[types.SessionID]bool{id: true},
		summaries: map[types.SessionID]*types.SessionSummary{
			id: {SessionID: id, Profile: types.Profile{Name: "demo"}},
		},
	}
	reg := prometheus.NewRegistry()
	metrics.NewMetrics(reg).Frame("ok", 0.01)
	return NewServer(live, sessions, events, reg), live, id
}

func get(t *testing.T, srv http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)
	w := get(t, srv, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if resp["active_sessions"] != float64(1) {
		t.Errorf("expected 1 active session, got %v", resp["active_sessions"])
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _, id := setupServer(t)
	w := get(t, srv, "/api/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp []sessionResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 || resp[0].SessionID != string(id) {
		t.Fatalf("unexpected sessions: %+v", resp)
	}
	if resp[0].EventCount != 3 {
		t.Errorf("expected 3 events, got %d", resp[0].EventCount)
	}
	if resp[0].Phase != "Positioning" {
		t.Errorf("expected phase Positioning, got %s", resp[0].Phase)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	srv, _, id := setupServer(t)
	w := get(t, srv, "/api/sessions/"+string(id)+"/summary")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var summary types.SessionSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Profile.Name != "demo" {
		t.Errorf("expected profile demo, got %s", summary.Profile.Name)
	}

	w = get(t, srv, "/api/sessions/missing/summary")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestEventsEndpointLimit(t *testing.T) {
	srv, _, id := setupServer(t)
	w := get(t, srv, "/api/sessions/"+string(id)+"/events?limit=2")
	var events []types.Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Seq != 3 {
		t.Fatalf("expected last 2 events, got %+v", events)
	}

	w = get(t, srv, "/api/sessions/nobody/events")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, _, id := setupServer(t)
	w := get(t, srv, "/api/sessions/"+string(id)+"/history")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	w = get(t, srv, "/api/sessions/gone/history")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAbortEndpoint(t *testing.T) {
	srv, live, id := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+string(id)+"/abort", strings.NewReader(`{"reason":"UserAbort"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(live.aborted) != 1 || live.aborted[0] != types.ReasonUserAbort {
		t.Errorf("unexpected aborts: %v", live.aborted)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/sessions/"+string(id)+"/abort", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for second abort, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+string(id)+"/abort", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET abort, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)
	w := get(t, srv, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "injectwatch_frames_total") {
		t.Error("expected pipeline metrics in output")
	}
}

func TestCheckLoopback(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:8090", "localhost:0", "[::1]:9000"} {
		if err := CheckLoopback(addr); err != nil {
			t.Errorf("%s: unexpected error %v", addr, err)
		}
	}
	for _, addr := range []string{"0.0.0.0:8090", ":8090", "192.168.1.4:80"} {
		if err := CheckLoopback(addr); !errors.Is(err, ErrNotLoopback) {
			t.Errorf("%s: expected ErrNotLoopback, got %v", addr, err)
		}
	}
}
