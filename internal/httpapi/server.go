// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/injectwatch/internal/orchestrator"
	"github.com/user/injectwatch/internal/state"
	"github.com/user/injectwatch/internal/types"
)

// ErrNotLoopback is returned when the listen address is not a loopback
// address. The status API is a local debugging aid only.
var ErrNotLoopback = errors.New("listen address must be loopback")

// Sessions is the part of the orchestrator the API needs.
type Sessions interface {
	GetSummary(ctx context.Context, id types.SessionID) (*types.SessionSummary, error)
	AbortSession(ctx context.Context, id types.SessionID, reason string) (*types.Outcome, error)
	History(id types.SessionID) ([]types.FrameRecord, error)
	Active() []types.SessionID
}

// Server is a lightweight HTTP handler for the local status endpoints.
type Server struct {
	live     Sessions
	sessions types.SessionStore
	events   types.EventStore
	mux      *http.ServeMux
}

// NewServer creates a Server. gatherer may be nil, in which case /metrics is
// not served.
func NewServer(live Sessions, sessions types.SessionStore, events types.EventStore, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		live:     live,
		sessions: sessions,
		events:   events,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/summary", s.handleSummary)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	s.mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbort)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// CheckLoopback rejects addresses that would expose the API beyond the
// device.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q: %w", addr, ErrNotLoopback)
	}
	return nil
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := CheckLoopback(addr); err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() {
		slog.Info("status api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("serve status api: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "active_sessions": len(s.live.Active())})
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	Profile    string `json:"profile"`
	Status     string `json:"status"`
	Phase      string `json:"phase"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	EventCount int64  `json:"event_count"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		count, err := s.events.Count(ctx, sess.SessionID)
		if err != nil {
			slog.Warn("count events failed", "session_id", sess.SessionID, "error", err)
		}
		result = append(result, sessionResponse{
			SessionID:  string(sess.SessionID),
			Profile:    sess.Profile,
			Status:     sess.Status,
			Phase:      sess.Phase.String(),
			Reason:     sess.Reason,
			CreatedAt:  sess.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  sess.UpdatedAt.Format(time.RFC3339),
			EventCount: count,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	writeJSON(w, result)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	summary, err := s.live.GetSummary(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("get summary failed", "session_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, summary)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.events.Tail(r.Context(), id, limit)
	if err != nil {
		slog.Error("tail events failed", "session_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, events)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	history, err := s.live.History(id)
	if err != nil {
		http.Error(w, `{"error":"session not active"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, history)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	var req abortRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
	}
	out, err := s.live.AbortSession(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound), errors.Is(err, orchestrator.ErrSessionClosed):
		http.Error(w, `{"error":"session not active"}`, http.StatusConflict)
		return
	case err != nil:
		slog.Error("abort session failed", "session_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, out)
}
