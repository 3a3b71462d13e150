// internal/state/summary.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/user/injectwatch/internal/types"
)

// SummaryStore archives finalized session summaries as
// sessions/<sessionID>/summary.json, with an in-memory LRU in front for
// recently read or written summaries.
type SummaryStore struct {
	root  string
	cache *lru.Cache[types.SessionID, *types.SessionSummary]
}

// NewSummaryStore creates a SummaryStore caching up to cacheSize summaries.
func NewSummaryStore(root string, cacheSize int) (*SummaryStore, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[types.SessionID, *types.SessionSummary](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create summary cache: %w", err)
	}
	return &SummaryStore{root: root, cache: cache}, nil
}

func (s *SummaryStore) summaryPath(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id), "summary.json")
}

// Put writes the summary atomically and caches it.
func (s *SummaryStore) Put(_ context.Context, summary *types.SessionSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	path := s.summaryPath(summary.SessionID)
	if err := writeAtomic(filepath.Dir(path), path, data); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	s.cache.Add(summary.SessionID, summary)
	return nil
}

// Get returns the archived summary for id.
func (s *SummaryStore) Get(_ context.Context, id types.SessionID) (*types.SessionSummary, error) {
	if summary, ok := s.cache.Get(id); ok {
		return summary, nil
	}
	data, err := os.ReadFile(s.summaryPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("summary %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var summary types.SessionSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}
	s.cache.Add(id, &summary)
	return &summary, nil
}

// Cached reports how many summaries are held in memory.
func (s *SummaryStore) Cached() int {
	return s.cache.Len()
}
