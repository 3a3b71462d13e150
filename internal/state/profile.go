// internal/state/profile.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/user/injectwatch/internal/types"
)

// ProfileStore is a JSON-file-backed store for user profiles.
type ProfileStore struct {
	path string
	mu   sync.RWMutex
}

// NewProfileStore creates a new file-backed ProfileStore at the given file path.
func NewProfileStore(path string) *ProfileStore {
	return &ProfileStore{path: path}
}

// Path returns the file path used by this store.
func (s *ProfileStore) Path() string {
	return s.path
}

// ValidateProfile checks the name, site and sensitivity of p.
func ValidateProfile(p *types.Profile) error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	switch p.ExpectedSite {
	case "", types.SiteAbdomen, types.SiteThigh, types.SiteUpperArm, types.SiteButtock:
	default:
		return fmt.Errorf("profile %s: unknown site %q", p.Name, p.ExpectedSite)
	}
	switch p.Sensitivity {
	case "", types.SensitivityLow, types.SensitivityMedium, types.SensitivityHigh:
	default:
		return fmt.Errorf("profile %s: unknown sensitivity %q", p.Name, p.Sensitivity)
	}
	return nil
}

// List returns all profiles ordered by name. Returns an empty slice if the
// file doesn't exist.
func (s *ProfileStore) List(_ context.Context) ([]*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	if profiles == nil {
		return []*types.Profile{}, nil
	}
	return profiles, nil
}

// Get finds a profile by name.
func (s *ProfileStore) Get(_ context.Context, name string) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("profile %s: %w", name, ErrNotFound)
}

// Put adds or replaces the profile with the same name.
func (s *ProfileStore) Put(_ context.Context, profile *types.Profile) error {
	if err := ValidateProfile(profile); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, p := range profiles {
		if p.Name == profile.Name {
			profiles[i] = profile
			replaced = true
		}
	}
	if !replaced {
		profiles = append(profiles, profile)
	}
	return s.save(profiles)
}

// Delete removes a profile by name.
func (s *ProfileStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles, err := s.load()
	if err != nil {
		return err
	}
	for i, p := range profiles {
		if p.Name == name {
			profiles = append(profiles[:i], profiles[i+1:]...)
			return s.save(profiles)
		}
	}
	return fmt.Errorf("profile %s: %w", name, ErrNotFound)
}

// Import reads a YAML list of profiles and stores each of them.
func (s *ProfileStore) Import(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read profiles: %w", err)
	}
	var profiles []*types.Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return 0, fmt.Errorf("parse profiles: %w", err)
	}
	for _, p := range profiles {
		if err := s.Put(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(profiles), nil
}

// load reads profiles from disk. Caller must hold at least a read lock.
func (s *ProfileStore) load() ([]*types.Profile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}

	var profiles []*types.Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("unmarshal profiles: %w", err)
	}
	return profiles, nil
}

// save writes profiles to disk atomically. Caller must hold the write lock.
func (s *ProfileStore) save(profiles []*types.Profile) error {
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	return writeAtomic(filepath.Dir(s.path), s.path, data)
}
