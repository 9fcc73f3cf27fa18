// Package quota persists per-day request accounting for the rate limiter.
//
// State is keyed by UTC calendar date so daily quotas reset implicitly when
// the date changes. Every mutation is written through; there is no
// in-memory cache that could lose accounting on a crash.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultStateFile is where the file store keeps its state unless
// configured otherwise.
const DefaultStateFile = "./data/rate_state.json"

// Store loads and saves quota state. Implementations must return a State
// the caller may mutate freely.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStore keeps state in a JSON file. Saves are atomic: the new content
// is written to a sibling temp file which is then renamed over the target.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by path. The file and its parent
// directory are created on the first save.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultStateFile
	}
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the state file. A missing or empty file is an empty state; a
// file that cannot be decoded is an error.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return nil, fmt.Errorf("quota store: read failed: %w", err)
	}
	if len(raw) == 0 {
		return State{}, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("quota store: unmarshal %s failed: %w", s.path, err)
	}
	if st == nil {
		st = State{}
	}
	return st, nil
}

// Save writes st to the state file.
func (s *FileStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("quota store: marshal failed: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("quota store: create dir failed: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("quota store: write temp failed: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("quota store: rename failed: %w", err)
	}
	return nil
}

// MemoryStore keeps state in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	state State
	saves int

	// FailSave, when set, is returned by Save instead of storing.
	FailSave error
}

// NewMemoryStore returns a store seeded with a copy of initial.
func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: initial.Clone()}
}

func (m *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave != nil {
		return m.FailSave
	}
	m.state = st.Clone()
	m.saves++
	return nil
}

// Snapshot returns a copy of the stored state.
func (m *MemoryStore) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Saves reports how many successful saves have happened.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
