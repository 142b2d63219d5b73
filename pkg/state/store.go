package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot is a persisted final state of a run.
type Snapshot struct {
	State   WorkflowState `json:"state"`
	Visited []string      `json:"visited"`
	SavedAt time.Time     `json:"saved_at"`
	Error   string        `json:"error,omitempty"`
}

// Store keeps run snapshots as RUN_<id>.json files in one directory.
type Store struct {
	baseDir string
}

// NewStore creates a snapshot store, creating baseDir if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Save persists snap under its run ID.
func (s *Store) Save(snap Snapshot) error {
	runID := snap.State.RunID
	if runID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for run %s: %w", runID, err)
	}

	// Write to a temp file first so a crash never leaves a torn snapshot.
	tmp := s.filename(runID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // snapshots are not secret
		return fmt.Errorf("failed to write state file for run %s: %w", runID, err)
	}
	if err := os.Rename(tmp, s.filename(runID)); err != nil {
		return fmt.Errorf("failed to finalize state file for run %s: %w", runID, err)
	}
	return nil
}

// Load reads the snapshot of a run.
func (s *Store) Load(runID string) (*Snapshot, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID cannot be empty")
	}

	data, err := os.ReadFile(s.filename(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no state file found for run %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file for run %s: %w", runID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state for run %s: %w", runID, err)
	}
	snap.State.normalize()
	return &snap, nil
}

// Delete removes a run's snapshot. Missing snapshots are not an error.
func (s *Store) Delete(runID string) error {
	if runID == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	if err := os.Remove(s.filename(runID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state file for run %s: %w", runID, err)
	}
	return nil
}

// List returns the IDs of every stored run, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "RUN_") && strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "RUN_"), ".json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) filename(runID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("RUN_%s.json", runID))
}
