package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/agentgate/agentgate/internal/apperrors"
)

// Store persists one directory per run under <dir>/runs/<runId>/, with
// run.json holding the Run record and iteration-N.json holding each
// IterationData.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore prepares the runs directory (creating it if absent) and
// returns a Store over it. A missing directory is created, not an error.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Storage("failed to create runs directory", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.dir, runID)
}

// Create persists a new run record.
func (s *Store) Create(r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(r)
}

// Update overwrites an existing run record.
func (s *Store) Update(r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(r)
}

func (s *Store) write(r *Run) error {
	dir := s.runDir(r.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Storage("failed to create run directory", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return apperrors.Storage("failed to marshal run record", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.json"), data, 0o644); err != nil {
		return apperrors.Storage("failed to write run record", err)
	}
	return nil
}

// Get loads the run record for runID.
func (s *Store) Get(runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.runDir(runID), "run.json"))
	if err != nil {
		return nil, apperrors.Validationf("run %s not found", runID)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, apperrors.Storage("failed to unmarshal run record", err)
	}
	return &r, nil
}

// AppendIteration writes iteration-N.json for the given run.
func (s *Store) AppendIteration(runID string, it IterationData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Storage("failed to create run directory", err)
	}
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return apperrors.Storage("failed to marshal iteration record", err)
	}
	name := fmt.Sprintf("iteration-%d.json", it.Iteration)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return apperrors.Storage("failed to write iteration record", err)
	}
	return nil
}

// ListOptions bounds a ListRuns call.
type ListOptions struct {
	Limit  int
	Offset int
}

// ListRuns returns runs ordered by start time descending. A missing runs
// directory is not an error: it yields an empty list.
func (s *Store) ListRuns(opts ListOptions) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Storage("failed to list runs directory", err)
	}

	var runs []*Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name(), "run.json"))
		if err != nil {
			continue // best-effort: ignore entries that fail to load
		}
		var r Run
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		runs = append(runs, &r)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}
