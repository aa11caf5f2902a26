package run

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// CleanupOptions configures one orphan sweep.
type CleanupOptions struct {
	DryRun     bool
	MaxOrphans int // 0 means unbounded
}

// CleanupResult reports what the sweep found and, unless DryRun, removed.
type CleanupResult struct {
	OrphanedCount int
	DeletedCount  int
	DeletedRunIDs []string
	FailedRunIDs  []string
	FreedBytes    int64
}

// CleanupOrphanedRuns walks the runs directory and deletes any run whose
// workOrderId is not present in validWorkOrderIDs. Entries that fail to
// load are ignored, not counted as orphans. A missing runs directory is
// not an error.
func (s *Store) CleanupOrphanedRuns(validWorkOrderIDs map[string]bool, opts CleanupOptions) (CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result CleanupResult

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, err
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runDir := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(filepath.Join(runDir, "run.json"))
		if err != nil {
			continue // best-effort: ignore entries that fail to load
		}
		var r Run
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if validWorkOrderIDs[r.WorkOrderID] {
			continue
		}

		result.OrphanedCount++
		if opts.MaxOrphans > 0 && result.DeletedCount >= opts.MaxOrphans {
			continue
		}
		if opts.DryRun {
			continue
		}

		size, _ := dirSize(runDir)
		if err := os.RemoveAll(runDir); err != nil {
			result.FailedRunIDs = append(result.FailedRunIDs, r.ID)
			continue
		}
		result.DeletedCount++
		result.DeletedRunIDs = append(result.DeletedRunIDs, r.ID)
		result.FreedBytes += size
	}

	return result, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
