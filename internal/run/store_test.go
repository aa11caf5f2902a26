package run

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	r := &Run{ID: "run-1", WorkOrderID: "wo-1", Attempt: 1, Status: StatusRunning, StartedAt: time.Now()}
	require.NoError(t, s.Create(r))

	loaded, err := s.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "wo-1", loaded.WorkOrderID)
	assert.Equal(t, StatusRunning, loaded.Status)
}

func TestListRunsOrdersByStartTimeDescending(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Create(&Run{ID: "r1", WorkOrderID: "wo1", StartedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.Create(&Run{ID: "r2", WorkOrderID: "wo2", StartedAt: now}))
	require.NoError(t, s.Create(&Run{ID: "r3", WorkOrderID: "wo3", StartedAt: now.Add(-1 * time.Hour)}))

	runs, err := s.ListRuns(ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "r3", runs[1].ID)
	assert.Equal(t, "r1", runs[2].ID)
}

func TestListRunsOnMissingDirectoryIsEmptyNotError(t *testing.T) {
	dataDir := t.TempDir()
	s, err := NewStore(dataDir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(dataDir, "runs")))

	runs, err := s.ListRuns(ListOptions{})

	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestAppendIterationPersistsFile(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Create(&Run{ID: "run-1", WorkOrderID: "wo-1", StartedAt: time.Now()}))

	err = s.AppendIteration("run-1", IterationData{RunID: "run-1", Iteration: 1, RecordedAt: time.Now(), VerificationOutcome: "passed"})

	assert.NoError(t, err)
}

// TestCleanupOrphanedRunsDryRun verifies DryRun reports orphans without
// deleting anything.
func TestCleanupOrphanedRunsDryRun(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Create(&Run{ID: "r1", WorkOrderID: "wo1", StartedAt: time.Now()}))
	require.NoError(t, s.Create(&Run{ID: "r2", WorkOrderID: "wo2", StartedAt: time.Now()}))
	require.NoError(t, s.Create(&Run{ID: "r3", WorkOrderID: "wo-deleted", StartedAt: time.Now()}))

	valid := map[string]bool{"wo1": true, "wo2": true}

	result, err := s.CleanupOrphanedRuns(valid, CleanupOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.OrphanedCount)
	assert.Equal(t, 0, result.DeletedCount)

	_, err = s.Get("r3")
	assert.NoError(t, err, "dry run must not delete r3")

	result, err = s.CleanupOrphanedRuns(valid, CleanupOptions{DryRun: false})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedCount)
	assert.Greater(t, result.FreedBytes, int64(0))

	_, err = s.Get("r3")
	assert.Error(t, err, "r3 should be gone after a real cleanup run")
}
