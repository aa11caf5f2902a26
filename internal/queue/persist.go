package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/apperrors"
)

const snapshotVersion = "1.0"

// queuedEntrySnapshot is one element of the persisted "queue" array.
type queuedEntrySnapshot struct {
	WorkOrderID string  `json:"workOrderId"`
	Priority    int     `json:"priority"`
	EnqueuedAt  string  `json:"enqueuedAt"`
	MaxWaitMs   *int64  `json:"maxWaitMs,omitempty"`
}

// snapshot is the on-disk shape of a queue checkpoint.
type snapshot struct {
	Version   string                `json:"version"`
	Queue     []queuedEntrySnapshot `json:"queue"`
	Running   []string              `json:"running"`
	WaitTimes []int64               `json:"waitTimes"`
	SavedAt   string                `json:"savedAt"`
}

// Persist writes an atomic snapshot of the queued entries and recent wait
// times to <dir>/queue-state.json. Persist failures are logged but never
// propagate to the caller.
func (q *Queue) Persist(dir string) {
	q.mu.Lock()
	snap := snapshot{
		Version: snapshotVersion,
		Running: q.runningSnapshot(),
		SavedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, e := range q.entries {
		snap.Queue = append(snap.Queue, queuedEntrySnapshot{
			WorkOrderID: e.id,
			Priority:    e.priority,
			EnqueuedAt:  e.enqueuedAt.UTC().Format(time.RFC3339),
			MaxWaitMs:   e.maxWaitMs,
		})
	}
	for _, w := range q.waitTimes {
		snap.WaitTimes = append(snap.WaitTimes, int64(w/time.Millisecond))
	}
	q.mu.Unlock()

	if err := q.writeSnapshot(dir, snap); err != nil && q.log != nil {
		q.log.Warn("failed to persist queue state", zap.Error(err))
	}
}

func (q *Queue) writeSnapshot(dir string, snap snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return apperrors.Storage("failed to marshal queue snapshot", err)
	}
	path := filepath.Join(dir, "queue-state.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Storage("failed to write queue snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Storage("failed to finalize queue snapshot", err)
	}
	return nil
}

// Restore reads <dir>/queue-state.json and repopulates the queued entries
// and wait-time window. The persisted "running" field is always
// discarded: the orchestrator is responsible for re-admitting
// previously-running work orders by scanning work-order status. Restore
// returns false (and leaves the queue empty) if the file is absent,
// unreadable, or carries an unrecognized version.
func (q *Queue) Restore(dir string) bool {
	path := filepath.Join(dir, "queue-state.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		if q.log != nil {
			q.log.Warn("failed to unmarshal queue snapshot", zap.Error(err))
		}
		return false
	}
	if snap.Version != snapshotVersion {
		if q.log != nil {
			q.log.Warn("unknown queue snapshot version, starting empty", zap.String("version", snap.Version))
		}
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = nil
	for _, qe := range snap.Queue {
		enqueuedAt, err := time.Parse(time.RFC3339, qe.EnqueuedAt)
		if err != nil {
			enqueuedAt = time.Now()
		}
		q.entries = append(q.entries, &entry{
			id:         qe.WorkOrderID,
			priority:   qe.Priority,
			enqueuedAt: enqueuedAt,
			maxWaitMs:  qe.MaxWaitMs,
		})
	}

	q.waitTimes = nil
	for _, ms := range snap.WaitTimes {
		q.waitTimes = append(q.waitTimes, time.Duration(ms)*time.Millisecond)
	}

	return true
}
