package workorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/process"
	"github.com/agentgate/agentgate/internal/queue"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	q := queue.New(queue.Config{MaxConcurrent: 2, MaxQueueSize: 10}, nil, nil)
	procs := process.NewManager(nil, nil)
	return NewService(store, q, procs, nil, nil)
}

func TestSubmitPersistsAsQueued(t *testing.T) {
	svc := newTestService(t)

	wo, err := svc.Submit(SubmitRequest{Task: "fix bug", AgentKind: "claude"})

	require.NoError(t, err)
	assert.Equal(t, StatusQueued, wo.Status)
	assert.NotEmpty(t, wo.ID)
}

func TestSubmitRejectsEmptyTask(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Submit(SubmitRequest{AgentKind: "claude"})

	assert.Error(t, err)
}

func TestCancelFromQueuedTransitionsToCanceled(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)

	err = svc.Cancel(wo.ID)

	require.NoError(t, err)
	got, err := svc.store.Get(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
}

func TestCancelTerminalWorkOrderFails(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(wo.ID))

	err = svc.Cancel(wo.ID)

	assert.Error(t, err)
}

func TestMarkRunningThenSucceeded(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRunning(wo.ID, "run-1"))
	require.NoError(t, svc.MarkSucceeded(wo.ID))

	got, err := svc.store.Get(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestMarkSucceededFromQueuedIsIllegal(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)

	err = svc.MarkSucceeded(wo.ID)

	assert.Error(t, err)
}

func TestMarkFailedTwiceIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(wo.ID, "run-1"))

	require.NoError(t, svc.MarkFailed(wo.ID, "boom"))
	require.NoError(t, svc.MarkFailed(wo.ID, "boom again"))

	got, err := svc.store.Get(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestGetCountsReflectsStatuses(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Submit(SubmitRequest{Task: "a", AgentKind: "claude"})
	require.NoError(t, err)
	_, err = svc.Submit(SubmitRequest{Task: "b", AgentKind: "claude"})
	require.NoError(t, err)

	counts := svc.GetCounts()

	assert.Equal(t, 2, counts[StatusQueued])
}

func TestPurgeDryRunDoesNotDelete(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(wo.ID))

	result, err := svc.Purge(PurgeOptions{Statuses: []Status{StatusCanceled}, DryRun: true})

	require.NoError(t, err)
	assert.Equal(t, 0, result.DeletedCount)
	assert.Contains(t, result.WouldDelete, wo.ID)

	_, err = svc.store.Get(wo.ID)
	assert.NoError(t, err)
}

func TestPurgeRemovesMatchingTerminalWorkOrders(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(wo.ID))

	result, err := svc.Purge(PurgeOptions{Statuses: []Status{StatusCanceled}})

	require.NoError(t, err)
	assert.Equal(t, 1, result.DeletedCount)

	_, err = svc.store.Get(wo.ID)
	assert.Error(t, err)
}

func TestPurgeSkipsNonTerminalWorkOrders(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)

	result, err := svc.Purge(PurgeOptions{Statuses: []Status{StatusQueued}})

	require.NoError(t, err)
	assert.Equal(t, 0, result.DeletedCount)
}

func TestPurgeOlderThanFilter(t *testing.T) {
	svc := newTestService(t)
	wo, err := svc.Submit(SubmitRequest{Task: "t", AgentKind: "claude"})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(wo.ID))

	result, err := svc.Purge(PurgeOptions{Statuses: []Status{StatusCanceled}, OlderThan: time.Now().Add(-time.Hour)})

	require.NoError(t, err)
	assert.Equal(t, 0, result.DeletedCount, "work order created after OlderThan should be skipped")
}
