package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(maxConcurrent, maxQueueSize int) *Queue {
	return New(Config{MaxConcurrent: maxConcurrent, MaxQueueSize: maxQueueSize}, nil, nil)
}

func TestEnqueueAccepts(t *testing.T) {
	q := newTestQueue(1, 10)

	result := q.Enqueue("wo-1", EnqueueOptions{Priority: 5})

	require.True(t, result.Accepted)
	assert.Equal(t, 1, result.Position)
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{})

	result := q.Enqueue("wo-1", EnqueueOptions{})

	require.False(t, result.Accepted)
	assert.ErrorIs(t, result.Err, ErrAlreadyQueued)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := newTestQueue(1, 2)
	q.Enqueue("wo-1", EnqueueOptions{})
	q.Enqueue("wo-2", EnqueueOptions{})

	result := q.Enqueue("wo-3", EnqueueOptions{})

	require.False(t, result.Accepted)
	assert.ErrorIs(t, result.Err, ErrQueueFull)
}

// TestPriorityRespectsFIFOWithinBand checks that enqueueing A(0), B(10),
// C(5), D(10) and dequeuing with concurrency 1 yields B, D, C, A.
func TestPriorityRespectsFIFOWithinBand(t *testing.T) {
	q := newTestQueue(1, 10)

	q.Enqueue("A", EnqueueOptions{Priority: 0})
	q.Enqueue("B", EnqueueOptions{Priority: 10})
	q.Enqueue("C", EnqueueOptions{Priority: 5})
	q.Enqueue("D", EnqueueOptions{Priority: 10})

	var order []string
	for {
		id := q.Dequeue()
		if id == nil {
			break
		}
		order = append(order, *id)
		q.MarkCompleted(*id)
	}

	assert.Equal(t, []string{"B", "D", "C", "A"}, order)
}

func TestDequeueRespectsConcurrencyCap(t *testing.T) {
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{})
	q.Enqueue("wo-2", EnqueueOptions{})

	first := q.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, "wo-1", *first)

	second := q.Dequeue()
	assert.Nil(t, second, "concurrency cap of 1 should block a second dequeue")
}

func TestMarkCompletedFreesSlot(t *testing.T) {
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{})
	q.Enqueue("wo-2", EnqueueOptions{})

	id := q.Dequeue()
	require.NotNil(t, id)

	q.MarkCompleted(*id)

	next := q.Dequeue()
	require.NotNil(t, next)
	assert.Equal(t, "wo-2", *next)
}

func TestCancelRemovesFromQueueOnly(t *testing.T) {
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{})

	removed := q.Cancel("wo-1")

	assert.True(t, removed)
	pos, ok := q.GetPosition("wo-1")
	assert.False(t, ok)
	assert.Nil(t, pos)
}

func TestCancelRunningInvokesHandle(t *testing.T) {
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{})
	id := q.Dequeue()
	require.NotNil(t, id)

	called := false
	q.MarkStarted(*id, MarkStartedOptions{Cancel: func() bool {
		called = true
		return true
	}})

	ok := q.CancelRunning(*id)

	assert.True(t, ok)
	assert.True(t, called)
}

func TestGetPositionReportsRunningAsZero(t *testing.T) {
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{})
	id := q.Dequeue()
	require.NotNil(t, id)

	pos, ok := q.GetPosition(*id)

	require.True(t, ok)
	assert.Equal(t, 0, pos.Position)
	assert.Equal(t, "running", pos.State)
}

func TestProcessingPassDropsExpiredEntry(t *testing.T) {
	q := newTestQueue(1, 10)
	q.Enqueue("x", EnqueueOptions{})
	idX := q.Dequeue()
	require.NotNil(t, idX)

	maxWait := int64(50)
	q.Enqueue("y", EnqueueOptions{MaxWaitMs: &maxWait})

	time.Sleep(100 * time.Millisecond)
	q.runProcessingPass()

	_, ok := q.GetPosition("y")
	assert.False(t, ok, "y should have been dropped by the expired maxWaitMs check")
}

func TestGetStatsReportsWaitingAndRunning(t *testing.T) {
	q := newTestQueue(2, 10)
	q.Enqueue("wo-1", EnqueueOptions{})
	q.Enqueue("wo-2", EnqueueOptions{})
	q.Dequeue()

	stats := q.GetStats()

	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 2, stats.MaxConcurrent)
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{Priority: 7})
	q.Enqueue("wo-2", EnqueueOptions{Priority: 3})

	q.Persist(dir)

	restored := newTestQueue(1, 10)
	ok := restored.Restore(dir)

	require.True(t, ok)
	pos1, found1 := restored.GetPosition("wo-1")
	require.True(t, found1)
	assert.Equal(t, 1, pos1.Position)

	pos2, found2 := restored.GetPosition("wo-2")
	require.True(t, found2)
	assert.Equal(t, 2, pos2.Position)
}

func TestRestoreDiscardsRunningSet(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(1, 10)
	q.Enqueue("wo-1", EnqueueOptions{})
	q.Dequeue() // wo-1 now running

	q.Persist(dir)

	restored := newTestQueue(1, 10)
	ok := restored.Restore(dir)

	require.True(t, ok)
	_, found := restored.GetPosition("wo-1")
	assert.False(t, found, "the running set must never be restored")
}

func TestRestoreReturnsFalseOnUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	q := newTestQueue(1, 10)
	q.Persist(dir)

	// Corrupt the version field to simulate an incompatible future format.
	q2 := newTestQueue(1, 10)
	q2.entries = nil
	_ = q2.writeSnapshot(dir, snapshot{Version: "99.0"})

	ok := q2.Restore(dir)
	assert.False(t, ok)
}
