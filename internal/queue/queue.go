// Package queue implements the priority+FIFO work-order queue and its
// companion concurrency-slot scheduler:
// admission control, O(n) priority-ordered insertion with FIFO
// tie-breaking, position/wait-time estimation, and two watchdog timers.
package queue

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
)

// Errors returned synchronously by Enqueue.
var (
	ErrQueueFull   = errors.New("queue is full")
	ErrAlreadyQueued = errors.New("work order already queued or running")
)

// Subjects published on the event bus.
const (
	SubjectReady        = "queue.ready"
	SubjectTimeout       = "queue.timeout"
	SubjectRunTimeout    = "queue.runTimeout"
	SubjectStateChange   = "queue.stateChange"
)

const waitTimeWindowSize = 50

// CancelFunc aborts a running work order when invoked by CancelRunning.
// It returns true if the abort was dispatched (not necessarily that the
// process has exited yet).
type CancelFunc func() bool

// entry is a queued work order.
type entry struct {
	id               string
	priority         int
	enqueuedAt       time.Time
	maxWaitMs        *int64
	onPositionChange func(position int)
}

// runningEntry is a work order currently occupying a concurrency slot.
type runningEntry struct {
	id              string
	startedAt       time.Time
	maxWallClockMs  *int64
	cancel          CancelFunc
}

// Default memory-pressure thresholds for the slot governor, in MB of
// runtime.MemStats.Alloc. They match observability's own health
// classification so "degraded" and "warning pressure" describe the same
// condition.
const (
	defaultMemoryWarningMB  uint64 = 512
	defaultMemoryCriticalMB uint64 = 1024
)

// Config bounds the queue's admission and concurrency behavior.
type Config struct {
	MaxConcurrent      int
	MaxQueueSize       int
	QueueTimeoutTick   time.Duration
	RunTimeoutTick     time.Duration

	// MemoryWarningMB and MemoryCriticalMB bound the memory-pressure
	// governor sampled on each run-timeout tick. Zero means use the
	// package default.
	MemoryWarningMB  uint64
	MemoryCriticalMB uint64
}

// Queue is the priority+FIFO admission queue and concurrency-slot tracker.
// All state is guarded by a single mutex: the orchestrator's concurrency
// model requires that no two transitions for the same work-order id race,
// and a single lock over the whole ordered sequence is the simplest
// implementation of that invariant.
type Queue struct {
	cfg Config
	bus bus.EventBus
	log *logger.Logger

	mu       sync.Mutex
	entries  []*entry
	running  map[string]*runningEntry
	waitTimes []time.Duration
	accepting bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Queue. The bus may be nil, in which case event
// publication is a no-op (useful in tests that only assert on return
// values).
func New(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Queue {
	if cfg.QueueTimeoutTick <= 0 {
		cfg.QueueTimeoutTick = time.Second
	}
	if cfg.RunTimeoutTick <= 0 {
		cfg.RunTimeoutTick = time.Second
	}
	if cfg.MemoryWarningMB == 0 {
		cfg.MemoryWarningMB = defaultMemoryWarningMB
	}
	if cfg.MemoryCriticalMB == 0 {
		cfg.MemoryCriticalMB = defaultMemoryCriticalMB
	}
	return &Queue{
		cfg:       cfg,
		bus:       eventBus,
		log:       log,
		running:   make(map[string]*runningEntry),
		accepting: true,
	}
}

// EnqueueOptions configures one Enqueue call.
type EnqueueOptions struct {
	Priority         int
	MaxWaitMs        *int64
	OnPositionChange func(position int)
}

// EnqueueResult is the synchronous outcome of Enqueue.
type EnqueueResult struct {
	Accepted bool
	Position int
	Err      error
}

// Enqueue admits id into the queue. It rejects duplicates (already queued
// or running) and queues at capacity.
func (q *Queue) Enqueue(id string, opts EnqueueOptions) EnqueueResult {
	q.mu.Lock()

	if _, running := q.running[id]; running || q.contains(id) {
		q.mu.Unlock()
		return EnqueueResult{Err: ErrAlreadyQueued}
	}
	if q.cfg.MaxQueueSize > 0 && len(q.entries) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return EnqueueResult{Err: ErrQueueFull}
	}

	e := &entry{
		id:               id,
		priority:         opts.Priority,
		enqueuedAt:       time.Now(),
		maxWaitMs:        opts.MaxWaitMs,
		onPositionChange: opts.OnPositionChange,
	}

	insertAt := len(q.entries)
	for i, existing := range q.entries {
		if existing.priority < e.priority {
			insertAt = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[insertAt+1:], q.entries[insertAt:])
	q.entries[insertAt] = e

	position := insertAt + 1
	q.notifyPositionChangesLocked()
	q.mu.Unlock()

	q.publish(SubjectStateChange, map[string]any{"workOrderId": id, "state": "queued"})
	q.runProcessingPass()

	return EnqueueResult{Accepted: true, Position: position}
}

// contains reports whether id already has a queued entry. Caller must
// hold q.mu.
func (q *Queue) contains(id string) bool {
	for _, e := range q.entries {
		if e.id == id {
			return true
		}
	}
	return false
}

// notifyPositionChangesLocked invokes every entry's OnPositionChange with
// its new 1-indexed position. Caller must hold q.mu. A callback panic
// must not prevent other callbacks from firing.
func (q *Queue) notifyPositionChangesLocked() {
	for i, e := range q.entries {
		if e.onPositionChange == nil {
			continue
		}
		q.safeCall(e.onPositionChange, i+1)
	}
}

func (q *Queue) safeCall(cb func(int), position int) {
	defer func() {
		if r := recover(); r != nil {
			if q.log != nil {
				q.log.Warn("position-change callback panicked", zap.Any("recover", r))
			}
		}
	}()
	cb(position)
}

// Dequeue removes and admits the head of the queue into the running set,
// or returns nil if at the concurrency cap, if new slots are paused under
// memory pressure (see SetAccepting), or if the queue is empty.
func (q *Queue) Dequeue() *string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() *string {
	if len(q.running) >= q.cfg.MaxConcurrent || len(q.entries) == 0 || !q.accepting {
		return nil
	}

	e := q.entries[0]
	q.entries = q.entries[1:]

	waited := time.Since(e.enqueuedAt)
	q.recordWaitTimeLocked(waited)

	q.running[e.id] = &runningEntry{id: e.id, startedAt: time.Now()}
	q.notifyPositionChangesLocked()

	id := e.id
	return &id
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() *string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	id := q.entries[0].id
	return &id
}

// Position describes a queued entry's rank and estimated wait.
type Position struct {
	Position        int
	Ahead           int
	EstimatedWaitMs *int64 // nil means "unknown"
	State           string // "queued" or "running"
	EnqueuedAt      time.Time
}

// GetPosition reports id's current queue position or running state.
func (q *Queue) GetPosition(id string) (*Position, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r, ok := q.running[id]; ok {
		return &Position{Position: 0, State: "running", EnqueuedAt: r.startedAt}, true
	}

	for i, e := range q.entries {
		if e.id != id {
			continue
		}
		pos := i + 1
		return &Position{
			Position:        pos,
			Ahead:           i,
			EstimatedWaitMs: q.estimateWaitLocked(pos),
			State:           "queued",
			EnqueuedAt:      e.enqueuedAt,
		}, true
	}
	return nil, false
}

// estimateWaitLocked estimates how long a newly queued entry at position
// will wait, based on the recent wait-time window. Caller must hold q.mu.
func (q *Queue) estimateWaitLocked(position int) *int64 {
	if position == 0 && len(q.running) < q.cfg.MaxConcurrent {
		zero := int64(0)
		return &zero
	}
	if len(q.waitTimes) == 0 {
		return nil
	}

	var total time.Duration
	for _, w := range q.waitTimes {
		total += w
	}
	avg := float64(total) / float64(len(q.waitTimes))

	multiplier := math.Ceil(float64(position+1) / float64(q.cfg.MaxConcurrent))
	estimate := int64(multiplier * avg / float64(time.Millisecond))
	return &estimate
}

func (q *Queue) recordWaitTimeLocked(d time.Duration) {
	q.waitTimes = append(q.waitTimes, d)
	if len(q.waitTimes) > waitTimeWindowSize {
		q.waitTimes = q.waitTimes[len(q.waitTimes)-waitTimeWindowSize:]
	}
}

// MarkStartedOptions configures MarkStarted.
type MarkStartedOptions struct {
	MaxWallClockMs *int64
	Cancel         CancelFunc
}

// MarkStarted moves id from the queue into the running set without going
// through Dequeue, registering its wall-clock cap and cancel handle. If id
// is not queued, it is inserted directly into the running set.
func (q *Queue) MarkStarted(id string, opts MarkStartedOptions) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.id != id {
			continue
		}
		q.recordWaitTimeLocked(time.Since(e.enqueuedAt))
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		break
	}

	q.running[id] = &runningEntry{
		id:             id,
		startedAt:      time.Now(),
		maxWallClockMs: opts.MaxWallClockMs,
		cancel:         opts.Cancel,
	}
	q.notifyPositionChangesLocked()
	q.publish(SubjectStateChange, map[string]any{"workOrderId": id, "state": "running"})
}

// MarkCompleted removes id from the running set, freeing a slot, and
// triggers a processing pass.
func (q *Queue) MarkCompleted(id string) {
	q.mu.Lock()
	delete(q.running, id)
	q.mu.Unlock()

	q.publish(SubjectStateChange, map[string]any{"workOrderId": id, "state": "completed"})
	q.runProcessingPass()
}

// Cancel removes id from the queue only (it has no effect on a running
// entry). Returns true if an entry was removed.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	removed := false
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			removed = true
			break
		}
	}
	if removed {
		q.notifyPositionChangesLocked()
	}
	q.mu.Unlock()

	if removed {
		q.publish(SubjectStateChange, map[string]any{"workOrderId": id, "state": "canceled"})
	}
	return removed
}

// CancelRunning aborts a running work order via its registered cancel
// handle. Returns true iff a running entry existed and had a handle.
func (q *Queue) CancelRunning(id string) bool {
	q.mu.Lock()
	r, ok := q.running[id]
	q.mu.Unlock()

	if !ok || r.cancel == nil {
		return false
	}
	return r.cancel()
}

// Stats summarizes current queue and concurrency state.
type Stats struct {
	Waiting        int
	Running        int
	MaxConcurrent  int
	MaxQueueSize   int
	AverageWaitMs  *int64
	Accepting      bool
}

// GetStats reports the current state of the queue.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Waiting:       len(q.entries),
		Running:       len(q.running),
		MaxConcurrent: q.cfg.MaxConcurrent,
		MaxQueueSize:  q.cfg.MaxQueueSize,
		Accepting:     q.accepting,
	}
	if len(q.waitTimes) > 0 {
		var total time.Duration
		for _, w := range q.waitTimes {
			total += w
		}
		avg := int64(total/time.Duration(len(q.waitTimes))) / int64(time.Millisecond)
		stats.AverageWaitMs = &avg
	}
	return stats
}

// SetAccepting toggles whether new execution slots are granted, used by
// the memory-pressure governor: while false, Dequeue returns nil and the
// processing pass emits no ready event. Enqueue does not consult it.
func (q *Queue) SetAccepting(accepting bool) {
	q.mu.Lock()
	q.accepting = accepting
	q.mu.Unlock()
}

// runProcessingPass drops expired heads, then emits ready for the first
// admissible head and stops.
func (q *Queue) runProcessingPass() {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return
		}

		head := q.entries[0]
		if head.maxWaitMs != nil && time.Since(head.enqueuedAt) >= time.Duration(*head.maxWaitMs)*time.Millisecond {
			q.entries = q.entries[1:]
			q.notifyPositionChangesLocked()
			q.mu.Unlock()

			q.publish(SubjectTimeout, map[string]any{"workOrderId": head.id})
			continue
		}

		if len(q.running) >= q.cfg.MaxConcurrent || !q.accepting {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		q.publish(SubjectReady, map[string]any{"workOrderId": head.id})
		return
	}
}

func (q *Queue) publish(subject string, data map[string]any) {
	if q.bus == nil {
		return
	}
	if err := q.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "queue", data)); err != nil && q.log != nil {
		q.log.Warn("failed to publish queue event", zap.String("subject", subject), zap.Error(err))
	}
}

// runningSnapshot returns a stable-ordered copy of running entry ids, used
// by the run-timeout watchdog and by persistence.
func (q *Queue) runningSnapshot() []string {
	ids := make([]string, 0, len(q.running))
	for id := range q.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
