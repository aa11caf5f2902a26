package queue

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// StartWatchdogs launches two periodic timers: the queue-timeout tick
// (re-runs the processing pass) and the run-timeout tick (emits
// runTimeout for running entries whose wall-clock cap has elapsed, and
// samples memory pressure for the slot governor). Both stop when ctx is
// canceled or StopWatchdogs is called.
func (q *Queue) StartWatchdogs(ctx context.Context) {
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return // already running
	}
	q.stopCh = make(chan struct{})
	stop := q.stopCh
	q.mu.Unlock()

	q.wg.Add(2)
	go q.queueTimeoutLoop(ctx, stop)
	go q.runTimeoutLoop(ctx, stop)
}

// StopWatchdogs stops both watchdog loops and blocks until they exit.
func (q *Queue) StopWatchdogs() {
	q.mu.Lock()
	stop := q.stopCh
	q.stopCh = nil
	q.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	q.wg.Wait()
}

func (q *Queue) queueTimeoutLoop(ctx context.Context, stop <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.QueueTimeoutTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.runProcessingPass()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) runTimeoutLoop(ctx context.Context, stop <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.RunTimeoutTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.checkRunTimeouts()
			q.checkMemoryPressure()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkMemoryPressure samples process memory and governs slot admission.
// Under critical pressure it calls SetAccepting(false), so Dequeue grants
// no new running slots and runProcessingPass emits no ready events until
// pressure subsides; under warning pressure slots are still
// granted but the condition is logged for an operator to see the queue
// approaching its limit.
func (q *Queue) checkMemoryPressure() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	allocMB := mem.Alloc / (1024 * 1024)

	switch {
	case allocMB >= q.cfg.MemoryCriticalMB:
		q.SetAccepting(false)
		if q.log != nil {
			q.log.Error("critical memory pressure: denying new execution slots",
				zap.Uint64("alloc_mb", allocMB), zap.Uint64("critical_mb", q.cfg.MemoryCriticalMB))
		}
	case allocMB >= q.cfg.MemoryWarningMB:
		q.SetAccepting(true)
		if q.log != nil {
			q.log.Warn("memory pressure warning",
				zap.Uint64("alloc_mb", allocMB), zap.Uint64("warning_mb", q.cfg.MemoryWarningMB))
		}
	default:
		q.SetAccepting(true)
	}
}

func (q *Queue) checkRunTimeouts() {
	type expired struct {
		id      string
		elapsed time.Duration
		cap     int64
	}

	q.mu.Lock()
	var expirations []expired
	now := time.Now()
	for _, r := range q.running {
		if r.maxWallClockMs == nil {
			continue
		}
		elapsed := now.Sub(r.startedAt)
		cap := time.Duration(*r.maxWallClockMs) * time.Millisecond
		if elapsed > cap {
			expirations = append(expirations, expired{id: r.id, elapsed: elapsed, cap: *r.maxWallClockMs})
		}
	}
	q.mu.Unlock()

	for _, e := range expirations {
		q.publish(SubjectRunTimeout, map[string]any{
			"workOrderId": e.id,
			"elapsedMs":   int64(e.elapsed / time.Millisecond),
			"capMs":       e.cap,
		})
	}
}
