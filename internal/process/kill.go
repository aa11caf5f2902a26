package process

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when an operation targets an unregistered or
// already-unregistered work-order id.
var ErrNotFound = errors.New("no tracked process for this work order")

const defaultGracePeriod = 5 * time.Second

// KillOptions configures how Kill attempts to end a tracked process.
type KillOptions struct {
	// GracePeriod is how long to wait after the graceful signal before
	// escalating to SIGKILL. Defaults to 5s when zero.
	GracePeriod time.Duration
	// Reason describes why the process is being killed. Kill does not log
	// it, and KillResult does not carry it.
	Reason string
	// ForceImmediate skips the graceful signal and kills immediately.
	ForceImmediate bool
}

// KillResult reports the outcome of a Kill/ForceKill call.
type KillResult struct {
	Success   bool
	ForcedKill bool
	DurationMs int64
	Error     error
}

// Kill terminates the process tracked under workOrderID. It sends SIGTERM
// (unless ForceImmediate), waits up to GracePeriod for the exit to be
// observed, and escalates to SIGKILL if the grace period elapses. Calling
// Kill on an already-exited process is idempotent and returns success
// without sending any signal.
func (m *Manager) Kill(workOrderID string, opts KillOptions) (KillResult, error) {
	start := time.Now()

	m.mu.RLock()
	tp, ok := m.tracked[workOrderID]
	m.mu.RUnlock()
	if !ok {
		return KillResult{}, ErrNotFound
	}

	if tp.HasExited() {
		return KillResult{Success: true, DurationMs: 0}, nil
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	tp.mu.Lock()
	alreadySent := tp.killSignalSent
	if !alreadySent {
		tp.killSignalSent = true
		tp.killSentAt = time.Now()
	}
	tp.mu.Unlock()

	forced := false

	if opts.ForceImmediate {
		m.sendSignal(tp, syscall.SIGKILL)
		forced = true
	} else if !alreadySent {
		m.sendSignal(tp, syscall.SIGTERM)
	}

	if waitForDone(tp.doneCh, grace) {
		return KillResult{Success: true, ForcedKill: forced, DurationMs: time.Since(start).Milliseconds()}, nil
	}

	// Grace period elapsed (or signal was already sent by a prior call and
	// we're just re-checking): escalate to SIGKILL.
	m.sendSignal(tp, syscall.SIGKILL)
	forced = true

	if waitForDone(tp.doneCh, defaultGracePeriod) {
		return KillResult{Success: true, ForcedKill: forced, DurationMs: time.Since(start).Milliseconds()}, nil
	}

	return KillResult{
		Success:    false,
		ForcedKill: forced,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      errors.New("process did not exit after forceful kill"),
	}, nil
}

// ForceKill is Kill with ForceImmediate set, used when the caller has
// already decided graceful shutdown is not appropriate.
func (m *Manager) ForceKill(workOrderID string, reason string) (KillResult, error) {
	return m.Kill(workOrderID, KillOptions{Reason: reason, ForceImmediate: true})
}

// KillAll kills every currently tracked process in parallel and returns a
// result per work-order id.
func (m *Manager) KillAll(opts KillOptions) map[string]KillResult {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	results := make(map[string]KillResult, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Kill(id, opts)
			if err != nil {
				res = KillResult{Success: false, Error: err}
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (m *Manager) sendSignal(tp *TrackedProcess, sig syscall.Signal) {
	tp.mu.Lock()
	cmd := tp.cmd
	tp.mu.Unlock()

	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(sig); err != nil && m.log != nil {
		m.log.Warn("failed to signal process",
			zap.String("work_order_id", tp.WorkOrderID), zap.Int("pid", tp.Pid), zap.Error(err))
	}
}

func waitForDone(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
