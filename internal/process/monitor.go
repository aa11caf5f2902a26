package process

import (
	"time"

	"go.uber.org/zap"
)

const defaultMonitorInterval = 30 * time.Second

// StartMonitoring launches a periodic sweep that logs (but does not kill)
// processes that have been running longer than maxLifetime, and prunes
// exited entries from the tracking map. interval defaults to 30s when
// zero. Calling StartMonitoring twice without an intervening
// StopMonitoring is a no-op.
func (m *Manager) StartMonitoring(interval, maxLifetime time.Duration) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorStop != nil {
		return
	}
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	stop := make(chan struct{})
	m.monitorStop = stop
	m.monitorWg.Add(1)
	go m.monitorLoop(interval, maxLifetime, stop)
}

// StopMonitoring stops the periodic sweep and blocks until it exits.
func (m *Manager) StopMonitoring() {
	m.monitorMu.Lock()
	stop := m.monitorStop
	m.monitorStop = nil
	m.monitorMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	m.monitorWg.Wait()
}

func (m *Manager) monitorLoop(interval, maxLifetime time.Duration, stop <-chan struct{}) {
	defer m.monitorWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(maxLifetime)
		case <-stop:
			return
		}
	}
}

// sweep logs any process whose lifetime exceeds maxLifetime (0 disables
// the check) and removes exited processes from the tracking map so it
// does not grow unbounded.
func (m *Manager) sweep(maxLifetime time.Duration) {
	now := time.Now()

	m.mu.Lock()
	var stale []*TrackedProcess
	for id, tp := range m.tracked {
		if tp.HasExited() {
			delete(m.tracked, id)
			continue
		}
		if maxLifetime > 0 && now.Sub(tp.StartedAt) > maxLifetime {
			stale = append(stale, tp)
		}
	}
	m.mu.Unlock()

	if m.log == nil {
		return
	}
	for _, tp := range stale {
		m.log.Warn("process exceeded expected lifetime",
			zap.String("work_order_id", tp.WorkOrderID),
			zap.Int("pid", tp.Pid),
			zap.Duration("age", now.Sub(tp.StartedAt)))
	}
}
