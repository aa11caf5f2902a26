// Package process tracks spawned agent subprocesses by work-order id and
// implements graceful-then-forceful termination
package process

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
)

// ErrNoPid is returned by Register when the handle has not yet been started.
var ErrNoPid = errors.New("process handle has no pid")

// SubjectExited is published on the event bus when a tracked process exits.
const SubjectExited = "process.exited"

// TrackedProcess is one OS process the manager owns exclusively between
// Register and its internal unregister.
type TrackedProcess struct {
	WorkOrderID string
	RunID       string
	Pid         int
	StartedAt   time.Time

	mu             sync.Mutex
	cmd            *exec.Cmd
	killSignalSent bool
	killSentAt     time.Time
	hasExited      bool
	exitCode       int
	exitSignal     string
	exitOnce       sync.Once
	doneCh         chan struct{}
}

// HasExited reports whether the process has been observed to exit.
func (t *TrackedProcess) HasExited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasExited
}

// ExitCode returns the exit code once HasExited is true; -1 otherwise.
func (t *TrackedProcess) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasExited {
		return -1
	}
	return t.exitCode
}

// ExitSignal returns the name of the signal that terminated the process,
// or "" if it exited normally (or has not yet exited).
func (t *TrackedProcess) ExitSignal() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitSignal
}

// DoneSignal returns a channel closed exactly once the process has been
// observed to exit.
func (t *TrackedProcess) DoneSignal() <-chan struct{} {
	return t.doneCh
}

// Manager tracks every live agent subprocess by work-order id.
type Manager struct {
	log *logger.Logger
	bus bus.EventBus

	mu      sync.RWMutex
	tracked map[string]*TrackedProcess

	monitorMu   sync.Mutex
	monitorStop chan struct{}
	monitorWg   sync.WaitGroup
}

// NewManager constructs a Manager. eventBus may be nil.
func NewManager(log *logger.Logger, eventBus bus.EventBus) *Manager {
	return &Manager{
		log:     log,
		bus:     eventBus,
		tracked: make(map[string]*TrackedProcess),
	}
}

// Register begins tracking cmd (already Start()-ed) under workOrderID. If
// a live registration already exists for workOrderID, it is replaced and a
// warning is logged.
func (m *Manager) Register(workOrderID, runID string, cmd *exec.Cmd) (*TrackedProcess, error) {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil, ErrNoPid
	}

	tp := &TrackedProcess{
		WorkOrderID: workOrderID,
		RunID:       runID,
		Pid:         cmd.Process.Pid,
		StartedAt:   time.Now(),
		cmd:         cmd,
		exitCode:    -1,
		doneCh:      make(chan struct{}),
	}

	m.mu.Lock()
	if existing, ok := m.tracked[workOrderID]; ok && !existing.HasExited() {
		if m.log != nil {
			m.log.Warn("replacing live process registration",
				zap.String("work_order_id", workOrderID), zap.Int("old_pid", existing.Pid))
		}
	}
	m.tracked[workOrderID] = tp
	m.mu.Unlock()

	go m.waitForExit(tp)

	return tp, nil
}

// waitForExit blocks on cmd.Wait and records the outcome exactly once.
func (m *Manager) waitForExit(tp *TrackedProcess) {
	err := tp.cmd.Wait()
	m.recordExit(tp, err)
}

// recordExit is the single point where hasExited is set, guarded by
// sync.Once so a duplicate exit/close signal is a no-op.
func (m *Manager) recordExit(tp *TrackedProcess, waitErr error) {
	tp.exitOnce.Do(func() {
		tp.mu.Lock()
		tp.hasExited = true
		if waitErr == nil {
			tp.exitCode = 0
		} else {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				tp.exitCode = exitErr.ExitCode()
				if status, ok := exitSignalName(exitErr); ok {
					tp.exitSignal = status
				}
			} else {
				tp.exitCode = -1
			}
		}
		close(tp.doneCh)
		tp.mu.Unlock()

		if m.log != nil {
			m.log.Info("process exited",
				zap.String("work_order_id", tp.WorkOrderID), zap.Int("exit_code", tp.ExitCode()))
		}
		m.publish(tp)
	})
}

func (m *Manager) publish(tp *TrackedProcess) {
	if m.bus == nil {
		return
	}
	data := map[string]any{
		"workOrderId": tp.WorkOrderID,
		"runId":       tp.RunID,
		"exitCode":    tp.ExitCode(),
	}
	_ = m.bus.Publish(context.Background(), SubjectExited, bus.NewEvent(SubjectExited, "process", data))
}

// HasActiveProcess reports whether workOrderID has a live (not yet
// exited) registration.
func (m *Manager) HasActiveProcess(workOrderID string) bool {
	m.mu.RLock()
	tp, ok := m.tracked[workOrderID]
	m.mu.RUnlock()
	return ok && !tp.HasExited()
}

// GetProcess returns the tracked process for workOrderID, if any.
func (m *Manager) GetProcess(workOrderID string) (*TrackedProcess, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tp, ok := m.tracked[workOrderID]
	return tp, ok
}

// GetActiveCount returns the number of tracked processes that have not
// yet exited.
func (m *Manager) GetActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, tp := range m.tracked {
		if !tp.HasExited() {
			count++
		}
	}
	return count
}

// GetAllProcesses returns every tracked process, live or exited.
func (m *Manager) GetAllProcesses() []*TrackedProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackedProcess, 0, len(m.tracked))
	for _, tp := range m.tracked {
		out = append(out, tp)
	}
	return out
}
