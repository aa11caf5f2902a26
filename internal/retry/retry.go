// Package retry implements the exponential-backoff-with-jitter retry
// scheduler
package retry

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
)

// Config holds the retry manager's backoff parameters.
type Config struct {
	MaxRetries   int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultConfig matches the scenario-5 reference values.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		BaseDelay:    5 * time.Second,
		Multiplier:   2,
		MaxDelay:     300 * time.Second,
		JitterFactor: 0.1,
	}
}

// Callback is invoked on a retry timer firing; the orchestrator re-enqueues
// the work order.
type Callback func(id string, errorMsg string)

// state tracks one work order's retry bookkeeping.
type state struct {
	attempt int
	timer   *time.Timer
}

// Manager schedules and cancels retry timers per work-order id.
type Manager struct {
	cfg      Config
	log      *logger.Logger
	callback Callback

	mu      sync.Mutex
	retries map[string]*state
}

// NewManager constructs a Manager. callback is invoked (on its own
// goroutine) when a scheduled retry fires.
func NewManager(cfg Config, log *logger.Logger, callback Callback) *Manager {
	return &Manager{cfg: cfg, log: log, callback: callback, retries: make(map[string]*state)}
}

// ShouldRetry reports whether id is eligible for another attempt: the
// error must be classified retryable and the retry count must not have
// reached the configured cap.
func (m *Manager) ShouldRetry(id string, retryable bool) bool {
	if !retryable {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.retries[id]
	if !ok {
		return m.cfg.MaxRetries > 0
	}
	return st.attempt < m.cfg.MaxRetries
}

// CalculateDelay computes the exact backoff formula:
//
//	min(baseDelay × multiplier^attempt, maxDelay) + uniform[0, cap × jitterFactor]
//
// where cap is the post-min delay (so jitter never pushes the result past
// maxDelay × (1 + jitterFactor)).
func (c Config) CalculateDelay(attempt int) time.Duration {
	exp := float64(c.BaseDelay) * pow(c.Multiplier, attempt)
	capped := exp
	if capped > float64(c.MaxDelay) {
		capped = float64(c.MaxDelay)
	}
	jitter := rand.Float64() * capped * c.JitterFactor
	return time.Duration(capped + jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// ScheduleRetry cancels any prior schedule for id, records the new
// attempt count, and arms a timer for CalculateDelay(attempt). When the
// timer fires, the callback is invoked with errorMsg.
func (m *Manager) ScheduleRetry(id string, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.retries[id]
	if !ok {
		st = &state{}
		m.retries[id] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}

	attempt := st.attempt
	st.attempt++

	delay := m.cfg.CalculateDelay(attempt)
	st.timer = time.AfterFunc(delay, func() {
		if m.log != nil {
			m.log.Debug("retry timer fired", zap.String("work_order_id", id), zap.Int("attempt", attempt))
		}
		if m.callback != nil {
			m.callback(id, errorMsg)
		}
	})
}

// CancelRetry stops any pending timer for id and forgets its attempt
// count.
func (m *Manager) CancelRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.retries[id]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.retries, id)
	}
}

// CancelAll stops every pending timer.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.retries {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.retries, id)
	}
}
