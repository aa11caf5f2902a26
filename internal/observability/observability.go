// Package observability records counters, sliding-window durations, and
// an audit trail for the orchestrator, and classifies overall health.
package observability

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentgate/agentgate/internal/events/bus"
)

const durationWindowSize = 200

// HealthStatus classifies the system's current condition.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// AuditEvent is one ordered, per-work-order entry in the audit trail.
type AuditEvent struct {
	WorkOrderID string
	Type        string
	At          time.Time
	Detail      string
	Err         error
}

// Observer records counters, durations, and an audit trail, and exposes
// them both as a health report and as Prometheus metrics.
type Observer struct {
	processed prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	retried   prometheus.Counter
	durations prometheus.Histogram

	mu             sync.Mutex
	durationWindow []time.Duration
	audit          map[string][]AuditEvent

	healthFn func() (slotsActive, slotsAvailable, pendingRetries int)
}

// New constructs an Observer and registers its metrics with reg (a nil
// registry is accepted for tests; metrics are then simply not exported).
func New(reg prometheus.Registerer) *Observer {
	o := &Observer{
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_workorders_processed_total",
			Help: "Total work orders that have completed an execution attempt.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_workorders_succeeded_total",
			Help: "Total work orders that reached the succeeded status.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_workorders_failed_total",
			Help: "Total work orders that reached the failed status.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_workorders_retried_total",
			Help: "Total retry attempts scheduled.",
		}),
		durations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentgate_run_duration_seconds",
			Help:    "Run durations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		audit: make(map[string][]AuditEvent),
	}
	if reg != nil {
		reg.MustRegister(o.processed, o.completed, o.failed, o.retried, o.durations)
	}
	return o
}

// SetHealthSampler registers the callback used to sample live resource
// pressure for the health report.
func (o *Observer) SetHealthSampler(fn func() (slotsActive, slotsAvailable, pendingRetries int)) {
	o.healthFn = fn
}

// RecordProcessed increments the total-processed counter.
func (o *Observer) RecordProcessed() { o.processed.Inc() }

// RecordCompleted increments the total-completed counter and records a
// run duration into the sliding window.
func (o *Observer) RecordCompleted(d time.Duration) {
	o.completed.Inc()
	o.durations.Observe(d.Seconds())
	o.recordDuration(d)
}

// RecordFailed increments the total-failed counter and records an audit
// event carrying the full error.
func (o *Observer) RecordFailed(workOrderID string, err error) {
	o.failed.Inc()
	o.Audit(workOrderID, "failed", err.Error(), err)
}

// RecordRetried increments the total-retried counter.
func (o *Observer) RecordRetried() { o.retried.Inc() }

func (o *Observer) recordDuration(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.durationWindow = append(o.durationWindow, d)
	if len(o.durationWindow) > durationWindowSize {
		o.durationWindow = o.durationWindow[len(o.durationWindow)-durationWindowSize:]
	}
}

// SubscribeAudit subscribes to the queue's and process manager's state
// events and appends each one to the originating work order's audit
// trail, so the trail covers the full lifecycle without every publisher
// having to call Audit directly.
func (o *Observer) SubscribeAudit(b bus.EventBus) error {
	record := func(_ context.Context, e *bus.Event) error {
		workOrderID, _ := e.Data["workOrderId"].(string)
		o.Audit(workOrderID, e.Type, "", nil)
		return nil
	}
	if _, err := b.Subscribe("queue.>", record); err != nil {
		return err
	}
	if _, err := b.Subscribe("process.>", record); err != nil {
		return err
	}
	return nil
}

// Audit appends an ordered entry to workOrderID's audit trail. Failure
// records must always carry the full error, never an empty placeholder.
func (o *Observer) Audit(workOrderID, eventType, detail string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audit[workOrderID] = append(o.audit[workOrderID], AuditEvent{
		WorkOrderID: workOrderID,
		Type:        eventType,
		At:          time.Now(),
		Detail:      detail,
		Err:         err,
	})
}

// AuditTrail returns the ordered audit events for workOrderID.
func (o *Observer) AuditTrail(workOrderID string) []AuditEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]AuditEvent, len(o.audit[workOrderID]))
	copy(out, o.audit[workOrderID])
	return out
}

// DurationStats is the sliding-window average and 95th percentile.
type DurationStats struct {
	AverageMs int64
	P95Ms     int64
	Samples   int
}

// Durations returns the current sliding-window statistics.
func (o *Observer) Durations() DurationStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.durationWindow) == 0 {
		return DurationStats{}
	}

	sorted := make([]time.Duration, len(o.durationWindow))
	copy(sorted, o.durationWindow)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg := sum / time.Duration(len(sorted))

	p95Index := int(float64(len(sorted))*0.95 + 0.5)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return DurationStats{
		AverageMs: avg.Milliseconds(),
		P95Ms:     sorted[p95Index].Milliseconds(),
		Samples:   len(sorted),
	}
}

// HealthReport summarizes the periodic health sample.
type HealthReport struct {
	Status         HealthStatus
	MemoryAllocMB  uint64
	SlotsActive    int
	SlotsAvailable int
	PendingRetries int
}

// Health samples memory pressure and, if a sampler is registered,
// active/available slots and pending retries, and classifies the
// overall system status.
func (o *Observer) Health() HealthReport {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := HealthReport{MemoryAllocMB: mem.Alloc / (1024 * 1024)}
	if o.healthFn != nil {
		report.SlotsActive, report.SlotsAvailable, report.PendingRetries = o.healthFn()
	}

	switch {
	case report.MemoryAllocMB > 1024 || (report.SlotsAvailable == 0 && report.PendingRetries > 50):
		report.Status = HealthUnhealthy
	case report.MemoryAllocMB > 512 || report.PendingRetries > 10:
		report.Status = HealthDegraded
	default:
		report.Status = HealthHealthy
	}
	return report
}
