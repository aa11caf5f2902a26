package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordCompletedUpdatesDurationStats(t *testing.T) {
	o := New(nil)

	o.RecordCompleted(100 * time.Millisecond)
	o.RecordCompleted(200 * time.Millisecond)
	o.RecordCompleted(300 * time.Millisecond)

	stats := o.Durations()
	assert.Equal(t, 3, stats.Samples)
	assert.Equal(t, int64(200), stats.AverageMs)
}

func TestRecordFailedCapturesFullError(t *testing.T) {
	o := New(nil)

	o.RecordFailed("wo-1", errors.New("boom: disk full"))

	trail := o.AuditTrail("wo-1")
	assert.Len(t, trail, 1)
	assert.Equal(t, "failed", trail[0].Type)
	assert.NotEmpty(t, trail[0].Detail)
	assert.Error(t, trail[0].Err)
}

func TestAuditTrailIsOrderedPerWorkOrder(t *testing.T) {
	o := New(nil)

	o.Audit("wo-1", "queued", "", nil)
	o.Audit("wo-1", "running", "", nil)
	o.Audit("wo-2", "queued", "", nil)

	trail := o.AuditTrail("wo-1")
	assert.Len(t, trail, 2)
	assert.Equal(t, "queued", trail[0].Type)
	assert.Equal(t, "running", trail[1].Type)
}

func TestHealthClassifiesDegradedOnHighPendingRetries(t *testing.T) {
	o := New(nil)
	o.SetHealthSampler(func() (int, int, int) { return 3, 2, 20 })

	report := o.Health()

	assert.Equal(t, HealthDegraded, report.Status)
	assert.Equal(t, 20, report.PendingRetries)
}

func TestHealthClassifiesUnhealthyWhenNoSlotsAndManyPending(t *testing.T) {
	o := New(nil)
	o.SetHealthSampler(func() (int, int, int) { return 5, 0, 100 })

	report := o.Health()

	assert.Equal(t, HealthUnhealthy, report.Status)
}

func TestHealthDefaultsHealthyWithNoSampler(t *testing.T) {
	o := New(nil)

	report := o.Health()

	assert.Equal(t, HealthHealthy, report.Status)
}

func TestDurationsEmptyWindowReturnsZeroValue(t *testing.T) {
	o := New(nil)

	stats := o.Durations()

	assert.Equal(t, 0, stats.Samples)
}
