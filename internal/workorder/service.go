package workorder

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/apperrors"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/observability"
	"github.com/agentgate/agentgate/internal/process"
	"github.com/agentgate/agentgate/internal/queue"
)

// Service wraps the store, queue, and process manager with the
// submit/cancel/force-kill lifecycle convenience methods callers need.
type Service struct {
	store *Store
	q     *queue.Queue
	procs *process.Manager
	sm    *StateMachine
	obs   *observability.Observer
	log   *logger.Logger
}

// NewService constructs a Service over the given collaborators. obs and
// log may be nil.
func NewService(store *Store, q *queue.Queue, procs *process.Manager, obs *observability.Observer, log *logger.Logger) *Service {
	return &Service{store: store, q: q, procs: procs, sm: NewStateMachine(), obs: obs, log: log}
}

// Defaults applied when a submitter leaves these fields at their zero
// value, before the range check below runs.
const (
	defaultMaxIterations       = 3
	defaultMaxWallClockSeconds = 3600
)

// Submit validates req, assigns an id, persists the work order as
// *queued*, enqueues it, and returns the record. MaxIterations and
// MaxWallClockSeconds are defaulted when left unset, then checked against
// their allowed ranges; a submission outside those ranges is rejected
// synchronously with a ValidationError rather than being persisted.
func (s *Service) Submit(req SubmitRequest) (*WorkOrder, error) {
	if req.Task == "" {
		return nil, apperrors.Validation("task is required")
	}
	if req.AgentKind == "" {
		return nil, apperrors.Validation("agentKind is required")
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = defaultMaxIterations
	}
	if req.MaxWallClockSeconds == 0 {
		req.MaxWallClockSeconds = defaultMaxWallClockSeconds
	}
	if req.MaxIterations < 1 || req.MaxIterations > 10 {
		return nil, apperrors.Validationf("maxIterations must be between 1 and 10, got %d", req.MaxIterations)
	}
	if req.MaxWallClockSeconds < 60 || req.MaxWallClockSeconds > 86400 {
		return nil, apperrors.Validationf("maxWallClockSeconds must be between 60 and 86400, got %d", req.MaxWallClockSeconds)
	}

	wo := &WorkOrder{
		ID:                  uuid.NewString(),
		Task:                req.Task,
		Workspace:           req.Workspace,
		AgentKind:           req.AgentKind,
		MaxIterations:       req.MaxIterations,
		MaxWallClockSeconds: req.MaxWallClockSeconds,
		GatePlanSource:      req.GatePlanSource,
		Policies:            req.Policies,
		Recursion:           req.Recursion,
		CreatedAt:           time.Now(),
		Status:              StatusQueued,
	}

	if err := s.store.Create(wo); err != nil {
		return nil, err
	}

	result := s.q.Enqueue(wo.ID, queue.EnqueueOptions{Priority: req.Priority, MaxWaitMs: req.MaxWaitMs})
	if !result.Accepted {
		_ = s.store.Delete(wo.ID)
		return nil, result.Err
	}

	if s.obs != nil {
		s.obs.Audit(wo.ID, "queued", "", nil)
	}

	return wo, nil
}

// Cancel is permitted from queued/running/waiting-for-children/integrating.
func (s *Service) Cancel(id string) error {
	wo, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if wo.Status.Terminal() {
		return apperrors.Validationf("work order %s is already terminal (%s)", id, wo.Status)
	}

	switch wo.Status {
	case StatusQueued:
		s.q.Cancel(id)
	case StatusRunning, StatusWaitingForChildren, StatusIntegrating:
		s.q.CancelRunning(id)
	}

	if err := s.sm.Validate(wo.Status, StatusCanceled); err != nil {
		return err
	}
	wo.Status = StatusCanceled
	now := time.Now()
	wo.CompletedAt = &now
	if err := s.store.Update(wo); err != nil {
		return err
	}

	if s.obs != nil {
		s.obs.Audit(id, "canceled", "", nil)
	}
	return nil
}

// ForceKillOptions configures a ForceKill call.
type ForceKillOptions struct {
	Reason string
}

// ForceKill handles the terminal-status and queued fast paths directly;
// otherwise it delegates to the process manager and writes the resulting
// status.
func (s *Service) ForceKill(id string, opts ForceKillOptions) error {
	wo, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if wo.Status.Terminal() {
		return nil // fast path: nothing to kill
	}
	if wo.Status == StatusQueued {
		s.q.Cancel(id)
		wo.Status = StatusCanceled
		now := time.Now()
		wo.CompletedAt = &now
		return s.store.Update(wo)
	}

	if s.procs != nil {
		result, err := s.procs.ForceKill(id, opts.Reason)
		if err != nil && err != process.ErrNotFound {
			return err
		}
		if !result.Success && result.Error != nil {
			errMsg := result.Error.Error()
			wo.Error = &errMsg
		}
	}

	s.q.CancelRunning(id)
	wo.Status = StatusCanceled
	now := time.Now()
	wo.CompletedAt = &now
	return s.store.Update(wo)
}

// MarkRunning consults the state machine before transitioning.
func (s *Service) MarkRunning(id, runID string) error {
	return s.transition(id, StatusRunning, func(wo *WorkOrder) {
		wo.RunID = &runID
	})
}

// MarkWaitingForChildren consults the state machine before transitioning.
// The runloop uses this as the entry point into the post-execution
// integration pipeline (verification gate, security scan, delivery) once
// any of those collaborators is configured; a work order with none
// configured skips straight from running to succeeded as before.
func (s *Service) MarkWaitingForChildren(id string) error {
	return s.transition(id, StatusWaitingForChildren, nil)
}

// MarkIntegrating consults the state machine before transitioning.
func (s *Service) MarkIntegrating(id string) error {
	return s.transition(id, StatusIntegrating, nil)
}

// MarkSucceeded consults the state machine before transitioning.
func (s *Service) MarkSucceeded(id string) error {
	return s.transition(id, StatusSucceeded, func(wo *WorkOrder) {
		now := time.Now()
		wo.CompletedAt = &now
		if s.obs != nil {
			s.obs.RecordCompleted(now.Sub(wo.CreatedAt))
		}
	})
}

// MarkFailed consults the state machine before transitioning. Re-failing
// an already-failed work order is legal (the transition table allows
// failed -> failed) and is handled idempotently.
func (s *Service) MarkFailed(id, errMsg string) error {
	wo, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.sm.Validate(wo.Status, StatusFailed); err != nil {
		return err
	}
	wo.Status = StatusFailed
	wo.Error = &errMsg
	now := time.Now()
	wo.CompletedAt = &now
	if s.obs != nil {
		s.obs.RecordFailed(id, apperrors.Execution(errMsg, nil))
	}
	return s.store.Update(wo)
}

func (s *Service) transition(id string, to Status, mutate func(*WorkOrder)) error {
	wo, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if err := s.sm.Validate(wo.Status, to); err != nil {
		return err
	}
	wo.Status = to
	if mutate != nil {
		mutate(wo)
	}
	return s.store.Update(wo)
}

// GetCounts returns the number of work orders in each status.
func (s *Service) GetCounts() map[Status]int {
	return s.store.CountByStatus()
}

// PurgeOptions filters which work orders Purge removes.
type PurgeOptions struct {
	Statuses  []Status
	OlderThan time.Time
	DryRun    bool
}

// PurgeResult reports what Purge found and, unless DryRun, removed.
type PurgeResult struct {
	DeletedCount int
	DeletedIDs   []string
	WouldDelete  []string
}

// Purge removes terminal work orders matching the given filters.
func (s *Service) Purge(opts PurgeOptions) (PurgeResult, error) {
	var result PurgeResult
	statusSet := make(map[Status]bool, len(opts.Statuses))
	for _, st := range opts.Statuses {
		statusSet[st] = true
	}

	for _, wo := range s.store.List() {
		if len(statusSet) > 0 && !statusSet[wo.Status] {
			continue
		}
		if !opts.OlderThan.IsZero() && wo.CreatedAt.After(opts.OlderThan) {
			continue
		}
		if !wo.Status.Terminal() {
			continue
		}

		if opts.DryRun {
			result.WouldDelete = append(result.WouldDelete, wo.ID)
			continue
		}
		if err := s.store.Delete(wo.ID); err != nil {
			continue
		}
		result.DeletedCount++
		result.DeletedIDs = append(result.DeletedIDs, wo.ID)
	}
	return result, nil
}
