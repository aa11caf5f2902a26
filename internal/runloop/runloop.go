// Package runloop drives admitted work orders through one execution
// attempt each: resolve the agent command via an agentproto.AgentVendor,
// run it under the streaming executor, and record the outcome against the
// work-order service, the run store, and the retry manager.
package runloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/agentproto"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/executor"
	"github.com/agentgate/agentgate/internal/observability"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/retry"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/streamparser"
	"github.com/agentgate/agentgate/internal/workorder"
)

const defaultPollInterval = 500 * time.Millisecond

// Loop polls the queue for admitted work orders and executes each one.
type Loop struct {
	q        *queue.Queue
	woStore  *workorder.Store
	svc      *workorder.Service
	runStore *run.Store
	exec     *executor.Executor
	vendor   agentproto.AgentVendor
	retryMgr *retry.Manager
	obs      *observability.Observer
	log      *logger.Logger

	materializer agentproto.WorkspaceMaterializer
	gate         agentproto.VerificationGate
	scanner      agentproto.SecurityScanner
	delivery     agentproto.Delivery

	poll time.Duration
	wg   sync.WaitGroup

	attemptsMu sync.Mutex
	attempts   map[string]int
}

// New constructs a Loop. retryCfg governs how many times, and on what
// backoff curve, a failed run is re-attempted before the work order is
// left failed. obs may be nil.
func New(q *queue.Queue, woStore *workorder.Store, svc *workorder.Service, runStore *run.Store, exec *executor.Executor, vendor agentproto.AgentVendor, retryCfg retry.Config, obs *observability.Observer, log *logger.Logger) *Loop {
	l := &Loop{
		q:        q,
		woStore:  woStore,
		svc:      svc,
		runStore: runStore,
		exec:     exec,
		vendor:   vendor,
		obs:      obs,
		log:      log,
		poll:     defaultPollInterval,
		attempts: make(map[string]int),
	}
	l.retryMgr = retry.NewManager(retryCfg, log, l.onRetryDue)
	return l
}

// SetCollaborators wires the optional external collaborators consulted
// around one execution attempt: materializer resolves the work order's
// workspace source before the agent runs and tears it down afterward;
// gate, scanner, and delivery run in that order during the
// waiting-for-children/integrating stage once execution succeeds. Any
// argument left nil is skipped. With every argument nil (the zero value
// of a Loop built by New), an attempt behaves exactly as before this
// wiring existed: running transitions straight to succeeded or failed.
func (l *Loop) SetCollaborators(materializer agentproto.WorkspaceMaterializer, gate agentproto.VerificationGate, scanner agentproto.SecurityScanner, delivery agentproto.Delivery) {
	l.materializer = materializer
	l.gate = gate
	l.scanner = scanner
	l.delivery = delivery
}

// integrates reports whether any post-execution collaborator is wired.
func (l *Loop) integrates() bool {
	return l.gate != nil || l.scanner != nil || l.delivery != nil
}

// Run polls the queue until ctx is canceled. It is meant to be supervised
// by an errgroup.Group alongside the diagnostics server, so cmd/agentgate
// can tear both down together and observe whichever fails first.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.drain(ctx)
		}
	}
}

// Wait blocks until every in-flight attempt has returned, and cancels any
// retry still waiting on its backoff timer.
// Call after Run has returned, during graceful shutdown.
func (l *Loop) Wait() {
	l.retryMgr.CancelAll()
	l.wg.Wait()
}

// drain admits every work order the queue currently has room for and
// runs each one in its own goroutine.
func (l *Loop) drain(ctx context.Context) {
	for {
		id := l.q.Dequeue()
		if id == nil {
			return
		}
		l.wg.Add(1)
		go func(id string) {
			defer l.wg.Done()
			l.attempt(ctx, id)
		}(*id)
	}
}

// nextAttempt returns the 1-based attempt number for id, incrementing
// AgentGate's per-id counter each time it is called.
func (l *Loop) nextAttempt(id string) int {
	l.attemptsMu.Lock()
	defer l.attemptsMu.Unlock()
	l.attempts[id]++
	return l.attempts[id]
}

// attempt runs one execution attempt for id and records its outcome.
func (l *Loop) attempt(ctx context.Context, id string) {
	defer l.q.MarkCompleted(id)
	attemptNum := l.nextAttempt(id)

	wo, err := l.woStore.Get(id)
	if err != nil {
		l.log.Error("work order vanished before execution", zap.String("work_order_id", id), zap.Error(err))
		return
	}

	runID := uuid.NewString()
	if err := l.svc.MarkRunning(id, runID); err != nil {
		l.log.Error("cannot mark work order running", zap.String("work_order_id", id), zap.Error(err))
		return
	}

	r := &run.Run{ID: runID, WorkOrderID: id, Attempt: attemptNum, Status: run.StatusRunning, StartedAt: time.Now()}
	if err := l.runStore.Create(r); err != nil {
		l.log.Error("failed to persist run record", zap.String("run_id", runID), zap.Error(err))
	}

	workspacePath := wo.Workspace.Path
	if l.materializer != nil {
		ws, err := l.materializer.Materialize(ctx, wo.Workspace)
		if err != nil {
			l.finishFailed(wo, r, fmt.Sprintf("materializing workspace: %v", err), false)
			return
		}
		workspacePath = ws.Path
		defer func() {
			if err := l.materializer.Cleanup(context.Background(), ws); err != nil {
				l.log.Warn("workspace cleanup failed", zap.String("work_order_id", id), zap.Error(err))
			}
		}()
	}

	command, args, err := l.vendor.Resolve(ctx, agentproto.AgentLaunchSpec{
		AgentKind:     wo.AgentKind,
		Task:          wo.Task,
		WorkspacePath: workspacePath,
	})
	if err != nil {
		l.finishFailed(wo, r, fmt.Sprintf("resolving agent command: %v", err), false)
		return
	}

	var timeout time.Duration
	if wo.MaxWallClockSeconds > 0 {
		timeout = time.Duration(wo.MaxWallClockSeconds) * time.Second
	}

	result := l.exec.Execute(id, runID, command, args, executor.Options{
		Timeout: timeout,
		Filter:  executor.FilterOutput | executor.FilterToolCalls | executor.FilterToolResults | executor.FilterProgress,
	}, func(msg *streamparser.Message) {
		l.log.Debug("agent event", zap.String("work_order_id", id), zap.String("run_id", runID), zap.String("type", string(msg.Type)))
	})

	if l.obs != nil {
		l.obs.RecordProcessed()
	}

	completedAt := time.Now()
	r.CompletedAt = &completedAt
	exitCode := result.ExitCode
	r.ExitCode = &exitCode
	r.SessionID = result.SessionID
	r.TokensInput = result.TokensUsed.Input
	r.TokensOutput = result.TokensUsed.Output

	l.recordIteration(r, result)

	switch {
	case result.Success:
		r.Status = run.StatusSucceeded
		l.persistRun(r)
		if l.integrates() {
			if err := l.integrate(ctx, wo, workspacePath); err != nil {
				l.finishFailed(wo, r, fmt.Sprintf("integration failed: %v", err), false)
				return
			}
		}
		if err := l.svc.MarkSucceeded(id); err != nil {
			l.log.Error("failed to mark work order succeeded", zap.String("work_order_id", id), zap.Error(err))
		}
	case result.Cancelled:
		r.Status = run.StatusCanceled
		l.persistRun(r)
		// The cancel path (Service.Cancel / ForceKill) already wrote the
		// work order's terminal status; nothing left to record here.
	default:
		l.finishFailed(wo, r, fmt.Sprintf("agent exited with code %d", result.ExitCode), true)
	}
}

// integrate drives the waiting-for-children/integrating stage that a
// successful execution passes through before the work order is allowed
// to succeed: verification gate, then security scan, then delivery, each
// skipped when its collaborator is unconfigured. Any failure here is
// reported to the caller as a non-retryable error, since re-running the
// agent subprocess will not change a gate or scan outcome on an
// unchanged workspace.
func (l *Loop) integrate(ctx context.Context, wo *workorder.WorkOrder, workspacePath string) error {
	if err := l.svc.MarkWaitingForChildren(wo.ID); err != nil {
		return fmt.Errorf("marking waiting-for-children: %w", err)
	}
	if err := l.svc.MarkIntegrating(wo.ID); err != nil {
		return fmt.Errorf("marking integrating: %w", err)
	}

	if l.gate != nil {
		res, err := l.gate.Run(ctx, workspacePath, wo.GatePlanSource, agentproto.GateL0)
		if err != nil {
			return fmt.Errorf("verification gate: %w", err)
		}
		if !res.Passed {
			return fmt.Errorf("verification gate %s failed: %s", res.Level, res.Detail)
		}
	}

	if l.scanner != nil {
		findings, err := l.scanner.Scan(ctx, workspacePath)
		if err != nil {
			return fmt.Errorf("security scan: %w", err)
		}
		for _, f := range findings {
			if f.Severity == "critical" || f.Severity == "high" {
				return fmt.Errorf("security scan blocked by %s finding %s: %s", f.Severity, f.Rule, f.Detail)
			}
		}
	}

	if l.delivery != nil {
		if _, err := l.delivery.Deliver(ctx, agentproto.DeliveryRequest{WorkspacePath: workspacePath}); err != nil {
			return fmt.Errorf("delivery: %w", err)
		}
		if err := l.delivery.Notify(ctx, wo.ID, "work order delivered"); err != nil {
			l.log.Warn("delivery notification failed", zap.String("work_order_id", wo.ID), zap.Error(err))
		}
	}

	return nil
}

// finishFailed records a failed run and either schedules a retry or marks
// the work order permanently failed. retryable must be false for errors
// that occurred before any subprocess ran (e.g. an unresolved agent kind).
func (l *Loop) finishFailed(wo *workorder.WorkOrder, r *run.Run, errMsg string, retryable bool) {
	r.Status = run.StatusFailed
	r.Error = &errMsg
	l.persistRun(r)

	if err := l.svc.MarkFailed(wo.ID, errMsg); err != nil {
		l.log.Error("failed to mark work order failed", zap.String("work_order_id", wo.ID), zap.Error(err))
	}

	if l.retryMgr.ShouldRetry(wo.ID, retryable) {
		l.retryMgr.ScheduleRetry(wo.ID, errMsg)
		if l.obs != nil {
			l.obs.RecordRetried()
		}
	}
}

func (l *Loop) persistRun(r *run.Run) {
	if err := l.runStore.Update(r); err != nil {
		l.log.Error("failed to persist run outcome", zap.String("run_id", r.ID), zap.Error(err))
	}
}

// recordIteration appends the single iteration record for this attempt.
// The loop executes exactly one agent invocation per run rather than
// looping in-process until a verification gate passes, so every run
// records iteration 1 and no more; see DESIGN.md for the scoping
// decision against the full multi-iteration model.
func (l *Loop) recordIteration(r *run.Run, result executor.Result) {
	it := run.IterationData{
		RunID:          r.ID,
		Iteration:      1,
		RecordedAt:     time.Now(),
		AgentSessionID: result.SessionID,
		TokensInput:    result.TokensUsed.Input,
		TokensOutput:   result.TokensUsed.Output,
		TokensTotal:    result.TokensUsed.Input + result.TokensUsed.Output,
		ToolCalls:      result.ToolCalls,
		DurationMs:     result.DurationMs,
	}
	if !result.Success && !result.Cancelled && result.Stderr != "" {
		it.Errors = []string{result.Stderr}
	}
	if err := l.runStore.AppendIteration(r.ID, it); err != nil {
		l.log.Error("failed to persist iteration record", zap.String("run_id", r.ID), zap.Error(err))
	}
}

// onRetryDue is the retry manager's callback, fired once a failed work
// order's backoff delay has elapsed. It re-enqueues the work order, so the
// next attempt is admitted through Dequeue under the concurrency cap like
// any other; failed -> running is a legal transition for that attempt.
func (l *Loop) onRetryDue(id, errMsg string) {
	wo, err := l.woStore.Get(id)
	if err != nil {
		l.log.Error("retry target vanished", zap.String("work_order_id", id), zap.Error(err))
		return
	}
	if wo.Status.Terminal() && wo.Status != workorder.StatusFailed {
		return // canceled or succeeded out from under the retry; nothing to do
	}

	if res := l.q.Enqueue(id, queue.EnqueueOptions{}); res.Err != nil {
		l.log.Error("failed to re-enqueue work order for retry", zap.String("work_order_id", id), zap.Error(res.Err))
	}
}
