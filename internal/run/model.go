// Package run implements the per-execution-attempt Run model and its
// JSON-file-per-run-directory store.
package run

import "time"

// Status mirrors the lifecycle of a single execution attempt. A work
// order may accumulate several runs across retries.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Run is one execution attempt of a work order.
type Run struct {
	ID          string     `json:"id"`
	WorkOrderID string     `json:"workOrderId"`
	Attempt     int        `json:"attempt"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       *string    `json:"error,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	TokensInput  int64     `json:"tokensInput,omitempty"`
	TokensOutput int64     `json:"tokensOutput,omitempty"`
}

// IterationData is one append-only iteration record within a run (e.g.
// one agent turn, one CI poll cycle).
type IterationData struct {
	RunID            string    `json:"runId"`
	Iteration        int       `json:"iteration"`
	RecordedAt       time.Time `json:"recordedAt"`
	SnapshotID       string    `json:"snapshotId,omitempty"`
	VerificationOutcome string `json:"verificationOutcome,omitempty"`
	AgentSessionID   string    `json:"agentSessionId,omitempty"`
	TokensInput      int64     `json:"tokensInput,omitempty"`
	TokensOutput     int64     `json:"tokensOutput,omitempty"`
	TokensTotal      int64     `json:"tokensTotal,omitempty"`
	ToolCalls        int       `json:"toolCalls"`
	DurationMs       int64     `json:"durationMs"`
	Errors           []string  `json:"errors,omitempty"`
}
