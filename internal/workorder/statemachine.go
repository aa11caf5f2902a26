package workorder

import (
	"sync"

	"github.com/agentgate/agentgate/internal/apperrors"
)

// transitions is the fixed table of legal status transitions. Every status
// not present as a key (succeeded, canceled) has no allowed outgoing
// transition.
var transitions = map[Status][]Status{
	StatusQueued:            {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning:           {StatusWaitingForChildren, StatusSucceeded, StatusFailed, StatusCanceled},
	StatusWaitingForChildren: {StatusIntegrating, StatusFailed, StatusCanceled},
	StatusIntegrating:       {StatusSucceeded, StatusFailed, StatusCanceled},
	StatusFailed:            {StatusRunning, StatusFailed},
}

// StateMachine validates and records work-order status transitions. It
// holds no reference to the store; callers consult it immediately before
// writing a new status, so that illegal transitions never reach disk.
//
// A single mutex serializes Validate calls across all work-order ids.
// Correctness does not require per-id locking, only that the check and
// the caller's subsequent write are not interleaved with another
// transition for the same id, which the orchestrator's single logical
// thread already guarantees.
type StateMachine struct {
	mu sync.Mutex
}

// NewStateMachine constructs a ready-to-use state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// Validate reports whether the from→to transition is legal. It returns an
// *apperrors.AppError of CategoryValidation describing the illegal
// transition, or nil if legal.
func (m *StateMachine) Validate(from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperrors.Validationf("invalid transition: %s -> %s", from, to)
}

// IdempotentReFail reports whether from==to==failed, the one case in the
// table where a transition to the same status is legal.
func IdempotentReFail(from, to Status) bool {
	return from == StatusFailed && to == StatusFailed
}
