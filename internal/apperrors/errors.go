// Package apperrors provides the error taxonomy used across the orchestrator
// core: a small set of categories that every component-level failure maps
// onto, so callers can branch on category rather than on message text.
package apperrors

import (
	"errors"
	"fmt"
)

// Category classifies a failure into one of the orchestrator's error kinds.
type Category string

const (
	// CategoryValidation marks malformed or out-of-bounds input.
	CategoryValidation Category = "VALIDATION_ERROR"
	// CategoryCapacity marks rejection due to admission control / concurrency caps.
	CategoryCapacity Category = "CAPACITY_ERROR"
	// CategoryTimeout marks a deadline exceeded while queued or running.
	CategoryTimeout Category = "TIMEOUT_ERROR"
	// CategoryExecution marks a failure that occurred while running the agent subprocess.
	CategoryExecution Category = "EXECUTION_ERROR"
	// CategoryCancellation marks an operation aborted by explicit cancellation.
	CategoryCancellation Category = "CANCELLATION_ERROR"
	// CategoryStorage marks a failure reading or writing persisted state.
	CategoryStorage Category = "STORAGE_ERROR"
)

// AppError is the concrete error type returned by orchestrator components.
// It carries a Category for programmatic branching, a human-readable
// Message, and an optional wrapped cause.
type AppError struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
	Err      error    `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation builds a CategoryValidation error.
func Validation(message string) *AppError {
	return &AppError{Category: CategoryValidation, Message: message}
}

// Validationf builds a CategoryValidation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Category: CategoryValidation, Message: fmt.Sprintf(format, args...)}
}

// Capacity builds a CategoryCapacity error.
func Capacity(message string) *AppError {
	return &AppError{Category: CategoryCapacity, Message: message}
}

// Timeout builds a CategoryTimeout error.
func Timeout(message string) *AppError {
	return &AppError{Category: CategoryTimeout, Message: message}
}

// Execution wraps a subprocess or agent-protocol failure.
func Execution(message string, cause error) *AppError {
	return &AppError{Category: CategoryExecution, Message: message, Err: cause}
}

// Cancellation builds a CategoryCancellation error.
func Cancellation(message string) *AppError {
	return &AppError{Category: CategoryCancellation, Message: message}
}

// Storage wraps a persistence-layer failure.
func Storage(message string, cause error) *AppError {
	return &AppError{Category: CategoryStorage, Message: message, Err: cause}
}

// Wrap attaches a category to an arbitrary error without losing it as a cause.
func Wrap(category Category, message string, cause error) *AppError {
	return &AppError{Category: category, Message: message, Err: cause}
}

// Is reports whether err (or anything it wraps) is an *AppError of category c.
func Is(err error, c Category) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == c
	}
	return false
}

// CategoryOf extracts the Category of err, or "" if err is not an *AppError.
func CategoryOf(err error) Category {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category
	}
	return ""
}
