// Package bus provides the in-process event fan-out used to notify
// interested components of queue and work-order state changes (ready,
// timeout, stateChange, exited) without coupling them to each other.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus fans events out to subscribers of a subject pattern. AgentGate
// runs single-process, so the interface only needs publish/subscribe: no
// queue-group load balancing or request/reply, since there is never more
// than one process to balance across or ask a question of.
type EventBus interface {
	// Publish sends an event to every subscriber whose pattern matches subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns may
	// use "*" for a single token and ">" for the remainder of the subject.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close tears down the bus and deactivates every subscription.
	Close()

	// IsConnected reports whether the bus still accepts publishes.
	IsConnected() bool
}
