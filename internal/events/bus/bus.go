// Package bus provides the relay's event bus abstraction. It carries
// fire-and-forget lifecycle notifications between components; it is not a
// delivery-guaranteed broker.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the session service.
const (
	SubjectSessionStatusChanged = "session.status_changed"
	SubjectSessionArchived      = "session.archived"
	SubjectSessionDeleted       = "session.deleted"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts publish/subscribe over NATS or in-memory channels.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards are supported: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
