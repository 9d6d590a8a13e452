// Package history exports sketch lifecycle events to external systems for
// audit and analytics. Delivery is best-effort and never blocks a lifecycle
// operation's outcome.
package history

import (
	"context"
	"time"

	"github.com/loykin/sketchd/internal/sketch"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCreate EventType = "create"
	EventBuild  EventType = "build"
	EventStart  EventType = "start"
	EventStop   EventType = "stop"
	EventCrash  EventType = "crash"
	EventDelete EventType = "delete"
)

// Event is one lifecycle observation for a named sketch.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	Name       string        `json:"name"`
	Status     sketch.Status `json:"status"`
	PID        int           `json:"pid,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
