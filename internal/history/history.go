package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventCrash   EventType = "crash"
)

// Event is a lifecycle event exported to external analytics systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Process    string    `json:"process"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events. Implementations must be safe for
// concurrent use; send failures are the manager's to log, never to propagate.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
