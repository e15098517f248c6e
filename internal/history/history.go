// Package history exports supervision lifecycle events to external systems
// so restart decisions and verdicts survive for postmortems.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventRestart    EventType = "restart"
	EventVerdict    EventType = "verdict"
	EventTransition EventType = "transition"
)

// Event is one supervision event for one service.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid,omitempty"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Verdict    string    `json:"verdict,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for supervision events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
