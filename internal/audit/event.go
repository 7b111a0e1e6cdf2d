// Package audit carries security-relevant events from the limiter to
// external sinks without ever blocking the decision path.
package audit

import "time"

// Type names an audit event.
type Type string

const (
	EventDeny              Type = "deny"
	EventEscalation        Type = "escalation"
	EventBlock             Type = "block"
	EventUnblock           Type = "unblock"
	EventAllow             Type = "allow"
	EventDisallow          Type = "disallow"
	EventReset             Type = "reset"
	EventResetAll          Type = "reset_all"
	EventEmergencyEnabled  Type = "emergency_enabled"
	EventEmergencyDisabled Type = "emergency_disabled"
	EventScaleChanged      Type = "scale_changed"
	EventStoreUnavailable  Type = "store_unavailable"
)

// Event is one audit record.
type Event struct {
	Event      Type      `json:"event"`
	Identifier string    `json:"identifier,omitempty"`
	ConfigName string    `json:"configName,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
	// Actor is the admin principal behind a manual action.
	Actor string `json:"actor,omitempty"`
}

// Emitter accepts events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// Sink receives events from a Dispatcher's worker goroutine.
type Sink interface {
	Write(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Write(e Event) error { return f(e) }
