package domain

import "time"

// EventType defines the type of event that occurred.
type EventType string

const (
	EventRequestQueued     EventType = "request.queued"
	EventRequestDispatched EventType = "request.dispatched"
	EventRequestTerminal   EventType = "request.terminal"
	EventBatchTerminal     EventType = "batch.terminal"
	EventLockReclaimed     EventType = "lock.reclaimed"
)

// Event represents a domain event that occurred in the system.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	RequestID string
	BatchID   string
	Reference string
	Data      any
}

// RequestQueuedPayload contains data for request.queued events.
type RequestQueuedPayload struct {
	RequestID string
	BatchID   string
	Kind      RequestKind
	Target    string
}

// RequestDispatchedPayload contains data for request.dispatched events.
type RequestDispatchedPayload struct {
	RequestID    string
	BatchID      string
	LockKey      string
	Architecture string
}

// RequestTerminalPayload contains data for request.terminal events.
type RequestTerminalPayload struct {
	RequestID string
	BatchID   string
	State     RequestState
	Reason    string
}

// BatchTerminalPayload contains data for batch.terminal events.
type BatchTerminalPayload struct {
	BatchID string
	State   RequestState
}

// LockReclaimedPayload contains data for lock.reclaimed audit events.
type LockReclaimedPayload struct {
	Key    string
	Holder string
	Age    time.Duration
	Cause  string
}
