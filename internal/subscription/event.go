// Package subscription implements the persistent subscription engine: a
// server-side cursor over an append-only event stream shared by a group of
// competing-consumer clients, with durable checkpointing and at-least-once
// delivery.
package subscription

import (
	"time"

	"github.com/google/uuid"
)

// StreamEvent is an immutable record read from or pushed by the owning log
// store. EventNumber is dense and non-negative within a stream; Position is
// an opaque token the log store uses to resume a live feed.
type StreamEvent struct {
	EventNumber int64
	EventID     uuid.UUID
	EventType   string
	Data        []byte
	Metadata    []byte
	Position    string
}

// EventSource distinguishes events paged in from storage from events pushed
// off the live tail.
type EventSource int

const (
	SourceHistory EventSource = iota
	SourceLive
)

func (s EventSource) String() string {
	if s == SourceLive {
		return "live"
	}
	return "history"
}

// BufferedEvent pairs a StreamEvent with its buffer provenance and retry
// count. RetryCount <= maxRetries; once it exceeds the cap the event is
// parked instead of requeued.
type BufferedEvent struct {
	Event      StreamEvent
	Source     EventSource
	RetryCount int
}

// ParkedEvent is a snapshot of an event that exceeded maxRetryCount or
// was nak'd with park, retained for operator inspection rather than
// durably persisted.
type ParkedEvent struct {
	Event      StreamEvent
	RetryCount int
	LastError  string
	ParkedAt   time.Time
}

// DispatchedEvent is what the engine hands to a ReplySink.
type DispatchedEvent struct {
	CorrelationID string
	Event         StreamEvent
}
