// Package model holds the types shared by every outbox component: the
// Event row, its status lifecycle, and the idempotency record consumers
// check against.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Event. Values are stored as literal
// strings so the schema stays readable from a psql prompt.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusProcessing  Status = "PROCESSING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusDeadLetter  Status = "DEAD_LETTER"
)

// Event is the central outbox row. Insert/claim/mark operations each
// touch a subset of these fields; see the Repository contract for the
// exact field-level invariants.
type Event struct {
	ID            int64
	TrackingID    string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Metadata      json.RawMessage
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	LockedUntil   *time.Time
	LockToken     *int64
	LastError     *string
	VisibleAt     *time.Time
}

// NewEvent fields a caller-supplied draft. TrackingID must be set by the
// caller — repository.Insert does not generate one itself; use
// NewTrackingID for a fresh one.
type NewEvent struct {
	TrackingID    string
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Metadata      json.RawMessage
	MaxRetries    int
}

// NewTrackingID returns a fresh random tracking id for producers that
// don't derive one from their own domain event id.
func NewTrackingID() string {
	return uuid.NewString()
}

// IdempotencyRecord is the consumer-side dedup row keyed by
// (TrackingID, ConsumerID).
type IdempotencyRecord struct {
	TrackingID  string
	ConsumerID  string
	ProcessedAt time.Time
}

// DeadLetterTypeStats summarizes the dead-letter backlog for one event type.
type DeadLetterTypeStats struct {
	EventType     string
	Count         int64
	OldestAgeSecs float64
	NewestAgeSecs float64
	SampleErrors  []string
}

// Page is a cursor-paginated slice of events, per the FindRecent policy.
type Page struct {
	Events  []Event
	HasMore bool
}
