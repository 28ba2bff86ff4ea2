package repository

import "errors"

// Sentinel errors surfaced by the Repository. Callers should use
// errors.Is against these rather than matching driver-specific codes.
var (
	// ErrUniqueViolation is returned by Insert when tracking_id collides
	// with an existing row.
	ErrUniqueViolation = errors.New("outbox: tracking_id already exists")

	// ErrMassRedriveRejected is returned by RedriveByEventType when called
	// with an empty event type — mass redrive without a filter is rejected
	// by policy at the boundary.
	ErrMassRedriveRejected = errors.New("outbox: redrive requires a non-empty event type filter")
)
