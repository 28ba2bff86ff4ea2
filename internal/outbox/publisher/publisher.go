// Package publisher defines the port the relay worker calls to deliver
// an event to its external destination (broker, webhook, third-party
// API). The core never depends on a concrete transport — see
// internal/outbox/publisher/httpwebhook for a reference adapter.
package publisher

import (
	"context"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
)

// Result is the outcome of one Publish call.
type Result struct {
	Success bool
	// Permanent marks a failure the worker should never retry — it goes
	// straight to DEAD_LETTER regardless of remaining retry budget.
	Permanent bool
	Error     string
}

// Publisher is the opaque capability the relay worker consumes. Any
// panic or unhandled error from an implementation must be treated by the
// caller as a transient failure — the worker recovers from it and
// records the panic message as last_error (see worker.Worker.publish).
type Publisher interface {
	Publish(ctx context.Context, event model.Event) (Result, error)
	IsHealthy(ctx context.Context) bool
}
