package idempotency

import (
	"context"
	"fmt"
)

// Fn is the user's side-effecting operation, expected to be idempotent
// in its own right (consumers are expected to forward trackingID as an
// idempotency key to any downstream API it calls).
type Fn func(ctx context.Context) error

// IdempotentExecutor wraps attempt-mark -> execute; the conflict-aware
// mark insert doubles as the check, so no separate IsProcessed lookup is
// made. It does not
// roll back the mark on Fn failure: at-least-once delivery is preserved
// across crashes, but a failed Fn leaves the tracking_id marked
// processed, so a caller that wants retry-on-failure must handle that at
// a higher level (e.g. by not marking until after a successful Fn, which
// reopens the duplicate-execution race this helper exists to close).
type IdempotentExecutor struct {
	store      *Store
	consumerID string
}

func NewIdempotentExecutor(store *Store, consumerID string) *IdempotentExecutor {
	return &IdempotentExecutor{store: store, consumerID: consumerID}
}

// Execute runs fn at most once per (trackingID, consumerID). If another
// caller already marked the pair processed, fn is skipped and Execute
// returns (false, nil) — the peer is assumed to have done the work.
func (e *IdempotentExecutor) Execute(ctx context.Context, trackingID string, fn Fn) (ran bool, err error) {
	marked, err := e.store.MarkProcessed(ctx, trackingID, e.consumerID)
	if err != nil {
		return false, fmt.Errorf("idempotent executor: mark: %w", err)
	}
	if !marked {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		return true, fmt.Errorf("idempotent executor: fn: %w", err)
	}
	return true, nil
}
