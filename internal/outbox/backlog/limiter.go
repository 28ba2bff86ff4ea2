// Package backlog implements the ingress backpressure policy producers
// consult before inserting: compare the current pending count against a
// configured ceiling and act per the configured policy.
package backlog

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Action is what happens when the backlog ceiling is exceeded.
type Action string

const (
	ActionThrow Action = "throw"
	ActionWarn  Action = "warn"
	ActionDrop  Action = "drop"
)

// ErrBacklogExceeded is returned by Check under ActionThrow.
type ErrBacklogExceeded struct {
	Pending int64
	Max     int64
}

func (e *ErrBacklogExceeded) Error() string {
	return fmt.Sprintf("outbox: backlog exceeded: %d/%d pending", e.Pending, e.Max)
}

// Counter reports the current pending count; repository.Repository.PendingCount
// satisfies this directly.
type Counter interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Limiter enforces MaxBacklogSize against the live pending count.
type Limiter struct {
	counter     Counter
	maxBacklog  int64
	onExceed    Action
	warnLimiter *rate.Limiter // throttles repeated "warn" log lines to once per second
}

// New builds a Limiter. onExceed defaults to ActionWarn if empty/unknown.
func New(counter Counter, maxBacklogSize int64, onExceed Action) *Limiter {
	if onExceed != ActionThrow && onExceed != ActionWarn && onExceed != ActionDrop {
		onExceed = ActionWarn
	}
	return &Limiter{
		counter:     counter,
		maxBacklog:  maxBacklogSize,
		onExceed:    onExceed,
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Result reports the outcome of a Check call.
type Result struct {
	// Enqueued is false only under ActionDrop when the ceiling was
	// exceeded — the caller must treat the event as not-enqueued.
	Enqueued   bool
	Pending    int64
	Utilization float64 // 100 * pending / max
}

// Check compares the live pending count to the ceiling and applies the
// configured policy. Producers call this immediately before Insert.
func (l *Limiter) Check(ctx context.Context) (Result, error) {
	if l.maxBacklog <= 0 {
		return Result{Enqueued: true}, nil // unlimited
	}

	pending, err := l.counter.PendingCount(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("backlog: pending count: %w", err)
	}

	util := 100 * float64(pending) / float64(l.maxBacklog)
	res := Result{Enqueued: true, Pending: pending, Utilization: util}

	if pending < l.maxBacklog {
		return res, nil
	}

	switch l.onExceed {
	case ActionThrow:
		return res, &ErrBacklogExceeded{Pending: pending, Max: l.maxBacklog}
	case ActionDrop:
		log.Printf("[backlog] dropping insert: %d/%d pending", pending, l.maxBacklog)
		res.Enqueued = false
		return res, nil
	default: // ActionWarn
		if l.warnLimiter.Allow() {
			log.Printf("[backlog] WARNING: backlog at %d/%d pending (%.1f%% utilization)", pending, l.maxBacklog, util)
		}
		return res, nil
	}
}
