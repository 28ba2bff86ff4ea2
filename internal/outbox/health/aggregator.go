// Package health exposes a read-only aggregate view over the outbox
// store: gauge counts, oldest-pending age, and a coarse worst-of status
// derived from configurable thresholds.
package health

import (
	"context"
	"time"
)

// Status is the coarse health verdict surfaced to operators and probes.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds configures when a sub-check degrades or fails.
type Thresholds struct {
	DegradedBacklog   int64
	UnhealthyBacklog  int64
	DegradedDeadLetter int64
	UnhealthyDeadLetter int64
	DegradedOldestPendingAge   time.Duration
	UnhealthyOldestPendingAge  time.Duration
}

// DefaultThresholds matches the conservative defaults a fresh deployment
// should start with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedBacklog:            1000,
		UnhealthyBacklog:           10000,
		DegradedDeadLetter:         100,
		UnhealthyDeadLetter:        1000,
		DegradedOldestPendingAge:   5 * time.Minute,
		UnhealthyOldestPendingAge:  30 * time.Minute,
	}
}

// Store is the read surface the aggregator needs from the repository.
type Store interface {
	PendingCount(ctx context.Context) (int64, error)
	ProcessingCount(ctx context.Context) (int64, error)
	CompletedCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
	OldestPendingAgeSeconds(ctx context.Context) (float64, error)
}

// Pinger is a narrow database reachability check, independent of the
// outbox table itself (e.g. pgxpool.Pool.Ping).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report is the aggregated snapshot returned to callers.
type Report struct {
	Status             Status  `json:"status"`
	Pending            int64   `json:"pending"`
	Processing         int64   `json:"processing"`
	Completed          int64   `json:"completed"`
	DeadLetter         int64   `json:"dead_letter"`
	OldestPendingAgeS  float64 `json:"oldest_pending_age_seconds"`
	BacklogUtilization float64 `json:"backlog_utilization_percent"`
	DatabaseReachable  bool    `json:"database_reachable"`
	Checks             map[string]Status `json:"checks"`
}

// Aggregator computes Report on demand.
type Aggregator struct {
	store         Store
	pinger        Pinger
	thresholds    Thresholds
	maxBacklog    int64 // 0 means backlog_utilization_percent is always 0
}

func New(store Store, pinger Pinger, thresholds Thresholds, maxBacklog int64) *Aggregator {
	return &Aggregator{store: store, pinger: pinger, thresholds: thresholds, maxBacklog: maxBacklog}
}

// Check runs every sub-check and folds them into a single worst-of status.
func (a *Aggregator) Check(ctx context.Context) Report {
	checks := make(map[string]Status)
	report := Report{Checks: checks}

	if err := a.pinger.Ping(ctx); err != nil {
		report.DatabaseReachable = false
		checks["database"] = StatusUnhealthy
		report.Status = worst(report.Status, StatusUnhealthy)
		// No point querying the outbox tables if the database itself is down.
		return finalize(report)
	}
	report.DatabaseReachable = true
	checks["database"] = StatusHealthy

	if pending, err := a.store.PendingCount(ctx); err == nil {
		report.Pending = pending
		checks["backlog"] = a.backlogStatus(pending)
		if a.maxBacklog > 0 {
			report.BacklogUtilization = 100 * float64(pending) / float64(a.maxBacklog)
		}
	} else {
		checks["backlog"] = StatusUnhealthy
	}

	if processing, err := a.store.ProcessingCount(ctx); err == nil {
		report.Processing = processing
	}

	if completed, err := a.store.CompletedCount(ctx); err == nil {
		report.Completed = completed
	}

	if dlq, err := a.store.DeadLetterCount(ctx); err == nil {
		report.DeadLetter = dlq
		checks["dead_letter"] = a.deadLetterStatus(dlq)
	} else {
		checks["dead_letter"] = StatusUnhealthy
	}

	if age, err := a.store.OldestPendingAgeSeconds(ctx); err == nil {
		report.OldestPendingAgeS = age
		checks["oldest_pending_age"] = a.ageStatus(time.Duration(age * float64(time.Second)))
	} else {
		checks["oldest_pending_age"] = StatusUnhealthy
	}

	for _, s := range checks {
		report.Status = worst(report.Status, s)
	}
	return finalize(report)
}

func finalize(r Report) Report {
	if r.Status == "" {
		r.Status = StatusHealthy
	}
	return r
}

func (a *Aggregator) backlogStatus(pending int64) Status {
	switch {
	case a.thresholds.UnhealthyBacklog > 0 && pending >= a.thresholds.UnhealthyBacklog:
		return StatusUnhealthy
	case a.thresholds.DegradedBacklog > 0 && pending >= a.thresholds.DegradedBacklog:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (a *Aggregator) deadLetterStatus(n int64) Status {
	switch {
	case a.thresholds.UnhealthyDeadLetter > 0 && n >= a.thresholds.UnhealthyDeadLetter:
		return StatusUnhealthy
	case a.thresholds.DegradedDeadLetter > 0 && n >= a.thresholds.DegradedDeadLetter:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (a *Aggregator) ageStatus(age time.Duration) Status {
	switch {
	case a.thresholds.UnhealthyOldestPendingAge > 0 && age >= a.thresholds.UnhealthyOldestPendingAge:
		return StatusUnhealthy
	case a.thresholds.DegradedOldestPendingAge > 0 && age >= a.thresholds.DegradedOldestPendingAge:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func worst(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2, "": 0}
	if rank[b] > rank[a] {
		return b
	}
	if a == "" {
		return StatusHealthy
	}
	return a
}
