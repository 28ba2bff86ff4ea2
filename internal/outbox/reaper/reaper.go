// Package reaper periodically recovers PROCESSING events whose lease
// deadline has passed, returning them to PENDING so another worker can
// claim them. Reaping is neither a success nor an application failure:
// retry_count is left untouched.
package reaper

import (
	"context"
	"log"
	"time"
)

// Repo is the one operation the reaper needs.
type Repo interface {
	RecoverStaleEvents(ctx context.Context) (int, error)
}

// Reaper runs RecoverStaleEvents on a fixed interval. Interval must
// satisfy interval <= lease_seconds/2 so abandoned events are
// recoverable within one lease duration (enforced by worker.Config.Validate
// when the reaper runs in-process alongside a Worker).
type Reaper struct {
	repo     Repo
	interval time.Duration
}

func New(repo Repo, interval time.Duration) *Reaper {
	return &Reaper{repo: repo, interval: interval}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log.Printf("[reaper] starting interval=%v", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] shutting down")
			return
		case <-ticker.C:
			n, err := r.repo.RecoverStaleEvents(ctx)
			if err != nil {
				log.Printf("[reaper] recover stale events error: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[reaper] recovered %d stale event(s)", n)
			}
		}
	}
}

// SweepOnce runs a single recovery pass outside the periodic loop; the
// admin HTTP surface exposes this for an operator-triggered manual sweep.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	return r.repo.RecoverStaleEvents(ctx)
}
