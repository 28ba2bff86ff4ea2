package worker

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// heartbeat is a cancellation-aware task associated with one in-flight
// event: it renews the event's lease every interval until stopped. stop
// cancels immediately rather than waiting for the next tick.
type heartbeat struct {
	stopCh chan struct{}
	doneCh chan struct{}
	lost   atomic.Bool
}

func newHeartbeat(ctx context.Context, repo Repo, id int64, lockToken int64, interval time.Duration, leaseSeconds int) *heartbeat {
	h := &heartbeat{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go func() {
		defer close(h.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := repo.RenewLease(ctx, id, lockToken, leaseSeconds)
				if err != nil {
					log.Printf("[worker] heartbeat renew error id=%d: %v (will retry next tick)", id, err)
					continue
				}
				if !ok {
					h.lost.Store(true)
					return
				}
			}
		}
	}()

	return h
}

// stop cancels the heartbeat immediately and reports whether the lease
// was lost (renew returned false) before the event's own processing
// finished.
func (h *heartbeat) stop() bool {
	close(h.stopCh)
	<-h.doneCh
	return h.lost.Load()
}
