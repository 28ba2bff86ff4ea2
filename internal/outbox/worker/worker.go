// Package worker drives the relay loop: claim a batch, process each
// event under bounded concurrency with a heartbeat keeping its lease
// alive, and finalize via the fencing-token-gated repository calls.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/backoff"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/publisher"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/reaper"
)

// Repo is the subset of the repository the worker needs. A narrow
// interface (rather than depending on *repository.Repository directly)
// keeps the worker testable with an in-memory fake.
type Repo interface {
	ClaimBatch(ctx context.Context, batchSize int, leaseSeconds int, lockToken int64) ([]model.Event, error)
	RenewLease(ctx context.Context, id int64, lockToken int64, leaseSeconds int) (bool, error)
	MarkCompleted(ctx context.Context, id int64, lockToken int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, lockToken int64, lastError string, nextVisibleAt *time.Time) (bool, error)
	MarkDeadLetter(ctx context.Context, id int64, lockToken int64, lastError string) (bool, error)
}

// Config is the relay worker's configuration surface: batching, leasing,
// retry, and the optional in-process reaper.
type Config struct {
	BatchSize         int
	PollInterval      time.Duration
	Concurrency       int
	LeaseSeconds      int
	HeartbeatInterval time.Duration
	MaxRetriesDefault int
	RetryPolicy       backoff.Policy

	ReaperEnabled  bool
	ReaperInterval time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight events to
	// finalize before abandoning them to the reaper. Must be <= the lease
	// duration; defaults to it when zero.
	ShutdownGrace time.Duration

	// Wake is the optional LISTEN/NOTIFY fast-path (see
	// internal/outbox/notifylisten). When set, a pending wake-up cuts the
	// current poll sleep short; the poll interval is never bypassed
	// entirely, since the channel may be nil, full, or silently dropped.
	Wake <-chan struct{}
}

// Validate enforces the cross-field constraints that keep a lease
// recoverable before it's lost twice over: heartbeat_interval <=
// lease_seconds/3 and reaper_interval <= lease_seconds/2 when the
// in-process reaper is enabled.
func (c Config) Validate() error {
	lease := time.Duration(c.LeaseSeconds) * time.Second
	if c.HeartbeatInterval > lease/3 {
		return fmt.Errorf("worker: heartbeat_interval (%v) must be <= lease_seconds/3 (%v)", c.HeartbeatInterval, lease/3)
	}
	if c.ReaperEnabled && c.ReaperInterval > lease/2 {
		return fmt.Errorf("worker: reaper_interval (%v) must be <= lease_seconds/2 (%v)", c.ReaperInterval, lease/2)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("worker: batch_size must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("worker: concurrency must be positive")
	}
	return nil
}

// Worker owns a fresh, unique lock_token for its lifetime and drives the
// claim/process/heartbeat/finalize loop for a single process.
type Worker struct {
	repo      Repo
	publisher publisher.Publisher
	cfg       Config
	lockToken int64
	reaper    *reaper.Reaper

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Worker. If cfg.ReaperEnabled and recoverer is non-nil, an
// in-process Reaper is created over recoverer (normally the same
// repository, and so the same connection pool); Run starts it alongside
// the claim loop.
func New(repo Repo, recoverer reaper.Repo, pub publisher.Publisher, cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = time.Duration(cfg.LeaseSeconds) * time.Second
	}

	w := &Worker{
		repo:      repo,
		publisher: pub,
		cfg:       cfg,
		lockToken: NewLockToken(),
		stopCh:    make(chan struct{}),
	}

	if cfg.ReaperEnabled && recoverer != nil {
		w.reaper = reaper.New(recoverer, cfg.ReaperInterval)
	}

	if cfg.Concurrency > 1 {
		log.Printf("[worker] concurrency=%d: global event ordering is NOT preserved across concurrent dispatch", cfg.Concurrency)
	}

	return w, nil
}

// Reaper returns the in-process Reaper this worker created, or nil if
// cfg.ReaperEnabled was false or New was given a nil recoverer. Callers use this to wire a manual-sweep
// admin endpoint alongside the periodic loop.
func (w *Worker) Reaper() *reaper.Reaper {
	return w.reaper
}

// Run drives the claim/process loop until ctx is cancelled or Stop is
// called. It blocks until shutdown completes (in-flight events finalized
// or abandoned within cfg.ShutdownGrace).
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker] starting lock_token=%d batch_size=%d concurrency=%d", w.lockToken, w.cfg.BatchSize, w.cfg.Concurrency)

	if w.reaper != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.reaper.Run(ctx)
		}()
	}

	sem := make(chan struct{}, w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-w.stopCh:
			w.shutdown()
			return
		default:
		}

		events, err := w.repo.ClaimBatch(ctx, w.cfg.BatchSize, w.cfg.LeaseSeconds, w.lockToken)
		if err != nil {
			log.Printf("[worker] claim batch error (will retry next poll): %v", err)
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		if len(events) == 0 {
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}

		log.Printf("[worker] claimed %d event(s)", len(events))

		var batchWG sync.WaitGroup
		for _, evt := range events {
			evt := evt
			if evt.LockToken != nil && *evt.LockToken != w.lockToken {
				// Defensive: should not happen, ClaimBatch always stamps our token.
				continue
			}
			sem <- struct{}{}
			batchWG.Add(1)
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer batchWG.Done()
				defer func() { <-sem }()
				w.dispatch(ctx, evt)
			}()
		}
		batchWG.Wait()

		if len(events) < w.cfg.BatchSize {
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return
			}
		}
		// Full batch: re-enter immediately without sleeping.
	}
}

// sleep waits for d or cancellation/Stop, returning false if the worker
// should exit.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-time.After(d):
		return true
	case <-w.cfg.Wake:
		return true
	}
}

// Stop begins graceful shutdown: no new batches are claimed, and Run
// returns once in-flight events finalize or cfg.ShutdownGrace elapses.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) shutdown() {
	log.Println("[worker] shutting down, waiting for in-flight events")
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		log.Println("[worker] shutdown grace period elapsed; abandoning remaining in-flight events to the reaper")
	}
}

// dispatch runs the full per-event lifecycle: heartbeat, publish,
// finalize. It never returns an error — every failure path is resolved
// into a repository call or an abandonment.
func (w *Worker) dispatch(ctx context.Context, evt model.Event) {
	hb := newHeartbeat(ctx, w.repo, evt.ID, w.lockToken, w.cfg.HeartbeatInterval, w.cfg.LeaseSeconds)
	result, pubErr := w.publish(ctx, evt)
	lost := hb.stop()

	if lost {
		// The core cannot revoke an already-issued side effect; leave the
		// row for the reaper or a subsequent claim. At-least-once delivery
		// means the consumer must deduplicate regardless of this outcome.
		log.Printf("[worker] lost lease mid-flight for event id=%d tracking_id=%s; abandoning", evt.ID, evt.TrackingID)
		return
	}

	if pubErr == nil && result.Success {
		ok, err := w.repo.MarkCompleted(ctx, evt.ID, w.lockToken)
		if err != nil {
			log.Printf("[worker] mark completed error id=%d: %v", evt.ID, err)
			return
		}
		if !ok {
			log.Printf("[worker] mark completed lost lease id=%d", evt.ID)
		}
		return
	}

	errMsg := result.Error
	if pubErr != nil {
		errMsg = pubErr.Error()
	}

	maxRetries := evt.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.cfg.MaxRetriesDefault
	}

	if result.Permanent || evt.RetryCount+1 >= maxRetries {
		ok, err := w.repo.MarkDeadLetter(ctx, evt.ID, w.lockToken, errMsg)
		if err != nil {
			log.Printf("[worker] mark dead letter error id=%d: %v", evt.ID, err)
			return
		}
		if ok {
			log.Printf("[dead-letter] event_id=%d tracking_id=%s event_type=%s last_error=%q", evt.ID, evt.TrackingID, evt.EventType, errMsg)
		}
		return
	}

	next := w.cfg.RetryPolicy.NextVisibleAt(time.Now(), evt.RetryCount)
	ok, err := w.repo.MarkFailed(ctx, evt.ID, w.lockToken, errMsg, &next)
	if err != nil {
		log.Printf("[worker] mark failed error id=%d: %v", evt.ID, err)
		return
	}
	if !ok {
		log.Printf("[worker] mark failed lost lease id=%d", evt.ID)
	}
}

// publish invokes the Publisher, converting a panic into a transient
// failure result rather than crashing the worker goroutine.
func (w *Worker) publish(ctx context.Context, evt model.Event) (res publisher.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = publisher.Result{Success: false, Error: fmt.Sprintf("panic: %v", r)}
			err = nil
		}
	}()
	r, pErr := w.publisher.Publish(ctx, evt)
	if pErr != nil {
		return publisher.Result{Success: false, Error: pErr.Error()}, nil
	}
	return r, nil
}
