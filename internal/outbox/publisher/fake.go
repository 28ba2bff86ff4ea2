package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
)

// Fake is an in-memory Publisher for worker/reaper tests: it scripts a
// queue of results per call, defaulting to success once the queue is
// drained.
type Fake struct {
	mu      sync.Mutex
	queue   map[string][]scriptedResult
	delay   map[string]time.Duration
	calls   []model.Event
	healthy bool
}

type scriptedResult struct {
	result Result
	err    error
}

func NewFake() *Fake {
	return &Fake{queue: make(map[string][]scriptedResult), delay: make(map[string]time.Duration), healthy: true}
}

// Script queues results to return for a given tracking ID, in order.
func (f *Fake) Script(trackingID string, result Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[trackingID] = append(f.queue[trackingID], scriptedResult{result, err})
}

// Delay makes Publish block for d before returning, for tests that need
// to observe a heartbeat tick (or a shutdown deadline) firing mid-flight.
func (f *Fake) Delay(trackingID string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay[trackingID] = d
}

func (f *Fake) Publish(ctx context.Context, event model.Event) (Result, error) {
	f.mu.Lock()
	d := f.delay[event.TrackingID]
	f.calls = append(f.calls, event)
	q := f.queue[event.TrackingID]
	var next scriptedResult
	if len(q) == 0 {
		next = scriptedResult{result: Result{Success: true}}
	} else {
		next = q[0]
		f.queue[event.TrackingID] = q[1:]
	}
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
	return next.result, next.err
}

func (f *Fake) IsHealthy(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *Fake) SetHealthy(h bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = h
}

func (f *Fake) Calls() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Event, len(f.calls))
	copy(out, f.calls)
	return out
}
