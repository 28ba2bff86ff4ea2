package backlog

import (
	"context"
	"errors"
	"testing"
)

type fakeCounter struct {
	pending int64
	err     error
}

func (f *fakeCounter) PendingCount(ctx context.Context) (int64, error) {
	return f.pending, f.err
}

func TestLimiter_UnderCeiling_Enqueues(t *testing.T) {
	l := New(&fakeCounter{pending: 10}, 100, ActionThrow)
	res, err := l.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Enqueued {
		t.Fatal("expected Enqueued=true under ceiling")
	}
}

func TestLimiter_AtCeiling_Throw(t *testing.T) {
	l := New(&fakeCounter{pending: 100}, 100, ActionThrow)
	_, err := l.Check(context.Background())
	var exceeded *ErrBacklogExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ErrBacklogExceeded, got %v", err)
	}
}

func TestLimiter_AtCeiling_Drop(t *testing.T) {
	l := New(&fakeCounter{pending: 100}, 100, ActionDrop)
	res, err := l.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Enqueued {
		t.Fatal("expected Enqueued=false under drop policy at ceiling")
	}
}

func TestLimiter_AtCeiling_Warn(t *testing.T) {
	l := New(&fakeCounter{pending: 100}, 100, ActionWarn)
	res, err := l.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Enqueued {
		t.Fatal("expected Enqueued=true under warn policy (insert still proceeds)")
	}
}

func TestLimiter_ZeroMax_Unlimited(t *testing.T) {
	l := New(&fakeCounter{pending: 999999}, 0, ActionThrow)
	res, err := l.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Enqueued {
		t.Fatal("expected unlimited backlog to always enqueue")
	}
}

func TestLimiter_UnknownAction_DefaultsToWarn(t *testing.T) {
	l := New(&fakeCounter{pending: 100}, 100, Action("bogus"))
	if l.onExceed != ActionWarn {
		t.Fatalf("expected default ActionWarn, got %v", l.onExceed)
	}
}

func TestLimiter_CounterError_Propagates(t *testing.T) {
	l := New(&fakeCounter{err: errors.New("db down")}, 100, ActionThrow)
	_, err := l.Check(context.Background())
	if err == nil {
		t.Fatal("expected error from counter to propagate")
	}
}
