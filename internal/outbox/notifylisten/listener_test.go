package notifylisten

import (
	"testing"
	"time"
)

func TestListener_WakeChannel_CoalescesPendingSignals(t *testing.T) {
	l := New("postgres://unused", "outbox_channel")

	// Simulate two rapid notifications arriving before the consumer reads.
	select {
	case l.wake <- struct{}{}:
	default:
		t.Fatal("expected first send to succeed")
	}
	select {
	case l.wake <- struct{}{}:
		t.Fatal("expected second send to be dropped (channel already has a pending wake-up)")
	default:
	}

	select {
	case <-l.Wake():
	case <-time.After(time.Second):
		t.Fatal("expected a pending wake-up to be readable")
	}
}

func TestListener_Wake_ReturnsSameChannel(t *testing.T) {
	l := New("postgres://unused", "outbox_channel")
	if l.Wake() == nil {
		t.Fatal("expected non-nil Wake channel")
	}
	if l.Wake() != l.wake {
		t.Fatal("expected Wake to return the listener's own wake channel")
	}
}
