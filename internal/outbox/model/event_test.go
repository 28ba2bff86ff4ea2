package model

import "testing"

func TestNewTrackingID_ReturnsDistinctValues(t *testing.T) {
	a := NewTrackingID()
	b := NewTrackingID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty tracking ids")
	}
	if a == b {
		t.Fatal("expected distinct tracking ids across calls")
	}
}
