// Package httpwebhook is a reference Publisher adapter that POSTs each
// outbox event as JSON to a single configured URL. It is the simplest
// conforming transport and exists to exercise the Publisher port, not as
// a general-purpose webhook fanout system.
package httpwebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/publisher"
)

// wireEvent is the JSON envelope POSTed to the destination URL.
type wireEvent struct {
	ID            int64           `json:"id"`
	TrackingID    string          `json:"tracking_id"`
	AggregateType string          `json:"aggregate_type,omitempty"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Publisher POSTs each event to a fixed URL and interprets the response
// status code as the delivery outcome: 2xx is success, 4xx (other than
// 408/429) is permanent, everything else is retriable.
type Publisher struct {
	url    string
	client *http.Client
}

var _ publisher.Publisher = (*Publisher)(nil)

func New(url string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *Publisher) Publish(ctx context.Context, event model.Event) (publisher.Result, error) {
	body, err := json.Marshal(wireEvent{
		ID:            event.ID,
		TrackingID:    event.TrackingID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       event.Payload,
		CreatedAt:     event.CreatedAt,
	})
	if err != nil {
		return publisher.Result{}, fmt.Errorf("marshal event %d: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return publisher.Result{}, fmt.Errorf("build request for event %d: %w", event.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Outbox-Tracking-Id", event.TrackingID)
	req.Header.Set("X-Outbox-Event-Type", event.EventType)

	resp, err := p.client.Do(req)
	if err != nil {
		return publisher.Result{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return publisher.Result{Success: true}, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return publisher.Result{Success: false, Error: fmt.Sprintf("webhook returned %d", resp.StatusCode)}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return publisher.Result{Success: false, Permanent: true, Error: fmt.Sprintf("webhook returned %d", resp.StatusCode)}, nil
	default:
		return publisher.Result{Success: false, Error: fmt.Sprintf("webhook returned %d", resp.StatusCode)}, nil
	}
}

func (p *Publisher) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[httpwebhook] health check failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
