// Package idempotency implements the consumer-side dedup port: a narrow
// three-operation store keyed by (tracking_id, consumer_id), plus the
// IdempotentExecutor helper that wraps check/mark/execute into one call.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/repository"
)

// Store is consulted by consumer code, never by the relay itself.
type Store struct {
	db repository.SqlExecutor
}

func New(db repository.SqlExecutor) *Store {
	return &Store{db: db}
}

// IsProcessed reports whether tracking_id has any processed record at
// all, regardless of which consumer marked it.
func (s *Store) IsProcessed(ctx context.Context, trackingID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM inbox WHERE tracking_id = $1)`, trackingID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("idempotency: is processed: %w", err)
	}
	return exists, nil
}

// MarkProcessed inserts the (tracking_id, consumer_id) pair. It returns
// true iff this call performed the insert; false means the pair already
// existed — a concurrent caller won (or a previous attempt already did)
// and this caller should assume the work was or will be done by the
// peer, not redo it.
func (s *Store) MarkProcessed(ctx context.Context, trackingID, consumerID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO inbox (tracking_id, consumer_id)
		VALUES ($1, $2)
		ON CONFLICT (tracking_id, consumer_id) DO NOTHING`,
		trackingID, consumerID,
	)
	if err != nil {
		return false, fmt.Errorf("idempotency: mark processed: %w", err)
	}
	// ON CONFLICT DO NOTHING reports zero affected rows when the pair
	// already existed, which is exactly "did I win the race" without a
	// second round trip.
	return tag.RowsAffected() == 1, nil
}

// GetRecord returns the stored record, or (nil, nil) if tracking_id has
// never been marked processed by any consumer.
func (s *Store) GetRecord(ctx context.Context, trackingID string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	rec.TrackingID = trackingID
	err := s.db.QueryRow(ctx, `
		SELECT consumer_id, processed_at FROM inbox WHERE tracking_id = $1
		ORDER BY processed_at ASC LIMIT 1`,
		trackingID,
	).Scan(&rec.ConsumerID, &rec.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get record: %w", err)
	}
	return &rec, nil
}
