// Package repository implements the narrow, atomic SQL operations the
// relay core is built on: insert, claim-batch, lease renewal, the three
// mark-* finalizers, stale-lease recovery, redrive, and the read-only
// aggregates used by the health surface. Every state-changing statement
// here is a single atomic UPDATE/INSERT; correctness under concurrent
// workers rests entirely on row-level locking ("FOR UPDATE SKIP LOCKED")
// and the fencing token, not on any Go-level synchronization.
package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
)

const uniqueViolationCode = "23505"

// Repository is the sole writer of the outbox table. All other
// components read-only; producers delegate event insertion here but own
// the enclosing business transaction themselves (see WithExecutor).
type Repository struct {
	db SqlExecutor
}

// New wraps a SqlExecutor (normally a *pgxpool.Pool) as a Repository.
func New(db SqlExecutor) *Repository {
	return &Repository{db: db}
}

// WithExecutor returns a Repository bound to a different executor, e.g. a
// pgx.Tx the caller opened for its own business write. Insert called on
// the result participates in that transaction; the caller decides when
// to commit.
func (r *Repository) WithExecutor(ex SqlExecutor) *Repository {
	return &Repository{db: ex}
}

const insertColumns = `
	id, tracking_id, aggregate_id, aggregate_type, event_type, payload, metadata,
	status, retry_count, max_retries, created_at, processed_at, locked_until,
	lock_token, last_error, visible_at`

// Insert persists a new event row inside the caller's transaction
// context. tracking_id must be supplied by the caller (typically
// uuid.NewString()); a collision surfaces ErrUniqueViolation.
func (r *Repository) Insert(ctx context.Context, e model.NewEvent) (model.Event, error) {
	maxRetries := e.MaxRetries
	row := r.db.QueryRow(ctx, `
		INSERT INTO outbox (
			tracking_id, aggregate_id, aggregate_type, event_type, payload, metadata,
			status, retry_count, max_retries
		) VALUES ($1, $2, $3, $4, $5, COALESCE($6::jsonb, '{}'::jsonb), $7, 0, $8)
		RETURNING `+insertColumns,
		e.TrackingID, e.AggregateID, e.AggregateType, e.EventType, e.Payload, e.Metadata,
		model.StatusPending, maxRetries,
	)
	evt, err := scanEvent(row)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Event{}, ErrUniqueViolation
		}
		return model.Event{}, fmt.Errorf("outbox: insert: %w", err)
	}
	return evt, nil
}

// ClaimBatch atomically transitions up to batchSize PENDING/FAILED rows
// that are not currently leased (and, if visible_at is set, are due) to
// PROCESSING, stamping the lease deadline and the caller's fencing
// token. The returned batch is ordered by created_at ascending;
// concurrent claimers skip rows locked by each other via SKIP LOCKED, so
// N workers make progress without serializing on this statement.
func (r *Repository) ClaimBatch(ctx context.Context, batchSize int, leaseSeconds int, lockToken int64) ([]model.Event, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		UPDATE outbox
		SET status = 'PROCESSING',
		    locked_until = now() + make_interval(secs => $2::double precision),
		    lock_token = $3
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status IN ('PENDING', 'FAILED')
			  AND (locked_until IS NULL OR locked_until < now())
			  AND (visible_at IS NULL OR visible_at <= now())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+insertColumns,
		batchSize, leaseSeconds, lockToken,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		evt, err := scanEventRows(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: claim batch scan: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}

	// The UPDATE...WHERE id IN (subquery) form does not guarantee RETURNING
	// preserves the subquery's ORDER BY, so re-sort in-process to uphold
	// the "batch ordered by created_at ascending" guarantee.
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

// MarkCompleted transitions a PROCESSING row to COMPLETED, gated on the
// fencing token. Returns false iff no row matched — the caller has lost
// the lease and must not treat the publish as acknowledged.
func (r *Repository) MarkCompleted(ctx context.Context, id int64, lockToken int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'COMPLETED',
		    processed_at = now(),
		    locked_until = NULL,
		    lock_token = NULL
		WHERE id = $1 AND lock_token = $2`,
		id, lockToken,
	)
	if err != nil {
		return false, fmt.Errorf("outbox: mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed transitions a PROCESSING row back to FAILED, incrementing
// retry_count and recording last_error. The next visible_at is computed
// by the caller via the backoff policy and passed in directly (nullable —
// pass nil to rely on natural polling re-admission).
func (r *Repository) MarkFailed(ctx context.Context, id int64, lockToken int64, lastError string, nextVisibleAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'FAILED',
		    retry_count = retry_count + 1,
		    last_error = $3,
		    locked_until = NULL,
		    lock_token = NULL,
		    visible_at = $4
		WHERE id = $1 AND lock_token = $2`,
		id, lockToken, truncateError(lastError), nextVisibleAt,
	)
	if err != nil {
		return false, fmt.Errorf("outbox: mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDeadLetter transitions a PROCESSING row to DEAD_LETTER, recording
// the final error. retry_count is incremented to count this last failed
// attempt; the worker decides DLE vs retry beforehand by comparing
// retry_count+1 to max_retries (see worker.Worker.dispatch).
func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, lockToken int64, lastError string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'DEAD_LETTER',
		    retry_count = retry_count + 1,
		    processed_at = now(),
		    last_error = $3,
		    locked_until = NULL,
		    lock_token = NULL
		WHERE id = $1 AND lock_token = $2`,
		id, lockToken, truncateError(lastError),
	)
	if err != nil {
		return false, fmt.Errorf("outbox: mark dead letter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RenewLease extends a held lease's deadline. Returns false iff the
// lease is no longer held by this token (lost to the reaper or another
// claimer) — the caller must stop heartbeating.
func (r *Repository) RenewLease(ctx context.Context, id int64, lockToken int64, leaseSeconds int) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET locked_until = now() + make_interval(secs => $3::double precision)
		WHERE id = $1 AND lock_token = $2 AND status = 'PROCESSING'`,
		id, lockToken, leaseSeconds,
	)
	if err != nil {
		return false, fmt.Errorf("outbox: renew lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStaleEvents is the reaper's single operation: it returns every
// PROCESSING row whose lease has expired back to PENDING, preserving
// retry_count (reaping is neither success nor application failure).
func (r *Repository) RecoverStaleEvents(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'PENDING',
		    locked_until = NULL,
		    lock_token = NULL
		WHERE status = 'PROCESSING' AND locked_until < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: recover stale events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RedriveByEventType resets every DEAD_LETTER row of the given type back
// to PENDING, clearing retry_count and last_error. An empty eventType is
// rejected — mass redrive without a filter is policy-forbidden.
func (r *Repository) RedriveByEventType(ctx context.Context, eventType string) (int, error) {
	if eventType == "" {
		return 0, ErrMassRedriveRejected
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'PENDING',
		    retry_count = 0,
		    last_error = NULL,
		    visible_at = NULL
		WHERE status = 'DEAD_LETTER' AND event_type = $1`,
		eventType,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: redrive by event type: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RedriveById resets a single DEAD_LETTER row back to PENDING. Returns
// false if the row did not exist or was not in DEAD_LETTER.
func (r *Repository) RedriveById(ctx context.Context, id int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'PENDING',
		    retry_count = 0,
		    last_error = NULL,
		    visible_at = NULL
		WHERE id = $1 AND status = 'DEAD_LETTER'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("outbox: redrive by id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Read-only aggregates ---

func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	return r.countWhere(ctx, `status = 'PENDING'`)
}

func (r *Repository) CompletedCount(ctx context.Context) (int64, error) {
	return r.countWhere(ctx, `status = 'COMPLETED'`)
}

func (r *Repository) DeadLetterCount(ctx context.Context) (int64, error) {
	return r.countWhere(ctx, `status = 'DEAD_LETTER'`)
}

func (r *Repository) ProcessingCount(ctx context.Context) (int64, error) {
	return r.countWhere(ctx, `status = 'PROCESSING'`)
}

func (r *Repository) countWhere(ctx context.Context, predicate string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE `+predicate).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox: count: %w", err)
	}
	return n, nil
}

// OldestPendingAgeSeconds returns the age in seconds of the oldest
// PENDING row, or 0 if there is none.
func (r *Repository) OldestPendingAgeSeconds(ctx context.Context) (float64, error) {
	var age *float64
	err := r.db.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM (now() - MIN(created_at)))
		FROM outbox WHERE status = 'PENDING'`,
	).Scan(&age)
	if err != nil {
		return 0, fmt.Errorf("outbox: oldest pending age: %w", err)
	}
	if age == nil {
		return 0, nil
	}
	return *age, nil
}

func (r *Repository) FindByTrackingId(ctx context.Context, trackingID string) (model.Event, error) {
	row := r.db.QueryRow(ctx, `SELECT `+insertColumns+` FROM outbox WHERE tracking_id = $1`, trackingID)
	return scanEvent(row)
}

func (r *Repository) FindById(ctx context.Context, id int64) (model.Event, error) {
	row := r.db.QueryRow(ctx, `SELECT `+insertColumns+` FROM outbox WHERE id = $1`, id)
	return scanEvent(row)
}

func (r *Repository) FindByStatus(ctx context.Context, status model.Status, limit int) ([]model.Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+insertColumns+` FROM outbox
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: find by status: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// FindRecentParams selects the FindRecent cursor window. At most one of
// After / Before should be set; if neither is set the most recent Limit
// rows are returned.
type FindRecentParams struct {
	Limit  int
	After  *int64
	Before *int64
}

// FindRecent implements the cursor pagination policy: with After set,
// rows are fetched ascending by id then reversed into descending output;
// otherwise rows are fetched descending directly. In both cases limit+1
// rows are requested so HasMore can be determined without a second
// round-trip, and the extra row is dropped before returning.
func (r *Repository) FindRecent(ctx context.Context, p FindRecentParams) (model.Page, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	fetch := limit + 1

	var rows pgx.Rows
	var err error
	switch {
	case p.After != nil:
		rows, err = r.db.Query(ctx, `
			SELECT `+insertColumns+` FROM outbox
			WHERE id > $1
			ORDER BY id ASC
			LIMIT $2`,
			*p.After, fetch,
		)
	case p.Before != nil:
		rows, err = r.db.Query(ctx, `
			SELECT `+insertColumns+` FROM outbox
			WHERE id < $1
			ORDER BY id DESC
			LIMIT $2`,
			*p.Before, fetch,
		)
	default:
		rows, err = r.db.Query(ctx, `
			SELECT `+insertColumns+` FROM outbox
			ORDER BY id DESC
			LIMIT $1`,
			fetch,
		)
	}
	if err != nil {
		return model.Page{}, fmt.Errorf("outbox: find recent: %w", err)
	}
	defer rows.Close()

	events, err := scanAll(rows)
	if err != nil {
		return model.Page{}, err
	}

	hasMore := len(events) > limit
	if p.After != nil {
		// Ascending fetch: drop the oldest-adjacent extra (index 0), then
		// reverse into descending output.
		if hasMore {
			events = events[1:]
		}
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	} else if hasMore {
		// Descending fetch: drop the furthest extra (last element).
		events = events[:limit]
	}

	return model.Page{Events: events, HasMore: hasMore}, nil
}

// GetDeadLetterStats aggregates the dead-letter backlog per event type:
// count, oldest/newest age, and up to three distinct truncated error
// samples.
func (r *Repository) GetDeadLetterStats(ctx context.Context) ([]model.DeadLetterTypeStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT event_type,
		       count(*),
		       EXTRACT(EPOCH FROM (now() - MIN(created_at))),
		       EXTRACT(EPOCH FROM (now() - MAX(created_at)))
		FROM outbox
		WHERE status = 'DEAD_LETTER'
		GROUP BY event_type
		ORDER BY count(*) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: dead letter stats: %w", err)
	}
	defer rows.Close()

	var stats []model.DeadLetterTypeStats
	for rows.Next() {
		var s model.DeadLetterTypeStats
		if err := rows.Scan(&s.EventType, &s.Count, &s.OldestAgeSecs, &s.NewestAgeSecs); err != nil {
			return nil, fmt.Errorf("outbox: dead letter stats scan: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: dead letter stats: %w", err)
	}

	for i := range stats {
		samples, err := r.deadLetterSamples(ctx, stats[i].EventType)
		if err != nil {
			return nil, err
		}
		stats[i].SampleErrors = samples
	}
	return stats, nil
}

func (r *Repository) deadLetterSamples(ctx context.Context, eventType string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT last_error FROM outbox
		WHERE status = 'DEAD_LETTER' AND event_type = $1 AND last_error IS NOT NULL
		LIMIT 3`,
		eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: dead letter samples: %w", err)
	}
	defer rows.Close()

	var samples []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("outbox: dead letter samples scan: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// --- scanning helpers ---

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row pgx.Row) (model.Event, error) {
	return scanInto(row)
}

func scanEventRows(rows pgx.Rows) (model.Event, error) {
	return scanInto(rows)
}

func scanInto(s scannable) (model.Event, error) {
	var e model.Event
	err := s.Scan(
		&e.ID, &e.TrackingID, &e.AggregateID, &e.AggregateType, &e.EventType,
		&e.Payload, &e.Metadata, &e.Status, &e.RetryCount, &e.MaxRetries,
		&e.CreatedAt, &e.ProcessedAt, &e.LockedUntil, &e.LockToken, &e.LastError,
		&e.VisibleAt,
	)
	return e, err
}

func scanAll(rows pgx.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: scan: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.SQLState() == uniqueViolationCode
	}
	return false
}

// asPgError adapts pgconn.PgError's SQLState() without importing it
// directly into the error-matching path, keeping the unique-violation
// check resilient to pgx's error wrapping.
func asPgError(err error, target *interface{ SQLState() string }) bool {
	type sqlStater interface{ SQLState() string }
	for err != nil {
		if s, ok := err.(sqlStater); ok {
			*target = s
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

const maxErrorLen = 500

func truncateError(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}
