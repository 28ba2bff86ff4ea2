//go:build integration

package repository_test

import (
	"context"
	_ "embed"
	"encoding/json"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/idempotency"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/model"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/repository"
)

//go:embed schema.sql
var schemaDDL string

// skipIfNoDocker keeps this suite runnable in environments without a
// Docker daemon, rather than failing the whole package.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("skipping: docker not available")
	}
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	skipIfNoDocker(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("outbox_test"),
		postgres.WithUsername("outbox"),
		postgres.WithPassword("outbox"),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	return pool
}

func newTestRepository(t *testing.T) *repository.Repository {
	return repository.New(newTestPool(t))
}

func insertTestEvent(t *testing.T, repo *repository.Repository, trackingID string, maxRetries int) model.Event {
	t.Helper()
	evt, err := repo.Insert(context.Background(), model.NewEvent{
		TrackingID: trackingID,
		EventType:  "OrderCreated",
		Payload:    json.RawMessage(`{"id":1}`),
		MaxRetries: maxRetries,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return evt
}

// Scenario 1: happy path. Insert, claim, complete — the row ends COMPLETED
// with retry_count untouched and the lease cleared.
func TestIntegration_HappyPath_ClaimAndComplete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	inserted := insertTestEvent(t, repo, uuid.NewString(), 3)

	claimed, err := repo.ClaimBatch(ctx, 10, 30, 1001)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: events=%v err=%v", claimed, err)
	}
	if claimed[0].ID != inserted.ID {
		t.Fatalf("expected to claim the inserted row, got id %d", claimed[0].ID)
	}
	if claimed[0].Status != model.StatusProcessing {
		t.Fatalf("expected PROCESSING after claim, got %s", claimed[0].Status)
	}

	ok, err := repo.MarkCompleted(ctx, claimed[0].ID, 1001)
	if err != nil || !ok {
		t.Fatalf("mark completed: ok=%v err=%v", ok, err)
	}

	final, err := repo.FindById(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if final.RetryCount != 0 {
		t.Fatalf("expected retry_count 0 on first-try success, got %d", final.RetryCount)
	}
	if final.LockedUntil != nil || final.LockToken != nil {
		t.Fatal("expected lease cleared after completion")
	}
}

// Scenario 2: transient failure then success. A claimed row marked FAILED
// becomes claimable again (once visible_at has passed) and can still reach
// COMPLETED, with retry_count reflecting the one failed attempt.
func TestIntegration_TransientFailureThenSuccess(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	insertTestEvent(t, repo, uuid.NewString(), 3)

	claimed, err := repo.ClaimBatch(ctx, 10, 30, 2001)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: events=%v err=%v", claimed, err)
	}

	past := time.Now().Add(-time.Second)
	ok, err := repo.MarkFailed(ctx, claimed[0].ID, 2001, "upstream timeout", &past)
	if err != nil || !ok {
		t.Fatalf("mark failed: ok=%v err=%v", ok, err)
	}

	reclaimed, err := repo.ClaimBatch(ctx, 10, 30, 2002)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("reclaim: events=%v err=%v", reclaimed, err)
	}
	if reclaimed[0].RetryCount != 1 {
		t.Fatalf("expected retry_count 1 after one failure, got %d", reclaimed[0].RetryCount)
	}
	if reclaimed[0].LastError == nil || *reclaimed[0].LastError != "upstream timeout" {
		t.Fatalf("expected last_error preserved, got %v", reclaimed[0].LastError)
	}

	ok, err = repo.MarkCompleted(ctx, reclaimed[0].ID, 2002)
	if err != nil || !ok {
		t.Fatalf("mark completed on retry: ok=%v err=%v", ok, err)
	}

	final, err := repo.FindById(ctx, reclaimed[0].ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if final.RetryCount != 1 {
		t.Fatalf("expected retry_count to remain 1 after eventual success, got %d", final.RetryCount)
	}
}

// Scenario 3: exhausted retries. Once the worker decides retry_count has
// reached max_retries, MarkDeadLetter moves the row to DEAD_LETTER for good —
// it is no longer claimable by ClaimBatch.
func TestIntegration_ExhaustedRetries_DeadLetters(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	insertTestEvent(t, repo, uuid.NewString(), 1)

	claimed, err := repo.ClaimBatch(ctx, 10, 30, 3001)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: events=%v err=%v", claimed, err)
	}

	ok, err := repo.MarkDeadLetter(ctx, claimed[0].ID, 3001, "permanent: 422 unprocessable")
	if err != nil || !ok {
		t.Fatalf("mark dead letter: ok=%v err=%v", ok, err)
	}

	final, err := repo.FindById(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if final.Status != model.StatusDeadLetter {
		t.Fatalf("expected DEAD_LETTER, got %s", final.Status)
	}

	reclaimed, err := repo.ClaimBatch(ctx, 10, 30, 3002)
	if err != nil {
		t.Fatalf("claim after dead letter: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected DEAD_LETTER row to stay unclaimable, got %d claimed", len(reclaimed))
	}

	redriven, err := repo.RedriveById(ctx, final.ID)
	if err != nil || !redriven {
		t.Fatalf("redrive by id: ok=%v err=%v", redriven, err)
	}
	again, err := repo.ClaimBatch(ctx, 10, 30, 3003)
	if err != nil || len(again) != 1 {
		t.Fatalf("claim after redrive: events=%v err=%v", again, err)
	}
	if again[0].RetryCount != 0 {
		t.Fatalf("expected redrive to reset retry_count, got %d", again[0].RetryCount)
	}
}

// Scenario 4: reaper recovery. Worker A claims with a short lease then
// never heartbeats or finalizes; the row must become claimable again
// after the lease expires, with retry_count untouched.
func TestIntegration_ReaperRecoversAbandonedLease(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	insertTestEvent(t, repo, uuid.NewString(), 5)

	claimed, err := repo.ClaimBatch(ctx, 10, 1 /* lease seconds */, 111)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim A: events=%v err=%v", claimed, err)
	}

	time.Sleep(2 * time.Second) // outlast the 1s lease

	n, err := repo.RecoverStaleEvents(ctx)
	if err != nil {
		t.Fatalf("recover stale events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered row, got %d", n)
	}

	claimedByB, err := repo.ClaimBatch(ctx, 10, 30, 222)
	if err != nil || len(claimedByB) != 1 {
		t.Fatalf("claim B: events=%v err=%v", claimedByB, err)
	}
	if claimedByB[0].RetryCount != 0 {
		t.Fatalf("expected retry_count unchanged by reaping, got %d", claimedByB[0].RetryCount)
	}

	ok, err := repo.MarkCompleted(ctx, claimedByB[0].ID, 222)
	if err != nil || !ok {
		t.Fatalf("mark completed by B: ok=%v err=%v", ok, err)
	}
}

// Scenario 5: fencing. Worker A's lease expires and worker B claims the
// same row; A's stale token must no longer be able to finalize it.
func TestIntegration_FencingRejectsStaleToken(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	insertTestEvent(t, repo, uuid.NewString(), 5)

	claimedByA, err := repo.ClaimBatch(ctx, 10, 1, 333)
	if err != nil || len(claimedByA) != 1 {
		t.Fatalf("claim A: events=%v err=%v", claimedByA, err)
	}

	time.Sleep(2 * time.Second)
	if _, err := repo.RecoverStaleEvents(ctx); err != nil {
		t.Fatalf("recover stale events: %v", err)
	}

	claimedByB, err := repo.ClaimBatch(ctx, 10, 30, 444)
	if err != nil || len(claimedByB) != 1 {
		t.Fatalf("claim B: events=%v err=%v", claimedByB, err)
	}

	okA, err := repo.MarkCompleted(ctx, claimedByA[0].ID, 333)
	if err != nil {
		t.Fatalf("A's mark completed errored: %v", err)
	}
	if okA {
		t.Fatal("expected A's stale token to be rejected")
	}

	okB, err := repo.MarkCompleted(ctx, claimedByB[0].ID, 444)
	if err != nil || !okB {
		t.Fatalf("expected B's current token to win: ok=%v err=%v", okB, err)
	}
}

// Scenario 6: consumer idempotency under concurrent callers. Exactly one
// of N concurrent MarkProcessed calls for the same (tracking_id,
// consumer_id) must win, and IsProcessed must be true afterward.
func TestIntegration_ConcurrentMarkProcessed_ExactlyOneWinner(t *testing.T) {
	pool := newTestPool(t)
	store := idempotency.New(pool)
	ctx := context.Background()

	const callers = 8
	trackingID := uuid.NewString()
	const consumerID = "order-service"

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.MarkProcessed(ctx, trackingID, consumerID)
			if err != nil {
				t.Errorf("MarkProcessed: %v", err)
				return
			}
			if won {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := winners.Load(); got != 1 {
		t.Fatalf("expected exactly 1 winner among %d concurrent callers, got %d", callers, got)
	}

	processed, err := store.IsProcessed(ctx, trackingID)
	if err != nil {
		t.Fatalf("IsProcessed: %v", err)
	}
	if !processed {
		t.Fatal("expected IsProcessed=true after a winning MarkProcessed")
	}
}
