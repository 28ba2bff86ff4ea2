package idempotency

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgxmock/v4"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestMarkProcessed_FirstCallerWins(t *testing.T) {
	store, mock := newMockStore(t)
	defer mock.ExpectationsWereMet()

	mock.ExpectExec("INSERT INTO inbox").WithArgs("t1", "svc").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := store.MarkProcessed(context.Background(), "t1", "svc")
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if !ok {
		t.Fatal("expected true for first mark")
	}
}

func TestMarkProcessed_SecondCallerLoses(t *testing.T) {
	store, mock := newMockStore(t)
	defer mock.ExpectationsWereMet()

	mock.ExpectExec("INSERT INTO inbox").WithArgs("t1", "svc").WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := store.MarkProcessed(context.Background(), "t1", "svc")
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if ok {
		t.Fatal("expected false for duplicate mark")
	}
}

func TestIdempotentExecutor_SkipsOnRaceLoss(t *testing.T) {
	store, mock := newMockStore(t)
	defer mock.ExpectationsWereMet()

	mock.ExpectExec("INSERT INTO inbox").WithArgs("t1", "svc").WillReturnResult(pgxmock.NewResult("INSERT", 0))

	exec := NewIdempotentExecutor(store, "svc")
	called := false
	ran, err := exec.Execute(context.Background(), "t1", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ran || called {
		t.Fatal("fn must not run when the mark race is lost")
	}
}

func TestIdempotentExecutor_RunsOnFirstMark(t *testing.T) {
	store, mock := newMockStore(t)
	defer mock.ExpectationsWereMet()

	mock.ExpectExec("INSERT INTO inbox").WithArgs("t1", "svc").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	exec := NewIdempotentExecutor(store, "svc")
	called := false
	ran, err := exec.Execute(context.Background(), "t1", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran || !called {
		t.Fatal("fn must run when the mark is fresh")
	}
}

func TestIdempotentExecutor_FnErrorDoesNotUnmark(t *testing.T) {
	store, mock := newMockStore(t)
	defer mock.ExpectationsWereMet()

	mock.ExpectExec("INSERT INTO inbox").WithArgs("t1", "svc").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	exec := NewIdempotentExecutor(store, "svc")
	wantErr := errors.New("downstream boom")
	ran, err := exec.Execute(context.Background(), "t1", func(ctx context.Context) error {
		return wantErr
	})
	if !ran {
		t.Fatal("expected ran=true even though fn failed")
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped downstream error, got %v", err)
	}
}
