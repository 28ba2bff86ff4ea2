package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SqlExecutor is the narrow seam between the repository and whatever pool
// or connection actually talks to Postgres. *pgxpool.Pool satisfies it
// directly; tests substitute pgxmock.PgxPoolIface. Keeping this interface
// thin (rather than depending on *pgxpool.Pool everywhere) is what lets
// the repository SQL be exercised without a live database.
type SqlExecutor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}
