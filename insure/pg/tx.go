package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// claimRetries is how many times a claim transaction is retried when
// it loses a deadlock or serialization race before the error reaches
// the cycle boundary.
const claimRetries = 5

// isTransientTxError reports PostgreSQL failure codes worth retrying:
// serialization_failure (40001) and deadlock_detected (40P01).
func isTransientTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// withTransaction runs fn inside a transaction, retrying transient
// serialization and deadlock failures up to retries times. Any other
// error, and exhaustion, propagate to the caller.
func withTransaction(ctx context.Context, db *pgxpool.Pool, retries int, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = runInTransaction(ctx, db, fn)
		if err == nil || !isTransientTxError(err) {
			return err
		}
	}
	return err
}

func runInTransaction(ctx context.Context, db *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
