package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRollback marks a transaction whose rollback did not complete. The
// caller cannot assume its writes were discarded.
var ErrRollback = errors.New("platform/db: rollback failed")

// ReadWrite is used for mutations; row locks provide the isolation.
var ReadWrite = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// ReadOnlySnapshot gives a consistent view across several queries.
var ReadOnlySnapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// WithTx executes fn within a transaction. When fn fails the transaction is
// rolled back; a failed rollback is reported wrapped in ErrRollback.
func WithTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		// The caller's context may already be cancelled; rollback must still run.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("%w: %v", ErrRollback, rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}
