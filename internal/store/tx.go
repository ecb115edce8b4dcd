package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	svcerrors "github.com/Iotistica/iotistic-sub002/internal/errors"
)

// txKey is the context key under which an in-flight transaction is carried,
// mirroring the teacher's context-carried-transaction pattern.
type txKey struct{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func contextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// q returns the active transaction if ctx carries one, otherwise the pooled
// *sql.DB. Every accessor method goes through this so it works both inside
// and outside RunInTx.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// sqlStateSerializationFailure and sqlStateDeadlockDetected are the Postgres SQLSTATE codes
// that indicate a transaction should be retried rather than treated as a
// hard failure.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// RunInTx executes fn within a serializable transaction, committing on a
// nil return and rolling back otherwise. A serialization failure or
// deadlock surfaces as errors.RetryableStorage so callers can retry with
// backoff instead of treating it as a fatal error (spec §4.1).
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, already := txFromContext(ctx); already {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("begin transaction: %w", err))
	}

	txCtx := contextWithTx(ctx, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return wrapTxError(ctx, err)
	}

	if err := tx.Commit(); err != nil {
		return wrapTxError(ctx, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// wrapTxError classifies an error raised inside a transaction. A caller
// deadline that elapsed mid-operation surfaces as DeadlineExceeded rather
// than the generic retryable-storage kind, so callers can tell "ask again
// later" apart from "you ran out of time" (spec §5).
func wrapTxError(ctx context.Context, err error) error {
	if _, ok := svcerrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return svcerrors.DeadlineExceeded("transaction")
	}
	var pqErr *pq.Error
	if asPQError(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "serialization_failure", "deadlock_detected":
			return svcerrors.RetryableStorage(err)
		}
	}
	return svcerrors.RetryableStorage(err)
}

func asPQError(err error, target **pq.Error) bool {
	for err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			*target = pqErr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// LockDevice takes a per-device advisory lock for the lifetime of the
// enclosing transaction (spec §4.1). It must be called from within
// RunInTx; calling it outside a transaction is a programming error since
// session-level advisory locks would outlive the intended scope.
func (s *Store) LockDevice(ctx context.Context, deviceID string) error {
	tx, ok := txFromContext(ctx)
	if !ok {
		return svcerrors.InvariantViolation("LockDevice called outside RunInTx", nil)
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, deviceID)
	if err != nil {
		return svcerrors.RetryableStorage(fmt.Errorf("lock device %s: %w", deviceID, err))
	}
	return nil
}
