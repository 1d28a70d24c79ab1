package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so repository methods
// can run standalone or inside a store transaction.
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"

	maxTxRetries   = 5
	retryBaseDelay = 25 * time.Millisecond
)

// Store owns the database handle and runs serializable transactions with
// bounded retry on conflict. All cross-row invariants are enforced here,
// never with in-process locks: multiple service instances may share one
// database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// WithSerializable runs fn inside a serializable transaction, retrying
// serialization failures up to maxTxRetries times before surfacing the
// error to the caller for replay.
func (s *Store) WithSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			s.logger.Debug("retrying serializable transaction", zap.Int("attempt", attempt))
		}

		err = s.runOnce(ctx, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == serializationFailure || pqErr.Code == deadlockDetected
	}
	return false
}
