package infrastructure

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const maxTransactionAttempts = 3

// TimeOperation executes an operation and logs its execution time
func TimeOperation(ctx context.Context, name string, operation func() error) error {
	start := time.Now()
	err := operation()
	zerolog.Ctx(ctx).Debug().
		Str("operation", name).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("operation finished")
	return err
}

// WithTransaction runs operation inside a database transaction. The transaction is
// rolled back when operation returns an error or panics and committed otherwise.
// Serialization failures and deadlocks reported by Postgres are retried.
func WithTransaction(ctx context.Context, db *gorm.DB, operation func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxTransactionAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(operation)
		if err == nil || !IsRetryable(err) {
			return err
		}
		zerolog.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Msg("retrying transaction")
	}
	return err
}

// IsUniqueViolation reports whether err was caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// sqlite, when the driver does not translate the error
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsRetryable reports whether the transaction failed with a serialization failure
// or a detected deadlock.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
