package db

import (
	"context"
	"database/sql"
	"log"
	"math"
	"math/rand"
	"time"

	lenserrors "github.com/arkilian/lens/internal/errors"
)

// RetryPolicy bounds the optimistic transaction loop.
type RetryPolicy struct {
	// MaxAttempts caps attempts; 0 retries until the context is done
	MaxAttempts int

	// Backoff is the initial delay between attempts (default: 10ms)
	Backoff time.Duration

	// MaxBackoff caps the delay (default: 1s)
	MaxBackoff time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Backoff <= 0 {
		p.Backoff = 10 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = time.Second
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * p.Backoff
	if d > p.MaxBackoff || d <= 0 {
		d = p.MaxBackoff
	}
	// jitter in [d/2, d)
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// TxFunc runs inside a transaction. Returning a CONFLICT, NOT_FOUND or
// VALIDATION error ends the loop with that error.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// RetryTx runs fn in a transaction and commits. Commit failures, lock
// contention and unique violations raised by a concurrent writer restart
// the whole check-then-act sequence with backoff.
func (d *DB) RetryTx(ctx context.Context, fn TxFunc) error {
	return d.RetryTxWith(ctx, d.retry, fn)
}

// RetryTxWith is RetryTx with an explicit policy.
func (d *DB) RetryTxWith(ctx context.Context, policy RetryPolicy, fn TxFunc) error {
	policy = policy.withDefaults()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lenserrors.NewBackendError(lenserrors.CodeCommitFailed, "transaction abandoned", lastErr)
			}
			return err
		}

		lastErr = d.runTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !d.shouldRetry(lastErr) {
			return lastErr
		}
		if policy.MaxAttempts > 0 && attempt+1 >= policy.MaxAttempts {
			return lastErr
		}

		if attempt > 0 && attempt%10 == 0 {
			log.Printf("db: [WARN] transaction retry %d: %v", attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.delay(attempt)):
		}
	}
}

func (d *DB) runTx(ctx context.Context, fn TxFunc) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return d.classify(err, "begin failed")
	}

	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		if d.dialect.IsUniqueViolation(err) {
			return lenserrors.NewBackendError(lenserrors.CodeCommitFailed, "concurrent write detected", err)
		}
		return d.classify(err, "transaction failed")
	}

	if err := tx.Commit(); err != nil {
		return lenserrors.NewBackendError(lenserrors.CodeCommitFailed, "commit failed", err)
	}
	return nil
}

func (d *DB) shouldRetry(err error) bool {
	switch lenserrors.GetCategory(err) {
	case lenserrors.ErrCategoryConflict, lenserrors.ErrCategoryNotFound,
		lenserrors.ErrCategoryValidation, lenserrors.ErrCategorySchema:
		return false
	}
	if lenserrors.IsRetryable(err) {
		return true
	}
	return d.dialect.IsBusy(err) || d.dialect.IsUniqueViolation(err)
}
