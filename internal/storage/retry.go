package storage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Serializable settings writes race when two sessions of the same user save
// provider keys at once. These bound how often the loser tries again.
const (
	txRetries   = 3
	txBaseDelay = 20 * time.Millisecond
)

// retryableCode reports the SQLSTATE of a transient conflict, or "".
func retryableCode(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return pgErr.Code
	}
	return ""
}

// inTx runs fn, retrying serialization failures and deadlocks with the
// default limits. op names the operation in logs.
func (db *DB) inTx(ctx context.Context, op string, fn func() error) error {
	return retryTx(ctx, db.logger, op, txRetries, txBaseDelay, fn)
}

// retryTx runs fn up to retries+1 times. Waits double from baseDelay with up
// to baseDelay of jitter added.
func retryTx(ctx context.Context, logger *slog.Logger, op string, retries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		code := retryableCode(err)
		if err == nil || code == "" {
			return err
		}
		if attempt > retries {
			logger.Warn("storage: giving up on conflicting transaction",
				"op", op, "attempts", attempt, "sqlstate", code)
			return err
		}
		logger.Debug("storage: retrying conflicting transaction",
			"op", op, "attempt", attempt, "sqlstate", code)

		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
