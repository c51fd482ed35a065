package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes worth a second attempt. Run updates race only with
// the migration lock and with concurrent readers on the same row.
var retriableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

const (
	runWriteAttempts  = 4
	runWriteBaseDelay = 20 * time.Millisecond
)

func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retriableCodes[pgErr.Code]
}

// WithRetry calls fn up to attempts times while it fails with a transient
// Postgres error, sleeping base, 2*base, ... plus jitter between attempts.
func WithRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	delay := base
	for i := 1; ; i++ {
		err := fn()
		if err == nil || i >= attempts || !isRetriable(err) {
			return err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay)+1)) //nolint:gosec // jitter only
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}
