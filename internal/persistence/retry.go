package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// isBusy reports whether SQLite is asking us to try again. WAL mode keeps
// these windows short, but concurrent writers still hit them.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs fn, retrying with jittered exponential backoff while
// SQLite reports the database busy. Any other error is permanent. A busy
// error only ever surfaces before a commit lands, so retrying re-runs the
// whole transaction at most once per failure.
func withBusyRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}
