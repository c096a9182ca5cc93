// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package refserver

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxTxAttempts = 5
	txBackoff     = 20 * time.Millisecond
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withTxRetry runs fn until it succeeds, fails with a non-retryable error or
// runs out of attempts. The backoff doubles after every retryable failure.
func withTxRetry(ctx context.Context, fn func() error) error {
	backoff := txBackoff
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		if err = fn(); err == nil || !isRetryablePGTxError(err) {
			return err
		}
		if serr := sleepWithContext(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
	}
	return err
}
