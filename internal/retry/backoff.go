// Package retry holds the jittered exponential backoff shared by the
// transaction retry loop and the inventory client.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Delay returns the wait before retry number attempt (0-based): base doubled
// per attempt plus up to a quarter of jitter.
func Delay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base << attempt
	if backoff <= 0 || backoff > time.Minute {
		backoff = time.Minute
	}
	jitter := time.Duration(0)
	if quarter := int64(backoff / 4); quarter > 0 {
		jitter = time.Duration(rand.Int63n(quarter))
	}
	return backoff + jitter
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
