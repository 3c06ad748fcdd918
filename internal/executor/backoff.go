package executor

import (
	"context"
	"math"
	"time"
)

// backoffDelay returns initial * 2^(attempt-1), capped at max. attempt is
// the number of the attempt that just failed. Without a cap the delay
// saturates at the largest Duration instead of overflowing.
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	limit := time.Duration(math.MaxInt64)
	if max > 0 {
		limit = max
	}
	f := float64(initial) * math.Pow(2, float64(attempt-1))
	if f >= float64(limit) {
		return limit
	}
	return time.Duration(f)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
