package publisher

import (
	"context"
	"math/rand"
	"time"
)

// randDuration returns a random duration uniformly distributed in
// [0, d], inclusive, per RFC 6762 section 8.1's pre-probe jitter.
func randDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// sleepCtx sleeps for d, or returns ctx.Err() early if ctx is canceled
// first. Timers started here do not otherwise hold up anything; the
// caller is always a background goroutine that Publisher.onStop cancels.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
