package token

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically refreshes the
// credential pair ahead of expiry. Calls go through Manager.Refresh without
// force, so the rate limit and lockout still apply; a wake-up inside the
// minimum interval is simply a no-op.
func StartRefresher(ctx context.Context, m *Manager, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			rt := m.RefreshToken()
			if rt == "" {
				continue
			}
			if m.Refresh(ctx, rt, false) {
				slog.Info("scheduled token refresh succeeded")
			}
		}
	}()
}
