package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// alertThrottle caps mirrored alerts so a dead-letter storm cannot
// flood the broker. Suppressed alerts are counted and reported once
// per interval.
type alertThrottle struct {
	limiter  *rate.Limiter
	passed   atomic.Int64
	dropped  atomic.Int64
	perMin   int
	interval time.Duration
	logger   *slog.Logger
}

// newAlertThrottle allows perMinute alerts per minute with a burst of
// the same size.
func newAlertThrottle(perMinute int, logger *slog.Logger) *alertThrottle {
	return &alertThrottle{
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		perMin:   perMinute,
		interval: time.Minute,
		logger:   logger,
	}
}

// report logs suppressed alerts every interval until ctx is cancelled.
func (t *alertThrottle) report(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			passed := t.passed.Swap(0)
			if dropped := t.dropped.Swap(0); dropped > 0 {
				t.logger.Warn("mqtt alerts dropped due to rate limit",
					"mirrored", passed,
					"dropped", dropped,
					"limit_per_minute", t.perMin,
				)
			}
		}
	}
}

// allow reports whether one more alert may be mirrored now.
func (t *alertThrottle) allow() bool {
	if t.limiter.Allow() {
		t.passed.Add(1)
		return true
	}
	t.dropped.Add(1)
	return false
}
