// Package ratelimit implements a sliding-window request limiter. The count
// for the trailing window is approximated from two fixed windows: the
// previous one weighted by how much of it still overlaps, plus the current.
package ratelimit

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("verifyhub.ratelimit")

const ErrRateLimited = errors.ConstError("rate limit exceeded")

// Store persists per-key counters. Hit records one request in the window
// starting at start and returns the current and previous window counts.
type Store interface {
	Hit(ctx context.Context, key string, start time.Time, window time.Duration) (current, previous int, err error)
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	clock  clock.Clock
}

func New(store Store, limit int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Limiter{store: store, limit: limit, window: window, clock: clk}
}

// Allow records a request for key. Rejected requests are counted too, so a
// client that keeps hammering stays limited. The returned error wraps
// ErrRateLimited when the request is over the limit.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	d := Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}
	if l.limit <= 0 || l.window <= 0 {
		return d, nil
	}

	now := l.clock.Now()
	start := now.Truncate(l.window)
	elapsed := now.Sub(start)

	cur, prev, err := l.store.Hit(ctx, key, start, l.window)
	if err != nil {
		return d, errors.Annotatef(err, "rate limit %s", key)
	}

	// estimate*window, kept in integer nanoseconds so boundaries are exact.
	weighted := int64(prev)*int64(l.window-elapsed) + int64(cur)*int64(l.window)
	capacity := int64(l.limit) * int64(l.window)

	d.Remaining = l.limit - int(ceilDiv(weighted, int64(l.window)))
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if weighted <= capacity {
		return d, nil
	}

	d.Allowed = false
	d.RetryAfter = l.retryAfter(cur, prev, elapsed)
	logger.Debugf("[ratelimit][allow] rejected key=%s current=%d previous=%d limit=%d", key, cur, prev, l.limit)
	return d, errors.Trace(ErrRateLimited)
}

// retryAfter is how long until one more request would fit, assuming the
// client sends nothing in between.
func (l *Limiter) retryAfter(cur, prev int, elapsed time.Duration) time.Duration {
	window := int64(l.window)
	headroom := int64(l.limit - cur - 1)
	if headroom >= 0 && prev > 0 {
		// Wait for the previous window to decay: prev*(1-t/window) <= headroom.
		t := time.Duration(ceilDiv(window*(int64(prev)-headroom), int64(prev)))
		if wait := t - elapsed; wait > 0 {
			return wait
		}
		return 0
	}
	// The current window alone is full. After rollover it becomes the
	// previous window and decays over the next one.
	wait := l.window - elapsed
	if over := int64(cur - (l.limit - 1)); cur > 0 && over > 0 {
		wait += time.Duration(ceilDiv(window*over, int64(cur)))
	}
	return wait
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
