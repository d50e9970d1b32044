package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
)

func newTestLimiter(limit int) (*Limiter, *testclock.Clock, *MemoryStore) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	return New(store, limit, time.Minute, clk), clk, store
}

func TestAllowUpToLimit(t *testing.T) {
	l, _, _ := newTestLimiter(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "user:1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d rejected: %+v %v", i, d, err)
		}
		if d.Remaining != 2-i {
			t.Fatalf("request %d remaining = %d", i, d.Remaining)
		}
	}
	d, err := l.Allow(ctx, "user:1")
	if !errors.Is(err, ErrRateLimited) || d.Allowed {
		t.Fatalf("expected rejection, got %+v %v", d, err)
	}
	// Limits are per key.
	if _, err := l.Allow(ctx, "user:2"); err != nil {
		t.Fatalf("other key limited: %v", err)
	}
}

func TestRetryAfterWhenCurrentWindowFull(t *testing.T) {
	l, clk, _ := newTestLimiter(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "ip:10.0.0.1")
	}
	d, _ := l.Allow(ctx, "ip:10.0.0.1")
	if d.RetryAfter != 90*time.Second {
		t.Fatalf("retry after = %s, want 90s", d.RetryAfter)
	}

	clk.Advance(d.RetryAfter - time.Second)
	if _, err := l.Allow(ctx, "ip:10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("allowed before retry-after elapsed")
	}
}

func TestPreviousWindowDecays(t *testing.T) {
	l, clk, _ := newTestLimiter(3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "user:1")
	}

	// Start of the next window: the previous one still weighs fully.
	clk.Advance(time.Minute)
	d, err := l.Allow(ctx, "user:1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rejection at window start, got %+v", d)
	}
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("retry after = %s, want 40s", d.RetryAfter)
	}

	clk.Advance(d.RetryAfter)
	if d, err := l.Allow(ctx, "user:1"); err != nil || !d.Allowed {
		t.Fatalf("expected allow after decay, got %+v %v", d, err)
	}
}

func TestIdleKeyStartsFresh(t *testing.T) {
	l, clk, _ := newTestLimiter(2)
	ctx := context.Background()
	_, _ = l.Allow(ctx, "user:1")
	_, _ = l.Allow(ctx, "user:1")

	clk.Advance(5 * time.Minute)
	d, err := l.Allow(ctx, "user:1")
	if err != nil || d.Remaining != 1 {
		t.Fatalf("expected fresh window, got %+v %v", d, err)
	}
}

func TestMemoryStoreEvictsExpiredOnWrite(t *testing.T) {
	l, clk, store := newTestLimiter(10)
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		_, _ = l.Allow(ctx, key)
	}
	if store.Len() != 3 {
		t.Fatalf("len = %d", store.Len())
	}
	clk.Advance(3 * time.Minute)
	_, _ = l.Allow(ctx, "d")
	if store.Len() != 1 {
		t.Fatalf("expired keys not evicted, len = %d", store.Len())
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(NewMemoryStore(), 0, time.Minute, nil)
	for i := 0; i < 100; i++ {
		if _, err := l.Allow(context.Background(), "k"); err != nil {
			t.Fatalf("disabled limiter rejected: %v", err)
		}
	}
}
