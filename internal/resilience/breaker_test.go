package resilience

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"verifyhub/internal/models"
)

func newTestRegistry(clk *testclock.Clock, onChange StateChangeFunc) *Registry {
	return NewRegistry(Settings{FailureThreshold: 3, FailureWindow: time.Minute, Cooldown: 30 * time.Second}, clk, onChange)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := newTestRegistry(clk, nil).Get("create_verification")

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		b.Failure()
	}
	if got := b.Snapshot().State; got != models.BreakerClosed {
		t.Fatalf("opened too early: %s", got)
	}
	b.Failure()
	if got := b.Snapshot().State; got != models.BreakerOpen {
		t.Fatalf("expected open after threshold, got %s", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail-fast, got %v", err)
	}
}

func TestBreakerFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := newTestRegistry(clk, nil).Get("get_status")

	b.Failure()
	b.Failure()
	clk.Advance(2 * time.Minute)
	b.Failure()
	if snap := b.Snapshot(); snap.State != models.BreakerClosed || snap.ConsecutiveFailures != 1 {
		t.Fatalf("expected window restart, got %+v", snap)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := newTestRegistry(clk, nil).Get("cancel")
	for i := 0; i < 3; i++ {
		b.Failure()
	}

	clk.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open during cooldown, got %v", err)
	}

	clk.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe after cooldown, got %v", err)
	}
	if got := b.Snapshot().State; got != models.BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second concurrent probe must be rejected, got %v", err)
	}

	// A failed probe reopens immediately.
	b.Failure()
	if got := b.Snapshot().State; got != models.BreakerOpen {
		t.Fatalf("expected reopen after failed probe, got %s", got)
	}

	clk.Advance(30 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected second probe, got %v", err)
	}
	b.Success()
	if snap := b.Snapshot(); snap.State != models.BreakerClosed || snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected closed after successful probe, got %+v", snap)
	}
}

func TestRegistryResetAndNotifications(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var transitions []models.BreakerStatus
	r := newTestRegistry(clk, func(endpoint string, from, to models.BreakerStatus, _ models.BreakerState) {
		transitions = append(transitions, to)
	})
	r.Register(Endpoints...)
	if got := len(r.Snapshot()); got != len(Endpoints) {
		t.Fatalf("expected %d breakers, got %d", len(Endpoints), got)
	}

	b := r.Get(EndpointCreateRental)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	snap, err := r.Reset(EndpointCreateRental)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap.State != models.BreakerClosed {
		t.Fatalf("expected closed after reset, got %s", snap.State)
	}
	if len(transitions) != 2 || transitions[0] != models.BreakerOpen || transitions[1] != models.BreakerClosed {
		t.Fatalf("unexpected transitions %v", transitions)
	}

	if _, err := r.Reset("nope"); !errors.Is(err, errors.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
