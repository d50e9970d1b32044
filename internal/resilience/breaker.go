// Package resilience wraps every provider call with bounded retries and a
// per-endpoint circuit breaker.
package resilience

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"verifyhub/internal/models"
)

// ErrCircuitOpen is returned without any outbound call while a breaker is open.
const ErrCircuitOpen = errors.ConstError("circuit breaker open")

type Settings struct {
	// FailureThreshold consecutive failures inside FailureWindow open the breaker.
	FailureThreshold int
	FailureWindow    time.Duration
	// Cooldown is how long an open breaker waits before admitting a probe.
	Cooldown time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = time.Minute
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return s
}

// StateChangeFunc is called outside the breaker lock on every transition.
type StateChangeFunc func(endpoint string, from, to models.BreakerStatus, snapshot models.BreakerState)

type Breaker struct {
	endpoint string
	settings Settings
	clock    clock.Clock
	onChange StateChangeFunc

	mu             sync.Mutex
	state          models.BreakerStatus
	failures       int
	firstFailureAt time.Time
	lastFailureAt  time.Time
	openedAt       time.Time
	probing        bool
}

func newBreaker(endpoint string, settings Settings, clk clock.Clock, onChange StateChangeFunc) *Breaker {
	return &Breaker{
		endpoint: endpoint,
		settings: settings.withDefaults(),
		clock:    clk,
		onChange: onChange,
		state:    models.BreakerClosed,
	}
}

// Allow reports whether a call may go out now. In half-open state only a
// single probe is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case models.BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.settings.Cooldown {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = models.BreakerHalfOpen
		b.probing = true
	case models.BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probing = true
	}
	b.mu.Unlock()
	b.notify(from)
	return nil
}

// Success records a healthy exchange.
func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.state = models.BreakerClosed
	b.failures = 0
	b.firstFailureAt = time.Time{}
	b.probing = false
	b.mu.Unlock()
	b.notify(from)
}

// Failure records a failed exchange and opens the breaker when the
// threshold is reached, or immediately when the failing call was a probe.
func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	now := b.clock.Now()
	if b.failures == 0 || now.Sub(b.firstFailureAt) > b.settings.FailureWindow {
		b.failures = 0
		b.firstFailureAt = now
	}
	b.failures++
	b.lastFailureAt = now
	if b.state == models.BreakerHalfOpen || b.failures >= b.settings.FailureThreshold {
		if b.state != models.BreakerOpen {
			b.openedAt = now
		}
		b.state = models.BreakerOpen
	}
	b.probing = false
	b.mu.Unlock()
	b.notify(from)
}

// Ignore releases a half-open probe slot without judging provider health,
// e.g. when the caller gave up.
func (b *Breaker) Ignore() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Reset forces the breaker closed. Used by operators.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = models.BreakerClosed
	b.failures = 0
	b.firstFailureAt = time.Time{}
	b.openedAt = time.Time{}
	b.probing = false
	b.mu.Unlock()
	b.notify(from)
}

func (b *Breaker) Snapshot() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() models.BreakerState {
	s := models.BreakerState{
		Endpoint:            b.endpoint,
		State:               b.state,
		ConsecutiveFailures: b.failures,
	}
	if !b.openedAt.IsZero() && b.state != models.BreakerClosed {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}

func (b *Breaker) notify(from models.BreakerStatus) {
	if b.onChange == nil {
		return
	}
	snap := b.Snapshot()
	if snap.State == from {
		return
	}
	b.onChange(b.endpoint, from, snap.State, snap)
}
