package resilience

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"verifyhub/internal/provider"
)

var logger = loggo.GetLogger("verifyhub.resilience")

// Logical provider endpoints, one breaker each.
const (
	EndpointCreateVerification = "create_verification"
	EndpointGetStatus          = "get_status"
	EndpointGetMessages        = "get_messages"
	EndpointCancel             = "cancel"
	EndpointCreateRental       = "create_rental"
	EndpointExtendRental       = "extend_rental"
	EndpointReleaseRental      = "release_rental"
)

var Endpoints = []string{
	EndpointCreateVerification,
	EndpointGetStatus,
	EndpointGetMessages,
	EndpointCancel,
	EndpointCreateRental,
	EndpointExtendRental,
	EndpointReleaseRental,
}

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CountClientErrors makes non-retryable 4xx responses count as breaker
	// failures. Off by default: a rejected request proves the provider is up.
	CountClientErrors bool
}

// Observer receives one sample per attempt. Implemented by the metrics package.
type Observer interface {
	ObserveCall(endpoint, outcome string, elapsed time.Duration)
}

// Executor is the single retry/breaker wrapper applied to provider calls.
type Executor struct {
	breakers    *Registry
	policy      Policy
	clock       clock.Clock
	observer    Observer
	retryable   func(error) bool
	clientError func(error) bool
}

func NewExecutor(breakers *Registry, policy Policy, clk clock.Clock, observer Observer) *Executor {
	if clk == nil {
		clk = clock.WallClock
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	return &Executor{
		breakers:    breakers,
		policy:      policy,
		clock:       clk,
		observer:    observer,
		retryable:   provider.IsRetryable,
		clientError: provider.IsClientError,
	}
}

func (e *Executor) Breakers() *Registry {
	return e.breakers
}

// Do runs fn under the endpoint's breaker, retrying retryable failures with
// exponential backoff and jitter. It returns the number of attempts that
// reached the provider.
func (e *Executor) Do(ctx context.Context, endpoint string, fn func(ctx context.Context) error) (int, error) {
	b := e.breakers.Get(endpoint)
	attempts := 0

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := b.Allow(); err != nil {
				return err
			}
			attempts++
			started := e.clock.Now()
			err := fn(ctx)
			e.record(b, endpoint, err, e.clock.Now().Sub(started))
			return err
		},
		IsFatalError: func(err error) bool {
			return !e.retryable(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("[resilience][%s] attempt %d failed: %v", endpoint, attempt, err)
		},
		Attempts:    e.policy.MaxAttempts,
		Delay:       e.policy.BaseDelay,
		MaxDelay:    e.policy.MaxDelay,
		BackoffFunc: retry.ExpBackoff(e.policy.BaseDelay, e.policy.MaxDelay, 2.0, true),
		Clock:       e.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return attempts, nil
	}
	if last := retry.LastError(err); last != nil {
		// attempts exhausted or ctx cancelled between attempts
		if retry.IsAttemptsExceeded(err) {
			logger.Warningf("[resilience][%s] giving up after %d attempts: %v", endpoint, attempts, last)
		}
		return attempts, last
	}
	return attempts, err
}

func (e *Executor) record(b *Breaker, endpoint string, err error, elapsed time.Duration) {
	outcome := "success"
	switch {
	case err == nil:
		b.Success()
	case e.clientError(err) && !e.policy.CountClientErrors:
		// a rejected request says nothing about provider health
		outcome = "client_error"
		b.Ignore()
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
		b.Ignore()
	default:
		outcome = "failure"
		b.Failure()
	}
	if e.observer != nil {
		e.observer.ObserveCall(endpoint, outcome, elapsed)
	}
}
