package services

import (
	"github.com/juju/errors"

	"verifyhub/internal/provider"
	"verifyhub/internal/ratelimit"
	"verifyhub/internal/resilience"
)

const (
	ErrInsufficientFunds = errors.ConstError("insufficient funds")
	ErrSuspended         = errors.ConstError("account suspended")
	// ErrNotActive is returned when an operation needs a live entity and
	// the entity is in some other state.
	ErrNotActive = errors.ConstError("not active")
)

// Re-exported so callers of this package can match the full taxonomy
// without importing every layer.
const (
	ErrProviderUnavailable = provider.ErrUnavailable
	ErrProviderAuth        = provider.ErrAuth
	ErrProviderValidation  = provider.ErrValidation
	ErrCircuitOpen         = resilience.ErrCircuitOpen
	ErrRateLimited         = ratelimit.ErrRateLimited
)
