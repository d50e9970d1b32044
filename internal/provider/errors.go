package provider

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrUnavailable covers timeouts, connection errors, 429 and 5xx.
	// It is the only retryable class.
	ErrUnavailable = errors.ConstError("provider unavailable")
	// ErrAuth is returned when re-authentication did not help.
	ErrAuth = errors.ConstError("provider authentication failed")
	// ErrValidation is returned for unknown services, malformed filters and
	// unknown reservations. Never retried.
	ErrValidation = errors.ConstError("provider rejected request")
)

// Error describes a failed provider call. errors.Is matches it against
// its Kind, so callers only deal with the three sentinels above.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status=%d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsClientError reports whether the provider rejected the request itself,
// which says nothing about provider health.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

func classifyStatus(op string, status int, body []byte) error {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	switch {
	case status == 401 || status == 403:
		return &Error{Kind: ErrAuth, Op: op, StatusCode: status, Message: msg}
	case status == 429 || status >= 500:
		return &Error{Kind: ErrUnavailable, Op: op, StatusCode: status, Message: msg}
	case status >= 400:
		return &Error{Kind: ErrValidation, Op: op, StatusCode: status, Message: msg}
	}
	return nil
}
