package models

import "time"

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is a point-in-time view of one endpoint's circuit breaker.
type BreakerState struct {
	Endpoint            string        `json:"endpoint"`
	State               BreakerStatus `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
}
