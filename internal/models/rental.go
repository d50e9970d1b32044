package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RentalStatus string

const (
	RentalCreated  RentalStatus = "created"
	RentalActive   RentalStatus = "active"
	RentalReleased RentalStatus = "released"
	RentalExpired  RentalStatus = "expired"
	RentalFailed   RentalStatus = "failed"
)

func (s RentalStatus) Terminal() bool {
	switch s {
	case RentalReleased, RentalExpired, RentalFailed:
		return true
	}
	return false
}

type RentalScope string

const (
	ScopeService RentalScope = "service"
	ScopeGeneral RentalScope = "general"
)

type RentalMode string

const (
	ModeAlwaysReady RentalMode = "always_ready"
	ModeManual      RentalMode = "manual"
)

func (m RentalMode) Valid() bool {
	return m == ModeAlwaysReady || m == ModeManual
}

// Rental is a number reserved for a duration and billed per hour.
// Cost accumulates the initial debit and every extension.
type Rental struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id"`
	ServiceName    string          `json:"service_name,omitempty"`
	Scope          RentalScope     `json:"scope"`
	Mode           RentalMode      `json:"mode"`
	ExternalID     string          `json:"-"`
	PhoneNumber    string          `json:"phone_number"`
	DurationHours  int             `json:"duration_hours"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Status         RentalStatus    `json:"status"`
	Cost           decimal.Decimal `json:"cost"`
	ExtensionCount int             `json:"extension_count"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}
