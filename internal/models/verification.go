package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationStatus is the lifecycle state of a single number request.
type VerificationStatus string

const (
	VerificationCreated   VerificationStatus = "created"
	VerificationPending   VerificationStatus = "pending"
	VerificationCompleted VerificationStatus = "completed"
	VerificationCancelled VerificationStatus = "cancelled"
	VerificationExpired   VerificationStatus = "expired"
	VerificationFailed    VerificationStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s VerificationStatus) Terminal() bool {
	switch s {
	case VerificationCompleted, VerificationCancelled, VerificationExpired, VerificationFailed:
		return true
	}
	return false
}

type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
)

func (c Capability) Valid() bool {
	return c == CapabilitySMS || c == CapabilityVoice
}

// Verification is one request for a temporary number to receive a code.
type Verification struct {
	ID            string             `json:"id"`
	UserID        int64              `json:"user_id"`
	ServiceName   string             `json:"service_name"`
	Capability    Capability         `json:"capability"`
	Filters       map[string]string  `json:"filters,omitempty"`
	ExternalID    string             `json:"-"`
	PhoneNumber   string             `json:"phone_number"`
	Status        VerificationStatus `json:"status"`
	Cost          decimal.Decimal    `json:"cost"`
	RetryCount    int                `json:"retry_count"`
	Messages      []string           `json:"messages"`
	FailureReason string             `json:"failure_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}
