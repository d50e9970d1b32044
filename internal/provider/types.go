package provider

import (
	"context"
	"time"
)

// API is the full surface of the provider as the lifecycle services see it.
// Both Client and DryRunClient implement it.
type API interface {
	CreateVerification(ctx context.Context, req VerificationRequest) (*Reservation, error)
	GetStatus(ctx context.Context, externalID string) (Status, error)
	GetMessages(ctx context.Context, externalID string) ([]Message, error)
	Cancel(ctx context.Context, externalID string) error

	CreateRental(ctx context.Context, req RentalRequest) (*Reservation, error)
	ExtendRental(ctx context.Context, externalID string, hours int) (time.Time, error)
	ReleaseRental(ctx context.Context, externalID string) error
}

type VerificationRequest struct {
	Service    string            `json:"serviceName"`
	Capability string            `json:"capability"`
	Filters    map[string]string `json:"filters,omitempty"`
}

type RentalRequest struct {
	Service       string `json:"serviceName,omitempty"`
	AlwaysOn      bool   `json:"isAlwaysOn"`
	DurationHours int    `json:"durationHours"`
}

// Reservation is what the provider hands back for a new number.
type Reservation struct {
	ExternalID  string    `json:"id"`
	PhoneNumber string    `json:"number"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// Status is the provider-side state of a reservation, normalised.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
)

// Message is a received SMS or a voice transcription.
type Message struct {
	Text       string    `json:"smsContent"`
	Code       string    `json:"parsedCode"`
	ReceivedAt time.Time `json:"createdAt"`
}

// Content prefers the parsed code over the raw text.
func (m Message) Content() string {
	if m.Code != "" {
		return m.Code
	}
	return m.Text
}

func normaliseStatus(raw string) Status {
	switch raw {
	case "completed", "verificationCompleted":
		return StatusCompleted
	case "cancelled", "canceled", "verificationCanceled":
		return StatusCancelled
	case "timed_out", "expired", "verificationTimedOut":
		return StatusExpired
	case "failed", "refunded", "reported", "verificationReported":
		return StatusFailed
	}
	return StatusPending
}
