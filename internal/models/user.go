package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the billing side of an account. Profile data lives elsewhere;
// this service only ever touches the balance columns through the ledger.
type User struct {
	ID                    int64           `json:"id"`
	CreditBalance         decimal.Decimal `json:"credit_balance"`
	FreeVerificationCount int             `json:"free_verification_count"`
	Suspended             bool            `json:"suspended"` // soft-delete, never hard-deleted
	CreatedAt             time.Time       `json:"created_at"`
}
