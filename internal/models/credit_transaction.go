package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	TransactionDebit  TransactionKind = "debit"
	TransactionCredit TransactionKind = "credit"
	TransactionRefund TransactionKind = "refund"
)

// CreditTransaction is one append-only ledger line. Amount is signed:
// debits are negative, credits and refunds positive. FreeUnits is the
// signed change to the user's free verification allowance.
type CreditTransaction struct {
	ID              string          `json:"id"`
	UserID          int64           `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	FreeUnits       int             `json:"free_units"`
	Kind            TransactionKind `json:"kind"`
	RelatedEntityID string          `json:"related_entity_id"`
	Reason          string          `json:"reason"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	CreatedAt       time.Time       `json:"created_at"`
}
