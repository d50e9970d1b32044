package repositories

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
)

type creditTransactionRepository struct {
	db queryer
}

const transactionColumns = `
	id, user_id, amount, free_units, kind, related_entity_id, reason, balance_after, created_at`

// Insert relies on the (kind, related_entity_id) unique index. ON CONFLICT
// DO NOTHING keeps the surrounding transaction alive on a duplicate, which
// a plain unique violation would abort.
func (r *creditTransactionRepository) Insert(ctx context.Context, t *models.CreditTransaction) error {
	const q = `
		INSERT INTO credit_transactions (
			id, user_id, amount, free_units, kind, related_entity_id, reason, balance_after, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (kind, related_entity_id) DO NOTHING
		RETURNING id
	`
	var id string
	err := r.db.QueryRowContext(ctx, q,
		t.ID, t.UserID, t.Amount, t.FreeUnits, t.Kind, t.RelatedEntityID, t.Reason, t.BalanceAfter, t.CreatedAt,
	).Scan(&id)
	if errors.Is(err, errNoRowsAffected) {
		return errors.AlreadyExistsf("%s transaction for %s", t.Kind, t.RelatedEntityID)
	}
	if isUniqueViolation(err) {
		return errors.AlreadyExistsf("transaction %s", t.ID)
	}
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

func (r *creditTransactionRepository) GetByRef(ctx context.Context, kind models.TransactionKind, refID string) (*models.CreditTransaction, error) {
	const q = `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE kind = $1 AND related_entity_id = $2`
	var t models.CreditTransaction
	err := r.db.QueryRowContext(ctx, q, kind, refID).Scan(
		&t.ID, &t.UserID, &t.Amount, &t.FreeUnits, &t.Kind, &t.RelatedEntityID, &t.Reason, &t.BalanceAfter, &t.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "%s transaction for %s", kind, refID)
	}
	return &t, nil
}

func (r *creditTransactionRepository) SumByUser(ctx context.Context, userID int64) (decimal.Decimal, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1`
	var sum decimal.Decimal
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum credit transactions: %w", err)
	}
	return sum, nil
}

func (r *creditTransactionRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.CreditTransaction, error) {
	const q = `SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.FreeUnits, &t.Kind, &t.RelatedEntityID, &t.Reason, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
