package repositories

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"verifyhub/internal/models"
)

type userRepository struct {
	db queryer
}

const userColumns = `id, credit_balance, free_verification_count, suspended, created_at`

// Create inserts the billing row for a user. The id is taken from the
// caller when set (the account service owns ids), otherwise generated.
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID != 0 {
		const q = `
			INSERT INTO users (id, credit_balance, free_verification_count, suspended)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at
		`
		err := r.db.QueryRowContext(ctx, q, user.ID, user.CreditBalance, user.FreeVerificationCount, user.Suspended).Scan(&user.CreatedAt)
		if isUniqueViolation(err) {
			return errors.AlreadyExistsf("user %d", user.ID)
		}
		if err != nil {
			return fmt.Errorf("user create: %w", err)
		}
		return nil
	}
	const q = `
		INSERT INTO users (credit_balance, free_verification_count, suspended)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	if err := r.db.QueryRowContext(ctx, q, user.CreditBalance, user.FreeVerificationCount, user.Suspended).Scan(&user.ID, &user.CreatedAt); err != nil {
		return fmt.Errorf("user create: %w", err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *userRepository) GetForUpdate(ctx context.Context, id int64) (*models.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (r *userRepository) get(ctx context.Context, q string, id int64) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.CreditBalance, &u.FreeVerificationCount, &u.Suspended, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return &u, nil
}

func (r *userRepository) UpdateBalance(ctx context.Context, id int64, balance decimal.Decimal, freeCount int) error {
	const q = `
		UPDATE users
		SET credit_balance = $2, free_verification_count = $3
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, q, id, balance, freeCount)
	if err != nil {
		return fmt.Errorf("user update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(errNoRowsAffected, "user %d", id)
	}
	return nil
}
