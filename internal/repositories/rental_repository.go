package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"verifyhub/internal/models"
)

type rentalRepository struct {
	db queryer
}

const rentalColumns = `
	id, user_id, service_name, scope, mode, external_id, phone_number, duration_hours,
	expires_at, status, cost, extension_count, failure_reason, created_at, updated_at, ended_at`

func (r *rentalRepository) Create(ctx context.Context, rental *models.Rental) error {
	const q = `
		INSERT INTO rentals (
			id, user_id, service_name, scope, mode, external_id, phone_number, duration_hours,
			expires_at, status, cost, extension_count, failure_reason, created_at, updated_at, ended_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`
	_, err := r.db.ExecContext(ctx, q,
		rental.ID, rental.UserID, rental.ServiceName, rental.Scope, rental.Mode, rental.ExternalID,
		rental.PhoneNumber, rental.DurationHours, rental.ExpiresAt, rental.Status, rental.Cost,
		rental.ExtensionCount, rental.FailureReason, rental.CreatedAt, rental.UpdatedAt, rental.EndedAt,
	)
	if err != nil {
		return missingParent(err, "rental create: account %d", rental.UserID)
	}
	return nil
}

func (r *rentalRepository) GetByID(ctx context.Context, id string) (*models.Rental, error) {
	return r.get(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id)
}

func (r *rentalRepository) GetForUpdate(ctx context.Context, id string) (*models.Rental, error) {
	return r.get(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1 FOR UPDATE`, id)
}

func (r *rentalRepository) get(ctx context.Context, q, id string) (*models.Rental, error) {
	var (
		rental  models.Rental
		endedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&rental.ID, &rental.UserID, &rental.ServiceName, &rental.Scope, &rental.Mode, &rental.ExternalID,
		&rental.PhoneNumber, &rental.DurationHours, &rental.ExpiresAt, &rental.Status, &rental.Cost,
		&rental.ExtensionCount, &rental.FailureReason, &rental.CreatedAt, &rental.UpdatedAt, &endedAt,
	)
	if err != nil {
		return nil, notFound(err, "rental %s", id)
	}
	if endedAt.Valid {
		t := endedAt.Time
		rental.EndedAt = &t
	}
	return &rental, nil
}

func (r *rentalRepository) Update(ctx context.Context, rental *models.Rental) error {
	const q = `
		UPDATE rentals
		SET external_id = $2, phone_number = $3, duration_hours = $4, expires_at = $5,
		    status = $6, cost = $7, extension_count = $8, failure_reason = $9,
		    updated_at = $10, ended_at = $11
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, q,
		rental.ID, rental.ExternalID, rental.PhoneNumber, rental.DurationHours, rental.ExpiresAt,
		rental.Status, rental.Cost, rental.ExtensionCount, rental.FailureReason,
		rental.UpdatedAt, rental.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("rental update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(errNoRowsAffected, "rental %s", rental.ID)
	}
	return nil
}

func (r *rentalRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	const q = `
		SELECT id
		FROM rentals
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`
	return queryIDs(ctx, r.db, q, before, limit)
}

func (r *rentalRepository) ListStaleCreated(ctx context.Context, createdBefore time.Time, limit int) ([]string, error) {
	const q = `
		SELECT id
		FROM rentals
		WHERE status = 'created' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	return queryIDs(ctx, r.db, q, createdBefore, limit)
}
