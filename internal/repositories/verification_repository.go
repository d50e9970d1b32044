package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"verifyhub/internal/models"
)

type verificationRepository struct {
	db queryer
}

const verificationColumns = `
	id, user_id, service_name, capability, filters, external_id, phone_number,
	status, cost, retry_count, messages, failure_reason, created_at, updated_at, completed_at`

func (r *verificationRepository) Create(ctx context.Context, v *models.Verification) error {
	filters, err := json.Marshal(nonNilFilters(v.Filters))
	if err != nil {
		return fmt.Errorf("verification create: encode filters: %w", err)
	}
	const q = `
		INSERT INTO verifications (
			id, user_id, service_name, capability, filters, external_id, phone_number,
			status, cost, retry_count, messages, failure_reason, created_at, updated_at, completed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`
	_, err = r.db.ExecContext(ctx, q,
		v.ID, v.UserID, v.ServiceName, v.Capability, filters, v.ExternalID, v.PhoneNumber,
		v.Status, v.Cost, v.RetryCount, pq.Array(nonNilStrings(v.Messages)), v.FailureReason,
		v.CreatedAt, v.UpdatedAt, v.CompletedAt,
	)
	if err != nil {
		return missingParent(err, "verification create: account %d", v.UserID)
	}
	return nil
}

func (r *verificationRepository) GetByID(ctx context.Context, id string) (*models.Verification, error) {
	return r.get(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE id = $1`, id)
}

func (r *verificationRepository) GetForUpdate(ctx context.Context, id string) (*models.Verification, error) {
	return r.get(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE id = $1 FOR UPDATE`, id)
}

func (r *verificationRepository) get(ctx context.Context, q, id string) (*models.Verification, error) {
	var (
		v           models.Verification
		filters     []byte
		completedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&v.ID, &v.UserID, &v.ServiceName, &v.Capability, &filters, &v.ExternalID, &v.PhoneNumber,
		&v.Status, &v.Cost, &v.RetryCount, pq.Array(&v.Messages), &v.FailureReason,
		&v.CreatedAt, &v.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, notFound(err, "verification %s", id)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &v.Filters); err != nil {
			return nil, fmt.Errorf("verification %s: decode filters: %w", id, err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		v.CompletedAt = &t
	}
	return &v, nil
}

// Update writes the mutable lifecycle columns.
func (r *verificationRepository) Update(ctx context.Context, v *models.Verification) error {
	const q = `
		UPDATE verifications
		SET external_id = $2, phone_number = $3, status = $4, retry_count = $5,
		    messages = $6, failure_reason = $7, updated_at = $8, completed_at = $9
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, q,
		v.ID, v.ExternalID, v.PhoneNumber, v.Status, v.RetryCount,
		pq.Array(nonNilStrings(v.Messages)), v.FailureReason, v.UpdatedAt, v.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("verification update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(errNoRowsAffected, "verification %s", v.ID)
	}
	return nil
}

func (r *verificationRepository) ListStale(ctx context.Context, status models.VerificationStatus, createdBefore time.Time, limit int) ([]string, error) {
	const q = `
		SELECT id
		FROM verifications
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	return queryIDs(ctx, r.db, q, status, createdBefore, limit)
}

func queryIDs(ctx context.Context, db queryer, q string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilFilters(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
