package repositories

import (
	"context"
	"database/sql"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                      BIGSERIAL PRIMARY KEY,
		credit_balance          NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
		free_verification_count INTEGER NOT NULL DEFAULT 0 CHECK (free_verification_count >= 0),
		suspended               BOOLEAN NOT NULL DEFAULT FALSE,
		created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS verifications (
		id             UUID PRIMARY KEY,
		user_id        BIGINT NOT NULL REFERENCES users(id),
		service_name   TEXT NOT NULL,
		capability     TEXT NOT NULL,
		filters        JSONB NOT NULL DEFAULT '{}'::jsonb,
		external_id    TEXT NOT NULL DEFAULT '',
		phone_number   TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		cost           NUMERIC(14,2) NOT NULL DEFAULT 0,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		messages       TEXT[] NOT NULL DEFAULT '{}',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		completed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_verifications_status_created ON verifications (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_verifications_user ON verifications (user_id)`,
	`CREATE TABLE IF NOT EXISTS rentals (
		id              UUID PRIMARY KEY,
		user_id         BIGINT NOT NULL REFERENCES users(id),
		service_name    TEXT NOT NULL DEFAULT '',
		scope           TEXT NOT NULL,
		mode            TEXT NOT NULL,
		external_id     TEXT NOT NULL DEFAULT '',
		phone_number    TEXT NOT NULL DEFAULT '',
		duration_hours  INTEGER NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		status          TEXT NOT NULL,
		cost            NUMERIC(14,2) NOT NULL DEFAULT 0,
		extension_count INTEGER NOT NULL DEFAULT 0,
		failure_reason  TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		ended_at        TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rentals_status_expires ON rentals (status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id                UUID PRIMARY KEY,
		user_id           BIGINT NOT NULL REFERENCES users(id),
		amount            NUMERIC(14,2) NOT NULL,
		free_units        INTEGER NOT NULL DEFAULT 0,
		kind              TEXT NOT NULL CHECK (kind IN ('debit', 'credit', 'refund')),
		related_entity_id TEXT NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		balance_after     NUMERIC(14,2) NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_credit_transactions_kind_ref ON credit_transactions (kind, related_entity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions (user_id, created_at DESC)`,
	// The ledger is append-only.
	`CREATE OR REPLACE RULE credit_transactions_no_update AS ON UPDATE TO credit_transactions DO INSTEAD NOTHING`,
	`CREATE OR REPLACE RULE credit_transactions_no_delete AS ON DELETE TO credit_transactions DO INSTEAD NOTHING`,
	`CREATE TABLE IF NOT EXISTS rate_limit_counters (
		key          TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count        INTEGER NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (key, window_start)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_expires ON rate_limit_counters (expires_at)`,
}

// Migrate applies the schema. Every statement is idempotent so it is safe
// to run on each start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
