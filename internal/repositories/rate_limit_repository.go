package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RateLimitRepository keeps sliding-window counters in Postgres so every
// instance behind the load balancer sees the same counts.
type RateLimitRepository struct {
	db *sql.DB
}

func NewRateLimitRepository(db *sql.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Hit increments the counter of the window starting at start and returns it
// together with the previous window's count. Expired rows for the key are
// deleted by the same statement.
func (r *RateLimitRepository) Hit(ctx context.Context, key string, start time.Time, window time.Duration) (int, int, error) {
	const q = `
		WITH purge AS (
			DELETE FROM rate_limit_counters
			WHERE key = $1 AND expires_at < $4
		), cur AS (
			INSERT INTO rate_limit_counters (key, window_start, count, expires_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (key, window_start)
			DO UPDATE SET count = rate_limit_counters.count + 1
			RETURNING count
		)
		SELECT
			(SELECT count FROM cur),
			COALESCE((SELECT count FROM rate_limit_counters WHERE key = $1 AND window_start = $5), 0)
	`
	// A window is needed until the end of the one after it.
	expiresAt := start.Add(2 * window)
	previous := start.Add(-window)

	var cur, prev int
	if err := r.db.QueryRowContext(ctx, q, key, start, expiresAt, start, previous).Scan(&cur, &prev); err != nil {
		return 0, 0, fmt.Errorf("rate limit hit %s: %w", key, err)
	}
	return cur, prev, nil
}
