package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

const idempotencyLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker implements DB-based deduplication
type PostgresIdempotencyChecker struct {
	db *sqlx.DB
}

func NewPostgresIdempotencyChecker(db *sqlx.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if the command exists in the Postgres event log
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, kind string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, idempotencyLookupTimeout)
	defer cancel()

	var exists int
	err := pic.db.GetContext(ctx, &exists, `
		SELECT 1
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, kind, idempotencyKey)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the composite kind:key of the last limit events,
// oldest first, for warming the LRU after a cold start.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	var keys []string
	err := pic.db.SelectContext(ctx, &keys, `
		SELECT event_type || ':' || idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	return keys, err
}
