package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SnapshotManager stores engine snapshots and reads the event log back for
// recovery.
type SnapshotManager struct {
	db *sqlx.DB
}

// SnapshotRecord is one row of event_log.snapshots. Data is the encoded
// engine state; FormatVersion tells the engine how to migrate it.
type SnapshotRecord struct {
	SnapshotID    string    `db:"snapshot_id"`
	Sequence      int64     `db:"sequence"`
	Data          []byte    `db:"data"`
	StateHash     []byte    `db:"state_hash"`
	FormatVersion int32     `db:"format_version"`
	SizeBytes     int32     `db:"size_bytes"`
	Verified      bool      `db:"verified"`
	CreatedAt     time.Time `db:"created_at"`
}

func NewSnapshotManager(db *sqlx.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Saving the same sequence twice
// overwrites the earlier one.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, stateHash []byte, formatVersion int32, data []byte, createdAt time.Time) error {
	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, format_version = $5, size_bytes = $6
	`, uuid.New(), sequence, data, stateHash, formatVersion, len(data), createdAt)
	if err != nil {
		return fmt.Errorf("save snapshot at %d: %w", sequence, err)
	}
	return nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := sm.db.GetContext(ctx, &rec, `
		SELECT snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at
		FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &rec, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	var events []EventRow
	err := sm.db.SelectContext(ctx, &events, `
		SELECT sequence, event_type, idempotency_key, target, payload,
		       COALESCE(result, ''::bytea) AS result, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	return events, err
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when it is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.GetContext(ctx, &seq, `SELECT MAX(sequence) FROM event_log.events`); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
