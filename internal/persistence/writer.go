package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventLogWriter writes events and journals to Postgres using multi-row
// INSERTs inside the caller's transaction.
type EventLogWriter struct {
	db *sqlx.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64     `db:"sequence"`
	EventType      string    `db:"event_type"`
	IdempotencyKey string    `db:"idempotency_key"`
	Target         string    `db:"target"`
	Payload        []byte    `db:"payload"` // JSON-encoded command
	Result         []byte    `db:"result"`  // JSON-encoded operation result
	StateHash      []byte    `db:"state_hash"`
	PrevHash       []byte    `db:"prev_hash"`
	Timestamp      time.Time `db:"timestamp"`
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID   string `db:"journal_id"`
	BatchID     string `db:"batch_id"`
	EventRef    string `db:"event_ref"`
	Sequence    int64  `db:"sequence"`
	Asset       string `db:"asset"`
	From        string `db:"from_account"`
	To          string `db:"to_account"`
	Amount      string `db:"amount"` // decimal string, NUMERIC(78,0)
	JournalType int32  `db:"journal_type"`
	Timestamp   int64  `db:"timestamp"`
}

func NewEventLogWriter(db *sqlx.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

const eventColumns = 9

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sqlx.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, target, payload, result, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*eventColumns)

	for i, e := range events {
		values = append(values, placeholders(i*eventColumns, eventColumns))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Target,
			e.Payload, e.Result, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

const journalColumns = 10

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sqlx.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, asset, from_account, to_account, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*journalColumns)

	for i, j := range journals {
		values = append(values, placeholders(i*journalColumns, journalColumns))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.Asset, j.From, j.To, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders returns "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
