package persistence

import (
	"context"
	"fmt"
	"time"

	"VaultLedger/internal/observability"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// CoreOutput mirrors core.CoreOutput to avoid import cycle.
// The orchestrator (cmd/vaultledger) bridges between the two.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
	AppliedAt   time.Time
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to it with BLOCKING sends, so if this worker falls behind
// the core stalls and no applied command is lost.
type PersistenceWorker struct {
	db           *sqlx.DB
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sqlx.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	outputs := make([]CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// drain what the core already handed over
			for {
				select {
				case output, ok := <-pw.inputChan:
					if ok {
						outputs = append(outputs, output)
						continue
					}
				default:
				}
				break
			}
			if len(outputs) > 0 {
				if err := pw.flush(context.Background(), outputs); err != nil {
					pw.logger.Error().Err(err).Int("events", len(outputs)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(outputs) > 0 {
					if err := pw.flush(context.Background(), outputs); err != nil {
						pw.logger.Error().Err(err).Int("events", len(outputs)).Msg("final flush failed")
					}
				}
				return nil
			}

			outputs = append(outputs, output)
			if len(outputs) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, outputs); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				outputs = outputs[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(outputs) > 0 {
				if err := pw.flushWithRetry(ctx, outputs); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				outputs = outputs[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. The worker never drops events.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outputs []CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(outputs)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				// shutting down: one last attempt outside the cancelled context
				if err := pw.flush(context.Background(), outputs); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outputs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outputs []CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(outputs))
	var journals []JournalRow
	for _, o := range outputs {
		events = append(events, o.EventRow)
		journals = append(journals, o.JournalRows...)
	}

	// events and journals commit together
	tx, err := pw.db.BeginTxx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.recordError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		now := time.Now()
		pw.metrics.PersistBatchDur.Observe(now.Sub(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		for _, o := range outputs {
			if !o.AppliedAt.IsZero() {
				pw.metrics.ApplyToPersist.Observe(now.Sub(o.AppliedAt).Seconds())
			}
		}
	}

	return nil
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
