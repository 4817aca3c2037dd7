package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"VaultLedger/internal/observability"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	JournalEntries []JournalEntry
	Vehicles       []VehicleRow
	Pools          []PoolRow
	Timestamp      int64 // epoch microseconds
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	Asset  string
	From   string
	To     string
	Amount string // decimal
}

// VehicleRow is one row of projections.vehicles.
type VehicleRow struct {
	Address            string          `db:"address" json:"address"`
	BaseAsset          string          `db:"base_asset" json:"base_asset"`
	Strategy           string          `db:"strategy" json:"strategy"`
	SharePrice         string          `db:"share_price" json:"share_price"`
	TotalShares        string          `db:"total_shares" json:"total_shares"`
	TotalBaseHeld      string          `db:"total_base_held" json:"total_base_held"`
	TotalDebt          string          `db:"total_debt" json:"total_debt"`
	AvailableLiquidity string          `db:"available_liquidity" json:"available_liquidity"`
	Beneficiaries      json.RawMessage `db:"beneficiaries" json:"beneficiaries"`
	LastSequence       int64           `db:"last_sequence" json:"last_sequence"`
	UpdatedAt          int64           `db:"updated_at" json:"updated_at"`
}

// PoolRow is one row of projections.pools.
type PoolRow struct {
	Address       string          `db:"address" json:"address"`
	Kind          string          `db:"kind" json:"kind"`
	BaseAsset     string          `db:"base_asset" json:"base_asset"`
	SharesToken   string          `db:"shares_token" json:"shares_token"`
	Initialized   bool            `db:"initialized" json:"initialized"`
	NetAssetValue string          `db:"net_asset_value" json:"net_asset_value"`
	TotalSupply   string          `db:"total_supply" json:"total_supply"`
	SharePrice    string          `db:"share_price" json:"share_price"`
	IdleBalance   string          `db:"idle_balance" json:"idle_balance"`
	OpenClaims    int             `db:"open_claims" json:"open_claims"`
	Vehicles      json.RawMessage `db:"vehicles" json:"vehicles"`
	LastSequence  int64           `db:"last_sequence" json:"last_sequence"`
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"`
}

// zeroAccount is the mint source / burn sink; it has no projected balance.
const zeroAccount = "0x0000000000000000000000000000000000000000"

// ProjectionWorker updates projection tables from processed commands.
// The projection channel is non-blocking with drop; if projections fall
// behind they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sqlx.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sqlx.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if pw.lastSeq >= 0 && output.Sequence != pw.lastSeq+1 {
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", output.Sequence).
					Msg("projection gap, balances may be stale until rebuild")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// eventually consistent; rebuild from the event log repairs it
				pw.logger.Warn().Err(err).Int64("seq", output.Sequence).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	for _, v := range output.Vehicles {
		if err := upsertVehicle(ctx, tx, v); err != nil {
			return fmt.Errorf("vehicle projection %s: %w", v.Address, err)
		}
	}
	for _, p := range output.Pools {
		if err := upsertPool(ctx, tx, p); err != nil {
			return fmt.Errorf("pool projection %s: %w", p.Address, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence)
		VALUES ('main', $1)
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $1
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func updateBalanceProjection(ctx context.Context, tx *sqlx.Tx, j JournalEntry, seq int64) error {
	if j.From != zeroAccount {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (asset, account, balance, last_sequence)
			VALUES ($1, $2, -$3::numeric, $4)
			ON CONFLICT (asset, account)
			DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
		`, j.Asset, j.From, j.Amount, seq); err != nil {
			return err
		}
	}

	if j.To != zeroAccount {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (asset, account, balance, last_sequence)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (asset, account)
			DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
		`, j.Asset, j.To, j.Amount, seq); err != nil {
			return err
		}
	}

	return nil
}

func upsertVehicle(ctx context.Context, tx *sqlx.Tx, v VehicleRow) error {
	if len(v.Beneficiaries) == 0 {
		v.Beneficiaries = json.RawMessage("[]")
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO projections.vehicles
			(address, base_asset, strategy, share_price, total_shares, total_base_held,
			 total_debt, available_liquidity, beneficiaries, last_sequence, updated_at)
		VALUES
			(:address, :base_asset, :strategy, :share_price, :total_shares, :total_base_held,
			 :total_debt, :available_liquidity, :beneficiaries, :last_sequence, :updated_at)
		ON CONFLICT (address) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			share_price = EXCLUDED.share_price,
			total_shares = EXCLUDED.total_shares,
			total_base_held = EXCLUDED.total_base_held,
			total_debt = EXCLUDED.total_debt,
			available_liquidity = EXCLUDED.available_liquidity,
			beneficiaries = EXCLUDED.beneficiaries,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
	`, v)
	return err
}

func upsertPool(ctx context.Context, tx *sqlx.Tx, p PoolRow) error {
	if len(p.Vehicles) == 0 {
		p.Vehicles = json.RawMessage("[]")
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO projections.pools
			(address, kind, base_asset, shares_token, initialized, net_asset_value, total_supply,
			 share_price, idle_balance, open_claims, vehicles, last_sequence, updated_at)
		VALUES
			(:address, :kind, :base_asset, :shares_token, :initialized, :net_asset_value, :total_supply,
			 :share_price, :idle_balance, :open_claims, :vehicles, :last_sequence, :updated_at)
		ON CONFLICT (address) DO UPDATE SET
			initialized = EXCLUDED.initialized,
			net_asset_value = EXCLUDED.net_asset_value,
			total_supply = EXCLUDED.total_supply,
			share_price = EXCLUDED.share_price,
			idle_balance = EXCLUDED.idle_balance,
			open_claims = EXCLUDED.open_claims,
			vehicles = EXCLUDED.vehicles,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = EXCLUDED.updated_at
	`, p)
	return err
}

// RebuildBalances recomputes projections.balances from the journal.
// Vehicle and pool rows are overwritten by the next command that touches
// them.
func RebuildBalances(ctx context.Context, db *sqlx.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (asset, account, balance, last_sequence)
		SELECT asset, account, SUM(delta), MAX(sequence) FROM (
			SELECT asset, to_account AS account, amount AS delta, sequence
			FROM event_log.journal WHERE to_account <> $1
			UNION ALL
			SELECT asset, from_account AS account, -amount AS delta, sequence
			FROM event_log.journal WHERE from_account <> $1
		) moves
		GROUP BY asset, account
	`, zeroAccount); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence)
		SELECT 'main', COALESCE(MAX(sequence), -1) FROM event_log.events
		ON CONFLICT (projection) DO UPDATE SET last_sequence = EXCLUDED.last_sequence
	`); err != nil {
		return fmt.Errorf("watermark reset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("balance projection rebuilt")
	return nil
}
