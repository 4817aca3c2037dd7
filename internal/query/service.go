package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/errs"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// LiveState is the read side of the engine. Queries that must be exact
// (positions, claims, the hash tip) read it under the engine lock instead
// of going through projections.
type LiveState interface {
	View(fn func(w *core.World))
	GetSequence() int64
	GetStateHash() [32]byte
}

// QueryService serves reads. Projection-backed responses carry
// as_of_sequence, the last sequence the projection worker applied.
type QueryService struct {
	db   *sqlx.DB
	live LiveState
	now  func() time.Time
}

func NewQueryService(db *sqlx.DB, live LiveState) *QueryService {
	return &QueryService{db: db, live: live, now: time.Now}
}

// GetVehicle returns the projected state of an investment vehicle.
func (qs *QueryService) GetVehicle(ctx context.Context, address common.Address) (*VehicleResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var v VehicleResponse
	err = qs.db.GetContext(ctx, &v, `
		SELECT address, base_asset, strategy, share_price, total_shares, total_base_held,
		       total_debt, available_liquidity, beneficiaries, last_sequence
		FROM projections.vehicles
		WHERE address = $1
	`, address.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vehicle %s", errs.ErrUnknownEntity, address.Hex())
	}
	if err != nil {
		return nil, err
	}

	v.SharePriceDisplay = fpmath.FormatSharePrice(parseInt(v.SharePrice))
	v.AsOfSequence = asOfSeq
	return &v, nil
}

// GetPool returns the projected state of a pool or insurance vault.
func (qs *QueryService) GetPool(ctx context.Context, address common.Address) (*PoolResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var p PoolResponse
	err = qs.db.GetContext(ctx, &p, `
		SELECT address, kind, base_asset, shares_token, initialized, net_asset_value,
		       total_supply, share_price, idle_balance, open_claims, vehicles, last_sequence
		FROM projections.pools
		WHERE address = $1
	`, address.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool %s", errs.ErrUnknownEntity, address.Hex())
	}
	if err != nil {
		return nil, err
	}

	p.SharePriceDisplay = fpmath.FormatSharePrice(parseInt(p.SharePrice))
	p.AsOfSequence = asOfSeq
	return &p, nil
}

// GetPoolAccount returns a depositor's shares, their current value and the
// withdraw fee they would pay right now.
func (qs *QueryService) GetPoolAccount(ctx context.Context, poolAddr, account common.Address) (*PoolAccountResponse, error) {
	var (
		resp *PoolAccountResponse
		err  error
	)
	now := qs.now()
	qs.live.View(func(w *core.World) {
		p, ok := w.Pool(poolAddr)
		if !ok {
			err = fmt.Errorf("%w: pool %s", errs.ErrUnknownEntity, poolAddr.Hex())
			return
		}
		decimals := int32(18)
		if a, ok := w.Ledger.Asset(p.BaseAsset()); ok {
			decimals = int32(a.Decimals())
		}
		value := p.ValueOf(account)
		resp = &PoolAccountResponse{
			Pool:               poolAddr.Hex(),
			Account:            account.Hex(),
			Shares:             p.SharesOf(account).String(),
			Value:              value.String(),
			ValueDisplay:       fpmath.FormatUnits(value, decimals),
			PendingWithdrawFee: p.PendingWithdrawFee(account, now).String(),
			Whitelisted:        p.IsWhitelisted(account),
		}
		if at, ok := p.LastDeposit(account); ok {
			resp.LastDeposit = &at
		}
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = qs.live.GetSequence() - 1
	return resp, nil
}

// GetClaims returns every claim an insurance vault has seen.
func (qs *QueryService) GetClaims(ctx context.Context, insurer common.Address) (*ClaimsResponse, error) {
	var (
		resp *ClaimsResponse
		err  error
	)
	qs.live.View(func(w *core.World) {
		p, ok := w.Pool(insurer)
		if !ok {
			err = fmt.Errorf("%w: insurance vault %s", errs.ErrUnknownEntity, insurer.Hex())
			return
		}
		resp = &ClaimsResponse{
			Insurer:      insurer.Hex(),
			Claims:       p.Claims(),
			OnGoingClaim: p.OnGoingClaim(),
		}
		for _, c := range p.InsuranceClients() {
			resp.Clients = append(resp.Clients, c.Hex())
		}
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = qs.live.GetSequence() - 1
	return resp, nil
}

// GetBalance returns an account's projected token balance. Accounts with
// no journal activity report zero.
func (qs *QueryService) GetBalance(ctx context.Context, asset, account common.Address) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{
		Asset:        asset.Hex(),
		Account:      account.Hex(),
		Balance:      "0",
		AsOfSequence: asOfSeq,
	}

	decimals := int32(18)
	known := false
	qs.live.View(func(w *core.World) {
		if a, ok := w.Ledger.Asset(asset); ok {
			known = true
			decimals = int32(a.Decimals())
			resp.Symbol = a.Symbol()
		}
	})
	if !known {
		return nil, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, asset.Hex())
	}

	var row struct {
		Balance      string `db:"balance"`
		LastSequence int64  `db:"last_sequence"`
	}
	err = qs.db.GetContext(ctx, &row, `
		SELECT balance, last_sequence FROM projections.balances
		WHERE asset = $1 AND account = $2
	`, asset.Hex(), account.Hex())
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		resp.Balance = row.Balance
		resp.LastSequence = row.LastSequence
	}

	resp.BalanceDisplay = fpmath.FormatUnits(parseInt(resp.Balance), decimals)
	return resp, nil
}

// GetStateHash returns the hash chain tip from the live engine.
func (qs *QueryService) GetStateHash(ctx context.Context) *StateHashResponse {
	hash := qs.live.GetStateHash()
	return &StateHashResponse{
		LastSequence: qs.live.GetSequence() - 1,
		StateHash:    hex.EncodeToString(hash[:]),
	}
}

// GetJournalHistory returns journal entries touching account, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence, asset,
		       from_account, to_account, amount::text AS amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (from_account = $1 OR to_account = $1)
	`
	args := []interface{}{account.Hex()}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	var entries []JournalHistoryEntry
	if err := qs.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks the stored hash chain and that projected balances
// add up to what the journal minted minus what it burned.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	err := qs.db.SelectContext(ctx, &report.HashChainBreaks, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	err = qs.db.SelectContext(ctx, &report.UnbalancedAssets, `
		WITH supply AS (
			SELECT asset,
			       SUM(CASE WHEN from_account = $1 THEN amount ELSE 0 END) -
			       SUM(CASE WHEN to_account = $1 THEN amount ELSE 0 END) AS total
			FROM event_log.journal
			GROUP BY asset
		), projected AS (
			SELECT asset, SUM(balance) AS total
			FROM projections.balances
			GROUP BY asset
		)
		SELECT s.asset,
		       s.total::text AS journal_supply,
		       COALESCE(p.total, 0)::text AS projected_total
		FROM supply s
		LEFT JOIN projected p ON p.asset = s.asset
		WHERE s.total != COALESCE(p.total, 0)
	`, common.Address{}.Hex())
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.GetContext(ctx, &seq, `
		SELECT last_sequence FROM projections.watermark WHERE projection = 'main'
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// parseInt reads a NUMERIC rendered as text; projections never store
// fractional values.
func parseInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
