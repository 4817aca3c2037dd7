package query

import (
	"encoding/json"
	"time"

	"VaultLedger/internal/pool"
)

// VehicleResponse is a vehicle as last projected. Raw amounts are base-10
// integers in base asset units; Display fields are human-readable.
type VehicleResponse struct {
	Address            string          `json:"address" db:"address"`
	BaseAsset          string          `json:"base_asset" db:"base_asset"`
	Strategy           string          `json:"strategy" db:"strategy"`
	SharePrice         string          `json:"share_price" db:"share_price"`
	SharePriceDisplay  string          `json:"share_price_display" db:"-"`
	TotalShares        string          `json:"total_shares" db:"total_shares"`
	TotalBaseHeld      string          `json:"total_base_held" db:"total_base_held"`
	TotalDebt          string          `json:"total_debt" db:"total_debt"`
	AvailableLiquidity string          `json:"available_liquidity" db:"available_liquidity"`
	Beneficiaries      json.RawMessage `json:"beneficiaries" db:"beneficiaries"`
	LastSequence       int64           `json:"last_sequence" db:"last_sequence"`
	AsOfSequence       int64           `json:"as_of_sequence" db:"-"`
}

// PoolResponse is a pool or insurance vault as last projected.
type PoolResponse struct {
	Address           string          `json:"address" db:"address"`
	Kind              string          `json:"kind" db:"kind"`
	BaseAsset         string          `json:"base_asset" db:"base_asset"`
	SharesToken       string          `json:"shares_token" db:"shares_token"`
	Initialized       bool            `json:"initialized" db:"initialized"`
	NetAssetValue     string          `json:"net_asset_value" db:"net_asset_value"`
	TotalSupply       string          `json:"total_supply" db:"total_supply"`
	SharePrice        string          `json:"share_price" db:"share_price"`
	SharePriceDisplay string          `json:"share_price_display" db:"-"`
	IdleBalance       string          `json:"idle_balance" db:"idle_balance"`
	OpenClaims        int             `json:"open_claims" db:"open_claims"`
	Vehicles          json.RawMessage `json:"vehicles" db:"vehicles"`
	LastSequence      int64           `json:"last_sequence" db:"last_sequence"`
	AsOfSequence      int64           `json:"as_of_sequence" db:"-"`
}

// PoolAccountResponse is one depositor's live position in a pool.
type PoolAccountResponse struct {
	Pool               string     `json:"pool"`
	Account            string     `json:"account"`
	Shares             string     `json:"shares"`
	Value              string     `json:"value"`
	ValueDisplay       string     `json:"value_display"`
	PendingWithdrawFee string     `json:"pending_withdraw_fee"`
	LastDeposit        *time.Time `json:"last_deposit,omitempty"`
	Whitelisted        bool       `json:"whitelisted"`
	AsOfSequence       int64      `json:"as_of_sequence"`
}

// ClaimsResponse lists an insurance vault's claims, live.
type ClaimsResponse struct {
	Insurer      string           `json:"insurer"`
	Clients      []string         `json:"clients"`
	Claims       []pool.ClaimInfo `json:"claims"`
	OnGoingClaim bool             `json:"on_going_claim"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// BalanceResponse is a projected token balance.
type BalanceResponse struct {
	Asset          string `json:"asset"`
	Account        string `json:"account"`
	Symbol         string `json:"symbol,omitempty"`
	Balance        string `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	LastSequence   int64  `json:"last_sequence"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// StateHashResponse is the hash chain tip.
type StateHashResponse struct {
	LastSequence int64  `json:"last_sequence"`
	StateHash    string `json:"state_hash"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID   string `json:"journal_id" db:"journal_id"`
	BatchID     string `json:"batch_id" db:"batch_id"`
	EventRef    string `json:"event_ref" db:"event_ref"`
	Sequence    int64  `json:"sequence" db:"sequence"`
	Asset       string `json:"asset" db:"asset"`
	From        string `json:"from" db:"from_account"`
	To          string `json:"to" db:"to_account"`
	Amount      string `json:"amount" db:"amount"`
	JournalType int32  `json:"journal_type" db:"journal_type"`
	Timestamp   int64  `json:"timestamp" db:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not add up to the
// supply minted and burned in the journal.
type UnbalancedAsset struct {
	Asset          string `json:"asset" db:"asset"`
	JournalSupply  string `json:"journal_supply" db:"journal_supply"`
	ProjectedTotal string `json:"projected_total" db:"projected_total"`
}
