package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Duration is a time.Duration that reads either a Go duration string
// ("168h") or an integer number of seconds from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("duration %s: want string or seconds", string(b))
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// PoolSettings carries PoolInitialize arguments.
type PoolSettings struct {
	DepositCap          *big.Int       `json:"deposit_cap,omitempty"`
	FeeBps              uint32         `json:"fee_bps"`
	FeeDecay            Duration       `json:"fee_decay"`
	FeeWaive            Duration       `json:"fee_waive"`
	FeeRecipient        common.Address `json:"fee_recipient"`
	LongAsset           common.Address `json:"long_asset"`
	RewardPool          common.Address `json:"reward_pool"`
	LongSelfCompounding common.Address `json:"long_self_compounding"`
}

// Command is one state-changing request. Which optional fields are used
// depends on Kind; Validate enforces the required ones.
type Command struct {
	ID     uuid.UUID      `json:"idempotency_key"`
	Kind   EventType      `json:"kind"`
	Caller common.Address `json:"caller"`
	// Entity acted on: asset, vehicle, pool, reward pool or insurer.
	Target common.Address `json:"target"`
	// Counterparty: spender, recipient, creditor, beneficiary, vehicle.
	Account  common.Address   `json:"account"`
	Asset    common.Address   `json:"asset"`
	AssetOut common.Address   `json:"asset_out"`
	Amount   *big.Int         `json:"amount,omitempty"`
	MinOut   *big.Int         `json:"min_out,omitempty"`
	Bps      uint32           `json:"bps,omitempty"`
	Role     string           `json:"role,omitempty"`
	Flag     bool             `json:"flag,omitempty"`
	Vehicles []common.Address `json:"vehicles,omitempty"`
	Delay    Duration         `json:"delay,omitempty"`
	Waive    Duration         `json:"waive,omitempty"`

	// deployment
	Symbol   string         `json:"symbol,omitempty"`
	Decimals uint8          `json:"decimals,omitempty"`
	PoolKind string         `json:"pool_kind,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
	Source   common.Address `json:"source"`

	Settings *PoolSettings `json:"settings,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func (c *Command) IdempotencyKey() string       { return c.ID.String() }
func (c *Command) EventType() EventType         { return c.Kind }
func (c *Command) TargetEntity() common.Address { return c.Target }
func (c *Command) OccurredAt() time.Time        { return c.Timestamp }

type field uint16

const (
	fTarget field = 1 << iota
	fAccount
	fAsset
	fAssetOut
	fAmount
	fBps
	fRole
	fVehicles
	fSymbol
	fPoolKind
	fSettings
)

var fieldNames = map[field]string{
	fTarget:   "target",
	fAccount:  "account",
	fAsset:    "asset",
	fAssetOut: "asset_out",
	fAmount:   "amount",
	fBps:      "bps",
	fRole:     "role",
	fVehicles: "vehicles",
	fSymbol:   "symbol",
	fPoolKind: "pool_kind",
	fSettings: "settings",
}

var required = map[EventType]field{
	EventTypeDeployAsset:                fSymbol,
	EventTypeMintAsset:                  fTarget | fAccount | fAmount,
	EventTypeApproveAsset:               fTarget | fAccount | fAmount,
	EventTypeTransferAsset:              fTarget | fAccount | fAmount,
	EventTypeDeployVehicle:              fAsset,
	EventTypeVehicleAddCreditor:         fTarget | fAccount,
	EventTypeVehicleRemoveCreditor:      fTarget | fAccount,
	EventTypeVehicleAddBeneficiary:      fTarget | fAccount | fBps | fRole,
	EventTypeVehicleRemoveBeneficiary:   fTarget | fAccount,
	EventTypeVehicleCollectProfit:       fTarget,
	EventTypeVehicleClaimDividend:       fTarget,
	EventTypeVehicleRugPull:             fTarget | fAmount,
	EventTypeVehicleFileInsuranceClaim:  fTarget,
	EventTypeVehicleSetPumpReward:       fTarget | fAmount,
	EventTypeDeployPool:                 fAsset | fPoolKind | fSymbol,
	EventTypePoolInitialize:             fTarget | fSettings,
	EventTypePoolDeposit:                fTarget | fAmount,
	EventTypePoolWithdraw:               fTarget | fAmount,
	EventTypePoolInvestAll:              fTarget,
	EventTypePoolInvestTo:               fTarget | fAccount | fAmount,
	EventTypePoolWithdrawFromIV:         fTarget | fAccount | fAmount,
	EventTypePoolWithdrawAllFromIV:      fTarget | fAccount,
	EventTypePoolCollectAndLong:         fTarget | fVehicles,
	EventTypePoolMoveToLowestPriority:   fTarget | fAccount,
	EventTypePoolAddVehicle:             fTarget | fAccount,
	EventTypePoolRemoveVehicle:          fTarget | fAccount,
	EventTypePoolSetDepositCap:          fTarget,
	EventTypePoolSetDepositEnabled:      fTarget,
	EventTypePoolSetWithdrawFee:         fTarget,
	EventTypePoolSetFeeRecipient:        fTarget,
	EventTypePoolSetLendParams:          fTarget | fAccount,
	EventTypePoolSetRewardPool:          fTarget,
	EventTypePoolSetLongSelfCompounding: fTarget,
	EventTypePoolAddWhitelist:           fTarget | fAccount,
	EventTypePoolRemoveWhitelist:        fTarget | fAccount,
	EventTypeInsuranceAddClient:         fTarget | fAccount,
	EventTypeInsuranceRemoveClient:      fTarget | fAccount,
	EventTypeInsuranceProcessClaim:      fTarget | fAccount | fAmount,
	EventTypeTimelockChangeDelay:        0,
	EventTypeTimelockEnableVault:        fTarget,
	EventTypeTimelockAnnounceForVault:   fTarget | fAccount,
	EventTypeTimelockRemoveForVault:     fTarget | fAccount,
	EventTypeTimelockAnnounceGlobal:     fAccount,
	EventTypeTimelockRemoveGlobal:       fAccount,
	EventTypeTimelockAnnounceInsured:    fTarget | fAccount,
	EventTypeTimelockStopInsuring:       fTarget | fAccount,
	EventTypeSwapSetRate:                fAsset | fAssetOut,
	EventTypeSwapExecute:                fAsset | fAssetOut | fAmount,
	EventTypeDeployRewardPool:           0,
	EventTypeRewardAllowNotifier:        fTarget | fAccount,
}

var ErrInvalidCommand = errors.New("invalid command")

// Validate checks the envelope fields and the per-kind required arguments.
func (c *Command) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: missing idempotency_key", ErrInvalidCommand)
	}
	need, ok := required[c.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidCommand, c.Kind)
	}
	if c.Caller == (common.Address{}) {
		return fmt.Errorf("%w: %s: missing caller", ErrInvalidCommand, c.Kind)
	}
	if c.Timestamp.IsZero() {
		return fmt.Errorf("%w: %s: missing timestamp", ErrInvalidCommand, c.Kind)
	}
	if c.Amount != nil && c.Amount.Sign() < 0 {
		return fmt.Errorf("%w: %s: negative amount", ErrInvalidCommand, c.Kind)
	}
	if c.MinOut != nil && c.MinOut.Sign() < 0 {
		return fmt.Errorf("%w: %s: negative min_out", ErrInvalidCommand, c.Kind)
	}

	for f := fTarget; f <= fSettings; f <<= 1 {
		if need&f != 0 && !c.has(f) {
			return fmt.Errorf("%w: %s: missing %s", ErrInvalidCommand, c.Kind, fieldNames[f])
		}
	}
	return nil
}

func (c *Command) has(f field) bool {
	zero := common.Address{}
	switch f {
	case fTarget:
		return c.Target != zero
	case fAccount:
		return c.Account != zero
	case fAsset:
		return c.Asset != zero
	case fAssetOut:
		return c.AssetOut != zero
	case fAmount:
		return c.Amount != nil
	case fBps:
		return c.Bps != 0
	case fRole:
		return c.Role != ""
	case fVehicles:
		return len(c.Vehicles) > 0
	case fSymbol:
		return c.Symbol != ""
	case fPoolKind:
		return c.PoolKind != ""
	case fSettings:
		return c.Settings != nil
	}
	return false
}
