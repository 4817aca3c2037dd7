package testutil

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"VaultLedger/internal/core"
	"VaultLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Governance is the address harness engines are deployed under.
var Governance = Addr(0x60)

// Harness drives an in-memory engine with no database behind it. Persist
// outputs are buffered so tests can inspect what the engine emitted.
type Harness struct {
	T       testing.TB
	Engine  *core.Engine
	Clock   *Clock
	Gov     common.Address
	Persist chan core.CoreOutput
}

func NewHarness(t testing.TB) *Harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 4096)
	eng := core.NewEngine(core.Options{
		Governance:  Governance,
		LRUCapacity: 1024,
		PersistChan: persist,
		Logger:      zerolog.Nop(),
	})
	return &Harness{T: t, Engine: eng, Clock: NewClock(), Gov: Governance, Persist: persist}
}

func (h *Harness) Cmd(kind event.EventType, caller common.Address) *event.Command {
	return h.Clock.Command(kind, caller)
}

// Exec runs cmd and fails the test on error.
func (h *Harness) Exec(cmd *event.Command) *core.Receipt {
	h.T.Helper()
	r, err := h.Engine.Execute(context.Background(), cmd)
	require.NoError(h.T, err, "%s", cmd.Kind)
	return r
}

// Try runs cmd and returns its error.
func (h *Harness) Try(cmd *event.Command) error {
	_, err := h.Engine.Execute(context.Background(), cmd)
	return err
}

// Decode unmarshals a receipt result into v.
func (h *Harness) Decode(r *core.Receipt, v any) {
	h.T.Helper()
	require.NotEmpty(h.T, r.Result)
	require.NoError(h.T, json.Unmarshal(r.Result, v))
}

// Outputs drains everything emitted on the persist channel so far.
func (h *Harness) Outputs() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o, ok := <-h.Persist:
			if !ok {
				return out
			}
			out = append(out, o)
		default:
			return out
		}
	}
}

type deployed struct {
	Address     common.Address `json:"address"`
	SharesToken common.Address `json:"shares_token"`
}

func (h *Harness) DeployAsset(symbol string) common.Address {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypeDeployAsset, h.Gov)
	cmd.Symbol = symbol
	cmd.Decimals = 18
	var d deployed
	h.Decode(h.Exec(cmd), &d)
	return d.Address
}

// DeployVehicle deploys a vehicle and registers pools as its creditors.
func (h *Harness) DeployVehicle(asset common.Address, strategy string, source common.Address, reward *big.Int, creditors ...common.Address) common.Address {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypeDeployVehicle, h.Gov)
	cmd.Asset = asset
	cmd.Strategy = strategy
	cmd.Source = source
	cmd.Amount = reward
	var d deployed
	h.Decode(h.Exec(cmd), &d)

	for _, c := range creditors {
		add := h.Cmd(event.EventTypeVehicleAddCreditor, h.Gov)
		add.Target = d.Address
		add.Account = c
		h.Exec(add)
	}
	return d.Address
}

// DeployPool deploys and initializes a pool, returning its address and
// shares token.
func (h *Harness) DeployPool(kind string, asset common.Address, symbol string, settings event.PoolSettings) (common.Address, common.Address) {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypeDeployPool, h.Gov)
	cmd.Asset = asset
	cmd.PoolKind = kind
	cmd.Symbol = symbol
	var d deployed
	h.Decode(h.Exec(cmd), &d)

	init := h.Cmd(event.EventTypePoolInitialize, h.Gov)
	init.Target = d.Address
	init.Settings = &settings
	h.Exec(init)
	return d.Address, d.SharesToken
}

// AddVehicle lends up to 100% of the pool's NAV to vehicle.
func (h *Harness) AddVehicle(pool, vehicle common.Address) {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypePoolAddVehicle, h.Gov)
	cmd.Target = pool
	cmd.Account = vehicle
	cmd.Bps = 10_000
	h.Exec(cmd)
}

func (h *Harness) Mint(asset, to common.Address, amount int64) {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypeMintAsset, h.Gov)
	cmd.Target = asset
	cmd.Account = to
	cmd.Amount = big.NewInt(amount)
	h.Exec(cmd)
}

func (h *Harness) Approve(owner, asset, spender common.Address, amount *big.Int) {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypeApproveAsset, owner)
	cmd.Target = asset
	cmd.Account = spender
	cmd.Amount = amount
	h.Exec(cmd)
}

// Fund mints amount to user and approves pool to pull it.
func (h *Harness) Fund(asset, user, pool common.Address, amount int64) {
	h.T.Helper()
	h.Mint(asset, user, amount)
	h.Approve(user, asset, pool, big.NewInt(amount))
}

// Deposit deposits into pool and returns the shares minted.
func (h *Harness) Deposit(pool, user common.Address, amount int64) *big.Int {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypePoolDeposit, user)
	cmd.Target = pool
	cmd.Amount = big.NewInt(amount)
	var res struct {
		Amount *big.Int `json:"amount"`
	}
	h.Decode(h.Exec(cmd), &res)
	return res.Amount
}

func (h *Harness) WithdrawCmd(pool, user common.Address, shares int64) *event.Command {
	cmd := h.Cmd(event.EventTypePoolWithdraw, user)
	cmd.Target = pool
	cmd.Amount = big.NewInt(shares)
	return cmd
}

// Balance reads an asset balance from the engine's world.
func (h *Harness) Balance(asset, owner common.Address) *big.Int {
	h.T.Helper()
	var out *big.Int
	h.Engine.View(func(w *core.World) {
		a, ok := w.Ledger.Asset(asset)
		require.True(h.T, ok, "asset %s", asset.Hex())
		out = a.BalanceOf(owner)
	})
	return out
}
