package core_test

import (
	"math/big"
	"testing"
	"time"

	"VaultLedger/internal/core"
	"VaultLedger/internal/errs"
	"VaultLedger/internal/event"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/pool"
	"VaultLedger/internal/testutil"
	"VaultLedger/internal/vehicle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withVehicle(h *testutil.Harness, address common.Address, fn func(v *vehicle.Vehicle)) {
	h.T.Helper()
	h.Engine.View(func(w *core.World) {
		v, ok := w.VehicleAt(address)
		require.True(h.T, ok)
		fn(v)
	})
}

func investTo(h *testutil.Harness, p, v common.Address, amount int64) *event.Command {
	cmd := h.Cmd(event.EventTypePoolInvestTo, h.Gov)
	cmd.Target = p
	cmd.Account = v
	cmd.Amount = big.NewInt(amount)
	return cmd
}

func withdrawFromIV(h *testutil.Harness, p, v common.Address, amount int64) *event.Command {
	cmd := h.Cmd(event.EventTypePoolWithdrawFromIV, h.Gov)
	cmd.Target = p
	cmd.Account = v
	cmd.Amount = big.NewInt(amount)
	return cmd
}

func withdrawAllFromIV(h *testutil.Harness, p, v common.Address) *event.Command {
	cmd := h.Cmd(event.EventTypePoolWithdrawAllFromIV, h.Gov)
	cmd.Target = p
	cmd.Account = v
	return cmd
}

func removeVehicle(h *testutil.Harness, p, v common.Address) *event.Command {
	cmd := h.Cmd(event.EventTypePoolRemoveVehicle, h.Gov)
	cmd.Target = p
	cmd.Account = v
	return cmd
}

func investAll(h *testutil.Harness, p common.Address) *event.Command {
	cmd := h.Cmd(event.EventTypePoolInvestAll, h.Gov)
	cmd.Target = p
	return cmd
}

// ============================================================================
// Test: profit is shared by share, not by who harvested
// ============================================================================

func TestLending_ProfitSplitsAcrossCreditors(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	pa, _ := h.DeployPool("vault", usdc, "aUSDC", event.PoolSettings{})
	pb, _ := h.DeployPool("vault", usdc, "bUSDC", event.PoolSettings{})
	v := h.DeployVehicle(usdc, "profit_pump", whale, big.NewInt(3000), pa, pb)
	h.AddVehicle(pa, v)
	h.AddVehicle(pb, v)
	h.Mint(usdc, whale, 1_000_000)
	h.Approve(whale, usdc, v, fpmath.MaxUint256)

	h.Fund(usdc, alice, pa, 1000)
	h.Deposit(pa, alice, 1000)
	h.Exec(investAll(h, pa))
	h.Fund(usdc, bob, pb, 2000)
	h.Deposit(pb, bob, 2000)
	h.Exec(investAll(h, pb))

	// conservation and non-negative debt must hold after every step
	check := func(step string) {
		t.Helper()
		withVehicle(h, v, func(veh *vehicle.Vehicle) {
			sum := new(big.Int).Add(veh.BaseAssetBalanceOf(pa), veh.BaseAssetBalanceOf(pb))
			dust := new(big.Int).Sub(veh.TotalBaseHeld(), sum)
			assert.True(t, dust.Sign() >= 0 && dust.Cmp(big.NewInt(2)) <= 0, "%s: held %s, balances %s", step, veh.TotalBaseHeld(), sum)
			for _, c := range []common.Address{pa, pb} {
				assert.True(t, veh.DebtOf(c).Sign() >= 0, "%s: negative debt", step)
			}
		})
		for _, p := range []common.Address{pa, pb} {
			for _, vi := range poolView(h, p).Vehicles {
				assert.True(t, vi.Debt.Sign() >= 0, "%s: negative pool debt", step)
			}
		}
	}
	check("invested")

	assert.Equal(t, "3000", collectProfit(h, v).String())
	withVehicle(h, v, func(veh *vehicle.Vehicle) {
		assert.Equal(t, "2000", veh.BaseAssetBalanceOf(pa).String())
		assert.Equal(t, "4000", veh.BaseAssetBalanceOf(pb).String())
		assert.Equal(t, "1000", veh.ProfitOf(pa).String())
		assert.Equal(t, "2000", veh.ProfitOf(pb).String())
	})
	assert.Equal(t, "2000", poolView(h, pa).NetAssetValue.String())
	assert.Equal(t, "4000", poolView(h, pb).NetAssetValue.String())
	check("first harvest")

	// half of b's shares: 2000 pulled back out of the vehicle
	var wd pool.Withdrawal
	h.Decode(h.Exec(h.WithdrawCmd(pb, bob, 1000)), &wd)
	assert.Equal(t, "2000", wd.Payout.String())
	withVehicle(h, v, func(veh *vehicle.Vehicle) {
		assert.Equal(t, "0", veh.DebtOf(pb).String())
		assert.Equal(t, "2000", veh.BaseAssetBalanceOf(pb).String())
	})
	check("b withdrew")

	collectProfit(h, v)
	withVehicle(h, v, func(veh *vehicle.Vehicle) {
		assert.Equal(t, "3500", veh.BaseAssetBalanceOf(pa).String())
		assert.Equal(t, "3500", veh.BaseAssetBalanceOf(pb).String())
	})
	check("second harvest")

	h.Exec(withdrawAllFromIV(h, pa, v))
	check("a recalled principal")
}

// ============================================================================
// Test: recalling principal leaves profit behind; removal realizes it
// ============================================================================

func TestLending_WithdrawAllRecallsPrincipalOnly(t *testing.T) {
	s := newPumpSetup(t)
	h := s.h
	h.Fund(s.usdc, alice, s.pool, 2000)
	h.Deposit(s.pool, alice, 2000)
	s.investAll()
	collectProfit(h, s.vehicle)

	require.ErrorIs(t, h.Try(removeVehicle(h, s.pool, s.vehicle)), errs.ErrDebtOutstanding)

	var res amountResult
	h.Decode(h.Exec(withdrawAllFromIV(h, s.pool, s.vehicle)), &res)
	assert.Equal(t, "2000", res.Amount.String())
	assert.Equal(t, "2000", h.Balance(s.usdc, s.pool).String())

	pv := poolView(h, s.pool)
	require.Len(t, pv.Vehicles, 1)
	assert.Equal(t, "0", pv.Vehicles[0].Debt.String())
	withVehicle(h, s.vehicle, func(v *vehicle.Vehicle) {
		assert.Equal(t, "0", v.DebtOf(s.pool).String())
		assert.Positive(t, v.ProfitOf(s.pool).Sign())
		assert.Equal(t, v.BaseAssetBalanceOf(s.pool).String(), v.ProfitOf(s.pool).String())
	})

	// nothing left to recall
	h.Decode(h.Exec(withdrawAllFromIV(h, s.pool, s.vehicle)), &res)
	assert.Equal(t, "0", res.Amount.String())
}

func TestLending_RemoveVehicleKeepsPoolValue(t *testing.T) {
	s := newPumpSetup(t)
	h := s.h
	h.Fund(s.usdc, alice, s.pool, 2000)
	h.Deposit(s.pool, alice, 2000)
	s.investAll()
	collectProfit(h, s.vehicle)
	h.Exec(withdrawAllFromIV(h, s.pool, s.vehicle))

	before := poolView(h, s.pool)
	h.Exec(removeVehicle(h, s.pool, s.vehicle))
	after := poolView(h, s.pool)

	assert.Empty(t, after.Vehicles)
	assert.Equal(t, before.NetAssetValue.String(), after.NetAssetValue.String())
	assert.Equal(t, before.SharePrice.String(), after.SharePrice.String())
	assert.Equal(t, after.NetAssetValue.String(), after.IdleBalance.String())
	withVehicle(h, s.vehicle, func(v *vehicle.Vehicle) {
		assert.Equal(t, "0", v.BaseAssetBalanceOf(s.pool).String())
	})

	// a late depositor buys in at the unchanged price
	h.Fund(s.usdc, charlie, s.pool, 1500)
	minted := h.Deposit(s.pool, charlie, 1500)
	expected := new(big.Int).Mul(big.NewInt(1500), after.TotalSupply)
	expected.Quo(expected, after.NetAssetValue)
	assert.Equal(t, expected.String(), minted.String())
	assert.Equal(t, "1000", minted.String())
}

// ============================================================================
// Test: removing a creditor stops new lending but not exits
// ============================================================================

func TestLending_RemovedCreditorCanOnlyExit(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	v := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)
	h.AddVehicle(p, v)
	h.Fund(usdc, alice, p, 2000)
	h.Deposit(p, alice, 2000)

	h.Exec(investTo(h, p, v, 1000))

	var res amountResult
	h.Decode(h.Exec(withdrawFromIV(h, p, v, 400)), &res)
	assert.Equal(t, "400", res.Amount.String())
	assert.Equal(t, "600", poolView(h, p).Vehicles[0].Debt.String())
	assert.Equal(t, "1400", h.Balance(usdc, p).String())
	require.ErrorIs(t, h.Try(withdrawFromIV(h, p, v, 601)), errs.ErrInsufficientLiquidity)

	remove := h.Cmd(event.EventTypeVehicleRemoveCreditor, h.Gov)
	remove.Target = v
	remove.Account = p
	h.Exec(remove)
	withVehicle(h, v, func(veh *vehicle.Vehicle) {
		assert.False(t, veh.IsActiveCreditor(p))
		assert.Equal(t, "600", veh.DebtOf(p).String())
	})

	require.ErrorIs(t, h.Try(investAll(h, p)), errs.ErrNotActiveCreditor)
	require.ErrorIs(t, h.Try(investTo(h, p, v, 1)), errs.ErrNotActiveCreditor)

	h.Decode(h.Exec(withdrawAllFromIV(h, p, v)), &res)
	assert.Equal(t, "600", res.Amount.String())
	assert.Equal(t, "0", poolView(h, p).Vehicles[0].Debt.String())
	assert.Equal(t, "2000", h.Balance(usdc, p).String())

	again := h.Cmd(event.EventTypeVehicleRemoveCreditor, h.Gov)
	again.Target = v
	again.Account = p
	require.ErrorIs(t, h.Try(again), errs.ErrNotActiveCreditor)

	add := h.Cmd(event.EventTypeVehicleAddCreditor, h.Gov)
	add.Target = v
	add.Account = p
	h.Exec(add)
	var allocs []pool.Allocation
	h.Decode(h.Exec(investAll(h, p)), &allocs)
	require.Len(t, allocs, 1)
	assert.Equal(t, "2000", allocs[0].Amount.String())
}

// ============================================================================
// Test: withdrawals drain vehicles in priority order
// ============================================================================

func TestLending_WithdrawPullsVehiclesInPriorityOrder(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	v1 := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)
	v2 := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)
	h.AddVehicle(p, v1)
	h.AddVehicle(p, v2)
	h.Fund(usdc, alice, p, 1000)
	h.Deposit(p, alice, 1000)
	h.Exec(investTo(h, p, v1, 400))
	h.Exec(investTo(h, p, v2, 400))

	debts := func() []string {
		var out []string
		for _, vi := range poolView(h, p).Vehicles {
			out = append(out, vi.Debt.String())
		}
		return out
	}

	var wd pool.Withdrawal
	h.Decode(h.Exec(h.WithdrawCmd(p, alice, 700)), &wd)
	assert.Equal(t, "700", wd.Payout.String())
	assert.Equal(t, []string{"0", "300"}, debts())
	assert.Equal(t, "0", h.Balance(usdc, p).String())

	h.Decode(h.Exec(h.WithdrawCmd(p, alice, 100)), &wd)
	assert.Equal(t, []string{"0", "200"}, debts())
	assert.Equal(t, "800", h.Balance(usdc, alice).String())
}

// ============================================================================
// Test: dividends survive beneficiary removal
// ============================================================================

func TestLending_DividendClaimableAfterBeneficiaryRemoved(t *testing.T) {
	s := newPumpSetup(t)
	h := s.h

	add := h.Cmd(event.EventTypeVehicleAddBeneficiary, h.Gov)
	add.Target = s.vehicle
	add.Account = bob
	add.Bps = 5000
	add.Role = "dividend"
	h.Exec(add)

	h.Fund(s.usdc, alice, s.pool, 2000)
	h.Deposit(s.pool, alice, 2000)
	s.investAll()
	collectProfit(h, s.vehicle)

	remove := h.Cmd(event.EventTypeVehicleRemoveBeneficiary, h.Gov)
	remove.Target = s.vehicle
	remove.Account = bob
	h.Exec(remove)

	// later profit goes entirely to share holders
	collectProfit(h, s.vehicle)
	withVehicle(h, s.vehicle, func(v *vehicle.Vehicle) {
		assert.Empty(t, v.Beneficiaries())
		assert.Equal(t, "500", v.PendingDividend(bob).String())
		assert.Equal(t, "3500", v.TotalBaseHeld().String())
	})

	claim := h.Cmd(event.EventTypeVehicleClaimDividend, bob)
	claim.Target = s.vehicle
	var res amountResult
	h.Decode(h.Exec(claim), &res)
	assert.Equal(t, "500", res.Amount.String())
	assert.Equal(t, "500", h.Balance(s.usdc, bob).String())

	again := h.Cmd(event.EventTypeVehicleClaimDividend, bob)
	again.Target = s.vehicle
	require.ErrorIs(t, h.Try(again), errs.ErrNoDividend)

	twice := h.Cmd(event.EventTypeVehicleRemoveBeneficiary, h.Gov)
	twice.Target = s.vehicle
	twice.Account = bob
	require.ErrorIs(t, h.Try(twice), errs.ErrInvalidParameter)
}

// ============================================================================
// Test: pending fee on a 1,000,000 position, 7 day decay, 21 day waive
// ============================================================================

func TestLending_PendingFeeSchedule(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{
		FeeBps:   100,
		FeeDecay: event.Duration(week),
		FeeWaive: event.Duration(3 * week),
	})
	h.Fund(usdc, alice, p, 1_000_000)
	h.Deposit(p, alice, 1_000_000)
	deposited := h.Clock.Now

	for i, want := range []string{"10000", "5000", "2500", "0"} {
		now := deposited.Add(time.Duration(i) * week)
		h.Engine.View(func(w *core.World) {
			pl, ok := w.Pool(p)
			require.True(t, ok)
			assert.Equal(t, want, pl.PendingWithdrawFee(alice, now).String(), "week %d", i)
		})
	}
}
