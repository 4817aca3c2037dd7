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

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	whale    = testutil.Addr(0x3a1e)
	charlie  = testutil.Addr(0xc4)
	treasury = testutil.Addr(0x7ea)
	sink     = testutil.Addr(0xdead)
)

const week = 7 * 24 * time.Hour

type amountResult struct {
	Amount *big.Int `json:"amount"`
}

func deployRewardPool(h *testutil.Harness, notifier common.Address) common.Address {
	h.T.Helper()
	var d struct {
		Address common.Address `json:"address"`
	}
	h.Decode(h.Exec(h.Cmd(event.EventTypeDeployRewardPool, h.Gov)), &d)
	if notifier != (common.Address{}) {
		allow := h.Cmd(event.EventTypeRewardAllowNotifier, h.Gov)
		allow.Target = d.Address
		allow.Account = notifier
		h.Exec(allow)
	}
	return d.Address
}

func collectProfit(h *testutil.Harness, vehicle common.Address) *big.Int {
	h.T.Helper()
	cmd := h.Cmd(event.EventTypeVehicleCollectProfit, h.Gov)
	cmd.Target = vehicle
	var res amountResult
	h.Decode(h.Exec(cmd), &res)
	return res.Amount
}

func poolView(h *testutil.Harness, address common.Address) core.PoolView {
	var v core.PoolView
	h.Engine.View(func(w *core.World) {
		p, ok := w.Pool(address)
		require.True(h.T, ok)
		v = core.NewPoolView(p)
	})
	return v
}

// pumpSetup: a vault pool lending everything to a profit pump that pays 1000
// per harvest, with the long side wired to a reward pool.
type pumpSetup struct {
	h          *testutil.Harness
	usdc, weth common.Address
	pool       common.Address
	vehicle    common.Address
	rewardPool common.Address
}

func newPumpSetup(t *testing.T) *pumpSetup {
	t.Helper()
	h := testutil.NewHarness(t)
	s := &pumpSetup{h: h}
	s.usdc = h.DeployAsset("USDC")
	s.weth = h.DeployAsset("WETH")

	// the reward pool needs the pool address, the pool needs the reward pool
	deploy := h.Cmd(event.EventTypeDeployPool, h.Gov)
	deploy.Asset = s.usdc
	deploy.PoolKind = "vault"
	deploy.Symbol = "vUSDC"
	var d struct {
		Address common.Address `json:"address"`
	}
	h.Decode(h.Exec(deploy), &d)
	s.pool = d.Address
	s.rewardPool = deployRewardPool(h, s.pool)

	init := h.Cmd(event.EventTypePoolInitialize, h.Gov)
	init.Target = s.pool
	init.Settings = &event.PoolSettings{LongAsset: s.weth, RewardPool: s.rewardPool}
	h.Exec(init)

	s.vehicle = h.DeployVehicle(s.usdc, "profit_pump", whale, big.NewInt(1000), s.pool)
	h.AddVehicle(s.pool, s.vehicle)
	h.Mint(s.usdc, whale, 1_000_000)
	h.Approve(whale, s.usdc, s.vehicle, fpmath.MaxUint256)
	return s
}

func (s *pumpSetup) investAll() []pool.Allocation {
	s.h.T.Helper()
	cmd := s.h.Cmd(event.EventTypePoolInvestAll, s.h.Gov)
	cmd.Target = s.pool
	var allocs []pool.Allocation
	s.h.Decode(s.h.Exec(cmd), &allocs)
	return allocs
}

// ============================================================================
// Test: profit flows through the share price and out to the reward pool
// ============================================================================

func TestScenario_ProfitRaisesSharePriceThenLongs(t *testing.T) {
	s := newPumpSetup(t)
	h := s.h

	h.Fund(s.usdc, alice, s.pool, 2000)
	assert.Equal(t, "2000", h.Deposit(s.pool, alice, 2000).String())

	allocs := s.investAll()
	require.Len(t, allocs, 1)
	assert.Equal(t, s.vehicle, allocs[0].Vehicle)
	assert.Equal(t, "2000", allocs[0].Amount.String())

	assert.Equal(t, "1000", collectProfit(h, s.vehicle).String())
	pv := poolView(h, s.pool)
	assert.Equal(t, "3000", pv.NetAssetValue.String())
	assert.Equal(t, "1500000000000000000", pv.SharePrice.String())

	// 400 shares at 1.5
	var wd pool.Withdrawal
	h.Decode(h.Exec(h.WithdrawCmd(s.pool, alice, 400)), &wd)
	assert.Equal(t, "600", wd.Entitlement.String())
	assert.Equal(t, "0", wd.Fee.String())
	assert.Equal(t, "600", wd.Payout.String())
	assert.Equal(t, "600", h.Balance(s.usdc, alice).String())

	pv = poolView(h, s.pool)
	require.Len(t, pv.Vehicles, 1)
	assert.Equal(t, "1400", pv.Vehicles[0].Debt.String())

	// route USDC -> WETH at 0.5 and fund the desk
	rate := h.Cmd(event.EventTypeSwapSetRate, h.Gov)
	rate.Asset = s.usdc
	rate.AssetOut = s.weth
	rate.Bps = 5000
	h.Exec(rate)
	var desk common.Address
	h.Engine.View(func(w *core.World) { desk = w.Swap.Address() })
	h.Mint(s.weth, desk, 10_000)

	long := h.Cmd(event.EventTypePoolCollectAndLong, h.Gov)
	long.Target = s.pool
	long.Vehicles = []common.Address{s.vehicle}
	long.MinOut = big.NewInt(500)
	var res pool.LongResult
	h.Decode(h.Exec(long), &res)

	assert.Equal(t, "1000", res.Collected[s.usdc].String())
	assert.Equal(t, "500", res.LongOut.String())
	assert.Equal(t, s.weth, res.Token)
	assert.Equal(t, "500", res.Delivered.String())
	assert.Equal(t, "500", h.Balance(s.weth, s.rewardPool).String())

	h.Engine.View(func(w *core.World) {
		rp, ok := w.RewardPoolAt(s.rewardPool)
		require.True(t, ok)
		assert.Equal(t, "500", rp.Notified(s.weth).String())
	})

	// principal stays lent, profit is gone; the burn rounds up, leaving one
	// unit of dust in the vehicle
	pv = poolView(h, s.pool)
	assert.Equal(t, "1400", pv.Vehicles[0].Debt.String())
	assert.Equal(t, "1399", pv.NetAssetValue.String())
	assert.Equal(t, "1600", pv.TotalSupply.String())
}

func TestScenario_CollectAndLongRollsBackWhenDeskIsDry(t *testing.T) {
	s := newPumpSetup(t)
	h := s.h
	h.Fund(s.usdc, alice, s.pool, 2000)
	h.Deposit(s.pool, alice, 2000)
	s.investAll()
	collectProfit(h, s.vehicle)

	rate := h.Cmd(event.EventTypeSwapSetRate, h.Gov)
	rate.Asset = s.usdc
	rate.AssetOut = s.weth
	rate.Bps = 5000
	h.Exec(rate)

	hash := h.Engine.GetStateHash()
	before := poolView(h, s.pool)
	long := h.Cmd(event.EventTypePoolCollectAndLong, h.Gov)
	long.Target = s.pool
	long.Vehicles = []common.Address{s.vehicle}
	require.ErrorIs(t, h.Try(long), errs.ErrInsufficientLiquidity)

	after := poolView(h, s.pool)
	assert.Equal(t, hash, h.Engine.GetStateHash())
	assert.Equal(t, before.NetAssetValue.String(), after.NetAssetValue.String())
	assert.Equal(t, before.Vehicles[0].Debt.String(), after.Vehicles[0].Debt.String())
	assert.Equal(t, "0", h.Balance(s.usdc, s.pool).String())
}

func TestScenario_CollectAndLongSlippage(t *testing.T) {
	s := newPumpSetup(t)
	h := s.h
	h.Fund(s.usdc, alice, s.pool, 2000)
	h.Deposit(s.pool, alice, 2000)
	s.investAll()
	collectProfit(h, s.vehicle)

	rate := h.Cmd(event.EventTypeSwapSetRate, h.Gov)
	rate.Asset = s.usdc
	rate.AssetOut = s.weth
	rate.Bps = 5000
	h.Exec(rate)
	var desk common.Address
	h.Engine.View(func(w *core.World) { desk = w.Swap.Address() })
	h.Mint(s.weth, desk, 10_000)

	long := h.Cmd(event.EventTypePoolCollectAndLong, h.Gov)
	long.Target = s.pool
	long.Vehicles = []common.Address{s.vehicle}
	long.MinOut = big.NewInt(501)
	require.ErrorIs(t, h.Try(long), errs.ErrSlippageExceeded)
}

// ============================================================================
// Test: beneficiaries
// ============================================================================

func TestScenario_BeneficiaryTakesItsCut(t *testing.T) {
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

	assert.Equal(t, "1000", collectProfit(h, s.vehicle).String())
	h.Engine.View(func(w *core.World) {
		v, _ := w.VehicleAt(s.vehicle)
		assert.Equal(t, "500", v.PendingDividend(bob).String())
		assert.Equal(t, "2500", v.TotalBaseHeld().String())
	})
	assert.Equal(t, "2500", poolView(h, s.pool).NetAssetValue.String())

	claim := h.Cmd(event.EventTypeVehicleClaimDividend, bob)
	claim.Target = s.vehicle
	var res amountResult
	h.Decode(h.Exec(claim), &res)
	assert.Equal(t, "500", res.Amount.String())
	assert.Equal(t, "500", h.Balance(s.usdc, bob).String())

	again := h.Cmd(event.EventTypeVehicleClaimDividend, bob)
	again.Target = s.vehicle
	require.ErrorIs(t, h.Try(again), errs.ErrNoDividend)
}

func TestScenario_BeneficiaryBpsCapped(t *testing.T) {
	s := newPumpSetup(t)
	h := s.h

	add := h.Cmd(event.EventTypeVehicleAddBeneficiary, h.Gov)
	add.Target = s.vehicle
	add.Account = bob
	add.Bps = 6000
	add.Role = "dividend"
	h.Exec(add)

	more := h.Cmd(event.EventTypeVehicleAddBeneficiary, h.Gov)
	more.Target = s.vehicle
	more.Account = charlie
	more.Bps = 4001
	more.Role = "dividend"
	require.ErrorIs(t, h.Try(more), errs.ErrInvalidParameter)
}

// ============================================================================
// Test: withdrawal fee decay
// ============================================================================

func TestScenario_WithdrawFeeHalvesWeekly(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{
		FeeBps:       100,
		FeeDecay:     event.Duration(week),
		FeeWaive:     event.Duration(4 * week),
		FeeRecipient: treasury,
	})
	h.Fund(usdc, alice, p, 1_000_000)
	h.Deposit(p, alice, 1_000_000)

	fees := []struct {
		advance time.Duration
		fee     string
	}{
		{0, "1000"},
		{week, "500"},
		{week, "250"},
		{2 * week, "0"},
	}
	for _, f := range fees {
		h.Clock.Advance(f.advance)
		var wd pool.Withdrawal
		h.Decode(h.Exec(h.WithdrawCmd(p, alice, 100_000)), &wd)
		assert.Equal(t, f.fee, wd.Fee.String())
		assert.Equal(t, "100000", wd.Entitlement.String())
	}
	assert.Equal(t, "1750", h.Balance(usdc, treasury).String())

	// a new deposit restarts the schedule
	h.Approve(alice, usdc, p, big.NewInt(1000))
	h.Deposit(p, alice, 1000)
	var wd pool.Withdrawal
	h.Decode(h.Exec(h.WithdrawCmd(p, alice, 100_000)), &wd)
	assert.Equal(t, "1000", wd.Fee.String())
}

// ============================================================================
// Test: insurance
// ============================================================================

func TestScenario_InsuranceClaimBlocksWithdrawUntilPaid(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	vault, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	insurer, _ := h.DeployPool("insurance", usdc, "iUSDC", event.PoolSettings{})

	v := h.DeployVehicle(usdc, "rug", sink, nil, vault)
	h.AddVehicle(vault, v)

	cover := h.Cmd(event.EventTypeVehicleAddBeneficiary, h.Gov)
	cover.Target = v
	cover.Account = insurer
	cover.Bps = 10_000
	cover.Role = "insurer"
	h.Exec(cover)
	client := h.Cmd(event.EventTypeInsuranceAddClient, h.Gov)
	client.Target = insurer
	client.Account = v
	h.Exec(client)

	h.Fund(usdc, alice, vault, 1000)
	h.Deposit(vault, alice, 1000)
	h.Fund(usdc, charlie, insurer, 1000)
	h.Deposit(insurer, charlie, 1000)

	invest := h.Cmd(event.EventTypePoolInvestAll, h.Gov)
	invest.Target = vault
	h.Exec(invest)

	rug := h.Cmd(event.EventTypeVehicleRugPull, h.Gov)
	rug.Target = v
	rug.Amount = big.NewInt(500)
	h.Exec(rug)
	assert.Equal(t, "500", h.Balance(usdc, sink).String())
	assert.Equal(t, "500", poolView(h, vault).NetAssetValue.String())

	file := h.Cmd(event.EventTypeVehicleFileInsuranceClaim, h.Gov)
	file.Target = v
	var filed []struct {
		Insurer common.Address `json:"insurer"`
		Amount  *big.Int       `json:"amount"`
	}
	h.Decode(h.Exec(file), &filed)
	require.Len(t, filed, 1)
	assert.Equal(t, insurer, filed[0].Insurer)
	assert.Equal(t, "500", filed[0].Amount.String())
	assert.Equal(t, 1, poolView(h, insurer).OpenClaims)

	require.ErrorIs(t, h.Try(h.WithdrawCmd(insurer, charlie, 1)), errs.ErrClaimPending)

	process := h.Cmd(event.EventTypeInsuranceProcessClaim, h.Gov)
	process.Target = insurer
	process.Account = v
	process.Amount = big.NewInt(10_000)
	var payment pool.ClaimPayment
	h.Decode(h.Exec(process), &payment)
	assert.Equal(t, "500", payment.Paid.String())
	assert.Equal(t, "0", payment.Remaining.String())

	h.Engine.View(func(w *core.World) {
		p, _ := w.Pool(insurer)
		assert.Equal(t, pool.ClaimResolved, p.ClaimStatusOf(v))
	})
	// the vault is made whole, the insurer's depositors absorbed the loss
	assert.Equal(t, "1000", poolView(h, vault).NetAssetValue.String())

	var wd pool.Withdrawal
	h.Decode(h.Exec(h.WithdrawCmd(insurer, charlie, 1000)), &wd)
	assert.Equal(t, "500", wd.Payout.String())
}

func TestScenario_NoShortfallFilesNothing(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	vault, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	v := h.DeployVehicle(usdc, "rug", sink, nil, vault)
	h.AddVehicle(vault, v)

	file := h.Cmd(event.EventTypeVehicleFileInsuranceClaim, h.Gov)
	file.Target = v
	r := h.Exec(file)
	assert.JSONEq(t, "null", string(r.Result))
}

// ============================================================================
// Test: pool administration
// ============================================================================

func TestScenario_MoveToLowestPriority(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	v1 := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)
	v2 := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)
	h.AddVehicle(p, v1)
	h.AddVehicle(p, v2)

	order := func() []common.Address {
		var out []common.Address
		for _, vi := range poolView(h, p).Vehicles {
			out = append(out, vi.Vehicle)
		}
		return out
	}

	move := func(v common.Address) {
		cmd := h.Cmd(event.EventTypePoolMoveToLowestPriority, h.Gov)
		cmd.Target = p
		cmd.Account = v
		h.Exec(cmd)
	}

	move(v2)
	assert.Equal(t, []common.Address{v1, v2}, order())
	move(v1)
	assert.Equal(t, []common.Address{v2, v1}, order())
}

func TestScenario_TimelockGatesNewVehicle(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	v := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)

	delay := h.Cmd(event.EventTypeTimelockChangeDelay, h.Gov)
	delay.Delay = event.Duration(24 * time.Hour)
	h.Exec(delay)
	enable := h.Cmd(event.EventTypeTimelockEnableVault, h.Gov)
	enable.Target = p
	h.Exec(enable)

	add := func() error {
		cmd := h.Cmd(event.EventTypePoolAddVehicle, h.Gov)
		cmd.Target = p
		cmd.Account = v
		cmd.Bps = 10_000
		return h.Try(cmd)
	}
	require.ErrorIs(t, add(), errs.ErrNotYetActive)

	announce := h.Cmd(event.EventTypeTimelockAnnounceForVault, h.Gov)
	announce.Target = p
	announce.Account = v
	h.Exec(announce)
	require.ErrorIs(t, add(), errs.ErrNotYetActive)

	h.Clock.Advance(24 * time.Hour)
	require.NoError(t, add())
}

func TestScenario_SelfCompoundingPoolRequiresWhitelist(t *testing.T) {
	h := testutil.NewHarness(t)
	weth := h.DeployAsset("WETH")
	scy, _ := h.DeployPool("self_compounding", weth, "scWETH", event.PoolSettings{})
	h.Fund(weth, alice, scy, 100)

	deposit := h.Cmd(event.EventTypePoolDeposit, alice)
	deposit.Target = scy
	deposit.Amount = big.NewInt(100)
	require.ErrorIs(t, h.Try(deposit), errs.ErrUnauthorized)

	wl := h.Cmd(event.EventTypePoolAddWhitelist, h.Gov)
	wl.Target = scy
	wl.Account = alice
	h.Exec(wl)

	assert.Equal(t, "100", h.Deposit(scy, alice, 100).String())
}

func TestScenario_PoolInitializesOnce(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")

	deploy := h.Cmd(event.EventTypeDeployPool, h.Gov)
	deploy.Asset = usdc
	deploy.PoolKind = "vault"
	deploy.Symbol = "vUSDC"
	var d struct {
		Address common.Address `json:"address"`
	}
	h.Decode(h.Exec(deploy), &d)

	h.Fund(usdc, alice, d.Address, 10)
	early := h.Cmd(event.EventTypePoolDeposit, alice)
	early.Target = d.Address
	early.Amount = big.NewInt(10)
	require.ErrorIs(t, h.Try(early), errs.ErrUnsupported)

	initialize := func() error {
		cmd := h.Cmd(event.EventTypePoolInitialize, h.Gov)
		cmd.Target = d.Address
		cmd.Settings = &event.PoolSettings{}
		return h.Try(cmd)
	}
	require.NoError(t, initialize())
	require.ErrorIs(t, initialize(), errs.ErrAlreadyInitialized)
}

func TestScenario_DepositCap(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{DepositCap: big.NewInt(1500)})
	h.Fund(usdc, alice, p, 2000)

	h.Deposit(p, alice, 1000)
	over := h.Cmd(event.EventTypePoolDeposit, alice)
	over.Target = p
	over.Amount = big.NewInt(501)
	require.ErrorIs(t, h.Try(over), errs.ErrCapExceeded)
	h.Deposit(p, alice, 500)
}

func TestScenario_LendLimitBoundsInvestAll(t *testing.T) {
	h := testutil.NewHarness(t)
	usdc := h.DeployAsset("USDC")
	p, _ := h.DeployPool("vault", usdc, "vUSDC", event.PoolSettings{})
	v1 := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)
	v2 := h.DeployVehicle(usdc, "hodl", common.Address{}, nil, p)

	limited := h.Cmd(event.EventTypePoolAddVehicle, h.Gov)
	limited.Target = p
	limited.Account = v1
	limited.Bps = 3000
	h.Exec(limited)
	capped := h.Cmd(event.EventTypePoolAddVehicle, h.Gov)
	capped.Target = p
	capped.Account = v2
	capped.Bps = 10_000
	capped.Amount = big.NewInt(200)
	h.Exec(capped)

	h.Fund(usdc, alice, p, 1000)
	h.Deposit(p, alice, 1000)

	invest := h.Cmd(event.EventTypePoolInvestAll, h.Gov)
	invest.Target = p
	var allocs []pool.Allocation
	h.Decode(h.Exec(invest), &allocs)

	require.Len(t, allocs, 2)
	assert.Equal(t, "300", allocs[0].Amount.String())
	assert.Equal(t, "200", allocs[1].Amount.String())
	assert.Equal(t, "500", h.Balance(usdc, p).String())

	to := h.Cmd(event.EventTypePoolInvestTo, h.Gov)
	to.Target = p
	to.Account = v2
	to.Amount = big.NewInt(1)
	require.ErrorIs(t, h.Try(to), errs.ErrLendLimitExceeded)
}
