package pool

import (
	"fmt"
	"math/big"
	"time"

	"VaultLedger/internal/access"
	"VaultLedger/internal/errs"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/rewards"
	"VaultLedger/internal/swap"
	"VaultLedger/internal/timelock"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	KindVault           Kind = "vault"
	KindSelfCompounding Kind = "self_compounding"
	KindInsurance       Kind = "insurance"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindVault, KindSelfCompounding, KindInsurance:
		return k, nil
	default:
		return "", fmt.Errorf("%w: pool kind %q", errs.ErrInvalidParameter, s)
	}
}

// Vehicle is what a pool needs from an investment vehicle.
type Vehicle interface {
	Address() common.Address
	BaseAsset() common.Address
	Deposit(creditor common.Address, amount *big.Int) (*big.Int, error)
	Withdraw(holder common.Address, amount *big.Int) (*big.Int, error)
	WithdrawProfit(holder common.Address, amount *big.Int) (*big.Int, error)
	BaseAssetBalanceOf(holder common.Address) *big.Int
	ProfitOf(holder common.Address) *big.Int
	DebtOf(creditor common.Address) *big.Int
	AvailableLiquidity() *big.Int
	PendingDividend(beneficiary common.Address) *big.Int
	ClaimDividendAsBeneficiary(caller common.Address) (*big.Int, error)
	ReceiveClaimPayment(insurer common.Address, amount *big.Int) error
}

type VehicleDirectory interface {
	Vehicle(address common.Address) (Vehicle, bool)
}

type Directory interface {
	Pool(address common.Address) (*Pool, bool)
}

type RewardDirectory interface {
	RewardPool(address common.Address) (rewards.Notifier, bool)
}

// Deps are the collaborators a pool calls into.
type Deps struct {
	Assets   swap.TokenDirectory
	Vehicles VehicleDirectory
	Pools    Directory
	Rewards  RewardDirectory
	Router   swap.Router
	Gate     timelock.Gate
	Policy   access.Policy
}

// Config is fixed at construction.
type Config struct {
	Kind        Kind
	Address     common.Address
	BaseAsset   common.Address
	SharesToken common.Address // the pool must be its minter
}

// Settings are applied once by Initialize and adjusted later by governance.
type Settings struct {
	DepositCap          *big.Int // nil is unlimited
	WithdrawFee         FeeSchedule
	FeeRecipient        common.Address // zero keeps fees in the pool
	LongAsset           common.Address
	RewardPool          common.Address
	LongSelfCompounding common.Address
}

type investment struct {
	vehicle    common.Address
	debt       *big.Int
	lendMaxBps uint32
	lendCap    *big.Int
}

type claim struct {
	filed     *big.Int
	remaining *big.Int
	active    bool
}

// Pool issues a fungible share token against deposited base asset and lends
// it to investment vehicles in priority order.
// Not thread-safe. Only accessed from the single-threaded core.
type Pool struct {
	kind    Kind
	address common.Address
	base    ledger.Token
	shares  ledger.Token
	deps    Deps

	initialized    bool
	depositEnabled bool
	depositCap     *big.Int
	fee            FeeSchedule
	feeRecipient   common.Address
	longAsset      common.Address
	rewardPool     common.Address
	longSelfComp   common.Address

	lastDeposit map[common.Address]time.Time
	whitelist   map[common.Address]bool

	// priority order, lowest index first
	vehicles []*investment

	// insurance only
	clients []common.Address
	claims  map[common.Address]*claim
}

func New(cfg Config, deps Deps) (*Pool, error) {
	if _, err := ParseKind(string(cfg.Kind)); err != nil {
		return nil, err
	}
	base, ok := deps.Assets.Token(cfg.BaseAsset)
	if !ok {
		return nil, fmt.Errorf("%w: base asset %s", errs.ErrUnknownEntity, cfg.BaseAsset.Hex())
	}
	shares, ok := deps.Assets.Token(cfg.SharesToken)
	if !ok {
		return nil, fmt.Errorf("%w: shares token %s", errs.ErrUnknownEntity, cfg.SharesToken.Hex())
	}
	return &Pool{
		kind:        cfg.Kind,
		address:     cfg.Address,
		base:        base,
		shares:      shares,
		deps:        deps,
		lastDeposit: make(map[common.Address]time.Time),
		whitelist:   make(map[common.Address]bool),
		claims:      make(map[common.Address]*claim),
	}, nil
}

// Initialize applies settings and opens deposits. It runs once.
func (p *Pool) Initialize(caller common.Address, s Settings) error {
	if err := p.deps.Policy.RequireGovernance(caller); err != nil {
		return err
	}
	if p.initialized {
		return fmt.Errorf("%w: pool %s", errs.ErrAlreadyInitialized, p.address.Hex())
	}
	if !s.WithdrawFee.valid() {
		return fmt.Errorf("%w: withdraw fee %+v", errs.ErrInvalidParameter, s.WithdrawFee)
	}

	p.initialized = true
	p.depositEnabled = true
	p.depositCap = cloneCap(s.DepositCap)
	p.fee = s.WithdrawFee
	p.feeRecipient = s.FeeRecipient
	p.longAsset = s.LongAsset
	p.rewardPool = s.RewardPool
	p.longSelfComp = s.LongSelfCompounding
	return nil
}

func (p *Pool) Address() common.Address     { return p.address }
func (p *Pool) Kind() Kind                  { return p.kind }
func (p *Pool) BaseAsset() common.Address   { return p.base.Address() }
func (p *Pool) SharesToken() common.Address { return p.shares.Address() }
func (p *Pool) LongAsset() common.Address   { return p.longAsset }
func (p *Pool) Initialized() bool           { return p.initialized }
func (p *Pool) DepositEnabled() bool        { return p.depositEnabled }
func (p *Pool) WithdrawFee() FeeSchedule    { return p.fee }

func (p *Pool) DepositCap() *big.Int { return cloneCap(p.depositCap) }

func (p *Pool) TotalSupply() *big.Int { return p.shares.TotalSupply() }

func (p *Pool) SharesOf(user common.Address) *big.Int { return p.shares.BalanceOf(user) }

func (p *Pool) IdleBalance() *big.Int { return p.base.BalanceOf(p.address) }

// NetAssetValue is idle base asset plus the pool's balance in every vehicle.
func (p *Pool) NetAssetValue() *big.Int {
	nav := p.IdleBalance()
	for _, inv := range p.vehicles {
		if v, ok := p.deps.Vehicles.Vehicle(inv.vehicle); ok {
			nav.Add(nav, v.BaseAssetBalanceOf(p.address))
		}
	}
	return nav
}

// SharePrice is NAV per pool share scaled by ShareUnit.
func (p *Pool) SharePrice() *big.Int {
	supply := p.TotalSupply()
	if supply.Sign() == 0 {
		return new(big.Int).Set(fpmath.ShareUnit)
	}
	return fpmath.MulDiv(p.NetAssetValue(), fpmath.ShareUnit, supply, fpmath.RoundDown)
}

// ValueOf is the base asset user's shares are worth before fees.
func (p *Pool) ValueOf(user common.Address) *big.Int {
	return p.entitlement(p.SharesOf(user))
}

func (p *Pool) LastDeposit(user common.Address) (time.Time, bool) {
	t, ok := p.lastDeposit[user]
	return t, ok
}

// Deposit mints pool shares for amount of base asset. The user must have
// approved the pool.
func (p *Pool) Deposit(user common.Address, amount *big.Int, now time.Time) (*big.Int, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	if !fpmath.IsPositive(amount) {
		return nil, fmt.Errorf("%w: deposit amount must be positive", errs.ErrInvalidParameter)
	}
	if p.kind == KindSelfCompounding && !p.whitelist[user] {
		return nil, fmt.Errorf("%w: %s is not whitelisted for %s", errs.ErrUnauthorized, user.Hex(), p.address.Hex())
	}
	if !p.depositEnabled {
		return nil, fmt.Errorf("%w: deposits disabled", errs.ErrCapExceeded)
	}

	nav := p.NetAssetValue()
	if p.depositCap != nil && new(big.Int).Add(nav, amount).Cmp(p.depositCap) > 0 {
		return nil, fmt.Errorf("%w: deposit cap %s, nav %s, deposit %s", errs.ErrCapExceeded, p.depositCap, nav, amount)
	}

	supply := p.TotalSupply()
	var minted *big.Int
	switch {
	case supply.Sign() == 0:
		minted = new(big.Int).Set(amount)
	case nav.Sign() == 0:
		return nil, fmt.Errorf("%w: pool shares outstanding with no backing", errs.ErrInsufficientLiquidity)
	default:
		minted = fpmath.MulDiv(amount, supply, nav, fpmath.RoundDown)
	}
	if minted.Sign() == 0 {
		return nil, fmt.Errorf("%w: deposit of %s mints no shares", errs.ErrInsufficientShares, amount)
	}
	if err := p.requireFunds(user, amount); err != nil {
		return nil, err
	}

	p.lastDeposit[user] = now
	if err := p.shares.Mint(p.address, user, minted); err != nil {
		return nil, err
	}
	if err := p.base.TransferFrom(p.address, user, p.address, amount); err != nil {
		return nil, fmt.Errorf("deposit pull: %w", err)
	}
	return minted, nil
}

// Withdrawal describes a completed pool withdrawal.
type Withdrawal struct {
	Shares      *big.Int `json:"shares"`
	Entitlement *big.Int `json:"entitlement"`
	Fee         *big.Int `json:"fee"`
	Payout      *big.Int `json:"payout"`
}

// Withdraw burns shares and pays their value less the withdrawal fee, pulling
// from vehicles in priority order when idle funds are short.
func (p *Pool) Withdraw(user common.Address, shares *big.Int, now time.Time) (*Withdrawal, error) {
	if err := p.requireInitialized(); err != nil {
		return nil, err
	}
	if p.OnGoingClaim() {
		return nil, errs.ErrClaimPending
	}
	if !fpmath.IsPositive(shares) {
		return nil, fmt.Errorf("%w: withdraw shares must be positive", errs.ErrInvalidParameter)
	}
	if held := p.SharesOf(user); held.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: %s holds %s pool shares, requested %s", errs.ErrInsufficientShares, user.Hex(), held, shares)
	}

	w := &Withdrawal{Shares: new(big.Int).Set(shares), Entitlement: p.entitlement(shares)}
	w.Fee = p.feeFor(user, w.Entitlement, now)
	w.Payout = new(big.Int).Sub(w.Entitlement, w.Fee)

	needed := w.Payout
	if p.feeRecipient != (common.Address{}) {
		needed = w.Entitlement
	}
	if liq := p.Liquidity(); liq.Cmp(needed) < 0 {
		return nil, fmt.Errorf("%w: pool can raise %s, withdrawal needs %s", errs.ErrInsufficientSystemLiquidity, liq, needed)
	}

	if err := p.shares.Burn(p.address, user, shares); err != nil {
		return nil, err
	}
	if err := p.gather(needed); err != nil {
		return nil, err
	}
	if err := p.base.Transfer(p.address, user, w.Payout); err != nil {
		return nil, fmt.Errorf("withdraw pay out: %w", err)
	}
	if p.feeRecipient != (common.Address{}) && w.Fee.Sign() > 0 {
		if err := p.base.Transfer(p.address, p.feeRecipient, w.Fee); err != nil {
			return nil, fmt.Errorf("withdraw fee: %w", err)
		}
	}
	return w, nil
}

// PendingWithdrawFee is the fee user would pay to withdraw every share at now.
func (p *Pool) PendingWithdrawFee(user common.Address, now time.Time) *big.Int {
	return p.feeFor(user, p.ValueOf(user), now)
}

// Liquidity is what the pool can raise right now: idle funds plus, per
// vehicle, the smaller of its balance there and what the vehicle can pay.
func (p *Pool) Liquidity() *big.Int {
	total := p.IdleBalance()
	for _, inv := range p.vehicles {
		v, ok := p.deps.Vehicles.Vehicle(inv.vehicle)
		if !ok {
			continue
		}
		total.Add(total, fpmath.Min(v.BaseAssetBalanceOf(p.address), v.AvailableLiquidity()))
	}
	return total
}

// Allocation records base asset moved into a vehicle.
type Allocation struct {
	Vehicle common.Address `json:"vehicle"`
	Amount  *big.Int       `json:"amount"`
	Shares  *big.Int       `json:"shares"`
}

// InvestAll pushes idle funds into vehicles in priority order, each up to
// its lend limits.
func (p *Pool) InvestAll(caller common.Address) ([]Allocation, error) {
	if err := p.requireGovernance(caller); err != nil {
		return nil, err
	}

	var out []Allocation
	for _, inv := range p.vehicles {
		idle := p.IdleBalance()
		if idle.Sign() == 0 {
			break
		}
		v, err := p.vehicle(inv.vehicle)
		if err != nil {
			return nil, err
		}
		amount := fpmath.Min(idle, p.headroom(inv))
		if amount.Sign() == 0 {
			continue
		}
		minted, err := p.invest(inv, v, amount)
		if err != nil {
			return nil, err
		}
		out = append(out, Allocation{Vehicle: inv.vehicle, Amount: amount, Shares: minted})
	}
	return out, nil
}

func (p *Pool) InvestTo(caller, vehicle common.Address, amount *big.Int) (*Allocation, error) {
	if err := p.requireGovernance(caller); err != nil {
		return nil, err
	}
	inv, v, err := p.lookup(vehicle)
	if err != nil {
		return nil, err
	}
	if !fpmath.IsPositive(amount) {
		return nil, fmt.Errorf("%w: invest amount must be positive", errs.ErrInvalidParameter)
	}
	if idle := p.IdleBalance(); idle.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: pool holds %s idle, invest needs %s", errs.ErrInsufficientLiquidity, idle, amount)
	}

	after := new(big.Int).Add(inv.debt, amount)
	if after.Cmp(inv.lendCap) > 0 {
		return nil, fmt.Errorf("%w: %w: lend cap %s, debt would be %s",
			errs.ErrLendLimitExceeded, errs.ErrCapExceeded, inv.lendCap, after)
	}
	if limit := fpmath.BpsOf(p.NetAssetValue(), inv.lendMaxBps); after.Cmp(limit) > 0 {
		return nil, fmt.Errorf("%w: %d bps of nav is %s, debt would be %s",
			errs.ErrLendLimitExceeded, inv.lendMaxBps, limit, after)
	}

	minted, err := p.invest(inv, v, amount)
	if err != nil {
		return nil, err
	}
	return &Allocation{Vehicle: vehicle, Amount: new(big.Int).Set(amount), Shares: minted}, nil
}

// WithdrawFromIV recalls amount of principal from vehicle.
func (p *Pool) WithdrawFromIV(caller, vehicle common.Address, amount *big.Int) (*big.Int, error) {
	if err := p.requireGovernance(caller); err != nil {
		return nil, err
	}
	inv, v, err := p.lookup(vehicle)
	if err != nil {
		return nil, err
	}
	if !fpmath.IsPositive(amount) {
		return nil, fmt.Errorf("%w: recall amount must be positive", errs.ErrInvalidParameter)
	}
	return p.recall(inv, v, amount)
}

// WithdrawAllFromIV recalls exactly the recorded debt, leaving profit shares
// in place.
func (p *Pool) WithdrawAllFromIV(caller, vehicle common.Address) (*big.Int, error) {
	if err := p.requireGovernance(caller); err != nil {
		return nil, err
	}
	inv, v, err := p.lookup(vehicle)
	if err != nil {
		return nil, err
	}
	if inv.debt.Sign() == 0 {
		return new(big.Int), nil
	}
	amount := new(big.Int).Set(inv.debt)
	if _, err := p.recall(inv, v, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// LongResult describes one CollectAndLong run.
type LongResult struct {
	Collected map[common.Address]*big.Int `json:"collected"` // per input asset
	LongOut   *big.Int                    `json:"long_out"`
	Token     common.Address              `json:"token"` // what reached the reward pool
	Delivered *big.Int                    `json:"delivered"`
}

// CollectAndLong realizes the pool's profit in each listed vehicle, converts
// it into the long asset with one swap per input asset and forwards the
// result to the reward pool. minOut bounds the aggregate long output.
func (p *Pool) CollectAndLong(caller common.Address, vehicles []common.Address, minOut *big.Int, now time.Time) (*LongResult, error) {
	if err := p.requireGovernance(caller); err != nil {
		return nil, err
	}
	if p.longAsset == (common.Address{}) || p.rewardPool == (common.Address{}) {
		return nil, fmt.Errorf("%w: pool %s has no long asset or reward pool", errs.ErrInvalidParameter, p.address.Hex())
	}

	minOut = fpmath.Clone(minOut)

	res := &LongResult{Collected: make(map[common.Address]*big.Int), LongOut: new(big.Int), Delivered: new(big.Int)}
	var order []common.Address
	for _, addr := range vehicles {
		v, err := p.vehicle(addr)
		if err != nil {
			return nil, err
		}

		got := new(big.Int)
		if p.index(addr) >= 0 {
			profit := fpmath.Min(v.ProfitOf(p.address), v.AvailableLiquidity())
			if profit.Sign() > 0 {
				if _, err := v.WithdrawProfit(p.address, profit); err != nil {
					return nil, fmt.Errorf("collect profit from %s: %w", addr.Hex(), err)
				}
				got.Add(got, profit)
			}
		}
		if v.PendingDividend(p.address).Sign() > 0 {
			d, err := v.ClaimDividendAsBeneficiary(p.address)
			if err != nil {
				return nil, err
			}
			got.Add(got, d)
		}
		if got.Sign() == 0 {
			continue
		}

		asset := v.BaseAsset()
		if _, seen := res.Collected[asset]; !seen {
			order = append(order, asset)
			res.Collected[asset] = new(big.Int)
		}
		res.Collected[asset].Add(res.Collected[asset], got)
	}

	for _, asset := range order {
		out, err := p.convert(asset, p.longAsset, res.Collected[asset])
		if err != nil {
			return nil, err
		}
		res.LongOut.Add(res.LongOut, out)
	}
	if res.LongOut.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: collected %s long, minimum %s", errs.ErrSlippageExceeded, res.LongOut, minOut)
	}
	if res.LongOut.Sign() == 0 {
		return res, nil
	}

	res.Token, res.Delivered = p.longAsset, new(big.Int).Set(res.LongOut)
	if p.longSelfComp != (common.Address{}) {
		token, shares, err := p.depositLong(res.LongOut, now)
		if err != nil {
			return nil, err
		}
		res.Token, res.Delivered = token, shares
	}

	if err := p.notify(res.Token, res.Delivered); err != nil {
		return nil, err
	}
	return res, nil
}

// MoveInvestmentVehicleToLowestPriority moves vehicle to the end of the
// withdrawal order. Moving the last vehicle changes nothing.
func (p *Pool) MoveInvestmentVehicleToLowestPriority(caller, vehicle common.Address) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	i := p.index(vehicle)
	if i < 0 {
		return fmt.Errorf("%w: vehicle %s is not in pool %s", errs.ErrUnknownEntity, vehicle.Hex(), p.address.Hex())
	}
	if i == len(p.vehicles)-1 {
		return nil
	}
	inv := p.vehicles[i]
	p.vehicles = append(p.vehicles[:i], p.vehicles[i+1:]...)
	p.vehicles = append(p.vehicles, inv)
	return nil
}

// AddInvestmentVehicle appends vehicle at the lowest priority. A nil lendCap
// is unlimited.
func (p *Pool) AddInvestmentVehicle(caller, vehicle common.Address, lendMaxBps uint32, lendCap *big.Int, now time.Time) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	if p.index(vehicle) >= 0 {
		return fmt.Errorf("%w: vehicle %s already in pool", errs.ErrInvalidParameter, vehicle.Hex())
	}
	v, err := p.vehicle(vehicle)
	if err != nil {
		return err
	}
	if v.BaseAsset() != p.base.Address() {
		return fmt.Errorf("%w: vehicle base %s differs from pool base %s", errs.ErrInvalidParameter, v.BaseAsset().Hex(), p.base.Address().Hex())
	}
	if lendMaxBps > fpmath.BasisPoints {
		return fmt.Errorf("%w: lend max bps %d", errs.ErrInvalidParameter, lendMaxBps)
	}
	if p.deps.Gate != nil && p.deps.Gate.VaultTimelockEnabled(p.address) && !p.deps.Gate.IsIVActiveForVault(p.address, vehicle, now) {
		return fmt.Errorf("%w: vehicle %s for pool %s", errs.ErrNotYetActive, vehicle.Hex(), p.address.Hex())
	}

	p.vehicles = append(p.vehicles, &investment{
		vehicle:    vehicle,
		debt:       v.DebtOf(p.address),
		lendMaxBps: lendMaxBps,
		lendCap:    lendCapOrMax(lendCap),
	})
	return nil
}

func (p *Pool) RemoveInvestmentVehicle(caller, vehicle common.Address) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	inv, v, err := p.lookup(vehicle)
	if err != nil {
		return err
	}
	if inv.debt.Sign() != 0 {
		return fmt.Errorf("%w: pool %s still lends %s to %s", errs.ErrDebtOutstanding, p.address.Hex(), inv.debt, vehicle.Hex())
	}
	// NAV only counts listed vehicles, so profit left behind is realized
	// into the idle balance before the vehicle drops out.
	if held := v.BaseAssetBalanceOf(p.address); held.Sign() > 0 {
		if _, err := v.WithdrawProfit(p.address, held); err != nil {
			return fmt.Errorf("realize %s held in %s: %w", held, vehicle.Hex(), err)
		}
	}
	i := p.index(vehicle)
	p.vehicles = append(p.vehicles[:i], p.vehicles[i+1:]...)
	return nil
}

// VehicleInfo is the pool's view of one vehicle.
type VehicleInfo struct {
	Vehicle    common.Address `json:"vehicle"`
	Debt       *big.Int       `json:"debt"`
	LendMaxBps uint32         `json:"lend_max_bps"`
	LendCap    *big.Int       `json:"lend_cap"`
}

// Vehicles returns the vehicles in priority order.
func (p *Pool) Vehicles() []VehicleInfo {
	out := make([]VehicleInfo, 0, len(p.vehicles))
	for _, inv := range p.vehicles {
		out = append(out, VehicleInfo{
			Vehicle:    inv.vehicle,
			Debt:       new(big.Int).Set(inv.debt),
			LendMaxBps: inv.lendMaxBps,
			LendCap:    new(big.Int).Set(inv.lendCap),
		})
	}
	return out
}

// --- internals ---

func (p *Pool) requireInitialized() error {
	if !p.initialized {
		return fmt.Errorf("%w: pool %s is not initialized", errs.ErrUnsupported, p.address.Hex())
	}
	return nil
}

func (p *Pool) requireGovernance(caller common.Address) error {
	if err := p.deps.Policy.RequireGovernance(caller); err != nil {
		return err
	}
	return p.requireInitialized()
}

func (p *Pool) requireFunds(owner common.Address, amount *big.Int) error {
	if p.base.Allowance(owner, p.address).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has not approved %s for %s", errs.ErrInsufficientAllowance, owner.Hex(), p.address.Hex(), amount)
	}
	if p.base.BalanceOf(owner).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds less than %s %s", errs.ErrInsufficientBalance, owner.Hex(), amount, p.base.Symbol())
	}
	return nil
}

func (p *Pool) entitlement(shares *big.Int) *big.Int {
	supply := p.TotalSupply()
	if supply.Sign() == 0 {
		return new(big.Int)
	}
	return fpmath.MulDiv(shares, p.NetAssetValue(), supply, fpmath.RoundDown)
}

func (p *Pool) feeFor(user common.Address, entitlement *big.Int, now time.Time) *big.Int {
	last, ok := p.lastDeposit[user]
	if !ok {
		return new(big.Int)
	}
	return p.fee.Fee(entitlement, now.Sub(last))
}

// headroom is how much more the pool may lend to inv under both limits.
func (p *Pool) headroom(inv *investment) *big.Int {
	byBps := fpmath.SubFloor(fpmath.BpsOf(p.NetAssetValue(), inv.lendMaxBps), inv.debt)
	byCap := fpmath.SubFloor(inv.lendCap, inv.debt)
	return fpmath.Min(byBps, byCap)
}

func (p *Pool) invest(inv *investment, v Vehicle, amount *big.Int) (*big.Int, error) {
	inv.debt = new(big.Int).Add(inv.debt, amount)
	if err := p.base.Approve(p.address, inv.vehicle, amount); err != nil {
		return nil, err
	}
	minted, err := v.Deposit(p.address, amount)
	if err != nil {
		return nil, fmt.Errorf("invest into %s: %w", inv.vehicle.Hex(), err)
	}
	return minted, nil
}

func (p *Pool) recall(inv *investment, v Vehicle, amount *big.Int) (*big.Int, error) {
	inv.debt = fpmath.SubFloor(inv.debt, amount)
	burned, err := v.Withdraw(p.address, amount)
	if err != nil {
		return nil, fmt.Errorf("recall from %s: %w", inv.vehicle.Hex(), err)
	}
	return burned, nil
}

// gather makes sure the pool holds at least amount idle, recalling from
// vehicles in priority order.
func (p *Pool) gather(amount *big.Int) error {
	short := fpmath.SubFloor(amount, p.IdleBalance())
	for _, inv := range p.vehicles {
		if short.Sign() == 0 {
			return nil
		}
		v, err := p.vehicle(inv.vehicle)
		if err != nil {
			return err
		}
		take := fpmath.Min(short, fpmath.Min(v.BaseAssetBalanceOf(p.address), v.AvailableLiquidity()))
		if take.Sign() == 0 {
			continue
		}
		if _, err := p.recall(inv, v, take); err != nil {
			return err
		}
		short.Sub(short, take)
	}
	if short.Sign() > 0 {
		return fmt.Errorf("%w: pool %s is %s short", errs.ErrInsufficientSystemLiquidity, p.address.Hex(), short)
	}
	return nil
}

// convert swaps amount of in into out through the router, or passes it
// through when the assets match.
func (p *Pool) convert(in, out common.Address, amount *big.Int) (*big.Int, error) {
	if in == out {
		return new(big.Int).Set(amount), nil
	}
	if p.deps.Router == nil {
		return nil, fmt.Errorf("%w: no swap router configured", errs.ErrUnsupported)
	}
	token, ok := p.deps.Assets.Token(in)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, in.Hex())
	}
	if err := token.Approve(p.address, p.deps.Router.Address(), amount); err != nil {
		return nil, err
	}
	return p.deps.Router.SwapExactTokenIn(p.address, in, out, amount, nil)
}

func (p *Pool) depositLong(amount *big.Int, now time.Time) (common.Address, *big.Int, error) {
	scy, ok := p.deps.Pools.Pool(p.longSelfComp)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: pool %s", errs.ErrUnknownEntity, p.longSelfComp.Hex())
	}
	long, ok := p.deps.Assets.Token(p.longAsset)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, p.longAsset.Hex())
	}
	if err := long.Approve(p.address, scy.Address(), amount); err != nil {
		return common.Address{}, nil, err
	}
	shares, err := scy.Deposit(p.address, amount, now)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("long into %s: %w", scy.Address().Hex(), err)
	}
	return scy.SharesToken(), shares, nil
}

func (p *Pool) notify(token common.Address, amount *big.Int) error {
	reward, ok := p.deps.Rewards.RewardPool(p.rewardPool)
	if !ok {
		return fmt.Errorf("%w: reward pool %s", errs.ErrUnknownEntity, p.rewardPool.Hex())
	}
	t, ok := p.deps.Assets.Token(token)
	if !ok {
		return fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, token.Hex())
	}
	if err := t.Transfer(p.address, reward.Address(), amount); err != nil {
		return fmt.Errorf("forward rewards: %w", err)
	}
	return reward.NotifyReward(p.address, token, amount)
}

func (p *Pool) vehicle(address common.Address) (Vehicle, error) {
	v, ok := p.deps.Vehicles.Vehicle(address)
	if !ok {
		return nil, fmt.Errorf("%w: vehicle %s", errs.ErrUnknownEntity, address.Hex())
	}
	return v, nil
}

func (p *Pool) lookup(address common.Address) (*investment, Vehicle, error) {
	i := p.index(address)
	if i < 0 {
		return nil, nil, fmt.Errorf("%w: vehicle %s is not in pool %s", errs.ErrUnknownEntity, address.Hex(), p.address.Hex())
	}
	v, err := p.vehicle(address)
	if err != nil {
		return nil, nil, err
	}
	return p.vehicles[i], v, nil
}

func (p *Pool) index(vehicle common.Address) int {
	for i, inv := range p.vehicles {
		if inv.vehicle == vehicle {
			return i
		}
	}
	return -1
}

func cloneCap(c *big.Int) *big.Int {
	if c == nil {
		return nil
	}
	return new(big.Int).Set(c)
}

func lendCapOrMax(c *big.Int) *big.Int {
	if c == nil {
		return new(big.Int).Set(fpmath.MaxUint256)
	}
	return new(big.Int).Set(c)
}
