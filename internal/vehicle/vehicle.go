package vehicle

import (
	"fmt"
	"math/big"
	"strings"

	"VaultLedger/internal/access"
	"VaultLedger/internal/errs"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Role of a beneficiary on a vehicle.
type Role uint8

const (
	RoleNone Role = iota
	RoleDividend
	RoleInsurer
)

func (r Role) String() string {
	switch r {
	case RoleDividend:
		return "dividend"
	case RoleInsurer:
		return "insurer"
	default:
		return "none"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole accepts the names produced by Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "dividend":
		return RoleDividend, nil
	case "insurer":
		return RoleInsurer, nil
	case "none", "":
		return RoleNone, nil
	default:
		return RoleNone, fmt.Errorf("%w: role %q", errs.ErrInvalidParameter, s)
	}
}

// Beneficiary takes Bps of every profit event before shareholders accrue.
type Beneficiary struct {
	Address common.Address `json:"address"`
	Bps     uint32         `json:"bps"`
	Role    Role           `json:"role"`
}

// ClaimFiler receives insurance claims from a vehicle.
type ClaimFiler interface {
	FileClaim(vehicle common.Address, amount *big.Int) error
}

// ClaimDirectory resolves INSURER beneficiaries to their claim intake.
type ClaimDirectory interface {
	Insurer(address common.Address) (ClaimFiler, bool)
}

// FiledClaim is one claim delivered by FileInsuranceClaim.
type FiledClaim struct {
	Insurer common.Address `json:"insurer"`
	Amount  *big.Int       `json:"amount"`
}

type creditor struct {
	address common.Address
	active  bool
	debt    *big.Int
}

// Vehicle holds base asset lent by creditor pools and distributes the profit
// its strategy realizes.
// Not thread-safe. Only accessed from the single-threaded core.
type Vehicle struct {
	address  common.Address
	base     ledger.Token
	policy   access.Policy
	strategy Strategy
	shares   *ShareLedger

	// insertion ordered
	creditors     []*creditor
	creditorIndex map[common.Address]*creditor
	beneficiaries []Beneficiary

	pendingDividend map[common.Address]*big.Int
	reserved        *big.Int // Σ pendingDividend, held but not backing shares
}

func New(address common.Address, base ledger.Token, policy access.Policy, strategy Strategy) *Vehicle {
	if strategy == nil {
		strategy = &Hodl{}
	}
	strategy.Attach(address, base)
	return &Vehicle{
		address:         address,
		base:            base,
		policy:          policy,
		strategy:        strategy,
		shares:          NewShareLedger(),
		creditorIndex:   make(map[common.Address]*creditor),
		pendingDividend: make(map[common.Address]*big.Int),
		reserved:        new(big.Int),
	}
}

func (v *Vehicle) Address() common.Address   { return v.address }
func (v *Vehicle) BaseAsset() common.Address { return v.base.Address() }
func (v *Vehicle) Strategy() Strategy        { return v.strategy }

func (v *Vehicle) SharePrice() *big.Int    { return v.shares.SharePrice() }
func (v *Vehicle) TotalShares() *big.Int   { return v.shares.TotalShares() }
func (v *Vehicle) TotalBaseHeld() *big.Int { return v.shares.TotalBaseHeld() }

func (v *Vehicle) SharesOf(holder common.Address) *big.Int {
	return v.shares.SharesOf(holder)
}

func (v *Vehicle) BaseAssetBalanceOf(holder common.Address) *big.Int {
	return v.shares.BaseAssetBalanceOf(holder)
}

func (v *Vehicle) DebtOf(c common.Address) *big.Int {
	if cr, ok := v.creditorIndex[c]; ok {
		return new(big.Int).Set(cr.debt)
	}
	return new(big.Int)
}

// TotalDebt sums recorded principal across current and removed creditors.
func (v *Vehicle) TotalDebt() *big.Int {
	total := new(big.Int)
	for _, cr := range v.creditors {
		total.Add(total, cr.debt)
	}
	return total
}

func (v *Vehicle) IsActiveCreditor(c common.Address) bool {
	cr, ok := v.creditorIndex[c]
	return ok && cr.active
}

func (v *Vehicle) PendingDividend(beneficiary common.Address) *big.Int {
	return fpmath.Clone(v.pendingDividend[beneficiary])
}

func (v *Vehicle) Beneficiaries() []Beneficiary {
	return append([]Beneficiary(nil), v.beneficiaries...)
}

// AvailableLiquidity is the base asset the vehicle can pay out to share
// holders: everything it controls minus reserved dividends.
func (v *Vehicle) AvailableLiquidity() *big.Int {
	live := new(big.Int).Add(v.base.BalanceOf(v.address), v.strategy.Position())
	return fpmath.SubFloor(live, v.reserved)
}

// Shortfall is Σ debt - totalBaseHeld when positive.
func (v *Vehicle) Shortfall() *big.Int {
	return fpmath.SubFloor(v.TotalDebt(), v.shares.TotalBaseHeld())
}

// Deposit is the pool-initiated invest path. The creditor must have approved
// the vehicle for amount.
func (v *Vehicle) Deposit(c common.Address, amount *big.Int) (*big.Int, error) {
	if !v.IsActiveCreditor(c) {
		return nil, fmt.Errorf("%w: %s is not a creditor of %s", errs.ErrNotActiveCreditor, c.Hex(), v.address.Hex())
	}
	if err := v.requireFunds(c, amount); err != nil {
		return nil, err
	}

	minted, err := v.shares.Deposit(c, amount)
	if err != nil {
		return nil, err
	}
	cr := v.creditorIndex[c]
	cr.debt = new(big.Int).Add(cr.debt, amount)

	if err := v.base.TransferFrom(v.address, c, v.address, amount); err != nil {
		return nil, fmt.Errorf("vehicle pull: %w", err)
	}
	if err := v.strategy.Invest(amount); err != nil {
		return nil, fmt.Errorf("strategy invest: %w", err)
	}
	return minted, nil
}

// Withdraw releases amount of base asset to holder. Exit is never gated on
// membership: removed creditors keep withdrawing their shares.
func (v *Vehicle) Withdraw(holder common.Address, amount *big.Int) (*big.Int, error) {
	if !fpmath.IsPositive(amount) {
		return nil, fmt.Errorf("%w: withdraw amount must be positive", errs.ErrInvalidParameter)
	}
	if v.AvailableLiquidity().Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: vehicle %s can pay %s, requested %s",
			errs.ErrInsufficientLiquidity, v.address.Hex(), v.AvailableLiquidity(), amount)
	}

	burned, err := v.shares.Withdraw(holder, amount)
	if err != nil {
		return nil, err
	}
	if cr, ok := v.creditorIndex[holder]; ok {
		// excess over debt is realized profit; debt floors at zero
		cr.debt = fpmath.SubFloor(cr.debt, amount)
	}

	if err := v.payOut(holder, amount); err != nil {
		return nil, err
	}
	return burned, nil
}

// WithdrawProfit releases up to the part of holder's balance that exceeds its
// recorded debt. Debt is untouched.
func (v *Vehicle) WithdrawProfit(holder common.Address, amount *big.Int) (*big.Int, error) {
	amount = fpmath.Clone(amount)
	profit := v.ProfitOf(holder)
	if profit.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s has %s profit in %s, requested %s",
			errs.ErrInsufficientShares, holder.Hex(), profit, v.address.Hex(), amount)
	}
	if v.AvailableLiquidity().Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: vehicle %s can pay %s, requested %s",
			errs.ErrInsufficientLiquidity, v.address.Hex(), v.AvailableLiquidity(), amount)
	}

	burned, err := v.shares.Withdraw(holder, amount)
	if err != nil {
		return nil, err
	}
	if err := v.payOut(holder, amount); err != nil {
		return nil, err
	}
	return burned, nil
}

// ProfitOf is holder's balance above its recorded debt, floored at zero.
func (v *Vehicle) ProfitOf(holder common.Address) *big.Int {
	return fpmath.SubFloor(v.shares.BaseAssetBalanceOf(holder), v.DebtOf(holder))
}

// CollectProfitAndDistribute harvests the strategy and recognizes the gain
// above totalBaseHeld. Beneficiaries are paid their bps of the gain as
// claimable dividends; the remainder raises the share price.
func (v *Vehicle) CollectProfitAndDistribute(caller common.Address, minOut *big.Int) (*big.Int, error) {
	if !v.IsActiveCreditor(caller) {
		if err := v.policy.RequireGovernance(caller); err != nil {
			return nil, err
		}
	}

	minOut = fpmath.Clone(minOut)
	if err := v.strategy.Harvest(); err != nil {
		return nil, err
	}

	profit := fpmath.SubFloor(v.AvailableLiquidity(), v.shares.TotalBaseHeld())
	if profit.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: %w: harvested %s, minimum %s",
			errs.ErrSlippageExceeded, errs.ErrInsufficientProfit, profit, minOut)
	}
	if profit.Sign() == 0 || v.shares.TotalShares().Sign() == 0 {
		// nobody to attribute it to yet
		return new(big.Int), nil
	}

	skimmed := new(big.Int)
	for _, b := range v.beneficiaries {
		cut := fpmath.BpsOf(profit, b.Bps)
		if cut.Sign() == 0 {
			continue
		}
		v.pendingDividend[b.Address] = new(big.Int).Add(v.PendingDividend(b.Address), cut)
		skimmed.Add(skimmed, cut)
	}
	v.reserved.Add(v.reserved, skimmed)
	v.shares.AddBacking(new(big.Int).Sub(profit, skimmed))
	return profit, nil
}

func (v *Vehicle) AddCreditor(caller, c common.Address) error {
	if err := v.policy.RequireGovernance(caller); err != nil {
		return err
	}
	if cr, ok := v.creditorIndex[c]; ok {
		if cr.active {
			return fmt.Errorf("%w: %s is already a creditor", errs.ErrInvalidParameter, c.Hex())
		}
		cr.active = true
		return nil
	}
	cr := &creditor{address: c, active: true, debt: new(big.Int)}
	v.creditors = append(v.creditors, cr)
	v.creditorIndex[c] = cr
	return nil
}

// RemoveCreditor stops new deposits from c. Its shares and debt stay, and
// it can still withdraw.
func (v *Vehicle) RemoveCreditor(caller, c common.Address) error {
	if err := v.policy.RequireGovernance(caller); err != nil {
		return err
	}
	if !v.IsActiveCreditor(c) {
		return fmt.Errorf("%w: %s", errs.ErrNotActiveCreditor, c.Hex())
	}
	v.creditorIndex[c].active = false
	return nil
}

// AddBeneficiary appends a beneficiary. The combined bps of all beneficiaries
// may not exceed 10000.
func (v *Vehicle) AddBeneficiary(caller, address common.Address, bps uint32, role Role) error {
	if err := v.policy.RequireGovernance(caller); err != nil {
		return err
	}
	if role != RoleDividend && role != RoleInsurer {
		return fmt.Errorf("%w: beneficiary role %s", errs.ErrInvalidParameter, role)
	}
	if bps == 0 || bps > fpmath.BasisPoints {
		return fmt.Errorf("%w: beneficiary bps %d", errs.ErrInvalidParameter, bps)
	}

	total := uint64(bps)
	for _, b := range v.beneficiaries {
		if b.Address == address {
			return fmt.Errorf("%w: %s is already a beneficiary", errs.ErrInvalidParameter, address.Hex())
		}
		total += uint64(b.Bps)
	}
	if total > fpmath.BasisPoints {
		return fmt.Errorf("%w: beneficiary bps would total %d", errs.ErrInvalidParameter, total)
	}

	v.beneficiaries = append(v.beneficiaries, Beneficiary{Address: address, Bps: bps, Role: role})
	return nil
}

// RemoveBeneficiary stops future accrual. Dividends already pending stay
// claimable.
func (v *Vehicle) RemoveBeneficiary(caller, address common.Address) error {
	if err := v.policy.RequireGovernance(caller); err != nil {
		return err
	}
	for i, b := range v.beneficiaries {
		if b.Address == address {
			v.beneficiaries = append(v.beneficiaries[:i], v.beneficiaries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a beneficiary", errs.ErrInvalidParameter, address.Hex())
}

func (v *Vehicle) ClaimDividendAsBeneficiary(caller common.Address) (*big.Int, error) {
	amount := v.PendingDividend(caller)
	if amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", errs.ErrNoDividend, caller.Hex())
	}

	delete(v.pendingDividend, caller)
	v.reserved.Sub(v.reserved, amount)

	if err := v.payOut(caller, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// RugPull drains amount of base asset and recognizes it as a loss, lowering
// the share price. Only the Rug strategy supports it.
func (v *Vehicle) RugPull(caller common.Address, amount *big.Int) error {
	if err := v.policy.RequireGovernance(caller); err != nil {
		return err
	}
	rug, ok := v.strategy.(*Rug)
	if !ok {
		return fmt.Errorf("%w: strategy %s cannot rug", errs.ErrUnsupported, v.strategy.Kind())
	}
	if !fpmath.IsPositive(amount) {
		return fmt.Errorf("%w: rug amount must be positive", errs.ErrInvalidParameter)
	}
	if v.AvailableLiquidity().Cmp(amount) < 0 {
		return fmt.Errorf("%w: vehicle holds less than %s", errs.ErrInsufficientLiquidity, amount)
	}

	v.shares.RecognizeLoss(amount)
	return rug.Pull(amount)
}

// FileInsuranceClaim opens a claim with every INSURER beneficiary for its bps
// of the current shortfall. Nothing is filed when there is no shortfall.
func (v *Vehicle) FileInsuranceClaim(caller common.Address, dir ClaimDirectory) ([]FiledClaim, error) {
	if err := v.policy.RequireGovernance(caller); err != nil {
		return nil, err
	}

	shortfall := v.Shortfall()
	if shortfall.Sign() == 0 {
		return nil, nil
	}

	var filed []FiledClaim
	for _, b := range v.beneficiaries {
		if b.Role != RoleInsurer {
			continue
		}
		amount := fpmath.BpsOf(shortfall, b.Bps)
		if amount.Sign() == 0 {
			continue
		}
		insurer, ok := dir.Insurer(b.Address)
		if !ok {
			return nil, fmt.Errorf("%w: insurer %s", errs.ErrUnknownEntity, b.Address.Hex())
		}
		if err := insurer.FileClaim(v.address, amount); err != nil {
			return nil, fmt.Errorf("file claim with %s: %w", b.Address.Hex(), err)
		}
		filed = append(filed, FiledClaim{Insurer: b.Address, Amount: amount})
	}
	return filed, nil
}

// ReceiveClaimPayment pulls amount from an insurer and adds it to the backing
// of existing shares. No shares are minted.
func (v *Vehicle) ReceiveClaimPayment(insurer common.Address, amount *big.Int) error {
	if !v.isInsurer(insurer) {
		return fmt.Errorf("%w: %s does not insure %s", errs.ErrUnauthorized, insurer.Hex(), v.address.Hex())
	}
	if !fpmath.IsPositive(amount) {
		return fmt.Errorf("%w: claim payment must be positive", errs.ErrInvalidParameter)
	}
	if err := v.requireFunds(insurer, amount); err != nil {
		return err
	}

	v.shares.AddBacking(amount)
	if err := v.base.TransferFrom(v.address, insurer, v.address, amount); err != nil {
		return fmt.Errorf("claim payment pull: %w", err)
	}
	return v.strategy.Invest(amount)
}

// SetPumpReward configures the per-harvest reward of a ProfitPump strategy.
func (v *Vehicle) SetPumpReward(caller common.Address, amount *big.Int) error {
	if err := v.policy.RequireGovernance(caller); err != nil {
		return err
	}
	pump, ok := v.strategy.(*ProfitPump)
	if !ok {
		return fmt.Errorf("%w: strategy %s has no pump reward", errs.ErrUnsupported, v.strategy.Kind())
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: pump reward must be non-negative", errs.ErrInvalidParameter)
	}
	pump.SetReward(amount)
	return nil
}

func (v *Vehicle) isInsurer(address common.Address) bool {
	for _, b := range v.beneficiaries {
		if b.Address == address && b.Role == RoleInsurer {
			return true
		}
	}
	return false
}

func (v *Vehicle) requireFunds(owner common.Address, amount *big.Int) error {
	if !fpmath.IsPositive(amount) {
		return fmt.Errorf("%w: amount must be positive", errs.ErrInvalidParameter)
	}
	if v.base.Allowance(owner, v.address).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has not approved %s for %s", errs.ErrInsufficientAllowance, owner.Hex(), v.address.Hex(), amount)
	}
	if v.base.BalanceOf(owner).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds less than %s", errs.ErrInsufficientBalance, owner.Hex(), amount)
	}
	return nil
}

// payOut moves amount from the vehicle to to, divesting from the strategy
// when the idle balance is short.
func (v *Vehicle) payOut(to common.Address, amount *big.Int) error {
	idle := v.base.BalanceOf(v.address)
	if idle.Cmp(amount) < 0 {
		if err := v.strategy.Divest(new(big.Int).Sub(amount, idle)); err != nil {
			return fmt.Errorf("strategy divest: %w", err)
		}
	}
	if err := v.base.Transfer(v.address, to, amount); err != nil {
		return fmt.Errorf("vehicle pay out: %w", err)
	}
	return nil
}

// --- Snapshot / restore ---

type CreditorState struct {
	Address common.Address `json:"address"`
	Active  bool           `json:"active"`
	Debt    *big.Int       `json:"debt"`
}

// State is the serializable form of a vehicle.
type State struct {
	Address          common.Address              `json:"address"`
	BaseAsset        common.Address              `json:"base_asset"`
	TotalShares      *big.Int                    `json:"total_shares"`
	TotalBaseHeld    *big.Int                    `json:"total_base_held"`
	Shares           map[common.Address]*big.Int `json:"shares"`
	Creditors        []CreditorState             `json:"creditors"`
	Beneficiaries    []Beneficiary               `json:"beneficiaries"`
	PendingDividends map[common.Address]*big.Int `json:"pending_dividends"`
	Reserved         *big.Int                    `json:"reserved"`
	Strategy         StrategyState               `json:"strategy"`
}

func (v *Vehicle) Snapshot() State {
	st := State{
		Address:          v.address,
		BaseAsset:        v.base.Address(),
		TotalShares:      v.shares.TotalShares(),
		TotalBaseHeld:    v.shares.TotalBaseHeld(),
		Shares:           make(map[common.Address]*big.Int, len(v.shares.balances)),
		Creditors:        make([]CreditorState, 0, len(v.creditors)),
		Beneficiaries:    v.Beneficiaries(),
		PendingDividends: make(map[common.Address]*big.Int, len(v.pendingDividend)),
		Reserved:         new(big.Int).Set(v.reserved),
		Strategy:         v.strategy.State(),
	}
	for h, s := range v.shares.balances {
		st.Shares[h] = new(big.Int).Set(s)
	}
	for _, cr := range v.creditors {
		st.Creditors = append(st.Creditors, CreditorState{Address: cr.address, Active: cr.active, Debt: new(big.Int).Set(cr.debt)})
	}
	for b, amt := range v.pendingDividend {
		st.PendingDividends[b] = new(big.Int).Set(amt)
	}
	return st
}

// Restore rewrites the vehicle in place from st.
func (v *Vehicle) Restore(st State) error {
	if st.Strategy.Kind != v.strategy.Kind() {
		s, err := NewStrategy(st.Strategy)
		if err != nil {
			return err
		}
		s.Attach(v.address, v.base)
		v.strategy = s
	} else {
		v.strategy.Restore(st.Strategy)
	}

	v.shares = &ShareLedger{
		totalShares:   fpmath.Clone(st.TotalShares),
		totalBaseHeld: fpmath.Clone(st.TotalBaseHeld),
		balances:      make(map[common.Address]*big.Int, len(st.Shares)),
	}
	for h, s := range st.Shares {
		if s.Sign() != 0 {
			v.shares.balances[h] = new(big.Int).Set(s)
		}
	}

	v.creditors = make([]*creditor, 0, len(st.Creditors))
	v.creditorIndex = make(map[common.Address]*creditor, len(st.Creditors))
	for _, cs := range st.Creditors {
		cr := &creditor{address: cs.Address, active: cs.Active, debt: fpmath.Clone(cs.Debt)}
		v.creditors = append(v.creditors, cr)
		v.creditorIndex[cs.Address] = cr
	}

	v.beneficiaries = append([]Beneficiary(nil), st.Beneficiaries...)
	v.pendingDividend = make(map[common.Address]*big.Int, len(st.PendingDividends))
	for b, amt := range st.PendingDividends {
		v.pendingDividend[b] = new(big.Int).Set(amt)
	}
	v.reserved = fpmath.Clone(st.Reserved)
	return nil
}
