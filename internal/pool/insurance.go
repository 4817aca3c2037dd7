package pool

import (
	"fmt"
	"math/big"
	"time"

	"VaultLedger/internal/errs"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimStatus follows NoClaim -> Filed -> PartiallyProcessed -> Resolved.
type ClaimStatus string

const (
	ClaimNone               ClaimStatus = "none"
	ClaimFiled              ClaimStatus = "filed"
	ClaimPartiallyProcessed ClaimStatus = "partially_processed"
	ClaimResolved           ClaimStatus = "resolved"
)

// ClaimInfo is an insurance vault's view of one vehicle's claim.
type ClaimInfo struct {
	Vehicle   common.Address `json:"vehicle"`
	Filed     *big.Int       `json:"filed"`
	Remaining *big.Int       `json:"remaining"`
	Active    bool           `json:"active"`
	Status    ClaimStatus    `json:"status"`
}

// ClaimPayment describes one ProcessClaim run.
type ClaimPayment struct {
	Vehicle   common.Address `json:"vehicle"`
	Spent     *big.Int       `json:"spent"` // insurance vault base asset
	Paid      *big.Int       `json:"paid"`  // vehicle base asset delivered
	Remaining *big.Int       `json:"remaining"`
}

// OnGoingClaim reports whether any claim is active. Always false outside
// insurance vaults.
func (p *Pool) OnGoingClaim() bool {
	for _, c := range p.claims {
		if c.active {
			return true
		}
	}
	return false
}

func (p *Pool) IsInsuranceClient(vehicle common.Address) bool {
	for _, c := range p.clients {
		if c == vehicle {
			return true
		}
	}
	return false
}

func (p *Pool) InsuranceClients() []common.Address {
	return append([]common.Address(nil), p.clients...)
}

// ClaimAmount is what is still owed on vehicle's claim.
func (p *Pool) ClaimAmount(vehicle common.Address) *big.Int {
	if c, ok := p.claims[vehicle]; ok && c.active {
		return new(big.Int).Set(c.remaining)
	}
	return new(big.Int)
}

// Claims lists every claim ever filed, in client order.
func (p *Pool) Claims() []ClaimInfo {
	out := make([]ClaimInfo, 0, len(p.claims))
	seen := make(map[common.Address]bool, len(p.clients))
	add := func(v common.Address) {
		c, ok := p.claims[v]
		if !ok || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, p.claimInfo(v, c))
	}
	for _, v := range p.clients {
		add(v)
	}
	// claims from clients that were removed afterwards
	for _, v := range sortedClaimVehicles(p.claims) {
		add(v)
	}
	return out
}

func (p *Pool) AddInsuranceClient(caller, vehicle common.Address, now time.Time) error {
	if err := p.requireInsuranceGovernance(caller); err != nil {
		return err
	}
	if p.IsInsuranceClient(vehicle) {
		return fmt.Errorf("%w: %s is already insured", errs.ErrInvalidParameter, vehicle.Hex())
	}
	if _, err := p.vehicle(vehicle); err != nil {
		return err
	}
	if p.deps.Gate != nil && p.deps.Gate.VaultTimelockEnabled(p.address) && !p.deps.Gate.IsIVInsuredByInsuranceVault(p.address, vehicle, now) {
		return fmt.Errorf("%w: insuring %s by %s", errs.ErrNotYetActive, vehicle.Hex(), p.address.Hex())
	}
	p.clients = append(p.clients, vehicle)
	return nil
}

// RemoveInsuranceClient stops accepting new claims from vehicle. An open
// claim stays open.
func (p *Pool) RemoveInsuranceClient(caller, vehicle common.Address) error {
	if err := p.requireInsuranceGovernance(caller); err != nil {
		return err
	}
	for i, c := range p.clients {
		if c == vehicle {
			p.clients = append(p.clients[:i], p.clients[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not insured by %s", errs.ErrUnknownEntity, vehicle.Hex(), p.address.Hex())
}

// FileClaim opens, or re-opens with a new amount, vehicle's claim.
func (p *Pool) FileClaim(vehicle common.Address, amount *big.Int) error {
	if p.kind != KindInsurance {
		return fmt.Errorf("%w: pool %s does not insure", errs.ErrUnsupported, p.address.Hex())
	}
	if !p.IsInsuranceClient(vehicle) {
		return fmt.Errorf("%w: %s is not insured by %s", errs.ErrUnauthorized, vehicle.Hex(), p.address.Hex())
	}
	if !fpmath.IsPositive(amount) {
		return fmt.Errorf("%w: claim amount must be positive", errs.ErrInvalidParameter)
	}
	p.claims[vehicle] = &claim{filed: new(big.Int).Set(amount), remaining: new(big.Int).Set(amount), active: true}
	return nil
}

// ProcessClaim pays toward vehicle's claim out of the vault's own funds,
// swapping into the vehicle's base asset when they differ. No insurance
// shares are burned, so depositors absorb the payment through the share
// price.
func (p *Pool) ProcessClaim(caller, vehicle common.Address, requested, minOut *big.Int) (*ClaimPayment, error) {
	if err := p.requireInsuranceGovernance(caller); err != nil {
		return nil, err
	}
	c, ok := p.claims[vehicle]
	if !ok || !c.active {
		return nil, fmt.Errorf("%w: %s", errs.ErrNoActiveClaim, vehicle.Hex())
	}
	minOut = fpmath.Clone(minOut)
	if !fpmath.IsPositive(requested) {
		return nil, fmt.Errorf("%w: requested amount must be positive", errs.ErrInvalidParameter)
	}
	v, err := p.vehicle(vehicle)
	if err != nil {
		return nil, err
	}

	target := v.BaseAsset()
	needed := new(big.Int).Set(c.remaining)
	if target != p.base.Address() {
		if p.deps.Router == nil {
			return nil, fmt.Errorf("%w: no swap router configured", errs.ErrUnsupported)
		}
		if needed, err = p.deps.Router.QuoteExactTokenOut(p.base.Address(), target, c.remaining); err != nil {
			return nil, err
		}
	}

	spend := fpmath.Min(fpmath.Min(requested, p.Liquidity()), needed)
	if spend.Sign() == 0 {
		return nil, fmt.Errorf("%w: insurance vault %s has nothing to pay", errs.ErrInsufficientLiquidity, p.address.Hex())
	}
	if err := p.gather(spend); err != nil {
		return nil, err
	}

	paid, err := p.convert(p.base.Address(), target, spend)
	if err != nil {
		return nil, err
	}
	if paid.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: claim payment %s, minimum %s", errs.ErrSlippageExceeded, paid, minOut)
	}

	c.remaining.Sub(c.remaining, fpmath.Min(paid, c.remaining))
	if c.remaining.Sign() == 0 {
		c.active = false
	}

	token, ok := p.deps.Assets.Token(target)
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, target.Hex())
	}
	if err := token.Approve(p.address, vehicle, paid); err != nil {
		return nil, err
	}
	if err := v.ReceiveClaimPayment(p.address, paid); err != nil {
		return nil, fmt.Errorf("pay claim of %s: %w", vehicle.Hex(), err)
	}

	return &ClaimPayment{
		Vehicle:   vehicle,
		Spent:     spend,
		Paid:      paid,
		Remaining: new(big.Int).Set(c.remaining),
	}, nil
}

func (p *Pool) requireInsuranceGovernance(caller common.Address) error {
	if err := p.requireGovernance(caller); err != nil {
		return err
	}
	if p.kind != KindInsurance {
		return fmt.Errorf("%w: pool %s does not insure", errs.ErrUnsupported, p.address.Hex())
	}
	return nil
}

func (p *Pool) claimInfo(vehicle common.Address, c *claim) ClaimInfo {
	info := ClaimInfo{
		Vehicle:   vehicle,
		Filed:     fpmath.Clone(c.filed),
		Remaining: new(big.Int).Set(c.remaining),
		Active:    c.active,
	}
	switch {
	case !c.active:
		info.Status = ClaimResolved
	case c.remaining.Cmp(c.filed) < 0:
		info.Status = ClaimPartiallyProcessed
	default:
		info.Status = ClaimFiled
	}
	return info
}

// ClaimStatusOf reports where vehicle's claim is in its lifecycle.
func (p *Pool) ClaimStatusOf(vehicle common.Address) ClaimStatus {
	c, ok := p.claims[vehicle]
	if !ok {
		return ClaimNone
	}
	return p.claimInfo(vehicle, c).Status
}
