package vehicle

import (
	"fmt"
	"math/big"
	"sort"

	"VaultLedger/internal/errs"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// ShareLedger tracks share balances against the base asset a vehicle holds on
// behalf of its holders. Share price is totalBaseHeld / totalShares scaled by
// ShareUnit.
//
// Rounding: burns round up, everything else truncates. The residual dust is
// left in the ledger and belongs to no one.
type ShareLedger struct {
	totalShares   *big.Int
	totalBaseHeld *big.Int
	balances      map[common.Address]*big.Int
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		totalShares:   new(big.Int),
		totalBaseHeld: new(big.Int),
		balances:      make(map[common.Address]*big.Int),
	}
}

// Deposit mints shares for baseAmount at the current price. The first deposit
// bootstraps 1:1.
func (l *ShareLedger) Deposit(holder common.Address, baseAmount *big.Int) (*big.Int, error) {
	if !fpmath.IsPositive(baseAmount) {
		return nil, fmt.Errorf("%w: deposit amount must be positive", errs.ErrInvalidParameter)
	}

	var minted *big.Int
	if l.totalShares.Sign() == 0 {
		minted = new(big.Int).Set(baseAmount)
	} else {
		if l.totalBaseHeld.Sign() == 0 {
			return nil, fmt.Errorf("%w: shares outstanding with no backing", errs.ErrInsufficientLiquidity)
		}
		minted = fpmath.MulDiv(baseAmount, l.totalShares, l.totalBaseHeld, fpmath.RoundDown)
		if minted.Sign() == 0 {
			return nil, fmt.Errorf("%w: deposit of %s mints no shares", errs.ErrInsufficientShares, baseAmount)
		}
	}

	l.credit(holder, minted)
	l.totalShares.Add(l.totalShares, minted)
	l.totalBaseHeld.Add(l.totalBaseHeld, baseAmount)
	return minted, nil
}

// Withdraw burns ceil(baseAmount * totalShares / totalBaseHeld) shares from
// holder and releases baseAmount.
func (l *ShareLedger) Withdraw(holder common.Address, baseAmount *big.Int) (*big.Int, error) {
	if !fpmath.IsPositive(baseAmount) {
		return nil, fmt.Errorf("%w: withdraw amount must be positive", errs.ErrInvalidParameter)
	}
	if l.totalBaseHeld.Cmp(baseAmount) < 0 {
		return nil, fmt.Errorf("%w: vehicle holds %s, requested %s",
			errs.ErrInsufficientLiquidity, l.totalBaseHeld, baseAmount)
	}

	burned := fpmath.MulDiv(baseAmount, l.totalShares, l.totalBaseHeld, fpmath.RoundUp)
	held := l.SharesOf(holder)
	if held.Cmp(burned) < 0 {
		return nil, fmt.Errorf("%w: %s holds %s shares, withdraw burns %s",
			errs.ErrInsufficientShares, holder.Hex(), held, burned)
	}

	l.debit(holder, burned)
	l.totalShares.Sub(l.totalShares, burned)
	l.totalBaseHeld.Sub(l.totalBaseHeld, baseAmount)
	return burned, nil
}

// SharePrice returns totalBaseHeld * ShareUnit / totalShares.
func (l *ShareLedger) SharePrice() *big.Int {
	if l.totalShares.Sign() == 0 {
		return new(big.Int).Set(fpmath.ShareUnit)
	}
	return fpmath.MulDiv(l.totalBaseHeld, fpmath.ShareUnit, l.totalShares, fpmath.RoundDown)
}

// BaseAssetBalanceOf values holder's shares at the current price.
func (l *ShareLedger) BaseAssetBalanceOf(holder common.Address) *big.Int {
	return fpmath.MulDiv(l.SharesOf(holder), l.SharePrice(), fpmath.ShareUnit, fpmath.RoundDown)
}

func (l *ShareLedger) SharesOf(holder common.Address) *big.Int {
	return fpmath.Clone(l.balances[holder])
}

func (l *ShareLedger) TotalShares() *big.Int {
	return new(big.Int).Set(l.totalShares)
}

func (l *ShareLedger) TotalBaseHeld() *big.Int {
	return new(big.Int).Set(l.totalBaseHeld)
}

// AddBacking raises totalBaseHeld without minting: realized profit and claim
// repayments.
func (l *ShareLedger) AddBacking(amount *big.Int) {
	l.totalBaseHeld.Add(l.totalBaseHeld, amount)
}

// RecognizeLoss lowers totalBaseHeld by at most amount and returns the loss
// actually recognized.
func (l *ShareLedger) RecognizeLoss(amount *big.Int) *big.Int {
	loss := fpmath.Min(amount, l.totalBaseHeld)
	l.totalBaseHeld.Sub(l.totalBaseHeld, loss)
	return loss
}

// Holders returns every address with a non-zero share balance, sorted.
func (l *ShareLedger) Holders() []common.Address {
	out := make([]common.Address, 0, len(l.balances))
	for h := range l.balances {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

func (l *ShareLedger) credit(holder common.Address, shares *big.Int) {
	l.balances[holder] = new(big.Int).Add(l.SharesOf(holder), shares)
}

func (l *ShareLedger) debit(holder common.Address, shares *big.Int) {
	rest := new(big.Int).Sub(l.SharesOf(holder), shares)
	if rest.Sign() == 0 {
		delete(l.balances, holder)
		return
	}
	l.balances[holder] = rest
}
