package ledger

import (
	"fmt"
	"math/big"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateBatch verifies every journal in the batch is well-formed.
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	if batch == nil {
		return nil
	}
	return batch.Validate()
}

// ValidateSupply verifies Σ balances == total supply for one asset.
func (v *InvariantValidator) ValidateSupply(a *Asset) error {
	sum := new(big.Int)
	for _, b := range a.balances {
		sum.Add(sum, b.ToBig())
	}

	if sum.Cmp(a.supply.ToBig()) != 0 {
		return fmt.Errorf("asset %s: balances sum to %s, supply is %s", a.symbol, sum, a.supply.Dec())
	}
	return nil
}

// ValidateAll runs ValidateSupply over every registered asset.
func (v *InvariantValidator) ValidateAll() error {
	for _, a := range v.ledger.Assets() {
		if err := v.ValidateSupply(a); err != nil {
			return err
		}
	}
	return nil
}
