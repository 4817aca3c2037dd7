package vehicle

import (
	"fmt"
	"math/big"
)

// CheckInvariants verifies the vehicle's accounting after a command:
// holder shares sum to the total, the backing is covered by what the vehicle
// controls, and reserved dividends are covered by idle funds plus position.
func (v *Vehicle) CheckInvariants() error {
	sum := new(big.Int)
	for _, s := range v.shares.balances {
		if s.Sign() < 0 {
			return fmt.Errorf("vehicle %s: negative share balance", v.address.Hex())
		}
		sum.Add(sum, s)
	}
	if sum.Cmp(v.shares.totalShares) != 0 {
		return fmt.Errorf("vehicle %s: shares sum to %s, total is %s", v.address.Hex(), sum, v.shares.totalShares)
	}

	if v.shares.totalBaseHeld.Sign() < 0 {
		return fmt.Errorf("vehicle %s: negative total base held", v.address.Hex())
	}
	if avail := v.AvailableLiquidity(); v.shares.totalBaseHeld.Cmp(avail) > 0 {
		return fmt.Errorf("vehicle %s: total base held %s exceeds available liquidity %s",
			v.address.Hex(), v.shares.totalBaseHeld, avail)
	}

	live := new(big.Int).Add(v.base.BalanceOf(v.address), v.strategy.Position())
	if v.reserved.Cmp(live) > 0 {
		return fmt.Errorf("vehicle %s: reserved %s exceeds funds %s", v.address.Hex(), v.reserved, live)
	}

	for _, cr := range v.creditors {
		if cr.debt.Sign() < 0 {
			return fmt.Errorf("vehicle %s: negative debt for %s", v.address.Hex(), cr.address.Hex())
		}
	}
	return nil
}
