package pool

import (
	"math/big"
	"time"

	fpmath "VaultLedger/internal/math"
)

// FeeSchedule is a withdrawal fee that halves every Decay since the
// depositor's last deposit and disappears entirely after Waive.
type FeeSchedule struct {
	BaseBps uint32        `json:"base_bps"`
	Decay   time.Duration `json:"decay"`
	Waive   time.Duration `json:"waive"`
}

// Bps returns baseBps >> floor(elapsed/Decay), or 0 once elapsed >= Waive.
// A zero Waive never waives; a zero Decay never decays.
func (f FeeSchedule) Bps(elapsed time.Duration) uint32 {
	if f.BaseBps == 0 {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if f.Waive > 0 && elapsed >= f.Waive {
		return 0
	}
	if f.Decay <= 0 {
		return f.BaseBps
	}
	halvings := elapsed / f.Decay
	if halvings >= 32 {
		return 0
	}
	return f.BaseBps >> uint(halvings)
}

// Fee applies the schedule to an entitlement.
func (f FeeSchedule) Fee(entitlement *big.Int, elapsed time.Duration) *big.Int {
	return fpmath.BpsOf(entitlement, f.Bps(elapsed))
}

func (f FeeSchedule) valid() bool {
	return f.BaseBps <= fpmath.BasisPoints && f.Decay >= 0 && f.Waive >= 0
}
