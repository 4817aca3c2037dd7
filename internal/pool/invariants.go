package pool

import (
	"fmt"
)

// CheckInvariants verifies the pool's recorded debt for every vehicle
// matches what the vehicle records for the pool.
func (p *Pool) CheckInvariants() error {
	for _, inv := range p.vehicles {
		if inv.debt.Sign() < 0 {
			return fmt.Errorf("pool %s: negative debt in %s", p.address.Hex(), inv.vehicle.Hex())
		}
		v, ok := p.deps.Vehicles.Vehicle(inv.vehicle)
		if !ok {
			return fmt.Errorf("pool %s: vehicle %s vanished", p.address.Hex(), inv.vehicle.Hex())
		}
		if got := v.DebtOf(p.address); got.Cmp(inv.debt) != 0 {
			return fmt.Errorf("pool %s: debt in %s is %s, vehicle records %s",
				p.address.Hex(), inv.vehicle.Hex(), inv.debt, got)
		}
	}
	for vehicle, c := range p.claims {
		if c.remaining.Sign() < 0 {
			return fmt.Errorf("pool %s: negative claim remaining for %s", p.address.Hex(), vehicle.Hex())
		}
	}
	return nil
}
