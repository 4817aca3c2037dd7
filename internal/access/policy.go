package access

import (
	"fmt"

	"VaultLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// Policy decides whether a caller may run a privileged operation. Every
// vehicle, pool and registry consults one at the start of its admin methods.
type Policy interface {
	RequireGovernance(caller common.Address) error
	Governance() common.Address
}

// Governance authorizes a single address.
type Governance struct {
	address common.Address
}

func NewGovernance(address common.Address) *Governance {
	return &Governance{address: address}
}

func (g *Governance) Governance() common.Address {
	return g.address
}

func (g *Governance) RequireGovernance(caller common.Address) error {
	if caller != g.address {
		return fmt.Errorf("%w: %s is not governance", errs.ErrUnauthorized, caller.Hex())
	}
	return nil
}
