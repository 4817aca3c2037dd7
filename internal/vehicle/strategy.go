package vehicle

import (
	"fmt"
	"math/big"

	"VaultLedger/internal/errs"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Strategy is the yield-source hook behind a vehicle. Harvest must deliver
// realized profit to the vehicle's own address as base asset; the vehicle
// measures it from balances.
type Strategy interface {
	Kind() StrategyKind
	Attach(vehicle common.Address, base ledger.Token)
	Invest(amount *big.Int) error
	Divest(amount *big.Int) error
	Harvest() error
	// Position is base asset deployed outside the vehicle's own balance.
	Position() *big.Int

	State() StrategyState
	Restore(StrategyState)
}

type StrategyKind string

const (
	StrategyHodl       StrategyKind = "hodl"
	StrategyProfitPump StrategyKind = "profit_pump"
	StrategyRug        StrategyKind = "rug"
)

// StrategyState is the serializable configuration of a strategy.
type StrategyState struct {
	Kind   StrategyKind   `json:"kind"`
	Source common.Address `json:"source,omitempty"` // pump whale or rug sink
	Reward *big.Int       `json:"reward,omitempty"`
}

// NewStrategy builds a strategy from its serialized form.
func NewStrategy(st StrategyState) (Strategy, error) {
	switch st.Kind {
	case StrategyHodl, "":
		return &Hodl{}, nil
	case StrategyProfitPump:
		p := NewProfitPump(st.Source)
		p.Restore(st)
		return p, nil
	case StrategyRug:
		return NewRug(st.Source), nil
	default:
		return nil, fmt.Errorf("%w: strategy %q", errs.ErrUnsupported, st.Kind)
	}
}

// Hodl keeps every unit idle in the vehicle.
type Hodl struct {
	vehicle common.Address
	base    ledger.Token
}

func (h *Hodl) Kind() StrategyKind { return StrategyHodl }

func (h *Hodl) Attach(vehicle common.Address, base ledger.Token) {
	h.vehicle = vehicle
	h.base = base
}

func (h *Hodl) Invest(*big.Int) error { return nil }
func (h *Hodl) Divest(*big.Int) error { return nil }
func (h *Hodl) Harvest() error        { return nil }
func (h *Hodl) Position() *big.Int    { return new(big.Int) }

func (h *Hodl) State() StrategyState   { return StrategyState{Kind: StrategyHodl} }
func (h *Hodl) Restore(StrategyState) {}

// ProfitPump simulates yield: each harvest pulls a configured reward from a
// funding account that has approved the vehicle.
type ProfitPump struct {
	Hodl
	whale  common.Address
	reward *big.Int
}

func NewProfitPump(whale common.Address) *ProfitPump {
	return &ProfitPump{whale: whale, reward: new(big.Int)}
}

func (p *ProfitPump) Kind() StrategyKind { return StrategyProfitPump }

func (p *ProfitPump) SetReward(amount *big.Int) {
	p.reward = fpmath.Clone(amount)
}

func (p *ProfitPump) Harvest() error {
	if p.reward.Sign() == 0 {
		return nil
	}
	if err := p.base.TransferFrom(p.vehicle, p.whale, p.vehicle, p.reward); err != nil {
		return fmt.Errorf("pump harvest: %w", err)
	}
	return nil
}

func (p *ProfitPump) State() StrategyState {
	return StrategyState{Kind: StrategyProfitPump, Source: p.whale, Reward: fpmath.Clone(p.reward)}
}

func (p *ProfitPump) Restore(st StrategyState) {
	p.whale = st.Source
	p.reward = fpmath.Clone(st.Reward)
}

// Rug behaves like Hodl but can be drained to a sink to simulate a default.
type Rug struct {
	Hodl
	sink common.Address
}

func NewRug(sink common.Address) *Rug {
	return &Rug{sink: sink}
}

func (r *Rug) Kind() StrategyKind { return StrategyRug }

func (r *Rug) Pull(amount *big.Int) error {
	return r.base.Transfer(r.vehicle, r.sink, amount)
}

func (r *Rug) State() StrategyState {
	return StrategyState{Kind: StrategyRug, Source: r.sink}
}

func (r *Rug) Restore(st StrategyState) {
	r.sink = st.Source
}
