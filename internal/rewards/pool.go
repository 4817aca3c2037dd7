package rewards

import (
	"fmt"
	"math/big"
	"sort"

	"VaultLedger/internal/errs"
	"VaultLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// Notifier is the staking pool a Vault forwards converted profit to. The
// reward tokens are transferred to Address() before NotifyReward is called.
type Notifier interface {
	Address() common.Address
	NotifyReward(caller, token common.Address, amount *big.Int) error
}

// TokenDirectory resolves assets by address.
type TokenDirectory interface {
	Token(address common.Address) (ledger.Token, bool)
}

// Pool accounts for rewards received from notifying pools. Farming the
// rewards out to stakers is handled elsewhere.
type Pool struct {
	address   common.Address
	assets    TokenDirectory
	notifiers map[common.Address]bool
	notified  map[common.Address]*big.Int // token -> total notified
}

func NewPool(address common.Address, assets TokenDirectory) *Pool {
	return &Pool{
		address:   address,
		assets:    assets,
		notifiers: make(map[common.Address]bool),
		notified:  make(map[common.Address]*big.Int),
	}
}

func (p *Pool) Address() common.Address {
	return p.address
}

// AllowNotifier registers a pool permitted to notify rewards.
func (p *Pool) AllowNotifier(notifier common.Address) {
	p.notifiers[notifier] = true
}

// NotifyReward records amount of token as distributable. The pool must
// already hold the tokens.
func (p *Pool) NotifyReward(caller, token common.Address, amount *big.Int) error {
	if !p.notifiers[caller] {
		return fmt.Errorf("%w: %s may not notify rewards", errs.ErrUnauthorized, caller.Hex())
	}
	t, ok := p.assets.Token(token)
	if !ok {
		return fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, token.Hex())
	}

	total := new(big.Int).Add(p.Notified(token), amount)
	if t.BalanceOf(p.address).Cmp(total) < 0 {
		return fmt.Errorf("%w: reward pool holds less %s than notified", errs.ErrInsufficientBalance, t.Symbol())
	}
	p.notified[token] = total
	return nil
}

// Notified returns the cumulative reward notified for token.
func (p *Pool) Notified(token common.Address) *big.Int {
	if v, ok := p.notified[token]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// --- Snapshot / restore ---

type State struct {
	Address   common.Address              `json:"address"`
	Notifiers []common.Address            `json:"notifiers"`
	Notified  map[common.Address]*big.Int `json:"notified"`
}

func (p *Pool) Snapshot() State {
	st := State{
		Address:  p.address,
		Notified: make(map[common.Address]*big.Int, len(p.notified)),
	}
	for n := range p.notifiers {
		st.Notifiers = append(st.Notifiers, n)
	}
	sort.Slice(st.Notifiers, func(i, j int) bool {
		return st.Notifiers[i].Cmp(st.Notifiers[j]) < 0
	})
	for token, v := range p.notified {
		st.Notified[token] = new(big.Int).Set(v)
	}
	return st
}

func (p *Pool) Restore(st State) {
	p.notifiers = make(map[common.Address]bool, len(st.Notifiers))
	for _, n := range st.Notifiers {
		p.notifiers[n] = true
	}
	p.notified = make(map[common.Address]*big.Int, len(st.Notified))
	for token, v := range st.Notified {
		p.notified[token] = new(big.Int).Set(v)
	}
}
