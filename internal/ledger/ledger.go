package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"VaultLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger is the registry of every fungible asset known to the process:
// base assets, long assets and pool receipt-share tokens.
// Not thread-safe. Only accessed from the single-threaded core.
type Ledger struct {
	assets  map[common.Address]*Asset
	order   []common.Address
	journal *recorder
}

func NewLedger() *Ledger {
	return &Ledger{
		assets:  make(map[common.Address]*Asset),
		journal: &recorder{},
	}
}

// Register creates a new asset. Only the minter may mint or burn it.
func (l *Ledger) Register(address common.Address, symbol string, decimals uint8, minter common.Address) (*Asset, error) {
	if _, exists := l.assets[address]; exists {
		return nil, fmt.Errorf("%w: asset %s already registered", errs.ErrAlreadyInitialized, address.Hex())
	}
	a := newAsset(address, symbol, decimals, minter, l.journal)
	l.assets[address] = a
	l.order = append(l.order, address)
	return a, nil
}

// Token resolves an asset by address.
func (l *Ledger) Token(address common.Address) (Token, bool) {
	a, ok := l.assets[address]
	if !ok {
		return nil, false
	}
	return a, true
}

// Asset resolves the concrete asset by address.
func (l *Ledger) Asset(address common.Address) (*Asset, bool) {
	a, ok := l.assets[address]
	return a, ok
}

// Assets returns all assets in registration order.
func (l *Ledger) Assets() []*Asset {
	out := make([]*Asset, 0, len(l.order))
	for _, addr := range l.order {
		out = append(out, l.assets[addr])
	}
	return out
}

// BeginBatch starts collecting journals for one command.
func (l *Ledger) BeginBatch(eventRef string, sequence, timestamp int64) {
	l.journal.begin(eventRef, sequence, timestamp)
}

// TakeBatch returns the journals collected since BeginBatch and stops
// recording.
func (l *Ledger) TakeBatch() *Batch {
	return l.journal.take()
}

// --- Snapshot / restore ---

// AssetState is the serializable form of one asset.
type AssetState struct {
	Address    common.Address                                `json:"address"`
	Symbol     string                                        `json:"symbol"`
	Decimals   uint8                                         `json:"decimals"`
	Minter     common.Address                                `json:"minter"`
	Supply     *big.Int                                      `json:"supply"`
	Balances   map[common.Address]*big.Int                   `json:"balances"`
	Allowances map[common.Address]map[common.Address]*big.Int `json:"allowances,omitempty"`
}

// State is the serializable form of the whole ledger.
type State struct {
	Assets []AssetState `json:"assets"`
}

// Snapshot deep-copies the ledger.
func (l *Ledger) Snapshot() State {
	st := State{Assets: make([]AssetState, 0, len(l.order))}
	for _, addr := range l.order {
		a := l.assets[addr]
		as := AssetState{
			Address:  a.address,
			Symbol:   a.symbol,
			Decimals: a.decimals,
			Minter:   a.minter,
			Supply:   a.supply.ToBig(),
			Balances: make(map[common.Address]*big.Int, len(a.balances)),
		}
		for owner, b := range a.balances {
			as.Balances[owner] = b.ToBig()
		}
		if len(a.allowances) > 0 {
			as.Allowances = make(map[common.Address]map[common.Address]*big.Int, len(a.allowances))
			for owner, m := range a.allowances {
				inner := make(map[common.Address]*big.Int, len(m))
				for spender, v := range m {
					inner[spender] = v.ToBig()
				}
				as.Allowances[owner] = inner
			}
		}
		st.Assets = append(st.Assets, as)
	}
	return st
}

// Restore replaces the ledger contents with st. Existing *Asset pointers
// stay valid: assets present in both are rewritten in place.
func (l *Ledger) Restore(st State) error {
	keep := make(map[common.Address]bool, len(st.Assets))
	order := make([]common.Address, 0, len(st.Assets))

	for _, as := range st.Assets {
		a, ok := l.assets[as.Address]
		if !ok {
			a = newAsset(as.Address, as.Symbol, as.Decimals, as.Minter, l.journal)
			l.assets[as.Address] = a
		}
		supply, overflow := uint256.FromBig(as.Supply)
		if overflow {
			return fmt.Errorf("restore %s: supply exceeds uint256", as.Symbol)
		}
		a.symbol, a.decimals, a.minter = as.Symbol, as.Decimals, as.Minter
		a.supply = supply
		a.balances = make(map[common.Address]*uint256.Int, len(as.Balances))
		for owner, b := range as.Balances {
			v, err := toU256(b)
			if err != nil {
				return fmt.Errorf("restore %s balance of %s: %w", as.Symbol, owner.Hex(), err)
			}
			a.setBalance(owner, v)
		}
		a.allowances = make(map[common.Address]map[common.Address]*uint256.Int, len(as.Allowances))
		for owner, m := range as.Allowances {
			inner := make(map[common.Address]*uint256.Int, len(m))
			for spender, amt := range m {
				v, err := toU256(amt)
				if err != nil {
					return fmt.Errorf("restore %s allowance: %w", as.Symbol, err)
				}
				inner[spender] = v
			}
			a.allowances[owner] = inner
		}
		keep[as.Address] = true
		order = append(order, as.Address)
	}

	for addr := range l.assets {
		if !keep[addr] {
			delete(l.assets, addr)
		}
	}
	l.order = order
	return nil
}

// Holders returns the owners with a non-zero balance, sorted by address.
func (a *Asset) Holders() []common.Address {
	out := make([]common.Address, 0, len(a.balances))
	for owner := range a.balances {
		out = append(out, owner)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}
