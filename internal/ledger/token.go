package ledger

import (
	"fmt"
	"math/big"

	"VaultLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is the fungible-asset surface consumed by vehicles, pools and the
// swap center. Caller identity is passed explicitly.
type Token interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8
	TotalSupply() *big.Int
	BalanceOf(owner common.Address) *big.Int
	Allowance(owner, spender common.Address) *big.Int
	Approve(owner, spender common.Address, amount *big.Int) error
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
	Mint(caller, to common.Address, amount *big.Int) error
	Burn(caller, from common.Address, amount *big.Int) error
}

// Asset is the in-process Token implementation. Balances are uint256 so every
// movement is overflow checked the same way an on-chain token would be.
type Asset struct {
	address  common.Address
	symbol   string
	decimals uint8
	minter   common.Address

	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int

	journal *recorder
}

var maxAllowance = new(uint256.Int).SetAllOne()

func newAsset(address common.Address, symbol string, decimals uint8, minter common.Address, journal *recorder) *Asset {
	return &Asset{
		address:    address,
		symbol:     symbol,
		decimals:   decimals,
		minter:     minter,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
		journal:    journal,
	}
}

func (a *Asset) Address() common.Address { return a.address }
func (a *Asset) Symbol() string          { return a.symbol }
func (a *Asset) Decimals() uint8         { return a.decimals }
func (a *Asset) Minter() common.Address  { return a.minter }

func (a *Asset) TotalSupply() *big.Int {
	return a.supply.ToBig()
}

func (a *Asset) BalanceOf(owner common.Address) *big.Int {
	if b, ok := a.balances[owner]; ok {
		return b.ToBig()
	}
	return new(big.Int)
}

func (a *Asset) Allowance(owner, spender common.Address) *big.Int {
	if m, ok := a.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v.ToBig()
		}
	}
	return new(big.Int)
}

func (a *Asset) Approve(owner, spender common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	m, ok := a.allowances[owner]
	if !ok {
		m = make(map[common.Address]*uint256.Int)
		a.allowances[owner] = m
	}
	if v.IsZero() {
		delete(m, spender)
		return nil
	}
	m[spender] = v
	return nil
}

func (a *Asset) Transfer(from, to common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	if err := a.move(from, to, v); err != nil {
		return err
	}
	a.journal.record(a.address, from, to, amount, JournalTypeTransfer)
	return nil
}

// TransferFrom moves funds on behalf of from. An allowance of MaxUint256 is
// treated as unlimited and never decremented.
func (a *Asset) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	v, err := toU256(amount)
	if err != nil {
		return err
	}

	allowed := a.allowanceU256(from, spender)
	if allowed.Lt(v) {
		return fmt.Errorf("%w: %s allows %s to spend %s %s, need %s",
			errs.ErrInsufficientAllowance, from.Hex(), spender.Hex(), allowed.Dec(), a.symbol, v.Dec())
	}
	if err := a.move(from, to, v); err != nil {
		return err
	}
	if !v.IsZero() && !allowed.Eq(maxAllowance) {
		a.allowances[from][spender] = new(uint256.Int).Sub(allowed, v)
	}
	a.journal.record(a.address, from, to, amount, JournalTypeTransfer)
	return nil
}

func (a *Asset) Mint(caller, to common.Address, amount *big.Int) error {
	if caller != a.minter {
		return fmt.Errorf("%w: %s cannot mint %s", errs.ErrUnauthorized, caller.Hex(), a.symbol)
	}
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	supply, overflow := new(uint256.Int).AddOverflow(a.supply, v)
	if overflow {
		return fmt.Errorf("%w: %s supply overflow", errs.ErrInvalidParameter, a.symbol)
	}
	// supply >= every balance, so the balance add cannot overflow
	a.supply = supply
	a.setBalance(to, new(uint256.Int).Add(a.balanceU256(to), v))
	a.journal.record(a.address, common.Address{}, to, amount, JournalTypeMint)
	return nil
}

func (a *Asset) Burn(caller, from common.Address, amount *big.Int) error {
	if caller != a.minter {
		return fmt.Errorf("%w: %s cannot burn %s", errs.ErrUnauthorized, caller.Hex(), a.symbol)
	}
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	bal := a.balanceU256(from)
	if bal.Lt(v) {
		return fmt.Errorf("%w: %s holds %s %s, burn needs %s",
			errs.ErrInsufficientBalance, from.Hex(), bal.Dec(), a.symbol, v.Dec())
	}
	a.setBalance(from, new(uint256.Int).Sub(bal, v))
	a.supply = new(uint256.Int).Sub(a.supply, v)
	a.journal.record(a.address, from, common.Address{}, amount, JournalTypeBurn)
	return nil
}

func (a *Asset) move(from, to common.Address, v *uint256.Int) error {
	bal := a.balanceU256(from)
	if bal.Lt(v) {
		return fmt.Errorf("%w: %s holds %s %s, transfer needs %s",
			errs.ErrInsufficientBalance, from.Hex(), bal.Dec(), a.symbol, v.Dec())
	}
	if from == to {
		return nil
	}
	a.setBalance(from, new(uint256.Int).Sub(bal, v))
	a.setBalance(to, new(uint256.Int).Add(a.balanceU256(to), v))
	return nil
}

func (a *Asset) balanceU256(owner common.Address) *uint256.Int {
	if b, ok := a.balances[owner]; ok {
		return b
	}
	return new(uint256.Int)
}

func (a *Asset) setBalance(owner common.Address, v *uint256.Int) {
	if v.IsZero() {
		delete(a.balances, owner)
		return
	}
	a.balances[owner] = v
}

func (a *Asset) allowanceU256(owner, spender common.Address) *uint256.Int {
	if m, ok := a.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v
		}
	}
	return new(uint256.Int)
}

func toU256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", errs.ErrInvalidParameter)
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: amount exceeds uint256", errs.ErrInvalidParameter)
	}
	return v, nil
}
