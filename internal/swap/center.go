package swap

import (
	"fmt"
	"math/big"
	"sort"

	"VaultLedger/internal/access"
	"VaultLedger/internal/errs"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Router converts one asset into another. The caller must have approved the
// router for amountIn. A swap either delivers at least minOut or fails with
// no effect.
type Router interface {
	Address() common.Address
	SwapExactTokenIn(caller, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error)
	// QuoteExactTokenOut returns the input needed to receive amountOut.
	QuoteExactTokenOut(tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error)
}

// TokenDirectory resolves assets by address.
type TokenDirectory interface {
	Token(address common.Address) (ledger.Token, bool)
}

type pair struct {
	in  common.Address
	out common.Address
}

// Center is a fixed-rate swap desk. Output is paid from the center's own
// balance, so it must be funded with every asset it sells.
type Center struct {
	address common.Address
	assets  TokenDirectory
	policy  access.Policy
	rates   map[pair]uint32 // output per input, in bps
}

func NewCenter(address common.Address, assets TokenDirectory, policy access.Policy) *Center {
	return &Center{
		address: address,
		assets:  assets,
		policy:  policy,
		rates:   make(map[pair]uint32),
	}
}

func (c *Center) Address() common.Address {
	return c.address
}

// SetExchangeRate sets amountOut = amountIn * rateBps / 10000 for in -> out.
// A zero rate removes the pair.
func (c *Center) SetExchangeRate(caller, tokenIn, tokenOut common.Address, rateBps uint32) error {
	if err := c.policy.RequireGovernance(caller); err != nil {
		return err
	}
	if tokenIn == tokenOut {
		return fmt.Errorf("%w: cannot quote an asset against itself", errs.ErrInvalidParameter)
	}
	if rateBps == 0 {
		delete(c.rates, pair{tokenIn, tokenOut})
		return nil
	}
	c.rates[pair{tokenIn, tokenOut}] = rateBps
	return nil
}

func (c *Center) ExchangeRate(tokenIn, tokenOut common.Address) (uint32, bool) {
	r, ok := c.rates[pair{tokenIn, tokenOut}]
	return r, ok
}

func (c *Center) SwapExactTokenIn(caller, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (*big.Int, error) {
	in, out, rate, err := c.resolve(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}

	amountOut := fpmath.BpsOf(amountIn, rate)
	if amountOut.Cmp(fpmath.Clone(minOut)) < 0 {
		return nil, fmt.Errorf("%w: swap %s->%s yields %s, min %s",
			errs.ErrSlippageExceeded, in.Symbol(), out.Symbol(), amountOut, minOut)
	}
	if out.BalanceOf(c.address).Cmp(amountOut) < 0 {
		return nil, fmt.Errorf("%w: swap center holds too little %s", errs.ErrInsufficientLiquidity, out.Symbol())
	}

	if err := in.TransferFrom(c.address, caller, c.address, amountIn); err != nil {
		return nil, fmt.Errorf("swap pull %s: %w", in.Symbol(), err)
	}
	if err := out.Transfer(c.address, caller, amountOut); err != nil {
		return nil, fmt.Errorf("swap pay %s: %w", out.Symbol(), err)
	}
	return amountOut, nil
}

func (c *Center) QuoteExactTokenOut(tokenIn, tokenOut common.Address, amountOut *big.Int) (*big.Int, error) {
	_, _, rate, err := c.resolve(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amountOut, big.NewInt(fpmath.BasisPoints), new(big.Int).SetUint64(uint64(rate)), fpmath.RoundUp), nil
}

func (c *Center) resolve(tokenIn, tokenOut common.Address) (ledger.Token, ledger.Token, uint32, error) {
	rate, ok := c.rates[pair{tokenIn, tokenOut}]
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: no route %s->%s", errs.ErrUnsupported, tokenIn.Hex(), tokenOut.Hex())
	}
	in, ok := c.assets.Token(tokenIn)
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, tokenIn.Hex())
	}
	out, ok := c.assets.Token(tokenOut)
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: asset %s", errs.ErrUnknownEntity, tokenOut.Hex())
	}
	return in, out, rate, nil
}

// --- Snapshot / restore ---

type Rate struct {
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
	RateBps  uint32         `json:"rate_bps"`
}

type State struct {
	Rates []Rate `json:"rates"`
}

func (c *Center) Snapshot() State {
	st := State{Rates: make([]Rate, 0, len(c.rates))}
	for p, r := range c.rates {
		st.Rates = append(st.Rates, Rate{TokenIn: p.in, TokenOut: p.out, RateBps: r})
	}
	sort.Slice(st.Rates, func(i, j int) bool {
		if d := st.Rates[i].TokenIn.Cmp(st.Rates[j].TokenIn); d != 0 {
			return d < 0
		}
		return st.Rates[i].TokenOut.Cmp(st.Rates[j].TokenOut) < 0
	})
	return st
}

func (c *Center) Restore(st State) {
	c.rates = make(map[pair]uint32, len(st.Rates))
	for _, r := range st.Rates {
		c.rates[pair{r.TokenIn, r.TokenOut}] = r.RateBps
	}
}
