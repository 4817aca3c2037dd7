package math

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ShareDecimals is the fixed-point precision of share prices, independent of
// the underlying asset decimals.
const ShareDecimals = 18

// BasisPoints is the denominator for every bps-expressed ratio.
const BasisPoints = 10_000

var (
	// ShareUnit is 10^18, the share price of a freshly bootstrapped ledger.
	ShareUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(ShareDecimals), nil)

	bpsDenominator = big.NewInt(BasisPoints)

	// MaxUint256 is the largest representable token amount; used as the
	// "unrestricted" cap value.
	MaxUint256 = new(uint256.Int).SetAllOne().ToBig()
)

// Pooled big.Int for intermediate products
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero
	RoundUp
)

// MulDiv computes a * b / denominator with the requested rounding.
// Operands are non-negative; denominator must be non-zero.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) *big.Int {
	if denominator.Sign() == 0 {
		panic("math: MulDiv by zero")
	}

	product := getInt()
	remainder := getInt()
	defer putInt(product)
	defer putInt(remainder)

	product.Mul(a, b)
	quotient := new(big.Int)
	quotient.QuoRem(product, denominator, remainder)

	if mode == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return quotient
}

// BpsOf returns floor(amount * bps / 10000).
func BpsOf(amount *big.Int, bps uint32) *big.Int {
	return MulDiv(amount, new(big.Int).SetUint64(uint64(bps)), bpsDenominator, RoundDown)
}

// Min returns a copy of the smaller operand.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// SubFloor returns max(a - b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	if d.Sign() < 0 {
		return d.SetInt64(0)
	}
	return d
}

// Clone copies x; nil becomes zero.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// IsPositive reports x > 0 (nil is zero).
func IsPositive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}

// ParseAmount parses a base-10 token amount bounded to the uint256 range.
func ParseAmount(s string) (*big.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v.ToBig(), nil
}

// FormatUnits renders a raw integer amount in human units, e.g.
// FormatUnits(1500000, 6) == "1.5".
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// FormatSharePrice renders a SHARE_UNIT-scaled price, e.g. "1.5".
func FormatSharePrice(price *big.Int) string {
	return FormatUnits(price, ShareDecimals)
}
