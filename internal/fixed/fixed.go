package fixed

import (
	"math/big"
	"sync"
)

// Scale constants for the engine's fixed-point representations.
// USD values and prices carry 30 decimals; fee rates are basis points on a
// 10_000 divisor; funding rates use a 1_000_000 precision.
const (
	BasisPointsDivisor   = 10_000
	FundingRatePrecision = 1_000_000
	PriceDecimals        = 30
)

var (
	// PricePrecision is 10^30, the scale of all USD values and prices.
	PricePrecision = Exp10(PriceDecimals)

	bigBasisPointsDivisor   = big.NewInt(BasisPointsDivisor)
	bigFundingRatePrecision = big.NewInt(FundingRatePrecision)
)

// intPool recycles big.Ints used for intermediate products
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

// Exp10 returns 10^n as a fresh big.Int.
func Exp10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Zero returns a fresh zero-valued big.Int.
func Zero() *big.Int {
	return new(big.Int)
}

// Clone returns a fresh copy of v, or a fresh zero if v is nil.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// MulDiv computes a*b/denom with an exact wide intermediate and floor
// division. Panics on a zero denominator: every caller divides by a scale
// constant or a validated non-zero amount, so a zero here is a bug.
func MulDiv(a, b, denom *big.Int) *big.Int {
	if denom.Sign() == 0 {
		panic("fixed: division by zero")
	}
	prod := getInt()
	prod.Mul(a, b)
	result := new(big.Int).Quo(prod, denom)
	putInt(prod)
	return result
}

// ApplyBasisPoints returns amount*bps/10000.
func ApplyBasisPoints(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(bps), bigBasisPointsDivisor)
}

// AfterFeeBasisPoints returns amount*(10000-bps)/10000. The fee charged is
// amount minus this value; computing the remainder first keeps the rounding
// in the pool's favor.
func AfterFeeBasisPoints(amount *big.Int, bps int64) *big.Int {
	return MulDiv(amount, big.NewInt(BasisPointsDivisor-bps), bigBasisPointsDivisor)
}

// FundingFee returns size*(cumulativeRate-entryRate)/FundingRatePrecision.
// Returns zero when the rate delta is not positive.
func FundingFee(size, cumulativeRate, entryRate *big.Int) *big.Int {
	delta := getInt()
	delta.Sub(cumulativeRate, entryRate)
	if delta.Sign() <= 0 {
		putInt(delta)
		return new(big.Int)
	}
	fee := MulDiv(size, delta, bigFundingRatePrecision)
	putInt(delta)
	return fee
}

// AbsDiff returns |a-b| as a fresh big.Int.
func AbsDiff(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Abs(d)
}

// Min returns the smaller of a and b (a fresh copy).
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Max returns the larger of a and b (a fresh copy).
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// USD builds a 1e30-scaled USD value from a whole-dollar amount. Intended
// for configuration defaults and tests.
func USD(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), PricePrecision)
}

// USDCents builds a 1e30-scaled USD value from a cent amount.
func USDCents(cents int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(cents), PricePrecision)
	return v.Quo(v, big.NewInt(100))
}
