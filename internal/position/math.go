package position

import (
	"math/big"
	"time"

	"perpvault/internal/fixed"
)

// delta returns (hasProfit, |pnl|) for a position of the given size and
// average price against the exit price. Profit inside the min-profit band is
// clamped to zero while the position is younger than minProfitTime; losses
// are always recognized.
func delta(size, averagePrice, price *big.Int, isLong bool, lastIncreasedAt int64, minProfitBps, minProfitTime int64, now time.Time) (bool, *big.Int) {
	if size.Sign() == 0 || averagePrice.Sign() == 0 {
		return false, new(big.Int)
	}
	priceDelta := fixed.AbsDiff(averagePrice, price)
	d := fixed.MulDiv(size, priceDelta, averagePrice)

	var hasProfit bool
	if isLong {
		hasProfit = price.Cmp(averagePrice) > 0
	} else {
		hasProfit = averagePrice.Cmp(price) > 0
	}

	// Profit must strictly exceed the basis-point band while the position
	// is fresh; at or below the band it counts as zero.
	bps := int64(0)
	if now.Unix() <= lastIncreasedAt+minProfitTime {
		bps = minProfitBps
	}
	if hasProfit && bps > 0 {
		scaled := new(big.Int).Mul(d, big.NewInt(fixed.BasisPointsDivisor))
		band := new(big.Int).Mul(size, big.NewInt(bps))
		if scaled.Cmp(band) <= 0 {
			d = new(big.Int)
		}
	}
	return hasProfit, d
}

// nextAveragePrice computes the post-increase average price so that the
// pre-existing unrealized PnL is preserved exactly at the incremental price:
// price * nextSize / (nextSize +/- delta), the sign chosen by whether the
// position was in profit or loss.
func nextAveragePrice(size, averagePrice, price, sizeDelta *big.Int, isLong bool, hasProfit bool, d *big.Int) *big.Int {
	nextSize := new(big.Int).Add(size, sizeDelta)
	divisor := new(big.Int)
	if isLong == hasProfit {
		divisor.Add(nextSize, d)
	} else {
		divisor.Sub(nextSize, d)
	}
	return fixed.MulDiv(price, nextSize, divisor)
}

// nextGlobalShortAveragePrice applies the same weighted-average rule to the
// aggregate short book for one index asset.
func nextGlobalShortAveragePrice(gs *GlobalShort, price, sizeDelta *big.Int) *big.Int {
	if gs.Size.Sign() == 0 {
		return fixed.Clone(price)
	}
	priceDelta := fixed.AbsDiff(gs.AveragePrice, price)
	d := fixed.MulDiv(gs.Size, priceDelta, gs.AveragePrice)
	hasProfit := gs.AveragePrice.Cmp(price) > 0

	nextSize := new(big.Int).Add(gs.Size, sizeDelta)
	divisor := new(big.Int)
	if hasProfit {
		divisor.Sub(nextSize, d)
	} else {
		divisor.Add(nextSize, d)
	}
	return fixed.MulDiv(price, nextSize, divisor)
}

// positionFee is the margin fee on a size delta: the remainder after the
// after-fee amount, so rounding favors the pool.
func positionFee(sizeDelta *big.Int, marginFeeBps int64) *big.Int {
	if sizeDelta.Sign() == 0 {
		return new(big.Int)
	}
	afterFee := fixed.AfterFeeBasisPoints(sizeDelta, marginFeeBps)
	return new(big.Int).Sub(sizeDelta, afterFee)
}
