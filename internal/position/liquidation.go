package position

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/fixed"
)

// Liquidation health codes.
const (
	LiquidationNone        = 0 // position is healthy
	LiquidationInsolvent   = 1 // losses or fees exceed collateral
	LiquidationMaxLeverage = 2 // collateral can no longer support max leverage
)

// ValidateLiquidation classifies a position's health at current prices.
// It returns the health code and the margin fees (funding plus close fee)
// that a liquidation would charge.
func (b *Book) ValidateLiquidation(key Key, now time.Time) (int, *big.Int, error) {
	pos := b.positions[key]
	if pos.IsEmpty() {
		return 0, nil, ErrEmptyPosition
	}
	price, err := b.gateway.LatestPrice(key.IndexAsset, !key.IsLong, true, now)
	if err != nil {
		return 0, nil, err
	}
	code, fees := b.classify(key, pos, price, now)
	return code, fees, nil
}

// liquidationCode is the candidate check run after staged mutations in
// Increase and Decrease. Price errors surface as unhealthy rather than
// letting an unpriceable position through.
func (b *Book) liquidationCode(key Key, pos *Position, now time.Time) int {
	if pos.Size.Sign() == 0 {
		return LiquidationNone
	}
	price, err := b.gateway.LatestPrice(key.IndexAsset, !key.IsLong, true, now)
	if err != nil {
		return LiquidationInsolvent
	}
	code, _ := b.classify(key, pos, price, now)
	return code
}

func (b *Book) classify(key Key, pos *Position, price *big.Int, now time.Time) (int, *big.Int) {
	params := b.registry.Params()
	indexCfg, _ := b.registry.Get(key.IndexAsset)
	cumRate := b.ledger.CumulativeFundingRate(key.CollateralAsset)

	hasProfit, d := delta(pos.Size, pos.AveragePrice, price, key.IsLong,
		pos.LastIncreasedAt, indexCfg.MinProfitBps, params.MinProfitTime, now)

	fees := fixed.FundingFee(pos.Size, cumRate, pos.EntryFundingRate)
	fees.Add(fees, positionFee(pos.Size, params.MarginFeeBps))

	remaining := fixed.Clone(pos.Collateral)
	if !hasProfit {
		if remaining.Cmp(d) < 0 {
			return LiquidationInsolvent, fees
		}
		remaining.Sub(remaining, d)
	}
	if remaining.Cmp(fees) < 0 {
		return LiquidationInsolvent, fees
	}
	withLiqFee := new(big.Int).Add(fees, params.LiquidationFeeUSD)
	if remaining.Cmp(withLiqFee) < 0 {
		return LiquidationInsolvent, fees
	}

	// remaining * maxLeverage < size * BASIS_POINTS_DIVISOR
	lhs := new(big.Int).Mul(remaining, big.NewInt(params.MaxLeverage))
	rhs := new(big.Int).Mul(pos.Size, big.NewInt(fixed.BasisPointsDivisor))
	if lhs.Cmp(rhs) < 0 {
		return LiquidationMaxLeverage, fees
	}
	return LiquidationNone, fees
}

// Liquidate force-closes an unhealthy position. Both health codes zero the
// position entirely; remaining collateral after losses and fees is absorbed
// by the pool. Returns the liquidation fee, in collateral-asset tokens, paid
// to feeReceiver.
func (b *Book) Liquidate(caller uuid.UUID, key Key, feeReceiver uuid.UUID, now time.Time) (*big.Int, error) {
	if !b.liquidators[caller] && !b.plugins[caller] {
		return nil, fmt.Errorf("%w: %s is not a liquidator", ErrCallerNotAuthorized, caller)
	}
	pos := b.positions[key]
	if pos.IsEmpty() {
		return nil, ErrEmptyPosition
	}
	if err := b.ledger.AccrueFunding(key.CollateralAsset, now); err != nil {
		return nil, err
	}
	params := b.registry.Params()
	indexCfg, _ := b.registry.Get(key.IndexAsset)

	price, err := b.gateway.LatestPrice(key.IndexAsset, !key.IsLong, true, now)
	if err != nil {
		return nil, err
	}
	code, fees := b.classify(key, pos, price, now)
	if code == LiquidationNone {
		return nil, ErrPositionNotLiquidatable
	}

	hasProfit, d := delta(pos.Size, pos.AveragePrice, price, key.IsLong,
		pos.LastIncreasedAt, indexCfg.MinProfitBps, params.MinProfitTime, now)
	lossUsd := new(big.Int)
	if !hasProfit {
		lossUsd = fixed.Min(d, pos.Collateral)
	}
	remaining := new(big.Int).Sub(pos.Collateral, lossUsd)
	if fees.Cmp(remaining) > 0 {
		fees = remaining
	}

	feeTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, fees, now)
	if err != nil {
		return nil, err
	}
	liqFeeTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, params.LiquidationFeeUSD, now)
	if err != nil {
		return nil, err
	}
	collateralTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, pos.Collateral, now)
	if err != nil {
		return nil, err
	}

	// Pool feasibility: everything the liquidation takes out of the pool,
	// net of what it puts in.
	state := b.ledger.State(key.CollateralAsset)
	poolAfter := new(big.Int).Set(state.PoolAmount)
	if key.IsLong {
		poolAfter.Sub(poolAfter, feeTokens)
	} else {
		poolAfter.Add(poolAfter, collateralTokens)
		poolAfter.Sub(poolAfter, feeTokens)
	}
	poolAfter.Sub(poolAfter, liqFeeTokens)
	reservedAfter := new(big.Int).Sub(state.ReservedAmount, pos.ReserveAmount)
	if poolAfter.Sign() < 0 || poolAfter.Cmp(reservedAfter) < 0 {
		return nil, fmt.Errorf("%w: %s pool cannot fund liquidation fees",
			ErrPositionNotLiquidatable, key.CollateralAsset)
	}

	must(b.ledger.Unreserve(key.CollateralAsset, pos.ReserveAmount))

	if key.IsLong {
		// Drop the position's remaining guaranteed contribution; losses
		// and leftover collateral both stay in the pool.
		net := new(big.Int).Sub(pos.Size, pos.Collateral)
		must(b.ledger.DecreaseGuaranteedUSD(key.CollateralAsset, net))
		must(b.ledger.DecreasePool(key.CollateralAsset, feeTokens))
	} else {
		// Short collateral moves from the held bucket into the pool,
		// minus the margin fees.
		must(b.ledger.DebitCollateralHeld(key.CollateralAsset, collateralTokens))
		credit := new(big.Int).Sub(collateralTokens, feeTokens)
		if credit.Sign() > 0 {
			b.ledger.IncreasePool(key.CollateralAsset, credit)
		}
		gs := b.shortStateMut(key.IndexAsset)
		gs.Size.Sub(gs.Size, pos.Size)
		if gs.Size.Sign() < 0 {
			gs.Size.SetInt64(0)
		}
	}
	b.ledger.AddFeeReserve(key.CollateralAsset, feeTokens)
	must(b.ledger.DecreasePool(key.CollateralAsset, liqFeeTokens))

	delete(b.positions, key)

	b.log.Warn().
		Str("account", key.Account.String()).
		Str("index", key.IndexAsset).
		Bool("long", key.IsLong).
		Int("code", code).
		Str("size", pos.Size.String()).
		Str("loss_usd", lossUsd.String()).
		Str("margin_fees", fees.String()).
		Str("fee_receiver", feeReceiver.String()).
		Msg("position liquidated")

	return liqFeeTokens, nil
}
