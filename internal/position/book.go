package position

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
	"perpvault/internal/pool"
)

// Book is the position state machine: Empty -> Open -> Closed, where Closed
// (and liquidated) is logically Empty again. It is the only writer of
// Position and GlobalShort records.
type Book struct {
	registry *asset.Registry
	ledger   *pool.Ledger
	gateway  *oracle.Gateway

	positions   map[Key]*Position
	shorts      map[string]*GlobalShort
	plugins     map[uuid.UUID]bool
	liquidators map[uuid.UUID]bool
	delegates   map[uuid.UUID]map[uuid.UUID]bool

	log zerolog.Logger
}

func NewBook(registry *asset.Registry, ledger *pool.Ledger, gateway *oracle.Gateway, log zerolog.Logger) *Book {
	return &Book{
		registry:    registry,
		ledger:      ledger,
		gateway:     gateway,
		positions:   make(map[Key]*Position),
		shorts:      make(map[string]*GlobalShort),
		plugins:     make(map[uuid.UUID]bool),
		liquidators: make(map[uuid.UUID]bool),
		delegates:   make(map[uuid.UUID]map[uuid.UUID]bool),
		log:         log,
	}
}

// Get returns the position for key, or nil when empty.
func (b *Book) Get(key Key) *Position {
	return b.positions[key]
}

// ShortState returns a copy of the aggregate short record for an index asset.
func (b *Book) ShortState(symbol string) (GlobalShort, bool) {
	gs, ok := b.shorts[symbol]
	if !ok {
		return GlobalShort{Size: new(big.Int), AveragePrice: new(big.Int)}, false
	}
	return GlobalShort{Size: fixed.Clone(gs.Size), AveragePrice: fixed.Clone(gs.AveragePrice)}, true
}

func (b *Book) shortStateMut(symbol string) *GlobalShort {
	gs, ok := b.shorts[symbol]
	if !ok {
		gs = &GlobalShort{Size: new(big.Int), AveragePrice: new(big.Int)}
		b.shorts[symbol] = gs
	}
	return gs
}

// validatePair enforces the long/short asset pairing rules.
func (b *Book) validatePair(key Key) error {
	collateral, ok := b.registry.Get(key.CollateralAsset)
	if !ok {
		return fmt.Errorf("%w: collateral %s not whitelisted", ErrInvalidPair, key.CollateralAsset)
	}
	index, ok := b.registry.Get(key.IndexAsset)
	if !ok {
		return fmt.Errorf("%w: index %s not whitelisted", ErrInvalidPair, key.IndexAsset)
	}
	if key.IsLong {
		if key.CollateralAsset != key.IndexAsset {
			return fmt.Errorf("%w: long collateral must equal index", ErrInvalidPair)
		}
		if collateral.IsStable {
			return fmt.Errorf("%w: long collateral must not be stable", ErrInvalidPair)
		}
		return nil
	}
	if !collateral.IsStable {
		return fmt.Errorf("%w: short collateral must be stable", ErrInvalidPair)
	}
	if index.IsStable {
		return fmt.Errorf("%w: short index must not be stable", ErrInvalidPair)
	}
	if !index.IsShortable {
		return fmt.Errorf("%w: index %s not shortable", ErrInvalidPair, key.IndexAsset)
	}
	return nil
}

// must asserts an operation that was prechecked cannot fail. A failure here
// means a precheck and its apply step disagree, which is a bug.
func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("FATAL: prechecked ledger mutation failed: %v", err))
	}
}

// Increase opens or grows a position. collateralIn is the collateral-asset
// token amount transferred in; sizeDelta is USD notional. All deltas are
// computed and validated before any ledger write.
func (b *Book) Increase(caller uuid.UUID, key Key, collateralIn, sizeDelta *big.Int, now time.Time) error {
	if err := b.authorize(caller, key.Account); err != nil {
		return err
	}
	params := b.registry.Params()
	if !params.IsLeverageEnabled {
		return ErrLeverageDisabled
	}
	if err := b.validatePair(key); err != nil {
		return err
	}
	if sizeDelta.Sign() < 0 || collateralIn.Sign() < 0 {
		return fmt.Errorf("%w: negative delta", ErrInvalidAmount)
	}
	if err := b.ledger.AccrueFunding(key.CollateralAsset, now); err != nil {
		return err
	}

	// Entry at the price less favorable to the trader: ask for longs, bid
	// for shorts.
	price, err := b.gateway.LatestPrice(key.IndexAsset, key.IsLong, true, now)
	if err != nil {
		return err
	}

	pos := b.positions[key]
	if pos == nil {
		pos = newPosition()
	}
	if pos.IsEmpty() && sizeDelta.Sign() == 0 {
		return fmt.Errorf("%w: cannot open with zero size", ErrInvalidAmount)
	}
	work := pos.clone()

	indexCfg, _ := b.registry.Get(key.IndexAsset)
	cumRate := b.ledger.CumulativeFundingRate(key.CollateralAsset)

	if work.Size.Sign() == 0 {
		work.AveragePrice = fixed.Clone(price)
	} else if sizeDelta.Sign() > 0 {
		hasProfit, d := delta(work.Size, work.AveragePrice, price, key.IsLong,
			work.LastIncreasedAt, indexCfg.MinProfitBps, params.MinProfitTime, now)
		work.AveragePrice = nextAveragePrice(work.Size, work.AveragePrice, price, sizeDelta, key.IsLong, hasProfit, d)
	}

	collateralDeltaUsd, err := b.ledger.TokenToUSDMin(key.CollateralAsset, collateralIn, now)
	if err != nil {
		return err
	}

	feeUsd := fixed.FundingFee(work.Size, cumRate, work.EntryFundingRate)
	feeUsd.Add(feeUsd, positionFee(sizeDelta, params.MarginFeeBps))

	work.Collateral.Add(work.Collateral, collateralDeltaUsd)
	if work.Collateral.Cmp(feeUsd) < 0 {
		return fmt.Errorf("%w: collateral %s, fees %s",
			ErrInsufficientCollateralForFees, work.Collateral, feeUsd)
	}
	work.Collateral.Sub(work.Collateral, feeUsd)
	work.EntryFundingRate = cumRate
	work.Size.Add(work.Size, sizeDelta)
	work.LastIncreasedAt = now.Unix()

	if work.Size.Cmp(work.Collateral) < 0 {
		return fmt.Errorf("%w: size %s < collateral %s",
			ErrSizeBelowCollateral, work.Size, work.Collateral)
	}

	reserveDelta, err := b.ledger.USDToTokenMax(key.CollateralAsset, sizeDelta, now)
	if err != nil {
		return err
	}
	feeTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, feeUsd, now)
	if err != nil {
		return err
	}

	// Pool headroom precheck against the post-apply balances.
	state := b.ledger.State(key.CollateralAsset)
	poolAfter := fixed.Clone(state.PoolAmount)
	if key.IsLong {
		poolAfter.Add(poolAfter, collateralIn)
		poolAfter.Sub(poolAfter, feeTokens)
		if poolAfter.Sign() < 0 {
			return fmt.Errorf("%w: fees exceed deposited collateral", ErrInsufficientCollateralForFees)
		}
	}
	reservedAfter := new(big.Int).Add(state.ReservedAmount, reserveDelta)
	if reservedAfter.Cmp(poolAfter) > 0 {
		return fmt.Errorf("%w: %s reserved %s > pool %s after increase",
			pool.ErrReserveExceedsPool, key.CollateralAsset, reservedAfter, poolAfter)
	}

	if code := b.liquidationCode(key, work, now); code != 0 {
		if code == 2 {
			return fmt.Errorf("%w: leverage %s bps", ErrMaxLeverageExceeded, work.Leverage())
		}
		return ErrLossesExceedCollateral
	}

	// All checks passed; apply.
	if key.IsLong {
		// Guaranteed USD tracks long notional not covered by trader
		// collateral; the fee leaves collateral, so it adds to guaranteed.
		net := new(big.Int).Add(sizeDelta, feeUsd)
		net.Sub(net, collateralDeltaUsd)
		b.applyGuaranteedDelta(key.CollateralAsset, net)

		b.ledger.IncreasePool(key.CollateralAsset, collateralIn)
		must(b.ledger.DecreasePool(key.CollateralAsset, feeTokens))
	} else {
		b.ledger.CreditCollateralHeld(key.CollateralAsset, collateralIn)
		must(b.ledger.DebitCollateralHeld(key.CollateralAsset, feeTokens))

		if sizeDelta.Sign() > 0 {
			gs := b.shortStateMut(key.IndexAsset)
			gs.AveragePrice = nextGlobalShortAveragePrice(gs, price, sizeDelta)
			gs.Size.Add(gs.Size, sizeDelta)
		}
	}
	b.ledger.AddFeeReserve(key.CollateralAsset, feeTokens)
	must(b.ledger.Reserve(key.CollateralAsset, reserveDelta))
	work.ReserveAmount.Add(work.ReserveAmount, reserveDelta)

	b.positions[key] = work

	b.log.Info().
		Str("account", key.Account.String()).
		Str("index", key.IndexAsset).
		Bool("long", key.IsLong).
		Str("size_delta", sizeDelta.String()).
		Str("size", work.Size.String()).
		Str("collateral", work.Collateral.String()).
		Str("avg_price", work.AveragePrice.String()).
		Str("fee_usd", feeUsd.String()).
		Msg("position increased")

	return nil
}

// Decrease reduces size and/or withdraws collateral, realizing the
// proportional share of unrealized PnL. Returns the collateral-asset token
// amount paid to receiver.
func (b *Book) Decrease(caller uuid.UUID, key Key, collateralDelta, sizeDelta *big.Int, receiver uuid.UUID, now time.Time) (*big.Int, error) {
	if err := b.authorize(caller, key.Account); err != nil {
		return nil, err
	}
	pos := b.positions[key]
	if pos.IsEmpty() {
		return nil, ErrEmptyPosition
	}
	if sizeDelta.Sign() < 0 || collateralDelta.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative delta", ErrInvalidAmount)
	}
	if sizeDelta.Cmp(pos.Size) > 0 {
		return nil, fmt.Errorf("%w: delta %s > size %s", ErrSizeDeltaTooLarge, sizeDelta, pos.Size)
	}
	if collateralDelta.Cmp(pos.Collateral) > 0 {
		return nil, fmt.Errorf("%w: withdrawal %s > collateral %s", ErrInvalidAmount, collateralDelta, pos.Collateral)
	}
	if err := b.ledger.AccrueFunding(key.CollateralAsset, now); err != nil {
		return nil, err
	}

	params := b.registry.Params()
	indexCfg, _ := b.registry.Get(key.IndexAsset)
	cumRate := b.ledger.CumulativeFundingRate(key.CollateralAsset)

	// Exit at the less favorable side: bid for longs, ask for shorts.
	price, err := b.gateway.LatestPrice(key.IndexAsset, !key.IsLong, true, now)
	if err != nil {
		return nil, err
	}

	work := pos.clone()
	closing := sizeDelta.Cmp(pos.Size) == 0

	feeUsd := fixed.FundingFee(work.Size, cumRate, work.EntryFundingRate)
	feeUsd.Add(feeUsd, positionFee(sizeDelta, params.MarginFeeBps))

	hasProfit, d := delta(work.Size, work.AveragePrice, price, key.IsLong,
		work.LastIncreasedAt, indexCfg.MinProfitBps, params.MinProfitTime, now)

	usdOut := new(big.Int)
	adjustedProfit := new(big.Int)
	adjustedLoss := new(big.Int)
	reserveDelta := new(big.Int)

	if sizeDelta.Sign() > 0 {
		reserveDelta = fixed.MulDiv(work.ReserveAmount, sizeDelta, work.Size)

		adjusted := fixed.MulDiv(d, sizeDelta, work.Size)
		if hasProfit && adjusted.Sign() > 0 {
			adjustedProfit = adjusted
			usdOut.Add(usdOut, adjusted)
			work.RealizedPnl.Add(work.RealizedPnl, adjusted)
		}
		if !hasProfit && adjusted.Sign() > 0 {
			if work.Collateral.Cmp(adjusted) < 0 {
				return nil, fmt.Errorf("%w: loss %s > collateral %s",
					ErrLossesExceedCollateral, adjusted, work.Collateral)
			}
			adjustedLoss = adjusted
			work.Collateral.Sub(work.Collateral, adjusted)
			work.RealizedPnl.Sub(work.RealizedPnl, adjusted)
		}
	}

	collateralBefore := fixed.Clone(pos.Collateral)
	usdOut.Add(usdOut, collateralDelta)
	work.Collateral.Sub(work.Collateral, collateralDelta)
	if closing {
		usdOut.Add(usdOut, work.Collateral)
		work.Collateral = new(big.Int)
	}

	// Fees come out of the payout first, out of collateral only for the
	// remainder. A shortfall fails the call unless the decrease fully
	// closes the position, in which case the pool absorbs it.
	feeFromPayout := fixed.Min(feeUsd, usdOut)
	feeFromCollateral := new(big.Int).Sub(feeUsd, feeFromPayout)
	if feeFromCollateral.Sign() > 0 {
		if work.Collateral.Cmp(feeFromCollateral) < 0 {
			if !closing {
				return nil, fmt.Errorf("%w: fee remainder %s > collateral %s",
					ErrLiquidationFeesExceedCollateral, feeFromCollateral, work.Collateral)
			}
			feeFromCollateral = fixed.Clone(work.Collateral)
		}
		work.Collateral.Sub(work.Collateral, feeFromCollateral)
	}
	chargedFee := new(big.Int).Add(feeFromPayout, feeFromCollateral)
	usdOutAfterFee := new(big.Int).Sub(usdOut, feeFromPayout)

	work.Size.Sub(work.Size, sizeDelta)
	work.EntryFundingRate = cumRate

	if !closing {
		if work.Size.Cmp(work.Collateral) < 0 {
			return nil, fmt.Errorf("%w: size %s < collateral %s",
				ErrSizeBelowCollateral, work.Size, work.Collateral)
		}
		if collateralDelta.Sign() > 0 && work.Collateral.Sign() > 0 {
			prevLev := fixed.MulDiv(pos.Size, big.NewInt(fixed.BasisPointsDivisor), collateralBefore)
			nextLev := work.Leverage()
			if nextLev.Cmp(prevLev) > 0 {
				return nil, fmt.Errorf("%w: %s -> %s bps", ErrLeverageIncreased, prevLev, nextLev)
			}
		}
		if code := b.liquidationCode(key, work, now); code != 0 {
			if code == 2 {
				return nil, fmt.Errorf("%w: leverage %s bps", ErrMaxLeverageExceeded, work.Leverage())
			}
			return nil, ErrLossesExceedCollateral
		}
	}

	payoutTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, usdOutAfterFee, now)
	if err != nil {
		return nil, err
	}
	feeTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, chargedFee, now)
	if err != nil {
		return nil, err
	}
	profitTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, adjustedProfit, now)
	if err != nil {
		return nil, err
	}
	lossTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, adjustedLoss, now)
	if err != nil {
		return nil, err
	}

	// Pool feasibility precheck: the debit this decrease takes from the
	// pool must leave the remaining reserve covered.
	state := b.ledger.State(key.CollateralAsset)
	poolDebit := new(big.Int)
	if key.IsLong {
		poolDebit.Add(payoutTokens, feeTokens)
	} else {
		poolDebit.Set(profitTokens)
	}
	poolAfter := new(big.Int).Sub(state.PoolAmount, poolDebit)
	if !key.IsLong {
		poolAfter.Add(poolAfter, lossTokens)
	}
	reservedAfter := new(big.Int).Sub(state.ReservedAmount, reserveDelta)
	if poolAfter.Sign() < 0 || poolAfter.Cmp(reservedAfter) < 0 {
		return nil, fmt.Errorf("%w: %s payout needs %s, pool %s reserved %s",
			pool.ErrPoolExhausted, key.CollateralAsset, poolDebit, state.PoolAmount, reservedAfter)
	}

	// Apply.
	must(b.ledger.Unreserve(key.CollateralAsset, reserveDelta))
	work.ReserveAmount.Sub(work.ReserveAmount, reserveDelta)

	if key.IsLong {
		must(b.ledger.DecreasePool(key.CollateralAsset, poolDebit))
		net := new(big.Int).Sub(collateralBefore, work.Collateral)
		net.Sub(net, sizeDelta)
		b.applyGuaranteedDelta(key.CollateralAsset, net)
	} else {
		if lossTokens.Sign() > 0 {
			must(b.ledger.DebitCollateralHeld(key.CollateralAsset, lossTokens))
			b.ledger.IncreasePool(key.CollateralAsset, lossTokens)
		}
		if profitTokens.Sign() > 0 {
			must(b.ledger.DecreasePool(key.CollateralAsset, profitTokens))
		}
		heldDebit := new(big.Int).Add(payoutTokens, feeTokens)
		heldDebit.Sub(heldDebit, profitTokens)
		if heldDebit.Sign() > 0 {
			must(b.ledger.DebitCollateralHeld(key.CollateralAsset, heldDebit))
		}
		gs := b.shortStateMut(key.IndexAsset)
		gs.Size.Sub(gs.Size, sizeDelta)
	}
	b.ledger.AddFeeReserve(key.CollateralAsset, feeTokens)

	if closing {
		delete(b.positions, key)
	} else {
		b.positions[key] = work
	}

	b.log.Info().
		Str("account", key.Account.String()).
		Str("index", key.IndexAsset).
		Bool("long", key.IsLong).
		Bool("closed", closing).
		Str("size_delta", sizeDelta.String()).
		Str("realized_pnl", work.RealizedPnl.String()).
		Str("payout_usd", usdOutAfterFee.String()).
		Str("receiver", receiver.String()).
		Msg("position decreased")

	return payoutTokens, nil
}

// Accumulate re-charges the funding fee on an unchanged-size position.
// Callable by the account or an approved delegate.
func (b *Book) Accumulate(caller uuid.UUID, key Key, now time.Time) error {
	if err := b.authorize(caller, key.Account); err != nil {
		return err
	}
	pos := b.positions[key]
	if pos.IsEmpty() {
		return ErrEmptyPosition
	}
	if err := b.ledger.AccrueFunding(key.CollateralAsset, now); err != nil {
		return err
	}

	cumRate := b.ledger.CumulativeFundingRate(key.CollateralAsset)
	feeUsd := fixed.FundingFee(pos.Size, cumRate, pos.EntryFundingRate)
	if feeUsd.Sign() == 0 {
		pos.EntryFundingRate = cumRate
		return nil
	}

	work := pos.clone()
	if work.Collateral.Cmp(feeUsd) < 0 {
		return fmt.Errorf("%w: funding fee %s > collateral %s",
			ErrInsufficientCollateralForFees, feeUsd, work.Collateral)
	}
	work.Collateral.Sub(work.Collateral, feeUsd)
	work.EntryFundingRate = cumRate
	if work.Size.Cmp(work.Collateral) < 0 {
		return fmt.Errorf("%w: size %s < collateral %s",
			ErrSizeBelowCollateral, work.Size, work.Collateral)
	}

	feeTokens, err := b.ledger.USDToTokenMin(key.CollateralAsset, feeUsd, now)
	if err != nil {
		return err
	}

	if key.IsLong {
		if err := b.ledger.DecreasePool(key.CollateralAsset, feeTokens); err != nil {
			return err
		}
		b.applyGuaranteedDelta(key.CollateralAsset, fixed.Clone(feeUsd))
	} else {
		must(b.ledger.DebitCollateralHeld(key.CollateralAsset, feeTokens))
	}
	b.ledger.AddFeeReserve(key.CollateralAsset, feeTokens)
	b.positions[key] = work

	b.log.Debug().
		Str("account", key.Account.String()).
		Str("index", key.IndexAsset).
		Str("funding_fee", feeUsd.String()).
		Msg("funding accumulated")

	return nil
}

// applyGuaranteedDelta applies a signed guaranteed-USD adjustment.
func (b *Book) applyGuaranteedDelta(symbol string, net *big.Int) {
	if net.Sign() > 0 {
		b.ledger.IncreaseGuaranteedUSD(symbol, net)
	} else if net.Sign() < 0 {
		must(b.ledger.DecreaseGuaranteedUSD(symbol, new(big.Int).Neg(net)))
	}
}
