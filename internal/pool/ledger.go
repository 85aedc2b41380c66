package pool

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
)

var (
	ErrAssetNotWhitelisted     = errors.New("asset not whitelisted")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrReserveExceedsPool      = errors.New("reserve exceeds pool")
	ErrUnreserveExceedsReserve = errors.New("unreserve exceeds reserved amount")
	ErrPoolExhausted           = errors.New("pool exhausted")
	ErrMaxStableDebtExceeded   = errors.New("max stable debt exceeded")
	ErrInsufficientStableDebt  = errors.New("insufficient stable debt")
	ErrRedemptionExceedsPool   = errors.New("redemption exceeds available collateral")
	ErrGuaranteedUnderflow     = errors.New("guaranteed usd underflow")
)

// State is the per-token pool record. Token-denominated fields (PoolAmount,
// ReservedAmount, FeeReserve) are native token units; USD fields are 1e30.
// Invariant after every successful mutation: ReservedAmount <= PoolAmount.
type State struct {
	Symbol                string
	PoolAmount            *big.Int
	ReservedAmount        *big.Int
	FeeReserve            *big.Int
	CollateralHeld        *big.Int // short collateral tokens held outside the pool
	GuaranteedUSD         *big.Int
	StableDebt            *big.Int // USD value of stable debt backed by this token
	CumulativeFundingRate *big.Int // 1e6 precision, non-decreasing
	LastFundingTime       int64    // unix seconds, aligned to the funding interval
}

// Ledger is the keyed repository of pool states. Only the Ledger and the
// PositionBook mutate them, and every mutation happens inside a single
// externally triggered call.
type Ledger struct {
	registry *asset.Registry
	gateway  *oracle.Gateway
	states   map[string]*State

	totalStableDebt *big.Int
	log             zerolog.Logger
}

func NewLedger(registry *asset.Registry, gateway *oracle.Gateway, log zerolog.Logger) *Ledger {
	return &Ledger{
		registry:        registry,
		gateway:         gateway,
		states:          make(map[string]*State),
		totalStableDebt: new(big.Int),
		log:             log,
	}
}

// State returns the pool record for a symbol, creating a zeroed one on first
// touch.
func (l *Ledger) State(symbol string) *State {
	s, ok := l.states[symbol]
	if !ok {
		s = &State{
			Symbol:                symbol,
			PoolAmount:            new(big.Int),
			ReservedAmount:        new(big.Int),
			FeeReserve:            new(big.Int),
			CollateralHeld:        new(big.Int),
			GuaranteedUSD:         new(big.Int),
			StableDebt:            new(big.Int),
			CumulativeFundingRate: new(big.Int),
		}
		l.states[symbol] = s
	}
	return s
}

// TotalStableDebt returns the aggregate stable debt across assets.
func (l *Ledger) TotalStableDebt() *big.Int {
	return fixed.Clone(l.totalStableDebt)
}

func (l *Ledger) config(symbol string) (*asset.Config, error) {
	cfg, ok := l.registry.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotWhitelisted, symbol)
	}
	return cfg, nil
}

// --- price/unit conversions ---

// TokenToUSDMin values a token amount at the bid price.
func (l *Ledger) TokenToUSDMin(symbol string, amount *big.Int, now time.Time) (*big.Int, error) {
	if fixed.IsZero(amount) {
		return new(big.Int), nil
	}
	cfg, err := l.config(symbol)
	if err != nil {
		return nil, err
	}
	price, err := l.gateway.LatestPrice(symbol, false, true, now)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(amount, price, cfg.TokenUnit()), nil
}

// USDToTokenMin converts USD to token units at the ask price (fewest tokens).
func (l *Ledger) USDToTokenMin(symbol string, usd *big.Int, now time.Time) (*big.Int, error) {
	return l.usdToToken(symbol, usd, true, now)
}

// USDToTokenMax converts USD to token units at the bid price (most tokens).
func (l *Ledger) USDToTokenMax(symbol string, usd *big.Int, now time.Time) (*big.Int, error) {
	return l.usdToToken(symbol, usd, false, now)
}

func (l *Ledger) usdToToken(symbol string, usd *big.Int, maximizePrice bool, now time.Time) (*big.Int, error) {
	if fixed.IsZero(usd) {
		return new(big.Int), nil
	}
	cfg, err := l.config(symbol)
	if err != nil {
		return nil, err
	}
	price, err := l.gateway.LatestPrice(symbol, maximizePrice, true, now)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(usd, cfg.TokenUnit(), price), nil
}

// --- pool amount bookkeeping ---

// IncreasePool credits tokens to the pool.
func (l *Ledger) IncreasePool(symbol string, amount *big.Int) {
	s := l.State(symbol)
	s.PoolAmount.Add(s.PoolAmount, amount)
	l.mustHoldReserveInvariant(s)
}

// DecreasePool debits tokens from the pool. Fails if the debit would leave
// less than the reserved amount.
func (l *Ledger) DecreasePool(symbol string, amount *big.Int) error {
	s := l.State(symbol)
	next := new(big.Int).Sub(s.PoolAmount, amount)
	if next.Sign() < 0 || next.Cmp(s.ReservedAmount) < 0 {
		return fmt.Errorf("%w: %s pool %s, reserved %s, debit %s",
			ErrPoolExhausted, symbol, s.PoolAmount, s.ReservedAmount, amount)
	}
	s.PoolAmount = next
	return nil
}

// Reserve sets pool capacity aside to cover a position's potential payout.
func (l *Ledger) Reserve(symbol string, amount *big.Int) error {
	s := l.State(symbol)
	next := new(big.Int).Add(s.ReservedAmount, amount)
	if next.Cmp(s.PoolAmount) > 0 {
		return fmt.Errorf("%w: %s reserved %s + %s > pool %s",
			ErrReserveExceedsPool, symbol, s.ReservedAmount, amount, s.PoolAmount)
	}
	s.ReservedAmount = next
	return nil
}

// Unreserve releases previously reserved capacity.
func (l *Ledger) Unreserve(symbol string, amount *big.Int) error {
	s := l.State(symbol)
	next := new(big.Int).Sub(s.ReservedAmount, amount)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: %s reserved %s, release %s",
			ErrUnreserveExceedsReserve, symbol, s.ReservedAmount, amount)
	}
	s.ReservedAmount = next
	return nil
}

// IncreaseGuaranteedUSD tracks long notional not covered by trader collateral.
func (l *Ledger) IncreaseGuaranteedUSD(symbol string, usd *big.Int) {
	s := l.State(symbol)
	s.GuaranteedUSD.Add(s.GuaranteedUSD, usd)
}

// DecreaseGuaranteedUSD releases guaranteed USD back.
func (l *Ledger) DecreaseGuaranteedUSD(symbol string, usd *big.Int) error {
	s := l.State(symbol)
	next := new(big.Int).Sub(s.GuaranteedUSD, usd)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: %s guaranteed %s, decrease %s",
			ErrGuaranteedUnderflow, symbol, s.GuaranteedUSD, usd)
	}
	s.GuaranteedUSD = next
	return nil
}

// AddFeeReserve credits fee tokens. Fees live outside PoolAmount and are
// withdrawn only through CollectFees.
func (l *Ledger) AddFeeReserve(symbol string, amount *big.Int) {
	s := l.State(symbol)
	s.FeeReserve.Add(s.FeeReserve, amount)
}

// CollectFees drains the fee reserve for a token and returns the amount.
// Governance-gated at the engine boundary.
func (l *Ledger) CollectFees(symbol string) *big.Int {
	s := l.State(symbol)
	out := s.FeeReserve
	s.FeeReserve = new(big.Int)
	return out
}

// CreditCollateralHeld parks short-collateral tokens outside the pool.
func (l *Ledger) CreditCollateralHeld(symbol string, amount *big.Int) {
	s := l.State(symbol)
	s.CollateralHeld.Add(s.CollateralHeld, amount)
}

// DebitCollateralHeld releases short-collateral tokens. Rounding dust or a
// price drift on the collateral asset can leave the held bucket a hair
// short; the remainder is drawn from the pool, which backstops collateral
// payouts.
func (l *Ledger) DebitCollateralHeld(symbol string, amount *big.Int) error {
	s := l.State(symbol)
	if s.CollateralHeld.Cmp(amount) >= 0 {
		s.CollateralHeld.Sub(s.CollateralHeld, amount)
		return nil
	}
	remainder := new(big.Int).Sub(amount, s.CollateralHeld)
	if err := l.DecreasePool(symbol, remainder); err != nil {
		return err
	}
	s.CollateralHeld.SetInt64(0)
	return nil
}

// mustHoldReserveInvariant panics on a reserve/pool breach. A successful
// mutation can never produce one; reaching this is a bug, not an
// operational condition.
func (l *Ledger) mustHoldReserveInvariant(s *State) {
	if s.ReservedAmount.Cmp(s.PoolAmount) > 0 {
		panic(fmt.Sprintf("FATAL: reserved %s exceeds pool %s for %s",
			s.ReservedAmount, s.PoolAmount, s.Symbol))
	}
}

// --- funding ---

// AccrueFunding advances the cumulative funding rate for a token. At most
// one accrual takes effect per funding interval; repeat calls inside the
// same interval are no-ops.
func (l *Ledger) AccrueFunding(symbol string, now time.Time) error {
	cfg, err := l.config(symbol)
	if err != nil {
		return err
	}
	params := l.registry.Params()
	s := l.State(symbol)
	nowSec := now.Unix()
	interval := params.FundingInterval

	if s.LastFundingTime == 0 {
		s.LastFundingTime = nowSec / interval * interval
		return nil
	}
	if s.LastFundingTime+interval > nowSec {
		return nil
	}

	rate := l.nextFundingRate(cfg, s, nowSec, interval)
	s.CumulativeFundingRate.Add(s.CumulativeFundingRate, rate)
	s.LastFundingTime = nowSec / interval * interval

	l.log.Debug().
		Str("asset", symbol).
		Str("rate_delta", rate.String()).
		Str("cumulative", s.CumulativeFundingRate.String()).
		Msg("funding accrued")
	return nil
}

// nextFundingRate = factor * reservedAmount * intervals / poolAmount,
// i.e. utilization scaled by the funding rate factor per elapsed interval.
func (l *Ledger) nextFundingRate(cfg *asset.Config, s *State, nowSec, interval int64) *big.Int {
	if s.PoolAmount.Sign() == 0 {
		return new(big.Int)
	}
	params := l.registry.Params()
	factor := params.FundingRateFactor
	if cfg.IsStable {
		factor = params.StableFundingRateFactor
	}
	intervals := (nowSec - s.LastFundingTime) / interval
	scaled := new(big.Int).Mul(big.NewInt(factor), s.ReservedAmount)
	scaled.Mul(scaled, big.NewInt(intervals))
	return scaled.Quo(scaled, s.PoolAmount)
}

// CumulativeFundingRate returns the current cumulative rate for a token.
func (l *Ledger) CumulativeFundingRate(symbol string) *big.Int {
	return fixed.Clone(l.State(symbol).CumulativeFundingRate)
}

// --- stable mint/redeem ---

// BuyStable deposits amountIn tokens and mints stable debt against them,
// valued at the bid price, net of the dynamic mint fee. Returns the stable
// USD value minted to receiver.
func (l *Ledger) BuyStable(symbol string, amountIn *big.Int, receiver uuid.UUID, now time.Time) (*big.Int, error) {
	cfg, err := l.config(symbol)
	if err != nil {
		return nil, err
	}
	if fixed.IsZero(amountIn) || amountIn.Sign() < 0 {
		return nil, fmt.Errorf("%w: buy amount %s", ErrInvalidAmount, amountIn)
	}
	if err := l.AccrueFunding(symbol, now); err != nil {
		return nil, err
	}

	price, err := l.gateway.LatestPrice(symbol, false, true, now)
	if err != nil {
		return nil, err
	}

	usdDelta := fixed.MulDiv(amountIn, price, cfg.TokenUnit())
	params := l.registry.Params()
	feeBps := l.FeeBasisPoints(symbol, usdDelta, params.MintBurnFeeBps, mintBurnTaxBps(cfg, params), true)

	amountAfterFee := fixed.AfterFeeBasisPoints(amountIn, feeBps)
	feeAmount := new(big.Int).Sub(amountIn, amountAfterFee)

	minted := fixed.MulDiv(amountAfterFee, price, cfg.TokenUnit())

	s := l.State(symbol)
	if cfg.MaxStableDebt != nil {
		next := new(big.Int).Add(s.StableDebt, minted)
		if next.Cmp(cfg.MaxStableDebt) > 0 {
			return nil, fmt.Errorf("%w: %s debt %s + %s > cap %s",
				ErrMaxStableDebtExceeded, symbol, s.StableDebt, minted, cfg.MaxStableDebt)
		}
	}

	s.StableDebt.Add(s.StableDebt, minted)
	l.totalStableDebt.Add(l.totalStableDebt, minted)
	s.PoolAmount.Add(s.PoolAmount, amountAfterFee)
	s.FeeReserve.Add(s.FeeReserve, feeAmount)
	l.mustHoldReserveInvariant(s)

	l.log.Info().
		Str("asset", symbol).
		Str("receiver", receiver.String()).
		Str("amount_in", amountIn.String()).
		Str("minted_usd", minted.String()).
		Int64("fee_bps", feeBps).
		Msg("stable bought")

	return minted, nil
}

// SellStable burns stableUsd of stable debt against the token and returns
// the token amount redeemed to receiver, net of the dynamic burn fee.
func (l *Ledger) SellStable(symbol string, stableUsd *big.Int, receiver uuid.UUID, now time.Time) (*big.Int, error) {
	cfg, err := l.config(symbol)
	if err != nil {
		return nil, err
	}
	if fixed.IsZero(stableUsd) || stableUsd.Sign() < 0 {
		return nil, fmt.Errorf("%w: sell amount %s", ErrInvalidAmount, stableUsd)
	}
	s := l.State(symbol)
	if s.StableDebt.Cmp(stableUsd) < 0 {
		return nil, fmt.Errorf("%w: %s debt %s, burn %s",
			ErrInsufficientStableDebt, symbol, s.StableDebt, stableUsd)
	}
	if err := l.AccrueFunding(symbol, now); err != nil {
		return nil, err
	}

	// Redemption valued at the ask price (fewest tokens), bounded by the
	// collateral the token can still release.
	redemption, err := l.USDToTokenMin(symbol, stableUsd, now)
	if err != nil {
		return nil, err
	}
	if redemption.Sign() == 0 {
		return nil, fmt.Errorf("%w: redemption rounds to zero", ErrInvalidAmount)
	}
	collateral, err := l.RedemptionCollateralUSD(symbol, now)
	if err != nil {
		return nil, err
	}
	if stableUsd.Cmp(collateral) > 0 {
		return nil, fmt.Errorf("%w: %s redeem %s > collateral %s",
			ErrRedemptionExceedsPool, symbol, stableUsd, collateral)
	}

	params := l.registry.Params()
	feeBps := l.FeeBasisPoints(symbol, stableUsd, params.MintBurnFeeBps, mintBurnTaxBps(cfg, params), false)
	amountOut := fixed.AfterFeeBasisPoints(redemption, feeBps)
	feeAmount := new(big.Int).Sub(redemption, amountOut)

	if err := l.DecreasePool(symbol, redemption); err != nil {
		return nil, err
	}
	s.StableDebt.Sub(s.StableDebt, stableUsd)
	l.totalStableDebt.Sub(l.totalStableDebt, stableUsd)
	s.FeeReserve.Add(s.FeeReserve, feeAmount)

	l.log.Info().
		Str("asset", symbol).
		Str("receiver", receiver.String()).
		Str("burned_usd", stableUsd.String()).
		Str("amount_out", amountOut.String()).
		Int64("fee_bps", feeBps).
		Msg("stable sold")

	return amountOut, nil
}

// RedemptionCollateralUSD bounds how much stable debt the asset may still
// back: (poolAmount - reservedAmount) at the bid price, plus guaranteedUsd.
func (l *Ledger) RedemptionCollateralUSD(symbol string, now time.Time) (*big.Int, error) {
	s := l.State(symbol)
	free := new(big.Int).Sub(s.PoolAmount, s.ReservedAmount)
	freeUsd, err := l.TokenToUSDMin(symbol, free, now)
	if err != nil {
		return nil, err
	}
	return freeUsd.Add(freeUsd, s.GuaranteedUSD), nil
}

// mintBurnTaxBps selects the tax rate for a mint/burn flow. Stable assets
// carry the lower stable tax.
func mintBurnTaxBps(cfg *asset.Config, params *asset.Params) int64 {
	if cfg.IsStable {
		return params.StableTaxBps
	}
	return params.TaxBps
}

// FeeBasisPoints computes the dynamic mint/burn fee: the base fee plus a tax
// when the flow moves the asset's stable-debt weight away from its target,
// or minus a rebate when it moves toward it. With dynamic fees disabled the
// base fee is returned unchanged.
func (l *Ledger) FeeBasisPoints(symbol string, usdDelta *big.Int, feeBps, taxBps int64, increment bool) int64 {
	params := l.registry.Params()
	if !params.HasDynamicFees {
		return feeBps
	}
	cfg, ok := l.registry.Get(symbol)
	if !ok {
		return feeBps
	}

	initial := l.State(symbol).StableDebt
	next := new(big.Int).Add(initial, usdDelta)
	if !increment {
		next = new(big.Int).Sub(initial, usdDelta)
		if next.Sign() < 0 {
			next.SetInt64(0)
		}
	}

	target := l.targetStableDebt(cfg)
	if target.Sign() == 0 {
		return feeBps
	}

	initialDiff := fixed.AbsDiff(initial, target)
	nextDiff := fixed.AbsDiff(next, target)

	if nextDiff.Cmp(initialDiff) < 0 {
		// Flow moves toward target: rebate proportional to how far off we were.
		rebate := fixed.MulDiv(big.NewInt(taxBps), initialDiff, target).Int64()
		if rebate > feeBps {
			return 0
		}
		return feeBps - rebate
	}

	average := new(big.Int).Add(initialDiff, nextDiff)
	average.Quo(average, big.NewInt(2))
	if average.Cmp(target) > 0 {
		average = fixed.Clone(target)
	}
	tax := fixed.MulDiv(big.NewInt(taxBps), average, target).Int64()
	return feeBps + tax
}

// targetStableDebt = weight * totalStableDebt / totalWeights.
func (l *Ledger) targetStableDebt(cfg *asset.Config) *big.Int {
	total := l.registry.TotalWeights()
	if total == 0 {
		return new(big.Int)
	}
	return fixed.MulDiv(big.NewInt(cfg.Weight), l.totalStableDebt, big.NewInt(total))
}

// Utilization returns reserved/pool scaled to FundingRatePrecision, for
// observability. Zero when the pool is empty.
func (l *Ledger) Utilization(symbol string) *big.Int {
	s := l.State(symbol)
	if s.PoolAmount.Sign() == 0 {
		return new(big.Int)
	}
	return fixed.MulDiv(s.ReservedAmount, big.NewInt(fixed.FundingRatePrecision), s.PoolAmount)
}
