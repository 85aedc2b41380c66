package position

import (
	"errors"
	"math/big"

	"github.com/google/uuid"

	"perpvault/internal/fixed"
)

var (
	ErrLeverageDisabled              = errors.New("leverage disabled")
	ErrInvalidPair                   = errors.New("invalid asset pairing")
	ErrEmptyPosition                 = errors.New("empty position")
	ErrInvalidAmount                 = errors.New("invalid amount")
	ErrSizeDeltaTooLarge             = errors.New("decrease size exceeds position size")
	ErrSizeBelowCollateral           = errors.New("size must exceed collateral")
	ErrInsufficientCollateralForFees = errors.New("insufficient collateral for fees")
	ErrLossesExceedCollateral        = errors.New("losses exceed collateral")
	ErrLiquidationFeesExceedCollateral = errors.New("liquidation fees exceed collateral")
	ErrMaxLeverageExceeded           = errors.New("max leverage exceeded")
	ErrLeverageIncreased             = errors.New("withdrawal would increase leverage")
	ErrPositionNotLiquidatable       = errors.New("position cannot be liquidated")
	ErrCallerNotAuthorized           = errors.New("caller not authorized")
)

// Key identifies a position: one account may hold independent long and short
// exposure per collateral/index pairing.
type Key struct {
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
}

// Position is an account's leveraged exposure. Size and Collateral are USD
// (1e30); ReserveAmount is collateral-asset token units. A position with
// Size zero is logically deleted.
// Invariant while Size > 0: Size >= Collateral.
type Position struct {
	Size             *big.Int
	Collateral       *big.Int
	AveragePrice     *big.Int
	EntryFundingRate *big.Int
	ReserveAmount    *big.Int
	RealizedPnl      *big.Int // signed
	LastIncreasedAt  int64    // unix seconds
}

func newPosition() *Position {
	return &Position{
		Size:             new(big.Int),
		Collateral:       new(big.Int),
		AveragePrice:     new(big.Int),
		EntryFundingRate: new(big.Int),
		ReserveAmount:    new(big.Int),
		RealizedPnl:      new(big.Int),
	}
}

// IsEmpty reports whether the position carries no exposure.
func (p *Position) IsEmpty() bool {
	return p == nil || p.Size.Sign() == 0
}

// Leverage returns size/collateral in basis points, or zero when the
// position holds no collateral.
func (p *Position) Leverage() *big.Int {
	if p.IsEmpty() || p.Collateral.Sign() == 0 {
		return new(big.Int)
	}
	return fixed.MulDiv(p.Size, big.NewInt(fixed.BasisPointsDivisor), p.Collateral)
}

// clone copies the position for staged mutation: lifecycle operations work
// on a copy, validate, and only then write back.
func (p *Position) clone() *Position {
	return &Position{
		Size:             fixed.Clone(p.Size),
		Collateral:       fixed.Clone(p.Collateral),
		AveragePrice:     fixed.Clone(p.AveragePrice),
		EntryFundingRate: fixed.Clone(p.EntryFundingRate),
		ReserveAmount:    fixed.Clone(p.ReserveAmount),
		RealizedPnl:      fixed.Clone(p.RealizedPnl),
		LastIncreasedAt:  p.LastIncreasedAt,
	}
}

// GlobalShort aggregates all short exposure against one index asset under
// the weighted-average rule, so aggregate unrealized short PnL is preserved
// across opens and closes.
type GlobalShort struct {
	Size         *big.Int
	AveragePrice *big.Int
}
