package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// PositionIncreased records an open or grow of a leveraged position.
type PositionIncreased struct {
	CommandID       uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	CollateralIn    *big.Int // token base units
	SizeDelta       *big.Int // 1e30 USD
	Size            *big.Int
	Collateral      *big.Int
	AveragePrice    *big.Int
	Sequence        int64
}

func (e *PositionIncreased) IdempotencyKey() string {
	return e.CommandID.String()
}

func (e *PositionIncreased) EventType() EventType {
	return EventTypePositionIncreased
}

func (e *PositionIncreased) AssetID() *string {
	return &e.IndexAsset
}

func (e *PositionIncreased) SourceSequence() int64 {
	return e.Sequence
}

// PositionDecreased records a reduce, withdraw, or full close.
type PositionDecreased struct {
	CommandID       uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	SizeDelta       *big.Int
	CollateralDelta *big.Int
	Payout          *big.Int // token base units to receiver
	Receiver        uuid.UUID
	RealizedPnl     *big.Int // signed, 1e30 USD
	Closed          bool
	Sequence        int64
}

func (e *PositionDecreased) IdempotencyKey() string {
	return e.CommandID.String()
}

func (e *PositionDecreased) EventType() EventType {
	return EventTypePositionDecreased
}

func (e *PositionDecreased) AssetID() *string {
	return &e.IndexAsset
}

func (e *PositionDecreased) SourceSequence() int64 {
	return e.Sequence
}

// FundingCharged records an on-demand funding fee charge against an open
// position's collateral, without a size change.
type FundingCharged struct {
	CommandID       uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	Collateral      *big.Int // 1e30 USD remaining after the charge
	Sequence        int64
}

func (e *FundingCharged) IdempotencyKey() string {
	return e.CommandID.String()
}

func (e *FundingCharged) EventType() EventType {
	return EventTypeFundingCharged
}

func (e *FundingCharged) AssetID() *string {
	return &e.CollateralAsset
}

func (e *FundingCharged) SourceSequence() int64 {
	return e.Sequence
}

// PositionLiquidated records a forced close of an unhealthy position.
type PositionLiquidated struct {
	CommandID       uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	Code            int      // 1 insolvent, 2 max leverage
	Size            *big.Int // zeroed notional, 1e30 USD
	LiquidationFee  *big.Int // token base units to fee receiver
	FeeReceiver     uuid.UUID
	Sequence        int64
}

func (e *PositionLiquidated) IdempotencyKey() string {
	return fmt.Sprintf("%s:liquidate", e.CommandID)
}

func (e *PositionLiquidated) EventType() EventType {
	return EventTypePositionLiquidated
}

func (e *PositionLiquidated) AssetID() *string {
	return &e.IndexAsset
}

func (e *PositionLiquidated) SourceSequence() int64 {
	return e.Sequence
}
