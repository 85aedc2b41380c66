package event

import (
	"math/big"

	"github.com/google/uuid"
)

// StableBought records a deposit minted into stable debt.
// Idempotency key: the command ID assigned at ingestion.
type StableBought struct {
	CommandID uuid.UUID
	Receiver  uuid.UUID
	Asset     string
	AmountIn  *big.Int // token base units
	MintedUSD *big.Int // 1e30 USD
	Sequence  int64
}

func (e *StableBought) IdempotencyKey() string {
	return e.CommandID.String()
}

func (e *StableBought) EventType() EventType {
	return EventTypeStableBought
}

func (e *StableBought) AssetID() *string {
	return &e.Asset
}

func (e *StableBought) SourceSequence() int64 {
	return e.Sequence
}

// StableSold records stable debt burned for a token redemption.
type StableSold struct {
	CommandID uuid.UUID
	Receiver  uuid.UUID
	Asset     string
	BurnedUSD *big.Int
	AmountOut *big.Int
	Sequence  int64
}

func (e *StableSold) IdempotencyKey() string {
	return e.CommandID.String()
}

func (e *StableSold) EventType() EventType {
	return EventTypeStableSold
}

func (e *StableSold) AssetID() *string {
	return &e.Asset
}

func (e *StableSold) SourceSequence() int64 {
	return e.Sequence
}

// FeesCollected records a governance withdrawal of the fee reserve.
type FeesCollected struct {
	CommandID uuid.UUID
	Receiver  uuid.UUID
	Asset     string
	Amount    *big.Int
	Sequence  int64
}

func (e *FeesCollected) IdempotencyKey() string {
	return e.CommandID.String()
}

func (e *FeesCollected) EventType() EventType {
	return EventTypeFeesCollected
}

func (e *FeesCollected) AssetID() *string {
	return &e.Asset
}

func (e *FeesCollected) SourceSequence() int64 {
	return e.Sequence
}
