package event

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// PriceRequestOpened records an escrowed two-phase price request.
type PriceRequestOpened struct {
	RequestID uuid.UUID
	Requester uuid.UUID
	Action    string
	Fee       *big.Int // 1e30 USD
	Sequence  int64
}

func (e *PriceRequestOpened) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *PriceRequestOpened) EventType() EventType {
	return EventTypePriceRequestOpened
}

func (e *PriceRequestOpened) AssetID() *string {
	return nil // Global event
}

func (e *PriceRequestOpened) SourceSequence() int64 {
	return e.Sequence
}

// PricesCommitted records a reporter fulfillment: the committed prices and
// the request whose deferred action ran against them.
type PricesCommitted struct {
	RequestID uuid.UUID
	Reporter  uuid.UUID
	Prices    map[string]*big.Int
	Round     int64
	Sequence  int64
}

func (e *PricesCommitted) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.RequestID, e.Round)
}

func (e *PricesCommitted) EventType() EventType {
	return EventTypePricesCommitted
}

func (e *PricesCommitted) AssetID() *string {
	return nil
}

func (e *PricesCommitted) SourceSequence() int64 {
	return e.Sequence
}

// PriceRequestRefunded records an escrow returned after expiry.
type PriceRequestRefunded struct {
	RequestID uuid.UUID
	Requester uuid.UUID
	Fee       *big.Int
	Sequence  int64
}

func (e *PriceRequestRefunded) IdempotencyKey() string {
	return fmt.Sprintf("%s:refund", e.RequestID)
}

func (e *PriceRequestRefunded) EventType() EventType {
	return EventTypePriceRequestRefunded
}

func (e *PriceRequestRefunded) AssetID() *string {
	return nil
}

func (e *PriceRequestRefunded) SourceSequence() int64 {
	return e.Sequence
}

// FundingAccrued records a cumulative funding rate advance for one asset.
// Idempotency key: "{asset}:{funding_time}", one accrual per interval.
type FundingAccrued struct {
	Asset          string
	RateDelta      *big.Int
	CumulativeRate *big.Int
	FundingTime    int64 // interval-aligned unix seconds
	Sequence       int64
}

func (e *FundingAccrued) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", e.Asset, e.FundingTime)
}

func (e *FundingAccrued) EventType() EventType {
	return EventTypeFundingAccrued
}

func (e *FundingAccrued) AssetID() *string {
	return &e.Asset
}

func (e *FundingAccrued) SourceSequence() int64 {
	return e.Sequence
}
