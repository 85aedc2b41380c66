package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeStableBought
	EventTypeStableSold
	EventTypePositionIncreased
	EventTypePositionDecreased
	EventTypePositionLiquidated
	EventTypeFundingAccrued
	EventTypeFundingCharged
	EventTypePriceRequestOpened
	EventTypePricesCommitted
	EventTypePriceRequestRefunded
	EventTypeFeesCollected
	EventTypeAssetListed
	EventTypeParamsUpdated
)

// Envelope wraps every record in the operation log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Asset context (nullable for global events)
	Asset *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of ledger state AFTER applying this event
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AssetID returns the asset context (nil for global events)
	AssetID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeStableBought:
		return "StableBought"
	case EventTypeStableSold:
		return "StableSold"
	case EventTypePositionIncreased:
		return "PositionIncreased"
	case EventTypePositionDecreased:
		return "PositionDecreased"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeFundingAccrued:
		return "FundingAccrued"
	case EventTypeFundingCharged:
		return "FundingCharged"
	case EventTypePriceRequestOpened:
		return "PriceRequestOpened"
	case EventTypePricesCommitted:
		return "PricesCommitted"
	case EventTypePriceRequestRefunded:
		return "PriceRequestRefunded"
	case EventTypeFeesCollected:
		return "FeesCollected"
	case EventTypeAssetListed:
		return "AssetListed"
	case EventTypeParamsUpdated:
		return "ParamsUpdated"
	default:
		return "Unknown"
	}
}
