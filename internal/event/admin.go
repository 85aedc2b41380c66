package event

import (
	"fmt"

	"github.com/google/uuid"
)

// AssetListed records a whitelist addition or update.
type AssetListed struct {
	CommandID   uuid.UUID
	Asset       string
	Decimals    uint8
	Weight      int64
	IsStable    bool
	IsShortable bool
	Sequence    int64
}

func (e *AssetListed) IdempotencyKey() string {
	return fmt.Sprintf("list:%s:%s", e.Asset, e.CommandID)
}

func (e *AssetListed) EventType() EventType {
	return EventTypeAssetListed
}

func (e *AssetListed) AssetID() *string {
	return &e.Asset
}

func (e *AssetListed) SourceSequence() int64 {
	return e.Sequence
}

// ParamsUpdated records an engine parameter change.
type ParamsUpdated struct {
	CommandID uuid.UUID
	Sequence  int64
}

func (e *ParamsUpdated) IdempotencyKey() string {
	return fmt.Sprintf("params:%s", e.CommandID)
}

func (e *ParamsUpdated) EventType() EventType {
	return EventTypeParamsUpdated
}

func (e *ParamsUpdated) AssetID() *string {
	return nil // Global event
}

func (e *ParamsUpdated) SourceSequence() int64 {
	return e.Sequence
}
