package core

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/asset"
)

// Command is the interface all engine inputs must implement. Timestamps are
// versioned inputs carried by the command; the engine never reads the
// wall clock.
type Command interface {
	// CommandID returns the stable dedup key
	CommandID() uuid.UUID

	// Kind returns the command discriminator
	Kind() string

	// Partition returns the sequence-validation partition
	Partition() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

// Meta carries the fields every command shares.
type Meta struct {
	ID        uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (m Meta) CommandID() uuid.UUID  { return m.ID }
func (m Meta) SourceSequence() int64 { return m.Sequence }
func (m Meta) OccurredAt() time.Time { return m.Timestamp }

// --- liquidity ---

// BuyStable deposits tokens and mints stable debt to the receiver.
type BuyStable struct {
	Meta
	Receiver uuid.UUID
	Asset    string
	AmountIn *big.Int // token base units
}

func (c *BuyStable) Kind() string      { return "buy_stable" }
func (c *BuyStable) Partition() string { return "asset:" + c.Asset }

// SellStable burns stable debt and redeems tokens to the receiver.
type SellStable struct {
	Meta
	Receiver  uuid.UUID
	Asset     string
	AmountUSD *big.Int // 1e30 USD of stable debt to burn
}

func (c *SellStable) Kind() string      { return "sell_stable" }
func (c *SellStable) Partition() string { return "asset:" + c.Asset }

// CollectFees drains an asset's fee reserve to the receiver.
type CollectFees struct {
	Meta
	Receiver uuid.UUID
	Asset    string
}

func (c *CollectFees) Kind() string      { return "collect_fees" }
func (c *CollectFees) Partition() string { return "asset:" + c.Asset }

// AccrueFunding advances the cumulative funding rate for an asset.
type AccrueFunding struct {
	Meta
	Asset string
}

func (c *AccrueFunding) Kind() string      { return "accrue_funding" }
func (c *AccrueFunding) Partition() string { return "asset:" + c.Asset }

// --- oracle-gated position lifecycle ---

// RequestIncrease escrows a fee and defers a position increase until the
// next price fulfillment.
type RequestIncrease struct {
	Meta
	Caller          uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	CollateralIn    *big.Int // token base units
	SizeDelta       *big.Int // 1e30 USD
	ExecutionFee    *big.Int // 1e30 USD escrowed with the request
}

func (c *RequestIncrease) Kind() string      { return "request_increase" }
func (c *RequestIncrease) Partition() string { return "account:" + c.Account.String() }

// RequestDecrease defers a position decrease until the next fulfillment.
type RequestDecrease struct {
	Meta
	Caller          uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	Receiver        uuid.UUID
	ExecutionFee    *big.Int
}

func (c *RequestDecrease) Kind() string      { return "request_decrease" }
func (c *RequestDecrease) Partition() string { return "account:" + c.Account.String() }

// RequestLiquidate defers a liquidation until the next fulfillment.
type RequestLiquidate struct {
	Meta
	Caller          uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
	FeeReceiver     uuid.UUID
	ExecutionFee    *big.Int
}

func (c *RequestLiquidate) Kind() string      { return "request_liquidate" }
func (c *RequestLiquidate) Partition() string { return "account:" + c.Account.String() }

// FulfillPrices commits a reporter's aggregated price set and executes the
// named request's deferred action against it.
type FulfillPrices struct {
	Meta
	Reporter  uuid.UUID
	RequestID uuid.UUID
	Prices    map[string]*big.Int // symbol -> 1e30 USD
}

func (c *FulfillPrices) Kind() string      { return "fulfill_prices" }
func (c *FulfillPrices) Partition() string { return "prices" }

// RefundRequest returns an expired request's escrowed fee.
type RefundRequest struct {
	Meta
	Caller    uuid.UUID
	RequestID uuid.UUID
}

func (c *RefundRequest) Kind() string      { return "refund_request" }
func (c *RefundRequest) Partition() string { return "account:" + c.Caller.String() }

// ChargeFunding re-charges the funding fee on an open position without
// changing its size. Needs no fresh index price, so it runs directly.
type ChargeFunding struct {
	Meta
	Caller          uuid.UUID
	Account         uuid.UUID
	CollateralAsset string
	IndexAsset      string
	IsLong          bool
}

func (c *ChargeFunding) Kind() string      { return "charge_funding" }
func (c *ChargeFunding) Partition() string { return "account:" + c.Account.String() }

// --- administration ---

// ListAsset whitelists a token or updates its configuration.
type ListAsset struct {
	Meta
	Config asset.Config
}

func (c *ListAsset) Kind() string      { return "list_asset" }
func (c *ListAsset) Partition() string { return "global" }

// UpdateParams replaces the engine parameters.
type UpdateParams struct {
	Meta
	Params asset.Params
}

func (c *UpdateParams) Kind() string      { return "update_params" }
func (c *UpdateParams) Partition() string { return "global" }

// SetReporter grants or revokes price fulfillment permission.
type SetReporter struct {
	Meta
	Reporter uuid.UUID
	Allowed  bool
}

func (c *SetReporter) Kind() string      { return "set_reporter" }
func (c *SetReporter) Partition() string { return "global" }

// SetLiquidator grants or revokes liquidation-keeper permission.
type SetLiquidator struct {
	Meta
	Liquidator uuid.UUID
	Allowed    bool
}

func (c *SetLiquidator) Kind() string      { return "set_liquidator" }
func (c *SetLiquidator) Partition() string { return "global" }

// SetPlugin grants or revokes plugin routing permission.
type SetPlugin struct {
	Meta
	Plugin  uuid.UUID
	Allowed bool
}

func (c *SetPlugin) Kind() string      { return "set_plugin" }
func (c *SetPlugin) Partition() string { return "global" }

// SetDelegate approves or revokes a delegate for an account.
type SetDelegate struct {
	Meta
	Account  uuid.UUID
	Delegate uuid.UUID
	Approved bool
}

func (c *SetDelegate) Kind() string      { return "set_delegate" }
func (c *SetDelegate) Partition() string { return "account:" + c.Account.String() }
