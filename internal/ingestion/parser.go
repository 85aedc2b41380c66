package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"perpvault/internal/asset"
	"perpvault/internal/core"
)

var (
	// ErrUnknownKind is returned for a command kind with no parser.
	ErrUnknownKind = errors.New("unknown command kind")

	// ErrInvalidAmount is returned for malformed or out-of-range numeric
	// fields. Positivity rules beyond this are the engine's job.
	ErrInvalidAmount = errors.New("invalid amount")
)

// ParseRawMessage converts a RawMessage (JSON bytes + command kind) into a
// typed core.Command. The ingestion shell validates and parses before
// anything reaches the engine; a parse failure NAKs the message.
func ParseRawMessage(raw RawMessage) (core.Command, error) {
	switch raw.Kind {
	case "buy_stable":
		return parseBuyStable(raw.Data)
	case "sell_stable":
		return parseSellStable(raw.Data)
	case "collect_fees":
		return parseCollectFees(raw.Data)
	case "accrue_funding":
		return parseAccrueFunding(raw.Data)
	case "request_increase":
		return parseRequestIncrease(raw.Data)
	case "request_decrease":
		return parseRequestDecrease(raw.Data)
	case "request_liquidate":
		return parseRequestLiquidate(raw.Data)
	case "refund_request":
		return parseRefundRequest(raw.Data)
	case "charge_funding":
		return parseChargeFunding(raw.Data)
	case "fulfill_prices":
		return parseFulfillPrices(raw.Data)
	case "list_asset":
		return parseListAsset(raw.Data)
	case "update_params":
		return parseUpdateParams(raw.Data)
	case "set_reporter":
		return parseSetReporter(raw.Data)
	case "set_liquidator":
		return parseSetLiquidator(raw.Data)
	case "set_plugin":
		return parseSetPlugin(raw.Data)
	case "set_delegate":
		return parseSetDelegate(raw.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, raw.Kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts travel as
// decimal strings because token units and 1e30 USD values overflow int64.

type metaJSON struct {
	CommandID   string `json:"command_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (m *metaJSON) toMeta() (core.Meta, error) {
	id, err := uuid.Parse(m.CommandID)
	if err != nil {
		return core.Meta{}, fmt.Errorf("parse command_id: %w", err)
	}
	return core.Meta{
		ID:        id,
		Sequence:  m.Sequence,
		Timestamp: time.UnixMicro(m.TimestampUs),
	}, nil
}

// parseBig parses a decimal string into a big.Int. Empty input is an error
// unless optional is set, in which case nil is returned.
func parseBig(field, s string, optional bool) (*big.Int, error) {
	if s == "" {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidAmount, field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidAmount, field, s)
	}
	return v, nil
}

func parsePositiveBig(field, s string) (*big.Int, error) {
	v, err := parseBig(field, s, false)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidAmount, field, s)
	}
	return v, nil
}

func parseNonNegativeBig(field, s string) (*big.Int, error) {
	v, err := parseBig(field, s, false)
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must be non-negative, got %s", ErrInvalidAmount, field, s)
	}
	return v, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// --- liquidity ---

type buyStableJSON struct {
	metaJSON
	Receiver string `json:"receiver"`
	Asset    string `json:"asset"`
	AmountIn string `json:"amount_in"`
}

func parseBuyStable(data []byte) (*core.BuyStable, error) {
	var j buyStableJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse buy_stable: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	receiver, err := parseID("receiver", j.Receiver)
	if err != nil {
		return nil, err
	}
	amountIn, err := parsePositiveBig("amount_in", j.AmountIn)
	if err != nil {
		return nil, err
	}
	return &core.BuyStable{
		Meta:     meta,
		Receiver: receiver,
		Asset:    j.Asset,
		AmountIn: amountIn,
	}, nil
}

type sellStableJSON struct {
	metaJSON
	Receiver  string `json:"receiver"`
	Asset     string `json:"asset"`
	AmountUSD string `json:"amount_usd"`
}

func parseSellStable(data []byte) (*core.SellStable, error) {
	var j sellStableJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse sell_stable: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	receiver, err := parseID("receiver", j.Receiver)
	if err != nil {
		return nil, err
	}
	amountUSD, err := parsePositiveBig("amount_usd", j.AmountUSD)
	if err != nil {
		return nil, err
	}
	return &core.SellStable{
		Meta:      meta,
		Receiver:  receiver,
		Asset:     j.Asset,
		AmountUSD: amountUSD,
	}, nil
}

type collectFeesJSON struct {
	metaJSON
	Receiver string `json:"receiver"`
	Asset    string `json:"asset"`
}

func parseCollectFees(data []byte) (*core.CollectFees, error) {
	var j collectFeesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse collect_fees: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	receiver, err := parseID("receiver", j.Receiver)
	if err != nil {
		return nil, err
	}
	return &core.CollectFees{Meta: meta, Receiver: receiver, Asset: j.Asset}, nil
}

type accrueFundingJSON struct {
	metaJSON
	Asset string `json:"asset"`
}

func parseAccrueFunding(data []byte) (*core.AccrueFunding, error) {
	var j accrueFundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse accrue_funding: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	return &core.AccrueFunding{Meta: meta, Asset: j.Asset}, nil
}

// --- oracle-gated position lifecycle ---

type requestIncreaseJSON struct {
	metaJSON
	Caller          string `json:"caller"`
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
	CollateralIn    string `json:"collateral_in"`
	SizeDelta       string `json:"size_delta"`
	ExecutionFee    string `json:"execution_fee"`
}

func parseRequestIncrease(data []byte) (*core.RequestIncrease, error) {
	var j requestIncreaseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse request_increase: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	account, err := parseID("account", j.Account)
	if err != nil {
		return nil, err
	}
	collateralIn, err := parseNonNegativeBig("collateral_in", j.CollateralIn)
	if err != nil {
		return nil, err
	}
	sizeDelta, err := parseNonNegativeBig("size_delta", j.SizeDelta)
	if err != nil {
		return nil, err
	}
	fee, err := parseNonNegativeBig("execution_fee", j.ExecutionFee)
	if err != nil {
		return nil, err
	}
	return &core.RequestIncrease{
		Meta:            meta,
		Caller:          caller,
		Account:         account,
		CollateralAsset: j.CollateralAsset,
		IndexAsset:      j.IndexAsset,
		IsLong:          j.IsLong,
		CollateralIn:    collateralIn,
		SizeDelta:       sizeDelta,
		ExecutionFee:    fee,
	}, nil
}

type requestDecreaseJSON struct {
	metaJSON
	Caller          string `json:"caller"`
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
	CollateralDelta string `json:"collateral_delta"`
	SizeDelta       string `json:"size_delta"`
	Receiver        string `json:"receiver"`
	ExecutionFee    string `json:"execution_fee"`
}

func parseRequestDecrease(data []byte) (*core.RequestDecrease, error) {
	var j requestDecreaseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse request_decrease: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	account, err := parseID("account", j.Account)
	if err != nil {
		return nil, err
	}
	receiver, err := parseID("receiver", j.Receiver)
	if err != nil {
		return nil, err
	}
	collateralDelta, err := parseNonNegativeBig("collateral_delta", j.CollateralDelta)
	if err != nil {
		return nil, err
	}
	sizeDelta, err := parseNonNegativeBig("size_delta", j.SizeDelta)
	if err != nil {
		return nil, err
	}
	fee, err := parseNonNegativeBig("execution_fee", j.ExecutionFee)
	if err != nil {
		return nil, err
	}
	return &core.RequestDecrease{
		Meta:            meta,
		Caller:          caller,
		Account:         account,
		CollateralAsset: j.CollateralAsset,
		IndexAsset:      j.IndexAsset,
		IsLong:          j.IsLong,
		CollateralDelta: collateralDelta,
		SizeDelta:       sizeDelta,
		Receiver:        receiver,
		ExecutionFee:    fee,
	}, nil
}

type requestLiquidateJSON struct {
	metaJSON
	Caller          string `json:"caller"`
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
	FeeReceiver     string `json:"fee_receiver"`
	ExecutionFee    string `json:"execution_fee"`
}

func parseRequestLiquidate(data []byte) (*core.RequestLiquidate, error) {
	var j requestLiquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse request_liquidate: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	account, err := parseID("account", j.Account)
	if err != nil {
		return nil, err
	}
	feeReceiver, err := parseID("fee_receiver", j.FeeReceiver)
	if err != nil {
		return nil, err
	}
	fee, err := parseNonNegativeBig("execution_fee", j.ExecutionFee)
	if err != nil {
		return nil, err
	}
	return &core.RequestLiquidate{
		Meta:            meta,
		Caller:          caller,
		Account:         account,
		CollateralAsset: j.CollateralAsset,
		IndexAsset:      j.IndexAsset,
		IsLong:          j.IsLong,
		FeeReceiver:     feeReceiver,
		ExecutionFee:    fee,
	}, nil
}

type refundRequestJSON struct {
	metaJSON
	Caller    string `json:"caller"`
	RequestID string `json:"request_id"`
}

func parseRefundRequest(data []byte) (*core.RefundRequest, error) {
	var j refundRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse refund_request: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	requestID, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	return &core.RefundRequest{Meta: meta, Caller: caller, RequestID: requestID}, nil
}

type chargeFundingJSON struct {
	metaJSON
	Caller          string `json:"caller"`
	Account         string `json:"account"`
	CollateralAsset string `json:"collateral_asset"`
	IndexAsset      string `json:"index_asset"`
	IsLong          bool   `json:"is_long"`
}

func parseChargeFunding(data []byte) (*core.ChargeFunding, error) {
	var j chargeFundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse charge_funding: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	caller, err := parseID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	account, err := parseID("account", j.Account)
	if err != nil {
		return nil, err
	}
	return &core.ChargeFunding{
		Meta:            meta,
		Caller:          caller,
		Account:         account,
		CollateralAsset: j.CollateralAsset,
		IndexAsset:      j.IndexAsset,
		IsLong:          j.IsLong,
	}, nil
}

type fulfillPricesJSON struct {
	metaJSON
	Reporter  string            `json:"reporter"`
	RequestID string            `json:"request_id"`
	Prices    map[string]string `json:"prices"`
}

func parseFulfillPrices(data []byte) (*core.FulfillPrices, error) {
	var j fulfillPricesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse fulfill_prices: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	reporter, err := parseID("reporter", j.Reporter)
	if err != nil {
		return nil, err
	}
	requestID, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]*big.Int, len(j.Prices))
	for symbol, raw := range j.Prices {
		p, err := parsePositiveBig("prices."+symbol, raw)
		if err != nil {
			return nil, err
		}
		prices[symbol] = p
	}
	return &core.FulfillPrices{
		Meta:      meta,
		Reporter:  reporter,
		RequestID: requestID,
		Prices:    prices,
	}, nil
}

// --- administration ---

type listAssetJSON struct {
	metaJSON
	Symbol        string `json:"symbol"`
	Decimals      uint8  `json:"decimals"`
	Weight        int64  `json:"weight"`
	MinProfitBps  int64  `json:"min_profit_bps"`
	MaxStableDebt string `json:"max_stable_debt,omitempty"`
	IsStable      bool   `json:"is_stable"`
	IsShortable   bool   `json:"is_shortable"`
}

func parseListAsset(data []byte) (*core.ListAsset, error) {
	var j listAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse list_asset: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	maxDebt, err := parseBig("max_stable_debt", j.MaxStableDebt, true)
	if err != nil {
		return nil, err
	}
	return &core.ListAsset{
		Meta: meta,
		Config: asset.Config{
			Symbol:        j.Symbol,
			Decimals:      j.Decimals,
			Weight:        j.Weight,
			MinProfitBps:  j.MinProfitBps,
			MaxStableDebt: maxDebt,
			IsStable:      j.IsStable,
			IsShortable:   j.IsShortable,
		},
	}, nil
}

type updateParamsJSON struct {
	metaJSON
	TaxBps                  int64  `json:"tax_bps"`
	StableTaxBps            int64  `json:"stable_tax_bps"`
	MintBurnFeeBps          int64  `json:"mint_burn_fee_bps"`
	MarginFeeBps            int64  `json:"margin_fee_bps"`
	LiquidationFeeUSD       string `json:"liquidation_fee_usd"`
	MaxLeverage             int64  `json:"max_leverage"`
	FundingInterval         int64  `json:"funding_interval"`
	FundingRateFactor       int64  `json:"funding_rate_factor"`
	StableFundingRateFactor int64  `json:"stable_funding_rate_factor"`
	MinProfitTime           int64  `json:"min_profit_time"`
	HasDynamicFees          bool   `json:"has_dynamic_fees"`
	IsLeverageEnabled       bool   `json:"is_leverage_enabled"`
}

func parseUpdateParams(data []byte) (*core.UpdateParams, error) {
	var j updateParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse update_params: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	liqFee, err := parseNonNegativeBig("liquidation_fee_usd", j.LiquidationFeeUSD)
	if err != nil {
		return nil, err
	}
	return &core.UpdateParams{
		Meta: meta,
		Params: asset.Params{
			TaxBps:                  j.TaxBps,
			StableTaxBps:            j.StableTaxBps,
			MintBurnFeeBps:          j.MintBurnFeeBps,
			MarginFeeBps:            j.MarginFeeBps,
			LiquidationFeeUSD:       liqFee,
			MaxLeverage:             j.MaxLeverage,
			FundingInterval:         j.FundingInterval,
			FundingRateFactor:       j.FundingRateFactor,
			StableFundingRateFactor: j.StableFundingRateFactor,
			MinProfitTime:           j.MinProfitTime,
			HasDynamicFees:          j.HasDynamicFees,
			IsLeverageEnabled:       j.IsLeverageEnabled,
		},
	}, nil
}

type setReporterJSON struct {
	metaJSON
	Reporter string `json:"reporter"`
	Allowed  bool   `json:"allowed"`
}

func parseSetReporter(data []byte) (*core.SetReporter, error) {
	var j setReporterJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse set_reporter: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	reporter, err := parseID("reporter", j.Reporter)
	if err != nil {
		return nil, err
	}
	return &core.SetReporter{Meta: meta, Reporter: reporter, Allowed: j.Allowed}, nil
}

type setLiquidatorJSON struct {
	metaJSON
	Liquidator string `json:"liquidator"`
	Allowed    bool   `json:"allowed"`
}

func parseSetLiquidator(data []byte) (*core.SetLiquidator, error) {
	var j setLiquidatorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse set_liquidator: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	liquidator, err := parseID("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	return &core.SetLiquidator{Meta: meta, Liquidator: liquidator, Allowed: j.Allowed}, nil
}

type setPluginJSON struct {
	metaJSON
	Plugin  string `json:"plugin"`
	Allowed bool   `json:"allowed"`
}

func parseSetPlugin(data []byte) (*core.SetPlugin, error) {
	var j setPluginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse set_plugin: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	plugin, err := parseID("plugin", j.Plugin)
	if err != nil {
		return nil, err
	}
	return &core.SetPlugin{Meta: meta, Plugin: plugin, Allowed: j.Allowed}, nil
}

type setDelegateJSON struct {
	metaJSON
	Account  string `json:"account"`
	Delegate string `json:"delegate"`
	Approved bool   `json:"approved"`
}

func parseSetDelegate(data []byte) (*core.SetDelegate, error) {
	var j setDelegateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse set_delegate: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	account, err := parseID("account", j.Account)
	if err != nil {
		return nil, err
	}
	delegate, err := parseID("delegate", j.Delegate)
	if err != nil {
		return nil, err
	}
	return &core.SetDelegate{Meta: meta, Account: account, Delegate: delegate, Approved: j.Approved}, nil
}
