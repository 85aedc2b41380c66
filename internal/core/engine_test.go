package core_test

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/core"
	"perpvault/internal/event"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
	"perpvault/internal/pool"
	"perpvault/internal/position"
	"perpvault/internal/valuation"
)

var baseTime = time.Unix(1_700_000_000, 0)

type engineFixture struct {
	registry *asset.Registry
	gateway  *oracle.Gateway
	ledger   *pool.Ledger
	book     *position.Book
	engine   *core.Engine
	persist  chan core.Output
	publish  chan core.Output
	account  uuid.UUID
	reporter uuid.UUID
	seqs     map[string]int64
}

// newEngineFixture builds an engine over buffered channels with no DB
// checker and no metrics, seeded with a BTC/USDC whitelist.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	params := asset.DefaultParams()
	params.FundingRateFactor = 0
	params.StableFundingRateFactor = 0

	registry, err := asset.NewRegistry(params)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	for _, cfg := range []*asset.Config{
		{Symbol: "BTC", Decimals: 8, Weight: 10_000, IsShortable: true},
		{Symbol: "USDC", Decimals: 6, Weight: 10_000, IsStable: true},
	} {
		if err := registry.Set(cfg); err != nil {
			t.Fatalf("Set(%s): %v", cfg.Symbol, err)
		}
	}

	gateway := oracle.NewGateway(oracle.DefaultConfig(), registry, zerolog.Nop())
	ledger := pool.NewLedger(registry, gateway, zerolog.Nop())
	book := position.NewBook(registry, ledger, gateway, zerolog.Nop())
	valuer := valuation.NewValuer(registry, ledger, gateway, book, zerolog.Nop())

	persist := make(chan core.Output, 1024)
	publish := make(chan core.Output, 1024)
	engine := core.NewEngine(1, 1024, registry, gateway, ledger, book, valuer,
		persist, publish, nil, nil, zerolog.Nop())

	return &engineFixture{
		registry: registry,
		gateway:  gateway,
		ledger:   ledger,
		book:     book,
		engine:   engine,
		persist:  persist,
		publish:  publish,
		account:  uuid.New(),
		reporter: uuid.New(),
		seqs:     make(map[string]int64),
	}
}

// next hands out per-partition source sequences starting at zero.
func (f *engineFixture) next(partition string) int64 {
	seq := f.seqs[partition]
	f.seqs[partition] = seq + 1
	return seq
}

func (f *engineFixture) meta(partition string, ts time.Time) core.Meta {
	return core.Meta{ID: uuid.New(), Sequence: f.next(partition), Timestamp: ts}
}

func (f *engineFixture) commit(t *testing.T, now time.Time, prices map[string]int64) {
	t.Helper()
	out := make(map[string]*big.Int, len(prices))
	for symbol, dollars := range prices {
		out[symbol] = fixed.USD(dollars)
	}
	if err := f.gateway.CommitPrices(out, now); err != nil {
		t.Fatalf("CommitPrices: %v", err)
	}
}

func drain(ch chan core.Output) []core.Output {
	var outputs []core.Output
	for {
		select {
		case out := <-ch:
			outputs = append(outputs, out)
		default:
			return outputs
		}
	}
}

func (f *engineFixture) allowReporter(t *testing.T) {
	t.Helper()
	cmd := &core.SetReporter{
		Meta:     f.meta("global", baseTime),
		Reporter: f.reporter,
		Allowed:  true,
	}
	if err := f.engine.Execute(cmd); err != nil {
		t.Fatalf("SetReporter: %v", err)
	}
}

func TestEngineBuyStableEmitsEnvelope(t *testing.T) {
	f := newEngineFixture(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	receiver := uuid.New()
	cmd := &core.BuyStable{
		Meta:     f.meta("asset:BTC", baseTime),
		Receiver: receiver,
		Asset:    "BTC",
		AmountIn: big.NewInt(250_000),
	}
	if err := f.engine.Execute(cmd); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	persisted := drain(f.persist)
	if len(persisted) != 1 {
		t.Fatalf("persisted %d envelopes, want 1", len(persisted))
	}
	env := persisted[0].Envelope
	if env.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", env.Sequence)
	}
	if env.EventType != event.EventTypeStableBought {
		t.Errorf("event type = %v, want StableBought", env.EventType)
	}
	if env.Asset == nil || *env.Asset != "BTC" {
		t.Errorf("asset = %v, want BTC", env.Asset)
	}
	if env.IdempotencyKey != cmd.ID.String() {
		t.Errorf("idempotency key = %s, want %s", env.IdempotencyKey, cmd.ID)
	}
	if env.StateHash == env.PrevHash {
		t.Error("state hash equals prev hash")
	}

	published := drain(f.publish)
	if len(published) != 1 {
		t.Fatalf("published %d envelopes, want 1", len(published))
	}
	if published[0].Envelope.Sequence != env.Sequence {
		t.Error("publish and persist disagree on sequence")
	}

	if f.engine.Sequence() != 2 {
		t.Errorf("engine sequence = %d, want 2", f.engine.Sequence())
	}
	if f.ledger.State("BTC").StableDebt.Sign() <= 0 {
		t.Error("stable debt not minted")
	}
}

func TestEngineHashChainLinks(t *testing.T) {
	f := newEngineFixture(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	buy := &core.BuyStable{
		Meta:     f.meta("asset:BTC", baseTime),
		Receiver: uuid.New(),
		Asset:    "BTC",
		AmountIn: big.NewInt(250_000),
	}
	if err := f.engine.Execute(buy); err != nil {
		t.Fatalf("buy: %v", err)
	}
	collect := &core.CollectFees{
		Meta:     f.meta("asset:BTC", baseTime),
		Receiver: uuid.New(),
		Asset:    "BTC",
	}
	if err := f.engine.Execute(collect); err != nil {
		t.Fatalf("collect: %v", err)
	}

	outputs := drain(f.persist)
	if len(outputs) != 2 {
		t.Fatalf("persisted %d envelopes, want 2", len(outputs))
	}
	first, second := outputs[0].Envelope, outputs[1].Envelope
	if second.PrevHash != first.StateHash {
		t.Error("second envelope's prev hash does not chain to the first")
	}
	if second.Sequence != first.Sequence+1 {
		t.Errorf("sequences %d, %d not consecutive", first.Sequence, second.Sequence)
	}
}

func TestEngineDuplicateSuppressed(t *testing.T) {
	f := newEngineFixture(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	cmd := &core.BuyStable{
		Meta:     f.meta("asset:BTC", baseTime),
		Receiver: uuid.New(),
		Asset:    "BTC",
		AmountIn: big.NewInt(250_000),
	}
	if err := f.engine.Execute(cmd); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	debtAfterFirst := f.ledger.State("BTC").StableDebt

	// Redelivery: same command ID, same source sequence.
	if err := f.engine.Execute(cmd); err != nil {
		t.Fatalf("duplicate execute: %v", err)
	}

	if got := len(drain(f.persist)); got != 1 {
		t.Errorf("persisted %d envelopes, want 1", got)
	}
	if f.ledger.State("BTC").StableDebt.Cmp(debtAfterFirst) != 0 {
		t.Error("duplicate changed state")
	}
}

func TestEngineSequenceValidation(t *testing.T) {
	f := newEngineFixture(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	buy := func(seq int64) error {
		return f.engine.Execute(&core.BuyStable{
			Meta:     core.Meta{ID: uuid.New(), Sequence: seq, Timestamp: baseTime},
			Receiver: uuid.New(),
			Asset:    "BTC",
			AmountIn: big.NewInt(1_000),
		})
	}

	if err := buy(0); err != nil {
		t.Fatalf("seq 0: %v", err)
	}
	if err := buy(2); !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("seq 2: got %v, want ErrSequenceGap", err)
	}
	if err := buy(0); !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("seq 0 replay with new ID: got %v, want ErrOutOfOrder", err)
	}
	if err := buy(1); err != nil {
		t.Fatalf("seq 1 after gap rejection: %v", err)
	}
}

// requestOpened extracts the request ID from a PriceRequestOpened envelope.
func requestOpened(t *testing.T, outputs []core.Output) uuid.UUID {
	t.Helper()
	for _, out := range outputs {
		if out.Envelope.EventType == event.EventTypePriceRequestOpened {
			var payload struct{ RequestID uuid.UUID }
			if err := json.Unmarshal(out.Envelope.Payload, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			return payload.RequestID
		}
	}
	t.Fatal("no PriceRequestOpened envelope")
	return uuid.Nil
}

func TestEngineOracleHandshake(t *testing.T) {
	f := newEngineFixture(t)
	f.allowReporter(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})
	f.ledger.IncreasePool("BTC", big.NewInt(250_000))

	req := &core.RequestIncrease{
		Meta:            f.meta("account:"+f.account.String(), baseTime),
		Caller:          f.account,
		Account:         f.account,
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		IsLong:          true,
		CollateralIn:    big.NewInt(25_000),
		SizeDelta:       fixed.USD(90),
		ExecutionFee:    fixed.USDCents(50),
	}
	if err := f.engine.Execute(req); err != nil {
		t.Fatalf("RequestIncrease: %v", err)
	}
	requestID := requestOpened(t, drain(f.persist))

	fulfill := &core.FulfillPrices{
		Meta:      core.Meta{ID: uuid.New(), Sequence: 1, Timestamp: baseTime.Add(10 * time.Second)},
		Reporter:  f.reporter,
		RequestID: requestID,
		Prices:    map[string]*big.Int{"BTC": fixed.USD(41_000)},
	}
	if err := f.engine.Execute(fulfill); err != nil {
		t.Fatalf("FulfillPrices: %v", err)
	}

	outputs := drain(f.persist)
	if len(outputs) != 2 {
		t.Fatalf("fulfillment persisted %d envelopes, want 2", len(outputs))
	}
	if outputs[0].Envelope.EventType != event.EventTypePricesCommitted {
		t.Errorf("first event = %v, want PricesCommitted", outputs[0].Envelope.EventType)
	}
	if outputs[1].Envelope.EventType != event.EventTypePositionIncreased {
		t.Errorf("second event = %v, want PositionIncreased", outputs[1].Envelope.EventType)
	}

	key := position.Key{Account: f.account, CollateralAsset: "BTC", IndexAsset: "BTC", IsLong: true}
	pos := f.book.Get(key)
	if pos == nil {
		t.Fatal("position not opened")
	}
	if pos.Size.Cmp(fixed.USD(90)) != 0 {
		t.Errorf("size = %s, want 90 USD", pos.Size)
	}
	if pos.AveragePrice.Cmp(fixed.USD(41_000)) != 0 {
		t.Errorf("average price = %s, want 41000 USD", pos.AveragePrice)
	}

	// The consumed request cannot be fulfilled twice.
	again := &core.FulfillPrices{
		Meta:      core.Meta{ID: uuid.New(), Sequence: 2, Timestamp: baseTime.Add(20 * time.Second)},
		Reporter:  f.reporter,
		RequestID: requestID,
		Prices:    map[string]*big.Int{"BTC": fixed.USD(42_000)},
	}
	if err := f.engine.Execute(again); !errors.Is(err, oracle.ErrRequestConsumed) {
		t.Fatalf("second fulfill: got %v, want ErrRequestConsumed", err)
	}
}

func TestEngineFailedActionLeavesRequestOpen(t *testing.T) {
	f := newEngineFixture(t)
	f.allowReporter(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000, "USDC": 1})

	// Long with stable collateral is an invalid pair: the deferred action
	// fails at execution time.
	req := &core.RequestIncrease{
		Meta:            f.meta("account:"+f.account.String(), baseTime),
		Caller:          f.account,
		Account:         f.account,
		CollateralAsset: "USDC",
		IndexAsset:      "BTC",
		IsLong:          true,
		CollateralIn:    big.NewInt(10_000_000),
		SizeDelta:       fixed.USD(90),
		ExecutionFee:    fixed.USDCents(50),
	}
	if err := f.engine.Execute(req); err != nil {
		t.Fatalf("RequestIncrease: %v", err)
	}
	requestID := requestOpened(t, drain(f.persist))

	fulfill := &core.FulfillPrices{
		Meta:      core.Meta{ID: uuid.New(), Sequence: 1, Timestamp: baseTime.Add(10 * time.Second)},
		Reporter:  f.reporter,
		RequestID: requestID,
		Prices:    map[string]*big.Int{"BTC": fixed.USD(50_000)},
	}
	if err := f.engine.Execute(fulfill); err == nil {
		t.Fatal("fulfillment with failing action succeeded")
	}

	if got := len(drain(f.persist)); got != 0 {
		t.Errorf("failed fulfillment persisted %d envelopes, want 0", got)
	}

	// Price commit rolled back atomically with the action.
	price, err := f.gateway.LatestPrice("BTC", false, false, baseTime.Add(10*time.Second))
	if err != nil {
		t.Fatalf("LatestPrice: %v", err)
	}
	if price.Cmp(fixed.USD(40_000)) != 0 {
		t.Errorf("price after rollback = %s, want 40000 USD", price)
	}

	// Request stays open for a retry within its window.
	pending, ok := f.gateway.Request(requestID)
	if !ok || pending.Consumed || pending.Refunded {
		t.Error("request not open after failed action")
	}
}

func TestEngineRefundAfterExpiry(t *testing.T) {
	f := newEngineFixture(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})
	f.ledger.IncreasePool("BTC", big.NewInt(250_000))

	partition := "account:" + f.account.String()
	req := &core.RequestIncrease{
		Meta:            f.meta(partition, baseTime),
		Caller:          f.account,
		Account:         f.account,
		CollateralAsset: "BTC",
		IndexAsset:      "BTC",
		IsLong:          true,
		CollateralIn:    big.NewInt(25_000),
		SizeDelta:       fixed.USD(90),
		ExecutionFee:    fixed.USDCents(50),
	}
	if err := f.engine.Execute(req); err != nil {
		t.Fatalf("RequestIncrease: %v", err)
	}
	requestID := requestOpened(t, drain(f.persist))

	early := &core.RefundRequest{
		Meta:      f.meta(partition, baseTime.Add(time.Minute)),
		Caller:    f.account,
		RequestID: requestID,
	}
	if err := f.engine.Execute(early); !errors.Is(err, oracle.ErrRequestActive) {
		t.Fatalf("early refund: got %v, want ErrRequestActive", err)
	}

	late := &core.RefundRequest{
		Meta:      f.meta(partition, baseTime.Add(10*time.Minute)),
		Caller:    f.account,
		RequestID: requestID,
	}
	if err := f.engine.Execute(late); err != nil {
		t.Fatalf("refund after expiry: %v", err)
	}

	outputs := drain(f.persist)
	if len(outputs) != 1 {
		t.Fatalf("refund persisted %d envelopes, want 1", len(outputs))
	}
	env := outputs[0].Envelope
	if env.EventType != event.EventTypePriceRequestRefunded {
		t.Errorf("event type = %v, want PriceRequestRefunded", env.EventType)
	}
	var payload struct{ Fee *big.Int }
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Fee.Cmp(fixed.USDCents(50)) != 0 {
		t.Errorf("refunded fee = %s, want 0.50 USD", payload.Fee)
	}
}

func TestEngineFundingAccrualIdempotentPerInterval(t *testing.T) {
	f := newEngineFixture(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})
	f.ledger.IncreasePool("BTC", big.NewInt(250_000))

	// First accrual initializes the funding clock and emits.
	first := &core.AccrueFunding{Meta: f.meta("asset:BTC", baseTime), Asset: "BTC"}
	if err := f.engine.Execute(first); err != nil {
		t.Fatalf("first accrual: %v", err)
	}
	if got := len(drain(f.persist)); got != 1 {
		t.Fatalf("first accrual persisted %d envelopes, want 1", got)
	}

	// A second command in the same interval applies nothing and emits
	// nothing; its idempotency key would otherwise collide.
	second := &core.AccrueFunding{Meta: f.meta("asset:BTC", baseTime.Add(time.Minute)), Asset: "BTC"}
	if err := f.engine.Execute(second); err != nil {
		t.Fatalf("second accrual: %v", err)
	}
	if got := len(drain(f.persist)); got != 0 {
		t.Errorf("second accrual persisted %d envelopes, want 0", got)
	}
}

func TestEngineAdminCommands(t *testing.T) {
	f := newEngineFixture(t)

	list := &core.ListAsset{
		Meta: f.meta("global", baseTime),
		Config: asset.Config{
			Symbol:      "ETH",
			Decimals:    18,
			Weight:      10_000,
			IsShortable: true,
		},
	}
	if err := f.engine.Execute(list); err != nil {
		t.Fatalf("ListAsset: %v", err)
	}
	outputs := drain(f.persist)
	if len(outputs) != 1 || outputs[0].Envelope.EventType != event.EventTypeAssetListed {
		t.Fatalf("ListAsset outputs = %v", outputs)
	}
	if _, ok := f.registry.Get("ETH"); !ok {
		t.Error("ETH not whitelisted")
	}

	bad := asset.DefaultParams()
	bad.MaxLeverage = 0
	update := &core.UpdateParams{Meta: f.meta("global", baseTime), Params: bad}
	if err := f.engine.Execute(update); err == nil {
		t.Fatal("invalid params accepted")
	}
	if got := len(drain(f.persist)); got != 0 {
		t.Errorf("rejected params persisted %d envelopes", got)
	}
}

func TestEngineAUMUnderLock(t *testing.T) {
	f := newEngineFixture(t)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})
	f.ledger.IncreasePool("BTC", big.NewInt(250_000))

	aumMax, err := f.engine.AUM(true, baseTime)
	if err != nil {
		t.Fatalf("AUM(max): %v", err)
	}
	aumMin, err := f.engine.AUM(false, baseTime)
	if err != nil {
		t.Fatalf("AUM(min): %v", err)
	}
	if aumMax.Cmp(aumMin) < 0 {
		t.Errorf("aum(max) %s < aum(min) %s", aumMax, aumMin)
	}
	if aumMin.Cmp(fixed.USD(100)) != 0 {
		t.Errorf("aum = %s, want 100 USD", aumMin)
	}
}
