package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/event"
	"perpvault/internal/fixed"
	"perpvault/internal/observability"
	"perpvault/internal/oracle"
	"perpvault/internal/pool"
	"perpvault/internal/position"
	"perpvault/internal/valuation"
)

// Engine is the single-writer command processor. All vault state mutation
// funnels through Execute under one lock; reads of derived values (AUM,
// utilization) take the same lock via the accessor methods.
type Engine struct {
	mu sync.Mutex

	sequence int64
	registry *asset.Registry
	gateway  *oracle.Gateway
	ledger   *pool.Ledger
	book     *position.Book
	valuer   *valuation.Valuer

	hasher       *StateHasher
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics

	persistChan chan<- Output
	publishChan chan<- Output

	log zerolog.Logger
}

// Output is what the engine hands to the persistence and publishing workers.
type Output struct {
	Envelope    *event.Envelope
	StateDigest []byte
	CommandKind string
	CommandKey  string
	Emitted     time.Time
}

func NewEngine(
	startSequence int64,
	lruCapacity int,
	registry *asset.Registry,
	gateway *oracle.Gateway,
	ledger *pool.Ledger,
	book *position.Book,
	valuer *valuation.Valuer,
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		sequence:     startSequence,
		registry:     registry,
		gateway:      gateway,
		ledger:       ledger,
		book:         book,
		valuer:       valuer,
		hasher:       NewStateHasher(),
		idempotency:  NewIdempotencyChecker(lruCapacity, dbChecker),
		seqValidator: NewSequenceValidator(),
		metrics:      metrics,
		persistChan:  persistChan,
		publishChan:  publishChan,
		log:          log,
	}
}

// Execute is the main processing pipeline.
func (e *Engine) Execute(cmd Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	kind := cmd.Kind()
	idempotencyKey := cmd.CommandID().String()

	// Step 1: idempotency check (two-tier)
	dedupStart := time.Now()
	isDuplicate, dedupTier := e.idempotency.IsDuplicate(kind, idempotencyKey)
	if e.metrics != nil && dedupTier == "postgres" {
		e.metrics.DedupTier2Duration.Observe(time.Since(dedupStart).Seconds())
	}

	// Step 2: sequence validation. Price fulfillments tolerate gaps; every
	// other partition must arrive in order.
	if _, ok := cmd.(*FulfillPrices); ok {
		if err := e.seqValidator.ValidatePriceSequence(cmd.Partition(), cmd.SourceSequence()); err != nil {
			return err
		}
	} else {
		if err := e.seqValidator.ValidateSequence(cmd.Partition(), cmd.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			if e.metrics != nil {
				switch {
				case errors.Is(err, ErrSequenceGap):
					e.metrics.CommandSequenceGap.WithLabelValues(cmd.Partition()).Inc()
				case errors.Is(err, ErrOutOfOrder):
					e.metrics.CommandOutOfOrder.WithLabelValues(cmd.Partition()).Inc()
				}
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(kind, "duplicate").Inc()
			e.metrics.IdempotencyDuplicates.WithLabelValues(kind, dedupTier).Inc()
		}
		return nil
	}

	// Step 3: dispatch
	events, err := e.dispatch(cmd)
	if err != nil {
		if e.metrics != nil {
			e.metrics.OpsRejected.WithLabelValues(kind, "error").Inc()
		}
		return err
	}

	// Step 4: post-checks. A dispatch that leaves any reserve above its
	// pool is a bug, not an operational condition.
	e.mustCheckInvariants()

	// Step 5: emit one envelope per resulting event. Persistence uses a
	// blocking send (backpressure); publishing drops on full, subscribers
	// rebuild from the operation log.
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: event payload not serializable: %v", err))
		}
		hashStart := time.Now()
		digest := e.stateDigest()
		prevHash := e.hasher.PrevHash()
		envelope := &event.Envelope{
			Sequence:       e.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Asset:          evt.AssetID(),
			Timestamp:      cmd.OccurredAt(),
			SourceSequence: evt.SourceSequence(),
			Payload:        payload,
			StateHash:      e.hasher.ComputeHash(e.sequence, digest),
			PrevHash:       prevHash,
		}
		if e.metrics != nil {
			e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
		}
		output := Output{
			Envelope:    envelope,
			StateDigest: digest,
			CommandKind: kind,
			CommandKey:  idempotencyKey,
			Emitted:     time.Now(),
		}
		e.sequence++

		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}

		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDropped.Inc()
			}
		}

		e.recordEventMetrics(evt)
	}

	// Step 6: mark processed
	e.idempotency.MarkProcessed(kind, idempotencyKey)

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(kind).Inc()
		e.metrics.OpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.PendingPriceRequests.Set(float64(e.gateway.PendingCount()))
	}
	return nil
}

func (e *Engine) dispatch(cmd Command) ([]event.Event, error) {
	switch c := cmd.(type) {
	case *BuyStable:
		minted, err := e.ledger.BuyStable(c.Asset, c.AmountIn, c.Receiver, c.Timestamp)
		if err != nil {
			return nil, err
		}
		return []event.Event{&event.StableBought{
			CommandID: c.ID,
			Receiver:  c.Receiver,
			Asset:     c.Asset,
			AmountIn:  fixed.Clone(c.AmountIn),
			MintedUSD: minted,
			Sequence:  c.Sequence,
		}}, nil

	case *SellStable:
		out, err := e.ledger.SellStable(c.Asset, c.AmountUSD, c.Receiver, c.Timestamp)
		if err != nil {
			return nil, err
		}
		return []event.Event{&event.StableSold{
			CommandID: c.ID,
			Receiver:  c.Receiver,
			Asset:     c.Asset,
			BurnedUSD: fixed.Clone(c.AmountUSD),
			AmountOut: out,
			Sequence:  c.Sequence,
		}}, nil

	case *CollectFees:
		amount := e.ledger.CollectFees(c.Asset)
		return []event.Event{&event.FeesCollected{
			CommandID: c.ID,
			Receiver:  c.Receiver,
			Asset:     c.Asset,
			Amount:    amount,
			Sequence:  c.Sequence,
		}}, nil

	case *AccrueFunding:
		before := e.ledger.CumulativeFundingRate(c.Asset)
		timeBefore := e.ledger.State(c.Asset).LastFundingTime
		if err := e.ledger.AccrueFunding(c.Asset, c.Timestamp); err != nil {
			return nil, err
		}
		if e.ledger.State(c.Asset).LastFundingTime == timeBefore {
			// No-op inside the current interval; an event here would reuse
			// the previous accrual's idempotency key.
			return nil, nil
		}
		after := e.ledger.CumulativeFundingRate(c.Asset)
		return []event.Event{&event.FundingAccrued{
			Asset:          c.Asset,
			RateDelta:      after.Sub(fixed.Clone(after), before),
			CumulativeRate: e.ledger.CumulativeFundingRate(c.Asset),
			FundingTime:    e.ledger.State(c.Asset).LastFundingTime,
			Sequence:       c.Sequence,
		}}, nil

	case *RequestIncrease:
		return e.openRequest(c, &increaseAction{book: e.book, cmd: c}, c.Account, c.ExecutionFee)

	case *RequestDecrease:
		return e.openRequest(c, &decreaseAction{book: e.book, cmd: c}, c.Account, c.ExecutionFee)

	case *RequestLiquidate:
		return e.openRequest(c, &liquidateAction{book: e.book, cmd: c}, c.Caller, c.ExecutionFee)

	case *FulfillPrices:
		if err := e.gateway.Fulfill(c.RequestID, c.Prices, c.Timestamp, c.Reporter, c.Timestamp); err != nil {
			return nil, err
		}
		events := []event.Event{&event.PricesCommitted{
			RequestID: c.RequestID,
			Reporter:  c.Reporter,
			Prices:    c.Prices,
			Round:     c.Sequence,
			Sequence:  c.Sequence,
		}}
		if req, ok := e.gateway.Request(c.RequestID); ok {
			if ra, ok := req.Action.(resultAction); ok && ra.Result() != nil {
				events = append(events, ra.Result())
			}
		}
		return events, nil

	case *RefundRequest:
		fee, err := e.gateway.Refund(c.RequestID, c.Caller, c.Timestamp)
		if err != nil {
			return nil, err
		}
		return []event.Event{&event.PriceRequestRefunded{
			RequestID: c.RequestID,
			Requester: c.Caller,
			Fee:       fee,
			Sequence:  c.Sequence,
		}}, nil

	case *ChargeFunding:
		key := position.Key{
			Account:         c.Account,
			CollateralAsset: c.CollateralAsset,
			IndexAsset:      c.IndexAsset,
			IsLong:          c.IsLong,
		}
		if err := e.book.Accumulate(c.Caller, key, c.Timestamp); err != nil {
			return nil, err
		}
		collateral := fixed.Zero()
		if pos := e.book.Get(key); pos != nil {
			collateral = fixed.Clone(pos.Collateral)
		}
		return []event.Event{&event.FundingCharged{
			CommandID:       c.ID,
			Account:         c.Account,
			CollateralAsset: c.CollateralAsset,
			IndexAsset:      c.IndexAsset,
			IsLong:          c.IsLong,
			Collateral:      collateral,
			Sequence:        c.Sequence,
		}}, nil

	case *ListAsset:
		cfg := c.Config
		if err := e.registry.Set(&cfg); err != nil {
			return nil, err
		}
		return []event.Event{&event.AssetListed{
			CommandID:   c.ID,
			Asset:       cfg.Symbol,
			Decimals:    cfg.Decimals,
			Weight:      cfg.Weight,
			IsStable:    cfg.IsStable,
			IsShortable: cfg.IsShortable,
			Sequence:    c.Sequence,
		}}, nil

	case *UpdateParams:
		if err := e.registry.UpdateParams(c.Params); err != nil {
			return nil, err
		}
		return []event.Event{&event.ParamsUpdated{CommandID: c.ID, Sequence: c.Sequence}}, nil

	case *SetReporter:
		e.gateway.SetReporter(c.Reporter, c.Allowed)
		return nil, nil

	case *SetLiquidator:
		e.book.SetLiquidator(c.Liquidator, c.Allowed)
		return nil, nil

	case *SetPlugin:
		e.book.SetPlugin(c.Plugin, c.Allowed)
		return nil, nil

	case *SetDelegate:
		if c.Approved {
			e.book.ApproveDelegate(c.Account, c.Delegate)
		} else {
			e.book.RevokeDelegate(c.Account, c.Delegate)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unhandled command type %T", cmd)
	}
}

// openRequest escrows the execution fee with the gateway and records the
// opened request.
func (e *Engine) openRequest(cmd Command, action oracle.Action, requester uuid.UUID, fee *big.Int) ([]event.Event, error) {
	requestID, err := e.gateway.RequestUpdate(requester, action, fee, cmd.OccurredAt())
	if err != nil {
		return nil, err
	}
	return []event.Event{&event.PriceRequestOpened{
		RequestID: requestID,
		Requester: requester,
		Action:    action.Kind(),
		Fee:       fixed.Clone(fee),
		Sequence:  cmd.SourceSequence(),
	}}, nil
}

// mustCheckInvariants panics if any asset's reserve exceeds its pool. The
// ledger enforces this on every mutation; this is the engine-level backstop
// run after each dispatch.
func (e *Engine) mustCheckInvariants() {
	for _, symbol := range e.registry.Symbols() {
		s := e.ledger.State(symbol)
		if s.ReservedAmount.Cmp(s.PoolAmount) > 0 {
			panic(fmt.Sprintf("FATAL: reserved %s exceeds pool %s for %s",
				s.ReservedAmount, s.PoolAmount, symbol))
		}
	}
}

// stateDigest builds canonical bytes over every asset's ledger record, in
// whitelist order, for the envelope hash chain.
func (e *Engine) stateDigest() []byte {
	symbols := e.registry.Symbols()
	sort.Strings(symbols)

	digest := make([]byte, 0, len(symbols)*96)
	for _, symbol := range symbols {
		s := e.ledger.State(symbol)
		digest = append(digest, byte(len(symbol)))
		digest = append(digest, symbol...)
		for _, v := range [...]fmt.Stringer{
			s.PoolAmount, s.ReservedAmount, s.FeeReserve,
			s.CollateralHeld, s.GuaranteedUSD, s.StableDebt,
			s.CumulativeFundingRate,
		} {
			b := []byte(v.String())
			digest = append(digest, byte(len(b)))
			digest = append(digest, b...)
		}
	}
	return digest
}

// recordEventMetrics bumps the per-event-type counters after an envelope is
// emitted.
func (e *Engine) recordEventMetrics(evt event.Event) {
	if e.metrics == nil {
		return
	}
	switch v := evt.(type) {
	case *event.PricesCommitted:
		e.metrics.PriceCommits.Inc()
	case *event.PriceRequestRefunded:
		e.metrics.RequestRefunds.Inc()
	case *event.PositionLiquidated:
		e.metrics.LiquidationsTotal.WithLabelValues(strconv.Itoa(v.Code)).Inc()
	}
}

// ReportGauges refreshes the sampled gauges: AUM on both valuation sides,
// per-asset pool balances, and the idempotency LRU occupancy. Called on a
// timer, never from the command path.
func (e *Engine) ReportGauges(now time.Time) {
	if e.metrics == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if aum, err := e.valuer.AUM(true, now); err == nil {
		e.metrics.AUM.WithLabelValues("max").Set(wholeUSD(aum))
	}
	if aum, err := e.valuer.AUM(false, now); err == nil {
		e.metrics.AUM.WithLabelValues("min").Set(wholeUSD(aum))
	}

	for _, symbol := range e.registry.Symbols() {
		s := e.ledger.State(symbol)
		e.metrics.PoolAmount.WithLabelValues(symbol).Set(bigFloat(s.PoolAmount))
		e.metrics.PoolReserved.WithLabelValues(symbol).Set(bigFloat(s.ReservedAmount))
		e.metrics.PoolFeeReserve.WithLabelValues(symbol).Set(bigFloat(s.FeeReserve))
		e.metrics.FundingRate.WithLabelValues(symbol).Set(bigFloat(s.CumulativeFundingRate))
	}

	e.metrics.DedupLRUSize.Set(float64(e.idempotency.LRUSize()))
	e.metrics.DedupLRUEvictions.Set(float64(e.idempotency.LRUEvictions()))
}

func wholeUSD(v *big.Int) float64 {
	return bigFloat(new(big.Int).Quo(v, fixed.PricePrecision))
}

func bigFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

// WarmLRU preloads the idempotency LRU with composite "kind:key" entries
// recovered from the operation log on startup.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.WarmFromKeys(keys)
}

// Sequence returns the next envelope sequence the engine will assign.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// AUM values the vault under the engine lock, so mid-operation state is
// never observed.
func (e *Engine) AUM(maximize bool, now time.Time) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valuer.AUM(maximize, now)
}

// AUMPerShare returns the stable-debt share price under the engine lock.
func (e *Engine) AUMPerShare(maximize bool, now time.Time) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.valuer.AUMPerShare(maximize, now)
}
