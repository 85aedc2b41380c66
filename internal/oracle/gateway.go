package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/fixed"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrPriceExpired     = errors.New("price expired")
	ErrUnknownRequest   = errors.New("unknown request")
	ErrRequestConsumed  = errors.New("request already fulfilled")
	ErrRequestExpired   = errors.New("request expired")
	ErrRequestActive    = errors.New("request not yet expired")
	ErrRequestRefunded  = errors.New("request already refunded")
	ErrNotReporter      = errors.New("caller is not a permissioned reporter")
	ErrFeeBelowMinimum  = errors.New("request fee below minimum")
	ErrInvalidPrice     = errors.New("invalid price")
)

// Action is the deferred command a pending request carries. It runs
// synchronously inside Fulfill, against the freshly committed prices, and
// must re-validate all of its own preconditions.
type Action interface {
	Kind() string
	Execute(now time.Time) error
}

// PricePoint is the last committed price for one asset.
type PricePoint struct {
	Price     *big.Int // 1e30 USD per token unit
	Timestamp time.Time
	Round     int64
}

// PendingRequest escrows a prepaid fee until a reporter fulfills the request
// or the requester reclaims it after expiry.
type PendingRequest struct {
	ID        uuid.UUID
	Requester uuid.UUID
	Action    Action
	Fee       *big.Int
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
	Refunded  bool
}

// Config holds gateway tuning parameters.
type Config struct {
	MaxPriceAge        time.Duration
	RequestTTL         time.Duration
	MinRequestFee      *big.Int
	MaxStrictDeviation *big.Int // absolute USD deviation from the 1.0 peg
}

func DefaultConfig() Config {
	return Config{
		MaxPriceAge:        5 * time.Minute,
		RequestTTL:         3 * time.Minute,
		MinRequestFee:      fixed.USDCents(10),
		MaxStrictDeviation: fixed.USDCents(1), // 1 cent off the peg
	}
}

// Gateway owns the last-price table and the pending-request queue. Nothing
// else writes either. Timestamps are versioned inputs; the gateway never
// reads the wall clock itself.
type Gateway struct {
	cfg       Config
	registry  *asset.Registry
	prices    map[string]*PricePoint
	spreads   map[string]int64 // basis points, per asset
	requests  map[uuid.UUID]*PendingRequest
	reporters map[uuid.UUID]bool

	feesCollected *big.Int // fees earned by successful fulfillments
	log           zerolog.Logger
}

func NewGateway(cfg Config, registry *asset.Registry, log zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:           cfg,
		registry:      registry,
		prices:        make(map[string]*PricePoint),
		spreads:       make(map[string]int64),
		requests:      make(map[uuid.UUID]*PendingRequest),
		reporters:     make(map[uuid.UUID]bool),
		feesCollected: new(big.Int),
		log:           log,
	}
}

// SetReporter grants or revokes fulfillment permission.
func (g *Gateway) SetReporter(id uuid.UUID, allowed bool) {
	if allowed {
		g.reporters[id] = true
	} else {
		delete(g.reporters, id)
	}
}

// SetSpread configures the per-asset bid/ask spread in basis points.
func (g *Gateway) SetSpread(symbol string, bps int64) error {
	if bps < 0 || bps >= fixed.BasisPointsDivisor {
		return fmt.Errorf("spread bps out of range: %d", bps)
	}
	g.spreads[symbol] = bps
	return nil
}

// LatestPrice returns the committed price with the per-asset spread applied.
// maximize selects the ask side, otherwise the bid. strict additionally
// enforces freshness and, for pegged stables, the deviation clamp.
func (g *Gateway) LatestPrice(symbol string, maximize, strict bool, now time.Time) (*big.Int, error) {
	point, ok := g.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	if strict && now.Sub(point.Timestamp) > g.cfg.MaxPriceAge {
		return nil, fmt.Errorf("%w: %s last committed %s", ErrPriceExpired, symbol, point.Timestamp.UTC())
	}

	if cfg, ok := g.registry.Get(symbol); ok && cfg.IsStable && strict {
		return g.clampedStablePrice(point.Price, maximize), nil
	}

	spread := g.spreads[symbol]
	if maximize {
		return fixed.ApplyBasisPoints(point.Price, fixed.BasisPointsDivisor+spread), nil
	}
	return fixed.ApplyBasisPoints(point.Price, fixed.BasisPointsDivisor-spread), nil
}

// clampedStablePrice enforces the strict-deviation rule for pegged assets:
// a raw price further than MaxStrictDeviation from 1.0 is replaced by the
// peg rather than rejected; inside the band the bound less favorable to the
// caller's counterparty is chosen.
func (g *Gateway) clampedStablePrice(raw *big.Int, maximize bool) *big.Int {
	peg := fixed.PricePrecision
	if fixed.AbsDiff(raw, peg).Cmp(g.cfg.MaxStrictDeviation) > 0 {
		return fixed.Clone(peg)
	}
	if maximize {
		return fixed.Max(raw, peg)
	}
	return fixed.Min(raw, peg)
}

// RequestUpdate escrows fee and queues action for the next fulfillment.
func (g *Gateway) RequestUpdate(requester uuid.UUID, action Action, fee *big.Int, now time.Time) (uuid.UUID, error) {
	if action == nil {
		return uuid.Nil, fmt.Errorf("request must carry an action")
	}
	if fee == nil || fee.Cmp(g.cfg.MinRequestFee) < 0 {
		return uuid.Nil, ErrFeeBelowMinimum
	}

	req := &PendingRequest{
		ID:        uuid.New(),
		Requester: requester,
		Action:    action,
		Fee:       fixed.Clone(fee),
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.RequestTTL),
	}
	g.requests[req.ID] = req

	g.log.Debug().
		Str("request_id", req.ID.String()).
		Str("action", action.Kind()).
		Time("expires_at", req.ExpiresAt).
		Msg("price update requested")

	return req.ID, nil
}

// Fulfill commits the aggregated price set and runs the request's deferred
// action against it. The commit and the action succeed or fail together: an
// action error rolls the price table back and leaves the request open for a
// retry within its expiration window. Exactly one fulfillment may succeed
// per request ID.
func (g *Gateway) Fulfill(requestID uuid.UUID, prices map[string]*big.Int, timestamp time.Time, reporter uuid.UUID, now time.Time) error {
	if !g.reporters[reporter] {
		return ErrNotReporter
	}
	req, ok := g.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if req.Consumed {
		return fmt.Errorf("%w: %s", ErrRequestConsumed, requestID)
	}
	if req.Refunded {
		return fmt.Errorf("%w: %s", ErrRequestRefunded, requestID)
	}
	if now.After(req.ExpiresAt) {
		return fmt.Errorf("%w: %s expired at %s", ErrRequestExpired, requestID, req.ExpiresAt.UTC())
	}

	for symbol, price := range prices {
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPrice, symbol)
		}
	}

	// Stage the commit so a failing action leaves no partial price update.
	previous := make(map[string]*PricePoint, len(prices))
	for symbol, price := range prices {
		previous[symbol] = g.prices[symbol]
		round := int64(1)
		if prev := previous[symbol]; prev != nil {
			round = prev.Round + 1
		}
		g.prices[symbol] = &PricePoint{
			Price:     fixed.Clone(price),
			Timestamp: timestamp,
			Round:     round,
		}
	}

	if err := req.Action.Execute(now); err != nil {
		for symbol, prev := range previous {
			if prev == nil {
				delete(g.prices, symbol)
			} else {
				g.prices[symbol] = prev
			}
		}
		g.log.Warn().
			Str("request_id", requestID.String()).
			Str("action", req.Action.Kind()).
			Err(err).
			Msg("deferred action failed, price commit rolled back")
		return fmt.Errorf("deferred %s: %w", req.Action.Kind(), err)
	}

	req.Consumed = true
	g.feesCollected.Add(g.feesCollected, req.Fee)

	g.log.Info().
		Str("request_id", requestID.String()).
		Str("action", req.Action.Kind()).
		Int("assets", len(prices)).
		Msg("prices committed and deferred action applied")

	return nil
}

// Refund returns the escrowed fee after expiration. Callable only by the
// requester or a reporter; the request becomes inert. There is no implicit
// timeout execution.
func (g *Gateway) Refund(requestID uuid.UUID, caller uuid.UUID, now time.Time) (*big.Int, error) {
	req, ok := g.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if caller != req.Requester && !g.reporters[caller] {
		return nil, ErrNotReporter
	}
	if req.Consumed {
		return nil, fmt.Errorf("%w: %s", ErrRequestConsumed, requestID)
	}
	if req.Refunded {
		return nil, fmt.Errorf("%w: %s", ErrRequestRefunded, requestID)
	}
	if !now.After(req.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s expires at %s", ErrRequestActive, requestID, req.ExpiresAt.UTC())
	}

	req.Refunded = true
	return fixed.Clone(req.Fee), nil
}

// Request returns the pending request for inspection.
func (g *Gateway) Request(requestID uuid.UUID) (*PendingRequest, bool) {
	req, ok := g.requests[requestID]
	return req, ok
}

// PendingCount returns the number of open (unconsumed, unrefunded) requests.
func (g *Gateway) PendingCount() int {
	n := 0
	for _, req := range g.requests {
		if !req.Consumed && !req.Refunded {
			n++
		}
	}
	return n
}

// FeesCollected returns total fees earned by successful fulfillments.
func (g *Gateway) FeesCollected() *big.Int {
	return fixed.Clone(g.feesCollected)
}

// CommitPrices directly commits a price set without a pending request.
// Used at startup seeding and by tests; production price flow goes through
// Fulfill.
func (g *Gateway) CommitPrices(prices map[string]*big.Int, timestamp time.Time) error {
	for symbol, price := range prices {
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPrice, symbol)
		}
	}
	for symbol, price := range prices {
		round := int64(1)
		if prev := g.prices[symbol]; prev != nil {
			round = prev.Round + 1
		}
		g.prices[symbol] = &PricePoint{
			Price:     fixed.Clone(price),
			Timestamp: timestamp,
			Round:     round,
		}
	}
	return nil
}
