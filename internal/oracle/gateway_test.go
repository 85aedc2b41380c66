package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/fixed"
)

var baseTime = time.Unix(1_700_000_000, 0)

// stubAction counts executions and fails while err is set.
type stubAction struct {
	err  error
	runs int
}

func (a *stubAction) Kind() string                 { return "stub" }
func (a *stubAction) Execute(now time.Time) error { a.runs++; return a.err }

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	registry, err := asset.NewRegistry(asset.DefaultParams())
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
	return NewGateway(DefaultConfig(), registry, zerolog.Nop())
}

func commitOne(t *testing.T, g *Gateway, symbol string, price *big.Int, now time.Time) {
	t.Helper()
	if err := g.CommitPrices(map[string]*big.Int{symbol: price}, now); err != nil {
		t.Fatalf("CommitPrices(%s): %v", symbol, err)
	}
}

func wantPrice(t *testing.T, g *Gateway, symbol string, maximize, strict bool, now time.Time, want *big.Int) {
	t.Helper()
	got, err := g.LatestPrice(symbol, maximize, strict, now)
	if err != nil {
		t.Fatalf("LatestPrice(%s): %v", symbol, err)
	}
	if got.Cmp(want) != 0 {
		t.Errorf("LatestPrice(%s, max=%v) = %s, want %s", symbol, maximize, got, want)
	}
}

func TestLatestPriceSpreadAndFreshness(t *testing.T) {
	g := newTestGateway(t)

	if _, err := g.LatestPrice("BTC", true, false, baseTime); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("no price: got %v, want ErrPriceUnavailable", err)
	}

	commitOne(t, g, "BTC", fixed.USD(40_000), baseTime)
	if err := g.SetSpread("BTC", 10); err != nil {
		t.Fatalf("SetSpread: %v", err)
	}

	wantPrice(t, g, "BTC", true, true, baseTime, fixed.USD(40_040))
	wantPrice(t, g, "BTC", false, true, baseTime, fixed.USD(39_960))

	// Strict reads reject a price older than MaxPriceAge; relaxed reads
	// still serve it.
	late := baseTime.Add(6 * time.Minute)
	if _, err := g.LatestPrice("BTC", true, true, late); !errors.Is(err, ErrPriceExpired) {
		t.Errorf("stale strict read: got %v, want ErrPriceExpired", err)
	}
	wantPrice(t, g, "BTC", true, false, late, fixed.USD(40_040))

	if err := g.SetSpread("BTC", -1); err == nil {
		t.Error("negative spread accepted")
	}
}

func TestStablePriceClamp(t *testing.T) {
	g := newTestGateway(t)

	// One cent off the peg is inside the band: the bid keeps the raw price,
	// the ask snaps up to the peg.
	commitOne(t, g, "USDC", fixed.USDCents(99), baseTime)
	wantPrice(t, g, "USDC", false, true, baseTime, fixed.USDCents(99))
	wantPrice(t, g, "USDC", true, true, baseTime, fixed.USD(1))

	// Three cents off the peg exceeds the band; both sides read the peg.
	commitOne(t, g, "USDC", fixed.USDCents(97), baseTime)
	wantPrice(t, g, "USDC", false, true, baseTime, fixed.USD(1))
	wantPrice(t, g, "USDC", true, true, baseTime, fixed.USD(1))

	// Relaxed reads bypass the clamp.
	wantPrice(t, g, "USDC", false, false, baseTime, fixed.USDCents(97))
}

func TestRequestFulfillLifecycle(t *testing.T) {
	g := newTestGateway(t)
	requester := uuid.New()
	reporter := uuid.New()
	g.SetReporter(reporter, true)

	action := &stubAction{}
	fee := fixed.USDCents(50)

	if _, err := g.RequestUpdate(requester, action, fixed.USDCents(5), baseTime); !errors.Is(err, ErrFeeBelowMinimum) {
		t.Fatalf("low fee: got %v, want ErrFeeBelowMinimum", err)
	}
	if _, err := g.RequestUpdate(requester, nil, fee, baseTime); err == nil {
		t.Fatal("nil action accepted")
	}

	id, err := g.RequestUpdate(requester, action, fee, baseTime)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}
	if g.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", g.PendingCount())
	}

	prices := map[string]*big.Int{"BTC": fixed.USD(41_000)}
	now := baseTime.Add(10 * time.Second)

	if err := g.Fulfill(id, prices, now, uuid.New(), now); !errors.Is(err, ErrNotReporter) {
		t.Fatalf("unauthorized fulfill: got %v, want ErrNotReporter", err)
	}
	if err := g.Fulfill(uuid.New(), prices, now, reporter, now); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("unknown request: got %v, want ErrUnknownRequest", err)
	}
	if err := g.Fulfill(id, map[string]*big.Int{"BTC": new(big.Int)}, now, reporter, now); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("zero price: got %v, want ErrInvalidPrice", err)
	}

	if err := g.Fulfill(id, prices, now, reporter, now); err != nil {
		t.Fatalf("Fulfill: %v", err)
	}
	if action.runs != 1 {
		t.Errorf("action ran %d times, want 1", action.runs)
	}
	wantPrice(t, g, "BTC", false, true, now, fixed.USD(41_000))
	if g.PendingCount() != 0 {
		t.Errorf("pending after fulfill = %d, want 0", g.PendingCount())
	}
	if g.FeesCollected().Cmp(fee) != 0 {
		t.Errorf("fees collected = %s, want %s", g.FeesCollected(), fee)
	}

	if err := g.Fulfill(id, prices, now, reporter, now); !errors.Is(err, ErrRequestConsumed) {
		t.Errorf("second fulfill: got %v, want ErrRequestConsumed", err)
	}
	if _, err := g.Refund(id, requester, baseTime.Add(time.Hour)); !errors.Is(err, ErrRequestConsumed) {
		t.Errorf("refund after fulfill: got %v, want ErrRequestConsumed", err)
	}
}

func TestFailedActionRollsBackCommit(t *testing.T) {
	g := newTestGateway(t)
	reporter := uuid.New()
	g.SetReporter(reporter, true)
	commitOne(t, g, "BTC", fixed.USD(40_000), baseTime)

	action := &stubAction{err: errors.New("insufficient collateral")}
	id, err := g.RequestUpdate(uuid.New(), action, fixed.USDCents(50), baseTime)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}

	now := baseTime.Add(10 * time.Second)
	prices := map[string]*big.Int{
		"BTC": fixed.USD(50_000),
		"ETH": fixed.USD(3_000), // first ever commit for this symbol
	}
	if err := g.Fulfill(id, prices, now, reporter, now); err == nil {
		t.Fatal("fulfillment with failing action succeeded")
	}

	// BTC rolled back to its previous point, ETH removed entirely.
	wantPrice(t, g, "BTC", false, false, now, fixed.USD(40_000))
	if _, err := g.LatestPrice("ETH", false, false, now); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("ETH after rollback: got %v, want ErrPriceUnavailable", err)
	}
	if g.FeesCollected().Sign() != 0 {
		t.Errorf("fees collected after failed action: %s", g.FeesCollected())
	}

	// The request survives for a retry inside its window.
	action.err = nil
	if err := g.Fulfill(id, prices, now.Add(time.Second), reporter, now.Add(time.Second)); err != nil {
		t.Fatalf("retry fulfill: %v", err)
	}
	if action.runs != 2 {
		t.Errorf("action ran %d times, want 2", action.runs)
	}
	wantPrice(t, g, "BTC", false, false, now, fixed.USD(50_000))
}

func TestRefundGates(t *testing.T) {
	g := newTestGateway(t)
	requester := uuid.New()
	reporter := uuid.New()
	g.SetReporter(reporter, true)

	fee := fixed.USDCents(50)
	id, err := g.RequestUpdate(requester, &stubAction{}, fee, baseTime)
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}

	if _, err := g.Refund(id, requester, baseTime.Add(time.Minute)); !errors.Is(err, ErrRequestActive) {
		t.Errorf("early refund: got %v, want ErrRequestActive", err)
	}

	expired := baseTime.Add(4 * time.Minute)
	if _, err := g.Refund(id, uuid.New(), expired); !errors.Is(err, ErrNotReporter) {
		t.Errorf("stranger refund: got %v, want ErrNotReporter", err)
	}

	got, err := g.Refund(id, requester, expired)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if got.Cmp(fee) != 0 {
		t.Errorf("refund = %s, want %s", got, fee)
	}

	if _, err := g.Refund(id, requester, expired); !errors.Is(err, ErrRequestRefunded) {
		t.Errorf("double refund: got %v, want ErrRequestRefunded", err)
	}
	prices := map[string]*big.Int{"BTC": fixed.USD(40_000)}
	if err := g.Fulfill(id, prices, expired, reporter, expired); !errors.Is(err, ErrRequestRefunded) {
		t.Errorf("fulfill refunded request: got %v, want ErrRequestRefunded", err)
	}

	// A reporter may refund on the requester's behalf after expiry.
	id2, _ := g.RequestUpdate(requester, &stubAction{}, fee, baseTime)
	if _, err := g.Refund(id2, reporter, expired); err != nil {
		t.Errorf("reporter refund: %v", err)
	}

	// Fulfilling past the window fails with the expiry error.
	id3, _ := g.RequestUpdate(requester, &stubAction{}, fee, baseTime)
	if err := g.Fulfill(id3, prices, expired, reporter, expired); !errors.Is(err, ErrRequestExpired) {
		t.Errorf("late fulfill: got %v, want ErrRequestExpired", err)
	}
}
