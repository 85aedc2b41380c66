package pool

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
)

// baseTime sits inside a funding interval so that short time advances in a
// test do not cross an interval boundary by accident.
var baseTime = time.Unix(1_700_000_000, 0)

type fixture struct {
	registry *asset.Registry
	gateway  *oracle.Gateway
	ledger   *Ledger
	receiver uuid.UUID
}

func testParams() asset.Params {
	p := asset.DefaultParams()
	p.FundingRateFactor = 0
	p.StableFundingRateFactor = 0
	return p
}

func newFixture(t *testing.T, params asset.Params) *fixture {
	t.Helper()
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
	return &fixture{
		registry: registry,
		gateway:  gateway,
		ledger:   NewLedger(registry, gateway, zerolog.Nop()),
		receiver: uuid.New(),
	}
}

func (f *fixture) commit(t *testing.T, now time.Time, prices map[string]int64) {
	t.Helper()
	out := make(map[string]*big.Int, len(prices))
	for symbol, dollars := range prices {
		out[symbol] = fixed.USD(dollars)
	}
	if err := f.gateway.CommitPrices(out, now); err != nil {
		t.Fatalf("CommitPrices: %v", err)
	}
}

func eqBig(t *testing.T, name string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}

func eqInt(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	eqBig(t, name, got, big.NewInt(want))
}

func TestBuyStableMintsNetOfFee(t *testing.T) {
	f := newFixture(t, testParams())
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	// 0.01 BTC at 40000 is 400 USD gross; the 30 bps mint fee is taken in
	// tokens before valuation.
	minted, err := f.ledger.BuyStable("BTC", big.NewInt(1_000_000), f.receiver, baseTime)
	if err != nil {
		t.Fatalf("BuyStable: %v", err)
	}

	wantMinted := fixed.USDCents(39_880) // 398.80 USD
	eqBig(t, "minted", minted, wantMinted)

	s := f.ledger.State("BTC")
	eqInt(t, "pool", s.PoolAmount, 997_000)
	eqInt(t, "fee reserve", s.FeeReserve, 3_000)
	eqBig(t, "stable debt", s.StableDebt, wantMinted)
	eqBig(t, "total stable debt", f.ledger.TotalStableDebt(), wantMinted)
}

func TestBuyStableRejectsBadInput(t *testing.T) {
	f := newFixture(t, testParams())
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	if _, err := f.ledger.BuyStable("DOGE", big.NewInt(1), f.receiver, baseTime); !errors.Is(err, ErrAssetNotWhitelisted) {
		t.Errorf("unlisted asset: got %v, want ErrAssetNotWhitelisted", err)
	}
	if _, err := f.ledger.BuyStable("BTC", big.NewInt(0), f.receiver, baseTime); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v, want ErrInvalidAmount", err)
	}
}

func TestBuyStableRespectsDebtCap(t *testing.T) {
	f := newFixture(t, testParams())
	cfg, _ := f.registry.Get("BTC")
	capped := *cfg
	capped.MaxStableDebt = fixed.USD(100)
	if err := f.registry.Set(&capped); err != nil {
		t.Fatalf("Set: %v", err)
	}
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	// 400 USD gross against a 100 USD cap.
	if _, err := f.ledger.BuyStable("BTC", big.NewInt(1_000_000), f.receiver, baseTime); !errors.Is(err, ErrMaxStableDebtExceeded) {
		t.Fatalf("got %v, want ErrMaxStableDebtExceeded", err)
	}
	eqInt(t, "stable debt after rejection", f.ledger.State("BTC").StableDebt, 0)
}

func TestSellStableRoundTrip(t *testing.T) {
	f := newFixture(t, testParams())
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	if _, err := f.ledger.BuyStable("BTC", big.NewInt(1_000_000), f.receiver, baseTime); err != nil {
		t.Fatalf("BuyStable: %v", err)
	}

	// Burn 100 USD: 250000 token units redeemed, 30 bps burn fee in tokens.
	out, err := f.ledger.SellStable("BTC", fixed.USD(100), f.receiver, baseTime)
	if err != nil {
		t.Fatalf("SellStable: %v", err)
	}
	eqInt(t, "amount out", out, 249_250)

	s := f.ledger.State("BTC")
	eqInt(t, "pool", s.PoolAmount, 747_000)
	eqInt(t, "fee reserve", s.FeeReserve, 3_750)

	// Debt went from 398.80 to 298.80 USD.
	eqBig(t, "stable debt", s.StableDebt, fixed.USDCents(29_880))

	// Burning more than the remaining debt fails.
	if _, err := f.ledger.SellStable("BTC", fixed.USD(500), f.receiver, baseTime); !errors.Is(err, ErrInsufficientStableDebt) {
		t.Errorf("overburn: got %v, want ErrInsufficientStableDebt", err)
	}

	// Unlisted symbols are rejected before any state is touched.
	if _, err := f.ledger.SellStable("DOGE", fixed.USD(1), f.receiver, baseTime); !errors.Is(err, ErrAssetNotWhitelisted) {
		t.Errorf("unlisted asset: got %v, want ErrAssetNotWhitelisted", err)
	}
}

func TestSellStableBoundedByRedemptionCollateral(t *testing.T) {
	f := newFixture(t, testParams())
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	if _, err := f.ledger.BuyStable("BTC", big.NewInt(1_000_000), f.receiver, baseTime); err != nil {
		t.Fatalf("BuyStable: %v", err)
	}

	// Reserve most of the pool; free collateral drops to 38.8 USD.
	if err := f.ledger.Reserve("BTC", big.NewInt(900_000)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := f.ledger.SellStable("BTC", fixed.USD(100), f.receiver, baseTime); !errors.Is(err, ErrRedemptionExceedsPool) {
		t.Fatalf("got %v, want ErrRedemptionExceedsPool", err)
	}
}

func TestReserveAccounting(t *testing.T) {
	f := newFixture(t, testParams())
	f.ledger.IncreasePool("BTC", big.NewInt(1_000))

	if err := f.ledger.Reserve("BTC", big.NewInt(1_500)); !errors.Is(err, ErrReserveExceedsPool) {
		t.Errorf("over-reserve: got %v, want ErrReserveExceedsPool", err)
	}
	if err := f.ledger.Reserve("BTC", big.NewInt(600)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := f.ledger.DecreasePool("BTC", big.NewInt(500)); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("debit into reserve: got %v, want ErrPoolExhausted", err)
	}
	if err := f.ledger.Unreserve("BTC", big.NewInt(700)); !errors.Is(err, ErrUnreserveExceedsReserve) {
		t.Errorf("over-release: got %v, want ErrUnreserveExceedsReserve", err)
	}
	if err := f.ledger.Unreserve("BTC", big.NewInt(600)); err != nil {
		t.Fatalf("Unreserve: %v", err)
	}
	eqInt(t, "reserved", f.ledger.State("BTC").ReservedAmount, 0)
}

func TestCollateralHeldBackstoppedByPool(t *testing.T) {
	f := newFixture(t, testParams())
	f.ledger.IncreasePool("BTC", big.NewInt(10_000))
	f.ledger.CreditCollateralHeld("BTC", big.NewInt(1_000))

	// Dust shortfall comes out of the pool.
	if err := f.ledger.DebitCollateralHeld("BTC", big.NewInt(1_500)); err != nil {
		t.Fatalf("DebitCollateralHeld: %v", err)
	}
	s := f.ledger.State("BTC")
	eqInt(t, "collateral held", s.CollateralHeld, 0)
	eqInt(t, "pool", s.PoolAmount, 9_500)

	// A shortfall the pool cannot cover fails.
	if err := f.ledger.DebitCollateralHeld("BTC", big.NewInt(50_000)); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("got %v, want ErrPoolExhausted", err)
	}
}

func TestCollectFeesDrainsReserve(t *testing.T) {
	f := newFixture(t, testParams())
	f.ledger.AddFeeReserve("BTC", big.NewInt(4_200))

	eqInt(t, "collected", f.ledger.CollectFees("BTC"), 4_200)
	eqInt(t, "reserve after", f.ledger.State("BTC").FeeReserve, 0)
	eqInt(t, "second collect", f.ledger.CollectFees("BTC"), 0)
}

func TestAccrueFundingTracksUtilization(t *testing.T) {
	params := asset.DefaultParams() // FundingRateFactor 600, interval 3600
	f := newFixture(t, params)
	f.ledger.IncreasePool("BTC", big.NewInt(1_000_000))
	if err := f.ledger.Reserve("BTC", big.NewInt(250_000)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// First call only anchors the funding clock.
	if err := f.ledger.AccrueFunding("BTC", baseTime); err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	eqInt(t, "rate after anchor", f.ledger.CumulativeFundingRate("BTC"), 0)

	// Two intervals later: 600 * 250000 * 2 / 1000000.
	if err := f.ledger.AccrueFunding("BTC", baseTime.Add(2*time.Hour)); err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	eqInt(t, "rate after two intervals", f.ledger.CumulativeFundingRate("BTC"), 300)

	// Repeat inside the same interval is a no-op.
	if err := f.ledger.AccrueFunding("BTC", baseTime.Add(2*time.Hour+time.Minute)); err != nil {
		t.Fatalf("AccrueFunding: %v", err)
	}
	eqInt(t, "rate unchanged", f.ledger.CumulativeFundingRate("BTC"), 300)

	eqInt(t, "utilization", f.ledger.Utilization("BTC"), 250_000)
}

func TestDynamicFeeBasisPoints(t *testing.T) {
	params := testParams()
	params.HasDynamicFees = true
	f := newFixture(t, params)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000})

	// With zero total debt the target is zero and the base fee applies.
	if got := f.ledger.FeeBasisPoints("BTC", fixed.USD(100), 30, 50, true); got != 30 {
		t.Errorf("fee with zero debt = %d, want 30", got)
	}

	// Mint 398.8 USD against BTC. Its target share is half of that, so BTC
	// is overweight: further minting pays the full tax, burning earns a
	// rebate larger than the base fee.
	if _, err := f.ledger.BuyStable("BTC", big.NewInt(1_000_000), f.receiver, baseTime); err != nil {
		t.Fatalf("BuyStable: %v", err)
	}
	if got := f.ledger.FeeBasisPoints("BTC", fixed.USD(100), 30, 50, true); got != 80 {
		t.Errorf("fee moving away from target = %d, want 80", got)
	}
	if got := f.ledger.FeeBasisPoints("BTC", fixed.USD(100), 30, 50, false); got != 0 {
		t.Errorf("fee moving toward target = %d, want 0", got)
	}
}

func TestStableMintUsesStableTax(t *testing.T) {
	params := testParams()
	params.HasDynamicFees = true
	f := newFixture(t, params)
	f.commit(t, baseTime, map[string]int64{"BTC": 40_000, "USDC": 1})

	// Seed debt on BTC so USDC has a nonzero target share.
	if _, err := f.ledger.BuyStable("BTC", big.NewInt(1_000_000), f.receiver, baseTime); err != nil {
		t.Fatalf("BuyStable(BTC): %v", err)
	}

	// USDC sits at zero debt, fully under target, so minting earns the full
	// rebate. The stable tax (20 bps) leaves 10 bps of the 30 bps base fee;
	// the general tax (50 bps) would have zeroed the fee entirely.
	minted, err := f.ledger.BuyStable("USDC", big.NewInt(100_000_000), f.receiver, baseTime)
	if err != nil {
		t.Fatalf("BuyStable(USDC): %v", err)
	}
	eqBig(t, "minted", minted, fixed.USDCents(9_990))
	eqInt(t, "fee reserve", f.ledger.State("USDC").FeeReserve, 100_000)
}
