package valuation

import (
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"perpvault/internal/asset"
	"perpvault/internal/fixed"
	"perpvault/internal/oracle"
	"perpvault/internal/pool"
	"perpvault/internal/position"
)

// Valuer computes the USD value of everything the vault owes liquidity
// providers: pool token holdings plus the guaranteed long notional, adjusted
// by the aggregate short book's unrealized PnL.
type Valuer struct {
	registry *asset.Registry
	ledger   *pool.Ledger
	gateway  *oracle.Gateway
	book     *position.Book
	log      zerolog.Logger
}

func NewValuer(registry *asset.Registry, ledger *pool.Ledger, gateway *oracle.Gateway, book *position.Book, log zerolog.Logger) *Valuer {
	return &Valuer{
		registry: registry,
		ledger:   ledger,
		gateway:  gateway,
		book:     book,
		log:      log,
	}
}

// AUM values assets under management at either the bid (maximize=false) or
// ask (maximize=true) side of every price. Short losses add to AUM, short
// profits deduct from it; the result never goes below zero.
func (v *Valuer) AUM(maximize bool, now time.Time) (*big.Int, error) {
	aum := new(big.Int)
	shortProfits := new(big.Int)

	for _, symbol := range v.registry.Symbols() {
		cfg, ok := v.registry.Get(symbol)
		if !ok {
			continue
		}
		price, err := v.gateway.LatestPrice(symbol, maximize, true, now)
		if err != nil {
			return nil, err
		}
		state := v.ledger.State(symbol)
		aum.Add(aum, fixed.MulDiv(state.PoolAmount, price, cfg.TokenUnit()))

		if cfg.IsStable {
			continue
		}
		aum.Add(aum, state.GuaranteedUSD)

		gs, ok := v.book.ShortState(symbol)
		if !ok || gs.Size.Sign() == 0 || gs.AveragePrice.Sign() == 0 {
			continue
		}
		priceDelta := fixed.AbsDiff(gs.AveragePrice, price)
		delta := fixed.MulDiv(gs.Size, priceDelta, gs.AveragePrice)
		if price.Cmp(gs.AveragePrice) > 0 {
			// Shorts are losing; their loss belongs to the pool.
			aum.Add(aum, delta)
		} else {
			shortProfits.Add(shortProfits, delta)
		}
	}

	if aum.Cmp(shortProfits) <= 0 {
		return new(big.Int), nil
	}
	return aum.Sub(aum, shortProfits), nil
}

// AUMPerShare divides AUM by the outstanding stable debt, scaled to price
// precision. A vault with no debt values each share at the peg.
func (v *Valuer) AUMPerShare(maximize bool, now time.Time) (*big.Int, error) {
	supply := v.ledger.TotalStableDebt()
	if supply.Sign() == 0 {
		return fixed.Clone(fixed.PricePrecision), nil
	}
	aum, err := v.AUM(maximize, now)
	if err != nil {
		return nil, err
	}
	return fixed.MulDiv(aum, fixed.PricePrecision, supply), nil
}
