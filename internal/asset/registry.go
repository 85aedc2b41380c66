package asset

import (
	"fmt"
	"math/big"

	"perpvault/internal/fixed"
)

// Config holds the per-token whitelist entry. Immutable between governance
// updates; the core reads it, never writes it.
type Config struct {
	Symbol        string
	Decimals      uint8
	Weight        int64    // target pool weight, relative to TotalWeights
	MinProfitBps  int64    // profit below this band is not recognized
	MaxStableDebt *big.Int // USD cap on stable debt backed by this token; nil = unlimited
	IsStable      bool
	IsShortable   bool
}

// TokenUnit returns 10^decimals for the asset.
func (c *Config) TokenUnit() *big.Int {
	return fixed.Exp10(int(c.Decimals))
}

// Params holds the governance-set engine parameters. Read by the core as
// immutable-until-changed configuration.
type Params struct {
	TaxBps                  int64
	StableTaxBps            int64 // tax applied to mint/burn flows on stable assets
	MintBurnFeeBps          int64
	MarginFeeBps            int64
	LiquidationFeeUSD       *big.Int // 1e30 USD
	MaxLeverage             int64    // basis points: 500_000 = 50x
	FundingInterval         int64    // seconds
	FundingRateFactor       int64
	StableFundingRateFactor int64
	MinProfitTime           int64 // seconds a fresh increase stays inside the min-profit band
	HasDynamicFees          bool
	IsLeverageEnabled       bool
}

const (
	maxFeeBps            = 500 // 5%
	maxFundingRateFactor = 10_000
	minLeverageBps       = fixed.BasisPointsDivisor // 1x
)

var maxLiquidationFeeUSD = fixed.USD(100)

// ValidateParams checks governance parameters against hard caps.
func ValidateParams(p *Params) error {
	for name, bps := range map[string]int64{
		"tax":        p.TaxBps,
		"stable_tax": p.StableTaxBps,
		"mint_burn":  p.MintBurnFeeBps,
		"margin":     p.MarginFeeBps,
	} {
		if bps < 0 || bps > maxFeeBps {
			return fmt.Errorf("%s fee bps out of range: %d", name, bps)
		}
	}
	if p.LiquidationFeeUSD == nil || p.LiquidationFeeUSD.Sign() < 0 {
		return fmt.Errorf("liquidation fee must be set and non-negative")
	}
	if p.LiquidationFeeUSD.Cmp(maxLiquidationFeeUSD) > 0 {
		return fmt.Errorf("liquidation fee exceeds cap: %s", p.LiquidationFeeUSD)
	}
	if p.MaxLeverage <= minLeverageBps {
		return fmt.Errorf("max leverage must exceed 1x, got %d bps", p.MaxLeverage)
	}
	if p.FundingInterval <= 0 {
		return fmt.Errorf("funding interval must be positive, got %d", p.FundingInterval)
	}
	if p.FundingRateFactor < 0 || p.FundingRateFactor > maxFundingRateFactor {
		return fmt.Errorf("funding rate factor out of range: %d", p.FundingRateFactor)
	}
	if p.StableFundingRateFactor < 0 || p.StableFundingRateFactor > maxFundingRateFactor {
		return fmt.Errorf("stable funding rate factor out of range: %d", p.StableFundingRateFactor)
	}
	if p.MinProfitTime < 0 {
		return fmt.Errorf("min profit time must be non-negative, got %d", p.MinProfitTime)
	}
	return nil
}

// DefaultParams mirrors the engine's launch configuration.
func DefaultParams() Params {
	return Params{
		TaxBps:                  50, // 0.5%
		StableTaxBps:            20,
		MintBurnFeeBps:          30,
		MarginFeeBps:            10, // 0.1%
		LiquidationFeeUSD:       fixed.USD(5),
		MaxLeverage:             50 * fixed.BasisPointsDivisor,
		FundingInterval:         3600,
		FundingRateFactor:       600,
		StableFundingRateFactor: 600,
		MinProfitTime:           0,
		HasDynamicFees:          false,
		IsLeverageEnabled:       true,
	}
}

// Registry holds the whitelist and the engine parameters. Iteration order is
// whitelist insertion order, which keeps aggregate computations (AUM)
// deterministic.
type Registry struct {
	configs      map[string]*Config
	order        []string
	totalWeights int64
	params       Params
}

func NewRegistry(params Params) (*Registry, error) {
	if err := ValidateParams(&params); err != nil {
		return nil, err
	}
	return &Registry{
		configs: make(map[string]*Config),
		params:  params,
	}, nil
}

// Set whitelists a token or updates an existing entry.
func (r *Registry) Set(cfg *Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("asset symbol must not be empty")
	}
	if cfg.Decimals > 30 {
		return fmt.Errorf("asset %s: decimals out of range: %d", cfg.Symbol, cfg.Decimals)
	}
	if cfg.Weight <= 0 {
		return fmt.Errorf("asset %s: weight must be positive, got %d", cfg.Symbol, cfg.Weight)
	}
	if cfg.MinProfitBps < 0 || cfg.MinProfitBps > maxFeeBps {
		return fmt.Errorf("asset %s: min profit bps out of range: %d", cfg.Symbol, cfg.MinProfitBps)
	}
	if cfg.IsStable && cfg.IsShortable {
		return fmt.Errorf("asset %s: stable assets cannot be shortable", cfg.Symbol)
	}

	if prev, ok := r.configs[cfg.Symbol]; ok {
		r.totalWeights -= prev.Weight
	} else {
		r.order = append(r.order, cfg.Symbol)
	}
	r.configs[cfg.Symbol] = cfg
	r.totalWeights += cfg.Weight
	return nil
}

// Remove delists a token. Existing pool state for the token is untouched;
// delisting only stops new activity.
func (r *Registry) Remove(symbol string) {
	cfg, ok := r.configs[symbol]
	if !ok {
		return
	}
	r.totalWeights -= cfg.Weight
	delete(r.configs, symbol)
	for i, s := range r.order {
		if s == symbol {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(symbol string) (*Config, bool) {
	cfg, ok := r.configs[symbol]
	return cfg, ok
}

// Symbols returns whitelisted symbols in insertion order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) TotalWeights() int64 {
	return r.totalWeights
}

func (r *Registry) Params() *Params {
	return &r.params
}

// UpdateParams replaces the engine parameters after validation.
func (r *Registry) UpdateParams(p Params) error {
	if err := ValidateParams(&p); err != nil {
		return err
	}
	r.params = p
	return nil
}
