package risk

import "github.com/you/dex-aggregator/internal/config"

// SlippagePolicy clamps the user's slippage tolerance. Low-liquidity pools
// (judged by quoted price impact) get the floor enforced so trades are not
// rejected by a tolerance tighter than the pool can honor.
type SlippagePolicy struct {
	cfg *config.Config
}

func NewSlippagePolicy(cfg *config.Config) *SlippagePolicy {
	return &SlippagePolicy{cfg: cfg}
}

func (p *SlippagePolicy) Effective(tolerancePct, priceImpactPct float64) float64 {
	if tolerancePct <= 0 {
		tolerancePct = p.cfg.Slippage.DefaultPct
	}
	if priceImpactPct >= p.cfg.Slippage.LowLiquidityImpactPct && tolerancePct < p.cfg.Slippage.FloorPct {
		return p.cfg.Slippage.FloorPct
	}
	return tolerancePct
}
