package core

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/you/dex-aggregator/internal/token"
)

type VenueID string

const (
	VenueSaucerSwapV1 VenueID = "saucerswap_v1"
	VenueSaucerSwapV2 VenueID = "saucerswap_v2"
	VenuePangolin     VenueID = "pangolin"
)

// RouteCandidate is one feasible path on a single venue. Path holds token
// IDs and Addrs the matching on-chain addresses, both after native
// normalization; Pools holds the pool contract per hop. len(Path)-1 is the
// hop count and never exceeds 2.
type RouteCandidate struct {
	Venue    VenueID
	Path     []string
	Addrs    []common.Address
	Pools    []common.Address
	FeeTiers []uint32 // per hop; empty on constant-product venues

	// Whether the original (pre-normalization) legs were the native asset.
	NativeIn  bool
	NativeOut bool
}

func (rc RouteCandidate) Hops() int { return len(rc.Path) - 1 }

// Legs splits a candidate into its single-hop components. Used by the
// legacy sequential execution fallback; native flags stay on the outer legs.
func (rc RouteCandidate) Legs() []RouteCandidate {
	legs := make([]RouteCandidate, 0, rc.Hops())
	for i := 0; i < rc.Hops(); i++ {
		leg := RouteCandidate{
			Venue:     rc.Venue,
			Path:      []string{rc.Path[i], rc.Path[i+1]},
			Addrs:     []common.Address{rc.Addrs[i], rc.Addrs[i+1]},
			Pools:     []common.Address{rc.Pools[i]},
			NativeIn:  rc.NativeIn && i == 0,
			NativeOut: rc.NativeOut && i == rc.Hops()-1,
		}
		if len(rc.FeeTiers) > i {
			leg.FeeTiers = []uint32{rc.FeeTiers[i]}
		}
		legs = append(legs, leg)
	}
	return legs
}

// Quote is an immutable value object created fresh per request. Amounts are
// decimal strings in venue-agnostic units.
type Quote struct {
	Venue          VenueID  `json:"venue"`
	TokenIn        string   `json:"tokenIn"`
	TokenOut       string   `json:"tokenOut"`
	AmountIn       string   `json:"amountIn"`
	AmountOut      string   `json:"amountOut"`
	Rate           float64  `json:"rate"`
	PriceImpactPct float64  `json:"priceImpact"`
	FeePct         float64  `json:"fee"`
	Path           []string `json:"path"`
	GasUSD         float64  `json:"gasEstimateUSD"`

	Candidate RouteCandidate `json:"-"`
}

// SwapCall is one on-chain mutation: target contract, calldata and attached
// native value (non-zero only when the input leg is the native asset).
type SwapCall struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Adapter is the per-venue capability set. A nil quote with a nil error
// means the path has no liquidity; errors are reserved for reverted calls
// and transport failures.
type Adapter interface {
	ID() VenueID
	IsAvailable(ctx context.Context) bool
	DiscoverRoutes(ctx context.Context, tokenIn, tokenOut token.Token) ([]RouteCandidate, error)
	Quote(ctx context.Context, route RouteCandidate, amountIn string) (*Quote, error)

	// Execution surface.
	Spender() common.Address
	SupportsMultiHop() bool
	BuildSwap(route RouteCandidate, amountIn, minOut *big.Int, recipient common.Address, deadline time.Time) (SwapCall, error)
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Route wraps a Quote with its global ranking annotations.
type Route struct {
	Quote
	IsBestPrice   bool       `json:"isBestPrice"`
	SavingsVsBest *string    `json:"savingsVsBest,omitempty"`
	Confidence    Confidence `json:"confidence"`
}

// ConfidenceFor derives the tier from the quote's own price impact.
func ConfidenceFor(impactPct float64) Confidence {
	switch {
	case impactPct < 0.5:
		return ConfidenceHigh
	case impactPct < 2.0:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
