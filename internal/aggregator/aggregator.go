// Package aggregator fans a quote request out to every enabled venue
// adapter, bounds the wait with one aggregation-wide timeout, and re-ranks
// the merged quotes under a single deterministic comparison rule.
package aggregator

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/dex/core"
	imetrics "github.com/you/dex-aggregator/internal/metrics"
	"github.com/you/dex-aggregator/internal/token"
)

// DefaultTimeout bounds one aggregation round when the caller passes zero.
const DefaultTimeout = 5 * time.Second

type Aggregator struct {
	log *zap.Logger
	reg *token.Registry
}

func New(log *zap.Logger, reg *token.Registry) *Aggregator {
	return &Aggregator{log: log, reg: reg}
}

// Aggregate queries every enabled venue concurrently and returns the merged,
// ranked routes. Partial results are valid results: adapters that fail or
// miss the timeout simply contribute zero quotes. An empty slice with a nil
// error means no venue has liquidity for the pair.
func (g *Aggregator) Aggregate(ctx context.Context, tokenIn, tokenOut token.Token, amountIn string, venues []core.VenueID, timeout time.Duration) ([]core.Route, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	adapters := core.Enabled(venues)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no venues enabled")
	}

	started := time.Now()
	results := make(chan []*core.Quote, len(adapters))
	for _, a := range adapters {
		a := a
		go func() {
			results <- g.quoteVenue(ctx, a, tokenIn, tokenOut, amountIn)
		}()
	}

	// Bounded wait, not cancellation: stragglers keep running but their
	// results are discarded.
	var quotes []*core.Quote
	timer := time.NewTimer(timeout)
	defer timer.Stop()
collect:
	for i := 0; i < len(adapters); i++ {
		select {
		case qs := <-results:
			quotes = append(quotes, qs...)
		case <-timer.C:
			imetrics.AggregationTimeouts.Inc()
			g.log.Warn("aggregation timeout; returning partial results",
				zap.Duration("timeout", timeout),
				zap.Int("venues_done", i),
				zap.Int("venues_total", len(adapters)))
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	routes := Rank(quotes)
	imetrics.RoutesReturned.Observe(float64(len(routes)))
	imetrics.AggregationLatency.Observe(time.Since(started).Seconds())

	if len(routes) == 0 {
		g.log.Info("no liquidity found for pair",
			zap.String("token_in", tokenIn.ID),
			zap.String("token_out", tokenOut.ID),
			zap.String("amount_in", amountIn))
	}
	return routes, nil
}

// quoteVenue runs one adapter's discovery and quoting. All failures are
// absorbed here: a failing venue contributes zero quotes, never an error.
func (g *Aggregator) quoteVenue(ctx context.Context, a core.Adapter, tokenIn, tokenOut token.Token, amountIn string) []*core.Quote {
	if !a.IsAvailable(ctx) {
		return nil
	}
	candidates, err := a.DiscoverRoutes(ctx, tokenIn, tokenOut)
	if err != nil {
		imetrics.AdapterErrors.WithLabelValues(string(a.ID())).Inc()
		g.log.Warn("route discovery failed", zap.String("venue", string(a.ID())), zap.Error(err))
		return nil
	}

	var out []*core.Quote
	for _, cand := range candidates {
		q, err := a.Quote(ctx, cand, amountIn)
		if err != nil {
			imetrics.AdapterErrors.WithLabelValues(string(a.ID())).Inc()
			g.log.Warn("quote failed", zap.String("venue", string(a.ID())), zap.Error(err))
			continue
		}
		if q == nil {
			continue // no liquidity on this path
		}
		out = append(out, q)
	}
	return out
}

// Rank sorts quotes descending by output amount (exact decimal comparison),
// breaking ties by lower price impact, then by venue registration order, and
// wraps them with best-price and savings annotations.
func Rank(quotes []*core.Quote) []core.Route {
	sort.SliceStable(quotes, func(i, j int) bool {
		cmp := compareDecimal(quotes[i].AmountOut, quotes[j].AmountOut)
		if cmp != 0 {
			return cmp > 0
		}
		if quotes[i].PriceImpactPct != quotes[j].PriceImpactPct {
			return quotes[i].PriceImpactPct < quotes[j].PriceImpactPct
		}
		return core.RegistrationIndex(quotes[i].Venue) < core.RegistrationIndex(quotes[j].Venue)
	})

	routes := make([]core.Route, 0, len(quotes))
	var best *big.Rat
	for i, q := range quotes {
		r := core.Route{
			Quote:       *q,
			IsBestPrice: i == 0,
			Confidence:  core.ConfidenceFor(q.PriceImpactPct),
		}
		out, ok := new(big.Rat).SetString(q.AmountOut)
		if i == 0 {
			if ok {
				best = out
			}
		} else if ok && best != nil && best.Sign() > 0 {
			// (best - this) / best * 100, rendered to 2 decimal places.
			diff := new(big.Rat).Sub(best, out)
			pct := new(big.Rat).Mul(new(big.Rat).Quo(diff, best), big.NewRat(100, 1))
			s := pct.FloatString(2)
			r.SavingsVsBest = &s
		}
		routes = append(routes, r)
	}
	return routes
}

func compareDecimal(a, b string) int {
	ra, okA := new(big.Rat).SetString(a)
	rb, okB := new(big.Rat).SetString(b)
	if !okA || !okB {
		return 0
	}
	return ra.Cmp(rb)
}
