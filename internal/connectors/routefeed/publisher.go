// Package routefeed publishes ranked aggregation results to Redis so
// external dashboards can watch best routes without hitting the API.
package routefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/you/dex-aggregator/internal/config"
	"github.com/you/dex-aggregator/internal/dex/core"
)

type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(cfg *config.Config) *Publisher {
	return &Publisher{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		DB:       cfg.Redis.DB,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
	})}
}

// NewPublisherWithClient wires an existing client, used by tests.
func NewPublisherWithClient(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// PublishBest stores the best route for a pair in a hash and refreshes the
// pair's score in the active-pairs ZSET.
func (p *Publisher) PublishBest(ctx context.Context, tokenIn, tokenOut string, best core.Route) error {
	pair := tokenIn + ":" + tokenOut
	routeJSON, err := json.Marshal(best)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}
	tsMs := time.Now().UnixMilli()

	key := "route:best:" + pair
	if err := p.rdb.HSet(ctx, key, map[string]interface{}{
		"pair":       pair,
		"venue":      string(best.Venue),
		"amount_out": best.AmountOut,
		"route":      string(routeJSON),
		"ts_ms":      tsMs,
	}).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}

	return p.rdb.ZAdd(ctx, "route:active", redis.Z{
		Score:  float64(tsMs),
		Member: pair,
	}).Err()
}

func (p *Publisher) Close() error { return p.rdb.Close() }
