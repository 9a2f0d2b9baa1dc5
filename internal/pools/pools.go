// Package pools fetches the liquidity pool list from the REST registry and
// caches it in-process. Pool reserves move on every trade, so the cache is
// bounded by a TTL and refreshed lazily; consumers always get an answer,
// possibly one refresh behind.
package pools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	imetrics "github.com/you/dex-aggregator/internal/metrics"
)

// Descriptor is one pool as reported by the registry endpoint. Virtual
// reserves drive pricing and ratio checks; real reserves are the settled
// balances and are informational here.
type Descriptor struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	TokenA   string `json:"tokenA"`
	TokenB   string `json:"tokenB"`
	AddressA string `json:"addressA"` // on-chain token contract behind TokenA
	AddressB string `json:"addressB"`
	DecimalsA int   `json:"decimalsA"`
	DecimalsB int   `json:"decimalsB"`

	VirtualReserveA string `json:"virtualReserveA"`
	VirtualReserveB string `json:"virtualReserveB"`
	RealReserveA    string `json:"realReserveA"`
	RealReserveB    string `json:"realReserveB"`
}

const DefaultTTL = time.Hour

type Cache struct {
	log    *zap.Logger
	client *http.Client
	url    string
	ttl    time.Duration

	mu         sync.Mutex
	cond       *sync.Cond
	pools      []Descriptor
	fetchedAt  time.Time
	loaded     bool
	loading    bool
	refreshing bool

	now func() time.Time
}

func NewCache(log *zap.Logger, url string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		ttl:    ttl,
		now:    time.Now,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Pools returns the cached pool list. The first call blocks on a fetch;
// afterwards a stale list is served immediately while a single background
// refresh runs. Concurrent callers never trigger more than one fetch,
// cold start included: one caller is elected to load and the rest wait.
func (c *Cache) Pools(ctx context.Context) ([]Descriptor, error) {
	c.mu.Lock()
	for !c.loaded && c.loading {
		c.cond.Wait()
	}
	if !c.loaded {
		return c.initialLoad(ctx)
	}
	fresh := c.now().Sub(c.fetchedAt) < c.ttl
	cur := c.pools
	if !fresh && !c.refreshing {
		c.refreshing = true
		go c.refresh()
	}
	c.mu.Unlock()
	return cur, nil
}

// initialLoad runs the blocking first fetch. Entered with mu held by the
// caller elected to load; a failed load wakes the waiters so the next one
// retries.
func (c *Cache) initialLoad(ctx context.Context) ([]Descriptor, error) {
	c.loading = true
	c.mu.Unlock()

	list, status, err := c.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	c.cond.Broadcast()

	if err != nil {
		return nil, err
	}
	if status == http.StatusTooManyRequests {
		return nil, fmt.Errorf("pool registry rate limited on first load")
	}
	if !c.loaded {
		c.pools = list
		c.fetchedAt = c.now()
		c.loaded = true
	}
	return c.pools, nil
}

func (c *Cache) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	list, status, err := c.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing = false

	switch {
	case status == http.StatusTooManyRequests:
		// Rate limited: keep what we have and back off a full TTL.
		c.fetchedAt = c.now()
		c.log.Warn("pool registry rate limited, extending cached list")
	case err != nil:
		c.log.Warn("pool list refresh failed", zap.Error(err))
	default:
		c.pools = list
		c.fetchedAt = c.now()
		imetrics.PoolCacheRefreshes.Inc()
		c.log.Debug("pool list refreshed", zap.Int("pools", len(list)))
	}
}

func (c *Cache) fetch(ctx context.Context) ([]Descriptor, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build pool request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch pools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("pool registry status %d", resp.StatusCode)
	}

	var list []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode pool list: %w", err)
	}
	return list, resp.StatusCode, nil
}
