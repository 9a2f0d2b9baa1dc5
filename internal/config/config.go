package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type VenueCfg struct {
	Router    string   `yaml:"router"`
	Factory   string   `yaml:"factory"`
	Quoter    string   `yaml:"quoter"`
	Multicall string   `yaml:"multicall"`
	FeeTiers  []uint32 `yaml:"fee_tiers"`
	// MultiHopRouter marks a V2-style router whose swap call accepts a
	// 3-address path atomically; without it 2-hop routes fall back to two
	// sequential transactions.
	MultiHopRouter bool `yaml:"multi_hop_router"`
}

type RedisCfg struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type FXCfg struct {
	HubCurrency       string  `yaml:"hub_currency"`
	NativePool        string  `yaml:"native_pool"`
	PoolsURL          string  `yaml:"pools_url"`
	FeePerHopBps      int     `yaml:"fee_per_hop_bps"`
	RatioTolerancePct float64 `yaml:"ratio_tolerance_pct"`
}

type Config struct {
	DryRun bool `yaml:"dry_run"`

	Chain struct {
		RPCHTTP      string `yaml:"rpc_http"`
		RPCWS        string `yaml:"rpc_ws"`
		WalletPK     string `yaml:"wallet_pk"`
		GasLimitSwap uint64 `yaml:"gas_limit_swap"`
	} `yaml:"chain"`

	Tokens struct {
		ListURL       string `yaml:"list_url"`
		WrappedNative string `yaml:"wrapped_native"` // on-chain address of the wrapped native token
		NativeSymbol  string `yaml:"native_symbol"`
	} `yaml:"tokens"`

	DEX struct {
		Venues     []string            `yaml:"venues"`     // enabled venues, registration order
		Connectors []string            `yaml:"connectors"` // ordered connector token IDs for 2-hop routing
		ByVenue    map[string]VenueCfg `yaml:"by_venue"`
	} `yaml:"dex"`

	Aggregator struct {
		TimeoutMs int `yaml:"timeout_ms"`
	} `yaml:"aggregator"`

	Slippage struct {
		DefaultPct float64 `yaml:"default_pct"`
		FloorPct   float64 `yaml:"floor_pct"`
		// Price impact above this marks a pool as low-liquidity and
		// triggers the slippage floor.
		LowLiquidityImpactPct float64 `yaml:"low_liquidity_impact_pct"`
	} `yaml:"slippage"`

	Pools struct {
		URL        string `yaml:"url"`
		CacheTTLMs int    `yaml:"cache_ttl_ms"`
	} `yaml:"pools"`

	FX FXCfg `yaml:"fx"`

	PriceFeed struct {
		WsURL        string  `yaml:"ws_url"`
		NativeSymbol string  `yaml:"native_symbol"` // ticker symbol for the native asset, e.g. HBARUSDT
		StaticUSD    float64 `yaml:"static_usd"`    // fallback when no feed is configured
	} `yaml:"price_feed"`

	Redis RedisCfg `yaml:"redis"`

	API struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"api"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.ApplyDefaults()
	return &c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Aggregator.TimeoutMs == 0 {
		c.Aggregator.TimeoutMs = 5000
	}
	if c.Slippage.DefaultPct == 0 {
		c.Slippage.DefaultPct = 0.5
	}
	if c.Slippage.FloorPct == 0 {
		c.Slippage.FloorPct = 1.0
	}
	if c.Slippage.LowLiquidityImpactPct == 0 {
		c.Slippage.LowLiquidityImpactPct = 2.0
	}
	if c.Pools.CacheTTLMs == 0 {
		c.Pools.CacheTTLMs = int(time.Hour / time.Millisecond)
	}
	if c.FX.FeePerHopBps == 0 {
		c.FX.FeePerHopBps = 30
	}
	if c.FX.RatioTolerancePct == 0 {
		c.FX.RatioTolerancePct = 2.0
	}
	if c.Chain.GasLimitSwap == 0 {
		c.Chain.GasLimitSwap = 400_000
	}
	if len(c.DEX.Venues) == 0 {
		c.DEX.Venues = []string{"saucerswap_v1", "saucerswap_v2", "pangolin"}
	}
}

func (c *Config) AggregatorTimeout() time.Duration {
	return time.Duration(c.Aggregator.TimeoutMs) * time.Millisecond
}

func (c *Config) PoolCacheTTL() time.Duration {
	return time.Duration(c.Pools.CacheTTLMs) * time.Millisecond
}

func (c *Config) Venue(id string) VenueCfg {
	return c.DEX.ByVenue[id]
}
