package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/aggregator"
	"github.com/you/dex-aggregator/internal/api"
	"github.com/you/dex-aggregator/internal/config"
	"github.com/you/dex-aggregator/internal/connectors/pricefeed"
	"github.com/you/dex-aggregator/internal/connectors/routefeed"
	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/dex/cpamm"
	"github.com/you/dex-aggregator/internal/dex/evm"
	"github.com/you/dex-aggregator/internal/dex/saucerv2"
	"github.com/you/dex-aggregator/internal/execution"
	"github.com/you/dex-aggregator/internal/fx"
	"github.com/you/dex-aggregator/internal/metrics"
	"github.com/you/dex-aggregator/internal/multicall"
	"github.com/you/dex-aggregator/internal/pools"
	"github.com/you/dex-aggregator/internal/risk"
	"github.com/you/dex-aggregator/internal/signer"
	"github.com/you/dex-aggregator/internal/token"
)

// The ledger's native asset uses 8 decimal places.
const nativeDecimals = 8

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Warn("signal received, shutting down")
		cancel()
	}()

	metrics.Serve(ctx, cfg.Metrics.ListenAddr, nil, logger)

	ec, err := ethclient.DialContext(ctx, cfg.Chain.RPCHTTP)
	if err != nil {
		logger.Fatal("dial rpc", zap.Error(err))
	}
	defer ec.Close()

	reg := token.NewRegistry(logger,
		common.HexToAddress(cfg.Tokens.WrappedNative), cfg.Tokens.NativeSymbol, nativeDecimals)
	if cfg.Tokens.ListURL != "" {
		loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
		n, err := reg.LoadRemote(loadCtx, cfg.Tokens.ListURL)
		loadCancel()
		if err != nil {
			logger.Fatal("load token list", zap.Error(err))
		}
		logger.Info("token list loaded", zap.Int("tokens", n))
	}

	var price evm.PriceSource = pricefeed.Static(cfg.PriceFeed.StaticUSD)
	if cfg.PriceFeed.WsURL != "" {
		feed := pricefeed.NewWS(logger, cfg.PriceFeed.WsURL, cfg.PriceFeed.NativeSymbol, cfg.PriceFeed.StaticUSD)
		go feed.Run(ctx)
		price = feed
	}
	gas := evm.NewGasEstimator(ec, cfg.Chain.GasLimitSwap, price)

	for _, id := range cfg.DEX.Venues {
		vc := cfg.Venue(id)
		switch core.VenueID(id) {
		case core.VenueSaucerSwapV1, core.VenuePangolin:
			a, err := cpamm.New(core.VenueID(id), logger, ec, reg, gas,
				common.HexToAddress(vc.Router), common.HexToAddress(vc.Factory),
				cfg.DEX.Connectors, vc.MultiHopRouter)
			if err != nil {
				logger.Fatal("init venue", zap.String("venue", id), zap.Error(err))
			}
			core.Register(a)
		case core.VenueSaucerSwapV2:
			mc, err := multicall.New(ec, common.HexToAddress(vc.Multicall))
			if err != nil {
				logger.Fatal("init multicall", zap.String("venue", id), zap.Error(err))
			}
			a, err := saucerv2.New(logger, ec, mc, reg, gas,
				common.HexToAddress(vc.Router), common.HexToAddress(vc.Factory),
				common.HexToAddress(vc.Quoter), vc.FeeTiers, cfg.DEX.Connectors)
			if err != nil {
				logger.Fatal("init venue", zap.String("venue", id), zap.Error(err))
			}
			core.Register(a)
		default:
			logger.Warn("unknown venue in config, skipping", zap.String("venue", id))
		}
	}
	logger.Info("venues registered", zap.Strings("venues", cfg.DEX.Venues))

	agg := aggregator.New(logger, reg)

	var fxEngine *fx.Engine
	if cfg.FX.PoolsURL != "" || cfg.Pools.URL != "" {
		url := cfg.FX.PoolsURL
		if url == "" {
			url = cfg.Pools.URL
		}
		cache := pools.NewCache(logger, url, cfg.PoolCacheTTL())
		rate, err := fx.NewChainNativeRate(ec, common.HexToAddress(cfg.FX.NativePool))
		if err != nil {
			logger.Fatal("init fx native rate", zap.Error(err))
		}
		fxEngine, err = fx.New(logger, cfg.FX, cache, rate)
		if err != nil {
			logger.Fatal("init fx engine", zap.Error(err))
		}
	}

	srv := api.NewServer(logger, agg, reg, fxEngine, cfg.FX.HubCurrency, enabledVenues(cfg), cfg.AggregatorTimeout())
	if cfg.Redis.Addr != "" {
		pub := routefeed.NewPublisher(cfg)
		defer pub.Close()
		srv.SetPublisher(pub)
	}

	switch {
	case cfg.DryRun:
		logger.Info("dry run: execute endpoint disabled")
	case cfg.Chain.WalletPK == "":
		logger.Info("no wallet key configured, running quote-only")
	default:
		sig, err := signer.NewEthSigner(ctx, logger, ec, cfg.Chain.WalletPK, cfg.Chain.GasLimitSwap)
		if err != nil {
			logger.Fatal("init signer", zap.Error(err))
		}
		srv.SetExecutor(execution.New(logger, reg, ec, risk.NewSlippagePolicy(cfg)), sig)
		logger.Info("execution enabled", zap.String("wallet", sig.Address().Hex()))
	}

	srv.Start(ctx, cfg.API.ListenAddr)

	<-ctx.Done()
	logger.Info("stopped")
}

func enabledVenues(cfg *config.Config) []core.VenueID {
	out := make([]core.VenueID, 0, len(cfg.DEX.Venues))
	for _, v := range cfg.DEX.Venues {
		out = append(out, core.VenueID(v))
	}
	return out
}
