// routecheck queries every enabled venue for one pair and prints the
// ranked routes, useful for verifying contract addresses in config.yaml.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/aggregator"
	"github.com/you/dex-aggregator/internal/config"
	"github.com/you/dex-aggregator/internal/connectors/pricefeed"
	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/dex/cpamm"
	"github.com/you/dex-aggregator/internal/dex/evm"
	"github.com/you/dex-aggregator/internal/dex/saucerv2"
	"github.com/you/dex-aggregator/internal/multicall"
	"github.com/you/dex-aggregator/internal/token"
)

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to config")
	in := flag.String("in", "", "input token id (or 'native')")
	out := flag.String("out", "", "output token id")
	amount := flag.String("amount", "1", "decimal input amount")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "usage: routecheck -in <tokenId> -out <tokenId> [-amount 1]")
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	log := zap.NewNop()

	ec, err := ethclient.DialContext(ctx, cfg.Chain.RPCHTTP)
	if err != nil {
		panic(err)
	}
	defer ec.Close()

	reg := token.NewRegistry(log, common.HexToAddress(cfg.Tokens.WrappedNative), cfg.Tokens.NativeSymbol, 8)
	if cfg.Tokens.ListURL != "" {
		if _, err := reg.LoadRemote(ctx, cfg.Tokens.ListURL); err != nil {
			panic(err)
		}
	}

	gas := evm.NewGasEstimator(ec, cfg.Chain.GasLimitSwap, pricefeed.Static(cfg.PriceFeed.StaticUSD))

	venues := make([]core.VenueID, 0, len(cfg.DEX.Venues))
	for _, id := range cfg.DEX.Venues {
		vc := cfg.Venue(id)
		switch core.VenueID(id) {
		case core.VenueSaucerSwapV1, core.VenuePangolin:
			a, err := cpamm.New(core.VenueID(id), log, ec, reg, gas,
				common.HexToAddress(vc.Router), common.HexToAddress(vc.Factory),
				cfg.DEX.Connectors, vc.MultiHopRouter)
			if err != nil {
				panic(err)
			}
			core.Register(a)
		case core.VenueSaucerSwapV2:
			mc, err := multicall.New(ec, common.HexToAddress(vc.Multicall))
			if err != nil {
				panic(err)
			}
			a, err := saucerv2.New(log, ec, mc, reg, gas,
				common.HexToAddress(vc.Router), common.HexToAddress(vc.Factory),
				common.HexToAddress(vc.Quoter), vc.FeeTiers, cfg.DEX.Connectors)
			if err != nil {
				panic(err)
			}
			core.Register(a)
		default:
			continue
		}
		venues = append(venues, core.VenueID(id))
	}

	tokenIn, ok := reg.Get(*in)
	if !ok {
		panic("unknown token " + *in)
	}
	tokenOut, ok := reg.Get(*out)
	if !ok {
		panic("unknown token " + *out)
	}

	routes, err := aggregator.New(log, reg).Aggregate(ctx, tokenIn, tokenOut, *amount, venues, cfg.AggregatorTimeout())
	if err != nil {
		panic(err)
	}
	if len(routes) == 0 {
		fmt.Printf("%s -> %s: no routes\n", *in, *out)
		return
	}

	fmt.Printf("%s -> %s, amount %s\n\n", *in, *out, *amount)
	for i, r := range routes {
		best := " "
		if r.IsBestPrice {
			best = "*"
		}
		savings := "-"
		if r.SavingsVsBest != nil {
			savings = *r.SavingsVsBest + "%"
		}
		fmt.Printf("%s %d. %-14s out=%-18s impact=%.3f%% conf=%-6s savings=%s path=%v\n",
			best, i+1, r.Venue, r.AmountOut, r.PriceImpactPct, r.Confidence, savings, r.Path)
	}
}
