// Package saucerv2 implements the SaucerSwap V2 (concentrated liquidity)
// venue adapter. Pool existence checks across fee tiers are batched through
// the multicall contract; quoting goes through the QuoterV2 periphery.
package saucerv2

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/dex/evm"
	"github.com/you/dex-aggregator/internal/multicall"
	"github.com/you/dex-aggregator/internal/token"
)

const quoterV2ABI = `[
 {"inputs":[{"components":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"internalType":"struct IQuoterV2.QuoteExactInputSingleParams","name":"params","type":"tuple"}],"name":"quoteExactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceX96After","type":"uint160"},{"internalType":"uint32","name":"initializedTicksCrossed","type":"uint32"},{"internalType":"uint256","name":"gasEstimate","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[{"internalType":"bytes","name":"path","type":"bytes"},{"internalType":"uint256","name":"amountIn","type":"uint256"}],"name":"quoteExactInput","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"},{"internalType":"uint160[]","name":"sqrtPriceX96AfterList","type":"uint160[]"},{"internalType":"uint32[]","name":"initializedTicksCrossedList","type":"uint32[]"},{"internalType":"uint256","name":"gasEstimate","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
]`

const routerABI = `[
 {"inputs":[{"components":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMinimum","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"internalType":"struct ISwapRouter.ExactInputSingleParams","name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"},
 {"inputs":[{"components":[{"internalType":"bytes","name":"path","type":"bytes"},{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMinimum","type":"uint256"}],"internalType":"struct ISwapRouter.ExactInputParams","name":"params","type":"tuple"}],"name":"exactInput","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"}
]`

const poolABI = `[
 {"inputs":[],"name":"slot0","outputs":[
   {"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},
   {"internalType":"int24","name":"tick","type":"int24"},
   {"internalType":"uint16","name":"observationIndex","type":"uint16"},
   {"internalType":"uint16","name":"observationCardinality","type":"uint16"},
   {"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},
   {"internalType":"uint8","name":"feeProtocol","type":"uint8"},
   {"internalType":"bool","name":"unlocked","type":"bool"}],
  "stateMutability":"view","type":"function"}
]`

type Adapter struct {
	log *zap.Logger
	ec  evm.ContractCaller
	mc  multicall.IClient
	reg *token.Registry
	gas evm.GasEstimator

	router     common.Address
	factory    common.Address
	quoter     common.Address
	feeTiers   []uint32
	connectors []string

	qabi abi.ABI
	rabi abi.ABI
	pabi abi.ABI
}

func New(log *zap.Logger, ec evm.ContractCaller, mc multicall.IClient, reg *token.Registry, gas evm.GasEstimator,
	router, factory, quoter common.Address, feeTiers []uint32, connectors []string) (*Adapter, error) {

	qabi, err := abi.JSON(strings.NewReader(quoterV2ABI))
	if err != nil {
		return nil, fmt.Errorf("parse quoter abi: %w", err)
	}
	rabi, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	pabi, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	if len(feeTiers) == 0 {
		feeTiers = []uint32{500, 3000, 10000}
	}
	return &Adapter{
		log:        log,
		ec:         ec,
		mc:         mc,
		reg:        reg,
		gas:        gas,
		router:     router,
		factory:    factory,
		quoter:     quoter,
		feeTiers:   feeTiers,
		connectors: connectors,
		qabi:       qabi,
		rabi:       rabi,
		pabi:       pabi,
	}, nil
}

func (a *Adapter) ID() core.VenueID { return core.VenueSaucerSwapV2 }

func (a *Adapter) IsAvailable(context.Context) bool {
	return a.router != (common.Address{}) && a.quoter != (common.Address{})
}

func (a *Adapter) Spender() common.Address { return a.router }

func (a *Adapter) SupportsMultiHop() bool { return true }

func (a *Adapter) canonical(t token.Token) (string, common.Address) {
	addr := a.reg.EVMAddress(t)
	if t.IsNative() {
		if wt, ok := a.reg.ByAddress(addr); ok {
			return wt.ID, addr
		}
	}
	return t.ID, addr
}

// poolsByTier batches getPool across all fee tiers for one token pair.
func (a *Adapter) poolsByTier(ctx context.Context, tokenA, tokenB common.Address) (map[uint32]common.Address, error) {
	calls := make([]multicall.Call, 0, len(a.feeTiers))
	for _, fee := range a.feeTiers {
		calls = append(calls, multicall.Call{Target: a.factory, CallData: evm.PackGetPool(tokenA, tokenB, fee)})
	}

	results, err := a.mc.Aggregate(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("multicall getPool: %w", err)
	}

	out := make(map[uint32]common.Address, len(a.feeTiers))
	for i, res := range results {
		if !res.Success || len(res.Data) < 32 {
			continue
		}
		addr := common.BytesToAddress(res.Data[12:32])
		if addr != (common.Address{}) {
			out[a.feeTiers[i]] = addr
		}
	}
	return out, nil
}

// DiscoverRoutes returns one candidate per fee tier with a direct pool; when
// no tier has one it falls back to a single connector hop, choosing the
// lowest tier available on each leg.
func (a *Adapter) DiscoverRoutes(ctx context.Context, tokenIn, tokenOut token.Token) ([]core.RouteCandidate, error) {
	inID, inAddr := a.canonical(tokenIn)
	outID, outAddr := a.canonical(tokenOut)
	if inAddr == outAddr {
		return nil, nil
	}

	direct, err := a.poolsByTier(ctx, inAddr, outAddr)
	if err != nil {
		return nil, fmt.Errorf("saucerswap_v2: direct pool lookup: %w", err)
	}

	var out []core.RouteCandidate
	if len(direct) > 0 {
		for _, fee := range a.feeTiers {
			pool, ok := direct[fee]
			if !ok {
				continue
			}
			out = append(out, core.RouteCandidate{
				Venue:     a.ID(),
				Path:      []string{inID, outID},
				Addrs:     []common.Address{inAddr, outAddr},
				Pools:     []common.Address{pool},
				FeeTiers:  []uint32{fee},
				NativeIn:  tokenIn.IsNative(),
				NativeOut: tokenOut.IsNative(),
			})
		}
		return out, nil
	}

	for _, cid := range a.connectors {
		conn, ok := a.reg.Get(cid)
		if !ok {
			continue
		}
		connID, connAddr := a.canonical(conn)
		if connAddr == inAddr || connAddr == outAddr {
			continue
		}

		leg1, err := a.poolsByTier(ctx, inAddr, connAddr)
		if err != nil {
			a.log.Warn("connector pool lookup failed", zap.String("connector", cid), zap.Error(err))
			continue
		}
		leg2, err := a.poolsByTier(ctx, connAddr, outAddr)
		if err != nil {
			a.log.Warn("connector pool lookup failed", zap.String("connector", cid), zap.Error(err))
			continue
		}
		fee1, pool1, ok1 := lowestTier(a.feeTiers, leg1)
		fee2, pool2, ok2 := lowestTier(a.feeTiers, leg2)
		if !ok1 || !ok2 {
			continue
		}

		out = append(out, core.RouteCandidate{
			Venue:     a.ID(),
			Path:      []string{inID, connID, outID},
			Addrs:     []common.Address{inAddr, connAddr, outAddr},
			Pools:     []common.Address{pool1, pool2},
			FeeTiers:  []uint32{fee1, fee2},
			NativeIn:  tokenIn.IsNative(),
			NativeOut: tokenOut.IsNative(),
		})
	}
	return out, nil
}

func lowestTier(order []uint32, pools map[uint32]common.Address) (uint32, common.Address, bool) {
	for _, fee := range order {
		if p, ok := pools[fee]; ok {
			return fee, p, true
		}
	}
	return 0, common.Address{}, false
}

func (a *Adapter) Quote(ctx context.Context, route core.RouteCandidate, amountIn string) (*core.Quote, error) {
	if len(route.Path) < 2 || len(route.FeeTiers) != route.Hops() {
		return nil, fmt.Errorf("saucerswap_v2: malformed route")
	}
	inTok, ok := a.reg.Get(route.Path[0])
	if !ok {
		return nil, fmt.Errorf("saucerswap_v2: unknown token %s", route.Path[0])
	}
	outTok, ok := a.reg.Get(route.Path[len(route.Path)-1])
	if !ok {
		return nil, fmt.Errorf("saucerswap_v2: unknown token %s", route.Path[len(route.Path)-1])
	}

	inWei, err := token.ToBaseUnits(amountIn, inTok.Decimals)
	if err != nil {
		return nil, fmt.Errorf("saucerswap_v2: bad amount: %w", err)
	}
	if inWei.Sign() == 0 {
		return nil, nil
	}

	var (
		outWei     *big.Int
		sqrtAfters []*big.Int
	)
	if route.Hops() == 1 {
		outWei, sqrtAfters, err = a.quoteSingle(ctx, route.Addrs[0], route.Addrs[1], route.FeeTiers[0], inWei)
	} else {
		outWei, sqrtAfters, err = a.quotePath(ctx, route, inWei)
	}
	if err != nil {
		return nil, err
	}
	if outWei == nil || outWei.Sign() == 0 {
		return nil, nil
	}

	amountOut := token.FromBaseUnits(outWei, outTok.Decimals)
	inF, _ := strconv.ParseFloat(amountIn, 64)
	outF, _ := strconv.ParseFloat(amountOut, 64)

	feePct := 0.0
	for _, fee := range route.FeeTiers {
		feePct += float64(fee) / 10000
	}

	q := &core.Quote{
		Venue:          a.ID(),
		TokenIn:        route.Path[0],
		TokenOut:       route.Path[len(route.Path)-1],
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		PriceImpactPct: a.priceImpact(ctx, route, sqrtAfters),
		FeePct:         feePct,
		Path:           append([]string(nil), route.Path...),
		GasUSD:         a.gas.SwapGasUSD(ctx, route.Hops()),
		Candidate:      route,
	}
	if inF > 0 {
		q.Rate = outF / inF
	}
	return q, nil
}

func (a *Adapter) quoteSingle(ctx context.Context, tokenIn, tokenOut common.Address, fee uint32, amountIn *big.Int) (*big.Int, []*big.Int, error) {
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		AmountIn          *big.Int
		Fee               *big.Int
		SqrtPriceLimitX96 *big.Int
	}{tokenIn, tokenOut, amountIn, big.NewInt(int64(fee)), big.NewInt(0)}

	data, err := a.qabi.Pack("quoteExactInputSingle", params)
	if err != nil {
		return nil, nil, fmt.Errorf("pack quoteExactInputSingle: %w", err)
	}
	raw, err := a.ec.CallContract(ctx, ethereum.CallMsg{To: &a.quoter, Data: data}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("saucerswap_v2: quoteExactInputSingle: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil, nil
	}
	outs, err := a.qabi.Methods["quoteExactInputSingle"].Outputs.Unpack(raw)
	if err != nil || len(outs) < 2 {
		return nil, nil, fmt.Errorf("decode quoteExactInputSingle: %w", err)
	}
	return outs[0].(*big.Int), []*big.Int{outs[1].(*big.Int)}, nil
}

func (a *Adapter) quotePath(ctx context.Context, route core.RouteCandidate, amountIn *big.Int) (*big.Int, []*big.Int, error) {
	path := EncodePath(route.Addrs, route.FeeTiers)
	data, err := a.qabi.Pack("quoteExactInput", path, amountIn)
	if err != nil {
		return nil, nil, fmt.Errorf("pack quoteExactInput: %w", err)
	}
	raw, err := a.ec.CallContract(ctx, ethereum.CallMsg{To: &a.quoter, Data: data}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("saucerswap_v2: quoteExactInput: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil, nil
	}
	outs, err := a.qabi.Methods["quoteExactInput"].Outputs.Unpack(raw)
	if err != nil || len(outs) < 2 {
		return nil, nil, fmt.Errorf("decode quoteExactInput: %w", err)
	}
	return outs[0].(*big.Int), outs[1].([]*big.Int), nil
}

// priceImpact sums the per-pool price move implied by sqrtPriceX96 before
// (slot0, batched through multicall) versus after (quoter output).
func (a *Adapter) priceImpact(ctx context.Context, route core.RouteCandidate, sqrtAfters []*big.Int) float64 {
	if len(sqrtAfters) != len(route.Pools) {
		return 0
	}
	slotData, _ := a.pabi.Pack("slot0")
	calls := make([]multicall.Call, len(route.Pools))
	for i, pool := range route.Pools {
		calls[i] = multicall.Call{Target: pool, CallData: slotData}
	}
	results, err := a.mc.Aggregate(ctx, calls)
	if err != nil {
		a.log.Debug("slot0 batch failed", zap.Error(err))
		return 0
	}

	total := 0.0
	for i, res := range results {
		if !res.Success {
			continue
		}
		outs, err := a.pabi.Methods["slot0"].Outputs.Unpack(res.Data)
		if err != nil || len(outs) == 0 {
			continue
		}
		before, ok := outs[0].(*big.Int)
		if !ok || before.Sign() == 0 || sqrtAfters[i] == nil {
			continue
		}
		ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(sqrtAfters[i]), new(big.Float).SetInt(before)).Float64()
		px := ratio * ratio
		move := (1 - px) * 100
		if move < 0 {
			move = -move
		}
		total += move
	}
	return total
}

func (a *Adapter) BuildSwap(route core.RouteCandidate, amountIn, minOut *big.Int, recipient common.Address, deadline time.Time) (core.SwapCall, error) {
	value := big.NewInt(0)
	if route.NativeIn {
		value = amountIn
	}
	dl := big.NewInt(deadline.Unix())

	if route.Hops() == 1 {
		params := struct {
			TokenIn           common.Address
			TokenOut          common.Address
			Fee               *big.Int
			Recipient         common.Address
			Deadline          *big.Int
			AmountIn          *big.Int
			AmountOutMinimum  *big.Int
			SqrtPriceLimitX96 *big.Int
		}{route.Addrs[0], route.Addrs[1], big.NewInt(int64(route.FeeTiers[0])), recipient, dl, amountIn, minOut, big.NewInt(0)}

		data, err := a.rabi.Pack("exactInputSingle", params)
		if err != nil {
			return core.SwapCall{}, fmt.Errorf("pack exactInputSingle: %w", err)
		}
		return core.SwapCall{To: a.router, Data: data, Value: value}, nil
	}

	params := struct {
		Path             []byte
		Recipient        common.Address
		Deadline         *big.Int
		AmountIn         *big.Int
		AmountOutMinimum *big.Int
	}{EncodePath(route.Addrs, route.FeeTiers), recipient, dl, amountIn, minOut}

	data, err := a.rabi.Pack("exactInput", params)
	if err != nil {
		return core.SwapCall{}, fmt.Errorf("pack exactInput: %w", err)
	}
	return core.SwapCall{To: a.router, Data: data, Value: value}, nil
}

// EncodePath packs a route into the periphery's byte format:
// token (20 bytes) | fee (3 bytes) | token | ...
func EncodePath(addrs []common.Address, fees []uint32) []byte {
	out := make([]byte, 0, len(addrs)*20+len(fees)*3)
	for i, addr := range addrs {
		out = append(out, addr.Bytes()...)
		if i < len(fees) {
			out = append(out, byte(fees[i]>>16), byte(fees[i]>>8), byte(fees[i]))
		}
	}
	return out
}
