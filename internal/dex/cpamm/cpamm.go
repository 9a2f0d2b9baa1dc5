// Package cpamm implements the venue adapter for constant-product AMMs
// (SaucerSwap V1, Pangolin). Both share router/factory calling conventions
// and differ only in deployed addresses, so they are two instances of the
// same adapter type registered under their own venue IDs.
package cpamm

import (
	"context"
	"fmt"
	"math"
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
	"github.com/you/dex-aggregator/internal/token"
)

const routerABI = `[
 {"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMin","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"},
 {"inputs":[{"internalType":"uint256","name":"amountOutMin","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"swapExactETHForTokens","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"payable","type":"function"},
 {"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMin","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"}],"name":"swapExactTokensForETH","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

const pairABI = `[
 {"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"reserve0","type":"uint112"},{"internalType":"uint112","name":"reserve1","type":"uint112"},{"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"token0","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// FeePctPerHop is the venue's flat pool fee per traversal.
const FeePctPerHop = 0.3

type Adapter struct {
	id  core.VenueID
	log *zap.Logger
	ec  evm.ContractCaller
	reg *token.Registry
	gas evm.GasEstimator

	router     common.Address
	factory    common.Address
	connectors []string
	multiHop   bool

	rabi abi.ABI
	pabi abi.ABI
}

func New(id core.VenueID, log *zap.Logger, ec evm.ContractCaller, reg *token.Registry, gas evm.GasEstimator,
	router, factory common.Address, connectors []string, multiHopRouter bool) (*Adapter, error) {

	rabi, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	pabi, err := abi.JSON(strings.NewReader(pairABI))
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	return &Adapter{
		id:         id,
		log:        log,
		ec:         ec,
		reg:        reg,
		gas:        gas,
		router:     router,
		factory:    factory,
		connectors: connectors,
		multiHop:   multiHopRouter,
		rabi:       rabi,
		pabi:       pabi,
	}, nil
}

func (a *Adapter) ID() core.VenueID { return a.id }

func (a *Adapter) IsAvailable(context.Context) bool {
	return a.router != (common.Address{}) && a.factory != (common.Address{})
}

func (a *Adapter) Spender() common.Address { return a.router }

func (a *Adapter) SupportsMultiHop() bool { return a.multiHop }

// canonical resolves a token to the identifier and address used in paths.
// The native sentinel becomes the wrapped token here and nowhere else.
func (a *Adapter) canonical(t token.Token) (string, common.Address) {
	addr := a.reg.EVMAddress(t)
	if t.IsNative() {
		if wt, ok := a.reg.ByAddress(addr); ok {
			return wt.ID, addr
		}
	}
	return t.ID, addr
}

// DiscoverRoutes checks the direct pair first, then exactly one intermediate
// hop through each configured connector. Hop count never exceeds 2.
func (a *Adapter) DiscoverRoutes(ctx context.Context, tokenIn, tokenOut token.Token) ([]core.RouteCandidate, error) {
	inID, inAddr := a.canonical(tokenIn)
	outID, outAddr := a.canonical(tokenOut)
	if inAddr == outAddr {
		return nil, nil
	}

	direct, err := evm.GetPair(ctx, a.ec, a.factory, inAddr, outAddr)
	if err != nil {
		return nil, fmt.Errorf("%s: direct pair lookup: %w", a.id, err)
	}

	var out []core.RouteCandidate
	if direct != (common.Address{}) {
		out = append(out, core.RouteCandidate{
			Venue:     a.id,
			Path:      []string{inID, outID},
			Addrs:     []common.Address{inAddr, outAddr},
			Pools:     []common.Address{direct},
			NativeIn:  tokenIn.IsNative(),
			NativeOut: tokenOut.IsNative(),
		})
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

		leg1, err := evm.GetPair(ctx, a.ec, a.factory, inAddr, connAddr)
		if err != nil {
			a.log.Warn("connector pair lookup failed", zap.String("venue", string(a.id)), zap.String("connector", cid), zap.Error(err))
			continue
		}
		if leg1 == (common.Address{}) {
			continue
		}
		leg2, err := evm.GetPair(ctx, a.ec, a.factory, connAddr, outAddr)
		if err != nil {
			a.log.Warn("connector pair lookup failed", zap.String("venue", string(a.id)), zap.String("connector", cid), zap.Error(err))
			continue
		}
		if leg2 == (common.Address{}) {
			continue
		}

		out = append(out, core.RouteCandidate{
			Venue:     a.id,
			Path:      []string{inID, connID, outID},
			Addrs:     []common.Address{inAddr, connAddr, outAddr},
			Pools:     []common.Address{leg1, leg2},
			NativeIn:  tokenIn.IsNative(),
			NativeOut: tokenOut.IsNative(),
		})
	}
	return out, nil
}

// Quote runs the router's read-only getAmountsOut over the candidate path.
// A nil quote with nil error means no liquidity.
func (a *Adapter) Quote(ctx context.Context, route core.RouteCandidate, amountIn string) (*core.Quote, error) {
	if len(route.Path) < 2 || len(route.Path) != len(route.Addrs) {
		return nil, fmt.Errorf("%s: malformed route", a.id)
	}
	inTok, ok := a.reg.Get(route.Path[0])
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", a.id, route.Path[0])
	}
	outTok, ok := a.reg.Get(route.Path[len(route.Path)-1])
	if !ok {
		return nil, fmt.Errorf("%s: unknown token %s", a.id, route.Path[len(route.Path)-1])
	}

	inWei, err := token.ToBaseUnits(amountIn, inTok.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: bad amount: %w", a.id, err)
	}
	if inWei.Sign() == 0 {
		return nil, nil
	}

	data, _ := a.rabi.Pack("getAmountsOut", inWei, route.Addrs)
	raw, err := a.ec.CallContract(ctx, ethereum.CallMsg{To: &a.router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: getAmountsOut: %w", a.id, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	outs, err := a.rabi.Methods["getAmountsOut"].Outputs.Unpack(raw)
	if err != nil || len(outs) == 0 {
		return nil, fmt.Errorf("%s: decode getAmountsOut: %w", a.id, err)
	}
	amounts := outs[0].([]*big.Int)
	if len(amounts) != len(route.Addrs) {
		return nil, fmt.Errorf("%s: bad amounts length %d", a.id, len(amounts))
	}
	outWei := amounts[len(amounts)-1]
	if outWei == nil || outWei.Sign() == 0 {
		return nil, nil
	}

	amountOut := token.FromBaseUnits(outWei, outTok.Decimals)
	inF, _ := strconv.ParseFloat(amountIn, 64)
	outF, _ := strconv.ParseFloat(amountOut, 64)

	hops := route.Hops()
	feePct := FeePctPerHop * float64(hops)

	q := &core.Quote{
		Venue:          a.id,
		TokenIn:        route.Path[0],
		TokenOut:       route.Path[len(route.Path)-1],
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		PriceImpactPct: a.priceImpact(ctx, route, inF, outF, feePct),
		FeePct:         feePct,
		Path:           append([]string(nil), route.Path...),
		GasUSD:         a.gas.SwapGasUSD(ctx, hops),
		Candidate:      route,
	}
	if inF > 0 {
		q.Rate = outF / inF
	}
	return q, nil
}

// priceImpact compares the executed rate with the reserves' spot rate. Best
// effort: on any read failure it reports zero and lets confidence derivation
// fall where it may.
func (a *Adapter) priceImpact(ctx context.Context, route core.RouteCandidate, inF, outF, feePct float64) float64 {
	if inF <= 0 || outF <= 0 {
		return 0
	}
	spot := 1.0
	for i, pool := range route.Pools {
		r, err := a.spotRate(ctx, pool, route.Addrs[i], route.Addrs[i+1])
		if err != nil {
			a.log.Debug("spot rate unavailable", zap.String("venue", string(a.id)), zap.Error(err))
			return 0
		}
		spot *= r
	}
	midOut := inF * spot * (1 - feePct/100)
	if midOut <= 0 {
		return 0
	}
	impact := (midOut - outF) / midOut * 100
	if impact < 0 {
		return 0
	}
	return impact
}

func (a *Adapter) spotRate(ctx context.Context, pool, hopIn, hopOut common.Address) (float64, error) {
	data, _ := a.pabi.Pack("token0")
	raw, err := a.ec.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("token0: %w", err)
	}
	outs, err := a.pabi.Unpack("token0", raw)
	if err != nil || len(outs) != 1 {
		return 0, fmt.Errorf("decode token0: %w", err)
	}
	token0 := outs[0].(common.Address)

	data, _ = a.pabi.Pack("getReserves")
	raw, err = a.ec.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("getReserves: %w", err)
	}
	rOuts, err := a.pabi.Methods["getReserves"].Outputs.Unpack(raw)
	if err != nil || len(rOuts) < 2 {
		return 0, fmt.Errorf("decode getReserves: %w", err)
	}
	res0 := rOuts[0].(*big.Int)
	res1 := rOuts[1].(*big.Int)

	resIn, resOut := res0, res1
	if token0 != hopIn {
		resIn, resOut = res1, res0
	}
	if resIn.Sign() == 0 || resOut.Sign() == 0 {
		return 0, fmt.Errorf("empty reserves")
	}

	inTok, ok := a.reg.ByAddress(hopIn)
	if !ok {
		return 0, fmt.Errorf("unknown token %s", hopIn.Hex())
	}
	outTok, ok := a.reg.ByAddress(hopOut)
	if !ok {
		return 0, fmt.Errorf("unknown token %s", hopOut.Hex())
	}

	inUnits := toFloat(resIn, inTok.Decimals)
	outUnits := toFloat(resOut, outTok.Decimals)
	if inUnits == 0 {
		return 0, fmt.Errorf("empty reserves")
	}
	return outUnits / inUnits, nil
}

// BuildSwap emits the router call for one candidate. Native legs use the
// value-attaching entry points instead of a prior token transfer.
func (a *Adapter) BuildSwap(route core.RouteCandidate, amountIn, minOut *big.Int, recipient common.Address, deadline time.Time) (core.SwapCall, error) {
	dl := big.NewInt(deadline.Unix())
	switch {
	case route.NativeIn:
		data, err := a.rabi.Pack("swapExactETHForTokens", minOut, route.Addrs, recipient, dl)
		if err != nil {
			return core.SwapCall{}, fmt.Errorf("pack swapExactETHForTokens: %w", err)
		}
		return core.SwapCall{To: a.router, Data: data, Value: amountIn}, nil
	case route.NativeOut:
		data, err := a.rabi.Pack("swapExactTokensForETH", amountIn, minOut, route.Addrs, recipient, dl)
		if err != nil {
			return core.SwapCall{}, fmt.Errorf("pack swapExactTokensForETH: %w", err)
		}
		return core.SwapCall{To: a.router, Data: data, Value: big.NewInt(0)}, nil
	default:
		data, err := a.rabi.Pack("swapExactTokensForTokens", amountIn, minOut, route.Addrs, recipient, dl)
		if err != nil {
			return core.SwapCall{}, fmt.Errorf("pack swapExactTokensForTokens: %w", err)
		}
		return core.SwapCall{To: a.router, Data: data, Value: big.NewInt(0)}, nil
	}
}

func toFloat(x *big.Int, decimals int) float64 {
	if x == nil {
		return 0
	}
	f := new(big.Float).SetInt(x)
	f.Quo(f, big.NewFloat(math.Pow10(decimals)))
	v, _ := f.Float64()
	return v
}
