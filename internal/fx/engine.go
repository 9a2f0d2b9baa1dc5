// Package fx routes swaps across the FX stablecoin pool mesh. Every
// non-hub currency trades only against the designated hub currency, so a
// route is either one direct pool or exactly two hops through the hub.
package fx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/config"
	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/pools"
	"github.com/you/dex-aggregator/internal/signer"
	"github.com/you/dex-aggregator/internal/token"
)

var ErrNoPool = errors.New("no fx pool for pair")

// RatioDeviationError reports a two-sided deposit whose ratio strays too
// far from the pool's virtual reserves. SuggestedB is the counter-amount
// that would match the current pool ratio for the caller's amountA.
type RatioDeviationError struct {
	DeviationPct float64
	SuggestedB   string
}

func (e *RatioDeviationError) Error() string {
	return fmt.Sprintf("deposit ratio deviates %.2f%% from pool reserves, matching amountB is %s", e.DeviationPct, e.SuggestedB)
}

// PoolSource supplies the current pool list. Implemented by pools.Cache.
type PoolSource interface {
	Pools(ctx context.Context) ([]pools.Descriptor, error)
}

// NativeRateSource reads the native/hub pool's own rate entry point, which
// does not speak the generic pool ABI. The rate is hub units per native unit.
type NativeRateSource interface {
	HubPerNative(ctx context.Context) (*big.Rat, error)
}

const fxPoolABI = `[
 {"name":"swap","type":"function","stateMutability":"nonpayable","inputs":[{"name":"tokenIn","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"},{"name":"to","type":"address"}],"outputs":[{"name":"amountOut","type":"uint256"}]}
]`

type Engine struct {
	log    *zap.Logger
	src    PoolSource
	native NativeRateSource

	hub          string
	nativeID     string
	feePerHopBps int
	ratioTolPct  float64

	poolABI abi.ABI
}

func New(log *zap.Logger, cfg config.FXCfg, src PoolSource, native NativeRateSource) (*Engine, error) {
	parsed, err := abi.JSON(strings.NewReader(fxPoolABI))
	if err != nil {
		return nil, fmt.Errorf("parse fx pool abi: %w", err)
	}
	return &Engine{
		log:          log,
		src:          src,
		native:       native,
		hub:          cfg.HubCurrency,
		nativeID:     token.NativeID,
		feePerHopBps: cfg.FeePerHopBps,
		ratioTolPct:  cfg.RatioTolerancePct,
		poolABI:      parsed,
	}, nil
}

// GetPool returns the pool holding both currencies, in either order.
func (e *Engine) GetPool(ctx context.Context, a, b string) (*pools.Descriptor, error) {
	list, err := e.src.Pools(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		p := &list[i]
		if (p.TokenA == a && p.TokenB == b) || (p.TokenA == b && p.TokenB == a) {
			return p, nil
		}
	}
	return nil, nil
}

// NeedsMultiHop reports whether a↔b must route through the hub currency.
func (e *Engine) NeedsMultiHop(ctx context.Context, a, b string) (bool, error) {
	if a == e.hub || b == e.hub {
		return false, nil
	}
	p, err := e.GetPool(ctx, a, b)
	if err != nil {
		return false, err
	}
	return p == nil, nil
}

// GetExchangeRate returns units of b per unit of a for a direct pool. The
// stored pool rate is "tokenB per tokenA" and is inverted when the caller
// swaps from the pool's B side. The native/hub pair uses the dedicated rate
// entry point.
func (e *Engine) GetExchangeRate(ctx context.Context, a, b string) (float64, error) {
	r, err := e.rate(ctx, a, b)
	if err != nil {
		return 0, err
	}
	f, _ := r.Float64()
	return f, nil
}

func (e *Engine) rate(ctx context.Context, a, b string) (*big.Rat, error) {
	if e.isNativeHubPair(a, b) {
		nr, err := e.native.HubPerNative(ctx)
		if err != nil {
			return nil, fmt.Errorf("native pool rate: %w", err)
		}
		if a == e.nativeID {
			return nr, nil
		}
		return new(big.Rat).Inv(nr), nil
	}

	p, err := e.GetPool(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoPool, a, b)
	}
	stored, err := poolRate(p)
	if err != nil {
		return nil, err
	}
	if p.TokenA == a {
		return stored, nil
	}
	return new(big.Rat).Inv(stored), nil
}

// poolRate is the stored direction: tokenB units per tokenA unit, computed
// from decimal-adjusted virtual reserves.
func poolRate(p *pools.Descriptor) (*big.Rat, error) {
	va, ok := new(big.Int).SetString(p.VirtualReserveA, 10)
	if !ok || va.Sign() <= 0 {
		return nil, fmt.Errorf("pool %s: bad virtual reserve A %q", p.ID, p.VirtualReserveA)
	}
	vb, ok := new(big.Int).SetString(p.VirtualReserveB, 10)
	if !ok || vb.Sign() <= 0 {
		return nil, fmt.Errorf("pool %s: bad virtual reserve B %q", p.ID, p.VirtualReserveB)
	}
	ra := new(big.Rat).SetFrac(va, pow10(p.DecimalsA))
	rb := new(big.Rat).SetFrac(vb, pow10(p.DecimalsB))
	return new(big.Rat).Quo(rb, ra), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// CalculateSwapOutput converts amountIn of a into b across one or two hops.
// The flat per-hop fee is deducted once from the fully converted amount, so
// a two-hop trade pays double the single-hop fee.
func (e *Engine) CalculateSwapOutput(ctx context.Context, a, b, amountIn string) (string, error) {
	in, ok := new(big.Rat).SetString(amountIn)
	if !ok || in.Sign() < 0 {
		return "", fmt.Errorf("bad amount %q", amountIn)
	}

	multi, err := e.NeedsMultiHop(ctx, a, b)
	if err != nil {
		return "", err
	}

	gross := new(big.Rat)
	hops := 1
	if multi {
		hops = 2
		r1, err := e.rate(ctx, a, e.hub)
		if err != nil {
			return "", err
		}
		r2, err := e.rate(ctx, e.hub, b)
		if err != nil {
			return "", err
		}
		gross.Mul(in, r1)
		gross.Mul(gross, r2)
	} else {
		r, err := e.rate(ctx, a, b)
		if err != nil {
			return "", err
		}
		gross.Mul(in, r)
	}

	feeBps := int64(e.feePerHopBps * hops)
	net := new(big.Rat).Mul(gross, big.NewRat(10000-feeBps, 10000))
	return formatRat(net), nil
}

func formatRat(r *big.Rat) string {
	s := r.FloatString(8)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// ExecuteSwap performs the on-chain swap for one or two hops, waiting for
// each receipt before the next hop spends its output.
func (e *Engine) ExecuteSwap(ctx context.Context, a, b, amountIn string, slippagePct float64, sig signer.Signer) ([]string, error) {
	multi, err := e.NeedsMultiHop(ctx, a, b)
	if err != nil {
		return nil, err
	}

	legs := [][2]string{{a, b}}
	if multi {
		legs = [][2]string{{a, e.hub}, {e.hub, b}}
	}

	var hashes []string
	amount := amountIn
	for _, leg := range legs {
		p, err := e.GetPool(ctx, leg[0], leg[1])
		if err != nil {
			return hashes, err
		}
		if p == nil {
			return hashes, fmt.Errorf("%w: %s/%s", ErrNoPool, leg[0], leg[1])
		}

		out, err := e.legOutput(ctx, p, leg[0], leg[1], amount)
		if err != nil {
			return hashes, err
		}
		receipt, err := e.submitLeg(ctx, p, leg[0], leg[1], amount, out, slippagePct, sig)
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, receipt.TxHash.Hex())
		amount = out
	}
	e.log.Info("fx swap executed", zap.String("from", a), zap.String("to", b), zap.Strings("txs", hashes))
	return hashes, nil
}

func (e *Engine) legOutput(ctx context.Context, p *pools.Descriptor, from, to, amountIn string) (string, error) {
	in, ok := new(big.Rat).SetString(amountIn)
	if !ok {
		return "", fmt.Errorf("bad amount %q", amountIn)
	}
	r, err := e.rate(ctx, from, to)
	if err != nil {
		return "", err
	}
	gross := new(big.Rat).Mul(in, r)
	net := new(big.Rat).Mul(gross, big.NewRat(10000-int64(e.feePerHopBps), 10000))
	return formatRat(net), nil
}

func (e *Engine) submitLeg(ctx context.Context, p *pools.Descriptor, from, to, amountIn, expectedOut string, slippagePct float64, sig signer.Signer) (*gethtypes.Receipt, error) {
	decIn, decOut := p.DecimalsA, p.DecimalsB
	if p.TokenB == from {
		decIn, decOut = p.DecimalsB, p.DecimalsA
	}

	inWei, err := token.ToBaseUnits(amountIn, decIn)
	if err != nil {
		return nil, fmt.Errorf("amount in: %w", err)
	}
	outWei, err := token.ToBaseUnits(expectedOut, decOut)
	if err != nil {
		return nil, fmt.Errorf("expected out: %w", err)
	}
	bps := int64(slippagePct * 100)
	if bps < 0 {
		bps = 0
	}
	minOut := new(big.Int).Mul(outWei, big.NewInt(10000-bps))
	minOut.Div(minOut, big.NewInt(10000))

	addrIn := tokenAddr(p, from)
	if addrIn == "" {
		return nil, fmt.Errorf("pool %s: no token address for %s", p.ID, from)
	}
	data, err := e.poolABI.Pack("swap", common.HexToAddress(addrIn), inWei, minOut, sig.Address())
	if err != nil {
		return nil, fmt.Errorf("pack swap: %w", err)
	}
	receipt, err := sig.SubmitAndWait(ctx, core.SwapCall{
		To:    common.HexToAddress(p.Address),
		Data:  data,
		Value: big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("fx swap %s/%s: %w", from, to, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("fx swap %s/%s reverted: tx %s", from, to, receipt.TxHash.Hex())
	}
	return receipt, nil
}

// tokenAddr maps a currency id to its on-chain token contract address
// within the pool. Empty when the registry did not publish one.
func tokenAddr(p *pools.Descriptor, id string) string {
	if p.TokenA == id {
		return p.AddressA
	}
	return p.AddressB
}

// CheckDepositRatio validates a two-sided liquidity deposit against the
// pool's current virtual reserve ratio. A deviation at or above the
// configured tolerance rejects the deposit before anything is submitted,
// reporting the counter-amount that would balance.
func (e *Engine) CheckDepositRatio(p *pools.Descriptor, amountA, amountB string) error {
	a, ok := new(big.Rat).SetString(amountA)
	if !ok || a.Sign() <= 0 {
		return fmt.Errorf("bad amountA %q", amountA)
	}
	b, ok := new(big.Rat).SetString(amountB)
	if !ok || b.Sign() <= 0 {
		return fmt.Errorf("bad amountB %q", amountB)
	}

	poolRatio, err := poolRate(p)
	if err != nil {
		return err
	}
	supplied := new(big.Rat).Quo(b, a)

	dev := new(big.Rat).Sub(poolRatio, supplied)
	dev.Abs(dev)
	dev.Quo(dev, supplied)
	dev.Mul(dev, big.NewRat(100, 1))
	devF, _ := dev.Float64()

	if devF >= e.ratioTolPct {
		suggested := new(big.Rat).Mul(a, poolRatio)
		return &RatioDeviationError{
			DeviationPct: devF,
			SuggestedB:   formatRat(suggested),
		}
	}
	return nil
}

// FirstLPTokens is the LP amount minted to the first depositor of a pool:
// the integer square root of amountA*amountB in base units.
func FirstLPTokens(amountA, amountB *big.Int) *big.Int {
	return Isqrt(new(big.Int).Mul(amountA, amountB))
}

func (e *Engine) isNativeHubPair(a, b string) bool {
	return (a == e.nativeID && b == e.hub) || (a == e.hub && b == e.nativeID)
}

// StaticNativeRate is a fixed-rate NativeRateSource for tests and offline use.
type StaticNativeRate float64

func (s StaticNativeRate) HubPerNative(context.Context) (*big.Rat, error) {
	return new(big.Rat).SetFloat64(float64(s)), nil
}
