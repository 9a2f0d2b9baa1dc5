package fx

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/config"
	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/pools"
)

const (
	addrAAA = "0x00000000000000000000000000000000000000a1"
	addrHUB = "0x00000000000000000000000000000000000000b1"
	addrBBB = "0x00000000000000000000000000000000000000c1"
)

type staticSource []pools.Descriptor

func (s staticSource) Pools(context.Context) ([]pools.Descriptor, error) { return s, nil }

// Two pools through the hub: AAA/HUB at 2.0 hub per AAA, HUB/BBB at 0.5
// BBB per hub.
func testMesh() staticSource {
	return staticSource{
		{
			ID: "aaa-hub", Address: "0x0000000000000000000000000000000000000a01",
			TokenA: "AAA", TokenB: "HUB", AddressA: addrAAA, AddressB: addrHUB,
			DecimalsA: 2, DecimalsB: 2,
			VirtualReserveA: "100000", VirtualReserveB: "200000",
			RealReserveA: "90000", RealReserveB: "210000",
		},
		{
			ID: "hub-bbb", Address: "0x0000000000000000000000000000000000000a02",
			TokenA: "HUB", TokenB: "BBB", AddressA: addrHUB, AddressB: addrBBB,
			DecimalsA: 2, DecimalsB: 2,
			VirtualReserveA: "200000", VirtualReserveB: "100000",
			RealReserveA: "200000", RealReserveB: "100000",
		},
	}
}

type fxSigner struct {
	calls []core.SwapCall
}

func (s *fxSigner) Address() common.Address { return common.HexToAddress("0xfeed") }

func (s *fxSigner) SubmitAndWait(_ context.Context, call core.SwapCall) (*gethtypes.Receipt, error) {
	s.calls = append(s.calls, call)
	return &gethtypes.Receipt{
		Status: gethtypes.ReceiptStatusSuccessful,
		TxHash: common.BigToHash(big.NewInt(int64(len(s.calls)))),
	}, nil
}

type swapArgs struct {
	tokenIn  common.Address
	amountIn *big.Int
	minOut   *big.Int
	to       common.Address
}

func unpackSwap(t *testing.T, e *Engine, data []byte) swapArgs {
	t.Helper()
	m := e.poolABI.Methods["swap"]
	require.Equal(t, m.ID, data[:4])
	vals, err := m.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return swapArgs{
		tokenIn:  vals[0].(common.Address),
		amountIn: vals[1].(*big.Int),
		minOut:   vals[2].(*big.Int),
		to:       vals[3].(common.Address),
	}
}

func testEngine(t *testing.T, src PoolSource, nativeRate float64) *Engine {
	t.Helper()
	e, err := New(zap.NewNop(), config.FXCfg{
		HubCurrency:       "HUB",
		FeePerHopBps:      30,
		RatioTolerancePct: 2.0,
	}, src, StaticNativeRate(nativeRate))
	require.NoError(t, err)
	return e
}

func TestGetPoolEitherOrder(t *testing.T) {
	e := testEngine(t, testMesh(), 0)
	ctx := context.Background()

	p, err := e.GetPool(ctx, "AAA", "HUB")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "aaa-hub", p.ID)

	p, err = e.GetPool(ctx, "HUB", "AAA")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "aaa-hub", p.ID)

	p, err = e.GetPool(ctx, "AAA", "BBB")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestNeedsMultiHop(t *testing.T) {
	e := testEngine(t, testMesh(), 0)
	ctx := context.Background()

	multi, err := e.NeedsMultiHop(ctx, "AAA", "HUB")
	require.NoError(t, err)
	assert.False(t, multi)

	multi, err = e.NeedsMultiHop(ctx, "AAA", "BBB")
	require.NoError(t, err)
	assert.True(t, multi)
}

func TestExchangeRateInversion(t *testing.T) {
	e := testEngine(t, testMesh(), 0)
	ctx := context.Background()

	r, err := e.GetExchangeRate(ctx, "AAA", "HUB")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, r, 1e-9)

	inv, err := e.GetExchangeRate(ctx, "HUB", "AAA")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, inv, 1e-9)
	assert.InDelta(t, 1.0, r*inv, 1e-9)
}

func TestExchangeRateNativeHubPool(t *testing.T) {
	e := testEngine(t, testMesh(), 0.25)
	ctx := context.Background()

	r, err := e.GetExchangeRate(ctx, "native", "HUB")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, r, 1e-9)

	inv, err := e.GetExchangeRate(ctx, "HUB", "native")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, inv, 1e-9)
}

func TestCalculateSwapOutputDirect(t *testing.T) {
	e := testEngine(t, testMesh(), 0)

	// 10 AAA at 2.0 hub per AAA, one 0.3% fee after conversion.
	out, err := e.CalculateSwapOutput(context.Background(), "AAA", "HUB", "10")
	require.NoError(t, err)
	assert.Equal(t, "19.94", out)
}

func TestCalculateSwapOutputTwoHop(t *testing.T) {
	e := testEngine(t, testMesh(), 0)

	// 10 AAA -> 20 HUB -> 10 BBB gross, then a single 0.6% deduction.
	out, err := e.CalculateSwapOutput(context.Background(), "AAA", "BBB", "10")
	require.NoError(t, err)
	assert.Equal(t, "9.94", out)
}

func TestCalculateSwapOutputNoPool(t *testing.T) {
	e := testEngine(t, staticSource{}, 0)

	_, err := e.CalculateSwapOutput(context.Background(), "AAA", "HUB", "10")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPool))
}

func TestExecuteSwapTwoHops(t *testing.T) {
	e := testEngine(t, testMesh(), 0)
	sig := &fxSigner{}

	hashes, err := e.ExecuteSwap(context.Background(), "AAA", "BBB", "10", 1.0, sig)
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	require.Len(t, sig.calls, 2)

	// Each leg targets its own pool, in hub-route order.
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000a01"), sig.calls[0].To)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000a02"), sig.calls[1].To)

	leg1 := unpackSwap(t, e, sig.calls[0].Data)
	assert.Equal(t, common.HexToAddress(addrAAA), leg1.tokenIn)
	assert.Equal(t, "1000", leg1.amountIn.String()) // 10 AAA at 2 decimals
	assert.Equal(t, "1974", leg1.minOut.String())   // 19.94 hub less 1% slippage
	assert.Equal(t, sig.Address(), leg1.to)

	// Leg 2 spends leg 1's fee-adjusted output.
	leg2 := unpackSwap(t, e, sig.calls[1].Data)
	assert.Equal(t, common.HexToAddress(addrHUB), leg2.tokenIn)
	assert.Equal(t, "1994", leg2.amountIn.String())
}

func TestExecuteSwapDirect(t *testing.T) {
	e := testEngine(t, testMesh(), 0)
	sig := &fxSigner{}

	hashes, err := e.ExecuteSwap(context.Background(), "HUB", "AAA", "20", 0, sig)
	require.NoError(t, err)
	require.Len(t, hashes, 1)

	leg := unpackSwap(t, e, sig.calls[0].Data)
	assert.Equal(t, common.HexToAddress(addrHUB), leg.tokenIn)
	assert.Equal(t, "2000", leg.amountIn.String())
	assert.Equal(t, "997", leg.minOut.String()) // 20 hub at 0.5, 0.3% fee, no slippage
}

func TestExecuteSwapRequiresTokenAddresses(t *testing.T) {
	mesh := testMesh()
	mesh[0].AddressA = ""
	e := testEngine(t, mesh, 0)

	_, err := e.ExecuteSwap(context.Background(), "AAA", "HUB", "10", 1.0, &fxSigner{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token address")
}

func TestCheckDepositRatio(t *testing.T) {
	e := testEngine(t, testMesh(), 0)
	p := &pools.Descriptor{
		ID: "aaa-hub", TokenA: "AAA", TokenB: "HUB", DecimalsA: 0, DecimalsB: 0,
		VirtualReserveA: "1000", VirtualReserveB: "2000",
	}

	// Ratio 1.5 against pool ratio 2.0 deviates ~33%, well past tolerance.
	err := e.CheckDepositRatio(p, "100", "150")
	require.Error(t, err)
	var rde *RatioDeviationError
	require.True(t, errors.As(err, &rde))
	assert.Equal(t, "200", rde.SuggestedB)
	assert.InDelta(t, 33.33, rde.DeviationPct, 0.01)

	// A matching deposit passes.
	assert.NoError(t, e.CheckDepositRatio(p, "100", "200"))

	// Just inside the 2% tolerance.
	assert.NoError(t, e.CheckDepositRatio(p, "100", "201"))
}

func TestIsqrt(t *testing.T) {
	assert.Equal(t, "0", Isqrt(big.NewInt(0)).String())
	assert.Equal(t, "1", Isqrt(big.NewInt(1)).String())
	assert.Equal(t, "3", Isqrt(big.NewInt(15)).String())
	assert.Equal(t, "4", Isqrt(big.NewInt(16)).String())
	assert.Equal(t, "0", Isqrt(big.NewInt(-4)).String())

	big18 := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	assert.Equal(t, "1000000000", Isqrt(big18).String())

	// One below a perfect square floors down.
	n := new(big.Int).Sub(big18, big.NewInt(1))
	assert.Equal(t, "999999999", Isqrt(n).String())
}

func TestFirstLPTokens(t *testing.T) {
	assert.Equal(t, "6", FirstLPTokens(big.NewInt(4), big.NewInt(9)).String())
	assert.Equal(t, "1000", FirstLPTokens(big.NewInt(1000), big.NewInt(1000)).String())
}
