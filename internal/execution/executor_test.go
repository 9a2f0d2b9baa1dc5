package execution

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/config"
	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/risk"
	"github.com/you/dex-aggregator/internal/token"
)

var (
	addrA      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	addrB      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	addrMid    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	routerAddr = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	poolAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

// allowanceCaller answers every eth_call with a fixed allowance value.
type allowanceCaller struct {
	allowance *big.Int
	calls     int
}

func (c *allowanceCaller) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.calls++
	return common.LeftPadBytes(c.allowance.Bytes(), 32), nil
}

type submitted struct {
	call core.SwapCall
}

type fakeSigner struct {
	addr       common.Address
	calls      []submitted
	failStatus bool
}

func (s *fakeSigner) Address() common.Address { return s.addr }

func (s *fakeSigner) SubmitAndWait(_ context.Context, call core.SwapCall) (*gethtypes.Receipt, error) {
	s.calls = append(s.calls, submitted{call: call})
	status := gethtypes.ReceiptStatusSuccessful
	if s.failStatus {
		status = gethtypes.ReceiptStatusFailed
	}
	return &gethtypes.Receipt{
		Status: status,
		TxHash: common.BigToHash(big.NewInt(int64(len(s.calls)))),
	}, nil
}

type execAdapter struct {
	id       core.VenueID
	multiHop bool

	freshOut   string
	freshNil   bool
	impact     float64
	legOuts    map[string]string // keyed by leg's input token id
	builtCalls []core.RouteCandidate
	builtMin   []*big.Int
}

func (f *execAdapter) ID() core.VenueID                 { return f.id }
func (f *execAdapter) IsAvailable(context.Context) bool { return true }
func (f *execAdapter) Spender() common.Address          { return routerAddr }
func (f *execAdapter) SupportsMultiHop() bool           { return f.multiHop }

func (f *execAdapter) DiscoverRoutes(context.Context, token.Token, token.Token) ([]core.RouteCandidate, error) {
	return nil, nil
}

func (f *execAdapter) Quote(_ context.Context, route core.RouteCandidate, amountIn string) (*core.Quote, error) {
	if f.freshNil {
		return nil, nil
	}
	out := f.freshOut
	if len(route.Path) == 2 && f.legOuts != nil {
		if v, ok := f.legOuts[route.Path[0]]; ok {
			out = v
		}
	}
	return &core.Quote{
		Venue:          f.id,
		TokenIn:        route.Path[0],
		TokenOut:       route.Path[len(route.Path)-1],
		AmountIn:       amountIn,
		AmountOut:      out,
		PriceImpactPct: f.impact,
		Path:           route.Path,
		Candidate:      route,
	}, nil
}

func (f *execAdapter) BuildSwap(route core.RouteCandidate, _, minOut *big.Int, _ common.Address, _ time.Time) (core.SwapCall, error) {
	f.builtCalls = append(f.builtCalls, route)
	f.builtMin = append(f.builtMin, new(big.Int).Set(minOut))
	return core.SwapCall{To: routerAddr, Data: []byte{0x01}, Value: big.NewInt(0)}, nil
}

func newExecRegistry() *token.Registry {
	reg := token.NewRegistry(zap.NewNop(), common.HexToAddress("0x0f"), "HBAR", 8)
	reg.Add(token.Token{ID: "aaa", Symbol: "AAA", Decimals: 6, Address: addrA.Hex()})
	reg.Add(token.Token{ID: "bbb", Symbol: "BBB", Decimals: 6, Address: addrB.Hex()})
	reg.Add(token.Token{ID: "mid", Symbol: "MID", Decimals: 6, Address: addrMid.Hex()})
	return reg
}

func newExecutor(ec *allowanceCaller) *Executor {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	e := New(zap.NewNop(), newExecRegistry(), ec, risk.NewSlippagePolicy(cfg))
	e.settleDelay = time.Millisecond
	return e
}

func directRoute(adapter *execAdapter, nativeIn bool) core.Route {
	cand := core.RouteCandidate{
		Venue:    adapter.id,
		Path:     []string{"aaa", "bbb"},
		Addrs:    []common.Address{addrA, addrB},
		Pools:    []common.Address{poolAddr},
		NativeIn: nativeIn,
	}
	return core.Route{Quote: core.Quote{
		Venue:     adapter.id,
		TokenIn:   "aaa",
		TokenOut:  "bbb",
		AmountIn:  "100",
		AmountOut: "101",
		Candidate: cand,
	}}
}

func TestExecuteRejectsStaleQuoteBeforeAnyTx(t *testing.T) {
	core.Reset()
	defer core.Reset()
	adapter := &execAdapter{id: core.VenueSaucerSwapV1, freshNil: true}
	core.Register(adapter)

	ec := &allowanceCaller{allowance: big.NewInt(0)}
	sig := &fakeSigner{addr: common.HexToAddress("0xaa")}

	_, err := newExecutor(ec).Execute(context.Background(), directRoute(adapter, false), 0.5, sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFreshRoute))

	// Nothing touched the chain: no allowance read, no transaction.
	assert.Zero(t, ec.calls)
	assert.Empty(t, sig.calls)
}

func TestExecuteSingleHopApprovesThenSwaps(t *testing.T) {
	core.Reset()
	defer core.Reset()
	adapter := &execAdapter{id: core.VenueSaucerSwapV1, freshOut: "100", impact: 0.1}
	core.Register(adapter)

	ec := &allowanceCaller{allowance: big.NewInt(0)}
	sig := &fakeSigner{addr: common.HexToAddress("0xaa")}

	res, err := newExecutor(ec).Execute(context.Background(), directRoute(adapter, false), 0.5, sig)
	require.NoError(t, err)
	require.Len(t, sig.calls, 2)

	// First tx is the approval on the input token, spender is the router.
	assert.Equal(t, addrA, sig.calls[0].call.To)
	assert.Equal(t, routerAddr, sig.calls[1].call.To)

	// minOut = 100 * (1 - 0.5%) floored to 6-decimal base units.
	require.Len(t, adapter.builtMin, 1)
	assert.Equal(t, "99500000", adapter.builtMin[0].String())
	assert.Equal(t, "99.5", res.MinOut)
	assert.Len(t, res.TxHashes, 1)
}

func TestExecuteSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	core.Reset()
	defer core.Reset()
	adapter := &execAdapter{id: core.VenueSaucerSwapV1, freshOut: "100", impact: 0.1}
	core.Register(adapter)

	ec := &allowanceCaller{allowance: new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)}
	sig := &fakeSigner{addr: common.HexToAddress("0xaa")}

	_, err := newExecutor(ec).Execute(context.Background(), directRoute(adapter, false), 0.5, sig)
	require.NoError(t, err)
	require.Len(t, sig.calls, 1)
	assert.Equal(t, routerAddr, sig.calls[0].call.To)
}

func TestExecuteSkipsApprovalForNativeInput(t *testing.T) {
	core.Reset()
	defer core.Reset()
	adapter := &execAdapter{id: core.VenueSaucerSwapV1, freshOut: "100", impact: 0.1}
	core.Register(adapter)

	ec := &allowanceCaller{allowance: big.NewInt(0)}
	sig := &fakeSigner{addr: common.HexToAddress("0xaa")}

	_, err := newExecutor(ec).Execute(context.Background(), directRoute(adapter, true), 0.5, sig)
	require.NoError(t, err)
	assert.Zero(t, ec.calls)
	require.Len(t, sig.calls, 1)
}

func TestExecuteEnforcesSlippageFloorOnLowLiquidity(t *testing.T) {
	core.Reset()
	defer core.Reset()
	adapter := &execAdapter{id: core.VenueSaucerSwapV1, freshOut: "100", impact: 5.0}
	core.Register(adapter)

	ec := &allowanceCaller{allowance: big.NewInt(0)}
	sig := &fakeSigner{addr: common.HexToAddress("0xaa")}

	res, err := newExecutor(ec).Execute(context.Background(), directRoute(adapter, false), 0.1, sig)
	require.NoError(t, err)

	// Tolerance 0.1% is below the 1% floor and the pool quoted 5% impact:
	// the floor wins.
	assert.Equal(t, "99", res.MinOut)
}

func TestExecuteSurfacesRevert(t *testing.T) {
	core.Reset()
	defer core.Reset()
	adapter := &execAdapter{id: core.VenueSaucerSwapV1, freshOut: "100", impact: 0.1}
	core.Register(adapter)

	ec := &allowanceCaller{allowance: new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)}
	sig := &fakeSigner{addr: common.HexToAddress("0xaa"), failStatus: true}

	_, err := newExecutor(ec).Execute(context.Background(), directRoute(adapter, false), 0.5, sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSwapReverted))
}

func TestExecuteSequentialFallback(t *testing.T) {
	core.Reset()
	defer core.Reset()
	adapter := &execAdapter{
		id:       core.VenueSaucerSwapV1,
		multiHop: false,
		freshOut: "95",
		impact:   0.1,
		legOuts:  map[string]string{"aaa": "50", "mid": "95"},
	}
	core.Register(adapter)

	cand := core.RouteCandidate{
		Venue: adapter.id,
		Path:  []string{"aaa", "mid", "bbb"},
		Addrs: []common.Address{addrA, addrMid, addrB},
		Pools: []common.Address{poolAddr, poolAddr},
	}
	selected := core.Route{Quote: core.Quote{
		Venue:     adapter.id,
		TokenIn:   "aaa",
		TokenOut:  "bbb",
		AmountIn:  "100",
		AmountOut: "95",
		Candidate: cand,
	}}

	ec := &allowanceCaller{allowance: big.NewInt(0)}
	sig := &fakeSigner{addr: common.HexToAddress("0xaa")}

	res, err := newExecutor(ec).Execute(context.Background(), selected, 0.5, sig)
	require.NoError(t, err)

	// approve aaa, swap leg1, approve mid, swap leg2.
	require.Len(t, sig.calls, 4)
	assert.Equal(t, addrA, sig.calls[0].call.To)
	assert.Equal(t, routerAddr, sig.calls[1].call.To)
	assert.Equal(t, addrMid, sig.calls[2].call.To)
	assert.Equal(t, routerAddr, sig.calls[3].call.To)

	require.Len(t, adapter.builtCalls, 2)
	assert.Equal(t, []string{"aaa", "mid"}, adapter.builtCalls[0].Path)
	assert.Equal(t, []string{"mid", "bbb"}, adapter.builtCalls[1].Path)

	assert.Len(t, res.TxHashes, 2)
}
