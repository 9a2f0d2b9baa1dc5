package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/aggregator"
	"github.com/you/dex-aggregator/internal/config"
	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/execution"
	"github.com/you/dex-aggregator/internal/fx"
	"github.com/you/dex-aggregator/internal/pools"
	"github.com/you/dex-aggregator/internal/signer"
	"github.com/you/dex-aggregator/internal/token"
)

type apiAdapter struct {
	id  core.VenueID
	out string
}

func (f *apiAdapter) ID() core.VenueID                 { return f.id }
func (f *apiAdapter) IsAvailable(context.Context) bool { return true }
func (f *apiAdapter) Spender() common.Address          { return common.Address{} }
func (f *apiAdapter) SupportsMultiHop() bool           { return false }

func (f *apiAdapter) DiscoverRoutes(_ context.Context, in, out token.Token) ([]core.RouteCandidate, error) {
	return []core.RouteCandidate{{Venue: f.id, Path: []string{in.ID, out.ID}}}, nil
}

func (f *apiAdapter) Quote(_ context.Context, route core.RouteCandidate, amountIn string) (*core.Quote, error) {
	return &core.Quote{
		Venue:     f.id,
		TokenIn:   route.Path[0],
		TokenOut:  route.Path[1],
		AmountIn:  amountIn,
		AmountOut: f.out,
		Path:      route.Path,
		Candidate: route,
	}, nil
}

func (f *apiAdapter) BuildSwap(core.RouteCandidate, *big.Int, *big.Int, common.Address, time.Time) (core.SwapCall, error) {
	return core.SwapCall{}, nil
}

type mesh []pools.Descriptor

func (m mesh) Pools(context.Context) ([]pools.Descriptor, error) { return m, nil }

type capturePublisher struct {
	mu   sync.Mutex
	pair string
	best core.Route
	done chan struct{}
}

func (c *capturePublisher) PublishBest(_ context.Context, in, out string, best core.Route) error {
	c.mu.Lock()
	c.pair = in + ":" + out
	c.best = best
	c.mu.Unlock()
	close(c.done)
	return nil
}

type captureExecutor struct {
	route core.Route
	slip  float64
	res   *execution.Result
	err   error
}

func (c *captureExecutor) Execute(_ context.Context, selected core.Route, slippagePct float64, _ signer.Signer) (*execution.Result, error) {
	c.route = selected
	c.slip = slippagePct
	if c.err != nil {
		return nil, c.err
	}
	return c.res, nil
}

type nopSigner struct{}

func (nopSigner) Address() common.Address { return common.Address{} }
func (nopSigner) SubmitAndWait(context.Context, core.SwapCall) (*gethtypes.Receipt, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *capturePublisher) {
	t.Helper()
	core.Reset()
	t.Cleanup(core.Reset)
	core.Register(&apiAdapter{id: core.VenueSaucerSwapV1, out: "95"})
	core.Register(&apiAdapter{id: core.VenueSaucerSwapV2, out: "97"})

	reg := token.NewRegistry(zap.NewNop(), common.HexToAddress("0x0f"), "HBAR", 8)
	reg.Add(token.Token{ID: "usdc", Symbol: "USDC", Decimals: 6, Address: "0x00000000000000000000000000000000000000a1"})

	fxe, err := fx.New(zap.NewNop(), config.FXCfg{HubCurrency: "HUB", FeePerHopBps: 30, RatioTolerancePct: 2},
		mesh{{
			ID: "aaa-hub", TokenA: "AAA", TokenB: "HUB", DecimalsA: 2, DecimalsB: 2,
			VirtualReserveA: "100000", VirtualReserveB: "200000",
		}}, fx.StaticNativeRate(0.25))
	require.NoError(t, err)

	srv := NewServer(zap.NewNop(), aggregator.New(zap.NewNop(), reg), reg, fxe, "HUB",
		[]core.VenueID{core.VenueSaucerSwapV1, core.VenueSaucerSwapV2}, time.Second)
	pub := &capturePublisher{done: make(chan struct{})}
	srv.SetPublisher(pub)
	return srv, pub
}

func TestRoutesEndpoint(t *testing.T) {
	srv, pub := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/routes?in=native&out=usdc&amount=100")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Routes []core.Route `json:"routes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Routes, 2)

	assert.Equal(t, core.VenueSaucerSwapV2, body.Routes[0].Venue)
	assert.True(t, body.Routes[0].IsBestPrice)
	assert.Nil(t, body.Routes[0].SavingsVsBest)
	require.NotNil(t, body.Routes[1].SavingsVsBest)
	assert.Equal(t, "2.06", *body.Routes[1].SavingsVsBest)

	select {
	case <-pub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("best route was not published")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "native:usdc", pub.pair)
	assert.Equal(t, "97", pub.best.AmountOut)
}

func TestRoutesEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/routes?in=native")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/routes?in=native&out=doge&amount=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	exec := &captureExecutor{res: &execution.Result{
		TxHashes:  []string{"0xabc"},
		AmountOut: "97",
		MinOut:    "96.5",
	}}
	srv.SetExecutor(exec, nopSigner{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := strings.NewReader(`{"in":"native","out":"usdc","amount":"100","slippagePct":0.5}`)
	resp, err := http.Post(ts.URL+"/api/execute", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Venue     string   `json:"venue"`
		TxHashes  []string `json:"txHashes"`
		AmountOut string   `json:"amountOut"`
		MinOut    string   `json:"minOut"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"0xabc"}, out.TxHashes)
	assert.Equal(t, "96.5", out.MinOut)

	// Venue unspecified: the best-ranked route is what gets executed.
	assert.Equal(t, "saucerswap_v2", out.Venue)
	assert.Equal(t, core.VenueSaucerSwapV2, exec.route.Venue)
	assert.InDelta(t, 0.5, exec.slip, 1e-9)
}

func TestExecuteEndpointVenueOverride(t *testing.T) {
	srv, _ := newTestServer(t)
	exec := &captureExecutor{res: &execution.Result{AmountOut: "95", MinOut: "94.5"}}
	srv.SetExecutor(exec, nopSigner{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := strings.NewReader(`{"in":"native","out":"usdc","amount":"100","venue":"saucerswap_v1"}`)
	resp, err := http.Post(ts.URL+"/api/execute", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, core.VenueSaucerSwapV1, exec.route.Venue)
}

func TestExecuteEndpointDisabled(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/execute")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFxEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/fx/rate?from=AAA&to=HUB")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rate struct {
		Rate     float64 `json:"rate"`
		MultiHop bool    `json:"multiHop"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rate))
	assert.InDelta(t, 2.0, rate.Rate, 1e-9)
	assert.False(t, rate.MultiHop)

	resp2, err := http.Get(ts.URL + "/api/fx/output?from=AAA&to=HUB&amount=10")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var out struct {
		AmountOut string `json:"amountOut"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.Equal(t, "19.94", out.AmountOut)
}

func TestHealthzAndCORS(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/routes", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
