// Package execution turns a selected route into the correct on-chain call
// sequence: approve, refresh the quote, bound slippage, then the swap shape
// the route demands. Steps are strictly sequential; every call waits for
// its receipt before the next dependent step fires.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/dex/evm"
	imetrics "github.com/you/dex-aggregator/internal/metrics"
	"github.com/you/dex-aggregator/internal/risk"
	"github.com/you/dex-aggregator/internal/signer"
	"github.com/you/dex-aggregator/internal/token"
)

var (
	// ErrNoFreshRoute: the refresh-before-execute quote came back empty.
	// Nothing has been submitted on chain when this is returned.
	ErrNoFreshRoute = errors.New("no routes available for execution")

	ErrApprovalFailed = errors.New("token approval failed")
	ErrSwapReverted   = errors.New("swap reverted")
)

// DefaultSettleDelay separates the two transactions of the legacy
// sequential fallback so the first swap's output is spendable.
const DefaultSettleDelay = 3 * time.Second

const txDeadline = 2 * time.Minute

type Result struct {
	TxHashes  []string
	AmountOut string // fresh quote's expected output
	MinOut    string // slippage-adjusted floor actually enforced on chain
}

type Executor struct {
	log         *zap.Logger
	reg         *token.Registry
	ec          evm.ContractCaller
	policy      *risk.SlippagePolicy
	settleDelay time.Duration
}

func New(log *zap.Logger, reg *token.Registry, ec evm.ContractCaller, policy *risk.SlippagePolicy) *Executor {
	return &Executor{log: log, reg: reg, ec: ec, policy: policy, settleDelay: DefaultSettleDelay}
}

// Execute runs the full state machine for one selected route. The
// originally selected quote is never executed blind: a fresh quote for the
// same route is fetched first and its output drives the slippage bound.
func (e *Executor) Execute(ctx context.Context, selected core.Route, slippagePct float64, sig signer.Signer) (*Result, error) {
	adapter := core.Get(selected.Venue)
	if adapter == nil {
		return nil, fmt.Errorf("venue %s not registered", selected.Venue)
	}
	cand := selected.Candidate
	if len(cand.Path) < 2 {
		return nil, fmt.Errorf("malformed route candidate")
	}

	inTok, ok := e.reg.Get(cand.Path[0])
	if !ok {
		return nil, fmt.Errorf("unknown token %s", cand.Path[0])
	}
	outTok, ok := e.reg.Get(cand.Path[len(cand.Path)-1])
	if !ok {
		return nil, fmt.Errorf("unknown token %s", cand.Path[len(cand.Path)-1])
	}

	// Refresh before anything mutates: stale prices must not execute.
	fresh, err := adapter.Quote(ctx, cand, selected.AmountIn)
	if err != nil {
		return nil, fmt.Errorf("refresh quote: %w", err)
	}
	if fresh == nil {
		imetrics.SwapsExecuted.WithLabelValues("stale_rejected").Inc()
		return nil, ErrNoFreshRoute
	}

	effSlip := e.policy.Effective(slippagePct, fresh.PriceImpactPct)
	inWei, err := token.ToBaseUnits(fresh.AmountIn, inTok.Decimals)
	if err != nil {
		return nil, fmt.Errorf("amount in: %w", err)
	}
	outWei, err := token.ToBaseUnits(fresh.AmountOut, outTok.Decimals)
	if err != nil {
		return nil, fmt.Errorf("amount out: %w", err)
	}
	minOut := applySlippage(outWei, effSlip)

	res := &Result{
		AmountOut: fresh.AmountOut,
		MinOut:    token.FromBaseUnits(minOut, outTok.Decimals),
	}

	// Approval is skipped when spending the native asset: value rides on
	// the swap call itself.
	if !cand.NativeIn {
		if err := e.approve(ctx, cand.Addrs[0], adapter.Spender(), inWei, sig); err != nil {
			imetrics.SwapsExecuted.WithLabelValues("approval_failed").Inc()
			return nil, err
		}
	}

	if cand.Hops() == 1 || adapter.SupportsMultiHop() {
		receipt, err := e.submitSwap(ctx, adapter, cand, inWei, minOut, sig)
		if err != nil {
			imetrics.SwapsExecuted.WithLabelValues("reverted").Inc()
			return nil, err
		}
		res.TxHashes = append(res.TxHashes, receipt.TxHash.Hex())
		imetrics.SwapsExecuted.WithLabelValues("ok").Inc()
		e.log.Info("swap executed",
			zap.String("venue", string(selected.Venue)),
			zap.String("tx", receipt.TxHash.Hex()),
			zap.String("min_out", res.MinOut))
		return res, nil
	}

	// Legacy fallback: no atomic multi-hop router on this venue, so run the
	// two legs as separate transactions with slippage bounded per leg.
	hashes, err := e.executeSequential(ctx, adapter, cand, fresh.AmountIn, effSlip, sig)
	if err != nil {
		return nil, err
	}
	res.TxHashes = hashes
	imetrics.SwapsExecuted.WithLabelValues("ok").Inc()
	return res, nil
}

func (e *Executor) approve(ctx context.Context, tok, spender common.Address, amount *big.Int, sig signer.Signer) error {
	current, err := evm.Allowance(ctx, e.ec, tok, sig.Address(), spender)
	if err != nil {
		return fmt.Errorf("%w: read allowance: %v", ErrApprovalFailed, err)
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}

	call := core.SwapCall{To: tok, Data: evm.PackApprove(spender, amount), Value: big.NewInt(0)}
	receipt, err := sig.SubmitAndWait(ctx, call)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApprovalFailed, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: approval tx %s reverted", ErrApprovalFailed, receipt.TxHash.Hex())
	}
	return nil
}

func (e *Executor) submitSwap(ctx context.Context, adapter core.Adapter, cand core.RouteCandidate, inWei, minOut *big.Int, sig signer.Signer) (*gethtypes.Receipt, error) {
	call, err := adapter.BuildSwap(cand, inWei, minOut, sig.Address(), time.Now().Add(txDeadline))
	if err != nil {
		return nil, fmt.Errorf("build swap: %w", err)
	}
	receipt, err := sig.SubmitAndWait(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapReverted, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", ErrSwapReverted, receipt.TxHash.Hex())
	}
	return receipt, nil
}

func (e *Executor) executeSequential(ctx context.Context, adapter core.Adapter, cand core.RouteCandidate, amountIn string, slipPct float64, sig signer.Signer) ([]string, error) {
	legs := cand.Legs()
	if len(legs) != 2 {
		return nil, fmt.Errorf("sequential fallback needs exactly 2 hops, got %d", len(legs))
	}
	midTok, ok := e.reg.Get(legs[0].Path[1])
	if !ok {
		return nil, fmt.Errorf("unknown token %s", legs[0].Path[1])
	}

	q1, err := adapter.Quote(ctx, legs[0], amountIn)
	if err != nil {
		return nil, fmt.Errorf("leg1 quote: %w", err)
	}
	if q1 == nil {
		return nil, ErrNoFreshRoute
	}
	inTok, _ := e.reg.Get(legs[0].Path[0])
	in1, err := token.ToBaseUnits(amountIn, inTok.Decimals)
	if err != nil {
		return nil, err
	}
	mid, err := token.ToBaseUnits(q1.AmountOut, midTok.Decimals)
	if err != nil {
		return nil, err
	}
	minMid := applySlippage(mid, slipPct)

	receipt1, err := e.submitSwap(ctx, adapter, legs[0], in1, minMid, sig)
	if err != nil {
		imetrics.SwapsExecuted.WithLabelValues("reverted").Inc()
		return nil, fmt.Errorf("leg1: %w", err)
	}

	// Settle before spending the intermediate leg.
	select {
	case <-time.After(e.settleDelay):
	case <-ctx.Done():
		return []string{receipt1.TxHash.Hex()}, ctx.Err()
	}

	q2, err := adapter.Quote(ctx, legs[1], token.FromBaseUnits(minMid, midTok.Decimals))
	if err != nil {
		return []string{receipt1.TxHash.Hex()}, fmt.Errorf("leg2 quote: %w", err)
	}
	if q2 == nil {
		return []string{receipt1.TxHash.Hex()}, ErrNoFreshRoute
	}
	outTok, _ := e.reg.Get(legs[1].Path[1])
	out2, err := token.ToBaseUnits(q2.AmountOut, outTok.Decimals)
	if err != nil {
		return []string{receipt1.TxHash.Hex()}, err
	}
	minOut2 := applySlippage(out2, slipPct)

	if !legs[1].NativeIn {
		if err := e.approve(ctx, legs[1].Addrs[0], adapter.Spender(), minMid, sig); err != nil {
			imetrics.SwapsExecuted.WithLabelValues("approval_failed").Inc()
			return []string{receipt1.TxHash.Hex()}, err
		}
	}
	receipt2, err := e.submitSwap(ctx, adapter, legs[1], minMid, minOut2, sig)
	if err != nil {
		imetrics.SwapsExecuted.WithLabelValues("reverted").Inc()
		return []string{receipt1.TxHash.Hex()}, fmt.Errorf("leg2: %w", err)
	}
	return []string{receipt1.TxHash.Hex(), receipt2.TxHash.Hex()}, nil
}

// applySlippage floors amount*(1-pct/100) in integer arithmetic.
func applySlippage(amount *big.Int, pct float64) *big.Int {
	bps := int64(pct * 100)
	if bps < 0 {
		bps = 0
	}
	if bps > 10000 {
		bps = 10000
	}
	out := new(big.Int).Mul(amount, big.NewInt(10000-bps))
	return out.Div(out, big.NewInt(10000))
}
