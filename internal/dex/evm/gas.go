package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"
)

// PriceSource supplies the native asset's USD price for gas annotation.
type PriceSource interface {
	NativeUSD() float64
}

// GasEstimator prices a swap's gas cost in USD. Adapters only annotate
// quotes with it; execution uses the node's own estimate.
type GasEstimator interface {
	SwapGasUSD(ctx context.Context, hops int) float64
}

type feeEstimator struct {
	ec       *ethclient.Client
	gasLimit uint64
	price    PriceSource
}

func NewGasEstimator(ec *ethclient.Client, gasLimitSwap uint64, price PriceSource) GasEstimator {
	return &feeEstimator{ec: ec, gasLimit: gasLimitSwap, price: price}
}

func (f *feeEstimator) SwapGasUSD(ctx context.Context, hops int) float64 {
	tip, _ := f.ec.SuggestGasTipCap(ctx)
	if tip == nil {
		tip = big.NewInt(2_000_000_000)
	}
	var baseFee *big.Int
	if h, _ := f.ec.HeaderByNumber(ctx, nil); h != nil && h.BaseFee != nil {
		baseFee = new(big.Int).Set(h.BaseFee)
	} else if sp, _ := f.ec.SuggestGasPrice(ctx); sp != nil {
		baseFee = sp
	} else {
		baseFee = big.NewInt(5_000_000_000)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas := f.gasLimit
	if hops > 1 {
		gas += f.gasLimit / 2 // second pool traversal is cheaper than a fresh swap
	}
	totalWei := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))
	native, _ := new(big.Float).Quo(new(big.Float).SetInt(totalWei), big.NewFloat(1e18)).Float64()
	return native * f.price.NativeUSD()
}

// StaticGas is a fixed-cost estimator for tests and dry runs.
type StaticGas float64

func (s StaticGas) SwapGasUSD(context.Context, int) float64 { return float64(s) }

// StaticPrice is a fixed native-USD price source.
type StaticPrice float64

func (s StaticPrice) NativeUSD() float64 { return float64(s) }
