package fx

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/you/dex-aggregator/internal/dex/evm"
)

// The native/hub pool exposes a bespoke rate getter instead of the generic
// pool interface. The returned value is hub units per native unit, scaled
// by 1e18.
const nativePoolABI = `[
 {"name":"exchangeRate","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"rate","type":"uint256"}]}
]`

var rateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

type ChainNativeRate struct {
	ec   evm.ContractCaller
	pool common.Address
	abi  abi.ABI
}

func NewChainNativeRate(ec evm.ContractCaller, pool common.Address) (*ChainNativeRate, error) {
	parsed, err := abi.JSON(strings.NewReader(nativePoolABI))
	if err != nil {
		return nil, fmt.Errorf("parse native pool abi: %w", err)
	}
	return &ChainNativeRate{ec: ec, pool: pool, abi: parsed}, nil
}

func (c *ChainNativeRate) HubPerNative(ctx context.Context) (*big.Rat, error) {
	data, err := c.abi.Pack("exchangeRate")
	if err != nil {
		return nil, fmt.Errorf("pack exchangeRate: %w", err)
	}
	raw, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &c.pool, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call exchangeRate: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("native pool returned no rate")
	}
	out, err := c.abi.Unpack("exchangeRate", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack exchangeRate: %w", err)
	}
	rate, ok := out[0].(*big.Int)
	if !ok || rate.Sign() <= 0 {
		return nil, fmt.Errorf("native pool rate invalid")
	}
	return new(big.Rat).SetFrac(rate, rateScale), nil
}
