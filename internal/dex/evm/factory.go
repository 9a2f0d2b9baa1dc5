package evm

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const v2FactoryABI = `[
 {"inputs":[{"internalType":"address","name":"tokenA","type":"address"},{"internalType":"address","name":"tokenB","type":"address"}],"name":"getPair","outputs":[{"internalType":"address","name":"pair","type":"address"}],"stateMutability":"view","type":"function"}
]`

const v3FactoryABI = `[
 {"inputs":[{"internalType":"address","name":"tokenA","type":"address"},{"internalType":"address","name":"tokenB","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"}],"name":"getPool","outputs":[{"internalType":"address","name":"pool","type":"address"}],"stateMutability":"view","type":"function"}
]`

var (
	parsedV2Factory = mustABI(v2FactoryABI)
	parsedV3Factory = mustABI(v3FactoryABI)
)

// GetPair resolves a constant-product pair address. The zero address is the
// "no pool" sentinel, returned as (zero, nil), not as an error.
func GetPair(ctx context.Context, ec ContractCaller, factory, tokenA, tokenB common.Address) (common.Address, error) {
	data, _ := parsedV2Factory.Pack("getPair", tokenA, tokenB)
	raw, err := ec.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("call getPair: %w", err)
	}
	if len(raw) == 0 {
		return common.Address{}, nil
	}
	outs, err := parsedV2Factory.Unpack("getPair", raw)
	if err != nil || len(outs) != 1 {
		return common.Address{}, fmt.Errorf("unpack getPair: %w", err)
	}
	return outs[0].(common.Address), nil
}

// PackGetPool returns getPool calldata, for batching through multicall.
func PackGetPool(tokenA, tokenB common.Address, fee uint32) []byte {
	data, _ := parsedV3Factory.Pack("getPool", tokenA, tokenB, big.NewInt(int64(fee)))
	return data
}

// GetPool resolves a concentrated-liquidity pool for one fee tier. Zero
// address means the tier has no pool.
func GetPool(ctx context.Context, ec ContractCaller, factory, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	data, _ := parsedV3Factory.Pack("getPool", tokenA, tokenB, big.NewInt(int64(fee)))
	raw, err := ec.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("call getPool(fee=%d): %w", fee, err)
	}
	if len(raw) == 0 {
		return common.Address{}, nil
	}
	outs, err := parsedV3Factory.Unpack("getPool", raw)
	if err != nil || len(outs) != 1 {
		return common.Address{}, fmt.Errorf("unpack getPool(fee=%d): %w", fee, err)
	}
	return outs[0].(common.Address), nil
}
