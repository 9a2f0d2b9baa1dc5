package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller is the read-only slice of an eth client the adapters need.
// Satisfied by *ethclient.Client; faked in tests.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const erc20ABI = `[
 {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"address","name":"spender","type":"address"}],"name":"allowance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
 {"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var parsedERC20 = mustABI(erc20ABI)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// DecimalsCache resolves and memoizes ERC20 decimals.
type DecimalsCache struct {
	ec ContractCaller

	mu  sync.RWMutex
	dec map[common.Address]int
}

func NewDecimalsCache(ec ContractCaller) *DecimalsCache {
	return &DecimalsCache{ec: ec, dec: make(map[common.Address]int, 16)}
}

func (c *DecimalsCache) Get(ctx context.Context, tok common.Address) (int, error) {
	c.mu.RLock()
	if d, ok := c.dec[tok]; ok {
		c.mu.RUnlock()
		return d, nil
	}
	c.mu.RUnlock()

	data, _ := parsedERC20.Pack("decimals")
	raw, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &tok, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	outs, err := parsedERC20.Methods["decimals"].Outputs.Unpack(raw)
	if err != nil || len(outs) == 0 {
		return 0, fmt.Errorf("decode decimals: %w", err)
	}

	var d int
	switch v := outs[0].(type) {
	case uint8:
		d = int(v)
	case *big.Int:
		d = int(v.Int64())
	default:
		return 0, fmt.Errorf("unexpected decimals type %T", v)
	}

	c.mu.Lock()
	c.dec[tok] = d
	c.mu.Unlock()
	return d, nil
}

// Seed pre-populates an entry. Tests and static token lists.
func (c *DecimalsCache) Seed(tok common.Address, decimals int) {
	c.mu.Lock()
	c.dec[tok] = decimals
	c.mu.Unlock()
}

// PackApprove builds approve(spender, amount) calldata.
func PackApprove(spender common.Address, amount *big.Int) []byte {
	data, _ := parsedERC20.Pack("approve", spender, amount)
	return data
}

// Allowance reads allowance(owner, spender).
func Allowance(ctx context.Context, ec ContractCaller, tok, owner, spender common.Address) (*big.Int, error) {
	data, _ := parsedERC20.Pack("allowance", owner, spender)
	raw, err := ec.CallContract(ctx, ethereum.CallMsg{To: &tok, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call allowance: %w", err)
	}
	outs, err := parsedERC20.Methods["allowance"].Outputs.Unpack(raw)
	if err != nil || len(outs) == 0 {
		return nil, fmt.Errorf("decode allowance: %w", err)
	}
	v, ok := outs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance type %T", outs[0])
	}
	return v, nil
}
