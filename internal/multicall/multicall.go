package multicall

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicallABI = `[
 {"constant":false,
  "inputs":[{"components":[{"name":"target","type":"address"},{"name":"callData","type":"bytes"}],"name":"calls","type":"tuple[]"}],
  "name":"aggregate",
  "outputs":[{"name":"blockNumber","type":"uint256"},{"name":"returnData","type":"bytes[]"}],
  "payable":false,"stateMutability":"nonpayable","type":"function"}
]`

type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type IClient interface {
	Aggregate(ctx context.Context, calls []Call) ([]Result, error)
}

type Call struct {
	Target   common.Address
	CallData []byte
}

// Result for one batched call. An empty returnData is reported as
// Success=false so callers can treat it as the no-liquidity sentinel.
type Result struct {
	Success bool
	Data    []byte
}

type Client struct {
	c    Caller
	addr common.Address
	abi  abi.ABI
}

func New(c Caller, addr common.Address) (IClient, error) {
	parsed, err := abi.JSON(strings.NewReader(multicallABI))
	if err != nil {
		return nil, fmt.Errorf("bad multicall abi: %w", err)
	}
	return &Client{c: c, addr: addr, abi: parsed}, nil
}

func (c *Client) Aggregate(ctx context.Context, calls []Call) ([]Result, error) {
	payload, err := c.abi.Pack("aggregate", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate: %w", err)
	}

	raw, err := c.c.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call aggregate: %w", err)
	}

	var agg struct {
		BlockNumber *big.Int
		ReturnData  [][]byte
	}
	if err := c.abi.UnpackIntoInterface(&agg, "aggregate", raw); err != nil {
		return nil, fmt.Errorf("unpack aggregate: %w", err)
	}

	out := make([]Result, len(calls))
	for i, r := range agg.ReturnData {
		out[i] = Result{Success: len(r) > 0, Data: r}
	}
	return out, nil
}
