// Package signer is the single mutation boundary: it turns a SwapCall into
// a signed transaction and waits for its receipt.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/dex/core"
)

type Signer interface {
	Address() common.Address
	// SubmitAndWait signs, broadcasts and blocks until the transaction is
	// mined, returning its receipt.
	SubmitAndWait(ctx context.Context, call core.SwapCall) (*gethtypes.Receipt, error)
}

type EthSigner struct {
	log      *zap.Logger
	ec       *ethclient.Client
	priv     *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
}

func NewEthSigner(ctx context.Context, log *zap.Logger, ec *ethclient.Client, pkHex string, gasLimitFallback uint64) (*EthSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(pkHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("bad private key: %w", err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if gasLimitFallback == 0 {
		gasLimitFallback = 400_000
	}
	return &EthSigner{
		log:      log,
		ec:       ec,
		priv:     key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: gasLimitFallback,
	}, nil
}

func (s *EthSigner) Address() common.Address { return s.from }

func (s *EthSigner) SubmitAndWait(ctx context.Context, call core.SwapCall) (*gethtypes.Receipt, error) {
	tip, err := s.ec.SuggestGasTipCap(ctx)
	if err != nil || tip == nil {
		tip = big.NewInt(2_000_000_000)
	}
	var baseFee *big.Int
	if h, _ := s.ec.HeaderByNumber(ctx, nil); h != nil && h.BaseFee != nil {
		baseFee = new(big.Int).Set(h.BaseFee)
	} else if sp, _ := s.ec.SuggestGasPrice(ctx); sp != nil {
		baseFee = sp
	} else {
		baseFee = big.NewInt(5_000_000_000)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	nonce, err := s.ec.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	gas, err := s.ec.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &call.To, Data: call.Data, Value: value})
	if err != nil || gas == 0 {
		gas = s.gasLimit
	}

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		To:        &call.To,
		Gas:       gas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      call.Data,
		Value:     value,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(s.chainID), s.priv)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := s.ec.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}

	s.log.Info("transaction submitted", zap.String("hash", signed.Hash().Hex()))
	receipt, err := bind.WaitMined(ctx, s.ec, signed)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", signed.Hash().Hex(), err)
	}
	return receipt, nil
}
