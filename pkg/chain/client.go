package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTxNotFound means the node has no receipt for the hash yet. The
// transaction may still be pending or may never land.
var ErrTxNotFound = errors.New("transaction not found")

type Receipt struct {
	TxHash        string
	BlockNumber   uint64
	Success       bool
	Confirmations uint64
}

type Client interface {
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

type evmClient struct {
	rpc *ethclient.Client
}

func Dial(rpcURL string) (Client, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return &evmClient{rpc: rpc}, nil
}

func (c *evmClient) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	rcpt, err := c.rpc.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	var confirmations uint64
	blockNumber := rcpt.BlockNumber.Uint64()
	if head >= blockNumber {
		confirmations = head - blockNumber + 1
	}

	return &Receipt{
		TxHash:        txHash,
		BlockNumber:   blockNumber,
		Success:       rcpt.Status == types.ReceiptStatusSuccessful,
		Confirmations: confirmations,
	}, nil
}
