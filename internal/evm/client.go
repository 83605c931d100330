package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goran-ethernal/dna/internal/metrics"
	"github.com/goran-ethernal/dna/pkg/config"
)

// ErrBlockNotFound is returned when the requested block does not exist.
// For chains with missed slots it is expected and converted to an empty
// block placeholder by the caller.
var ErrBlockNotFound = errors.New("block not found")

// Client wraps the Ethereum RPC client with the calls the ingestion
// pipeline needs, applying the retry policy to every call.
type Client struct {
	eth         *ethclient.Client
	rpc         *rpc.Client
	chainID     *big.Int
	retryConfig *config.RetryConfig
}

// NewClient creates a new RPC client connected to the given endpoint.
func NewClient(ctx context.Context, endpoint string, retryConfig *config.RetryConfig) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	return &Client{
		eth:         eth,
		rpc:         rpcClient,
		chainID:     chainID,
		retryConfig: retryConfig,
	}, nil
}

// ChainID returns the connected chain's id.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// Close closes the RPC client connection.
func (c *Client) Close() {
	c.eth.Close()
}

func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound) ||
		strings.Contains(strings.ToLower(err.Error()), "not found")
}

// HeaderByNumber retrieves the header at the given height. A nil number
// means the latest header.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	start := time.Now()
	metrics.RPCCallInc("eth_getBlockByNumber")
	defer func() {
		metrics.RPCCallDuration("eth_getBlockByNumber", time.Since(start))
	}()

	var header *types.Header
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getBlockByNumber", func() error {
		var fetchErr error
		header, fetchErr = c.eth.HeaderByNumber(ctx, number)
		return fetchErr
	})

	if err != nil {
		metrics.RPCErrorInc("eth_getBlockByNumber")
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: header %v", ErrBlockNotFound, number)
		}
		return nil, err
	}

	return header, nil
}

// FinalizedHeader retrieves the finalized block header.
func (c *Client) FinalizedHeader(ctx context.Context) (*types.Header, error) {
	return c.HeaderByNumber(ctx, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
}

// HeaderByHash retrieves the header with the given hash.
func (c *Client) HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	start := time.Now()
	metrics.RPCCallInc("eth_getBlockByHash")
	defer func() {
		metrics.RPCCallDuration("eth_getBlockByHash", time.Since(start))
	}()

	var header *types.Header
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getBlockByHash", func() error {
		var fetchErr error
		header, fetchErr = c.eth.HeaderByHash(ctx, hash)
		return fetchErr
	})

	if err != nil {
		metrics.RPCErrorInc("eth_getBlockByHash")
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: header %s", ErrBlockNotFound, hash.Hex())
		}
		return nil, err
	}

	return header, nil
}

// BlockByNumber retrieves a full block, transactions included.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	start := time.Now()
	metrics.RPCCallInc("eth_getBlockByNumber")
	defer func() {
		metrics.RPCCallDuration("eth_getBlockByNumber", time.Since(start))
	}()

	var block *types.Block
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getBlockByNumber", func() error {
		var fetchErr error
		block, fetchErr = c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return fetchErr
	})

	if err != nil {
		metrics.RPCErrorInc("eth_getBlockByNumber")
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: block %d", ErrBlockNotFound, number)
		}
		return nil, err
	}

	return block, nil
}

// BlockByHash retrieves a full block by hash, transactions included.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	start := time.Now()
	metrics.RPCCallInc("eth_getBlockByHash")
	defer func() {
		metrics.RPCCallDuration("eth_getBlockByHash", time.Since(start))
	}()

	var block *types.Block
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getBlockByHash", func() error {
		var fetchErr error
		block, fetchErr = c.eth.BlockByHash(ctx, hash)
		return fetchErr
	})

	if err != nil {
		metrics.RPCErrorInc("eth_getBlockByHash")
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: block %s", ErrBlockNotFound, hash.Hex())
		}
		return nil, err
	}

	return block, nil
}

// BlockReceipts retrieves all receipts of a block.
func (c *Client) BlockReceipts(ctx context.Context, hash common.Hash) ([]*types.Receipt, error) {
	start := time.Now()
	metrics.RPCCallInc("eth_getBlockReceipts")
	defer func() {
		metrics.RPCCallDuration("eth_getBlockReceipts", time.Since(start))
	}()

	var receipts []*types.Receipt
	err := retryWithBackoff(ctx, c.retryConfig, "eth_getBlockReceipts", func() error {
		var fetchErr error
		receipts, fetchErr = c.eth.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(hash, false))
		return fetchErr
	})

	if err != nil {
		metrics.RPCErrorInc("eth_getBlockReceipts")
		return nil, err
	}

	return receipts, nil
}
