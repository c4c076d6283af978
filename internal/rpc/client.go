package rpc

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Client wraps an Ethereum client for Base RPC interactions
type Client struct {
	client      *ethclient.Client
	rpcClient   *rpc.Client
	endpoint    string
	logPageSize uint64
	logger      zerolog.Logger
}

// NewClient creates a new RPC client
func NewClient(endpoint string, logPageSize uint64, logger zerolog.Logger) (*Client, error) {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	rpcClient, err := rpc.DialHTTPWithClient(endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := ethclient.NewClient(rpcClient)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to verify chain ID, continuing anyway")
	} else {
		logger.Info().
			Str("endpoint", endpoint).
			Int64("chain_id", chainID.Int64()).
			Msg("Connected to RPC endpoint")
	}

	if logPageSize == 0 {
		logPageSize = 10
	}

	return &Client{
		client:      client,
		rpcClient:   rpcClient,
		endpoint:    endpoint,
		logPageSize: logPageSize,
		logger:      logger,
	}, nil
}

// Close closes the RPC client connection
func (c *Client) Close() {
	c.client.Close()
	c.logger.Info().Msg("RPC client connection closed")
}

// GetLatestBlockNumber returns the latest block number
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	_, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	blockNumber, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return blockNumber, nil
}

// GetLogsPaged walks a block range in pages small enough for strict
// providers, collecting logs for the given addresses and topics.
func (c *Client) GetLogsPaged(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	var all []types.Log

	for start := fromBlock; start <= toBlock; start += c.logPageSize {
		end := start + c.logPageSize - 1
		if end > toBlock {
			end = toBlock
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: addresses,
			Topics:    topics,
		}

		var logs []types.Log
		err := c.Retry(ctx, func() error {
			var err error
			logs, err = c.client.FilterLogs(ctx, query)
			return err
		}, 3)
		if err != nil {
			return nil, fmt.Errorf("failed to get logs for blocks %d-%d: %w", start, end, err)
		}
		all = append(all, logs...)
	}

	return all, nil
}

// GetCode returns the deployed bytecode at an address
func (c *Client) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	code, err := c.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get code for %s: %w", address.Hex(), err)
	}
	return code, nil
}

// GetBlockTimestamp returns the timestamp of a block
func (c *Client) GetBlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get header for block %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// GetTokenMetadata fetches on-chain token metadata through the provider's
// enhanced API. Returns ErrNoMetadata when the provider has nothing.
func (c *Client) GetTokenMetadata(ctx context.Context, address common.Address) (*TokenMetadata, error) {
	var meta TokenMetadata
	err := c.rpcClient.CallContext(ctx, &meta, "alchemy_getTokenMetadata", address.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to get token metadata for %s: %w", address.Hex(), err)
	}
	if meta.Name == "" && meta.Symbol == "" {
		return nil, ErrNoMetadata
	}
	return &meta, nil
}

// GetContractCreations lists contract creation transfers in a block range
// through the provider's enhanced API.
func (c *Client) GetContractCreations(ctx context.Context, fromBlock, toBlock uint64) ([]AssetTransfer, error) {
	params := assetTransferParams{
		FromBlock:    hexBlock(fromBlock),
		ToBlock:      hexBlock(toBlock),
		Category:     []string{"external"},
		ExcludeZero:  true,
		MaxCount:     "0x64",
		WithMetadata: true,
	}

	var result assetTransferResult
	err := c.rpcClient.CallContext(ctx, &result, "alchemy_getAssetTransfers", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get asset transfers for blocks %d-%d: %w", fromBlock, toBlock, err)
	}

	// a creation has no recipient and carries the deployed address in
	// its raw contract record
	var creations []AssetTransfer
	for _, t := range result.Transfers {
		if t.To == nil && t.RawContract.Address != "" {
			creations = append(creations, t)
		}
	}
	return creations, nil
}

// Retry wraps a function with retry logic
func (c *Client) Retry(ctx context.Context, fn func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}

		if i < maxRetries-1 {
			waitTime := time.Duration(i+1) * time.Second
			c.logger.Warn().
				Err(err).
				Int("attempt", i+1).
				Dur("wait", waitTime).
				Msg("Retrying RPC call")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
				continue
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", err)
}
