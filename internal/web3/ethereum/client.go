// Package ethereum implements the web3.Client contract for EVM compatible
// chains on top of go-ethereum's ethclient.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OpenIntent-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	WSURL       string
	Description string
}

// Client wraps an HTTP RPC connection plus an optional WebSocket connection
// used for log subscriptions.
type Client struct {
	name      string
	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	ws        *ethclient.Client
}

// NewClient dials the configured endpoints and returns a ready-to-use client.
// A WebSocket endpoint is optional; without one, log subscriptions fail at
// subscribe time with the transport error.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链的 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}

	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL)
		if wsErr != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接链 WebSocket 节点失败: %w", wsErr)
		}
		client.ws = ethclient.NewClient(wsRPC)
	}

	return client, nil
}

// Name returns the catalog name of the chain this client serves.
func (c *Client) Name() string {
	return c.name
}

// ChainID reports the chain identifier of the connected network.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.ChainID(ctx)
}

// BlockNumber reports the most recent block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	return eth.BlockNumber(ctx)
}

// HeaderByNumber fetches a block header; nil selects the latest block.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.HeaderByNumber(ctx, number)
}

// BalanceAt reports the wei balance of an account; nil selects the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.BalanceAt(ctx, account, blockNumber)
}

// NonceAt reports the pending transaction count of an account.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	return eth.PendingNonceAt(ctx, account)
}

// SuggestGasPrice reports the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.SuggestGasPrice(ctx)
}

// CallContract executes a read-only contract call.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.CallContract(ctx, msg, blockNumber)
}

// TransactionReceipt fetches the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	return eth.TransactionReceipt(ctx, txHash)
}

// SubscribeLogs attaches a log subscription, preferring the WebSocket
// connection when one is configured.
func (c *Client) SubscribeLogs(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	c.mu.Lock()
	subscriber := c.ws
	if subscriber == nil {
		subscriber = c.eth
	}
	c.mu.Unlock()
	if subscriber == nil {
		return nil, errors.New("未初始化的链客户端")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅链上日志失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

// Close releases the network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) backend() (*ethclient.Client, error) {
	if c == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("链客户端已关闭")
	}
	return c.eth, nil
}

var _ web3.Client = (*Client)(nil)
