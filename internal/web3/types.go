package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client is the uniform read-and-subscribe surface over one chain. Every
// method maps to a single JSON-RPC call; implementations must be safe for
// concurrent use.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeLogs(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	Close()
}

// EventSubscription wraps a log subscription so callers manage lifecycle
// without importing the go-ethereum event machinery.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethcore.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethcore.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives chain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the underlying subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}
