// Package evm 提供面向 EVM 链的只读区块链适配器。
// 所有操作都通过 web3 provider 选链执行，默认走配置的默认链。
package evm

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethparams "github.com/ethereum/go-ethereum/params"

	"OpenIntent-Chain/internal/adapter"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/web3"
	"OpenIntent-Chain/internal/web3/provider"
	"OpenIntent-Chain/pkg/logger"
)

// DefaultName 是内置区块链适配器的注册名。
const DefaultName = "evm"

// 支持的链上操作。
const (
	OpGetBalance            = "get_balance"
	OpGetBlockNumber        = "get_block_number"
	OpGetGasPrice           = "get_gas_price"
	OpGetTransactionCount   = "get_transaction_count"
	OpGetTransactionReceipt = "get_transaction_receipt"
	OpCallContract          = "call_contract"
	OpGetChainSnapshot      = "get_chain_snapshot"
)

// Adapter 把链上只读查询封装为统一的适配器操作。
type Adapter struct {
	name         string
	chains       *provider.Registry
	defaultChain uint64
	log          *slog.Logger
}

var (
	_ adapter.Adapter = (*Adapter)(nil)
	_ adapter.Pinger  = (*Adapter)(nil)
)

// New 创建区块链适配器。defaultChainID 为零时沿用 provider 的默认链。
func New(name string, chains *provider.Registry, defaultChainID uint64) (*Adapter, error) {
	if chains == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "区块链适配器缺少链注册表")
	}
	if name == "" {
		name = DefaultName
	}
	if defaultChainID == 0 {
		defaultChainID = chains.DefaultChainID()
	}
	return &Adapter{
		name:         name,
		chains:       chains,
		defaultChain: defaultChainID,
		log:          logger.Named("adapter.evm"),
	}, nil
}

// Name 返回适配器名称。
func (a *Adapter) Name() string { return a.name }

// Kind 返回适配器类别。
func (a *Adapter) Kind() adapter.Kind { return adapter.KindBlockchain }

// Capabilities 列出支持的操作。
func (a *Adapter) Capabilities() []string {
	return []string{
		OpGetBalance,
		OpGetBlockNumber,
		OpGetGasPrice,
		OpGetTransactionCount,
		OpGetTransactionReceipt,
		OpCallContract,
		OpGetChainSnapshot,
	}
}

// Execute 分派链上操作。chain_id 参数可以覆盖默认链。
func (a *Adapter) Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	if !adapter.Supports(a, operation) {
		return nil, xerrors.New(xerrors.CodeValidation, "不支持的链上操作: "+operation,
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("operation", operation))
	}

	client, chainID, err := a.client(ctx, params)
	if err != nil {
		return nil, err
	}

	switch operation {
	case OpGetBalance:
		return a.getBalance(ctx, client, chainID, params)
	case OpGetBlockNumber:
		return a.getBlockNumber(ctx, client, chainID)
	case OpGetGasPrice:
		return a.getGasPrice(ctx, client, chainID)
	case OpGetTransactionCount:
		return a.getTransactionCount(ctx, client, chainID, params)
	case OpGetTransactionReceipt:
		return a.getTransactionReceipt(ctx, client, chainID, params)
	case OpCallContract:
		return a.callContract(ctx, client, chainID, params)
	case OpGetChainSnapshot:
		return a.chainSnapshot(ctx, client)
	}
	return nil, xerrors.New(xerrors.CodeInternal, "链上操作未接入分派: "+operation)
}

// Ping 查询默认链的最新区块高度来确认节点可达。
func (a *Adapter) Ping(ctx context.Context) error {
	client, _, err := a.client(ctx, nil)
	if err != nil {
		return err
	}
	_, err = client.BlockNumber(ctx)
	return err
}

// client 按 chain_id 参数解析客户端，缺省时使用默认链。
func (a *Adapter) client(ctx context.Context, params map[string]any) (web3.Client, uint64, error) {
	chainID, ok, err := adapter.Uint64Param(params, "chain_id")
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		chainID = a.defaultChain
	}
	client, err := a.chains.Client(ctx, chainID)
	if err != nil {
		return nil, 0, err
	}
	return client, chainID, nil
}

func (a *Adapter) getBalance(ctx context.Context, client web3.Client, chainID uint64, params map[string]any) (map[string]any, error) {
	address, err := requireAddress(params, "address")
	if err != nil {
		return nil, err
	}
	balance, err := client.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, wrapQuery(err, "查询余额失败", a.name)
	}
	return map[string]any{
		"chain_id":    chainID,
		"address":     address.Hex(),
		"balance_wei": toHexBig(balance),
		"balance_eth": weiToEth(balance),
	}, nil
}

func (a *Adapter) getBlockNumber(ctx context.Context, client web3.Client, chainID uint64) (map[string]any, error) {
	number, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, wrapQuery(err, "查询区块高度失败", a.name)
	}
	return map[string]any{
		"chain_id":     chainID,
		"block_number": number,
	}, nil
}

func (a *Adapter) getGasPrice(ctx context.Context, client web3.Client, chainID uint64) (map[string]any, error) {
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, wrapQuery(err, "查询建议燃料价失败", a.name)
	}
	return map[string]any{
		"chain_id":       chainID,
		"gas_price_wei":  toHexBig(price),
		"gas_price_gwei": weiToGwei(price),
	}, nil
}

func (a *Adapter) getTransactionCount(ctx context.Context, client web3.Client, chainID uint64, params map[string]any) (map[string]any, error) {
	address, err := requireAddress(params, "address")
	if err != nil {
		return nil, err
	}
	nonce, err := client.NonceAt(ctx, address)
	if err != nil {
		return nil, wrapQuery(err, "查询交易计数失败", a.name)
	}
	return map[string]any{
		"chain_id":          chainID,
		"address":           address.Hex(),
		"transaction_count": nonce,
	}, nil
}

func (a *Adapter) getTransactionReceipt(ctx context.Context, client web3.Client, chainID uint64, params map[string]any) (map[string]any, error) {
	raw, err := adapter.RequireString(params, "tx_hash")
	if err != nil {
		return nil, err
	}
	if len(raw) != 66 || raw[:2] != "0x" {
		return nil, xerrors.New(xerrors.CodeValidation, "交易哈希格式不合法",
			xerrors.WithMetadata("tx_hash", raw))
	}
	hash := common.HexToHash(raw)

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		// 交易尚未上链不是故障，返回未找到即可。
		if errors.Is(err, gethcore.NotFound) {
			return map[string]any{
				"chain_id": chainID,
				"tx_hash":  hash.Hex(),
				"found":    false,
			}, nil
		}
		return nil, wrapQuery(err, "查询交易回执失败", a.name)
	}

	status := "failed"
	if receipt.Status == 1 {
		status = "success"
	}
	result := map[string]any{
		"chain_id":     chainID,
		"tx_hash":      hash.Hex(),
		"found":        true,
		"status":       status,
		"block_number": receipt.BlockNumber.Uint64(),
		"gas_used":     receipt.GasUsed,
		"log_count":    len(receipt.Logs),
	}
	if receipt.ContractAddress != (common.Address{}) {
		result["contract_address"] = receipt.ContractAddress.Hex()
	}
	return result, nil
}

func (a *Adapter) callContract(ctx context.Context, client web3.Client, chainID uint64, params map[string]any) (map[string]any, error) {
	to, err := requireAddress(params, "to")
	if err != nil {
		return nil, err
	}

	msg := gethcore.CallMsg{To: &to}
	if from, ok := adapter.StringParam(params, "from"); ok {
		if !common.IsHexAddress(from) {
			return nil, xerrors.New(xerrors.CodeValidation, "地址格式不合法",
				xerrors.WithMetadata("param", "from"))
		}
		msg.From = common.HexToAddress(from)
	}
	if data, ok := adapter.StringParam(params, "data"); ok {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidation, err, "调用数据必须是 0x 前缀的十六进制",
				xerrors.WithMetadata("param", "data"))
		}
		msg.Data = decoded
	}

	output, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, wrapQuery(err, "合约调用失败", a.name)
	}
	return map[string]any{
		"chain_id": chainID,
		"to":       to.Hex(),
		"result":   hexutil.Encode(output),
	}, nil
}

// chainSnapshot 汇总链的轻量元数据：链 ID、最新高度、出块时间与燃料价。
func (a *Adapter) chainSnapshot(ctx context.Context, client web3.Client) (map[string]any, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, wrapQuery(err, "获取链 ID 失败", a.name)
	}
	number, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, wrapQuery(err, "获取最新区块高度失败", a.name)
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, wrapQuery(err, "查询建议燃料价失败", a.name)
	}

	snapshot := map[string]any{
		"name":           client.Name(),
		"chain_id":       chainID.Uint64(),
		"block_number":   number,
		"gas_price_gwei": weiToGwei(price),
	}
	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err == nil && header != nil {
		snapshot["block_timestamp"] = header.Time
	}
	return snapshot, nil
}

func requireAddress(params map[string]any, key string) (common.Address, error) {
	raw, err := adapter.RequireString(params, key)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeValidation, "地址格式不合法",
			xerrors.WithMetadata("param", key),
			xerrors.WithMetadata("value", raw))
	}
	return common.HexToAddress(raw), nil
}

func wrapQuery(err error, message, adapterName string) error {
	return xerrors.Wrap(xerrors.CodeAdapterFailure, err, message,
		xerrors.WithMetadata("adapter", adapterName))
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

func weiToEth(wei *big.Int) string {
	return scaleWei(wei, gethparams.Ether, 6)
}

func weiToGwei(wei *big.Int) string {
	return scaleWei(wei, gethparams.GWei, 2)
}

func scaleWei(wei *big.Int, unit int64, decimals int) string {
	if wei == nil {
		return "0"
	}
	value := new(big.Float).SetInt(wei)
	value.Quo(value, big.NewFloat(float64(unit)))
	return value.Text('f', decimals)
}
