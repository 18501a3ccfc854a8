package evm

import (
	"context"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"OpenIntent-Chain/internal/adapter"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/web3"
	"OpenIntent-Chain/internal/web3/provider"
)

// fakeChain 是 web3.Client 的内存假实现，按字段回放链上状态。
type fakeChain struct {
	name        string
	chainID     uint64
	blockNumber uint64
	blockTime   uint64
	balance     *big.Int
	nonce       uint64
	gasPrice    *big.Int
	receipts    map[common.Hash]*types.Receipt
	callResult  []byte
	lastCall    gethcore.CallMsg
	pingErr     error
}

func (f *fakeChain) Name() string { return f.name }

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(f.chainID), nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	if f.pingErr != nil {
		return 0, f.pingErr
	}
	return f.blockNumber, nil
}

func (f *fakeChain) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.blockNumber), Time: f.blockTime}, nil
}

func (f *fakeChain) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) NonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeChain) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = msg
	return f.callResult, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) SubscribeLogs(context.Context, gethcore.FilterQuery) (*web3.EventSubscription, error) {
	return nil, gethcore.NotFound
}

func (f *fakeChain) Close() {}

var _ web3.Client = (*fakeChain)(nil)

// newTestAdapter 搭起两条假链，返回适配器与每条链的状态。
func newTestAdapter(t *testing.T) (*Adapter, *fakeChain, *fakeChain, *int) {
	t.Helper()

	mainnet := &fakeChain{
		name:        "mainnet",
		chainID:     1,
		blockNumber: 12345,
		blockTime:   1700000000,
		balance:     big.NewInt(1500000000000000000),
		nonce:       7,
		gasPrice:    big.NewInt(25000000000),
		receipts:    map[common.Hash]*types.Receipt{},
		callResult:  []byte{0xca, 0xfe},
	}
	polygon := &fakeChain{
		name:        "polygon",
		chainID:     137,
		blockNumber: 999,
		balance:     big.NewInt(42),
		gasPrice:    big.NewInt(30000000000),
	}

	dials := 0
	catalog := web3.ChainCatalog{Chains: map[string]web3.ChainDefinition{
		"mainnet": {ChainID: 1, RPCURL: "http://mainnet.invalid"},
		"polygon": {ChainID: 137, RPCURL: "http://polygon.invalid"},
	}}
	chains, err := provider.NewRegistry(catalog, 1, provider.WithDialFunc(
		func(_ context.Context, name string, _ web3.ChainDefinition) (web3.Client, error) {
			dials++
			if name == "polygon" {
				return polygon, nil
			}
			return mainnet, nil
		}))
	if err != nil {
		t.Fatalf("构建链注册表失败: %v", err)
	}

	a, err := New("evm", chains, 0)
	if err != nil {
		t.Fatalf("构建适配器失败: %v", err)
	}
	return a, mainnet, polygon, &dials
}

func TestAdapterIdentity(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)
	if a.Name() != "evm" || a.Kind() != adapter.KindBlockchain {
		t.Fatalf("适配器标识错误: %s/%s", a.Name(), a.Kind())
	}
	for _, op := range []string{OpGetBalance, OpGetChainSnapshot, OpCallContract} {
		if !adapter.Supports(a, op) {
			t.Fatalf("缺少能力: %s", op)
		}
	}
}

func TestGetBalance(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)
	ctx := context.Background()

	result, err := a.Execute(ctx, OpGetBalance, map[string]any{
		"address": "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if result["balance_wei"] != "0x14d1120d7b160000" {
		t.Fatalf("wei 编码错误: %v", result["balance_wei"])
	}
	if result["balance_eth"] != "1.500000" {
		t.Fatalf("eth 换算错误: %v", result["balance_eth"])
	}
	if result["chain_id"] != uint64(1) {
		t.Fatalf("默认链错误: %v", result["chain_id"])
	}

	if _, err := a.Execute(ctx, OpGetBalance, nil); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少地址应当校验失败, got %v", err)
	}
	_, err = a.Execute(ctx, OpGetBalance, map[string]any{"address": "not-an-address"})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("非法地址应当校验失败, got %v", err)
	}
}

func TestChainSelectionByParam(t *testing.T) {
	a, _, _, dials := newTestAdapter(t)
	ctx := context.Background()

	// JSON 解码的数字是 float64。
	result, err := a.Execute(ctx, OpGetBlockNumber, map[string]any{"chain_id": float64(137)})
	if err != nil {
		t.Fatalf("切换链失败: %v", err)
	}
	if result["block_number"] != uint64(999) || result["chain_id"] != uint64(137) {
		t.Fatalf("未路由到指定链: %v", result)
	}
	if *dials != 1 {
		t.Fatalf("拨号次数 = %d, want 1", *dials)
	}

	_, err = a.Execute(ctx, OpGetBlockNumber, map[string]any{"chain_id": 42})
	if xerrors.CodeOf(err) != xerrors.CodeChainNotConfigured {
		t.Fatalf("未配置的链应当报错, got %v", err)
	}
}

func TestGetGasPrice(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)
	result, err := a.Execute(context.Background(), OpGetGasPrice, nil)
	if err != nil {
		t.Fatalf("查询燃料价失败: %v", err)
	}
	if result["gas_price_wei"] != "0x5d21dba00" {
		t.Fatalf("wei 编码错误: %v", result["gas_price_wei"])
	}
	if result["gas_price_gwei"] != "25.00" {
		t.Fatalf("gwei 换算错误: %v", result["gas_price_gwei"])
	}
}

func TestGetTransactionCount(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)
	result, err := a.Execute(context.Background(), OpGetTransactionCount, map[string]any{
		"address": "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("查询交易计数失败: %v", err)
	}
	if result["transaction_count"] != uint64(7) {
		t.Fatalf("计数错误: %v", result["transaction_count"])
	}
}

func TestGetTransactionReceipt(t *testing.T) {
	a, mainnet, _, _ := newTestAdapter(t)
	ctx := context.Background()

	hash := common.HexToHash("0xabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcdefabcd")
	mainnet.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(12000),
		GasUsed:     21000,
	}

	result, err := a.Execute(ctx, OpGetTransactionReceipt, map[string]any{"tx_hash": hash.Hex()})
	if err != nil {
		t.Fatalf("查询回执失败: %v", err)
	}
	if result["found"] != true || result["status"] != "success" {
		t.Fatalf("回执内容错误: %v", result)
	}
	if result["block_number"] != uint64(12000) || result["gas_used"] != uint64(21000) {
		t.Fatalf("回执数值错误: %v", result)
	}

	// 未上链的交易返回未找到，而不是错误。
	missing := common.HexToHash("0x1234567812345678123456781234567812345678123456781234567812345678")
	result, err = a.Execute(ctx, OpGetTransactionReceipt, map[string]any{"tx_hash": missing.Hex()})
	if err != nil {
		t.Fatalf("未找到的回执不应报错: %v", err)
	}
	if result["found"] != false {
		t.Fatalf("应标记为未找到: %v", result)
	}

	_, err = a.Execute(ctx, OpGetTransactionReceipt, map[string]any{"tx_hash": "0x123"})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("非法哈希应当校验失败, got %v", err)
	}
}

func TestCallContract(t *testing.T) {
	a, mainnet, _, _ := newTestAdapter(t)
	result, err := a.Execute(context.Background(), OpCallContract, map[string]any{
		"to":   "0x3333333333333333333333333333333333333333",
		"from": "0x4444444444444444444444444444444444444444",
		"data": "0x06fdde03",
	})
	if err != nil {
		t.Fatalf("合约调用失败: %v", err)
	}
	if result["result"] != "0xcafe" {
		t.Fatalf("调用结果错误: %v", result["result"])
	}
	if mainnet.lastCall.To == nil || mainnet.lastCall.To.Hex() != "0x3333333333333333333333333333333333333333" {
		t.Fatalf("目标地址未透传: %v", mainnet.lastCall.To)
	}
	if len(mainnet.lastCall.Data) != 4 {
		t.Fatalf("调用数据未解码: %v", mainnet.lastCall.Data)
	}

	_, err = a.Execute(context.Background(), OpCallContract, map[string]any{
		"to":   "0x3333333333333333333333333333333333333333",
		"data": "missing-prefix",
	})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("非法调用数据应当校验失败, got %v", err)
	}
}

func TestGetChainSnapshot(t *testing.T) {
	a, _, _, _ := newTestAdapter(t)
	result, err := a.Execute(context.Background(), OpGetChainSnapshot, nil)
	if err != nil {
		t.Fatalf("获取快照失败: %v", err)
	}
	if result["name"] != "mainnet" || result["chain_id"] != uint64(1) {
		t.Fatalf("快照标识错误: %v", result)
	}
	if result["block_number"] != uint64(12345) || result["block_timestamp"] != uint64(1700000000) {
		t.Fatalf("快照区块信息错误: %v", result)
	}
}

func TestUnsupportedOperationDoesNotDial(t *testing.T) {
	a, _, _, dials := newTestAdapter(t)
	_, err := a.Execute(context.Background(), "deploy_contract", nil)
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("未知操作应当校验失败, got %v", err)
	}
	if *dials != 0 {
		t.Fatalf("未知操作不应拨号: %d", *dials)
	}
}

func TestPingChecksDefaultChain(t *testing.T) {
	a, mainnet, _, _ := newTestAdapter(t)
	if err := a.Ping(context.Background()); err != nil {
		t.Fatalf("探活失败: %v", err)
	}
	mainnet.pingErr = gethcore.NotFound
	if err := a.Ping(context.Background()); err == nil {
		t.Fatal("节点故障时探活应当失败")
	}
}
