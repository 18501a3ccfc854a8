package feed

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/web3"
	"OpenIntent-Chain/internal/web3/provider"
)

// fakeSub 模拟 geth 订阅：Unsubscribe 关闭错误通道。
type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func (f *fakeSub) Err() <-chan error { return f.errCh }

func (f *fakeSub) Unsubscribe() {
	f.once.Do(func() { close(f.errCh) })
}

// subHandle 暴露单条订阅的注入口。
type subHandle struct {
	logsCh chan types.Log
	sub    *fakeSub
	query  gethcore.FilterQuery
}

func (h *subHandle) push(block uint64) {
	h.logsCh <- types.Log{
		Address:     common.HexToAddress("0x5555555555555555555555555555555555555555"),
		BlockNumber: block,
		TxHash:      common.HexToHash("0x6666666666666666666666666666666666666666666666666666666666666666"),
	}
}

func (h *subHandle) fail(err error) {
	h.sub.errCh <- err
}

// fakeWSClient 只实现订阅路径，其余方法返回零值。
type fakeWSClient struct {
	mu      sync.Mutex
	handles []*subHandle
}

func (f *fakeWSClient) Name() string { return "fake" }

func (f *fakeWSClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeWSClient) BlockNumber(context.Context) (uint64, error) { return 0, nil }

func (f *fakeWSClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, gethcore.NotFound
}

func (f *fakeWSClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeWSClient) NonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }

func (f *fakeWSClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeWSClient) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeWSClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, gethcore.NotFound
}

func (f *fakeWSClient) SubscribeLogs(_ context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	h := &subHandle{
		logsCh: make(chan types.Log, 16),
		sub:    &fakeSub{errCh: make(chan error, 1)},
		query:  query,
	}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return web3.NewEventSubscription(h.logsCh, h.sub), nil
}

func (f *fakeWSClient) Close() {}

var _ web3.Client = (*fakeWSClient)(nil)

func (f *fakeWSClient) handle(i int) *subHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *fakeWSClient) {
	t.Helper()
	client := &fakeWSClient{}
	catalog := web3.ChainCatalog{Chains: map[string]web3.ChainDefinition{
		"mainnet": {ChainID: 1, RPCURL: "http://mainnet.invalid"},
	}}
	chains, err := provider.NewRegistry(catalog, 1, provider.WithDialFunc(
		func(context.Context, string, web3.ChainDefinition) (web3.Client, error) {
			return client, nil
		}))
	if err != nil {
		t.Fatalf("构建链注册表失败: %v", err)
	}
	a, err := New(cfg, chains)
	if err != nil {
		t.Fatalf("构建适配器失败: %v", err)
	}
	return a, client
}

// waitFor 轮询异步条件，消费协程投递事件没有同步点。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待异步条件超时")
}

func startStream(t *testing.T, a *Adapter, params map[string]any) string {
	t.Helper()
	result, err := a.Execute(context.Background(), OpStartStream, params)
	if err != nil {
		t.Fatalf("启动数据流失败: %v", err)
	}
	return result["stream_id"].(string)
}

func (a *Adapter) bufferedEvents(t *testing.T, id string, limit int) []map[string]any {
	t.Helper()
	params := map[string]any{"stream_id": id}
	if limit > 0 {
		params["limit"] = limit
	}
	result, err := a.Execute(context.Background(), OpGetRecentEvents, params)
	if err != nil {
		t.Fatalf("查询事件失败: %v", err)
	}
	return result["events"].([]map[string]any)
}

func TestStartStreamReceivesLogs(t *testing.T) {
	a, client := newTestAdapter(t, Config{})
	topic := "0x7777777777777777777777777777777777777777777777777777777777777777"

	id := startStream(t, a, map[string]any{
		"addresses": []any{"0x5555555555555555555555555555555555555555"},
		"topics":    []any{topic},
	})

	h := client.handle(0)
	if len(h.query.Addresses) != 1 || len(h.query.Topics) != 1 || len(h.query.Topics[0]) != 1 {
		t.Fatalf("过滤条件未透传: %+v", h.query)
	}

	h.push(1)
	h.push(2)
	h.push(3)
	waitFor(t, func() bool { return len(a.bufferedEvents(t, id, 0)) == 3 })

	// 事件按时间倒序返回。
	events := a.bufferedEvents(t, id, 0)
	if events[0]["block_number"] != uint64(3) || events[2]["block_number"] != uint64(1) {
		t.Fatalf("事件顺序错误: %v", events)
	}

	limited := a.bufferedEvents(t, id, 1)
	if len(limited) != 1 || limited[0]["block_number"] != uint64(3) {
		t.Fatalf("limit 未生效: %v", limited)
	}
}

func TestRingBufferKeepsNewest(t *testing.T) {
	a, client := newTestAdapter(t, Config{BufferSize: 2})
	id := startStream(t, a, nil)

	h := client.handle(0)
	h.push(1)
	h.push(2)
	h.push(3)

	waitFor(t, func() bool {
		result, err := a.Execute(context.Background(), OpListStreams, nil)
		if err != nil {
			return false
		}
		streams := result["streams"].([]map[string]any)
		return len(streams) == 1 && streams[0]["received"] == uint64(3)
	})

	events := a.bufferedEvents(t, id, 0)
	if len(events) != 2 {
		t.Fatalf("缓冲条数 = %d, want 2", len(events))
	}
	if events[0]["block_number"] != uint64(3) || events[1]["block_number"] != uint64(2) {
		t.Fatalf("最旧的事件未被覆盖: %v", events)
	}
}

func TestStopStreamRemoves(t *testing.T) {
	a, client := newTestAdapter(t, Config{})
	id := startStream(t, a, nil)

	h := client.handle(0)
	h.push(10)
	waitFor(t, func() bool { return len(a.bufferedEvents(t, id, 0)) == 1 })

	result, err := a.Execute(context.Background(), OpStopStream, map[string]any{"stream_id": id})
	if err != nil {
		t.Fatalf("停止数据流失败: %v", err)
	}
	if result["stopped"] != true || result["received"] != uint64(1) {
		t.Fatalf("停止结果错误: %v", result)
	}

	listed, _ := a.Execute(context.Background(), OpListStreams, nil)
	if listed["count"] != 0 {
		t.Fatalf("停止后仍在列表中: %v", listed)
	}

	_, err = a.Execute(context.Background(), OpStopStream, map[string]any{"stream_id": id})
	if xerrors.CodeOf(err) != xerrors.CodeStreamNotFound {
		t.Fatalf("重复停止应当返回不存在, got %v", err)
	}
}

func TestMaxStreamsCap(t *testing.T) {
	a, _ := newTestAdapter(t, Config{MaxStreams: 1})
	startStream(t, a, nil)

	_, err := a.Execute(context.Background(), OpStartStream, nil)
	if xerrors.CodeOf(err) != xerrors.CodeAdapterLimit {
		t.Fatalf("超过上限应当失败, got %v", err)
	}
}

func TestSubscriptionFailureMarksStream(t *testing.T) {
	a, client := newTestAdapter(t, Config{})
	startStream(t, a, nil)

	client.handle(0).fail(gethcore.NotFound)

	waitFor(t, func() bool {
		result, err := a.Execute(context.Background(), OpListStreams, nil)
		if err != nil {
			return false
		}
		streams := result["streams"].([]map[string]any)
		return len(streams) == 1 && streams[0]["status"] == streamFailed
	})

	result, _ := a.Execute(context.Background(), OpListStreams, nil)
	streams := result["streams"].([]map[string]any)
	if streams[0]["last_error"] == "" {
		t.Fatalf("缺少失败原因: %v", streams[0])
	}
}

func TestStopClosesAllStreams(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	startStream(t, a, nil)
	startStream(t, a, nil)

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("停机失败: %v", err)
	}

	listed, _ := a.Execute(context.Background(), OpListStreams, nil)
	if listed["count"] != 0 {
		t.Fatalf("停机后仍有数据流: %v", listed)
	}
	if err := a.Ping(context.Background()); err == nil {
		t.Fatal("停机后探活应当失败")
	}
	_, err := a.Execute(context.Background(), OpStartStream, nil)
	if xerrors.CodeOf(err) != xerrors.CodeAdapterNotAvailable {
		t.Fatalf("停机后启动应当失败, got %v", err)
	}

	// 重复停机是幂等的。
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("重复停机失败: %v", err)
	}
}

func TestFilterValidation(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	ctx := context.Background()

	_, err := a.Execute(ctx, OpStartStream, map[string]any{"addresses": []any{"bogus"}})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("非法地址应当校验失败, got %v", err)
	}
	_, err = a.Execute(ctx, OpStartStream, map[string]any{"topics": []any{"0x123"}})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("非法主题应当校验失败, got %v", err)
	}
	_, err = a.Execute(ctx, OpGetRecentEvents, nil)
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少 stream_id 应当校验失败, got %v", err)
	}
}
