// Package feed 提供链上日志的实时订阅适配器。
// 每条数据流对应一份 WebSocket 日志订阅，事件落入固定容量的环形缓冲。
package feed

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/oklog/ulid/v2"

	"OpenIntent-Chain/internal/adapter"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/web3"
	"OpenIntent-Chain/internal/web3/provider"
	"OpenIntent-Chain/pkg/logger"
)

// DefaultName 是内置实时数据适配器的注册名。
const DefaultName = "feed"

// 支持的数据流操作。
const (
	OpStartStream     = "start_stream"
	OpStopStream      = "stop_stream"
	OpListStreams     = "list_streams"
	OpGetRecentEvents = "get_recent_events"
)

// 缓冲与数量的默认上限。
const (
	DefaultBufferSize = 256
	DefaultMaxStreams = 8
)

// 数据流状态。
const (
	streamLive   = "live"
	streamFailed = "failed"
)

// Config 描述实时数据适配器的参数。
type Config struct {
	Name       string
	ChainID    uint64
	BufferSize int
	MaxStreams int
}

// Adapter 管理一组链上日志订阅流。
type Adapter struct {
	name         string
	chains       *provider.Registry
	defaultChain uint64
	bufferSize   int
	maxStreams   int
	log          *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

var (
	_ adapter.Adapter = (*Adapter)(nil)
	_ adapter.Pinger  = (*Adapter)(nil)
	_ adapter.Stopper = (*Adapter)(nil)
)

// New 创建实时数据适配器。
func New(cfg Config, chains *provider.Registry) (*Adapter, error) {
	if chains == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "实时数据适配器缺少链注册表")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	defaultChain := cfg.ChainID
	if defaultChain == 0 {
		defaultChain = chains.DefaultChainID()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	maxStreams := cfg.MaxStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreams
	}
	return &Adapter{
		name:         name,
		chains:       chains,
		defaultChain: defaultChain,
		bufferSize:   bufferSize,
		maxStreams:   maxStreams,
		log:          logger.Named("adapter.feed"),
		streams:      make(map[string]*stream),
	}, nil
}

// Name 返回适配器名称。
func (a *Adapter) Name() string { return a.name }

// Kind 返回适配器类别。
func (a *Adapter) Kind() adapter.Kind { return adapter.KindRealtime }

// Capabilities 列出支持的操作。
func (a *Adapter) Capabilities() []string {
	return []string{OpStartStream, OpStopStream, OpListStreams, OpGetRecentEvents}
}

// Execute 分派数据流操作。
func (a *Adapter) Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	switch operation {
	case OpStartStream:
		return a.startStream(ctx, params)
	case OpStopStream:
		return a.stopStream(params)
	case OpListStreams:
		return a.listStreams(), nil
	case OpGetRecentEvents:
		return a.recentEvents(params)
	default:
		return nil, xerrors.New(xerrors.CodeValidation, "不支持的数据流操作: "+operation,
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("operation", operation))
	}
}

// Ping 报告适配器是否仍在服务。
func (a *Adapter) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return xerrors.New(xerrors.CodeAdapterNotAvailable, "实时数据适配器已停止",
			xerrors.WithMetadata("adapter", a.name))
	}
	return nil
}

// Stop 关闭全部数据流并等待消费协程退出。
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	streams := make([]*stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.streams = make(map[string]*stream)
	a.mu.Unlock()

	for _, s := range streams {
		s.sub.Close()
	}
	for _, s := range streams {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *Adapter) startStream(ctx context.Context, params map[string]any) (map[string]any, error) {
	chainID, ok, err := adapter.Uint64Param(params, "chain_id")
	if err != nil {
		return nil, err
	}
	if !ok {
		chainID = a.defaultChain
	}

	addresses, topics, err := parseFilter(params)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeAdapterNotAvailable, "实时数据适配器已停止",
			xerrors.WithMetadata("adapter", a.name))
	}
	if len(a.streams) >= a.maxStreams {
		a.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeAdapterLimit, "数据流数量达到上限",
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("limit", strconv.Itoa(a.maxStreams)))
	}
	a.mu.Unlock()

	client, err := a.chains.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}

	query := gethcore.FilterQuery{Addresses: addresses}
	if len(topics) > 0 {
		query.Topics = [][]common.Hash{topics}
	}
	sub, err := client.SubscribeLogs(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "订阅链上日志失败",
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("chain_id", strconv.FormatUint(chainID, 10)))
	}

	s := &stream{
		id:        ulid.Make().String(),
		chainID:   chainID,
		addresses: hexAddresses(addresses),
		topics:    hexTopics(topics),
		startedAt: time.Now(),
		sub:       sub,
		ring:      make([]map[string]any, a.bufferSize),
		status:    streamLive,
		done:      make(chan struct{}),
	}

	a.mu.Lock()
	// 订阅期间可能有并发操作改变了状态，入表前复查。
	if a.closed || len(a.streams) >= a.maxStreams {
		closed := a.closed
		a.mu.Unlock()
		sub.Close()
		if closed {
			return nil, xerrors.New(xerrors.CodeAdapterNotAvailable, "实时数据适配器已停止",
				xerrors.WithMetadata("adapter", a.name))
		}
		return nil, xerrors.New(xerrors.CodeAdapterLimit, "数据流数量达到上限",
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("limit", strconv.Itoa(a.maxStreams)))
	}
	a.streams[s.id] = s
	a.mu.Unlock()

	go s.consume(a.log)

	a.log.Info("数据流已启动",
		slog.String("stream_id", s.id),
		slog.Uint64("chain_id", chainID),
		slog.Int("addresses", len(addresses)),
	)
	return map[string]any{
		"stream_id": s.id,
		"chain_id":  chainID,
		"status":    streamLive,
		"addresses": s.addresses,
		"topics":    s.topics,
	}, nil
}

func (a *Adapter) stopStream(params map[string]any) (map[string]any, error) {
	id, err := adapter.RequireString(params, "stream_id")
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	s, ok := a.streams[id]
	if ok {
		delete(a.streams, id)
	}
	a.mu.Unlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeStreamNotFound, "数据流不存在",
			xerrors.WithMetadata("stream_id", id))
	}

	s.sub.Close()
	<-s.done

	a.log.Info("数据流已停止", slog.String("stream_id", id))
	return map[string]any{
		"stream_id": id,
		"stopped":   true,
		"received":  s.receivedCount(),
	}, nil
}

func (a *Adapter) listStreams() map[string]any {
	a.mu.Lock()
	streams := make([]*stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.mu.Unlock()

	views := make([]map[string]any, 0, len(streams))
	for _, s := range streams {
		views = append(views, s.view())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i]["stream_id"].(string) < views[j]["stream_id"].(string)
	})
	return map[string]any{"streams": views, "count": len(views)}
}

func (a *Adapter) recentEvents(params map[string]any) (map[string]any, error) {
	id, err := adapter.RequireString(params, "stream_id")
	if err != nil {
		return nil, err
	}
	limit, _, err := adapter.Uint64Param(params, "limit")
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	s, ok := a.streams[id]
	a.mu.Unlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeStreamNotFound, "数据流不存在",
			xerrors.WithMetadata("stream_id", id))
	}

	events := s.recent(int(limit))
	return map[string]any{
		"stream_id": id,
		"count":     len(events),
		"events":    events,
	}, nil
}

// stream 承载单个订阅：消费协程写环形缓冲，查询方拿快照。
type stream struct {
	id        string
	chainID   uint64
	addresses []string
	topics    []string
	startedAt time.Time
	sub       *web3.EventSubscription
	done      chan struct{}

	mu       sync.Mutex
	ring     []map[string]any
	next     int
	count    int
	received uint64
	status   string
	lastErr  string
}

func (s *stream) consume(log *slog.Logger) {
	defer close(s.done)
	for {
		select {
		case entry, ok := <-s.sub.Logs():
			if !ok {
				return
			}
			s.append(logToMap(entry))
		case err, ok := <-s.sub.Err():
			if ok && err != nil {
				s.fail(err)
				log.Warn("数据流订阅中断",
					slog.String("stream_id", s.id),
					slog.Any("error", err),
				)
			}
			return
		}
	}
}

func (s *stream) append(event map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = event
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	s.received++
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = streamFailed
	s.lastErr = err.Error()
}

// recent 按时间倒序返回最多 limit 条事件。limit 非正时返回全部缓存。
func (s *stream) recent(limit int) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > s.count {
		limit = s.count
	}
	out := make([]map[string]any, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + len(s.ring)) % len(s.ring)
		out = append(out, s.ring[idx])
	}
	return out
}

func (s *stream) receivedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *stream) view() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	view := map[string]any{
		"stream_id":  s.id,
		"chain_id":   s.chainID,
		"status":     s.status,
		"addresses":  s.addresses,
		"topics":     s.topics,
		"received":   s.received,
		"buffered":   s.count,
		"started_at": s.startedAt.UTC().Format(time.RFC3339),
	}
	if s.lastErr != "" {
		view["last_error"] = s.lastErr
	}
	return view
}

func parseFilter(params map[string]any) ([]common.Address, []common.Hash, error) {
	rawAddresses, err := adapter.StringsParam(params, "addresses")
	if err != nil {
		return nil, nil, err
	}
	addresses := make([]common.Address, 0, len(rawAddresses))
	for _, raw := range rawAddresses {
		if !common.IsHexAddress(raw) {
			return nil, nil, xerrors.New(xerrors.CodeValidation, "地址格式不合法",
				xerrors.WithMetadata("param", "addresses"),
				xerrors.WithMetadata("value", raw))
		}
		addresses = append(addresses, common.HexToAddress(raw))
	}

	rawTopics, err := adapter.StringsParam(params, "topics")
	if err != nil {
		return nil, nil, err
	}
	topics := make([]common.Hash, 0, len(rawTopics))
	for _, raw := range rawTopics {
		if len(raw) != 66 || raw[:2] != "0x" {
			return nil, nil, xerrors.New(xerrors.CodeValidation, "主题哈希格式不合法",
				xerrors.WithMetadata("param", "topics"),
				xerrors.WithMetadata("value", raw))
		}
		topics = append(topics, common.HexToHash(raw))
	}
	return addresses, topics, nil
}

func hexAddresses(in []common.Address) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, a.Hex())
	}
	return out
}

func hexTopics(in []common.Hash) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		out = append(out, h.Hex())
	}
	return out
}

func logToMap(entry types.Log) map[string]any {
	topics := make([]string, 0, len(entry.Topics))
	for _, t := range entry.Topics {
		topics = append(topics, t.Hex())
	}
	return map[string]any{
		"address":      entry.Address.Hex(),
		"topics":       topics,
		"data":         hexutil.Encode(entry.Data),
		"block_number": entry.BlockNumber,
		"tx_hash":      entry.TxHash.Hex(),
		"log_index":    entry.Index,
		"removed":      entry.Removed,
	}
}
