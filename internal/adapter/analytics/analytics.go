// Package analytics 对接行情数据服务，提供价格、大盘与协议统计查询。
// 响应按操作粒度写入缓存，上游故障交由外层熔断器隔离。
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"OpenIntent-Chain/internal/adapter"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/pkg/logger"
)

// DefaultName 是内置行情适配器的注册名。
const DefaultName = "analytics"

// 支持的行情操作。
const (
	OpGetTokenPrice     = "get_token_price"
	OpGetTokenPrices    = "get_token_prices"
	OpGetMarketOverview = "get_market_overview"
	OpGetProtocolStats  = "get_protocol_stats"
)

// 各操作的默认缓存时长。
const (
	defaultPriceTTL    = 30 * time.Second
	defaultOverviewTTL = 60 * time.Second
	defaultProtocolTTL = 5 * time.Minute
	defaultTimeout     = 10 * time.Second
)

// Cache 是适配器需要的最小缓存面，storage/redis.Cache 天然满足。
type Cache interface {
	GetJSON(ctx context.Context, key string, target any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Config 描述行情服务的接入参数。
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// CacheTTL 为正时统一覆盖各操作的默认缓存时长。
	CacheTTL time.Duration
}

// Adapter 封装行情 HTTP API，带读穿缓存。
type Adapter struct {
	name       string
	baseURL    string
	apiKey     string
	cache      Cache
	httpClient *http.Client
	cacheTTL   time.Duration
	log        *slog.Logger
}

var (
	_ adapter.Adapter = (*Adapter)(nil)
	_ adapter.Pinger  = (*Adapter)(nil)
	_ adapter.Stopper = (*Adapter)(nil)
)

// New 创建行情适配器。cache 可以为空，此时每次都请求上游。
func New(cfg Config, cache Cache) (*Adapter, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "行情服务缺少 base_url")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Adapter{
		name:       name,
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		cache:      cache,
		httpClient: &http.Client{Timeout: timeout},
		cacheTTL:   cfg.CacheTTL,
		log:        logger.Named("adapter.analytics"),
	}, nil
}

// Name 返回适配器名称。
func (a *Adapter) Name() string { return a.name }

// Kind 返回适配器类别。
func (a *Adapter) Kind() adapter.Kind { return adapter.KindAnalytics }

// Capabilities 列出支持的操作。
func (a *Adapter) Capabilities() []string {
	return []string{OpGetTokenPrice, OpGetTokenPrices, OpGetMarketOverview, OpGetProtocolStats}
}

// Execute 分派行情操作。
func (a *Adapter) Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	switch operation {
	case OpGetTokenPrice:
		symbol, err := adapter.RequireString(params, "symbol")
		if err != nil {
			return nil, err
		}
		symbol = strings.ToUpper(symbol)
		return a.fetch(ctx, operation, "price:"+symbol, "/v1/prices/"+url.PathEscape(symbol), nil)
	case OpGetTokenPrices:
		symbols, err := adapter.StringsParam(params, "symbols")
		if err != nil {
			return nil, err
		}
		if len(symbols) == 0 {
			return nil, xerrors.New(xerrors.CodeValidation, "缺少必填参数: symbols",
				xerrors.WithMetadata("param", "symbols"))
		}
		for i, s := range symbols {
			symbols[i] = strings.ToUpper(s)
		}
		sort.Strings(symbols)
		joined := strings.Join(symbols, ",")
		return a.fetch(ctx, operation, "prices:"+joined, "/v1/prices",
			url.Values{"symbols": []string{joined}})
	case OpGetMarketOverview:
		return a.fetch(ctx, operation, "overview", "/v1/market/overview", nil)
	case OpGetProtocolStats:
		protocol, err := adapter.RequireString(params, "protocol")
		if err != nil {
			return nil, err
		}
		protocol = strings.ToLower(protocol)
		return a.fetch(ctx, operation, "protocol:"+protocol, "/v1/protocols/"+url.PathEscape(protocol), nil)
	default:
		return nil, xerrors.New(xerrors.CodeValidation, "不支持的行情操作: "+operation,
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("operation", operation))
	}
}

// Ping 探测行情服务的健康端点。
func (a *Adapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("构建健康检查请求失败: %w", err)
	}
	a.decorate(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("行情服务不可达: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("行情服务健康检查返回状态 %d", resp.StatusCode)
	}
	return nil
}

// Stop 释放空闲连接。缓存由外部持有，这里不关闭。
func (a *Adapter) Stop(context.Context) error {
	a.httpClient.CloseIdleConnections()
	return nil
}

// fetch 先查缓存，未命中再请求上游并回填。
func (a *Adapter) fetch(ctx context.Context, operation, cacheKey, path string, query url.Values) (map[string]any, error) {
	cacheKey = "analytics:" + cacheKey

	if a.cache != nil {
		var cached map[string]any
		hit, err := a.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			// 缓存故障降级为直连，不影响查询主路径。
			a.log.Warn("读取行情缓存失败", slog.String("key", cacheKey), slog.Any("error", err))
		} else if hit {
			cached["cached"] = true
			return cached, nil
		}
	}

	result, err := a.request(ctx, operation, path, query)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if err := a.cache.SetJSON(ctx, cacheKey, result, a.ttlFor(operation)); err != nil {
			a.log.Warn("写入行情缓存失败", slog.String("key", cacheKey), slog.Any("error", err))
		}
	}
	result["cached"] = false
	return result, nil
}

func (a *Adapter) request(ctx context.Context, operation, path string, query url.Values) (map[string]any, error) {
	endpoint := a.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建行情请求失败: %w", err)
	}
	a.decorate(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "请求行情服务失败",
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("operation", operation),
			xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return nil, xerrors.New(xerrors.CodeAdapterFailure,
			fmt.Sprintf("行情服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("operation", operation),
			xerrors.WithRetryable(retryable))
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAdapterFailure, err, "解析行情响应失败",
			xerrors.WithMetadata("adapter", a.name),
			xerrors.WithMetadata("operation", operation))
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

func (a *Adapter) decorate(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}
}

func (a *Adapter) ttlFor(operation string) time.Duration {
	if a.cacheTTL > 0 {
		return a.cacheTTL
	}
	switch operation {
	case OpGetMarketOverview:
		return defaultOverviewTTL
	case OpGetProtocolStats:
		return defaultProtocolTTL
	default:
		return defaultPriceTTL
	}
}
