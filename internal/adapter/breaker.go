package adapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/pkg/logger"
)

// 熔断器默认参数。
const (
	DefaultBreakerFailureThreshold uint32 = 5
	DefaultBreakerOpenInterval            = 30 * time.Second
)

// BreakerConfig 控制熔断行为：连续失败多少次跳闸、跳闸后多久放行半开探测。
type BreakerConfig struct {
	FailureThreshold uint32
	OpenInterval     time.Duration
	// OnStateChange 在熔断器状态切换时回调，入参为适配器名与前后状态，
	// 供事件广播与指标采集挂接。
	OnStateChange func(adapterName, from, to string)
}

// Breaker 把任意适配器的 Execute 包进熔断器。
// 熔断打开期间调用快速失败，避免对故障端点的重试风暴。
type Breaker struct {
	inner   Adapter
	breaker *gobreaker.CircuitBreaker[map[string]any]
	log     *slog.Logger
}

// WrapWithBreaker 用熔断器包装一个适配器。零值配置采用默认参数。
func WrapWithBreaker(inner Adapter, cfg BreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerFailureThreshold
	}
	openInterval := cfg.OpenInterval
	if openInterval <= 0 {
		openInterval = DefaultBreakerOpenInterval
	}

	log := logger.Named("breaker")
	adapterName := inner.Name()
	cb := gobreaker.NewCircuitBreaker[map[string]any](gobreaker.Settings{
		Name:        "adapter:" + adapterName,
		MaxRequests: 1,
		Timeout:     openInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("熔断器状态切换",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(adapterName, from.String(), to.String())
			}
		},
	})

	return &Breaker{inner: inner, breaker: cb, log: log}
}

// Name 透传内层适配器名称。
func (b *Breaker) Name() string { return b.inner.Name() }

// Kind 透传内层适配器类别。
func (b *Breaker) Kind() Kind { return b.inner.Kind() }

// Capabilities 透传内层适配器能力。
func (b *Breaker) Capabilities() []string { return b.inner.Capabilities() }

// Execute 经由熔断器调用内层适配器。熔断打开时返回 CIRCUIT_OPEN。
func (b *Breaker) Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	result, err := b.breaker.Execute(func() (map[string]any, error) {
		return b.inner.Execute(ctx, operation, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, xerrors.Wrap(xerrors.CodeCircuitOpen, err, "适配器熔断中",
				xerrors.WithMetadata("adapter", b.inner.Name()),
				xerrors.WithMetadata("operation", operation))
		}
		return nil, err
	}
	return result, nil
}

// Ping 透传探活。熔断器只管调用路径，探活直达内层。
func (b *Breaker) Ping(ctx context.Context) error {
	return Ping(ctx, b.inner)
}

// Stop 透传停机钩子。
func (b *Breaker) Stop(ctx context.Context) error {
	return Stop(ctx, b.inner)
}

// State 暴露熔断器状态，供指标采集。
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

var (
	_ Adapter = (*Breaker)(nil)
	_ Pinger  = (*Breaker)(nil)
	_ Stopper = (*Breaker)(nil)
)
