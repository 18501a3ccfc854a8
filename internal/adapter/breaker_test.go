package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
)

// flakyAdapter 按开关返回成功或失败，并记录被真正调用的次数。
type flakyAdapter struct {
	name    string
	fail    bool
	calls   int
	pings   int
	stopped bool
}

func (f *flakyAdapter) Name() string { return f.name }

func (f *flakyAdapter) Kind() Kind { return KindAnalytics }

func (f *flakyAdapter) Capabilities() []string { return []string{"get_token_price"} }

func (f *flakyAdapter) Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("上游接口超时")
	}
	return map[string]any{"operation": operation}, nil
}

func (f *flakyAdapter) Ping(context.Context) error {
	f.pings++
	return nil
}

func (f *flakyAdapter) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &flakyAdapter{name: "market"}
	b := WrapWithBreaker(inner, BreakerConfig{})

	if b.Name() != "market" || b.Kind() != KindAnalytics {
		t.Fatalf("包装后的标识不一致: %s/%s", b.Name(), b.Kind())
	}

	result, err := b.Execute(context.Background(), "get_token_price", nil)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if result["operation"] != "get_token_price" {
		t.Fatalf("结果未透传: %v", result)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyAdapter{name: "market", fail: true}
	b := WrapWithBreaker(inner, BreakerConfig{FailureThreshold: 3, OpenInterval: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Execute(ctx, "get_token_price", nil); err == nil {
			t.Fatalf("第 %d 次调用应当失败", i+1)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("内层调用次数 = %d, want 3", inner.calls)
	}

	// 熔断已打开：快速失败，不再触碰内层。
	_, err := b.Execute(ctx, "get_token_price", nil)
	if xerrors.CodeOf(err) != xerrors.CodeCircuitOpen {
		t.Fatalf("熔断打开后应返回 CIRCUIT_OPEN, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("熔断期间仍调用了内层: %d 次", inner.calls)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	inner := &flakyAdapter{name: "market", fail: true}
	b := WrapWithBreaker(inner, BreakerConfig{FailureThreshold: 2, OpenInterval: 50 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = b.Execute(ctx, "get_token_price", nil)
	}
	if _, err := b.Execute(ctx, "get_token_price", nil); xerrors.CodeOf(err) != xerrors.CodeCircuitOpen {
		t.Fatalf("应处于熔断状态, got %v", err)
	}

	// 等待放行窗口，半开探测成功后恢复闭合。
	inner.fail = false
	time.Sleep(80 * time.Millisecond)

	if _, err := b.Execute(ctx, "get_token_price", nil); err != nil {
		t.Fatalf("半开探测应当成功: %v", err)
	}
	if _, err := b.Execute(ctx, "get_token_price", nil); err != nil {
		t.Fatalf("恢复后的调用应当成功: %v", err)
	}
}

func TestBreakerPingAndStopReachInner(t *testing.T) {
	inner := &flakyAdapter{name: "market", fail: true}
	b := WrapWithBreaker(inner, BreakerConfig{FailureThreshold: 1, OpenInterval: time.Minute})
	ctx := context.Background()

	_, _ = b.Execute(ctx, "get_token_price", nil)
	if _, err := b.Execute(ctx, "get_token_price", nil); xerrors.CodeOf(err) != xerrors.CodeCircuitOpen {
		t.Fatalf("应处于熔断状态, got %v", err)
	}

	// 探活与停机不走熔断路径。
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("探活失败: %v", err)
	}
	if inner.pings != 1 {
		t.Fatalf("探活未到达内层: %d", inner.pings)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("停机失败: %v", err)
	}
	if !inner.stopped {
		t.Fatal("停机钩子未触发")
	}
}
