package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/registry"
)

func routeAndWait(t *testing.T, r *Router, msg *Message) *Outcome {
	t.Helper()
	ctx := context.Background()
	d, err := r.RouteMessage(ctx, msg)
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	out, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("等待结果失败: %v", err)
	}
	return out
}

func TestTaskRequestReachesAgent(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{RetryAttempts: -1})

	registerLocalAgent(t, agents, "agent-a", func(ctx context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
		if req.Action != "supply" || req.TaskID != "task-1" {
			t.Errorf("任务请求字段不符: %+v", req)
		}
		return &agent.TaskResponse{
			Status: agent.ResponseCompleted,
			Result: map[string]any{"tx": "0xabc"},
		}, nil
	})

	out := routeAndWait(t, r, NewMessage(TypeTaskRequest, "orchestrator", "agent-a", map[string]any{
		"task_id":    "task-1",
		"action":     "supply",
		"parameters": map[string]any{"amount": 100},
	}))

	if out.Status != StatusCompleted {
		t.Fatalf("任务请求应当成功: %v", out.Err)
	}
	if out.Payload["task_id"] != "task-1" || out.Payload["status"] != agent.ResponseCompleted {
		t.Fatalf("应答载荷不符: %v", out.Payload)
	}
	result, _ := out.Payload["result"].(map[string]any)
	if result["tx"] != "0xabc" {
		t.Fatalf("代理结果丢失: %v", out.Payload)
	}
}

func TestTaskRequestUnknownAgentFails(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{RetryAttempts: -1})

	out := routeAndWait(t, r, NewMessage(TypeTaskRequest, "orchestrator", "agent-ghost", map[string]any{
		"task_id": "task-1",
		"action":  "supply",
	}))

	if out.Status != StatusFailed || out.Attempts != 1 {
		t.Fatalf("未知代理应当直接失败: %+v", out)
	}
	if xerrors.CodeOf(out.Err) != xerrors.CodeAgentNotFound {
		t.Fatalf("错误码应当是代理不存在, got %v", out.Err)
	}
}

func TestTaskRequestAgentFailureSurfaces(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{RetryAttempts: -1})

	registerLocalAgent(t, agents, "agent-a", func(ctx context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
		return &agent.TaskResponse{Status: agent.ResponseFailed, Error: "余额不足"}, nil
	})

	out := routeAndWait(t, r, NewMessage(TypeTaskRequest, "orchestrator", "agent-a", map[string]any{
		"task_id": "task-1",
		"action":  "supply",
	}))

	if out.Status != StatusFailed {
		t.Fatal("代理自报失败应当折叠为失败结果")
	}
	if xerrors.CodeOf(out.Err) != xerrors.CodeAgentFailure {
		t.Fatalf("错误码应当是代理失败, got %v", out.Err)
	}
}

func TestTaskRequestRejectsBadPayload(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{RetryAttempts: 3, BackoffMultiplier: 0.01})

	registerLocalAgent(t, agents, "agent-a", func(ctx context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
		t.Error("缺少 task_id 的请求不应当到达代理")
		return nil, errors.New("不应当执行")
	})

	out := routeAndWait(t, r, NewMessage(TypeTaskRequest, "orchestrator", "agent-a", map[string]any{
		"action": "supply",
	}))

	if out.Attempts != 1 || xerrors.CodeOf(out.Err) != xerrors.CodeValidation {
		t.Fatalf("载荷校验失败应当一次了结: %+v", out)
	}
}

func TestHealthCheckProbesAgent(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{RetryAttempts: -1})

	var pingErr error
	registerLocalAgent(t, agents, "agent-a", func(ctx context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
		return &agent.TaskResponse{Status: agent.ResponseCompleted}, nil
	}, agent.WithPingFunc(func(ctx context.Context) error { return pingErr }))

	out := routeAndWait(t, r, NewMessage(TypeHealthCheck, "monitor", "agent-a", nil))
	if out.Status != StatusCompleted || out.Payload["healthy"] != true {
		t.Fatalf("健康的代理应当应答 healthy: %+v", out)
	}
	view, err := agents.Get("agent-a")
	if err != nil || view.Health.LastCheck == 0 {
		t.Fatalf("探活结果应当写回健康档案: %v %v", view, err)
	}

	pingErr = errors.New("节点失联")
	out = routeAndWait(t, r, NewMessage(TypeHealthCheck, "monitor", "agent-a", nil))
	if out.Status != StatusCompleted || out.Payload["healthy"] != false {
		t.Fatalf("探活失败应当正常应答 healthy=false: %+v", out)
	}
	view, _ = agents.Get("agent-a")
	if view.Health.ConsecutiveFailures != 1 {
		t.Fatalf("连续失败计数应当累加, got %d", view.Health.ConsecutiveFailures)
	}
}

func TestHealthCheckAnswersForRouter(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})

	out := routeAndWait(t, r, NewMessage(TypeHealthCheck, "monitor", ReceiverRouter, nil))
	if out.Status != StatusCompleted || out.Payload["healthy"] != true {
		t.Fatalf("路由器自检应当应答存活: %+v", out)
	}
	if _, ok := out.Payload["active_messages"]; !ok {
		t.Fatalf("自检应答应当带上水位: %v", out.Payload)
	}
}

func TestStatusUpdateAppliesSenderStatus(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{RetryAttempts: -1})

	registerLocalAgent(t, agents, "agent-a", func(ctx context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
		return &agent.TaskResponse{Status: agent.ResponseCompleted}, nil
	})

	out := routeAndWait(t, r, NewMessage(TypeStatusUpdate, "agent-a", ReceiverRouter, map[string]any{
		"status": "busy",
	}))
	if out.Status != StatusCompleted {
		t.Fatalf("状态上报应当成功: %v", out.Err)
	}
	view, err := agents.Get("agent-a")
	if err != nil || view.Descriptor.Status != agent.StatusBusy {
		t.Fatalf("状态没有写入注册表: %v %v", view, err)
	}

	out = routeAndWait(t, r, NewMessage(TypeStatusUpdate, "agent-a", ReceiverRouter, map[string]any{
		"status": "hibernating",
	}))
	if out.Attempts != 1 || xerrors.CodeOf(out.Err) != xerrors.CodeValidation {
		t.Fatalf("未知状态应当一次性校验失败: %+v", out)
	}
}

func TestCapabilityUpdateReplacesCapabilities(t *testing.T) {
	r, agents, _ := newTestRouter(t, Config{RetryAttempts: -1})

	registerLocalAgent(t, agents, "agent-a", func(ctx context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
		return &agent.TaskResponse{Status: agent.ResponseCompleted}, nil
	})

	out := routeAndWait(t, r, NewMessage(TypeCapabilityUpdate, "agent-a", ReceiverRouter, map[string]any{
		"capabilities": []any{map[string]any{"action": "borrow"}},
	}))
	if out.Status != StatusCompleted {
		t.Fatalf("能力更新应当成功: %v", out.Err)
	}

	if _, err := agents.FindBestAgent(agent.TypeLending, "borrow", nil); err != nil {
		t.Fatalf("新能力应当可选中代理: %v", err)
	}
	if _, err := agents.FindBestAgent(agent.TypeLending, "supply", nil); xerrors.CodeOf(err) != xerrors.CodeCapabilityMismatch {
		t.Fatalf("旧能力应当被整体替换, got %v", err)
	}
}

func TestErrorReportPublishesEvent(t *testing.T) {
	agents := registry.NewAgentRegistry()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	r := New(Config{RetryAttempts: -1}, agents, nil, WithEventBus(bus))
	t.Cleanup(r.Close)

	got := make(chan events.Event, 1)
	unsub := bus.Subscribe(events.ErrorOccurred, func(ev events.Event) { got <- ev })
	defer unsub()

	out := routeAndWait(t, r, NewMessage(TypeErrorReport, "worker-7", ReceiverRouter, map[string]any{
		"error": "磁盘耗尽",
	}))
	if out.Status != StatusCompleted || out.Payload["acknowledged"] != true {
		t.Fatalf("错误上报应当被确认: %+v", out)
	}

	select {
	case ev := <-got:
		if ev.Payload["sender_id"] != "worker-7" || ev.Payload["error"] != "磁盘耗尽" {
			t.Fatalf("事件载荷不符: %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("error_occurred 事件没有送达")
	}
}
