package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/registry"
)

func newTestRouter(t *testing.T, cfg Config) (*Router, *registry.AgentRegistry, *registry.AdapterRegistry) {
	t.Helper()
	agents := registry.NewAgentRegistry()
	adapters := registry.NewAdapterRegistry()
	r := New(cfg, agents, adapters)
	t.Cleanup(r.Close)
	return r, agents, adapters
}

func registerLocalAgent(t *testing.T, agents *registry.AgentRegistry, id string, handler agent.HandlerFunc, opts ...agent.LocalOption) {
	t.Helper()
	desc := &agent.Descriptor{
		ID:           id,
		Type:         agent.TypeLending,
		Capabilities: []agent.Capability{{Action: "supply"}},
	}
	local, err := agent.NewLocal(desc, handler, opts...)
	if err != nil {
		t.Fatalf("构造本地代理失败: %v", err)
	}
	if err := agents.Register(local); err != nil {
		t.Fatalf("注册代理失败: %v", err)
	}
}

func mustRule(t *testing.T, r *Router, rule Rule) {
	t.Helper()
	if err := r.RegisterRule(rule); err != nil {
		t.Fatalf("注册路由规则失败: %v", err)
	}
}

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

func TestRouteMessageValidates(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})
	ctx := context.Background()

	cases := []*Message{
		nil,
		{Type: TypeTaskRequest, SenderID: "a", ReceiverID: "b"},
		{ID: "m1", Type: TypeTaskRequest, ReceiverID: "b"},
		{ID: "m1", Type: TypeTaskRequest, SenderID: "a"},
		{ID: "m1", Type: MessageType("carrier_pigeon"), SenderID: "a", ReceiverID: "b"},
	}
	for i, msg := range cases {
		if _, err := r.RouteMessage(ctx, msg); xerrors.CodeOf(err) != xerrors.CodeValidation {
			t.Fatalf("用例 %d 应当校验失败, got %v", i, err)
		}
	}
}

func TestRegisterRuleValidates(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})
	noop := func(ctx context.Context, msg *Message) (map[string]any, error) { return nil, nil }

	if err := r.RegisterRule(Rule{Type: TypeTaskRequest, Handle: noop}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("无名规则应当校验失败, got %v", err)
	}
	if err := r.RegisterRule(Rule{Name: "r1", Type: MessageType("beacon"), Handle: noop}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("未知类型应当校验失败, got %v", err)
	}
	if err := r.RegisterRule(Rule{Name: "r1", Type: TypeTaskRequest}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少处理器应当校验失败, got %v", err)
	}
}

func TestBacklogAdmitsAfterCompletion(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		MaxConcurrentMessages: 2,
		MessageTimeout:        5 * time.Second,
		RetryAttempts:         -1,
	})
	ctx := context.Background()

	release := make(chan struct{})
	var mu sync.Mutex
	var started []string
	mustRule(t, r, Rule{Name: "gate", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		started = append(started, msg.ID)
		mu.Unlock()
		select {
		case <-release:
			return map[string]any{"ok": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})

	route := func(id string) *Delivery {
		d, err := r.RouteMessage(ctx, &Message{ID: id, Type: TypeTaskRequest, SenderID: "s", ReceiverID: "x"})
		if err != nil {
			t.Fatalf("投递 %s 失败: %v", id, err)
		}
		return d
	}
	d1 := route("m1")
	d2 := route("m2")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 2
	})

	d3 := route("m3")
	if d1.Queued || d2.Queued {
		t.Fatal("额度内的消息不应当排队")
	}
	if !d3.Queued {
		t.Fatal("超出额度的消息应当进入等待队列")
	}
	select {
	case <-d3.Admitted():
		t.Fatal("排队消息在槽位空出前不应当开始处理")
	case <-time.After(80 * time.Millisecond):
	}
	if stats := r.Stats(); stats.QueuedMessages != 1 || stats.BacklogDepth != 1 {
		t.Fatalf("排队计数不符: %+v", stats)
	}

	release <- struct{}{}
	<-d3.Admitted()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 3
	})

	close(release)
	for _, d := range []*Delivery{d1, d2, d3} {
		out, err := d.Wait(ctx)
		if err != nil {
			t.Fatalf("等待结果失败: %v", err)
		}
		if out.Status != StatusCompleted {
			t.Fatalf("消息 %s 结果 %s: %v", out.ID, out.Status, out.Err)
		}
	}
}

func TestRetryExhaustionReportsAttempts(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		RetryAttempts:     2,
		BackoffMultiplier: 0.01,
	})
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	mustRule(t, r, Rule{Name: "always-fail", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("下游瘫痪")
	}})

	d, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	out, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("等待结果失败: %v", err)
	}

	if out.Status != StatusFailed {
		t.Fatalf("结果应当是失败, got %s", out.Status)
	}
	if out.Attempts != 3 {
		t.Fatalf("尝试次数应当是 3, got %d", out.Attempts)
	}
	mu.Lock()
	if calls != 3 {
		t.Fatalf("处理器应当被调用 3 次, got %d", calls)
	}
	mu.Unlock()
	if stats := r.Stats(); stats.Retries != 2 {
		t.Fatalf("重试计数应当是 2, got %d", stats.Retries)
	}
}

func TestRetrySucceedsOnLastAttempt(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		RetryAttempts:     2,
		BackoffMultiplier: 0.01,
	})
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	mustRule(t, r, Rule{Name: "flaky", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("还没恢复")
		}
		return map[string]any{"recovered": true}, nil
	}})

	d, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	out, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("等待结果失败: %v", err)
	}

	if out.Status != StatusCompleted {
		t.Fatalf("最后一次尝试成功应当整体成功: %v", out.Err)
	}
	if out.Attempts != 3 {
		t.Fatalf("尝试次数应当是 3, got %d", out.Attempts)
	}
	if out.Payload["recovered"] != true {
		t.Fatalf("应答载荷丢失: %v", out.Payload)
	}
}

func TestValidationFailureSkipsRetry(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		RetryAttempts:     3,
		BackoffMultiplier: 0.01,
	})
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	mustRule(t, r, Rule{Name: "reject", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, xerrors.New(xerrors.CodeValidation, "载荷不合法")
	}})

	d, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	out, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("等待结果失败: %v", err)
	}

	if out.Attempts != 1 {
		t.Fatalf("参数类失败不应当重试, got %d 次尝试", out.Attempts)
	}
	if xerrors.CodeOf(out.Err) != xerrors.CodeValidation {
		t.Fatalf("错误码应当保留为校验失败, got %v", out.Err)
	}
	mu.Lock()
	if calls != 1 {
		t.Fatalf("处理器应当只被调用 1 次, got %d", calls)
	}
	mu.Unlock()
}

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		RetryAttempts:     2,
		BackoffMultiplier: 0.2,
	})
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time
	mustRule(t, r, Rule{Name: "timing", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil, errors.New("持续失败")
	}})

	d, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	if _, err := d.Wait(ctx); err != nil {
		t.Fatalf("等待结果失败: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("应当有 3 次尝试, got %d", len(stamps))
	}
	// 0.2^1 = 200ms，0.2^2 = 40ms。
	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	if gap1 < 190*time.Millisecond || gap1 > 800*time.Millisecond {
		t.Fatalf("第一次退避间隔偏离预期 200ms: %v", gap1)
	}
	if gap2 < 35*time.Millisecond || gap2 > 500*time.Millisecond {
		t.Fatalf("第二次退避间隔偏离预期 40ms: %v", gap2)
	}
}

func TestMessageTimeoutCancelsHandler(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		MessageTimeout: 80 * time.Millisecond,
		RetryAttempts:  -1,
	})
	ctx := context.Background()

	cancelled := make(chan struct{})
	mustRule(t, r, Rule{Name: "stuck", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}})

	d, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	out, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("等待结果失败: %v", err)
	}

	if out.Status != StatusTimeout {
		t.Fatalf("结果应当是超时, got %s: %v", out.Status, out.Err)
	}
	if xerrors.CodeOf(out.Err) != xerrors.CodeTaskTimeout {
		t.Fatalf("错误码应当是任务超时, got %v", out.Err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("超时没有传导给在途的处理器")
	}
	if stats := r.Stats(); stats.Timeouts != 1 {
		t.Fatalf("超时计数应当是 1, got %d", stats.Timeouts)
	}
}

func TestPanicFoldsIntoFailure(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		RetryAttempts:     1,
		BackoffMultiplier: 0.01,
	})
	ctx := context.Background()

	mustRule(t, r, Rule{Name: "bomb", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		panic("处理器失控")
	}})
	mustRule(t, r, Rule{Name: "echo", Type: TypeStatusUpdate, Priority: 1, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}})

	d, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	out, err := d.Wait(ctx)
	if err != nil {
		t.Fatalf("等待结果失败: %v", err)
	}
	if out.Status != StatusFailed || out.Attempts != 2 {
		t.Fatalf("崩溃应当折叠为失败并照常重试: %+v", out)
	}
	if xerrors.CodeOf(out.Err) != xerrors.CodeInternal {
		t.Fatalf("错误码应当是内部错误, got %v", out.Err)
	}

	d2, err := r.RouteMessage(ctx, NewMessage(TypeStatusUpdate, "s", "x", nil))
	if err != nil {
		t.Fatalf("崩溃后投递失败: %v", err)
	}
	out2, err := d2.Wait(ctx)
	if err != nil || out2.Status != StatusCompleted {
		t.Fatalf("崩溃不应当影响后续消息: %v %v", out2, err)
	}
}

func TestRulePriorityAndPredicate(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})
	ctx := context.Background()

	mustRule(t, r, Rule{Name: "catch-all", Type: TypeTaskRequest, Priority: 1, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		return map[string]any{"handled_by": "catch-all"}, nil
	}})
	mustRule(t, r, Rule{
		Name:     "vip",
		Type:     TypeTaskRequest,
		Priority: 10,
		When:     func(msg *Message) bool { return msg.Payload["vip"] == true },
		Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
			return map[string]any{"handled_by": "vip"}, nil
		},
	})

	route := func(payload map[string]any) string {
		d, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", payload))
		if err != nil {
			t.Fatalf("投递失败: %v", err)
		}
		out, err := d.Wait(ctx)
		if err != nil || out.Status != StatusCompleted {
			t.Fatalf("处理失败: %v %v", out, err)
		}
		name, _ := out.Payload["handled_by"].(string)
		return name
	}

	if got := route(map[string]any{"vip": true}); got != "vip" {
		t.Fatalf("高优先级规则应当先匹配, got %s", got)
	}
	if got := route(map[string]any{"vip": false}); got != "catch-all" {
		t.Fatalf("条件不满足应当落到低优先级规则, got %s", got)
	}
}

func TestSequentialDispatchKeepsOrder(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		MaxConcurrentMessages: 4,
		SequentialDispatch:    true,
	})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	delays := map[string]time.Duration{"m0": 40 * time.Millisecond, "m1": 20 * time.Millisecond}
	mustRule(t, r, Rule{Name: "record", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		time.Sleep(delays[msg.ID])
		mu.Lock()
		order = append(order, msg.ID)
		mu.Unlock()
		return nil, nil
	}})

	msgs := []*Message{
		{ID: "m0", Type: TypeTaskRequest, SenderID: "s", ReceiverID: "x"},
		{ID: "m1", Type: TypeTaskRequest, SenderID: "s", ReceiverID: "x"},
		{ID: "m2", Type: TypeTaskRequest, SenderID: "s", ReceiverID: "x"},
	}
	outs, err := r.RouteMessages(ctx, msgs)
	if err != nil {
		t.Fatalf("批量投递失败: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("结果数量不符: %d", len(outs))
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range []string{"m0", "m1", "m2"} {
		if order[i] != id {
			t.Fatalf("顺序模式应当保持提交顺序, got %v", order)
		}
	}
}

func TestParallelDispatchHonorsBound(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{
		MaxConcurrentMessages: 2,
	})
	ctx := context.Background()

	var mu sync.Mutex
	current, peak := 0, 0
	mustRule(t, r, Rule{Name: "measure", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return nil, nil
	}})

	msgs := make([]*Message, 6)
	for i := range msgs {
		msgs[i] = NewMessage(TypeTaskRequest, "s", "x", nil)
	}
	outs, err := r.RouteMessages(ctx, msgs)
	if err != nil {
		t.Fatalf("批量投递失败: %v", err)
	}
	for _, out := range outs {
		if out.Status != StatusCompleted {
			t.Fatalf("消息 %s 未完成: %v", out.ID, out.Err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("并发峰值 %d 超出上限 2", peak)
	}
}

func TestBroadcastClonesPerReceiver(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	received := make(map[string]*Message)
	mustRule(t, r, Rule{Name: "collect", Type: TypeStatusUpdate, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		mu.Lock()
		received[msg.ReceiverID] = msg
		mu.Unlock()
		return nil, nil
	}})

	source := NewMessage(TypeStatusUpdate, "ops", "", map[string]any{"note": "维护窗口"})
	outs, err := r.Broadcast(ctx, source, []string{"agent-a", "agent-b", "agent-c"})
	if err != nil {
		t.Fatalf("广播失败: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("广播结果数量不符: %d", len(outs))
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]bool)
	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		msg := received[id]
		if msg == nil {
			t.Fatalf("接收方 %s 没有收到消息", id)
		}
		if msg.ID == source.ID || seen[msg.ID] {
			t.Fatalf("每个接收方应当拿到全新的消息 ID, got %s", msg.ID)
		}
		seen[msg.ID] = true
		if msg.CorrelationID != source.ID {
			t.Fatalf("广播副本应当关联源消息, got %s", msg.CorrelationID)
		}
		if msg.Payload["note"] != "维护窗口" {
			t.Fatalf("载荷没有复制: %v", msg.Payload)
		}
	}

	if _, err := r.Broadcast(ctx, source, nil); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("空接收方列表应当校验失败, got %v", err)
	}
}

func TestAwaitResponseResolvesCorrelation(t *testing.T) {
	r, _, _ := newTestRouter(t, Config{})
	ctx := context.Background()

	ch, cancel, err := r.AwaitResponse("corr-1")
	if err != nil {
		t.Fatalf("登记应答等待失败: %v", err)
	}
	defer cancel()

	msg := NewMessage(TypeTaskResponse, "agent-a", "orchestrator", map[string]any{"result": "ok"})
	msg.CorrelationID = "corr-1"
	d, err := r.RouteMessage(ctx, msg)
	if err != nil {
		t.Fatalf("投递应答失败: %v", err)
	}
	out, err := d.Wait(ctx)
	if err != nil || out.Status != StatusCompleted {
		t.Fatalf("应答处理失败: %v %v", out, err)
	}
	if out.Payload["delivered"] != true {
		t.Fatalf("应答应当命中等待方: %v", out.Payload)
	}

	select {
	case payload := <-ch:
		if payload["result"] != "ok" {
			t.Fatalf("等待方收到的载荷不符: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("等待方没有收到应答")
	}

	again := NewMessage(TypeTaskResponse, "agent-a", "orchestrator", nil)
	again.CorrelationID = "corr-1"
	d2, err := r.RouteMessage(ctx, again)
	if err != nil {
		t.Fatalf("投递第二条应答失败: %v", err)
	}
	out2, err := d2.Wait(ctx)
	if err != nil || out2.Status != StatusCompleted {
		t.Fatalf("第二条应答处理失败: %v %v", out2, err)
	}
	if out2.Payload["delivered"] != false {
		t.Fatalf("没有等待方时应当标记未投递: %v", out2.Payload)
	}
}

func TestCloseDrainsBacklogAndRejectsNew(t *testing.T) {
	agents := registry.NewAgentRegistry()
	r := New(Config{MaxConcurrentMessages: 1, MessageTimeout: 5 * time.Second}, agents, nil)
	ctx := context.Background()

	release := make(chan struct{})
	mustRule(t, r, Rule{Name: "gate", Type: TypeTaskRequest, Handle: func(ctx context.Context, msg *Message) (map[string]any, error) {
		<-release
		return nil, nil
	}})

	d1, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	d2, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil))
	if err != nil {
		t.Fatalf("投递失败: %v", err)
	}
	if !d2.Queued {
		t.Fatal("第二条消息应当排队")
	}

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()

	out2, err := d2.Wait(ctx)
	if err != nil {
		t.Fatalf("等待排队消息结果失败: %v", err)
	}
	if out2.Status != StatusFailed || xerrors.CodeOf(out2.Err) != xerrors.CodeRouterClosed {
		t.Fatalf("排队消息应当以路由器关闭收场: %+v", out2)
	}

	close(release)
	out1, err := d1.Wait(ctx)
	if err != nil || out1.Status != StatusCompleted {
		t.Fatalf("在途消息应当正常收尾: %v %v", out1, err)
	}
	<-closed

	if _, err := r.RouteMessage(ctx, NewMessage(TypeTaskRequest, "s", "x", nil)); xerrors.CodeOf(err) != xerrors.CodeRouterClosed {
		t.Fatalf("关闭后投递应当被拒绝, got %v", err)
	}
}
