package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"OpenIntent-Chain/internal/adapter"
	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/intent"
	"OpenIntent-Chain/internal/registry"
	"OpenIntent-Chain/internal/router"
	"OpenIntent-Chain/internal/task"
	"OpenIntent-Chain/pkg/plugin"
)

type testEnv struct {
	orch     *Orchestrator
	agents   *registry.AgentRegistry
	adapters *registry.AdapterRegistry
	store    *task.MemoryStore
	bus      *events.Bus
	recorder *events.Recorder
}

// newTestEnv 组装一套进程内依赖。路由重试被关闭，失败路径单次返回。
func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	agents := registry.NewAgentRegistry()
	adapters := registry.NewAdapterRegistry()
	rt := router.New(router.Config{RetryAttempts: -1}, agents, adapters)
	t.Cleanup(rt.Close)
	store := task.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	recorder := events.NewRecorder(bus, 64)
	t.Cleanup(recorder.Close)

	orch, err := New(cfg, intent.NewAnalyzer(nil), agents, adapters, rt, store,
		append([]Option{WithEventBus(bus)}, opts...)...)
	if err != nil {
		t.Fatalf("构造编排器失败: %v", err)
	}
	return &testEnv{orch: orch, agents: agents, adapters: adapters, store: store, bus: bus, recorder: recorder}
}

// eventsOfType 关闭总线等待在途事件落地后按类型过滤。
func (env *testEnv) eventsOfType(tp events.Type) []events.Event {
	env.bus.Close()
	var out []events.Event
	for _, event := range env.recorder.Recent(0) {
		if event.Type == tp {
			out = append(out, event)
		}
	}
	return out
}

func registerLocalAgent(t *testing.T, agents *registry.AgentRegistry, desc *agent.Descriptor, handler agent.HandlerFunc) {
	t.Helper()
	local, err := agent.NewLocal(desc, handler)
	if err != nil {
		t.Fatalf("构造本地代理失败: %v", err)
	}
	if err := agents.Register(local); err != nil {
		t.Fatalf("注册代理失败: %v", err)
	}
}

func completingHandler(result map[string]any) agent.HandlerFunc {
	return func(_ context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
		return &agent.TaskResponse{
			TaskID: req.TaskID,
			Status: agent.ResponseCompleted,
			Result: result,
		}, nil
	}
}

func lendingDescriptor(id string, actions ...string) *agent.Descriptor {
	if len(actions) == 0 {
		actions = []string{"supply"}
	}
	caps := make([]agent.Capability, 0, len(actions))
	for _, action := range actions {
		caps = append(caps, agent.Capability{Action: action})
	}
	return &agent.Descriptor{ID: id, Type: agent.TypeLending, Capabilities: caps}
}

func supplyIntent(amount float64) *intent.UserIntent {
	return &intent.UserIntent{
		Type:       "lending",
		Action:     "supply",
		Parameters: map[string]any{"asset": "USDC", "amount": amount},
		Priority:   intent.PriorityHigh,
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	agents := registry.NewAgentRegistry()
	adapters := registry.NewAdapterRegistry()
	rt := router.New(router.Config{}, agents, adapters)
	defer rt.Close()
	store := task.NewMemoryStore()
	defer func() { _ = store.Close() }()
	analyzer := intent.NewAnalyzer(nil)

	if _, err := New(Config{}, nil, agents, adapters, rt, store); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少分析器应当拒绝, got %v", err)
	}
	if _, err := New(Config{}, analyzer, nil, adapters, rt, store); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少代理注册表应当拒绝, got %v", err)
	}
	if _, err := New(Config{}, analyzer, agents, nil, rt, store); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少适配器注册表应当拒绝, got %v", err)
	}
	if _, err := New(Config{}, analyzer, agents, adapters, nil, store); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少路由应当拒绝, got %v", err)
	}
	if _, err := New(Config{}, analyzer, agents, adapters, rt, nil); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("缺少任务存储应当拒绝, got %v", err)
	}

	orch, err := New(Config{MaxConcurrentTasks: -1}, analyzer, agents, adapters, rt, store)
	if err != nil {
		t.Fatalf("合法依赖不应失败: %v", err)
	}
	if orch.Config().MaxConcurrentTasks != DefaultConfig().MaxConcurrentTasks {
		t.Fatalf("非法并发数应当回落默认值, got %d", orch.Config().MaxConcurrentTasks)
	}
}

func TestProcessIntentLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	registerLocalAgent(t, env.agents, lendingDescriptor("lend-1"),
		completingHandler(map[string]any{"tx_hash": "0xabc", "supplied": 250.0}))

	receipt := env.orch.ProcessIntent(context.Background(), supplyIntent(250))
	if !receipt.Succeeded() {
		t.Fatalf("期望意图完成, got %+v", receipt)
	}
	if receipt.IntentID == "" || receipt.TaskID == "" {
		t.Fatalf("回执应当携带意图与任务标识, got %+v", receipt)
	}
	if receipt.AgentID != "lend-1" {
		t.Fatalf("期望由 lend-1 执行, got %s", receipt.AgentID)
	}
	if receipt.Confidence != 0.9 {
		t.Fatalf("动作完全命中应当给出 0.9 置信度, got %v", receipt.Confidence)
	}
	if len(receipt.RequiredActions) != 1 || receipt.RequiredActions[0] != "supply" {
		t.Fatalf("期望规范动作 [supply], got %v", receipt.RequiredActions)
	}
	if receipt.Result["tx_hash"] != "0xabc" {
		t.Fatalf("回执结果应当只含代理产出, got %v", receipt.Result)
	}
	if _, ok := receipt.Result["execution_time_ms"]; ok {
		t.Fatalf("路由信封不应泄漏进回执结果, got %v", receipt.Result)
	}
	if receipt.Attempts != 1 {
		t.Fatalf("单次成功应当记 1 次尝试, got %d", receipt.Attempts)
	}

	stored, err := env.store.Get(context.Background(), receipt.TaskID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if stored.Status != task.StatusCompleted {
		t.Fatalf("任务应当落账 completed, got %s", stored.Status)
	}
	if stored.Result["tx_hash"] != "0xabc" {
		t.Fatalf("任务结果应当与回执一致, got %v", stored.Result)
	}
	if stored.AgentID != "lend-1" || stored.Action != "supply" {
		t.Fatalf("任务应当记录代理与动作, got %+v", stored)
	}
	if stored.Priority != intent.PriorityHigh.Rank() {
		t.Fatalf("任务应当继承意图优先级, got %d", stored.Priority)
	}

	view, err := env.agents.Get("lend-1")
	if err != nil {
		t.Fatalf("读取代理视图失败: %v", err)
	}
	if view.Load.ActiveTasks != 0 {
		t.Fatalf("任务收尾后代理负载应当归零, got %d", view.Load.ActiveTasks)
	}

	for _, tp := range []events.Type{events.IntentReceived, events.TaskStarted, events.TaskCompleted} {
		got := env.eventsOfType(tp)
		if len(got) != 1 {
			t.Fatalf("期望恰好 1 条 %s 事件, got %d", tp, len(got))
		}
	}
	completed := env.eventsOfType(events.TaskCompleted)[0]
	if completed.Payload["task_id"] != receipt.TaskID || completed.Payload["agent_id"] != "lend-1" {
		t.Fatalf("完成事件应当携带任务与代理标识, got %v", completed.Payload)
	}
}

func TestProcessIntentValidationFailure(t *testing.T) {
	env := newTestEnv(t, Config{})

	receipt := env.orch.ProcessIntent(context.Background(), &intent.UserIntent{Type: "lending"})
	if receipt.Succeeded() {
		t.Fatal("缺少 action 的意图不应成功")
	}
	if receipt.Status != string(task.StatusFailed) {
		t.Fatalf("期望 failed 状态, got %s", receipt.Status)
	}
	if receipt.ErrorCode != string(xerrors.CodeValidation) {
		t.Fatalf("期望校验错误码, got %s", receipt.ErrorCode)
	}
	if receipt.Recoverable {
		t.Fatal("校验失败不应标记为可恢复")
	}
	if receipt.TaskID != "" {
		t.Fatalf("校验失败不应创建任务, got %s", receipt.TaskID)
	}

	stats, err := env.store.Stats(context.Background(), task.ListOptions{})
	if err != nil {
		t.Fatalf("读取任务统计失败: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("校验失败不应落库任务, got %d", stats.Total)
	}

	errs := env.eventsOfType(events.ErrorOccurred)
	if len(errs) != 1 {
		t.Fatalf("期望 1 条 error_occurred 事件, got %d", len(errs))
	}
	if errs[0].Payload["source"] != senderOrchestrator {
		t.Fatalf("事件来源应当是编排器, got %v", errs[0].Payload["source"])
	}
	if errs[0].Payload["error_code"] != string(xerrors.CodeValidation) {
		t.Fatalf("事件应当携带错误码, got %v", errs[0].Payload)
	}
}

func TestProcessIntentNoAgentListsAlternatives(t *testing.T) {
	env := newTestEnv(t, Config{})
	registerLocalAgent(t, env.agents, lendingDescriptor("lend-offline"), completingHandler(nil))
	if err := env.agents.SetStatus("lend-offline", agent.StatusOffline); err != nil {
		t.Fatalf("下线代理失败: %v", err)
	}

	receipt := env.orch.ProcessIntent(context.Background(), supplyIntent(10))
	if receipt.Succeeded() {
		t.Fatal("没有健康代理时不应成功")
	}
	if receipt.ErrorCode != string(xerrors.CodeNoAvailableAgents) {
		t.Fatalf("期望 NO_AVAILABLE_AGENTS, got %s", receipt.ErrorCode)
	}
	if !receipt.Recoverable {
		t.Fatal("无可用代理属于可恢复错误")
	}
	if len(receipt.Alternatives) != 1 || receipt.Alternatives[0] != "lend-offline" {
		t.Fatalf("回执应当附带同类型候选, got %v", receipt.Alternatives)
	}
	if receipt.TaskID != "" {
		t.Fatal("代理选择失败不应创建任务")
	}
}

func TestProcessIntentAgentFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	registerLocalAgent(t, env.agents, lendingDescriptor("lend-1"),
		func(_ context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
			return &agent.TaskResponse{
				TaskID: req.TaskID,
				Status: agent.ResponseFailed,
				Error:  "insufficient collateral",
			}, nil
		})

	receipt := env.orch.ProcessIntent(context.Background(), supplyIntent(10))
	if receipt.Succeeded() {
		t.Fatal("代理自报失败不应折叠为成功")
	}
	if receipt.ErrorCode != string(xerrors.CodeAgentFailure) {
		t.Fatalf("期望 AGENT_FAILURE, got %s", receipt.ErrorCode)
	}
	if !receipt.Recoverable {
		t.Fatal("代理失败默认可恢复")
	}
	if receipt.TaskID == "" {
		t.Fatal("失败的执行也应当留下任务记录")
	}

	stored, err := env.store.Get(context.Background(), receipt.TaskID)
	if err != nil {
		t.Fatalf("读取任务失败: %v", err)
	}
	if stored.Status != task.StatusFailed {
		t.Fatalf("任务应当落账 failed, got %s", stored.Status)
	}
	if stored.ErrorCode != string(xerrors.CodeAgentFailure) {
		t.Fatalf("任务应当记录错误码, got %s", stored.ErrorCode)
	}
	if !stored.Recoverable {
		t.Fatal("任务应当继承可恢复标记")
	}

	view, err := env.agents.Get("lend-1")
	if err != nil {
		t.Fatalf("读取代理视图失败: %v", err)
	}
	if view.Load.ActiveTasks != 0 {
		t.Fatalf("失败收尾同样应当释放代理负载, got %d", view.Load.ActiveTasks)
	}
}

func TestSelectAgentScoringAndLoad(t *testing.T) {
	env := newTestEnv(t, Config{})
	fast := lendingDescriptor("lend-a", "supply", "withdraw")
	fast.Capabilities[0].EstimatedExecutionTimeMS = 1200
	registerLocalAgent(t, env.agents, fast, completingHandler(nil))
	registerLocalAgent(t, env.agents, lendingDescriptor("lend-b"), completingHandler(nil))

	// lend-b 背上一个在途任务后，空闲的 lend-a 应当胜出。
	if err := env.agents.TaskStarted("lend-b"); err != nil {
		t.Fatalf("预置负载失败: %v", err)
	}

	analyzed, err := env.orch.analyzer.Analyze(supplyIntent(10))
	if err != nil {
		t.Fatalf("分析意图失败: %v", err)
	}
	sel, err := env.orch.SelectAgent(analyzed)
	if err != nil {
		t.Fatalf("代理选择失败: %v", err)
	}
	if sel.AgentID != "lend-a" {
		t.Fatalf("期望选中最空闲代理 lend-a, got %s", sel.AgentID)
	}
	if sel.AgentType != agent.TypeLending {
		t.Fatalf("期望 lending 类型, got %s", sel.AgentType)
	}
	if sel.MatchScore != 1.0 {
		t.Fatalf("动作全覆盖应当得满分, got %v", sel.MatchScore)
	}
	if sel.EstimatedExecutionTime != 1200*time.Millisecond {
		t.Fatalf("期望采用能力声明的耗时, got %v", sel.EstimatedExecutionTime)
	}
}

func TestSelectAgentCapabilityMismatch(t *testing.T) {
	env := newTestEnv(t, Config{})
	registerLocalAgent(t, env.agents, lendingDescriptor("lend-w", "withdraw"), completingHandler(nil))

	analyzed, err := env.orch.analyzer.Analyze(supplyIntent(10))
	if err != nil {
		t.Fatalf("分析意图失败: %v", err)
	}
	_, err = env.orch.SelectAgent(analyzed)
	if err == nil {
		t.Fatal("能力不匹配应当选不出代理")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeCapabilityMismatch {
		t.Fatalf("期望 CAPABILITY_MISMATCH, got %s", code)
	}
	coded, ok := xerrors.From(err)
	if !ok || coded.Meta("alternatives") != "lend-w" {
		t.Fatalf("错误应当附带候选列表, got %v", err)
	}

	_, err = env.orch.SelectAgent(&intent.AnalyzedIntent{
		Intent:          &intent.UserIntent{Type: "staking", Action: "stake"},
		RequiredActions: []string{"stake"},
	})
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnsupportedIntent {
		t.Fatalf("未知代理类型应当返回 UNSUPPORTED_INTENT, got %s", code)
	}
}

func TestCancelTaskLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	seed := func(id string, status task.Status) {
		t.Helper()
		if err := env.store.Create(ctx, &task.Task{
			ID: id, IntentID: "in-" + id, AgentID: "lend-1", Action: "supply", Status: status,
		}); err != nil {
			t.Fatalf("预置任务失败: %v", err)
		}
	}
	seed("task-pending", task.StatusPending)
	seed("task-running", task.StatusRunning)

	cancelled, err := env.orch.CancelTask(ctx, "task-pending", "")
	if err != nil {
		t.Fatalf("取消待执行任务失败: %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Fatalf("期望 cancelled, got %s", cancelled.Status)
	}
	if cancelled.ErrorMessage != "cancelled by caller" {
		t.Fatalf("空原因应当补默认说明, got %q", cancelled.ErrorMessage)
	}

	if _, err := env.orch.CancelTask(ctx, "task-running", "太晚了"); xerrors.CodeOf(err) != xerrors.CodeTaskStateConflict {
		t.Fatalf("运行中任务应当拒绝取消, got %v", err)
	}
	if _, err := env.orch.CancelTask(ctx, "ghost", ""); xerrors.CodeOf(err) != xerrors.CodeTaskNotFound {
		t.Fatalf("未知任务应当返回 TASK_NOT_FOUND, got %v", err)
	}
}

func TestProcessIntentsParallelKeepsOrder(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentTasks: 2})
	var mu sync.Mutex
	handled := 0
	registerLocalAgent(t, env.agents, lendingDescriptor("lend-1"),
		func(_ context.Context, req agent.TaskRequest) (*agent.TaskResponse, error) {
			mu.Lock()
			handled++
			mu.Unlock()
			return &agent.TaskResponse{TaskID: req.TaskID, Status: agent.ResponseCompleted,
				Result: map[string]any{"amount": req.Parameters["amount"]}}, nil
		})

	intents := []*intent.UserIntent{
		supplyIntent(1),
		{Type: "lending"}, // 缺 action，应当原位失败
		supplyIntent(3),
	}
	receipts := env.orch.ProcessIntentsParallel(context.Background(), intents)
	if len(receipts) != 3 {
		t.Fatalf("期望 3 份回执, got %d", len(receipts))
	}
	if !receipts[0].Succeeded() || !receipts[2].Succeeded() {
		t.Fatalf("合法意图应当成功, got %+v / %+v", receipts[0], receipts[2])
	}
	if receipts[1].Succeeded() || receipts[1].ErrorCode != string(xerrors.CodeValidation) {
		t.Fatalf("非法意图应当原位返回校验失败, got %+v", receipts[1])
	}
	if receipts[0].Result["amount"] != 1.0 || receipts[2].Result["amount"] != 3.0 {
		t.Fatalf("回执顺序应当与入参一致, got %v / %v", receipts[0].Result, receipts[2].Result)
	}

	mu.Lock()
	defer mu.Unlock()
	if handled != 2 {
		t.Fatalf("代理应当只收到 2 个任务, got %d", handled)
	}
}

type stoppableAdapter struct {
	mu      sync.Mutex
	stopped bool
}

func (*stoppableAdapter) Name() string           { return "market-data" }
func (*stoppableAdapter) Kind() adapter.Kind     { return adapter.KindAnalytics }
func (*stoppableAdapter) Capabilities() []string { return []string{"get_token_price"} }

func (*stoppableAdapter) Execute(_ context.Context, operation string, params map[string]any) (map[string]any, error) {
	return map[string]any{"operation": operation, "symbol": params["symbol"], "price_usd": 1845.2}, nil
}

func (a *stoppableAdapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

func (a *stoppableAdapter) wasStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func TestExecuteAdapterOperation(t *testing.T) {
	env := newTestEnv(t, Config{})
	stub := &stoppableAdapter{}
	if err := env.adapters.Register(stub, 5); err != nil {
		t.Fatalf("注册适配器失败: %v", err)
	}
	ctx := context.Background()

	result, err := env.orch.ExecuteAdapterOperation(ctx, "market-data", "get_token_price",
		map[string]any{"symbol": "ETH"})
	if err != nil {
		t.Fatalf("适配器调用失败: %v", err)
	}
	if result["symbol"] != "ETH" || result["price_usd"] != 1845.2 {
		t.Fatalf("期望透传适配器结果, got %v", result)
	}

	// 省略实例名时按操作能力挑选。
	byOp, err := env.orch.ExecuteAdapterOperation(ctx, "", "get_token_price", map[string]any{"symbol": "BTC"})
	if err != nil {
		t.Fatalf("按能力选择适配器失败: %v", err)
	}
	if byOp["symbol"] != "BTC" {
		t.Fatalf("期望命中同一适配器, got %v", byOp)
	}

	if _, err := env.orch.ExecuteAdapterOperation(ctx, "ghost", "get_token_price", nil); xerrors.CodeOf(err) != xerrors.CodeAdapterNotAvailable {
		t.Fatalf("未知适配器应当立即拒绝, got %v", err)
	}
	if _, err := env.orch.ExecuteAdapterOperation(ctx, "", "get_gas_price", nil); xerrors.CodeOf(err) != xerrors.CodeAdapterNotAvailable {
		t.Fatalf("无适配器声明该操作应当拒绝, got %v", err)
	}

	env.orch.StopAdapters(ctx)
	if !stub.wasStopped() {
		t.Fatal("停机流程应当调用适配器的停机钩子")
	}
	stops := env.eventsOfType(events.AdaptersStopped)
	if len(stops) != 1 {
		t.Fatalf("期望 1 条 adapters_stopped 事件, got %d", len(stops))
	}
	if count, ok := stops[0].Payload["count"].(int); !ok || count != 1 {
		t.Fatalf("停机事件应当统计实例数, got %v", stops[0].Payload)
	}
}

type fixturePlugin struct{}

func (fixturePlugin) Info() plugin.Info {
	return plugin.Info{ID: "fixture", Name: "fixture", Version: "1.0.0", Category: plugin.CategoryAdapter}
}

func (fixturePlugin) Configure(map[string]any) error      { return nil }
func (fixturePlugin) Init(*plugin.ExecutionContext) error { return nil }

func (fixturePlugin) Start(*plugin.ExecutionContext) error { return nil }
func (fixturePlugin) Stop(*plugin.ExecutionContext) error  { return nil }

func (fixturePlugin) ProvideAdapters(*plugin.ExecutionContext) ([]plugin.ProvidedAdapter, error) {
	return []plugin.ProvidedAdapter{providedQuotes{}}, nil
}

var _ plugin.AdapterProvider = fixturePlugin{}

type providedQuotes struct{}

func (providedQuotes) Name() string           { return "plugin-quotes" }
func (providedQuotes) Kind() string           { return "analytics" }
func (providedQuotes) Capabilities() []string { return []string{"get_token_price"} }

func (providedQuotes) Execute(context.Context, string, map[string]any) (map[string]any, error) {
	return map[string]any{"price_usd": 1.0}, nil
}

func TestInitializeAdaptersFromCatalogAndPlugins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapters.yaml")
	catalog := `adapters:
  - name: market-data
    kind: analytics
    priority: 10
    circuit_breaker:
      enabled: true
      failure_threshold: 3
      open_interval_seconds: 5
    analytics:
      base_url: http://127.0.0.1:19999
      timeout_ms: 500
      cache_ttl_seconds: 5
  - name: parked
    kind: analytics
    enabled: false
    analytics:
      base_url: http://127.0.0.1:19998
`
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatalf("写入适配器目录失败: %v", err)
	}

	manager, err := plugin.NewManager(plugin.ManagerConfig{})
	if err != nil {
		t.Fatalf("构造插件管理器失败: %v", err)
	}
	if err := manager.Register("fixture", fixturePlugin{}, nil, plugin.IsolationPolicy{}, 7); err != nil {
		t.Fatalf("注册插件失败: %v", err)
	}
	ctx := context.Background()
	if err := manager.StartAll(ctx); err != nil {
		t.Fatalf("启动插件失败: %v", err)
	}

	env := newTestEnv(t, Config{AdapterDefinitionsPath: path}, WithPluginManager(manager))
	if err := env.orch.InitializeAdapters(ctx); err != nil {
		t.Fatalf("初始化适配器失败: %v", err)
	}

	views := env.adapters.List()
	if len(views) != 2 {
		t.Fatalf("期望注册 2 个适配器, got %d", len(views))
	}
	names := make(map[string]bool, len(views))
	for _, view := range views {
		names[view.Name] = true
	}
	if !names["market-data"] || !names["plugin-quotes"] {
		t.Fatalf("期望 market-data 与 plugin-quotes 均在册, got %v", names)
	}
	if names["parked"] {
		t.Fatal("禁用的适配器不应注册")
	}

	handle, err := env.adapters.Lookup("market-data")
	if err != nil {
		t.Fatalf("查找适配器失败: %v", err)
	}
	if _, ok := handle.(*adapter.Breaker); !ok {
		t.Fatalf("启用熔断的适配器应当被包装, got %T", handle)
	}

	initialized := env.eventsOfType(events.AdaptersInitialized)
	if len(initialized) != 1 {
		t.Fatalf("期望 1 条 adapters_initialized 事件, got %d", len(initialized))
	}
	if count, ok := initialized[0].Payload["count"].(int); !ok || count != 2 {
		t.Fatalf("初始化事件应当统计实例数, got %v", initialized[0].Payload)
	}
}

func TestBreakerStateChangeForwarding(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]string
	env := newTestEnv(t, Config{}, WithBreakerObserver(func(name, from, to string) {
		mu.Lock()
		transitions = append(transitions, [2]string{name + ":" + from, to})
		mu.Unlock()
	}))

	env.orch.breakerStateChanged("dex-data", "closed", "open")
	env.orch.breakerStateChanged("dex-data", "open", "half-open")

	mu.Lock()
	if len(transitions) != 2 || transitions[0][1] != "open" || transitions[1][1] != "half-open" {
		mu.Unlock()
		t.Fatalf("观察器应当收到全部切换, got %v", transitions)
	}
	mu.Unlock()

	errs := env.eventsOfType(events.ErrorOccurred)
	if len(errs) != 1 {
		t.Fatalf("只有跳闸需要广播 error_occurred, got %d", len(errs))
	}
	payload := errs[0].Payload
	if payload["source"] != "breaker" || payload["adapter"] != "dex-data" {
		t.Fatalf("事件应当指明熔断来源, got %v", payload)
	}
	if payload["error_code"] != string(xerrors.CodeCircuitOpen) {
		t.Fatalf("期望 CIRCUIT_OPEN, got %v", payload["error_code"])
	}
}
