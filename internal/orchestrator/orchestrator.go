package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenIntent-Chain/internal/adapter/analytics"
	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/intent"
	"OpenIntent-Chain/internal/registry"
	"OpenIntent-Chain/internal/router"
	"OpenIntent-Chain/internal/task"
	"OpenIntent-Chain/internal/web3/provider"
	"OpenIntent-Chain/pkg/logger"
	"OpenIntent-Chain/pkg/plugin"
)

// senderOrchestrator 是编排器发出的消息携带的 sender_id。
const senderOrchestrator = "orchestrator"

// maxAlternatives 限制选择失败时附带的候选代理数量。
const maxAlternatives = 3

// Config 控制意图编排的并发与适配器目录。
type Config struct {
	// MaxConcurrentTasks 限制 ProcessIntentsParallel 的同时在处理意图数。
	MaxConcurrentTasks int
	// AdapterDefinitionsPath 指向适配器目录文件，为空时不加载内置适配器。
	AdapterDefinitionsPath string
}

// DefaultConfig 返回默认编排配置。
func DefaultConfig() Config {
	return Config{MaxConcurrentTasks: 5}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	return c
}

// Selection 记录一次代理选择的结果。
type Selection struct {
	AgentID                string        `json:"agent_id"`
	AgentType              agent.Type    `json:"agent_type"`
	MatchScore             float64       `json:"match_score"`
	EstimatedExecutionTime time.Duration `json:"estimated_execution_time"`
}

// Orchestrator 把用户意图翻译为任务并驱动其执行。
type Orchestrator struct {
	cfg             Config
	analyzer        *intent.Analyzer
	agents          *registry.AgentRegistry
	adapters        *registry.AdapterRegistry
	router          *router.Router
	store           task.Store
	bus             *events.Bus
	chains          *provider.Registry
	cache           analytics.Cache
	plugins         *plugin.Manager
	breakerObserver func(adapterName, from, to string)
	log             *slog.Logger

	sem chan struct{}
}

// Option 调整编排器的可选依赖。
type Option func(*Orchestrator)

// WithEventBus 让编排器在生命周期节点广播事件。
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithChains 注入链客户端注册表，供区块链与实时数据适配器使用。
func WithChains(chains *provider.Registry) Option {
	return func(o *Orchestrator) {
		o.chains = chains
	}
}

// WithCache 注入行情适配器的响应缓存。
func WithCache(cache analytics.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = cache
	}
}

// WithPluginManager 注入插件管理器，初始化时收割其提供的适配器。
func WithPluginManager(m *plugin.Manager) Option {
	return func(o *Orchestrator) {
		o.plugins = m
	}
}

// WithBreakerObserver 注册熔断器状态切换观察器，供指标采集挂接。
func WithBreakerObserver(fn func(adapterName, from, to string)) Option {
	return func(o *Orchestrator) {
		o.breakerObserver = fn
	}
}

// New 创建编排器。analyzer、agents、adapters、rt、store 均为必需依赖。
func New(cfg Config, analyzer *intent.Analyzer, agents *registry.AgentRegistry,
	adapters *registry.AdapterRegistry, rt *router.Router, store task.Store, opts ...Option) (*Orchestrator, error) {
	if analyzer == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "编排器缺少意图分析器")
	}
	if agents == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "编排器缺少代理注册表")
	}
	if adapters == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "编排器缺少适配器注册表")
	}
	if rt == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "编排器缺少消息路由")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "编排器缺少任务存储")
	}

	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		analyzer: analyzer,
		agents:   agents,
		adapters: adapters,
		router:   rt,
		store:    store,
		log:      logger.Named("orchestrator"),
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Config 返回生效的编排配置。
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// ProcessIntent 执行完整的意图处理链：分析、选择代理、建任务、派发执行。
// 任何一步失败都立即短路，结果统一以 Receipt 形式返回。
func (o *Orchestrator) ProcessIntent(ctx context.Context, ui *intent.UserIntent) *intent.Receipt {
	start := time.Now()
	if err := ui.Validate(); err != nil {
		return o.finishReceipt(o.buildReceipt(ui, nil, nil, router.Outcome{}, err, start))
	}
	if ui.ID == "" {
		ui.ID = uuid.NewString()
	}
	o.publish(events.IntentReceived, map[string]any{
		"intent_id": ui.ID,
		"type":      ui.Type,
		"action":    ui.Action,
		"priority":  string(ui.Priority),
	})

	analyzed, err := o.analyzer.Analyze(ui)
	if err != nil {
		return o.finishReceipt(o.buildReceipt(ui, nil, nil, router.Outcome{}, err, start))
	}

	sel, err := o.SelectAgent(analyzed)
	if err != nil {
		return o.finishReceipt(o.buildReceipt(ui, analyzed, nil, router.Outcome{}, err, start))
	}

	created, err := o.CreateTask(ctx, analyzed, sel)
	if err != nil {
		return o.finishReceipt(o.buildReceipt(ui, analyzed, nil, router.Outcome{}, err, start))
	}

	out, err := o.ExecuteTask(ctx, created)
	return o.finishReceipt(o.buildReceipt(ui, analyzed, created, out, err, start))
}

// ProcessIntentsParallel 并发处理一批意图，受 MaxConcurrentTasks 限流，
// 返回的回执与入参顺序一致。
func (o *Orchestrator) ProcessIntentsParallel(ctx context.Context, intents []*intent.UserIntent) []*intent.Receipt {
	receipts := make([]*intent.Receipt, len(intents))
	var wg sync.WaitGroup
	for i, ui := range intents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.sem <- struct{}{}
			defer func() { <-o.sem }()
			receipts[i] = o.ProcessIntent(ctx, ui)
		}()
	}
	wg.Wait()
	return receipts
}

// SelectAgent 把意图类型映射到代理类型并委托注册表完成最少负载选择。
// 选不到代理时在错误里附带至多 3 个同类型候选，便于调用方提示。
func (o *Orchestrator) SelectAgent(analyzed *intent.AnalyzedIntent) (*Selection, error) {
	if analyzed == nil || analyzed.Intent == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "分析结果不能为空")
	}
	primary := analyzed.Primary()
	if primary == "" {
		return nil, xerrors.New(xerrors.CodeUnsupportedIntent, "意图没有可执行的动作",
			xerrors.WithMetadata("intent_id", analyzed.Intent.ID))
	}
	agentType, err := agent.ParseType(analyzed.Intent.Type)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnsupportedIntent, err, "没有对应该意图类型的代理",
			xerrors.WithMetadata("intent_type", analyzed.Intent.Type))
	}

	view, err := o.agents.FindBestAgent(agentType, primary, analyzed.Intent.Parameters)
	if err != nil {
		if alts := o.alternatives(agentType); len(alts) > 0 {
			err = xerrors.Wrap(xerrors.CodeOf(err), err, "代理选择失败",
				xerrors.WithMetadata("alternatives", strings.Join(alts, ",")))
		}
		return nil, err
	}

	sel := &Selection{
		AgentID:    view.Descriptor.ID,
		AgentType:  agentType,
		MatchScore: matchScore(view.Descriptor, analyzed.RequiredActions),
	}
	if cap, ok := view.Descriptor.Capability(primary); ok {
		sel.EstimatedExecutionTime = cap.EstimatedExecutionTime()
	} else {
		sel.EstimatedExecutionTime = agent.DefaultEstimatedExecutionTime
	}
	o.log.Debug("已选定代理",
		slog.String("intent_id", analyzed.Intent.ID),
		slog.String("agent_id", sel.AgentID),
		slog.Float64("match_score", sel.MatchScore),
		slog.Duration("estimated", sel.EstimatedExecutionTime),
	)
	return sel, nil
}

// alternatives 返回指定类型下至多 maxAlternatives 个代理 ID。
func (o *Orchestrator) alternatives(t agent.Type) []string {
	ids := o.agents.AgentsOfType(t)
	if len(ids) > maxAlternatives {
		ids = ids[:maxAlternatives]
	}
	return ids
}

// matchScore 计算代理能力对所需动作的覆盖率。
func matchScore(desc *agent.Descriptor, required []string) float64 {
	if desc == nil || len(required) == 0 {
		return 0
	}
	declared := make(map[string]bool, len(desc.Capabilities))
	for _, cap := range desc.Capabilities {
		declared[cap.Action] = true
	}
	hit := 0
	for _, action := range required {
		if declared[action] {
			hit++
		}
	}
	return float64(hit) / float64(len(required))
}

// CreateTask 按分析结果与代理选择构造任务并落库，此处不做任何其它 I/O。
func (o *Orchestrator) CreateTask(ctx context.Context, analyzed *intent.AnalyzedIntent, sel *Selection) (*task.Task, error) {
	if analyzed == nil || analyzed.Intent == nil || sel == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "创建任务需要分析结果与代理选择")
	}
	t := &task.Task{
		ID:         uuid.NewString(),
		IntentID:   analyzed.Intent.ID,
		AgentID:    sel.AgentID,
		Action:     analyzed.Primary(),
		Parameters: analyzed.Intent.Parameters,
		Status:     task.StatusPending,
		Priority:   analyzed.Intent.Priority.Rank(),
	}
	if err := o.store.Create(ctx, t); err != nil {
		return nil, err
	}
	o.log.Debug("任务已创建",
		slog.String("task_id", t.ID),
		slog.String("agent_id", t.AgentID),
		slog.String("action", t.Action),
	)
	return t, nil
}

// ExecuteTask 通过消息路由把任务派发给选定代理并等待最终结果。
// 路由满额时任务先进入 queued，获准执行后再翻转为 running；
// 无论结果如何，代理的负载指标都会随调用前后更新。
func (o *Orchestrator) ExecuteTask(ctx context.Context, t *task.Task) (router.Outcome, error) {
	if t == nil || t.ID == "" {
		return router.Outcome{}, xerrors.New(xerrors.CodeValidation, "任务不能为空")
	}

	msg := router.NewMessage(router.TypeTaskRequest, senderOrchestrator, t.AgentID, map[string]any{
		"task_id":    t.ID,
		"intent_id":  t.IntentID,
		"action":     t.Action,
		"parameters": t.Parameters,
		"priority":   t.Priority,
	})

	o.publish(events.TaskStarted, map[string]any{
		"task_id":   t.ID,
		"intent_id": t.IntentID,
		"agent_id":  t.AgentID,
		"action":    t.Action,
	})
	if err := o.agents.TaskStarted(t.AgentID); err != nil {
		o.log.Warn("代理负载计数更新失败", slog.String("agent_id", t.AgentID), slog.Any("error", err))
	}

	d, err := o.router.RouteMessage(ctx, msg)
	if err != nil {
		o.finalize(ctx, t, router.Outcome{Status: router.StatusFailed, Err: err})
		return router.Outcome{}, err
	}
	if d.Queued {
		if merr := o.store.MarkQueued(ctx, t.ID); merr != nil {
			o.log.Warn("任务入队状态落账失败", slog.String("task_id", t.ID), slog.Any("error", merr))
		}
	}

	select {
	case <-d.Admitted():
		if merr := o.store.MarkRunning(ctx, t.ID); merr != nil {
			o.log.Warn("任务运行状态落账失败", slog.String("task_id", t.ID), slog.Any("error", merr))
		}
	case <-ctx.Done():
		go o.finalizeDetached(t, d)
		return router.Outcome{}, ctx.Err()
	}

	out, err := d.Wait(ctx)
	if err != nil {
		go o.finalizeDetached(t, d)
		return router.Outcome{}, err
	}
	o.finalize(ctx, t, *out)
	if out.Err != nil {
		return *out, out.Err
	}
	return *out, nil
}

// finalizeDetached 在调用方提前离场后兜底落账：排队中的任务仍会被路由执行，
// 结果到达时补齐状态迁移。
func (o *Orchestrator) finalizeDetached(t *task.Task, d *router.Delivery) {
	<-d.Done()
	out := d.Outcome()
	if out == nil {
		return
	}
	ctx := context.Background()
	_ = o.store.MarkRunning(ctx, t.ID)
	o.finalize(ctx, t, *out)
}

// finalize 把路由结果写回任务存储、更新代理负载并广播完成事件。
// 每个任务恰好执行一次。
func (o *Orchestrator) finalize(ctx context.Context, t *task.Task, out router.Outcome) {
	success := out.Status == router.StatusCompleted && out.Err == nil
	if err := o.agents.TaskFinished(t.AgentID, out.Duration, success); err != nil {
		o.log.Debug("代理负载结算失败", slog.String("agent_id", t.AgentID), slog.Any("error", err))
	}

	switch {
	case success:
		if err := o.store.MarkCompleted(ctx, t.ID, taskResult(out.Payload)); err != nil {
			o.log.Warn("任务完成状态落账失败", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		o.publish(events.TaskCompleted, map[string]any{
			"task_id":     t.ID,
			"intent_id":   t.IntentID,
			"agent_id":    t.AgentID,
			"attempts":    out.Attempts,
			"duration_ms": out.Duration.Milliseconds(),
		})
	case out.Status == router.StatusTimeout:
		if err := o.store.MarkTimeout(ctx, t.ID); err != nil {
			o.log.Warn("任务超时状态落账失败", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	default:
		o.markFailed(ctx, t.ID, out.Err)
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, id string, cause error) {
	message := "任务执行失败"
	if cause != nil {
		message = cause.Error()
	}
	if err := o.store.MarkFailed(ctx, id, xerrors.CodeOf(cause), message, xerrors.Recoverable(cause)); err != nil {
		o.log.Warn("任务失败状态落账失败", slog.String("task_id", id), slog.Any("error", err))
	}
}

// CancelTask 取消尚未开始执行的任务。运行中与终止态任务拒绝取消。
func (o *Orchestrator) CancelTask(ctx context.Context, id string, reason string) (*task.Task, error) {
	current, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != task.StatusPending && current.Status != task.StatusQueued {
		return nil, xerrors.New(xerrors.CodeTaskStateConflict, "任务当前状态不允许取消",
			xerrors.WithMetadata("task_id", id),
			xerrors.WithMetadata("status", string(current.Status)))
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by caller"
	}
	if err := o.store.MarkCancelled(ctx, id, reason); err != nil {
		return nil, err
	}
	o.log.Info("任务已取消", slog.String("task_id", id), slog.String("reason", reason))
	return o.store.Get(ctx, id)
}

// taskResult 从任务应答中剥离路由信封，只保留代理的业务结果。
// task_id、status 与 execution_time_ms 已体现在任务与回执的独立字段上。
func taskResult(payload map[string]any) map[string]any {
	result, _ := payload["result"].(map[string]any)
	return result
}

// buildReceipt 把一次处理的中间产物折叠为统一回执。
func (o *Orchestrator) buildReceipt(ui *intent.UserIntent, analyzed *intent.AnalyzedIntent,
	t *task.Task, out router.Outcome, err error, start time.Time) *intent.Receipt {
	r := &intent.Receipt{
		Attempts:    out.Attempts,
		DurationMS:  time.Since(start).Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if ui != nil {
		r.IntentID = ui.ID
	}
	if analyzed != nil {
		r.Confidence = analyzed.Confidence
		r.RequiredActions = append([]string(nil), analyzed.RequiredActions...)
		r.Risks = append([]string(nil), analyzed.Risks...)
	}
	if t != nil {
		r.TaskID = t.ID
		r.AgentID = t.AgentID
	}
	if err == nil {
		r.Status = string(task.StatusCompleted)
		r.Result = taskResult(out.Payload)
		return r
	}

	if out.Status == router.StatusTimeout {
		r.Status = string(task.StatusTimeout)
	} else {
		r.Status = string(task.StatusFailed)
	}
	r.ErrorCode = string(xerrors.CodeOf(err))
	r.ErrorMessage = err.Error()
	r.Recoverable = xerrors.Recoverable(err)
	if coded, ok := xerrors.From(err); ok {
		if alts := coded.Meta("alternatives"); alts != "" {
			r.Alternatives = strings.Split(alts, ",")
		}
	}
	return r
}

// finishReceipt 统一收尾：失败广播 error_occurred，成败都记审计日志。
func (o *Orchestrator) finishReceipt(r *intent.Receipt) *intent.Receipt {
	if r.Succeeded() {
		logger.Audit().Info("意图处理完成",
			slog.String("intent_id", r.IntentID),
			slog.String("task_id", r.TaskID),
			slog.String("agent_id", r.AgentID),
			slog.Int("attempts", r.Attempts),
			slog.Int64("duration_ms", r.DurationMS),
		)
		return r
	}
	o.publish(events.ErrorOccurred, map[string]any{
		"source":     senderOrchestrator,
		"intent_id":  r.IntentID,
		"error_code": r.ErrorCode,
		"error":      r.ErrorMessage,
	})
	logger.Audit().Warn("意图处理失败",
		slog.String("intent_id", r.IntentID),
		slog.String("task_id", r.TaskID),
		slog.String("error_code", r.ErrorCode),
		slog.Bool("recoverable", r.Recoverable),
		slog.Int64("duration_ms", r.DurationMS),
	)
	return r
}

func (o *Orchestrator) publish(eventType events.Type, payload map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventType, payload)
}
