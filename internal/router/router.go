package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/registry"
	"OpenIntent-Chain/pkg/logger"
)

// Config 控制路由器的并发、重试与超时行为。
type Config struct {
	MaxConcurrentMessages     int
	MessageTimeout            time.Duration
	RetryAttempts             int
	BackoffMultiplier         float64
	SequentialDispatch        bool
	MaxConcurrentAdapterCalls int
	AdapterTimeout            time.Duration
}

// DefaultConfig 返回默认参数。
func DefaultConfig() Config {
	return Config{
		MaxConcurrentMessages:     10,
		MessageTimeout:            30 * time.Second,
		RetryAttempts:             3,
		BackoffMultiplier:         2,
		MaxConcurrentAdapterCalls: 5,
		AdapterTimeout:            10 * time.Second,
	}
}

// withDefaults 把零值与非法值落回默认参数。负的重试次数视为不重试。
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentMessages <= 0 {
		c.MaxConcurrentMessages = def.MaxConcurrentMessages
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = def.MessageTimeout
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	} else if c.RetryAttempts == 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.MaxConcurrentAdapterCalls <= 0 {
		c.MaxConcurrentAdapterCalls = def.MaxConcurrentAdapterCalls
	}
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = def.AdapterTimeout
	}
	return c
}

// Stats 是路由器的累计计数与实时水位。
type Stats struct {
	ProcessedMessages  uint64 `json:"processed_messages"`
	QueuedMessages     uint64 `json:"queued_messages"`
	Retries            uint64 `json:"retries"`
	Timeouts           uint64 `json:"timeouts"`
	ActiveMessages     int    `json:"active_messages"`
	BacklogDepth       int    `json:"backlog_depth"`
	ProcessedCalls     uint64 `json:"processed_calls"`
	ActiveAdapterCalls int    `json:"active_adapter_calls"`
	CallQueueDepth     int    `json:"call_queue_depth"`
}

type pendingMessage struct {
	msg      *Message
	delivery *Delivery
}

// Router 在有限并发下派发消息，并为适配器调用维护独立的优先级队列。
type Router struct {
	cfg          Config
	agents       *registry.AgentRegistry
	adapters     *registry.AdapterRegistry
	bus          *events.Bus
	callObserver CallObserver
	log          *slog.Logger

	mu               sync.Mutex
	rules            []Rule
	active           int
	backlog          []*pendingMessage
	callActive       int
	callQueue        callQueue
	callSeq          uint64
	pendingResponses map[string]chan map[string]any
	closed           bool

	processed      uint64
	queuedTotal    uint64
	retries        uint64
	timeouts       uint64
	processedCalls uint64

	wg sync.WaitGroup
}

// Option 调整路由器的可选行为。
type Option func(*Router)

// WithEventBus 让路由器在处理失败时广播 error_occurred 事件。
func WithEventBus(bus *events.Bus) Option {
	return func(r *Router) {
		r.bus = bus
	}
}

// CallObserver 在每次适配器调用收尾后收到实例名与最终状态，供指标采集挂接。
type CallObserver func(adapter string, status Status)

// WithCallObserver 注册适配器调用结果观察器。
func WithCallObserver(fn CallObserver) Option {
	return func(r *Router) {
		r.callObserver = fn
	}
}

// New 创建路由器。代理注册表供默认处理器投递任务，
// 适配器注册表可为 nil，此时适配器调用会被拒绝。
func New(cfg Config, agents *registry.AgentRegistry, adapters *registry.AdapterRegistry, opts ...Option) *Router {
	r := &Router{
		cfg:              cfg.withDefaults(),
		agents:           agents,
		adapters:         adapters,
		pendingResponses: make(map[string]chan map[string]any),
		log:              logger.Named("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config 返回路由器生效的参数。
func (r *Router) Config() Config {
	return r.cfg
}

// RegisterRule 注册一条路由规则，优先级高者先匹配，同级按注册顺序。
func (r *Router) RegisterRule(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return xerrors.New(xerrors.CodeValidation, "路由规则缺少名称")
	}
	if !validType(rule.Type) {
		return xerrors.New(xerrors.CodeValidation, "路由规则的消息类型不合法: "+string(rule.Type),
			xerrors.WithMetadata("rule", rule.Name))
	}
	if rule.Handle == nil {
		return xerrors.New(xerrors.CodeValidation, "路由规则缺少处理器",
			xerrors.WithMetadata("rule", rule.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Rule, 0, len(r.rules)+1)
	next = append(next, r.rules...)
	next = append(next, rule)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority > next[j].Priority })
	r.rules = next
	return nil
}

// RouteMessage 校验并投递一条消息。并发额度耗尽时消息进入 FIFO 队列，
// 调用立即拿到带 Queued 标记的回执而不是阻塞等槽位。
func (r *Router) RouteMessage(ctx context.Context, msg *Message) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeRouterClosed, "路由器已关闭")
	}
	d := newDelivery(msg.ID)
	if r.active < r.cfg.MaxConcurrentMessages {
		r.active++
		r.wg.Add(1)
		r.mu.Unlock()
		go r.run(msg, d)
		return d, nil
	}
	d.Queued = true
	r.queuedTotal++
	r.backlog = append(r.backlog, &pendingMessage{msg: msg, delivery: d})
	depth := len(r.backlog)
	r.mu.Unlock()

	r.log.Debug("消息进入等待队列",
		slog.String("message_id", msg.ID),
		slog.String("message_type", string(msg.Type)),
		slog.Int("backlog", depth),
	)
	return d, nil
}

// RouteMessages 批量投递。顺序模式逐条等待完成后再投下一条；
// 并行模式一次性全部入队，由并发上限节流。结果与入参一一对应。
func (r *Router) RouteMessages(ctx context.Context, msgs []*Message) ([]Outcome, error) {
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return nil, err
		}
	}

	outs := make([]Outcome, len(msgs))
	if r.cfg.SequentialDispatch {
		for i, msg := range msgs {
			d, err := r.RouteMessage(ctx, msg)
			if err != nil {
				return nil, err
			}
			out, err := d.Wait(ctx)
			if err != nil {
				return nil, err
			}
			outs[i] = *out
		}
		return outs, nil
	}

	deliveries := make([]*Delivery, len(msgs))
	for i, msg := range msgs {
		d, err := r.RouteMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		deliveries[i] = d
	}
	for i, d := range deliveries {
		out, err := d.Wait(ctx)
		if err != nil {
			return nil, err
		}
		outs[i] = *out
	}
	return outs, nil
}

// Broadcast 把同一载荷复制给每个接收方，每份获得新的消息 ID。
func (r *Router) Broadcast(ctx context.Context, msg *Message, receiverIDs []string) ([]Outcome, error) {
	if msg == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "消息不能为空")
	}
	if len(receiverIDs) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "广播需要至少一个接收方")
	}
	clones := make([]*Message, 0, len(receiverIDs))
	for _, id := range receiverIDs {
		clones = append(clones, msg.CloneFor(id))
	}
	return r.RouteMessages(ctx, clones)
}

// AwaitResponse 登记对指定关联 ID 的应答等待。对应的 task_response
// 到达时载荷会投递到返回的通道，注销函数负责清理登记。
func (r *Router) AwaitResponse(correlationID string) (<-chan map[string]any, func(), error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, nil, xerrors.New(xerrors.CodeValidation, "关联 ID 不能为空")
	}
	ch := make(chan map[string]any, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, xerrors.New(xerrors.CodeRouterClosed, "路由器已关闭")
	}
	r.pendingResponses[correlationID] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.pendingResponses, correlationID)
		r.mu.Unlock()
	}
	return ch, cancel, nil
}

// Stats 返回当前计数快照。
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ProcessedMessages:  r.processed,
		QueuedMessages:     r.queuedTotal,
		Retries:            r.retries,
		Timeouts:           r.timeouts,
		ActiveMessages:     r.active,
		BacklogDepth:       len(r.backlog),
		ProcessedCalls:     r.processedCalls,
		ActiveAdapterCalls: r.callActive,
		CallQueueDepth:     r.callQueue.Len(),
	}
}

// Close 拒绝后续投递，丢弃等待中的消息与调用，并等待在途工作收尾。
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	backlog := r.backlog
	r.backlog = nil
	calls := make([]*queuedCall, len(r.callQueue))
	copy(calls, r.callQueue)
	r.callQueue = nil
	waiters := r.pendingResponses
	r.pendingResponses = make(map[string]chan map[string]any)
	r.mu.Unlock()

	closedErr := xerrors.New(xerrors.CodeRouterClosed, "路由器已关闭")
	for _, p := range backlog {
		p.delivery.complete(Outcome{ID: p.msg.ID, Status: StatusFailed, Err: closedErr})
	}
	for _, qc := range calls {
		qc.delivery.complete(Outcome{ID: qc.call.ID, Status: StatusFailed, Err: closedErr})
	}
	for _, ch := range waiters {
		close(ch)
	}
	r.wg.Wait()

	r.log.Info("路由器已关闭",
		slog.Int("dropped_messages", len(backlog)),
		slog.Int("dropped_calls", len(calls)),
	)
}

// run 执行一条消息并在收尾时放行队首的等待者。
func (r *Router) run(msg *Message, d *Delivery) {
	defer r.wg.Done()
	d.markAdmitted()
	out := r.process(msg)
	d.complete(out)
	r.admitNext()
}

// admitNext 在槽位空出后放行下一条消息，槽位直接转移给它。
func (r *Router) admitNext() {
	r.mu.Lock()
	r.processed++
	if len(r.backlog) == 0 || r.closed {
		r.active--
		r.mu.Unlock()
		return
	}
	next := r.backlog[0]
	r.backlog = r.backlog[1:]
	r.wg.Add(1)
	r.mu.Unlock()
	go r.run(next.msg, next.delivery)
}

// process 执行一条消息：匹配处理器、带退避地重试，整体受消息时限约束。
// 时限通过上下文传导，超时的在途尝试会被取消并放弃。
func (r *Router) process(msg *Message) Outcome {
	start := time.Now()
	handler := r.resolveHandler(msg)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.MessageTimeout)
	defer cancel()

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= r.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(r.cfg.BackoffMultiplier, attempt)):
			case <-ctx.Done():
				return r.timeoutOutcome(msg, attempts, start)
			}
			r.mu.Lock()
			r.retries++
			r.mu.Unlock()
		}
		attempts++

		payload, err := r.invoke(ctx, handler, msg)
		if err == nil {
			return Outcome{
				ID:       msg.ID,
				Status:   StatusCompleted,
				Payload:  payload,
				Attempts: attempts,
				Duration: time.Since(start),
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return r.timeoutOutcome(msg, attempts, start)
		}
		if xerrors.CodeOf(err) == xerrors.CodeValidation {
			// 参数类错误重试不会变好，直接终止。
			break
		}
		r.log.Warn("消息处理失败",
			slog.String("message_id", msg.ID),
			slog.String("message_type", string(msg.Type)),
			slog.Int("attempt", attempts),
			slog.Any("error", err),
		)
	}

	err := xerrors.Wrap(xerrors.CodeOf(lastErr), lastErr,
		fmt.Sprintf("消息处理在 %d 次尝试后仍然失败", attempts),
		xerrors.WithMetadata("message_id", msg.ID))
	r.publishError(msg, err)
	return Outcome{
		ID:       msg.ID,
		Status:   StatusFailed,
		Err:      err,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

// invoke 在独立协程里执行处理器，处理器崩溃折叠为失败而不是击穿路由器；
// 上下文先取消时放弃等待，取消信号同时传导给处理器。
func (r *Router) invoke(ctx context.Context, handler Handler, msg *Message) (map[string]any, error) {
	type attemptResult struct {
		payload map[string]any
		err     error
	}
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptResult{err: xerrors.New(xerrors.CodeInternal,
					fmt.Sprintf("消息处理器崩溃: %v", rec),
					xerrors.WithMetadata("message_id", msg.ID))}
			}
		}()
		payload, err := handler(ctx, msg)
		done <- attemptResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTaskTimeout, ctx.Err(), "消息处理超时",
			xerrors.WithMetadata("message_id", msg.ID))
	}
}

// resolveHandler 先按优先级匹配自定义规则，未命中退回类型默认处理器。
func (r *Router) resolveHandler(msg *Message) Handler {
	r.mu.Lock()
	rules := r.rules
	r.mu.Unlock()

	for _, rule := range rules {
		if rule.Type != msg.Type {
			continue
		}
		if rule.When != nil && !rule.When(msg) {
			continue
		}
		return rule.Handle
	}
	return r.defaultHandler(msg.Type)
}

func (r *Router) timeoutOutcome(msg *Message, attempts int, start time.Time) Outcome {
	r.mu.Lock()
	r.timeouts++
	r.mu.Unlock()

	err := xerrors.New(xerrors.CodeTaskTimeout, "消息处理超时",
		xerrors.WithMetadata("message_id", msg.ID),
		xerrors.WithMetadata("message_type", string(msg.Type)))
	r.log.Warn("消息处理超时",
		slog.String("message_id", msg.ID),
		slog.String("message_type", string(msg.Type)),
		slog.Int("attempts", attempts),
	)
	r.publishError(msg, err)
	return Outcome{
		ID:       msg.ID,
		Status:   StatusTimeout,
		Err:      err,
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

func (r *Router) publishError(msg *Message, err error) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.ErrorOccurred, map[string]any{
		"source":       "router",
		"message_id":   msg.ID,
		"message_type": string(msg.Type),
		"error":        err.Error(),
	})
}

// backoffDelay 返回第 retry 次重试前的等待时长：multiplier^retry 秒。
func backoffDelay(multiplier float64, retry int) time.Duration {
	return time.Duration(math.Pow(multiplier, float64(retry)) * float64(time.Second))
}
