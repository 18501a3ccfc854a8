package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/pkg/logger"
)

// DefaultFailureThreshold 是连续探活失败多少次后强制下线的默认阈值。
const DefaultFailureThreshold = 3

// HealthCheck 记录单个代理最近一次健康检查的结果。
type HealthCheck struct {
	Status              agent.Status `json:"status"`
	LastCheck           int64        `json:"last_check"`
	ResponseTimeMS      int64        `json:"response_time_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// LoadMetrics 是最少负载选择的唯一依据。
type LoadMetrics struct {
	ActiveTasks           int     `json:"active_tasks"`
	CompletedTasks        int64   `json:"completed_tasks"`
	AverageResponseTimeMS float64 `json:"average_response_time_ms"`
	ErrorRate             float64 `json:"error_rate"`
	LastUpdated           int64   `json:"last_updated"`
}

// LoadPatch 是负载指标的按字段增量更新，nil 字段保持原值。
type LoadPatch struct {
	ActiveTasks           *int
	CompletedTasks        *int64
	AverageResponseTimeMS *float64
	ErrorRate             *float64
}

// AgentView 是对外暴露的代理快照。
type AgentView struct {
	Descriptor *agent.Descriptor `json:"descriptor"`
	Health     HealthCheck       `json:"health"`
	Load       LoadMetrics       `json:"load"`
}

type agentEntry struct {
	handle     agent.Agent
	descriptor *agent.Descriptor
	health     HealthCheck
	load       LoadMetrics
}

// AgentRegistry 维护代理全量状态：描述、能力索引、健康与负载。
type AgentRegistry struct {
	mu        sync.RWMutex
	agents    map[string]*agentEntry
	byAction  map[string][]string
	threshold int

	bus *events.Bus
	log *slog.Logger
}

// AgentOption 调整代理注册表的可选行为。
type AgentOption func(*AgentRegistry)

// WithAgentEvents 让注册表在状态变化时对外广播事件。
func WithAgentEvents(bus *events.Bus) AgentOption {
	return func(r *AgentRegistry) {
		r.bus = bus
	}
}

// WithFailureThreshold 覆盖连续失败下线阈值。
func WithFailureThreshold(n int) AgentOption {
	return func(r *AgentRegistry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// NewAgentRegistry 创建空的代理注册表。
func NewAgentRegistry(opts ...AgentOption) *AgentRegistry {
	r := &AgentRegistry{
		agents:    make(map[string]*agentEntry),
		byAction:  make(map[string][]string),
		threshold: DefaultFailureThreshold,
		log:       logger.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 录入一个代理：克隆描述、索引能力、铺好零值负载与健康记录。
func (r *AgentRegistry) Register(ag agent.Agent) error {
	if ag == nil {
		return xerrors.New(xerrors.CodeValidation, "代理实例不能为空")
	}
	desc := ag.Descriptor()
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[desc.ID]; exists {
		return xerrors.New(xerrors.CodeAgentExists, "代理已注册",
			xerrors.WithMetadata("agent_id", desc.ID))
	}

	stored := desc.Clone()
	if stored.Status == "" {
		stored.Status = agent.StatusIdle
	}
	now := time.Now().Unix()
	r.agents[stored.ID] = &agentEntry{
		handle:     ag,
		descriptor: stored,
		health:     HealthCheck{Status: stored.Status},
		load:       LoadMetrics{LastUpdated: now},
	}
	for _, cap := range stored.Capabilities {
		r.byAction[cap.Action] = append(r.byAction[cap.Action], stored.ID)
	}

	logger.Audit().Info("注册代理",
		slog.String("agent_id", stored.ID),
		slog.String("agent_type", string(stored.Type)),
		slog.Int("capabilities", len(stored.Capabilities)),
	)
	return nil
}

// Unregister 摘除代理及其全部关联记录。
func (r *AgentRegistry) Unregister(id string) error {
	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeAgentNotFound, "代理不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	delete(r.agents, id)
	for _, cap := range entry.descriptor.Capabilities {
		r.byAction[cap.Action] = removeID(r.byAction[cap.Action], id)
		if len(r.byAction[cap.Action]) == 0 {
			delete(r.byAction, cap.Action)
		}
	}
	r.mu.Unlock()

	logger.Audit().Info("注销代理", slog.String("agent_id", id))
	return nil
}

// Lookup 返回在册代理的原始句柄，供路由器投递任务。
func (r *AgentRegistry) Lookup(id string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeAgentNotFound, "代理不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	return entry.handle, nil
}

// Get 返回单个代理的快照。
func (r *AgentRegistry) Get(id string) (*AgentView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeAgentNotFound, "代理不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	return entry.view(), nil
}

// List 返回全部代理快照，按 ID 升序。
func (r *AgentRegistry) List() []*AgentView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]*AgentView, 0, len(r.agents))
	for _, entry := range r.agents {
		views = append(views, entry.view())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Descriptor.ID < views[j].Descriptor.ID
	})
	return views
}

// AgentsOfType 返回指定类型的代理 ID，按升序；包含不健康的代理。
func (r *AgentRegistry) AgentsOfType(t agent.Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, entry := range r.agents {
		if entry.descriptor.Type == t {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FindBestAgent 在指定类型中选出声明了动作、必填参数齐备且最空闲的健康代理。
// 并列时响应耗时更低者胜出。类型下无健康代理返回 NO_AVAILABLE_AGENTS，
// 有健康代理但能力不匹配返回 CAPABILITY_MISMATCH。
func (r *AgentRegistry) FindBestAgent(t agent.Type, action string, params map[string]any) (*AgentView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	healthyOfType := 0
	var best *agentEntry
	ids := r.byAction[action]
	candidates := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		candidates[id] = struct{}{}
	}

	ordered := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		entry := r.agents[id]
		if entry.descriptor.Type != t || !r.healthyLocked(entry) {
			continue
		}
		healthyOfType++
		if _, ok := candidates[id]; !ok {
			continue
		}
		cap, ok := entry.descriptor.Capability(action)
		if !ok || !parametersSatisfy(cap, params) {
			continue
		}
		if best == nil || lessLoaded(entry, best) {
			best = entry
		}
	}

	if best != nil {
		return best.view(), nil
	}
	if healthyOfType > 0 {
		return nil, xerrors.New(xerrors.CodeCapabilityMismatch, "该类型下没有能力匹配的代理",
			xerrors.WithMetadata("agent_type", string(t)),
			xerrors.WithMetadata("action", action))
	}
	return nil, xerrors.New(xerrors.CodeNoAvailableAgents, "没有可用的代理",
		xerrors.WithMetadata("agent_type", string(t)),
		xerrors.WithMetadata("action", action))
}

// SetStatus 更新代理状态并广播变更。离线状态只能通过 Reactivate 解除。
func (r *AgentRegistry) SetStatus(id string, status agent.Status) error {
	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeAgentNotFound, "代理不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	from := entry.descriptor.Status
	if from == agent.StatusOffline && status != agent.StatusOffline {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeAgentOffline, "离线代理需要显式重新上线",
			xerrors.WithMetadata("agent_id", id))
	}
	entry.descriptor.Status = status
	entry.health.Status = status
	r.mu.Unlock()

	if from != status {
		r.publishStatusChange(id, from, status)
	}
	return nil
}

// Reactivate 将离线代理恢复为空闲并清零失败计数。
func (r *AgentRegistry) Reactivate(id string) error {
	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeAgentNotFound, "代理不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	if entry.descriptor.Status != agent.StatusOffline {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeValidation, "代理未处于离线状态",
			xerrors.WithMetadata("agent_id", id))
	}
	entry.descriptor.Status = agent.StatusIdle
	entry.health.Status = agent.StatusIdle
	entry.health.ConsecutiveFailures = 0
	r.mu.Unlock()

	logger.Audit().Info("代理重新上线", slog.String("agent_id", id))
	r.publishStatusChange(id, agent.StatusOffline, agent.StatusIdle)
	return nil
}

// UpdateCapabilities 整体替换代理的能力声明并重建动作索引。
func (r *AgentRegistry) UpdateCapabilities(id string, caps []agent.Capability) error {
	if len(caps) == 0 {
		return xerrors.New(xerrors.CodeValidation, "代理必须声明至少一个能力",
			xerrors.WithMetadata("agent_id", id))
	}
	for _, cap := range caps {
		if strings.TrimSpace(cap.Action) == "" {
			return xerrors.New(xerrors.CodeValidation, "代理能力缺少动作名",
				xerrors.WithMetadata("agent_id", id))
		}
	}

	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeAgentNotFound, "代理不存在",
			xerrors.WithMetadata("agent_id", id))
	}
	for _, cap := range entry.descriptor.Capabilities {
		r.byAction[cap.Action] = removeID(r.byAction[cap.Action], id)
		if len(r.byAction[cap.Action]) == 0 {
			delete(r.byAction, cap.Action)
		}
	}
	entry.descriptor.Capabilities = agent.CloneCapabilities(caps)
	for _, cap := range entry.descriptor.Capabilities {
		r.byAction[cap.Action] = append(r.byAction[cap.Action], id)
	}
	r.mu.Unlock()

	logger.Audit().Info("更新代理能力",
		slog.String("agent_id", id),
		slog.Int("capabilities", len(caps)),
	)
	return nil
}

// UpdateLoad 合并一次负载增量并刷新更新时间。代理未注册时报错。
func (r *AgentRegistry) UpdateLoad(id string, patch LoadPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[id]
	if !ok {
		return xerrors.New(xerrors.CodeAgentNotFound, "代理没有负载记录",
			xerrors.WithMetadata("agent_id", id))
	}
	if patch.ActiveTasks != nil {
		entry.load.ActiveTasks = *patch.ActiveTasks
	}
	if patch.CompletedTasks != nil {
		entry.load.CompletedTasks = *patch.CompletedTasks
	}
	if patch.AverageResponseTimeMS != nil {
		entry.load.AverageResponseTimeMS = *patch.AverageResponseTimeMS
	}
	if patch.ErrorRate != nil {
		entry.load.ErrorRate = *patch.ErrorRate
	}
	entry.load.LastUpdated = time.Now().Unix()
	return nil
}

// TaskStarted 在任务派发给代理时累加其在途计数。
func (r *AgentRegistry) TaskStarted(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[id]
	if !ok {
		return xerrors.New(xerrors.CodeAgentNotFound, "代理没有负载记录",
			xerrors.WithMetadata("agent_id", id))
	}
	entry.load.ActiveTasks++
	entry.load.LastUpdated = time.Now().Unix()
	return nil
}

// TaskFinished 在任务收尾时回收在途计数并滚动更新平均耗时与错误率。
func (r *AgentRegistry) TaskFinished(id string, responseTime time.Duration, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[id]
	if !ok {
		return xerrors.New(xerrors.CodeAgentNotFound, "代理没有负载记录",
			xerrors.WithMetadata("agent_id", id))
	}
	if entry.load.ActiveTasks > 0 {
		entry.load.ActiveTasks--
	}
	entry.load.CompletedTasks++
	n := float64(entry.load.CompletedTasks)
	sample := float64(responseTime.Milliseconds())
	entry.load.AverageResponseTimeMS += (sample - entry.load.AverageResponseTimeMS) / n
	failure := 0.0
	if !success {
		failure = 1.0
	}
	entry.load.ErrorRate += (failure - entry.load.ErrorRate) / n
	entry.load.LastUpdated = time.Now().Unix()
	return nil
}

// RecordProbe 记录一次探活结果。成功清零失败计数，失败累加；
// 达到阈值时强制下线并广播状态变更。
func (r *AgentRegistry) RecordProbe(id string, latency time.Duration, probeErr error) {
	r.mu.Lock()
	entry, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.health.LastCheck = time.Now().Unix()
	entry.health.ResponseTimeMS = latency.Milliseconds()

	var forced bool
	var from agent.Status
	if probeErr == nil {
		entry.health.ConsecutiveFailures = 0
	} else {
		entry.health.ConsecutiveFailures++
		if entry.health.ConsecutiveFailures >= r.threshold &&
			entry.descriptor.Status != agent.StatusOffline {
			from = entry.descriptor.Status
			entry.descriptor.Status = agent.StatusOffline
			entry.health.Status = agent.StatusOffline
			forced = true
		}
	}
	failures := entry.health.ConsecutiveFailures
	r.mu.Unlock()

	if probeErr != nil {
		r.log.Warn("代理探活失败",
			slog.String("agent_id", id),
			slog.Int("consecutive_failures", failures),
			slog.Any("error", probeErr),
		)
	}
	if forced {
		r.log.Warn("代理连续失败达到阈值，强制下线",
			slog.String("agent_id", id),
			slog.Int("threshold", r.threshold),
		)
		r.publishStatusChange(id, from, agent.StatusOffline)
	}
}

// FailureThreshold 返回当前的强制下线阈值。
func (r *AgentRegistry) FailureThreshold() int {
	return r.threshold
}

func (r *AgentRegistry) publishStatusChange(id string, from, to agent.Status) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.AgentStatusChanged, map[string]any{
		"agent_id": id,
		"from":     string(from),
		"to":       string(to),
	})
}

// healthyLocked 判断代理是否可参与选择，调用方需持有读锁。
func (r *AgentRegistry) healthyLocked(entry *agentEntry) bool {
	switch entry.descriptor.Status {
	case agent.StatusOffline, agent.StatusError, agent.StatusMaintenance:
		return false
	}
	return entry.health.ConsecutiveFailures < r.threshold
}

func (e *agentEntry) view() *AgentView {
	return &AgentView{
		Descriptor: e.descriptor.Clone(),
		Health:     e.health,
		Load:       e.load,
	}
}

// lessLoaded 比较两个候选：在途任务更少者优先，其次平均耗时更低者。
func lessLoaded(a, b *agentEntry) bool {
	if a.load.ActiveTasks != b.load.ActiveTasks {
		return a.load.ActiveTasks < b.load.ActiveTasks
	}
	return a.load.AverageResponseTimeMS < b.load.AverageResponseTimeMS
}

// parametersSatisfy 校验能力声明的必填参数是否全部出现。
func parametersSatisfy(cap agent.Capability, params map[string]any) bool {
	for _, spec := range cap.Parameters {
		if !spec.Required {
			continue
		}
		value, ok := params[spec.Name]
		if !ok {
			return false
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return false
		}
	}
	return true
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
