package registry

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"OpenIntent-Chain/internal/adapter"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/pkg/logger"
)

// DefaultMaxAdaptersPerKind 是单一类别下适配器实例数量的默认上限。
const DefaultMaxAdaptersPerKind = 3

// AdapterStatus 表示适配器实例的健康状态。
type AdapterStatus string

const (
	AdapterActive AdapterStatus = "active"
	AdapterError  AdapterStatus = "error"
)

// AdapterView 是对外暴露的适配器实例快照。
type AdapterView struct {
	Name             string        `json:"name"`
	Kind             adapter.Kind  `json:"kind"`
	Capabilities     []string      `json:"capabilities"`
	Status           AdapterStatus `json:"status"`
	Priority         int           `json:"priority"`
	ActiveOperations int           `json:"active_operations"`
	LastHealthCheck  int64         `json:"last_health_check,omitempty"`
}

type adapterEntry struct {
	handle           adapter.Adapter
	name             string
	kind             adapter.Kind
	capabilities     []string
	status           AdapterStatus
	priority         int
	activeOperations int
	lastHealthCheck  time.Time
}

// AdapterRegistry 维护适配器实例：按类别限容、按能力与优先级选择。
type AdapterRegistry struct {
	mu         sync.RWMutex
	entries    map[string]*adapterEntry
	perKindCap int
	balancing  bool

	log *slog.Logger
}

// AdapterOption 调整适配器注册表的可选行为。
type AdapterOption func(*AdapterRegistry)

// WithAdapterCap 覆盖单类别实例数上限。
func WithAdapterCap(n int) AdapterOption {
	return func(r *AdapterRegistry) {
		if n > 0 {
			r.perKindCap = n
		}
	}
}

// WithoutAdapterBalancing 关闭按检查时间轮转，只按优先级与名称排序。
func WithoutAdapterBalancing() AdapterOption {
	return func(r *AdapterRegistry) {
		r.balancing = false
	}
}

// NewAdapterRegistry 创建空的适配器注册表，默认开启轮转。
func NewAdapterRegistry(opts ...AdapterOption) *AdapterRegistry {
	r := &AdapterRegistry{
		entries:    make(map[string]*adapterEntry),
		perKindCap: DefaultMaxAdaptersPerKind,
		balancing:  true,
		log:        logger.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register 录入一个适配器实例，受类别容量约束。
func (r *AdapterRegistry) Register(handle adapter.Adapter, priority int) error {
	if handle == nil {
		return xerrors.New(xerrors.CodeValidation, "适配器实例不能为空")
	}
	name := strings.TrimSpace(handle.Name())
	if name == "" {
		return xerrors.New(xerrors.CodeValidation, "适配器名称不能为空")
	}
	kind, err := adapter.ParseKind(string(handle.Kind()))
	if err != nil {
		return err
	}
	caps := handle.Capabilities()
	if len(caps) == 0 {
		return xerrors.New(xerrors.CodeValidation, "适配器必须声明至少一个能力",
			xerrors.WithMetadata("adapter", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return xerrors.New(xerrors.CodeAdapterExists, "适配器已注册",
			xerrors.WithMetadata("adapter", name))
	}
	if r.countKindLocked(kind) >= r.perKindCap {
		return xerrors.New(xerrors.CodeAdapterLimit, "该类别适配器实例已达上限",
			xerrors.WithMetadata("kind", string(kind)),
			xerrors.WithMetadata("limit", strconv.Itoa(r.perKindCap)))
	}

	stored := make([]string, len(caps))
	copy(stored, caps)
	r.entries[name] = &adapterEntry{
		handle:       handle,
		name:         name,
		kind:         kind,
		capabilities: stored,
		status:       AdapterActive,
		priority:     priority,
	}
	r.log.Info("注册适配器",
		slog.String("adapter", name),
		slog.String("kind", string(kind)),
		slog.Int("priority", priority),
	)
	return nil
}

// Unregister 摘除一个适配器实例。
func (r *AdapterRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return xerrors.New(xerrors.CodeAdapterNotAvailable, "适配器不存在",
			xerrors.WithMetadata("adapter", name))
	}
	delete(r.entries, name)
	return nil
}

// Lookup 返回在册适配器的原始句柄。
func (r *AdapterRegistry) Lookup(name string) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeAdapterNotAvailable, "适配器不存在",
			xerrors.WithMetadata("adapter", name))
	}
	return entry.handle, nil
}

// FindBest 在声明了能力的活跃实例中选择：偏好类别命中时只在该类别内挑选，
// 排序按优先级降序；并列时开启轮转则取最久未检查者，否则按名称。
func (r *AdapterRegistry) FindBest(capability string, preferred adapter.Kind) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*adapterEntry
	for _, entry := range r.entries {
		if entry.status != AdapterActive || !entry.supports(capability) {
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil, xerrors.New(xerrors.CodeAdapterNotAvailable, "没有可用的适配器实例",
			xerrors.WithMetadata("capability", capability))
	}

	if preferred != "" {
		var matched []*adapterEntry
		for _, entry := range candidates {
			if entry.kind == preferred {
				matched = append(matched, entry)
			}
		}
		if len(matched) > 0 {
			candidates = matched
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if r.balancing && !a.lastHealthCheck.Equal(b.lastHealthCheck) {
			return a.lastHealthCheck.Before(b.lastHealthCheck)
		}
		return a.name < b.name
	})
	return candidates[0].handle, nil
}

// TrackOperation 在调用期间为实例累加在途操作数，返回的函数负责回收。
// 实例不存在时返回空操作。
func (r *AdapterRegistry) TrackOperation(name string) func() {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return func() {}
	}
	entry.activeOperations++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if entry, ok := r.entries[name]; ok && entry.activeOperations > 0 {
				entry.activeOperations--
			}
		})
	}
}

// RecordProbe 记录一次适配器探活结果并刷新检查时间。
func (r *AdapterRegistry) RecordProbe(name string, probeErr error) {
	r.mu.Lock()
	entry, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.lastHealthCheck = time.Now()
	if probeErr == nil {
		entry.status = AdapterActive
	} else {
		entry.status = AdapterError
	}
	r.mu.Unlock()

	if probeErr != nil {
		r.log.Warn("适配器探活失败",
			slog.String("adapter", name),
			slog.Any("error", probeErr),
		)
	}
}

// Get 返回单个适配器实例的快照。
func (r *AdapterRegistry) Get(name string) (*AdapterView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeAdapterNotAvailable, "适配器不存在",
			xerrors.WithMetadata("adapter", name))
	}
	return entry.view(), nil
}

// List 返回全部适配器实例快照，按名称升序。
func (r *AdapterRegistry) List() []*AdapterView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]*AdapterView, 0, len(r.entries))
	for _, entry := range r.entries {
		views = append(views, entry.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

func (r *AdapterRegistry) countKindLocked(kind adapter.Kind) int {
	count := 0
	for _, entry := range r.entries {
		if entry.kind == kind {
			count++
		}
	}
	return count
}

func (e *adapterEntry) supports(capability string) bool {
	for _, cap := range e.capabilities {
		if cap == capability {
			return true
		}
	}
	return false
}

func (e *adapterEntry) view() *AdapterView {
	caps := make([]string, len(e.capabilities))
	copy(caps, e.capabilities)
	view := &AdapterView{
		Name:             e.name,
		Kind:             e.kind,
		Capabilities:     caps,
		Status:           e.status,
		Priority:         e.priority,
		ActiveOperations: e.activeOperations,
	}
	if !e.lastHealthCheck.IsZero() {
		view.LastHealthCheck = e.lastHealthCheck.Unix()
	}
	return view
}
