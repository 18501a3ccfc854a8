package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Manager tracks registered plugins and drives their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
}

type instance struct {
	mu       sync.Mutex
	Plugin   Plugin
	Info     Info
	State    State
	Config   map[string]any
	Policy   IsolationPolicy
	Priority int
}

// HarvestedAdapter pairs a plugin-provided adapter with the registration
// priority configured for its plugin.
type HarvestedAdapter struct {
	PluginID string
	Priority int
	Provided ProvidedAdapter
}

// NewManager constructs a manager from the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: NewIsolationStrategy(nil),
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a plugin instance directly with the manager.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy, priority int) error {
	info, err := registrationInfo(id, p)
	if err != nil {
		return err
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{
		Plugin:   p,
		Info:     info,
		State:    StateRegistered,
		Config:   cfg,
		Policy:   policy,
		Priority: priority,
	}
	return nil
}

// registrationInfo validates the identity of a plugin being registered and
// returns its metadata with the registry id filled in.
func registrationInfo(id string, p Plugin) (Info, error) {
	if id == "" {
		return Info{}, errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return Info{}, errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return Info{}, fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	info.ID = id
	return info, nil
}

// Load loads a plugin implementation from disk and registers it.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy, priority int) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	return m.Register(id, p, cfg, policy, priority)
}

// execContext assembles the per-call execution context for a plugin hook.
// Maps are cloned so hooks may mutate them without corrupting manager state.
func (m *Manager) execContext(ctx context.Context, inst *instance) *ExecutionContext {
	base := ExecutionContext{C: ctx, Config: inst.Config, Resources: m.resources}
	return base.Clone()
}

// Start initialises and starts a plugin by id. Starting an already running
// plugin is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	switch inst.State {
	case StateStarted:
		return nil
	case StateRegistered:
		if err := inst.Plugin.Init(m.execContext(ctx, inst)); err != nil {
			return fmt.Errorf("initialise plugin %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := m.isolation.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	if err := inst.Plugin.Start(m.execContext(ctx, inst)); err != nil {
		_ = m.isolation.Cleanup(inst.Info)
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	inst.State = StateStarted
	return nil
}

// Stop halts a plugin if it is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateStarted {
		return nil
	}
	if err := inst.Plugin.Stop(m.execContext(ctx, inst)); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	if err := m.isolation.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	inst.State = StateStopped
	return nil
}

// StartAll brings every registered plugin up in descending priority order so
// the most important integrations become available first.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.startOrder() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every active plugin in the reverse of the start order.
func (m *Manager) StopAll(ctx context.Context) error {
	order := m.startOrder()
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.Stop(ctx, order[i]); err != nil {
			return err
		}
	}
	return nil
}

// Adapters collects adapter instances from every started plugin that
// implements AdapterProvider, ordered by plugin id for determinism.
func (m *Manager) Adapters(ctx context.Context) ([]HarvestedAdapter, error) {
	var harvested []HarvestedAdapter
	for _, id := range m.ids() {
		inst, err := m.get(id)
		if err != nil {
			continue
		}
		inst.mu.Lock()
		provider, ok := inst.Plugin.(AdapterProvider)
		if !ok || inst.State != StateStarted {
			inst.mu.Unlock()
			continue
		}
		provided, err := provider.ProvideAdapters(m.execContext(ctx, inst))
		priority := inst.Priority
		inst.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("harvest adapters from plugin %s: %w", id, err)
		}
		for _, p := range provided {
			if p == nil {
				continue
			}
			harvested = append(harvested, HarvestedAdapter{PluginID: id, Priority: priority, Provided: p})
		}
	}
	return harvested, nil
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

// startOrder returns plugin ids sorted by descending priority, ties broken by
// id, so bring-up order is deterministic. Priority is immutable after
// registration and safe to read without the instance lock.
func (m *Manager) startOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type entry struct {
		id       string
		priority int
	}
	entries := make([]entry, 0, len(m.registry))
	for id, inst := range m.registry {
		entries = append(entries, entry{id: id, priority: inst.Priority})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority == entries[j].priority {
			return entries[i].id < entries[j].id
		}
		return entries[i].priority > entries[j].priority
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for id, pluginCfg := range cfg.Plugins {
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, pluginCfg.Policy)
		if err := m.Load(id, path, cloneConfig(pluginCfg.Config), policy, pluginCfg.Priority); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
