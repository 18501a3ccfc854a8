package plugin

import "context"

// Plugin is the lifecycle contract every loadable extension must satisfy.
type Plugin interface {
	// Info returns static metadata describing the plugin.
	Info() Info
	// Configure lets the plugin inspect its configuration block before
	// initialisation. Implementations may mutate the map to inject defaults.
	Configure(cfg map[string]any) error
	// Init prepares the plugin for use.
	Init(ctx *ExecutionContext) error
	// Start activates the plugin; long running routines are spawned here.
	Start(ctx *ExecutionContext) error
	// Stop halts the plugin and releases its resources.
	Stop(ctx *ExecutionContext) error
}

// ProvidedAdapter is the host-facing surface of an adapter contributed by a
// plugin. It intentionally mirrors the host's adapter contract with plain
// strings so plugin binaries never import host-internal packages.
type ProvidedAdapter interface {
	Name() string
	Kind() string
	Capabilities() []string
	Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
}

// AdapterProvider marks plugins that contribute adapter instances. The host
// harvests adapters from every started plugin implementing this interface.
type AdapterProvider interface {
	ProvideAdapters(ctx *ExecutionContext) ([]ProvidedAdapter, error)
}

// ExecutionContext is handed to plugins at every lifecycle stage.
type ExecutionContext struct {
	// C carries cancellation and deadlines.
	C context.Context
	// Config is the plugin specific configuration block merged with
	// manager overrides.
	Config map[string]any
	// Resources exposes shared services supplied by the host.
	Resources map[string]any
}

// Clone returns a shallow copy so plugins can safely mutate the maps.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource registers a shared resource exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
