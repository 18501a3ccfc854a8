package plugin

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes how the plugin manager should behave.
type ManagerConfig struct {
	PluginDir string                  `yaml:"plugin_dir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
type PluginConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Path     string           `yaml:"path"`
	Priority int              `yaml:"priority"`
	Config   map[string]any   `yaml:"config"`
	Policy   *IsolationPolicy `yaml:"policy"`
}

// IsolationPolicy governs the privileges granted to a plugin.
type IsolationPolicy struct {
	AllowedCapabilities []Capability `yaml:"allowed_capabilities"`
	DeniedCapabilities  []Capability `yaml:"denied_capabilities"`
}

// Merge returns a new policy using values from other when not set locally.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// Empty reports whether the policy grants and denies nothing.
func (p IsolationPolicy) Empty() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// Permits checks a capability request against the policy. Denials take
// precedence; an empty allow list admits everything not denied.
func (p IsolationPolicy) Permits(requested []Capability) error {
	for _, cap := range requested {
		if slices.Contains(p.DeniedCapabilities, cap) {
			return fmt.Errorf("capability %s is explicitly denied", cap)
		}
	}
	if len(p.AllowedCapabilities) == 0 {
		return nil
	}
	for _, cap := range requested {
		if !slices.Contains(p.AllowedCapabilities, cap) {
			return fmt.Errorf("capability %s not permitted", cap)
		}
	}
	return nil
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("plugin config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if !plugin.Enabled {
			continue
		}
		if plugin.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
	}
	return nil
}
