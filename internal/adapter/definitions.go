package adapter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "OpenIntent-Chain/internal/errors"
)

// Definitions models the structure of configs/adapters.yaml.
type Definitions struct {
	Adapters []Definition `yaml:"adapters"`
}

// Definition describes one adapter instance to bring up at startup.
type Definition struct {
	Name           string              `yaml:"name"`
	Kind           string              `yaml:"kind"`
	Priority       int                 `yaml:"priority"`
	Enabled        *bool               `yaml:"enabled"`
	CircuitBreaker *BreakerDefinition  `yaml:"circuit_breaker"`
	Blockchain     *BlockchainSettings `yaml:"blockchain"`
	Analytics      *AnalyticsSettings  `yaml:"analytics"`
	Realtime       *RealtimeSettings   `yaml:"realtime"`
}

// BreakerDefinition configures the optional circuit breaker wrapper.
type BreakerDefinition struct {
	Enabled             bool   `yaml:"enabled"`
	FailureThreshold    uint32 `yaml:"failure_threshold"`
	OpenIntervalSeconds int    `yaml:"open_interval_seconds"`
}

// BreakerConfig converts the YAML block into runtime settings.
func (d *BreakerDefinition) BreakerConfig() BreakerConfig {
	if d == nil {
		return BreakerConfig{}
	}
	return BreakerConfig{
		FailureThreshold: d.FailureThreshold,
		OpenInterval:     time.Duration(d.OpenIntervalSeconds) * time.Second,
	}
}

// BlockchainSettings selects which chain a blockchain adapter serves by default.
type BlockchainSettings struct {
	ChainID uint64 `yaml:"chain_id"`
}

// AnalyticsSettings points an analytics adapter at its market data API.
type AnalyticsSettings struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// RealtimeSettings sizes the in-memory buffers of a realtime feed adapter.
type RealtimeSettings struct {
	ChainID    uint64 `yaml:"chain_id"`
	BufferSize int    `yaml:"buffer_size"`
	MaxStreams int    `yaml:"max_streams"`
}

// IsEnabled reports whether the definition should be instantiated. Entries
// are enabled unless switched off explicitly.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// LoadDefinitions parses the adapter catalog. An empty path yields an empty
// catalog so built-in adapters stay optional.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取适配器配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析适配器配置失败: %w", err)
	}

	seen := make(map[string]struct{}, len(defs.Adapters))
	for i, def := range defs.Adapters {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return Definitions{}, xerrors.New(xerrors.CodeConfigInvalid,
				"适配器配置缺少名称", xerrors.WithMetadata("index", fmt.Sprintf("%d", i)))
		}
		if _, dup := seen[name]; dup {
			return Definitions{}, xerrors.New(xerrors.CodeConfigInvalid,
				"适配器名称重复", xerrors.WithMetadata("adapter", name))
		}
		seen[name] = struct{}{}
		if _, err := ParseKind(def.Kind); err != nil {
			return Definitions{}, xerrors.New(xerrors.CodeConfigInvalid,
				"适配器类别无效", xerrors.WithMetadata("adapter", name),
				xerrors.WithMetadata("kind", def.Kind))
		}
	}
	return defs, nil
}
