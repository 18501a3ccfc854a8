package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
)

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapters.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefinitions(t *testing.T) {
	path := writeDefinitions(t, `
adapters:
  - name: evm-mainnet
    kind: blockchain
    priority: 10
    circuit_breaker:
      enabled: true
      failure_threshold: 4
      open_interval_seconds: 15
    blockchain:
      chain_id: 1
  - name: market-data
    kind: analytics
    enabled: false
    analytics:
      base_url: https://api.example.com
      api_key: secret
      timeout_ms: 1500
      cache_ttl_seconds: 60
`)

	defs, err := LoadDefinitions(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if len(defs.Adapters) != 2 {
		t.Fatalf("适配器条数 = %d, want 2", len(defs.Adapters))
	}

	evm := defs.Adapters[0]
	if evm.Name != "evm-mainnet" || evm.Kind != "blockchain" || evm.Priority != 10 {
		t.Fatalf("evm 定义解析错误: %+v", evm)
	}
	if !evm.IsEnabled() {
		t.Fatal("未显式关闭的适配器应默认启用")
	}
	if evm.Blockchain == nil || evm.Blockchain.ChainID != 1 {
		t.Fatalf("链配置解析错误: %+v", evm.Blockchain)
	}
	cfg := evm.CircuitBreaker.BreakerConfig()
	if cfg.FailureThreshold != 4 || cfg.OpenInterval != 15*time.Second {
		t.Fatalf("熔断配置转换错误: %+v", cfg)
	}

	market := defs.Adapters[1]
	if market.IsEnabled() {
		t.Fatal("显式关闭的适配器不应启用")
	}
	if market.Analytics == nil || market.Analytics.BaseURL != "https://api.example.com" {
		t.Fatalf("分析配置解析错误: %+v", market.Analytics)
	}
	if market.Analytics.TimeoutMS != 1500 || market.Analytics.CacheTTLSeconds != 60 {
		t.Fatalf("分析配置数值解析错误: %+v", market.Analytics)
	}
}

func TestLoadDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadDefinitions("")
	if err != nil {
		t.Fatalf("空路径应返回空目录: %v", err)
	}
	if len(defs.Adapters) != 0 {
		t.Fatalf("空路径应没有适配器: %d", len(defs.Adapters))
	}
}

func TestLoadDefinitionsValidates(t *testing.T) {
	cases := []struct {
		label   string
		content string
	}{
		{"缺少名称", "adapters:\n  - kind: blockchain\n"},
		{"名称重复", "adapters:\n  - name: a\n    kind: blockchain\n  - name: a\n    kind: analytics\n"},
		{"类别无效", "adapters:\n  - name: a\n    kind: quantum\n"},
	}
	for _, tc := range cases {
		path := writeDefinitions(t, tc.content)
		if _, err := LoadDefinitions(path); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
			t.Fatalf("%s 应当校验失败, got %v", tc.label, err)
		}
	}

	if _, err := LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("文件不存在应当报错")
	}
}

func TestNilBreakerDefinitionUsesDefaults(t *testing.T) {
	var d *BreakerDefinition
	cfg := d.BreakerConfig()
	if cfg.FailureThreshold != 0 || cfg.OpenInterval != 0 {
		t.Fatalf("空定义应返回零值: %+v", cfg)
	}

	// 零值配置在包装时落到默认参数。
	b := WrapWithBreaker(&flakyAdapter{name: "x"}, cfg)
	if b == nil {
		t.Fatal("包装失败")
	}
}
