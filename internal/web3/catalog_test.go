package web3

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "OpenIntent-Chain/internal/errors"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入测试配置失败: %v", err)
	}
	return path
}

func TestLoadChainCatalog(t *testing.T) {
	path := writeCatalog(t, `
chains:
  ethereum:
    chain_id: 1
    rpc_url: https://rpc.example.com
    ws_url: wss://rpc.example.com
    description: mainnet
  sepolia:
    chain_id: 11155111
    rpc_url: https://sepolia.example.com
`)

	catalog, err := LoadChainCatalog(path)
	if err != nil {
		t.Fatalf("加载链配置失败: %v", err)
	}
	if len(catalog.Chains) != 2 {
		t.Fatalf("期望 2 条链配置, got %d", len(catalog.Chains))
	}
	eth := catalog.Chains["ethereum"]
	if eth.ChainID != 1 || eth.WSURL == "" || eth.Description != "mainnet" {
		t.Fatalf("链配置解析异常: %+v", eth)
	}
}

func TestLoadChainCatalogEmptyPath(t *testing.T) {
	catalog, err := LoadChainCatalog("  ")
	if err != nil {
		t.Fatalf("空路径应当得到空配置: %v", err)
	}
	if catalog.Chains == nil || len(catalog.Chains) != 0 {
		t.Fatalf("空路径应当得到空 map: %+v", catalog.Chains)
	}
}

func TestLoadChainCatalogValidates(t *testing.T) {
	missingID := writeCatalog(t, `
chains:
  ethereum:
    rpc_url: https://rpc.example.com
`)
	if _, err := LoadChainCatalog(missingID); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("缺少 chain_id 应当报配置错误, got %v", err)
	}

	missingRPC := writeCatalog(t, `
chains:
  ethereum:
    chain_id: 1
`)
	if _, err := LoadChainCatalog(missingRPC); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("缺少 rpc_url 应当报配置错误, got %v", err)
	}

	if _, err := LoadChainCatalog(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("不存在的文件应当报错")
	}
}
