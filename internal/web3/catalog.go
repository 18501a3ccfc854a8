package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenIntent-Chain/internal/errors"
)

// ChainCatalog models the structure of configs/chains.yaml.
type ChainCatalog struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint entry.
type ChainDefinition struct {
	ChainID     uint64 `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	Description string `yaml:"description"`
}

// LoadChainCatalog parses the YAML file containing chain metadata. An empty
// path yields an empty catalog so chain access stays optional.
func LoadChainCatalog(path string) (ChainCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return ChainCatalog{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainCatalog{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var catalog ChainCatalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return ChainCatalog{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if catalog.Chains == nil {
		catalog.Chains = map[string]ChainDefinition{}
	}
	for name, def := range catalog.Chains {
		if def.ChainID == 0 {
			return ChainCatalog{}, xerrors.New(xerrors.CodeConfigInvalid,
				"链配置缺少 chain_id", xerrors.WithMetadata("chain", name))
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			return ChainCatalog{}, xerrors.New(xerrors.CodeConfigInvalid,
				"链配置缺少 rpc_url", xerrors.WithMetadata("chain", name))
		}
	}
	return catalog, nil
}
