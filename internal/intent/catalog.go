package intent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Concern 标记适配器能够补充的关注面。
type Concern string

const (
	ConcernBlockchain Concern = "blockchain"
	ConcernAnalytics  Concern = "analytics"
	ConcernRealtime   Concern = "realtime"
)

// ActionSpec 描述一个规范动作及其触发别名。
// 别名参与子串匹配，命中后写入结果的始终是规范名。
type ActionSpec struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// ConcernSpec 描述一个关注面的触发关键词与补充动作。
type ConcernSpec struct {
	Keywords []string `json:"keywords"`
	Actions  []string `json:"actions"`
}

// CatalogDoc 是动作目录的序列化形式。
type CatalogDoc struct {
	Types              map[string][]ActionSpec `json:"types"`
	AdapterHints       map[Concern]ConcernSpec `json:"adapter_hints,omitempty"`
	HighValueThreshold float64                 `json:"high_value_threshold,omitempty"`
}

// Catalog 把意图类型映射到可行动作集，并保存适配器补充规则。
type Catalog struct {
	types     map[string][]ActionSpec
	hints     map[Concern]ConcernSpec
	threshold float64
}

// defaultDoc 是编译期内置的目录，未提供目录文件时生效。
var defaultDoc = CatalogDoc{
	Types: map[string][]ActionSpec{
		"lending": {
			{Name: "supply", Aliases: []string{"deposit", "lend"}},
			{Name: "borrow", Aliases: []string{"loan"}},
			{Name: "withdraw", Aliases: []string{"redeem"}},
			{Name: "repay", Aliases: []string{"payback"}},
		},
		"liquidity": {
			{Name: "swap", Aliases: []string{"exchange", "trade"}},
			{Name: "add_liquidity", Aliases: []string{"provide liquidity", "pool"}},
			{Name: "remove_liquidity", Aliases: []string{"unpool"}},
		},
		"portfolio": {
			{Name: "rebalance", Aliases: []string{"balance"}},
			{Name: "allocate", Aliases: []string{"allocation"}},
			{Name: "track_performance", Aliases: []string{"performance", "track"}},
		},
		"risk": {
			{Name: "assess_risk", Aliases: []string{"risk", "assess"}},
			{Name: "monitor_health", Aliases: []string{"health factor", "monitor"}},
			{Name: "hedge", Aliases: []string{"protect"}},
		},
		"analysis": {
			{Name: "analyze_market", Aliases: []string{"market"}},
			{Name: "analyze_portfolio", Aliases: []string{"portfolio"}},
			{Name: "generate_report", Aliases: []string{"report", "summary"}},
		},
	},
	AdapterHints: map[Concern]ConcernSpec{
		ConcernBlockchain: {
			Keywords: []string{"chain", "on-chain", "balance", "gas", "block", "transaction", "wallet"},
			Actions:  []string{"query_chain_state"},
		},
		ConcernAnalytics: {
			Keywords: []string{"price", "market", "tvl", "volume", "trend"},
			Actions:  []string{"fetch_market_data"},
		},
		ConcernRealtime: {
			Keywords: []string{"live", "real-time", "realtime", "stream", "watch"},
			Actions:  []string{"stream_updates"},
		},
	},
	HighValueThreshold: 10000,
}

// NewCatalog 根据目录文档构建规范化的目录。
func NewCatalog(doc CatalogDoc) (*Catalog, error) {
	if len(doc.Types) == 0 {
		return nil, fmt.Errorf("动作目录缺少 types 定义")
	}
	cat := &Catalog{
		types:     make(map[string][]ActionSpec, len(doc.Types)),
		hints:     make(map[Concern]ConcernSpec, len(doc.AdapterHints)),
		threshold: doc.HighValueThreshold,
	}
	for typ, specs := range doc.Types {
		key := strings.ToLower(strings.TrimSpace(typ))
		if key == "" || len(specs) == 0 {
			return nil, fmt.Errorf("意图类型 %q 的动作列表无效", typ)
		}
		cleaned := make([]ActionSpec, 0, len(specs))
		for _, spec := range specs {
			name := strings.TrimSpace(spec.Name)
			if name == "" {
				return nil, fmt.Errorf("意图类型 %q 存在空动作名", typ)
			}
			cleaned = append(cleaned, ActionSpec{Name: name, Aliases: spec.Aliases})
		}
		cat.types[key] = cleaned
	}
	for concern, spec := range doc.AdapterHints {
		cat.hints[concern] = spec
	}
	if cat.threshold <= 0 {
		cat.threshold = defaultDoc.HighValueThreshold
	}
	return cat, nil
}

// DefaultCatalog 返回内置目录。
func DefaultCatalog() *Catalog {
	cat, err := NewCatalog(defaultDoc)
	if err != nil {
		panic(err)
	}
	return cat
}

// LoadCatalog 从 JSON 文件加载目录，文件缺失字段时退回内置值。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("读取动作目录失败: %w", err)
	}
	defer file.Close()

	var doc CatalogDoc
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		return nil, fmt.Errorf("解析动作目录失败: %w", err)
	}
	if len(doc.Types) == 0 {
		doc.Types = defaultDoc.Types
	}
	if len(doc.AdapterHints) == 0 {
		doc.AdapterHints = defaultDoc.AdapterHints
	}
	return NewCatalog(doc)
}

// ActionsFor 返回指定意图类型的可行动作集。
func (c *Catalog) ActionsFor(intentType string) ([]ActionSpec, bool) {
	specs, ok := c.types[strings.ToLower(strings.TrimSpace(intentType))]
	return specs, ok
}

// HintFor 返回指定关注面的补充规则。
func (c *Catalog) HintFor(concern Concern) (ConcernSpec, bool) {
	spec, ok := c.hints[concern]
	return spec, ok
}

// HighValueThreshold 返回高额交易判定阈值。
func (c *Catalog) HighValueThreshold() float64 {
	return c.threshold
}
