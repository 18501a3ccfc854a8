package intent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	xerrors "OpenIntent-Chain/internal/errors"
)

// Analyzer 按动作目录把自由文本意图解析为规范动作列表。
// 分析是确定性的启发式过程，不依赖任何外部推理服务。
type Analyzer struct {
	catalog   *Catalog
	threshold float64

	mu      sync.RWMutex
	enabled map[Concern]bool
}

// AnalyzerOption 定义分析器的可选配置。
type AnalyzerOption func(*Analyzer)

// WithHighValueThreshold 覆盖高额交易判定阈值。
func WithHighValueThreshold(v float64) AnalyzerOption {
	return func(a *Analyzer) {
		if v > 0 {
			a.threshold = v
		}
	}
}

// NewAnalyzer 创建分析器。catalog 为空时使用内置目录。
func NewAnalyzer(catalog *Catalog, opts ...AnalyzerOption) *Analyzer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	a := &Analyzer{
		catalog:   catalog,
		threshold: catalog.HighValueThreshold(),
		enabled:   make(map[Concern]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// EnableConcern 声明某个关注面已有适配器就绪，允许分析时补充动作。
func (a *Analyzer) EnableConcern(concern Concern) {
	a.mu.Lock()
	a.enabled[concern] = true
	a.mu.Unlock()
}

// DisableConcern 在适配器停机后关闭对应关注面。
func (a *Analyzer) DisableConcern(concern Concern) {
	a.mu.Lock()
	delete(a.enabled, concern)
	a.mu.Unlock()
}

// Analyze 解析意图。规则：
//   - type/action 缺失为校验失败；
//   - 目录中不存在该类型，或没有任何动作命中，为 UNSUPPORTED_INTENT；
//   - 动作名或别名与用户文本互为子串即命中（大小写不敏感），完全相等时置信度 0.9，否则 0.7；
//   - 已就绪关注面的关键词命中时补充其提示动作，只增不减。
func (a *Analyzer) Analyze(userIntent *UserIntent) (*AnalyzedIntent, error) {
	if err := userIntent.Validate(); err != nil {
		return nil, err
	}

	specs, ok := a.catalog.ActionsFor(userIntent.Type)
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnsupportedIntent,
			fmt.Sprintf("不支持的意图类型: %s", userIntent.Type),
			xerrors.WithMetadata("intent_type", userIntent.Type),
		)
	}

	userAction := strings.ToLower(strings.TrimSpace(userIntent.Action))
	required := make([]string, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	exact := false

	for _, spec := range specs {
		matched, exactHit := matchAction(spec, userAction)
		if !matched {
			continue
		}
		if exactHit {
			exact = true
		}
		if !seen[spec.Name] {
			seen[spec.Name] = true
			required = append(required, spec.Name)
		}
	}

	if len(required) == 0 {
		return nil, xerrors.New(xerrors.CodeUnsupportedIntent,
			fmt.Sprintf("无法从动作目录解析动作: %s", userIntent.Action),
			xerrors.WithMetadata("intent_type", userIntent.Type),
			xerrors.WithMetadata("action", userIntent.Action),
		)
	}

	required = a.appendConcernActions(userIntent, userAction, required, seen)

	confidence := 0.7
	if exact {
		confidence = 0.9
	}

	analyzed := &AnalyzedIntent{
		Intent:          userIntent,
		Confidence:      confidence,
		RequiredActions: required,
		Complexity:      complexityOf(len(required)),
		Risks:           a.assessRisks(userIntent, required),
	}
	return analyzed, nil
}

// matchAction 判断动作是否命中，以及是否为完全相等的命中。
func matchAction(spec ActionSpec, userAction string) (matched, exact bool) {
	names := make([]string, 0, 1+len(spec.Aliases))
	names = append(names, spec.Name)
	names = append(names, spec.Aliases...)
	for _, name := range names {
		candidate := strings.ToLower(strings.TrimSpace(name))
		if candidate == "" {
			continue
		}
		if candidate == userAction {
			return true, true
		}
		if strings.Contains(userAction, candidate) || strings.Contains(candidate, userAction) {
			matched = true
		}
	}
	return matched, false
}

// appendConcernActions 在关键词命中且关注面就绪时补充提示动作。
func (a *Analyzer) appendConcernActions(userIntent *UserIntent, userAction string, required []string, seen map[string]bool) []string {
	a.mu.RLock()
	enabled := make([]Concern, 0, len(a.enabled))
	for concern := range a.enabled {
		enabled = append(enabled, concern)
	}
	a.mu.RUnlock()
	if len(enabled) == 0 {
		return required
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i] < enabled[j] })

	haystack := buildHaystack(userIntent, userAction)
	for _, concern := range enabled {
		hint, ok := a.catalog.HintFor(concern)
		if !ok {
			continue
		}
		if !anyKeyword(haystack, hint.Keywords) {
			continue
		}
		for _, action := range hint.Actions {
			if action == "" || seen[action] {
				continue
			}
			seen[action] = true
			required = append(required, action)
		}
	}
	return required
}

func buildHaystack(userIntent *UserIntent, userAction string) string {
	var b strings.Builder
	b.WriteString(userAction)
	for key, value := range userIntent.Parameters {
		b.WriteByte(' ')
		b.WriteString(strings.ToLower(key))
		if text, ok := value.(string); ok {
			b.WriteByte(' ')
			b.WriteString(strings.ToLower(text))
		}
	}
	return b.String()
}

func anyKeyword(haystack string, keywords []string) bool {
	for _, keyword := range keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(haystack, normalized) {
			return true
		}
	}
	return false
}

func complexityOf(actionCount int) Complexity {
	switch {
	case actionCount <= 1:
		return ComplexityLow
	case actionCount <= 3:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

// assessRisks 根据动作与金额给出启发式风险标签。
func (a *Analyzer) assessRisks(userIntent *UserIntent, required []string) []string {
	var risks []string
	hasBorrow := false
	hasSlippage := false
	for _, action := range required {
		switch action {
		case "borrow":
			hasBorrow = true
		case "swap", "add_liquidity":
			hasSlippage = true
		}
	}
	if hasBorrow {
		risks = append(risks, RiskLiquidation)
	}
	if hasSlippage {
		risks = append(risks, RiskSlippage)
	}
	if amount, ok := AmountOf(userIntent.Parameters); ok && amount > a.threshold {
		risks = append(risks, RiskHighValue)
	}
	return risks
}
