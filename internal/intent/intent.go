// Package intent 定义用户意图的数据模型、动作目录以及启发式分析器。
// 分析器把自由文本动作解析为规范动作列表，供编排器完成代理选择。
package intent

import (
	"strconv"
	"strings"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
)

// Priority 表示意图的调度优先级。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank 把优先级映射为任务使用的 1-4 数值，未知值按 medium 处理。
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

// Complexity 表示意图的预估复杂度。
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// 风险标签集合。
const (
	RiskLiquidation = "liquidation_risk"
	RiskSlippage    = "slippage_risk"
	RiskHighValue   = "high_value_transaction"
)

// Context 携带会话层面的附加信息，意图本身不依赖其内容。
type Context struct {
	SessionID   string            `json:"session_id,omitempty"`
	History     []string          `json:"history,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// UserIntent 是用户发出的结构化请求，发出后不可变更。
type UserIntent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    Context        `json:"context"`
	Priority   Priority       `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Validate 校验意图的最小必填字段。
func (i *UserIntent) Validate() error {
	if i == nil {
		return xerrors.New(xerrors.CodeValidation, "意图不能为空")
	}
	if strings.TrimSpace(i.Type) == "" {
		return xerrors.New(xerrors.CodeValidation, "意图缺少 type 字段")
	}
	if strings.TrimSpace(i.Action) == "" {
		return xerrors.New(xerrors.CodeValidation, "意图缺少 action 字段")
	}
	return nil
}

// AnalyzedIntent 在原始意图之上附加分析结果，仅在内存中流转。
type AnalyzedIntent struct {
	Intent          *UserIntent `json:"intent"`
	Confidence      float64     `json:"confidence"`
	RequiredActions []string    `json:"required_actions"`
	Complexity      Complexity  `json:"complexity"`
	Risks           []string    `json:"risks,omitempty"`
}

// Primary 返回首个规范动作，作为代理选择的主动作。
func (a *AnalyzedIntent) Primary() string {
	if a == nil || len(a.RequiredActions) == 0 {
		return ""
	}
	return a.RequiredActions[0]
}

// Receipt 记录一次意图处理的完整结果，同步调用方直接收到，
// 异步路径写入日志与指标后可按 intent_id 反查任务。
type Receipt struct {
	IntentID        string         `json:"intent_id"`
	TaskID          string         `json:"task_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	Status          string         `json:"status"`
	Confidence      float64        `json:"confidence,omitempty"`
	RequiredActions []string       `json:"required_actions,omitempty"`
	Risks           []string       `json:"risks,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Recoverable     bool           `json:"recoverable,omitempty"`
	Alternatives    []string       `json:"alternatives,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// Succeeded 表示该意图是否以任务完成收尾。
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == "completed"
}

// AmountOf 解析参数中的 amount 字段，无法解析时返回 false。
func AmountOf(params map[string]any) (float64, bool) {
	raw, ok := params["amount"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
