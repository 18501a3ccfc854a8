package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
)

// Type 表示代理的业务类型。
type Type string

const (
	TypeLending   Type = "lending"
	TypeLiquidity Type = "liquidity"
	TypePortfolio Type = "portfolio"
	TypeRisk      Type = "risk"
	TypeAnalysis  Type = "analysis"
)

// ValidTypes 列出全部合法的代理类型。
func ValidTypes() []Type {
	return []Type{TypeLending, TypeLiquidity, TypePortfolio, TypeRisk, TypeAnalysis}
}

// ParseType 解析代理类型字符串。
func ParseType(raw string) (Type, error) {
	candidate := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, t := range ValidTypes() {
		if candidate == t {
			return t, nil
		}
	}
	return "", xerrors.New(xerrors.CodeValidation, "未知的代理类型: "+raw)
}

// Status 表示代理的运行状态。
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
	StatusOffline     Status = "offline"
)

// ParseStatus 解析代理状态字符串。
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case StatusIdle, StatusBusy, StatusError, StatusMaintenance, StatusOffline:
		return candidate, nil
	}
	return "", xerrors.New(xerrors.CodeValidation, "未知的代理状态: "+raw)
}

// DefaultEstimatedExecutionTime 是能力未声明执行耗时时的默认估计。
const DefaultEstimatedExecutionTime = 5 * time.Second

// ParameterSpec 描述能力入参的约束。
type ParameterSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Capability 描述代理能执行的一个动作。
type Capability struct {
	Action                   string          `json:"action"`
	Parameters               []ParameterSpec `json:"parameters,omitempty"`
	Permissions              []string        `json:"permissions,omitempty"`
	EstimatedExecutionTimeMS int64           `json:"estimated_execution_time_ms,omitempty"`
}

// EstimatedExecutionTime 返回声明的执行耗时，未声明时取默认值。
func (c Capability) EstimatedExecutionTime() time.Duration {
	if c.EstimatedExecutionTimeMS <= 0 {
		return DefaultEstimatedExecutionTime
	}
	return time.Duration(c.EstimatedExecutionTimeMS) * time.Millisecond
}

// Descriptor 是代理注册到注册表时的自描述记录。
type Descriptor struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	Capabilities []Capability      `json:"capabilities"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate 校验注册所需的最小字段。
func (d *Descriptor) Validate() error {
	if d == nil {
		return xerrors.New(xerrors.CodeValidation, "代理描述不能为空")
	}
	if strings.TrimSpace(d.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "代理 ID 不能为空")
	}
	if _, err := ParseType(string(d.Type)); err != nil {
		return err
	}
	if len(d.Capabilities) == 0 {
		return xerrors.New(xerrors.CodeValidation, "代理必须声明至少一个能力",
			xerrors.WithMetadata("agent_id", d.ID))
	}
	for _, cap := range d.Capabilities {
		if strings.TrimSpace(cap.Action) == "" {
			return xerrors.New(xerrors.CodeValidation, "代理能力缺少动作名",
				xerrors.WithMetadata("agent_id", d.ID))
		}
	}
	return nil
}

// Capability 按动作名查找能力。
func (d *Descriptor) Capability(action string) (Capability, bool) {
	for _, cap := range d.Capabilities {
		if cap.Action == action {
			return cap, true
		}
	}
	return Capability{}, false
}

// CloneCapabilities 深拷贝能力列表，包括参数与权限声明。
func CloneCapabilities(caps []Capability) []Capability {
	if len(caps) == 0 {
		return nil
	}
	cloned := make([]Capability, len(caps))
	copy(cloned, caps)
	for i, cap := range caps {
		if len(cap.Parameters) > 0 {
			params := make([]ParameterSpec, len(cap.Parameters))
			copy(params, cap.Parameters)
			cloned[i].Parameters = params
		}
		if len(cap.Permissions) > 0 {
			perms := make([]string, len(cap.Permissions))
			copy(perms, cap.Permissions)
			cloned[i].Permissions = perms
		}
	}
	return cloned
}

// Clone 返回描述记录的深拷贝，注册表对外只暴露副本。
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	clone := &Descriptor{
		ID:           d.ID,
		Type:         d.Type,
		Status:       d.Status,
		Capabilities: CloneCapabilities(d.Capabilities),
	}
	if len(d.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// TaskRequest 是路由器投递给代理的任务载荷。
type TaskRequest struct {
	TaskID     string         `json:"task_id"`
	IntentID   string         `json:"intent_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   int            `json:"priority,omitempty"`
}

// 任务响应的状态取值。
const (
	ResponseCompleted = "completed"
	ResponseFailed    = "failed"
)

// TaskResponse 是代理对任务请求的应答。
type TaskResponse struct {
	TaskID          string            `json:"task_id"`
	Status          string            `json:"status"`
	Result          map[string]any    `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Agent 是系统消费的工作者契约：声明能力、应答任务、接受探活。
type Agent interface {
	Descriptor() *Descriptor
	HandleTask(ctx context.Context, req TaskRequest) (*TaskResponse, error)
	Ping(ctx context.Context) error
}

// TaskRequestFromPayload 从通用消息载荷解码任务请求。
func TaskRequestFromPayload(payload map[string]any) (TaskRequest, error) {
	var req TaskRequest
	if len(payload) == 0 {
		return req, xerrors.New(xerrors.CodeValidation, "任务请求载荷不能为空")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return req, xerrors.Wrap(xerrors.CodeValidation, err, "任务请求载荷无法序列化")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, xerrors.Wrap(xerrors.CodeValidation, err, "任务请求载荷格式不合法")
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return req, xerrors.New(xerrors.CodeValidation, "任务请求缺少 task_id")
	}
	if strings.TrimSpace(req.Action) == "" {
		return req, xerrors.New(xerrors.CodeValidation, "任务请求缺少动作",
			xerrors.WithMetadata("task_id", req.TaskID))
	}
	return req, nil
}

// CapabilitiesFromPayload 从通用消息载荷解码能力列表。
func CapabilitiesFromPayload(raw any) ([]Capability, error) {
	if raw == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "载荷缺少能力列表")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "能力列表无法序列化")
	}
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "能力列表格式不合法")
	}
	if len(caps) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "能力列表不能为空")
	}
	return caps, nil
}
