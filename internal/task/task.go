package task

import (
	xerrors "OpenIntent-Chain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal 判断状态是否为终止态。终止态之后不再允许任何迁移。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// transitions 描述单向的状态迁移表。队列阶段可以跳过，终止态不可离开。
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusFailed, StatusCancelled, StatusTimeout},
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled, StatusTimeout},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
}

// CanTransition 判断从 from 到 to 的迁移是否合法。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task 描述了一次意图派生出的可执行任务。
type Task struct {
	ID           string         `json:"id"`
	IntentID     string         `json:"intent_id"`
	AgentID      string         `json:"agent_id"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       Status         `json:"status"`
	Priority     int            `json:"priority"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Recoverable  bool           `json:"recoverable,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	StartedAt    int64          `json:"started_at,omitempty"`
	CompletedAt  int64          `json:"completed_at,omitempty"`
	UpdatedAt    int64          `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeTaskNotFound, "task not found")
	// ErrStateConflict 表示任务当前状态不允许所请求的迁移。
	ErrStateConflict = xerrors.New(xerrors.CodeTaskStateConflict, "task state conflict",
		xerrors.WithSeverity(xerrors.SeverityWarning))
)

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Parameters = cloneParams(task.Parameters)
	clone.Result = cloneParams(task.Result)
	clone.Dependencies = cloneStrings(task.Dependencies)
	return &clone
}
