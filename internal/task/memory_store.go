package task

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，用于单机部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeValidation, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrStateConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// MarkQueued 将任务标记为已入队等待执行。
func (m *MemoryStore) MarkQueued(_ context.Context, id string) error {
	return m.transition(id, StatusQueued, func(task *Task) {})
}

// MarkRunning 将任务标记为执行中并记录开始时间。
func (m *MemoryStore) MarkRunning(_ context.Context, id string) error {
	return m.transition(id, StatusRunning, func(task *Task) {
		task.StartedAt = time.Now().Unix()
	})
}

// MarkCompleted 记录执行结果并终止任务。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result map[string]any) error {
	return m.transition(id, StatusCompleted, func(task *Task) {
		task.Result = cloneParams(result)
		task.ErrorCode = ""
		task.ErrorMessage = ""
		task.Recoverable = false
		task.CompletedAt = time.Now().Unix()
	})
}

// MarkFailed 标记任务失败并记录错误分类。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, message string, recoverable bool) error {
	return m.transition(id, StatusFailed, func(task *Task) {
		task.ErrorCode = string(code)
		task.ErrorMessage = message
		task.Recoverable = recoverable
		task.CompletedAt = time.Now().Unix()
	})
}

// MarkTimeout 标记任务超时。超时属于可恢复失败。
func (m *MemoryStore) MarkTimeout(_ context.Context, id string) error {
	return m.transition(id, StatusTimeout, func(task *Task) {
		task.ErrorCode = string(xerrors.CodeTaskTimeout)
		task.ErrorMessage = xerrors.AttributesOf(xerrors.CodeTaskTimeout).Message
		task.Recoverable = true
		task.CompletedAt = time.Now().Unix()
	})
}

// MarkCancelled 标记任务被取消。
func (m *MemoryStore) MarkCancelled(_ context.Context, id string, reason string) error {
	return m.transition(id, StatusCancelled, func(task *Task) {
		task.ErrorMessage = reason
		task.Recoverable = false
		task.CompletedAt = time.Now().Unix()
	})
}

func (m *MemoryStore) transition(id string, to Status, apply func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !CanTransition(task.Status, to) {
		return ErrStateConflict
	}
	task.Status = to
	apply(task)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	matched := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.matches(task) {
			matched = append(matched, cloneTask(task))
		}
	}
	slices.SortFunc(matched, func(a, b *Task) int { return compareTasks(a, b, opts.Order) })

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// compareTasks 按更新时间、创建时间、ID 三级排序。
// 时间键随排序方向翻转，ID 恒为升序以保证输出稳定。
func compareTasks(a, b *Task, order SortOrder) int {
	direction := -1
	if order == SortByUpdatedAsc {
		direction = 1
	}
	if c := cmp.Compare(a.UpdatedAt, b.UpdatedAt); c != 0 {
		return c * direction
	}
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c * direction
	}
	return strings.Compare(a.ID, b.ID)
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !opts.matches(task) {
			continue
		}
		if stats.Total == 0 {
			stats.OldestUpdatedAt = task.UpdatedAt
			stats.NewestUpdatedAt = task.UpdatedAt
		} else {
			stats.OldestUpdatedAt = min(stats.OldestUpdatedAt, task.UpdatedAt)
			stats.NewestUpdatedAt = max(stats.NewestUpdatedAt, task.UpdatedAt)
		}
		stats.bump(task.Status)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
