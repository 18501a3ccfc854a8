package task

import (
	"context"

	xerrors "OpenIntent-Chain/internal/errors"
)

// Store 抽象了任务状态的持久化接口。所有状态迁移都必须通过
// Mark 系列方法完成，非法迁移返回 ErrStateConflict。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	MarkQueued(ctx context.Context, id string) error
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, recoverable bool) error
	MarkTimeout(ctx context.Context, id string) error
	MarkCancelled(ctx context.Context, id string, reason string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
