package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"OpenIntent-Chain/pkg/logger"
)

// Janitor 周期性地扫描长时间停留在 running 状态的任务并标记为超时。
// 进程崩溃或执行协程异常退出都会留下这类孤儿任务。
type Janitor struct {
	store      Store
	stuckAfter time.Duration
	interval   time.Duration
	cron       *cron.Cron
	log        *slog.Logger
}

// NewJanitor 创建任务清理器。
func NewJanitor(store Store, interval, stuckAfter time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	return &Janitor{
		store:      store,
		stuckAfter: stuckAfter,
		interval:   interval,
		log:        logger.Named("janitor"),
	}
}

// Start 注册定时任务并启动调度。
func (j *Janitor) Start() error {
	if j.cron != nil {
		return nil
	}
	j.cron = cron.New()
	spec := fmt.Sprintf("@every %s", j.interval)
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		j.cron = nil
		return fmt.Errorf("注册清理任务失败: %w", err)
	}
	j.cron.Start()
	j.log.Info("任务清理器已启动",
		slog.Duration("interval", j.interval),
		slog.Duration("stuck_after", j.stuckAfter),
	)
	return nil
}

// Stop 停止调度并等待正在执行的清理完成。
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.cron = nil
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-j.stuckAfter)
	stuck, err := j.store.List(ctx,
		BuildListOptions([]ListOption{
			WithStatuses(StatusRunning),
			WithUpdatedUntil(cutoff),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(100),
		}))
	if err != nil {
		j.log.Error("扫描滞留任务失败", slog.Any("error", err))
		return
	}

	for _, candidate := range stuck {
		if err := j.store.MarkTimeout(ctx, candidate.ID); err != nil {
			// 并发的正常完成会让迁移条件落空，属于预期情况。
			j.log.Debug("标记滞留任务超时被跳过",
				slog.String("task_id", candidate.ID),
				slog.Any("error", err),
			)
			continue
		}
		j.log.Warn("滞留任务已标记为超时",
			slog.String("task_id", candidate.ID),
			slog.String("agent_id", candidate.AgentID),
			slog.Int64("started_at", candidate.StartedAt),
		)
	}
}
