package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Queued          int   `json:"queued"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	Timeout         int   `json:"timeout"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) bump(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusQueued:
		s.Queued++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	case StatusTimeout:
		s.Timeout++
	}
}
