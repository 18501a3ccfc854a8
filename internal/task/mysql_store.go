package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenIntent-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务状态。表结构由 deploy/migrations 维护，
// 状态迁移通过带前置状态条件的 UPDATE 保证单向性。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已打开的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const taskColumns = `id, intent_id, agent_id, action, parameters, dependencies, status, priority,
        result, error_code, error_message, recoverable, created_at, started_at, completed_at, updated_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeValidation, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	task.UpdatedAt = now

	paramsValue, err := marshalJSONColumn(task.Parameters)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码任务参数失败")
	}
	depsValue, err := marshalJSONColumn(task.Dependencies)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码任务依赖失败")
	}

	const stmt = `INSERT INTO tasks
        (id, intent_id, agent_id, action, parameters, dependencies, status, priority,
         error_code, error_message, recoverable, created_at, started_at, completed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, 0, 0, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.IntentID,
		task.AgentID,
		task.Action,
		paramsValue,
		depsValue,
		task.Status,
		task.Priority,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrStateConflict
		}
		return xerrors.Wrap(xerrors.CodeStoreFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	stmt := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, stmt, id)
	task, err := scanTask(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStoreFailure, err, "查询任务失败")
	}
	return task, nil
}

// MarkQueued 将任务标记为已入队等待执行。
func (s *MySQLStore) MarkQueued(ctx context.Context, id string) error {
	const stmt = `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	return s.guardedUpdate(ctx, id, stmt, StatusQueued, time.Now().Unix(), id, StatusPending)
}

// MarkRunning 将任务标记为执行中并记录开始时间。
func (s *MySQLStore) MarkRunning(ctx context.Context, id string) error {
	const stmt = `UPDATE tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`
	now := time.Now().Unix()
	return s.guardedUpdate(ctx, id, stmt, StatusRunning, now, now, id, StatusPending, StatusQueued)
}

// MarkCompleted 记录执行结果并终止任务。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	resultValue, err := marshalJSONColumn(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码任务结果失败")
	}
	const stmt = `UPDATE tasks SET status = ?, result = ?, error_code = '', error_message = '', recoverable = 0,
        completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`
	now := time.Now().Unix()
	return s.guardedUpdate(ctx, id, stmt, StatusCompleted, resultValue, now, now, id, StatusRunning)
}

// MarkFailed 标记任务失败并记录错误分类。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, message string, recoverable bool) error {
	const stmt = `UPDATE tasks SET status = ?, error_code = ?, error_message = ?, recoverable = ?,
        completed_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`
	now := time.Now().Unix()
	return s.guardedUpdate(ctx, id, stmt,
		StatusFailed, string(code), message, recoverable,
		now, now, id, StatusPending, StatusQueued, StatusRunning)
}

// MarkTimeout 标记任务超时。超时属于可恢复失败。
func (s *MySQLStore) MarkTimeout(ctx context.Context, id string) error {
	const stmt = `UPDATE tasks SET status = ?, error_code = ?, error_message = ?, recoverable = 1,
        completed_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`
	now := time.Now().Unix()
	return s.guardedUpdate(ctx, id, stmt,
		StatusTimeout, string(xerrors.CodeTaskTimeout), xerrors.AttributesOf(xerrors.CodeTaskTimeout).Message,
		now, now, id, StatusPending, StatusQueued, StatusRunning)
}

// MarkCancelled 标记任务被取消。
func (s *MySQLStore) MarkCancelled(ctx context.Context, id string, reason string) error {
	const stmt = `UPDATE tasks SET status = ?, error_message = ?, recoverable = 0,
        completed_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`
	now := time.Now().Unix()
	return s.guardedUpdate(ctx, id, stmt,
		StatusCancelled, reason,
		now, now, id, StatusPending, StatusQueued, StatusRunning)
}

// guardedUpdate 执行带前置状态条件的更新。未命中任何行时回查任务并区分
// 不存在与状态冲突两种情况。
func (s *MySQLStore) guardedUpdate(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStoreFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStoreFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStateConflict
	}
	return nil
}

// List 返回符合过滤条件的任务。时间键随排序方向翻转，ID 恒为升序，
// 与内存实现的排序保持一致。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	filter := filterFor(opts)
	direction := "DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM tasks%s ORDER BY updated_at %s, created_at %s, id ASC LIMIT ? OFFSET ?",
		taskColumns, filter.clause(), direction, direction)

	rows, err := s.db.QueryContext(ctx, query, append(filter.args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStoreFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStoreFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStoreFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// statsColumns 规定聚合查询里各状态计数的顺序，须与扫描顺序一致。
var statsColumns = []Status{
	StatusPending, StatusQueued, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout,
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	var query strings.Builder
	query.WriteString("SELECT COUNT(*)")
	args := make([]any, 0, len(statsColumns)+8)
	for _, status := range statsColumns {
		query.WriteString(", COALESCE(SUM(status = ?), 0)")
		args = append(args, string(status))
	}
	query.WriteString(", COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0) FROM tasks")

	filter := filterFor(opts)
	query.WriteString(filter.clause())
	args = append(args, filter.args...)

	row := s.db.QueryRowContext(ctx, query.String(), args...)

	var stats TaskStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Queued,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Timeout,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStoreFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var task Task
	var params, deps, result sql.NullString
	if err := scan(
		&task.ID,
		&task.IntentID,
		&task.AgentID,
		&task.Action,
		&params,
		&deps,
		&task.Status,
		&task.Priority,
		&result,
		&task.ErrorCode,
		&task.ErrorMessage,
		&task.Recoverable,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSONColumn(params, &task.Parameters); err != nil {
		return nil, fmt.Errorf("解析任务参数失败: %w", err)
	}
	if err := unmarshalJSONColumn(deps, &task.Dependencies); err != nil {
		return nil, fmt.Errorf("解析任务依赖失败: %w", err)
	}
	if err := unmarshalJSONColumn(result, &task.Result); err != nil {
		return nil, fmt.Errorf("解析任务结果失败: %w", err)
	}
	return &task, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	empty := false
	switch v := value.(type) {
	case nil:
		empty = true
	case map[string]any:
		empty = len(v) == 0
	case []string:
		empty = len(v) == 0
	}
	if empty {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

// sqlFilter 收集 WHERE 条件及其参数。
type sqlFilter struct {
	conditions []string
	args       []any
}

func (f *sqlFilter) add(condition string, args ...any) {
	f.conditions = append(f.conditions, condition)
	f.args = append(f.args, args...)
}

// clause 渲染 WHERE 子句，无条件时返回空串。
func (f *sqlFilter) clause() string {
	if len(f.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conditions, " AND ")
}

func filterFor(opts ListOptions) *sqlFilter {
	f := &sqlFilter{}
	if n := len(opts.Statuses); n > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", n), ",")
		statusArgs := make([]any, n)
		for i, status := range opts.Statuses {
			statusArgs[i] = status
		}
		f.add("status IN ("+marks+")", statusArgs...)
	}
	if opts.IntentID != "" {
		f.add("intent_id = ?", opts.IntentID)
	}
	if opts.AgentID != "" {
		f.add("agent_id = ?", opts.AgentID)
	}
	if opts.Action != "" {
		f.add("action = ?", opts.Action)
	}
	if opts.UpdatedGTE > 0 {
		f.add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		f.add("updated_at <= ?", opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		f.add("(id LIKE ? OR intent_id LIKE ? OR agent_id LIKE ? OR action LIKE ? OR error_code LIKE ? OR error_message LIKE ?)",
			pattern, pattern, pattern, pattern, pattern, pattern)
	}
	return f
}

var _ Store = (*MySQLStore)(nil)
