package task

import (
	"slices"
	"strings"
	"time"
)

// Paging bounds applied to every list query.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByUpdatedDesc orders tasks by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders tasks by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how tasks are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	IntentID   string
	AgentID    string
	Action     string
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
	Query      string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.IntentID = strings.TrimSpace(opts.IntentID)
	opts.AgentID = strings.TrimSpace(opts.AgentID)
	opts.Action = strings.TrimSpace(opts.Action)
	opts.Query = strings.TrimSpace(opts.Query)
}

// normalizeStatuses drops invalid and duplicate entries, preserving order.
func normalizeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(result, status) {
			result = append(result, status)
		}
	}
	return result
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithIntent filters tasks spawned by the given intent.
func WithIntent(intentID string) ListOption {
	return func(opts *ListOptions) { opts.IntentID = intentID }
}

// WithAgent filters tasks assigned to the given agent.
func WithAgent(agentID string) ListOption {
	return func(opts *ListOptions) { opts.AgentID = agentID }
}

// WithAction filters tasks by their primary action.
func WithAction(action string) ListOption {
	return func(opts *ListOptions) { opts.Action = action }
}

// WithUpdatedSince filters tasks updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil filters tasks updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedLTE = unixOrZero(ts) }
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery filters tasks by fuzzy matching across id, action and error fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// matches 判断任务是否命中全部过滤条件。
func (opts ListOptions) matches(task *Task) bool {
	if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, task.Status) {
		return false
	}
	if opts.IntentID != "" && task.IntentID != opts.IntentID {
		return false
	}
	if opts.AgentID != "" && task.AgentID != opts.AgentID {
		return false
	}
	if opts.Action != "" && task.Action != opts.Action {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return opts.Query == "" || opts.matchesQuery(task)
}

// matchesQuery 在任务标识与错误字段上做大小写不敏感的包含匹配。
func (opts ListOptions) matchesQuery(task *Task) bool {
	needle := strings.ToLower(opts.Query)
	for _, field := range []string{task.ID, task.IntentID, task.AgentID, task.Action, task.ErrorCode, task.ErrorMessage} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
