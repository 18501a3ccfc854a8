package agent

import (
	"context"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
)

// HandlerFunc 是进程内代理的任务处理函数。
type HandlerFunc func(ctx context.Context, req TaskRequest) (*TaskResponse, error)

// Local 把一个处理函数包装为进程内代理，主要服务于内置代理与测试。
type Local struct {
	desc    *Descriptor
	handler HandlerFunc
	pinger  func(ctx context.Context) error
}

// LocalOption 定义进程内代理的可选配置。
type LocalOption func(*Local)

// WithPingFunc 自定义探活行为，默认探活恒为成功。
func WithPingFunc(f func(ctx context.Context) error) LocalOption {
	return func(l *Local) {
		l.pinger = f
	}
}

// NewLocal 创建进程内代理。
func NewLocal(desc *Descriptor, handler HandlerFunc, opts ...LocalOption) (*Local, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "进程内代理缺少处理函数",
			xerrors.WithMetadata("agent_id", desc.ID))
	}
	l := &Local{desc: desc.Clone(), handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Descriptor 返回代理描述。
func (l *Local) Descriptor() *Descriptor {
	return l.desc.Clone()
}

// HandleTask 执行任务并补齐应答中的任务标识与耗时。
func (l *Local) HandleTask(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	start := time.Now()
	resp, err := l.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeAgentFailure, "代理返回了空应答",
			xerrors.WithMetadata("agent_id", l.desc.ID))
	}
	if resp.TaskID == "" {
		resp.TaskID = req.TaskID
	}
	if resp.ExecutionTimeMS <= 0 {
		resp.ExecutionTimeMS = time.Since(start).Milliseconds()
	}
	return resp, nil
}

// Ping 实现探活契约。
func (l *Local) Ping(ctx context.Context) error {
	if l.pinger != nil {
		return l.pinger(ctx)
	}
	return nil
}

var _ Agent = (*Local)(nil)
