package intake

import (
	"context"
	"log/slog"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/intent"
	"OpenIntent-Chain/pkg/logger"
)

// Executor 定义了处理器所需的编排能力。
type Executor interface {
	ProcessIntent(ctx context.Context, ui *intent.UserIntent) *intent.Receipt
}

// Processor 从队列消费意图并交给编排器执行。
type Processor struct {
	executor    Executor
	consumer    Consumer
	workerCount int
	log         *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 4,
		log:         logger.Named("intake"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，阻塞直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInternal, "意图处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		// 毒消息只记录不重投。
		p.log.Error("丢弃无法解析的意图消息", slog.Any("error", err))
		return err
	}

	receipt := p.executor.ProcessIntent(ctx, env.Intent)
	if !receipt.Succeeded() {
		attrs := []any{
			slog.String("intent_id", env.Intent.ID),
			slog.String("intent_type", env.Intent.Type),
		}
		if receipt != nil {
			attrs = append(attrs,
				slog.String("task_id", receipt.TaskID),
				slog.String("status", receipt.Status),
				slog.String("error_code", receipt.ErrorCode),
				slog.String("error_message", receipt.ErrorMessage),
			)
		}
		logger.Audit().Warn("异步意图处理失败", attrs...)
		// 结果已经落到任务记录，不再让队列重投。
		return nil
	}
	logger.Audit().Info("异步意图处理完成",
		slog.String("intent_id", receipt.IntentID),
		slog.String("task_id", receipt.TaskID),
		slog.String("status", receipt.Status),
		slog.Int64("duration_ms", receipt.DurationMS),
	)
	return nil
}
