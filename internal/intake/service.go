package intake

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/intent"
	"OpenIntent-Chain/pkg/logger"
)

// Service 负责意图的受理与入队。
type Service struct {
	producer Producer
}

// NewService 构造意图受理服务。
func NewService(producer Producer) *Service {
	return &Service{producer: producer}
}

// Submit 校验意图并投递到队列，返回受理后的意图 ID。
func (s *Service) Submit(ctx context.Context, ui *intent.UserIntent) (string, error) {
	if s == nil || s.producer == nil {
		return "", xerrors.New(xerrors.CodeInternal, "意图受理服务未初始化")
	}
	if ui == nil {
		return "", xerrors.New(xerrors.CodeValidation, "intent 不能为空")
	}
	if err := ui.Validate(); err != nil {
		return "", err
	}
	if ui.ID == "" {
		ui.ID = uuid.NewString()
	}
	if ui.CreatedAt.IsZero() {
		ui.CreatedAt = time.Now()
	}

	payload, err := NewEnvelope(ui).Encode()
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInternal, err, "编码意图信封失败")
	}
	if err := s.producer.Publish(ctx, payload); err != nil {
		logger.L().Error("意图入队失败",
			slog.Any("error", err),
			slog.String("intent_id", ui.ID),
			slog.String("intent_type", ui.Type),
		)
		return "", err
	}
	logger.Audit().Info("意图入队成功",
		slog.String("intent_id", ui.ID),
		slog.String("intent_type", ui.Type),
		slog.String("action", ui.Action),
		slog.String("priority", string(ui.Priority)),
	)
	return ui.ID, nil
}
