// Package intake 负责意图的异步接收。API 层把用户意图投递到队列后立即返回，
// 后台工作协程再逐条交给编排器处理。
package intake

import (
	"context"
	"encoding/json"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/intent"
)

// Envelope 是队列中流转的意图信封。
type Envelope struct {
	Intent     *intent.UserIntent `json:"intent"`
	EnqueuedAt int64              `json:"enqueued_at"`
}

// Encode 序列化信封。
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope 反序列化信封。
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeValidation, err, "解析意图信封失败")
	}
	if env.Intent == nil {
		return Envelope{}, xerrors.New(xerrors.CodeValidation, "意图信封缺少 intent 字段")
	}
	return env, nil
}

// NewEnvelope 为意图构造信封。
func NewEnvelope(ui *intent.UserIntent) Envelope {
	return Envelope{Intent: ui, EnqueuedAt: time.Now().Unix()}
}

// Handler 处理一条队列消息。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递意图。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费意图。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
