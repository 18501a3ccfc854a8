package router

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	xerrors "OpenIntent-Chain/internal/errors"
)

// MessageType 标识消息走哪条处理通道。
type MessageType string

const (
	TypeTaskRequest      MessageType = "task_request"
	TypeTaskResponse     MessageType = "task_response"
	TypeHealthCheck      MessageType = "health_check"
	TypeStatusUpdate     MessageType = "status_update"
	TypeErrorReport      MessageType = "error_report"
	TypeCapabilityUpdate MessageType = "capability_update"
)

// ValidTypes 列出全部合法的消息类型。
func ValidTypes() []MessageType {
	return []MessageType{
		TypeTaskRequest, TypeTaskResponse, TypeHealthCheck,
		TypeStatusUpdate, TypeErrorReport, TypeCapabilityUpdate,
	}
}

func validType(t MessageType) bool {
	for _, known := range ValidTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Message 是组件之间传递的最小单元。
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewMessage 构造一条带新 ID 与时间戳的消息。
func NewMessage(t MessageType, sender, receiver string, payload map[string]any) *Message {
	return &Message{
		ID:         ulid.Make().String(),
		Type:       t,
		SenderID:   sender,
		ReceiverID: receiver,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Validate 校验路由所需的最小字段。
func (m *Message) Validate() error {
	if m == nil {
		return xerrors.New(xerrors.CodeValidation, "消息不能为空")
	}
	if strings.TrimSpace(m.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "消息 ID 不能为空")
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return xerrors.New(xerrors.CodeValidation, "消息缺少发送方",
			xerrors.WithMetadata("message_id", m.ID))
	}
	if strings.TrimSpace(m.ReceiverID) == "" {
		return xerrors.New(xerrors.CodeValidation, "消息缺少接收方",
			xerrors.WithMetadata("message_id", m.ID))
	}
	if !validType(m.Type) {
		return xerrors.New(xerrors.CodeValidation, "未知的消息类型: "+string(m.Type),
			xerrors.WithMetadata("message_id", m.ID))
	}
	return nil
}

// CloneFor 复制一条消息给指定接收方：载荷浅拷贝，分配新 ID 与时间戳。
// 原消息没有关联 ID 时以原消息 ID 作为关联，便于广播结果归并。
func (m *Message) CloneFor(receiver string) *Message {
	clone := &Message{
		ID:            ulid.Make().String(),
		Type:          m.Type,
		SenderID:      m.SenderID,
		ReceiverID:    receiver,
		CorrelationID: m.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	if clone.CorrelationID == "" {
		clone.CorrelationID = m.ID
	}
	if len(m.Payload) > 0 {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}
	return clone
}

// Status 表示处理结果的档位。
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Outcome 是一条消息或一次适配器调用的最终结果。
type Outcome struct {
	ID       string         `json:"id"`
	Status   Status         `json:"status"`
	Payload  map[string]any `json:"payload,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
	Err      error          `json:"-"`
}

// Delivery 是一次投递的回执。Queued 表示投递时额度已满、进入了等待队列；
// Admitted 在处理真正开始时关闭；Done 在最终结果就绪后关闭。
type Delivery struct {
	ID     string
	Queued bool

	admitted chan struct{}
	done     chan struct{}
	out      Outcome
}

func newDelivery(id string) *Delivery {
	return &Delivery{
		ID:       id,
		admitted: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Admitted 返回处理开始时关闭的通道。投递被丢弃时随 Done 一并关闭。
func (d *Delivery) Admitted() <-chan struct{} {
	return d.admitted
}

// Done 返回最终结果就绪后关闭的通道。
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Outcome 返回最终结果，处理尚未结束时返回 nil。
func (d *Delivery) Outcome() *Outcome {
	select {
	case <-d.done:
		out := d.out
		return &out
	default:
		return nil
	}
}

// Wait 阻塞等待最终结果，调用方上下文先取消时提前返回。
func (d *Delivery) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-d.done:
		out := d.out
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Delivery) markAdmitted() {
	select {
	case <-d.admitted:
	default:
		close(d.admitted)
	}
}

func (d *Delivery) complete(out Outcome) {
	d.out = out
	d.markAdmitted()
	close(d.done)
}

// Handler 处理一条消息并返回应答载荷。
type Handler func(ctx context.Context, msg *Message) (map[string]any, error)

// Rule 是自定义路由规则。优先级高者先匹配，条件为空视为恒真，
// 未命中任何规则时落到类型默认处理器。
type Rule struct {
	Name     string
	Type     MessageType
	Priority int
	When     func(*Message) bool
	Handle   Handler
}
