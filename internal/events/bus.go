// Package events 提供编排器对外广播的类型化事件总线。
// 发布是异步的，订阅者的 panic 会被捕获并记录，绝不回传给发布方。
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"OpenIntent-Chain/pkg/logger"
)

// Type 标识事件种类。
type Type string

const (
	IntentReceived      Type = "intent_received"
	TaskStarted         Type = "task_started"
	TaskCompleted       Type = "task_completed"
	AgentStatusChanged  Type = "agent_status_changed"
	ErrorOccurred       Type = "error_occurred"
	AdaptersInitialized Type = "adapters_initialized"
	AdaptersStopped     Type = "adapters_stopped"
)

// Event 是一次带时间戳的广播记录。
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Handler 处理一条事件。实现方不应阻塞过久。
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus 是进程内的发布订阅总线。
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	all      []subscription
	nextID   uint64
	closed   bool

	wg  sync.WaitGroup
	log *slog.Logger
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]subscription),
		log:      logger.Named("events"),
	}
}

// Subscribe 订阅指定类型的事件，返回取消订阅的函数。
func (b *Bus) Subscribe(eventType Type, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, sub := range subs {
			if sub.id == id {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll 订阅全部事件，返回取消订阅的函数。
func (b *Bus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.all {
			if sub.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Publish 异步投递一条事件。总线关闭后发布被忽略。
func (b *Bus) Publish(eventType Type, payload map[string]any) {
	event := Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now(),
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]subscription, 0, len(b.handlers[eventType])+len(b.all))
	targets = append(targets, b.handlers[eventType]...)
	targets = append(targets, b.all...)
	b.wg.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.wg.Done()
		for _, sub := range targets {
			b.invoke(sub, event)
		}
	}()
}

// invoke 单独捕获每个订阅者的 panic，避免污染其他订阅者。
func (b *Bus) invoke(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("事件订阅者 panic",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r),
			)
		}
	}()
	sub.handler(event)
}

// Close 停止接受新事件并等待在途投递完成。
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
