package alerting

import (
	"context"
	"log/slog"
	"time"

	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/pkg/logger"
)

// Watcher 订阅事件总线，把需要告警的事件翻译后交给调度器。
// 告警规则：
//   - 错误事件的错误码被标记为需要告警；
//   - 熔断器来源的错误事件一律告警；
//   - 智能体转为 offline。
type Watcher struct {
	dispatcher  Dispatcher
	timeout     time.Duration
	unsubscribe func()
	log         *slog.Logger
}

// StartWatcher 挂载总线订阅。通知在总线的投递协程里同步执行，
// 单次通知的耗时由内置超时约束。
func StartWatcher(bus *events.Bus, dispatcher Dispatcher) *Watcher {
	watcher := &Watcher{
		dispatcher: dispatcher,
		timeout:    10 * time.Second,
		log:        logger.Named("alerting"),
	}
	watcher.unsubscribe = bus.SubscribeAll(watcher.handle)
	return watcher
}

// Close 解除对总线的订阅。
func (w *Watcher) Close() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

func (w *Watcher) handle(event events.Event) {
	alert, ok := w.translate(event)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.dispatcher.Notify(ctx, alert); err != nil {
		w.log.Warn("告警通知失败",
			slog.String("code", string(alert.Code)),
			slog.Any("error", err),
		)
	}
}

func (w *Watcher) translate(event events.Event) (Event, bool) {
	switch event.Type {
	case events.ErrorOccurred:
		code := payloadString(event.Payload, "error_code")
		// 路由器的过程性错误不带错误码，终态由编排器另行广播。
		if code == "" {
			return Event{}, false
		}
		source := payloadString(event.Payload, "source")
		attrs := xerrors.AttributesOf(xerrors.Code(code))
		if source != "breaker" && !attrs.Alert {
			return Event{}, false
		}
		subject := payloadString(event.Payload, "intent_id")
		if subject == "" {
			subject = payloadString(event.Payload, "adapter")
		}
		message := payloadString(event.Payload, "error")
		if message == "" {
			message = attrs.Message
		}
		return Event{
			Code:       xerrors.Code(code),
			Message:    message,
			Severity:   attrs.Severity,
			Source:     source,
			Subject:    subject,
			OccurredAt: event.OccurredAt,
		}, true
	case events.AgentStatusChanged:
		if payloadString(event.Payload, "to") != string(agent.StatusOffline) {
			return Event{}, false
		}
		attrs := xerrors.AttributesOf(xerrors.CodeAgentOffline)
		return Event{
			Code:       xerrors.CodeAgentOffline,
			Message:    attrs.Message,
			Severity:   attrs.Severity,
			Source:     "registry",
			Subject:    payloadString(event.Payload, "agent_id"),
			Metadata:   map[string]string{"from": payloadString(event.Payload, "from")},
			OccurredAt: event.OccurredAt,
		}, true
	default:
		return Event{}, false
	}
}

func payloadString(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}
