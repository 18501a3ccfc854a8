// Package alerting 将运行时的异常事件转成外部通知。
// 通知器只负责内容编排，真正的投递交给各渠道的 Sender 实现，
// 便于在测试里替换为桩。
package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Source     string
	Subject    string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按注册顺序把事件依次交给每个通知器，
// 渠道之间互不影响，失败以聚合错误返回。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 组装一个广播分发器。nil 通知器被忽略，
// 同一渠道注册多次时保留最后一个。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{}
	for _, n := range notifiers {
		if n != nil {
			d.add(n)
		}
	}
	return d
}

func (d *FanoutDispatcher) add(n Notifier) {
	for i, existing := range d.notifiers {
		if existing.Channel() == n.Channel() {
			d.notifiers[i] = n
			return
		}
	}
	d.notifiers = append(d.notifiers, n)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// skipUnconfigured 在渠道缺少必要配置时记录并放行，
// 避免单个渠道的配置问题阻断整条告警链路。
func skipUnconfigured(name string, event Event) error {
	logger.L().Warn(name+" 未正确配置，跳过发送", slog.String("subject", event.Subject))
	return nil
}

// LogNotifier 把告警写进审计日志，作为永远可用的兜底渠道。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("source", event.Source),
		slog.String("subject", event.Subject),
		slog.String("message", event.Message),
	}
	for key, value := range event.Metadata {
		attrs = append(attrs, slog.String(key, value))
	}
	logger.Audit().Warn("触发告警", attrs...)
	return nil
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		return skipUnconfigured("EmailNotifier", event)
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)

	var body strings.Builder
	fmt.Fprintf(&body, "告警时间: %s\n", event.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(&body, "来源: %s\n对象: %s\n", event.Source, event.Subject)
	fmt.Fprintf(&body, "错误码: %s\n描述: %s", event.Code, event.Message)
	if len(event.Metadata) > 0 {
		body.WriteString("\n详情:\n")
		for k, v := range event.Metadata {
			fmt.Fprintf(&body, "- %s: %s\n", k, v)
		}
	}
	return n.Sender.Send(ctx, subject, body.String(), n.To)
}

// WebhookSender 负责将序列化后的告警投递到外部端点。
type WebhookSender interface {
	Send(ctx context.Context, payload []byte) error
}

// WebhookNotifier 将告警编码为 JSON 后推送到通用 Webhook。
type WebhookNotifier struct {
	Sender WebhookSender
}

type webhookPayload struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	Source     string            `json:"source"`
	Subject    string            `json:"subject"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt string            `json:"occurred_at"`
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送 JSON 负载。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		return skipUnconfigured("WebhookNotifier", event)
	}
	payload, err := json.Marshal(webhookPayload{
		Code:       string(event.Code),
		Message:    event.Message,
		Severity:   string(event.Severity),
		Source:     event.Source,
		Subject:    event.Subject,
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return n.Sender.Send(ctx, payload)
}

// SlackSender 负责向 Slack 发送文本消息。
type SlackSender interface {
	Send(ctx context.Context, text string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender SlackSender
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		return skipUnconfigured("SlackNotifier", event)
	}
	content := fmt.Sprintf("*[%s]* %s: %s (来源 %s, 对象 %s)",
		event.Severity, event.Code, event.Message, event.Source, event.Subject)
	return n.Sender.Send(ctx, content)
}
