package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
)

// SMTPSender 通过标准 SMTP 协议发送告警邮件。
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Send 发送一封纯文本邮件。
func (s *SMTPSender) Send(ctx context.Context, subject, content string, to []string) error {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	msg := buildPlainMail(s.From, to, subject, content)

	// net/smtp 不接受 context，包一层协程让调用方的超时仍然生效。
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, s.From, to, msg)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func buildPlainMail(from string, to []string, subject, content string) []byte {
	var builder strings.Builder
	fmt.Fprintf(&builder, "From: %s\r\n", from)
	fmt.Fprintf(&builder, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&builder, "Subject: %s\r\n", subject)
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(content)
	return []byte(builder.String())
}

// HTTPWebhookSender 将告警负载 POST 到配置的端点。
type HTTPWebhookSender struct {
	URL    string
	Client *http.Client
}

// Send 投递 JSON 负载，非 2xx 状态视为失败。
func (s *HTTPWebhookSender) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPWebhookSender) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// SlackWebhookSender 通过 Incoming Webhook 发送 Slack 消息。
type SlackWebhookSender struct {
	WebhookURL string
	Client     *http.Client
}

// Send 发送一条文本消息。
func (s *SlackWebhookSender) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	inner := &HTTPWebhookSender{URL: s.WebhookURL, Client: s.Client}
	return inner.Send(ctx, payload)
}
