package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
)

const defaultRemoteTimeout = 30 * time.Second

// RemoteConfig 描述通过 Webhook 接入的外部代理。
type RemoteConfig struct {
	// Endpoint 接收任务请求的 URL，以 POST 方式投递 JSON。
	Endpoint string
	// HealthEndpoint 探活 URL，缺省时复用 Endpoint。
	HealthEndpoint string
	// Timeout 是 HTTP 客户端的兜底超时，路由器的截止时间仍通过 ctx 传递。
	Timeout time.Duration
}

// Remote 通过 HTTP Webhook 与外部进程中的代理通信。
type Remote struct {
	desc       *Descriptor
	endpoint   string
	healthURL  string
	httpClient *http.Client
}

// NewRemote 创建外部代理句柄。
func NewRemote(desc *Descriptor, cfg RemoteConfig) (*Remote, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "外部代理缺少 endpoint",
			xerrors.WithMetadata("agent_id", desc.ID))
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, xerrors.New(xerrors.CodeValidation, "外部代理 endpoint 必须是 http(s) 地址",
			xerrors.WithMetadata("agent_id", desc.ID))
	}
	healthURL := strings.TrimSpace(cfg.HealthEndpoint)
	if healthURL == "" {
		healthURL = endpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &Remote{
		desc:       desc.Clone(),
		endpoint:   endpoint,
		healthURL:  healthURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Descriptor 返回代理描述。
func (r *Remote) Descriptor() *Descriptor {
	return r.desc.Clone()
}

// HandleTask 把任务请求投递到代理的 Webhook 并解析应答。
func (r *Remote) HandleTask(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "序列化任务请求失败",
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "构建任务请求失败",
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTaskTimeout, err, "任务请求超时",
				xerrors.WithMetadata("agent_id", r.desc.ID))
		}
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "network_error: 投递任务请求失败",
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeAgentFailure,
			fmt.Sprintf("代理返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}

	var decoded TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "解析代理应答失败",
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}
	if decoded.TaskID == "" {
		decoded.TaskID = req.TaskID
	}
	if decoded.Status == "" {
		decoded.Status = ResponseCompleted
	}
	if decoded.ExecutionTimeMS <= 0 {
		decoded.ExecutionTimeMS = time.Since(start).Milliseconds()
	}
	return &decoded, nil
}

// Ping 对探活 URL 发起 GET。只要对端有响应（含 4xx）即视为存活，
// 5xx 或网络错误视为失败。
func (r *Remote) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.healthURL, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAgentFailure, err, "构建探活请求失败",
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeAgentFailure, err, "network_error: 探活请求失败",
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= http.StatusInternalServerError {
		return xerrors.New(xerrors.CodeAgentFailure,
			fmt.Sprintf("代理探活返回状态 %d", resp.StatusCode),
			xerrors.WithMetadata("agent_id", r.desc.ID))
	}
	return nil
}

var _ Agent = (*Remote)(nil)
