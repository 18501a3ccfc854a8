package router

import (
	"context"
	"log/slog"
	"time"

	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/pkg/logger"
)

// ReceiverRouter 是健康检查消息指向路由器自身时使用的接收方标识。
const ReceiverRouter = "router"

// defaultHandler 返回内建的类型处理器。
func (r *Router) defaultHandler(t MessageType) Handler {
	switch t {
	case TypeTaskRequest:
		return r.handleTaskRequest
	case TypeTaskResponse:
		return r.handleTaskResponse
	case TypeHealthCheck:
		return r.handleHealthCheck
	case TypeStatusUpdate:
		return r.handleStatusUpdate
	case TypeErrorReport:
		return r.handleErrorReport
	case TypeCapabilityUpdate:
		return r.handleCapabilityUpdate
	}
	return func(ctx context.Context, msg *Message) (map[string]any, error) {
		return nil, xerrors.New(xerrors.CodeValidation, "未知的消息类型: "+string(msg.Type))
	}
}

// handleTaskRequest 把任务请求投递给接收方代理并回传其应答。
// 代理自报失败同样折叠为错误，交由重试与上层分类处理。
func (r *Router) handleTaskRequest(ctx context.Context, msg *Message) (map[string]any, error) {
	handle, err := r.agents.Lookup(msg.ReceiverID)
	if err != nil {
		return nil, err
	}
	req, err := agent.TaskRequestFromPayload(msg.Payload)
	if err != nil {
		return nil, err
	}

	resp, err := handle.HandleTask(ctx, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "代理执行任务失败",
			xerrors.WithMetadata("agent_id", msg.ReceiverID),
			xerrors.WithMetadata("task_id", req.TaskID))
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeAgentFailure, "代理返回了空应答",
			xerrors.WithMetadata("agent_id", msg.ReceiverID),
			xerrors.WithMetadata("task_id", req.TaskID))
	}
	if resp.Status == agent.ResponseFailed {
		return nil, xerrors.New(xerrors.CodeAgentFailure, "代理报告任务失败: "+resp.Error,
			xerrors.WithMetadata("agent_id", msg.ReceiverID),
			xerrors.WithMetadata("task_id", resp.TaskID))
	}

	out := map[string]any{
		"task_id":           resp.TaskID,
		"status":            resp.Status,
		"execution_time_ms": resp.ExecutionTimeMS,
	}
	if resp.Result != nil {
		out["result"] = resp.Result
	}
	return out, nil
}

// handleTaskResponse 按关联 ID 唤醒等待方；没有等待方时仅作确认。
func (r *Router) handleTaskResponse(ctx context.Context, msg *Message) (map[string]any, error) {
	out := map[string]any{"delivered": false}
	if msg.CorrelationID == "" {
		return out, nil
	}
	out["correlation_id"] = msg.CorrelationID

	r.mu.Lock()
	ch, ok := r.pendingResponses[msg.CorrelationID]
	if ok {
		delete(r.pendingResponses, msg.CorrelationID)
	}
	r.mu.Unlock()
	if !ok {
		return out, nil
	}

	payload := make(map[string]any, len(msg.Payload))
	for k, v := range msg.Payload {
		payload[k] = v
	}
	ch <- payload
	out["delivered"] = true
	return out, nil
}

// handleHealthCheck 对接收方执行探活并把结果写回健康档案；
// 接收方为路由器自身时直接应答存活与水位。
func (r *Router) handleHealthCheck(ctx context.Context, msg *Message) (map[string]any, error) {
	if msg.ReceiverID == ReceiverRouter {
		stats := r.Stats()
		return map[string]any{
			"healthy":         true,
			"active_messages": stats.ActiveMessages,
			"backlog_depth":   stats.BacklogDepth,
		}, nil
	}

	handle, err := r.agents.Lookup(msg.ReceiverID)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	pingErr := handle.Ping(ctx)
	latency := time.Since(started)
	r.agents.RecordProbe(msg.ReceiverID, latency, pingErr)

	out := map[string]any{
		"agent_id":         msg.ReceiverID,
		"healthy":          pingErr == nil,
		"response_time_ms": latency.Milliseconds(),
	}
	if pingErr != nil {
		out["error"] = pingErr.Error()
	}
	return out, nil
}

// handleStatusUpdate 按发送方自报的状态更新注册表。
func (r *Router) handleStatusUpdate(ctx context.Context, msg *Message) (map[string]any, error) {
	raw, _ := msg.Payload["status"].(string)
	status, err := agent.ParseStatus(raw)
	if err != nil {
		return nil, err
	}
	if err := r.agents.SetStatus(msg.SenderID, status); err != nil {
		return nil, err
	}
	return map[string]any{
		"agent_id": msg.SenderID,
		"status":   string(status),
		"updated":  true,
	}, nil
}

// handleErrorReport 记录组件上报的错误并广播 error_occurred 事件。
func (r *Router) handleErrorReport(ctx context.Context, msg *Message) (map[string]any, error) {
	reason, _ := msg.Payload["error"].(string)
	logger.Audit().Warn("收到错误上报",
		slog.String("sender_id", msg.SenderID),
		slog.String("message_id", msg.ID),
		slog.String("error", reason),
	)
	if r.bus != nil {
		payload := make(map[string]any, len(msg.Payload)+2)
		for k, v := range msg.Payload {
			payload[k] = v
		}
		payload["sender_id"] = msg.SenderID
		payload["message_id"] = msg.ID
		r.bus.Publish(events.ErrorOccurred, payload)
	}
	return map[string]any{"acknowledged": true}, nil
}

// handleCapabilityUpdate 整体替换发送方声明的能力列表。
func (r *Router) handleCapabilityUpdate(ctx context.Context, msg *Message) (map[string]any, error) {
	caps, err := agent.CapabilitiesFromPayload(msg.Payload["capabilities"])
	if err != nil {
		return nil, err
	}
	if err := r.agents.UpdateCapabilities(msg.SenderID, caps); err != nil {
		return nil, err
	}
	return map[string]any{
		"agent_id":     msg.SenderID,
		"capabilities": len(caps),
		"updated":      true,
	}, nil
}
