// Package api 暴露编排核心的 REST 接口：意图提交、任务查询、
// 代理与适配器管理、运行统计与最近事件。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenIntent-Chain/internal/agent"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/intake"
	"OpenIntent-Chain/internal/intent"
	"OpenIntent-Chain/internal/observability/metrics"
	"OpenIntent-Chain/internal/orchestrator"
	"OpenIntent-Chain/internal/registry"
	"OpenIntent-Chain/internal/router"
	"OpenIntent-Chain/internal/task"
	"OpenIntent-Chain/pkg/logger"
)

// Deps 聚合 REST 层依赖的核心组件。未注入的可选组件对应接口
// 返回空结果或 503。
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Intake       *intake.Service
	Store        task.Store
	Agents       *registry.AgentRegistry
	Adapters     *registry.AdapterRegistry
	RouterStats  func() router.Stats
	Recorder     *events.Recorder
}

// Server 负责暴露 REST 接口，供外部驱动编排核心。
type Server struct {
	addr string
	deps Deps
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		addr: addr,
		deps: deps,
		log:  logger.Named("api"),
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// routes 注册全部路由。指标中间件按路由包裹，处理器名固定，
// 避免把带路径参数的原始 URL 当作标签。
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/intents", s.route("intents_process", s.handleProcessIntent))
	mux.Handle("POST /api/v1/intents/async", s.route("intents_submit", s.handleSubmitIntent))
	mux.Handle("GET /api/v1/tasks", s.route("tasks_list", s.handleListTasks))
	mux.Handle("GET /api/v1/tasks/{id}", s.route("tasks_get", s.handleGetTask))
	mux.Handle("POST /api/v1/tasks/{id}/cancel", s.route("tasks_cancel", s.handleCancelTask))
	mux.Handle("POST /api/v1/agents", s.route("agents_register", s.handleRegisterAgent))
	mux.Handle("GET /api/v1/agents", s.route("agents_list", s.handleListAgents))
	mux.Handle("DELETE /api/v1/agents/{id}", s.route("agents_unregister", s.handleUnregisterAgent))
	mux.Handle("POST /api/v1/agents/{id}/reactivate", s.route("agents_reactivate", s.handleReactivateAgent))
	mux.Handle("GET /api/v1/adapters", s.route("adapters_list", s.handleListAdapters))
	mux.Handle("POST /api/v1/adapters/{name}/execute", s.route("adapters_execute", s.handleExecuteAdapter))
	mux.Handle("GET /api/v1/stats", s.route("stats", s.handleStats))
	mux.Handle("GET /api/v1/events", s.route("events", s.handleEvents))
	mux.Handle("GET /healthz", s.route("healthz", s.handleHealthz))
	return mux
}

func (s *Server) route(name string, handler http.HandlerFunc) http.Handler {
	return metrics.Middleware(name, handler)
}

func (s *Server) handleProcessIntent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, xerrors.New(xerrors.CodeInternal, "编排器未初始化"))
		return
	}
	var ui intent.UserIntent
	if err := json.NewDecoder(r.Body).Decode(&ui); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	receipt := s.deps.Orchestrator.ProcessIntent(r.Context(), &ui)
	status := http.StatusOK
	if !receipt.Succeeded() && receipt.ErrorCode != "" {
		status = statusOf(xerrors.Code(receipt.ErrorCode))
	}
	writeJSON(w, status, receipt)
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Intake == nil {
		writeError(w, xerrors.New(xerrors.CodeQueueClosed, "异步接入未启用"))
		return
	}
	var ui intent.UserIntent
	if err := json.NewDecoder(r.Body).Decode(&ui); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	id, err := s.deps.Intake.Submit(r.Context(), &ui)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"intent_id": id, "status": "accepted"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, xerrors.New(xerrors.CodeStoreFailure, "任务存储未初始化"))
		return
	}
	tasks, err := s.deps.Store.List(r.Context(), listOptionsFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, xerrors.New(xerrors.CodeStoreFailure, "任务存储未初始化"))
		return
	}
	got, err := s.deps.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, xerrors.New(xerrors.CodeInternal, "编排器未初始化"))
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	// 取消原因可省略，空请求体不算错误。
	_ = json.NewDecoder(r.Body).Decode(&req)
	cancelled, err := s.deps.Orchestrator.CancelTask(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// registerAgentRequest 描述外部代理的注册请求：描述符加 Webhook 端点。
type registerAgentRequest struct {
	Descriptor     *agent.Descriptor `json:"descriptor"`
	Endpoint       string            `json:"endpoint"`
	HealthEndpoint string            `json:"health_endpoint,omitempty"`
	TimeoutMS      int64             `json:"timeout_ms,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		writeError(w, xerrors.New(xerrors.CodeInternal, "代理注册表未初始化"))
		return
	}
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	if req.Descriptor == nil {
		writeError(w, xerrors.New(xerrors.CodeValidation, "注册请求缺少 descriptor"))
		return
	}
	remote, err := agent.NewRemote(req.Descriptor, agent.RemoteConfig{
		Endpoint:       req.Endpoint,
		HealthEndpoint: req.HealthEndpoint,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Agents.Register(remote); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("外部代理注册",
		slog.String("agent_id", req.Descriptor.ID),
		slog.String("agent_type", string(req.Descriptor.Type)),
		slog.String("endpoint", req.Endpoint),
	)
	view, err := s.deps.Agents.Get(req.Descriptor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Agents == nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []*registry.AgentView{}, "count": 0})
		return
	}
	views := s.deps.Agents.List()
	writeJSON(w, http.StatusOK, map[string]any{"agents": views, "count": len(views)})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		writeError(w, xerrors.New(xerrors.CodeInternal, "代理注册表未初始化"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Agents.Unregister(id); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("外部代理注销", slog.String("agent_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReactivateAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		writeError(w, xerrors.New(xerrors.CodeInternal, "代理注册表未初始化"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Agents.Reactivate(id); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("代理重新上线", slog.String("agent_id", id))
	view, err := s.deps.Agents.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListAdapters(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Adapters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"adapters": []*registry.AdapterView{}, "count": 0})
		return
	}
	views := s.deps.Adapters.List()
	writeJSON(w, http.StatusOK, map[string]any{"adapters": views, "count": len(views)})
}

func (s *Server) handleExecuteAdapter(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, xerrors.New(xerrors.CodeInternal, "编排器未初始化"))
		return
	}
	name := r.PathValue("name")
	var req struct {
		Operation  string         `json:"operation"`
		Parameters map[string]any `json:"parameters,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeValidation, err, "请求体解析失败"))
		return
	}
	if strings.TrimSpace(req.Operation) == "" {
		writeError(w, xerrors.New(xerrors.CodeValidation, "执行请求缺少 operation"))
		return
	}
	result, err := s.deps.Orchestrator.ExecuteAdapterOperation(r.Context(), name, req.Operation, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"adapter":   name,
		"operation": req.Operation,
		"result":    result,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response := make(map[string]any, 4)
	if s.deps.Store != nil {
		stats, err := s.deps.Store.Stats(r.Context(), task.ListOptions{})
		if err != nil {
			writeError(w, err)
			return
		}
		response["tasks"] = stats
	}
	if s.deps.RouterStats != nil {
		response["router"] = s.deps.RouterStats()
	}
	if s.deps.Agents != nil {
		views := s.deps.Agents.List()
		byStatus := make(map[string]int, 4)
		for _, view := range views {
			byStatus[string(view.Health.Status)]++
		}
		response["agents"] = map[string]any{"total": len(views), "by_status": byStatus}
	}
	if s.deps.Adapters != nil {
		views := s.deps.Adapters.List()
		active := 0
		for _, view := range views {
			if view.Status == registry.AdapterActive {
				active++
			}
		}
		response["adapters"] = map[string]any{"total": len(views), "active": active}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	var recent []events.Event
	if s.deps.Recorder != nil {
		recent = s.deps.Recorder.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recent, "count": len(recent)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listOptionsFromQuery 把查询参数翻译为任务筛选条件，
// 非法取值按缺省处理而不是报错。
func listOptionsFromQuery(r *http.Request) task.ListOptions {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, task.WithOffset(offset))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if value := query.Get("intent_id"); value != "" {
		opts = append(opts, task.WithIntent(value))
	}
	if value := query.Get("agent_id"); value != "" {
		opts = append(opts, task.WithAgent(value))
	}
	if value := query.Get("action"); value != "" {
		opts = append(opts, task.WithAction(value))
	}
	if value := query.Get("q"); value != "" {
		opts = append(opts, task.WithQuery(value))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return task.BuildListOptions(opts)
}

// errorBody 是错误应答的统一结构。
type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: code, Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusOf(code), map[string]errorBody{"error": body})
}

// statusOf 把统一错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeValidation, xerrors.CodeUnsupportedIntent:
		return http.StatusBadRequest
	case xerrors.CodeTaskNotFound, xerrors.CodeAgentNotFound, xerrors.CodeStreamNotFound:
		return http.StatusNotFound
	case xerrors.CodeTaskStateConflict, xerrors.CodeAgentExists, xerrors.CodeAdapterExists, xerrors.CodeAdapterLimit:
		return http.StatusConflict
	case xerrors.CodeNoAvailableAgents, xerrors.CodeAdapterNotAvailable, xerrors.CodeAgentOffline,
		xerrors.CodeQueueFull, xerrors.CodeQueueClosed, xerrors.CodeRouterClosed, xerrors.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case xerrors.CodeTaskTimeout, xerrors.CodeAdapterTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
