// Package openintent provides a thin typed client for the OpenIntent Chain
// REST API. It mirrors the server's wire types so callers do not need to
// depend on internal packages.
package openintent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenIntent Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// IntentContext carries session level hints alongside an intent.
type IntentContext struct {
	SessionID   string            `json:"session_id,omitempty"`
	History     []string          `json:"history,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Intent is the payload submitted for orchestration. Type and Action are
// required; Priority defaults to medium when empty.
type Intent struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    IntentContext  `json:"context,omitempty"`
	Priority   string         `json:"priority,omitempty"`
}

// Receipt reports how an intent ended up, including the failure code when the
// orchestrator could not complete it.
type Receipt struct {
	IntentID        string         `json:"intent_id"`
	TaskID          string         `json:"task_id,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	Status          string         `json:"status"`
	Confidence      float64        `json:"confidence,omitempty"`
	RequiredActions []string       `json:"required_actions,omitempty"`
	Risks           []string       `json:"risks,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Recoverable     bool           `json:"recoverable,omitempty"`
	Alternatives    []string       `json:"alternatives,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	CompletedAt     time.Time      `json:"completed_at"`
}

// Succeeded reports whether the intent completed.
func (r Receipt) Succeeded() bool {
	return r.Status == "completed"
}

// Ack confirms that an intent was accepted for asynchronous processing.
type Ack struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
}

// Task is the persisted execution record derived from an intent.
type Task struct {
	ID           string         `json:"id"`
	IntentID     string         `json:"intent_id"`
	AgentID      string         `json:"agent_id"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Recoverable  bool           `json:"recoverable,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	StartedAt    int64          `json:"started_at,omitempty"`
	CompletedAt  int64          `json:"completed_at,omitempty"`
	UpdatedAt    int64          `json:"updated_at"`
}

// TaskList is a page of tasks.
type TaskList struct {
	Tasks []Task `json:"tasks"`
	Count int    `json:"count"`
}

// TaskFilter narrows ListTasks results. Zero values are ignored.
type TaskFilter struct {
	Statuses    []string
	IntentID    string
	AgentID     string
	Action      string
	Query       string
	Limit       int
	Offset      int
	OldestFirst bool
}

func (f TaskFilter) encode() string {
	values := url.Values{}
	if len(f.Statuses) > 0 {
		values.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.IntentID != "" {
		values.Set("intent_id", f.IntentID)
	}
	if f.AgentID != "" {
		values.Set("agent_id", f.AgentID)
	}
	if f.Action != "" {
		values.Set("action", f.Action)
	}
	if f.Query != "" {
		values.Set("q", f.Query)
	}
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.OldestFirst {
		values.Set("order", "asc")
	}
	return values.Encode()
}

// Capability describes one action an agent can execute.
type Capability struct {
	Action                   string   `json:"action"`
	Permissions              []string `json:"permissions,omitempty"`
	EstimatedExecutionTimeMS int64    `json:"estimated_execution_time_ms,omitempty"`
}

// AgentDescriptor is the self description an agent registers with.
type AgentDescriptor struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Capabilities []Capability      `json:"capabilities"`
	Status       string            `json:"status,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AgentRegistration pairs a descriptor with the webhook endpoint that will
// receive task requests.
type AgentRegistration struct {
	Descriptor     AgentDescriptor `json:"descriptor"`
	Endpoint       string          `json:"endpoint"`
	HealthEndpoint string          `json:"health_endpoint,omitempty"`
	TimeoutMS      int64           `json:"timeout_ms,omitempty"`
}

// AgentHealth is the latest probe outcome for an agent.
type AgentHealth struct {
	Status              string `json:"status"`
	LastCheck           int64  `json:"last_check"`
	ResponseTimeMS      int64  `json:"response_time_ms"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// AgentLoad summarises the work currently assigned to an agent.
type AgentLoad struct {
	ActiveTasks           int     `json:"active_tasks"`
	CompletedTasks        int64   `json:"completed_tasks"`
	AverageResponseTimeMS float64 `json:"average_response_time_ms"`
	ErrorRate             float64 `json:"error_rate"`
	LastUpdated           int64   `json:"last_updated"`
}

// AgentView is the registry snapshot for one agent.
type AgentView struct {
	Descriptor AgentDescriptor `json:"descriptor"`
	Health     AgentHealth     `json:"health"`
	Load       AgentLoad       `json:"load"`
}

// AgentList is the full registry snapshot.
type AgentList struct {
	Agents []AgentView `json:"agents"`
	Count  int         `json:"count"`
}

// AdapterView describes one registered adapter instance.
type AdapterView struct {
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	Capabilities     []string `json:"capabilities"`
	Status           string   `json:"status"`
	Priority         int      `json:"priority"`
	ActiveOperations int      `json:"active_operations"`
	LastHealthCheck  int64    `json:"last_health_check,omitempty"`
}

// AdapterList is the adapter registry snapshot.
type AdapterList struct {
	Adapters []AdapterView `json:"adapters"`
	Count    int           `json:"count"`
}

// AdapterResult echoes the target of a direct adapter call and its payload.
type AdapterResult struct {
	Adapter   string         `json:"adapter"`
	Operation string         `json:"operation"`
	Result    map[string]any `json:"result"`
}

// TaskStats is the aggregate task breakdown by state.
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Queued          int   `json:"queued"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Cancelled       int   `json:"cancelled"`
	Timeout         int   `json:"timeout"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// RouterStats is the message router's counters and live watermarks.
type RouterStats struct {
	ProcessedMessages  uint64 `json:"processed_messages"`
	QueuedMessages     uint64 `json:"queued_messages"`
	Retries            uint64 `json:"retries"`
	Timeouts           uint64 `json:"timeouts"`
	ActiveMessages     int    `json:"active_messages"`
	BacklogDepth       int    `json:"backlog_depth"`
	ProcessedCalls     uint64 `json:"processed_calls"`
	ActiveAdapterCalls int    `json:"active_adapter_calls"`
	CallQueueDepth     int    `json:"call_queue_depth"`
}

// AgentStats summarises the agent registry.
type AgentStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// AdapterStats summarises the adapter registry.
type AdapterStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Stats aggregates runtime statistics across subsystems.
type Stats struct {
	Tasks    TaskStats    `json:"tasks"`
	Router   RouterStats  `json:"router"`
	Agents   AgentStats   `json:"agents"`
	Adapters AdapterStats `json:"adapters"`
}

// Event is one broadcast record from the orchestration core.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventList is a page of recent events, newest first.
type EventList struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openintent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openintent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenIntent Chain API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// ProcessIntent submits an intent and waits for its receipt. Orchestration
// failures still come back as a receipt carrying an error code; only
// transport problems and request validation surface as an error.
func (c *Client) ProcessIntent(ctx context.Context, in Intent) (Receipt, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/intents", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, fmt.Errorf("read response: %w", err)
	}
	if apiErr := decodeAPIError(resp.StatusCode, data); apiErr != nil {
		return Receipt{}, apiErr
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		if resp.StatusCode >= 400 {
			return Receipt{}, &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		}
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return receipt, nil
}

// SubmitIntent enqueues an intent for asynchronous processing.
func (c *Client) SubmitIntent(ctx context.Context, in Intent) (Ack, error) {
	var ack Ack
	if err := c.post(ctx, "/api/v1/intents/async", in, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var out Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &out); err != nil {
		return Task{}, err
	}
	return out, nil
}

// ListTasks returns tasks matching the filter, newest first unless the filter
// requests ascending order.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) (TaskList, error) {
	endpoint := "/api/v1/tasks"
	if query := filter.encode(); query != "" {
		endpoint += "?" + query
	}
	var out TaskList
	if err := c.get(ctx, endpoint, &out); err != nil {
		return TaskList{}, err
	}
	return out, nil
}

// CancelTask cancels a task that has not started executing yet.
func (c *Client) CancelTask(ctx context.Context, taskID, reason string) (Task, error) {
	payload := map[string]string{}
	if reason != "" {
		payload["reason"] = reason
	}
	var out Task
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", payload, &out); err != nil {
		return Task{}, err
	}
	return out, nil
}

// RegisterAgent registers an external webhook agent and returns its registry
// view.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) (AgentView, error) {
	var out AgentView
	if err := c.post(ctx, "/api/v1/agents", reg, &out); err != nil {
		return AgentView{}, err
	}
	return out, nil
}

// ListAgents returns the registry snapshot for all agents.
func (c *Client) ListAgents(ctx context.Context) (AgentList, error) {
	var out AgentList
	if err := c.get(ctx, "/api/v1/agents", &out); err != nil {
		return AgentList{}, err
	}
	return out, nil
}

// UnregisterAgent removes an agent from the registry.
func (c *Client) UnregisterAgent(ctx context.Context, agentID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ReactivateAgent brings an offline agent back into rotation.
func (c *Client) ReactivateAgent(ctx context.Context, agentID string) (AgentView, error) {
	var out AgentView
	if err := c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/reactivate", struct{}{}, &out); err != nil {
		return AgentView{}, err
	}
	return out, nil
}

// ListAdapters returns the adapter registry snapshot.
func (c *Client) ListAdapters(ctx context.Context) (AdapterList, error) {
	var out AdapterList
	if err := c.get(ctx, "/api/v1/adapters", &out); err != nil {
		return AdapterList{}, err
	}
	return out, nil
}

// ExecuteAdapter invokes one adapter operation directly, bypassing intent
// analysis.
func (c *Client) ExecuteAdapter(ctx context.Context, adapter, operation string, params map[string]any) (AdapterResult, error) {
	payload := map[string]any{"operation": operation}
	if len(params) > 0 {
		payload["parameters"] = params
	}
	var out AdapterResult
	if err := c.post(ctx, "/api/v1/adapters/"+url.PathEscape(adapter)+"/execute", payload, &out); err != nil {
		return AdapterResult{}, err
	}
	return out, nil
}

// Stats returns aggregate runtime statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.get(ctx, "/api/v1/stats", &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// RecentEvents returns up to limit recent events, newest first. A non-positive
// limit uses the server default.
func (c *Client) RecentEvents(ctx context.Context, limit int) (EventList, error) {
	endpoint := "/api/v1/events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var out EventList
	if err := c.get(ctx, endpoint, &out); err != nil {
		return EventList{}, err
	}
	return out, nil
}

// Health probes the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/healthz", nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	target := *c.baseURL
	raw := endpoint
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		raw = endpoint[:idx]
		target.RawQuery = endpoint[idx+1:]
	}
	target.Path = path.Join(c.baseURL.Path, raw)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if apiErr := decodeAPIError(resp.StatusCode, data); apiErr != nil {
			return apiErr
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeAPIError extracts the server's error envelope. It returns nil when
// the payload is not an envelope, which callers treat as a domain response
// that happens to ride on an error status.
func decodeAPIError(statusCode int, data []byte) *APIError {
	if len(data) == 0 {
		return nil
	}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error == nil || envelope.Error.Code == "" {
		return nil
	}
	envelope.Error.StatusCode = statusCode
	return envelope.Error
}
