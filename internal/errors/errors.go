package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"strings"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeInternal            Code = "INTERNAL"
	CodeValidation          Code = "VALIDATION_FAILED"
	CodeUnsupportedIntent   Code = "UNSUPPORTED_INTENT"
	CodeNoAvailableAgents   Code = "NO_AVAILABLE_AGENTS"
	CodeCapabilityMismatch  Code = "CAPABILITY_MISMATCH"
	CodeAgentFailure        Code = "AGENT_FAILURE"
	CodeTaskTimeout         Code = "TASK_TIMEOUT"
	CodeAdapterFailure      Code = "ADAPTER_FAILURE"
	CodeAdapterTimeout      Code = "ADAPTER_TIMEOUT"
	CodeAdapterNotAvailable Code = "ADAPTER_NOT_AVAILABLE"
	CodeAdapterExists       Code = "ADAPTER_EXISTS"
	CodeAdapterLimit        Code = "ADAPTER_LIMIT_REACHED"
	CodeAgentExists         Code = "AGENT_EXISTS"
	CodeAgentNotFound       Code = "AGENT_NOT_FOUND"
	CodeAgentOffline        Code = "AGENT_OFFLINE"
	CodeTaskNotFound        Code = "TASK_NOT_FOUND"
	CodeTaskStateConflict   Code = "TASK_STATE_CONFLICT"
	CodeQueueFull           Code = "QUEUE_FULL"
	CodeQueueClosed         Code = "QUEUE_CLOSED"
	CodeRouterClosed        Code = "ROUTER_CLOSED"
	CodeStoreFailure        Code = "STORE_FAILURE"
	CodeConfigInvalid       Code = "CONFIG_INVALID"
	CodeChainNotConfigured  Code = "CHAIN_NOT_CONFIGURED"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
	CodeStreamNotFound      Code = "STREAM_NOT_FOUND"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 注册表按 {消息, 严重程度, 可重试, 需告警} 描述每个错误码的缺省属性。
var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeInternal:            {"internal error", SeverityCritical, false, true},
		CodeValidation:          {"validation failed", SeverityInfo, false, false},
		CodeUnsupportedIntent:   {"unsupported intent", SeverityInfo, false, false},
		CodeNoAvailableAgents:   {"no available agents", SeverityWarning, true, false},
		CodeCapabilityMismatch:  {"capability mismatch", SeverityInfo, false, false},
		CodeAgentFailure:        {"agent execution failure", SeverityWarning, true, false},
		CodeTaskTimeout:         {"task timed out", SeverityWarning, true, true},
		CodeAdapterFailure:      {"adapter execution failure", SeverityWarning, false, false},
		CodeAdapterTimeout:      {"adapter call timed out", SeverityWarning, true, false},
		CodeAdapterNotAvailable: {"adapter not available", SeverityWarning, false, true},
		CodeAdapterExists:       {"adapter already registered", SeverityInfo, false, false},
		CodeAdapterLimit:        {"adapter limit reached for type", SeverityWarning, false, false},
		CodeAgentExists:         {"agent already registered", SeverityInfo, false, false},
		CodeAgentNotFound:       {"agent not found", SeverityInfo, false, false},
		CodeAgentOffline:        {"agent forced offline", SeverityWarning, false, true},
		CodeTaskNotFound:        {"task not found", SeverityInfo, false, false},
		CodeTaskStateConflict:   {"task state conflict", SeverityWarning, false, false},
		CodeQueueFull:           {"queue is full", SeverityWarning, true, false},
		CodeQueueClosed:         {"queue is closed", SeverityWarning, false, false},
		CodeRouterClosed:        {"router is closed", SeverityWarning, false, false},
		CodeStoreFailure:        {"task store failure", SeverityCritical, true, true},
		CodeConfigInvalid:       {"configuration invalid", SeverityCritical, false, true},
		CodeChainNotConfigured:  {"chain not configured", SeverityWarning, false, false},
		CodeCircuitOpen:         {"circuit breaker open", SeverityWarning, true, true},
		CodeStreamNotFound:      {"stream not found", SeverityInfo, false, false},
	}
)

// recoverableHints 是判定执行失败是否可恢复的词汇表。
var recoverableHints = []string{"timeout", "network_error", "temporary_unavailable"}

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 INTERNAL 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeInternal]
}

// Error 是系统内统一的错误类型。
// 属性在构造时从注册表解析，选项可以覆盖单个字段。
type Error struct {
	code     Code
	cause    error
	attrs    Attributes
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.attrs.Retryable = retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.attrs.Alert = alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.attrs.Severity = sev }
}

// New 创建一个新的错误实例，message 为空时使用注册表里的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, attrs: AttributesOf(code)}
	if message != "" {
		e.attrs.Message = message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.attrs.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.attrs.Message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.attrs.Message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// Meta 返回指定键的附加信息。
func (e *Error) Meta(key string) string {
	if e == nil {
		return ""
	}
	return e.metadata[key]
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	return e != nil && e.attrs.Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	return e != nil && e.attrs.Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attrs.Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeInternal
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// Recoverable 判断执行失败是否可恢复：错误码可重试，
// 或错误文本命中词汇表（timeout/network_error/temporary_unavailable）。
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if RetryableError(err) {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, hint := range recoverableHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeInternal).Severity
}
