package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 openintentd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Metrics      MetricsConfig      `json:"metrics"`
	Logging      LoggingConfig      `json:"logging"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Router       RouterConfig       `json:"router"`
	Registry     RegistryConfig     `json:"registry"`
	Intake       IntakeConfig       `json:"intake"`
	Storage      StorageConfig      `json:"storage"`
	Web3         Web3Config         `json:"web3"`
	Adapters     AdaptersConfig     `json:"adapters"`
	Intent       IntentConfig       `json:"intent"`
	Alerting     AlertingConfig     `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig 控制指标暴露端口。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// LoggingConfig 描述进程日志与审计日志行为。
type LoggingConfig struct {
	Level      string            `json:"level"`
	Format     string            `json:"format"`
	Outputs    []string          `json:"outputs"`
	AddSource  bool              `json:"add_source"`
	Components map[string]string `json:"components"`
	Audit      AuditConfig       `json:"audit"`
}

// AuditConfig 控制审计日志文件及轮转策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// OrchestratorConfig 控制意图编排的并发上限等参数。
type OrchestratorConfig struct {
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// RouterConfig 控制消息路由的并发、重试与超时行为。
type RouterConfig struct {
	MaxConcurrentMessages     int     `json:"max_concurrent_messages"`
	MessageTimeoutMS          int     `json:"message_timeout_ms"`
	RetryAttempts             int     `json:"retry_attempts"`
	BackoffMultiplier         float64 `json:"backoff_multiplier"`
	DisableParallelDispatch   bool    `json:"disable_parallel_dispatch"`
	MaxConcurrentAdapterCalls int     `json:"max_concurrent_adapter_calls"`
	AdapterTimeoutMS          int     `json:"adapter_timeout_ms"`
}

// MessageTimeout 返回单条消息的处理时限。
func (c RouterConfig) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutMS) * time.Millisecond
}

// AdapterTimeout 返回单次适配器调用的时限。
func (c RouterConfig) AdapterTimeout() time.Duration {
	return time.Duration(c.AdapterTimeoutMS) * time.Millisecond
}

// RegistryConfig 控制注册表的健康检查与容量参数。
type RegistryConfig struct {
	HealthCheckIntervalSeconds int  `json:"health_check_interval_seconds"`
	ProbeTimeoutMS             int  `json:"probe_timeout_ms"`
	MaxConsecutiveFailures     int  `json:"max_consecutive_failures"`
	MaxAdaptersPerType         int  `json:"max_adapters_per_type"`
	DisableLoadBalancing       bool `json:"disable_load_balancing"`
}

// HealthCheckInterval 返回健康检查周期。
func (c RegistryConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// ProbeTimeout 返回单次探活的超时时间。
func (c RegistryConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// IntakeConfig 描述异步意图接入队列。
type IntakeConfig struct {
	Driver   string              `json:"driver"`
	Workers  int                 `json:"workers"`
	Capacity int                 `json:"capacity"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述基于 Redis 列表的队列。
type RedisQueueConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述基于 RabbitMQ 的队列。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// StorageConfig 统一描述任务存储与缓存后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig  `json:"task_store"`
	Redis     RedisCacheConfig `json:"redis"`
}

// TaskStoreConfig 选择任务存储驱动（memory 或 mysql）。
type TaskStoreConfig struct {
	Driver                 string        `json:"driver"`
	DSN                    string        `json:"dsn"`
	MaxOpenConns           int           `json:"max_open_conns"`
	MaxIdleConns           int           `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int           `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int           `json:"conn_max_idle_time_seconds"`
	Janitor                JanitorConfig `json:"janitor"`
}

// JanitorConfig 控制滞留任务清扫。
type JanitorConfig struct {
	Enabled              bool `json:"enabled"`
	SweepIntervalSeconds int  `json:"sweep_interval_seconds"`
	StuckAfterSeconds    int  `json:"stuck_after_seconds"`
}

// SweepInterval 返回清扫周期。
func (c JanitorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StuckAfter 返回任务被判定为滞留的时长。
func (c JanitorConfig) StuckAfter() time.Duration {
	return time.Duration(c.StuckAfterSeconds) * time.Second
}

// RedisCacheConfig 描述适配器响应缓存使用的 Redis。
type RedisCacheConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// Web3Config 描述链目录与默认链。
type Web3Config struct {
	ChainsPath     string `json:"chains_path"`
	DefaultChainID uint64 `json:"default_chain_id"`
}

// AdaptersConfig 描述适配器目录与插件加载。
type AdaptersConfig struct {
	DefinitionsPath string        `json:"definitions_path"`
	Plugins         PluginsConfig `json:"plugins"`
}

// PluginsConfig 控制外部适配器插件的加载。
type PluginsConfig struct {
	Enabled    bool   `json:"enabled"`
	Directory  string `json:"directory"`
	ConfigPath string `json:"config_path"`
}

// IntentConfig 描述意图分析的动作目录。
type IntentConfig struct {
	CatalogPath        string  `json:"catalog_path"`
	HighValueThreshold float64 `json:"high_value_threshold"`
}

// AlertingConfig 描述告警通知通道。
type AlertingConfig struct {
	Enabled bool                `json:"enabled"`
	Webhook WebhookNotifyConfig `json:"webhook"`
	Slack   SlackNotifyConfig   `json:"slack"`
	Email   EmailNotifyConfig   `json:"email"`
}

// WebhookNotifyConfig 描述通用 Webhook 通知。
type WebhookNotifyConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SlackNotifyConfig 描述 Slack Webhook 通知。
type SlackNotifyConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// EmailNotifyConfig 描述 SMTP 邮件通知。
type EmailNotifyConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8880"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}

	if c.Orchestrator.MaxConcurrentTasks <= 0 {
		c.Orchestrator.MaxConcurrentTasks = 10
	}

	if c.Router.MaxConcurrentMessages <= 0 {
		c.Router.MaxConcurrentMessages = 10
	}
	if c.Router.MessageTimeoutMS <= 0 {
		c.Router.MessageTimeoutMS = 30000
	}
	// 0 视为未设置并取默认值，显式关闭重试需填负数。
	if c.Router.RetryAttempts < 0 {
		c.Router.RetryAttempts = 0
	} else if c.Router.RetryAttempts == 0 {
		c.Router.RetryAttempts = 3
	}
	if c.Router.BackoffMultiplier <= 0 {
		c.Router.BackoffMultiplier = 2
	}
	if c.Router.MaxConcurrentAdapterCalls <= 0 {
		c.Router.MaxConcurrentAdapterCalls = 5
	}
	if c.Router.AdapterTimeoutMS <= 0 {
		c.Router.AdapterTimeoutMS = 10000
	}

	if c.Registry.HealthCheckIntervalSeconds <= 0 {
		c.Registry.HealthCheckIntervalSeconds = 30
	}
	if c.Registry.ProbeTimeoutMS <= 0 {
		c.Registry.ProbeTimeoutMS = 3000
	}
	if c.Registry.MaxConsecutiveFailures <= 0 {
		c.Registry.MaxConsecutiveFailures = 3
	}
	if c.Registry.MaxAdaptersPerType <= 0 {
		c.Registry.MaxAdaptersPerType = 3
	}

	if c.Intake.Driver == "" {
		c.Intake.Driver = "memory"
	}
	if c.Intake.Workers <= 0 {
		c.Intake.Workers = 4
	}
	if c.Intake.Capacity <= 0 {
		c.Intake.Capacity = 1024
	}
	if c.Intake.Redis.Queue == "" {
		c.Intake.Redis.Queue = "openintent:intents"
	}
	if c.Intake.Redis.BlockWaitSeconds <= 0 {
		c.Intake.Redis.BlockWaitSeconds = 5
	}
	if c.Intake.RabbitMQ.Queue == "" {
		c.Intake.RabbitMQ.Queue = "openintent.intents"
	}
	if c.Intake.RabbitMQ.Prefetch <= 0 {
		c.Intake.RabbitMQ.Prefetch = 8
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Janitor.SweepIntervalSeconds <= 0 {
		c.Storage.TaskStore.Janitor.SweepIntervalSeconds = 60
	}
	if c.Storage.TaskStore.Janitor.StuckAfterSeconds <= 0 {
		c.Storage.TaskStore.Janitor.StuckAfterSeconds = 600
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "openintent:"
	}

	if c.Web3.ChainsPath == "" {
		c.Web3.ChainsPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainsPath) {
		c.Web3.ChainsPath = filepath.Join(baseDir, c.Web3.ChainsPath)
	}

	if c.Adapters.DefinitionsPath == "" {
		c.Adapters.DefinitionsPath = filepath.Join(baseDir, "adapters.yaml")
	} else if !filepath.IsAbs(c.Adapters.DefinitionsPath) {
		c.Adapters.DefinitionsPath = filepath.Join(baseDir, c.Adapters.DefinitionsPath)
	}
	if c.Adapters.Plugins.Directory != "" && !filepath.IsAbs(c.Adapters.Plugins.Directory) {
		c.Adapters.Plugins.Directory = filepath.Join(baseDir, c.Adapters.Plugins.Directory)
	}
	if c.Adapters.Plugins.ConfigPath != "" && !filepath.IsAbs(c.Adapters.Plugins.ConfigPath) {
		c.Adapters.Plugins.ConfigPath = filepath.Join(baseDir, c.Adapters.Plugins.ConfigPath)
	}

	if c.Intent.CatalogPath != "" && !filepath.IsAbs(c.Intent.CatalogPath) {
		c.Intent.CatalogPath = filepath.Join(baseDir, c.Intent.CatalogPath)
	}
	if c.Intent.HighValueThreshold <= 0 {
		c.Intent.HighValueThreshold = 10000
	}

	if c.Alerting.Webhook.TimeoutSeconds <= 0 {
		c.Alerting.Webhook.TimeoutSeconds = 5
	}
}

// validate 检查组合约束，避免带病启动。
func (c *Config) validate() error {
	switch c.Intake.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的接入队列驱动: %s", c.Intake.Driver)
	}
	if c.Intake.Driver == "redis" && c.Intake.Redis.Address == "" {
		return errors.New("redis 队列驱动需要配置 address")
	}
	if c.Intake.Driver == "rabbitmq" && c.Intake.RabbitMQ.URL == "" {
		return errors.New("rabbitmq 队列驱动需要配置 url")
	}

	switch c.Storage.TaskStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.DSN == "" {
		return errors.New("mysql 任务存储需要配置 dsn")
	}
	return nil
}
