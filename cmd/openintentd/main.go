package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenIntent-Chain/internal/api"
	"OpenIntent-Chain/internal/config"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/intake"
	"OpenIntent-Chain/internal/intent"
	"OpenIntent-Chain/internal/observability/alerting"
	"OpenIntent-Chain/internal/observability/metrics"
	"OpenIntent-Chain/internal/orchestrator"
	"OpenIntent-Chain/internal/registry"
	"OpenIntent-Chain/internal/router"
	"OpenIntent-Chain/internal/storage/mysql"
	redisstore "OpenIntent-Chain/internal/storage/redis"
	"OpenIntent-Chain/internal/task"
	"OpenIntent-Chain/internal/web3"
	"OpenIntent-Chain/internal/web3/provider"
	"OpenIntent-Chain/pkg/logger"
	"OpenIntent-Chain/pkg/plugin"
)

// main 是 OpenIntent 守护进程的入口。
func main() {
	configPath := flag.String("config", defaultConfigPath(), "配置文件路径")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("openintentd 运行失败: %v", err)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("OPENINTENT_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "openintent.json")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Outputs:    cfg.Logging.Outputs,
		AddSource:  cfg.Logging.AddSource,
		Components: cfg.Logging.Components,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	daemonLog := logger.Named("daemon")

	// 链目录与适配器目录是随配置落盘的缺省文件，允许缺失：
	// 对应子系统按未配置启动，运行期再报不可用。
	if cfg.Web3.ChainsPath != "" {
		if _, statErr := os.Stat(cfg.Web3.ChainsPath); statErr != nil {
			daemonLog.Warn("链配置文件不存在，按无链模式启动", slog.String("path", cfg.Web3.ChainsPath))
			cfg.Web3.ChainsPath = ""
		}
	}
	if cfg.Adapters.DefinitionsPath != "" {
		if _, statErr := os.Stat(cfg.Adapters.DefinitionsPath); statErr != nil {
			daemonLog.Warn("适配器目录不存在，跳过内置适配器", slog.String("path", cfg.Adapters.DefinitionsPath))
			cfg.Adapters.DefinitionsPath = ""
		}
	}

	// 任务存储。
	var store task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "", "memory":
		store = task.NewMemoryStore()
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.TaskStore.DSN,
			MaxOpenConns:    cfg.Storage.TaskStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.TaskStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.TaskStore.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.TaskStore.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := mysql.RunMigrations(ctx, db); err != nil {
			return err
		}
		mysqlStore, err := task.NewMySQLStore(db)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
	defer func() { _ = store.Close() }()

	if cfg.Storage.TaskStore.Janitor.Enabled {
		janitor := task.NewJanitor(store,
			cfg.Storage.TaskStore.Janitor.SweepInterval(),
			cfg.Storage.TaskStore.Janitor.StuckAfter(),
		)
		if err := janitor.Start(); err != nil {
			return err
		}
		defer janitor.Stop()
	}

	// 链客户端注册表。
	catalog, err := web3.LoadChainCatalog(cfg.Web3.ChainsPath)
	if err != nil {
		return err
	}
	chains, err := provider.NewRegistry(catalog, cfg.Web3.DefaultChainID)
	if err != nil {
		return err
	}
	defer chains.Close()

	// 事件总线与回放缓冲。
	bus := events.NewBus()
	defer bus.Close()
	recorder := events.NewRecorder(bus, 256)
	defer recorder.Close()

	// 注册表与健康监控。
	agents := registry.NewAgentRegistry(
		registry.WithAgentEvents(bus),
		registry.WithFailureThreshold(cfg.Registry.MaxConsecutiveFailures),
	)
	adapterOpts := []registry.AdapterOption{
		registry.WithAdapterCap(cfg.Registry.MaxAdaptersPerType),
	}
	if cfg.Registry.DisableLoadBalancing {
		adapterOpts = append(adapterOpts, registry.WithoutAdapterBalancing())
	}
	adapters := registry.NewAdapterRegistry(adapterOpts...)

	monitor := registry.NewMonitor(agents, adapters, registry.MonitorConfig{
		Interval:     cfg.Registry.HealthCheckInterval(),
		ProbeTimeout: cfg.Registry.ProbeTimeout(),
	}, registry.WithProbeObserver(metrics.RecordProbe))
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	// 消息路由。
	rt := router.New(router.Config{
		MaxConcurrentMessages:     cfg.Router.MaxConcurrentMessages,
		MessageTimeout:            cfg.Router.MessageTimeout(),
		RetryAttempts:             cfg.Router.RetryAttempts,
		BackoffMultiplier:         cfg.Router.BackoffMultiplier,
		SequentialDispatch:        cfg.Router.DisableParallelDispatch,
		MaxConcurrentAdapterCalls: cfg.Router.MaxConcurrentAdapterCalls,
		AdapterTimeout:            cfg.Router.AdapterTimeout(),
	}, agents, adapters,
		router.WithEventBus(bus),
		router.WithCallObserver(func(name string, status router.Status) {
			metrics.RecordAdapterCall(name, string(status))
		}),
	)
	defer rt.Close()

	// 意图分析目录。
	var intentCatalog *intent.Catalog
	if cfg.Intent.CatalogPath != "" {
		intentCatalog, err = intent.LoadCatalog(cfg.Intent.CatalogPath)
		if err != nil {
			return err
		}
	}
	analyzer := intent.NewAnalyzer(intentCatalog,
		intent.WithHighValueThreshold(cfg.Intent.HighValueThreshold))

	// 编排器与其可选依赖。
	orchOpts := []orchestrator.Option{
		orchestrator.WithEventBus(bus),
		orchestrator.WithChains(chains),
		orchestrator.WithBreakerObserver(metrics.RecordBreakerTransition),
	}
	if cfg.Storage.Redis.Address != "" {
		cache, err := redisstore.NewCache(redisstore.Config{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
		orchOpts = append(orchOpts, orchestrator.WithCache(cache))
	}
	if cfg.Adapters.Plugins.Enabled {
		plugins, err := buildPluginManager(cfg.Adapters.Plugins)
		if err != nil {
			return err
		}
		if err := plugins.StartAll(ctx); err != nil {
			return err
		}
		defer func() { _ = plugins.StopAll(context.Background()) }()
		orchOpts = append(orchOpts, orchestrator.WithPluginManager(plugins))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks:     cfg.Orchestrator.MaxConcurrentTasks,
		AdapterDefinitionsPath: cfg.Adapters.DefinitionsPath,
	}, analyzer, agents, adapters, rt, store, orchOpts...)
	if err != nil {
		return err
	}
	if err := orch.InitializeAdapters(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.StopAdapters(stopCtx)
	}()

	// 异步接入队列与后台处理器。
	queue, err := buildIntakeQueue(cfg.Intake)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			daemonLog.Warn("关闭接入队列失败", slog.Any("error", err))
		}
	}()
	intakeService := intake.NewService(queue)
	processor := intake.NewProcessor(orch, queue, intake.WithWorkerCount(cfg.Intake.Workers))
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			daemonLog.Error("意图处理器异常退出", slog.Any("error", err))
		}
	}()

	// 告警分发。
	if cfg.Alerting.Enabled {
		watcher := alerting.StartWatcher(bus, alerting.NewFanout(buildNotifiers(cfg.Alerting)...))
		defer watcher.Close()
	}

	// 指标采集与暴露。
	listener := metrics.StartListener(bus)
	defer listener.Close()
	metrics.ObserveRouterStats(rt.Stats)
	metrics.ObserveTaskStore(store)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				daemonLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	// REST 服务压轴，阻塞到停机信号为止。
	server := api.NewServer(cfg.Server.Address, api.Deps{
		Orchestrator: orch,
		Intake:       intakeService,
		Store:        store,
		Agents:       agents,
		Adapters:     adapters,
		RouterStats:  rt.Stats,
		Recorder:     recorder,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildIntakeQueue 按驱动构造异步接入队列。
func buildIntakeQueue(cfg config.IntakeConfig) (intake.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return intake.NewMemoryQueue(cfg.Capacity), nil
	case "redis":
		return intake.NewRedisQueue(intake.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return intake.NewRabbitMQQueue(intake.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的接入队列驱动: %s", cfg.Driver)
	}
}

// buildPluginManager 加载插件清单并构造管理器。
func buildPluginManager(cfg config.PluginsConfig) (*plugin.Manager, error) {
	managerCfg, err := plugin.LoadManagerConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.Directory != "" {
		managerCfg.PluginDir = cfg.Directory
	}
	return plugin.NewManager(managerCfg)
}

// buildNotifiers 按配置组装告警通道，进程日志通道恒定在列。
func buildNotifiers(cfg config.AlertingConfig) []alerting.Notifier {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Webhook.URL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			Sender: &alerting.HTTPWebhookSender{
				URL:    cfg.Webhook.URL,
				Client: &http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second},
			},
		})
	}
	if cfg.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender: &alerting.SlackWebhookSender{
				WebhookURL: cfg.Slack.WebhookURL,
				Client:     &http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second},
			},
		})
	}
	if cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Host:     cfg.Email.Host,
				Port:     cfg.Email.Port,
				Username: cfg.Email.Username,
				Password: cfg.Email.Password,
				From:     cfg.Email.From,
			},
			To:            cfg.Email.To,
			SubjectPrefix: "[openintent]",
		})
	}
	return notifiers
}
