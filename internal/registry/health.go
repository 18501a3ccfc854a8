package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"OpenIntent-Chain/internal/adapter"
	"OpenIntent-Chain/pkg/logger"
)

// Monitor 周期性探活全部代理与适配器实例。
// 代理连续失败达到阈值会被强制下线，之后只能显式重新上线；
// 适配器则在 active 与 error 之间随探活结果翻转。
type Monitor struct {
	agents       *AgentRegistry
	adapters     *AdapterRegistry
	interval     time.Duration
	probeTimeout time.Duration
	observer     ProbeObserver
	cron         *cron.Cron
	log          *slog.Logger
}

// MonitorConfig 控制探活周期与单次探活超时。
type MonitorConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// ProbeObserver 在每次探活后收到结果，供指标采集挂接。
type ProbeObserver func(target, id string, ok bool)

// MonitorOption 调整监控器的可选行为。
type MonitorOption func(*Monitor)

// WithProbeObserver 注册探活结果观察器。
func WithProbeObserver(fn ProbeObserver) MonitorOption {
	return func(m *Monitor) {
		m.observer = fn
	}
}

// NewMonitor 创建健康监控器。未给定的参数采用 30s 周期、3s 超时。
func NewMonitor(agents *AgentRegistry, adapters *AdapterRegistry, cfg MonitorConfig, opts ...MonitorOption) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	m := &Monitor{
		agents:       agents,
		adapters:     adapters,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		log:          logger.Named("health"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Start 注册定时探活并启动调度。
func (m *Monitor) Start() error {
	if m.cron != nil {
		return nil
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := m.cron.AddFunc(spec, m.sweep); err != nil {
		m.cron = nil
		return fmt.Errorf("注册健康检查失败: %w", err)
	}
	m.cron.Start()
	m.log.Info("健康监控已启动",
		slog.Duration("interval", m.interval),
		slog.Duration("probe_timeout", m.probeTimeout),
	)
	return nil
}

// Stop 停止调度并等待正在执行的探活完成。
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

func (m *Monitor) sweep() {
	ctx := context.Background()
	m.probeAgents(ctx)
	m.probeAdapters(ctx)
}

func (m *Monitor) probeAgents(ctx context.Context) {
	if m.agents == nil {
		return
	}
	for _, view := range m.agents.List() {
		id := view.Descriptor.ID
		handle, err := m.agents.Lookup(id)
		if err != nil {
			// 探活期间被注销，跳过即可。
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		started := time.Now()
		probeErr := handle.Ping(probeCtx)
		cancel()
		m.agents.RecordProbe(id, time.Since(started), probeErr)
		m.observe("agent", id, probeErr)
	}
}

func (m *Monitor) probeAdapters(ctx context.Context) {
	if m.adapters == nil {
		return
	}
	for _, view := range m.adapters.List() {
		handle, err := m.adapters.Lookup(view.Name)
		if err != nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		probeErr := adapter.Ping(probeCtx, handle)
		cancel()
		m.adapters.RecordProbe(view.Name, probeErr)
		m.observe("adapter", view.Name, probeErr)
	}
}

func (m *Monitor) observe(target, id string, probeErr error) {
	if m.observer == nil {
		return
	}
	m.observer(target, id, probeErr == nil)
}
