package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"OpenIntent-Chain/internal/adapter"
	"OpenIntent-Chain/internal/adapter/analytics"
	"OpenIntent-Chain/internal/adapter/evm"
	"OpenIntent-Chain/internal/adapter/feed"
	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/intent"
	"OpenIntent-Chain/internal/router"
)

// InitializeAdapters 按目录构建内置适配器并收割插件贡献的适配器。
// 每个实例注册成功后解锁分析器对应的关注面，最后广播 adapters_initialized。
func (o *Orchestrator) InitializeAdapters(ctx context.Context) error {
	defs, err := adapter.LoadDefinitions(o.cfg.AdapterDefinitionsPath)
	if err != nil {
		return err
	}

	var names []string
	for _, def := range defs.Adapters {
		if !def.IsEnabled() {
			o.log.Info("适配器已禁用，跳过", slog.String("adapter", def.Name))
			continue
		}
		built, err := o.buildAdapter(def)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfigInvalid, err, "构建适配器失败",
				xerrors.WithMetadata("adapter", def.Name))
		}
		if def.CircuitBreaker != nil && def.CircuitBreaker.Enabled {
			breakerCfg := def.CircuitBreaker.BreakerConfig()
			breakerCfg.OnStateChange = o.breakerStateChanged
			built = adapter.WrapWithBreaker(built, breakerCfg)
		}
		if err := o.adapters.Register(built, def.Priority); err != nil {
			return err
		}
		o.enableConcern(built.Kind())
		names = append(names, built.Name())
		o.log.Info("适配器已就绪",
			slog.String("adapter", built.Name()),
			slog.String("kind", string(built.Kind())),
			slog.Int("priority", def.Priority),
		)
	}

	harvested, err := o.harvestPlugins(ctx)
	if err != nil {
		return err
	}
	names = append(names, harvested...)

	o.publish(events.AdaptersInitialized, map[string]any{
		"count":    len(names),
		"adapters": names,
	})
	o.log.Info("适配器初始化完成", slog.Int("count", len(names)))
	return nil
}

// breakerStateChanged 转发熔断器状态切换：跳闸广播 error_occurred，
// 所有切换都送达观察器。
func (o *Orchestrator) breakerStateChanged(adapterName, from, to string) {
	if to == "open" {
		o.publish(events.ErrorOccurred, map[string]any{
			"source":     "breaker",
			"adapter":    adapterName,
			"error_code": string(xerrors.CodeCircuitOpen),
			"error":      "适配器连续失败，熔断器跳闸",
			"from":       from,
			"to":         to,
		})
	}
	if o.breakerObserver != nil {
		o.breakerObserver(adapterName, from, to)
	}
}

// buildAdapter 按类别实例化一个内置适配器。
func (o *Orchestrator) buildAdapter(def adapter.Definition) (adapter.Adapter, error) {
	kind, err := adapter.ParseKind(def.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case adapter.KindBlockchain:
		if o.chains == nil {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "区块链适配器需要链注册表")
		}
		var chainID uint64
		if def.Blockchain != nil {
			chainID = def.Blockchain.ChainID
		}
		return evm.New(def.Name, o.chains, chainID)
	case adapter.KindAnalytics:
		settings := def.Analytics
		if settings == nil {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "行情适配器缺少 analytics 配置")
		}
		return analytics.New(analytics.Config{
			Name:     def.Name,
			BaseURL:  settings.BaseURL,
			APIKey:   settings.APIKey,
			Timeout:  time.Duration(settings.TimeoutMS) * time.Millisecond,
			CacheTTL: time.Duration(settings.CacheTTLSeconds) * time.Second,
		}, o.cache)
	case adapter.KindRealtime:
		if o.chains == nil {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "实时数据适配器需要链注册表")
		}
		cfg := feed.Config{Name: def.Name}
		if def.Realtime != nil {
			cfg.ChainID = def.Realtime.ChainID
			cfg.BufferSize = def.Realtime.BufferSize
			cfg.MaxStreams = def.Realtime.MaxStreams
		}
		return feed.New(cfg, o.chains)
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未知的适配器类别: "+def.Kind)
	}
}

// harvestPlugins 把已启动插件提供的适配器桥接并注册进注册表。
// 单个插件适配器不合法只记日志跳过，不拖垮整个初始化。
func (o *Orchestrator) harvestPlugins(ctx context.Context) ([]string, error) {
	if o.plugins == nil {
		return nil, nil
	}
	harvested, err := o.plugins.Adapters(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, h := range harvested {
		bridged, err := adapter.FromPlugin(h.Provided)
		if err != nil {
			o.log.Warn("插件适配器不合法，跳过",
				slog.String("plugin", h.PluginID), slog.Any("error", err))
			continue
		}
		if err := o.adapters.Register(bridged, h.Priority); err != nil {
			return nil, err
		}
		o.enableConcern(bridged.Kind())
		names = append(names, bridged.Name())
		o.log.Info("插件适配器已就绪",
			slog.String("adapter", bridged.Name()),
			slog.String("plugin", h.PluginID),
		)
	}
	return names, nil
}

// enableConcern 让分析器知道某个关注面已有适配器可用。
func (o *Orchestrator) enableConcern(kind adapter.Kind) {
	switch kind {
	case adapter.KindBlockchain:
		o.analyzer.EnableConcern(intent.ConcernBlockchain)
	case adapter.KindAnalytics:
		o.analyzer.EnableConcern(intent.ConcernAnalytics)
	case adapter.KindRealtime:
		o.analyzer.EnableConcern(intent.ConcernRealtime)
	}
}

// ExecuteAdapterOperation 定位适配器并经由适配器调用队列执行操作。
// 入队前先确认实例存在，让调用方立刻拿到 ADAPTER_NOT_AVAILABLE。
func (o *Orchestrator) ExecuteAdapterOperation(ctx context.Context, name, operation string, params map[string]any) (map[string]any, error) {
	if name != "" {
		if _, err := o.adapters.Lookup(name); err != nil {
			return nil, err
		}
	} else if _, err := o.adapters.FindBest(operation, ""); err != nil {
		return nil, err
	}

	d, err := o.router.RouteAdapterCall(ctx, router.AdapterCall{
		Adapter:   name,
		Operation: operation,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	out, err := d.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Payload, nil
}

// StopAdapters 依次调用各适配器的停机钩子并广播 adapters_stopped。
// 钩子失败只记日志，不阻断其余实例停机。
func (o *Orchestrator) StopAdapters(ctx context.Context) {
	views := o.adapters.List()
	stopped := 0
	for _, view := range views {
		handle, err := o.adapters.Lookup(view.Name)
		if err != nil {
			continue
		}
		if err := adapter.Stop(ctx, handle); err != nil {
			o.log.Warn("适配器停机失败", slog.String("adapter", view.Name), slog.Any("error", err))
			continue
		}
		stopped++
	}
	o.publish(events.AdaptersStopped, map[string]any{"count": stopped})
	o.log.Info("适配器已停机", slog.Int("count", stopped))
}
