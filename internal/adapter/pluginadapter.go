package adapter

import (
	"context"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/pkg/plugin"
)

// pluginAdapter 把插件提供的适配器桥接到内部适配器契约上。
// 插件侧只认识纯字符串类别，桥接时统一做解析与校验。
type pluginAdapter struct {
	provided plugin.ProvidedAdapter
	kind     Kind
}

var _ Adapter = (*pluginAdapter)(nil)
var _ Pinger = (*pluginAdapter)(nil)
var _ Stopper = (*pluginAdapter)(nil)

// FromPlugin 校验插件适配器并返回内部契约的封装。
func FromPlugin(p plugin.ProvidedAdapter) (Adapter, error) {
	if p == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "插件适配器不能为空")
	}
	if p.Name() == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "插件适配器缺少名称")
	}
	kind, err := ParseKind(p.Kind())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidation, err, "插件适配器类别不合法",
			xerrors.WithMetadata("adapter", p.Name()))
	}
	if len(p.Capabilities()) == 0 {
		return nil, xerrors.New(xerrors.CodeValidation, "插件适配器未声明任何能力",
			xerrors.WithMetadata("adapter", p.Name()))
	}
	return &pluginAdapter{provided: p, kind: kind}, nil
}

func (a *pluginAdapter) Name() string { return a.provided.Name() }

func (a *pluginAdapter) Kind() Kind { return a.kind }

func (a *pluginAdapter) Capabilities() []string { return a.provided.Capabilities() }

func (a *pluginAdapter) Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	return a.provided.Execute(ctx, operation, params)
}

// Ping 透传到插件实现的探活钩子，插件未实现则视为健康。
func (a *pluginAdapter) Ping(ctx context.Context) error {
	if p, ok := a.provided.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Stop 透传到插件实现的停机钩子。
func (a *pluginAdapter) Stop(ctx context.Context) error {
	if s, ok := a.provided.(interface{ Stop(context.Context) error }); ok {
		return s.Stop(ctx)
	}
	return nil
}
