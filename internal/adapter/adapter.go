package adapter

import (
	"context"
	"strings"

	xerrors "OpenIntent-Chain/internal/errors"
)

// Kind 标识适配器对接的外部集成类别。
type Kind string

const (
	KindBlockchain Kind = "blockchain"
	KindAnalytics  Kind = "analytics"
	KindRealtime   Kind = "realtime"
)

// ValidKinds 列出全部合法的适配器类别。
func ValidKinds() []Kind {
	return []Kind{KindBlockchain, KindAnalytics, KindRealtime}
}

// ParseKind 解析适配器类别字符串。
func ParseKind(raw string) (Kind, error) {
	candidate := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, k := range ValidKinds() {
		if candidate == k {
			return k, nil
		}
	}
	return "", xerrors.New(xerrors.CodeValidation, "未知的适配器类别: "+raw)
}

// Adapter 是外部集成的统一封装：声明能力并按操作名执行。
// 实现方可以额外实现 Pinger 与 Stopper 来接入探活与停机流程。
type Adapter interface {
	Name() string
	Kind() Kind
	Capabilities() []string
	Execute(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
}

// Pinger 是适配器的可选探活钩子。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stopper 是适配器的可选停机钩子。
type Stopper interface {
	Stop(ctx context.Context) error
}

// Supports 判断适配器是否声明了指定操作。
func Supports(a Adapter, operation string) bool {
	if a == nil {
		return false
	}
	for _, cap := range a.Capabilities() {
		if cap == operation {
			return true
		}
	}
	return false
}

// Ping 在适配器实现了探活钩子时调用它，未实现则视为健康。
func Ping(ctx context.Context, a Adapter) error {
	if p, ok := a.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Stop 在适配器实现了停机钩子时调用它。
func Stop(ctx context.Context, a Adapter) error {
	if s, ok := a.(Stopper); ok {
		return s.Stop(ctx)
	}
	return nil
}
