package plugin

import "errors"

// IsolationStrategy enforces security restrictions for plugins at runtime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// NoopIsolationStrategy validates capability grants but performs no runtime
// sandboxing.
type NoopIsolationStrategy struct{}

// Validate checks the capabilities a plugin requests against the policy.
func (NoopIsolationStrategy) Validate(info Info, policy IsolationPolicy) error {
	return policy.Permits(info.Capabilities)
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy returns the default strategy when none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return NoopIsolationStrategy{}
	}
	return strategy
}

// MergePolicies combines the default and plugin specific isolation policies.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if merged.Empty() {
		return defaults
	}
	return merged
}

// EnsurePolicy rejects capability-requesting plugins that carry no policy.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if policy.Empty() {
		return errors.New("plugins declaring capabilities require an isolation policy")
	}
	return nil
}
