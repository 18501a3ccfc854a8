// Package policy will host execution guardrails for routed intents, including
// per-account spend ceilings, protocol allow lists, and gating rules that act
// on the risk tags produced during intent analysis before a task reaches an
// agent.
package policy
