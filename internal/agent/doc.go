// Package agent defines the worker contract consumed by the orchestration
// core: a self-describing capability manifest, a task request/response
// exchange, and a health probe. Two implementations ship with the runtime,
// an in-process function-backed agent and an HTTP webhook remote used for
// agents registered over the API.
package agent
