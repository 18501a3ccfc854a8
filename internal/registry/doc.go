// Package registry tracks the live population of agents and adapter
// instances: registration, capability indexing, load accounting, health
// probing, and least-loaded selection. All state is process local and
// guarded by per-registry mutexes; readers always receive snapshots.
package registry
